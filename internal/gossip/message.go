package gossip

import (
	"bytes"
	"encoding/gob"
)

const (
	msgPublish = "publish"
	msgHello   = "hello"
	msgNeed    = "need"
	msgBlob    = "blob"
)

// Message is the datagram exchanged between nodes.
type Message struct {
	Kind  string
	From  string
	Topic string
	Data  []byte
	// ID names the blob of need and blob messages.
	ID    string
	Found bool
}

func encodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMessage(data []byte) (Message, error) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
