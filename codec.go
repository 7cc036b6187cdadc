package causalkv

import (
	"bytes"
	"encoding/gob"
	"math"
	"strconv"
)

// Codec serializes values into the blobs referenced by log entries.
// An empty blob always decodes to the zero value.
type Codec[V any] interface {
	Marshal(value V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// BytesCodec passes through raw bytes without copying.
// The caller must not modify the returned slice.
type BytesCodec struct{}

func (BytesCodec) Marshal(value []byte) ([]byte, error) {
	return value, nil
}

func (BytesCodec) Unmarshal(data []byte) ([]byte, error) {
	return data, nil
}

// StringCodec encodes strings as raw bytes.
// It allocates on marshal/unmarshal to keep data immutable.
type StringCodec struct{}

func (StringCodec) Marshal(value string) ([]byte, error) {
	return []byte(value), nil
}

func (StringCodec) Unmarshal(data []byte) (string, error) {
	return string(data), nil
}

// Float64Codec stores numbers in their shortest decimal form.
// NaN is stored as "NaN".
type Float64Codec struct{}

func (Float64Codec) Marshal(value float64) ([]byte, error) {
	if math.IsNaN(value) {
		return []byte("NaN"), nil
	}
	return strconv.AppendFloat(nil, value, 'g', -1, 64), nil
}

func (Float64Codec) Unmarshal(data []byte) (float64, error) {
	return strconv.ParseFloat(string(data), 64)
}

// GobCodec uses encoding/gob for serialization.
// It works with most Go types without extra registration.
type GobCodec[V any] struct{}

func (GobCodec[V]) Marshal(value V) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec[V]) Unmarshal(data []byte) (V, error) {
	var value V
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&value); err != nil {
		return value, err
	}
	return value, nil
}

func encodeValue[V any](codec Codec[V], value V) ([]byte, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func decodeValue[V any](codec Codec[V], data []byte) (V, error) {
	if len(data) == 0 {
		var zero V
		return zero, nil
	}
	return codec.Unmarshal(data)
}
