// Package cid derives content identifiers used as storage keys for
// log entries and values.
package cid

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

const prefix = "s2-"

// ID is an opaque, content-derived identifier. IDs compare as plain strings.
type ID string

// Sum derives the identifier of data.
func Sum(data []byte) ID {
	sum := sha256.Sum256(data)
	return ID(prefix + hex.EncodeToString(sum[:]))
}

// Verify checks that data hashes to id.
func Verify(id ID, data []byte) error {
	if got := Sum(data); got != id {
		return errors.Errorf("cid: content mismatch: want %s, got %s", id, got)
	}
	return nil
}

// Parse validates the textual form of an identifier.
func Parse(s string) (ID, error) {
	if len(s) != len(prefix)+2*sha256.Size || s[:len(prefix)] != prefix {
		return "", errors.Errorf("cid: malformed id %q", s)
	}
	if _, err := hex.DecodeString(s[len(prefix):]); err != nil {
		return "", errors.Wrapf(err, "cid: malformed id %q", s)
	}
	return ID(s), nil
}

func (id ID) String() string {
	return string(id)
}

// Empty reports whether id is unset.
func (id ID) Empty() bool {
	return id == ""
}
