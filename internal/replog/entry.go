package replog

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/vclock"
)

// Keyspace prefixes inside a partition's backing store.
const (
	keyPrefix = "key:"
	cidPrefix = "cid:"
	headKey   = "tag:HEAD"
)

func indexKey(key string) []byte {
	return []byte(keyPrefix + key)
}

func cacheKey(id cid.ID) []byte {
	return []byte(cidPrefix + string(id))
}

// Entry is one immutable mutation record. Merge entries carry no key.
type Entry struct {
	Key     string
	Blob    cid.ID
	Deleted bool
	Parents []cid.ID
	Clock   vclock.Clock
	// IsNew marks entries discovered by the merger but not yet evaluated.
	// It only exists in the local cache and never affects the entry's id.
	IsNew bool
}

// IsMerge reports whether e joins two branches instead of mutating a key.
func (e *Entry) IsMerge() bool {
	return e.Key == ""
}

func (e *Entry) validate() error {
	if e.IsMerge() {
		return nil
	}
	if e.Deleted == (e.Blob != "") {
		return errors.Errorf("replog: entry for %q must have exactly one of blob or tombstone", e.Key)
	}
	return nil
}

type wireEntry struct {
	Key     string       `json:"key,omitempty"`
	Blob    cid.ID       `json:"cid,omitempty"`
	Deleted bool         `json:"deleted,omitempty"`
	Parents []cid.ID     `json:"parents"`
	Clock   vclock.Clock `json:"clock"`
	IsNew   bool         `json:"isNew,omitempty"`
}

func (e *Entry) wire(withMarker bool) wireEntry {
	w := wireEntry{
		Key:     e.Key,
		Blob:    e.Blob,
		Deleted: e.Deleted,
		Parents: e.Parents,
		Clock:   e.Clock,
	}
	if w.Parents == nil {
		w.Parents = []cid.ID{}
	}
	if w.Clock == nil {
		w.Clock = vclock.Clock{}
	}
	if withMarker {
		w.IsNew = e.IsNew
	}
	return w
}

// Marshal returns the canonical encoding hashed into the entry's id.
// encoding/json sorts map keys, which keeps clocks deterministic.
func (e *Entry) Marshal() ([]byte, error) {
	data, err := json.Marshal(e.wire(false))
	return data, errors.Wrap(err, "replog: encode entry")
}

func (e *Entry) marshalCache() ([]byte, error) {
	data, err := json.Marshal(e.wire(true))
	return data, errors.Wrap(err, "replog: encode cached entry")
}

// UnmarshalEntry decodes either encoding.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, "replog: decode entry")
	}
	e := &Entry{
		Key:     w.Key,
		Blob:    w.Blob,
		Deleted: w.Deleted,
		Parents: w.Parents,
		Clock:   w.Clock,
		IsNew:   w.IsNew,
	}
	if e.Clock == nil {
		e.Clock = vclock.Clock{}
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// sortedParents returns ids sorted and de-duplicated, skipping empty ones.
func sortedParents(ids ...cid.ID) []cid.ID {
	out := make([]cid.ID, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}
