// Package causalkv provides an embedded, replicated key-value store built on
// a causally ordered log.
//
// # Overview
//
// Every mutation of a partition is appended to a log of content-addressed
// entries. Each entry names its parents and carries a vector clock, so
// replicas that wrote concurrently can merge their histories without
// coordination. Replicas gossip the id of their latest entry (the head);
// a replica receiving an unknown head walks the missing history, fetches
// what it lacks and converges on the same state.
//
// # Data model
//
// The latest version of a key is decided by vector clocks. Concurrent
// versions are ordered deterministically by entry id, so every replica picks
// the same winner. Deletions are tombstones and take part in ordering like
// any other write.
//
// # Generics
//
// The DB type is generic over key and value types. Keys must be string
// or a type with underlying string. Values can be any type.
//
// # Networking
//
// Sync is enabled when a bind address or a PubSub is provided. Without
// either, the database works as a local log.
//
// # Serialization
//
// Values are serialized into blobs using a Codec. The default is GobCodec,
// while BytesCodec, StringCodec and Float64Codec store raw bytes, strings
// and numbers.
//
// Example
//
//	db, err := causalkv.Open[string, string](ctx, "config",
//		causalkv.WithBindAddr("127.0.0.1:9001"),
//		causalkv.WithSeeds([]string{"127.0.0.1:9002"}),
//		causalkv.WithCodec(causalkv.StringCodec{}),
//	)
//	if err != nil {
//		// handle error
//	}
//	_ = db.Put(ctx, "key", "value")
//	_, _ = db.Get(ctx, "key")
package causalkv
