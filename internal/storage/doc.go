// Package storage provides the key-value backends a storage node keeps its
// share records in.
//
// # Backends
//
// MemoryStore keeps everything in a map guarded by sync.RWMutex. Values are
// copied on the way in and out so callers never share memory with the
// store. It is the default and the backend used by tests.
//
// RedisStore keeps one Redis hash per node ("veil:<node>:records") so a
// node can restart without losing its shares. It is selected when the node
// configuration sets redis_addr.
//
// # Semantics
//
// Get returns ErrKeyNotFound for a missing key. Delete of a missing key is
// not an error. List and Snapshot make no ordering promise; the node sorts
// records itself.
//
//	store := storage.NewMemoryStore()
//	_ = store.Put(ctx, "tx-1", payload)
//	value, err := store.Get(ctx, "tx-1")
//	if errors.Is(err, storage.ErrKeyNotFound) {
//	    // not stored on this node
//	}
package storage
