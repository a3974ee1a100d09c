// Package kv defines a minimal persistent key-value store abstraction,
// used by the data plane to cache the last snapshot it successfully applied.
package kv

// Store represents a persistent key-value store.
type Store interface {
	// Put a (key, value) pair in the store.
	Put(key, value []byte) error
	// Get the value for a key. Returns nil, nil if the key does not exist.
	Get(key []byte) ([]byte, error)
	// Delete a key (with its respective value) from the store.
	Delete(key []byte) error
	// Close frees all resources (e.g. file handles) used by the store.
	Close() error
}
