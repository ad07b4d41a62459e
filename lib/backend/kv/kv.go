package kv

// Store is the local key value store of a daemon. Get returns nil, nil for a
// missing key.
type Store interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Iter(prefix []byte, fn func(k, v []byte) error) int64
	Close() error
}
