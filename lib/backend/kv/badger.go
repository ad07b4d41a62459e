package kv

import (
	"errors"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v2"
	"go.uber.org/zap"

	logging "github.com/dstorage/go-dstor/lib/log"
)

var log = logging.Logger("kv")

var ErrClosed = errors.New("datastore closed")

type compatLogger struct {
	*zap.SugaredLogger
}

// badger calls Warningf
func (logger *compatLogger) Warningf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

var _ Store = (*BadgerStore)(nil)

type BadgerStore struct {
	db *badger.DB

	closeLk   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closing   chan struct{}

	gcDiscardRatio float64
	gcInterval     time.Duration
}

// Options are the badger datastore options, reexported here for convenience.
type Options struct {
	GcDiscardRatio float64

	// If zero, the datastore will perform no automatic garbage collection.
	GcInterval time.Duration

	InMemory bool
}

var DefaultOptions = Options{
	GcDiscardRatio: 0.5,
	GcInterval:     15 * time.Minute,
}

// NewBadgerStore opens (or creates) a badger store in path. A nil options
// uses DefaultOptions.
func NewBadgerStore(path string, options *Options) (*BadgerStore, error) {
	opts := DefaultOptions
	if options != nil {
		opts = *options
	}

	opt := badger.DefaultOptions(path)
	if opts.InMemory {
		opt = badger.DefaultOptions("").WithInMemory(true)
	}
	// compaction on close only helps read-only reopen; hanging on stop isn't nice.
	opt.CompactL0OnClose = false
	opt.Logger = &compatLogger{log}

	db, err := badger.Open(opt)
	if err != nil {
		return nil, err
	}

	ds := &BadgerStore{
		db:             db,
		closing:        make(chan struct{}),
		gcDiscardRatio: opts.GcDiscardRatio,
		gcInterval:     opts.GcInterval,
	}

	if ds.gcInterval > 0 && !opts.InMemory {
		go ds.periodicGC()
	}

	return ds, nil
}

// Keep scheduling GC's AFTER `gcInterval` has passed since the previous GC
func (d *BadgerStore) periodicGC() {
	gcTimeout := time.NewTimer(d.gcInterval)
	defer gcTimeout.Stop()

	for {
		select {
		case <-gcTimeout.C:
			switch err := d.gcOnce(); err {
			case nil, badger.ErrNoRewrite, badger.ErrRejected:
				gcTimeout.Reset(d.gcInterval)
			case ErrClosed:
				return
			default:
				log.Errorf("error during a GC cycle: %s", err)
				gcTimeout.Reset(d.gcInterval)
			}
		case <-d.closing:
			return
		}
	}
}

func (d *BadgerStore) Put(key, value []byte) error {
	d.closeLk.RLock()
	defer d.closeLk.RUnlock()
	if d.closed {
		return ErrClosed
	}

	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// key not found is not as error
func (d *BadgerStore) Get(key []byte) (value []byte, err error) {
	d.closeLk.RLock()
	defer d.closeLk.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	var val []byte
	err = d.db.View(func(txn *badger.Txn) error {
		switch item, err := txn.Get(key); err {
		case badger.ErrKeyNotFound:
			return nil
		case nil:
			val, err = item.ValueCopy(nil)
			return err
		default:
			return err
		}
	})
	return val, err
}

// Iter calls fn for every key with prefix and returns how many calls
// succeeded.
func (d *BadgerStore) Iter(prefix []byte, fn func(k, v []byte) error) int64 {
	d.closeLk.RLock()
	defer d.closeLk.RUnlock()
	if d.closed {
		return 0
	}

	var total int64
	d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			val, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			if err := fn(key, val); err == nil {
				total++
			}
		}
		return nil
	})
	return total
}

func (d *BadgerStore) Close() error {
	d.closeOnce.Do(func() {
		close(d.closing)
	})
	d.closeLk.Lock()
	defer d.closeLk.Unlock()
	if d.closed {
		return ErrClosed
	}

	d.closed = true
	return d.db.Close()
}

func (d *BadgerStore) gcOnce() error {
	d.closeLk.RLock()
	defer d.closeLk.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return d.db.RunValueLogGC(d.gcDiscardRatio)
}
