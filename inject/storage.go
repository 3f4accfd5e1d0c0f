package inject

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"
)

const debugStorage = false

// Storage persists journal records as key/value blobs.
type Storage interface {
	Put(key string, blob []byte) error
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	// Keys returns the keys beginning with prefix in ascending order.
	Keys(prefix string) ([]string, error)
	Clear() error
	Close() error
}

// KeyPrefixStorage wraps another Storage so that every key is namespaced under prefix. Keys returned by the
// wrapper have the namespace removed.
func KeyPrefixStorage(s Storage, prefix string) Storage {
	if prefix == "" {
		return s
	}
	return &prefixStorage{
		store:  s,
		prefix: prefix + ";",
	}
}

type prefixStorage struct {
	store  Storage
	prefix string
}

func (p *prefixStorage) Put(key string, blob []byte) error {
	return p.store.Put(p.prefix+key, blob)
}

func (p *prefixStorage) Get(key string) ([]byte, bool, error) {
	return p.store.Get(p.prefix + key)
}

func (p *prefixStorage) Delete(key string) error {
	return p.store.Delete(p.prefix + key)
}

func (p *prefixStorage) Keys(prefix string) ([]string, error) {
	keys, err := p.store.Keys(p.prefix + prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, p.prefix)
	}
	return keys, nil
}

func (p *prefixStorage) Clear() error {
	keys, err := p.Keys("")
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		errs = append(errs, p.Delete(key))
	}
	return errors.Join(errs...)
}

// Close closes the wrapped storage.
func (p *prefixStorage) Close() error {
	return p.store.Close()
}

type memStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStorage returns an in-memory Storage.
func NewMemStorage() Storage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) Put(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = slices.Clone(blob)
	return nil
}

func (m *memStorage) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(blob), true, nil
}

func (m *memStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memStorage) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *memStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.data)
	return nil
}

func (m *memStorage) Close() error {
	return nil
}

type badgerStorage struct {
	path string
	db   *badger.DB
}

// NewBadgerStorage opens a Badger backed Storage in path. The directory is removed when the storage is closed.
func NewBadgerStorage(path string, maxMemMB int) (Storage, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir failed: %w", err)
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	// invocation records are small and written once, favor a small footprint over compaction throughput
	memTableSize := clamp(int64(maxMemMB/4), 4, 64) << 20
	opts := badger.DefaultOptions(path).
		WithInMemory(false).
		WithCompression(options.ZSTD).
		WithZSTDCompressionLevel(3).
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize).
		WithBlockCacheSize(clamp(int64(maxMemMB/8), 1, 64) << 20).
		WithIndexCacheSize(clamp(int64(maxMemMB/8), 4, 64) << 20).
		WithValueThreshold(1 << 10)

	if !debugStorage {
		opts = opts.
			WithLoggingLevel(badger.ERROR).
			WithMetricsEnabled(false)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage db failed: %w", err)
	}
	if debugStorage {
		go logBadgerCacheMetrics(db)
	}
	return &badgerStorage{path: path, db: db}, nil
}

func logBadgerCacheMetrics(db *badger.DB) {
	logMetrics := func(name string, metrics *ristretto.Metrics) {
		if metrics == nil {
			return
		} else if metrics.Hits() != 0 || metrics.Misses() != 0 {
			log.Println(name + ": " + metrics.String())
		}
		metrics.Clear()
	}
	for !db.IsClosed() {
		time.Sleep(60 * time.Second)
		logMetrics("block", db.BlockCacheMetrics())
		logMetrics("index", db.IndexCacheMetrics())
	}
}

func (b *badgerStorage) Put(key string, blob []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
}

func (b *badgerStorage) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *badgerStorage) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *badgerStorage) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		itOpts.Prefix = []byte(prefix)
		it := txn.NewIterator(itOpts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

func (b *badgerStorage) Clear() error {
	return b.db.DropAll()
}

func (b *badgerStorage) Close() error {
	return errors.Join(b.db.Close(), os.RemoveAll(b.path))
}
