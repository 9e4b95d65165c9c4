// Package realtime keeps short-lived gathering records (chat lines, polls) in
// an embedded badger database, apart from the document store.
package realtime

import (
	"time"

	"codenearby/config"
	"codenearby/log"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const maxConflictRetries = 5

var (
	ErrNotFound = errors.New("record not found")
	ErrEmptyKey = errors.New("record key cannot be empty")
)

// Resetter is implemented by records that must be cleared before decoding.
type Resetter interface {
	Reset()
}

// Store is a JSON record store with per-record expiry.
type Store struct {
	db *badger.DB
}

// Open opens the store on disk, or in memory when cfg.InMemory is set.
func Open(cfg config.RealtimeConfig) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = 16 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger db for realtime records")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes v under key. A positive ttl makes the record disappear after it.
func (s *Store) Put(key string, v interface{}, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal record %s", key)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry(key, data, ttl))
	})
}

func entry(key string, data []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), data)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// Get decodes the record under key into v.
func (s *Store) Get(key string, v interface{}) error {
	if key == "" {
		return ErrNotFound
	}
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrapf(err, "get record %s", key)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// Update reads the record under key into v, lets mutate change it and writes
// it back in one transaction. Concurrent writers to the same key make the
// commit fail with a conflict; the whole read-modify-write is then retried.
// Errors returned by mutate abort without writing. Values holding maps or
// slices should implement Resetter so a retry decodes into a clean value.
func (s *Store) Update(key string, v interface{}, ttl time.Duration, mutate func() error) (err error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			item, er := txn.Get([]byte(key))
			if errors.Is(er, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if er != nil {
				return errors.Wrapf(er, "get record %s", key)
			}
			if r, ok := v.(Resetter); ok {
				r.Reset()
			}
			if er = item.Value(func(val []byte) error { return json.Unmarshal(val, v) }); er != nil {
				return errors.Wrapf(er, "decode record %s", key)
			}
			if er = mutate(); er != nil {
				return er
			}
			data, er := json.Marshal(v)
			if er != nil {
				return errors.Wrapf(er, "marshal record %s", key)
			}
			return txn.SetEntry(entry(key, data, ttl))
		})
		if !errors.Is(err, badger.ErrConflict) {
			return
		}
		log.Logger().Debug().Str("key", key).Int("attempt", attempt+1).Msg("realtime update conflict, retrying")
	}
	return
}

// Delete removes key; deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
}

// DeletePrefix drops every record whose key starts with prefix.
func (s *Store) DeletePrefix(prefix string) error {
	if prefix == "" {
		return ErrEmptyKey
	}
	return errors.Wrapf(s.db.DropPrefix([]byte(prefix)), "drop prefix %s", prefix)
}

// Decoder fills v from the current record.
type Decoder func(v interface{}) error

// Scan calls fn for every live record under prefix in ascending key order.
func (s *Store) Scan(prefix string, fn func(key string, decode Decoder) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			decode := func(v interface{}) error {
				return item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
			}
			if err := fn(string(item.Key()), decode); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tail calls fn for at most n of the newest records under prefix, newest
// first. Keys are expected to sort chronologically.
func (s *Store) Tail(prefix string, n int, fn func(key string, decode Decoder) error) error {
	if n <= 0 {
		return nil
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		seen := 0
		for it.Seek(append(append([]byte{}, p...), 0xFF)); it.ValidForPrefix(p) && seen < n; it.Next() {
			item := it.Item()
			decode := func(v interface{}) error {
				return item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
			}
			if err := fn(string(item.Key()), decode); err != nil {
				return err
			}
			seen++
		}
		return nil
	})
}
