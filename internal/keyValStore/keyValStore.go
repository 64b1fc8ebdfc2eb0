// Package keyValStore wraps BadgerDB as the durable key-value layer under
// the snapshot store, history index, catalog and liveness tracker.
package keyValStore

import (
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

type StoreConfig struct {
	Paths         []string // absolute paths, at the moment only the first path is used
	MinimumFreeGB uint     // refuse to open below this much free disk space
	Logger        *logrus.Logger
}

type KeyValStore struct {
	config   StoreConfig
	badgerDB *badger.DB
}

// ErrKeyNotFound is re-exported so callers do not import badger directly.
var ErrKeyNotFound = badger.ErrKeyNotFound

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log = config.Logger

	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Paths[0])
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	// Manifests and history entries must be durable before the call
	// returns, so write syncing stays on.
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger at %s: %w", config.Paths[0], err)
	}

	if err := displayDiskUsage(config.Paths); err != nil {
		log.Errorf("Error displaying disk usage: %v", err)
	}

	return &KeyValStore{
		config:   config,
		badgerDB: db,
	}, nil
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
	if err != nil {
		return fmt.Errorf("error writing key %s: %w", hex.EncodeToString(key), err)
	}
	return nil
}

// WriteBatch writes all pairs in a single transaction. Either every pair
// becomes visible or none does.
func (k *KeyValStore) WriteBatch(batch [][2][]byte) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, kv := range batch {
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error writing batch of %d keys: %w", len(batch), err)
	}
	return nil
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("error reading key %s: %w", hex.EncodeToString(key), err)
	}
	return value, nil
}

func (k *KeyValStore) Exists(key []byte) (bool, error) {
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error checking key %s: %w", hex.EncodeToString(key), err)
	}
	return true, nil
}

func (k *KeyValStore) Delete(key []byte) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("error deleting key %s: %w", hex.EncodeToString(key), err)
	}
	return nil
}

// DeleteBatch removes all keys in a single transaction.
func (k *KeyValStore) DeleteBatch(keys [][]byte) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error deleting batch of %d keys: %w", len(keys), err)
	}
	return nil
}

// GetItemsWithPrefix returns all keys and values with the given prefix, in
// badger's key order.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([][][]byte, error) {
	var keysAndValues [][][]byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keysAndValues = append(keysAndValues, [][]byte{key, value})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error iterating prefix %q: %w", string(prefix), err)
	}
	return keysAndValues, nil
}

// GetKeysWithPrefix is GetItemsWithPrefix without value reads, for callers
// that only need the key set.
func (k *KeyValStore) GetKeysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error iterating prefix %q: %w", string(prefix), err)
	}
	return keys, nil
}

// Update runs fn inside a single badger read-write transaction. The clone
// commit path uses it where multiple records must flip together.
func (k *KeyValStore) Update(fn func(txn *badger.Txn) error) error {
	return k.badgerDB.Update(fn)
}

func (k *KeyValStore) Close() error {
	if err := k.Clean(); err != nil {
		log.Errorf("Error cleaning db on close: %v", err)
	}
	return k.badgerDB.Close()
}

func (k *KeyValStore) Clean() error {
	if err := k.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	if err := k.badgerDB.RunValueLogGC(0.1); err != nil {
		if err != badger.ErrNoRewrite {
			return fmt.Errorf("error cleaning db: %w", err)
		}
	}

	return nil
}
