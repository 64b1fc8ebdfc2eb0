// Package catalog keeps the table records: name, schema and the pointer to
// the table's current snapshot. Readers resolve data exclusively through a
// catalog record, which is what makes a clone visible only once its record
// is committed.
package catalog

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/calderadb/caldera/internal/keyValStore"
	"github.com/calderadb/caldera/pkg/types"
)

const (
	namePrefix = "tbl:"
	idPrefix   = "tblid:"
)

type Catalog struct {
	kv  *keyValStore.KeyValStore
	log *logrus.Logger
}

func NewCatalog(kv *keyValStore.KeyValStore, logger *logrus.Logger) *Catalog {
	if logger == nil {
		logger = logrus.New()
	}
	return &Catalog{kv: kv, log: logger}
}

func nameKey(name string) []byte {
	return []byte(namePrefix + name)
}

func idKey(id types.TableID) []byte {
	return append([]byte(idPrefix), id.Bytes()...)
}

func encodeInfo(info types.TableInfo) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(info); err != nil {
		return nil, fmt.Errorf("error encoding table record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeInfo(raw []byte) (types.TableInfo, error) {
	var info types.TableInfo
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&info); err != nil {
		return types.TableInfo{}, fmt.Errorf("error decoding table record: %w", err)
	}
	return info, nil
}

// Create commits a new table record. The collision check and both records
// happen in one transaction; an existing name is types.ErrTableNameCollision.
func (c *Catalog) Create(info types.TableInfo) error {
	encoded, err := encodeInfo(info)
	if err != nil {
		return err
	}

	err = c.kv.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(nameKey(info.Name))
		if err == nil {
			return fmt.Errorf("%w: %q", types.ErrTableNameCollision, info.Name)
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(nameKey(info.Name), encoded); err != nil {
			return err
		}
		return txn.Set(idKey(info.ID), []byte(info.Name))
	})
	if err != nil {
		if errors.Is(err, types.ErrTableNameCollision) {
			return err
		}
		return fmt.Errorf("error committing table %q: %w", info.Name, err)
	}

	c.log.WithFields(logrus.Fields{
		"table": info.Name,
		"id":    info.ID.String(),
	}).Info("Table created")

	return nil
}

// Get fetches a table record by name.
func (c *Catalog) Get(name string) (types.TableInfo, error) {
	raw, err := c.kv.Read(nameKey(name))
	if err != nil {
		if err == keyValStore.ErrKeyNotFound {
			return types.TableInfo{}, fmt.Errorf("%w: %q", types.ErrTableNotFound, name)
		}
		return types.TableInfo{}, fmt.Errorf("error reading table %q: %w", name, err)
	}
	return decodeInfo(raw)
}

// GetByID fetches a table record through the id index.
func (c *Catalog) GetByID(id types.TableID) (types.TableInfo, error) {
	raw, err := c.kv.Read(idKey(id))
	if err != nil {
		if err == keyValStore.ErrKeyNotFound {
			return types.TableInfo{}, fmt.Errorf("%w: id %s", types.ErrTableNotFound, id)
		}
		return types.TableInfo{}, fmt.Errorf("error reading table id %s: %w", id, err)
	}
	return c.Get(string(raw))
}

// List returns all table records in badger key order (name order).
func (c *Catalog) List() ([]types.TableInfo, error) {
	items, err := c.kv.GetItemsWithPrefix([]byte(namePrefix))
	if err != nil {
		return nil, err
	}

	infos := make([]types.TableInfo, 0, len(items))
	for _, item := range items {
		info, err := decodeInfo(item[1])
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// SetCurrentSnapshot advances the table's current snapshot pointer.
func (c *Catalog) SetCurrentSnapshot(name string, id types.SnapshotID) error {
	info, err := c.Get(name)
	if err != nil {
		return err
	}

	info.Current = id
	encoded, err := encodeInfo(info)
	if err != nil {
		return err
	}
	if err := c.kv.Write(nameKey(name), encoded); err != nil {
		return fmt.Errorf("error updating table %q: %w", name, err)
	}
	return nil
}

// Drop removes the table record. Dropping an unknown table is
// types.ErrTableNotFound so a retried drop short-circuits without touching
// reference edges again.
func (c *Catalog) Drop(name string) (types.TableInfo, error) {
	info, err := c.Get(name)
	if err != nil {
		return types.TableInfo{}, err
	}

	if err := c.kv.DeleteBatch([][]byte{nameKey(name), idKey(info.ID)}); err != nil {
		return types.TableInfo{}, fmt.Errorf("error dropping table %q: %w", name, err)
	}

	c.log.WithFields(logrus.Fields{
		"table": info.Name,
		"id":    info.ID.String(),
	}).Info("Table dropped")

	return info, nil
}
