//go:build !js

package settings

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var settingsBucket = []byte("settings")

// BoltBackend stores settings in a bbolt file.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(settingsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Load() (map[string]json.RawMessage, error) {
	values := make(map[string]json.RawMessage)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).ForEach(func(k, v []byte) error {
			// v is only valid inside the transaction
			values[string(k)] = append(json.RawMessage(nil), v...)
			return nil
		})
	})
	return values, err
}

func (b *BoltBackend) Put(key string, value json.RawMessage) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(key), value)
	})
}

func (b *BoltBackend) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Delete([]byte(key))
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

var _ Backend = (*BoltBackend)(nil)
