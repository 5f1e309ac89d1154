package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"tuya-go-home/internal/config"
	"tuya-go-home/internal/model"
)

var (
	bucketDevices = []byte("devices")
	bucketModels  = []byte("models")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketModels} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveConfig replaces both tables in one transaction, so a crash
// mid-save cannot leave devices from one snapshot next to models from
// another.
func (s *BoltStore) SaveConfig(cfg *config.Config) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketDevices); err != nil {
			return err
		}
		devices, err := tx.CreateBucket(bucketDevices)
		if err != nil {
			return err
		}
		for i := range cfg.Devices {
			data, err := json.Marshal(&cfg.Devices[i])
			if err != nil {
				return err
			}
			if err := devices.Put([]byte(cfg.Devices[i].ID), data); err != nil {
				return err
			}
		}

		if err := tx.DeleteBucket(bucketModels); err != nil {
			return err
		}
		models, err := tx.CreateBucket(bucketModels)
		if err != nil {
			return err
		}
		for i := range cfg.Models {
			data, err := json.Marshal(&cfg.Models[i])
			if err != nil {
				return err
			}
			if err := models.Put([]byte(cfg.Models[i].ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LoadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	empty := true
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketDevices); b != nil {
			if err := b.ForEach(func(k, v []byte) error {
				var dev config.Device
				if err := json.Unmarshal(v, &dev); err != nil {
					return err
				}
				cfg.Devices = append(cfg.Devices, dev)
				empty = false
				return nil
			}); err != nil {
				return err
			}
		}
		if b := tx.Bucket(bucketModels); b != nil {
			if err := b.ForEach(func(k, v []byte) error {
				var m model.Model
				if err := json.Unmarshal(v, &m); err != nil {
					return err
				}
				cfg.Models = append(cfg.Models, m)
				empty = false
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, fmt.Errorf("stored config: %w", ErrNotFound)
	}
	return cfg, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
