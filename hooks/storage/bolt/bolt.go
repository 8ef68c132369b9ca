// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, werbenhu

// Package bolt persists broker state to a single bbolt file.
package bolt

import (
	"bytes"
	"encoding"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	mqtt "github.com/tidemq/tide"
	"github.com/tidemq/tide/hooks/storage"
	"github.com/tidemq/tide/hooks/storage/kv"
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
)

const (
	// defaultDbFile is the default file path for the boltdb file.
	defaultDbFile = ".bolt"

	// defaultTimeout is the default time to hold a connection to the file.
	defaultTimeout = 250 * time.Millisecond

	defaultBucket = "tide"
)

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options `yaml:"-" json:"-"`
	Bucket  string         `yaml:"bucket" json:"bucket"`
	Path    string         `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook using a boltdb file store as a backend.
type Hook struct {
	kv.Recorder
	config *Options  // options for configuring the boltdb instance.
	db     *bbolt.DB // the boltdb instance.
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "bolt-db"
}

// Init initializes and connects to the boltdb instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}

	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}

	if len(h.config.Bucket) == 0 {
		h.config.Bucket = defaultBucket
	}

	var err error
	h.db, err = bbolt.Open(h.config.Path, 0600, h.config.Options)
	if err != nil {
		return err
	}

	err = h.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(h.config.Bucket))
		return err
	})
	if err != nil {
		return err
	}

	h.Recorder.Store = h
	return nil
}

// Stop closes the boltdb instance.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	err := h.db.Close()
	h.db = nil
	return err
}

// bucket returns the configured bucket of a transaction.
func (h *Hook) bucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	bucket := tx.Bucket([]byte(h.config.Bucket))
	if bucket == nil {
		return nil, ErrBucketNotFound
	}
	return bucket, nil
}

// Put stores a key-value pair in the database.
func (h *Hook) Put(k string, v encoding.BinaryMarshaler) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := h.bucket(tx)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(k), data)
	})
}

// Delete deletes a key-value pair from the database.
func (h *Hook) Delete(k string) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := h.bucket(tx)
		if err != nil {
			return err
		}
		return bucket.Delete([]byte(k))
	})
}

// DeletePrefix deletes every key having the specified prefix.
func (h *Hook) DeletePrefix(prefix string) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := h.bucket(tx)
		if err != nil {
			return err
		}

		c := bucket.Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, _ = c.Seek([]byte(prefix)) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Iterate visits key-value pairs with keys having the specified prefix in the database.
func (h *Hook) Iterate(prefix string, visit func(key string, value []byte) error) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return h.db.View(func(tx *bbolt.Tx) error {
		bucket, err := h.bucket(tx)
		if err != nil {
			return err
		}

		c := bucket.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, v = c.Next() {
			if err := visit(string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}
