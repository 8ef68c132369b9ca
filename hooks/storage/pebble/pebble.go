// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

package pebble

import (
	"encoding"
	"strings"

	pebbledb "github.com/cockroachdb/pebble"

	mqtt "github.com/tidemq/tide"
	"github.com/tidemq/tide/hooks/storage"
	"github.com/tidemq/tide/hooks/storage/kv"
)

const (
	// defaultDbFile is the default file path for the pebble db file.
	defaultDbFile = ".pebble"
)

// keyUpperBound returns the upper bound for a given byte slice by incrementing the last byte.
// It returns nil if all bytes are incremented and equal to 0.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

const (
	NoSync = "NoSync" // NoSync specifies the default write options for writes which do not synchronize to disk.
	Sync   = "Sync"   // Sync specifies the default write options for writes which synchronize to disk.
)

// Options contains configuration settings for the pebble DB instance.
type Options struct {
	Options *pebbledb.Options `yaml:"-" json:"-"`
	Mode    string            `yaml:"mode" json:"mode"`
	Path    string            `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook using a pebble DB file store as a backend.
type Hook struct {
	kv.Recorder
	config *Options               // options for configuring the pebble DB instance.
	db     *pebbledb.DB           // the pebble DB instance
	mode   *pebbledb.WriteOptions // mode holds the optional per-query parameters for Set and Delete operations
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "pebble-db"
}

// Init initializes and connects to the pebble instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		h.config = new(Options)
	} else {
		h.config = config.(*Options)
	}

	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}

	if h.config.Options == nil {
		h.config.Options = &pebbledb.Options{}
	}

	h.mode = pebbledb.NoSync
	if strings.EqualFold(h.config.Mode, Sync) {
		h.mode = pebbledb.Sync
	}

	var err error
	h.db, err = pebbledb.Open(h.config.Path, h.config.Options)
	if err != nil {
		return err
	}

	h.Recorder.Store = h
	return nil
}

// Stop closes the pebble instance.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	err := h.db.Close()
	h.db = nil
	return err
}

// Put stores a key-value pair in the database.
func (h *Hook) Put(k string, v encoding.BinaryMarshaler) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	bs, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	return h.db.Set([]byte(k), bs, h.mode)
}

// Delete deletes a key-value pair from the database.
func (h *Hook) Delete(k string) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return h.db.Delete([]byte(k), h.mode)
}

// DeletePrefix deletes every key having the specified prefix.
func (h *Hook) DeletePrefix(prefix string) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return h.db.DeleteRange([]byte(prefix), keyUpperBound([]byte(prefix)), h.mode)
}

// Iterate visits key-value pairs with keys having the specified prefix in the database.
func (h *Hook) Iterate(prefix string, visit func(key string, value []byte) error) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	iter, err := h.db.NewIter(&pebbledb.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value := append([]byte(nil), iter.Value()...)
		if err := visit(string(iter.Key()), value); err != nil {
			return err
		}
	}

	return iter.Error()
}
