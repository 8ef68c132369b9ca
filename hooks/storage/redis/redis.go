// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package redis

import (
	"context"
	"encoding"
	"fmt"
	"sort"
	"strings"

	redis "github.com/go-redis/redis/v8"

	mqtt "github.com/tidemq/tide"
	"github.com/tidemq/tide/hooks/storage"
	"github.com/tidemq/tide/hooks/storage/kv"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by tide.
const defaultHPrefix = "tide-"

// Options contains configuration settings for the redis instance.
type Options struct {
	HPrefix  string         `yaml:"h_prefix" json:"h_prefix"`
	Address  string         `yaml:"address" json:"address"`
	Username string         `yaml:"username" json:"username"`
	Password string         `yaml:"password" json:"password"`
	Database int            `yaml:"database" json:"database"`
	Options  *redis.Options `yaml:"-" json:"-"` // takes precedence over the connection fields above
}

// Hook is a persistent storage hook using Redis as a backend. Each record type is
// held in its own hash, keyed on the full storage key.
type Hook struct {
	kv.Recorder
	config *Options        // options for connecting to the Redis instance.
	db     *redis.Client   // the Redis instance
	ctx    context.Context // a context for the connection
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
}

// hKey returns the hash set key holding a storage key, with a unique prefix.
func (h *Hook) hKey(k string) string {
	t, _, _ := strings.Cut(k, "_")
	return h.config.HPrefix + t
}

// Init initializes and connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.ctx = context.Background()

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &redis.Options{
			Addr:     h.config.Address,
			Username: h.config.Username,
			Password: h.config.Password,
			DB:       h.config.Database,
		}
	}

	if h.config.Options.Addr == "" {
		h.config.Options.Addr = defaultAddr
	}

	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	h.db = redis.NewClient(h.config.Options)
	_, err := h.db.Ping(h.ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service")
	h.Recorder.Store = h
	return nil
}

// Stop closes the redis connection.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	h.Log.Info("disconnecting from redis service")
	return h.db.Close()
}

// Put stores a key-value pair in the hash for its type.
func (h *Hook) Put(k string, v encoding.BinaryMarshaler) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	return h.db.HSet(h.ctx, h.hKey(k), k, data).Err()
}

// Delete deletes a key-value pair from the hash for its type.
func (h *Hook) Delete(k string) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return h.db.HDel(h.ctx, h.hKey(k), k).Err()
}

// DeletePrefix deletes every key having the specified prefix.
func (h *Hook) DeletePrefix(prefix string) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	keys, err := h.db.HKeys(h.ctx, h.hKey(prefix)).Result()
	if err != nil {
		return err
	}

	var fields []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			fields = append(fields, k)
		}
	}

	if len(fields) == 0 {
		return nil
	}

	return h.db.HDel(h.ctx, h.hKey(prefix), fields...).Err()
}

// Iterate visits key-value pairs with keys having the specified prefix, in key order.
func (h *Hook) Iterate(prefix string, visit func(key string, value []byte) error) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(prefix)).Result()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := visit(k, []byte(rows[k])); err != nil {
			return err
		}
	}

	return nil
}
