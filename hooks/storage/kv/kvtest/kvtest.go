// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package kvtest contains a conformance suite for kv.Store implementations.
package kvtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidemq/tide/hooks/storage"
	"github.com/tidemq/tide/hooks/storage/kv"
)

// collect returns every key under prefix, in visiting order.
func collect(t *testing.T, s kv.Store, prefix string) []string {
	t.Helper()
	var keys []string
	err := s.Iterate(prefix, func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	return keys
}

// RunStore runs the store conformance suite against an empty store.
func RunStore(t *testing.T, s kv.Store) {
	t.Run("put and iterate", func(t *testing.T) {
		for _, id := range []uint64{3, 1, 20, 2} {
			key := storage.QueuedStoreKey("cl1", id)
			require.NoError(t, s.Put(key, storage.Message{ID: key, Client: "cl1", Seq: id}))
		}
		require.NoError(t, s.Put(storage.QueuedStoreKey("cl2", 1), storage.Message{Client: "cl2"}))
		require.NoError(t, s.Put(storage.SessionStoreKey("cl1"), storage.Session{ID: "cl1"}))

		keys := collect(t, s, storage.ClientPrefix(storage.QueuedKey, "cl1"))
		require.Equal(t, []string{
			storage.QueuedStoreKey("cl1", 1),
			storage.QueuedStoreKey("cl1", 2),
			storage.QueuedStoreKey("cl1", 3),
			storage.QueuedStoreKey("cl1", 20),
		}, keys)

		require.Len(t, collect(t, s, storage.QueuedKey+"_"), 5)

		var got storage.Message
		err := s.Iterate(storage.QueuedStoreKey("cl1", 20), func(key string, value []byte) error {
			return got.UnmarshalBinary(value)
		})
		require.NoError(t, err)
		require.Equal(t, uint64(20), got.Seq)
	})

	t.Run("overwrite", func(t *testing.T) {
		key := storage.InflightStoreKey("cl1", 7)
		require.NoError(t, s.Put(key, storage.Message{PacketID: 7}))
		require.NoError(t, s.Put(key, storage.Message{PacketID: 7, Kind: 1}))

		var got []storage.Message
		err := s.Iterate(key, func(_ string, value []byte) error {
			var m storage.Message
			if err := m.UnmarshalBinary(value); err != nil {
				return err
			}
			got = append(got, m)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, byte(1), got[0].Kind)
	})

	t.Run("delete", func(t *testing.T) {
		key := storage.InflightStoreKey("cl1", 7)
		require.NoError(t, s.Delete(key))
		require.Empty(t, collect(t, s, key))
		require.NoError(t, s.Delete(storage.InflightStoreKey("cl1", 8)))
	})

	t.Run("delete prefix", func(t *testing.T) {
		require.NoError(t, s.DeletePrefix(storage.ClientPrefix(storage.QueuedKey, "cl1")))
		require.Empty(t, collect(t, s, storage.ClientPrefix(storage.QueuedKey, "cl1")))
		require.Equal(t, []string{storage.QueuedStoreKey("cl2", 1)}, collect(t, s, storage.QueuedKey+"_"))
		require.Equal(t, []string{storage.SessionStoreKey("cl1")}, collect(t, s, storage.SessionKey+"_"))
		require.NoError(t, s.DeletePrefix("nothing_"))
	})
}
