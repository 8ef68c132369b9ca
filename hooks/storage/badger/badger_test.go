// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package badger

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	mqtt "github.com/tidemq/tide"
	"github.com/tidemq/tide/hooks/storage"
	"github.com/tidemq/tide/hooks/storage/kv/kvtest"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newHook(t *testing.T) *Hook {
	t.Helper()
	opts := badgerdb.DefaultOptions("").WithInMemory(true)

	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Options: &opts}))
	t.Cleanup(func() {
		require.NoError(t, h.Stop())
	})
	return h
}

func TestID(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "badger-db", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnSessionEstablished))
	require.True(t, h.Provides(mqtt.OnMessageQueued))
	require.True(t, h.Provides(mqtt.StoredRetainedMessages))
	require.False(t, h.Provides(mqtt.OnACLCheck))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.ErrorIs(t, h.Init(map[string]any{}), mqtt.ErrInvalidConfigType)
}

func TestInitDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: path, GcDiscardRatio: 2}))
	defer h.Stop()

	require.Equal(t, path, h.config.Path)
	require.Equal(t, int64(defaultGcInterval), h.config.GcInterval)
	require.Equal(t, defaultGcDiscardRatio, h.config.GcDiscardRatio)
	require.NotNil(t, h.db)
	require.Same(t, h, h.Recorder.Store)
}

func TestStopNotOpen(t *testing.T) {
	h := new(Hook)
	require.NoError(t, h.Stop())
}

func TestStore(t *testing.T) {
	kvtest.RunStore(t, newHook(t))
}

func TestStoredValues(t *testing.T) {
	h := newHook(t)
	require.NoError(t, h.Put(storage.SessionStoreKey("cl1"), storage.Session{ID: "cl1", T: storage.SessionKey}))
	require.NoError(t, h.Put(storage.RetainedStoreKey("a/b"), storage.Message{Topic: "a/b", Payload: []byte("x")}))

	sessions, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "cl1", sessions[0].ID)

	retained, err := h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Len(t, retained, 1)
	require.Equal(t, []byte("x"), retained[0].Payload)

	h.OnRetainMessage(mqtt.RetainedMessage{Topic: "a/b"}, -1)
	retained, err = h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Empty(t, retained)
}

func TestLoggers(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	h.Errorf("Test %s\n", "error")
	h.Warningf("Test %s", "warning")
	h.Infof("Test %s", "info")
	h.Debugf("Test %s", "debug")
}
