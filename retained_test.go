// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetainedStore(t *testing.T) {
	r := NewRetainedStore()
	require.Equal(t, int64(1), r.Store(RetainedMessage{Topic: "a/b", Payload: []byte("1")}))
	require.Equal(t, int64(1), r.Store(RetainedMessage{Topic: "a/b", Payload: []byte("2")}))
	require.Equal(t, 1, r.Len())

	msg, ok := r.Get("a/b")
	require.True(t, ok)
	require.Equal(t, []byte("2"), msg.Payload)
}

func TestRetainedStoreClear(t *testing.T) {
	r := NewRetainedStore()
	require.Equal(t, int64(0), r.Store(RetainedMessage{Topic: "a/b"}))
	r.Store(RetainedMessage{Topic: "a/b", Payload: []byte("1")})
	require.Equal(t, int64(-1), r.Store(RetainedMessage{Topic: "a/b"}))

	_, ok := r.Get("a/b")
	require.False(t, ok)
	require.Equal(t, 0, r.Len())
}

func TestRetainedMatch(t *testing.T) {
	r := NewRetainedStore()
	r.Store(RetainedMessage{Topic: "a/c", Payload: []byte("c")})
	r.Store(RetainedMessage{Topic: "a/b", Payload: []byte("b")})
	r.Store(RetainedMessage{Topic: "x/y", Payload: []byte("y")})
	r.Store(RetainedMessage{Topic: "$SYS/uptime", Payload: []byte("1")})

	msgs := r.Match("a/+")
	require.Len(t, msgs, 2)
	require.Equal(t, "a/b", msgs[0].Topic)
	require.Equal(t, "a/c", msgs[1].Topic)

	require.Len(t, r.Match("x/y"), 1)
	require.Len(t, r.Match("x/z"), 0)
	require.Len(t, r.Match("#"), 3)
	require.Len(t, r.Match("$SYS/#"), 1)
}
