// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	sessionStruct = Session{
		ID:       "test",
		T:        SessionKey,
		Username: []byte("tide"),
		Will: &Will{
			Qos:     1,
			Payload: []byte("abc"),
			Topic:   "a/b/c",
			Retain:  true,
		},
	}
	sessionJSON = []byte(`{"will":{"payload":"YWJj","topic":"a/b/c","qos":1,"retain":true},"username":"dGlkZQ==","id":"test","t":"SES","clean":false}`)

	messageStruct = Message{
		T:        InflightKey,
		ID:       "IFM_test:00007",
		Client:   "test",
		Topic:    "a/b",
		Payload:  []byte("payload"),
		Created:  1568941323,
		Sent:     1568941323000000004,
		Seq:      3,
		Resends:  2,
		PacketID: 7,
		Qos:      1,
		Retain:   true,
	}
	messageJSON = []byte(`{"payload":"cGF5bG9hZA==","t":"IFM","id":"IFM_test:00007","client":"test","topic":"a/b","created":1568941323,"sent":1568941323000000004,"seq":3,"resends":2,"packet_id":7,"qos":1,"retain":true}`)

	subscriptionStruct = Subscription{
		T:      SubscriptionKey,
		ID:     "SUB_test:a/b/c",
		Client: "test",
		Filter: "a/b/c",
		Qos:    1,
	}
	subscriptionJSON = []byte(`{"t":"SUB","id":"SUB_test:a/b/c","client":"test","filter":"a/b/c","qos":1}`)
)

func TestSessionMarshalBinary(t *testing.T) {
	data, err := sessionStruct.MarshalBinary()
	require.NoError(t, err)
	require.JSONEq(t, string(sessionJSON), string(data))
}

func TestSessionUnmarshalBinary(t *testing.T) {
	d := Session{}
	err := d.UnmarshalBinary(sessionJSON)
	require.NoError(t, err)
	require.Equal(t, sessionStruct, d)
}

func TestSessionUnmarshalBinaryEmpty(t *testing.T) {
	d := Session{}
	err := d.UnmarshalBinary([]byte{})
	require.NoError(t, err)
	require.Equal(t, Session{}, d)
}

func TestMessageMarshalBinary(t *testing.T) {
	data, err := messageStruct.MarshalBinary()
	require.NoError(t, err)
	require.JSONEq(t, string(messageJSON), string(data))
}

func TestMessageUnmarshalBinary(t *testing.T) {
	d := Message{}
	err := d.UnmarshalBinary(messageJSON)
	require.NoError(t, err)
	require.Equal(t, messageStruct, d)
}

func TestMessageUnmarshalBinaryEmpty(t *testing.T) {
	d := Message{}
	err := d.UnmarshalBinary([]byte{})
	require.NoError(t, err)
	require.Equal(t, Message{}, d)
}

func TestSubscriptionMarshalBinary(t *testing.T) {
	data, err := subscriptionStruct.MarshalBinary()
	require.NoError(t, err)
	require.JSONEq(t, string(subscriptionJSON), string(data))
}

func TestSubscriptionUnmarshalBinary(t *testing.T) {
	d := Subscription{}
	err := d.UnmarshalBinary(subscriptionJSON)
	require.NoError(t, err)
	require.Equal(t, subscriptionStruct, d)
}

func TestSubscriptionUnmarshalBinaryEmpty(t *testing.T) {
	d := Subscription{}
	err := d.UnmarshalBinary([]byte{})
	require.NoError(t, err)
	require.Equal(t, Subscription{}, d)
}

func TestStoreKeys(t *testing.T) {
	require.Equal(t, "SES_c1", SessionStoreKey("c1"))
	require.Equal(t, "SUB_c1\x00a/+/c", SubscriptionStoreKey("c1", "a/+/c"))
	require.Equal(t, "RET_a/b", RetainedStoreKey("a/b"))
	require.Equal(t, "IFM_c1\x0000012", InflightStoreKey("c1", 12))
	require.Equal(t, "QUE_c1\x0000000000000000000003", QueuedStoreKey("c1", 3))
	require.Equal(t, "QUE_c1\x00", ClientPrefix(QueuedKey, "c1"))
}

func TestClientPrefixExcludesOtherClients(t *testing.T) {
	keys := map[string][]string{
		SubscriptionKey: {SubscriptionStoreKey("a:b", "x/y"), SubscriptionStoreKey("ab", "x/y")},
		InflightKey:     {InflightStoreKey("a:b", 1), InflightStoreKey("ab", 1)},
		QueuedKey:       {QueuedStoreKey("a:b", 1), QueuedStoreKey("ab", 1)},
	}

	for kind, others := range keys {
		prefix := ClientPrefix(kind, "a")
		for _, k := range others {
			require.False(t, strings.HasPrefix(k, prefix), k)
		}
	}

	require.True(t, strings.HasPrefix(SubscriptionStoreKey("a", "x/y"), ClientPrefix(SubscriptionKey, "a")))
	require.True(t, strings.HasPrefix(InflightStoreKey("a", 1), ClientPrefix(InflightKey, "a")))
	require.True(t, strings.HasPrefix(QueuedStoreKey("a", 1), ClientPrefix(QueuedKey, "a")))
}

func TestQueuedStoreKeysSortInQueueOrder(t *testing.T) {
	keys := []string{
		QueuedStoreKey("c1", 100),
		QueuedStoreKey("c1", 9),
		QueuedStoreKey("c1", 10),
	}
	sort.Strings(keys)
	require.Equal(t, []string{
		QueuedStoreKey("c1", 9),
		QueuedStoreKey("c1", 10),
		QueuedStoreKey("c1", 100),
	}, keys)
}
