// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClone(t *testing.T) {
	o := &Info{
		Version:              "version",
		Started:              1,
		Time:                 2,
		Uptime:               3,
		BytesReceived:        4,
		BytesSent:            5,
		ClientsConnected:     6,
		ClientsMaximum:       7,
		SessionsTotal:        8,
		SessionsDisconnected: 9,
		MessagesReceived:     10,
		MessagesSent:         11,
		MessagesDropped:      12,
		Retained:             13,
		Inflight:             14,
		Queued:               15,
		Subscriptions:        16,
		PacketsReceived:      17,
		PacketsSent:          18,
		Threads:              19,
	}

	n := o.Clone()

	require.Equal(t, o, n)
}

func TestClientConnectedMaximum(t *testing.T) {
	i := new(Info)

	var wg sync.WaitGroup
	for n := 0; n < 50; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			i.ClientConnected()
		}()
	}
	wg.Wait()

	require.Equal(t, int64(50), i.ClientsConnected)
	require.Equal(t, int64(50), i.ClientsMaximum)

	i.ClientsConnected = 10
	i.ClientConnected()
	require.Equal(t, int64(11), i.ClientsConnected)
	require.Equal(t, int64(50), i.ClientsMaximum)
}
