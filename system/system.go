// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"sync/atomic"
)

// Info contains atomic counters and values for various broker statistics.
type Info struct {
	Version              string `json:"version"`               // the current version of the server
	Started              int64  `json:"started"`               // the time the server started in unix seconds
	Time                 int64  `json:"time"`                  // current time on the server
	Uptime               int64  `json:"uptime"`                // the number of seconds the server has been online
	BytesReceived        int64  `json:"bytes_received"`        // total number of bytes received since the broker started
	BytesSent            int64  `json:"bytes_sent"`            // total number of bytes sent since the broker started
	ClientsConnected     int64  `json:"clients_connected"`     // number of currently connected clients
	ClientsMaximum       int64  `json:"clients_maximum"`       // maximum number of clients that have been connected at once
	SessionsTotal        int64  `json:"sessions_total"`        // number of sessions held by the registry
	SessionsDisconnected int64  `json:"sessions_disconnected"` // number of persistent sessions without a connection
	MessagesReceived     int64  `json:"messages_received"`     // total number of publish messages received
	MessagesSent         int64  `json:"messages_sent"`         // total number of publish messages sent
	MessagesDropped      int64  `json:"messages_dropped"`      // total number of messages dropped by queue overflow or retry limits
	Retained             int64  `json:"retained"`              // number of retained messages held by the broker
	Inflight             int64  `json:"inflight"`              // number of messages currently in-flight
	Queued               int64  `json:"queued"`                // number of messages waiting in session queues
	Subscriptions        int64  `json:"subscriptions"`         // number of subscriptions active on the broker
	PacketsReceived      int64  `json:"packets_received"`      // total number of packets received
	PacketsSent          int64  `json:"packets_sent"`          // total number of packets sent
	Threads              int64  `json:"threads"`               // number of active goroutines
}

// Clone makes a copy of Info using atomic operation
func (i *Info) Clone() *Info {
	return &Info{
		Version:              i.Version,
		Started:              atomic.LoadInt64(&i.Started),
		Time:                 atomic.LoadInt64(&i.Time),
		Uptime:               atomic.LoadInt64(&i.Uptime),
		BytesReceived:        atomic.LoadInt64(&i.BytesReceived),
		BytesSent:            atomic.LoadInt64(&i.BytesSent),
		ClientsConnected:     atomic.LoadInt64(&i.ClientsConnected),
		ClientsMaximum:       atomic.LoadInt64(&i.ClientsMaximum),
		SessionsTotal:        atomic.LoadInt64(&i.SessionsTotal),
		SessionsDisconnected: atomic.LoadInt64(&i.SessionsDisconnected),
		MessagesReceived:     atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:         atomic.LoadInt64(&i.MessagesSent),
		MessagesDropped:      atomic.LoadInt64(&i.MessagesDropped),
		Retained:             atomic.LoadInt64(&i.Retained),
		Inflight:             atomic.LoadInt64(&i.Inflight),
		Queued:               atomic.LoadInt64(&i.Queued),
		Subscriptions:        atomic.LoadInt64(&i.Subscriptions),
		PacketsReceived:      atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:          atomic.LoadInt64(&i.PacketsSent),
		Threads:              atomic.LoadInt64(&i.Threads),
	}
}

// ClientConnected increments the connected client count, raising the maximum if needed.
func (i *Info) ClientConnected() {
	n := atomic.AddInt64(&i.ClientsConnected, 1)
	for {
		m := atomic.LoadInt64(&i.ClientsMaximum)
		if n <= m || atomic.CompareAndSwapInt64(&i.ClientsMaximum, m, n) {
			return
		}
	}
}
