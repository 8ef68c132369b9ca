// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// stream is the accept loop and shutdown shared by listeners which serve
// connections from a net.Listener. Embedding listeners only decide how to bind.
type stream struct {
	mu      sync.Mutex
	id      string       // the internal id of the listener
	address string       // the configured network address or socket path
	listen  net.Listener // bound by Init, or supplied by the embedding application
	config  Config       // configuration values for the listener
	log     *slog.Logger // server logger
	end     atomic.Bool  // ensure the close methods are only called once
}

// ID returns the id of the listener.
func (l *stream) ID() string {
	return l.id
}

// Serve accepts new connections until the listener is closed, calling the
// establish connection callback for each one.
func (l *stream) Serve(establish EstablishFn) {
	acceptLoop(l.id, l.listen, l.config.limiter(), &l.end, l.log, establish)
}

// Close closes the listener and any client connections.
func (l *stream) Close(closeClients CloseFn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.end.CompareAndSwap(false, true) {
		closeClients(l.id)
	}

	if l.listen != nil {
		_ = l.listen.Close()
	}
}

// TCP is a listener for establishing client connections on basic TCP protocol.
type TCP struct { // [MQTT-4.2.0-1]
	stream
}

// NewTCP initialises and returns a new TCP listener, listening on an address.
func NewTCP(config Config) *TCP {
	return &TCP{
		stream: stream{
			id:      config.ID,
			address: config.Address,
			config:  config,
		},
	}
}

// Address returns the bound address of the listener once initialised, otherwise
// the configured address.
func (l *TCP) Address() string {
	if l.listen != nil {
		return l.listen.Addr().String()
	}
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *TCP) Protocol() string {
	return "tcp"
}

// Init binds the listener, with tls if a tls config was provided.
func (l *TCP) Init(log *slog.Logger) error {
	l.log = log

	var err error
	if l.config.TLSConfig != nil {
		l.listen, err = tls.Listen("tcp", l.address, l.config.TLSConfig)
	} else {
		l.listen, err = net.Listen("tcp", l.address)
	}

	return err
}
