// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Jeroen Rinzema

package listeners

import (
	"log/slog"
	"net"
)

// Net serves client connections from a net.Listener which was opened elsewhere,
// such as by an embedding application or a test. It is never rate limited.
type Net struct {
	stream
}

// NewNet returns a Net listener serving connections accepted by listener.
func NewNet(id string, listener net.Listener) *Net {
	return &Net{
		stream: stream{
			id:      id,
			address: listener.Addr().String(),
			listen:  listener,
		},
	}
}

// Address returns the address of the underlying listener.
func (l *Net) Address() string {
	return l.address
}

// Protocol returns the network of the underlying listener.
func (l *Net) Protocol() string {
	return l.listen.Addr().Network()
}

// Init sets the logger. The listener is already bound.
func (l *Net) Init(log *slog.Logger) error {
	l.log = log
	return nil
}
