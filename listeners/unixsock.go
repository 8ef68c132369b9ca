// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: jason@zgwit.com

package listeners

import (
	"log/slog"
	"net"
	"os"
)

// UnixSock is a listener for client connections on a unix domain socket.
type UnixSock struct {
	stream
}

// NewUnixSock returns a UnixSock listener for the socket path in config.Address.
func NewUnixSock(config Config) *UnixSock {
	return &UnixSock{
		stream: stream{
			id:      config.ID,
			address: config.Address,
			config:  config,
		},
	}
}

// Address returns the socket path.
func (l *UnixSock) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *UnixSock) Protocol() string {
	return "unix"
}

// Init removes any stale socket file and binds the socket.
func (l *UnixSock) Init(log *slog.Logger) error {
	l.log = log

	var err error
	_ = os.Remove(l.address)
	l.listen, err = net.Listen("unix", l.address)
	return err
}
