// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ErrMockNotServing indicates a connection was injected into a mock listener which is not serving.
var ErrMockNotServing = errors.New("mock listener not serving")

// MockEstablisher is a function signature which can be used in testing.
func MockEstablisher(id string, c net.Conn) error {
	return nil
}

// MockCloser is a function signature which can be used in testing.
func MockCloser(id string) {}

// MockListener is a mock listener for establishing client connections. Connections are
// injected with Establish rather than accepted from the network.
type MockListener struct {
	sync.RWMutex
	id        string      // the id of the listener
	address   string      // the network address the listener binds to
	establish EstablishFn // the establisher passed to Serve
	done      chan bool   // indicate the listener is done
	Serving   bool        // indicate the listener is serving
	Listening bool        // indiciate the listener is listening
	ErrListen bool        // throw an error on listen
}

// NewMockListener returns a new instance of MockListener.
func NewMockListener(id, address string) *MockListener {
	return &MockListener{
		id:      id,
		address: address,
		done:    make(chan bool),
	}
}

// Serve serves the mock listener.
func (l *MockListener) Serve(establisher EstablishFn) {
	l.Lock()
	l.Serving = true
	l.establish = establisher
	l.Unlock()

	for range l.done {
		return
	}
}

// Establish hands a connection to the establisher the listener is serving with.
func (l *MockListener) Establish(c net.Conn) error {
	l.RLock()
	establish := l.establish
	serving := l.Serving
	l.RUnlock()

	if !serving || establish == nil {
		return ErrMockNotServing
	}

	return establish(l.id, c)
}

// Init initializes the listener.
func (l *MockListener) Init(log *slog.Logger) error {
	if l.ErrListen {
		return fmt.Errorf("listen failure")
	}

	l.Lock()
	defer l.Unlock()
	l.Listening = true
	return nil
}

// ID returns the id of the mock listener.
func (l *MockListener) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *MockListener) Address() string {
	return l.address
}

// Protocol returns the address of the listener.
func (l *MockListener) Protocol() string {
	return "mock"
}

// Close closes the mock listener.
func (l *MockListener) Close(closer CloseFn) {
	l.Lock()
	defer l.Unlock()
	if !l.Serving && !l.Listening {
		return
	}

	l.Serving = false
	l.Listening = false
	closer(l.id)
	close(l.done)
}

// IsServing indicates whether the mock listener is serving.
func (l *MockListener) IsServing() bool {
	l.RLock()
	defer l.RUnlock()
	return l.Serving
}

// IsListening indicates whether the mock listener is listening.
func (l *MockListener) IsListening() bool {
	l.RLock()
	defer l.RUnlock()
	return l.Listening
}
