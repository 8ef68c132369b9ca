// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/tidemq/tide/packets"
)

const (
	defaultKeepalive uint16 = 10 // the default connection keepalive value in seconds.
)

// ReadFn is the function signature for the function used for reading and processing new packets.
type ReadFn func(*Client, packets.Packet) error

// Conn is a connection a session can be bound to. WritePacket must never block,
// and Close must not call back into the session registry.
type Conn interface {
	ID() string                          // a unique id for the connection
	Remote() string                      // the remote address of the connection
	WritePacket(pk packets.Packet) error // queue a packet for writing
	Writable() bool                      // true if the connection can currently accept writes
	Close(cause error)                   // close the connection, recording the cause
	Done() <-chan struct{}               // closed when the connection has been closed
}

// Clients contains a map of the network connections known by the broker, keyed on
// connection id.
type Clients struct {
	internal map[string]*Client // clients known by the broker, keyed on connection id.
	sync.RWMutex
}

// NewClients returns an instance of Clients.
func NewClients() *Clients {
	return &Clients{
		internal: make(map[string]*Client),
	}
}

// Add adds a new client to the clients map, keyed on connection id.
func (cl *Clients) Add(val *Client) {
	cl.Lock()
	defer cl.Unlock()
	cl.internal[val.ID()] = val
}

// GetAll returns all the clients.
func (cl *Clients) GetAll() map[string]*Client {
	cl.RLock()
	defer cl.RUnlock()
	m := map[string]*Client{}
	for k, v := range cl.internal {
		m[k] = v
	}
	return m
}

// Get returns the value of a client if it exists.
func (cl *Clients) Get(id string) (*Client, bool) {
	cl.RLock()
	defer cl.RUnlock()
	val, ok := cl.internal[id]
	return val, ok
}

// Len returns the length of the clients map.
func (cl *Clients) Len() int {
	cl.RLock()
	defer cl.RUnlock()
	val := len(cl.internal)
	return val
}

// Delete removes a client from the internal map.
func (cl *Clients) Delete(id string) {
	cl.Lock()
	defer cl.Unlock()
	delete(cl.internal, id)
}

// GetByListener returns clients matching a listener id.
func (cl *Clients) GetByListener(id string) []*Client {
	cl.RLock()
	defer cl.RUnlock()
	clients := make([]*Client, 0, len(cl.internal))
	for _, client := range cl.internal {
		if client.Net.Listener == id && !client.Closed() {
			clients = append(clients, client)
		}
	}
	return clients
}

// Client is a network connection to the broker. It reads packets from the network,
// and writes packets queued by the bound session from a bounded outbound buffer.
type Client struct {
	Properties ClientProperties // client properties from the connect packet
	Net        ClientConnection // network connection state
	State      ClientState      // the operational state of the client.
	ops        *ops             // ops provides a reference to server ops.
	id         string           // the connection id
	session    atomic.Pointer[Session]
	sync.RWMutex // mutex
}

// ClientConnection contains the connection transport and metadata for the client.
type ClientConnection struct {
	Conn     net.Conn      // the net.Conn used to establish the connection
	bconn    *bufio.Reader // a buffered reader over the connection
	Remote   string        // the remote address of the client
	Listener string        // listener id of the client
}

// ClientProperties contains the properties which define the client behaviour.
type ClientProperties struct {
	Username        []byte
	ClientID        string
	ProtocolVersion byte
	Clean           bool
}

// ClientState tracks the state of the client.
type ClientState struct {
	outbound   chan packets.Packet // queue for pending outgoing packets
	congested  atomic.Bool         // a write was refused or deferred since the buffer last had room
	stopCause  atomic.Value        // reason for stopping
	open       context.Context     // indicate that the client is open for packet exchange
	cancelOpen context.CancelFunc  // cancel function for open context
	endOnce    sync.Once           // only end once
	keepalive  uint16              // the number of seconds the connection can wait
}

// newClient returns a new instance of Client. This is almost exclusively used by Server
// for creating new clients, but it lives here because it's not dependent.
func newClient(c net.Conn, o *ops) *Client {
	cl := &Client{
		id: xid.New().String(),
		State: ClientState{
			keepalive: defaultKeepalive,
			outbound:  make(chan packets.Packet, o.options.Capabilities.MaximumClientWritesPending),
		},
		ops: o,
	}

	if c != nil {
		cl.Net = ClientConnection{
			Conn:   c,
			bconn:  bufio.NewReaderSize(&countingReader{r: c, o: o}, o.options.ClientNetReadBufferSize),
			Remote: c.RemoteAddr().String(),
		}
	}

	cl.State.open, cl.State.cancelOpen = context.WithCancel(context.Background())
	return cl
}

// ID returns the connection id.
func (cl *Client) ID() string {
	return cl.id
}

// Remote returns the remote address of the connection.
func (cl *Client) Remote() string {
	return cl.Net.Remote
}

// Session returns the session the client is bound to, or nil before CONNECT completes.
func (cl *Client) Session() *Session {
	return cl.session.Load()
}

// ParseConnect parses the connect parameters and properties for a client.
func (cl *Client) ParseConnect(lid string, pk packets.Packet) {
	cl.Lock()
	defer cl.Unlock()

	cl.Net.Listener = lid
	cl.Properties.ProtocolVersion = pk.ProtocolVersion
	cl.Properties.Username = pk.Connect.Username
	cl.Properties.Clean = pk.Connect.Clean
	cl.Properties.ClientID = pk.Connect.ClientIdentifier
	cl.State.keepalive = pk.Connect.Keepalive // [MQTT-3.2.2-22]
}

// refreshDeadline refreshes the read/write deadline for the net.Conn connection.
// The connection is dropped if nothing arrives within one and a half keepalive periods.
func (cl *Client) refreshDeadline(keepalive uint16) {
	var expiry time.Time // nil time can be used to disable deadline if keepalive = 0
	if keepalive > 0 {
		expiry = time.Now().Add(time.Duration(keepalive+(keepalive/2)) * time.Second) // [MQTT-3.1.2-22]
	}

	if cl.Net.Conn != nil {
		_ = cl.Net.Conn.SetDeadline(expiry) // [MQTT-3.1.2-22]
	}
}

// WriteLoop ranges over pending outbound messages and writes them to the client connection.
// When the outbound buffer regains room after a refused write, the bound session is drained.
func (cl *Client) WriteLoop() {
	for {
		select {
		case pk := <-cl.State.outbound:
			if err := cl.writePacket(pk); err != nil {
				cl.ops.log.Debug("failed publishing packet", "error", err, "client", cl.Properties.ClientID, "packet", pk)
			}

			if len(cl.State.outbound) < cap(cl.State.outbound) && cl.State.congested.CompareAndSwap(true, false) {
				if sess := cl.Session(); sess != nil {
					sess.Drain()
				}
			}
		case <-cl.State.open.Done():
			return
		}
	}
}

// flush synchronously writes any packets left in the outbound buffer. It must only be
// used when the write loop is not running.
func (cl *Client) flush() {
	for {
		select {
		case pk := <-cl.State.outbound:
			if err := cl.writePacket(pk); err != nil {
				return
			}
		default:
			return
		}
	}
}

// WritePacket queues a packet for writing without blocking. If the outbound buffer is
// full the packet is refused with ErrPendingClientWritesExceeded.
func (cl *Client) WritePacket(pk packets.Packet) error {
	if cl.Closed() {
		return ErrConnectionClosed
	}

	select {
	case cl.State.outbound <- pk:
		return nil
	default:
		cl.State.congested.Store(true)
		return packets.ErrPendingClientWritesExceeded
	}
}

// Writable returns true if the outbound buffer has room for another packet.
func (cl *Client) Writable() bool {
	if cl.Closed() {
		return false
	}

	if len(cl.State.outbound) >= cap(cl.State.outbound) {
		cl.State.congested.Store(true)
		return false
	}

	return true
}

// writePacket encodes and writes a packet directly to the network connection.
func (cl *Client) writePacket(pk packets.Packet) error {
	if cl.Net.Conn == nil {
		return ErrConnectionClosed
	}

	var buf bytes.Buffer
	if err := pk.Write(&buf); err != nil {
		return err
	}

	n, err := cl.Net.Conn.Write(buf.Bytes())
	if err != nil {
		return err
	}

	atomic.AddInt64(&cl.ops.info.BytesSent, int64(n))
	atomic.AddInt64(&cl.ops.info.PacketsSent, 1)
	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesSent, 1)
	}

	return nil
}

// Read reads incoming packets from the connected client and transforms them into
// packets to be handled by the packetHandler.
func (cl *Client) Read(packetHandler ReadFn) error {
	for {
		if cl.Closed() {
			return nil
		}

		cl.refreshDeadline(cl.State.keepalive)
		pk, err := cl.ReadPacket()
		if err != nil {
			return err
		}

		err = packetHandler(cl, pk) // Process inbound packet.
		if err != nil {
			return err
		}
	}
}

// ReadPacket reads and decodes the next packet from the connection.
func (cl *Client) ReadPacket() (packets.Packet, error) {
	if cl.Net.bconn == nil {
		return packets.Packet{}, ErrConnectionClosed
	}

	pk, err := packets.ReadPacket(cl.Net.bconn)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return pk, packets.ErrKeepAliveTimeout
		}
		return pk, err
	}

	atomic.AddInt64(&cl.ops.info.PacketsReceived, 1)
	return pk, nil
}

// Stop instructs the client to shut down all processing goroutines and disconnect.
func (cl *Client) Stop(err error) {
	cl.State.endOnce.Do(func() {
		if cl.Net.Conn != nil {
			_ = cl.Net.Conn.Close() // omit close error
		}

		if err != nil {
			cl.State.stopCause.Store(stopCause{err})
		}

		if cl.State.cancelOpen != nil {
			cl.State.cancelOpen()
		}
	})
}

// Close closes the connection, recording the cause. It satisfies Conn.
func (cl *Client) Close(cause error) {
	cl.Stop(cause)
}

// Done returns a channel which is closed when the connection is closed.
func (cl *Client) Done() <-chan struct{} {
	return cl.State.open.Done()
}

// StopCause returns the reason the client connection was stopped, if any.
func (cl *Client) StopCause() error {
	v, ok := cl.State.stopCause.Load().(stopCause)
	if !ok {
		return nil
	}
	return v.err
}

// stopCause wraps the stop error so differently typed errors can share an atomic.Value.
type stopCause struct {
	err error
}

// Closed returns true if client connection is closed.
func (cl *Client) Closed() bool {
	return cl.State.open == nil || cl.State.open.Err() != nil
}

// countingReader counts the bytes read from a connection.
type countingReader struct {
	r io.Reader
	o *ops
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddInt64(&c.o.info.BytesReceived, int64(n))
	return n, err
}
