// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidemq/tide/packets"
)

var (
	// ErrSessionNotBound indicates a session has no live connection to write to.
	ErrSessionNotBound = errors.New("session not bound to a connection")
)

// SessionStatus is the connection state of a session. It only ever moves through
// Disconnected -> Connecting -> Connected -> Disconnecting -> Disconnected, and every
// transition is a compare-and-swap.
type SessionStatus int32

const (
	StatusDisconnected SessionStatus = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
)

// String returns the name of the status.
func (s SessionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Will contains the last will and testament details for a session.
type Will struct {
	Payload []byte `json:"payload,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Qos     byte   `json:"qos,omitempty"`
	Retain  bool   `json:"retain,omitempty"`
}

// Session is the state of one client identity. It may outlive the connection
// which created it when the client connected with clean=false.
type Session struct {
	Subscriptions *Subscriptions // filters the session is subscribed to, keyed on filter
	Inflight      *Inflight      // qos messages sent to the client and awaiting acknowledgement
	ID            string         // the client id
	ops           *ops           // server options, hooks and logger
	log           *slog.Logger   // a logger carrying the client id
	queue         Queue          // messages waiting for delivery capacity
	conn          Conn           // the bound connection, nil when disconnected
	will          *Will          // the will message to publish on abnormal disconnect
	username      []byte         // the username the session last connected with
	qos2          map[uint16]EnqueuedMessage
	queuedRel     map[uint16]struct{} // packet ids of PUBREL markers in the queue, guarded by deliver
	qos2mu        sync.Mutex   // guards qos2
	mu            sync.RWMutex // guards conn, will, clean and username
	deliver       sync.Mutex   // orders fast path sends with queue draining
	status        atomic.Int32
	seq           atomic.Uint64 // last assigned queue sequence
	packetID      uint32        // the last packet id issued, guarded by deliver
	removed       atomic.Bool   // the session has been dropped from the registry
	clean         bool
}

// newSession returns a new disconnected session.
func newSession(id string, queue Queue, o *ops) *Session {
	return &Session{
		ID:            id,
		ops:           o,
		log:           o.log.With("client", id),
		queue:         queue,
		Subscriptions: NewSubscriptions(),
		Inflight:      NewInflight(o.options.Capabilities.InflightWindow),
		qos2:          map[uint16]EnqueuedMessage{},
		queuedRel:     map[uint16]struct{}{},
	}
}

// Status returns the current connection status.
func (s *Session) Status() SessionStatus {
	return SessionStatus(s.status.Load())
}

// casStatus transitions the status from one value to another, returning false if
// the status was not the expected value.
func (s *Session) casStatus(from, to SessionStatus) bool {
	return s.status.CompareAndSwap(int32(from), int32(to))
}

// Conn returns the bound connection, or nil.
func (s *Session) Conn() Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// bind attaches a connection to the session.
func (s *Session) bind(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// unbind detaches the connection from the session.
func (s *Session) unbind() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

// liveConn returns the bound connection if the session is connected.
func (s *Session) liveConn() Conn {
	if s.Status() != StatusConnected {
		return nil
	}

	return s.Conn()
}

// Clean returns true if the session state must be discarded on disconnect.
func (s *Session) Clean() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clean
}

// Username returns the username the session last connected with.
func (s *Session) Username() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Will returns the will message, if any.
func (s *Session) Will() (Will, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.will == nil {
		return Will{}, false
	}

	return *s.will, true
}

// ClearWill removes the will message.
func (s *Session) ClearWill() {
	s.mu.Lock()
	s.will = nil
	s.mu.Unlock()
}

// setConnectParams overwrites the clean flag, will and username from a new connect.
func (s *Session) setConnectParams(clean bool, will *Will, username []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clean = clean
	s.will = will
	s.username = username
}

// Queue returns the session's offline queue.
func (s *Session) Queue() Queue {
	return s.queue
}

// Removed returns true if the session is no longer held by the registry.
func (s *Session) Removed() bool {
	return s.removed.Load()
}

// write sends a packet to the bound connection.
func (s *Session) write(conn Conn, pk packets.Packet) error {
	if conn == nil {
		return ErrSessionNotBound
	}

	return conn.WritePacket(pk)
}

// retryDelay returns the configured retransmission delay.
func (s *Session) retryDelay() time.Duration {
	return s.ops.options.Capabilities.RetryDelay()
}

// nextPacketID returns the next outbound packet id which is neither inflight nor held
// by a queued PUBREL marker, or 0 if every id is in use. The caller must hold the
// deliver lock.
func (s *Session) nextPacketID() uint16 {
	for i := 0; i < math.MaxUint16; i++ {
		s.packetID++
		if s.packetID > math.MaxUint16 {
			s.packetID = 1
		}

		id := uint16(s.packetID)
		if _, ok := s.queuedRel[id]; ok {
			continue
		}

		if _, ok := s.Inflight.Get(id); !ok {
			return id
		}
	}

	return 0
}

// SendPublish delivers a message to the session at the given qos. Qos 0 messages are
// written immediately if the connection can take them, and dropped otherwise. Qos 1
// and 2 messages take the fast path into the inflight window when nothing is queued
// ahead of them, a slot is free, and the connection is live and writable. Otherwise
// they are appended to the queue.
func (s *Session) SendPublish(topic string, qos byte, payload []byte, retain bool) {
	m := NewPublishedMessage(topic, qos, payload, retain)
	m.Created = time.Now().Unix()

	if qos == 0 {
		conn := s.liveConn()
		if conn == nil || !conn.Writable() {
			s.log.Debug("dropped qos 0 message", "topic", topic)
			atomic.AddInt64(&s.ops.info.MessagesDropped, 1)
			return
		}

		if err := s.write(conn, publishPacket(m, false)); err != nil {
			s.log.Debug("failed to write qos 0 message", "error", err, "topic", topic)
		}
		return
	}

	s.deliver.Lock()
	defer s.deliver.Unlock()

	if s.queue.Len() == 0 && s.Inflight.Available() > 0 {
		if conn := s.liveConn(); conn != nil && conn.Writable() {
			if s.sendInflight(conn, m) {
				return
			}
		}
	}

	s.enqueue(m)
}

// sendInflight allocates a packet id and slot for a publish, arms its retransmission
// deadline and transmits it. Returns false if no packet id or slot was available. The
// caller must hold the deliver lock.
func (s *Session) sendInflight(conn Conn, m EnqueuedMessage) bool {
	id := s.nextPacketID()
	if id == 0 {
		s.log.Warn("packet ids exhausted", "topic", m.Topic)
		return false
	}

	now := time.Now()
	m.PacketID = id
	m.Sent = now.UnixNano()
	if !s.Inflight.Occupy(m, now.Add(s.retryDelay())) {
		return false
	}

	s.ops.hooks.OnQosPublish(s, m)
	if err := s.write(conn, publishPacket(m, false)); err != nil {
		s.log.Debug("qos message write deferred to retransmission", "error", err, "packet_id", id)
	}

	return true
}

// sendPubRel places a PUBREL marker in the inflight window and transmits the PUBREL.
// The caller must hold the deliver lock.
func (s *Session) sendPubRel(conn Conn, id uint16) bool {
	now := time.Now()
	m := NewPubRelMarker(id)
	m.Sent = now.UnixNano()
	if !s.Inflight.Occupy(m, now.Add(s.retryDelay())) {
		return false
	}

	s.ops.hooks.OnQosPublish(s, m)
	if conn != nil && conn.Writable() {
		if err := s.write(conn, pubrelPacket(id)); err != nil {
			s.log.Debug("pubrel write deferred to retransmission", "error", err, "packet_id", id)
		}
	}

	return true
}

// enqueue appends a message to the offline queue, applying the overflow policy. PUBREL
// markers are never refused or evicted. The caller must hold the deliver lock.
func (s *Session) enqueue(m EnqueuedMessage) {
	caps := s.ops.options.Capabilities
	if limit := caps.MaximumQueuedMessages; !m.IsPubRel() && limit > 0 && s.queue.Len() >= limit {
		if caps.QueueOverflowPolicy != DropOldest || !s.evictOldest() {
			s.log.Warn("session queue full, message dropped", "topic", m.Topic, "error", ErrQueueFull)
			s.dropped(m)
			return
		}
	}

	m.Seq = s.seq.Add(1)
	s.push(m)
	s.ops.hooks.OnMessageQueued(s, m)
}

// push appends a message to the queue. The caller must hold the deliver lock.
func (s *Session) push(m EnqueuedMessage) {
	if m.IsPubRel() {
		s.queuedRel[m.PacketID] = struct{}{}
	}

	s.queue.Push(m)
}

// evictOldest removes the oldest publish from the head of the queue. A PUBREL marker
// at the head is never evicted.
func (s *Session) evictOldest() bool {
	head, ok := s.queue.Peek()
	if !ok || head.IsPubRel() {
		return false
	}

	s.queue.Pop()
	s.log.Warn("session queue full, oldest message evicted", "topic", head.Topic)
	s.ops.hooks.OnMessageDequeued(s, head)
	s.dropped(head)
	return true
}

// dropped records a message which will never be delivered.
func (s *Session) dropped(m EnqueuedMessage) {
	atomic.AddInt64(&s.ops.info.MessagesDropped, 1)
	s.ops.hooks.OnQosDropped(s, m)
}

// Drain moves queued messages into the inflight window while slots are free and
// the connection is writable.
func (s *Session) Drain() {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	s.drain()
}

// drain is Drain without locking. The caller must hold the deliver lock.
func (s *Session) drain() {
	conn := s.liveConn()
	if conn == nil {
		return
	}

	for s.Inflight.Available() > 0 && conn.Writable() {
		m, ok := s.queue.Peek()
		if !ok {
			return
		}

		if m.IsPubRel() {
			if _, inUse := s.Inflight.Get(m.PacketID); inUse || !s.sendPubRel(conn, m.PacketID) {
				return
			}
		} else if m.Qos == 0 {
			_ = s.write(conn, publishPacket(m, false))
		} else if !s.sendInflight(conn, m) {
			return
		}

		s.queue.Pop()
		if m.IsPubRel() {
			delete(s.queuedRel, m.PacketID)
		}
		s.ops.hooks.OnMessageDequeued(s, m)
	}
}

// OnPubAck completes a qos 1 delivery, freeing its slot and draining the queue.
func (s *Session) OnPubAck(id uint16) error {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	m, ok := s.Inflight.Get(id)
	if !ok || m.IsPubRel() {
		return packets.ErrPacketIdentifierNotFound
	}

	s.Inflight.Free(id)
	s.ops.hooks.OnQosComplete(s, m)
	s.drain()
	return nil
}

// OnPubRec completes the first phase of a qos 2 delivery. The publish is released
// from its slot and replaced by a PUBREL marker under the same packet id.
func (s *Session) OnPubRec(id uint16) error {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	m, ok := s.Inflight.Get(id)
	if !ok {
		return packets.ErrPacketIdentifierNotFound
	}

	conn := s.liveConn()
	if m.IsPubRel() { // duplicate pubrec, the pubrel may have been lost
		if conn != nil {
			_ = s.write(conn, pubrelPacket(id))
		}
		return nil
	}

	s.Inflight.Free(id)
	if !s.sendPubRel(conn, id) {
		m := NewPubRelMarker(id)
		m.Seq = s.seq.Add(1)
		s.push(m)
		s.ops.hooks.OnMessageQueued(s, m)
	}

	return nil
}

// OnPubComp completes a qos 2 delivery, freeing its slot and draining the queue.
func (s *Session) OnPubComp(id uint16) error {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	m, ok := s.Inflight.Get(id)
	if !ok || !m.IsPubRel() {
		return packets.ErrPacketIdentifierNotFound
	}

	s.Inflight.Free(id)
	s.ops.hooks.OnQosComplete(s, m)
	s.drain()
	return nil
}

// Retransmit resends every inflight message whose acknowledgement has not arrived
// within the retry delay. Publishes are resent with the dup flag and their original
// packet id. If a retry limit is configured, messages which exceed it are dropped.
func (s *Session) Retransmit(now time.Time) {
	if s.Removed() {
		return
	}

	ids := s.Inflight.Expired(now)
	if len(ids) == 0 {
		return
	}

	s.deliver.Lock()
	defer s.deliver.Unlock()

	conn := s.liveConn()
	if conn == nil {
		return // everything inflight is resent when the session resumes
	}

	var freed bool
	maxRetries := s.ops.options.Capabilities.MaximumRetries
	for _, id := range ids {
		m, ok := s.Inflight.Get(id)
		if !ok {
			continue
		}

		if maxRetries > 0 && m.Resends >= maxRetries {
			s.Inflight.Free(id)
			s.log.Warn("inflight message dropped after maximum retries", "packet_id", id, "resends", m.Resends)
			s.dropped(m)
			freed = true
			continue
		}

		s.resend(conn, m, now)
	}

	if freed {
		s.drain()
	}
}

// ResendInflight resends every inflight message, typically when a persistent session
// resumes on a new connection.
func (s *Session) ResendInflight() {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	conn := s.liveConn()
	if conn == nil {
		return
	}

	now := time.Now()
	for _, m := range s.Inflight.GetAll() {
		s.resend(conn, m, now)
	}
}

// resend rearms and retransmits a single inflight message. The caller must hold the
// deliver lock.
func (s *Session) resend(conn Conn, m EnqueuedMessage, now time.Time) {
	m.Resends++
	m.Sent = now.UnixNano()
	s.Inflight.Update(m, now.Add(s.retryDelay()))
	s.ops.hooks.OnQosPublish(s, m)

	var err error
	if m.IsPubRel() {
		err = s.write(conn, pubrelPacket(m.PacketID))
	} else {
		err = s.write(conn, publishPacket(m, true))
	}

	if err != nil {
		s.log.Debug("failed to retransmit", "error", err, "packet_id", m.PacketID)
	}
}

// ReceivePublishQos2 stores an inbound qos 2 publish until its PUBREL arrives and
// acknowledges it with PUBREC. Returns false if the packet id was already held, in
// which case only the PUBREC is repeated.
func (s *Session) ReceivePublishQos2(id uint16, m EnqueuedMessage) bool {
	s.qos2mu.Lock()
	_, exists := s.qos2[id]
	if !exists {
		s.qos2[id] = m
	}
	s.qos2mu.Unlock()

	if err := s.write(s.Conn(), packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
		PacketID:    id,
	}); err != nil {
		s.log.Debug("failed to write pubrec", "error", err, "packet_id", id)
	}

	return !exists
}

// ReceivePubRel releases a stored inbound qos 2 publish and acknowledges it with
// PUBCOMP. The message is returned only the first time, so the caller delivers it
// exactly once.
func (s *Session) ReceivePubRel(id uint16) (EnqueuedMessage, bool) {
	s.qos2mu.Lock()
	m, ok := s.qos2[id]
	delete(s.qos2, id)
	s.qos2mu.Unlock()

	if err := s.write(s.Conn(), packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
		PacketID:    id,
	}); err != nil {
		s.log.Debug("failed to write pubcomp", "error", err, "packet_id", id)
	}

	return m, ok
}

// Receiving returns the number of inbound qos 2 messages awaiting PUBREL.
func (s *Session) Receiving() int {
	s.qos2mu.Lock()
	defer s.qos2mu.Unlock()
	return len(s.qos2)
}

// reset discards the queue, the inflight window and any inbound qos 2 state, and
// returns the filters the session was subscribed to.
func (s *Session) reset() []string {
	s.deliver.Lock()
	s.queue.Clear()
	s.queuedRel = map[uint16]struct{}{}
	s.Inflight.Clear()
	s.deliver.Unlock()

	s.qos2mu.Lock()
	s.qos2 = map[uint16]EnqueuedMessage{}
	s.qos2mu.Unlock()

	var filters []string
	for filter := range s.Subscriptions.GetAll() {
		filters = append(filters, filter)
		s.Subscriptions.Delete(filter)
	}

	return filters
}

// restoreInflight places a stored inflight message back into the window, or at the
// back of the queue if the window is full. A queued message leaves the window
// through OnQosDropped so its stored inflight record is replaced by a queue record.
// Stored queues must be restored first, so that the new record takes a sequence
// after every stored one.
func (s *Session) restoreInflight(m EnqueuedMessage) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	if uint32(m.PacketID) > s.packetID {
		s.packetID = uint32(m.PacketID)
	}

	if s.Inflight.Occupy(m, time.Now().Add(s.retryDelay())) {
		return
	}

	s.log.Warn("inflight window full on restore, queueing message", "packet_id", m.PacketID)
	s.ops.hooks.OnQosDropped(s, m)
	m.Seq = s.seq.Add(1)
	s.push(m)
	s.ops.hooks.OnMessageQueued(s, m)
}

// restoreQueued appends a stored queued message, preserving its sequence.
func (s *Session) restoreQueued(m EnqueuedMessage) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	for {
		seq := s.seq.Load()
		if m.Seq <= seq || s.seq.CompareAndSwap(seq, m.Seq) {
			break
		}
	}

	s.push(m)
}

// publishPacket builds the PUBLISH packet for a message.
func publishPacket(m EnqueuedMessage, dup bool) packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    m.Qos,
			Retain: m.Retain,
			Dup:    dup && m.Qos > 0,
		},
		TopicName: m.Topic,
		Payload:   m.Payload,
		PacketID:  m.PacketID,
		Created:   m.Created,
	}
}

// pubrelPacket builds a PUBREL packet for a packet id.
func pubrelPacket(id uint16) packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pubrel,
			Qos:  1,
		},
		PacketID: id,
	}
}
