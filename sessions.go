// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"fmt"
	"sync"

	xh "github.com/cespare/xxhash/v2"

	"github.com/tidemq/tide/packets"
)

var (
	// ErrCorruptedSession indicates a session status transition lost a race with
	// another bind or disconnect. The operation is abandoned and the connection closed.
	ErrCorruptedSession = errors.New("corrupted session: concurrent status change")
)

const numKeyShards = 128

// keyLock provides per-key locking using a fixed number of sharded mutexes. A key
// always hashes to the same shard, so operations for one client id are serialized.
type keyLock struct {
	shards [numKeyShards]sync.Mutex
}

func (kl *keyLock) Lock(key string) {
	kl.shards[kl.index(key)].Lock()
}

func (kl *keyLock) Unlock(key string) {
	kl.shards[kl.index(key)].Unlock()
}

func (kl *keyLock) index(key string) uint64 {
	return xh.Sum64String(key) % numKeyShards
}

// Sessions is the registry of sessions keyed on client id. Binding and disconnecting
// are serialized per client id; lookups only take a read lock.
type Sessions struct {
	internal map[string]*Session
	locks    keyLock
	topics   *TopicsIndex
	ops      *ops
	newQueue QueueFactory
	sync.RWMutex
}

// NewSessions returns a new instance of Sessions.
func NewSessions(topics *TopicsIndex, o *ops, qf QueueFactory) *Sessions {
	if qf == nil {
		qf = NewMemoryQueue
	}

	return &Sessions{
		internal: map[string]*Session{},
		topics:   topics,
		ops:      o,
		newQueue: qf,
	}
}

// Get returns the session for a client id.
func (r *Sessions) Get(id string) (*Session, bool) {
	r.RLock()
	defer r.RUnlock()
	sess, ok := r.internal[id]
	return sess, ok
}

// GetAll returns a copy of all sessions.
func (r *Sessions) GetAll() map[string]*Session {
	r.RLock()
	defer r.RUnlock()
	m := make(map[string]*Session, len(r.internal))
	for k, v := range r.internal {
		m[k] = v
	}
	return m
}

// Len returns the number of sessions.
func (r *Sessions) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.internal)
}

// Connected returns the number of sessions with a live connection.
func (r *Sessions) Connected() int {
	r.RLock()
	defer r.RUnlock()
	var n int
	for _, sess := range r.internal {
		if sess.Status() == StatusConnected {
			n++
		}
	}
	return n
}

// put stores a session, replacing any existing session with the same id.
func (r *Sessions) put(sess *Session) {
	r.Lock()
	r.internal[sess.ID] = sess
	r.Unlock()
}

// remove deletes a session if it is still the registered session for its id.
func (r *Sessions) remove(sess *Session) {
	r.Lock()
	if existing, ok := r.internal[sess.ID]; ok && existing == sess {
		delete(r.internal, sess.ID)
	}
	r.Unlock()
	sess.removed.Store(true)
}

// create returns a new disconnected session for a client id, without registering it.
func (r *Sessions) create(id string) *Session {
	return newSession(id, r.newQueue(id), r.ops)
}

// Restore returns the registered session for id, creating and registering a
// disconnected one if none exists. It is used when loading persisted state.
func (r *Sessions) Restore(id string, clean bool, will *Will, username []byte) *Session {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	if sess, ok := r.Get(id); ok {
		return sess
	}

	sess := r.create(id)
	sess.setConnectParams(clean, will, username)
	r.put(sess)
	return sess
}

// Bind attaches a new connection to the session for a client id, returning the
// session and whether existing session state was resumed.
//
//  1. No session exists: a new one is created and registered.
//  2. A disconnected session exists and clean is true: its queue and subscriptions
//     are discarded and the session object is reused.
//  3. A disconnected session exists and clean is false: the session is resumed with
//     its subscriptions and queue intact.
//  4. A connected session exists: the old connection is closed and a fresh session
//     replaces it. Nothing is carried over.
//
// A failed status transition returns ErrCorruptedSession.
func (r *Sessions) Bind(conn Conn, id string, clean bool, will *Will, username []byte) (*Session, bool, error) {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	existing, ok := r.Get(id)
	if !ok {
		sess := r.create(id)
		if err := r.activate(sess, conn, false, clean, will, username); err != nil {
			return nil, false, err
		}
		r.put(sess)
		return sess, false, nil
	}

	switch existing.Status() {
	case StatusDisconnected:
		present := !clean
		if clean {
			r.discard(existing)
		}

		if err := r.activate(existing, conn, present, clean, will, username); err != nil {
			return nil, false, err
		}
		return existing, present, nil

	case StatusConnected:
		if err := r.takeover(existing); err != nil {
			return nil, false, err
		}

		sess := r.create(id)
		if err := r.activate(sess, conn, false, clean, will, username); err != nil {
			return nil, false, err
		}
		r.put(sess)
		return sess, false, nil

	default:
		return nil, false, fmt.Errorf("%w: bind found session %s", ErrCorruptedSession, existing.Status())
	}
}

// activate moves a disconnected session through connecting to connected on conn.
// The CONNACK is queued before the session becomes connected, so it always precedes
// any publish routed to the session.
func (r *Sessions) activate(sess *Session, conn Conn, present, clean bool, will *Will, username []byte) error {
	if !sess.casStatus(StatusDisconnected, StatusConnecting) {
		return fmt.Errorf("%w: %s to connecting", ErrCorruptedSession, sess.Status())
	}

	sess.setConnectParams(clean, will, username)
	sess.bind(conn)

	if err := conn.WritePacket(packets.Packet{
		FixedHeader:    packets.FixedHeader{Type: packets.Connack},
		SessionPresent: present,
		ReasonCode:     packets.CodeConnectAccepted.Code,
	}); err != nil {
		sess.unbind()
		sess.casStatus(StatusConnecting, StatusDisconnected)
		return fmt.Errorf("write connack: %w", err)
	}

	if !sess.casStatus(StatusConnecting, StatusConnected) {
		sess.unbind()
		return fmt.Errorf("%w: %s to connected", ErrCorruptedSession, sess.Status())
	}

	return nil
}

// takeover closes the connection of a connected session which is being replaced,
// and removes the session and its subscriptions from the registry.
func (r *Sessions) takeover(old *Session) error {
	if !old.casStatus(StatusConnected, StatusDisconnecting) {
		return fmt.Errorf("%w: takeover of %s session", ErrCorruptedSession, old.Status())
	}

	conn := old.Conn()
	old.unbind()
	old.ClearWill()
	r.discard(old)
	r.remove(old)

	if !old.casStatus(StatusDisconnecting, StatusDisconnected) {
		return fmt.Errorf("%w: takeover of %s session", ErrCorruptedSession, old.Status())
	}

	if conn != nil {
		conn.Close(packets.ErrSessionTakenOver)
	}

	old.log.Debug("session taken over")
	return nil
}

// discard drops the queued, inflight and subscription state of a session.
func (r *Sessions) discard(sess *Session) {
	for _, filter := range sess.reset() {
		r.topics.Unsubscribe(filter, sess.ID)
	}

	r.ops.hooks.OnSessionRemoved(sess)
}

// Disconnect detaches conn from the session after a graceful DISCONNECT. The will is
// discarded. If the session was clean, its state is released and it is removed from
// the registry. Calls from a connection which is no longer bound to the session are
// ignored.
func (r *Sessions) Disconnect(sess *Session, conn Conn) error {
	r.locks.Lock(sess.ID)
	defer r.locks.Unlock(sess.ID)

	if sess.Removed() || sess.Conn() != conn {
		return nil
	}

	sess.ClearWill()
	return r.disconnect(sess)
}

// Lost detaches conn from the session after the connection ended without a DISCONNECT.
// It returns the will message, which has been cleared from the session, if one was set
// and conn was still bound.
func (r *Sessions) Lost(sess *Session, conn Conn) (Will, bool, error) {
	r.locks.Lock(sess.ID)
	defer r.locks.Unlock(sess.ID)

	if sess.Removed() || sess.Conn() != conn {
		return Will{}, false, nil
	}

	will, ok := sess.Will()
	sess.ClearWill()
	return will, ok, r.disconnect(sess)
}

// disconnect moves a connected session to disconnected. The caller must hold the key lock.
func (r *Sessions) disconnect(sess *Session) error {
	if !sess.casStatus(StatusConnected, StatusDisconnecting) {
		return fmt.Errorf("%w: disconnect of %s session", ErrCorruptedSession, sess.Status())
	}

	sess.unbind()
	if sess.Clean() {
		r.discard(sess)
		r.remove(sess)
	}

	if !sess.casStatus(StatusDisconnecting, StatusDisconnected) {
		return fmt.Errorf("%w: disconnect of %s session", ErrCorruptedSession, sess.Status())
	}

	return nil
}

// Subscribe adds a subscription for a session to the session and the topics index.
// It returns false if the session has already been replaced or removed.
func (r *Sessions) Subscribe(sess *Session, sub packets.Subscription) bool {
	r.locks.Lock(sess.ID)
	defer r.locks.Unlock(sess.ID)

	if sess.Removed() {
		return false
	}

	sess.Subscriptions.Add(sub.Filter, sub)
	r.topics.Subscribe(sess.ID, sub)
	return true
}

// Unsubscribe removes a subscription filter from a session and the topics index.
// It returns true if the session was subscribed to the filter.
func (r *Sessions) Unsubscribe(sess *Session, filter string) bool {
	r.locks.Lock(sess.ID)
	defer r.locks.Unlock(sess.ID)

	if sess.Removed() {
		return false
	}

	if _, ok := sess.Subscriptions.Get(filter); !ok {
		return false
	}

	sess.Subscriptions.Delete(filter)
	r.topics.Unsubscribe(filter, sess.ID)
	return true
}
