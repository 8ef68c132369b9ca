// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package kv records broker session state into an ordered key-value store, and
// reads it back on startup. Storage backends embed Recorder and implement Store.
package kv

import (
	"bytes"
	"encoding"

	mqtt "github.com/tidemq/tide"
	"github.com/tidemq/tide/hooks/storage"
	"github.com/tidemq/tide/packets"
)

// Store is an ordered key-value store. Keys sharing a prefix must be visited in
// lexical order by Iterate.
type Store interface {
	Put(key string, v encoding.BinaryMarshaler) error
	Delete(key string) error
	DeletePrefix(prefix string) error
	Iterate(prefix string, visit func(key string, value []byte) error) error
}

// Recorder is a hook which persists sessions, subscriptions, retained messages,
// inflight windows and offline queues to a Store. State belonging to clean sessions
// is never written, as it cannot outlive the connection.
type Recorder struct {
	mqtt.HookBase
	Store Store // the backing store, set by the embedding hook during Init
}

// Provides indicates which hook methods this hook provides.
func (r *Recorder) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnRetainMessage,
		mqtt.OnWillSent,
		mqtt.OnQosPublish,
		mqtt.OnQosComplete,
		mqtt.OnQosDropped,
		mqtt.OnMessageQueued,
		mqtt.OnMessageDequeued,
		mqtt.OnSessionRemoved,
		mqtt.StoredSessions,
		mqtt.StoredSubscriptions,
		mqtt.StoredInflightMessages,
		mqtt.StoredQueuedMessages,
		mqtt.StoredRetainedMessages,
	}, []byte{b})
}

// persistent returns true if state for the session should be written.
func (r *Recorder) persistent(sess *mqtt.Session) bool {
	if r.Store == nil {
		r.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return false
	}

	return sess != nil && !sess.Clean() && !sess.Removed()
}

// OnSessionEstablished writes the session record when a session connects.
func (r *Recorder) OnSessionEstablished(sess *mqtt.Session, present bool) {
	r.updateSession(sess)
}

// OnDisconnect rewrites the session record, as the will may have been cleared.
func (r *Recorder) OnDisconnect(sess *mqtt.Session, err error) {
	r.updateSession(sess)
}

// OnWillSent rewrites the session record without the will.
func (r *Recorder) OnWillSent(sess *mqtt.Session, will mqtt.Will) {
	r.updateSession(sess)
}

// updateSession writes the session record.
func (r *Recorder) updateSession(sess *mqtt.Session) {
	if !r.persistent(sess) {
		return
	}

	in := storage.Session{
		ID:       sess.ID,
		T:        storage.SessionKey,
		Username: sess.Username(),
		Clean:    sess.Clean(),
	}

	if will, ok := sess.Will(); ok {
		in.Will = &storage.Will{
			Topic:   will.Topic,
			Payload: will.Payload,
			Qos:     will.Qos,
			Retain:  will.Retain,
		}
	}

	r.put(storage.SessionStoreKey(sess.ID), in)
}

// OnSessionRemoved deletes every record belonging to a session.
func (r *Recorder) OnSessionRemoved(sess *mqtt.Session) {
	if r.Store == nil || sess == nil {
		return
	}

	r.del(storage.SessionStoreKey(sess.ID))
	for _, t := range []string{storage.SubscriptionKey, storage.InflightKey, storage.QueuedKey} {
		prefix := storage.ClientPrefix(t, sess.ID)
		if err := r.Store.DeletePrefix(prefix); err != nil {
			r.Log.Error("failed to delete session data", "error", err, "prefix", prefix)
		}
	}
}

// OnSubscribed writes a subscription.
func (r *Recorder) OnSubscribed(sess *mqtt.Session, sub packets.Subscription) {
	if !r.persistent(sess) {
		return
	}

	r.put(storage.SubscriptionStoreKey(sess.ID, sub.Filter), storage.Subscription{
		ID:     storage.SubscriptionStoreKey(sess.ID, sub.Filter),
		T:      storage.SubscriptionKey,
		Client: sess.ID,
		Filter: sub.Filter,
		Qos:    sub.Qos,
	})
}

// OnUnsubscribed deletes a subscription.
func (r *Recorder) OnUnsubscribed(sess *mqtt.Session, filter string) {
	if !r.persistent(sess) {
		return
	}

	r.del(storage.SubscriptionStoreKey(sess.ID, filter))
}

// OnRetainMessage writes (r = 1) or deletes (r = -1) a retained message.
func (r *Recorder) OnRetainMessage(msg mqtt.RetainedMessage, n int64) {
	if r.Store == nil {
		r.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	key := storage.RetainedStoreKey(msg.Topic)
	if n == -1 {
		r.del(key)
		return
	}

	r.put(key, storage.Message{
		ID:      key,
		T:       storage.RetainedKey,
		Topic:   msg.Topic,
		Payload: msg.Payload,
		Qos:     msg.Qos,
		Created: msg.Created,
		Retain:  true,
	})
}

// OnQosPublish writes a message entering or re-sent from the inflight window. A
// PUBREL marker overwrites the publish it replaces.
func (r *Recorder) OnQosPublish(sess *mqtt.Session, m mqtt.EnqueuedMessage) {
	if !r.persistent(sess) {
		return
	}

	key := storage.InflightStoreKey(sess.ID, m.PacketID)
	r.put(key, message(key, storage.InflightKey, sess.ID, m))
}

// OnQosComplete deletes an acknowledged inflight message.
func (r *Recorder) OnQosComplete(sess *mqtt.Session, m mqtt.EnqueuedMessage) {
	if !r.persistent(sess) {
		return
	}

	r.del(storage.InflightStoreKey(sess.ID, m.PacketID))
}

// OnQosDropped deletes an inflight message which was abandoned. Messages refused by
// a full queue were never written.
func (r *Recorder) OnQosDropped(sess *mqtt.Session, m mqtt.EnqueuedMessage) {
	if !r.persistent(sess) || m.PacketID == 0 {
		return
	}

	r.del(storage.InflightStoreKey(sess.ID, m.PacketID))
}

// OnMessageQueued writes a message appended to a session queue.
func (r *Recorder) OnMessageQueued(sess *mqtt.Session, m mqtt.EnqueuedMessage) {
	if !r.persistent(sess) {
		return
	}

	key := storage.QueuedStoreKey(sess.ID, m.Seq)
	r.put(key, message(key, storage.QueuedKey, sess.ID, m))
}

// OnMessageDequeued deletes a message which left a session queue.
func (r *Recorder) OnMessageDequeued(sess *mqtt.Session, m mqtt.EnqueuedMessage) {
	if !r.persistent(sess) {
		return
	}

	r.del(storage.QueuedStoreKey(sess.ID, m.Seq))
}

// StoredSessions returns all stored sessions from the store.
func (r *Recorder) StoredSessions() (v []storage.Session, err error) {
	err = r.iterate(storage.SessionKey, func(value []byte) error {
		var d storage.Session
		if err := d.UnmarshalBinary(value); err != nil {
			return err
		}
		v = append(v, d)
		return nil
	})
	return
}

// StoredSubscriptions returns all stored subscriptions from the store.
func (r *Recorder) StoredSubscriptions() (v []storage.Subscription, err error) {
	err = r.iterate(storage.SubscriptionKey, func(value []byte) error {
		var d storage.Subscription
		if err := d.UnmarshalBinary(value); err != nil {
			return err
		}
		v = append(v, d)
		return nil
	})
	return
}

// StoredInflightMessages returns all stored inflight messages from the store.
func (r *Recorder) StoredInflightMessages() (v []storage.Message, err error) {
	return r.messages(storage.InflightKey)
}

// StoredQueuedMessages returns all stored queued messages from the store, in queue
// order for each client.
func (r *Recorder) StoredQueuedMessages() (v []storage.Message, err error) {
	return r.messages(storage.QueuedKey)
}

// StoredRetainedMessages returns all stored retained messages from the store.
func (r *Recorder) StoredRetainedMessages() (v []storage.Message, err error) {
	return r.messages(storage.RetainedKey)
}

// messages returns all stored messages of one type.
func (r *Recorder) messages(t string) (v []storage.Message, err error) {
	err = r.iterate(t, func(value []byte) error {
		var d storage.Message
		if err := d.UnmarshalBinary(value); err != nil {
			return err
		}
		v = append(v, d)
		return nil
	})
	return
}

// iterate visits the value of every record of one type.
func (r *Recorder) iterate(t string, visit func(value []byte) error) error {
	if r.Store == nil {
		r.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return storage.ErrDBFileNotOpen
	}

	return r.Store.Iterate(t+"_", func(key string, value []byte) error {
		if err := visit(value); err != nil {
			r.Log.Error("failed to unmarshal stored data", "error", err, "key", key)
		}
		return nil
	})
}

// put writes a record, logging any failure.
func (r *Recorder) put(key string, v encoding.BinaryMarshaler) {
	if err := r.Store.Put(key, v); err != nil {
		r.Log.Error("failed to upsert data", "error", err, "key", key)
	}
}

// del deletes a record, logging any failure.
func (r *Recorder) del(key string) {
	if err := r.Store.Delete(key); err != nil {
		r.Log.Error("failed to delete data", "error", err, "key", key)
	}
}

// message converts an inflight or queued message into a storable message.
func message(key, t, client string, m mqtt.EnqueuedMessage) storage.Message {
	return storage.Message{
		ID:       key,
		T:        t,
		Client:   client,
		Topic:    m.Topic,
		Payload:  m.Payload,
		Created:  m.Created,
		Sent:     m.Sent,
		Seq:      m.Seq,
		Resends:  m.Resends,
		PacketID: m.PacketID,
		Kind:     byte(m.Kind),
		Qos:      m.Qos,
		Retain:   m.Retain,
	}
}
