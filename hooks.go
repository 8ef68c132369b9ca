// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, thedevop, dgduncan

package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tidemq/tide/hooks/storage"
	"github.com/tidemq/tide/packets"
)

const (
	SetOptions byte = iota
	OnStarted
	OnStopped
	OnConnectAuthenticate
	OnACLCheck
	OnSessionEstablished
	OnDisconnect
	OnSubscribed
	OnUnsubscribed
	OnPublish
	OnPublished
	OnRetainMessage
	OnQosPublish
	OnQosComplete
	OnQosDropped
	OnMessageQueued
	OnMessageDequeued
	OnWillSent
	OnSessionRemoved
	StoredSessions
	StoredSubscriptions
	StoredInflightMessages
	StoredQueuedMessages
	StoredRetainedMessages
)

var (
	// ErrInvalidConfigType indicates a different Type of config value was expected to what was received.
	ErrInvalidConfigType = errors.New("invalid config type provided")
)

// HookLoadConfig contains the hook and configuration as loaded from a configuration (usually file).
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// Hook provides an interface of handlers for different events which occur
// during the lifecycle of the broker.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnConnectAuthenticate(conn Conn, pk packets.Packet) bool
	OnACLCheck(sess *Session, topic string, write bool) bool
	OnSessionEstablished(sess *Session, present bool)
	OnDisconnect(sess *Session, err error)
	OnSubscribed(sess *Session, sub packets.Subscription)
	OnUnsubscribed(sess *Session, filter string)
	OnPublish(sess *Session, pk packets.Packet) (packets.Packet, error) // sess is nil for server originated publishes
	OnPublished(sess *Session, pk packets.Packet)
	OnRetainMessage(msg RetainedMessage, r int64)
	OnQosPublish(sess *Session, m EnqueuedMessage)      // a message entered or was re-sent from the inflight window
	OnQosComplete(sess *Session, m EnqueuedMessage)     // a message was fully acknowledged
	OnQosDropped(sess *Session, m EnqueuedMessage)      // a message was abandoned
	OnMessageQueued(sess *Session, m EnqueuedMessage)   // a message was appended to the session queue
	OnMessageDequeued(sess *Session, m EnqueuedMessage) // a message left the session queue
	OnWillSent(sess *Session, will Will)
	OnSessionRemoved(sess *Session) // all state for the session was discarded
	StoredSessions() ([]storage.Session, error)
	StoredSubscriptions() ([]storage.Subscription, error)
	StoredInflightMessages() ([]storage.Message, error)
	StoredQueuedMessages() ([]storage.Message, error)
	StoredRetainedMessages() ([]storage.Message, error)
}

// HookOptions contains values which are inherited from the server on initialisation.
type HookOptions struct {
	Capabilities *Capabilities
}

// Hooks is a slice of Hook interfaces to be called in sequence.
type Hooks struct {
	Log        *slog.Logger   // a logger for the hook (from the server)
	internal   atomic.Value   // a slice of []Hook
	wg         sync.WaitGroup // a waitgroup for syncing hook shutdown
	qty        int64          // the number of hooks in use
	sync.Mutex                // a mutex for locking when adding hooks
}

// Len returns the number of hooks added.
func (h *Hooks) Len() int64 {
	return atomic.LoadInt64(&h.qty)
}

// Provides returns true if any one hook provides any of the requested hook methods.
func (h *Hooks) Provides(b ...byte) bool {
	for _, hook := range h.GetAll() {
		for _, hb := range b {
			if hook.Provides(hb) {
				return true
			}
		}
	}

	return false
}

// Add adds and initializes a new hook.
func (h *Hooks) Add(hook Hook, config any) error {
	h.Lock()
	defer h.Unlock()

	err := hook.Init(config)
	if err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	i, ok := h.internal.Load().([]Hook)
	if !ok {
		i = []Hook{}
	}

	i = append(i, hook)
	h.internal.Store(i)
	atomic.AddInt64(&h.qty, 1)
	h.wg.Add(1)

	return nil
}

// GetAll returns a slice of all the hooks.
func (h *Hooks) GetAll() []Hook {
	i, ok := h.internal.Load().([]Hook)
	if !ok {
		return []Hook{}
	}

	return i
}

// Stop indicates all attached hooks to gracefully end.
func (h *Hooks) Stop() {
	go func() {
		for _, hook := range h.GetAll() {
			h.Log.Info("stopping hook", "hook", hook.ID())
			if err := hook.Stop(); err != nil {
				h.Log.Debug("problem stopping hook", "error", err, "hook", hook.ID())
			}

			h.wg.Done()
		}
	}()

	h.wg.Wait()
}

// OnStarted is called when the server has successfully started.
func (h *Hooks) OnStarted() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStarted) {
			hook.OnStarted()
		}
	}
}

// OnStopped is called when the server has successfully stopped.
func (h *Hooks) OnStopped() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStopped) {
			hook.OnStopped()
		}
	}
}

// OnConnectAuthenticate is called when a user attempts to authenticate with the server.
// An implementation of this method MUST be used to allow or deny access to the
// server (see hooks/auth/allow_all or basic). It can be used in custom hooks to
// check connecting users against an existing user database.
func (h *Hooks) OnConnectAuthenticate(conn Conn, pk packets.Packet) bool {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnConnectAuthenticate) {
			if ok := hook.OnConnectAuthenticate(conn, pk); ok {
				return true
			}
		}
	}

	return false
}

// OnACLCheck is called when a user attempts to publish or subscribe to a topic filter.
// An implementation of this method MUST be used to allow or deny access to the
// (see hooks/auth/allow_all or basic). It can be used in custom hooks to
// check publishing and subscribing users against an existing permissions or roles database.
func (h *Hooks) OnACLCheck(sess *Session, topic string, write bool) bool {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnACLCheck) {
			if ok := hook.OnACLCheck(sess, topic, write); ok {
				return true
			}
		}
	}

	return false
}

// OnSessionEstablished is called when a client establishes a session, after CONNACK.
func (h *Hooks) OnSessionEstablished(sess *Session, present bool) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSessionEstablished) {
			hook.OnSessionEstablished(sess, present)
		}
	}
}

// OnDisconnect is called when a session loses its connection for any reason.
func (h *Hooks) OnDisconnect(sess *Session, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnDisconnect) {
			hook.OnDisconnect(sess, err)
		}
	}
}

// OnSubscribed is called when a client subscribes to a filter.
func (h *Hooks) OnSubscribed(sess *Session, sub packets.Subscription) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSubscribed) {
			hook.OnSubscribed(sess, sub)
		}
	}
}

// OnUnsubscribed is called when a client unsubscribes from a filter.
func (h *Hooks) OnUnsubscribed(sess *Session, filter string) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnUnsubscribed) {
			hook.OnUnsubscribed(sess, filter)
		}
	}
}

// OnPublish is called when a client publishes a message. This method differs from OnPublished
// in that it allows you to modify you to modify the incoming packet before it is processed.
// The return values of the hook methods are passed-through in the order the hooks were attached.
func (h *Hooks) OnPublish(sess *Session, pk packets.Packet) (pkx packets.Packet, err error) {
	pkx = pk
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublish) {
			npk, err := hook.OnPublish(sess, pkx)
			if err != nil {
				if errors.Is(err, packets.ErrRejectPacket) {
					h.Log.Debug("publish packet rejected", "hook", hook.ID(), "topic", pkx.TopicName)
					return pk, err
				}
				h.Log.Error("publish packet error", "error", err, "hook", hook.ID(), "topic", pkx.TopicName)
				continue
			}
			pkx = npk
		}
	}

	return
}

// OnPublished is called when a message has been dispatched to subscribers.
func (h *Hooks) OnPublished(sess *Session, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublished) {
			hook.OnPublished(sess, pk)
		}
	}
}

// OnRetainMessage is called when a retained message is stored (r = 1) or cleared (r = -1).
func (h *Hooks) OnRetainMessage(msg RetainedMessage, r int64) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnRetainMessage) {
			hook.OnRetainMessage(msg, r)
		}
	}
}

// OnQosPublish is called when a message enters or is resent from the inflight window.
func (h *Hooks) OnQosPublish(sess *Session, m EnqueuedMessage) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnQosPublish) {
			hook.OnQosPublish(sess, m)
		}
	}
}

// OnQosComplete is called when a qos flow completes.
func (h *Hooks) OnQosComplete(sess *Session, m EnqueuedMessage) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnQosComplete) {
			hook.OnQosComplete(sess, m)
		}
	}
}

// OnQosDropped is called when a message is abandoned, either because the session queue
// was full or because it exceeded the maximum number of retries.
func (h *Hooks) OnQosDropped(sess *Session, m EnqueuedMessage) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnQosDropped) {
			hook.OnQosDropped(sess, m)
		}
	}
}

// OnMessageQueued is called when a message is appended to a session queue.
func (h *Hooks) OnMessageQueued(sess *Session, m EnqueuedMessage) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnMessageQueued) {
			hook.OnMessageQueued(sess, m)
		}
	}
}

// OnMessageDequeued is called when a message leaves a session queue.
func (h *Hooks) OnMessageDequeued(sess *Session, m EnqueuedMessage) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnMessageDequeued) {
			hook.OnMessageDequeued(sess, m)
		}
	}
}

// OnWillSent is called when a will message has been published.
func (h *Hooks) OnWillSent(sess *Session, will Will) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnWillSent) {
			hook.OnWillSent(sess, will)
		}
	}
}

// OnSessionRemoved is called when all state belonging to a session is discarded.
func (h *Hooks) OnSessionRemoved(sess *Session) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSessionRemoved) {
			hook.OnSessionRemoved(sess)
		}
	}
}

// StoredSessions returns all stored sessions from a store.
func (h *Hooks) StoredSessions() (v []storage.Session, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSessions) {
			v, err := hook.StoredSessions()
			if err != nil {
				h.Log.Error("failed to load sessions", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredSubscriptions returns all stored subscriptions from a store.
func (h *Hooks) StoredSubscriptions() (v []storage.Subscription, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSubscriptions) {
			v, err := hook.StoredSubscriptions()
			if err != nil {
				h.Log.Error("failed to load subscriptions", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredInflightMessages returns all stored inflight messages from a store.
func (h *Hooks) StoredInflightMessages() (v []storage.Message, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredInflightMessages) {
			v, err := hook.StoredInflightMessages()
			if err != nil {
				h.Log.Error("failed to load inflight messages", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredQueuedMessages returns all stored session queue messages from a store.
func (h *Hooks) StoredQueuedMessages() (v []storage.Message, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredQueuedMessages) {
			v, err := hook.StoredQueuedMessages()
			if err != nil {
				h.Log.Error("failed to load queued messages", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredRetainedMessages returns all stored retained messages from a store.
func (h *Hooks) StoredRetainedMessages() (v []storage.Message, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredRetainedMessages) {
			v, err := hook.StoredRetainedMessages()
			if err != nil {
				h.Log.Error("failed to load retained messages", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// HookBase provides a set of default methods for each hook. It should be embedded in
// all hooks.
type HookBase struct {
	Hook
	Log  *slog.Logger
	Opts *HookOptions
}

// ID returns the ID of the hook.
func (h *HookBase) ID() string {
	return "base"
}

// Provides indicates which methods a hook provides. The default is none - this method
// should be overridden by the embedding hook.
func (h *HookBase) Provides(b byte) bool {
	return false
}

// Init performs any pre-start initializations for the hook, such as connecting to databases
// or opening files.
func (h *HookBase) Init(config any) error {
	return nil
}

// SetOpts is called by the server to propagate internal values and generally should
// not be called manually.
func (h *HookBase) SetOpts(l *slog.Logger, opts *HookOptions) {
	h.Log = l
	h.Opts = opts
}

// Stop is called to gracefully shut down the hook.
func (h *HookBase) Stop() error {
	return nil
}

// OnStarted is called when the server starts.
func (h *HookBase) OnStarted() {}

// OnStopped is called when the server stops.
func (h *HookBase) OnStopped() {}

// OnConnectAuthenticate is called when a user attempts to authenticate with the server.
func (h *HookBase) OnConnectAuthenticate(conn Conn, pk packets.Packet) bool {
	return false
}

// OnACLCheck is called when a user attempts to subscribe or publish to a topic.
func (h *HookBase) OnACLCheck(sess *Session, topic string, write bool) bool {
	return false
}

// OnSessionEstablished is called when a client has established a session.
func (h *HookBase) OnSessionEstablished(sess *Session, present bool) {}

// OnDisconnect is called when a session loses its connection.
func (h *HookBase) OnDisconnect(sess *Session, err error) {}

// OnSubscribed is called when a client subscribes to a filter.
func (h *HookBase) OnSubscribed(sess *Session, sub packets.Subscription) {}

// OnUnsubscribed is called when a client unsubscribes from a filter.
func (h *HookBase) OnUnsubscribed(sess *Session, filter string) {}

// OnPublish is called when a client publishes a message.
func (h *HookBase) OnPublish(sess *Session, pk packets.Packet) (packets.Packet, error) {
	return pk, nil
}

// OnPublished is called when a message has been dispatched.
func (h *HookBase) OnPublished(sess *Session, pk packets.Packet) {}

// OnRetainMessage is called when a retained message is stored or cleared.
func (h *HookBase) OnRetainMessage(msg RetainedMessage, r int64) {}

// OnQosPublish is called when a message enters or is resent from the inflight window.
func (h *HookBase) OnQosPublish(sess *Session, m EnqueuedMessage) {}

// OnQosComplete is called when a qos flow completes.
func (h *HookBase) OnQosComplete(sess *Session, m EnqueuedMessage) {}

// OnQosDropped is called when a message is abandoned.
func (h *HookBase) OnQosDropped(sess *Session, m EnqueuedMessage) {}

// OnMessageQueued is called when a message is appended to a session queue.
func (h *HookBase) OnMessageQueued(sess *Session, m EnqueuedMessage) {}

// OnMessageDequeued is called when a message leaves a session queue.
func (h *HookBase) OnMessageDequeued(sess *Session, m EnqueuedMessage) {}

// OnWillSent is called when a will message has been published.
func (h *HookBase) OnWillSent(sess *Session, will Will) {}

// OnSessionRemoved is called when all state belonging to a session is discarded.
func (h *HookBase) OnSessionRemoved(sess *Session) {}

// StoredSessions returns all stored sessions from a store.
func (h *HookBase) StoredSessions() (v []storage.Session, err error) {
	return
}

// StoredSubscriptions returns all stored subscriptions from a store.
func (h *HookBase) StoredSubscriptions() (v []storage.Subscription, err error) {
	return
}

// StoredInflightMessages returns all stored inflight messages from a store.
func (h *HookBase) StoredInflightMessages() (v []storage.Message, err error) {
	return
}

// StoredQueuedMessages returns all stored queued messages from a store.
func (h *HookBase) StoredQueuedMessages() (v []storage.Message, err error) {
	return
}

// StoredRetainedMessages returns all stored retained messages from a store.
func (h *HookBase) StoredRetainedMessages() (v []storage.Message, err error) {
	return
}
