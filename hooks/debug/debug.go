// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"bytes"
	"log/slog"

	mqtt "github.com/tidemq/tide"
	"github.com/tidemq/tide/packets"
)

// Options contains configuration settings for the debug output.
type Options struct {
	ShowPayloads   bool `yaml:"show_payloads" json:"show_payloads"`       // include message payloads (default false)
	ShowPacketData bool `yaml:"show_packet_data" json:"show_packet_data"` // include the full decoded packet (default false)
}

// Hook is a debugging hook which logs session and delivery events from the server.
type Hook struct {
	mqtt.HookBase
	config *Options
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "debug"
}

// Provides indicates which hook methods this hook provides. Authentication and
// storage methods are left to other hooks.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnStarted,
		mqtt.OnStopped,
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnPublished,
		mqtt.OnRetainMessage,
		mqtt.OnQosPublish,
		mqtt.OnQosComplete,
		mqtt.OnQosDropped,
		mqtt.OnMessageQueued,
		mqtt.OnMessageDequeued,
		mqtt.OnWillSent,
		mqtt.OnSessionRemoved,
	}, []byte{b})
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	return nil
}

// Stop is called when the hook is stopped.
func (h *Hook) Stop() error {
	h.Log.Debug("", "method", "Stop")
	return nil
}

// OnStarted is called when the server starts.
func (h *Hook) OnStarted() {
	h.Log.Debug("", "method", "OnStarted")
}

// OnStopped is called when the server stops.
func (h *Hook) OnStopped() {
	h.Log.Debug("", "method", "OnStopped")
}

// OnSessionEstablished is called when a session has been bound to a connection.
func (h *Hook) OnSessionEstablished(sess *mqtt.Session, present bool) {
	h.Log.Debug("session established", "client", sess.ID, "present", present, "clean", sess.Clean())
}

// OnDisconnect is called when a session's connection has ended.
func (h *Hook) OnDisconnect(sess *mqtt.Session, err error) {
	h.Log.Debug("session disconnected", "client", sess.ID, "cause", err)
}

// OnSubscribed is called when a subscription has been granted.
func (h *Hook) OnSubscribed(sess *mqtt.Session, sub packets.Subscription) {
	h.Log.Debug("subscribed", "client", sess.ID, "filter", sub.Filter, "qos", sub.Qos)
}

// OnUnsubscribed is called when a subscription has been removed.
func (h *Hook) OnUnsubscribed(sess *mqtt.Session, filter string) {
	h.Log.Debug("unsubscribed", "client", sess.ID, "filter", filter)
}

// OnPublished is called when a message has been dispatched to subscribers.
func (h *Hook) OnPublished(sess *mqtt.Session, pk packets.Packet) {
	from := "server"
	if sess != nil {
		from = sess.ID
	}

	h.Log.Debug("published", append([]any{"from", from}, h.packetMeta(pk)...)...)
}

// OnRetainMessage is called when a retained message is stored or cleared.
func (h *Hook) OnRetainMessage(msg mqtt.RetainedMessage, r int64) {
	h.Log.Debug("retained message on topic", "topic", msg.Topic, "r", r)
}

// OnQosPublish is called when a message enters or is re-sent from the inflight window.
func (h *Hook) OnQosPublish(sess *mqtt.Session, m mqtt.EnqueuedMessage) {
	h.Log.Debug("inflight out", h.messageMeta(sess, m)...)
}

// OnQosComplete is called when the qos flow for a message has been completed.
func (h *Hook) OnQosComplete(sess *mqtt.Session, m mqtt.EnqueuedMessage) {
	h.Log.Debug("inflight complete", h.messageMeta(sess, m)...)
}

// OnQosDropped is called when a message is discarded.
func (h *Hook) OnQosDropped(sess *mqtt.Session, m mqtt.EnqueuedMessage) {
	h.Log.Debug("message dropped", h.messageMeta(sess, m)...)
}

// OnMessageQueued is called when a message is appended to a session queue.
func (h *Hook) OnMessageQueued(sess *mqtt.Session, m mqtt.EnqueuedMessage) {
	h.Log.Debug("queued", h.messageMeta(sess, m)...)
}

// OnMessageDequeued is called when a message leaves a session queue.
func (h *Hook) OnMessageDequeued(sess *mqtt.Session, m mqtt.EnqueuedMessage) {
	h.Log.Debug("dequeued", h.messageMeta(sess, m)...)
}

// OnWillSent is called when a will message has been issued for a lost connection.
func (h *Hook) OnWillSent(sess *mqtt.Session, will mqtt.Will) {
	h.Log.Debug("sent will for client", "client", sess.ID, "topic", will.Topic)
}

// OnSessionRemoved is called when a session's state has been discarded.
func (h *Hook) OnSessionRemoved(sess *mqtt.Session) {
	h.Log.Debug("session removed", "client", sess.ID)
}

// messageMeta returns log attributes describing an enqueued message.
func (h *Hook) messageMeta(sess *mqtt.Session, m mqtt.EnqueuedMessage) []any {
	attrs := []any{
		"client", sess.ID,
		"id", m.PacketID,
		"seq", m.Seq,
		"qos", m.Qos,
		"topic", m.Topic,
	}

	if m.IsPubRel() {
		attrs = append(attrs, "kind", "pubrel")
	}

	if h.config.ShowPayloads {
		attrs = append(attrs, "payload", string(m.Payload))
	}

	return attrs
}

// packetMeta returns log attributes describing a publish packet.
func (h *Hook) packetMeta(pk packets.Packet) []any {
	attrs := []any{
		"type", packets.PacketNames[pk.FixedHeader.Type],
		"topic", pk.TopicName,
		"qos", pk.FixedHeader.Qos,
		"retain", pk.FixedHeader.Retain,
	}

	if h.config.ShowPayloads {
		attrs = append(attrs, "payload", string(pk.Payload))
	}

	if h.config.ShowPacketData {
		attrs = append(attrs, slog.Any("packet", pk))
	}

	return attrs
}
