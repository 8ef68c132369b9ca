// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"time"

	"github.com/tidemq/tide/packets"
)

// Publish delivers a server originated message to all matching subscribers, as
// though it had been received from a client. Hooks see a nil session.
func (s *Server) Publish(topic string, qos byte, payload []byte, retain bool) error {
	if !IsValidFilter(topic, true) {
		return packets.ErrTopicNameInvalid
	}

	if qos > 2 {
		return packets.ErrProtocolViolationQosOutOfRange
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		TopicName: topic,
		Payload:   payload,
		Created:   time.Now().Unix(),
	}

	pk, err := s.hooks.OnPublish(nil, pk)
	if err != nil {
		return err
	}

	s.dispatch(nil, NewPublishedMessage(pk.TopicName, pk.FixedHeader.Qos, pk.Payload, pk.FixedHeader.Retain))
	return nil
}

// dispatch updates the retained store if required, and sends a message to every
// session with a matching subscription at the lower of the message and subscription
// qos. The retain flag is cleared on forwarded messages.
func (s *Server) dispatch(from *Session, m EnqueuedMessage) {
	if m.Retain {
		s.retainMessage(m)
	}

	subs := s.Topics.Subscribers(m.Topic)
	for id, sub := range subs.Subscriptions {
		sess, ok := s.Sessions.Get(id)
		if !ok {
			continue
		}

		qos := m.Qos
		if sub.Qos < qos {
			qos = sub.Qos
		}

		sess.SendPublish(m.Topic, qos, m.Payload, false) // [MQTT-3.3.1-9]
	}

	s.hooks.OnPublished(from, publishPacket(m, false))
}

// retainMessage stores or clears the retained message for a topic.
func (s *Server) retainMessage(m EnqueuedMessage) {
	if s.Options.Capabilities.RetainAvailable == 0 {
		return
	}

	msg := RetainedMessage{
		Topic:   m.Topic,
		Payload: m.Payload,
		Qos:     m.Qos,
		Created: time.Now().Unix(),
	}

	r := s.Retained.Store(msg) // [MQTT-3.3.1-5] [MQTT-3.3.1-10]
	if r != 0 {
		s.hooks.OnRetainMessage(msg, r)
	}
}

// ReplayRetained delivers every retained message matching a new subscription to the
// session, at the subscription qos and with the retain flag set.
func (s *Server) ReplayRetained(sess *Session, sub packets.Subscription) {
	for _, msg := range s.Retained.Match(sub.Filter) {
		sess.SendPublish(msg.Topic, sub.Qos, msg.Payload, true) // [MQTT-3.3.1-8]
	}
}
