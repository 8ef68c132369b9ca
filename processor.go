// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/tidemq/tide/packets"
)

// OnConnect validates a CONNECT packet and binds the connection to a session. The
// accepting CONNACK is written by the registry while binding. If the connection is
// refused, the refusing CONNACK is written here and an error is returned so that the
// caller closes the connection.
func (s *Server) OnConnect(conn Conn, pk packets.Packet) (*Session, error) {
	if pk.ProtocolVersion != 3 && pk.ProtocolVersion != 4 {
		return nil, s.refuseConnect(conn, packets.ErrUnsupportedProtocolVersion)
	}

	id := pk.Connect.ClientIdentifier
	if id == "" {
		if !pk.Connect.Clean || !s.Options.Capabilities.AllowEmptyClientID {
			return nil, s.refuseConnect(conn, packets.ErrClientIdentifierNotValid) // [MQTT-3.1.3-8]
		}
		id = xid.New().String() // [MQTT-3.1.3-6]
	}

	if strings.ContainsRune(id, 0) {
		return nil, s.refuseConnect(conn, packets.ErrClientIdentifierNotValid) // [MQTT-1.5.3-2]
	}

	if atomic.LoadInt64(&s.Info.ClientsConnected) >= s.Options.Capabilities.MaximumClients && !s.holdsConnection(id) {
		return nil, s.refuseConnect(conn, packets.ErrServerUnavailable)
	}

	if !s.hooks.OnConnectAuthenticate(conn, pk) {
		return nil, s.refuseConnect(conn, packets.ErrBadUsernameOrPassword)
	}

	var will *Will
	if pk.Connect.WillFlag {
		if !IsValidFilter(pk.Connect.WillTopic, true) {
			return nil, packets.ErrTopicNameInvalid
		}

		will = &Will{
			Topic:   pk.Connect.WillTopic,
			Payload: pk.Connect.WillPayload,
			Qos:     pk.Connect.WillQos,
			Retain:  pk.Connect.WillRetain,
		}
	}

	sess, present, err := s.Sessions.Bind(conn, id, pk.Connect.Clean, will, pk.Connect.Username)
	if err != nil {
		s.Log.Error("failed to bind session", "error", err, "client", id, "remote", conn.Remote())
		conn.Close(err)
		return nil, err
	}

	s.hooks.OnSessionEstablished(sess, present)
	if present {
		sess.ResendInflight()
		sess.Drain()
	}

	return sess, nil
}

// holdsConnection returns true if a connected session already counts id against the
// client limit, so that a takeover does not need a free slot.
func (s *Server) holdsConnection(id string) bool {
	sess, ok := s.Sessions.Get(id)
	return ok && sess.Status() == StatusConnected
}

// refuseConnect writes a refusing CONNACK and returns the refusal reason.
func (s *Server) refuseConnect(conn Conn, code packets.Code) error {
	err := conn.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connack},
		ReasonCode:  code.Code,
	})
	if err != nil {
		s.Log.Debug("failed to write connack", "error", err, "remote", conn.Remote())
	}

	return code
}

// OnPublish processes an inbound PUBLISH from a session. A publish denied by the
// ACL or rejected by a hook is still acknowledged, but is not delivered.
func (s *Server) OnPublish(sess *Session, pk packets.Packet) error {
	if !IsValidFilter(pk.TopicName, true) {
		return packets.ErrTopicNameInvalid // [MQTT-3.3.2-2]
	}

	if err := pk.ValidateQos(); err != nil {
		return err
	}

	atomic.AddInt64(&s.Info.MessagesReceived, 1)

	allowed := s.hooks.OnACLCheck(sess, pk.TopicName, true)
	if allowed {
		pkx, err := s.hooks.OnPublish(sess, pk)
		if err != nil {
			allowed = false
		} else {
			pk = pkx
		}
	} else {
		sess.log.Debug("publish denied by acl", "topic", pk.TopicName)
	}

	qos := pk.FixedHeader.Qos
	if qos > s.Options.Capabilities.MaximumQos {
		qos = s.Options.Capabilities.MaximumQos
	}

	m := NewPublishedMessage(pk.TopicName, qos, pk.Payload, pk.FixedHeader.Retain)

	switch pk.FixedHeader.Qos {
	case 0:
		if allowed {
			s.dispatch(sess, m)
		}
	case 1:
		if allowed {
			s.dispatch(sess, m)
		}
		s.respond(sess, packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Puback},
			PacketID:    pk.PacketID,
		})
	case 2:
		if allowed {
			sess.ReceivePublishQos2(pk.PacketID, m)
			return nil
		}
		s.respond(sess, packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
			PacketID:    pk.PacketID,
		})
	}

	return nil
}

// OnAck processes an inbound acknowledgement for a session. PUBACK, PUBREC and PUBCOMP
// advance outbound deliveries, and PUBREL releases an inbound qos 2 message.
func (s *Server) OnAck(sess *Session, id uint16, ackType byte) error {
	switch ackType {
	case packets.Puback:
		return sess.OnPubAck(id)
	case packets.Pubrec:
		return sess.OnPubRec(id)
	case packets.Pubcomp:
		return sess.OnPubComp(id)
	case packets.Pubrel:
		if m, ok := sess.ReceivePubRel(id); ok {
			s.dispatch(sess, m)
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", packets.ErrProtocolViolationUnknownPacket, ackType)
	}
}

// OnSubscribe processes a SUBSCRIBE from a session. Each filter is granted or refused
// individually, and retained messages are replayed for the granted filters once the
// SUBACK has been queued.
func (s *Server) OnSubscribe(sess *Session, pk packets.Packet) error {
	if len(pk.Filters) == 0 {
		return packets.ErrProtocolViolationNoFilters // [MQTT-3.8.3-3]
	}

	if pk.PacketID == 0 {
		return packets.ErrProtocolViolationNoPacketID
	}

	codes := make([]byte, len(pk.Filters))
	granted := make([]packets.Subscription, 0, len(pk.Filters))
	for i, sub := range pk.Filters {
		if !IsValidFilter(sub.Filter, false) || sub.Qos > 2 {
			codes[i] = packets.ErrSubscriptionFailure.Code
			continue
		}

		if !s.hooks.OnACLCheck(sess, sub.Filter, false) {
			codes[i] = packets.ErrSubscriptionFailure.Code
			continue
		}

		if sub.Qos > s.Options.Capabilities.MaximumQos {
			sub.Qos = s.Options.Capabilities.MaximumQos
		}

		if !s.Sessions.Subscribe(sess, sub) {
			codes[i] = packets.ErrSubscriptionFailure.Code
			continue
		}

		s.hooks.OnSubscribed(sess, sub)
		codes[i] = sub.Qos // [MQTT-3.9.3-1]
		granted = append(granted, sub)
	}

	s.respond(sess, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    pk.PacketID, // [MQTT-2.2.1-6]
		ReasonCodes: codes,
	})

	for _, sub := range granted {
		s.ReplayRetained(sess, sub) // [MQTT-3.3.1-6]
	}

	return nil
}

// OnUnsubscribe processes an UNSUBSCRIBE from a session.
func (s *Server) OnUnsubscribe(sess *Session, pk packets.Packet) error {
	if len(pk.Filters) == 0 {
		return packets.ErrProtocolViolationNoFilters // [MQTT-3.10.3-2]
	}

	for _, sub := range pk.Filters {
		if s.Sessions.Unsubscribe(sess, sub.Filter) {
			s.hooks.OnUnsubscribed(sess, sub.Filter)
		}
	}

	s.respond(sess, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsuback},
		PacketID:    pk.PacketID, // [MQTT-3.11.2-1]
	})

	return nil
}

// OnDisconnect processes a graceful DISCONNECT. The will message is discarded.
func (s *Server) OnDisconnect(sess *Session, conn Conn) {
	if err := s.Sessions.Disconnect(sess, conn); err != nil {
		s.Log.Error("failed to disconnect session", "error", err, "client", sess.ID)
	}

	s.hooks.OnDisconnect(sess, nil)
}

// OnConnectionLost processes a connection which ended without a DISCONNECT, publishing
// the will message if the connection was still bound to the session.
func (s *Server) OnConnectionLost(sess *Session, conn Conn, cause error) {
	will, ok, err := s.Sessions.Lost(sess, conn)
	if err != nil {
		s.Log.Error("failed to disconnect session", "error", err, "client", sess.ID)
	}

	if ok {
		s.publishWill(sess, will)
	}

	s.hooks.OnDisconnect(sess, cause)
}

// publishWill delivers a will message as though the session had published it.
func (s *Server) publishWill(sess *Session, will Will) {
	if !s.hooks.OnACLCheck(sess, will.Topic, true) {
		sess.log.Debug("will denied by acl", "topic", will.Topic)
		return
	}

	qos := will.Qos
	if qos > s.Options.Capabilities.MaximumQos {
		qos = s.Options.Capabilities.MaximumQos
	}

	s.dispatch(sess, NewPublishedMessage(will.Topic, qos, will.Payload, will.Retain))
	s.hooks.OnWillSent(sess, will)
}

// respond writes a control packet to the connection bound to a session.
func (s *Server) respond(sess *Session, pk packets.Packet) {
	if err := sess.write(sess.Conn(), pk); err != nil {
		sess.log.Debug("failed to write response", "error", err, "type", packets.PacketNames[pk.FixedHeader.Type], "packet_id", pk.PacketID)
	}
}
