// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang/packets"
)

// ReadPacket reads and decodes the next control packet from r. Wire level errors
// are wrapped with ErrMalformedPacket so that callers can treat them as protocol
// violations. End of stream and network errors, such as deadline expiry, are
// returned as they are.
func ReadPacket(r io.Reader) (Packet, error) {
	cp, err := paho.ReadPacket(r)
	if err != nil {
		var nerr net.Error
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &nerr) {
			return Packet{}, err
		}
		return Packet{}, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}

	return FromControlPacket(cp)
}

// FromControlPacket converts a decoded wire packet into a broker packet.
func FromControlPacket(cp paho.ControlPacket) (Packet, error) {
	pk := Packet{Created: time.Now().Unix()}

	switch p := cp.(type) {
	case *paho.ConnectPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.ProtocolVersion = p.ProtocolVersion
		pk.Connect = ConnectParams{
			ProtocolName:     []byte(p.ProtocolName),
			ClientIdentifier: p.ClientIdentifier,
			Clean:            p.CleanSession,
			Keepalive:        p.Keepalive,
			WillFlag:         p.WillFlag,
			WillTopic:        p.WillTopic,
			WillPayload:      p.WillMessage,
			WillQos:          p.WillQos,
			WillRetain:       p.WillRetain,
			UsernameFlag:     p.UsernameFlag,
			PasswordFlag:     p.PasswordFlag,
			Password:         p.Password,
		}
		if p.UsernameFlag {
			pk.Connect.Username = []byte(p.Username)
		}
	case *paho.ConnackPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.SessionPresent = p.SessionPresent
		pk.ReasonCode = p.ReturnCode
	case *paho.PublishPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.TopicName = p.TopicName
		pk.PacketID = p.MessageID
		pk.Payload = p.Payload
	case *paho.PubackPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.PubrecPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.PubrelPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.PubcompPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.SubscribePacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
		for i, topic := range p.Topics {
			var qos byte
			if i < len(p.Qoss) {
				qos = p.Qoss[i]
			}
			pk.Filters = append(pk.Filters, Subscription{Filter: topic, Qos: qos})
		}
	case *paho.SubackPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
		pk.ReasonCodes = p.ReturnCodes
	case *paho.UnsubscribePacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
		for _, topic := range p.Topics {
			pk.Filters = append(pk.Filters, Subscription{Filter: topic})
		}
	case *paho.UnsubackPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.PingreqPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
	case *paho.PingrespPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
	case *paho.DisconnectPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
	default:
		return pk, ErrProtocolViolationUnknownPacket
	}

	return pk, nil
}

// ToControlPacket converts a broker packet into a wire packet ready for encoding.
func (pk Packet) ToControlPacket() (paho.ControlPacket, error) {
	switch pk.FixedHeader.Type {
	case Connect:
		p := paho.NewControlPacket(paho.Connect).(*paho.ConnectPacket)
		p.ProtocolName = string(pk.Connect.ProtocolName)
		p.ProtocolVersion = pk.ProtocolVersion
		p.ClientIdentifier = pk.Connect.ClientIdentifier
		p.CleanSession = pk.Connect.Clean
		p.Keepalive = pk.Connect.Keepalive
		p.WillFlag = pk.Connect.WillFlag
		p.WillTopic = pk.Connect.WillTopic
		p.WillMessage = pk.Connect.WillPayload
		p.WillQos = pk.Connect.WillQos
		p.WillRetain = pk.Connect.WillRetain
		p.UsernameFlag = pk.Connect.UsernameFlag
		p.Username = string(pk.Connect.Username)
		p.PasswordFlag = pk.Connect.PasswordFlag
		p.Password = pk.Connect.Password
		return p, nil
	case Connack:
		p := paho.NewControlPacket(paho.Connack).(*paho.ConnackPacket)
		p.SessionPresent = pk.SessionPresent
		p.ReturnCode = pk.ReasonCode
		return p, nil
	case Publish:
		p := paho.NewControlPacket(paho.Publish).(*paho.PublishPacket)
		p.Qos = pk.FixedHeader.Qos
		p.Dup = pk.FixedHeader.Dup
		p.Retain = pk.FixedHeader.Retain
		p.TopicName = pk.TopicName
		p.MessageID = pk.PacketID
		p.Payload = pk.Payload
		return p, nil
	case Puback:
		p := paho.NewControlPacket(paho.Puback).(*paho.PubackPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Pubrec:
		p := paho.NewControlPacket(paho.Pubrec).(*paho.PubrecPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Pubrel:
		p := paho.NewControlPacket(paho.Pubrel).(*paho.PubrelPacket)
		p.MessageID = pk.PacketID
		p.Dup = pk.FixedHeader.Dup
		return p, nil
	case Pubcomp:
		p := paho.NewControlPacket(paho.Pubcomp).(*paho.PubcompPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Subscribe:
		p := paho.NewControlPacket(paho.Subscribe).(*paho.SubscribePacket)
		p.MessageID = pk.PacketID
		for _, sub := range pk.Filters {
			p.Topics = append(p.Topics, sub.Filter)
			p.Qoss = append(p.Qoss, sub.Qos)
		}
		return p, nil
	case Suback:
		p := paho.NewControlPacket(paho.Suback).(*paho.SubackPacket)
		p.MessageID = pk.PacketID
		p.ReturnCodes = pk.ReasonCodes
		return p, nil
	case Unsubscribe:
		p := paho.NewControlPacket(paho.Unsubscribe).(*paho.UnsubscribePacket)
		p.MessageID = pk.PacketID
		for _, sub := range pk.Filters {
			p.Topics = append(p.Topics, sub.Filter)
		}
		return p, nil
	case Unsuback:
		p := paho.NewControlPacket(paho.Unsuback).(*paho.UnsubackPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Pingreq:
		return paho.NewControlPacket(paho.Pingreq), nil
	case Pingresp:
		return paho.NewControlPacket(paho.Pingresp), nil
	case Disconnect:
		return paho.NewControlPacket(paho.Disconnect), nil
	}

	return nil, ErrProtocolViolationUnknownPacket
}

// Write encodes the packet to w.
func (pk Packet) Write(w io.Writer) error {
	cp, err := pk.ToControlPacket()
	if err != nil {
		return err
	}

	return cp.Write(w)
}

func fixedHeader(fh paho.FixedHeader) FixedHeader {
	return FixedHeader{
		Type:   fh.MessageType,
		Dup:    fh.Dup,
		Qos:    fh.Qos,
		Retain: fh.Retain,
	}
}
