// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package packets contains the typed control packets consumed and produced by the broker core,
// and a codec bridge which reads and writes them on the wire.
package packets

import (
	"strconv"
)

// All of the valid packet types and their packet identifier.
const (
	Reserved    byte = iota
	Connect          // 1
	Connack          // 2
	Publish          // 3
	Puback           // 4
	Pubrec           // 5
	Pubrel           // 6
	Pubcomp          // 7
	Subscribe        // 8
	Suback           // 9
	Unsubscribe      // 10
	Unsuback         // 11
	Pingreq          // 12
	Pingresp         // 13
	Disconnect       // 14
)

// Protocol versions accepted by the broker.
const (
	ProtocolVersion31  byte = 3
	ProtocolVersion311 byte = 4
)

// PacketNames is a map of packet bytes to human readable names, for easier debugging.
var PacketNames = map[byte]string{
	0:  "Reserved",
	1:  "Connect",
	2:  "Connack",
	3:  "Publish",
	4:  "Puback",
	5:  "Pubrec",
	6:  "Pubrel",
	7:  "Pubcomp",
	8:  "Subscribe",
	9:  "Suback",
	10: "Unsubscribe",
	11: "Unsuback",
	12: "Pingreq",
	13: "Pingresp",
	14: "Disconnect",
}

// FixedHeader contains the values of the fixed header portion of the MQTT packet.
type FixedHeader struct {
	Type   byte `json:"type"`   // the type of the packet (PUBLISH, SUBSCRIBE, etc) from bits 7 - 4 (byte 1).
	Dup    bool `json:"dup"`    // indicates if the packet was already sent at an earlier time.
	Qos    byte `json:"qos"`    // indicates the quality of service expected.
	Retain bool `json:"retain"` // whether the message should be retained.
}

// Packet represents an MQTT packet. Instead of providing a packet interface
// variant packet structs, this is a single concrete packet type to cover all packet
// types, which allows us to take advantage of various compiler optimizations. It
// contains a combination of mqtt protocol values and internal broker control codes.
type Packet struct {
	Connect         ConnectParams // parameters for connect packets (just for organisation)
	FixedHeader     FixedHeader   // -
	TopicName       string        // publish topic
	Payload         []byte        // the packet payload bytes
	Filters         Subscriptions // a list of subscription filters and their properties (subscribe, unsubscribe)
	ReasonCodes     []byte        // one or more reason codes for multi-reason responses (suback, etc)
	ReasonCode      byte          // a reason code for a connack return
	PacketID        uint16        // packet id for the packet (publish, qos, etc)
	SessionPresent  bool          // session existed for connack
	ProtocolVersion byte          // protocol version of the client the packet belongs to
	Created         int64         // unix timestamp indicating time packet was created/received on the server
}

// ConnectParams contains packet values which are specifically related to connect packets.
type ConnectParams struct {
	WillPayload      []byte `json:"pl,omitempty"` // -
	Password         []byte `json:"p,omitempty"`  // -
	Username         []byte `json:"u,omitempty"`  // -
	ProtocolName     []byte `json:"pn,omitempty"` // -
	WillTopic        string `json:"wt,omitempty"` // -
	ClientIdentifier string `json:"ci,omitempty"` // -
	Keepalive        uint16 `json:"ka,omitempty"` // -
	WillQos          byte   `json:"wq,omitempty"` // -
	WillFlag         bool   `json:"wf,omitempty"` // -
	WillRetain       bool   `json:"wr,omitempty"` // -
	UsernameFlag     bool   `json:"-"`            // -
	PasswordFlag     bool   `json:"-"`            // -
	Clean            bool   `json:"cl,omitempty"` // CleanSession in v3.1.1
}

// Subscriptions is a slice of Subscription.
type Subscriptions []Subscription

// Subscription contains details about a client subscription to a topic filter.
type Subscription struct {
	Filter string `json:"filter"`
	Qos    byte   `json:"qos"`
}

// Merge merges a new subscription with a base subscription, preserving the highest
// qos value.
func (s Subscription) Merge(n Subscription) Subscription {
	if n.Qos > s.Qos {
		s.Qos = n.Qos
	}

	return s
}

// Copy creates a new instance of a packet, with an independently copied payload
// and filter slice. If allowTransfer is false, the packet id and dup flag are
// reset so the copy can be issued to another client.
func (pk Packet) Copy(allowTransfer bool) Packet {
	p := Packet{
		FixedHeader: FixedHeader{
			Type:   pk.FixedHeader.Type,
			Qos:    pk.FixedHeader.Qos,
			Retain: pk.FixedHeader.Retain,
		},
		Connect:         pk.Connect,
		TopicName:       pk.TopicName,
		ReasonCode:      pk.ReasonCode,
		SessionPresent:  pk.SessionPresent,
		ProtocolVersion: pk.ProtocolVersion,
		Created:         pk.Created,
	}

	if allowTransfer {
		p.PacketID = pk.PacketID
		p.FixedHeader.Dup = pk.FixedHeader.Dup
	}

	if len(pk.Payload) > 0 {
		p.Payload = append([]byte{}, pk.Payload...)
	}

	if len(pk.ReasonCodes) > 0 {
		p.ReasonCodes = append([]byte{}, pk.ReasonCodes...)
	}

	if len(pk.Filters) > 0 {
		p.Filters = append(Subscriptions{}, pk.Filters...)
	}

	return p
}

// FormatID returns the PacketID field as a decimal integer.
func (pk *Packet) FormatID() string {
	return strconv.FormatUint(uint64(pk.PacketID), 10)
}

// ValidateQos returns an error if the packet qos is not one of 0, 1 or 2, or if a
// qos > 0 packet is missing its packet id.
func (pk *Packet) ValidateQos() error {
	if pk.FixedHeader.Qos > 2 {
		return ErrProtocolViolationQosOutOfRange
	}

	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID
	}

	return nil
}
