// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	SessionKey      = "SES" // unique key to denote Sessions in a store
	SubscriptionKey = "SUB" // unique key to denote Subscriptions in a store
	RetainedKey     = "RET" // unique key to denote retained messages in a store
	InflightKey     = "IFM" // unique key to denote inflight messages in a store
	QueuedKey       = "QUE" // unique key to denote session queue messages in a store
)

// clientSep ends the client id within a record key. Client ids cannot contain it, so
// the prefix for one client never matches the records of another.
const clientSep = "\x00"

var (
	// ErrDBFileNotOpen indicates that the file database (e.g. bolt/badger) wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")
)

// SessionStoreKey returns a primary key for a session.
func SessionStoreKey(client string) string {
	return SessionKey + "_" + client
}

// SubscriptionStoreKey returns a primary key for a subscription.
func SubscriptionStoreKey(client, filter string) string {
	return SubscriptionKey + "_" + client + clientSep + filter
}

// RetainedStoreKey returns a primary key for a retained message.
func RetainedStoreKey(topic string) string {
	return RetainedKey + "_" + topic
}

// InflightStoreKey returns a primary key for an inflight message.
func InflightStoreKey(client string, packetID uint16) string {
	return fmt.Sprintf("%s_%s%s%05d", InflightKey, client, clientSep, packetID)
}

// QueuedStoreKey returns a primary key for a queued message. Keys for one client sort
// in queue order.
func QueuedStoreKey(client string, seq uint64) string {
	return fmt.Sprintf("%s_%s%s%020d", QueuedKey, client, clientSep, seq)
}

// ClientPrefix returns the key prefix shared by all records of a type for a client.
func ClientPrefix(t, client string) string {
	return t + "_" + client + clientSep
}

// Session is a storable representation of a persistent session.
type Session struct {
	Will     *Will  `json:"will,omitempty"`     // the will message, if any
	Username []byte `json:"username,omitempty"` // the username the session connected with
	ID       string `json:"id"`                 // the client id / storage key
	T        string `json:"t"`                  // the data type (session)
	Clean    bool   `json:"clean"`              // if the client requested a clean session
}

// Will is a storable will message.
type Will struct {
	Payload []byte `json:"payload,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Qos     byte   `json:"qos,omitempty"`
	Retain  bool   `json:"retain,omitempty"`
}

// MarshalBinary encodes the values into a json string.
func (d Session) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Session) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Message is a storable representation of a retained, inflight or queued message.
type Message struct {
	Payload  []byte `json:"payload"`             // the message payload
	T        string `json:"t,omitempty"`         // the data type
	ID       string `json:"id,omitempty"`        // the storage key
	Client   string `json:"client,omitempty"`    // the client id the message is for
	Topic    string `json:"topic,omitempty"`     // the topic the message was sent to
	Created  int64  `json:"created,omitempty"`   // the time the message was created in unixtime
	Sent     int64  `json:"sent,omitempty"`      // the last time the message was sent, unixnano (if inflight)
	Seq      uint64 `json:"seq,omitempty"`       // the queue position of the message
	Resends  int    `json:"resends,omitempty"`   // the number of times the message was retransmitted
	PacketID uint16 `json:"packet_id,omitempty"` // the unique id of the packet (if inflight)
	Kind     byte   `json:"kind,omitempty"`      // publish (0) or pubrel marker (1)
	Qos      byte   `json:"qos,omitempty"`
	Retain   bool   `json:"retain,omitempty"`
}

// MarshalBinary encodes the values into a json string.
func (d Message) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Message) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Subscription is a storable representation of a subscription.
type Subscription struct {
	T      string `json:"t,omitempty"`
	ID     string `json:"id,omitempty"`
	Client string `json:"client,omitempty"`
	Filter string `json:"filter"`
	Qos    byte   `json:"qos"`
}

// MarshalBinary encodes the values into a json string.
func (d Subscription) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Subscription) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}
