// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"sync"
)

// QueueOverflowPolicy decides what happens when a message is queued for a session
// whose offline queue is already at capacity.
type QueueOverflowPolicy string

const (
	DropNewest QueueOverflowPolicy = "drop_newest" // refuse the incoming message
	DropOldest QueueOverflowPolicy = "drop_oldest" // evict the message at the head of the queue
)

var (
	// ErrQueueFull indicates a message was refused because the session queue is at capacity.
	ErrQueueFull = errors.New("session queue is full")
)

// MessageKind tags the variant held by an EnqueuedMessage.
type MessageKind byte

const (
	KindPublish MessageKind = iota // a publish awaiting delivery or acknowledgement
	KindPubRel                     // a pubrel which must be (re)sent for a packet id
)

// EnqueuedMessage is a message held in a session's offline queue or inflight window.
// It is either a publish (KindPublish) or a marker indicating that a PUBREL must be
// sent for PacketID (KindPubRel).
type EnqueuedMessage struct {
	Topic    string      `json:"topic,omitempty"`
	Payload  []byte      `json:"payload,omitempty"`
	Created  int64       `json:"created"`
	Sent     int64       `json:"sent,omitempty"`    // the last time the message was transmitted, unixnano
	Seq      uint64      `json:"seq"`               // queue position, used for storage ordering
	Resends  int         `json:"resends,omitempty"` // the number of retransmissions
	PacketID uint16      `json:"packetId,omitempty"`
	Kind     MessageKind `json:"kind"`
	Qos      byte        `json:"qos,omitempty"`
	Retain   bool        `json:"retain,omitempty"`
}

// NewPublishedMessage returns a publish variant of EnqueuedMessage.
func NewPublishedMessage(topic string, qos byte, payload []byte, retain bool) EnqueuedMessage {
	return EnqueuedMessage{
		Kind:    KindPublish,
		Topic:   topic,
		Qos:     qos,
		Payload: payload,
		Retain:  retain,
	}
}

// NewPubRelMarker returns a marker indicating a PUBREL is owed for packetID.
func NewPubRelMarker(packetID uint16) EnqueuedMessage {
	return EnqueuedMessage{
		Kind:     KindPubRel,
		PacketID: packetID,
	}
}

// IsPubRel returns true if the message is a PUBREL marker.
func (m EnqueuedMessage) IsPubRel() bool {
	return m.Kind == KindPubRel
}

// Queue is a FIFO of messages which have not yet been delivered to a session.
type Queue interface {
	Push(m EnqueuedMessage)
	Peek() (EnqueuedMessage, bool)
	Pop() (EnqueuedMessage, bool)
	Len() int
	Clear() []EnqueuedMessage
	Messages() []EnqueuedMessage
}

// QueueFactory creates the queue for a client id.
type QueueFactory func(clientID string) Queue

// MemoryQueue is an in-memory Queue.
type MemoryQueue struct {
	internal []EnqueuedMessage
	sync.Mutex
}

// NewMemoryQueue returns a new MemoryQueue. It satisfies QueueFactory.
func NewMemoryQueue(_ string) Queue {
	return &MemoryQueue{
		internal: []EnqueuedMessage{},
	}
}

// Push appends a message to the tail of the queue.
func (q *MemoryQueue) Push(m EnqueuedMessage) {
	q.Lock()
	defer q.Unlock()
	q.internal = append(q.internal, m)
}

// Peek returns the message at the head of the queue without removing it.
func (q *MemoryQueue) Peek() (EnqueuedMessage, bool) {
	q.Lock()
	defer q.Unlock()
	if len(q.internal) == 0 {
		return EnqueuedMessage{}, false
	}

	return q.internal[0], true
}

// Pop removes and returns the message at the head of the queue.
func (q *MemoryQueue) Pop() (EnqueuedMessage, bool) {
	q.Lock()
	defer q.Unlock()
	if len(q.internal) == 0 {
		return EnqueuedMessage{}, false
	}

	m := q.internal[0]
	q.internal[0] = EnqueuedMessage{}
	q.internal = q.internal[1:]
	if len(q.internal) == 0 {
		q.internal = []EnqueuedMessage{} // release the backing array
	}

	return m, true
}

// Len returns the number of queued messages.
func (q *MemoryQueue) Len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.internal)
}

// Clear empties the queue and returns the discarded messages.
func (q *MemoryQueue) Clear() []EnqueuedMessage {
	q.Lock()
	defer q.Unlock()
	old := q.internal
	q.internal = []EnqueuedMessage{}
	return old
}

// Messages returns a copy of the queued messages in order.
func (q *MemoryQueue) Messages() []EnqueuedMessage {
	q.Lock()
	defer q.Unlock()
	return append([]EnqueuedMessage{}, q.internal...)
}
