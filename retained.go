// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sort"
	"strings"
	"sync"
)

// RetainedMessage is the last message published to a topic with the retain flag set.
type RetainedMessage struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	Created int64  `json:"created"`
	Qos     byte   `json:"qos"`
}

// RetainedStore is a concurrency safe map of retained messages keyed on topic name.
type RetainedStore struct {
	internal map[string]RetainedMessage
	sync.RWMutex
}

// NewRetainedStore returns a new instance of RetainedStore.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{
		internal: map[string]RetainedMessage{},
	}
}

// Store saves a retained message for its topic, replacing any existing message.
// A message with an empty payload clears the topic instead. Returns 1 if a message
// was stored, -1 if an existing message was cleared, and 0 if there was nothing to clear.
func (r *RetainedStore) Store(msg RetainedMessage) int64 {
	r.Lock()
	defer r.Unlock()

	if len(msg.Payload) > 0 {
		r.internal[msg.Topic] = msg
		return 1
	}

	if _, ok := r.internal[msg.Topic]; !ok {
		return 0
	}

	delete(r.internal, msg.Topic)
	return -1
}

// Get returns the retained message for a topic.
func (r *RetainedStore) Get(topic string) (RetainedMessage, bool) {
	r.RLock()
	defer r.RUnlock()
	msg, ok := r.internal[topic]
	return msg, ok
}

// Len returns the number of retained messages.
func (r *RetainedStore) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.internal)
}

// Match returns all retained messages on topics matching a filter, ordered by topic.
func (r *RetainedStore) Match(filter string) []RetainedMessage {
	r.RLock()
	defer r.RUnlock()

	var msgs []RetainedMessage
	if !strings.ContainsAny(filter, "+#") {
		if msg, ok := r.internal[filter]; ok {
			msgs = append(msgs, msg)
		}
		return msgs
	}

	for topic, msg := range r.internal {
		if MatchTopic(filter, topic) {
			msgs = append(msgs, msg)
		}
	}

	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Topic < msgs[j].Topic
	})

	return msgs
}
