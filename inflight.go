// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 J. Blake / mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"container/heap"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Inflight is the window of qos > 0 messages which have been sent to a client but
// not yet fully acknowledged, keyed on packet id. The window is bounded by a fixed
// number of slots, and every occupied slot is armed with a retransmission deadline.
type Inflight struct {
	sync.RWMutex
	internal map[uint16]EnqueuedMessage // internal contains the inflight messages
	expiry   map[uint16]int64           // the current retransmission deadline of each message, unixnano
	timeouts timeouts                   // deadlines ordered by time, may contain stale entries
	slots    atomic.Int32               // the number of free slots
	capacity int32                      // the maximum number of inflight messages
}

// NewInflight returns a new instance of an Inflight window with capacity slots.
func NewInflight(capacity int) *Inflight {
	i := &Inflight{
		internal: map[uint16]EnqueuedMessage{},
		expiry:   map[uint16]int64{},
		capacity: int32(capacity),
	}
	i.slots.Store(int32(capacity))
	return i
}

// Capacity returns the maximum number of messages the window can hold.
func (i *Inflight) Capacity() int {
	return int(i.capacity)
}

// Available returns the number of free slots.
func (i *Inflight) Available() int {
	return int(i.slots.Load())
}

// acquire takes a free slot, returning false if none remain.
func (i *Inflight) acquire() bool {
	for {
		n := i.slots.Load()
		if n <= 0 {
			return false
		}
		if i.slots.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// release returns a slot to the window.
func (i *Inflight) release() {
	for {
		n := i.slots.Load()
		if n >= i.capacity {
			return
		}
		if i.slots.CompareAndSwap(n, n+1) {
			return
		}
	}
}

// Occupy stores a message in a free slot and arms its retransmission deadline.
// Returns false if the window is full or the packet id is already in use.
func (i *Inflight) Occupy(m EnqueuedMessage, deadline time.Time) bool {
	i.Lock()
	defer i.Unlock()

	if _, ok := i.internal[m.PacketID]; ok {
		return false
	}

	if !i.acquire() {
		return false
	}

	i.internal[m.PacketID] = m
	i.arm(m.PacketID, deadline)
	return true
}

// Free removes a message from the window, releasing its slot.
func (i *Inflight) Free(id uint16) (EnqueuedMessage, bool) {
	i.Lock()
	defer i.Unlock()

	m, ok := i.internal[id]
	if !ok {
		return m, false
	}

	delete(i.internal, id)
	delete(i.expiry, id)
	i.release()
	return m, true
}

// Update replaces the stored message for an occupied packet id and re-arms its deadline.
func (i *Inflight) Update(m EnqueuedMessage, deadline time.Time) bool {
	i.Lock()
	defer i.Unlock()

	if _, ok := i.internal[m.PacketID]; !ok {
		return false
	}

	i.internal[m.PacketID] = m
	i.arm(m.PacketID, deadline)
	return true
}

// arm records a deadline for a packet id. The caller must hold the lock.
func (i *Inflight) arm(id uint16, deadline time.Time) {
	d := deadline.UnixNano()
	i.expiry[id] = d
	heap.Push(&i.timeouts, timeout{id: id, deadline: d})
}

// Get returns an inflight message by packet id.
func (i *Inflight) Get(id uint16) (EnqueuedMessage, bool) {
	i.RLock()
	defer i.RUnlock()
	m, ok := i.internal[id]
	return m, ok
}

// Len returns the number of occupied slots.
func (i *Inflight) Len() int {
	i.RLock()
	defer i.RUnlock()
	return len(i.internal)
}

// GetAll returns all the inflight messages, ordered by when they were sent.
func (i *Inflight) GetAll() []EnqueuedMessage {
	i.RLock()
	defer i.RUnlock()

	m := make([]EnqueuedMessage, 0, len(i.internal))
	for _, v := range i.internal {
		m = append(m, v)
	}

	sort.Slice(m, func(a, b int) bool {
		if m[a].Sent == m[b].Sent {
			return m[a].Seq < m[b].Seq
		}
		return m[a].Sent < m[b].Sent
	})

	return m
}

// Expired drains the deadline queue of every packet id whose deadline is at or
// before now. Entries for messages which have since been acknowledged or re-armed
// are discarded.
func (i *Inflight) Expired(now time.Time) []uint16 {
	i.Lock()
	defer i.Unlock()

	n := now.UnixNano()
	var ids []uint16
	for i.timeouts.Len() > 0 && i.timeouts[0].deadline <= n {
		t := heap.Pop(&i.timeouts).(timeout)
		if d, ok := i.expiry[t.id]; ok && d == t.deadline {
			delete(i.expiry, t.id)
			ids = append(ids, t.id)
		}
	}

	return ids
}

// Clear empties the window, returning the discarded messages.
func (i *Inflight) Clear() []EnqueuedMessage {
	i.Lock()
	defer i.Unlock()

	m := make([]EnqueuedMessage, 0, len(i.internal))
	for _, v := range i.internal {
		m = append(m, v)
	}

	i.internal = map[uint16]EnqueuedMessage{}
	i.expiry = map[uint16]int64{}
	i.timeouts = nil
	i.slots.Store(i.capacity)
	return m
}

// timeout is a retransmission deadline for a packet id.
type timeout struct {
	deadline int64
	id       uint16
}

// timeouts is a min-heap of deadlines.
type timeouts []timeout

func (t timeouts) Len() int           { return len(t) }
func (t timeouts) Less(a, b int) bool { return t[a].deadline < t[b].deadline }
func (t timeouts) Swap(a, b int)      { t[a], t[b] = t[b], t[a] }

func (t *timeouts) Push(x any) {
	*t = append(*t, x.(timeout))
}

func (t *timeouts) Pop() any {
	old := *t
	n := len(old)
	x := old[n-1]
	*t = old[:n-1]
	return x
}
