// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 J. Blake / mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"strings"
	"sync"

	"github.com/tidemq/tide/packets"
)

var (
	SysPrefix = "$SYS" // the prefix indicating a system info topic
)

// Subscriptions is a map of subscriptions keyed on client.
type Subscriptions struct {
	internal map[string]packets.Subscription
	sync.RWMutex
}

// NewSubscriptions returns a new instance of Subscriptions.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		internal: map[string]packets.Subscription{},
	}
}

// Add adds a new subscription for a client. ID can be a filter in the
// case this map is session state, or a client id if particle state.
func (s *Subscriptions) Add(id string, val packets.Subscription) {
	s.Lock()
	defer s.Unlock()
	s.internal[id] = val
}

// GetAll returns all subscriptions.
func (s *Subscriptions) GetAll() map[string]packets.Subscription {
	s.RLock()
	defer s.RUnlock()
	m := make(map[string]packets.Subscription, len(s.internal))
	for k, v := range s.internal {
		m[k] = v
	}
	return m
}

// Get returns a subscription for a specific client or filter id.
func (s *Subscriptions) Get(id string) (val packets.Subscription, ok bool) {
	s.RLock()
	defer s.RUnlock()
	val, ok = s.internal[id]
	return val, ok
}

// Len returns the number of subscriptions.
func (s *Subscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// Delete removes a subscription by client or filter id.
func (s *Subscriptions) Delete(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, id)
}

// Subscribers contains the subscribers matching a topic, keyed on client id. Where a
// client holds several matching filters, the highest qos is kept.
type Subscribers struct {
	Subscriptions map[string]packets.Subscription
}

// TopicsIndex is a prefix tree of topic filter subscriptions. Each level of a
// filter is a particle, and the + and # wildcards are stored as ordinary children
// so that a topic can be resolved by walking at most three branches per level.
type TopicsIndex struct {
	root *particle
}

// NewTopicsIndex returns a pointer to a new instance of TopicsIndex.
func NewTopicsIndex() *TopicsIndex {
	return &TopicsIndex{
		root: &particle{
			particles:     newParticles(),
			subscriptions: NewSubscriptions(),
		},
	}
}

// Subscribe adds a new subscription for a client to a topic filter, returning
// true if the subscription was new.
func (x *TopicsIndex) Subscribe(client string, subscription packets.Subscription) bool {
	x.root.Lock()
	defer x.root.Unlock()

	n := x.set(subscription.Filter, 0)
	_, existed := n.subscriptions.Get(client)
	n.subscriptions.Add(client, subscription)

	return !existed
}

// Unsubscribe removes a subscription filter for a client, returning true if the
// subscription existed.
func (x *TopicsIndex) Unsubscribe(filter, client string) bool {
	x.root.Lock()
	defer x.root.Unlock()

	particle := x.seek(filter, 0)
	if particle == nil {
		return false
	}

	_, existed := particle.subscriptions.Get(client)
	particle.subscriptions.Delete(client)
	x.trim(particle)

	return existed
}

// set creates a topic address in the index and returns the final particle.
func (x *TopicsIndex) set(topic string, d int) *particle {
	var key string
	var hasNext = true
	n := x.root
	for hasNext {
		key, hasNext = isolateParticle(topic, d)
		d++

		p := n.particles.get(key)
		if p == nil {
			p = newParticle(key, n)
			n.particles.add(p)
		}
		n = p
	}

	return n
}

// seek finds the particle at a specific index in a topic filter.
func (x *TopicsIndex) seek(filter string, d int) *particle {
	var key string
	var hasNext = true
	n := x.root
	for hasNext {
		key, hasNext = isolateParticle(filter, d)
		n = n.particles.get(key)
		d++
		if n == nil {
			return nil
		}
	}

	return n
}

// trim removes empty filter particles from the index.
func (x *TopicsIndex) trim(n *particle) {
	for n.parent != nil && n.particles.len()+n.subscriptions.Len() == 0 {
		key := n.key
		n = n.parent
		n.particles.delete(key)
	}
}

// Subscribers returns a map of clients who are subscribed to filters matching
// the topic, with the highest qos of any of their matching filters.
func (x *TopicsIndex) Subscribers(topic string) *Subscribers {
	return x.scanSubscribers(topic, 0, nil, &Subscribers{
		Subscriptions: map[string]packets.Subscription{},
	})
}

// scanSubscribers returns a list of client subscriptions matching an indexed topic address.
func (x *TopicsIndex) scanSubscribers(topic string, d int, n *particle, subs *Subscribers) *Subscribers {
	if n == nil {
		n = x.root
	}

	if len(topic) == 0 {
		return subs
	}

	key, hasNext := isolateParticle(topic, d)
	for _, partKey := range []string{key, "+", "#"} {
		particle := n.particles.get(partKey)
		if particle == nil {
			continue
		}

		if partKey == "#" {
			x.gatherSubscriptions(topic, particle, subs)
			continue
		}

		if !hasNext {
			x.gatherSubscriptions(topic, particle, subs)
			if wild := particle.particles.get("#"); wild != nil {
				x.gatherSubscriptions(topic, wild, subs) // filter/# also matches filter
			}
			continue
		}

		x.scanSubscribers(topic, d+1, particle, subs)
	}

	return subs
}

// gatherSubscriptions collects any matching subscriptions, keeping the highest qos
// value for each client.
func (x *TopicsIndex) gatherSubscriptions(topic string, particle *particle, subs *Subscribers) {
	for client, sub := range particle.subscriptions.GetAll() {
		if topic[0] == '$' && len(sub.Filter) > 0 && (sub.Filter[0] == '+' || sub.Filter[0] == '#') {
			continue // $ topics are not matched by top level wildcards
		}

		cls, ok := subs.Subscriptions[client]
		if !ok {
			cls = sub
		}

		subs.Subscriptions[client] = cls.Merge(sub)
	}
}

// isolateParticle extracts a particle between d / and d+1 / without allocations.
func isolateParticle(filter string, d int) (particle string, hasNext bool) {
	var next, end int
	for i := 0; end > -1 && i <= d; i++ {
		end = strings.IndexRune(filter, '/')

		switch {
		case d > -1 && i == d && end > -1:
			hasNext = true
			particle = filter[next:end]
		case end > -1:
			hasNext = false
			filter = filter[end+1:]
		default:
			hasNext = false
			particle = filter[next:]
		}
	}

	return
}

// MatchTopic returns true if a topic name matches a topic filter. + matches exactly
// one level and # matches the parent level and any number of trailing levels.
// Topics beginning with $ are not matched by filters beginning with a wildcard.
func MatchTopic(filter, topic string) bool {
	if len(filter) == 0 || len(topic) == 0 {
		return false
	}

	if topic[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, level := range fl {
		if level == "#" {
			return i == len(fl)-1
		}

		if i >= len(tl) {
			return false
		}

		if level != "+" && level != tl[i] {
			return false
		}
	}

	return len(fl) == len(tl)
}

// IsValidFilter returns true if the filter is valid. When forPublish is true, the
// filter is treated as a topic name and may not contain wildcards.
func IsValidFilter(filter string, forPublish bool) bool {
	if len(filter) == 0 || len(filter) > 65535 {
		return false
	}

	if strings.ContainsRune(filter, 0) {
		return false
	}

	if forPublish {
		return !strings.ContainsAny(filter, "+#")
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.ContainsRune(level, '#') && (level != "#" || i != len(levels)-1) {
			return false
		}

		if strings.ContainsRune(level, '+') && level != "+" {
			return false
		}
	}

	return true
}

// particle is a child node on the tree.
type particle struct {
	key           string         // the key of the particle
	parent        *particle      // a pointer to the parent of the particle
	particles     particles      // a map of child particles
	subscriptions *Subscriptions // a map of subscriptions made by clients to this ending address
	sync.Mutex                   // mutex for when making changes to the particle
}

// newParticle returns a pointer to a new instance of particle.
func newParticle(key string, parent *particle) *particle {
	return &particle{
		key:           key,
		parent:        parent,
		particles:     newParticles(),
		subscriptions: NewSubscriptions(),
	}
}

// particles is a concurrency safe map of particles.
type particles struct {
	internal map[string]*particle
	sync.RWMutex
}

// newParticles returns a map of particles.
func newParticles() particles {
	return particles{
		internal: map[string]*particle{},
	}
}

// add adds a new particle.
func (p *particles) add(val *particle) {
	p.Lock()
	p.internal[val.key] = val
	p.Unlock()
}

// get returns a particle by id (key).
func (p *particles) get(id string) *particle {
	p.RLock()
	defer p.RUnlock()
	return p.internal[id]
}

// len returns the number of particles.
func (p *particles) len() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.internal)
}

// delete removes a particle.
func (p *particles) delete(id string) {
	p.Lock()
	defer p.Unlock()
	delete(p.internal, id)
}
