// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemq/tide/packets"
)

// newConnectedSession returns a session in the connected state bound to a mock connection.
func newConnectedSession(t *testing.T, o *ops, id string) (*Session, *mockConn) {
	t.Helper()
	sess := newSession(id, NewMemoryQueue(id), o)
	conn := newMockConn(id)
	require.True(t, sess.casStatus(StatusDisconnected, StatusConnecting))
	sess.bind(conn)
	require.True(t, sess.casStatus(StatusConnecting, StatusConnected))
	return sess, conn
}

func TestSessionStatusString(t *testing.T) {
	require.Equal(t, "disconnected", StatusDisconnected.String())
	require.Equal(t, "connecting", StatusConnecting.String())
	require.Equal(t, "connected", StatusConnected.String())
	require.Equal(t, "disconnecting", StatusDisconnecting.String())
	require.Equal(t, "unknown", SessionStatus(9).String())
}

func TestSessionCasStatus(t *testing.T) {
	sess := newSession("c1", NewMemoryQueue("c1"), newTestOps())
	require.Equal(t, StatusDisconnected, sess.Status())
	require.False(t, sess.casStatus(StatusConnected, StatusDisconnecting))
	require.True(t, sess.casStatus(StatusDisconnected, StatusConnecting))
	require.Equal(t, StatusConnecting, sess.Status())
}

func TestSessionWill(t *testing.T) {
	sess := newSession("c1", NewMemoryQueue("c1"), newTestOps())
	_, ok := sess.Will()
	require.False(t, ok)

	sess.setConnectParams(false, &Will{Topic: "lwt", Payload: []byte("bye")}, []byte("u"))
	will, ok := sess.Will()
	require.True(t, ok)
	require.Equal(t, "lwt", will.Topic)
	require.Equal(t, []byte("u"), sess.Username())
	require.False(t, sess.Clean())

	sess.ClearWill()
	_, ok = sess.Will()
	require.False(t, ok)
}

func TestSendPublishQos0(t *testing.T) {
	sess, conn := newConnectedSession(t, newTestOps(), "c1")
	sess.SendPublish("a/b", 0, []byte("hi"), false)

	pks := conn.Publishes()
	require.Len(t, pks, 1)
	require.Equal(t, byte(0), pks[0].FixedHeader.Qos)
	require.Equal(t, uint16(0), pks[0].PacketID)
	require.Equal(t, 0, sess.Inflight.Len())
}

func TestSendPublishQos0DroppedWhenNotWritable(t *testing.T) {
	sess, conn := newConnectedSession(t, newTestOps(), "c1")
	conn.SetBlocked(true)
	sess.SendPublish("a/b", 0, []byte("hi"), false)
	require.Len(t, conn.Packets(), 0)
	require.Equal(t, 0, sess.Queue().Len())
}

func TestSendPublishQos0DroppedWhenDisconnected(t *testing.T) {
	sess := newSession("c1", NewMemoryQueue("c1"), newTestOps())
	sess.SendPublish("a/b", 0, []byte("hi"), false)
	require.Equal(t, 0, sess.Queue().Len())
}

func TestSendPublishQos1FastPath(t *testing.T) {
	sess, conn := newConnectedSession(t, newTestOps(), "c1")
	sess.SendPublish("a/b", 1, []byte("hi"), true)

	pks := conn.Publishes()
	require.Len(t, pks, 1)
	require.Equal(t, byte(1), pks[0].FixedHeader.Qos)
	require.True(t, pks[0].FixedHeader.Retain)
	require.False(t, pks[0].FixedHeader.Dup)
	require.Equal(t, uint16(1), pks[0].PacketID)

	m, ok := sess.Inflight.Get(1)
	require.True(t, ok)
	require.Equal(t, "a/b", m.Topic)
	require.Equal(t, 9, sess.Inflight.Available())
}

func TestSendPublishQueuedWhenDisconnected(t *testing.T) {
	sess := newSession("c1", NewMemoryQueue("c1"), newTestOps())
	sess.SendPublish("a/b", 1, []byte("1"), false)
	sess.SendPublish("a/b", 2, []byte("2"), false)

	msgs := sess.Queue().Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, []byte("1"), msgs[0].Payload)
	require.Equal(t, []byte("2"), msgs[1].Payload)
	require.Less(t, msgs[0].Seq, msgs[1].Seq)
}

func TestSendPublishQueuedBehindExistingQueue(t *testing.T) {
	o := newTestOps()
	sess, conn := newConnectedSession(t, o, "c1")
	conn.SetBlocked(true)
	sess.SendPublish("a/b", 1, []byte("1"), false)
	require.Equal(t, 1, sess.Queue().Len())

	conn.SetBlocked(false)
	sess.SendPublish("a/b", 1, []byte("2"), false)
	require.Equal(t, 2, sess.Queue().Len())
	require.Len(t, conn.Publishes(), 0)

	sess.Drain()
	pks := conn.Publishes()
	require.Len(t, pks, 2)
	require.Equal(t, []byte("1"), pks[0].Payload)
	require.Equal(t, []byte("2"), pks[1].Payload)
}

func TestSendPublishQueuedWhenWindowFull(t *testing.T) {
	o := newTestOps()
	o.options.Capabilities.InflightWindow = 2
	sess, conn := newConnectedSession(t, o, "c1")

	for i := 0; i < 3; i++ {
		sess.SendPublish("a/b", 1, []byte{byte(i)}, false)
	}

	require.Len(t, conn.Publishes(), 2)
	require.Equal(t, 1, sess.Queue().Len())
	require.Equal(t, 0, sess.Inflight.Available())

	require.NoError(t, sess.OnPubAck(1))
	pks := conn.Publishes()
	require.Len(t, pks, 3)
	require.Equal(t, []byte{2}, pks[2].Payload)
	require.Equal(t, 0, sess.Queue().Len())
}

func TestOnPubAck(t *testing.T) {
	sess, _ := newConnectedSession(t, newTestOps(), "c1")
	sess.SendPublish("a/b", 1, []byte("hi"), false)
	require.Equal(t, 1, sess.Inflight.Len())

	require.NoError(t, sess.OnPubAck(1))
	require.Equal(t, 0, sess.Inflight.Len())
	require.Equal(t, 10, sess.Inflight.Available())
	require.ErrorIs(t, sess.OnPubAck(1), packets.ErrPacketIdentifierNotFound)
}

func TestOnPubAckWrongPhase(t *testing.T) {
	sess, _ := newConnectedSession(t, newTestOps(), "c1")
	sess.SendPublish("a/b", 2, []byte("hi"), false)
	require.NoError(t, sess.OnPubRec(1))
	require.ErrorIs(t, sess.OnPubAck(1), packets.ErrPacketIdentifierNotFound)
}

func TestQos2OutboundFlow(t *testing.T) {
	sess, conn := newConnectedSession(t, newTestOps(), "c1")
	sess.SendPublish("a/b", 2, []byte("hi"), false)
	require.Len(t, conn.Publishes(), 1)

	require.ErrorIs(t, sess.OnPubComp(1), packets.ErrPacketIdentifierNotFound)

	require.NoError(t, sess.OnPubRec(1))
	m, ok := sess.Inflight.Get(1)
	require.True(t, ok)
	require.True(t, m.IsPubRel())
	require.Equal(t, 1, sess.Inflight.Len())

	rels := conn.OfType(packets.Pubrel)
	require.Len(t, rels, 1)
	require.Equal(t, uint16(1), rels[0].PacketID)

	// a duplicate pubrec repeats the pubrel without changing the window
	require.NoError(t, sess.OnPubRec(1))
	require.Len(t, conn.OfType(packets.Pubrel), 2)
	require.Equal(t, 1, sess.Inflight.Len())

	require.NoError(t, sess.OnPubComp(1))
	require.Equal(t, 0, sess.Inflight.Len())
	require.Equal(t, 10, sess.Inflight.Available())
}

func TestOnPubRecUnknown(t *testing.T) {
	sess, _ := newConnectedSession(t, newTestOps(), "c1")
	require.ErrorIs(t, sess.OnPubRec(5), packets.ErrPacketIdentifierNotFound)
}

func TestRetransmitSetsDup(t *testing.T) {
	o := newTestOps()
	sess, conn := newConnectedSession(t, o, "c1")
	sess.SendPublish("a/b", 1, []byte("hi"), false)

	sess.Retransmit(time.Now())
	require.Len(t, conn.Publishes(), 1)

	sess.Retransmit(time.Now().Add(o.options.Capabilities.RetryDelay() + time.Second))
	pks := conn.Publishes()
	require.Len(t, pks, 2)
	require.True(t, pks[1].FixedHeader.Dup)
	require.Equal(t, pks[0].PacketID, pks[1].PacketID)

	m, ok := sess.Inflight.Get(pks[0].PacketID)
	require.True(t, ok)
	require.Equal(t, 1, m.Resends)
}

func TestRetransmitPubRel(t *testing.T) {
	o := newTestOps()
	sess, conn := newConnectedSession(t, o, "c1")
	sess.SendPublish("a/b", 2, []byte("hi"), false)
	require.NoError(t, sess.OnPubRec(1))

	sess.Retransmit(time.Now().Add(o.options.Capabilities.RetryDelay() + time.Second))
	require.Len(t, conn.OfType(packets.Pubrel), 2)
	require.Len(t, conn.Publishes(), 1)
}

func TestRetransmitAfterAckIsNoop(t *testing.T) {
	o := newTestOps()
	sess, conn := newConnectedSession(t, o, "c1")
	sess.SendPublish("a/b", 1, []byte("hi"), false)
	require.NoError(t, sess.OnPubAck(1))

	sess.Retransmit(time.Now().Add(o.options.Capabilities.RetryDelay() + time.Second))
	require.Len(t, conn.Publishes(), 1)
}

func TestRetransmitDisconnectedKeepsInflight(t *testing.T) {
	o := newTestOps()
	sess, conn := newConnectedSession(t, o, "c1")
	sess.SendPublish("a/b", 1, []byte("hi"), false)
	sess.unbind()

	sess.Retransmit(time.Now().Add(o.options.Capabilities.RetryDelay() + time.Second))
	require.Len(t, conn.Publishes(), 1)
	require.Equal(t, 1, sess.Inflight.Len())
}

func TestRetransmitMaximumRetries(t *testing.T) {
	o := newTestOps()
	o.options.Capabilities.MaximumRetries = 2
	o.options.Capabilities.InflightWindow = 1
	sess, conn := newConnectedSession(t, o, "c1")

	sess.SendPublish("a/b", 1, []byte("1"), false)
	sess.SendPublish("a/b", 1, []byte("2"), false)
	require.Equal(t, 1, sess.Queue().Len())

	now := time.Now()
	for i := 1; i <= 3; i++ {
		now = now.Add(o.options.Capabilities.RetryDelay() + time.Second)
		sess.Retransmit(now)
	}

	// two resends of the first message, then it is dropped and the second is sent
	pks := conn.Publishes()
	require.Len(t, pks, 4)
	require.Equal(t, []byte("1"), pks[2].Payload)
	require.Equal(t, []byte("2"), pks[3].Payload)
	require.Equal(t, 0, sess.Queue().Len())
	require.Equal(t, 1, sess.Inflight.Len())
}

func TestResendInflight(t *testing.T) {
	sess, conn := newConnectedSession(t, newTestOps(), "c1")
	sess.SendPublish("a/b", 1, []byte("1"), false)
	sess.SendPublish("a/b", 2, []byte("2"), false)
	require.NoError(t, sess.OnPubRec(2))
	conn.Take()

	sess.ResendInflight()
	pks := conn.Packets()
	require.Len(t, pks, 2)
	require.Equal(t, packets.Publish, pks[0].FixedHeader.Type)
	require.True(t, pks[0].FixedHeader.Dup)
	require.Equal(t, packets.Pubrel, pks[1].FixedHeader.Type)
}

func TestQueueOverflowDropNewest(t *testing.T) {
	o := newTestOps()
	o.options.Capabilities.MaximumQueuedMessages = 2
	sess := newSession("c1", NewMemoryQueue("c1"), o)

	for i := 0; i < 3; i++ {
		sess.SendPublish("a/b", 1, []byte{byte(i)}, false)
	}

	msgs := sess.Queue().Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, []byte{0}, msgs[0].Payload)
	require.Equal(t, []byte{1}, msgs[1].Payload)
}

func TestQueueOverflowDropOldest(t *testing.T) {
	o := newTestOps()
	o.options.Capabilities.MaximumQueuedMessages = 2
	o.options.Capabilities.QueueOverflowPolicy = DropOldest
	sess := newSession("c1", NewMemoryQueue("c1"), o)

	for i := 0; i < 3; i++ {
		sess.SendPublish("a/b", 1, []byte{byte(i)}, false)
	}

	msgs := sess.Queue().Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, []byte{1}, msgs[0].Payload)
	require.Equal(t, []byte{2}, msgs[1].Payload)
}

func TestQueueOverflowPubRelNeverEvicted(t *testing.T) {
	o := newTestOps()
	o.options.Capabilities.MaximumQueuedMessages = 1
	o.options.Capabilities.QueueOverflowPolicy = DropOldest
	sess := newSession("c1", NewMemoryQueue("c1"), o)

	sess.deliver.Lock()
	sess.enqueue(NewPubRelMarker(4))
	sess.deliver.Unlock()

	sess.SendPublish("a/b", 1, []byte("x"), false)
	msgs := sess.Queue().Messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsPubRel())
}

func TestReceiveQos2Once(t *testing.T) {
	sess, conn := newConnectedSession(t, newTestOps(), "c1")
	m := NewPublishedMessage("a/b", 2, []byte("hi"), false)

	require.True(t, sess.ReceivePublishQos2(3, m))
	require.False(t, sess.ReceivePublishQos2(3, m))
	require.Equal(t, 1, sess.Receiving())
	require.Len(t, conn.OfType(packets.Pubrec), 2)

	got, ok := sess.ReceivePubRel(3)
	require.True(t, ok)
	require.Equal(t, "a/b", got.Topic)

	_, ok = sess.ReceivePubRel(3)
	require.False(t, ok)
	require.Len(t, conn.OfType(packets.Pubcomp), 2)
	require.Equal(t, 0, sess.Receiving())
}

func TestInflightWindowNeverExceeded(t *testing.T) {
	o := newTestOps()
	o.options.Capabilities.InflightWindow = 4
	sess, conn := newConnectedSession(t, o, "c1")

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				sess.SendPublish("a/b", 1, []byte(fmt.Sprintf("%d-%d", p, i)), false)
				assert.LessOrEqual(t, sess.Inflight.Len(), 4)
			}
		}(p)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		acked := 0
		for acked < 200 {
			for _, m := range sess.Inflight.GetAll() {
				if sess.OnPubAck(m.PacketID) == nil {
					acked++
				}
				assert.LessOrEqual(t, sess.Inflight.Len(), 4)
			}
		}
	}()

	wg.Wait()
	require.Equal(t, 0, sess.Inflight.Len())
	require.Equal(t, 0, sess.Queue().Len())
	require.Len(t, conn.Publishes(), 200)
}

func TestPacketIDsSkipInUse(t *testing.T) {
	sess, _ := newConnectedSession(t, newTestOps(), "c1")
	sess.deliver.Lock()
	sess.packetID = 65534
	sess.deliver.Unlock()

	sess.SendPublish("a/b", 1, []byte("1"), false)
	sess.SendPublish("a/b", 1, []byte("2"), false)
	sess.SendPublish("a/b", 1, []byte("3"), false)

	_, ok := sess.Inflight.Get(65535)
	require.True(t, ok)
	_, ok = sess.Inflight.Get(1)
	require.True(t, ok)
	_, ok = sess.Inflight.Get(2)
	require.True(t, ok)
}

func TestSessionReset(t *testing.T) {
	sess, _ := newConnectedSession(t, newTestOps(), "c1")
	sess.Subscriptions.Add("a/#", packets.Subscription{Filter: "a/#", Qos: 1})
	sess.SendPublish("a/b", 1, []byte("1"), false)
	sess.ReceivePublishQos2(1, NewPublishedMessage("x", 2, nil, false))
	sess.unbind()
	sess.SendPublish("a/b", 1, []byte("2"), false)

	filters := sess.reset()
	require.Equal(t, []string{"a/#"}, filters)
	require.Equal(t, 0, sess.Inflight.Len())
	require.Equal(t, 0, sess.Queue().Len())
	require.Equal(t, 0, sess.Receiving())
	require.Equal(t, 0, sess.Subscriptions.Len())
}

func TestRestoreInflightAndQueued(t *testing.T) {
	o := newTestOps()
	o.options.Capabilities.InflightWindow = 1
	sess := newSession("c1", NewMemoryQueue("c1"), o)

	sess.restoreQueued(EnqueuedMessage{Topic: "c", Qos: 1, Seq: 40})
	sess.restoreInflight(EnqueuedMessage{Topic: "a", Qos: 1, PacketID: 9})
	sess.restoreInflight(EnqueuedMessage{Topic: "b", Qos: 1, PacketID: 10})

	require.Equal(t, 1, sess.Inflight.Len())
	msgs := sess.Queue().Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "c", msgs[0].Topic)
	require.Equal(t, "b", msgs[1].Topic)
	require.Equal(t, uint64(41), msgs[1].Seq)
	require.Equal(t, uint64(41), sess.seq.Load())

	sess.SendPublish("d", 1, nil, false)
	last := sess.Queue().Messages()[2]
	require.Equal(t, uint64(42), last.Seq)

	sess.deliver.Lock()
	require.Equal(t, uint32(10), sess.packetID)
	sess.deliver.Unlock()
}

func TestNextPacketIDSkipsQueuedPubRel(t *testing.T) {
	o := newTestOps()
	o.options.Capabilities.InflightWindow = 1
	sess, conn := newConnectedSession(t, o, "c1")

	sess.restoreInflight(EnqueuedMessage{Topic: "a", Qos: 2, PacketID: 1})
	sess.restoreInflight(NewPubRelMarker(2))
	require.Equal(t, 1, sess.Queue().Len())

	sess.deliver.Lock()
	sess.packetID = 1
	require.Equal(t, uint16(3), sess.nextPacketID())
	sess.deliver.Unlock()

	require.NoError(t, sess.OnPubRec(1))
	require.NoError(t, sess.OnPubComp(1))

	m, ok := sess.Inflight.Get(2)
	require.True(t, ok)
	require.True(t, m.IsPubRel())
	require.Equal(t, 0, sess.Queue().Len())
	require.Equal(t, packets.Pubrel, conn.Packets()[len(conn.Packets())-1].FixedHeader.Type)

	sess.deliver.Lock()
	sess.packetID = 1
	require.Equal(t, uint16(3), sess.nextPacketID())
	sess.deliver.Unlock()
	require.Empty(t, sess.queuedRel)
}
