// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func allowAllPrincipal(id string, quota Quota) Principal {
	return Principal{
		ID:                   id,
		Quota:                quota,
		PublishPermissions:   NewTopicFilterSet("#"),
		SubscribePermissions: NewTopicFilterSet("#"),
		RetainPermissions:    NewTopicFilterSet("#"),
	}
}

func newTestSession(t *testing.T, quota Quota) (*Session, context.CancelFunc) {
	t.Helper()
	_, cancel := context.WithCancel(context.Background())
	s := NewSession("sess-1", allowAllPrincipal("p1", quota), true, SessionHooks{}, cancel)
	return s, cancel
}

func TestSessionDequeueBlocksUntilEnqueue(t *testing.T) {
	s, cancel := newTestSession(t, DefaultQuota())
	defer cancel()

	done := make(chan ServerPacket, 1)
	go func() {
		pkt, ok := s.Dequeue(context.Background())
		require.True(t, ok)
		done <- pkt
	}()

	time.Sleep(10 * time.Millisecond)
	s.EnqueueMessage(Message{Topic: "a/b", QoS: QoS0, Payload: []byte("x")})

	select {
	case pkt := <-done:
		require.Equal(t, TopicName("a/b"), pkt.Message.Topic)
		require.Equal(t, NoPacketID, pkt.PacketID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dequeue")
	}
}

func TestSessionDequeuePrioritizesQoS2ThenQoS1ThenQoS0(t *testing.T) {
	s, cancel := newTestSession(t, DefaultQuota())
	defer cancel()

	s.EnqueueMessage(Message{Topic: "q0", QoS: QoS0})
	s.EnqueueMessage(Message{Topic: "q1", QoS: QoS1})
	s.EnqueueMessage(Message{Topic: "q2", QoS: QoS2})

	pkt, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, TopicName("q2"), pkt.Message.Topic)

	pkt, ok = s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, TopicName("q1"), pkt.Message.Topic)

	pkt, ok = s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, TopicName("q0"), pkt.Message.Topic)
}

func TestSessionQoS0OverflowDropsOldest(t *testing.T) {
	quota := DefaultQuota()
	quota.MaxQueueSizeQoS0 = 2
	s, cancel := newTestSession(t, quota)
	defer cancel()

	s.EnqueueMessage(Message{Topic: "1", QoS: QoS0})
	s.EnqueueMessage(Message{Topic: "2", QoS: QoS0})
	s.EnqueueMessage(Message{Topic: "3", QoS: QoS0})

	pkt, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, TopicName("2"), pkt.Message.Topic)

	pkt, ok = s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, TopicName("3"), pkt.Message.Topic)
}

func TestSessionQoS1OverflowTerminatesSession(t *testing.T) {
	quota := DefaultQuota()
	quota.MaxQueueSizeQoS1 = 1
	overflowed := make(chan string, 1)
	_, cancel := context.WithCancel(context.Background())
	s := NewSession("sess-overflow", allowAllPrincipal("p1", quota), true, SessionHooks{
		OnOverflow: func(id string) { overflowed <- id },
	}, cancel)

	s.EnqueueMessage(Message{Topic: "1", QoS: QoS1})
	s.EnqueueMessage(Message{Topic: "2", QoS: QoS1})

	select {
	case id := <-overflowed:
		require.Equal(t, "sess-overflow", id)
	case <-time.After(time.Second):
		t.Fatal("expected overflow callback")
	}

	_, ok := s.Dequeue(context.Background())
	require.False(t, ok)
}

func TestSessionQoS1AcknowledgeFreesPacketID(t *testing.T) {
	quota := DefaultQuota()
	quota.MaxPacketIdentifiers = 1
	s, cancel := newTestSession(t, quota)
	defer cancel()

	s.EnqueueMessage(Message{Topic: "a", QoS: QoS1})
	pkt, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.NotEqual(t, NoPacketID, pkt.PacketID)

	s.ProcessPublishAcknowledged(pkt.PacketID)

	s.EnqueueMessage(Message{Topic: "b", QoS: QoS1})
	require.Equal(t, 1, s.Pending())

	pkt2, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, TopicName("b"), pkt2.Message.Topic)
}

func TestSessionQoS2OutboundHandshake(t *testing.T) {
	s, cancel := newTestSession(t, DefaultQuota())
	defer cancel()

	s.EnqueueMessage(Message{Topic: "a", QoS: QoS2})
	pkt, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, ServerPublish, pkt.Kind)

	require.True(t, s.MarkReceived(pkt.PacketID))

	rel, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, ServerPublishRelease, rel.Kind)
	require.Equal(t, pkt.PacketID, rel.PacketID)

	s.ProcessPublishComplete(pkt.PacketID)
	require.Equal(t, 0, s.Pending())
}

func TestSessionQoS2InboundIsIdempotentOnDuplicate(t *testing.T) {
	s, cancel := newTestSession(t, DefaultQuota())
	defer cancel()

	msg := Message{Topic: "a", QoS: QoS2, Payload: []byte("hello")}
	s.ProcessPublishReceived(42, msg)
	s.ProcessPublishReceived(42, msg) // duplicate PUBLISH before PUBREL

	got, ok := s.ProcessPublishRelease(42)
	require.True(t, ok)
	require.Equal(t, msg.Payload, got.Payload)

	// a retransmitted PUBREL after PUBCOMP was already sent is harmless
	_, ok = s.ProcessPublishRelease(42)
	require.False(t, ok)
}

func TestSessionResumeReplaysUnacknowledgedWithDuplicateFlag(t *testing.T) {
	s, cancel := newTestSession(t, DefaultQuota())
	defer cancel()

	s.EnqueueMessage(Message{Topic: "a", QoS: QoS1})
	pkt, ok := s.Dequeue(context.Background())
	require.True(t, ok)

	s.replayResumed()

	resumed, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.True(t, resumed.Duplicate)
	require.Equal(t, pkt.PacketID, resumed.PacketID)
}

func TestSessionSubscribeDeniedByPermission(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	principal := Principal{ID: "p1", Quota: DefaultQuota(), SubscribePermissions: NewTopicFilterSet("a/#")}
	s := NewSession("sess-2", principal, true, SessionHooks{}, cancel)
	defer cancel()

	granted := s.Subscribe(1, []FilterSubscription{{Filter: "b/+", QoS: QoS0}}, nil)
	require.False(t, granted[0].Granted)

	granted = s.Subscribe(2, []FilterSubscription{{Filter: "a/b/c", QoS: QoS1}}, nil)
	require.True(t, granted[0].Granted)
}

func TestSessionSubscribeReplaysRetained(t *testing.T) {
	s, cancel := newTestSession(t, DefaultQuota())
	defer cancel()

	retained := NewRetainedStore()
	retained.Publish(Message{Topic: "a/b", QoS: QoS1, Retain: true, Payload: []byte("r")})

	granted := s.Subscribe(7, []FilterSubscription{{Filter: "a/+", QoS: QoS1}}, retained)
	require.True(t, granted[0].Granted)

	ack, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, ServerSubscribeAcknowledged, ack.Kind)
	require.Equal(t, PacketID(7), ack.PacketID)

	pkt, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, TopicName("a/b"), pkt.Message.Topic)
	require.Equal(t, []byte("r"), pkt.Message.Payload)
}

func TestSessionUnsubscribeRemovesFilter(t *testing.T) {
	s, cancel := newTestSession(t, DefaultQuota())
	defer cancel()

	s.Subscribe(1, []FilterSubscription{{Filter: "a/b", QoS: QoS0}}, nil)
	_, _ = s.Dequeue(context.Background()) // drain SubscribeAck

	present := s.Unsubscribe(2, []TopicFilter{"a/b"})
	require.True(t, present[0])

	present = s.Unsubscribe(3, []TopicFilter{"a/b"})
	require.False(t, present[0])
}

func TestSessionProcessPublishEnqueuesAcknowledgement(t *testing.T) {
	s, cancel := newTestSession(t, DefaultQuota())
	defer cancel()

	s.ProcessPublish(5)

	pkt, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, ServerPublishAcknowledged, pkt.Kind)
	require.Equal(t, PacketID(5), pkt.PacketID)
}

func TestSessionProcessPublishReceivedEmitsReceivedControlPacket(t *testing.T) {
	s, cancel := newTestSession(t, DefaultQuota())
	defer cancel()

	s.ProcessPublishReceived(9, Message{Topic: "a", QoS: QoS2, Payload: []byte("x")})

	pkt, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, ServerPublishReceived, pkt.Kind)
	require.Equal(t, PacketID(9), pkt.PacketID)
}

func TestSessionProcessPublishReleaseEmitsCompleteControlPacket(t *testing.T) {
	s, cancel := newTestSession(t, DefaultQuota())
	defer cancel()

	s.ProcessPublishReceived(9, Message{Topic: "a", QoS: QoS2, Payload: []byte("x")})
	_, ok := s.Dequeue(context.Background()) // drain PublishReceived
	require.True(t, ok)

	msg, ok := s.ProcessPublishRelease(9)
	require.True(t, ok)
	require.Equal(t, []byte("x"), msg.Payload)

	pkt, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, ServerPublishComplete, pkt.Kind)
	require.Equal(t, PacketID(9), pkt.PacketID)
}

func TestSessionPingEnqueuesPingResponse(t *testing.T) {
	s, cancel := newTestSession(t, DefaultQuota())
	defer cancel()

	s.Ping()

	pkt, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, ServerPingResponse, pkt.Kind)
}

func TestSessionPacketIdentifierExhaustionTerminatesSession(t *testing.T) {
	quota := DefaultQuota()
	quota.MaxPacketIdentifiers = 1
	quota.MaxQueueSizeQoS1 = 10
	overflowed := make(chan string, 1)
	_, cancel := context.WithCancel(context.Background())
	s := NewSession("sess-pid-exhaust", allowAllPrincipal("p1", quota), true, SessionHooks{
		OnOverflow: func(id string) { overflowed <- id },
	}, cancel)

	s.EnqueueMessage(Message{Topic: "1", QoS: QoS1})
	pkt, ok := s.Dequeue(context.Background())
	require.True(t, ok)
	require.NotEqual(t, NoPacketID, pkt.PacketID)

	s.EnqueueMessage(Message{Topic: "2", QoS: QoS1})

	select {
	case id := <-overflowed:
		require.Equal(t, "sess-pid-exhaust", id)
	case <-time.After(time.Second):
		t.Fatal("expected overflow callback on packet-identifier exhaustion")
	}

	_, ok = s.Dequeue(context.Background())
	require.False(t, ok)
}
