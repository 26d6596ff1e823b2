// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package broker

import (
	"context"
	"sync"
)

// SessionHooks lets a Session report events to its owner without importing
// the Broker back (avoiding an import cycle), mirroring the teacher's Hooks
// dispatcher pattern but scoped down to the callbacks a Session needs.
type SessionHooks struct {
	// OnOverflow is called when an outbound queue, or the packet-identifier
	// pool, overflows and the session must be terminated (spec.md §4.2/§7
	// QoS1/QoS2 hard overflow).
	OnOverflow func(sessionID string)
}

// Session is the per-client state machine described in spec.md §4.2: queued
// outbound messages, in-flight packet identifiers, and the subscription
// filters currently held, guarded by a single mutex since every operation
// touches overlapping state.
type Session struct {
	mu sync.Mutex

	ID           string
	ClientID     string
	PrincipalID  string
	CleanSession bool

	principal Principal
	perms     compiledPermissions

	subs map[TopicFilter]QoS

	// control holds subscribe/unsubscribe acks, publish acks/receives/
	// releases/completes and ping responses, per spec.md §4.2's "three
	// ordered output queues plus a control-packet queue" and drains ahead
	// of every publish queue within a single Dequeue call.
	control []ServerPacket

	queueQoS0 []Message
	queueQoS1 []Message
	queueQoS2 []Message

	// replayQoS1/replayQoS2 hold already-pid-assigned publishes queued by
	// replayResumed for re-delivery to a resumed persistent session; they
	// drain ahead of queueQoS1/queueQoS2 so a resumed message is not
	// reordered behind freshly queued traffic.
	replayQoS1 []ServerPacket
	replayQoS2 []ServerPacket

	pids           freePool
	unacknowledged pidRegister // outbound QoS1, awaiting PUBACK
	unreleased     pidRegister // outbound QoS2, awaiting PUBREC
	released       pidSet      // outbound QoS2, PUBREC received, awaiting PUBCOMP

	inboundQoS2 map[PacketID]Message // inbound QoS2, PUBLISH received, awaiting PUBREL

	notify chan struct{}
	cancel context.CancelFunc

	hooks SessionHooks

	closed bool
}

// NewSession constructs a fresh Session for principal, with clean dictating
// whether Subscribe state survives disconnection (spec.md §4.2).
func NewSession(id string, principal Principal, clean bool, hooks SessionHooks, cancel context.CancelFunc) *Session {
	return &Session{
		ID:             id,
		PrincipalID:    principal.ID,
		CleanSession:   clean,
		principal:      principal,
		perms:          compilePermissions(principal),
		subs:           map[TopicFilter]QoS{},
		pids:           newFreePool(principal.Quota.MaxPacketIdentifiers),
		unacknowledged: newPIDRegister(),
		unreleased:     newPIDRegister(),
		released:       newPIDSet(),
		inboundQoS2:    map[PacketID]Message{},
		notify:         make(chan struct{}, 1),
		cancel:         cancel,
		hooks:          hooks,
	}
}

// wake signals any blocked Dequeue without blocking itself, the
// condition-variable-via-buffered-channel idiom used throughout the core.
func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// terminate marks the session closed and reports the overflow, called with
// s.mu held.
func (s *Session) terminate() {
	if s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.hooks.OnOverflow != nil {
		s.hooks.OnOverflow(s.ID)
	}
	s.wake()
}

// enqueueControlLocked appends pkt to the control queue and wakes any
// blocked Dequeue. s.mu must already be held.
func (s *Session) enqueueControlLocked(pkt ServerPacket) {
	s.control = append(s.control, pkt)
	s.wake()
}

// EnqueueMessage appends msg to the session's outbound queue for its QoS,
// per spec.md §4.2's per-QoS overflow policy: QoS0 drops the oldest queued
// message to make room (a ring buffer), while QoS1/QoS2 overflow (the
// queue-depth cap, or no free packet identifier left for the message) is
// fatal to the session since silently dropping an acknowledged-delivery
// message would violate the protocol's guarantee. A closed clean session
// drops msg; a closed persistent session keeps queueing it for delivery
// after resumption.
func (s *Session) EnqueueMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && s.CleanSession {
		return
	}

	switch msg.QoS {
	case QoS0:
		s.queueQoS0 = append(s.queueQoS0, msg)
		if max := s.principal.Quota.MaxQueueSizeQoS0; max > 0 && len(s.queueQoS0) > max {
			s.queueQoS0 = s.queueQoS0[len(s.queueQoS0)-max:]
		}
	case QoS1:
		if max := s.principal.Quota.MaxQueueSizeQoS1; max > 0 && len(s.queueQoS1) >= max {
			s.terminate()
			return
		}
		if s.pids.len() <= len(s.queueQoS1)+len(s.queueQoS2) {
			s.terminate()
			return
		}
		s.queueQoS1 = append(s.queueQoS1, msg)
	case QoS2:
		if max := s.principal.Quota.MaxQueueSizeQoS2; max > 0 && len(s.queueQoS2) >= max {
			s.terminate()
			return
		}
		if s.pids.len() <= len(s.queueQoS1)+len(s.queueQoS2) {
			s.terminate()
			return
		}
		s.queueQoS2 = append(s.queueQoS2, msg)
	}
	s.wake()
}

// Dequeue blocks until a packet is ready to send or ctx is done. Control
// packets drain first, then replayed (resumed) publishes, then fresh
// publishes in QoS2, QoS1, QoS0 order, matching the design note in
// spec.md §4.2/§9 that acknowledgements and resumed redeliveries must not
// be starved or reordered behind a burst of fresh traffic. Assigning a
// fresh packet identifier moves a message into the corresponding in-flight
// register for QoS1/QoS2. A closed session returns ok=false without
// draining anything still queued.
func (s *Session) Dequeue(ctx context.Context) (ServerPacket, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ServerPacket{}, false
		}
		if pkt, ok := s.tryDequeueLocked(); ok {
			s.mu.Unlock()
			return pkt, true
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return ServerPacket{}, false
		}

		select {
		case <-ctx.Done():
			return ServerPacket{}, false
		case <-s.notify:
		}
	}
}

func (s *Session) tryDequeueLocked() (ServerPacket, bool) {
	if len(s.control) > 0 {
		pkt := s.control[0]
		s.control = s.control[1:]
		return pkt, true
	}
	if len(s.replayQoS2) > 0 {
		pkt := s.replayQoS2[0]
		s.replayQoS2 = s.replayQoS2[1:]
		return pkt, true
	}
	if len(s.queueQoS2) > 0 {
		msg := s.queueQoS2[0]
		pid, ok := s.pids.take()
		if !ok {
			// Packet-identifier exhaustion is a hard overflow, the same as
			// a queue-depth cap: the session cannot make further progress
			// without violating the in-flight delivery guarantee.
			s.terminate()
			return ServerPacket{}, false
		}
		s.queueQoS2 = s.queueQoS2[1:]
		s.unreleased.set(pid, msg)
		return ServerPacket{Kind: ServerPublish, PacketID: pid, Message: msg}, true
	}
	if len(s.replayQoS1) > 0 {
		pkt := s.replayQoS1[0]
		s.replayQoS1 = s.replayQoS1[1:]
		return pkt, true
	}
	if len(s.queueQoS1) > 0 {
		msg := s.queueQoS1[0]
		pid, ok := s.pids.take()
		if !ok {
			s.terminate()
			return ServerPacket{}, false
		}
		s.queueQoS1 = s.queueQoS1[1:]
		s.unacknowledged.set(pid, msg)
		return ServerPacket{Kind: ServerPublish, PacketID: pid, Message: msg}, true
	}
	if len(s.queueQoS0) > 0 {
		msg := s.queueQoS0[0]
		s.queueQoS0 = s.queueQoS0[1:]
		return ServerPacket{Kind: ServerPublish, PacketID: NoPacketID, Message: msg}, true
	}
	return ServerPacket{}, false
}

// replayResumed re-enqueues every outbound in-flight message for a resumed
// persistent session, per spec.md §4.2: pids still awaiting PUBACK/PUBREC
// are re-queued at the head of their QoS output with the Duplicate flag
// set and their already-assigned packet identifier (no pid is taken from
// the free pool for these); pids already awaiting PUBCOMP are re-emitted
// as ServerPublishRelease control packets. Ordering within each class is
// preserved.
func (s *Session) replayResumed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pid := range s.unacknowledged.ordered() {
		msg, _ := s.unacknowledged.get(pid)
		s.replayQoS1 = append(s.replayQoS1, ServerPacket{Kind: ServerPublish, PacketID: pid, Message: msg, Duplicate: true})
	}
	for _, pid := range s.unreleased.ordered() {
		msg, _ := s.unreleased.get(pid)
		s.replayQoS2 = append(s.replayQoS2, ServerPacket{Kind: ServerPublish, PacketID: pid, Message: msg, Duplicate: true})
	}
	for _, pid := range s.released.ordered() {
		s.enqueueControlLocked(ServerPacket{Kind: ServerPublishRelease, PacketID: pid})
	}
}

// Subscribe installs filters for pid, checking subscribePermissions for
// each and replaying matching retained messages for every permitted
// filter, per spec.md §4.2. The permission check happens under lock so a
// concurrent permission revocation cannot race a subscribe. A single
// ServerSubscribeAcknowledged control packet is enqueued with one grant
// per filter, Granted=false meaning permission was denied for that filter.
// Retained-message replay happens after the lock is released, since
// EnqueueMessage takes the same mutex.
func (s *Session) Subscribe(pid PacketID, subs []FilterSubscription, retained *RetainedStore) []GrantedQoS {
	s.mu.Lock()
	granted := make([]GrantedQoS, len(subs))
	for i, f := range subs {
		if !f.Filter.Valid() || !s.perms.canSubscribe(f.Filter) {
			granted[i] = GrantedQoS{Granted: false}
			continue
		}
		s.subs[f.Filter] = f.QoS
		granted[i] = GrantedQoS{QoS: f.QoS, Granted: true}
	}
	s.enqueueControlLocked(ServerPacket{Kind: ServerSubscribeAcknowledged, PacketID: pid, Granted: granted})
	s.mu.Unlock()

	if retained != nil {
		for i, f := range subs {
			if !granted[i].Granted {
				continue
			}
			for _, msg := range retained.Match(f.Filter) {
				delivered := msg
				if f.QoS < delivered.QoS {
					delivered.QoS = f.QoS
				}
				s.EnqueueMessage(delivered)
			}
		}
	}

	return granted
}

// Unsubscribe removes filters from the session's subscription set and
// enqueues a single ServerUnsubscribeAcknowledged control packet, per
// spec.md §4.2. The returned slice reports, per filter and in the same
// order, whether it had been present.
func (s *Session) Unsubscribe(pid PacketID, filters []TopicFilter) []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	present := make([]bool, len(filters))
	for i, f := range filters {
		if _, ok := s.subs[f]; ok {
			delete(s.subs, f)
			present[i] = true
		}
	}
	s.enqueueControlLocked(ServerPacket{Kind: ServerUnsubscribeAcknowledged, PacketID: pid})
	return present
}

// Subscriptions returns a snapshot copy of the session's current
// filter→QoS map, used by the Broker to rebuild the subscription trie.
func (s *Session) Subscriptions() map[TopicFilter]QoS {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[TopicFilter]QoS, len(s.subs))
	for f, q := range s.subs {
		out[f] = q
	}
	return out
}

// CanPublish reports whether this session's principal may publish to topic.
func (s *Session) CanPublish(topic TopicName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perms.canPublish(topic)
}

// CanRetain reports whether this session's principal may retain on topic.
func (s *Session) CanRetain(topic TopicName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perms.canRetain(topic)
}

// ProcessPublish handles an inbound QoS1 PUBLISH by enqueueing a
// ServerPublishAcknowledged (PUBACK) control packet for pid, per spec.md
// §4.2's one-phase inbound QoS1 path. Permission checking and downstream
// fan-out are the Broker's responsibility (Broker.ProcessPublish), since
// they require the subscription trie rather than anything session-local.
func (s *Session) ProcessPublish(pid PacketID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.enqueueControlLocked(ServerPacket{Kind: ServerPublishAcknowledged, PacketID: pid})
}

// ProcessPublishReceived handles an inbound QoS2 PUBLISH: the message is
// recorded pending release and a ServerPublishReceived (PUBREC) control
// packet is enqueued. This is idempotent on retransmission — a duplicate
// PUBLISH for the same pid (the Duplicate flag may be unreliable, so
// identity is keyed on packet id) simply re-records the message and
// re-emits PUBREC, since the client resending implies it never saw the
// first one.
func (s *Session) ProcessPublishReceived(pid PacketID, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.inboundQoS2[pid] = msg
	s.enqueueControlLocked(ServerPacket{Kind: ServerPublishReceived, PacketID: pid})
}

// ProcessPublishRelease handles an inbound PUBREL: it releases the pending
// QoS2 message for delivery (returned to the caller, which is responsible
// for fan-out) and enqueues the ServerPublishComplete (PUBCOMP) control
// packet. Returns ok=false if pid was unknown — a retransmitted PUBREL
// after the first PUBCOMP was already sent and acknowledged is a
// protocol-violation case per spec.md §7 and is ignored rather than
// re-acknowledged.
func (s *Session) ProcessPublishRelease(pid PacketID) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.inboundQoS2[pid]
	if !ok {
		return Message{}, false
	}
	delete(s.inboundQoS2, pid)
	s.enqueueControlLocked(ServerPacket{Kind: ServerPublishComplete, PacketID: pid})
	return msg, true
}

// ProcessPublishAcknowledged handles an inbound PUBACK for an outbound
// QoS1 message, freeing its packet identifier.
func (s *Session) ProcessPublishAcknowledged(pid PacketID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unacknowledged.delete(pid); ok {
		s.pids.release(pid)
	}
}

// ProcessPublishComplete handles an inbound PUBCOMP for an outbound QoS2
// message, freeing its packet identifier. The two-phase QoS2 handshake
// moves a pid from unreleased (awaiting PUBREC) into released (awaiting
// PUBCOMP) via MarkReceived, then out entirely here.
func (s *Session) ProcessPublishComplete(pid PacketID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released.remove(pid) {
		s.pids.release(pid)
	}
}

// MarkReceived handles an inbound PUBREC for an outbound QoS2 message:
// moves it from unreleased into released and enqueues the
// ServerPublishRelease (PUBREL) control packet to send back. Returns
// ok=false only when pid is neither awaiting PUBREC nor already released —
// a spurious PUBREC, ignored per spec.md §7. A PUBREC retransmitted after
// PUBREL was already sent re-emits PUBREL, since the client resending
// implies it never saw the first one.
func (s *Session) MarkReceived(pid PacketID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unreleased.delete(pid); !ok {
		if !s.released.contains(pid) {
			return false
		}
		s.enqueueControlLocked(ServerPacket{Kind: ServerPublishRelease, PacketID: pid})
		return true
	}
	s.released.add(pid)
	s.enqueueControlLocked(ServerPacket{Kind: ServerPublishRelease, PacketID: pid})
	return true
}

// Ping handles an inbound PINGREQ by enqueueing a ServerPingResponse
// control packet, grounded in the teacher's processPingreq handling.
func (s *Session) Ping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.enqueueControlLocked(ServerPacket{Kind: ServerPingResponse})
}

// Close terminates the session, waking any blocked Dequeue.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.wake()
}

// Pending reports the number of messages and control packets queued, plus
// the number currently in-flight.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.control) + len(s.queueQoS0) + len(s.queueQoS1) + len(s.queueQoS2) +
		s.unacknowledged.len() + s.unreleased.len() + s.released.len()
}
