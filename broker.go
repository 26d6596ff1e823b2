// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"

	"github.com/mochi-core/broker/trie"
)

// Version is reported via Stats.RegisterPrometheusMetrics' build_info
// gauge.
const Version = "0.1.0"

// BrokerOptions configures a Broker's collaborators, analogous to the
// teacher's server Options.
type BrokerOptions struct {
	Authenticator Authenticator
	Logger        *slog.Logger
}

// Broker coordinates sessions, the subscription index and the retained
// store, per spec.md §4.1. All exported methods are safe for concurrent
// use.
type Broker struct {
	mu       sync.RWMutex
	sessions map[string]*Session // by session id
	byClient map[string]string   // client id -> current session id, for displacement
	subs     *trie.Trie[map[string]QoS]

	retained *RetainedStore
	auth     Authenticator
	log      *slog.Logger
	stats    Stats
}

// NewBroker constructs a Broker. A nil Authenticator rejects every
// connection attempt.
func NewBroker(opts BrokerOptions) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broker{
		sessions: map[string]*Session{},
		byClient: map[string]string{},
		subs:     trie.Empty[map[string]QoS](nil),
		retained: NewRetainedStore(),
		auth:     opts.Authenticator,
		log:      logger,
	}
	return b
}

// RegisterMetrics registers the broker's prometheus metrics against
// registry, for collection by the embedding process.
func (b *Broker) RegisterMetrics(registry prometheus.Registerer) {
	b.stats.RegisterPrometheusMetrics(registry, Version)
}

// Stats returns a point-in-time snapshot of the broker's counters.
func (b *Broker) Stats() Snapshot {
	return b.stats.Snapshot()
}

// Connect authenticates request and establishes or resumes a Session for
// it, per spec.md §4.1/§6. If clean is false and a persistent session from
// a prior connection exists for the resolved principal's client identifier,
// it is resumed (its subscriptions and in-flight state survive, and every
// outbound message still awaiting acknowledgement is replayed with the
// Duplicate flag, per spec.md §4.2); otherwise a fresh Session is created.
// Displacement: if the client identifier is already connected, the
// existing session is terminated first, per spec.md's
// single-active-connection-per-client rule. The returned ServerPacket is
// the CONNACK: SessionPresent reports whether a persistent session was
// resumed, ReturnCode is ReturnAccepted on success or one of
// ReturnServerUnavailable/ReturnNotAuthorized on rejection, in which case
// the returned *Session is nil.
func (b *Broker) Connect(ctx context.Context, req ConnectionRequest, cancel context.CancelFunc) (*Session, ServerPacket) {
	if b.auth == nil {
		return nil, ServerPacket{Kind: ServerConnectionAcknowledged, ReturnCode: ReturnServerUnavailable}
	}

	principalID, ok, err := b.auth.Authenticate(ctx, req)
	if err != nil {
		b.log.Error("authenticate failed", "client", req.ClientIdentifier, "error", err)
		return nil, ServerPacket{Kind: ServerConnectionAcknowledged, ReturnCode: ReturnServerUnavailable}
	}
	if !ok {
		return nil, ServerPacket{Kind: ServerConnectionAcknowledged, ReturnCode: ReturnNotAuthorized}
	}

	principal, ok := b.auth.GetPrincipal(ctx, principalID)
	if !ok {
		return nil, ServerPacket{Kind: ServerConnectionAcknowledged, ReturnCode: ReturnNotAuthorized}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existingID, ok := b.byClient[req.ClientIdentifier]; ok {
		if existing, ok := b.sessions[existingID]; ok {
			existing.Close()
			if existing.CleanSession {
				b.removeSessionLocked(existingID)
			}
		}
	}

	var session *Session
	var resumed *Session
	if !req.CleanSession {
		if existingID, ok := b.byClient[req.ClientIdentifier]; ok {
			resumed = b.sessions[existingID]
		}
	}

	id := xid.New().String()
	hooks := SessionHooks{OnOverflow: b.onSessionOverflow}

	if resumed != nil {
		resumed.cancel = cancel
		resumed.closed = false
		resumed.notify = make(chan struct{}, 1)
		delete(b.sessions, resumed.ID)
		resumed.ID = id
		session = resumed
	} else {
		session = NewSession(id, principal, req.CleanSession, hooks, cancel)
	}

	b.sessions[id] = session
	b.byClient[req.ClientIdentifier] = id
	session.ClientID = req.ClientIdentifier
	b.stats.setSessionsActive(int64(len(b.sessions)))

	if resumed != nil {
		for filter, qos := range session.Subscriptions() {
			b.insertSubLocked(filter, id, qos)
		}
		session.replayResumed()
	}

	return session, ServerPacket{Kind: ServerConnectionAcknowledged, SessionPresent: resumed != nil, ReturnCode: ReturnAccepted}
}

// Disconnect closes a session. A clean session is removed together with
// its subscriptions, queues and in-flight state. A persistent session is
// kept for later resumption and its subscription index entries stay live
// while it is disconnected: messages routed to it accumulate in the
// Session's own bounded queues (see Session.EnqueueMessage) and are
// delivered once it is resumed.
func (b *Broker) Disconnect(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	session, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	session.Close()

	if session.CleanSession {
		b.removeSessionLocked(sessionID)
	}
}

func (b *Broker) removeSessionLocked(sessionID string) {
	session, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	for filter := range session.Subscriptions() {
		b.removeSubLocked(filter, sessionID)
	}
	delete(b.sessions, sessionID)
	if b.byClient[session.ClientID] == sessionID {
		delete(b.byClient, session.ClientID)
	}
	b.stats.setSessionsActive(int64(len(b.sessions)))
}

func (b *Broker) onSessionOverflow(sessionID string) {
	b.log.Warn("session overflow, terminating", "session", sessionID)
	// OnOverflow runs with the session's mutex held and Disconnect locks it
	// again, so Disconnect runs on its own goroutine.
	go b.Disconnect(sessionID)
}

func (b *Broker) insertSubLocked(filter TopicFilter, sessionID string, qos QoS) {
	existing, ok := b.subs.Get(string(filter))
	if !ok {
		existing = map[string]QoS{}
		b.stats.setSubscriptions(b.stats.subscriptions + 1)
	} else {
		clone := make(map[string]QoS, len(existing))
		for k, v := range existing {
			clone[k] = v
		}
		existing = clone
	}
	existing[sessionID] = qos
	b.subs.Insert(string(filter), existing)
}

func (b *Broker) removeSubLocked(filter TopicFilter, sessionID string) {
	existing, ok := b.subs.Get(string(filter))
	if !ok {
		return
	}
	if _, present := existing[sessionID]; !present {
		return
	}
	clone := make(map[string]QoS, len(existing))
	for k, v := range existing {
		if k != sessionID {
			clone[k] = v
		}
	}
	if len(clone) == 0 {
		b.subs.Delete(string(filter))
		b.stats.setSubscriptions(b.stats.subscriptions - 1)
		return
	}
	b.subs.Insert(string(filter), clone)
}

// Subscribe installs filter at qos for sessionID under pid, replays
// matching retained messages, and leaves a ServerSubscribeAcknowledged
// control packet on the session's Dequeue output, per spec.md §4.2/§4.3/
// §4.4.
func (b *Broker) Subscribe(sessionID string, pid PacketID, filter TopicFilter, qos QoS) GrantedQoS {
	b.mu.Lock()
	session, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return GrantedQoS{Granted: false}
	}
	b.mu.Unlock()

	granted := session.Subscribe(pid, []FilterSubscription{{Filter: filter, QoS: qos}}, b.retained)[0]
	if granted.Granted {
		b.mu.Lock()
		b.insertSubLocked(filter, sessionID, qos)
		b.mu.Unlock()
	}
	return granted
}

// Unsubscribe removes filter from sessionID's subscriptions under pid,
// leaving a ServerUnsubscribeAcknowledged control packet on the session's
// Dequeue output.
func (b *Broker) Unsubscribe(sessionID string, pid PacketID, filter TopicFilter) bool {
	b.mu.Lock()
	session, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}

	present := session.Unsubscribe(pid, []TopicFilter{filter})[0]
	if !present {
		return false
	}

	b.mu.Lock()
	b.removeSubLocked(filter, sessionID)
	b.mu.Unlock()
	return true
}

// Publish routes msg to every matching subscriber and updates the retained
// store if msg.Retain is set, per spec.md §4.1/§4.3/§4.4. The publishing
// session's own permission to publish on msg.Topic must already have been
// checked by the caller (ProcessPublish/ProcessPublishReceived do this for
// inbound publishes) — Publish itself performs no permission check so that
// release-time fan-out, which reuses this path, is not subject to the
// original publisher's permissions a second time. Retained-message replay
// on subscribe does not go through Publish; Session.Subscribe enqueues it.
func (b *Broker) Publish(ctx context.Context, msg Message) {
	b.stats.incPublished()

	if msg.Retain {
		b.retained.Publish(msg)
		b.stats.setRetained(int64(b.retained.Count()))
	}

	b.mu.RLock()
	matches := b.subs.Match(string(msg.Topic))
	recipients := map[string]QoS{}
	for _, m := range matches {
		for sessionID, qos := range m {
			if existing, ok := recipients[sessionID]; !ok || qos > existing {
				recipients[sessionID] = qos
			}
		}
	}
	sessions := make([]*Session, 0, len(recipients))
	qosBySession := make(map[*Session]QoS, len(recipients))
	for sessionID, qos := range recipients {
		if s, ok := b.sessions[sessionID]; ok {
			sessions = append(sessions, s)
			qosBySession[s] = qos
		}
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		delivered := msg.Clone()
		delivered.Retain = false
		if qos := qosBySession[s]; qos < delivered.QoS {
			delivered.QoS = qos
		}
		s.EnqueueMessage(delivered)
		b.stats.incDelivered()
	}
}

// ProcessPublish handles an inbound PUBLISH at QoS0 or QoS1 from sessionID:
// msg.Topic is checked against the publisher's publish permission before
// fanning out, per spec.md §4.2's "apply publishPermissions and fan out
// via Broker.publishDownstream". QoS1 additionally leaves a
// ServerPublishAcknowledged control packet on the session's Dequeue
// output. QoS2 inbound publishes go through ProcessPublishReceived
// instead, since they defer fan-out to the release half of the handshake.
func (b *Broker) ProcessPublish(ctx context.Context, sessionID string, pid PacketID, msg Message) bool {
	b.mu.RLock()
	session, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if !session.CanPublish(msg.Topic) {
		return false
	}

	if msg.QoS == QoS1 {
		session.ProcessPublish(pid)
	}
	b.Publish(ctx, msg)
	return true
}

// ProcessPublishReceived handles an inbound QoS2 PUBLISH from sessionID:
// msg.Topic is checked against the publisher's publish permission, the
// message is recorded pending release, and a ServerPublishReceived control
// packet is left on the session's Dequeue output. Fan-out is deferred to
// ProcessPublishRelease, per spec.md §4.2's two-phase QoS2 inbound path.
func (b *Broker) ProcessPublishReceived(sessionID string, pid PacketID, msg Message) bool {
	b.mu.RLock()
	session, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if !session.CanPublish(msg.Topic) {
		return false
	}

	session.ProcessPublishReceived(pid, msg)
	return true
}

// ProcessPublishRelease completes the inbound QoS2 handshake for sessionID:
// the pending message is fetched from the session (which also leaves a
// ServerPublishComplete control packet on its Dequeue output) and routed
// via Publish.
func (b *Broker) ProcessPublishRelease(ctx context.Context, sessionID string, pid PacketID) bool {
	b.mu.RLock()
	session, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	msg, ok := session.ProcessPublishRelease(pid)
	if !ok {
		return false
	}
	b.Publish(ctx, msg)
	return true
}

// Session looks up a live session by id.
func (b *Broker) Session(sessionID string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[sessionID]
	return s, ok
}

// SessionCount reports the number of sessions currently registered.
func (b *Broker) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}
