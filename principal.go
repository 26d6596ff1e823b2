// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package broker

import (
	"github.com/jinzhu/copier"

	"github.com/mochi-core/broker/trie"
)

// Quota bounds the resources a single principal's sessions may consume,
// per spec.md §3.
type Quota struct {
	MaxIdleSessionTTL    int64 // seconds a persistent session may sit disconnected
	MaxPacketSize        uint32
	MaxPacketIdentifiers int // cap on concurrent in-flight outbound QoS 1/2 messages
	MaxQueueSizeQoS0     int
	MaxQueueSizeQoS1     int
	MaxQueueSizeQoS2     int
}

// DefaultQuota returns reasonable defaults, in the spirit of the teacher's
// NewDefaultServerCapabilities.
func DefaultQuota() Quota {
	return Quota{
		MaxIdleSessionTTL:    3600,
		MaxPacketSize:        0,
		MaxPacketIdentifiers: 8192,
		MaxQueueSizeQoS0:     1024,
		MaxQueueSizeQoS1:     1024,
		MaxQueueSizeQoS2:     1024,
	}
}

// Principal is the authenticated identity behind a connection: its quota
// and the topic-filter sets that gate what it may publish, subscribe to,
// and retain.
type Principal struct {
	ID                   string
	Username             string
	Quota                Quota
	PublishPermissions   TopicFilterSet
	SubscribePermissions TopicFilterSet
	RetainPermissions    TopicFilterSet
}

// Clone returns a deep copy of p, so a Session can hold its own snapshot of
// the principal independent of any mutation to the authenticator's records.
// copier.Copy handles the scalar fields; the three permission sets are
// copied by hand since copier assigns map fields by reference rather than
// cloning them.
func (p Principal) Clone() Principal {
	var out Principal
	_ = copier.Copy(&out, &p)

	out.PublishPermissions = cloneFilterSet(p.PublishPermissions)
	out.SubscribePermissions = cloneFilterSet(p.SubscribePermissions)
	out.RetainPermissions = cloneFilterSet(p.RetainPermissions)
	return out
}

func cloneFilterSet(s TopicFilterSet) TopicFilterSet {
	out := make(TopicFilterSet, len(s))
	for f := range s {
		out[f] = struct{}{}
	}
	return out
}

// compiledPermissions turns a Principal's three filter sets into tries so
// that CanPublish/CanSubscribe/CanRetain checks reuse the same
// wildcard-matching machinery as the subscription index and retained
// store, rather than re-deriving filter coverage rules by hand.
type compiledPermissions struct {
	publish   *trie.Trie[struct{}]
	subscribe *trie.Trie[struct{}]
	retain    *trie.Trie[struct{}]
}

func compilePermissions(p Principal) compiledPermissions {
	publish := trie.Empty[struct{}](nil)
	for f := range p.PublishPermissions {
		publish.Insert(string(f), struct{}{})
	}

	subscribe := trie.Empty[struct{}](nil)
	for f := range p.SubscribePermissions {
		subscribe.Insert(string(f), struct{}{})
	}

	retain := trie.Empty[struct{}](nil)
	for f := range p.RetainPermissions {
		retain.Insert(string(f), struct{}{})
	}

	return compiledPermissions{publish: publish, subscribe: subscribe, retain: retain}
}

// canPublish reports whether topic is covered by at least one publish
// permission filter.
func (c compiledPermissions) canPublish(topic TopicName) bool {
	return c.publish.MatchAny(string(topic))
}

// canRetain reports whether topic is covered by at least one retain
// permission filter.
func (c compiledPermissions) canRetain(topic TopicName) bool {
	return c.retain.MatchAny(string(topic))
}

// canSubscribe reports whether filter is covered by at least one
// subscribe permission filter — walking the permission trie using
// filter's own segments (including any '+'/'#' it carries) so that, e.g.,
// a granted "a/#" covers a requested "a/+/c" but a granted "a/+/c" does
// not cover a requested "a/#".
func (c compiledPermissions) canSubscribe(filter TopicFilter) bool {
	return c.subscribe.MatchAny(string(filter))
}
