// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package broker

import "strings"

// SysPrefix is the prefix reserved for system topics ($SYS/...), which must
// not match a leading '+' or '#' in a subscriber's filter. [MQTT-4.7.2]
const SysPrefix = "$SYS"

// TopicFilter is a subscription pattern: a sequence of '/'-separated
// segments, each a literal, '+' (single-level wildcard), or a terminal '#'
// (multi-level wildcard, valid only as the final segment).
type TopicFilter string

// Segments splits the filter into its '/'-separated parts.
func (f TopicFilter) Segments() []string {
	return strings.Split(string(f), "/")
}

// Valid reports whether f is a well-formed topic filter: non-empty
// segments, and '#' appearing only as the last segment.
func (f TopicFilter) Valid() bool {
	if len(f) == 0 {
		return false
	}
	segs := f.Segments()
	for i, seg := range segs {
		if seg == "" {
			return false
		}
		if strings.ContainsRune(seg, '#') && (seg != "#" || i != len(segs)-1) {
			return false
		}
		if strings.ContainsRune(seg, '+') && seg != "+" {
			return false
		}
	}
	return true
}

// FilterSubscription pairs a topic filter with the QoS a client requested
// for it, used as the argument to Session.Subscribe.
type FilterSubscription struct {
	Filter TopicFilter
	QoS    QoS
}

// TopicFilterSet is a set of topic filters used for permission checks
// (publish/subscribe/retain permissions on a Principal).
type TopicFilterSet map[TopicFilter]struct{}

// NewTopicFilterSet builds a TopicFilterSet from the given filters.
func NewTopicFilterSet(filters ...TopicFilter) TopicFilterSet {
	s := make(TopicFilterSet, len(filters))
	for _, f := range filters {
		s[f] = struct{}{}
	}
	return s
}
