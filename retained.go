// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package broker

import (
	"sync"

	"github.com/mochi-core/broker/trie"
)

// RetainedStore holds the most recently retained message for each topic,
// kept inside a trie.Trie the same way the subscription index is, per
// spec.md §4.4. It contains no entry with an empty payload.
type RetainedStore struct {
	mu    sync.RWMutex
	index *trie.Trie[Message]
	count int
}

// NewRetainedStore returns an empty retained-message store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{index: trie.Empty[Message](nil)}
}

// Publish stores or deletes a retained message per spec.md §3/§4.4: a
// non-empty payload replaces any existing entry at msg.Topic; an empty
// payload deletes it. Reports whether the store changed.
func (s *RetainedStore) Publish(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	topic := string(msg.Topic)
	if msg.DeleteRetainedSentinel() {
		removed := s.index.Delete(topic)
		if removed {
			s.count--
		}
		return removed
	}

	_, existed := s.index.Get(topic)
	s.index.Insert(topic, msg.Clone())
	if !existed {
		s.count++
	}
	return true
}

// Match returns every retained message whose topic matches filter, for
// replay to a new subscriber.
func (s *RetainedStore) Match(filter TopicFilter) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.MatchFilter(string(filter))
}

// Count returns the number of retained messages currently stored.
func (s *RetainedStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
