// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package broker implements the in-memory session and subscription engine
// of an MQTT 3.1.1 broker core: sessions, the topic trie, the retained
// store, and the broker coordinator that routes publishes between them.
// Transport plumbing, the wire codec, the CLI, and the authentication
// backend itself are out of scope; the core consumes decoded packets and
// calls the Authenticator collaborator described in authenticator.go.
package broker

import (
	"strings"

	"github.com/jinzhu/copier"
)

// QoS is an MQTT quality-of-service level.
type QoS byte

const (
	QoS0 QoS = 0 // at-most-once
	QoS1 QoS = 1 // at-least-once
	QoS2 QoS = 2 // exactly-once
)

// NoPacketID is the sentinel packet identifier used on outbound QoS 0
// publishes, which carry no identifier.
const NoPacketID int32 = -1

// PacketID is a 16-bit value used by QoS 1 and QoS 2 to correlate
// acknowledgements. It is stored as int32 so NoPacketID can be represented
// out of band of the valid 0..65535 range.
type PacketID = int32

// TopicName is a non-empty, wildcard-free, '/'-separated sequence of
// non-empty segments, e.g. "a/b/c".
type TopicName string

// Segments splits the topic into its '/'-separated parts.
func (t TopicName) Segments() []string {
	return strings.Split(string(t), "/")
}

// Valid reports whether t is a well-formed topic name: non-empty, no empty
// segments, and free of the '+' and '#' wildcard characters.
func (t TopicName) Valid() bool {
	if len(t) == 0 {
		return false
	}
	for _, seg := range t.Segments() {
		if seg == "" {
			return false
		}
		if strings.ContainsAny(seg, "+#") {
			return false
		}
	}
	return true
}

// Message is an MQTT application message routed through the broker.
type Message struct {
	Topic   TopicName
	QoS     QoS
	Retain  bool
	Payload []byte
}

// DeleteRetainedSentinel reports whether m is a retained publish whose
// empty payload means "delete the retained message at this topic" per
// spec.md §3: such a message never enters the retained store.
func (m Message) DeleteRetainedSentinel() bool {
	return m.Retain && len(m.Payload) == 0
}

// Clone returns a deep copy of m, so the broker can hold a message
// independently of whatever buffer the caller reuses. copier.Copy handles
// the scalar fields; Payload is cloned by hand since copier assigns slice
// fields by reference rather than copying the backing array.
func (m Message) Clone() Message {
	var out Message
	_ = copier.Copy(&out, &m)

	if m.Payload != nil {
		out.Payload = make([]byte, len(m.Payload))
		copy(out.Payload, m.Payload)
	}
	return out
}
