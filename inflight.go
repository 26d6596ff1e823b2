// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package broker

// freePool is the free packet-identifier pool described in spec.md §3,
// initially [0 .. max-1] in order and handed out FIFO.
type freePool struct {
	ids []PacketID
}

func newFreePool(max int) freePool {
	ids := make([]PacketID, max)
	for i := range ids {
		ids[i] = PacketID(i)
	}
	return freePool{ids: ids}
}

func (p *freePool) take() (PacketID, bool) {
	if len(p.ids) == 0 {
		return 0, false
	}
	id := p.ids[0]
	p.ids = p.ids[1:]
	return id, true
}

func (p *freePool) release(id PacketID) {
	p.ids = append(p.ids, id)
}

func (p *freePool) len() int {
	return len(p.ids)
}

// pidRegister tracks a map of packet-id → in-flight Message together with
// the order identifiers were added, so resumption can re-emit them in the
// order spec.md §4.2 requires.
type pidRegister struct {
	order []PacketID
	byPID map[PacketID]Message
}

func newPIDRegister() pidRegister {
	return pidRegister{byPID: map[PacketID]Message{}}
}

func (r *pidRegister) set(pid PacketID, msg Message) {
	if _, exists := r.byPID[pid]; !exists {
		r.order = append(r.order, pid)
	}
	r.byPID[pid] = msg
}

func (r *pidRegister) delete(pid PacketID) (Message, bool) {
	msg, ok := r.byPID[pid]
	if !ok {
		return Message{}, false
	}
	delete(r.byPID, pid)
	for i, p := range r.order {
		if p == pid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return msg, true
}

func (r *pidRegister) get(pid PacketID) (Message, bool) {
	m, ok := r.byPID[pid]
	return m, ok
}

func (r *pidRegister) len() int {
	return len(r.byPID)
}

func (r *pidRegister) ordered() []PacketID {
	out := make([]PacketID, len(r.order))
	copy(out, r.order)
	return out
}

// pidSet tracks an ordered set of packet-ids with no associated payload,
// used for the "released" (awaiting PUBCOMP) register.
type pidSet struct {
	order []PacketID
	has   map[PacketID]struct{}
}

func newPIDSet() pidSet {
	return pidSet{has: map[PacketID]struct{}{}}
}

func (s *pidSet) add(pid PacketID) {
	if _, exists := s.has[pid]; exists {
		return
	}
	s.has[pid] = struct{}{}
	s.order = append(s.order, pid)
}

func (s *pidSet) remove(pid PacketID) bool {
	if _, ok := s.has[pid]; !ok {
		return false
	}
	delete(s.has, pid)
	for i, p := range s.order {
		if p == pid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *pidSet) contains(pid PacketID) bool {
	_, ok := s.has[pid]
	return ok
}

func (s *pidSet) len() int {
	return len(s.has)
}

func (s *pidSet) ordered() []PacketID {
	out := make([]PacketID, len(s.order))
	copy(out, s.order)
	return out
}
