// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

// ring is a fixed-capacity circular buffer of events. The oldest entry
// is overwritten once the ring is full. Not safe for concurrent use;
// callers hold the topic lock.
type ring struct {
	buf   []Event
	head  int // index of the oldest entry
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
}

// oldestSeq returns the sequence number of the oldest retained event,
// or 0 when the ring is empty.
func (r *ring) oldestSeq() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.buf[r.head].Seq
}

// since returns all retained events with Seq > after, in order.
func (r *ring) since(after uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.head+i)%len(r.buf)]
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out
}

// latest returns the newest retained event, or nil.
func (r *ring) latest() *Event {
	if r.count == 0 {
		return nil
	}
	e := r.buf[(r.head+r.count-1)%len(r.buf)]
	return &e
}
