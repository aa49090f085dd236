// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/logger"
)

// Class separates the two delivery disciplines on a topic.
type Class string

const (
	// ClassState events are lossless per subscriber: a subscriber that
	// cannot keep up is disconnected rather than given a gap.
	ClassState Class = "state"
	// ClassLog events are lossy: under backpressure lines are dropped
	// and the gap is marked with a lines_dropped event.
	ClassLog Class = "log"
)

// Well-known event types.
const (
	EventTypeLogLines     = "log_lines"
	EventTypeLinesDropped = "lines_dropped"
	EventTypeResync       = "resync"
)

// Event is a single entry on a topic stream. Seq is monotonic per topic
// and shared between both classes. Synthetic per-subscriber events
// (lines_dropped, resync) carry Seq 0.
type Event struct {
	Topic   Topic     `json:"topic"`
	Seq     uint64    `json:"seq"`
	Class   Class     `json:"class"`
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"ts"`
}

// LogLines is the payload of log_lines events.
type LogLines struct {
	Stream string   `json:"stream,omitempty"`
	Lines  []string `json:"lines"`
}

// LinesDropped is the payload of lines_dropped marker events.
type LinesDropped struct {
	Count int `json:"count"`
}

// Resync is the payload of resync marker events, sent when a subscriber
// asks for history that has already been evicted from the rings. Latest
// carries the newest retained state event so the subscriber can rebuild
// its view before consuming the live stream.
type Resync struct {
	OldestRetained uint64 `json:"oldest_retained"`
	Latest         *Event `json:"latest,omitempty"`
}

// Options sizes the per-topic rings and subscriber channels.
type Options struct {
	StateRingSize    int
	LogRingSize      int
	SubscriberBuffer int
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{StateRingSize: 256, LogRingSize: 4096, SubscriberBuffer: 256}
}

// Bus is the event fan-out hub. Topics are created lazily on first
// publish or subscribe and never block a publisher.
type Bus struct {
	opts   Options
	mu     sync.RWMutex
	topics map[Topic]*topicState
	log    zerolog.Logger
}

type topicState struct {
	mu    sync.Mutex
	seq   uint64
	state *ring
	logs  *ring
	subs  map[*Subscription]struct{}
}

// Subscription is one observer's attachment to a topic.
type Subscription struct {
	topic        Topic
	ch           chan Event
	closeOnce    sync.Once
	closed       chan struct{}
	pendingDrops int // log lines dropped since the last delivered marker
}

// Events returns the subscriber's receive channel. It is closed when the
// subscription ends, either by Close or by falling behind on state events.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() Topic { return s.topic }

// Done is closed when the subscription has ended.
func (s *Subscription) Done() <-chan struct{} { return s.closed }

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

// NewBus creates a bus with the given ring sizes.
func NewBus(opts Options) *Bus {
	if opts.StateRingSize <= 0 {
		opts.StateRingSize = 256
	}
	if opts.LogRingSize <= 0 {
		opts.LogRingSize = 4096
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 256
	}
	return &Bus{
		opts:   opts,
		topics: make(map[Topic]*topicState),
		log:    logger.GetEventBusLogger(),
	}
}

func (b *Bus) topic(t Topic) *topicState {
	b.mu.RLock()
	ts, ok := b.topics[t]
	b.mu.RUnlock()
	if ok {
		return ts
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok = b.topics[t]; ok {
		return ts
	}
	ts = &topicState{
		state: newRing(b.opts.StateRingSize),
		logs:  newRing(b.opts.LogRingSize),
		subs:  make(map[*Subscription]struct{}),
	}
	b.topics[t] = ts
	return ts
}

// PublishState publishes a state transition on a topic. Never blocks:
// subscribers that cannot absorb the event are disconnected.
func (b *Bus) PublishState(t Topic, eventType string, payload any) uint64 {
	ts := b.topic(t)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.seq++
	e := Event{Topic: t, Seq: ts.seq, Class: ClassState, Type: eventType, Payload: payload, Time: time.Now().UTC()}
	ts.state.push(e)

	for sub := range ts.subs {
		select {
		case sub.ch <- e:
		default:
			// A subscriber that cannot keep up with state events would
			// otherwise observe a gap in a lossless stream. Disconnect it
			// and let it resubscribe with since_seq.
			b.log.Warn().Str("topic", t.String()).Msg("disconnecting slow subscriber")
			delete(ts.subs, sub)
			sub.close()
		}
	}
	return e.Seq
}

// PublishLog publishes a batch of log lines on a topic. Never blocks:
// lines that do not fit a subscriber's buffer are dropped and the gap
// is marked with a lines_dropped event once the subscriber drains.
func (b *Bus) PublishLog(t Topic, stream string, lines []string) uint64 {
	if len(lines) == 0 {
		return 0
	}
	ts := b.topic(t)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.seq++
	e := Event{Topic: t, Seq: ts.seq, Class: ClassLog, Type: EventTypeLogLines,
		Payload: LogLines{Stream: stream, Lines: lines}, Time: time.Now().UTC()}
	ts.logs.push(e)

	for sub := range ts.subs {
		b.deliverLog(sub, e, len(lines))
	}
	return e.Seq
}

// deliverLog applies the lossy discipline for a single subscriber.
// Caller holds the topic lock.
func (b *Bus) deliverLog(sub *Subscription, e Event, lineCount int) {
	if sub.pendingDrops > 0 {
		marker := Event{Topic: e.Topic, Class: ClassLog, Type: EventTypeLinesDropped,
			Payload: LinesDropped{Count: sub.pendingDrops}, Time: time.Now().UTC()}
		select {
		case sub.ch <- marker:
			sub.pendingDrops = 0
		default:
			// Still congested, the new batch joins the gap.
			sub.pendingDrops += lineCount
			return
		}
	}
	select {
	case sub.ch <- e:
	default:
		sub.pendingDrops += lineCount
	}
}

// Subscribe attaches to a topic. Events with Seq > sinceSeq that are
// still retained are replayed in order before live delivery begins.
// When sinceSeq predates the retention window a resync marker is
// delivered first. Pass sinceSeq 0 for full retained history.
func (b *Bus) Subscribe(t Topic, sinceSeq uint64) *Subscription {
	ts := b.topic(t)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	replay := append(ts.state.since(sinceSeq), ts.logs.since(sinceSeq)...)
	sortEventsBySeq(replay)

	// Determine whether anything the subscriber asked for was evicted.
	lostBefore := ts.seq + 1
	if s := ts.state.oldestSeq(); s != 0 && s < lostBefore {
		lostBefore = s
	}
	if s := ts.logs.oldestSeq(); s != 0 && s < lostBefore {
		lostBefore = s
	}

	buffer := b.opts.SubscriberBuffer
	if need := len(replay) + 2; need > buffer {
		buffer = need
	}
	sub := &Subscription{
		topic:  t,
		ch:     make(chan Event, buffer),
		closed: make(chan struct{}),
	}

	if sinceSeq+1 < lostBefore && ts.seq > sinceSeq {
		sub.ch <- Event{Topic: t, Class: ClassState, Type: EventTypeResync,
			Payload: Resync{OldestRetained: lostBefore, Latest: ts.state.latest()}, Time: time.Now().UTC()}
	}
	for _, e := range replay {
		sub.ch <- e
	}

	ts.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	ts := b.topic(sub.topic)
	ts.mu.Lock()
	delete(ts.subs, sub)
	ts.mu.Unlock()
	sub.close()
}

// CurrentSeq returns the highest assigned sequence number for a topic.
func (b *Bus) CurrentSeq(t Topic) uint64 {
	ts := b.topic(t)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.seq
}

// Close disconnects every subscriber on every topic.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ts := range b.topics {
		ts.mu.Lock()
		for sub := range ts.subs {
			delete(ts.subs, sub)
			sub.close()
		}
		ts.mu.Unlock()
	}
}

func sortEventsBySeq(events []Event) {
	// Insertion sort: replay slices are short and mostly ordered.
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j-1].Seq > events[j].Seq; j-- {
			events[j-1], events[j] = events[j], events[j-1]
		}
	}
}
