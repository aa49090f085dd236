// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	topic, err := ParseTopic("run:abc-123")
	require.NoError(t, err)
	assert.Equal(t, TopicRun, topic.Kind)
	assert.Equal(t, "abc-123", topic.ID)
	assert.Equal(t, "run:abc-123", topic.String())

	_, err = ParseTopic("bogus:1")
	assert.Error(t, err)

	_, err = ParseTopic("no-separator")
	assert.Error(t, err)
}

func TestPublishStateAssignsMonotonicSeq(t *testing.T) {
	bus := NewBus(DefaultOptions())
	topic := Topic{Kind: TopicRun, ID: "r1"}

	var last uint64
	for i := 0; i < 10; i++ {
		seq := bus.PublishState(topic, "run_status", map[string]any{"i": i})
		assert.Greater(t, seq, last)
		last = seq
	}
	assert.Equal(t, uint64(10), bus.CurrentSeq(topic))

	// An unrelated topic has its own sequence space.
	other := Topic{Kind: TopicRun, ID: "r2"}
	assert.Equal(t, uint64(1), bus.PublishState(other, "run_status", nil))
}

func TestSubscribeReplaysSinceSeq(t *testing.T) {
	bus := NewBus(DefaultOptions())
	topic := Topic{Kind: TopicStep, ID: "s1"}

	for i := 1; i <= 5; i++ {
		bus.PublishState(topic, "step_status", fmt.Sprintf("state-%d", i))
	}

	sub := bus.Subscribe(topic, 2)
	defer bus.Unsubscribe(sub)

	var got []uint64
	for len(got) < 3 {
		e := <-sub.Events()
		got = append(got, e.Seq)
	}
	assert.Equal(t, []uint64{3, 4, 5}, got)
}

func TestSubscribeInterleavesStateAndLogReplayInSeqOrder(t *testing.T) {
	bus := NewBus(DefaultOptions())
	topic := Topic{Kind: TopicStep, ID: "s2"}

	bus.PublishState(topic, "step_status", "dispatched") // seq 1
	bus.PublishLog(topic, "stdout", []string{"hello"})   // seq 2
	bus.PublishState(topic, "step_status", "busy")       // seq 3
	bus.PublishLog(topic, "stdout", []string{"world"})   // seq 4

	sub := bus.Subscribe(topic, 0)
	defer bus.Unsubscribe(sub)

	var seqs []uint64
	for len(seqs) < 4 {
		e := <-sub.Events()
		seqs = append(seqs, e.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
}

func TestSubscribeResyncWhenHistoryEvicted(t *testing.T) {
	bus := NewBus(Options{StateRingSize: 4, LogRingSize: 4, SubscriberBuffer: 64})
	topic := Topic{Kind: TopicRun, ID: "r3"}

	for i := 1; i <= 10; i++ {
		bus.PublishState(topic, "run_status", i)
	}

	// Seq 1 and 2 were evicted from the 4-slot ring, so asking for
	// since_seq=1 must produce a resync marker first.
	sub := bus.Subscribe(topic, 1)
	defer bus.Unsubscribe(sub)

	first := <-sub.Events()
	require.Equal(t, EventTypeResync, first.Type)
	resync, ok := first.Payload.(Resync)
	require.True(t, ok)
	assert.Equal(t, uint64(7), resync.OldestRetained)
	require.NotNil(t, resync.Latest)
	assert.Equal(t, uint64(10), resync.Latest.Seq)

	next := <-sub.Events()
	assert.Equal(t, uint64(7), next.Seq)
}

func TestSubscribeNoResyncWhenHistoryRetained(t *testing.T) {
	bus := NewBus(DefaultOptions())
	topic := Topic{Kind: TopicRun, ID: "r4"}
	bus.PublishState(topic, "run_status", "running")

	sub := bus.Subscribe(topic, 0)
	defer bus.Unsubscribe(sub)

	first := <-sub.Events()
	assert.Equal(t, "run_status", first.Type)
	assert.Equal(t, uint64(1), first.Seq)
}

func TestSlowSubscriberDisconnectedOnState(t *testing.T) {
	bus := NewBus(Options{StateRingSize: 16, LogRingSize: 16, SubscriberBuffer: 2})
	topic := Topic{Kind: TopicRunner, ID: "w1"}

	sub := bus.Subscribe(topic, 0)

	// Fill the buffer without draining; the next publish must evict us.
	bus.PublishState(topic, "runner_status", "idle")
	bus.PublishState(topic, "runner_status", "assigned")
	bus.PublishState(topic, "runner_status", "busy")

	<-sub.Done()

	// Channel is closed after draining buffered events.
	count := 0
	for range sub.Events() {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestLogBackpressureEmitsLinesDroppedMarker(t *testing.T) {
	bus := NewBus(Options{StateRingSize: 16, LogRingSize: 64, SubscriberBuffer: 1})
	topic := Topic{Kind: TopicStep, ID: "s3"}

	sub := bus.Subscribe(topic, 0)
	defer bus.Unsubscribe(sub)

	bus.PublishLog(topic, "stdout", []string{"a"})           // fills the buffer
	bus.PublishLog(topic, "stdout", []string{"b", "c"})      // dropped: 2
	bus.PublishLog(topic, "stdout", []string{"d", "e", "f"}) // dropped: 3 more

	first := <-sub.Events()
	require.Equal(t, EventTypeLogLines, first.Type)
	assert.Equal(t, []string{"a"}, first.Payload.(LogLines).Lines)

	// Buffer has room again: next publish delivers the marker first.
	bus.PublishLog(topic, "stdout", []string{"g"})

	marker := <-sub.Events()
	require.Equal(t, EventTypeLinesDropped, marker.Type)
	assert.Equal(t, 5, marker.Payload.(LinesDropped).Count)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(DefaultOptions())
	topic := Topic{Kind: TopicDebug, ID: "d1"}

	sub := bus.Subscribe(topic, 0)
	bus.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.PublishState(topic, "debug_status", "ended")
}
