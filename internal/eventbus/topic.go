// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventbus implements the in-process fan-out bus that carries
// state transitions and log output from the core services to observers
// (the UI event stream and debug sessions). Delivery is ordered per
// topic; state events are lossless per subscriber, log events are lossy
// under backpressure.
package eventbus

import (
	"fmt"
	"strings"
)

// TopicKind partitions the topic namespace by entity type.
type TopicKind string

const (
	TopicRun    TopicKind = "run"
	TopicStep   TopicKind = "step"
	TopicRunner TopicKind = "runner"
	TopicCard   TopicKind = "card"
	TopicRepo   TopicKind = "repo"
	TopicDebug  TopicKind = "debug"
)

/// Topic identifies a single event stream, e.g. run:1234 or runner:abcd.
type Topic struct {
	Kind TopicKind
	ID   string
}

func (t Topic) String() string {
	return string(t.Kind) + ":" + t.ID
}

// MarshalText lets Topic be used directly in JSON payloads.
func (t Topic) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses the kind:id form.
func (t *Topic) UnmarshalText(data []byte) error {
	parsed, err := ParseTopic(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTopic parses "kind:id" into a Topic.
func ParseTopic(s string) (Topic, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" || id == "" {
		return Topic{}, fmt.Errorf("malformed topic %q, want kind:id", s)
	}
	switch TopicKind(kind) {
	case TopicRun, TopicStep, TopicRunner, TopicCard, TopicRepo, TopicDebug:
		return Topic{Kind: TopicKind(kind), ID: id}, nil
	default:
		return Topic{}, fmt.Errorf("unknown topic kind %q", kind)
	}
}
