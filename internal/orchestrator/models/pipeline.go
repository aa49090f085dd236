// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
)

// StepKind distinguishes agent-executed steps from terminal actions
// the git substrate performs inline.
type StepKind string

const (
	// StepKindAgent steps are dispatched to a runner.
	StepKindAgent StepKind = "agent"
	// StepKindStop ends the run with a fixed outcome, no runner involved.
	StepKindStop StepKind = "stop"
	// StepKindMerge merges the run branch into a target branch inline.
	StepKindMerge StepKind = "merge"
)

// EdgeCondition gates an edge on the source step's outcome.
type EdgeCondition string

const (
	EdgeOnSuccess EdgeCondition = "success"
	EdgeOnFailure EdgeCondition = "failure"
	EdgeAlways    EdgeCondition = "always"
)

// StepTemplate defines one node of a pipeline graph. Index is the
// node's identity within the graph and the dispatch tiebreaker.
type StepTemplate struct {
	Index             int               `json:"index"`
	Name              string            `json:"name"`
	Kind              StepKind          `json:"kind,omitempty"` // defaults to agent
	Command           string            `json:"command,omitempty"`
	Image             string            `json:"image,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Selector          Selector          `json:"selector,omitempty"`
	TimeoutSeconds    int               `json:"timeout_s,omitempty"` // 0 = dispatcher default
	ContinueInContext bool              `json:"continue_in_context,omitempty"`
	Breakpoints       []string          `json:"breakpoints,omitempty"`

	// Terminal action parameters
	StopOutcome string `json:"stop_outcome,omitempty"` // "passed" or "failed"
	MergeBranch string `json:"merge_branch,omitempty"`
}

// EffectiveKind returns the step kind, defaulting to agent.
func (s StepTemplate) EffectiveKind() StepKind {
	if s.Kind == "" {
		return StepKindAgent
	}
	return s.Kind
}

// Edge connects two steps. The target becomes ready once every incoming
// edge has fired; if any incoming edge can no longer fire, the target is
// unreachable and is cancelled.
type Edge struct {
	From      int           `json:"from"`
	To        int           `json:"to"`
	Condition EdgeCondition `json:"condition"`
}

// Graph is a pipeline's step DAG.
type Graph struct {
	Steps []StepTemplate `json:"steps"`
	Edges []Edge         `json:"edges"`
}

func (g *Graph) Scan(value any) error {
	if value == nil {
		*g = Graph{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, g)
	case string:
		return json.Unmarshal([]byte(v), g)
	default:
		return errors.New("cannot scan Graph from non-string/[]byte value")
	}
}

func (g Graph) Value() (driver.Value, error) {
	return json.Marshal(g)
}

// Validate checks graph well-formedness: contiguous step indices,
// edges referencing existing steps with known conditions, no cycles,
// and terminal action steps carrying their parameters. An empty graph
// is valid; the resulting run passes immediately.
func (g Graph) Validate() error {
	n := len(g.Steps)
	seen := make(map[int]bool, n)
	for _, s := range g.Steps {
		if s.Index < 0 || s.Index >= n {
			return fmt.Errorf("step index %d out of range [0,%d)", s.Index, n)
		}
		if seen[s.Index] {
			return fmt.Errorf("duplicate step index %d", s.Index)
		}
		seen[s.Index] = true

		switch s.EffectiveKind() {
		case StepKindAgent:
			if s.Command == "" {
				return fmt.Errorf("step %d: agent step requires a command", s.Index)
			}
		case StepKindStop:
			if s.StopOutcome != string(RunStatusPassed) && s.StopOutcome != string(RunStatusFailed) {
				return fmt.Errorf("step %d: stop outcome must be %q or %q", s.Index, RunStatusPassed, RunStatusFailed)
			}
		case StepKindMerge:
			if s.MergeBranch == "" {
				return fmt.Errorf("step %d: merge step requires a target branch", s.Index)
			}
		default:
			return fmt.Errorf("step %d: unknown kind %q", s.Index, s.Kind)
		}
	}

	adj := make(map[int][]int, n)
	indeg := make([]int, n)
	for _, e := range g.Edges {
		if !seen[e.From] || !seen[e.To] {
			return fmt.Errorf("edge %d->%d references unknown step", e.From, e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("edge %d->%d is a self loop", e.From, e.To)
		}
		switch e.Condition {
		case EdgeOnSuccess, EdgeOnFailure, EdgeAlways:
		default:
			return fmt.Errorf("edge %d->%d has unknown condition %q", e.From, e.To, e.Condition)
		}
		adj[e.From] = append(adj[e.From], e.To)
		indeg[e.To]++
	}

	// Kahn's algorithm: every step must be reachable in topological order.
	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[node] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != n {
		return errors.New("graph contains a cycle")
	}

	return nil
}

// EntrySteps returns the indices with no incoming edges, sorted.
func (g Graph) EntrySteps() []int {
	indeg := make(map[int]int, len(g.Steps))
	for _, s := range g.Steps {
		indeg[s.Index] = 0
	}
	for _, e := range g.Edges {
		indeg[e.To]++
	}
	var entries []int
	for idx, d := range indeg {
		if d == 0 {
			entries = append(entries, idx)
		}
	}
	sort.Ints(entries)
	return entries
}

// IncomingEdges returns the edges targeting a step index.
func (g Graph) IncomingEdges(to int) []Edge {
	var in []Edge
	for _, e := range g.Edges {
		if e.To == to {
			in = append(in, e)
		}
	}
	return in
}

// OutgoingEdges returns the edges leaving a step index.
func (g Graph) OutgoingEdges(from int) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}

// Step returns the template at index, or nil.
func (g Graph) Step(index int) *StepTemplate {
	for i := range g.Steps {
		if g.Steps[i].Index == index {
			return &g.Steps[i]
		}
	}
	return nil
}

// Pipeline represents a reusable pipeline definition (the "recipe").
// This defines what steps to run, but not the execution itself.
type Pipeline struct {
	ID          string    `gorm:"primaryKey;type:text" json:"id"`
	RepoID      string    `gorm:"not null;type:text;index" json:"repo_id"`
	Name        string    `gorm:"not null;type:text" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Graph       Graph     `gorm:"type:text" json:"graph"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Pipeline) TableName() string {
	return "pipelines"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (p *Pipeline) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record
func (p *Pipeline) BeforeUpdate(tx *gorm.DB) error {
	p.UpdatedAt = time.Now()
	return nil
}

// ComputeGraphHash computes a deterministic hash of a pipeline graph.
// Two graphs with the same hash define the same execution shape; the
// hash is stored on runs so a resumed run can detect definition drift.
func ComputeGraphHash(g Graph) string {
	h := sha256.New()

	steps := make([]StepTemplate, len(g.Steps))
	copy(steps, g.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	for _, s := range steps {
		h.Write([]byte(fmt.Sprintf("%d|%s|%s|%s|%s|%d|%t|%s|%s",
			s.Index, s.Name, s.EffectiveKind(), s.Command, s.Image,
			s.TimeoutSeconds, s.ContinueInContext, s.StopOutcome, s.MergeBranch)))
		if len(s.Env) > 0 {
			keys := make([]string, 0, len(s.Env))
			for k := range s.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				h.Write([]byte(k))
				h.Write([]byte(s.Env[k]))
			}
		}
		h.Write([]byte(s.Selector.RunnerType))
		if len(s.Selector.Labels) > 0 {
			keys := make([]string, 0, len(s.Selector.Labels))
			for k := range s.Selector.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				h.Write([]byte(k))
				h.Write([]byte(s.Selector.Labels[k]))
			}
		}
	}

	edges := make([]Edge, len(g.Edges))
	copy(edges, g.Edges)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Condition < edges[j].Condition
	})
	for _, e := range edges {
		h.Write([]byte(fmt.Sprintf("%d>%d:%s", e.From, e.To, e.Condition)))
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}
