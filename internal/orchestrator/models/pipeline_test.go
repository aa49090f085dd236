// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentStep(index int, name string) StepTemplate {
	return StepTemplate{Index: index, Name: name, Command: "make " + name}
}

func TestGraphValidateAcceptsLinearChain(t *testing.T) {
	g := Graph{
		Steps: []StepTemplate{agentStep(0, "build"), agentStep(1, "test"), agentStep(2, "deploy")},
		Edges: []Edge{
			{From: 0, To: 1, Condition: EdgeOnSuccess},
			{From: 1, To: 2, Condition: EdgeOnSuccess},
		},
	}
	assert.NoError(t, g.Validate())
	assert.Equal(t, []int{0}, g.EntrySteps())
}

func TestGraphValidateAcceptsEmptyGraph(t *testing.T) {
	assert.NoError(t, Graph{}.Validate())
	assert.Empty(t, Graph{}.EntrySteps())
}

func TestGraphValidateRejectsCycle(t *testing.T) {
	g := Graph{
		Steps: []StepTemplate{agentStep(0, "a"), agentStep(1, "b")},
		Edges: []Edge{
			{From: 0, To: 1, Condition: EdgeOnSuccess},
			{From: 1, To: 0, Condition: EdgeAlways},
		},
	}
	assert.ErrorContains(t, g.Validate(), "cycle")
}

func TestGraphValidateRejectsBadReferences(t *testing.T) {
	g := Graph{
		Steps: []StepTemplate{agentStep(0, "a")},
		Edges: []Edge{{From: 0, To: 7, Condition: EdgeOnSuccess}},
	}
	assert.ErrorContains(t, g.Validate(), "unknown step")

	g = Graph{
		Steps: []StepTemplate{agentStep(0, "a"), agentStep(0, "dup")},
	}
	assert.ErrorContains(t, g.Validate(), "duplicate step index")

	g = Graph{
		Steps: []StepTemplate{agentStep(0, "a"), agentStep(1, "b")},
		Edges: []Edge{{From: 0, To: 1, Condition: "sometimes"}},
	}
	assert.ErrorContains(t, g.Validate(), "unknown condition")
}

func TestGraphValidateTerminalActions(t *testing.T) {
	g := Graph{
		Steps: []StepTemplate{
			agentStep(0, "build"),
			{Index: 1, Name: "ship", Kind: StepKindMerge, MergeBranch: "main"},
			{Index: 2, Name: "bail", Kind: StepKindStop, StopOutcome: "failed"},
		},
		Edges: []Edge{
			{From: 0, To: 1, Condition: EdgeOnSuccess},
			{From: 0, To: 2, Condition: EdgeOnFailure},
		},
	}
	require.NoError(t, g.Validate())

	bad := Graph{Steps: []StepTemplate{{Index: 0, Kind: StepKindStop, StopOutcome: "maybe"}}}
	assert.ErrorContains(t, bad.Validate(), "stop outcome")

	bad = Graph{Steps: []StepTemplate{{Index: 0, Kind: StepKindMerge}}}
	assert.ErrorContains(t, bad.Validate(), "target branch")

	bad = Graph{Steps: []StepTemplate{{Index: 0, Kind: StepKindAgent}}}
	assert.ErrorContains(t, bad.Validate(), "requires a command")
}

func TestComputeGraphHashIsOrderInsensitive(t *testing.T) {
	a := Graph{
		Steps: []StepTemplate{agentStep(0, "build"), agentStep(1, "test")},
		Edges: []Edge{{From: 0, To: 1, Condition: EdgeOnSuccess}},
	}
	b := Graph{
		Steps: []StepTemplate{agentStep(1, "test"), agentStep(0, "build")},
		Edges: []Edge{{From: 0, To: 1, Condition: EdgeOnSuccess}},
	}
	assert.Equal(t, ComputeGraphHash(a), ComputeGraphHash(b))

	c := a
	c.Steps = []StepTemplate{agentStep(0, "build"), agentStep(1, "lint")}
	assert.NotEqual(t, ComputeGraphHash(a), ComputeGraphHash(c))
}

func TestSelectorMatches(t *testing.T) {
	labels := map[string]string{"gpu": "true", "zone": "eu"}

	assert.True(t, Selector{}.IsAny())
	assert.True(t, Selector{}.Matches("shell", labels))

	sel := Selector{RunnerType: "docker"}
	assert.True(t, sel.Matches("docker", nil))
	assert.False(t, sel.Matches("shell", labels))

	sel = Selector{Labels: map[string]string{"gpu": "true"}}
	assert.True(t, sel.Matches("shell", labels))
	assert.False(t, sel.Matches("shell", map[string]string{"gpu": "false"}))
	assert.False(t, sel.Matches("shell", nil))

	sel = Selector{RunnerType: "shell", Labels: map[string]string{"zone": "eu"}}
	assert.True(t, sel.Matches("shell", labels))
	assert.False(t, sel.Matches("docker", labels))
}
