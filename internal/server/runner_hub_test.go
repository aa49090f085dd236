// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/orchestrator/models"
	"github.com/lazyaf/lazyaf/internal/orchestrator/registry"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

type fakeRegStore struct{}

func (fakeRegStore) UpsertRunnerRecord(context.Context, *models.RunnerRecord) error { return nil }

type fakeHubStore struct {
	mu    sync.Mutex
	lines []models.LogLine
	steps map[string]*models.Step
}

func (s *fakeHubStore) AppendLogLines(_ context.Context, lines []models.LogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, lines...)
	return nil
}

func (s *fakeHubStore) GetStep(_ context.Context, stepID string) (*models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps[stepID], nil
}

func (s *fakeHubStore) persisted() []models.LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LogLine(nil), s.lines...)
}

type hubFixture struct {
	hub   *Hub
	reg   *registry.Registry
	bus   *eventbus.Bus
	store *fakeHubStore
	srv   *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	bus := eventbus.NewBus(eventbus.DefaultOptions())
	store := &fakeHubStore{steps: make(map[string]*models.Step)}
	cfg := config.RegistryConfig{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatDeadline: 30 * time.Second,
	}
	reg := registry.NewRegistry(cfg, fakeRegStore{}, bus)
	hub := NewHub(cfg, reg, store, bus, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleRunner))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		bus.Close()
	})
	return &hubFixture{hub: hub, reg: reg, bus: bus, store: store, srv: srv}
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, payload any) {
	t.Helper()
	data, err := protocol.EncodeFrame(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) (protocol.FrameType, any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ft, payload, err := protocol.DecodeFrame(data)
	require.NoError(t, err)
	return ft, payload
}

func register(t *testing.T, f *hubFixture, conn *websocket.Conn, name string) string {
	t.Helper()
	sendFrame(t, conn, protocol.Hello{Name: name, RunnerType: "shell"})
	ft, payload := readFrame(t, conn)
	require.Equal(t, protocol.FrameHelloAck, ft)
	ack := payload.(*protocol.HelloAck)
	require.NotEmpty(t, ack.RunnerID)
	assert.Equal(t, 10, ack.HeartbeatInterval)
	return ack.RunnerID
}

func TestHubHandshakeRegistersRunner(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	runnerID := register(t, f, conn, "runner-a")

	require.Eventually(t, func() bool {
		return f.hub.Connected(runnerID)
	}, time.Second, 10*time.Millisecond)

	r, ok := f.reg.Get(runnerID)
	require.True(t, ok)
	assert.Equal(t, "runner-a", r.Name)
}

func TestHubAnswersPingWithPong(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	register(t, f, conn, "runner-a")

	sendFrame(t, conn, protocol.Ping{Seq: 42})
	ft, payload := readFrame(t, conn)
	require.Equal(t, protocol.FramePong, ft)
	assert.Equal(t, int64(42), payload.(*protocol.Pong).Seq)
}

func TestHubRejectsNonHelloFirstFrame(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	sendFrame(t, conn, protocol.Ping{Seq: 1})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHubCapturesStepLogs(t *testing.T) {
	f := newHubFixture(t)
	f.store.steps["step-1"] = &models.Step{ID: "step-1", RunID: "run-1"}

	sub := f.bus.Subscribe(eventbus.Topic{Kind: eventbus.TopicStep, ID: "step-1"}, 0)
	defer f.bus.Unsubscribe(sub)

	conn := f.dial(t)
	register(t, f, conn, "runner-a")

	sendFrame(t, conn, protocol.StepLogs{StepID: "step-1", Stream: "stdout", Lines: []string{"a", "b"}})
	sendFrame(t, conn, protocol.StepLogs{StepID: "step-1", Stream: "stderr", Lines: []string{"c"}})

	require.Eventually(t, func() bool {
		return len(f.store.persisted()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	lines := f.store.persisted()
	assert.Equal(t, "run-1", lines[0].RunID)
	assert.Equal(t, uint64(0), lines[0].Seq)
	assert.Equal(t, uint64(1), lines[1].Seq)
	assert.Equal(t, uint64(2), lines[2].Seq)
	assert.Equal(t, "stderr", lines[2].Stream)

	select {
	case e := <-sub.Events():
		assert.Equal(t, eventbus.ClassLog, e.Class)
		assert.Equal(t, eventbus.EventTypeLogLines, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no log event fanned out")
	}
}

func TestHubDropsLogsForUnknownStep(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	register(t, f, conn, "runner-a")

	sendFrame(t, conn, protocol.StepLogs{StepID: "ghost", Stream: "stdout", Lines: []string{"x"}})
	// The hub stays up and keeps answering.
	sendFrame(t, conn, protocol.Ping{Seq: 1})
	ft, _ := readFrame(t, conn)
	assert.Equal(t, protocol.FramePong, ft)
	assert.Empty(t, f.store.persisted())
}

func TestHubReconnectReplacesConnection(t *testing.T) {
	f := newHubFixture(t)
	first := f.dial(t)
	runnerID := register(t, f, first, "runner-a")

	second := f.dial(t)
	sendFrame(t, second, protocol.Hello{RunnerID: runnerID, Name: "runner-a", RunnerType: "shell"})
	ft, payload := readFrame(t, second)
	require.Equal(t, protocol.FrameHelloAck, ft)
	assert.Equal(t, runnerID, payload.(*protocol.HelloAck).RunnerID)

	// The first socket is torn down in favor of the reconnect.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	sendFrame(t, second, protocol.Ping{Seq: 2})
	ft, _ = readFrame(t, second)
	assert.Equal(t, protocol.FramePong, ft)
}

func TestHubSendToDisconnectedRunnerFails(t *testing.T) {
	f := newHubFixture(t)
	err := f.hub.SendAssign("nobody", protocol.AssignStep{StepID: "s"})
	assert.Error(t, err)
}

func TestHubSendAssignReachesRunner(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	runnerID := register(t, f, conn, "runner-a")

	require.NoError(t, f.hub.SendAssign(runnerID, protocol.AssignStep{StepID: "step-9", Command: "true"}))
	ft, payload := readFrame(t, conn)
	require.Equal(t, protocol.FrameAssignStep, ft)
	assert.Equal(t, "step-9", payload.(*protocol.AssignStep).StepID)
}
