// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package websocket

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/tomtom215/mycelium-backup/internal/jobs"
	"github.com/tomtom215/mycelium-backup/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

// setupHub starts a hub that stops with the test.
func setupHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.RunWithContext(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

// createTestClient creates a client without a connection.
func createTestClient(hub *Hub, buffer int) *Client {
	return &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message, buffer)}
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, hub.GetClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub := setupHub(t)
	a, b := createTestClient(hub, 8), createTestClient(hub, 8)
	hub.Register <- a
	hub.Register <- b
	waitForClients(t, hub, 2)

	if !hub.BroadcastJSON(MessageTypeJobProgress, "x") {
		t.Fatal("expected broadcast to be queued")
	}
	for _, c := range []*Client{a, b} {
		if msg := receive(t, c); msg.Type != MessageTypeJobProgress {
			t.Errorf("expected %s, got %s", MessageTypeJobProgress, msg.Type)
		}
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	hub := setupHub(t)
	c := createTestClient(hub, 1)
	hub.Register <- c
	waitForClients(t, hub, 1)

	hub.Unregister <- c
	waitForClients(t, hub, 0)
	if _, ok := <-c.send; ok {
		t.Error("expected send channel closed")
	}
}

func TestSlowClientDropped(t *testing.T) {
	hub := setupHub(t)
	slow := createTestClient(hub, 0)
	hub.Register <- slow
	waitForClients(t, hub, 1)

	hub.BroadcastJSON(MessageTypeJobProgress, 1)
	waitForClients(t, hub, 0)
}

func TestRunWithContextClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- hub.RunWithContext(ctx) }()

	c := createTestClient(hub, 1)
	hub.Register <- c
	waitForClients(t, hub, 1)

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if hub.GetClientCount() != 0 {
		t.Errorf("expected no clients after shutdown, got %d", hub.GetClientCount())
	}
}

// signallingTracker reports when the feed has subscribed.
type signallingTracker struct {
	*jobs.Tracker
	subscribed chan struct{}
}

func (s *signallingTracker) Subscribe(buffer int) (<-chan jobs.Job, func()) {
	ch, cancel := s.Tracker.Subscribe(buffer)
	close(s.subscribed)
	return ch, cancel
}

func TestFeedForwardsJobSnapshots(t *testing.T) {
	hub := setupHub(t)
	c := createTestClient(hub, 16)
	hub.Register <- c
	waitForClients(t, hub, 1)

	tracker := &signallingTracker{Tracker: jobs.NewTracker(), subscribed: make(chan struct{})}
	feed := NewFeed(hub, tracker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Serve(ctx) }()
	<-tracker.subscribed

	job, err := tracker.Begin(jobs.KindBackup, "manual_backup")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	msg := receive(t, c)
	got, ok := msg.Data.(jobs.Job)
	if msg.Type != MessageTypeJobProgress || !ok || got.ID != job.ID {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestMarshalMessage(t *testing.T) {
	data, err := MarshalMessage(Message{Type: MessageTypePong})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"pong","data":null}` {
		t.Errorf("unexpected JSON %s", data)
	}
}
