// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/session"
)

const replayPack = `{"_meta":true,"schema_version":"1.0","session_id":"race-1","created":"2026-08-01T10:00:00Z","description":""}
{"type":"start_line_definition","schema_version":"1.0","seq":1,"ts_ms":0,"session_id":"race-1","payload":{"anchor_left":{"device_id":101,"anchor_id":"A1","lat":22.296,"lon":114.168},"anchor_right":{"device_id":102,"anchor_id":"A2","lat":22.296,"lon":114.17},"gate_length_m":206.0,"quality":"GOOD"}}
{"type":"position_update","schema_version":"1.0","seq":2,"ts_ms":20,"session_id":"race-1","payload":{"positions":[]}}
{"type":"heartbeat","schema_version":"1.0","seq":3,"ts_ms":40,"session_id":"race-1","payload":{"uptime_s":1,"connected_clients":0,"zmq_position_connected":true,"zmq_gate_connected":true,"athletes_tracked":0,"messages_relayed":2}}
`

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewService(t.TempDir(), 1, logger)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestReplayEmitsAllEnvelopes(t *testing.T) {
	svc := newTestService(t)
	path := filepath.Join(svc.store.Dir(), "race-1.jsonl")
	if err := os.WriteFile(path, []byte(replayPack), 0o644); err != nil {
		t.Fatalf("writing pack: %v", err)
	}

	start := time.Now()
	if err := svc.Replay(context.Background(), "race-1"); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	// Header fora, três envelopes dentro, com as esperas do pack (40ms).
	if got := svc.hub.Snapshot().MessagesRelayed; got != 3 {
		t.Errorf("messages relayed = %d, want 3", got)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("replay finished in %v, cadence not honored", elapsed)
	}
}

func TestReplayMissingPack(t *testing.T) {
	svc := newTestService(t)
	if err := svc.Replay(context.Background(), "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReplayCancelled(t *testing.T) {
	svc := newTestService(t)
	path := filepath.Join(svc.store.Dir(), "race-1.jsonl")
	if err := os.WriteFile(path, []byte(replayPack), 0o644); err != nil {
		t.Fatalf("writing pack: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Replay(ctx, "race-1"); err != nil {
		t.Fatalf("Replay with cancelled ctx: %v", err)
	}
	// Só o primeiro envelope sai antes da primeira espera.
	if got := svc.hub.Snapshot().MessagesRelayed; got > 1 {
		t.Errorf("messages relayed = %d with cancelled ctx, want <= 1", got)
	}
}
