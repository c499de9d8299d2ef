// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/wire"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func envelope(seq uint64, tsMs int64, sid string) wire.Envelope {
	return wire.Envelope{
		Type:          wire.TypeHeartbeat,
		SchemaVersion: wire.SchemaVersion,
		Seq:           seq,
		TsMs:          tsMs,
		SessionID:     &sid,
		Payload:       wire.HeartbeatPayload{UptimeS: 1},
	}
}

func TestRecordLifecycle(t *testing.T) {
	s := newTestStore(t)
	r := NewRecorder(s, false, testLogger())

	if err := r.Start("race-1", "friday practice", t0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st, sid := r.State(); st != StateRecording || sid != "race-1" {
		t.Fatalf("state = %v %q", st, sid)
	}

	r.Record(envelope(1, t0.UnixMilli(), "race-1"))
	r.Record(envelope(2, t0.Add(500*time.Millisecond).UnixMilli(), "race-1"))

	info, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if info.SessionID != "race-1" || info.Sealed {
		t.Fatalf("info = %+v", info)
	}
	if st, _ := r.State(); st != StateIdle {
		t.Fatalf("state after stop = %v", st)
	}

	// Pack: header _meta + 2 envelopes com ts_ms relativo.
	rc, err := s.Open("race-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	if !sc.Scan() {
		t.Fatal("missing header line")
	}
	var hdr wire.PackHeader
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil || !hdr.Meta {
		t.Fatalf("header = %s (%v)", sc.Text(), err)
	}
	if hdr.Description != "friday practice" {
		t.Fatalf("description = %q", hdr.Description)
	}

	var tss []int64
	for sc.Scan() {
		var env wire.RawEnvelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			t.Fatalf("line %s: %v", sc.Text(), err)
		}
		tss = append(tss, env.TsMs)
	}
	if len(tss) != 2 || tss[0] != 0 || tss[1] != 500 {
		t.Fatalf("relative ts = %v, want [0 500]", tss)
	}
}

func TestStartRejectsConcurrentAndDuplicate(t *testing.T) {
	s := newTestStore(t)
	r := NewRecorder(s, false, testLogger())

	if err := r.Start("race-1", "", t0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start("race-2", "", t0); err == nil {
		t.Fatal("second Start while recording must fail")
	}
	if _, err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// O pack race-1 já existe.
	if err := r.Start("race-1", "", t0); !errors.Is(err, ErrExists) {
		t.Fatalf("Start over existing pack = %v", err)
	}
}

func TestStopWithoutRecording(t *testing.T) {
	r := NewRecorder(newTestStore(t), false, testLogger())
	if _, err := r.Stop(); err == nil {
		t.Fatal("Stop while idle must fail")
	}
}

func TestRecordWhileIdleIsNoOp(t *testing.T) {
	r := NewRecorder(newTestStore(t), false, testLogger())
	r.Record(envelope(1, t0.UnixMilli(), "x"))
	if rec, _ := r.Stats(); rec != 0 {
		t.Fatalf("recorded = %d", rec)
	}
}

func TestSealOnStop(t *testing.T) {
	s := newTestStore(t)
	r := NewRecorder(s, true, testLogger())

	if err := r.Start("race-z", "", t0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Record(envelope(1, t0.UnixMilli(), "race-z"))

	info, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !info.Sealed {
		t.Fatalf("info = %+v, want sealed", info)
	}

	hdr, err := s.Header("race-z")
	if err != nil || hdr.SessionID != "race-z" {
		t.Fatalf("sealed header = %+v, %v", hdr, err)
	}
}

func TestInvalidSessionID(t *testing.T) {
	r := NewRecorder(newTestStore(t), false, testLogger())
	if err := r.Start("../escape", "", t0); err == nil {
		t.Fatal("path traversal id must be rejected")
	}
}
