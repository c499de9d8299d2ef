// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package api

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/registry"
	"github.com/nishisan-dev/startline-relay/internal/session"
	"github.com/nishisan-dev/startline-relay/internal/ws"
)

// testPack é um pack mínimo com header e um position_update.
const testPack = `{"_meta":true,"schema_version":"1.0","session_id":"race-1","created":"2026-08-01T10:00:00Z","description":"test"}
{"type":"position_update","schema_version":"1.0","seq":1,"ts_ms":0,"session_id":"race-1","payload":{"positions":[{"athlete_id":"T00","device_id":1,"name":"Tag 0","team":"HKG","lat":22.296,"lon":114.168,"alt_m":2,"sog_kn":4.1,"cog_deg":180,"source_mask":1,"device_ts_ms":100,"data_age_ms":50}]}}
`

// fakeRelay implementa Relay sobre um Store real e estado em memória.
type fakeRelay struct {
	store     *session.Store
	hub       *ws.Hub
	recording string
	signalMs  int64
	resets    int
	roster    []registry.Athlete
}

func (f *fakeRelay) Health() map[string]any {
	return map[string]any{"status": "healthy", "ws_clients": 0}
}

func (f *fakeRelay) Athletes() []registry.Athlete {
	if f.roster != nil {
		return f.roster
	}
	return []registry.Athlete{
		{DeviceID: 1, AthleteID: "T00", Name: "Tag 0", Team: "HKG"},
	}
}

func (f *fakeRelay) ReplaceAthletes(athletes []registry.Athlete) int {
	f.roster = athletes
	return len(athletes)
}

func (f *fakeRelay) StartRecording(sessionID, description string) (string, error) {
	if sessionID == "" {
		sessionID = "session-generated"
	}
	if err := session.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	if f.store.Exists(sessionID) {
		return "", session.ErrExists
	}
	f.recording = sessionID
	return sessionID, nil
}

func (f *fakeRelay) StopRecording() (session.PackInfo, error) {
	if f.recording == "" {
		return session.PackInfo{}, io.ErrUnexpectedEOF
	}
	id := f.recording
	f.recording = ""
	return session.PackInfo{SessionID: id, SizeBytes: 10}, nil
}

func (f *fakeRelay) RecordingState() (session.RecorderState, string) {
	if f.recording != "" {
		return session.StateRecording, f.recording
	}
	return session.StateIdle, ""
}

func (f *fakeRelay) SetStartSignal(tsMs int64) int64 {
	if tsMs == 0 {
		tsMs = 1700000000000
	}
	f.signalMs = tsMs
	return tsMs
}

func (f *fakeRelay) ClearStartSignal() { f.signalMs = 0 }

func (f *fakeRelay) StartSignal() (int64, bool) { return f.signalMs, f.signalMs != 0 }

func (f *fakeRelay) ResetRace() { f.resets++ }

func (f *fakeRelay) Store() *session.Store { return f.store }

func (f *fakeRelay) Hub() *ws.Hub { return f.hub }

func newTestServer(t *testing.T) (*httptest.Server, *fakeRelay) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	relay := &fakeRelay{
		store: store,
		hub:   ws.NewHub(8, time.Second, time.Second, nil, logger),
	}
	srv := httptest.NewServer(NewRouter(relay, logger))
	t.Cleanup(srv.Close)
	return srv, relay
}

func writePack(t *testing.T, store *session.Store, sessionID string) {
	t.Helper()
	path := filepath.Join(store.Dir(), sessionID+".jsonl")
	if err := os.WriteFile(path, []byte(testPack), 0o644); err != nil {
		t.Fatalf("writing pack: %v", err)
	}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return doc
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	doc := decodeBody(t, resp)
	if doc["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", doc["status"])
	}
}

func TestAthletesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/athletes")
	if err != nil {
		t.Fatalf("GET /api/athletes: %v", err)
	}
	doc := decodeBody(t, resp)
	if doc["count"] != float64(1) {
		t.Errorf("count = %v, want 1", doc["count"])
	}
}

func TestReplaceAthletes(t *testing.T) {
	srv, relay := newTestServer(t)

	body := strings.NewReader(`{"athletes":[
		{"device_id":1,"athlete_id":"T00","name":"Ana","team":"HKG"},
		{"device_id":2,"athlete_id":"T01","name":"Bea","team":"SIN"}]}`)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/athletes", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /api/athletes: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	doc := decodeBody(t, resp)
	if doc["count"] != float64(2) {
		t.Errorf("count = %v, want 2", doc["count"])
	}
	if len(relay.roster) != 2 || relay.roster[1].AthleteID != "T01" {
		t.Errorf("roster not replaced: %+v", relay.roster)
	}

	// GET reflete o roster novo.
	resp, err = http.Get(srv.URL + "/api/athletes")
	if err != nil {
		t.Fatalf("GET /api/athletes: %v", err)
	}
	doc = decodeBody(t, resp)
	if doc["count"] != float64(2) {
		t.Errorf("count after replace = %v, want 2", doc["count"])
	}
}

func TestReplaceAthletesInvalid(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, body := range []string{
		`{}`,
		`{"athletes":[{"device_id":0,"athlete_id":"T00"}]}`,
		`{"athletes":[{"device_id":1,"athlete_id":""}]}`,
		`not json`,
	} {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/athletes", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT /api/athletes: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestListSessions(t *testing.T) {
	srv, relay := newTestServer(t)
	writePack(t, relay.store, "race-1")

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	doc := decodeBody(t, resp)
	if doc["count"] != float64(1) {
		t.Errorf("count = %v, want 1", doc["count"])
	}
}

func TestGetSession(t *testing.T) {
	srv, relay := newTestServer(t)
	writePack(t, relay.store, "race-1")

	resp, err := http.Get(srv.URL + "/api/sessions/race-1")
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	doc := decodeBody(t, resp)
	if doc["session_id"] != "race-1" {
		t.Errorf("session_id = %v", doc["session_id"])
	}
	if doc["description"] != "test" {
		t.Errorf("description = %v, want test", doc["description"])
	}

	resp, err = http.Get(srv.URL + "/api/sessions/missing")
	if err != nil {
		t.Fatalf("GET missing session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", resp.StatusCode)
	}
}

func TestStartStopSession(t *testing.T) {
	srv, relay := newTestServer(t)

	body := strings.NewReader(`{"session_id":"race-2","description":"regatta"}`)
	resp, err := http.Post(srv.URL+"/api/sessions/start", "application/json", body)
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", resp.StatusCode)
	}
	doc := decodeBody(t, resp)
	if doc["session_id"] != "race-2" {
		t.Errorf("session_id = %v, want race-2", doc["session_id"])
	}
	if relay.recording != "race-2" {
		t.Errorf("recording = %q, want race-2", relay.recording)
	}

	resp, err = http.Post(srv.URL+"/api/sessions/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST stop: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// Stop sem gravação ativa conflita.
	resp, err = http.Post(srv.URL+"/api/sessions/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST stop idle: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stop idle status = %d, want 409", resp.StatusCode)
	}
}

func TestStartSessionConflict(t *testing.T) {
	srv, relay := newTestServer(t)
	writePack(t, relay.store, "race-1")

	body := strings.NewReader(`{"session_id":"race-1"}`)
	resp, err := http.Post(srv.URL+"/api/sessions/start", "application/json", body)
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestStartSessionInvalidID(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.NewReader(`{"session_id":"../escape"}`)
	resp, err := http.Post(srv.URL+"/api/sessions/start", "application/json", body)
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	srv, relay := newTestServer(t)
	writePack(t, relay.store, "race-1")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/race-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if relay.store.Exists("race-1") {
		t.Error("pack still exists after delete")
	}
}

func TestDeleteActiveSessionConflicts(t *testing.T) {
	srv, relay := newTestServer(t)
	writePack(t, relay.store, "race-1")
	relay.recording = "race-1"

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/race-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSessionMessages(t *testing.T) {
	srv, relay := newTestServer(t)
	writePack(t, relay.store, "race-1")

	resp, err := http.Get(srv.URL + "/api/sessions/race-1/messages")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	doc := decodeBody(t, resp)
	msgs, ok := doc["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Errorf("messages = %v, want 1 envelope", doc["messages"])
	}
}

func TestExportCSVGzip(t *testing.T) {
	srv, relay := newTestServer(t)
	writePack(t, relay.store, "race-1")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions/race-1/export?format=csv", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	// Transport cru para o client não descomprimir sozinho.
	resp, err := (&http.Client{Transport: &http.Transport{DisableCompression: true}}).Do(req)
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "race-1.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("reading gzip body: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("ts_ms,session_id,athlete_id")) {
		t.Errorf("csv header missing, got %q", data[:min(len(data), 60)])
	}
	if !strings.Contains(string(data), "T00") {
		t.Error("csv missing athlete row")
	}
}

func TestExportInvalidFormat(t *testing.T) {
	srv, relay := newTestServer(t)
	writePack(t, relay.store, "race-1")

	resp, err := http.Get(srv.URL + "/api/sessions/race-1/export?format=xml")
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStartSignalLifecycle(t *testing.T) {
	srv, relay := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/start-signal", "application/json",
		strings.NewReader(`{"ts_ms":1700000000123}`))
	if err != nil {
		t.Fatalf("POST start-signal: %v", err)
	}
	doc := decodeBody(t, resp)
	if doc["ts_ms"] != float64(1700000000123) {
		t.Errorf("ts_ms = %v", doc["ts_ms"])
	}
	if relay.signalMs != 1700000000123 {
		t.Errorf("signalMs = %d", relay.signalMs)
	}

	resp, err = http.Get(srv.URL + "/api/start-signal")
	if err != nil {
		t.Fatalf("GET start-signal: %v", err)
	}
	doc = decodeBody(t, resp)
	if doc["armed"] != true {
		t.Errorf("armed = %v, want true", doc["armed"])
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/start-signal", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE start-signal: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if relay.signalMs != 0 {
		t.Errorf("signalMs = %d, want 0", relay.signalMs)
	}
}

func TestResetEndpoint(t *testing.T) {
	srv, relay := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if relay.resets != 1 {
		t.Errorf("resets = %d, want 1", relay.resets)
	}
}
