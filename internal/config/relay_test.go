// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validRelayYAML = `
server:
  listen: "0.0.0.0:8080"
upstream:
  position_endpoint: "tcp://engine:5556"
  gate_endpoint: "tcp://engine:5557"
classifier:
  dist_threshold_m: 40
  eta_threshold_s: 8
session:
  packs_dir: /var/lib/relay/packs
`

func TestLoadRelayConfig_Minimal(t *testing.T) {
	cfgPath := writeTempConfig(t, validRelayYAML)
	cfg, err := LoadRelayConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Upstream.PositionEndpoint != "tcp://engine:5556" {
		t.Errorf("position endpoint = %q", cfg.Upstream.PositionEndpoint)
	}
	if cfg.Classifier.DistThresholdM != 40 {
		t.Errorf("dist threshold = %v", cfg.Classifier.DistThresholdM)
	}
	// Defaults aplicados em validate().
	if cfg.Classifier.StaleThreshold != 3*time.Second {
		t.Errorf("stale threshold default = %v", cfg.Classifier.StaleThreshold)
	}
	if cfg.StartLine.AnchorLeftID != 101 || cfg.StartLine.AnchorRightID != 102 {
		t.Errorf("anchor defaults = %d/%d", cfg.StartLine.AnchorLeftID, cfg.StartLine.AnchorRightID)
	}
	if cfg.WS.QueueSize != 64 {
		t.Errorf("ws queue default = %d", cfg.WS.QueueSize)
	}
	if cfg.Session.Seal != "none" {
		t.Errorf("seal default = %q", cfg.Session.Seal)
	}
	if cfg.Session.Retention.MaxPacks != 200 {
		t.Errorf("retention default = %d", cfg.Session.Retention.MaxPacks)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadRelayConfig_ExampleFile(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "relay.example.yaml")
	cfg, err := LoadRelayConfig(cfgPath)
	if err != nil {
		t.Fatalf("failed to load relay example config: %v", err)
	}
	if cfg.Server.Listen == "" {
		t.Error("example config must set server.listen")
	}
	if cfg.Upstream.PositionEndpoint == cfg.Upstream.GateEndpoint {
		t.Error("example config endpoints must differ")
	}
}

func TestLoadRelayConfig_SameEndpoints(t *testing.T) {
	content := `
upstream:
  position_endpoint: "tcp://engine:5556"
  gate_endpoint: "tcp://engine:5556"
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadRelayConfig(cfgPath); err == nil {
		t.Fatal("expected error for identical upstream endpoints")
	}
}

func TestLoadRelayConfig_InvalidSeal(t *testing.T) {
	content := validRelayYAML + `
  seal: brotli
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadRelayConfig(cfgPath); err == nil {
		t.Fatal("expected error for unsupported seal mode")
	}
}

func TestLoadRelayConfig_ArchiveRequiresBucket(t *testing.T) {
	content := `
session:
  archive:
    enabled: true
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadRelayConfig(cfgPath); err == nil {
		t.Fatal("expected error for archive without bucket")
	}
}

func TestLoadRelayConfig_EnvOverrides(t *testing.T) {
	t.Setenv("RELAY_LISTEN", "127.0.0.1:9999")
	t.Setenv("RELAY_POSITION_ENDPOINT", "tcp://override:6000")
	t.Setenv("RELAY_GATE_SIGN_FLIP", "true")

	cfgPath := writeTempConfig(t, validRelayYAML)
	cfg, err := LoadRelayConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9999" {
		t.Errorf("listen = %q, want env override", cfg.Server.Listen)
	}
	if cfg.Upstream.PositionEndpoint != "tcp://override:6000" {
		t.Errorf("position endpoint = %q, want env override", cfg.Upstream.PositionEndpoint)
	}
	if !cfg.Upstream.GateSignFlip {
		t.Error("gate_sign_flip env override not applied")
	}
}

func TestLoadRelayConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadRelayConfig("/nonexistent/relay.yaml")
	if err != nil {
		t.Fatalf("missing config file must fall back to defaults, got %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:8000" {
		t.Errorf("listen default = %q", cfg.Server.Listen)
	}
	if cfg.Upstream.PositionEndpoint != "tcp://localhost:5000" {
		t.Errorf("position endpoint default = %q", cfg.Upstream.PositionEndpoint)
	}
	if cfg.Upstream.GateEndpoint != "tcp://localhost:5001" {
		t.Errorf("gate endpoint default = %q", cfg.Upstream.GateEndpoint)
	}
	if cfg.Session.PacksDir != "./data/session_packs" {
		t.Errorf("packs dir default = %q", cfg.Session.PacksDir)
	}
	if cfg.Heartbeat.OfflineAfter != cfg.Classifier.StaleThreshold {
		t.Errorf("offline_after default = %v, want classifier stale threshold %v",
			cfg.Heartbeat.OfflineAfter, cfg.Classifier.StaleThreshold)
	}
}

func TestLoadRelayConfig_OfflineAfterTracksStaleThreshold(t *testing.T) {
	content := `
classifier:
  stale_threshold: 7s
`
	cfgPath := writeTempConfig(t, content)
	cfg, err := LoadRelayConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Heartbeat.OfflineAfter != 7*time.Second {
		t.Errorf("offline_after = %v, want 7s inherited from stale_threshold", cfg.Heartbeat.OfflineAfter)
	}
}

func TestLoadRelayConfig_InvalidYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, "{{invalid yaml}}")
	if _, err := LoadRelayConfig(cfgPath); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
