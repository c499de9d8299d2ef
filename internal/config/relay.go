// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do relay.
// Defaults são aplicados em validate(); campos inválidos falham o boot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig representa a configuração completa do startline-relay.
type RelayConfig struct {
	Server     ServerInfo     `yaml:"server"`
	Upstream   UpstreamInfo   `yaml:"upstream"`
	Registry   RegistryInfo   `yaml:"registry"`
	StartLine  StartLineInfo  `yaml:"start_line"`
	Classifier ClassifierInfo `yaml:"classifier"`
	WS         WSInfo         `yaml:"ws"`
	Heartbeat  HeartbeatInfo  `yaml:"heartbeat"`
	Session    SessionInfo    `yaml:"session"`
	Logging    LoggingInfo    `yaml:"logging"`
}

// ServerInfo configura o listener HTTP (REST + WebSocket no mesmo port).
type ServerInfo struct {
	Listen       string        `yaml:"listen"`        // default: "0.0.0.0:8000"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
}

// UpstreamInfo configura os dois SUB sockets do engine de posicionamento.
type UpstreamInfo struct {
	PositionEndpoint string        `yaml:"position_endpoint"` // default: "tcp://localhost:5000"
	GateEndpoint     string        `yaml:"gate_endpoint"`     // default: "tcp://localhost:5001"
	ReconnectMin     time.Duration `yaml:"reconnect_min"`     // default: 1s
	ReconnectMax     time.Duration `yaml:"reconnect_max"`     // default: 30s

	// GateSignFlip nega d_perp_signed_m na entrada, para instalações com as
	// âncoras montadas ao contrário. Default: false.
	GateSignFlip bool `yaml:"gate_sign_flip"`
}

// RegistryInfo aponta o arquivo de atletas (opcional; sem ele o relay usa
// entradas sintéticas por tag).
type RegistryInfo struct {
	File string `yaml:"file"`
}

// StartLineInfo identifica os devices âncora da linha de largada.
type StartLineInfo struct {
	AnchorLeftID  int           `yaml:"anchor_left_id"`  // default: 101
	AnchorRightID int           `yaml:"anchor_right_id"` // default: 102
	StaleAfter    time.Duration `yaml:"stale_after"`     // default: 2s
}

// ClassifierInfo contém os thresholds da máquina de status.
type ClassifierInfo struct {
	DistThresholdM float64       `yaml:"dist_threshold_m"` // default: 50
	EtaThresholdS  float64       `yaml:"eta_threshold_s"`  // default: 5
	StaleThreshold time.Duration `yaml:"stale_threshold"`  // default: 3s
}

// WSInfo configura o fan-out WebSocket e a política de backpressure.
type WSInfo struct {
	QueueSize     int           `yaml:"queue_size"`     // default: 64
	WriteDeadline time.Duration `yaml:"write_deadline"` // default: 5s
	OverflowGrace time.Duration `yaml:"overflow_grace"` // default: 2s
	AllowOrigins  []string      `yaml:"allow_origins"`  // vazio = qualquer origem (dev)
}

// HeartbeatInfo configura o heartbeat outbound e o watchdog de devices.
type HeartbeatInfo struct {
	Interval     time.Duration `yaml:"interval"`      // default: 5s
	OfflineAfter time.Duration `yaml:"offline_after"` // default: classifier.stale_threshold
}

// SessionInfo configura gravação, retenção e archive dos session packs.
type SessionInfo struct {
	PacksDir  string        `yaml:"packs_dir"` // default: "./data/session_packs"
	Seal      string        `yaml:"seal"`      // none|zst (default: none)
	Retention RetentionInfo `yaml:"retention"`
	Archive   ArchiveInfo   `yaml:"archive"`
}

// RetentionInfo configura a varredura periódica de packs antigos.
type RetentionInfo struct {
	MaxPacks int           `yaml:"max_packs"` // default: 200
	MaxAge   time.Duration `yaml:"max_age"`   // default: 720h (0 = sem limite de idade)
	Schedule string        `yaml:"schedule"`  // cron; default: "0 3 * * *"
}

// ArchiveInfo configura o upload opcional de packs finalizados para S3.
type ArchiveInfo struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`     // default: "packs/"
	Region    string `yaml:"region"`     // default: "us-east-1"
	Endpoint  string `yaml:"endpoint"`   // vazio = AWS; preenchido para MinIO etc.
	PathStyle bool   `yaml:"path_style"` // necessário para MinIO

	// Credenciais estáticas opcionais; vazias, usa a chain default do SDK.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LoggingInfo configura o logger estruturado do processo.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // debug|info|warn|error (default: info)
	Format string `yaml:"format"` // json|text (default: json)
	File   string `yaml:"file"`   // vazio = stdout apenas
}

// LoadRelayConfig lê, aplica overrides de ambiente e valida o YAML do relay.
// Arquivo ausente não é erro: o relay sobe com defaults (mais RELAY_*).
func LoadRelayConfig(path string) (*RelayConfig, error) {
	var cfg RelayConfig

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// segue com zero values; validate() preenche os defaults
	case err != nil:
		return nil, fmt.Errorf("reading relay config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing relay config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating relay config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides aplica RELAY_* por cima do YAML (deploy em container).
func (c *RelayConfig) applyEnvOverrides() {
	if v := os.Getenv("RELAY_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("RELAY_POSITION_ENDPOINT"); v != "" {
		c.Upstream.PositionEndpoint = v
	}
	if v := os.Getenv("RELAY_GATE_ENDPOINT"); v != "" {
		c.Upstream.GateEndpoint = v
	}
	if v := os.Getenv("RELAY_GATE_SIGN_FLIP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Upstream.GateSignFlip = b
		}
	}
	if v := os.Getenv("RELAY_PACKS_DIR"); v != "" {
		c.Session.PacksDir = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RELAY_DIST_THRESHOLD_M"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Classifier.DistThresholdM = f
		}
	}
	if v := os.Getenv("RELAY_ETA_THRESHOLD_S"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Classifier.EtaThresholdS = f
		}
	}
	if v := os.Getenv("RELAY_STALE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Classifier.StaleThreshold = d
		}
	}
}

func (c *RelayConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:8000"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Upstream.PositionEndpoint == "" {
		c.Upstream.PositionEndpoint = "tcp://localhost:5000"
	}
	if c.Upstream.GateEndpoint == "" {
		c.Upstream.GateEndpoint = "tcp://localhost:5001"
	}
	if c.Upstream.PositionEndpoint == c.Upstream.GateEndpoint {
		return fmt.Errorf("upstream.position_endpoint and upstream.gate_endpoint must differ")
	}
	if c.Upstream.ReconnectMin <= 0 {
		c.Upstream.ReconnectMin = time.Second
	}
	if c.Upstream.ReconnectMax <= 0 {
		c.Upstream.ReconnectMax = 30 * time.Second
	}
	if c.Upstream.ReconnectMax < c.Upstream.ReconnectMin {
		return fmt.Errorf("upstream.reconnect_max must be >= reconnect_min")
	}

	if c.StartLine.AnchorLeftID == 0 {
		c.StartLine.AnchorLeftID = 101
	}
	if c.StartLine.AnchorRightID == 0 {
		c.StartLine.AnchorRightID = 102
	}
	if c.StartLine.AnchorLeftID == c.StartLine.AnchorRightID {
		return fmt.Errorf("start_line anchor ids must differ, got %d twice", c.StartLine.AnchorLeftID)
	}
	if c.StartLine.StaleAfter <= 0 {
		c.StartLine.StaleAfter = 2 * time.Second
	}

	if c.Classifier.DistThresholdM <= 0 {
		c.Classifier.DistThresholdM = 50
	}
	if c.Classifier.EtaThresholdS <= 0 {
		c.Classifier.EtaThresholdS = 5
	}
	if c.Classifier.StaleThreshold <= 0 {
		c.Classifier.StaleThreshold = 3 * time.Second
	}

	if c.WS.QueueSize <= 0 {
		c.WS.QueueSize = 64
	}
	if c.WS.WriteDeadline <= 0 {
		c.WS.WriteDeadline = 5 * time.Second
	}
	if c.WS.OverflowGrace <= 0 {
		c.WS.OverflowGrace = 2 * time.Second
	}

	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 5 * time.Second
	}
	// Device mudo e dados STALE devem virar a mesma história para o coach:
	// o watchdog herda o threshold de staleness do classifier.
	if c.Heartbeat.OfflineAfter <= 0 {
		c.Heartbeat.OfflineAfter = c.Classifier.StaleThreshold
	}

	if c.Session.PacksDir == "" {
		c.Session.PacksDir = "./data/session_packs"
	}
	if c.Session.Seal == "" {
		c.Session.Seal = "none"
	}
	c.Session.Seal = strings.ToLower(strings.TrimSpace(c.Session.Seal))
	if c.Session.Seal != "none" && c.Session.Seal != "zst" {
		return fmt.Errorf("session.seal must be none or zst, got %q", c.Session.Seal)
	}
	if c.Session.Retention.MaxPacks <= 0 {
		c.Session.Retention.MaxPacks = 200
	}
	if c.Session.Retention.Schedule == "" {
		c.Session.Retention.Schedule = "0 3 * * *"
	}
	if c.Session.Archive.Enabled {
		if c.Session.Archive.Bucket == "" {
			return fmt.Errorf("session.archive.bucket is required when archive is enabled")
		}
		if c.Session.Archive.Prefix == "" {
			c.Session.Archive.Prefix = "packs/"
		}
		if c.Session.Archive.Region == "" {
			c.Session.Archive.Region = "us-east-1"
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
