// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package wire define o contrato de mensagens relay → UI (WS_MESSAGE_SCHEMA v1.0)
// e os parsers dos streams upstream. Nada fora deste pacote inspeciona bytes crus.
package wire

import "encoding/json"

// SchemaVersion é a versão do contrato de mensagens WebSocket.
const SchemaVersion = "1.0"

// MessageType identifica o tipo de uma mensagem outbound.
type MessageType string

const (
	TypePositionUpdate MessageType = "position_update"
	TypeGateMetrics    MessageType = "gate_metrics"
	TypeStartLine      MessageType = "start_line_definition"
	TypeDeviceHealth   MessageType = "device_health"
	TypeEvent          MessageType = "event"
	TypeHeartbeat      MessageType = "heartbeat"
)

// Status é a classificação de coaching de um atleta.
type Status string

const (
	StatusSafe        Status = "SAFE"
	StatusApproaching Status = "APPROACHING"
	StatusRisk        Status = "RISK"
	StatusCrossed     Status = "CROSSED"
	StatusOCS         Status = "OCS"
	StatusStale       Status = "STALE"
)

// CrossingEvent é o evento de cruzamento reportado pelo stream de gate.
type CrossingEvent string

const (
	NoCrossing    CrossingEvent = "NO_CROSSING"
	CrossingLeft  CrossingEvent = "CROSSING_LEFT"
	CrossingRight CrossingEvent = "CROSSING_RIGHT"
)

// EventKind identifica eventos discretos no stream `event`.
type EventKind string

const (
	EventCrossing      EventKind = "CROSSING"
	EventOCS           EventKind = "OCS"
	EventRiskAlert     EventKind = "RISK_ALERT"
	EventStartSignal   EventKind = "START_SIGNAL"
	EventDeviceOffline EventKind = "DEVICE_OFFLINE"
	EventDeviceOnline  EventKind = "DEVICE_ONLINE"
	EventStatusChange  EventKind = "STATUS_CHANGE"
	EventSystemError   EventKind = "SYSTEM_ERROR"
)

// DeviceType categoriza um device no payload device_health.
type DeviceType string

const (
	DeviceAnchor  DeviceType = "ANCHOR"
	DeviceTag     DeviceType = "TAG"
	DeviceGateway DeviceType = "GATEWAY"
)

// GateQuality avalia a geometria corrente da linha de largada.
type GateQuality string

const (
	QualityGood     GateQuality = "GOOD"
	QualityDegraded GateQuality = "DEGRADED"
	QualityUnknown  GateQuality = "UNKNOWN"
)

// Envelope é o envelope comum de toda mensagem outbound.
// seq é monotônico por processo (começa em 1); ts_ms é wall clock epoch ms.
type Envelope struct {
	Type          MessageType `json:"type"`
	SchemaVersion string      `json:"schema_version"`
	Seq           uint64      `json:"seq"`
	TsMs          int64       `json:"ts_ms"`
	SessionID     *string     `json:"session_id"`
	Payload       any         `json:"payload"`
}

// RawEnvelope é um envelope lido de um session pack, com payload opaco.
// Usado pelo replayer e pelo export para não re-tipar o payload.
type RawEnvelope struct {
	Type          MessageType     `json:"type"`
	SchemaVersion string          `json:"schema_version"`
	Seq           uint64          `json:"seq"`
	TsMs          int64           `json:"ts_ms"`
	SessionID     *string         `json:"session_id"`
	Payload       json.RawMessage `json:"payload"`
}

// PackHeader é a primeira linha de um session pack (.jsonl).
type PackHeader struct {
	Meta          bool   `json:"_meta"`
	SchemaVersion string `json:"schema_version"`
	SessionID     string `json:"session_id"`
	Created       string `json:"created"`
	Description   string `json:"description"`
}

// PositionEntry é a posição de um atleta dentro de um batch position_update.
type PositionEntry struct {
	AthleteID  string   `json:"athlete_id"`
	DeviceID   int      `json:"device_id"`
	Name       string   `json:"name"`
	Team       string   `json:"team"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	AltM       float64  `json:"alt_m"`
	SogKn      *float64 `json:"sog_kn"`
	CogDeg     *float64 `json:"cog_deg"`
	SourceMask int      `json:"source_mask"`
	DeviceTsMs int64    `json:"device_ts_ms"`
	DataAgeMs  int64    `json:"data_age_ms"`
}

// PositionUpdatePayload é o payload de mensagens position_update.
type PositionUpdatePayload struct {
	Positions []PositionEntry `json:"positions"`
}

// GateMetricEntry são as métricas de gate de um atleta.
type GateMetricEntry struct {
	AthleteID          string        `json:"athlete_id"`
	DeviceID           int           `json:"device_id"`
	Name               string        `json:"name"`
	DistToLineM        float64       `json:"dist_to_line_m"`
	SAlong             float64       `json:"s_along"`
	EtaToLineS         *float64      `json:"eta_to_line_s"`
	SpeedToLineMps     float64       `json:"speed_to_line_mps"`
	GateLengthM        float64       `json:"gate_length_m"`
	Status             Status        `json:"status"`
	CrossingEvent      CrossingEvent `json:"crossing_event"`
	CrossingConfidence float64       `json:"crossing_confidence"`
	PositionQuality    float64       `json:"position_quality"`
}

// GateAlert é um alerta de cruzamento dentro de um batch gate_metrics.
type GateAlert struct {
	AthleteID    string        `json:"athlete_id"`
	Name         string        `json:"name"`
	Event        CrossingEvent `json:"event"`
	CrossingTsMs int64         `json:"crossing_ts_ms"`
	Confidence   float64       `json:"confidence"`
}

// GateMetricsPayload é o payload de mensagens gate_metrics.
type GateMetricsPayload struct {
	Metrics []GateMetricEntry `json:"metrics"`
	Alerts  []GateAlert       `json:"alerts"`
}

// AnchorPoint é um endpoint âncora da linha de largada.
type AnchorPoint struct {
	DeviceID int     `json:"device_id"`
	AnchorID string  `json:"anchor_id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// StartLinePayload é o payload de mensagens start_line_definition.
type StartLinePayload struct {
	AnchorLeft  AnchorPoint `json:"anchor_left"`
	AnchorRight AnchorPoint `json:"anchor_right"`
	GateLengthM float64     `json:"gate_length_m"`
	Quality     GateQuality `json:"quality"`
}

// DeviceHealthPayload é o payload de mensagens device_health.
type DeviceHealthPayload struct {
	DeviceID         string     `json:"device_id"`
	DeviceType       DeviceType `json:"device_type"`
	Online           bool       `json:"online"`
	LastSeenMs       int64      `json:"last_seen_ms"`
	BatteryPct       *float64   `json:"battery_pct"`
	PacketLossPct    *float64   `json:"packet_loss_pct"`
	RssiDbm          *float64   `json:"rssi_dbm"`
	TimeSyncOffsetMs *float64   `json:"time_sync_offset_ms"`
}

// EventPayload é o payload de mensagens event.
type EventPayload struct {
	EventKind EventKind      `json:"event_kind"`
	AthleteID *string        `json:"athlete_id"`
	Name      *string        `json:"name"`
	Details   map[string]any `json:"details"`
}

// HeartbeatPayload é o payload de mensagens heartbeat.
type HeartbeatPayload struct {
	UptimeS              int64 `json:"uptime_s"`
	ConnectedClients     int   `json:"connected_clients"`
	ZmqPositionConnected bool  `json:"zmq_position_connected"`
	ZmqGateConnected     bool  `json:"zmq_gate_connected"`
	AthletesTracked      int   `json:"athletes_tracked"`
	MessagesRelayed      int64 `json:"messages_relayed"`
}
