// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PositionSample é uma linha POS parseada do formato texto upstream.
type PositionSample struct {
	DeviceID   int
	Lat        float64
	Lon        float64
	AltM       float64
	SourceMask int
	DeviceTsUs int64
}

// PositionBatch é um batch de posições parseado do stream upstream (porta 5000).
type PositionBatch struct {
	ServerTsUs int64
	Positions  []PositionSample
}

// ParseStats reporta o resultado de um parse. Os parsers são puros: os
// contadores agregados vivem no caller (pipeline), não aqui.
type ParseStats struct {
	Parsed  int
	Dropped int
}

// ParsePositionBatch parseia um batch do formato texto:
//
//	SERVER_TS:<us>
//	COUNT:<n>
//	POS:<dev>:<lat>:<lon>:<alt>:<mask>:<device_ts_us>
//
// Linhas malformadas são descartadas e contadas; o resto do batch ainda
// produz samples válidos. COUNT é informativo — contamos as linhas POS.
func ParsePositionBatch(raw string) (PositionBatch, ParseStats) {
	var batch PositionBatch
	var stats ParseStats

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "SERVER_TS:"):
			v, err := strconv.ParseInt(line[len("SERVER_TS:"):], 10, 64)
			if err != nil {
				stats.Dropped++
				continue
			}
			batch.ServerTsUs = v

		case strings.HasPrefix(line, "COUNT:"):
			// Informativo; ignorado mesmo quando divergente das linhas POS.

		case strings.HasPrefix(line, "POS:"):
			sample, err := parsePositionLine(line)
			if err != nil {
				stats.Dropped++
				continue
			}
			batch.Positions = append(batch.Positions, sample)
			stats.Parsed++

		default:
			// Prefixo desconhecido: tolerado sem contar como erro.
		}
	}

	return batch, stats
}

func parsePositionLine(line string) (PositionSample, error) {
	parts := strings.Split(line, ":")
	if len(parts) < 7 {
		return PositionSample{}, fmt.Errorf("pos line has %d fields, want 7", len(parts))
	}

	dev, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return PositionSample{}, fmt.Errorf("device_id: %w", err)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return PositionSample{}, fmt.Errorf("lat: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
	if err != nil {
		return PositionSample{}, fmt.Errorf("lon: %w", err)
	}
	alt, err := strconv.ParseFloat(strings.TrimSpace(parts[4]), 64)
	if err != nil {
		return PositionSample{}, fmt.Errorf("alt: %w", err)
	}
	mask, err := strconv.Atoi(strings.TrimSpace(parts[5]))
	if err != nil {
		return PositionSample{}, fmt.Errorf("source_mask: %w", err)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(parts[6]), 10, 64)
	if err != nil {
		return PositionSample{}, fmt.Errorf("device_ts: %w", err)
	}

	return PositionSample{
		DeviceID:   dev,
		Lat:        lat,
		Lon:        lon,
		AltM:       alt,
		SourceMask: mask,
		DeviceTsUs: ts,
	}, nil
}

// GateMetric é uma métrica de gate parseada do stream JSON upstream (porta 5001).
type GateMetric struct {
	TagID              string
	DeviceID           int
	DPerpSignedM       float64
	SAlong             float64
	GateLengthM        float64
	CrossingEvent      CrossingEvent
	CrossingTimeUs     *int64
	CrossingConfidence float64
	PositionQuality    float64
	TimeToLineS        *float64
	SpeedToLineMps     *float64
}

// GateRawAlert é um alerta de cruzamento parseado do stream de gate.
type GateRawAlert struct {
	TagID          string
	DeviceID       int
	Event          CrossingEvent
	CrossingTimeUs int64
	Confidence     float64
}

// GateBatch é um batch de métricas de gate parseado.
type GateBatch struct {
	ServerTsUs int64
	Metrics    []GateMetric
	Alerts     []GateRawAlert
}

// rawGateMetric usa ponteiros para distinguir campo ausente de valor zero.
// Campos obrigatórios ausentes descartam a métrica inteira.
type rawGateMetric struct {
	TagID              *string  `json:"tag_id"`
	DPerpSignedM       *float64 `json:"d_perp_signed_m"`
	SAlong             *float64 `json:"s_along"`
	GateLengthM        *float64 `json:"gate_length_m"`
	CrossingEvent      *string  `json:"crossing_event"`
	CrossingTimeUs     *int64   `json:"crossing_time_us"`
	CrossingConfidence *float64 `json:"crossing_confidence"`
	PositionQuality    *float64 `json:"tag_position_quality"`
	TimeToLineS        *float64 `json:"time_to_line_s"`
	SpeedToLineMps     *float64 `json:"speed_to_line_mps"`
}

type rawGateAlert struct {
	TagID          *string  `json:"tag_id"`
	Event          *string  `json:"event"`
	CrossingTimeUs *int64   `json:"crossing_time_us"`
	Confidence     *float64 `json:"confidence"`
}

type rawGateBatch struct {
	ServerTimestampUs int64          `json:"server_timestamp_us"`
	Metrics           []rawGateMetric `json:"metrics"`
	Alerts            []rawGateAlert  `json:"alerts"`
}

// ParseGateBatch parseia um batch JSON de métricas de gate. Retorna erro apenas
// quando o frame inteiro não é JSON válido; métricas individuais inválidas são
// descartadas e contadas em stats.Dropped. Campos desconhecidos são ignorados.
func ParseGateBatch(raw []byte) (GateBatch, ParseStats, error) {
	var rb rawGateBatch
	if err := json.Unmarshal(raw, &rb); err != nil {
		return GateBatch{}, ParseStats{Dropped: 1}, fmt.Errorf("parsing gate batch: %w", err)
	}

	batch := GateBatch{ServerTsUs: rb.ServerTimestampUs}
	var stats ParseStats

	for _, m := range rb.Metrics {
		if m.TagID == nil || m.DPerpSignedM == nil || m.SAlong == nil ||
			m.GateLengthM == nil || m.CrossingEvent == nil ||
			m.CrossingConfidence == nil || m.PositionQuality == nil {
			stats.Dropped++
			continue
		}
		dev, ok := TagDeviceID(*m.TagID)
		if !ok {
			stats.Dropped++
			continue
		}
		ev, ok := crossingEvent(*m.CrossingEvent)
		if !ok {
			stats.Dropped++
			continue
		}

		batch.Metrics = append(batch.Metrics, GateMetric{
			TagID:              *m.TagID,
			DeviceID:           dev,
			DPerpSignedM:       *m.DPerpSignedM,
			SAlong:             *m.SAlong,
			GateLengthM:        *m.GateLengthM,
			CrossingEvent:      ev,
			CrossingTimeUs:     m.CrossingTimeUs,
			CrossingConfidence: *m.CrossingConfidence,
			PositionQuality:    *m.PositionQuality,
			TimeToLineS:        m.TimeToLineS,
			SpeedToLineMps:     m.SpeedToLineMps,
		})
		stats.Parsed++
	}

	for _, a := range rb.Alerts {
		if a.TagID == nil || a.Event == nil {
			stats.Dropped++
			continue
		}
		dev, ok := TagDeviceID(*a.TagID)
		if !ok {
			stats.Dropped++
			continue
		}
		ev, ok := crossingEvent(*a.Event)
		if !ok {
			stats.Dropped++
			continue
		}

		alert := GateRawAlert{TagID: *a.TagID, DeviceID: dev, Event: ev}
		if a.CrossingTimeUs != nil {
			alert.CrossingTimeUs = *a.CrossingTimeUs
		}
		if a.Confidence != nil {
			alert.Confidence = *a.Confidence
		}
		batch.Alerts = append(batch.Alerts, alert)
	}

	return batch, stats, nil
}

// TagDeviceID converte um tag id upstream ("T0", "T1", ...) para o device_id
// numérico correspondente (T0=1, T1=2, ...).
func TagDeviceID(tagID string) (int, bool) {
	if !strings.HasPrefix(tagID, "T") {
		return 0, false
	}
	idx, err := strconv.Atoi(tagID[1:])
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx + 1, true
}

func crossingEvent(s string) (CrossingEvent, bool) {
	switch CrossingEvent(s) {
	case NoCrossing, CrossingLeft, CrossingRight:
		return CrossingEvent(s), true
	}
	return "", false
}
