// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/classifier"
	"github.com/nishisan-dev/startline-relay/internal/kinematics"
	"github.com/nishisan-dev/startline-relay/internal/registry"
	"github.com/nishisan-dev/startline-relay/internal/startline"
	"github.com/nishisan-dev/startline-relay/internal/state"
	"github.com/nishisan-dev/startline-relay/internal/wire"
)

// PipelineStats são os contadores de parsing e classificação, expostos no
// /api/health.
type PipelineStats struct {
	PositionsParsed  uint64 `json:"positions_parsed"`
	PositionsDropped uint64 `json:"positions_dropped"`
	GateParsed       uint64 `json:"gate_parsed"`
	GateDropped      uint64 `json:"gate_dropped"`
	FrameErrors      uint64 `json:"frame_errors"`
	GateSignFlips    uint64 `json:"gate_sign_flips"`
}

// Pipeline transforma frames upstream em envelopes outbound: parse,
// cinemática, classificação de status e mesclagem no estado por atleta.
type Pipeline struct {
	registry   *registry.Registry
	tracker    *kinematics.Tracker
	classifier *classifier.Classifier
	table      *state.Table
	line       *startline.Tracker
	watch      *DeviceWatch
	fab        *Fabricator
	logger     *slog.Logger

	// signFlip nega d_perp_signed_m na entrada (upstream.gate_sign_flip).
	signFlip bool

	posParsed   atomic.Uint64
	posDropped  atomic.Uint64
	gateParsed  atomic.Uint64
	gateDropped atomic.Uint64
	frameErrors atomic.Uint64
	signFlips   atomic.Uint64

	// lastSign guarda o sinal de d_perp por device para detectar flips sem
	// crossing_event. Tocado apenas pela goroutine do stream de gate.
	signMu   sync.Mutex
	lastSign map[int]int
}

// NewPipeline liga os estágios de processamento.
func NewPipeline(reg *registry.Registry, tracker *kinematics.Tracker, cls *classifier.Classifier,
	table *state.Table, line *startline.Tracker, watch *DeviceWatch, fab *Fabricator,
	signFlip bool, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry:   reg,
		tracker:    tracker,
		classifier: cls,
		table:      table,
		line:       line,
		watch:      watch,
		fab:        fab,
		logger:     logger,
		signFlip:   signFlip,
		lastSign:   make(map[int]int),
	}
}

// Stats retorna os contadores correntes.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		PositionsParsed:  p.posParsed.Load(),
		PositionsDropped: p.posDropped.Load(),
		GateParsed:       p.gateParsed.Load(),
		GateDropped:      p.gateDropped.Load(),
		FrameErrors:      p.frameErrors.Load(),
		GateSignFlips:    p.signFlips.Load(),
	}
}

// HandlePositionFrame processa um frame do stream de posições: âncoras
// alimentam a linha de largada, tags viram um batch position_update.
func (p *Pipeline) HandlePositionFrame(data []byte, now time.Time) {
	batch, stats := wire.ParsePositionBatch(string(data))
	p.posParsed.Add(uint64(stats.Parsed))
	p.posDropped.Add(uint64(stats.Dropped))
	if stats.Dropped > 0 {
		p.logger.Warn("position frame had malformed lines", "dropped", stats.Dropped)
	}

	entries := make([]wire.PositionEntry, 0, len(batch.Positions))
	for _, s := range batch.Positions {
		deviceTs := time.UnixMicro(s.DeviceTsUs)
		id := strconv.Itoa(s.DeviceID)

		if p.line.IsAnchor(s.DeviceID) {
			if p.watch.Touch(id, wire.DeviceAnchor, now) {
				p.emitDeviceOnline(id, now)
			}
			if def, pub := p.line.Update(s.DeviceID, s.Lat, s.Lon, now); pub {
				p.fab.Emit(wire.TypeStartLine, *def, now)
			}
			continue
		}

		if p.watch.Touch(id, wire.DeviceTag, now) {
			p.emitDeviceOnline(id, now)
		}
		p.classifier.Touch(s.DeviceID, now)

		vel := p.tracker.Update(s.DeviceID, s.Lat, s.Lon, deviceTs)
		ath := p.registry.GetOrDefault(s.DeviceID)

		deviceTsMs := deviceTs.UnixMilli()
		dataAge := now.UnixMilli() - deviceTsMs
		if dataAge < 0 {
			dataAge = 0
		}

		p.table.ApplyPosition(s.DeviceID, ath, state.Position{
			Lat:        s.Lat,
			Lon:        s.Lon,
			AltM:       s.AltM,
			SourceMask: s.SourceMask,
			DeviceTsMs: deviceTsMs,
		}, vel, now)

		entry := wire.PositionEntry{
			AthleteID:  ath.AthleteID,
			DeviceID:   s.DeviceID,
			Name:       ath.Name,
			Team:       ath.Team,
			Lat:        s.Lat,
			Lon:        s.Lon,
			AltM:       s.AltM,
			SourceMask: s.SourceMask,
			DeviceTsMs: deviceTsMs,
			DataAgeMs:  dataAge,
		}
		if vel != nil {
			sog, cog := vel.SogKn, vel.CogDeg
			entry.SogKn = &sog
			entry.CogDeg = &cog
		}
		entries = append(entries, entry)
	}

	if len(entries) > 0 {
		p.fab.Emit(wire.TypePositionUpdate, wire.PositionUpdatePayload{Positions: entries}, now)
	}
}

// HandleGateFrame processa um frame do stream de gate: classifica cada
// métrica, emite transições como events e repassa alerts de cruzamento.
func (p *Pipeline) HandleGateFrame(data []byte, now time.Time) {
	batch, stats, err := wire.ParseGateBatch(data)
	if err != nil {
		p.frameErrors.Add(1)
		p.logger.Warn("gate frame unparseable", "error", err)
		return
	}
	p.gateParsed.Add(uint64(stats.Parsed))
	p.gateDropped.Add(uint64(stats.Dropped))
	if stats.Dropped > 0 {
		p.logger.Warn("gate frame had invalid metrics", "dropped", stats.Dropped)
	}

	metrics := make([]wire.GateMetricEntry, 0, len(batch.Metrics))
	for _, m := range batch.Metrics {
		if p.signFlip {
			m.DPerpSignedM = -m.DPerpSignedM
		}
		ath := p.registry.GetOrDefault(m.DeviceID)
		p.checkSignFlip(m)

		status, tr := p.classifier.Classify(m, now)
		p.table.ApplyGate(m.DeviceID, ath, m, status, now)

		entry := wire.GateMetricEntry{
			AthleteID:          ath.AthleteID,
			DeviceID:           m.DeviceID,
			Name:               ath.Name,
			DistToLineM:        m.DPerpSignedM,
			SAlong:             m.SAlong,
			EtaToLineS:         m.TimeToLineS,
			GateLengthM:        m.GateLengthM,
			Status:             status,
			CrossingEvent:      m.CrossingEvent,
			CrossingConfidence: m.CrossingConfidence,
			PositionQuality:    m.PositionQuality,
		}
		if m.SpeedToLineMps != nil {
			entry.SpeedToLineMps = *m.SpeedToLineMps
		}
		metrics = append(metrics, entry)

		if tr != nil {
			p.emitTransition(tr, ath, now)
		}
	}

	alerts := make([]wire.GateAlert, 0, len(batch.Alerts))
	for _, a := range batch.Alerts {
		ath := p.registry.GetOrDefault(a.DeviceID)
		alerts = append(alerts, wire.GateAlert{
			AthleteID:    ath.AthleteID,
			Name:         ath.Name,
			Event:        a.Event,
			CrossingTsMs: a.CrossingTimeUs / 1000,
			Confidence:   a.Confidence,
		})
		// Alert e transição CROSSED disputam o mesmo evento único por atleta.
		if p.classifier.MarkCrossingEmitted(a.DeviceID, now) {
			p.emitEvent(wire.EventCrossing, ath, now, map[string]any{
				"device_id":      a.DeviceID,
				"crossing_ts_ms": a.CrossingTimeUs / 1000,
				"confidence":     a.Confidence,
			})
		}
	}

	if len(metrics) > 0 || len(alerts) > 0 {
		p.fab.Emit(wire.TypeGateMetrics, wire.GateMetricsPayload{Metrics: metrics, Alerts: alerts}, now)
	}
}

// emitTransition converte uma transição de status no event correspondente.
func (p *Pipeline) emitTransition(tr *classifier.Transition, ath registry.Athlete, now time.Time) {
	details := map[string]any{
		"device_id":      tr.DeviceID,
		"from":           string(tr.From),
		"to":             string(tr.To),
		"dist_to_line_m": tr.Metric.DPerpSignedM,
	}

	switch tr.To {
	case wire.StatusRisk:
		p.emitEvent(wire.EventRiskAlert, ath, now, details)
	case wire.StatusCrossed:
		if p.classifier.MarkCrossingEmitted(tr.DeviceID, now) {
			p.emitEvent(wire.EventCrossing, ath, now, details)
		}
	case wire.StatusOCS:
		if p.classifier.MarkOCSEmitted(tr.DeviceID, now) {
			p.emitEvent(wire.EventOCS, ath, now, details)
		}
	default:
		p.emitEvent(wire.EventStatusChange, ath, now, details)
	}

	p.logger.Info("athlete status changed",
		"athlete", ath.AthleteID, "from", string(tr.From), "to", string(tr.To))
}

func (p *Pipeline) emitEvent(kind wire.EventKind, ath registry.Athlete, now time.Time, details map[string]any) {
	athleteID, name := ath.AthleteID, ath.Name
	p.fab.Emit(wire.TypeEvent, wire.EventPayload{
		EventKind: kind,
		AthleteID: &athleteID,
		Name:      &name,
		Details:   details,
	}, now)
}

func (p *Pipeline) emitDeviceOnline(deviceID string, now time.Time) {
	p.fab.Emit(wire.TypeEvent, wire.EventPayload{
		EventKind: wire.EventDeviceOnline,
		Details:   map[string]any{"device_id": deviceID},
	}, now)
	if payload, ok := p.watch.Health(deviceID); ok {
		p.fab.Emit(wire.TypeDeviceHealth, payload, now)
	}
}

// checkSignFlip detecta inversões do sinal de d_perp sem crossing_event,
// sintoma de âncoras trocadas ou geometria degradada.
func (p *Pipeline) checkSignFlip(m wire.GateMetric) {
	sign := 0
	if m.DPerpSignedM > 0 {
		sign = 1
	} else if m.DPerpSignedM < 0 {
		sign = -1
	}
	if sign == 0 {
		return
	}

	p.signMu.Lock()
	prev := p.lastSign[m.DeviceID]
	p.lastSign[m.DeviceID] = sign
	p.signMu.Unlock()

	if prev != 0 && prev != sign && m.CrossingEvent == wire.NoCrossing {
		p.signFlips.Add(1)
		p.logger.Warn("gate sign flip without crossing event",
			"tag", m.TagID, "d_perp_m", m.DPerpSignedM)
	}
}

// ResetRace limpa o estado de prova: classificação, latches, start signal,
// tabela de atletas e histórico cinemático. A linha de largada permanece.
func (p *Pipeline) ResetRace() {
	p.classifier.ResetAll()
	p.table.Reset()
	p.tracker.Reset()
	p.signMu.Lock()
	p.lastSign = make(map[int]int)
	p.signMu.Unlock()
	p.logger.Info("race state reset")
}
