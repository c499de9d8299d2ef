// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mock

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/startline-relay/internal/registry"
	"github.com/nishisan-dev/startline-relay/internal/relay"
	"github.com/nishisan-dev/startline-relay/internal/session"
	"github.com/nishisan-dev/startline-relay/internal/wire"
	"github.com/nishisan-dev/startline-relay/internal/ws"
)

const (
	// tickHz é a cadência dos streams sintéticos, igual ao engine real.
	tickHz = 10

	heartbeatEvery = 5 * time.Second
)

// Service serve o contrato WS/REST do relay a partir da frota sintética.
// Implementa a mesma interface que a API espera do relay real.
type Service struct {
	logger   *slog.Logger
	fleet    *Fleet
	hub      *ws.Hub
	store    *session.Store
	recorder *session.Recorder
	fab      *relay.Fabricator

	startedAt time.Time
	signalMs  atomic.Int64
	roster    atomic.Pointer[[]registry.Athlete]
}

// NewService monta o mock sobre um diretório de packs próprio.
func NewService(packsDir string, seed int64, logger *slog.Logger) (*Service, error) {
	store, err := session.NewStore(packsDir)
	if err != nil {
		return nil, err
	}
	recorder := session.NewRecorder(store, false, logger)
	hub := ws.NewHub(64, 5*time.Second, 2*time.Second, nil, logger)

	s := &Service{
		logger:    logger,
		fleet:     NewFleet(seed),
		hub:       hub,
		store:     store,
		recorder:  recorder,
		fab:       relay.NewFabricator(hub, recorder),
		startedAt: time.Now(),
	}
	hub.Welcome = s.welcome
	return s, nil
}

// Run gera os ticks a 10Hz até o cancelamento do contexto.
func (s *Service) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(tickHz), 1)
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	s.fab.Emit(wire.TypeStartLine, s.fleet.StartLine(), time.Now())

	last := time.Now()
	for {
		if err := limiter.Wait(ctx); err != nil {
			s.hub.CloseAll()
			return nil
		}

		now := time.Now()
		positions, gates := s.fleet.Step(now.Sub(last), now)
		last = now

		s.fab.Emit(wire.TypePositionUpdate, positions, now)
		s.fab.Emit(wire.TypeGateMetrics, gates, now)
		for _, a := range gates.Alerts {
			athleteID, name := a.AthleteID, a.Name
			s.fab.Emit(wire.TypeEvent, wire.EventPayload{
				EventKind: wire.EventCrossing,
				AthleteID: &athleteID,
				Name:      &name,
				Details: map[string]any{
					"crossing_ts_ms": a.CrossingTsMs,
					"confidence":     a.Confidence,
				},
			}, now)
		}

		select {
		case <-heartbeat.C:
			s.fab.Emit(wire.TypeHeartbeat, s.heartbeatPayload(now), now)
		default:
		}
	}
}

func (s *Service) heartbeatPayload(now time.Time) wire.HeartbeatPayload {
	stats := s.hub.Snapshot()
	return wire.HeartbeatPayload{
		UptimeS:              int64(now.Sub(s.startedAt).Seconds()),
		ConnectedClients:     stats.ConnectedClients,
		ZmqPositionConnected: true,
		ZmqGateConnected:     true,
		AthletesTracked:      fleetSize,
		MessagesRelayed:      int64(stats.MessagesRelayed),
	}
}

func (s *Service) welcome(deliver func(wire.Envelope)) {
	now := time.Now()
	s.fab.Welcome(func(stamp relay.StampFunc) {
		deliver(stamp(wire.TypeStartLine, s.fleet.StartLine(), now))
		deliver(stamp(wire.TypeHeartbeat, s.heartbeatPayload(now), now))
	})
}

// Health implementa o /api/health do mock.
func (s *Service) Health() map[string]any {
	stats := s.hub.Snapshot()
	recState, recSession := s.recorder.State()
	doc := map[string]any{
		"status":                 "healthy",
		"mock":                   true,
		"uptime_s":               int64(time.Since(s.startedAt).Seconds()),
		"zmq_position_connected": true,
		"zmq_gate_connected":     true,
		"ws_clients":             stats.ConnectedClients,
		"athletes_registered":    fleetSize,
		"athletes_tracked":       fleetSize,
		"messages_relayed":       stats.MessagesRelayed,
		"recording":              recState == session.StateRecording,
	}
	if recSession != "" {
		doc["recording_session"] = recSession
	}
	if ts := s.signalMs.Load(); ts != 0 {
		doc["start_signal_ms"] = ts
	}
	return doc
}

// Athletes retorna a frota sintética, ou o roster substituído via API.
func (s *Service) Athletes() []registry.Athlete {
	if roster := s.roster.Load(); roster != nil {
		return *roster
	}
	return s.fleet.Athletes()
}

// ReplaceAthletes aceita o replace da API; o gerador continua dirigindo a
// frota sintética, só a listagem muda.
func (s *Service) ReplaceAthletes(athletes []registry.Athlete) int {
	s.roster.Store(&athletes)
	return len(athletes)
}

// StartRecording grava o stream sintético num pack real.
func (s *Service) StartRecording(sessionID, description string) (string, error) {
	now := time.Now()
	if sessionID == "" {
		sessionID = "mock-" + now.UTC().Format("20060102-150405")
	}
	if err := s.recorder.Start(sessionID, description, now); err != nil {
		return "", err
	}
	s.fab.SetSession(sessionID)
	s.fab.Emit(wire.TypeStartLine, s.fleet.StartLine(), now)
	return sessionID, nil
}

// StopRecording finaliza a gravação corrente.
func (s *Service) StopRecording() (session.PackInfo, error) {
	s.fab.ClearSession()
	return s.recorder.Stop()
}

// RecordingState retorna o estado do recorder.
func (s *Service) RecordingState() (session.RecorderState, string) {
	return s.recorder.State()
}

// SetStartSignal arma o start signal sintético e emite o evento.
func (s *Service) SetStartSignal(tsMs int64) int64 {
	now := time.Now()
	if tsMs == 0 {
		tsMs = now.UnixMilli()
	}
	s.signalMs.Store(tsMs)
	s.fab.Emit(wire.TypeEvent, wire.EventPayload{
		EventKind: wire.EventStartSignal,
		Details:   map[string]any{"ts_ms": tsMs},
	}, now)
	return tsMs
}

// ClearStartSignal desarma o start signal.
func (s *Service) ClearStartSignal() { s.signalMs.Store(0) }

// StartSignal retorna o start signal corrente.
func (s *Service) StartSignal() (int64, bool) {
	ts := s.signalMs.Load()
	return ts, ts != 0
}

// ResetRace devolve a frota ao cenário pré-largada.
func (s *Service) ResetRace() {
	s.fleet.Reset()
	s.signalMs.Store(0)
	s.logger.Info("mock fleet reset")
}

// Store expõe o catálogo de packs do mock.
func (s *Service) Store() *session.Store { return s.store }

// Hub expõe o hub WebSocket do mock.
func (s *Service) Hub() *ws.Hub { return s.hub }
