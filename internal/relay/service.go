// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/classifier"
	"github.com/nishisan-dev/startline-relay/internal/config"
	"github.com/nishisan-dev/startline-relay/internal/kinematics"
	"github.com/nishisan-dev/startline-relay/internal/registry"
	"github.com/nishisan-dev/startline-relay/internal/session"
	"github.com/nishisan-dev/startline-relay/internal/startline"
	"github.com/nishisan-dev/startline-relay/internal/state"
	"github.com/nishisan-dev/startline-relay/internal/upstream"
	"github.com/nishisan-dev/startline-relay/internal/wire"
	"github.com/nishisan-dev/startline-relay/internal/ws"
)

// velocityWindow é a janela de samples por device para SOG/COG.
const velocityWindow = 10

// velocityMaxAge limita a idade dos samples usados no cálculo de SOG/COG.
const velocityMaxAge = 2 * time.Second

// Service agrega todos os componentes do relay em execução.
type Service struct {
	logger         *slog.Logger
	startedAt      time.Time
	heartbeatEvery time.Duration
	staleAfter     time.Duration

	registry   *registry.Registry
	tracker    *kinematics.Tracker
	classifier *classifier.Classifier
	table      *state.Table
	line       *startline.Tracker
	watch      *DeviceWatch
	hub        *ws.Hub
	fab        *Fabricator
	pipeline   *Pipeline

	posSub  *upstream.Subscriber
	gateSub *upstream.Subscriber

	store    *session.Store
	recorder *session.Recorder
	sweeper  *session.Sweeper
	archiver *session.Archiver
	sysmon   *SystemMonitor
}

// NewService monta o grafo de componentes a partir da configuração.
func NewService(ctx context.Context, cfg *config.RelayConfig, logger *slog.Logger) (*Service, error) {
	reg := registry.New()
	if cfg.Registry.File != "" {
		if err := reg.Load(cfg.Registry.File); err != nil {
			return nil, err
		}
		logger.Info("athlete registry loaded", "file", cfg.Registry.File, "athletes", reg.Count())
	} else {
		logger.Info("no athlete registry configured, using synthetic entries")
	}

	store, err := session.NewStore(cfg.Session.PacksDir)
	if err != nil {
		return nil, err
	}
	recorder := session.NewRecorder(store, cfg.Session.Seal == "zst", logger)

	archiver, err := session.NewArchiver(ctx, cfg.Session.Archive, logger)
	if err != nil {
		return nil, err
	}

	sweeper, err := session.NewSweeper(store, func() string {
		_, sid := recorder.State()
		return sid
	}, cfg.Session.Retention.Schedule, cfg.Session.Retention.MaxPacks, cfg.Session.Retention.MaxAge, logger)
	if err != nil {
		return nil, fmt.Errorf("building retention sweeper: %w", err)
	}

	hub := ws.NewHub(cfg.WS.QueueSize, cfg.WS.WriteDeadline, cfg.WS.OverflowGrace, cfg.WS.AllowOrigins, logger)
	fab := NewFabricator(hub, recorder)

	cls := classifier.New(cfg.Classifier.DistThresholdM, cfg.Classifier.EtaThresholdS, cfg.Classifier.StaleThreshold)
	table := state.NewTable()
	line := startline.New(cfg.StartLine.AnchorLeftID, cfg.StartLine.AnchorRightID, cfg.StartLine.StaleAfter)
	watch := NewDeviceWatch(cfg.Heartbeat.OfflineAfter)
	tracker := kinematics.NewTracker(velocityWindow, velocityMaxAge)

	s := &Service{
		logger:         logger,
		startedAt:      time.Now(),
		heartbeatEvery: cfg.Heartbeat.Interval,
		staleAfter:     cfg.Classifier.StaleThreshold,
		registry:       reg,
		tracker:        tracker,
		classifier:     cls,
		table:          table,
		line:           line,
		watch:          watch,
		hub:            hub,
		fab:            fab,
		store:          store,
		recorder:       recorder,
		sweeper:        sweeper,
		archiver:       archiver,
		sysmon:         NewSystemMonitor(cfg.Session.PacksDir, logger),
		posSub: upstream.NewSubscriber("position", cfg.Upstream.PositionEndpoint,
			cfg.Upstream.ReconnectMin, cfg.Upstream.ReconnectMax, logger),
		gateSub: upstream.NewSubscriber("gate", cfg.Upstream.GateEndpoint,
			cfg.Upstream.ReconnectMin, cfg.Upstream.ReconnectMax, logger),
	}
	s.pipeline = NewPipeline(reg, tracker, cls, table, line, watch, fab, cfg.Upstream.GateSignFlip, logger)

	recorder.OnFault = s.onRecorderFault
	hub.Welcome = s.welcome
	return s, nil
}

// Hub expõe o hub WebSocket (handler HTTP do upgrade).
func (s *Service) Hub() *ws.Hub { return s.hub }

// Store expõe o catálogo de packs para a API.
func (s *Service) Store() *session.Store { return s.store }

// Athletes retorna o registry corrente.
func (s *Service) Athletes() []registry.Athlete { return s.registry.All() }

// ReplaceAthletes troca a tabela de atletas inteira de forma atômica.
// Leitores em voo terminam com o snapshot antigo; o próximo lookup já vê o novo.
func (s *Service) ReplaceAthletes(athletes []registry.Athlete) int {
	s.registry.Replace(athletes)
	count := s.registry.Count()
	s.logger.Info("athlete registry replaced", "count", count)
	return count
}

// SetStartSignal arma o start signal. tsMs zero usa o relógio do relay.
// Retorna o timestamp efetivo.
func (s *Service) SetStartSignal(tsMs int64) int64 {
	now := time.Now()
	if tsMs == 0 {
		tsMs = now.UnixMilli()
	}
	s.classifier.SetStartSignal(tsMs)
	s.logger.Info("start signal set", "ts_ms", tsMs)
	s.fab.Emit(wire.TypeEvent, wire.EventPayload{
		EventKind: wire.EventStartSignal,
		Details:   map[string]any{"ts_ms": tsMs},
	}, now)
	return tsMs
}

// ClearStartSignal desarma o start signal.
func (s *Service) ClearStartSignal() {
	s.classifier.ClearStartSignal()
	s.logger.Info("start signal cleared")
}

// StartSignal retorna o start signal corrente, se armado.
func (s *Service) StartSignal() (int64, bool) {
	return s.classifier.StartSignal()
}

// ResetRace limpa latches, status e estado por atleta (nova prova).
func (s *Service) ResetRace() {
	s.pipeline.ResetRace()
}

// StartRecording abre uma gravação nova. sessionID vazio gera um id pelo
// relógio. Retorna o session id efetivo.
func (s *Service) StartRecording(sessionID, description string) (string, error) {
	now := time.Now()
	if sessionID == "" {
		sessionID = "session-" + now.UTC().Format("20060102-150405")
	}
	if err := s.recorder.Start(sessionID, description, now); err != nil {
		return "", err
	}
	s.fab.SetSession(sessionID)

	// A geometria corrente entra no início do pack: o replay precisa da
	// linha antes do primeiro position_update.
	if def := s.line.Current(); def != nil {
		s.fab.Emit(wire.TypeStartLine, *def, now)
	}
	s.logger.Info("recording started", "session", sessionID)
	return sessionID, nil
}

// StopRecording finaliza a gravação corrente e dispara o archive opcional.
func (s *Service) StopRecording() (session.PackInfo, error) {
	s.fab.ClearSession()
	info, err := s.recorder.Stop()
	if err != nil {
		return session.PackInfo{}, err
	}
	s.logger.Info("recording stopped", "session", info.SessionID, "bytes", info.SizeBytes)

	if s.archiver != nil {
		go func(info session.PackInfo) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := s.archiver.Upload(ctx, info); err != nil {
				s.logger.Error("pack archive failed", "session", info.SessionID, "error", err)
			}
		}(info)
	}
	return info, nil
}

// RecordingState retorna o estado do recorder e o session id ativo.
func (s *Service) RecordingState() (session.RecorderState, string) {
	return s.recorder.State()
}

// Health monta o documento de /api/health.
func (s *Service) Health() map[string]any {
	now := time.Now()
	hubStats := s.hub.Snapshot()
	recState, recSession := s.recorder.State()

	doc := map[string]any{
		"status":                 "healthy",
		"uptime_s":               int64(now.Sub(s.startedAt).Seconds()),
		"zmq_position_connected": s.posSub.Connected(),
		"zmq_gate_connected":     s.gateSub.Connected(),
		"ws_clients":             hubStats.ConnectedClients,
		"athletes_registered":    s.registry.Count(),
		"athletes_tracked":       s.table.Count(),
		"messages_relayed":       hubStats.MessagesRelayed,
		"messages_dropped":       hubStats.MessagesDropped,
		"slow_disconnects":       hubStats.SlowDisconnects,
		"parser_counters":        s.pipeline.Stats(),
		"upstream": map[string]any{
			"position": s.posSub.Snapshot(),
			"gate":     s.gateSub.Snapshot(),
		},
		"recording": recState == session.StateRecording,
		"system":    s.sysmon.Stats(),
	}
	if recSession != "" {
		doc["recording_session"] = recSession
	}
	if def := s.line.Current(); def != nil {
		doc["start_line_quality"] = string(def.Quality)
		doc["gate_length_m"] = def.GateLengthM
	}
	if ts, ok := s.classifier.StartSignal(); ok {
		doc["start_signal_ms"] = ts
	}
	return doc
}

// welcome entrega o snapshot inicial de um client WebSocket novo: linha de
// largada, últimas posições conhecidas e um heartbeat imediato. Estampagem e
// entrega rodam na seção crítica do fabricator, em ordem de seq.
func (s *Service) welcome(deliver func(wire.Envelope)) {
	now := time.Now()

	snap := s.table.Snapshot()
	entries := make([]wire.PositionEntry, 0, len(snap))
	for _, st := range snap {
		if st.Position == nil {
			continue
		}
		entry := wire.PositionEntry{
			AthleteID:  st.Athlete.AthleteID,
			DeviceID:   st.DeviceID,
			Name:       st.Athlete.Name,
			Team:       st.Athlete.Team,
			Lat:        st.Position.Lat,
			Lon:        st.Position.Lon,
			AltM:       st.Position.AltM,
			SourceMask: st.Position.SourceMask,
			DeviceTsMs: st.Position.DeviceTsMs,
			DataAgeMs:  now.UnixMilli() - st.Position.DeviceTsMs,
		}
		if st.Velocity != nil {
			sog, cog := st.Velocity.SogKn, st.Velocity.CogDeg
			entry.SogKn = &sog
			entry.CogDeg = &cog
		}
		entries = append(entries, entry)
	}

	s.fab.Welcome(func(stamp StampFunc) {
		if def := s.line.Current(); def != nil {
			deliver(stamp(wire.TypeStartLine, *def, now))
		}
		if len(entries) > 0 {
			deliver(stamp(wire.TypePositionUpdate, wire.PositionUpdatePayload{Positions: entries}, now))
		}
		deliver(stamp(wire.TypeHeartbeat, s.heartbeatPayload(now), now))
	})
}

// onRecorderFault derruba a sessão corrente e avisa os clients.
func (s *Service) onRecorderFault(sessionID string, err error) {
	s.fab.ClearSession()
	s.fab.Emit(wire.TypeEvent, wire.EventPayload{
		EventKind: wire.EventSystemError,
		Details: map[string]any{
			"component": "recorder",
			"session":   sessionID,
			"message":   "recording aborted by write failure",
		},
	}, time.Now())
}
