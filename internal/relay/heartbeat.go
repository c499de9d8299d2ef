// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/wire"
)

// watchdogInterval é o período do watchdog de devices e âncoras.
const watchdogInterval = time.Second

// heartbeatLoop emite o heartbeat periódico do relay até o cancelamento.
func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fab.Emit(wire.TypeHeartbeat, s.heartbeatPayload(now), now)
		}
	}
}

// heartbeatPayload monta o payload de heartbeat a partir do estado corrente.
func (s *Service) heartbeatPayload(now time.Time) wire.HeartbeatPayload {
	hubStats := s.hub.Snapshot()
	return wire.HeartbeatPayload{
		UptimeS:              int64(now.Sub(s.startedAt).Seconds()),
		ConnectedClients:     hubStats.ConnectedClients,
		ZmqPositionConnected: s.posSub.Connected(),
		ZmqGateConnected:     s.gateSub.Connected(),
		AthletesTracked:      s.table.Count(),
		MessagesRelayed:      int64(hubStats.MessagesRelayed),
	}
}

// watchdogLoop detecta devices mudos e reavalia a qualidade da linha de
// largada por staleness das âncoras.
func (s *Service) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, payload := range s.watch.SweepOffline(now) {
				id := payload.DeviceID
				s.logger.Warn("device went offline", "device", id)
				s.fab.Emit(wire.TypeEvent, wire.EventPayload{
					EventKind: wire.EventDeviceOffline,
					Details:   map[string]any{"device_id": id, "last_seen_ms": payload.LastSeenMs},
				}, now)
				s.fab.Emit(wire.TypeDeviceHealth, payload, now)
			}

			// Com os dois streams mudos nenhum frame reclassifica o device:
			// a varredura marca STALE direto na tabela.
			for _, tr := range s.table.MarkStale(s.staleAfter, now) {
				athleteID, name := tr.Athlete.AthleteID, tr.Athlete.Name
				s.logger.Warn("athlete data stale", "athlete", athleteID, "device", tr.DeviceID)
				s.fab.Emit(wire.TypeEvent, wire.EventPayload{
					EventKind: wire.EventStatusChange,
					AthleteID: &athleteID,
					Name:      &name,
					Details: map[string]any{
						"device_id": tr.DeviceID,
						"from":      string(tr.From),
						"to":        string(wire.StatusStale),
					},
				}, now)
			}

			if def, pub := s.line.Refresh(now); pub {
				s.logger.Info("start line quality changed", "quality", string(def.Quality))
				s.fab.Emit(wire.TypeStartLine, *def, now)
			}
		}
	}
}
