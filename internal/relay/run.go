// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/api"
	"github.com/nishisan-dev/startline-relay/internal/config"
	"github.com/nishisan-dev/startline-relay/internal/session"
	"github.com/nishisan-dev/startline-relay/internal/upstream"
)

// Run monta o serviço e bloqueia até o context ser cancelado.
func Run(ctx context.Context, cfg *config.RelayConfig, logger *slog.Logger) error {
	svc, err := NewService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return svc.Run(ctx, cfg)
}

// Run executa todos os loops do serviço: subscribers upstream, consumidores
// de frames, heartbeat, watchdog e o servidor HTTP. Retorna quando o context
// é cancelado ou o listener HTTP falha.
func (s *Service) Run(ctx context.Context, cfg *config.RelayConfig) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.sysmon.Start()
	s.sweeper.Start()

	var wg sync.WaitGroup
	wg.Add(6)
	go func() { defer wg.Done(); s.posSub.Run(runCtx) }()
	go func() { defer wg.Done(); s.gateSub.Run(runCtx) }()
	go func() { defer wg.Done(); s.consume(s.posSub.Frames(), s.pipeline.HandlePositionFrame) }()
	go func() { defer wg.Done(); s.consume(s.gateSub.Frames(), s.pipeline.HandleGateFrame) }()
	go func() { defer wg.Done(); s.heartbeatLoop(runCtx) }()
	go func() { defer wg.Done(); s.watchdogLoop(runCtx) }()

	err := api.Run(runCtx, cfg.Server, s, s.logger)

	// Shutdown ordenado: para o ingest, drena os loops, derruba os clients e
	// fecha a gravação ativa antes de retornar.
	cancel()
	wg.Wait()
	s.hub.CloseAll()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.sweeper.Stop(stopCtx)
	stopCancel()
	s.sysmon.Stop()

	if st, sid := s.recorder.State(); st == session.StateRecording {
		s.logger.Info("closing active recording on shutdown", "session", sid)
		if _, stopErr := s.StopRecording(); stopErr != nil {
			s.logger.Warn("closing recording on shutdown failed", "error", stopErr)
		}
	}
	return err
}

// consume drena um canal de frames até ele fechar, entregando cada frame ao
// estágio de parsing com o timestamp de recepção.
func (s *Service) consume(frames <-chan upstream.Frame, handle func([]byte, time.Time)) {
	for f := range frames {
		handle(f.Data, f.ReceivedAt)
	}
}
