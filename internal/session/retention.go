// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper remove packs excedentes em um cron configurável: mantém os
// maxPacks mais recentes e descarta packs mais velhos que maxAge.
type Sweeper struct {
	store    *Store
	maxPacks int
	maxAge   time.Duration
	logger   *slog.Logger

	// activeSession retorna o id da gravação em andamento (vazio quando IDLE);
	// esse pack nunca é removido.
	activeSession func() string

	cron    *cron.Cron
	mu      sync.Mutex // garante apenas uma varredura por vez
	running bool
}

// NewSweeper cria um Sweeper com a expressão cron fornecida.
// maxAge zero desativa o corte por idade.
func NewSweeper(store *Store, activeSession func() string, schedule string, maxPacks int, maxAge time.Duration, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		store:         store,
		activeSession: activeSession,
		maxPacks:      maxPacks,
		maxAge:        maxAge,
		logger:        logger,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.execute); err != nil {
		return nil, err
	}

	s.cron = c
	return s, nil
}

// Start inicia o sweeper.
func (s *Sweeper) Start() {
	s.logger.Info("retention sweeper started", "max_packs", s.maxPacks, "max_age", s.maxAge.String())
	s.cron.Start()
}

// Stop para o sweeper e aguarda a varredura em andamento.
func (s *Sweeper) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("retention sweeper stopped")
	case <-ctx.Done():
		s.logger.Warn("retention sweeper stop timed out")
	}
}

func (s *Sweeper) execute() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("sweep already running, skipping scheduled execution")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if removed, err := s.Sweep(time.Now()); err != nil {
		s.logger.Error("retention sweep failed", "error", err)
	} else if removed > 0 {
		s.logger.Info("retention sweep removed packs", "removed", removed)
	}
}

// Sweep aplica a política de retenção uma vez e retorna quantos packs saíram.
// A sessão em gravação nunca é removida.
func (s *Sweeper) Sweep(now time.Time) (int, error) {
	packs, err := s.store.List()
	if err != nil {
		return 0, err
	}

	activeID := ""
	if s.activeSession != nil {
		activeID = s.activeSession()
	}

	removed := 0
	cutoffMs := int64(0)
	if s.maxAge > 0 {
		cutoffMs = now.Add(-s.maxAge).UnixMilli()
	}

	// List retorna mais recentes primeiro: o excedente está no fim.
	for i, p := range packs {
		if p.SessionID == activeID {
			continue
		}
		tooMany := s.maxPacks > 0 && i >= s.maxPacks
		tooOld := cutoffMs > 0 && p.ModifiedMs < cutoffMs
		if !tooMany && !tooOld {
			continue
		}
		if err := s.store.Delete(p.SessionID); err != nil {
			s.logger.Warn("failed to remove expired pack", "session", p.SessionID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
