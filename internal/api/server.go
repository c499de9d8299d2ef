// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package api expõe a API REST de operação do relay e o endpoint WebSocket,
// no mesmo listener HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/config"
	"github.com/nishisan-dev/startline-relay/internal/registry"
	"github.com/nishisan-dev/startline-relay/internal/session"
	"github.com/nishisan-dev/startline-relay/internal/ws"
)

// Relay é a interface que a API precisa do serviço. Desacopla o router do
// resto do processo e permite um fake nos testes.
type Relay interface {
	Health() map[string]any
	Athletes() []registry.Athlete
	ReplaceAthletes(athletes []registry.Athlete) int
	StartRecording(sessionID, description string) (string, error)
	StopRecording() (session.PackInfo, error)
	RecordingState() (session.RecorderState, string)
	SetStartSignal(tsMs int64) int64
	ClearStartSignal()
	StartSignal() (int64, bool)
	ResetRace()
	Store() *session.Store
	Hub() *ws.Hub
}

// Run inicia o servidor HTTP e bloqueia até o context ser cancelado.
func Run(ctx context.Context, cfg config.ServerInfo, relay Relay, logger *slog.Logger) error {
	// WriteTimeout fica de fora: o endpoint WebSocket vive no mesmo listener
	// e um deadline global mataria conexões longas no meio do stream.
	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     NewRouter(relay, logger),
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "address", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			srv.Close()
		}
		<-errCh
		return nil
	}
}

// NewRouter monta as rotas REST e o endpoint WebSocket.
func NewRouter(relay Relay, logger *slog.Logger) http.Handler {
	h := &handlers{relay: relay, logger: logger}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /api/athletes", h.athletes)
	mux.HandleFunc("PUT /api/athletes", h.replaceAthletes)

	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("POST /api/sessions/start", h.startSession)
	mux.HandleFunc("POST /api/sessions/stop", h.stopSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.deleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", h.sessionMessages)
	mux.HandleFunc("GET /api/sessions/{id}/export", h.exportSession)

	mux.HandleFunc("GET /api/start-signal", h.getStartSignal)
	mux.HandleFunc("POST /api/start-signal", h.setStartSignal)
	mux.HandleFunc("DELETE /api/start-signal", h.clearStartSignal)
	mux.HandleFunc("POST /api/reset", h.reset)

	mux.HandleFunc("GET /ws", relay.Hub().Handler)

	return mux
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// writeError envia um erro no formato {"error": "..."}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
