// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ws implementa o fan-out WebSocket do relay: um hub broadcast com
// fila bounded por client e política de descarte por classe de mensagem.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/startline-relay/internal/wire"
)

// Stats são os contadores do hub, lidos pelo heartbeat e pelo health.
type Stats struct {
	ConnectedClients int
	MessagesRelayed  uint64
	MessagesDropped  uint64
	SlowDisconnects  uint64
}

// Hub mantém o conjunto de clients e distribui cada Envelope serializado
// uma única vez para todas as filas.
type Hub struct {
	queueSize     int
	writeDeadline time.Duration
	overflowGrace time.Duration
	logger        *slog.Logger

	upgrader websocket.Upgrader

	// Welcome, quando definido, entrega a cada client recém-conectado os
	// envelopes iniciais (start line corrente, snapshot de posições) pelo
	// deliver recebido. A estampagem fica a cargo do hook, que deve rodar a
	// entrega na mesma seção crítica do sequenciador para não intercalar
	// broadcasts concorrentes.
	Welcome func(deliver func(wire.Envelope))

	mu      sync.Mutex
	clients map[*Client]struct{}

	messagesRelayed atomic.Uint64
	messagesDropped atomic.Uint64
	slowDisconnects atomic.Uint64
}

// NewHub cria um Hub com a política de backpressure configurada.
// allowOrigins vazio libera qualquer origem (uso em dev).
func NewHub(queueSize int, writeDeadline, overflowGrace time.Duration, allowOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		queueSize:     queueSize,
		writeDeadline: writeDeadline,
		overflowGrace: overflowGrace,
		logger:        logger,
		clients:       make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowOrigins),
	}
	return h
}

// Handler faz o upgrade HTTP → WebSocket e registra o client no hub.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(h, conn, h.logger.With("remote", r.RemoteAddr))

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws client connected", "remote", r.RemoteAddr, "clients", total)

	if h.Welcome != nil {
		now := time.Now()
		h.Welcome(func(env wire.Envelope) {
			if data, err := json.Marshal(env); err == nil {
				c.enqueue(outMessage{class: classOf(env.Type), data: data}, now)
			}
		})
	}

	go c.writePump()
	go c.readPump()
}

// Broadcast serializa o envelope uma vez e o entrega a todas as filas.
func (h *Hub) Broadcast(env wire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("envelope marshal failed", "type", string(env.Type), "error", err)
		return
	}

	m := outMessage{class: classOf(env.Type), data: data}
	now := time.Now()

	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(m, now)
	}
	h.messagesRelayed.Add(1)
}

// Snapshot retorna os contadores correntes do hub.
func (h *Hub) Snapshot() Stats {
	h.mu.Lock()
	connected := len(h.clients)
	h.mu.Unlock()
	return Stats{
		ConnectedClients: connected,
		MessagesRelayed:  h.messagesRelayed.Load(),
		MessagesDropped:  h.messagesDropped.Load(),
		SlowDisconnects:  h.slowDisconnects.Load(),
	}
}

// CloseAll encerra todas as conexões (shutdown ordenado).
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}
}

// remove tira um client do conjunto. Chamado pelo close do próprio client.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws client disconnected", "clients", total)
}

// originChecker monta o CheckOrigin do upgrader: lista vazia libera tudo,
// caso contrário a origem precisa constar na lista.
func originChecker(allow []string) func(*http.Request) bool {
	if len(allow) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allow))
	for _, o := range allow {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
