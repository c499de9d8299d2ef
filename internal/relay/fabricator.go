// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package relay liga os streams upstream ao fan-out WebSocket: parsing,
// cinemática, classificação, fabricação de envelopes e gravação.
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/session"
	"github.com/nishisan-dev/startline-relay/internal/wire"
	"github.com/nishisan-dev/startline-relay/internal/ws"
)

// Fabricator estampa envelopes outbound: seq monotônico por processo
// (começando em 1), ts_ms de wall clock e o session id corrente, e os
// encaminha para o hub e para o recorder.
type Fabricator struct {
	hub      *ws.Hub
	recorder *session.Recorder

	// mu serializa estampagem e despacho: sem ele, dois Emit concorrentes
	// poderiam estampar seq N e N+1 e entregar N+1 primeiro, e cada client
	// veria seq fora de ordem.
	mu      sync.Mutex
	seq     uint64
	session atomic.Pointer[string]
}

// StampFunc fabrica um envelope sequenciado sem despachá-lo no hub.
type StampFunc func(t wire.MessageType, payload any, now time.Time) wire.Envelope

// NewFabricator cria um Fabricator ligado ao hub e ao recorder.
func NewFabricator(hub *ws.Hub, recorder *session.Recorder) *Fabricator {
	return &Fabricator{hub: hub, recorder: recorder}
}

// SetSession define o session id estampado nos envelopes.
func (f *Fabricator) SetSession(sessionID string) {
	f.session.Store(&sessionID)
}

// ClearSession remove o session id (envelopes voltam a session_id null).
func (f *Fabricator) ClearSession() {
	f.session.Store(nil)
}

// Session retorna o session id corrente, se houver.
func (f *Fabricator) Session() (string, bool) {
	p := f.session.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// Emit estampa e despacha um envelope. Retorna o envelope fabricado.
func (f *Fabricator) Emit(t wire.MessageType, payload any, now time.Time) wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	env := f.stampLocked(t, payload, now)
	f.hub.Broadcast(env)
	if f.recorder != nil {
		f.recorder.Record(env)
	}
	return env
}

// Stamp fabrica um envelope sem despachá-lo no hub.
func (f *Fabricator) Stamp(t wire.MessageType, payload any, now time.Time) wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stampLocked(t, payload, now)
}

// Welcome roda build dentro da seção crítica de Emit. Os envelopes que build
// estampar e entregar a um client recém-conectado saem com seq em ordem:
// nenhum broadcast concorrente intercala entre a estampa e a entrega.
func (f *Fabricator) Welcome(build func(stamp StampFunc)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	build(f.stampLocked)
}

// stampLocked fabrica um envelope. Chamar com mu held.
func (f *Fabricator) stampLocked(t wire.MessageType, payload any, now time.Time) wire.Envelope {
	f.seq++
	return wire.Envelope{
		Type:          t,
		SchemaVersion: wire.SchemaVersion,
		Seq:           f.seq,
		TsMs:          now.UnixMilli(),
		SessionID:     f.session.Load(),
		Payload:       payload,
	}
}
