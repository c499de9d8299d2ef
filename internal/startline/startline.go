// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package startline acompanha as âncoras da linha de largada e decide quando
// uma nova start_line_definition precisa ser republicada para os clientes.
package startline

import (
	"sync"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/kinematics"
	"github.com/nishisan-dev/startline-relay/internal/wire"
)

const (
	// moveThresholdM: deslocamento de âncora que força republicação.
	moveThresholdM = 0.5

	// defaultStaleAfter: idade de âncora a partir da qual a geometria degrada.
	defaultStaleAfter = 2 * time.Second

	// minGateLengthM/maxGateLengthM: fora desta faixa a geometria não é
	// confiável (âncoras coincidentes ou fix absurdo) e a qualidade degrada.
	minGateLengthM = 1.0
	maxGateLengthM = 1000.0
)

// anchorState é a última posição conhecida de uma âncora.
type anchorState struct {
	lat, lon float64
	lastSeen time.Time
}

// Tracker mantém a geometria corrente da linha de largada a partir das
// posições das duas âncoras. A republicação acontece quando uma âncora surge,
// se move mais que moveThresholdM ou quando a qualidade muda.
type Tracker struct {
	leftID     int
	rightID    int
	staleAfter time.Duration

	mu        sync.Mutex
	left      *anchorState
	right     *anchorState
	published *wire.StartLinePayload
}

// New cria um Tracker para as âncoras esquerda e direita.
func New(leftID, rightID int, staleAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Tracker{leftID: leftID, rightID: rightID, staleAfter: staleAfter}
}

// IsAnchor responde se um device é uma das âncoras da linha.
func (t *Tracker) IsAnchor(deviceID int) bool {
	return deviceID == t.leftID || deviceID == t.rightID
}

// Update registra uma posição de âncora. Retorna a definição corrente e true
// quando ela deve ser republicada. Posições de devices que não são âncoras
// são ignoradas.
func (t *Tracker) Update(deviceID int, lat, lon float64, now time.Time) (*wire.StartLinePayload, bool) {
	if !t.IsAnchor(deviceID) {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st := &anchorState{lat: lat, lon: lon, lastSeen: now}
	if deviceID == t.leftID {
		t.left = st
	} else {
		t.right = st
	}
	return t.republishLocked(now)
}

// Refresh reavalia a qualidade por staleness (chamado pelo watchdog). Retorna
// a definição corrente e true quando a qualidade mudou desde a última publicação.
func (t *Tracker) Refresh(now time.Time) (*wire.StartLinePayload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.republishLocked(now)
}

// Current retorna a última definição publicada, ou nil se ainda não há linha.
func (t *Tracker) Current() *wire.StartLinePayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.published == nil {
		return nil
	}
	p := *t.published
	return &p
}

// Reset descarta as âncoras e a definição publicada (nova sessão).
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.left, t.right, t.published = nil, nil, nil
}

// republishLocked monta a definição corrente e compara com a publicada.
// Chamar com mu held.
func (t *Tracker) republishLocked(now time.Time) (*wire.StartLinePayload, bool) {
	if t.left == nil || t.right == nil {
		return nil, false
	}

	def := &wire.StartLinePayload{
		AnchorLeft: wire.AnchorPoint{
			DeviceID: t.leftID,
			AnchorID: "A1",
			Lat:      t.left.lat,
			Lon:      t.left.lon,
		},
		AnchorRight: wire.AnchorPoint{
			DeviceID: t.rightID,
			AnchorID: "A2",
			Lat:      t.right.lat,
			Lon:      t.right.lon,
		},
		GateLengthM: kinematics.Haversine(t.left.lat, t.left.lon, t.right.lat, t.right.lon),
	}
	def.Quality = t.qualityLocked(now, def.GateLengthM)

	if t.published != nil && !t.changedLocked(def) {
		return t.published, false
	}
	t.published = def
	p := *def
	return &p, true
}

// qualityLocked avalia a geometria: GOOD com ambas as âncoras frescas e o
// gate dentro de [1m, 1000m]; DEGRADED quando alguma está stale ou a linha
// tem comprimento implausível; UNKNOWN sem âncoras suficientes.
func (t *Tracker) qualityLocked(now time.Time, gateLengthM float64) wire.GateQuality {
	if t.left == nil || t.right == nil {
		return wire.QualityUnknown
	}
	if now.Sub(t.left.lastSeen) > t.staleAfter || now.Sub(t.right.lastSeen) > t.staleAfter {
		return wire.QualityDegraded
	}
	if gateLengthM < minGateLengthM || gateLengthM > maxGateLengthM {
		return wire.QualityDegraded
	}
	return wire.QualityGood
}

// changedLocked responde se a definição nova difere da publicada o bastante
// para republicar: âncora movida além do threshold ou qualidade diferente.
func (t *Tracker) changedLocked(def *wire.StartLinePayload) bool {
	pub := t.published
	if def.Quality != pub.Quality {
		return true
	}
	if kinematics.Haversine(def.AnchorLeft.Lat, def.AnchorLeft.Lon,
		pub.AnchorLeft.Lat, pub.AnchorLeft.Lon) > moveThresholdM {
		return true
	}
	if kinematics.Haversine(def.AnchorRight.Lat, def.AnchorRight.Lon,
		pub.AnchorRight.Lat, pub.AnchorRight.Lon) > moveThresholdM {
		return true
	}
	return false
}
