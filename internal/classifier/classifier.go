// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package classifier implementa a máquina de estados de status de coaching:
// SAFE / APPROACHING / RISK / CROSSED / OCS / STALE, com hysteresis e latch.
package classifier

import (
	"sync"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/wire"
)

// defaultHysteresis é o tempo mínimo em um estado candidato antes da transição.
// Transições para CROSSED/OCS/STALE são imediatas.
const defaultHysteresis = 300 * time.Millisecond

// Transition descreve uma mudança de status de um atleta.
type Transition struct {
	DeviceID int
	From     wire.Status
	To       wire.Status
	// Metric é a métrica que disparou a transição.
	Metric wire.GateMetric
}

// deviceState é o estado interno de classificação de um device.
type deviceState struct {
	current        wire.Status
	enteredAt      time.Time
	candidate      wire.Status
	candidateSince time.Time
	lastSeen       time.Time
	latched        bool
	latchedStatus  wire.Status

	// Emissões únicas por atleta. OCS tem gate próprio: um CROSSED que vira
	// OCS depois do start signal ainda precisa emitir o evento OCS.
	crossingEmitted bool
	ocsEmitted      bool
}

// Classifier classifica o status de cada atleta a partir das métricas de gate
// e do start signal. Thresholds por config; ver thresholds X/Y/N do design.
type Classifier struct {
	distThresholdM float64
	etaThresholdS  float64
	staleThreshold time.Duration
	hysteresis     time.Duration

	mu            sync.Mutex
	startSignalMs int64 // 0 = sem start signal
	devices       map[int]*deviceState
}

// New cria um Classifier com os thresholds fornecidos.
func New(distThresholdM, etaThresholdS float64, staleThreshold time.Duration) *Classifier {
	return &Classifier{
		distThresholdM: distThresholdM,
		etaThresholdS:  etaThresholdS,
		staleThreshold: staleThreshold,
		hysteresis:     defaultHysteresis,
		devices:        make(map[int]*deviceState),
	}
}

// SetStartSignal registra o start signal (epoch ms). Arma a detecção de OCS.
func (c *Classifier) SetStartSignal(tsMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startSignalMs = tsMs
}

// ClearStartSignal limpa o start signal (nova prova).
func (c *Classifier) ClearStartSignal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startSignalMs = 0
}

// StartSignal retorna o start signal corrente, se houver.
func (c *Classifier) StartSignal() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startSignalMs, c.startSignalMs != 0
}

// Touch atualiza o last-seen de um device (chamado pelo ingest de posições).
func (c *Classifier) Touch(deviceID int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(deviceID, now).lastSeen = now
}

// Classify avalia uma métrica de gate e retorna o status corrente do atleta
// e uma Transition quando houve mudança de estado. Alimentar a mesma métrica
// duas vezes com estado inalterado não produz transição duplicada.
func (c *Classifier) Classify(m wire.GateMetric, now time.Time) (wire.Status, *Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// lastSeen é atualizado apenas por Touch (stream de posições): o stream
	// de gate pode continuar vivo enquanto o device está mudo em posições.
	st := c.state(m.DeviceID, now)

	target := c.evaluate(st, m, now)

	if target == st.current {
		st.candidate = ""
		return st.current, nil
	}

	immediate := target == wire.StatusCrossed || target == wire.StatusOCS || target == wire.StatusStale
	if !immediate {
		if st.candidate != target {
			st.candidate = target
			st.candidateSince = now
			return st.current, nil
		}
		if now.Sub(st.candidateSince) < c.hysteresis {
			return st.current, nil
		}
	}

	tr := &Transition{DeviceID: m.DeviceID, From: st.current, To: target, Metric: m}
	st.current = target
	st.enteredAt = now
	st.candidate = ""
	if target == wire.StatusCrossed || target == wire.StatusOCS {
		st.latched = true
		st.latchedStatus = target
	}
	return st.current, tr
}

// evaluate aplica as regras de classificação em ordem; primeira que casa vence.
func (c *Classifier) evaluate(st *deviceState, m wire.GateMetric, now time.Time) wire.Status {
	// 1. Staleness.
	if !st.lastSeen.IsZero() && now.Sub(st.lastSeen) > c.staleThreshold {
		return wire.StatusStale
	}

	// 2. Cruzamento (ou latch anterior). CROSSED/OCS não regridem sem reset.
	if m.CrossingEvent != wire.NoCrossing || st.latched {
		if c.startSignalMs != 0 && m.CrossingTimeUs != nil {
			crossingMs := *m.CrossingTimeUs / 1000
			if crossingMs < c.startSignalMs {
				return wire.StatusOCS
			}
		}
		if st.latched {
			return st.latchedStatus
		}
		return wire.StatusCrossed
	}

	speed := 0.0
	if m.SpeedToLineMps != nil {
		speed = *m.SpeedToLineMps
	}

	// 3. RISK: start signal conhecido, ETA abaixo do threshold, indo para a linha.
	if c.startSignalMs != 0 && m.TimeToLineS != nil && *m.TimeToLineS <= c.etaThresholdS && speed > 0 {
		return wire.StatusRisk
	}

	// 4. APPROACHING: dentro do raio e indo para a linha.
	dist := m.DPerpSignedM
	if dist < 0 {
		dist = -dist
	}
	if dist <= c.distThresholdM && speed > 0 {
		return wire.StatusApproaching
	}

	return wire.StatusSafe
}

// MarkCrossingEmitted registra a emissão do evento CROSSING de um atleta.
// Retorna true apenas na primeira chamada por sessão (evento único por atleta).
func (c *Classifier) MarkCrossingEmitted(deviceID int, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(deviceID, now)
	if st.crossingEmitted {
		return false
	}
	st.crossingEmitted = true
	return true
}

// MarkOCSEmitted registra a emissão do evento OCS de um atleta, independente
// de um CROSSING já ter sido emitido antes do start signal.
func (c *Classifier) MarkOCSEmitted(deviceID int, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(deviceID, now)
	if st.ocsEmitted {
		return false
	}
	st.ocsEmitted = true
	return true
}

// Reset desfaz o latch e o estado de um device (reset de sessão/operador).
func (c *Classifier) Reset(deviceID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.devices, deviceID)
}

// ResetAll limpa todo o estado de classificação (nova sessão).
func (c *Classifier) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = make(map[int]*deviceState)
	c.startSignalMs = 0
}

// state retorna (criando se preciso) o estado de um device. Chamar com mu held.
func (c *Classifier) state(deviceID int, now time.Time) *deviceState {
	st := c.devices[deviceID]
	if st == nil {
		st = &deviceState{current: wire.StatusSafe, enteredAt: now}
		c.devices[deviceID] = st
	}
	return st
}
