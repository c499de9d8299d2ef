// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package state mantém a visão mesclada por atleta: última posição, última
// métrica de gate, cinemática derivada, status e timestamps.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/kinematics"
	"github.com/nishisan-dev/startline-relay/internal/registry"
	"github.com/nishisan-dev/startline-relay/internal/wire"
)

// Position é a última posição conhecida de um device, já em ms.
type Position struct {
	Lat        float64
	Lon        float64
	AltM       float64
	SourceMask int
	DeviceTsMs int64
}

// AthleteState é a visão mesclada de um atleta (ou âncora) na tabela.
type AthleteState struct {
	DeviceID    int
	Athlete     registry.Athlete
	Position    *Position
	Velocity    *kinematics.Velocity
	Gate        *wire.GateMetric
	Status      wire.Status
	StatusSince time.Time
	LastUpdate  time.Time
}

// Table é a tabela device_id → AthleteState. Mutada apenas pelo pipeline de
// ingestão; leitores recebem snapshots copiados (sem torn reads).
type Table struct {
	mu       sync.RWMutex
	byDevice map[int]*AthleteState
}

// NewTable cria uma tabela vazia.
func NewTable() *Table {
	return &Table{byDevice: make(map[int]*AthleteState)}
}

// ApplyPosition registra uma posição (e velocidade derivada) para um device.
func (t *Table) ApplyPosition(deviceID int, athlete registry.Athlete, pos Position, vel *kinematics.Velocity, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.entry(deviceID, athlete, now)
	p := pos
	st.Position = &p
	st.Velocity = vel
	st.LastUpdate = now
}

// ApplyGate registra a métrica de gate e o status classificado de um device.
func (t *Table) ApplyGate(deviceID int, athlete registry.Athlete, m wire.GateMetric, status wire.Status, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.entry(deviceID, athlete, now)
	g := m
	st.Gate = &g
	if st.Status != status {
		st.Status = status
		st.StatusSince = now
	}
	st.LastUpdate = now
}

// Get retorna uma cópia do estado de um device.
func (t *Table) Get(deviceID int) (AthleteState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.byDevice[deviceID]
	if !ok {
		return AthleteState{}, false
	}
	return *st, true
}

// Snapshot retorna uma cópia consistente de toda a tabela, ordenada por device_id.
func (t *Table) Snapshot() []AthleteState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]AthleteState, 0, len(t.byDevice))
	for _, st := range t.byDevice {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Count retorna o número de devices na tabela.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byDevice)
}

// StaleTransition descreve um device marcado STALE pela varredura.
type StaleTransition struct {
	DeviceID int
	Athlete  registry.Athlete
	From     wire.Status
}

// MarkStale marca STALE todo device sem update há mais de threshold e retorna
// as transições, ordenadas por device_id. Cobre o caso dos dois streams mudos:
// sem frames chegando, nenhum classify reavalia o device.
func (t *Table) MarkStale(threshold time.Duration, now time.Time) []StaleTransition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []StaleTransition
	for _, st := range t.byDevice {
		if st.Status == wire.StatusStale || now.Sub(st.LastUpdate) <= threshold {
			continue
		}
		out = append(out, StaleTransition{DeviceID: st.DeviceID, Athlete: st.Athlete, From: st.Status})
		st.Status = wire.StatusStale
		st.StatusSince = now
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Reset limpa a tabela (reset de sessão).
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byDevice = make(map[int]*AthleteState)
}

// entry retorna (criando se preciso) a entrada de um device. Chamar com mu held.
func (t *Table) entry(deviceID int, athlete registry.Athlete, now time.Time) *AthleteState {
	st := t.byDevice[deviceID]
	if st == nil {
		st = &AthleteState{
			DeviceID:    deviceID,
			Status:      wire.StatusSafe,
			StatusSince: now,
		}
		t.byDevice[deviceID] = st
	}
	st.Athlete = athlete
	return st
}
