// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package registry mapeia device_id → identidade do atleta.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
)

// Athlete é o registro imutável de um atleta registrado.
type Athlete struct {
	DeviceID  int    `json:"device_id"`
	AthleteID string `json:"athlete_id"`
	Name      string `json:"name"`
	Team      string `json:"team"`
}

// registryFile é o formato do athletes.json.
type registryFile struct {
	Athletes []Athlete `json:"athletes"`
}

// Registry é a tabela device_id → atleta com substituição atômica.
// Leitores concorrentes veem sempre a tabela antiga ou a nova por inteiro,
// nunca uma mistura parcial: cada Replace troca o ponteiro do snapshot.
type Registry struct {
	table atomic.Pointer[map[int]Athlete]
}

// New cria um Registry vazio.
func New() *Registry {
	r := &Registry{}
	empty := map[int]Athlete{}
	r.table.Store(&empty)
	return r
}

// Load lê o arquivo JSON de atletas e substitui a tabela atomicamente.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading athlete registry: %w", err)
	}

	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("parsing athlete registry: %w", err)
	}

	r.Replace(rf.Athletes)
	return nil
}

// Replace substitui a tabela inteira atomicamente.
func (r *Registry) Replace(athletes []Athlete) {
	table := make(map[int]Athlete, len(athletes))
	for _, a := range athletes {
		table[a.DeviceID] = a
	}
	r.table.Store(&table)
}

// Get busca um atleta por device_id.
func (r *Registry) Get(deviceID int) (Athlete, bool) {
	a, ok := (*r.table.Load())[deviceID]
	return a, ok
}

// GetOrDefault busca um atleta, retornando um registro sintético quando o
// device não está registrado (tags viram "T{idx}", o resto "DEV{id}").
func (r *Registry) GetOrDefault(deviceID int) Athlete {
	if a, ok := r.Get(deviceID); ok {
		return a
	}

	if deviceID >= 1 && deviceID <= 99 {
		idx := deviceID - 1
		return Athlete{
			DeviceID:  deviceID,
			AthleteID: fmt.Sprintf("T%02d", idx),
			Name:      fmt.Sprintf("Tag %d", idx),
			Team:      "UNKNOWN",
		}
	}
	return Athlete{
		DeviceID:  deviceID,
		AthleteID: fmt.Sprintf("DEV%d", deviceID),
		Name:      fmt.Sprintf("Device %d", deviceID),
		Team:      "UNKNOWN",
	}
}

// Count retorna o número de atletas registrados.
func (r *Registry) Count() int {
	return len(*r.table.Load())
}

// All retorna todos os atletas registrados ordenados por device_id.
func (r *Registry) All() []Athlete {
	table := *r.table.Load()
	out := make([]Athlete, 0, len(table))
	for _, a := range table {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
