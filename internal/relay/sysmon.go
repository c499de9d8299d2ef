// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// sysmonInterval é o período de coleta das métricas de sistema.
const sysmonInterval = 15 * time.Second

// SystemStats são as métricas de sistema expostas no /api/health.
type SystemStats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	PacksDiskPercent float64 `json:"packs_disk_percent"`
	LoadAverage      float64 `json:"load_average"`
}

// SystemMonitor coleta métricas de sistema em background. O uso do volume de
// packs entra na coleta: gravação longa enchendo o disco precisa aparecer no
// health antes do recorder falhar.
type SystemMonitor struct {
	logger   *slog.Logger
	packsDir string

	done chan struct{}
	wg   sync.WaitGroup

	mu    sync.RWMutex
	stats SystemStats
}

// NewSystemMonitor cria um monitor para o volume de packs dado.
func NewSystemMonitor(packsDir string, logger *slog.Logger) *SystemMonitor {
	return &SystemMonitor{
		logger:   logger.With("component", "sysmon"),
		packsDir: packsDir,
		done:     make(chan struct{}),
	}
}

// Start dispara a coleta periódica.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop encerra a coleta e aguarda a goroutine.
func (sm *SystemMonitor) Stop() {
	close(sm.done)
	sm.wg.Wait()
}

// Stats retorna a última coleta.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	// Primeira coleta imediata: o health não responde zeros até o primeiro tick.
	sm.store(sm.collect())

	ticker := time.NewTicker(sysmonInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.store(sm.collect())
		}
	}
}

func (sm *SystemMonitor) store(stats SystemStats) {
	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}

// collect lê cada métrica de forma independente: falha em uma não derruba as
// outras, apenas deixa o campo zerado.
func (sm *SystemMonitor) collect() SystemStats {
	var stats SystemStats

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	} else {
		sm.logger.Debug("cpu stats unavailable", "error", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	} else {
		sm.logger.Debug("memory stats unavailable", "error", err)
	}
	if du, err := disk.Usage(sm.packsDir); err == nil {
		stats.PacksDiskPercent = du.UsedPercent
	} else {
		sm.logger.Debug("packs disk stats unavailable", "error", err)
	}
	if avg, err := load.Avg(); err == nil {
		stats.LoadAverage = avg.Load1
	} else {
		sm.logger.Debug("load stats unavailable", "error", err)
	}
	return stats
}
