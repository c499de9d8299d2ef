// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/wire"
)

// deviceRecord acompanha o último sinal de vida de um device.
type deviceRecord struct {
	deviceType wire.DeviceType
	lastSeen   time.Time
	online     bool
}

// DeviceWatch observa o last-seen de tags e âncoras para o watchdog de
// device_health e os eventos DEVICE_OFFLINE/DEVICE_ONLINE.
type DeviceWatch struct {
	offlineAfter time.Duration

	mu      sync.Mutex
	devices map[string]*deviceRecord
}

// NewDeviceWatch cria um DeviceWatch com o threshold de offline.
func NewDeviceWatch(offlineAfter time.Duration) *DeviceWatch {
	return &DeviceWatch{
		offlineAfter: offlineAfter,
		devices:      make(map[string]*deviceRecord),
	}
}

// Touch registra atividade de um device. Retorna true quando o device estava
// offline e voltou (o caller emite DEVICE_ONLINE).
func (w *DeviceWatch) Touch(deviceID string, t wire.DeviceType, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := w.devices[deviceID]
	if rec == nil {
		w.devices[deviceID] = &deviceRecord{deviceType: t, lastSeen: now, online: true}
		return false
	}
	back := !rec.online
	rec.lastSeen = now
	rec.online = true
	rec.deviceType = t
	return back
}

// SweepOffline marca devices mudos há mais que o threshold e retorna os que
// transicionaram para offline nesta varredura.
func (w *DeviceWatch) SweepOffline(now time.Time) []wire.DeviceHealthPayload {
	w.mu.Lock()
	defer w.mu.Unlock()

	var gone []wire.DeviceHealthPayload
	for id, rec := range w.devices {
		if rec.online && now.Sub(rec.lastSeen) > w.offlineAfter {
			rec.online = false
			gone = append(gone, healthPayload(id, rec))
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].DeviceID < gone[j].DeviceID })
	return gone
}

// Snapshot retorna o estado de saúde de todos os devices conhecidos.
func (w *DeviceWatch) Snapshot() []wire.DeviceHealthPayload {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]wire.DeviceHealthPayload, 0, len(w.devices))
	for id, rec := range w.devices {
		out = append(out, healthPayload(id, rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Health retorna o payload de um device específico.
func (w *DeviceWatch) Health(deviceID string) (wire.DeviceHealthPayload, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := w.devices[deviceID]
	if rec == nil {
		return wire.DeviceHealthPayload{}, false
	}
	return healthPayload(deviceID, rec), true
}

func healthPayload(id string, rec *deviceRecord) wire.DeviceHealthPayload {
	return wire.DeviceHealthPayload{
		DeviceID:   id,
		DeviceType: rec.deviceType,
		Online:     rec.online,
		LastSeenMs: rec.lastSeen.UnixMilli(),
	}
}
