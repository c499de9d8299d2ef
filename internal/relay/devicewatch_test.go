// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"testing"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/wire"
)

func TestDeviceWatchLifecycle(t *testing.T) {
	w := NewDeviceWatch(10 * time.Second)
	t0 := time.Now()

	if back := w.Touch("1", wire.DeviceTag, t0); back {
		t.Error("first touch reported device as returning")
	}

	// Dentro do threshold nada transiciona.
	if gone := w.SweepOffline(t0.Add(5 * time.Second)); len(gone) != 0 {
		t.Fatalf("sweep at 5s returned %d devices, want 0", len(gone))
	}

	gone := w.SweepOffline(t0.Add(11 * time.Second))
	if len(gone) != 1 {
		t.Fatalf("sweep at 11s returned %d devices, want 1", len(gone))
	}
	if gone[0].DeviceID != "1" || gone[0].Online {
		t.Errorf("offline payload = %+v", gone[0])
	}

	// Segunda varredura não repete a transição.
	if gone := w.SweepOffline(t0.Add(12 * time.Second)); len(gone) != 0 {
		t.Errorf("second sweep returned %d devices, want 0", len(gone))
	}

	// Device volta: Touch reporta o retorno.
	if back := w.Touch("1", wire.DeviceTag, t0.Add(13*time.Second)); !back {
		t.Error("touch after offline did not report device return")
	}
	if payload, ok := w.Health("1"); !ok || !payload.Online {
		t.Errorf("health after return = %+v, ok=%v", payload, ok)
	}
}

func TestDeviceWatchSnapshotSorted(t *testing.T) {
	w := NewDeviceWatch(10 * time.Second)
	now := time.Now()
	w.Touch("102", wire.DeviceAnchor, now)
	w.Touch("1", wire.DeviceTag, now)
	w.Touch("101", wire.DeviceAnchor, now)

	snap := w.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d devices, want 3", len(snap))
	}
	if snap[0].DeviceID != "1" || snap[1].DeviceID != "101" || snap[2].DeviceID != "102" {
		t.Errorf("snapshot order = %s, %s, %s", snap[0].DeviceID, snap[1].DeviceID, snap[2].DeviceID)
	}
	if snap[1].DeviceType != wire.DeviceAnchor {
		t.Errorf("device 101 type = %s, want ANCHOR", snap[1].DeviceType)
	}
}

func TestDeviceWatchHealthUnknownDevice(t *testing.T) {
	w := NewDeviceWatch(10 * time.Second)
	if _, ok := w.Health("99"); ok {
		t.Error("health of unknown device reported ok")
	}
}
