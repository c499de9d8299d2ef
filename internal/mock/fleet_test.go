// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mock

import (
	"testing"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/wire"
)

func TestFleetStepProducesFullBatch(t *testing.T) {
	f := NewFleet(42)
	now := time.Now()

	positions, gates := f.Step(100*time.Millisecond, now)

	if len(positions.Positions) != fleetSize {
		t.Fatalf("positions = %d, want %d", len(positions.Positions), fleetSize)
	}
	if len(gates.Metrics) != fleetSize {
		t.Fatalf("metrics = %d, want %d", len(gates.Metrics), fleetSize)
	}

	for _, p := range positions.Positions {
		if p.Lat < 22.28 || p.Lat > 22.30 {
			t.Errorf("athlete %s lat = %f, outside scenario", p.AthleteID, p.Lat)
		}
		if p.SogKn == nil || *p.SogKn < 2 || *p.SogKn > 6 {
			t.Errorf("athlete %s sog = %v, want 2..6 kn", p.AthleteID, p.SogKn)
		}
	}
	for _, m := range gates.Metrics {
		if m.DistToLineM <= 0 {
			t.Errorf("athlete %s already over the line on first tick (d=%f)", m.AthleteID, m.DistToLineM)
		}
	}
}

func TestFleetEventuallyCrosses(t *testing.T) {
	f := NewFleet(42)
	now := time.Now()

	crossed := map[string]bool{}
	var alerts int
	// 5 minutos simulados a 10Hz chegam para toda a frota cruzar.
	for i := 0; i < 3000; i++ {
		now = now.Add(100 * time.Millisecond)
		_, gates := f.Step(100*time.Millisecond, now)
		alerts += len(gates.Alerts)
		for _, m := range gates.Metrics {
			if m.Status == wire.StatusCrossed {
				crossed[m.AthleteID] = true
			}
		}
	}

	if len(crossed) != fleetSize {
		t.Errorf("crossed = %d athletes, want %d", len(crossed), fleetSize)
	}
	// Um alerta por atleta, nunca repetido.
	if alerts != fleetSize {
		t.Errorf("alerts = %d, want %d", alerts, fleetSize)
	}
}

func TestFleetResetRearmsCrossings(t *testing.T) {
	f := NewFleet(7)
	now := time.Now()
	for i := 0; i < 3000; i++ {
		now = now.Add(100 * time.Millisecond)
		f.Step(100*time.Millisecond, now)
	}

	f.Reset()
	_, gates := f.Step(100*time.Millisecond, now.Add(100*time.Millisecond))
	for _, m := range gates.Metrics {
		if m.Status == wire.StatusCrossed {
			t.Errorf("athlete %s still CROSSED after reset", m.AthleteID)
		}
		if m.DistToLineM <= 0 {
			t.Errorf("athlete %s not repositioned before the line", m.AthleteID)
		}
	}
}

func TestStartLineGeometry(t *testing.T) {
	f := NewFleet(1)
	def := f.StartLine()

	if def.Quality != wire.QualityGood {
		t.Errorf("quality = %s, want GOOD", def.Quality)
	}
	if def.GateLengthM < 150 || def.GateLengthM > 300 {
		t.Errorf("gate length = %.1f, want ~200 m", def.GateLengthM)
	}
	if def.AnchorLeft.AnchorID != "A1" || def.AnchorRight.AnchorID != "A2" {
		t.Errorf("anchor ids = %s/%s", def.AnchorLeft.AnchorID, def.AnchorRight.AnchorID)
	}
}
