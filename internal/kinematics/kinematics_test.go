// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package kinematics

import (
	"math"
	"testing"
	"time"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func TestUpdateNorthbound(t *testing.T) {
	tr := NewTracker(10, 2*time.Second)

	// 0.0001° de latitude ≈ 11.13m em 1s ≈ 21.6 kn rumo norte.
	if v := tr.Update(1, 22.2960, 114.1680, t0); v != nil {
		t.Fatalf("first sample must yield nil, got %+v", v)
	}
	v := tr.Update(1, 22.2961, 114.1680, t0.Add(time.Second))
	if v == nil {
		t.Fatal("expected velocity after two samples")
	}
	if math.Abs(v.SogKn-21.6) > 0.2 {
		t.Errorf("sog = %v, want ~21.6", v.SogKn)
	}
	if v.CogDeg != 0 {
		t.Errorf("cog = %v, want 0 (north)", v.CogDeg)
	}
}

func TestUpdateEastbound(t *testing.T) {
	tr := NewTracker(10, 2*time.Second)
	tr.Update(1, 22.2960, 114.1680, t0)
	v := tr.Update(1, 22.2960, 114.1681, t0.Add(time.Second))
	if v == nil {
		t.Fatal("expected velocity")
	}
	if v.CogDeg != 90 {
		t.Errorf("cog = %v, want 90 (east)", v.CogDeg)
	}
}

func TestUpdateJitterAndGap(t *testing.T) {
	tr := NewTracker(10, 2*time.Second)

	tr.Update(1, 22.2960, 114.1680, t0)
	// Gap de 20ms: jitter, sem estimativa.
	if v := tr.Update(1, 22.2961, 114.1680, t0.Add(20*time.Millisecond)); v != nil {
		t.Errorf("jitter pair must yield nil, got %+v", v)
	}
	// Gap de 3s: buraco, sem estimativa.
	if v := tr.Update(1, 22.2962, 114.1680, t0.Add(3*time.Second)); v != nil {
		t.Errorf("gap pair must yield nil, got %+v", v)
	}
	// Volta ao cadence normal: estima de novo.
	if v := tr.Update(1, 22.2963, 114.1680, t0.Add(3100*time.Millisecond)); v == nil {
		t.Error("expected velocity after cadence resumes")
	}
}

func TestUpdateIndependentDevices(t *testing.T) {
	tr := NewTracker(10, 2*time.Second)
	tr.Update(1, 22.2960, 114.1680, t0)
	if v := tr.Update(2, 22.2960, 114.1680, t0.Add(100*time.Millisecond)); v != nil {
		t.Errorf("device 2 has a single sample, got %+v", v)
	}
}

func TestHaversine(t *testing.T) {
	// Âncoras do cenário CLEAN_START: gate ≈ 523m.
	d := Haversine(22.1200, 114.1200, 22.1210, 114.1250)
	if math.Abs(d-523) > 1.0 {
		t.Errorf("gate length = %.1fm, want 523±1", d)
	}

	if d := Haversine(22.296, 114.168, 22.296, 114.168); d != 0 {
		t.Errorf("zero distance = %v", d)
	}
}

func TestInitialBearing(t *testing.T) {
	// Rumo norte puro.
	b := InitialBearing(22.0, 114.0, 23.0, 114.0)
	if math.Abs(b-0) > 0.01 {
		t.Errorf("north bearing = %v", b)
	}
	// Rumo leste (aprox; converge para 90 em distâncias curtas).
	b = InitialBearing(22.0, 114.0, 22.0, 114.001)
	if math.Abs(b-90) > 0.1 {
		t.Errorf("east bearing = %v", b)
	}
}
