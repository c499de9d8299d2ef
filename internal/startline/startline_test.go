// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package startline

import (
	"math"
	"testing"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/wire"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func TestNoDefinitionUntilBothAnchors(t *testing.T) {
	tr := New(101, 102, 10*time.Second)

	if def, pub := tr.Update(101, 22.1200, 114.1200, t0); def != nil || pub {
		t.Fatalf("single anchor must not publish: %+v", def)
	}
	def, pub := tr.Update(102, 22.1210, 114.1250, t0)
	if def == nil || !pub {
		t.Fatal("both anchors present, expected publication")
	}
	if def.Quality != wire.QualityGood {
		t.Fatalf("quality = %v", def.Quality)
	}
	if math.Abs(def.GateLengthM-523) > 1.0 {
		t.Fatalf("gate length = %.1f, want ~523", def.GateLengthM)
	}
}

func TestNonAnchorIgnored(t *testing.T) {
	tr := New(101, 102, 10*time.Second)
	if def, pub := tr.Update(1, 22.296, 114.168, t0); def != nil || pub {
		t.Fatal("tag position must be ignored")
	}
	if tr.IsAnchor(1) || !tr.IsAnchor(101) {
		t.Fatal("IsAnchor mismatch")
	}
}

func TestSmallDriftDoesNotRepublish(t *testing.T) {
	tr := New(101, 102, 10*time.Second)
	tr.Update(101, 22.1200, 114.1200, t0)
	tr.Update(102, 22.1210, 114.1250, t0)

	// ~0.1m de deriva: abaixo do threshold.
	_, pub := tr.Update(101, 22.120001, 114.1200, t0.Add(time.Second))
	if pub {
		t.Fatal("sub-threshold drift must not republish")
	}

	// ~11m: republica.
	def, pub := tr.Update(101, 22.1201, 114.1200, t0.Add(2*time.Second))
	if !pub || def == nil {
		t.Fatal("anchor moved past threshold, expected republication")
	}
}

func TestStaleAnchorDegradesQuality(t *testing.T) {
	tr := New(101, 102, 10*time.Second)
	tr.Update(101, 22.1200, 114.1200, t0)
	tr.Update(102, 22.1210, 114.1250, t0)

	def, pub := tr.Refresh(t0.Add(15 * time.Second))
	if !pub || def.Quality != wire.QualityDegraded {
		t.Fatalf("pub=%v quality=%v, want DEGRADED republication", pub, def.Quality)
	}

	// Refresh sem mudança de qualidade não republica de novo.
	if _, pub := tr.Refresh(t0.Add(16 * time.Second)); pub {
		t.Fatal("unchanged quality must not republish")
	}

	// Âncora volta: GOOD de novo.
	def, pub = tr.Update(101, 22.1200, 114.1200, t0.Add(20*time.Second))
	if !pub {
		t.Fatal("expected republication on recovery")
	}
	// A outra âncora continua stale.
	if def.Quality != wire.QualityDegraded {
		t.Fatalf("quality = %v", def.Quality)
	}
}

func TestImplausibleGateLengthDegradesQuality(t *testing.T) {
	tr := New(101, 102, 10*time.Second)

	// Âncoras praticamente coincidentes: gate < 1m.
	tr.Update(101, 22.1200, 114.1200, t0)
	def, pub := tr.Update(102, 22.120001, 114.1200, t0)
	if !pub || def.Quality != wire.QualityDegraded {
		t.Fatalf("quality = %v for near-zero gate, want DEGRADED", def.Quality)
	}

	// Gate quilométrico também degrada.
	def, pub = tr.Update(102, 22.1200, 114.1350, t0)
	if !pub {
		t.Fatal("anchor jump must republish")
	}
	if def.GateLengthM < 1000 {
		t.Fatalf("gate length = %.0f, expected > 1000m fixture", def.GateLengthM)
	}
	if def.Quality != wire.QualityDegraded {
		t.Fatalf("quality = %v for oversized gate, want DEGRADED", def.Quality)
	}
}

func TestCurrentReturnsCopy(t *testing.T) {
	tr := New(101, 102, 10*time.Second)
	if tr.Current() != nil {
		t.Fatal("no line yet")
	}
	tr.Update(101, 22.1200, 114.1200, t0)
	tr.Update(102, 22.1210, 114.1250, t0)

	c := tr.Current()
	c.GateLengthM = 0
	if tr.Current().GateLengthM == 0 {
		t.Fatal("Current must return a copy")
	}
}

func TestReset(t *testing.T) {
	tr := New(101, 102, 10*time.Second)
	tr.Update(101, 22.1200, 114.1200, t0)
	tr.Update(102, 22.1210, 114.1250, t0)
	tr.Reset()
	if tr.Current() != nil {
		t.Fatal("reset must drop the published definition")
	}
}
