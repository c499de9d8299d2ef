// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package kinematics deriva SOG/COG de posições sucessivas e expõe helpers
// geodésicos (haversine, bearing) para o tracker da linha de largada.
package kinematics

import (
	"math"
	"sync"
	"time"
)

const (
	// earthRadiusM é o raio médio da Terra usado nas projeções locais.
	earthRadiusM = 6_371_000.0

	// mpsToKnots converte m/s → nós.
	mpsToKnots = 1.94384

	// minGap descarta pares de samples com jitter abaixo de 50ms.
	minGap = 50 * time.Millisecond

	// maxGap descarta pares de samples separados por mais de 2s.
	maxGap = 2 * time.Second
)

// Velocity é o resultado SOG/COG derivado de duas posições recentes.
type Velocity struct {
	SogKn  float64
	CogDeg float64
}

// sample é uma posição com timestamp no time base do device.
type sample struct {
	lat, lon float64
	ts       time.Time
}

// history é a janela de posições recentes de um device.
type history struct {
	samples []sample
}

// Tracker mantém um histórico curto de posições por device e recalcula
// SOG/COG a cada update. Escrito apenas pelo ingest de posições.
type Tracker struct {
	maxSamples int
	maxAge     time.Duration

	mu       sync.Mutex
	byDevice map[int]*history
}

// NewTracker cria um Tracker com a capacidade e idade máxima por device.
func NewTracker(maxSamples int, maxAge time.Duration) *Tracker {
	if maxSamples < 2 {
		maxSamples = 2
	}
	if maxAge <= 0 {
		maxAge = maxGap
	}
	return &Tracker{
		maxSamples: maxSamples,
		maxAge:     maxAge,
		byDevice:   make(map[int]*history),
	}
}

// Update adiciona uma posição e retorna a velocidade derivada, ou nil quando
// há menos de dois samples utilizáveis (gap > 2s, jitter < 50ms, histórico vazio).
func (t *Tracker) Update(deviceID int, lat, lon float64, ts time.Time) *Velocity {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.byDevice[deviceID]
	if h == nil {
		h = &history{}
		t.byDevice[deviceID] = h
	}

	h.samples = append(h.samples, sample{lat: lat, lon: lon, ts: ts})
	if len(h.samples) > t.maxSamples {
		h.samples = h.samples[len(h.samples)-t.maxSamples:]
	}
	// Expira samples mais velhos que maxAge em relação ao mais novo.
	cutoff := ts.Add(-t.maxAge)
	for len(h.samples) > 1 && h.samples[0].ts.Before(cutoff) {
		h.samples = h.samples[1:]
	}

	if len(h.samples) < 2 {
		return nil
	}

	p0 := h.samples[len(h.samples)-2]
	p1 := h.samples[len(h.samples)-1]

	dt := p1.ts.Sub(p0.ts)
	if dt < minGap || dt > maxGap {
		return nil
	}

	// Projeção equiretangular em torno do ponto anterior.
	latRad := p0.lat * math.Pi / 180
	dEast := math.Cos(latRad) * (p1.lon - p0.lon) * math.Pi / 180 * earthRadiusM
	dNorth := (p1.lat - p0.lat) * math.Pi / 180 * earthRadiusM

	dtS := dt.Seconds()
	speedMps := math.Hypot(dEast, dNorth) / dtS
	cog := math.Mod(math.Atan2(dEast, dNorth)*180/math.Pi+360, 360)

	return &Velocity{
		SogKn:  round1(speedMps * mpsToKnots),
		CogDeg: round1(cog),
	}
}

// Forget remove o histórico de um device (ex.: reset de sessão).
func (t *Tracker) Forget(deviceID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byDevice, deviceID)
}

// Reset descarta o histórico de todos os devices.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byDevice = make(map[int]*history)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Haversine retorna a distância em metros entre dois pares lat/lon.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}

// InitialBearing retorna o bearing inicial em graus [0, 360) do ponto 1 ao ponto 2.
func InitialBearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
}
