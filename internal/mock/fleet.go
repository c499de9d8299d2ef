// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package mock gera uma frota sintética de atletas para desenvolvimento de UI
// sem o engine de posicionamento real: serve o mesmo contrato WS/REST do relay,
// replaya session packs e opcionalmente publica os streams upstream via ZeroMQ.
package mock

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/registry"
	"github.com/nishisan-dev/startline-relay/internal/wire"
)

const (
	// Âncoras da linha de largada, baía de Hong Kong.
	anchorLeftLat  = 22.2960
	anchorLeftLon  = 114.1680
	anchorRightLat = 22.2960
	anchorRightLon = 114.1700

	anchorLeftID  = 101
	anchorRightID = 102

	// metersPerDegLat converte deslocamento norte-sul.
	metersPerDegLat = 111_320.0

	knToMps = 0.514444

	fleetSize = 25
)

var teams = []string{"HKG", "SIN", "AUS", "NZL", "GBR"}

// mockAthlete é um atleta sintético navegando em direção à linha.
type mockAthlete struct {
	registry.Athlete

	lat, lon float64
	sogKn    float64
	// heading em graus, próximo de 0 (norte); oscila mas reverte à média.
	heading float64

	crossed      bool
	crossingTsMs int64
}

// Fleet simula a frota: posições a 10Hz, métricas de gate derivadas da
// geometria e cruzamentos quando um atleta passa a linha.
type Fleet struct {
	rng      *rand.Rand
	athletes []*mockAthlete
}

// NewFleet cria a frota sintética com o seed dado (0 usa o relógio).
func NewFleet(seed int64) *Fleet {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	f := &Fleet{rng: rng}
	for i := 0; i < fleetSize; i++ {
		// Largada entre as âncoras, 80 a 280 metros antes da linha.
		back := 80 + rng.Float64()*200
		lonSpread := anchorLeftLon + rng.Float64()*(anchorRightLon-anchorLeftLon)

		f.athletes = append(f.athletes, &mockAthlete{
			Athlete: registry.Athlete{
				DeviceID:  i + 1,
				AthleteID: fmt.Sprintf("T%02d", i),
				Name:      fmt.Sprintf("Athlete %02d", i),
				Team:      teams[i%len(teams)],
			},
			lat:   anchorLeftLat - back/metersPerDegLat,
			lon:   lonSpread,
			sogKn: 2 + rng.Float64()*4,
		})
	}
	return f
}

// Athletes retorna o registro da frota (para /api/athletes).
func (f *Fleet) Athletes() []registry.Athlete {
	out := make([]registry.Athlete, 0, len(f.athletes))
	for _, a := range f.athletes {
		out = append(out, a.Athlete)
	}
	return out
}

// StartLine retorna a definição fixa da linha do cenário sintético.
func (f *Fleet) StartLine() wire.StartLinePayload {
	return wire.StartLinePayload{
		AnchorLeft: wire.AnchorPoint{
			DeviceID: anchorLeftID, AnchorID: "A1",
			Lat: anchorLeftLat, Lon: anchorLeftLon,
		},
		AnchorRight: wire.AnchorPoint{
			DeviceID: anchorRightID, AnchorID: "A2",
			Lat: anchorRightLat, Lon: anchorRightLon,
		},
		GateLengthM: gateLength(),
		Quality:     wire.QualityGood,
	}
}

func gateLength() float64 {
	return (anchorRightLon - anchorLeftLon) * metersPerDegLat *
		math.Cos(anchorLeftLat*math.Pi/180)
}

// Step avança a simulação em dt e retorna os payloads do tick: posições de
// todos os atletas e métricas de gate, com alerts para cruzamentos novos.
func (f *Fleet) Step(dt time.Duration, now time.Time) (wire.PositionUpdatePayload, wire.GateMetricsPayload) {
	nowMs := now.UnixMilli()
	dtS := dt.Seconds()

	var positions []wire.PositionEntry
	var metrics []wire.GateMetricEntry
	var alerts []wire.GateAlert

	for _, a := range f.athletes {
		// Rumo norte com deriva leve que reverte à média.
		a.heading = a.heading*0.95 + (f.rng.Float64()-0.5)*6
		speedMps := a.sogKn * knToMps

		headingRad := a.heading * math.Pi / 180
		a.lat += speedMps * math.Cos(headingRad) * dtS / metersPerDegLat
		a.lon += speedMps * math.Sin(headingRad) * dtS /
			(metersPerDegLat * math.Cos(a.lat*math.Pi/180))

		dPerp := (anchorLeftLat - a.lat) * metersPerDegLat // positivo antes da linha
		sAlong := (a.lon - anchorLeftLon) * metersPerDegLat * math.Cos(a.lat*math.Pi/180)
		speedToLine := speedMps * math.Cos(headingRad)

		crossingEvent := wire.NoCrossing
		if !a.crossed && dPerp <= 0 {
			a.crossed = true
			a.crossingTsMs = nowMs
			crossingEvent = wire.CrossingLeft
			alerts = append(alerts, wire.GateAlert{
				AthleteID:    a.AthleteID,
				Name:         a.Name,
				Event:        wire.CrossingLeft,
				CrossingTsMs: nowMs,
				Confidence:   0.9 + f.rng.Float64()*0.1,
			})
		}

		sog := a.sogKn
		cog := math.Mod(a.heading+360, 360)
		positions = append(positions, wire.PositionEntry{
			AthleteID:  a.AthleteID,
			DeviceID:   a.DeviceID,
			Name:       a.Name,
			Team:       a.Team,
			Lat:        a.lat,
			Lon:        a.lon,
			AltM:       1.5,
			SogKn:      &sog,
			CogDeg:     &cog,
			SourceMask: 1,
			DeviceTsMs: nowMs,
			DataAgeMs:  int64(f.rng.Intn(80)),
		})

		status := f.status(a, dPerp, speedToLine)
		var eta *float64
		if speedToLine > 0.1 && dPerp > 0 {
			v := dPerp / speedToLine
			eta = &v
		}
		metrics = append(metrics, wire.GateMetricEntry{
			AthleteID:          a.AthleteID,
			DeviceID:           a.DeviceID,
			Name:               a.Name,
			DistToLineM:        dPerp,
			SAlong:             sAlong,
			EtaToLineS:         eta,
			SpeedToLineMps:     speedToLine,
			GateLengthM:        gateLength(),
			Status:             status,
			CrossingEvent:      crossingEvent,
			CrossingConfidence: 0.95,
			PositionQuality:    0.9 + f.rng.Float64()*0.1,
		})
	}

	return wire.PositionUpdatePayload{Positions: positions},
		wire.GateMetricsPayload{Metrics: metrics, Alerts: alerts}
}

// status aplica os thresholds default do relay sobre a geometria simulada.
func (f *Fleet) status(a *mockAthlete, dPerp, speedToLine float64) wire.Status {
	if a.crossed {
		return wire.StatusCrossed
	}
	if speedToLine > 0.1 && dPerp > 0 && dPerp/speedToLine <= 5 {
		return wire.StatusRisk
	}
	if math.Abs(dPerp) <= 50 && speedToLine > 0 {
		return wire.StatusApproaching
	}
	return wire.StatusSafe
}

// Reset devolve a frota à configuração pré-largada.
func (f *Fleet) Reset() {
	for _, a := range f.athletes {
		back := 80 + f.rng.Float64()*200
		a.lat = anchorLeftLat - back/metersPerDegLat
		a.lon = anchorLeftLon + f.rng.Float64()*(anchorRightLon-anchorLeftLon)
		a.sogKn = 2 + f.rng.Float64()*4
		a.heading = 0
		a.crossed = false
		a.crossingTsMs = 0
	}
}
