// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zeromq/zmq4"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/startline-relay/internal/wire"
)

// Publisher finge ser o engine de posicionamento: dois PUB sockets ZeroMQ
// emitindo o stream de posições (texto) e o de gate (JSON) a 10Hz, a partir
// da mesma frota sintética. Cada mensagem sai multipart [topic, payload],
// com os tópicos "position" e "gate" que os subscribers filtram.
type Publisher struct {
	fleet  *Fleet
	logger *slog.Logger

	positionEndpoint string
	gateEndpoint     string
}

// NewPublisher cria um Publisher nos endpoints dados.
func NewPublisher(fleet *Fleet, positionEndpoint, gateEndpoint string, logger *slog.Logger) *Publisher {
	return &Publisher{
		fleet:            fleet,
		logger:           logger,
		positionEndpoint: positionEndpoint,
		gateEndpoint:     gateEndpoint,
	}
}

// Run publica os dois streams até o cancelamento do contexto.
func (p *Publisher) Run(ctx context.Context) error {
	posSock := zmq4.NewPub(ctx)
	defer posSock.Close()
	if err := posSock.Listen(p.positionEndpoint); err != nil {
		return fmt.Errorf("binding position publisher on %s: %w", p.positionEndpoint, err)
	}

	gateSock := zmq4.NewPub(ctx)
	defer gateSock.Close()
	if err := gateSock.Listen(p.gateEndpoint); err != nil {
		return fmt.Errorf("binding gate publisher on %s: %w", p.gateEndpoint, err)
	}

	p.logger.Info("upstream publisher listening",
		"position", p.positionEndpoint, "gate", p.gateEndpoint)

	limiter := rate.NewLimiter(rate.Limit(tickHz), 1)
	last := time.Now()
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		now := time.Now()
		positions, gates := p.fleet.Step(now.Sub(last), now)
		last = now

		if err := posSock.Send(zmq4.NewMsgFrom([]byte("position"), positionFrame(positions, now))); err != nil {
			p.logger.Warn("position publish failed", "error", err)
		}
		frame, err := gateFrame(gates, now)
		if err != nil {
			p.logger.Warn("gate frame marshal failed", "error", err)
			continue
		}
		if err := gateSock.Send(zmq4.NewMsgFrom([]byte("gate"), frame)); err != nil {
			p.logger.Warn("gate publish failed", "error", err)
		}
	}
}

// positionFrame monta o frame texto do stream de posições, âncoras incluídas.
func positionFrame(positions wire.PositionUpdatePayload, now time.Time) []byte {
	tsUs := now.UnixMicro()

	var b strings.Builder
	fmt.Fprintf(&b, "SERVER_TS:%d\n", tsUs)
	fmt.Fprintf(&b, "COUNT:%d\n", len(positions.Positions)+2)

	fmt.Fprintf(&b, "POS:%d:%.7f:%.7f:1.5:1:%d\n", anchorLeftID, anchorLeftLat, anchorLeftLon, tsUs)
	fmt.Fprintf(&b, "POS:%d:%.7f:%.7f:1.5:1:%d\n", anchorRightID, anchorRightLat, anchorRightLon, tsUs)

	for _, pos := range positions.Positions {
		fmt.Fprintf(&b, "POS:%d:%.7f:%.7f:%.1f:%d:%d\n",
			pos.DeviceID, pos.Lat, pos.Lon, pos.AltM, pos.SourceMask, pos.DeviceTsMs*1000)
	}
	return []byte(b.String())
}

// gateFrame monta o frame JSON do stream de gate no formato upstream.
func gateFrame(gates wire.GateMetricsPayload, now time.Time) ([]byte, error) {
	type rawMetric struct {
		TagID              string   `json:"tag_id"`
		DPerpSignedM       float64  `json:"d_perp_signed_m"`
		SAlong             float64  `json:"s_along"`
		GateLengthM        float64  `json:"gate_length_m"`
		CrossingEvent      string   `json:"crossing_event"`
		CrossingTimeUs     *int64   `json:"crossing_time_us,omitempty"`
		CrossingConfidence float64  `json:"crossing_confidence"`
		PositionQuality    float64  `json:"tag_position_quality"`
		TimeToLineS        *float64 `json:"time_to_line_s,omitempty"`
		SpeedToLineMps     float64  `json:"speed_to_line_mps"`
	}
	type rawAlert struct {
		TagID          string  `json:"tag_id"`
		Event          string  `json:"event"`
		CrossingTimeUs int64   `json:"crossing_time_us"`
		Confidence     float64 `json:"confidence"`
	}
	type rawBatch struct {
		ServerTimestampUs int64       `json:"server_timestamp_us"`
		Metrics           []rawMetric `json:"metrics"`
		Alerts            []rawAlert  `json:"alerts"`
	}

	batch := rawBatch{ServerTimestampUs: now.UnixMicro()}
	for _, m := range gates.Metrics {
		rm := rawMetric{
			TagID:              m.AthleteID,
			DPerpSignedM:       m.DistToLineM,
			SAlong:             m.SAlong,
			GateLengthM:        m.GateLengthM,
			CrossingEvent:      string(m.CrossingEvent),
			CrossingConfidence: m.CrossingConfidence,
			PositionQuality:    m.PositionQuality,
			TimeToLineS:        m.EtaToLineS,
			SpeedToLineMps:     m.SpeedToLineMps,
		}
		batch.Metrics = append(batch.Metrics, rm)
	}
	for _, a := range gates.Alerts {
		crossingUs := a.CrossingTsMs * 1000
		batch.Alerts = append(batch.Alerts, rawAlert{
			TagID:          a.AthleteID,
			Event:          string(a.Event),
			CrossingTimeUs: crossingUs,
			Confidence:     a.Confidence,
		})
	}
	return json.Marshal(batch)
}
