// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package upstream conecta os SUB sockets ZeroMQ do engine de posicionamento
// e entrega frames crus ao pipeline, com reconexão exponencial e drop-oldest
// quando o consumidor atrasa.
package upstream

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
)

// frameBuffer é a profundidade do canal de frames por subscriber.
const frameBuffer = 256

// Frame é um frame cru recebido de um stream upstream.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

// Stats são os contadores de um subscriber, lidos pelo heartbeat e pelo health.
type Stats struct {
	FramesReceived uint64
	FramesDropped  uint64
	Reconnects     uint64
}

// Subscriber mantém um SUB socket contra um endpoint do engine. O loop de
// Run reconecta com backoff exponencial (com jitter) e zera o backoff após
// o primeiro frame de uma conexão nova.
type Subscriber struct {
	name     string
	endpoint string
	minWait  time.Duration
	maxWait  time.Duration
	logger   *slog.Logger

	frames    chan Frame
	connected atomic.Bool

	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
	reconnects     atomic.Uint64
}

// NewSubscriber cria um Subscriber para um stream nomeado ("position"/"gate").
func NewSubscriber(name, endpoint string, minWait, maxWait time.Duration, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		name:     name,
		endpoint: endpoint,
		minWait:  minWait,
		maxWait:  maxWait,
		logger:   logger.With("stream", name, "endpoint", endpoint),
		frames:   make(chan Frame, frameBuffer),
	}
}

// Frames é o canal de saída do subscriber. Fechado quando Run retorna.
func (s *Subscriber) Frames() <-chan Frame {
	return s.frames
}

// Connected responde se o socket está conectado e recebendo.
func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// Snapshot retorna os contadores correntes.
func (s *Subscriber) Snapshot() Stats {
	return Stats{
		FramesReceived: s.framesReceived.Load(),
		FramesDropped:  s.framesDropped.Load(),
		Reconnects:     s.reconnects.Load(),
	}
}

// Run mantém a conexão até o contexto ser cancelado. Bloqueia; rodar em goroutine.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.frames)

	wait := s.minWait
	for {
		if ctx.Err() != nil {
			return
		}

		ok := s.connectAndPump(ctx)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return
		}

		if ok {
			// Conexão serviu frames: recomeça do backoff mínimo.
			wait = s.minWait
		}
		s.logger.Warn("upstream disconnected, retrying", "wait", wait.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(wait)):
		}

		wait *= 2
		if wait > s.maxWait {
			wait = s.maxWait
		}
	}
}

// connectAndPump abre o SUB socket e bombeia frames até erro ou cancelamento.
// Retorna true se ao menos um frame foi recebido nesta conexão.
func (s *Subscriber) connectAndPump(ctx context.Context) bool {
	sock := zmq4.NewSub(ctx)
	defer sock.Close()

	if err := sock.Dial(s.endpoint); err != nil {
		s.logger.Warn("upstream dial failed", "error", err)
		return false
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, s.name); err != nil {
		s.logger.Warn("upstream subscribe failed", "error", err)
		return false
	}

	s.logger.Info("upstream connected")
	got := false
	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("upstream recv failed", "error", err)
			}
			if got {
				s.reconnects.Add(1)
			}
			return got
		}
		got = true
		s.connected.Store(true)
		s.framesReceived.Add(1)
		s.deliver(Frame{Data: payloadFrame(msg.Frames), ReceivedAt: time.Now()})
	}
}

// payloadFrame extrai o payload de uma mensagem multipart [topic, payload].
// O publisher manda o nome do stream como primeiro frame; o payload é sempre
// o último. Mensagens de frame único chegam inteiras.
func payloadFrame(frames [][]byte) []byte {
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

// deliver entrega um frame sem bloquear: com o canal cheio, descarta o mais
// antigo. O pipeline sempre vê os dados mais recentes.
func (s *Subscriber) deliver(f Frame) {
	select {
	case s.frames <- f:
		return
	default:
	}
	select {
	case <-s.frames:
		s.framesDropped.Add(1)
	default:
	}
	select {
	case s.frames <- f:
	default:
		s.framesDropped.Add(1)
	}
}

// jitter aplica ±20% sobre o intervalo de backoff.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.2
	return d + time.Duration((rand.Float64()*2-1)*delta)
}
