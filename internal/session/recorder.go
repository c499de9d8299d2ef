// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/logging"
	"github.com/nishisan-dev/startline-relay/internal/wire"
)

const (
	// recordQueueDepth é a profundidade da fila entre o pipeline e o writer.
	recordQueueDepth = 1024

	// flushInterval limita a perda em caso de crash durante a gravação.
	flushInterval = time.Second
)

// RecorderState é o estado corrente do Recorder.
type RecorderState string

const (
	StateIdle      RecorderState = "IDLE"
	StateRecording RecorderState = "RECORDING"
)

// Recorder grava envelopes em um session pack JSONL. Uma gravação por vez;
// timestamps são regravados relativos ao início da sessão para o replay.
type Recorder struct {
	store      *Store
	sealOnStop bool
	baseLogger *slog.Logger

	// OnFault é chamado quando a gravação morre por erro de I/O. O caller
	// usa para emitir um evento SYSTEM_ERROR no feed.
	OnFault func(sessionID string, err error)

	mu        sync.Mutex
	state     RecorderState
	sessionID string
	startMs   int64
	queue     chan wire.Envelope
	done      chan struct{}
	writeErr  error
	logCloser io.Closer
	logger    *slog.Logger
	dropped   atomic.Uint64
	recorded  atomic.Uint64
}

// NewRecorder cria um Recorder IDLE sobre o Store.
func NewRecorder(store *Store, sealOnStop bool, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:      store,
		sealOnStop: sealOnStop,
		baseLogger: logger,
		state:      StateIdle,
	}
}

// State retorna o estado corrente e o session id ativo (vazio quando IDLE).
func (r *Recorder) State() (RecorderState, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.sessionID
}

// Stats retorna os contadores acumulados da gravação corrente.
func (r *Recorder) Stats() (recorded, dropped uint64) {
	return r.recorded.Load(), r.dropped.Load()
}

// Start abre um pack novo e inicia a gravação. Falha com ErrExists quando já
// há pack com o mesmo id e com erro quando outra gravação está ativa.
func (r *Recorder) Start(sessionID, description string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRecording {
		return fmt.Errorf("recording already active for session %s", r.sessionID)
	}

	f, path, err := r.store.createPart(sessionID)
	if err != nil {
		return err
	}

	hdr := wire.PackHeader{
		Meta:          true,
		SchemaVersion: wire.SchemaVersion,
		SessionID:     sessionID,
		Created:       now.UTC().Format(time.RFC3339),
		Description:   description,
	}
	line, err := json.Marshal(hdr)
	if err != nil {
		f.Close()
		r.store.abortPart(sessionID)
		return fmt.Errorf("marshaling pack header: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		r.store.abortPart(sessionID)
		return fmt.Errorf("writing pack header: %w", err)
	}

	logger, logCloser, _, err := logging.NewSessionLogger(r.baseLogger, r.store.LogDir(), sessionID)
	if err != nil {
		// Log de sessão é conveniência; a gravação prossegue sem ele.
		r.baseLogger.Warn("session log unavailable", "session", sessionID, "error", err)
		logger, logCloser = r.baseLogger, io.NopCloser(nil)
	}

	r.state = StateRecording
	r.sessionID = sessionID
	r.startMs = now.UnixMilli()
	r.queue = make(chan wire.Envelope, recordQueueDepth)
	r.done = make(chan struct{})
	r.writeErr = nil
	r.logCloser = logCloser
	r.logger = logger.With("session", sessionID)
	r.recorded.Store(0)
	r.dropped.Store(0)

	r.logger.Info("recording started", "pack", path)
	go r.writeLoop(f, r.queue, r.done, r.startMs, sessionID)
	return nil
}

// Record enfileira um envelope sem bloquear o pipeline. Com a fila cheia o
// envelope é descartado e contabilizado.
func (r *Recorder) Record(env wire.Envelope) {
	r.mu.Lock()
	q := r.queue
	active := r.state == StateRecording
	r.mu.Unlock()

	if !active {
		return
	}
	select {
	case q <- env:
	default:
		r.dropped.Add(1)
	}
}

// Stop finaliza a gravação corrente: drena a fila, commita o pack e
// opcionalmente o sela. Retorna o PackInfo final.
func (r *Recorder) Stop() (PackInfo, error) {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return PackInfo{}, fmt.Errorf("no active recording")
	}
	sessionID := r.sessionID
	queue := r.queue
	done := r.done
	r.mu.Unlock()

	close(queue)
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = StateIdle
	r.sessionID = ""
	r.queue = nil
	if r.logCloser != nil {
		r.logCloser.Close()
		r.logCloser = nil
	}

	if r.writeErr != nil {
		r.store.abortPart(sessionID)
		return PackInfo{}, fmt.Errorf("recording failed: %w", r.writeErr)
	}

	info, err := r.store.commitPart(sessionID)
	if err != nil {
		return PackInfo{}, err
	}
	if r.sealOnStop {
		if sealed, err := r.store.Seal(sessionID); err == nil {
			info = sealed
		} else {
			r.baseLogger.Warn("pack seal failed, keeping plain pack", "session", sessionID, "error", err)
		}
	}
	return info, nil
}

// writeLoop drena a fila para o arquivo com flush periódico. Em erro de
// escrita a gravação morre (recorder volta a IDLE) e OnFault é notificado.
func (r *Recorder) writeLoop(f *os.File, queue chan wire.Envelope, done chan struct{}, startMs int64, sessionID string) {
	defer close(done)

	w := bufio.NewWriterSize(f, 64*1024)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	logger := r.logger

	for {
		select {
		case env, ok := <-queue:
			if !ok {
				if err := w.Flush(); err != nil {
					f.Close()
					r.fault(sessionID, err)
					return
				}
				f.Close()
				return
			}
			// Timestamps relativos ao início da sessão (time base do replay).
			env.TsMs -= startMs
			line, err := json.Marshal(env)
			if err != nil {
				logger.Warn("envelope marshal failed, skipping", "error", err)
				continue
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				f.Close()
				r.fault(sessionID, err)
				return
			}
			r.recorded.Add(1)
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				f.Close()
				r.fault(sessionID, err)
				return
			}
		}
	}
}

// fault registra o erro, descarta o pack parcial e devolve o recorder a IDLE.
func (r *Recorder) fault(sessionID string, err error) {
	r.mu.Lock()
	if r.writeErr == nil {
		r.writeErr = err
	}
	// A gravação pode já ter sido finalizada por Stop concorrente.
	if r.state == StateRecording && r.sessionID == sessionID {
		r.state = StateIdle
		r.sessionID = ""
		r.queue = nil
		if r.logCloser != nil {
			r.logCloser.Close()
			r.logCloser = nil
		}
	}
	logger := r.logger
	r.mu.Unlock()

	r.store.abortPart(sessionID)
	logger.Error("recording write failed, discarding pack", "session", sessionID, "error", err)
	if r.OnFault != nil {
		r.OnFault(sessionID, err)
	}
}
