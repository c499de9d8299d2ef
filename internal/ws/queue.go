// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ws

import (
	"time"

	"github.com/nishisan-dev/startline-relay/internal/wire"
)

// messageClass ordena os tipos de mensagem por descartabilidade sob pressão.
type messageClass int

const (
	// classHeartbeat: primeiro a ser descartado.
	classHeartbeat messageClass = iota
	// classStream: position_update / gate_metrics / device_health, substituíveis
	// pelo próximo batch.
	classStream
	// classCritical: event / start_line_definition, nunca descartados.
	classCritical
)

func classOf(t wire.MessageType) messageClass {
	switch t {
	case wire.TypeHeartbeat:
		return classHeartbeat
	case wire.TypePositionUpdate, wire.TypeGateMetrics, wire.TypeDeviceHealth:
		return classStream
	default:
		return classCritical
	}
}

// outMessage é uma mensagem já serializada aguardando escrita em um client.
type outMessage struct {
	class messageClass
	data  []byte
}

// sendQueue é a fila bounded por client com a política de descarte: cheia,
// descarta primeiro o heartbeat mais antigo, depois o stream mais antigo;
// mensagens críticas nunca são descartadas. Quando nada pode ser descartado,
// push falha e o caller decide o destino do client.
type sendQueue struct {
	items []outMessage
	cap   int

	// congestedSince marca o início do overflow corrente (zero = sem overflow).
	congestedSince time.Time
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{items: make([]outMessage, 0, capacity), cap: capacity}
}

// push enfileira uma mensagem aplicando a política de descarte.
// Retorna (dropped, ok): dropped informa se algo foi descartado para abrir
// espaço; ok=false significa fila cheia de mensagens críticas.
func (q *sendQueue) push(m outMessage, now time.Time) (bool, bool) {
	if len(q.items) < q.cap {
		q.congestedSince = time.Time{}
		q.items = append(q.items, m)
		return false, true
	}

	if q.congestedSince.IsZero() {
		q.congestedSince = now
	}

	if q.dropOldest(classHeartbeat) || q.dropOldest(classStream) {
		q.items = append(q.items, m)
		return true, true
	}

	// Tudo crítico: não há o que descartar. Heartbeats podem ser perdidos.
	if m.class == classHeartbeat {
		return true, true
	}
	return false, false
}

// pop remove a mensagem mais antiga. Retorna false com a fila vazia.
func (q *sendQueue) pop() (outMessage, bool) {
	if len(q.items) == 0 {
		return outMessage{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

func (q *sendQueue) len() int { return len(q.items) }

// congestedFor retorna há quanto tempo a fila está em overflow contínuo.
func (q *sendQueue) congestedFor(now time.Time) time.Duration {
	if q.congestedSince.IsZero() {
		return 0
	}
	return now.Sub(q.congestedSince)
}

// dropOldest remove a mensagem mais antiga da classe dada.
func (q *sendQueue) dropOldest(c messageClass) bool {
	for i, m := range q.items {
		if m.class == c {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}
