// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pongWait é o deadline de leitura, renovado a cada pong do browser.
	pongWait = 60 * time.Second

	// pingPeriod deve ser menor que pongWait.
	pingPeriod = 30 * time.Second

	// readLimit: clients não enviam payloads, apenas frames de controle.
	readLimit = 512
)

// Client é uma conexão WebSocket de um browser inscrito no feed.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  *sendQueue
	closed bool

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{
		hub:    hub,
		conn:   conn,
		logger: logger,
		queue:  newSendQueue(hub.queueSize),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// enqueue aplica a política de backpressure e acorda o writer. Desconecta o
// client quando a fila fica em overflow contínuo além do grace configurado.
func (c *Client) enqueue(m outMessage, now time.Time) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	dropped, ok := c.queue.push(m, now)
	congested := c.queue.congestedFor(now)
	c.cond.Signal()
	c.mu.Unlock()

	if dropped {
		c.hub.messagesDropped.Add(1)
	}

	// ok=false é uma mensagem crítica sem lugar na fila: o contrato de nunca
	// perder events quebrou e o grace não se aplica. Desconecta na hora, o
	// client reconecta e recebe o snapshot de welcome.
	if !ok {
		c.logger.Warn("send queue full of critical messages, disconnecting")
		c.hub.slowDisconnects.Add(1)
		c.close(websocket.ClosePolicyViolation, "slow consumer")
		return
	}
	if dropped && congested > c.hub.overflowGrace {
		c.logger.Warn("slow consumer, disconnecting", "congested_for", congested.String())
		c.hub.slowDisconnects.Add(1)
		c.close(websocket.ClosePolicyViolation, "slow consumer")
	}
}

// writePump drena a fila para o socket. Uma goroutine por client.
func (c *Client) writePump() {
	defer c.close(websocket.CloseNormalClosure, "")

	for {
		m, ok := c.next()
		if !ok {
			return
		}

		c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeDeadline))
		var err error
		if m.data == nil {
			err = c.conn.WriteMessage(websocket.PingMessage, nil)
		} else {
			err = c.conn.WriteMessage(websocket.TextMessage, m.data)
		}
		if err != nil {
			c.logger.Debug("ws write failed", "error", err)
			return
		}
	}
}

// next bloqueia até haver mensagem, tick de ping ou fechamento.
func (c *Client) next() (outMessage, bool) {
	pingAt := time.Now().Add(pingPeriod)

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.closed {
			return outMessage{}, false
		}
		if m, ok := c.queue.pop(); ok {
			return m, true
		}
		if time.Now().After(pingAt) {
			// data nil sinaliza frame de ping para o writer.
			return outMessage{}, true
		}

		// Acorda periodicamente para não perder o horário do ping.
		waker := time.AfterFunc(time.Second, c.cond.Signal)
		c.cond.Wait()
		waker.Stop()
	}
}

// readPump descarta frames do client e detecta o fechamento da conexão.
func (c *Client) readPump() {
	defer c.close(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// close encerra a conexão uma única vez e remove o client do hub.
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.cond.Broadcast()
		c.mu.Unlock()

		if code != websocket.CloseNormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, msg)
		}
		c.conn.Close()
		c.hub.remove(c)
	})
}
