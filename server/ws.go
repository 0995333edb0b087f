package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

var errNotConnected = errors.New("send a connect message first")

type inboundMessage struct {
	Type     string  `json:"type"`
	PlayerID string  `json:"playerId"`
	Action   string  `json:"action"`
	Amount   float64 `json:"amount"`
}

type outboundMessage struct {
	Type      string     `json:"type"`
	PlayerID  string     `json:"playerId,omitempty"`
	Error     string     `json:"error,omitempty"`
	GameState *gameState `json:"gameState,omitempty"`
}

// client is one game websocket. Only writeLoop writes to the connection;
// replies to this client and broadcast updates both go through it.
type client struct {
	conn     *websocket.Conn
	sub      *subscription[[]byte]
	replies  chan []byte
	done     chan struct{}
	playerID string
}

func (s *server) handleGameStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{
		conn:    conn,
		sub:     s.updates.Subscribe(s.cfg.Server.ClientBuffer),
		replies: make(chan []byte, 8),
		done:    make(chan struct{}),
	}
	go c.writeLoop()

	s.readLoop(c)

	s.updates.Unsubscribe(c.sub)
	<-c.done
	conn.Close()
	if c.playerID != "" {
		log.Debug().Str("player", c.playerID).Msg("player disconnected")
	}
}

func (s *server) readLoop(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.reply(outboundMessage{Type: "error", Error: "malformed message"})
				continue
			}
			return
		}
		s.handleMessage(c, msg)
	}
}

func (s *server) handleMessage(c *client, msg inboundMessage) {
	if msg.Type == "connect" {
		id, created, err := s.market.Connect(msg.PlayerID)
		if err != nil {
			c.reply(outboundMessage{Type: "error", Error: err.Error()})
			return
		}
		c.playerID = id
		log.Debug().Str("player", id).Bool("created", created).Msg("player connected")
		c.reply(outboundMessage{Type: "init", PlayerID: id})
		if frame := s.latest.Load(); frame != nil && !created {
			c.send(*frame)
		}
		return
	}
	if msg.Action == "" {
		return
	}
	if c.playerID == "" {
		c.reply(outboundMessage{Type: "error", Error: errNotConnected.Error()})
		return
	}
	if _, err := s.trade(c.playerID, msg.Action, msg.Amount); err != nil {
		c.reply(outboundMessage{Type: "error", Error: err.Error()})
	}
}

func (c *client) reply(msg outboundMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("encode reply")
		return
	}
	c.send(frame)
}

func (c *client) send(frame []byte) {
	select {
	case c.replies <- frame:
	case <-c.done:
	}
}

func (c *client) writeLoop() {
	defer close(c.done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(kind int, data []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, data); err != nil {
			// Unblocks readLoop.
			c.conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case frame, ok := <-c.sub.ch:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				c.conn.Close()
				return
			}
			if !write(websocket.TextMessage, frame) {
				return
			}
		case frame := <-c.replies:
			if !write(websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}
