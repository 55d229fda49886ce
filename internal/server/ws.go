package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nameshigawa/bboxviewer/internal/dispatcher"
	"github.com/nameshigawa/bboxviewer/pkg/streaming"
)

const (
	sendChSize   = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingEvery    = (pongWait * 9) / 10
	maxReadBytes = 1 << 20
)

// client is one WebSocket connection with a single write goroutine.
type client struct {
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:   conn,
		sendCh: make(chan []byte, sendChSize),
		done:   make(chan struct{}),
	}
}

// send queues data for the write loop. It reports false when the client is
// gone or too slow to keep up.
func (c *client) send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- data:
		return true
	default:
		return false
	}
}

// close asks the write loop to send a close frame and drop the connection.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// writeLoop drains sendCh and pings the peer. It is the only writer, and
// closing the connection on exit unblocks the read loop.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	defer func() {
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.sendCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxReadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	cl := newClient(conn)
	s.addClient(cl)
	s.logger.Info("WebSocket client connected", "remote", conn.RemoteAddr().String())

	go cl.writeLoop()
	go s.readLoop(cl)
}

// readLoop handles client envelopes until the connection fails.
func (s *Server) readLoop(cl *client) {
	defer func() {
		s.removeClient(cl)
		s.logger.Info("WebSocket client disconnected")
	}()

	for {
		msgType, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var env streaming.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.reply(cl, streaming.TypeError, "", streaming.ErrorMessage{Message: fmt.Sprintf("invalid envelope: %v", err)})
			continue
		}
		s.handleEnvelope(cl, env)
	}
}

func (s *Server) handleEnvelope(cl *client, env streaming.Envelope) {
	switch env.Type {
	case streaming.TypeCommand:
		var req streaming.CommandRequest
		if err := env.Decode(&req); err != nil {
			s.reply(cl, streaming.TypeError, env.ID, streaming.ErrorMessage{Message: err.Error()})
			return
		}
		result, err := s.runCommand(req)
		if err != nil {
			reply := dispatcher.ErrorReply(req.Command, err)
			s.reply(cl, streaming.TypeError, env.ID, streaming.ErrorMessage{Command: reply[1], Message: reply[2]})
			return
		}
		s.reply(cl, streaming.TypeResult, env.ID, streaming.CommandResult{Command: req.Command, Result: result})

	case streaming.TypePlay:
		var req streaming.PlayRequest
		if len(env.Payload) > 0 {
			if err := env.Decode(&req); err != nil {
				s.reply(cl, streaming.TypeError, env.ID, streaming.ErrorMessage{Message: err.Error()})
				return
			}
		}
		if _, err := s.startPlayback(req); err != nil {
			s.reply(cl, streaming.TypeError, env.ID, streaming.ErrorMessage{Message: err.Error()})
			return
		}
		s.reply(cl, streaming.TypeAck, env.ID, streaming.AckMessage{For: streaming.TypePlay})

	case streaming.TypeStop:
		s.player.Stop()
		s.reply(cl, streaming.TypeAck, env.ID, streaming.AckMessage{For: streaming.TypeStop})

	default:
		s.reply(cl, streaming.TypeError, env.ID, streaming.ErrorMessage{Message: fmt.Sprintf("unknown message type %q", env.Type)})
	}
}

func (s *Server) reply(cl *client, msgType, id string, payload any) {
	env, err := streaming.NewEnvelope(msgType, id, payload)
	if err != nil {
		env, _ = streaming.NewEnvelope(streaming.TypeError, id, streaming.ErrorMessage{Message: err.Error()})
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("WebSocket reply encode failed", "type", msgType, "error", err)
		return
	}
	if !cl.send(data) {
		s.logger.Warn("WebSocket send channel full, dropping reply", "type", msgType)
	}
}

// broadcast sends env to every client; clients that cannot keep up are
// disconnected.
func (s *Server) broadcast(env streaming.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("WebSocket broadcast encode failed", "type", env.Type, "error", err)
		return
	}

	var stale []*client
	s.mu.Lock()
	for cl := range s.clients {
		if !cl.send(data) {
			stale = append(stale, cl)
		}
	}
	s.mu.Unlock()

	for _, cl := range stale {
		s.logger.Warn("Dropping slow WebSocket client")
		s.removeClient(cl)
	}
}

func (s *Server) addClient(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[cl] = struct{}{}
}

func (s *Server) removeClient(cl *client) {
	s.mu.Lock()
	delete(s.clients, cl)
	s.mu.Unlock()
	cl.close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		clients = append(clients, cl)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, cl := range clients {
		cl.close()
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
