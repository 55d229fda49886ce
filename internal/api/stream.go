package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/nameshigawa/bboxviewer/pkg/streaming"
)

const (
	sendChSize     = 256
	frameChSize    = 1024
	maxReconnect   = 10
	maxBackoff     = 30 * time.Second
	writeWait      = 10 * time.Second
	defaultTimeout = 10 * time.Second
)

// ErrStreamClosed is returned for requests on a closed stream.
var ErrStreamClosed = errors.New("stream closed")

// RemoteError is an error envelope sent back by the viewer.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Command == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithBackoff sets the first reconnect delay. It doubles per failed attempt.
func WithBackoff(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// WithTimeout bounds how long a request waits for its reply.
func WithTimeout(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Stream is a WebSocket session with the viewer. A single goroutine writes
// to the connection; replies are matched to requests by envelope id and
// frame broadcasts are delivered on Frames.
type Stream struct {
	mu     sync.Mutex
	conn   *ws.Conn
	sendCh chan []byte
	frames chan streaming.FrameUpdate
	done   chan struct{} // closed on shutdown
	closed bool

	wsURL  string
	secret string

	pending map[string]chan streaming.Envelope
	nextID  atomic.Uint64

	// Last play request, replayed after a reconnect so frames resume.
	cachedPlay []byte

	backoff time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// Dial connects to the viewer's WebSocket endpoint.
func Dial(rawURL, secret string, logger *slog.Logger, opts ...StreamOption) (*Stream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{
		sendCh:  make(chan []byte, sendChSize),
		frames:  make(chan streaming.FrameUpdate, frameChSize),
		done:    make(chan struct{}),
		wsURL:   rawURL,
		secret:  secret,
		pending: make(map[string]chan streaming.Envelope),
		backoff: time.Second,
		timeout: defaultTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	conn, err := s.dialOnce()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.writeLoop(conn)
	go s.readLoop(conn)

	return s, nil
}

// dialOnce performs a single WebSocket dial with the secret query param.
func (s *Stream) dialOnce() (*ws.Conn, error) {
	u, err := url.Parse(s.wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if s.secret != "" {
		q := u.Query()
		q.Set("secret", s.secret)
		u.RawQuery = q.Encode()
	}

	conn, _, err := ws.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// Frames delivers playback frames. Frames are dropped when the consumer
// falls behind. The channel is never closed; watch Done.
func (s *Stream) Frames() <-chan streaming.FrameUpdate {
	return s.frames
}

// Done is closed when the stream shuts down.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// writeLoop drains sendCh onto conn. It returns on error or shutdown.
func (s *Stream) writeLoop(conn *ws.Conn) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("WebSocket SetWriteDeadline error", "error", err)
				go s.reconnect(conn)
				return
			}
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				s.logger.Warn("WebSocket write error", "error", err)
				go s.reconnect(conn)
				return
			}
		}
	}
}

// readLoop routes replies to their waiting request and frames to Frames.
func (s *Stream) readLoop(conn *ws.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Warn("WebSocket read error", "error", err)
			go s.reconnect(conn)
			return
		}

		var env streaming.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Debug("Unreadable message received", "raw", string(message))
			continue
		}

		if env.Type == streaming.TypeFrame {
			var u streaming.FrameUpdate
			if err := env.Decode(&u); err != nil {
				s.logger.Debug("Unreadable frame received", "error", err)
				continue
			}
			select {
			case s.frames <- u:
			default:
				s.logger.Debug("Frame channel full, dropping", "frame", u.Frame)
			}
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[env.ID]
		delete(s.pending, env.ID)
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("Unsolicited message received", "type", env.Type, "id", env.ID)
			continue
		}
		ch <- env
	}
}

// reconnect replaces a failed connection, retrying with exponential
// backoff. Only the first caller for a given connection does the work.
func (s *Stream) reconnect(failed *ws.Conn) {
	s.mu.Lock()
	if s.closed || s.conn != failed {
		s.mu.Unlock()
		return
	}
	_ = s.conn.Close()
	s.conn = nil
	s.mu.Unlock()

	backoff := s.backoff
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		s.logger.Info("Reconnecting to WebSocket", "attempt", attempt, "backoff", backoff)
		select {
		case <-s.done:
			return
		case <-time.After(backoff):
		}

		conn, err := s.dialOnce()
		if err != nil {
			s.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		cached := s.cachedPlay
		s.mu.Unlock()

		if cached != nil {
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
				err = conn.WriteMessage(ws.TextMessage, cached)
			}
			if err != nil {
				s.logger.Warn("Failed to replay play request after reconnect", "error", err)
			}
		}

		s.logger.Info("WebSocket reconnected", "attempt", attempt)
		go s.writeLoop(conn)
		go s.readLoop(conn)
		return
	}

	s.logger.Error("WebSocket reconnect failed after max attempts", "maxAttempts", maxReconnect)
	_ = s.Close()
}

// request sends one envelope and waits for the reply with the same id.
func (s *Stream) request(ctx context.Context, msgType string, payload any) (streaming.Envelope, error) {
	id := strconv.FormatUint(s.nextID.Add(1), 10)
	env, err := streaming.NewEnvelope(msgType, id, payload)
	if err != nil {
		return streaming.Envelope{}, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return streaming.Envelope{}, err
	}

	replyCh := make(chan streaming.Envelope, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return streaming.Envelope{}, ErrStreamClosed
	}
	s.pending[id] = replyCh
	if msgType == streaming.TypePlay {
		s.cachedPlay = data
	} else if msgType == streaming.TypeStop {
		s.cachedPlay = nil
	}
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}

	select {
	case s.sendCh <- data:
	default:
		forget()
		return streaming.Envelope{}, fmt.Errorf("send channel full, dropping %s", msgType)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		if reply.Type == streaming.TypeError {
			var msg streaming.ErrorMessage
			if err := reply.Decode(&msg); err != nil {
				return reply, fmt.Errorf("unreadable error reply: %w", err)
			}
			return reply, &RemoteError{Command: msg.Command, Message: msg.Message}
		}
		return reply, nil
	case <-ctx.Done():
		forget()
		return streaming.Envelope{}, ctx.Err()
	case <-timer.C:
		forget()
		return streaming.Envelope{}, fmt.Errorf("timeout waiting for reply to %s %s", msgType, id)
	case <-s.done:
		return streaming.Envelope{}, ErrStreamClosed
	}
}

// Command runs a host bridge command over the stream.
func (s *Stream) Command(ctx context.Context, command string, args ...string) (json.RawMessage, error) {
	if args == nil {
		args = []string{}
	}
	reply, err := s.request(ctx, streaming.TypeCommand, streaming.CommandRequest{Command: command, Args: args})
	if err != nil {
		return nil, err
	}
	var res struct {
		Result json.RawMessage `json:"result"`
	}
	if err := reply.Decode(&res); err != nil {
		return nil, err
	}
	return res.Result, nil
}

// Play starts playback; frames arrive on Frames.
func (s *Stream) Play(ctx context.Context, req streaming.PlayRequest) error {
	_, err := s.request(ctx, streaming.TypePlay, req)
	return err
}

// Stop ends playback.
func (s *Stream) Stop(ctx context.Context) error {
	_, err := s.request(ctx, streaming.TypeStop, nil)
	return err
}

// Close sends a WebSocket close frame and shuts down all goroutines.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		return conn.Close()
	}
	return nil
}
