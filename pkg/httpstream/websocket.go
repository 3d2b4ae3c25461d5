package httpstream

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WebSocketStreamer implements Streamer over a persistent coder/websocket
// connection, dialed once and reused across segments: one request/response
// exchange per segment rather than per-request HTTP POSTs.
type WebSocketStreamer struct {
	endpoint string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketStreamer builds a WebSocketStreamer dialing endpoint lazily on
// first use.
func NewWebSocketStreamer(endpoint string) *WebSocketStreamer {
	return &WebSocketStreamer{endpoint: endpoint}
}

func (s *WebSocketStreamer) getConn(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.conn, nil
	}

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("httpstream: invalid websocket endpoint: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	s.conn = conn
	return conn, nil
}

// Stream sends req as a JSON text frame and reads binary frames as chunks
// until a sentinel text frame ends the segment.
func (s *WebSocketStreamer) Stream(ctx context.Context, req SynthesisRequest, onChunk OnChunk) (Timing, error) {
	var timing Timing
	start := time.Now()

	conn, err := s.getConn(ctx)
	if err != nil {
		return timing, err
	}

	s.mu.Lock()
	err = wsjson.Write(ctx, conn, req)
	s.mu.Unlock()
	if err != nil {
		s.dropConn()
		conn.Close(websocket.StatusAbnormalClosure, "failed to write synthesis request")
		return timing, &NetworkError{Err: err}
	}
	timing.TimeToFirstByte = time.Since(start)

	var sequence uint64
	firstChunk := true

	for {
		if err := ctx.Err(); err != nil {
			return timing, ErrCanceled
		}

		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			s.dropConn()
			conn.Close(websocket.StatusAbnormalClosure, "failed to read")
			if ctx.Err() != nil {
				return timing, ErrCanceled
			}
			return timing, &NetworkError{Err: err}
		}

		switch messageType {
		case websocket.MessageBinary:
			if firstChunk {
				timing.TimeToFirstChunk = time.Since(start)
				firstChunk = false
			}
			if err := onChunk(Chunk{Bytes: payload, Sequence: sequence, ReceivedAt: time.Now()}); err != nil {
				return timing, err
			}
			sequence++
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return timing, nil
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return timing, &HttpError{Status: 0, Body: msg}
			}
		}
	}
}

func (s *WebSocketStreamer) dropConn() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

// Close terminates the underlying connection, if any.
func (s *WebSocketStreamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close(websocket.StatusNormalClosure, "")
		s.conn = nil
		return err
	}
	return nil
}
