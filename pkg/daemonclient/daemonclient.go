// Package daemonclient connects to the audio daemon over its local
// WebSocket-framed socket, sends control and chunk messages, and surfaces
// daemon events (completed, error, status) as a callback-based stream.
package daemonclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/lokutor-streamcast/pkg/logging"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/wireproto"
)

// EventListener receives a decoded inbound frame for one event type.
type EventListener func(wireproto.Frame)

// ErrClosedNormally wraps a write failure caused by the daemon closing the
// socket with a normal closure code, distinguishing "the sink backend ended
// cleanly mid-stream" from an actual transport failure.
var ErrClosedNormally = errors.New("daemonclient: connection closed normally")

const (
	backpressureHighWatermark = 0.85
	backpressureLowWatermark  = 0.60
	backpressureYield         = 5 * time.Millisecond
	endStreamAwaitTimeout     = 15 * time.Second
)

// listenerEntry pairs a registered listener with an id so On's returned
// unregister func can remove exactly the one it registered.
type listenerEntry struct {
	id       uint64
	listener EventListener
}

// DaemonClient is a connection to one daemon session.
type DaemonClient struct {
	url    string
	logger logging.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	listeners      map[wireproto.FrameType][]listenerEntry
	nextListenerID uint64
	lastUtil       float64
	sequence       uint64

	readCtx    context.Context
	readCancel context.CancelFunc
	readDone   chan struct{}
}

// New builds a DaemonClient targeting url (e.g. ws://127.0.0.1:8081/).
func New(url string, logger logging.Logger) *DaemonClient {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &DaemonClient{
		url:       url,
		logger:    logger,
		listeners: make(map[wireproto.FrameType][]listenerEntry),
	}
}

// On registers a listener for frames of the given type and returns a func
// that removes it. Safe to call before or after Connect. Callers that
// register a listener scoped to a single call (e.g. EndStream) must
// unregister it when done, or it keeps firing for the life of the
// connection.
func (c *DaemonClient) On(typ wireproto.FrameType, listener EventListener) func() {
	c.mu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.listeners[typ] = append(c.listeners[typ], listenerEntry{id: id, listener: listener})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.listeners[typ]
		for i, e := range entries {
			if e.id == id {
				c.listeners[typ] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Connect dials the daemon and starts the background read loop.
func (c *DaemonClient) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("daemonclient: dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	readCtx, cancel := context.WithCancel(context.Background())
	c.readCtx = readCtx
	c.readCancel = cancel
	c.readDone = make(chan struct{})

	go c.readLoop(readCtx, conn)
	return nil
}

func (c *DaemonClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.readDone)
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame wireproto.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Warn("daemonclient: malformed frame dropped", "error", err)
			continue
		}

		if frame.Type == wireproto.FrameStatus {
			var status wireproto.StatusPayload
			if err := json.Unmarshal(frame.Data, &status); err == nil {
				c.mu.Lock()
				c.lastUtil = status.BufferUtilization
				c.mu.Unlock()
			}
		}

		c.dispatch(frame)
	}
}

func (c *DaemonClient) dispatch(frame wireproto.Frame) {
	c.mu.Lock()
	entries := append([]listenerEntry(nil), c.listeners[frame.Type]...)
	c.mu.Unlock()
	for _, e := range entries {
		e.listener(frame)
	}
}

func (c *DaemonClient) send(ctx context.Context, frame wireproto.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("daemonclient: not connected")
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return fmt.Errorf("daemonclient: write failed: %w: %w", ErrClosedNormally, err)
		}
		return err
	}
	return nil
}

// StartStream sends control.play. The session format is not part of this
// call; it travels on the first WriteChunk that carries a non-nil format.
func (c *DaemonClient) StartStream(ctx context.Context) error {
	frame, err := wireproto.NewFrame(wireproto.FrameControl, time.Now(), wireproto.ControlPayload{Action: wireproto.ActionPlay})
	if err != nil {
		return err
	}
	return c.send(ctx, frame)
}

// WriteChunk sends one audio_chunk frame, applying back-pressure based on
// the daemon's last reported buffer utilization.
func (c *DaemonClient) WriteChunk(ctx context.Context, data []byte, format *wireproto.AudioFormat) error {
	c.awaitBackpressure(ctx)

	c.mu.Lock()
	seq := c.sequence
	c.sequence++
	c.mu.Unlock()

	payload := wireproto.AudioChunkPayload{
		Chunk:    wireproto.EncodeChunkBytes(data),
		Format:   format,
		Sequence: seq,
	}
	frame, err := wireproto.NewFrame(wireproto.FrameAudioChunk, time.Now(), payload)
	if err != nil {
		return err
	}
	return c.send(ctx, frame)
}

func (c *DaemonClient) awaitBackpressure(ctx context.Context) {
	c.mu.Lock()
	util := c.lastUtil
	c.mu.Unlock()
	if util < backpressureHighWatermark {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backpressureYield):
		}
		c.mu.Lock()
		util = c.lastUtil
		c.mu.Unlock()
		if util < backpressureLowWatermark {
			return
		}
	}
}

// EndStream sends control.end_stream and awaits the completed event (or a
// fallback status showing state=idle, utilization=0). Both listeners are
// installed before end_stream is sent, so a fast reply is not missed.
func (c *DaemonClient) EndStream(ctx context.Context) error {
	completed := make(chan struct{}, 1)
	signal := func() {
		select {
		case completed <- struct{}{}:
		default:
		}
	}

	unregCompleted := c.On(wireproto.FrameCompleted, func(wireproto.Frame) { signal() })
	unregStatus := c.On(wireproto.FrameStatus, func(f wireproto.Frame) {
		var status wireproto.StatusPayload
		if err := json.Unmarshal(f.Data, &status); err == nil {
			if status.State == wireproto.DaemonIdle && status.BufferUtilization == 0 {
				signal()
			}
		}
	})
	defer unregCompleted()
	defer unregStatus()

	frame, err := wireproto.NewFrame(wireproto.FrameControl, time.Now(), wireproto.ControlPayload{Action: wireproto.ActionEndStream})
	if err != nil {
		return err
	}
	if err := c.send(ctx, frame); err != nil {
		return err
	}

	select {
	case <-completed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(endStreamAwaitTimeout):
		return fmt.Errorf("daemonclient: timed out awaiting completion")
	}
}

// Pause sends control.pause.
func (c *DaemonClient) Pause(ctx context.Context) error {
	frame, err := wireproto.NewFrame(wireproto.FrameControl, time.Now(), wireproto.ControlPayload{Action: wireproto.ActionPause})
	if err != nil {
		return err
	}
	return c.send(ctx, frame)
}

// Resume sends control.resume.
func (c *DaemonClient) Resume(ctx context.Context) error {
	frame, err := wireproto.NewFrame(wireproto.FrameControl, time.Now(), wireproto.ControlPayload{Action: wireproto.ActionResume})
	if err != nil {
		return err
	}
	return c.send(ctx, frame)
}

// Stop sends control.stop.
func (c *DaemonClient) Stop(ctx context.Context) error {
	frame, err := wireproto.NewFrame(wireproto.FrameControl, time.Now(), wireproto.ControlPayload{Action: wireproto.ActionStop})
	if err != nil {
		return err
	}
	return c.send(ctx, frame)
}

// Close terminates the read loop, underlying connection, and drops all
// registered listeners.
func (c *DaemonClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.listeners = make(map[wireproto.FrameType][]listenerEntry)
	c.mu.Unlock()

	if c.readCancel != nil {
		c.readCancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}
