package audiosink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-streamcast/pkg/logging"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/ringbuffer"
)

const (
	startupBufferTarget = 250 * time.Millisecond
	startupMaxWait      = 2 * time.Second
	pullChunkInterval   = 50 * time.Millisecond
	prematureExitMinBuf = 100 * time.Millisecond

	backoffBase    = 500 * time.Millisecond
	backoffFactor  = 2
	backoffCap     = 5 * time.Second
	maxAttempts    = 5
	attemptsWindow = 30 * time.Second
)

// backendPipeline lists the backends attempted in order, the spec's
// selection policy: in-process malgo, then an exec-spawned streaming
// player, then the chunked-WAV-file fallback.
var backendPipeline = []backendStarter{
	startMalgoSink,
	startExecSink,
	startChunkedFileSink,
}

// EventType identifies the kind of lifecycle notification emitted by
// AudioSink.
type EventType string

const (
	EventChunkConsumed EventType = "chunkConsumed"
	EventUnderrun      EventType = "underrun"
	EventCompleted     EventType = "sinkCompleted"
	EventFailed        EventType = "sinkFailed"
	EventRestarted     EventType = "sinkRestarted"
)

// Event is a lifecycle notification emitted by AudioSink. Bytes carries the
// number of bytes consumed for EventChunkConsumed; it is zero for every
// other event type.
type Event struct {
	Type  EventType
	Bytes int
}

// EventHandler receives AudioSink lifecycle notifications.
type EventHandler func(Event)

// AudioSink owns the ring buffer consumption loop and the selected
// playback backend, applying startup gating, pull-loop back-pressure,
// crash supervision with backoff, and exactly-once completion handling.
type AudioSink struct {
	buf    *ringbuffer.RingBuffer
	format Format
	logger logging.Logger
	onEvent EventHandler

	mu        sync.Mutex
	backend   sinkProcess
	paused    bool
	isStopped bool

	attemptTimes []time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an AudioSink over buf playing audio in format. onEvent may be
// nil.
func New(buf *ringbuffer.RingBuffer, format Format, logger logging.Logger, onEvent EventHandler) *AudioSink {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &AudioSink{buf: buf, format: format, logger: logger, onEvent: onEvent}
}

// Start resolves a backend via the selection policy and begins the pull
// loop. The choice is not cached: every restart after a crash or premature
// exit runs the selection again from the first backend.
func (a *AudioSink) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	backend, err := a.selectBackend(runCtx)
	if err != nil {
		cancel()
		return err
	}

	a.mu.Lock()
	a.backend = backend
	a.mu.Unlock()

	go a.run(runCtx)
	return nil
}

// selectBackend attempts each backend in backendPipeline in order, returning
// the first that starts successfully.
func (a *AudioSink) selectBackend(ctx context.Context) (sinkProcess, error) {
	var lastErr error
	for _, start := range backendPipeline {
		backend, err := start(ctx, a.format)
		if err == nil {
			return backend, nil
		}
		a.logger.Warn("audiosink: backend start failed, trying next", "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("audiosink: all backends failed to start: %w", lastErr)
}

func (a *AudioSink) run(ctx context.Context) {
	defer close(a.done)

	startedAt := time.Now()
	a.awaitStartupGate(ctx, startedAt)

	for {
		if ctx.Err() != nil {
			return
		}

		a.pullLoopOnce(ctx)

		if ctx.Err() != nil {
			return
		}

		a.mu.Lock()
		backend := a.backend
		bufSize := a.buf.Size()
		stopped := a.isStopped
		a.mu.Unlock()

		if stopped {
			return
		}

		exitInfo, err := backend.Wait(ctx)
		if err != nil {
			return
		}

		if exitInfo.Normal && time.Duration(bufSize)*time.Second/time.Duration(a.format.BytesPerSecond()) >= prematureExitMinBuf {
			a.handlePrematureExit(ctx)
			continue
		}

		if !exitInfo.Normal {
			if a.handleCrashWithBackoff(ctx) {
				continue
			}
			a.onEvent(Event{Type: EventFailed})
			return
		}

		a.onEvent(Event{Type: EventCompleted})
		return
	}
}

// awaitStartupGate blocks the pull loop until the buffer holds at least
// startupBufferTarget worth of audio or startupMaxWait has elapsed.
func (a *AudioSink) awaitStartupGate(ctx context.Context, startedAt time.Time) {
	targetBytes := int(float64(a.format.BytesPerSecond()) * startupBufferTarget.Seconds())
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if a.buf.Size() >= targetBytes {
			return
		}
		if time.Since(startedAt) >= startupMaxWait {
			a.onEvent(Event{Type: EventUnderrun})
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pullLoopOnce reads ~50ms worth of bytes at a time from the ring buffer and
// writes them to the backend, honoring pause and completion signaling,
// until the backend stops accepting writes (CloseStdin was called because
// the session ended) or the sink is paused/stopped.
func (a *AudioSink) pullLoopOnce(ctx context.Context) {
	chunkBytes := int(float64(a.format.BytesPerSecond()) * pullChunkInterval.Seconds())
	if chunkBytes <= 0 {
		chunkBytes = 1
	}
	ticker := time.NewTicker(pullChunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		paused := a.paused
		stopped := a.isStopped
		backend := a.backend
		a.mu.Unlock()

		if stopped {
			return
		}
		if paused {
			continue
		}

		if a.buf.IsEmpty() {
			if a.buf.Finished() {
				backend.CloseStdin()
				return
			}
			continue
		}

		buf := make([]byte, chunkBytes)
		n := a.buf.Read(buf)
		if n == 0 {
			continue
		}

		written := 0
		for written < n {
			w, err := backend.Write(buf[written:n])
			if err != nil {
				return
			}
			written += w
		}
		a.onEvent(Event{Type: EventChunkConsumed, Bytes: written})
	}
}

// handlePrematureExit restarts the backend preserving buffer contents, per
// the spec's supervision rule for a code-0 exit while audio is still
// buffered.
func (a *AudioSink) handlePrematureExit(ctx context.Context) {
	backend, err := a.selectBackend(ctx)
	if err != nil {
		a.onEvent(Event{Type: EventFailed})
		return
	}
	a.mu.Lock()
	a.backend = backend
	a.mu.Unlock()
	a.onEvent(Event{Type: EventRestarted})
}

// handleCrashWithBackoff applies exponential backoff (base 500ms, factor 2,
// cap 5s) and restarts the backend, bounded to maxAttempts within
// attemptsWindow. Returns false when attempts are exhausted.
func (a *AudioSink) handleCrashWithBackoff(ctx context.Context) bool {
	now := time.Now()
	a.mu.Lock()
	cutoff := now.Add(-attemptsWindow)
	kept := a.attemptTimes[:0]
	for _, t := range a.attemptTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.attemptTimes = kept
	attemptCount := len(a.attemptTimes)
	a.mu.Unlock()

	if attemptCount >= maxAttempts {
		return false
	}

	backoff := backoffBase
	for i := 0; i < attemptCount; i++ {
		backoff *= backoffFactor
		if backoff > backoffCap {
			backoff = backoffCap
			break
		}
	}

	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return false
	}

	a.mu.Lock()
	a.attemptTimes = append(a.attemptTimes, time.Now())
	a.mu.Unlock()

	backend, err := a.selectBackend(ctx)
	if err != nil {
		return false
	}
	a.mu.Lock()
	a.backend = backend
	a.mu.Unlock()
	a.onEvent(Event{Type: EventRestarted})
	return true
}

// Pause suspends the pull loop without killing the backend; mid-stream
// kills cause audible artifacts.
func (a *AudioSink) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

// Resume un-suspends the pull loop.
func (a *AudioSink) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
}

// Stop kills the backend, empties the buffer, and marks the sink stopped.
func (a *AudioSink) Stop() {
	a.mu.Lock()
	a.isStopped = true
	backend := a.backend
	a.mu.Unlock()

	if backend != nil {
		backend.Kill()
	}
	a.buf.Clear()
	if a.cancel != nil {
		a.cancel()
	}
}

// Wait blocks until the sink's run loop has returned.
func (a *AudioSink) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
