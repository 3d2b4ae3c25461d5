// Package orchestrator exposes the public speak/pause/resume/stop surface:
// it preprocesses and segments input text, pulls synthesized audio through
// an httpstream.Streamer, and forwards chunks to the daemon over a
// DaemonClient, gated throughout by a streamingState machine.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/lokutor-streamcast/pkg/daemonclient"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/httpstream"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/segmenter"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/statemachine"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/wireproto"
)

// daemonClient is the narrow surface the orchestrator needs from
// daemonclient.DaemonClient; defined here so tests can substitute a fake
// without opening a real socket.
type daemonClient interface {
	Connect(ctx context.Context) error
	StartStream(ctx context.Context) error
	WriteChunk(ctx context.Context, data []byte, format *wireproto.AudioFormat) error
	EndStream(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Close() error
	On(typ wireproto.FrameType, listener daemonclient.EventListener) func()
}

const (
	retryBackoffBase = 250 * time.Millisecond
	retryBackoffCap  = 4 * time.Second
)

// Orchestrator sequences segmented text through a Streamer and a
// DaemonClient for one speak() call at a time. All mutable state is owned
// by the goroutine that calls Speak; background work communicates results
// back over channels rather than touching orchestrator fields directly.
type Orchestrator struct {
	streamer httpstream.Streamer
	client   daemonClient
	logger   Logger

	mu       sync.Mutex
	config   Config
	statusCb StatusCallback
	session  *SpeakSession
	sm       *statemachine.StateMachine
	cancel   context.CancelFunc
	playing  bool
	paused   bool

	connectOnce sync.Once
	connectErr  error
}

// New builds an Orchestrator over the given Streamer and DaemonClient.
func New(streamer httpstream.Streamer, client daemonClient, config Config, logger Logger) *Orchestrator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Orchestrator{
		streamer: streamer,
		client:   client,
		config:   config,
		logger:   logger,
	}
}

// NewDefault wires the production HTTPStreamer and DaemonClient for the
// given config.
func NewDefault(config Config, logger Logger) *Orchestrator {
	streamer := httpstream.NewHTTPStreamer(config.SynthesisURL)
	client := daemonclient.New(config.DaemonURL, nil)
	return New(streamer, client, config, logger)
}

// OnStatus installs the callback invoked with StatusEvents during Speak.
// Replaces any previously installed callback.
func (o *Orchestrator) OnStatus(cb StatusCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statusCb = cb
}

func (o *Orchestrator) emitStatus(ev StatusEvent) {
	o.mu.Lock()
	cb := o.statusCb
	o.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Config returns a snapshot of the current configuration.
func (o *Orchestrator) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.config
}

// UpdateConfig replaces the active configuration for future Speak calls.
func (o *Orchestrator) UpdateConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg
}

// IsPlaying reports whether a speak session is currently active.
func (o *Orchestrator) IsPlaying() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playing
}

// IsPaused reports whether the active session is paused.
func (o *Orchestrator) IsPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// CurrentSession returns a snapshot of the in-flight SpeakSession, or nil
// if nothing is playing.
func (o *Orchestrator) CurrentSession() *SpeakSession {
	o.mu.Lock()
	session := o.session
	o.mu.Unlock()
	if session == nil {
		return nil
	}
	s := session.snapshot()
	return &s
}

func (o *Orchestrator) ensureInit(ctx context.Context) error {
	o.connectOnce.Do(func() {
		o.connectErr = o.client.Connect(ctx)
	})
	return o.connectErr
}

// Speak synthesizes and plays text, blocking until playback completes,
// fails, or ctx is canceled. Step numbers below follow the speak()
// algorithm: init, cancel-prior, allocate request id, open the daemon
// stream once, segment, stream each segment, end the stream, and tear down.
func (o *Orchestrator) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}

	// Step 1: ensure initialization.
	if err := o.ensureInit(ctx); err != nil {
		return fmt.Errorf("orchestrator: daemon connect failed: %w", err)
	}

	// Step 2: cancel any prior session.
	o.Stop()

	speakCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.playing = true
	o.paused = false
	// Step 3: allocate request_id, start performance tracking.
	session := newSpeakSession(uuid.NewString())
	o.session = session
	sm := statemachine.New()
	o.sm = sm
	cfg := o.config
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.playing = false
		o.paused = false
		o.session = nil
		o.sm = nil
		o.cancel = nil
		o.mu.Unlock()
		cancel()
	}()

	o.emitStatus(StatusEvent{Type: StatusStarted, RequestID: session.RequestID})

	preprocessed := segmenter.Preprocess(text, segmenter.DefaultPreprocessOptions())
	segments, err := segmenter.Segment(preprocessed, cfg.MaxSegmentChars)
	if err != nil {
		session.recordError(err)
		o.emitStatus(StatusEvent{Type: StatusFailed, RequestID: session.RequestID, Err: err})
		return err
	}

	startErr := sm.Start(speakCtx, func(ctx context.Context) error {
		return o.client.StartStream(ctx)
	}, func(attempt int, err error) {
		o.logger.Warn("orchestrator: stream start attempt failed", "attempt", attempt, "error", err)
	})
	if startErr != nil {
		session.recordError(startErr)
		o.emitStatus(StatusEvent{Type: StatusFailed, RequestID: session.RequestID, Err: startErr})
		return startErr
	}

	stopHeartbeat := sm.StartHeartbeat(func() time.Duration {
		return time.Since(session.lastActivity())
	})
	defer stopHeartbeat()

	var daemonErrMu sync.Mutex
	var daemonErr error
	unregErr := o.client.On(wireproto.FrameError, func(f wireproto.Frame) {
		var payload wireproto.ErrorPayload
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return
		}
		classified := ErrProtocolError
		if strings.Contains(payload.Message, "audio backend") || strings.Contains(payload.Message, "sink") {
			classified = ErrSinkError
		}
		daemonErrMu.Lock()
		daemonErr = fmt.Errorf("%w: %s", classified, payload.Message)
		daemonErrMu.Unlock()
		cancel()
	})
	defer unregErr()

	played := false
	for i, seg := range segments {
		o.emitStatus(StatusEvent{Type: StatusSegmentStarted, RequestID: session.RequestID, Segment: i + 1, Segments: len(segments)})

		segErr := o.streamSegment(speakCtx, sm, session, seg, cfg)
		if segErr == nil {
			played = true
			o.emitStatus(StatusEvent{Type: StatusSegmentComplete, RequestID: session.RequestID, Segment: i + 1, Segments: len(segments)})
			continue
		}

		if errors.Is(segErr, ErrNormalTermination) {
			played = true
			o.emitStatus(StatusEvent{Type: StatusSegmentComplete, RequestID: session.RequestID, Segment: i + 1, Segments: len(segments)})
			continue
		}

		daemonErrMu.Lock()
		reportedErr := daemonErr
		daemonErrMu.Unlock()
		if reportedErr != nil {
			session.recordError(reportedErr)
			sm.Fail()
			o.emitStatus(StatusEvent{Type: StatusFailed, RequestID: session.RequestID, Err: reportedErr})
			return reportedErr
		}

		if speakCtx.Err() != nil {
			sm.Terminate()
			o.emitStatus(StatusEvent{Type: StatusCanceled, RequestID: session.RequestID})
			return ErrCanceled
		}

		if cfg.AllowBufferedFallback && !played {
			o.logger.Warn("orchestrator: segment failed, falling back to buffered mode", "error", segErr)
			o.emitStatus(StatusEvent{Type: StatusBufferedMode, RequestID: session.RequestID, Message: segErr.Error()})
			session.mu.Lock()
			session.BufferedMode = true
			session.mu.Unlock()
			if bufErr := o.streamSegmentBuffered(speakCtx, session, seg, cfg); bufErr != nil {
				session.recordError(bufErr)
				sm.Fail()
				o.emitStatus(StatusEvent{Type: StatusFailed, RequestID: session.RequestID, Err: bufErr})
				return bufErr
			}
			played = true
			continue
		}

		session.recordError(segErr)
		sm.Fail()
		o.emitStatus(StatusEvent{Type: StatusFailed, RequestID: session.RequestID, Err: segErr})
		return segErr
	}

	// Step 7: all segments processed.
	if err := sm.Complete(); err != nil {
		o.logger.Warn("orchestrator: state machine refused Complete", "error", err)
	}
	if err := o.client.EndStream(speakCtx); err != nil {
		o.emitStatus(StatusEvent{Type: StatusFailed, RequestID: session.RequestID, Err: err})
		return fmt.Errorf("orchestrator: end_stream failed: %w", err)
	}

	o.emitStatus(StatusEvent{Type: StatusCompleted, RequestID: session.RequestID})
	return nil
}

func (o *Orchestrator) streamSegment(ctx context.Context, sm *statemachine.StateMachine, session *SpeakSession, seg segmenter.TextSegment, cfg Config) error {
	req := httpstream.SynthesisRequest{
		Text:   seg.Text,
		Voice:  string(cfg.Voice),
		Speed:  cfg.Speed,
		Lang:   string(cfg.Language),
		Stream: cfg.Stream,
		Format: "pcm",
	}
	if !cfg.Stream {
		req.Format = "wav"
	}

	onChunk := func(c httpstream.Chunk) error {
		if !sm.CanStream() {
			return nil
		}
		start := time.Now()
		var format *wireproto.AudioFormat
		if c.Sequence == 0 {
			f := cfg.Format
			format = &wireproto.AudioFormat{Encoding: f.Encoding, SampleRate: f.SampleRate, Channels: f.Channels, BitDepth: f.BitDepth}
		}
		if err := o.client.WriteChunk(ctx, c.Bytes, format); err != nil {
			if errors.Is(err, daemonclient.ErrClosedNormally) {
				return ErrNormalTermination
			}
			return err
		}
		sm.RecordChunkDelay(time.Since(start))
		session.recordActivity()
		session.recordByte(len(c.Bytes))
		session.recordChunk()
		return nil
	}

	return o.retryStream(ctx, req, onChunk)
}

func (o *Orchestrator) retryStream(ctx context.Context, req httpstream.SynthesisRequest, onChunk httpstream.OnChunk) error {
	attempts := o.Config().RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := retryBackoffBase
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := o.streamer.Stream(ctx, req, onChunk)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		if attempt < attempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > retryBackoffCap {
				backoff = retryBackoffCap
			}
		}
	}
	return lastErr
}

func retryable(err error) bool {
	var httpErr *httpstream.HttpError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 || httpErr.Status == 408 || httpErr.Status == 429
	}
	var netErr *httpstream.NetworkError
	return errors.As(err, &netErr)
}

// streamSegmentBuffered re-synthesizes a segment with stream=false,
// collects the whole response into one buffer, and submits it as a single
// chunk — the buffered-mode fallback path.
func (o *Orchestrator) streamSegmentBuffered(ctx context.Context, session *SpeakSession, seg segmenter.TextSegment, cfg Config) error {
	req := httpstream.SynthesisRequest{
		Text:   seg.Text,
		Voice:  string(cfg.Voice),
		Speed:  cfg.Speed,
		Lang:   string(cfg.Language),
		Stream: false,
		Format: "wav",
	}

	var buf []byte
	_, err := o.streamer.Stream(ctx, req, func(c httpstream.Chunk) error {
		buf = append(buf, c.Bytes...)
		return nil
	})
	if err != nil {
		return err
	}

	f := cfg.Format
	format := &wireproto.AudioFormat{Encoding: f.Encoding, SampleRate: f.SampleRate, Channels: f.Channels, BitDepth: f.BitDepth}
	if err := o.client.WriteChunk(ctx, buf, format); err != nil {
		return err
	}
	session.recordByte(len(buf))
	session.recordChunk()
	return nil
}

// Pause delegates to the DaemonClient.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.mu.Lock()
	playing := o.playing
	o.mu.Unlock()
	if !playing {
		return ErrNoActiveSession
	}
	if err := o.client.Pause(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	return nil
}

// Resume delegates to the DaemonClient.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	playing := o.playing
	o.mu.Unlock()
	if !playing {
		return ErrNoActiveSession
	}
	if err := o.client.Resume(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	return nil
}

// Stop aborts the in-flight Speak call (if any) and tells the daemon to
// stop. Safe to call when nothing is playing.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	cancel := o.cancel
	session := o.session
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session == nil {
		return nil
	}
	return o.client.Stop(context.Background())
}

// Close tears down the underlying DaemonClient connection.
func (o *Orchestrator) Close() error {
	o.Stop()
	return o.client.Close()
}
