package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-streamcast/pkg/audiosink"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/logging"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/ringbuffer"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/wireproto"
)

const (
	defaultCompletionDeadline = 12 * time.Second
	minCompletionDeadline     = 2 * time.Second
	statusCoalesceInterval    = 2 * time.Second
	heartbeatInterval         = 10 * time.Second
	idleTerminationAfter      = 8 * time.Second
)

// commandType enumerates the internal commands funneled through the
// session's single command channel so the ring buffer, AudioSink, and
// session flags are only ever mutated from one goroutine.
type commandType int

const (
	cmdPlay commandType = iota
	cmdPause
	cmdResume
	cmdStop
	cmdEndStream
	cmdAudioChunk
	cmdFlowControl
	cmdStatusTick
	cmdSinkExited
	cmdCompletionDeadline
)

type command struct {
	kind    commandType
	payload interface{}
	reply   chan error
}

type audioChunkCmd struct {
	bytes    []byte
	format   *wireproto.AudioFormat
	sequence uint64
}

// SessionOption configures a Session at construction.
type SessionOption func(*Session)

// WithCompletionDeadline overrides the default completion deadline cap.
func WithCompletionDeadline(d time.Duration) SessionOption {
	return func(s *Session) {
		if d < minCompletionDeadline {
			d = minCompletionDeadline
		}
		s.completionDeadlineCap = d
	}
}

// WithDefaultFormat seeds the session's audio format before any audio_chunk
// arrives, so the sink starts on the operator's configured format instead of
// waiting on the client to supply one. handleAudioChunk only adopts a chunk's
// format when s.format is nil, so a session seeded this way keeps the default
// and ignores formats carried on chunks.
func WithDefaultFormat(format wireproto.AudioFormat) SessionOption {
	return func(s *Session) {
		s.format = &format
	}
}

// Session owns one daemon play session's RingBuffer, AudioSink, and
// protocol state machine, reachable only through its command channel.
type Session struct {
	logger logging.Logger

	completionDeadlineCap time.Duration

	buf    *ringbuffer.RingBuffer
	sink   *audiosink.AudioSink
	format *wireproto.AudioFormat
	stats  *sessionStats

	state wireproto.DaemonState

	ending            bool
	completionEmitted bool
	completionDeadline *time.Timer
	lastChunkAt        time.Time

	cmds chan command

	outbound chan wireproto.Frame

	mu sync.Mutex // guards reads of state/format for outward-facing Snapshot()

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession creates a Session with the given outbound frame sink (one
// per connected client) and starts its command loop.
func NewSession(logger logging.Logger, outbound chan wireproto.Frame, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		logger:                logger,
		completionDeadlineCap: defaultCompletionDeadline,
		buf:                   ringbuffer.New(1 << 20),
		stats:                 newSessionStats(),
		state:                 wireproto.DaemonIdle,
		cmds:                  make(chan command, 64),
		outbound:              outbound,
		ctx:                   ctx,
		cancel:                cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.loop()
	go s.tickLoop()
	return s
}

func (s *Session) tickLoop() {
	statusTicker := time.NewTicker(statusCoalesceInterval)
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer statusTicker.Stop()
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-statusTicker.C:
			s.send(command{kind: cmdStatusTick})
		case <-heartbeatTicker.C:
			s.emit(wireproto.FrameHeartbeat, nil)
		}
	}
}

func (s *Session) send(c command) error {
	select {
	case s.cmds <- c:
	case <-s.ctx.Done():
		return context.Canceled
	}
	if c.reply != nil {
		select {
		case err := <-c.reply:
			return err
		case <-s.ctx.Done():
			return context.Canceled
		}
	}
	return nil
}

// Play handles control.play: idempotent, treated as resume when a session
// is already active or the buffer is non-empty.
func (s *Session) Play() error {
	return s.send(command{kind: cmdPlay})
}

func (s *Session) Pause() error { return s.send(command{kind: cmdPause}) }
func (s *Session) Resume() error { return s.send(command{kind: cmdResume}) }
func (s *Session) Stop() error  { return s.send(command{kind: cmdStop}) }
func (s *Session) EndStream() error { return s.send(command{kind: cmdEndStream}) }

func (s *Session) FlowControl(pause bool) error {
	return s.send(command{kind: cmdFlowControl, payload: pause})
}

func (s *Session) AudioChunk(bytes []byte, format *wireproto.AudioFormat, sequence uint64) error {
	return s.send(command{kind: cmdAudioChunk, payload: audioChunkCmd{bytes: bytes, format: format, sequence: sequence}})
}

// StatsSnapshot returns a point-in-time DaemonSessionStats view.
func (s *Session) StatsSnapshot() wireproto.PerformanceSnapshot {
	return s.stats.snapshot(s.buf.Utilization())
}

// Close tears down the session's goroutines and AudioSink.
func (s *Session) Close() {
	s.cancel()
	if s.sink != nil {
		s.sink.Stop()
	}
}

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case c := <-s.cmds:
			err := s.handle(c)
			if c.reply != nil {
				c.reply <- err
			}
		}
	}
}

func (s *Session) handle(c command) error {
	switch c.kind {
	case cmdPlay:
		return s.handlePlay()
	case cmdPause:
		s.handlePause()
	case cmdResume:
		s.handleResume()
	case cmdStop:
		s.handleStop()
	case cmdEndStream:
		s.handleEndStream()
	case cmdFlowControl:
		if pause, ok := c.payload.(bool); ok {
			if pause {
				s.handlePause()
			} else {
				s.handleResume()
			}
		}
	case cmdAudioChunk:
		if chunk, ok := c.payload.(audioChunkCmd); ok {
			s.handleAudioChunk(chunk)
		}
	case cmdStatusTick:
		s.checkIdleTermination()
		s.emitStatus()
	case cmdSinkExited:
		s.handleSinkExited()
	case cmdCompletionDeadline:
		s.handleCompletionDeadline()
	}
	return nil
}

func (s *Session) handlePlay() error {
	if s.state == wireproto.DaemonPlaying || s.buf.Size() > 0 {
		return s.handleResume2()
	}
	s.resetForNewSession()
	return s.startSink()
}

func (s *Session) handleResume2() error {
	s.handleResume()
	if s.sink == nil {
		return s.startSink()
	}
	return nil
}

func (s *Session) resetForNewSession() {
	s.stats.reset()
	s.buf.Clear()
	s.mu.Lock()
	s.ending = false
	s.completionEmitted = false
	s.mu.Unlock()
}

func (s *Session) startSink() error {
	if s.format == nil {
		return nil // wait for first chunk to establish format
	}
	format := audiosink.Format{
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		BitDepth:   s.format.BitDepth,
	}
	sink := audiosink.New(s.buf, format, s.logger, s.onSinkEvent)
	if err := sink.Start(s.ctx); err != nil {
		s.emit(wireproto.FrameError, wireproto.ErrorPayload{Message: err.Error()})
		return err
	}
	s.sink = sink
	s.setState(wireproto.DaemonPlaying)

	go func() {
		sink.Wait(s.ctx)
		s.send(command{kind: cmdSinkExited})
	}()
	return nil
}

func (s *Session) onSinkEvent(e audiosink.Event) {
	switch e.Type {
	case audiosink.EventUnderrun:
		s.stats.recordUnderrun()
	case audiosink.EventChunkConsumed:
		s.stats.recordConsumed(e.Bytes)
	case audiosink.EventCompleted:
		s.send(command{kind: cmdSinkExited})
	case audiosink.EventFailed:
		s.emit(wireproto.FrameError, wireproto.ErrorPayload{Message: "audio backend failed"})
	}
}

func (s *Session) handlePause() {
	if s.sink != nil {
		s.sink.Pause()
	}
	s.setState(wireproto.DaemonPaused)
}

func (s *Session) handleResume() {
	if s.sink != nil {
		s.sink.Resume()
	}
	if s.state == wireproto.DaemonPaused {
		s.setState(wireproto.DaemonPlaying)
	}
}

func (s *Session) handleStop() {
	if s.sink != nil {
		s.sink.Stop()
		s.sink = nil
	}
	s.buf.Clear()
	s.mu.Lock()
	s.ending = false
	s.completionEmitted = false
	s.mu.Unlock()
	s.setState(wireproto.DaemonIdle)
}

// handleEndStream starts the completion protocol (step 1): mark ending and
// arm the completion deadline.
func (s *Session) handleEndStream() {
	s.buf.MarkFinished()

	s.mu.Lock()
	alreadyEnding := s.ending
	s.ending = true
	s.mu.Unlock()
	if alreadyEnding {
		return
	}

	expected := s.stats.expectedDuration()
	buffered := s.stats.bufferedAudio(s.buf.Size(), s.bytesPerSecond())
	deadline := expected*3/2 + 2*time.Second
	if alt := expected + buffered + 2*time.Second; alt > deadline {
		deadline = alt
	}
	if deadline > s.completionDeadlineCap {
		deadline = s.completionDeadlineCap
	}
	if deadline < minCompletionDeadline {
		deadline = minCompletionDeadline
	}

	s.setState(wireproto.DaemonEnding)
	s.completionDeadline = time.AfterFunc(deadline, func() {
		s.send(command{kind: cmdCompletionDeadline})
	})

	if s.buf.IsEmpty() && s.sink == nil {
		s.emitCompleted()
	}
}

func (s *Session) handleAudioChunk(chunk audioChunkCmd) {
	if s.format == nil && chunk.format != nil {
		s.format = chunk.format
	}
	s.buf.Write(chunk.bytes)
	s.stats.recordChunk(len(chunk.bytes), s.bytesPerSecond())
	s.lastChunkAt = time.Now()

	if s.sink == nil && s.format != nil {
		s.startSink()
	}
}

func (s *Session) bytesPerSecond() int {
	if s.format == nil {
		return 0
	}
	return s.format.BytesPerSecond()
}

// handleSinkExited is step 3 of the completion protocol: when the backend
// has exited while ending, emit completed (exactly once). It also covers
// the ordinary non-ending sink-idle case by simply clearing the sink handle.
func (s *Session) handleSinkExited() {
	s.sink = nil

	s.mu.Lock()
	ending := s.ending
	s.mu.Unlock()

	if ending && s.buf.IsEmpty() {
		s.emitCompleted()
		return
	}
	if !ending {
		s.setState(wireproto.DaemonIdle)
	}
}

// checkIdleTermination covers the case where ending=true, the buffer is
// empty, and the backend has gone quiet for longer than idleTerminationAfter
// without formally exiting (e.g. a chunked-file sink between files).
func (s *Session) checkIdleTermination() {
	s.mu.Lock()
	ending := s.ending
	emitted := s.completionEmitted
	s.mu.Unlock()

	if !ending || emitted {
		return
	}
	if s.buf.IsEmpty() && !s.lastChunkAt.IsZero() && time.Since(s.lastChunkAt) > idleTerminationAfter {
		s.emitCompleted()
	}
}

// handleCompletionDeadline is step 4: forces completed if the deadline
// elapsed while still ending and nothing has been emitted yet.
func (s *Session) handleCompletionDeadline() {
	s.mu.Lock()
	ending := s.ending
	emitted := s.completionEmitted
	s.mu.Unlock()

	if ending && !emitted {
		s.logger.Warn("daemon: completion deadline elapsed, forcing completed")
		s.emitCompleted()
	}
}

func (s *Session) emitCompleted() {
	s.mu.Lock()
	if s.completionEmitted {
		s.mu.Unlock()
		return
	}
	s.completionEmitted = true
	s.ending = false
	s.mu.Unlock()

	if s.completionDeadline != nil {
		s.completionDeadline.Stop()
		s.completionDeadline = nil
	}

	s.buf.Clear()
	s.setState(wireproto.DaemonIdle)
	s.emit(wireproto.FrameCompleted, nil)
}

func (s *Session) emitStatus() {
	snapshot := s.stats.snapshot(s.buf.Utilization())
	s.emit(wireproto.FrameStatus, wireproto.StatusPayload{
		State:             s.state,
		BufferUtilization: s.buf.Utilization(),
		AudioPosition:     snapshot.AudioPositionBytes,
		Performance:       snapshot,
	})
}

func (s *Session) setState(st wireproto.DaemonState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) emit(typ wireproto.FrameType, data interface{}) {
	frame, err := wireproto.NewFrame(typ, time.Now(), data)
	if err != nil {
		s.logger.Error("daemon: failed to encode outbound frame", "type", typ, "error", err)
		return
	}
	select {
	case s.outbound <- frame:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("daemon: outbound frame dropped, client not draining", "type", typ)
	}
}
