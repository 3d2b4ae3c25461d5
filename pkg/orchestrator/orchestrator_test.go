package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-streamcast/pkg/daemonclient"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/httpstream"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/wireproto"
)

// fakeStreamer produces a fixed number of fixed-size chunks per segment. If
// err is set, the first failCalls streaming (req.Stream) calls fail with it.
type fakeStreamer struct {
	mu        sync.Mutex
	err       error
	failCalls int
	calls     int
	chunkSize int
	chunks    int
}

func (f *fakeStreamer) Stream(ctx context.Context, req httpstream.SynthesisRequest, onChunk httpstream.OnChunk) (httpstream.Timing, error) {
	f.mu.Lock()
	f.calls++
	callNum := f.calls
	f.mu.Unlock()

	if f.err != nil && callNum <= f.failCalls && req.Stream {
		return httpstream.Timing{}, f.err
	}

	chunks := f.chunks
	if chunks == 0 {
		chunks = 2
	}
	size := f.chunkSize
	if size == 0 {
		size = 320
	}
	for i := 0; i < chunks; i++ {
		if err := onChunk(httpstream.Chunk{Bytes: make([]byte, size), Sequence: uint64(i), ReceivedAt: time.Now()}); err != nil {
			return httpstream.Timing{}, err
		}
	}
	return httpstream.Timing{}, nil
}

// fakeDaemonClient implements the orchestrator's daemonClient interface
// in-memory, with no network or socket involved.
type fakeDaemonClient struct {
	mu         sync.Mutex
	connectErr error
	startErr   error
	writeErr   error
	endErr     error
	writes     int
	bytes      int
	ended      bool
	stopped    bool
	paused     bool
}

func (f *fakeDaemonClient) Connect(ctx context.Context) error { return f.connectErr }
func (f *fakeDaemonClient) StartStream(ctx context.Context) error { return f.startErr }
func (f *fakeDaemonClient) WriteChunk(ctx context.Context, data []byte, format *wireproto.AudioFormat) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	f.writes++
	f.bytes += len(data)
	f.mu.Unlock()
	return nil
}
func (f *fakeDaemonClient) EndStream(ctx context.Context) error {
	f.mu.Lock()
	f.ended = true
	f.mu.Unlock()
	return f.endErr
}
func (f *fakeDaemonClient) Pause(ctx context.Context) error {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
	return nil
}
func (f *fakeDaemonClient) Resume(ctx context.Context) error {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
	return nil
}
func (f *fakeDaemonClient) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}
func (f *fakeDaemonClient) Close() error { return nil }
func (f *fakeDaemonClient) On(typ wireproto.FrameType, listener daemonclient.EventListener) func() {
	return func() {}
}

func newTestOrchestrator(streamer httpstream.Streamer, client daemonClient) *Orchestrator {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 3
	return New(streamer, client, cfg, &NoOpLogger{})
}

func TestSpeakRejectsEmptyText(t *testing.T) {
	orch := newTestOrchestrator(&fakeStreamer{}, &fakeDaemonClient{})
	if err := orch.Speak(context.Background(), "   "); err != ErrEmptyText {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestSpeakHappyPathWritesChunksAndEnds(t *testing.T) {
	client := &fakeDaemonClient{}
	streamer := &fakeStreamer{chunks: 3, chunkSize: 160}
	orch := newTestOrchestrator(streamer, client)

	var events []StatusEvent
	orch.OnStatus(func(e StatusEvent) { events = append(events, e) })

	if err := orch.Speak(context.Background(), "Hello there. This is a short test sentence."); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if client.writes == 0 {
		t.Errorf("expected at least one chunk written to the daemon client")
	}
	if !client.ended {
		t.Errorf("expected end_stream to have been sent")
	}
	if len(events) == 0 {
		t.Fatal("expected status events")
	}
	if events[0].Type != StatusStarted {
		t.Errorf("expected first event to be started, got %s", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != StatusCompleted {
		t.Errorf("expected last event to be completed, got %s", last.Type)
	}
	if orch.IsPlaying() {
		t.Errorf("expected orchestrator to not be playing after Speak returns")
	}
}

func TestSpeakRetriesOnNetworkError(t *testing.T) {
	client := &fakeDaemonClient{}
	streamer := &fakeStreamer{err: &httpstream.NetworkError{Err: errors.New("dial refused")}, failCalls: 1}
	orch := newTestOrchestrator(streamer, client)

	if err := orch.Speak(context.Background(), "Retry me please."); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if streamer.calls < 2 {
		t.Errorf("expected at least 2 stream attempts, got %d", streamer.calls)
	}
}

func TestSpeakDoesNotRetryOn4xx(t *testing.T) {
	client := &fakeDaemonClient{}
	streamer := &fakeStreamer{err: &httpstream.HttpError{Status: 400, Body: "bad request"}, failCalls: 99}
	cfg := DefaultConfig()
	cfg.AllowBufferedFallback = false
	orch := New(streamer, client, cfg, &NoOpLogger{})

	err := orch.Speak(context.Background(), "This will fail immediately.")
	if err == nil {
		t.Fatal("expected an error")
	}
	if streamer.calls != 1 {
		t.Errorf("expected exactly 1 attempt for a non-retryable 4xx, got %d", streamer.calls)
	}
}

func TestSpeakFallsBackToBufferedModeOnFailure(t *testing.T) {
	client := &fakeDaemonClient{}
	streamer := &fakeStreamer{err: &httpstream.HttpError{Status: 400, Body: "bad"}, failCalls: 99}
	cfg := DefaultConfig()
	cfg.AllowBufferedFallback = true
	orch := New(streamer, client, cfg, &NoOpLogger{})

	var sawBuffered bool
	orch.OnStatus(func(e StatusEvent) {
		if e.Type == StatusBufferedMode {
			sawBuffered = true
		}
	})

	if err := orch.Speak(context.Background(), "Falls back to buffered mode."); err != nil {
		t.Fatalf("expected buffered fallback to succeed, got %v", err)
	}
	if !sawBuffered {
		t.Errorf("expected a buffered_mode status event")
	}
	if !client.ended {
		t.Errorf("expected end_stream even in buffered mode")
	}
}

func TestSpeakTreatsNormalTerminationAsSegmentSuccess(t *testing.T) {
	client := &fakeDaemonClient{writeErr: fmt.Errorf("daemonclient: write failed: %w", daemonclient.ErrClosedNormally)}
	streamer := &fakeStreamer{chunks: 2, chunkSize: 160}
	orch := newTestOrchestrator(streamer, client)

	if err := orch.Speak(context.Background(), "First sentence here. Second sentence follows."); err != nil {
		t.Fatalf("expected normal-termination writes to not fail the session, got %v", err)
	}
	if !client.ended {
		t.Errorf("expected end_stream even though every write hit normal termination")
	}
}

func TestPauseResumeRequireActiveSession(t *testing.T) {
	orch := newTestOrchestrator(&fakeStreamer{}, &fakeDaemonClient{})
	if err := orch.Pause(context.Background()); err != ErrNoActiveSession {
		t.Errorf("expected ErrNoActiveSession, got %v", err)
	}
	if err := orch.Resume(context.Background()); err != ErrNoActiveSession {
		t.Errorf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestStopIsSafeWithNoSession(t *testing.T) {
	orch := newTestOrchestrator(&fakeStreamer{}, &fakeDaemonClient{})
	if err := orch.Stop(); err != nil {
		t.Errorf("expected Stop to be a no-op, got %v", err)
	}
}
