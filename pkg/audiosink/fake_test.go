package audiosink

import (
	"context"
	"sync"
)

// fakeSink is an in-memory sinkProcess used to exercise AudioSink without
// touching real audio hardware or subprocesses.
type fakeSink struct {
	mu       sync.Mutex
	written  []byte
	closed   bool
	killed   bool
	exitCh   chan ExitInfo
	startErr error
}

func newFakeSink() *fakeSink {
	return &fakeSink{exitCh: make(chan ExitInfo, 1)}
}

func (f *fakeSink) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeSink) CloseStdin() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	select {
	case f.exitCh <- ExitInfo{Code: 0, Normal: true}:
	default:
	}
	return nil
}

func (f *fakeSink) Wait(ctx context.Context) (ExitInfo, error) {
	select {
	case info := <-f.exitCh:
		return info, nil
	case <-ctx.Done():
		return ExitInfo{}, ctx.Err()
	}
}

func (f *fakeSink) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	select {
	case f.exitCh <- ExitInfo{Code: -1}:
	default:
	}
	return nil
}

// singleFakeBackendPipeline returns a backendPipeline that always hands
// back the same fakeSink, so tests can inspect it after use.
func singleFakeBackendPipeline(sink *fakeSink) []backendStarter {
	return []backendStarter{
		func(ctx context.Context, format Format) (sinkProcess, error) {
			return sink, nil
		},
	}
}
