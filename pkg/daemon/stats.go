package daemon

import (
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-streamcast/pkg/wireproto"
)

// sessionStats tracks DaemonSessionStats for the currently active play
// session, reset whenever the daemon starts a new one.
type sessionStats struct {
	mu sync.Mutex

	chunksReceived     uint64
	bytesProcessed     int64
	audioPositionBytes int64
	underruns          uint64
	expectedDurationMs int64
	sessionStart       time.Time
	firstChunkAt       time.Time
	lastChunkAt        time.Time
}

func newSessionStats() *sessionStats {
	return &sessionStats{sessionStart: time.Now()}
}

func (s *sessionStats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s = sessionStats{sessionStart: time.Now()}
}

func (s *sessionStats) recordChunk(n int, bytesPerSecond int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.chunksReceived == 0 {
		s.firstChunkAt = now
	}
	s.lastChunkAt = now
	s.chunksReceived++
	s.bytesProcessed += int64(n)

	if bytesPerSecond > 0 {
		base := float64(s.bytesProcessed) / float64(bytesPerSecond) * 1000
		overhead := base * 0.01
		if overhead > 50 {
			overhead = 50
		}
		s.expectedDurationMs = int64(base + overhead)
	}
}

func (s *sessionStats) recordUnderrun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.underruns++
}

func (s *sessionStats) recordConsumed(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioPositionBytes += int64(n)
}

func (s *sessionStats) snapshot(bufUtilization float64) wireproto.PerformanceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	actual := int64(0)
	if !s.firstChunkAt.IsZero() {
		actual = time.Since(s.sessionStart).Milliseconds()
	}

	return wireproto.PerformanceSnapshot{
		ChunksReceived:     s.chunksReceived,
		BytesProcessed:     s.bytesProcessed,
		AudioPositionBytes: s.audioPositionBytes,
		Underruns:          s.underruns,
		BufferUtilization:  bufUtilization,
		ExpectedDurationMs: s.expectedDurationMs,
		ActualDurationMs:   actual,
	}
}

func (s *sessionStats) expectedDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.expectedDurationMs) * time.Millisecond
}

func (s *sessionStats) bufferedAudio(bufferedBytes, bytesPerSecond int) time.Duration {
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(bufferedBytes) * time.Second / time.Duration(bytesPerSecond)
}
