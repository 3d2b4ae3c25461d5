package orchestrator

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Voice != VoiceF1 {
		t.Errorf("expected default voice F1, got %s", cfg.Voice)
	}
	if cfg.MaxSegmentChars != 1800 {
		t.Errorf("expected max segment chars 1800, got %d", cfg.MaxSegmentChars)
	}
	if !cfg.Stream {
		t.Errorf("expected streaming enabled by default")
	}
	if !cfg.AllowBufferedFallback {
		t.Errorf("expected buffered fallback enabled by default")
	}
}

func TestDefaultAudioFormat(t *testing.T) {
	f := DefaultAudioFormat()
	if f.SampleRate != 16000 || f.Channels != 1 || f.BitDepth != 16 {
		t.Errorf("unexpected default format: %+v", f)
	}
}

func TestSpeakSessionRecordByteAndChunk(t *testing.T) {
	s := newSpeakSession("req-1")
	s.recordByte(100)
	s.recordByte(50)
	s.recordChunk()

	snap := s.snapshot()
	if snap.TotalBytesSent != 150 {
		t.Errorf("expected 150 bytes sent, got %d", snap.TotalBytesSent)
	}
	if snap.Chunks != 1 {
		t.Errorf("expected 1 chunk, got %d", snap.Chunks)
	}
	if snap.FirstByteAt == nil {
		t.Errorf("expected FirstByteAt to be set")
	}
	if snap.FirstAudioAt == nil {
		t.Errorf("expected FirstAudioAt to be set")
	}
}

func TestSpeakSessionLastActivityTracksChunksNotStart(t *testing.T) {
	s := newSpeakSession("req-3")
	// Simulate a session that has been running a long time but whose
	// backend is still actively delivering chunks: StartMonotonic stays
	// far in the past while LastActivityAt should track the most recent
	// recordActivity call, which is what a heartbeat probe should measure
	// staleness against.
	s.StartMonotonic = time.Now().Add(-30 * time.Second)

	s.recordActivity()
	if time.Since(s.lastActivity()) > time.Second {
		t.Errorf("expected lastActivity to reflect the recent recordActivity call, not the 30s-old start time")
	}
}

func TestSpeakSessionRecordError(t *testing.T) {
	s := newSpeakSession("req-2")
	s.recordError(ErrEmptyText)
	snap := s.snapshot()
	if snap.LastError != ErrEmptyText {
		t.Errorf("expected last error recorded, got %v", snap.LastError)
	}
}
