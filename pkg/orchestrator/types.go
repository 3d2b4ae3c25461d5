package orchestrator

import (
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-streamcast/pkg/statemachine"
)

// Logger is the narrow logging surface the orchestrator depends on. It has
// the same method set as pkg/logging.Logger, so a *logging.Zap satisfies
// both.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// AudioFormat describes the PCM shape requested from the synthesis server
// and reported to the daemon.
type AudioFormat struct {
	Encoding   string
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultAudioFormat is 16kHz mono 16-bit PCM, matching the daemon's default.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{Encoding: "pcm_s16le", SampleRate: 16000, Channels: 1, BitDepth: 16}
}

// Voice selects the synthesis voice.
type Voice string

const (
	VoiceF1 Voice = "F1"
	VoiceF2 Voice = "F2"
	VoiceF3 Voice = "F3"
	VoiceM1 Voice = "M1"
	VoiceM2 Voice = "M2"
)

// Language selects the synthesis language.
type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
)

// Config configures an Orchestrator instance.
type Config struct {
	Voice            Voice
	Language         Language
	Speed            float64
	Format           AudioFormat
	Stream           bool
	MaxSegmentChars  int
	DaemonURL        string
	SynthesisURL     string
	RetryAttempts    int
	AllowBufferedFallback bool
}

// DefaultConfig returns the orchestrator's default settings.
func DefaultConfig() Config {
	return Config{
		Voice:                 VoiceF1,
		Language:              LanguageEn,
		Speed:                 1.0,
		Format:                DefaultAudioFormat(),
		Stream:                true,
		MaxSegmentChars:       1800,
		DaemonURL:             "ws://127.0.0.1:8081/",
		RetryAttempts:         3,
		AllowBufferedFallback: true,
	}
}

// SpeakSession tracks one speak() call's performance counters, owned
// exclusively by the Orchestrator goroutine that issued Speak.
type SpeakSession struct {
	mu sync.RWMutex

	RequestID        string
	State            statemachine.State
	StartMonotonic   time.Time
	LastActivityAt   time.Time
	TotalBytesSent   int64
	FirstByteAt      *time.Time
	FirstAudioAt     *time.Time
	Chunks           int
	LastError        error
	ExpectedDuration time.Duration
	ActualDuration   time.Duration
	BufferedMode     bool
}

func newSpeakSession(requestID string) *SpeakSession {
	now := time.Now()
	return &SpeakSession{
		RequestID:      requestID,
		State:          statemachine.Idle,
		StartMonotonic: now,
		LastActivityAt: now,
	}
}

func (s *SpeakSession) recordByte(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FirstByteAt == nil {
		now := time.Now()
		s.FirstByteAt = &now
	}
	s.TotalBytesSent += int64(n)
}

func (s *SpeakSession) recordChunk() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FirstAudioAt == nil {
		now := time.Now()
		s.FirstAudioAt = &now
	}
	s.Chunks++
}

func (s *SpeakSession) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastError = err
}

// recordActivity stamps the moment the backend last showed activity (a
// chunk was forwarded to the daemon), for the heartbeat probe to measure
// staleness against instead of the session's fixed start time.
func (s *SpeakSession) recordActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivityAt = time.Now()
}

func (s *SpeakSession) lastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastActivityAt
}

func (s *SpeakSession) snapshot() SpeakSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SpeakSession{
		RequestID:        s.RequestID,
		State:            s.State,
		StartMonotonic:   s.StartMonotonic,
		LastActivityAt:   s.LastActivityAt,
		TotalBytesSent:   s.TotalBytesSent,
		FirstByteAt:      s.FirstByteAt,
		FirstAudioAt:     s.FirstAudioAt,
		Chunks:           s.Chunks,
		LastError:        s.LastError,
		ExpectedDuration: s.ExpectedDuration,
		ActualDuration:   time.Since(s.StartMonotonic),
		BufferedMode:     s.BufferedMode,
	}
}

// StatusEventType enumerates the kinds of updates delivered to the status
// callback during a speak() call.
type StatusEventType string

const (
	StatusStarted         StatusEventType = "started"
	StatusSegmentStarted  StatusEventType = "segment_started"
	StatusSegmentComplete StatusEventType = "segment_complete"
	StatusBufferedMode    StatusEventType = "buffered_mode"
	StatusCompleted       StatusEventType = "completed"
	StatusFailed          StatusEventType = "failed"
	StatusCanceled        StatusEventType = "canceled"
)

// StatusEvent is delivered to the orchestrator's status callback.
type StatusEvent struct {
	Type      StatusEventType
	RequestID string
	Message   string
	Segment   int
	Segments  int
	Err       error
}

// StatusCallback receives status updates during Speak.
type StatusCallback func(StatusEvent)
