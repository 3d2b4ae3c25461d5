package audiosink

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/lokutor-ai/lokutor-streamcast/pkg/audio"
)

// chunkedFileFlushBytes is the amount of PCM accumulated per WAV file,
// roughly 1 second at the format's byte rate.
func chunkedFileFlushBytes(f Format) int { return f.BytesPerSecond() }

// nonStreamingPlayers is tried in order to play one WAV file to completion.
var nonStreamingPlayers = []string{"ffplay", "aplay", "play", "afplay"}

func playerArgsFor(binary, path string) []string {
	switch binary {
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "quiet", path}
	default:
		return []string{path}
	}
}

// chunkedFileSink buffers PCM into ~1s WAV files under a per-session
// temporary directory and plays them back sequentially with a
// non-streaming system player, queuing the next file while the current one
// plays for near-gapless playback.
type chunkedFileSink struct {
	format Format
	dir    string
	player string

	mu       sync.Mutex
	pending  []byte
	closed   bool
	queue    chan string
	queueErr error

	exitCh chan ExitInfo
	once   sync.Once
	wg     sync.WaitGroup
}

// startChunkedFileSink locates a non-streaming player and begins the
// background playback-queue worker.
func startChunkedFileSink(ctx context.Context, format Format) (sinkProcess, error) {
	var player string
	for _, candidate := range nonStreamingPlayers {
		if _, err := lookPath(candidate); err == nil {
			player = candidate
			break
		}
	}
	if player == "" {
		return nil, fmt.Errorf("audiosink: no non-streaming player found on PATH for chunked-file fallback")
	}

	dir, err := os.MkdirTemp("", "audiosink-session-*")
	if err != nil {
		return nil, fmt.Errorf("audiosink: failed to create session temp dir: %w", err)
	}

	s := &chunkedFileSink{
		format: format,
		dir:    dir,
		player: player,
		queue:  make(chan string, 64),
		exitCh: make(chan ExitInfo, 1),
	}

	s.wg.Add(1)
	go s.playLoop(ctx)

	return s, nil
}

func (s *chunkedFileSink) playLoop(ctx context.Context) {
	defer s.wg.Done()
	for path := range s.queue {
		cmd := exec.CommandContext(ctx, s.player, playerArgsFor(s.player, path)...)
		err := cmd.Run()
		os.Remove(path)
		if err != nil && ctx.Err() == nil {
			s.mu.Lock()
			s.queueErr = err
			s.mu.Unlock()
		}
	}
	s.signalExit(ExitInfo{Code: 0, Normal: s.queueErr == nil})
}

func (s *chunkedFileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("audiosink: write after close")
	}

	s.pending = append(s.pending, p...)
	flushAt := chunkedFileFlushBytes(s.format)
	for len(s.pending) >= flushAt {
		if err := s.flushLocked(flushAt); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (s *chunkedFileSink) flushLocked(n int) error {
	if n > len(s.pending) {
		n = len(s.pending)
	}
	if n == 0 {
		return nil
	}
	chunk := s.pending[:n]
	s.pending = s.pending[n:]

	path := filepath.Join(s.dir, uuid.NewString()+".wav")
	wav := audio.NewWavBufferFormat(chunk, s.format.SampleRate, s.format.Channels, s.format.BitDepth)
	if err := os.WriteFile(path, wav, 0o600); err != nil {
		return fmt.Errorf("audiosink: failed to write chunked wav file: %w", err)
	}

	select {
	case s.queue <- path:
	default:
		return fmt.Errorf("audiosink: chunked-file playback queue full")
	}
	return nil
}

func (s *chunkedFileSink) CloseStdin() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if len(s.pending) > 0 {
		s.flushLocked(len(s.pending))
	}
	s.mu.Unlock()

	close(s.queue)
	return nil
}

func (s *chunkedFileSink) signalExit(info ExitInfo) {
	s.once.Do(func() {
		s.exitCh <- info
	})
}

func (s *chunkedFileSink) Wait(ctx context.Context) (ExitInfo, error) {
	select {
	case info := <-s.exitCh:
		os.RemoveAll(s.dir)
		return info, nil
	case <-ctx.Done():
		return ExitInfo{}, ctx.Err()
	}
}

func (s *chunkedFileSink) Kill() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.signalExit(ExitInfo{Code: -1, Normal: false})
	os.RemoveAll(s.dir)
	return nil
}
