package audiosink

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// execCandidate describes one streaming PCM player binary and how to invoke
// it for a given format.
type execCandidate struct {
	name string
	args func(f Format) []string
}

// execCandidates is tried in order; the first binary found on PATH wins.
var execCandidates = []execCandidate{
	{
		name: "ffplay",
		args: func(f Format) []string {
			return []string{
				"-f", pcmFormatCode(f.BitDepth),
				"-ar", itoa(f.SampleRate),
				"-ac", itoa(f.Channels),
				"-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "pipe:0",
			}
		},
	},
	{
		name: "aplay",
		args: func(f Format) []string {
			return []string{
				"-f", alsaFormatCode(f.BitDepth),
				"-r", itoa(f.SampleRate),
				"-c", itoa(f.Channels),
				"-q",
			}
		},
	},
	{
		name: "play",
		args: func(f Format) []string {
			return []string{
				"-q", "-t", "raw",
				"-r", itoa(f.SampleRate),
				"-b", itoa(f.BitDepth),
				"-c", itoa(f.Channels),
				"-e", "signed-integer", "-",
			}
		},
	},
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

func pcmFormatCode(bitDepth int) string {
	switch bitDepth {
	case 8:
		return "u8"
	case 24:
		return "s24le"
	case 32:
		return "s32le"
	default:
		return "s16le"
	}
}

func alsaFormatCode(bitDepth int) string {
	switch bitDepth {
	case 8:
		return "U8"
	case 24:
		return "S24_LE"
	case 32:
		return "S32_LE"
	default:
		return "S16_LE"
	}
}

// lookPath is overridable in tests.
var lookPath = exec.LookPath

// execSink pipes PCM into a spawned streaming player's stdin.
type execSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	binary string
}

// startExecSink starts the first execCandidate found on PATH.
func startExecSink(ctx context.Context, format Format) (sinkProcess, error) {
	var chosen *execCandidate
	var binPath string
	for i := range execCandidates {
		c := &execCandidates[i]
		if p, err := lookPath(c.name); err == nil {
			chosen = c
			binPath = p
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("audiosink: no streaming PCM player found on PATH")
	}

	cmd := exec.CommandContext(ctx, binPath, chosen.args(format)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("audiosink: failed to open stdin pipe for %s: %w", chosen.name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("audiosink: failed to start %s: %w", chosen.name, err)
	}

	return &execSink{cmd: cmd, stdin: stdin, binary: chosen.name}, nil
}

func (s *execSink) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *execSink) CloseStdin() error {
	return s.stdin.Close()
}

func (s *execSink) Wait(ctx context.Context) (ExitInfo, error) {
	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			return ExitInfo{Code: 0, Normal: true}, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			return ExitInfo{Code: code, Err: err, Normal: code == 0}, nil
		}
		return ExitInfo{Code: -1, Err: err}, nil
	case <-ctx.Done():
		return ExitInfo{}, ctx.Err()
	}
}

func (s *execSink) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}
