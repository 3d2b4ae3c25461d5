package audiosink

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// malgoSink plays PCM through an in-process malgo playback device: the
// lowest-latency backend, with no subprocess involved.
type malgoSink struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu       sync.Mutex
	buf      []byte
	closed   bool
	deviceErr error

	exitCh chan ExitInfo
	once   sync.Once
}

func malgoFormat(bitDepth int) malgo.FormatType {
	switch bitDepth {
	case 8:
		return malgo.FormatU8
	case 24:
		return malgo.FormatS24
	case 32:
		return malgo.FormatS32
	default:
		return malgo.FormatS16
	}
}

// startMalgoSink initializes a malgo playback-only device and begins
// streaming silence until Write delivers audio.
func startMalgoSink(ctx context.Context, format Format) (sinkProcess, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audiosink: malgo context init failed: %w", err)
	}

	s := &malgoSink{
		ctx:    mctx,
		exitCh: make(chan ExitInfo, 1),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgoFormat(format.BitDepth)
	deviceConfig.Playback.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		s.mu.Lock()
		n := copy(pOutput, s.buf)
		s.buf = s.buf[n:]
		closed := s.closed
		drained := len(s.buf) == 0
		s.mu.Unlock()

		if n < len(pOutput) {
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
		}
		if closed && drained {
			s.signalExit(ExitInfo{Code: 0, Normal: true})
		}
	}

	onStop := func() {
		s.mu.Lock()
		err := s.deviceErr
		s.mu.Unlock()
		if err != nil {
			s.signalExit(ExitInfo{Code: 1, Err: err, Normal: false})
		}
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
		Stop: onStop,
	})
	if err != nil {
		mctx.Free()
		return nil, fmt.Errorf("audiosink: malgo device init failed: %w", err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("audiosink: malgo device start failed: %w", err)
	}

	return s, nil
}

func (s *malgoSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("audiosink: write after close")
	}
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *malgoSink) CloseStdin() error {
	s.mu.Lock()
	s.closed = true
	drained := len(s.buf) == 0
	s.mu.Unlock()
	if drained {
		s.signalExit(ExitInfo{Code: 0, Normal: true})
	}
	return nil
}

func (s *malgoSink) signalExit(info ExitInfo) {
	s.once.Do(func() {
		s.exitCh <- info
	})
}

func (s *malgoSink) Wait(ctx context.Context) (ExitInfo, error) {
	select {
	case info := <-s.exitCh:
		s.teardown()
		return info, nil
	case <-ctx.Done():
		return ExitInfo{}, ctx.Err()
	}
}

func (s *malgoSink) Kill() error {
	s.mu.Lock()
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
	s.signalExit(ExitInfo{Code: -1, Normal: false})
	s.teardown()
	return nil
}

func (s *malgoSink) teardown() {
	if s.device != nil {
		s.device.Uninit()
	}
	if s.ctx != nil {
		s.ctx.Free()
	}
}
