package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NewWavBuffer wraps pcm in a mono 16-bit RIFF/WAVE container at sampleRate.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	return NewWavBufferFormat(pcm, sampleRate, 1, 16)
}

// NewWavBufferFormat wraps pcm in a RIFF/WAVE container with the given
// sample rate, channel count, and bit depth.
func NewWavBufferFormat(pcm []byte, sampleRate, channels, bitDepth int) []byte {
	buf := new(bytes.Buffer)

	blockAlign := channels * bitDepth / 8
	byteRate := sampleRate * blockAlign

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitDepth))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// WavInfo describes a parsed WAV container's format and payload.
type WavInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	PCM        []byte
}

// Duration computes the playback duration of the decoded PCM payload given
// its format.
func (w WavInfo) Duration() float64 {
	bytesPerSecond := w.SampleRate * w.Channels * w.BitDepth / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return float64(len(w.PCM)) / float64(bytesPerSecond)
}

// ParseWav reads a minimal RIFF/WAVE container's fmt and data chunks. It
// tolerates extra chunks between fmt and data but assumes PCM (format tag 1).
func ParseWav(data []byte) (WavInfo, error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WavInfo{}, fmt.Errorf("audio: not a RIFF/WAVE container")
	}

	var info WavInfo
	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		chunkStart := pos + 8
		if chunkStart+chunkSize > len(data) {
			break
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return WavInfo{}, fmt.Errorf("audio: fmt chunk too small")
			}
			fmtChunk := data[chunkStart : chunkStart+chunkSize]
			info.Channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			info.BitDepth = int(binary.LittleEndian.Uint16(fmtChunk[14:16]))
		case "data":
			info.PCM = data[chunkStart : chunkStart+chunkSize]
		}

		pos = chunkStart + chunkSize
		if chunkSize%2 == 1 {
			pos++ // chunks are word-aligned
		}
	}

	if info.SampleRate == 0 {
		return WavInfo{}, fmt.Errorf("audio: missing fmt chunk")
	}
	if info.PCM == nil {
		return WavInfo{}, fmt.Errorf("audio: missing data chunk")
	}
	return info, nil
}
