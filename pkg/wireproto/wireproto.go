// Package wireproto defines the JSON frame envelope exchanged between the
// audio daemon and its clients over the local WebSocket-framed socket
// protocol, and the typed payloads carried inside it.
//
// Per the design notes, dynamic "chunk could be base64, raw bytes, or an
// object" shapes seen in ad-hoc wire protocols are narrowed to one typed
// boundary here: callers work with Frame/ControlAction/AudioChunkPayload,
// and only DecodeChunkBytes deals with the lenient input shapes.
package wireproto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// FrameType identifies the payload carried by a Frame.
type FrameType string

const (
	FrameControl         FrameType = "control"
	FrameAudioChunk       FrameType = "audio_chunk"
	FrameFlowControl      FrameType = "flow_control"
	FrameHeartbeat        FrameType = "heartbeat"
	FrameTimingAnalysis   FrameType = "timing_analysis"
	FrameStatus           FrameType = "status"
	FrameError            FrameType = "error"
	FrameCompleted        FrameType = "completed"
)

// Frame is the envelope for every message exchanged over the daemon socket.
type Frame struct {
	Type      FrameType       `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a Frame with the current time and a JSON-encoded data
// payload.
func NewFrame(typ FrameType, now time.Time, data interface{}) (Frame, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Frame{}, fmt.Errorf("wireproto: encode %s frame: %w", typ, err)
		}
		raw = b
	}
	return Frame{Type: typ, Timestamp: now.UnixMilli(), Data: raw}, nil
}

// ControlAction enumerates the supported control.* actions.
type ControlAction string

const (
	ActionPlay      ControlAction = "play"
	ActionPause     ControlAction = "pause"
	ActionResume    ControlAction = "resume"
	ActionStop      ControlAction = "stop"
	ActionEndStream ControlAction = "end_stream"
	ActionConfigure ControlAction = "configure"
)

// ControlPayload is the data of a FrameControl frame.
type ControlPayload struct {
	Action ControlAction `json:"action"`
	Format *AudioFormat  `json:"format,omitempty"`
}

// AudioFormat mirrors the spec's AudioFormat data model.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate_hz"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
}

// BytesPerSecond returns the derived byte rate for this format.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

var knownSampleRates = map[int]bool{
	8000: true, 16000: true, 22050: true, 24000: true,
	32000: true, 44100: true, 48000: true,
}

// KnownSampleRate reports whether the format's sample rate is one of the
// well-known rates the system was tuned against. Unknown rates are still
// accepted by callers; this only flags the condition for a warning log.
func (f AudioFormat) KnownSampleRate() bool {
	return knownSampleRates[f.SampleRate]
}

// AudioChunkPayload is the data of a FrameAudioChunk frame as received over
// the wire, before the lenient chunk shape has been normalized.
type AudioChunkPayload struct {
	Chunk    json.RawMessage `json:"chunk"`
	Format   *AudioFormat    `json:"format,omitempty"`
	Sequence uint64          `json:"sequence"`
}

// DecodeChunkBytes narrows the lenient wire shape of `chunk` — a base64
// string, a raw JSON byte array, or (defensively) an object with numeric
// string keys — to a single []byte. This is the one place in the system
// that tolerates the "dynamic chunk shape" the design notes call out.
func DecodeChunkBytes(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("wireproto: empty chunk payload")
	}

	// Base64 string form: `"AAEC..."`.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(asString)
		if err != nil {
			return nil, fmt.Errorf("wireproto: invalid base64 chunk: %w", err)
		}
		return decoded, nil
	}

	// Raw byte array form: `[0,1,2,...]`.
	var asArray []byte
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray, nil
	}

	// Object-with-numeric-keys form, the shape produced by naively
	// JSON-encoding a Uint8Array on some clients: `{"0":0,"1":1,...}`.
	var asObject map[string]byte
	if err := json.Unmarshal(raw, &asObject); err == nil {
		out := make([]byte, len(asObject))
		for k, v := range asObject {
			var idx int
			if _, err := fmt.Sscanf(k, "%d", &idx); err != nil || idx < 0 || idx >= len(out) {
				return nil, fmt.Errorf("wireproto: malformed numeric-key chunk object")
			}
			out[idx] = v
		}
		return out, nil
	}

	return nil, fmt.Errorf("wireproto: unrecognized chunk shape")
}

// EncodeChunkBytes renders chunk bytes into the wire's canonical base64
// string shape. Writers always emit this one shape; only readers need to be
// lenient.
func EncodeChunkBytes(chunk []byte) json.RawMessage {
	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(chunk))
	return encoded
}

// FlowControlPayload is the data of a FrameFlowControl frame.
type FlowControlPayload struct {
	Pause bool `json:"pause"`
}

// PerformanceSnapshot mirrors DaemonSessionStats for status/timing_analysis
// frames.
type PerformanceSnapshot struct {
	ChunksReceived       uint64  `json:"chunksReceived"`
	BytesProcessed       int64   `json:"bytesProcessed"`
	AudioPositionBytes   int64   `json:"audioPosition"`
	Underruns            uint64  `json:"underruns"`
	BufferUtilization    float64 `json:"bufferUtilization"`
	ExpectedDurationMs   int64   `json:"expectedDurationMs"`
	ActualDurationMs     int64   `json:"actualDurationMs"`
}

// DaemonState enumerates the coarse state reported in status frames.
type DaemonState string

const (
	DaemonIdle    DaemonState = "idle"
	DaemonPlaying DaemonState = "playing"
	DaemonPaused  DaemonState = "paused"
	DaemonEnding  DaemonState = "ending"
)

// StatusPayload is the data of a FrameStatus frame.
type StatusPayload struct {
	State             DaemonState         `json:"state"`
	BufferUtilization float64             `json:"bufferUtilization"`
	AudioPosition     int64               `json:"audioPosition"`
	Performance       PerformanceSnapshot `json:"performance"`
}

// ErrorPayload is the data of a FrameError frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// HealthResponse is the body of the daemon's GET /health endpoint.
type HealthResponse struct {
	Status        string              `json:"status"`
	UptimeSeconds float64             `json:"uptime"`
	AudioProcessor PerformanceSnapshot `json:"audioProcessor"`
	Clients       int                 `json:"clients"`
}
