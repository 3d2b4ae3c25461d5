package daemon

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/lokutor-streamcast/pkg/logging"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/wireproto"
)

func readUntil(t *testing.T, conn *websocket.Conn, typ wireproto.FrameType, timeout time.Duration) wireproto.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read failed waiting for %s: %v", typ, err)
		}
		var frame wireproto.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		if frame.Type == typ {
			return frame
		}
	}
}

func TestServerRoundTripPlayChunksEndCompletes(t *testing.T) {
	srv := New(logging.NoOp{}, WithCompletionDeadline(2*time.Second))

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/"

	conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := context.Background()
	writeJSON := func(v interface{}) {
		b, _ := json.Marshal(v)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	playFrame, _ := wireproto.NewFrame(wireproto.FrameControl, time.Now(), wireproto.ControlPayload{Action: wireproto.ActionPlay})
	writeJSON(playFrame)

	format := &wireproto.AudioFormat{Encoding: "pcm_s16le", SampleRate: 16000, Channels: 1, BitDepth: 16}
	chunkFrame, _ := wireproto.NewFrame(wireproto.FrameAudioChunk, time.Now(), wireproto.AudioChunkPayload{
		Chunk:  wireproto.EncodeChunkBytes(make([]byte, 1600)),
		Format: format,
	})
	writeJSON(chunkFrame)

	endFrame, _ := wireproto.NewFrame(wireproto.FrameControl, time.Now(), wireproto.ControlPayload{Action: wireproto.ActionEndStream})
	writeJSON(endFrame)

	readUntil(t, conn, wireproto.FrameCompleted, 6*time.Second)
}

func TestServerHealthEndpoint(t *testing.T) {
	srv := New(logging.NoOp{})
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var health wireproto.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("expected status ok, got %q", health.Status)
	}
}
