package httpstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestWebSocketStreamerDeliversChunksUntilEOS(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		var req SynthesisRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		conn.Write(r.Context(), websocket.MessageBinary, []byte{1, 2, 3})
		conn.Write(r.Context(), websocket.MessageBinary, []byte{4, 5, 6})
		conn.Write(r.Context(), websocket.MessageText, []byte("EOS"))
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	s := NewWebSocketStreamer(wsURL)
	defer s.Close()

	var audio []byte
	_, err := s.Stream(context.Background(), SynthesisRequest{Text: "hello"}, func(c Chunk) error {
		audio = append(audio, c.Bytes...)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audio) != 6 {
		t.Errorf("expected 6 bytes, got %d", len(audio))
	}
}

func TestWebSocketStreamerErrSentinel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		var req SynthesisRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		conn.Write(r.Context(), websocket.MessageText, []byte("ERR:voice not found"))
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	s := NewWebSocketStreamer(wsURL)
	defer s.Close()

	_, err := s.Stream(context.Background(), SynthesisRequest{Text: "hello"}, func(c Chunk) error { return nil })
	if err == nil {
		t.Fatalf("expected error from ERR: sentinel")
	}
}

func TestWebSocketStreamerReusesConnectionAcrossSegments(t *testing.T) {
	var connectCount int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connectCount++
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		for i := 0; i < 2; i++ {
			var req SynthesisRequest
			if err := wsjson.Read(r.Context(), conn, &req); err != nil {
				return
			}
			conn.Write(r.Context(), websocket.MessageBinary, []byte{byte(i)})
			conn.Write(r.Context(), websocket.MessageText, []byte("EOS"))
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	s := NewWebSocketStreamer(wsURL)
	defer s.Close()

	for i := 0; i < 2; i++ {
		_, err := s.Stream(context.Background(), SynthesisRequest{Text: "segment"}, func(c Chunk) error { return nil })
		if err != nil {
			t.Fatalf("unexpected error on segment %d: %v", i, err)
		}
	}
	if connectCount != 1 {
		t.Errorf("expected exactly 1 websocket dial across segments, got %d", connectCount)
	}
}
