package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/lokutor-streamcast/pkg/logging"
	"github.com/lokutor-ai/lokutor-streamcast/pkg/wireproto"
)

// Server terminates the daemon socket protocol over coder/websocket,
// serving one Session per connected client plus a shared /health endpoint.
type Server struct {
	logger logging.Logger
	start  time.Time

	mu      sync.Mutex
	clients int

	httpSrv *http.Server

	sessionOpts []SessionOption
}

// New builds a Server listening with the given options applied to every
// accepted session.
func New(logger logging.Logger, opts ...SessionOption) *Server {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Server{logger: logger, start: time.Now(), sessionOpts: opts}
}

// Handler returns the server's http.Handler, exposed so tests can drive it
// through httptest.NewServer without a real listening port.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/", srv.handleSocket)
	return mux
}

// ListenAndServe starts the HTTP+WebSocket server on addr and blocks until
// ctx is canceled or a fatal error occurs.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv.httpSrv = &http.Server{Addr: addr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	srv.mu.Lock()
	clients := srv.clients
	srv.mu.Unlock()

	resp := wireproto.HealthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(srv.start).Seconds(),
		Clients:       clients,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (srv *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		srv.logger.Warn("daemon: websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	srv.mu.Lock()
	srv.clients++
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		srv.clients--
		srv.mu.Unlock()
	}()

	outbound := make(chan wireproto.Frame, 64)
	session := NewSession(srv.logger, outbound, srv.sessionOpts...)
	defer session.Close()

	ctx := r.Context()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		srv.writeLoop(ctx, conn, outbound)
	}()
	go func() {
		defer wg.Done()
		srv.readLoop(ctx, conn, session)
	}()
	wg.Wait()
}

func (srv *Server) writeLoop(ctx context.Context, conn *websocket.Conn, outbound chan wireproto.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-outbound:
			if !ok {
				return
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				srv.logger.Warn("daemon: failed to write frame", "error", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame wireproto.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (srv *Server) readLoop(ctx context.Context, conn *websocket.Conn, session *Session) {
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame wireproto.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			srv.logger.Warn("daemon: malformed frame dropped", "error", err)
			continue
		}

		if err := srv.dispatch(session, frame); err != nil {
			srv.logger.Warn("daemon: failed to handle frame", "type", frame.Type, "error", err)
		}
	}
}

func (srv *Server) dispatch(session *Session, frame wireproto.Frame) error {
	switch frame.Type {
	case wireproto.FrameControl:
		var ctrl wireproto.ControlPayload
		if err := json.Unmarshal(frame.Data, &ctrl); err != nil {
			return err
		}
		switch ctrl.Action {
		case wireproto.ActionPlay:
			return session.Play()
		case wireproto.ActionPause:
			return session.Pause()
		case wireproto.ActionResume:
			return session.Resume()
		case wireproto.ActionStop:
			return session.Stop()
		case wireproto.ActionEndStream:
			return session.EndStream()
		case wireproto.ActionConfigure:
			return nil
		default:
			return fmt.Errorf("daemon: unknown control action %q", ctrl.Action)
		}

	case wireproto.FrameAudioChunk:
		var chunk wireproto.AudioChunkPayload
		if err := json.Unmarshal(frame.Data, &chunk); err != nil {
			return err
		}
		bytes, err := wireproto.DecodeChunkBytes(chunk.Chunk)
		if err != nil {
			return err
		}
		return session.AudioChunk(bytes, chunk.Format, chunk.Sequence)

	case wireproto.FrameFlowControl:
		var fc wireproto.FlowControlPayload
		if err := json.Unmarshal(frame.Data, &fc); err != nil {
			return err
		}
		return session.FlowControl(fc.Pause)

	case wireproto.FrameHeartbeat:
		session.emit(wireproto.FrameHeartbeat, nil)
		return nil

	case wireproto.FrameTimingAnalysis:
		snapshot := session.StatsSnapshot()
		session.emit(wireproto.FrameTimingAnalysis, snapshot)
		return nil

	default:
		return fmt.Errorf("daemon: unrecognized frame type %q", frame.Type)
	}
}
