// Package httpserver implements the connection supervisor:
// it accepts the board WebSocket upgrade, validates the path/query
// identifiers, and spawns the bound object-protocol and presence-protocol
// session pair for the connection.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/collabboard/boardsync/internal/app"
	"github.com/collabboard/boardsync/internal/objectproto"
	"github.com/collabboard/boardsync/internal/presence"
	"github.com/collabboard/boardsync/internal/wsproto"
)

// CleanupTimeout bounds how long the supervisor waits for both session
// tasks to unwind after a disconnect before it gives up.
const CleanupTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// NewRouter builds the board server's HTTP handler: CORS, a request
// logging middleware, and the /board/{board_id} upgrade route.
func NewRouter(a *app.App) http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(a.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	s := &supervisor{app: a}
	r.Methods(http.MethodGet).Path("/board/{board_id}").HandlerFunc(s.serveBoard)
	return r
}

// loggingMiddleware captures per-request timing and status via httpsnoop
// and logs it through slog.
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Info("handled", "method", r.Method, "url", r.URL.String(), "duration", m.Duration, "status", m.Code)
		})
	}
}

type supervisor struct {
	app *app.App
}

func (s *supervisor) serveBoard(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["board_id"]
	sessionID := r.URL.Query().Get("session_id")

	if _, err := uuid.Parse(boardID); err != nil {
		http.Error(w, "malformed board_id", http.StatusBadRequest)
		return
	}
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		http.Error(w, "malformed session_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.app.Logger.Warn("websocket upgrade failed", "board_id", boardID, "error", err)
		return
	}
	s.serve(r.Context(), conn, boardID, sessionID)
}

// serve runs the bound object+presence task pair for one connection until
// either fails or the socket closes, then performs the disconnect
// cleanup within CleanupTimeout.
func (s *supervisor) serve(parent context.Context, conn *websocket.Conn, boardID, sessionID string) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	socket := wsproto.New(conn)
	socket.CloseOnCancel(ctx)

	handle := s.app.Registry.Attach(boardID)
	defer handle.Release()

	presenceSession := presence.NewSession(s.app.Gateway, s.app.Fanout, s.app.Logger, boardID, sessionID, s.app.Config.SessionCheckinTTL)
	objectSession := objectproto.New(s.app.Gateway, presenceSession, s.app.Logger, boardID, sessionID, s.app.Config.SnapshotChunkSize)

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		presenceSession.Forward(ctx, socket)
	}()

	err := objectSession.Run(ctx, socket, socket)

	if err != nil && ctx.Err() == nil {
		s.app.Logger.Info("object session ended", "board_id", boardID, "session_id", sessionID, "error", err)
		switch {
		case isProtocolError(err):
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseProtocolError, err.Error()),
				time.Now().Add(time.Second))
		case isRetriesExhausted(err):
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "change stream unavailable"),
				time.Now().Add(time.Second))
		}
	}
	cancel()

	select {
	case <-forwardDone:
	case <-time.After(CleanupTimeout):
		s.app.Logger.Warn("presence forward did not stop in time", "board_id", boardID, "session_id", sessionID)
	}

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), CleanupTimeout)
	defer cleanupCancel()
	presenceSession.Close(cleanupCtx)
}

func isProtocolError(err error) bool {
	var protoErr *objectproto.ProtocolError
	return errors.As(err, &protoErr)
}

func isRetriesExhausted(err error) bool {
	var retriesErr *objectproto.RetriesExhaustedError
	return errors.As(err, &retriesErr)
}
