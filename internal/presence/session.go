package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/collabboard/boardsync/internal/gateway"
	"github.com/collabboard/boardsync/internal/message"
)

// DefaultCheckinTTL is the default session check-in TTL.
const DefaultCheckinTTL = 30 * time.Second

// Outbound is a presence-protocol session's view of the socket: something
// that can be sent server-to-client frames. httpserver's connection
// supervisor supplies the real implementation over gorilla/websocket.
type Outbound interface {
	SendServer(message.Server) error
}

// Session is one connection's presence protocol session: it announces
// and retires the caller's presence on a board, forwards cursor activity,
// and relays filtered fanout events back to the socket.
type Session struct {
	gw         *gateway.Gateway
	fanout     *Fanout
	logger     *slog.Logger
	boardID    string
	sessionID  string
	checkinTTL time.Duration

	joined bool
}

func NewSession(gw *gateway.Gateway, fanout *Fanout, logger *slog.Logger, boardID, sessionID string, checkinTTL time.Duration) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if checkinTTL <= 0 {
		checkinTTL = DefaultCheckinTTL
	}
	return &Session{gw: gw, fanout: fanout, logger: logger, boardID: boardID, sessionID: sessionID, checkinTTL: checkinTTL}
}

// Ready handles ClientReady: it records this session's username in the
// board's session roster, SETs the check-in key with TTL, and PUBLISHes
// UserJoined so other connected sessions learn of the new arrival.
//
// Because the presence pub/sub channel carries no history, a session
// connecting to a board that already has collaborators on it would
// otherwise never learn who they are — they joined before it was
// subscribed. Ready fetches the board's current roster before announcing
// itself and returns one UserJoined frame per already-present session
// (excluding itself), for the caller to replay to the new client ahead of
// ServerReady.
func (s *Session) Ready(ctx context.Context, username string) ([]message.Server, error) {
	existing, err := s.gw.BoardSessions(ctx, s.boardID)
	if err != nil {
		return nil, err
	}

	if err := s.gw.AddBoardSession(ctx, s.boardID, s.sessionID, username); err != nil {
		return nil, err
	}
	if err := s.gw.SetCheckin(ctx, s.sessionID, s.checkinTTL); err != nil {
		return nil, err
	}
	s.joined = true

	roster := make([]message.Server, 0, len(existing))
	for _, entry := range existing {
		if entry.SessionID == s.sessionID {
			continue
		}
		roster = append(roster, message.NewUserJoined(entry.SessionID, entry.Username))
	}

	if err := s.publish(ctx, message.NewUserJoined(s.sessionID, username)); err != nil {
		return nil, err
	}
	return roster, nil
}

// Touch refreshes the check-in TTL, called on Ping or any inbound
// activity.
func (s *Session) Touch(ctx context.Context) error {
	return s.gw.SetCheckin(ctx, s.sessionID, s.checkinTTL)
}

// CursorMoved publishes a UserCursorChanged event.
func (s *Session) CursorMoved(ctx context.Context, x, y float64) error {
	return s.publish(ctx, message.NewCursorChanged(s.sessionID, x, y))
}

// CursorLeft publishes a UserCursorLeft event.
func (s *Session) CursorLeft(ctx context.Context) error {
	return s.publish(ctx, message.NewCursorLeft(s.sessionID))
}

// Close performs the disconnect cleanup: remove the session
// from the board's roster and PUBLISH UserLeft. It is best-effort and never
// retried — ctx is expected to carry a short bounded timeout supplied by
// the connection supervisor's cleanup window, not the (already cancelled)
// session context.
func (s *Session) Close(ctx context.Context) {
	if !s.joined {
		return
	}
	if err := s.gw.RemoveBoardSession(ctx, s.boardID, s.sessionID); err != nil {
		s.logger.Warn("presence: roster removal on disconnect failed", "board_id", s.boardID, "session_id", s.sessionID, "error", err)
	}
	if err := s.publish(ctx, message.NewUserLeft(s.sessionID)); err != nil {
		s.logger.Warn("presence: UserLeft publish on disconnect failed", "board_id", s.boardID, "session_id", s.sessionID, "error", err)
	}
}

func (s *Session) publish(ctx context.Context, m message.Server) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("presence: encode %s: %w", m.Type, err)
	}
	return s.gw.Publish(ctx, gateway.PresenceKey(s.boardID), payload)
}

// Forward runs until ctx is cancelled, delivering every fanout event that
// matches this session's board and did not originate from this session
// itself, sending it out on out.
func (s *Session) Forward(ctx context.Context, out Outbound) {
	events, unsubscribe := s.fanout.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.BoardID != s.boardID || evt.Message.SessionID == s.sessionID {
				continue
			}
			if err := out.SendServer(evt.Message); err != nil {
				s.logger.Warn("presence: forward to client failed", "board_id", s.boardID, "session_id", s.sessionID, "error", err)
				return
			}
		}
	}
}
