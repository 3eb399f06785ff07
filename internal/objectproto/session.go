// Package objectproto implements the object protocol session: the
// per-connection state machine that walks a client through
// ClientReady, a chunked snapshot of the board's current objects, and then
// a live stream of accepted changes.
package objectproto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/collabboard/boardsync/internal/change"
	"github.com/collabboard/boardsync/internal/gateway"
	"github.com/collabboard/boardsync/internal/message"
)

// SnapshotChunkSize is the maximum number of object ids sent per
// SnapshotChunk frame.
const SnapshotChunkSize = 1000

// streamBlockDuration is the XREAD block duration used while streaming,
// kept short so cancellation is observed promptly.
const streamBlockDuration = 5 * time.Second

// State names the object protocol session's position in its linear
// lifecycle.
type State int

const (
	AwaitingClientReady State = iota
	ReadyAcknowledged
	Snapshotting
	Streaming
	Terminal
)

func (s State) String() string {
	switch s {
	case AwaitingClientReady:
		return "AwaitingClientReady"
	case ReadyAcknowledged:
		return "ReadyAcknowledged"
	case Snapshotting:
		return "Snapshotting"
	case Streaming:
		return "Streaming"
	case Terminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// ProtocolError marks a client message that was invalid for the session's
// current state; the connection supervisor closes the socket with a
// protocol-violation code on this error.
type ProtocolError struct {
	State State
	Type  message.ClientType
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("objectproto: unexpected %s message in state %s", e.Type, e.State)
}

// maxStreamReadAttempts bounds consecutive transient ReadChangesAfter
// failures before pumpChanges gives up; the connection supervisor closes
// the socket with an internal-error code on RetriesExhaustedError.
const maxStreamReadAttempts = 5

// RetriesExhaustedError marks a session giving up on the change stream
// after maxStreamReadAttempts consecutive transient gateway errors.
type RetriesExhaustedError struct {
	BoardID string
	Cause   error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("objectproto: board %s: giving up after %d transient stream read failures: %v", e.BoardID, maxStreamReadAttempts, e.Cause)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Cause }

// Inbound is the decoded stream of client-to-server frames for one socket.
type Inbound interface {
	RecvClient(ctx context.Context) (message.Client, error)
}

// Outbound is something a session can send server-to-client frames to.
type Outbound interface {
	SendServer(message.Server) error
}

// PresenceHandler is the subset of presence.Session the object session
// drives on ClientReady and on cursor/ping activity, kept as an interface
// so this package does not import internal/presence.
type PresenceHandler interface {
	// Ready announces the caller's presence and returns one UserJoined
	// frame per session already on the board, for the caller to replay to
	// the new client before ServerReady.
	Ready(ctx context.Context, username string) ([]message.Server, error)
	Touch(ctx context.Context) error
	CursorMoved(ctx context.Context, x, y float64) error
	CursorLeft(ctx context.Context) error
}

// boardGateway is the subset of *gateway.Gateway a session needs, kept as
// an interface so tests can drive the state machine against a fake instead
// of a live RedisJSON-capable server.
type boardGateway interface {
	GetVersion(ctx context.Context, boardID string) (*string, error)
	GetObjectIDs(ctx context.Context, boardID string) ([]string, error)
	GetObjectsChunk(ctx context.Context, boardID string, ids []string) ([]gateway.ObjectEntry, error)
	AppendChange(ctx context.Context, boardID, sessionID string, c change.Change) (string, error)
	ReadChangesAfter(ctx context.Context, boardID, afterID string, block time.Duration) ([]gateway.StreamEntry, error)
}

// Session drives one connection's object protocol lifecycle.
type Session struct {
	gw                boardGateway
	presence          PresenceHandler
	logger            *slog.Logger
	boardID           string
	sessionID         string
	snapshotChunkSize int

	state State
}

func New(gw boardGateway, presenceHandler PresenceHandler, logger *slog.Logger, boardID, sessionID string, snapshotChunkSize int) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if snapshotChunkSize <= 0 {
		snapshotChunkSize = SnapshotChunkSize
	}
	return &Session{gw: gw, presence: presenceHandler, logger: logger, boardID: boardID, sessionID: sessionID, snapshotChunkSize: snapshotChunkSize, state: AwaitingClientReady}
}

// Run drives the session to completion or until ctx is cancelled. It
// returns nil when ctx is cancelled during streaming, a *ProtocolError for
// a client protocol violation, a *RetriesExhaustedError when stream reads
// keep failing transiently, or otherwise the first gateway/transport error
// encountered.
func (s *Session) Run(ctx context.Context, in Inbound, out Outbound) error {
	if err := s.awaitReady(ctx, in, out); err != nil {
		return err
	}
	if err := s.awaitStartSnapshot(ctx, in); err != nil {
		return err
	}
	cursor, err := s.runSnapshot(ctx, out)
	if err != nil {
		return err
	}
	s.state = Streaming
	return s.runStreaming(ctx, in, out, cursor)
}

func (s *Session) awaitReady(ctx context.Context, in Inbound, out Outbound) error {
	msg, err := in.RecvClient(ctx)
	if err != nil {
		return err
	}
	if msg.Type != message.ClientReady {
		return &ProtocolError{State: s.state, Type: msg.Type}
	}
	roster, err := s.presence.Ready(ctx, msg.Username)
	if err != nil {
		return err
	}
	for _, frame := range roster {
		if err := out.SendServer(frame); err != nil {
			return err
		}
	}
	if err := out.SendServer(message.NewServerReady()); err != nil {
		return err
	}
	s.state = ReadyAcknowledged
	return nil
}

func (s *Session) awaitStartSnapshot(ctx context.Context, in Inbound) error {
	msg, err := in.RecvClient(ctx)
	if err != nil {
		return err
	}
	if msg.Type != message.ClientStartSnap {
		return &ProtocolError{State: s.state, Type: msg.Type}
	}
	s.state = Snapshotting
	return nil
}

// runSnapshot performs the chunked snapshot walk, capturing
// V0 before reading the objects document so any change committed after V0
// is safely replayed during streaming.
func (s *Session) runSnapshot(ctx context.Context, out Outbound) (string, error) {
	v0, err := s.gw.GetVersion(ctx, s.boardID)
	if err != nil {
		return "", err
	}

	ids, err := s.gw.GetObjectIDs(ctx, s.boardID)
	if err != nil {
		return "", err
	}

	for start := 0; start < len(ids); start += s.snapshotChunkSize {
		end := start + s.snapshotChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		entries, err := s.gw.GetObjectsChunk(ctx, s.boardID, ids[start:end])
		if err != nil {
			return "", err
		}
		wireEntries := make([]message.ObjectEntry, len(entries))
		for i, e := range entries {
			wireEntries[i] = message.ObjectEntry{ID: e.ID, Object: e.Object}
		}
		if err := out.SendServer(message.NewSnapshotChunk(wireEntries)); err != nil {
			return "", err
		}
	}

	if err := out.SendServer(message.NewSnapshotFinished(v0)); err != nil {
		return "", err
	}

	cursor := "0-0"
	if v0 != nil {
		cursor = *v0
	}
	return cursor, nil
}

// runStreaming forwards accepted changes to the client while concurrently
// accepting further client frames (ApplyChange, cursor activity, Ping):
// one goroutine drains inbound frames, the other drains the Redis-backed
// change stream.
func (s *Session) runStreaming(parent context.Context, in Inbound, out Outbound, cursor string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	errc := make(chan error, 2)

	go func() {
		errc <- s.pumpInbound(ctx, in)
	}()
	go func() {
		errc <- s.pumpChanges(ctx, out, cursor)
	}()

	err := <-errc
	cancel()
	<-errc
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) pumpInbound(ctx context.Context, in Inbound) error {
	for {
		msg, err := in.RecvClient(ctx)
		if err != nil {
			return err
		}
		switch msg.Type {
		case message.ClientApplyChange:
			if err := s.applyChange(ctx, msg.Change); err != nil {
				return err
			}
		case message.ClientCursorMoved:
			if err := s.presence.CursorMoved(ctx, msg.X, msg.Y); err != nil {
				return err
			}
		case message.ClientCursorLeft:
			if err := s.presence.CursorLeft(ctx); err != nil {
				return err
			}
		case message.ClientPing:
			if err := s.presence.Touch(ctx); err != nil {
				return err
			}
		default:
			return &ProtocolError{State: s.state, Type: msg.Type}
		}
	}
}

func (s *Session) applyChange(ctx context.Context, c change.Change) error {
	if err := c.Validate(); err != nil {
		return &ProtocolError{State: s.state, Type: message.ClientApplyChange}
	}
	_, err := s.gw.AppendChange(ctx, s.boardID, s.sessionID, c)
	return err
}

func (s *Session) pumpChanges(ctx context.Context, out Outbound, cursor string) error {
	backoff := gateway.NewBackoff()
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := s.gw.ReadChangesAfter(ctx, s.boardID, cursor, streamBlockDuration)
		if err != nil {
			if gateway.IsTransient(err) {
				attempts++
				if attempts >= maxStreamReadAttempts {
					return &RetriesExhaustedError{BoardID: s.boardID, Cause: err}
				}
				s.logger.Warn("objectproto: transient stream read error, retrying", "board_id", s.boardID, "session_id", s.sessionID, "attempt", attempts, "error", err)
				if sleepErr := backoff.Sleep(ctx); sleepErr != nil {
					return sleepErr
				}
				continue
			}
			return err
		}
		attempts = 0
		backoff.Reset()

		for _, entry := range entries {
			if err := out.SendServer(message.NewChangeAccepted(entry.Change, entry.SessionID)); err != nil {
				return err
			}
			cursor = entry.ID
		}
	}
}
