// Package message defines the JSON frames exchanged over the board
// WebSocket. Field names — including the snake_cased
// session_id in server-to-client frames — are fixed by the existing
// frontend and must not change.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/collabboard/boardsync/internal/change"
)

// ClientType tags an inbound client-to-server frame.
type ClientType string

const (
	ClientReady        ClientType = "ClientReady"
	ClientStartSnap    ClientType = "StartSnapshot"
	ClientApplyChange  ClientType = "ApplyChange"
	ClientCursorMoved  ClientType = "CursorChanged"
	ClientCursorLeft   ClientType = "CursorLeft"
	ClientPing         ClientType = "Ping"
)

// Client is the decoded form of any client-to-server frame. Only the
// fields relevant to Type are populated.
type Client struct {
	Type     ClientType    `json:"type"`
	Username string        `json:"username,omitempty"`
	Change   change.Change `json:"change,omitempty"`
	X        float64       `json:"x,omitempty"`
	Y        float64       `json:"y,omitempty"`
}

// UnmarshalJSON decodes a client frame, validating that fields required by
// its Type are present. Anything else is a ClientProtocolError from the
// caller's perspective.
func (c *Client) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type     ClientType      `json:"type"`
		Username string          `json:"username"`
		Change   json.RawMessage `json:"change"`
		X        float64         `json:"x"`
		Y        float64         `json:"y"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("message: decode client frame: %w", err)
	}

	decoded := Client{Type: wire.Type, Username: wire.Username, X: wire.X, Y: wire.Y}
	switch wire.Type {
	case ClientReady:
		if wire.Username == "" {
			return fmt.Errorf("message: ClientReady requires username")
		}
	case ClientStartSnap, ClientCursorLeft, ClientPing:
		// no payload
	case ClientApplyChange:
		if len(wire.Change) == 0 {
			return fmt.Errorf("message: ApplyChange requires change")
		}
		var ch change.Change
		if err := json.Unmarshal(wire.Change, &ch); err != nil {
			return err
		}
		decoded.Change = ch
	case ClientCursorMoved:
		// x, y already decoded
	default:
		return fmt.Errorf("message: unknown client message type %q", wire.Type)
	}
	*c = decoded
	return nil
}

// ServerType tags an outbound server-to-client frame.
type ServerType string

const (
	ServerReady           ServerType = "ServerReady"
	ServerSnapshotChunk   ServerType = "SnapshotChunk"
	ServerSnapshotDone    ServerType = "SnapshotFinished"
	ServerChangeAccepted  ServerType = "ChangeAccepted"
	ServerUserJoined      ServerType = "UserJoined"
	ServerUserLeft        ServerType = "UserLeft"
	ServerCursorChanged   ServerType = "UserCursorChanged"
	ServerCursorLeft      ServerType = "UserCursorLeft"
)

// ObjectEntry is one (id, object) pair as delivered in a SnapshotChunk.
type ObjectEntry struct {
	ID     string
	Object map[string]interface{}
}

// MarshalJSON emits ObjectEntry as the wire's `[id, object]` pair.
func (e ObjectEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{e.ID, e.Object})
}

// UnmarshalJSON decodes the `[id, object]` pair shape.
func (e *ObjectEntry) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("message: decode object entry: %w", err)
	}
	var id string
	if err := json.Unmarshal(pair[0], &id); err != nil {
		return fmt.Errorf("message: decode object entry id: %w", err)
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(pair[1], &obj); err != nil {
		return fmt.Errorf("message: decode object entry object: %w", err)
	}
	e.ID, e.Object = id, obj
	return nil
}

// Server is the encoded form of any server-to-client frame.
type Server struct {
	Type ServerType `json:"type"`

	Entries []ObjectEntry `json:"entries,omitempty"`
	Version *string       `json:"version,omitempty"`

	Change    *change.Change `json:"change,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Username  string         `json:"username,omitempty"`
	X         float64        `json:"x,omitempty"`
	Y         float64        `json:"y,omitempty"`
}

// MarshalJSON emits only the fields a frame's Type carries on the wire.
// Every type but SnapshotFinished drops Version entirely via its
// omitempty tag; SnapshotFinished is the one frame with a meaningful
// nullable version, so it serializes the key even when nil.
func (s Server) MarshalJSON() ([]byte, error) {
	if s.Type == ServerSnapshotDone {
		return json.Marshal(struct {
			Type    ServerType `json:"type"`
			Version *string    `json:"version"`
		}{Type: s.Type, Version: s.Version})
	}
	type wire Server
	return json.Marshal(wire(s))
}

// NewServerReady builds a ServerReady frame.
func NewServerReady() Server { return Server{Type: ServerReady} }

// NewSnapshotChunk builds a SnapshotChunk frame carrying up to
// snapshotChunkSize entries.
func NewSnapshotChunk(entries []ObjectEntry) Server {
	return Server{Type: ServerSnapshotChunk, Entries: entries}
}

// NewSnapshotFinished builds a SnapshotFinished frame. version is nil when
// the board has never been checkpointed.
func NewSnapshotFinished(version *string) Server {
	return Server{Type: ServerSnapshotDone, Version: version}
}

// NewChangeAccepted builds a ChangeAccepted frame.
func NewChangeAccepted(c change.Change, sessionID string) Server {
	return Server{Type: ServerChangeAccepted, Change: &c, SessionID: sessionID}
}

// NewUserJoined builds a UserJoined frame.
func NewUserJoined(sessionID, username string) Server {
	return Server{Type: ServerUserJoined, SessionID: sessionID, Username: username}
}

// NewUserLeft builds a UserLeft frame.
func NewUserLeft(sessionID string) Server {
	return Server{Type: ServerUserLeft, SessionID: sessionID}
}

// NewCursorChanged builds a UserCursorChanged frame.
func NewCursorChanged(sessionID string, x, y float64) Server {
	return Server{Type: ServerCursorChanged, SessionID: sessionID, X: x, Y: y}
}

// NewCursorLeft builds a UserCursorLeft frame.
func NewCursorLeft(sessionID string) Server {
	return Server{Type: ServerCursorLeft, SessionID: sessionID}
}
