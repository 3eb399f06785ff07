// Package wsproto adapts a gorilla/websocket connection to the
// objectproto.Inbound/Outbound and presence.Outbound interfaces: one side
// reads frames off the socket, the other writes them, and a context
// cancellation closes the underlying connection to unblock whichever side
// is parked in a blocking read.
package wsproto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/collabboard/boardsync/internal/message"
)

// Socket wraps one board WebSocket connection. Reads are not
// synchronized (only one goroutine per session reads inbound frames);
// writes are, since both the object and presence sessions send frames
// to the same connection concurrently and gorilla/websocket forbids
// concurrent writers.
type Socket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func New(conn *websocket.Conn) *Socket {
	return &Socket{conn: conn}
}

// RecvClient blocks for the next client-to-server text frame and decodes
// it. Cancelling ctx does not itself interrupt a pending read; callers
// arrange for CloseOnCancel to run alongside so the read unblocks with an
// error instead.
func (s *Socket) RecvClient(ctx context.Context) (message.Client, error) {
	if err := ctx.Err(); err != nil {
		return message.Client{}, err
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return message.Client{}, fmt.Errorf("wsproto: read: %w", err)
	}
	var m message.Client
	if err := json.Unmarshal(data, &m); err != nil {
		return message.Client{}, fmt.Errorf("wsproto: decode client frame: %w", err)
	}
	return m, nil
}

// SendServer encodes m as JSON and writes it as one text frame.
func (s *Socket) SendServer(m message.Server) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(m); err != nil {
		return fmt.Errorf("wsproto: write: %w", err)
	}
	return nil
}

// CloseOnCancel closes the underlying connection once ctx is done,
// unblocking any goroutine parked in RecvClient. It returns immediately;
// the closing happens in a background goroutine for the lifetime of ctx.
func (s *Socket) CloseOnCancel(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()
}

// Close closes the underlying connection directly, e.g. after a protocol
// violation.
func (s *Socket) Close() error {
	return s.conn.Close()
}
