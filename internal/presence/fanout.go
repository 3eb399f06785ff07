// Package presence implements the presence fanout and presence protocol
// session: ephemeral cursor and join/leave notifications distributed
// across backend instances via Redis pub/sub.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/collabboard/boardsync/internal/gateway"
	"github.com/collabboard/boardsync/internal/message"
)

// BroadcastCapacity is the bound on the process-wide fanout channel
// applied per subscriber when it falls behind.
const BroadcastCapacity = 1000

// Event is a presence message tagged with the board it belongs to, as
// delivered onto the broadcast channel.
type Event struct {
	BoardID string
	Message message.Server
}

// Fanout is the single process-wide task that PSUBSCRIBEs to every board's
// presence channel and multiplexes messages onto per-subscriber bounded
// channels. Overflow drops the oldest message for that subscriber, per
// presence delivery is explicitly best-effort.
type Fanout struct {
	gw     *gateway.Gateway
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
}

func NewFanout(gw *gateway.Gateway, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{gw: gw, logger: logger, subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns a channel of events plus
// an unsubscribe function. The channel is buffered to BroadcastCapacity;
// callers should drain it promptly but a slow reader only loses its own
// oldest messages, never blocks the fanout.
func (f *Fanout) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	ch := make(chan Event, BroadcastCapacity)
	f.subscribers[id] = ch
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		delete(f.subscribers, id)
		f.mu.Unlock()
	}
}

func (f *Fanout) dispatch(evt Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subscribers {
		select {
		case ch <- evt:
		default:
			// overflow: drop the oldest queued event for this subscriber
			// and make room for the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// Run subscribes to board/*/presence and dispatches every message it
// receives. It returns ctx.Err() once ctx is cancelled and nil if the
// subscription's message channel closes; nothing restarts it after it
// returns.
func (f *Fanout) Run(ctx context.Context) error {
	pubsub := f.gw.PSubscribe(ctx, gateway.PresencePattern())
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			boardID, ok := gateway.BoardIDFromPresenceChannel(msg.Channel)
			if !ok {
				continue
			}
			var decoded message.Server
			if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
				f.logger.Warn("presence fanout: dropping malformed message", "channel", msg.Channel, "error", err)
				continue
			}
			f.dispatch(Event{BoardID: boardID, Message: decoded})
		}
	}
}
