// Package reaper implements the session reaper: it sweeps
// every board the registry currently has a checkpointer for and evicts
// sessions whose check-in key has expired, cleaning up after sockets that
// were terminated abnormally.
package reaper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/collabboard/boardsync/internal/gateway"
	"github.com/collabboard/boardsync/internal/message"
)

// DefaultInterval is the default sweep period.
const DefaultInterval = 15 * time.Second

// BoardLister supplies the set of boards currently worth sweeping; the
// application wires this to internal/registry.Registry.BoardIDs so the
// reaper only touches boards with a live backend attachment.
type BoardLister interface {
	BoardIDs() []string
}

// Reaper is the process-wide sweep singleton.
type Reaper struct {
	gw       *gateway.Gateway
	registry BoardLister
	logger   *slog.Logger
	interval time.Duration
}

func New(gw *gateway.Gateway, registry BoardLister, logger *slog.Logger, interval time.Duration) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{gw: gw, registry: registry, logger: logger, interval: interval}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepAll(ctx)
		}
	}
}

func (r *Reaper) sweepAll(ctx context.Context) {
	for _, boardID := range r.registry.BoardIDs() {
		if err := r.sweepBoard(ctx, boardID); err != nil {
			r.logger.Warn("reaper: sweep failed", "board_id", boardID, "error", err)
		}
	}
}

func (r *Reaper) sweepBoard(ctx context.Context, boardID string) error {
	sessions, err := r.gw.BoardSessions(ctx, boardID)
	if err != nil {
		return err
	}
	for _, entry := range sessions {
		alive, err := r.gw.SessionExists(ctx, entry.SessionID)
		if err != nil {
			r.logger.Warn("reaper: check-in lookup failed", "board_id", boardID, "session_id", entry.SessionID, "error", err)
			continue
		}
		if alive {
			continue
		}
		if err := r.evict(ctx, boardID, entry.SessionID); err != nil {
			r.logger.Warn("reaper: eviction failed", "board_id", boardID, "session_id", entry.SessionID, "error", err)
		}
	}
	return nil
}

func (r *Reaper) evict(ctx context.Context, boardID, sessionID string) error {
	if err := r.gw.RemoveBoardSession(ctx, boardID, sessionID); err != nil {
		return err
	}
	payload, err := json.Marshal(message.NewUserLeft(sessionID))
	if err != nil {
		return err
	}
	r.logger.Info("reaper: evicted stale session", "board_id", boardID, "session_id", sessionID)
	return r.gw.Publish(ctx, gateway.PresenceKey(boardID), payload)
}
