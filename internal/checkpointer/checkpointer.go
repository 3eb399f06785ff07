// Package checkpointer implements the per-board background task that
// drains a board's changes stream into the objects document, advances
// the version pointer, and prunes consumed entries.
package checkpointer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/collabboard/boardsync/internal/gateway"
)

// Config carries the checkpointer's tunables.
type Config struct {
	BatchSize    int64
	EmptyBackoff time.Duration // sleep when a batch comes back empty
	IdleGrace    time.Duration // exit after this long with no attached session and an empty batch
}

func DefaultConfig() Config {
	return Config{BatchSize: 256, EmptyBackoff: 100 * time.Millisecond, IdleGrace: 60 * time.Second}
}

// gatewayAPI is the slice of *gateway.Gateway the fold loop needs, kept as
// an interface at the point of use so tests can drive the loop's retry and
// idle-exit behavior with a fake instead of a live Redis.
type gatewayAPI interface {
	GetVersion(ctx context.Context, boardID string) (*string, error)
	RangeChangesAfter(ctx context.Context, boardID, afterID string, count int64) ([]gateway.StreamEntry, error)
	CommitCheckpoint(ctx context.Context, boardID, expectedVersion, newVersion string, changes []gateway.StreamEntry) error
}

// Checkpointer folds one board's changes stream into its objects document.
type Checkpointer struct {
	boardID string
	gw      gatewayAPI
	cfg     Config
	logger  *slog.Logger

	// IsAttached reports whether at least one session is currently
	// attached to the board, consulted for the idle-exit grace window.
	IsAttached func() bool
}

func New(boardID string, gw gatewayAPI, cfg Config, logger *slog.Logger, isAttached func() bool) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{boardID: boardID, gw: gw, cfg: cfg, logger: logger, IsAttached: isAttached}
}

// Run drives the fold loop until ctx is cancelled or the board goes idle
// past the grace window.
func (c *Checkpointer) Run(ctx context.Context) {
	backoff := gateway.NewBackoff()
	idleSince := time.Time{}

	for {
		if ctx.Err() != nil {
			return
		}

		applied, err := c.runOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("checkpoint iteration failed", "board_id", c.boardID, "error", err)
			if sleepErr := backoff.Sleep(ctx); sleepErr != nil {
				return
			}
			continue
		}
		backoff.Reset()

		if applied {
			idleSince = time.Time{}
			continue
		}

		if !c.IsAttached() {
			if idleSince.IsZero() {
				idleSince = time.Now()
			} else if time.Since(idleSince) >= c.cfg.IdleGrace {
				c.logger.Info("checkpointer exiting idle board", "board_id", c.boardID)
				return
			}
		} else {
			idleSince = time.Time{}
		}

		timer := time.NewTimer(c.cfg.EmptyBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// runOnce performs one iteration of the batch-drain-and-commit loop,
// returning whether a non-empty batch was applied.
func (c *Checkpointer) runOnce(ctx context.Context) (bool, error) {
	versionPtr, err := c.gw.GetVersion(ctx, c.boardID)
	if err != nil {
		return false, err
	}
	currentVersion := "0-0"
	if versionPtr != nil {
		currentVersion = *versionPtr
	}

	batch, err := c.gw.RangeChangesAfter(ctx, c.boardID, currentVersion, c.cfg.BatchSize)
	if err != nil {
		return false, err
	}
	if len(batch) == 0 {
		return false, nil
	}

	newVersion := batch[len(batch)-1].ID
	expected := ""
	if versionPtr != nil {
		expected = *versionPtr
	}

	err = c.gw.CommitCheckpoint(ctx, c.boardID, expected, newVersion, batch)
	if gateway.IsCheckpointRace(err) {
		c.logger.Info("checkpoint raced with another instance, restarting", "board_id", c.boardID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
