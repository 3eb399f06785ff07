// Package registry implements the board registry: a
// process-wide mapping from board id to the per-board checkpointer handle,
// lazily spawning checkpointers on first attach and tearing them down after
// a grace window once the last session detaches.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/collabboard/boardsync/internal/checkpointer"
	"github.com/collabboard/boardsync/internal/gateway"
)

// Registry owns one running checkpointer per board with at least one
// attached session (or one still inside its idle grace window).
type Registry struct {
	mu      sync.Mutex
	boards  map[string]*handle
	gw      *gateway.Gateway
	cfg     checkpointer.Config
	logger  *slog.Logger
	rootCtx context.Context
}

type handle struct {
	refcount int
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(rootCtx context.Context, gw *gateway.Gateway, cfg checkpointer.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		boards:  make(map[string]*handle),
		gw:      gw,
		cfg:     cfg,
		logger:  logger,
		rootCtx: rootCtx,
	}
}

// Handle represents one session's attachment to a board; Release must be
// called exactly once when the session detaches.
type Handle struct {
	registry *Registry
	boardID  string
	released bool
	mu       sync.Mutex
}

// Attach increments the board's refcount, spawning a checkpointer if this
// is the first attachment (or the previous one already exited).
func (r *Registry) Attach(boardID string) *Handle {
	r.mu.Lock()
	h, ok := r.boards[boardID]
	if !ok {
		h = r.spawn(boardID)
		r.boards[boardID] = h
	}
	h.refcount++
	r.mu.Unlock()
	return &Handle{registry: r, boardID: boardID}
}

func (r *Registry) spawn(boardID string) *handle {
	ctx, cancel := context.WithCancel(r.rootCtx)
	done := make(chan struct{})
	h := &handle{cancel: cancel, done: done}

	cp := checkpointer.New(boardID, r.gw, r.cfg, r.logger, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		existing, ok := r.boards[boardID]
		return ok && existing.refcount > 0
	})

	go func() {
		defer close(done)
		cp.Run(ctx)
		r.mu.Lock()
		if r.boards[boardID] == h {
			delete(r.boards, boardID)
		}
		r.mu.Unlock()
	}()

	return h
}

// Release decrements the board's refcount. The checkpointer itself decides
// when to exit an idle board's grace window; Release does not
// force an immediate shutdown so a quick reconnect doesn't thrash the task.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true

	r := h.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.boards[h.boardID]; ok {
		existing.refcount--
	}
}

// Attached reports whether any session is currently attached to boardID.
func (r *Registry) Attached(boardID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.boards[boardID]
	return ok && h.refcount > 0
}

// BoardIDs returns the ids of boards that currently have a running
// checkpointer task, for the reaper to sweep.
func (r *Registry) BoardIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.boards))
	for id := range r.boards {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every running checkpointer and waits for them to exit,
// so shutdown does not race a still-running checkpointer.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.boards))
	for _, h := range r.boards {
		h.cancel()
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		<-h.done
	}
}
