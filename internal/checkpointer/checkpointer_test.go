package checkpointer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabboard/boardsync/internal/change"
	"github.com/collabboard/boardsync/internal/checkpointer"
	"github.com/collabboard/boardsync/internal/gateway"
)

// fakeGateway drives the checkpointer's loop deterministically instead of
// against a live Redis, since the fold's JSON.SET/DEL calls need the
// RedisJSON module that internal/gateway's own miniredis-backed tests
// cannot exercise (see internal/gateway/gateway_test.go). It mimics a
// non-destructive XRANGE: RangeChangesAfter always answers from the full
// stream relative to the id it's asked for, so a failed commit's batch
// reappears on the next iteration exactly as it would against real Redis.
type fakeGateway struct {
	mu      sync.Mutex
	version *string
	stream  []gateway.StreamEntry

	commits       int32
	failFirstN    int32
	commitAttempt int32
}

func (f *fakeGateway) GetVersion(context.Context, string) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, nil
}

func (f *fakeGateway) RangeChangesAfter(_ context.Context, _ string, afterID string, count int64) ([]gateway.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.StreamEntry
	for _, e := range f.stream {
		if e.ID > afterID {
			out = append(out, e)
			if int64(len(out)) >= count {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeGateway) CommitCheckpoint(_ context.Context, _ string, _ string, newVersion string, _ []gateway.StreamEntry) error {
	atomic.AddInt32(&f.commits, 1)
	attempt := atomic.AddInt32(&f.commitAttempt, 1)
	if attempt <= f.failFirstN {
		return errors.New("simulated transient commit failure")
	}
	f.mu.Lock()
	f.version = &newVersion
	f.mu.Unlock()
	return nil
}

func TestCheckpointerAppliesBatchesThenExitsWhenIdle(t *testing.T) {
	t.Parallel()

	fg := &fakeGateway{stream: []gateway.StreamEntry{
		{ID: "1-0", SessionID: "s1", Change: change.Insert("obj-1", map[string]interface{}{"x": 1.0})},
		{ID: "2-0", SessionID: "s1", Change: change.Insert("obj-2", map[string]interface{}{"x": 2.0})},
	}}

	cfg := checkpointer.Config{BatchSize: 10, EmptyBackoff: 5 * time.Millisecond, IdleGrace: 20 * time.Millisecond}
	var attached atomic.Bool
	cp := checkpointer.New("board-1", fg, cfg, nil, attached.Load)

	done := make(chan struct{})
	go func() {
		cp.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checkpointer did not exit idle board in time")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&fg.commits))
	require.NotNil(t, fg.version)
	assert.Equal(t, "2-0", *fg.version)
}

func TestCheckpointerStaysAliveWhileAttached(t *testing.T) {
	t.Parallel()

	fg := &fakeGateway{}
	cfg := checkpointer.Config{BatchSize: 10, EmptyBackoff: 5 * time.Millisecond, IdleGrace: 20 * time.Millisecond}
	var attached atomic.Bool
	attached.Store(true)
	cp := checkpointer.New("board-1", fg, cfg, nil, attached.Load)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	cp.Run(ctx)

	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestCheckpointerRetriesTransientCommitFailure(t *testing.T) {
	t.Parallel()

	fg := &fakeGateway{
		stream:     []gateway.StreamEntry{{ID: "1-0", SessionID: "s1", Change: change.Delete("obj-1")}},
		failFirstN: 2,
	}
	cfg := checkpointer.Config{BatchSize: 10, EmptyBackoff: time.Millisecond, IdleGrace: 20 * time.Millisecond}
	var attached atomic.Bool
	cp := checkpointer.New("board-1", fg, cfg, nil, attached.Load)

	done := make(chan struct{})
	go func() {
		cp.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checkpointer never recovered from transient failures")
	}

	require.NotNil(t, fg.version)
	assert.Equal(t, "1-0", *fg.version)
	assert.Equal(t, int32(3), atomic.LoadInt32(&fg.commits))
}
