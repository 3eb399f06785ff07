package reaper_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/collabboard/boardsync/internal/gateway"
	"github.com/collabboard/boardsync/internal/reaper"
)

type staticLister struct{ ids []string }

func (l staticLister) BoardIDs() []string { return l.ids }

func newTestGateway(t *testing.T) (*gateway.Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return gateway.New(client, gateway.DefaultConfig()), mr
}

func TestSweepEvictsSessionWithExpiredCheckin(t *testing.T) {
	t.Parallel()
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, gw.AddBoardSession(ctx, "board-1", "session-stale", "ada"))
	require.NoError(t, gw.AddBoardSession(ctx, "board-1", "session-live", "bea"))
	require.NoError(t, gw.SetCheckin(ctx, "session-live", time.Minute))
	// session-stale never checks in, so its key never exists.

	pubsub := gw.PSubscribe(ctx, gateway.PresencePattern())
	defer pubsub.Close()
	msgs := pubsub.Channel()

	r := reaper.New(gw, staticLister{ids: []string{"board-1"}}, nil, 10*time.Millisecond)
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.Run(rctx)

	select {
	case m := <-msgs:
		require.Contains(t, m.Payload, "session-stale")
		require.Contains(t, m.Payload, "UserLeft")
	case <-time.After(2 * time.Second):
		t.Fatal("reaper never published an eviction for the stale session")
	}

	require.Eventually(t, func() bool {
		sessions, err := gw.BoardSessions(ctx, "board-1")
		require.NoError(t, err)
		return len(sessions) == 1 && sessions[0].SessionID == "session-live"
	}, time.Second, 10*time.Millisecond)
}

func TestSweepLeavesLiveSessionsAlone(t *testing.T) {
	t.Parallel()
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, gw.AddBoardSession(ctx, "board-1", "session-live", "ada"))
	require.NoError(t, gw.SetCheckin(ctx, "session-live", time.Minute))

	r := reaper.New(gw, staticLister{ids: []string{"board-1"}}, nil, 10*time.Millisecond)
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.Run(rctx)

	time.Sleep(100 * time.Millisecond)
	sessions, err := gw.BoardSessions(ctx, "board-1")
	require.NoError(t, err)
	require.Equal(t, []gateway.SessionEntry{{SessionID: "session-live", Username: "ada"}}, sessions)
}

func TestSweepAllIgnoresBoardsWithNoSessions(t *testing.T) {
	t.Parallel()
	gw, _ := newTestGateway(t)
	r := reaper.New(gw, staticLister{ids: []string{"board-empty"}}, nil, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(ctx) // several sweeps of an empty board must not panic or error

	sessions, err := gw.BoardSessions(context.Background(), "board-empty")
	require.NoError(t, err)
	require.Empty(t, sessions)
}
