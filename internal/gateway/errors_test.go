package gateway_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabboard/boardsync/internal/gateway"
)

func TestCancelledContextClassifiesAsTransient(t *testing.T) {
	t.Parallel()
	gw, _ := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.GetVersion(ctx, "board-1")
	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))
}

func TestKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "transient", gateway.KindTransient.String())
	assert.Equal(t, "permanent", gateway.KindPermanent.String())
}
