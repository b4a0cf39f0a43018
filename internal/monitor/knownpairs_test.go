package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigfuse/sigfuse/internal/eventlog"
)

func TestKnownPairSet_SeenAndMarkNew(t *testing.T) {
	ctx := context.Background()
	pairs := NewKnownPairSet(eventlog.NewMemoryLog(0))

	seen, err := pairs.Seen(ctx, "binance", "XYZ")
	require.NoError(t, err)
	assert.False(t, seen)

	added, err := pairs.MarkNew(ctx, "binance", "XYZ")
	require.NoError(t, err)
	assert.True(t, added, "first observation is new")

	seen, err = pairs.Seen(ctx, "binance", "XYZ")
	require.NoError(t, err)
	assert.True(t, seen)

	added, err = pairs.MarkNew(ctx, "binance", "XYZ")
	require.NoError(t, err)
	assert.False(t, added, "re-marking is idempotent")

	// Sets are per exchange.
	seen, err = pairs.Seen(ctx, "upbit", "XYZ")
	require.NoError(t, err)
	assert.False(t, seen)
}
