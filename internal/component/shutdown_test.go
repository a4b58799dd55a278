package component

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutDownAll(t *testing.T) {
	var calls atomic.Int32
	fn := func(context.Context) { calls.Add(1) }

	require.True(t, ShutDownAll(time.Second, fn, fn, fn))
	require.Equal(t, int32(3), calls.Load())
}

func TestShutDownAll_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := func(context.Context) { <-release }

	require.False(t, ShutDownAll(20*time.Millisecond, stuck))
}

func TestGetLedger_Memory(t *testing.T) {
	ledger, closeLedger, err := GetLedger(context.Background(), "memory")
	require.NoError(t, err)
	require.NotNil(t, ledger)
	closeLedger(context.Background())
}

func TestGetEventBus_None(t *testing.T) {
	bus, err := GetEventBus("none")
	require.NoError(t, err)
	require.NoError(t, bus.PublishEvent(context.Background(), "events.job.created.cpu", "j1"))
}
