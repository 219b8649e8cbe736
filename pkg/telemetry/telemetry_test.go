package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentsAreRegistered(t *testing.T) {
	assert.NotNil(t, Metrics.MutationsTotal)
	assert.NotNil(t, Metrics.RejectionsTotal)
	assert.NotNil(t, Metrics.BroadcastsTotal)
	assert.NotNil(t, Metrics.MutationLatencyMs)
	assert.NotNil(t, Metrics.StorageOpLatencyMs)
	assert.NotNil(t, Metrics.ConnectionsActive)
	assert.NotNil(t, Metrics.ReconnectAttempts)
}

func TestRecordingAgainstUninitializedProviderDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Metrics.MutationsTotal.Add(context.Background(), 1)
		RecordStorageOp(context.Background(), "get", time.Now())
	})
}

func TestInitInstallsMeterProviderAndShutsDown(t *testing.T) {
	shutdown, err := Init(context.Background(), "liveframe-test", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	Metrics.MutationsTotal.Add(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, shutdown(ctx))
}
