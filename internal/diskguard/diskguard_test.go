package diskguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	internalerrors "github.com/akumaburn/crdtstore/internal/errors"
)

func TestDefaultThresholds(t *testing.T) {
	th := DefaultThresholds()
	assert.Equal(t, 80.0, th.Warning)
	assert.Equal(t, 90.0, th.Throttle)
	assert.Equal(t, 95.0, th.CircuitBreak)
}

func TestCheckWriteAllowsSmallWriteUnderAllThresholds(t *testing.T) {
	g := New(t.TempDir(), DefaultThresholds(), time.Hour, nil, nil)
	require.NoError(t, g.CheckWrite(1))

	usage := g.Usage()
	assert.False(t, usage.Throttled)
	assert.False(t, usage.CircuitBroken)
}

func TestCheckWriteRejectsWriteLargerThanAvailable(t *testing.T) {
	g := New(t.TempDir(), DefaultThresholds(), time.Hour, nil, nil)
	usage := g.Usage()
	require.Greater(t, usage.AvailableBytes, uint64(0))

	err := g.CheckWrite(usage.AvailableBytes * 2)
	require.Error(t, err)
	assert.True(t, internalerrors.Is(err, internalerrors.KindIoError))
}

func TestRefreshTripsCircuitBreakerAtThreshold(t *testing.T) {
	g := &Guard{
		path:       t.TempDir(),
		thresholds: Thresholds{Warning: 1, Throttle: 2, CircuitBreak: 3},
		interval:   time.Hour,
		logger:     zap.NewNop(),
	}
	require.NoError(t, g.refresh())

	err := g.CheckWrite(1)
	require.Error(t, err)
	assert.True(t, g.Usage().CircuitBroken)
}
