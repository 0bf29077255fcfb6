package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewRegistersEveryMetricOnAPrivateRegistry(t *testing.T) {
	m := New()
	assert.NotNil(t, m.Registry)

	families, err := m.Registry.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCountersIncrementIndependently(t *testing.T) {
	m := New()

	m.EntriesPlaced.Inc()
	m.EntriesPlaced.Inc()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.EntriesPlaced))

	m.EntriesRejected.WithLabelValues("max positions reached").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EntriesRejected.WithLabelValues("max positions reached")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.EntriesRejected.WithLabelValues("price fetch failed")))
}

func TestTrackedPositionsGaugeSetsAbsoluteValue(t *testing.T) {
	m := New()

	m.TrackedPositions.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.TrackedPositions))

	m.TrackedPositions.Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TrackedPositions))
}

func TestTwoInstancesUseIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.EntriesPlaced.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.EntriesPlaced))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.EntriesPlaced))
}
