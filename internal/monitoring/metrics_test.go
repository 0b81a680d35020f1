package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-sandbox/client/internal/model"
)

func TestNewMetricsPrivateRegistries(t *testing.T) {
	// Two sessions in one process must not collide.
	a := NewMetrics(nil)
	b := NewMetrics(nil)

	a.Recoveries.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Recoveries))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Recoveries))
}

func TestNewMetricsSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Executions.WithLabelValues("success").Inc()
	m.ObserveState(model.StateReady)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
	assert.Equal(t, float64(model.StateReady), testutil.ToFloat64(m.State))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("success")))

	assert.Panics(t, func() { NewMetrics(reg) })
}
