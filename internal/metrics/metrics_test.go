package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryMetricOnceWithoutPanicking(t *testing.T) {
	require.NotPanics(t, func() { New() })
}

func TestMultipleRegistriesDoNotCollide(t *testing.T) {
	// Each Registry owns its own prometheus.Registry rather than the
	// global DefaultRegisterer, so constructing several in the same
	// process (as repeated test runs do) must never panic on duplicate
	// registration.
	require.NotPanics(t, func() {
		New()
		New()
		New()
	})
}

func TestCountersAndGaugeAreUsable(t *testing.T) {
	m := New()

	m.GateVerdicts.WithLabelValues("pass").Inc()
	m.RuleActivations.WithLabelValues("r1").Inc()
	m.ProxyConnections.WithLabelValues("allowed").Inc()
	m.ProxyApprovals.WithLabelValues("allow_15min").Inc()
	m.ContainerCreated.Inc()
	m.ContainerEvicted.Inc()
	m.ContainersActive.Set(3)

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
