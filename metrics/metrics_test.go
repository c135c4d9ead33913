package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, func() float64 { return 3 })

	m.MatchesTotal.WithLabelValues("blocked").Inc()
	m.MatchesTotal.WithLabelValues("blocked").Inc()
	m.EngineRules.Set(42)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MatchesTotal.WithLabelValues("blocked")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.EngineRules))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TrackedContexts))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["filtersync_matches_total"])
	assert.True(t, names["filtersync_tracked_contexts"])
	assert.True(t, names["filtersync_engine_rules"])
}

func TestNewTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, nil)
	assert.Panics(t, func() { New(reg, nil) })
}
