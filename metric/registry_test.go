package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_CoreMetricsRegistered(t *testing.T) {
	registry := NewRegistry()
	require.NotNil(t, registry.CoreMetrics())

	// Core metrics must be gatherable without touching them first
	registry.Metrics.RecordTagBatch("dock-1")
	registry.Metrics.RecordReadersOnline(3)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["tagstream_ingest_tag_batches_received_total"])
	assert.True(t, names["tagstream_readers_online"])
}

func TestRegister_Duplicate(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tagstream",
		Subsystem: "test",
		Name:      "things_total",
	})

	require.NoError(t, registry.Register("processor", "things", counter))
	err := registry.Register("processor", "things", counter)
	require.Error(t, err)
}

func TestUnregister(t *testing.T) {
	registry := NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tagstream",
		Subsystem: "test",
		Name:      "level",
	})

	require.NoError(t, registry.Register("audit", "level", gauge))
	assert.True(t, registry.Unregister("audit", "level"))
	assert.False(t, registry.Unregister("audit", "level"))
}

func TestHandler(t *testing.T) {
	registry := NewRegistry()
	assert.NotNil(t, registry.Handler())
}
