package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				out[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[f.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("simgateway")
	require.NoError(t, m.Register(reg))

	m.RecordBreakerTransition("sim:a", "closed", "open", 2)
	m.RecordBreakerRejection("sim:a")
	m.RecordUpdatesDropped(3)
	m.AddStreamClients(2)
	m.AddStreamClients(-1)

	got := gather(t, reg)
	assert.Equal(t, 2.0, got["trading_simgateway_breaker_state"])
	assert.Equal(t, 1.0, got["trading_simgateway_breaker_transitions_total"])
	assert.Equal(t, 3.0, got["trading_simgateway_stream_updates_dropped_total"])
	assert.Equal(t, 1.0, got["trading_simgateway_stream_clients"])

	assert.Error(t, m.Register(reg), "second registration collides")
}

func TestCodecStatsReadAtScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("simgateway")

	stats := CodecStats{FullMessages: 1, OriginalBytes: 100, TransmittedBytes: 40}
	require.NoError(t, m.RegisterCodecStats(reg, func() CodecStats { return stats }))

	got := gather(t, reg)
	assert.Equal(t, 1.0, got["trading_simgateway_codec_full_messages_total"])
	assert.Equal(t, 40.0, got["trading_simgateway_codec_transmitted_bytes_total"])

	stats.DeltaMessages = 5
	got = gather(t, reg)
	assert.Equal(t, 5.0, got["trading_simgateway_codec_delta_messages_total"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/", "200", 0.1)
		m.RecordUpdateSent("full", 10)
		m.ObserveReaperCycle(1)
	})
}
