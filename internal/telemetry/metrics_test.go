package telemetry

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// gathered sums every sample of each metric family by name.
func gathered(t *testing.T, m *Metrics) map[string]float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				out[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[f.GetName()] += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[f.GetName()] += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestMetricsRecordOnOwnedRegistry(t *testing.T) {
	m := NewMetrics()
	m.Step()
	m.Step()
	m.ForcedNoOp()
	m.TrainStep(0.25, true)
	m.EpisodeEnded("truncated", 3.5)

	values := gathered(t, m)
	require.Equal(t, 2.0, values["causalrl_environment_steps_total"])
	require.Equal(t, 1.0, values["causalrl_forced_noop_total"])
	require.Equal(t, 1.0, values["causalrl_target_syncs_total"])
	require.Equal(t, 1.0, values["causalrl_episodes_total"])
	require.Equal(t, 1.0, values["causalrl_train_loss"])
	for name := range values {
		require.True(t, strings.HasPrefix(name, "causalrl_"), name)
	}

	// Separate instances never collide.
	require.NotPanics(t, func() { NewMetrics() })
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Step()
		m.TrainStep(1, false)
		m.EpisodeEnded("done", 1)
		m.Epsilon(0.5)
		m.ForcedNoOp()
		m.IdentifiabilityFallback()
		m.BeliefUpdate()
		m.CheckpointSaved()
	})
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger("debug", "json", &buf).Debug("hello", "k", 1)
	require.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	NewLogger("warn", "text", &buf).Info("dropped")
	require.Empty(t, buf.String())
}
