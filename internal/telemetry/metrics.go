package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "causalrl"

// Metrics groups the training collectors on a registry owned by the caller.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	episodes                 *prometheus.CounterVec
	steps                    prometheus.Counter
	trainSteps               prometheus.Counter
	targetSyncs              prometheus.Counter
	loss                     prometheus.Histogram
	episodeReward            prometheus.Histogram
	epsilon                  prometheus.Gauge
	forcedNoOps              prometheus.Counter
	identifiabilityFallbacks prometheus.Counter
	beliefUpdates            prometheus.Counter
	checkpoints              prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		episodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_total",
			Help:      "Completed episodes by termination kind.",
		}, []string{"end"}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "environment_steps_total",
			Help:      "Environment steps taken.",
		}),
		trainSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_steps_total",
			Help:      "Gradient updates applied to the value network.",
		}),
		targetSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_syncs_total",
			Help:      "Target network synchronizations.",
		}),
		loss: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "train_loss",
			Help:      "Mean squared TD error per train step.",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 10),
		}),
		episodeReward: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "episode_shaped_reward",
			Help:      "Shaped reward accumulated per episode.",
			Buckets:   prometheus.LinearBuckets(-50, 10, 11),
		}),
		epsilon: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exploration_epsilon",
			Help:      "Current exploration rate.",
		}),
		forcedNoOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_noop_total",
			Help:      "Decisions forced to the no-op because no legal action was feasible.",
		}),
		identifiabilityFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identifiability_fallback_total",
			Help:      "Decisions or rewards computed without a causal effect because it was not identifiable.",
		}),
		beliefUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "belief_updates_total",
			Help:      "Belief update windows applied to the probability store.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_saved_total",
			Help:      "Checkpoints persisted.",
		}),
	}
	reg.MustRegister(
		m.episodes, m.steps, m.trainSteps, m.targetSyncs, m.loss, m.episodeReward,
		m.epsilon, m.forcedNoOps, m.identifiabilityFallbacks, m.beliefUpdates, m.checkpoints,
	)
	return m
}

func (m *Metrics) EpisodeEnded(end string, shapedReward float64) {
	if m == nil {
		return
	}
	m.episodes.WithLabelValues(end).Inc()
	m.episodeReward.Observe(shapedReward)
}

func (m *Metrics) Step() {
	if m == nil {
		return
	}
	m.steps.Inc()
}

func (m *Metrics) TrainStep(loss float64, synced bool) {
	if m == nil {
		return
	}
	m.trainSteps.Inc()
	m.loss.Observe(loss)
	if synced {
		m.targetSyncs.Inc()
	}
}

func (m *Metrics) Epsilon(eps float64) {
	if m == nil {
		return
	}
	m.epsilon.Set(eps)
}

func (m *Metrics) ForcedNoOp() {
	if m == nil {
		return
	}
	m.forcedNoOps.Inc()
}

func (m *Metrics) IdentifiabilityFallback() {
	if m == nil {
		return
	}
	m.identifiabilityFallbacks.Inc()
}

func (m *Metrics) BeliefUpdate() {
	if m == nil {
		return
	}
	m.beliefUpdates.Inc()
}

func (m *Metrics) CheckpointSaved() {
	if m == nil {
		return
	}
	m.checkpoints.Inc()
}
