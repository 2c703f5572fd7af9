package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spotwatch"

var (
	reportsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_accepted_total",
		Help:      "Pricing reports merged into a snapshot bucket.",
	})

	reportsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_duplicate_total",
		Help:      "Pricing reports ignored because their dedup key was already seen.",
	})

	reportsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_dropped_total",
		Help:      "Pricing reports dropped by the per-agent rate limit. Per-agent counts are kept by the gate.",
	})

	reportsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_rejected_total",
		Help:      "Pricing reports rejected by validation, partitioned by reason code.",
	}, []string{"reason"})

	snapshotsFinalized = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_finalized_total",
		Help:      "Snapshot buckets sealed as immutable.",
	})

	snapshotCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_cache_lookups_total",
		Help:      "Latest-snapshot cache lookups by result (hit or miss).",
	}, []string{"result"})

	predictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "predictions_total",
		Help:      "Risk predictions by model version and outcome.",
	}, []string{"model_version", "outcome"})

	predictionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "prediction_seconds",
		Help:      "Risk prediction latency in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	monitorTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "monitor_transitions_total",
		Help:      "Monitor state transitions by origin and destination level.",
	}, []string{"from", "to"})

	commandTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_transitions_total",
		Help:      "Command lifecycle transitions by kind and resulting state.",
	}, []string{"kind", "state"})

	commandAckSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_ack_seconds",
		Help:      "Time from dispatch to agent acknowledgement.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	escalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_total",
		Help:      "Operator-visible escalations by cause.",
	}, []string{"cause"})

	agentsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents",
		Help:      "Registered agents by liveness status.",
	}, []string{"status"})
)

// Register attaches spotwatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		reportsAccepted,
		reportsDuplicate,
		reportsDropped,
		reportsRejected,
		snapshotsFinalized,
		snapshotCacheLookups,
		predictions,
		predictionSeconds,
		monitorTransitions,
		commandTransitions,
		commandAckSeconds,
		escalations,
		agentsByStatus,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ReportAccepted counts a merged pricing report.
func ReportAccepted() { reportsAccepted.Inc() }

// ReportDuplicate counts an idempotent resubmission.
func ReportDuplicate() { reportsDuplicate.Inc() }

// ReportDropped counts a rate-limited report.
func ReportDropped() { reportsDropped.Inc() }

// ReportRejected counts a validation failure.
func ReportRejected(reason string) { reportsRejected.WithLabelValues(reason).Inc() }

// SnapshotFinalized counts a sealed bucket.
func SnapshotFinalized() { snapshotsFinalized.Inc() }

// SnapshotCacheLookup records a latest-snapshot cache hit or miss.
func SnapshotCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	snapshotCacheLookups.WithLabelValues(result).Inc()
}

// ObservePrediction records prediction latency and outcome.
func ObservePrediction(modelVersion string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	predictions.WithLabelValues(modelVersion, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	predictionSeconds.Observe(duration.Seconds())
}

// MonitorTransition records a monitor level change.
func MonitorTransition(from, to string) { monitorTransitions.WithLabelValues(from, to).Inc() }

// CommandTransition records a command state change.
func CommandTransition(kind, state string) { commandTransitions.WithLabelValues(kind, state).Inc() }

// ObserveAck records dispatch-to-ack latency.
func ObserveAck(d time.Duration) {
	if d < 0 {
		d = 0
	}
	commandAckSeconds.Observe(d.Seconds())
}

// Escalation counts an operator-visible escalation.
func Escalation(cause string) { escalations.WithLabelValues(cause).Inc() }

// SetAgentCounts replaces the per-status agent gauge.
func SetAgentCounts(counts map[string]int) {
	agentsByStatus.Reset()
	for status, n := range counts {
		agentsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
