package observability

import "github.com/prometheus/client_golang/prometheus"

// Component labels attached to every per-primitive metric below.
const (
	ComponentStatus    = "status"
	ComponentStream    = "stream"
	ComponentJobQueue  = "jobqueue"
	ComponentRPCServer = "rpcserver"
	ComponentRPCClient = "rpcclient"
	ComponentDiscovery = "discovery"
)

var (
	// OperationsTotal counts every finished retried operation by component,
	// operation name, and outcome (ok, fatal, exhausted).
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_operations_total",
			Help: "Total coordination operations by component, operation, and outcome",
		},
		[]string{"component", "operation", "outcome"},
	)
	// OperationDuration records end-to-end operation latency, including any
	// retries the harness performed before returning.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kb_operation_duration_seconds",
			Help:    "Coordination operation duration in seconds, including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 8},
		},
		[]string{"component", "operation"},
	)
	// RetriesTotal counts individual retry attempts, one increment per
	// transient failure the harness absorbs.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_retries_total",
			Help: "Total retry attempts performed by the retry harness",
		},
		[]string{"component", "operation", "backoff_kind"},
	)
	// RetriesExhaustedTotal counts operations that gave up after exhausting
	// their configured max_retries.
	RetriesExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_retries_exhausted_total",
			Help: "Total operations that exhausted their retry budget",
		},
		[]string{"component", "operation"},
	)
	// PoolSlotsAvailable is a point-in-time gauge of free/empty slots, sampled
	// after CountFree/CountEmptyJobs-style calls. Callers set it explicitly;
	// nothing here polls the database on its own.
	PoolSlotsAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kb_pool_slots_available",
			Help: "Free or empty slots last observed in a pre-allocated pool",
		},
		[]string{"component", "path"},
	)
)

// InitMetrics registers every metric above with the default registry. Call
// once during process startup, before any component records a value.
func InitMetrics() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(RetriesExhaustedTotal)
	prometheus.MustRegister(PoolSlotsAvailable)
}

// ObserveOperation records one completed operation's outcome and latency.
func ObserveOperation(component, operation, outcome string, seconds float64) {
	OperationsTotal.WithLabelValues(component, operation, outcome).Inc()
	OperationDuration.WithLabelValues(component, operation).Observe(seconds)
}

// ObserveRetry records a single retry attempt for an operation.
func ObserveRetry(component, operation, backoffKind string) {
	RetriesTotal.WithLabelValues(component, operation, backoffKind).Inc()
}

// ObserveRetriesExhausted records an operation giving up after its last retry.
func ObserveRetriesExhausted(component, operation string) {
	RetriesExhaustedTotal.WithLabelValues(component, operation).Inc()
}

// SetPoolSlotsAvailable records the last-known free/empty slot count for a
// pool path.
func SetPoolSlotsAvailable(component, path string, count float64) {
	PoolSlotsAvailable.WithLabelValues(component, path).Set(count)
}
