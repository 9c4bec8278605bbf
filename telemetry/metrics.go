package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// ReconnectDelayBuckets for backoff delays in seconds (1s base, 30s cap)
	ReconnectDelayBuckets = []float64{0.5, 1, 2, 4, 8, 16, 30, 60}

	// DispatchBuckets for handler fan-out latency (in-process, synchronous)
	DispatchBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// SessionBuckets for connection session lifetimes in seconds
	SessionBuckets = []float64{1, 10, 60, 300, 900, 3600, 14400, 86400}
)

// Connection Metrics
var (
	// ConnectionState tracks the current connection state (1 for the active state, 0 otherwise)
	ConnectionState GaugeVec = noopGaugeVec{}

	// ConnectionsTotal counts connection opens by kind (initial, resumed)
	ConnectionsTotal CounterVec = noopCounterVec{}

	// ConnectionDropsTotal counts unexpected transport drops
	ConnectionDropsTotal Counter = NoopStat{}

	// ReconnectAttemptsTotal counts reconnect attempts by result (success, failed)
	ReconnectAttemptsTotal CounterVec = noopCounterVec{}

	// ReconnectDelaySeconds measures the backoff delay applied before each retry
	ReconnectDelaySeconds Histogram = NoopStat{}

	// ReconnectExhaustedTotal counts transitions into the failed state
	ReconnectExhaustedTotal Counter = NoopStat{}

	// SessionDurationSeconds measures how long each connected session lasted
	SessionDurationSeconds Histogram = NoopStat{}
)

// Subscription Metrics
var (
	// ActiveTopics tracks the number of distinct subscribed topics
	ActiveTopics Gauge = NoopStat{}

	// ActiveListeners tracks the total number of registered handlers
	ActiveListeners Gauge = NoopStat{}

	// TopicsReplayedTotal counts topics re-registered after a reconnect
	TopicsReplayedTotal Counter = NoopStat{}
)

// Dispatch Metrics
var (
	// FramesTotal counts inbound frames by result (dispatched, malformed, duplicate, unmatched)
	FramesTotal CounterVec = noopCounterVec{}

	// DispatchDurationSeconds measures full fan-out latency per event
	DispatchDurationSeconds Histogram = NoopStat{}

	// HandlerErrorsTotal counts handler panics recovered during dispatch
	HandlerErrorsTotal Counter = NoopStat{}

	// HandlersInvokedTotal counts individual handler invocations
	HandlersInvokedTotal Counter = NoopStat{}
)

// Invalidation Metrics
var (
	// InvalidationsTotal counts cache invalidations by kind (targeted, full) and result (success, failed)
	InvalidationsTotal CounterVec = noopCounterVec{}

	// InvalidationsCoalesced counts invalidations suppressed by the coalescing window
	InvalidationsCoalesced Counter = NoopStat{}

	// IdentityEscalationsTotal counts identity changes escalated to a full invalidation
	IdentityEscalationsTotal Counter = NoopStat{}
)

// Notification Metrics
var (
	// NotificationsPushedTotal counts notifications appended to the buffer
	NotificationsPushedTotal Counter = NoopStat{}

	// NotificationsEvictedTotal counts notifications dropped by the size bound
	NotificationsEvictedTotal Counter = NoopStat{}

	// NotificationsUnread tracks the current unread count
	NotificationsUnread Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Connection Metrics
	ConnectionState = NewGaugeVec(
		"connection_state",
		"Current connection state (1 for the active state)",
		[]string{"state"},
	)
	ConnectionsTotal = NewCounterVec(
		"connections_total",
		"Connection opens by kind",
		[]string{"kind"},
	)
	ConnectionDropsTotal = NewCounter(
		"connection_drops_total",
		"Unexpected transport drops",
	)
	ReconnectAttemptsTotal = NewCounterVec(
		"reconnect_attempts_total",
		"Reconnect attempts by result",
		[]string{"result"},
	)
	ReconnectDelaySeconds = NewHistogramWithBuckets(
		"reconnect_delay_seconds",
		"Backoff delay applied before each retry",
		ReconnectDelayBuckets,
	)
	ReconnectExhaustedTotal = NewCounter(
		"reconnect_exhausted_total",
		"Transitions into the failed state after exhausting retries",
	)
	SessionDurationSeconds = NewHistogramWithBuckets(
		"session_duration_seconds",
		"Connected session lifetime in seconds",
		SessionBuckets,
	)

	// Subscription Metrics
	ActiveTopics = NewGauge(
		"active_topics",
		"Number of distinct subscribed topics",
	)
	ActiveListeners = NewGauge(
		"active_listeners",
		"Total number of registered handlers",
	)
	TopicsReplayedTotal = NewCounter(
		"topics_replayed_total",
		"Topics re-registered after a reconnect",
	)

	// Dispatch Metrics
	FramesTotal = NewCounterVec(
		"frames_total",
		"Inbound frames by result",
		[]string{"result"},
	)
	DispatchDurationSeconds = NewHistogramWithBuckets(
		"dispatch_duration_seconds",
		"Full fan-out latency per event",
		DispatchBuckets,
	)
	HandlerErrorsTotal = NewCounter(
		"handler_errors_total",
		"Handler panics recovered during dispatch",
	)
	HandlersInvokedTotal = NewCounter(
		"handlers_invoked_total",
		"Individual handler invocations",
	)

	// Invalidation Metrics
	InvalidationsTotal = NewCounterVec(
		"invalidations_total",
		"Cache invalidations by kind and result",
		[]string{"kind", "result"},
	)
	InvalidationsCoalesced = NewCounter(
		"invalidations_coalesced_total",
		"Invalidations suppressed by the coalescing window",
	)
	IdentityEscalationsTotal = NewCounter(
		"identity_escalations_total",
		"Identity changes escalated to a full invalidation",
	)

	// Notification Metrics
	NotificationsPushedTotal = NewCounter(
		"notifications_pushed_total",
		"Notifications appended to the buffer",
	)
	NotificationsEvictedTotal = NewCounter(
		"notifications_evicted_total",
		"Notifications dropped by the size bound",
	)
	NotificationsUnread = NewGauge(
		"notifications_unread",
		"Current unread notification count",
	)
}
