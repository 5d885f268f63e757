package resilience

import "time"

// Topics emitted by the primitives.
const (
	TopicCircuitFailure     = "circuit:failure"
	TopicCircuitStateChange = "circuit:state_change"
	TopicCircuitMonitor     = "circuit:monitor"
	TopicBulkheadMetrics    = "bulkhead:metrics"
	TopicRetryAttempt       = "retry:attempt"
	TopicRetryFailure       = "retry:failure"
	TopicRetryMetrics       = "retry:metrics"
	TopicTimeoutMetrics     = "timeout:metrics"
	TopicLimiterQueued      = "rate_limiter:queued"
	TopicLimiterMetrics     = "rate_limiter:metrics"
)

// CircuitFailure is emitted for every failed call through a breaker.
type CircuitFailure struct {
	Name     string `json:"name"`
	Error    string `json:"error"`
	State    State  `json:"state"`
	Failures int    `json:"failures"`
}

func (CircuitFailure) Kind() string { return TopicCircuitFailure }

// CircuitStateChange is emitted on every breaker transition.
type CircuitStateChange struct {
	Name     string `json:"name"`
	From     State  `json:"from"`
	To       State  `json:"to"`
	Failures int    `json:"failures"`
}

func (CircuitStateChange) Kind() string { return TopicCircuitStateChange }

// CircuitMonitor is periodic breaker telemetry.
type CircuitMonitor struct {
	Name  string       `json:"name"`
	State BreakerState `json:"state"`
}

func (CircuitMonitor) Kind() string { return TopicCircuitMonitor }

// BulkheadMetricsEvent carries a bulkhead metrics snapshot.
type BulkheadMetricsEvent struct {
	Name    string          `json:"name"`
	Metrics BulkheadMetrics `json:"metrics"`
}

func (BulkheadMetricsEvent) Kind() string { return TopicBulkheadMetrics }

// RetryAttempt is emitted before sleeping between attempts.
type RetryAttempt struct {
	Name      string        `json:"name"`
	Attempt   int           `json:"attempt"`
	Error     string        `json:"error"`
	NextDelay time.Duration `json:"next_delay"`
	Metrics   RetryMetrics  `json:"metrics"`
}

func (RetryAttempt) Kind() string { return TopicRetryAttempt }

// RetryFailure is emitted when a retried call gives up.
type RetryFailure struct {
	Name     string       `json:"name"`
	Attempts int          `json:"attempts"`
	Error    string       `json:"error"`
	Metrics  RetryMetrics `json:"metrics"`
}

func (RetryFailure) Kind() string { return TopicRetryFailure }

// RetryMetricsEvent carries a retry metrics snapshot.
type RetryMetricsEvent struct {
	Name    string       `json:"name"`
	Metrics RetryMetrics `json:"metrics"`
}

func (RetryMetricsEvent) Kind() string { return TopicRetryMetrics }

// TimeoutMetricsEvent carries a timeout metrics snapshot.
type TimeoutMetricsEvent struct {
	Name    string         `json:"name"`
	Metrics TimeoutMetrics `json:"metrics"`
}

func (TimeoutMetricsEvent) Kind() string { return TopicTimeoutMetrics }

// LimiterQueued is emitted when a request waits for a token.
type LimiterQueued struct {
	Name        string             `json:"name"`
	QueueLength int                `json:"queue_length"`
	QueuedAt    time.Time          `json:"queued_at"`
	Metrics     RateLimiterMetrics `json:"metrics"`
}

func (LimiterQueued) Kind() string { return TopicLimiterQueued }

// LimiterMetricsEvent carries a rate limiter metrics snapshot.
type LimiterMetricsEvent struct {
	Name    string             `json:"name"`
	Metrics RateLimiterMetrics `json:"metrics"`
}

func (LimiterMetricsEvent) Kind() string { return TopicLimiterMetrics }
