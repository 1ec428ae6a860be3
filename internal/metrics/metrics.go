package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// LLM call failure categories (bounded set)
	LLMErrorTimeout     = "timeout"
	LLMErrorRateLimit   = "rate_limit"
	LLMErrorCircuitOpen = "circuit_open"
	LLMErrorParse       = "parse"
	LLMErrorTransport   = "transport"
	LLMErrorOther       = "other"

	// Market gateway error categories (bounded set)
	MarketErrorTimeout    = "timeout"
	MarketErrorRateLimit  = "rate_limit"
	MarketErrorNetwork    = "network"
	MarketErrorInvalidReq = "invalid_request"
	MarketErrorServer     = "server_error"
	MarketErrorOther      = "other"
)

// NormalizeLLMError maps arbitrary LLM call failures to a bounded set
func NormalizeLLMError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "circuit"):
		return LLMErrorCircuitOpen
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return LLMErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return LLMErrorRateLimit
	case strings.Contains(errStr, "parse") || strings.Contains(errStr, "json"):
		return LLMErrorParse
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "transport"):
		return LLMErrorTransport
	default:
		return LLMErrorOther
	}
}

// NormalizeMarketError maps arbitrary market gateway errors to a bounded set
func NormalizeMarketError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return MarketErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429") || strings.Contains(errStr, "418"):
		return MarketErrorRateLimit
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return MarketErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return MarketErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return MarketErrorServer
	default:
		return MarketErrorOther
	}
}

// Session Runtime Metrics
var (
	// Active simulation sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentsim_active_sessions",
		Help: "Number of currently running simulation sessions",
	})

	// Sessions started by type (backtest, forward)
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_sessions_started_total",
		Help: "Total number of sessions started by type",
	}, []string{"type"})

	// Sessions finished by terminal state (completed, stopped, failed)
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_sessions_finished_total",
		Help: "Total number of sessions finished by terminal state",
	}, []string{"state"})

	// Session wall-clock duration
	SessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentsim_session_duration_seconds",
		Help:    "Session wall-clock duration in seconds",
		Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
	}, []string{"type"})

	// Candles processed across all sessions
	CandlesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentsim_candles_processed_total",
		Help: "Total number of candles stepped through across all sessions",
	})

	// Decisions by action
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_decisions_total",
		Help: "Total number of agent decisions by action",
	}, []string{"action"})

	// Reviews forced outside the normal cadence
	ForcedReviews = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_forced_reviews_total",
		Help: "Total number of decision reviews forced outside the cadence",
	}, []string{"reason"})

	// Reviews skipped by the low-volatility gate
	SkippedReviews = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentsim_skipped_reviews_total",
		Help: "Total number of decision reviews skipped in calm markets",
	})

	// Trades closed by exit reason
	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_trades_closed_total",
		Help: "Total number of trades closed by exit reason",
	}, []string{"reason"})

	// Positions opened by side
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_positions_opened_total",
		Help: "Total number of positions opened by side",
	}, []string{"side"})
)

// LLM Gateway Metrics
var (
	// LLM requests by model and outcome
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_llm_requests_total",
		Help: "Total number of LLM gateway requests by model and outcome",
	}, []string{"model", "status"})

	// LLM request duration
	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentsim_llm_request_duration_ms",
		Help:    "LLM gateway request duration in milliseconds",
		Buckets: []float64{250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
	}, []string{"model"})

	// LLM tokens consumed
	LLMTokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_llm_tokens_used_total",
		Help: "Total number of tokens consumed by model",
	}, []string{"model"})

	// Decision payloads that failed to parse
	LLMParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentsim_llm_parse_failures_total",
		Help: "Total number of LLM responses that failed decision parsing",
	})

	// Time spent waiting on the process-wide throttle
	LLMThrottleWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentsim_llm_throttle_wait_ms",
		Help:    "Time spent waiting for the process-wide call slot in milliseconds",
		Buckets: []float64{0, 100, 500, 1000, 2500, 5000, 10000, 30000},
	})

	// Council deliberations completed
	CouncilDeliberations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentsim_council_deliberations_total",
		Help: "Total number of council deliberations completed",
	})

	// Council stage failures
	CouncilStageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_council_stage_failures_total",
		Help: "Total number of council member failures by stage",
	}, []string{"stage"})
)

// Stream and System Health Metrics
var (
	// WebSocket connections
	StreamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentsim_stream_connections",
		Help: "Number of currently attached event stream connections",
	})

	// Events emitted by type
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_events_emitted_total",
		Help: "Total number of session events emitted by type",
	}, []string{"type"})

	// Event deliveries dropped because a connection could not keep up
	EventSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentsim_event_send_failures_total",
		Help: "Total number of event deliveries dropped on slow or dead connections",
	})

	// Inbound stream commands by action
	StreamCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_stream_commands_total",
		Help: "Total number of inbound stream commands by action",
	}, []string{"action"})

	// Database connections
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentsim_database_connections_active",
		Help: "Number of active database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentsim_database_connections_idle",
		Help: "Number of idle database connections",
	})

	// Database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentsim_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	// Redis cache hit rate
	RedisCacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentsim_redis_cache_hit_rate",
		Help: "Redis cache hit rate as a ratio (0.0 to 1.0)",
	})

	// Redis operations
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_redis_operations_total",
		Help: "Total number of Redis operations by type",
	}, []string{"operation"})

	// API request duration
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentsim_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})

	// HTTP requests
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	// Errors
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type", "component"})

	// NATS messages
	NATSMessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentsim_nats_messages_published_total",
		Help: "Total number of NATS messages published",
	})

	NATSMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentsim_nats_messages_received_total",
		Help: "Total number of NATS messages received",
	})
)

// Market Data Metrics
var (
	// Market gateway requests by endpoint and status
	MarketRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_market_requests_total",
		Help: "Total number of market gateway requests by endpoint and status",
	}, []string{"endpoint", "status"})

	// Market gateway request duration
	MarketRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentsim_market_request_duration_ms",
		Help:    "Market gateway request duration in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"endpoint"})

	// Candle range cache outcomes
	CandleCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_candle_cache_lookups_total",
		Help: "Total number of persisted candle cache lookups by outcome",
	}, []string{"outcome"})
)

// Notification Metrics
var (
	// Notifications sent by backend and status
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_notifications_sent_total",
		Help: "Total number of push notifications sent by backend and status",
	}, []string{"backend", "status"})
)

// Helper functions for recording metrics

// UpdateActiveSessions sets the active session gauge
func UpdateActiveSessions(count int) {
	ActiveSessions.Set(float64(count))
}

// RecordSessionStart increments the started counter for a session type
func RecordSessionStart(sessionType string) {
	SessionsStarted.WithLabelValues(sessionType).Inc()
}

// RecordSessionFinish records a finished session with its terminal state and duration
func RecordSessionFinish(sessionType, state string, durationSeconds float64) {
	SessionsFinished.WithLabelValues(state).Inc()
	SessionDuration.WithLabelValues(sessionType).Observe(durationSeconds)
}

// RecordDecision increments the decision counter for an action
func RecordDecision(action string) {
	Decisions.WithLabelValues(action).Inc()
}

// RecordForcedReview increments the forced-review counter for a reason
func RecordForcedReview(reason string) {
	ForcedReviews.WithLabelValues(reason).Inc()
}

// RecordTradeClosed increments the closed-trade counter for an exit reason
func RecordTradeClosed(reason string) {
	TradesClosed.WithLabelValues(reason).Inc()
}

// RecordPositionOpened increments the opened-position counter for a side
func RecordPositionOpened(side string) {
	PositionsOpened.WithLabelValues(side).Inc()
}

// RecordLLMRequest records an LLM request with its outcome and duration
func RecordLLMRequest(model, status string, durationMs float64) {
	LLMRequests.WithLabelValues(model, status).Inc()
	LLMRequestDuration.WithLabelValues(model).Observe(durationMs)
}

// RecordLLMTokens adds consumed tokens for a model
func RecordLLMTokens(model string, tokens int) {
	if tokens > 0 {
		LLMTokensUsed.WithLabelValues(model).Add(float64(tokens))
	}
}

// RecordThrottleWait records time spent waiting on the process-wide throttle
func RecordThrottleWait(durationMs float64) {
	LLMThrottleWait.Observe(durationMs)
}

// RecordCouncilStageFailure increments the stage failure counter
func RecordCouncilStageFailure(stage string) {
	CouncilStageFailures.WithLabelValues(stage).Inc()
}

// RecordEvent increments the emitted-event counter for a type
func RecordEvent(eventType string) {
	EventsEmitted.WithLabelValues(eventType).Inc()
}

// RecordStreamCommand increments the inbound command counter for an action
func RecordStreamCommand(action string) {
	StreamCommands.WithLabelValues(action).Inc()
}

// UpdateDatabaseConnections updates database connection gauges
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordDatabaseQuery records a database query duration
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordRedisOperation increments the Redis operation counter
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}

// RecordAPIRequest records an HTTP API request
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError increments the error counter
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}

// RecordMarketRequest records a market gateway request with its outcome
func RecordMarketRequest(endpoint, status string, durationMs float64) {
	MarketRequests.WithLabelValues(endpoint, status).Inc()
	MarketRequestDuration.WithLabelValues(endpoint).Observe(durationMs)
}

// RecordCandleCacheLookup records a persisted candle cache outcome (hit, miss, partial)
func RecordCandleCacheLookup(outcome string) {
	CandleCacheLookups.WithLabelValues(outcome).Inc()
}

// RecordNotification records a push notification send attempt
func RecordNotification(backend, status string) {
	NotificationsSent.WithLabelValues(backend, status).Inc()
}
