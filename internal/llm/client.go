package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/quantfold/agentsim/internal/metrics"
)

// Decider is the decision contract the session runtime consumes. Decide
// never fails: unrecoverable errors come back as a HOLD whose reasoning
// says what went wrong.
type Decider interface {
	Decide(ctx context.Context, in DecideInput) *Decision
}

// Client talks to an OpenAI-compatible gateway for one model
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	referer     string
	title       string
	temperature float64
	maxTokens   int
	timeout     time.Duration

	maxRetries     int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	httpClient *http.Client
	throttle   *Throttle
	breakers   *BreakerRegistry
	log        zerolog.Logger

	budgetOnce sync.Once
	budget     int

	systemPrompt string
}

// ClientConfig contains configuration for the decision client
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Referer string
	Title   string

	// Mode and Strategy shape the system prompt
	Mode     string
	Strategy string

	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// nil selects the process-wide instances
	Throttle   *Throttle
	Breakers   *BreakerRegistry
	HTTPClient *http.Client

	Logger zerolog.Logger
}

// NewClient creates a new decision client
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "openai/gpt-4o-mini"
	}
	if cfg.Referer == "" {
		cfg.Referer = "https://quantfold.dev"
	}
	if cfg.Title == "" {
		cfg.Title = "agentsim"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.Throttle == nil {
		cfg.Throttle = globalThrottle
	}
	if cfg.Breakers == nil {
		cfg.Breakers = globalBreakers
	}
	if cfg.HTTPClient == nil {
		// per-attempt deadlines come from the request context
		cfg.HTTPClient = &http.Client{}
	}

	return &Client{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		referer:        cfg.Referer,
		title:          cfg.Title,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
		httpClient:     cfg.HTTPClient,
		throttle:       cfg.Throttle,
		breakers:       cfg.Breakers,
		log:            cfg.Logger.With().Str("component", "llm").Str("model", cfg.Model).Logger(),
		systemPrompt:   BuildSystemPrompt(cfg.Mode, cfg.Strategy),
	}
}

// Model returns the model this client calls
func (c *Client) Model() string {
	return c.model
}

// TokenBudget resolves the completion budget, probing the gateway once
func (c *Client) TokenBudget() int {
	c.budgetOnce.Do(func() {
		c.budget = c.probeTokenBudget()
	})
	return c.budget
}

// Complete sends one chat completion request through the resilience
// stack: the process-wide throttle gates each attempt start, each
// attempt is timeout-bounded inside the model's circuit breaker, and
// transport, timeout, and rate-limit failures are retried with
// exponential jittered backoff that honors upstream reset hints.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.TokenBudget()
	}

	breaker := c.breakers.Get(req.Model)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleepBeforeRetry(ctx, attempt, lastErr); err != nil {
				return nil, err
			}
		}

		if err := c.throttle.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		result, err := breaker.Execute(func() (interface{}, error) {
			return c.doAttempt(ctx, req)
		})
		durationMs := float64(time.Since(start).Milliseconds())

		if err == nil {
			resp := result.(*ChatResponse)
			c.breakers.RecordResult(req.Model, true)
			metrics.RecordLLMRequest(req.Model, "success", durationMs)
			metrics.RecordLLMTokens(req.Model, resp.Usage.TotalTokens)
			return resp, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordLLMRequest(req.Model, metrics.LLMErrorCircuitOpen, durationMs)
			return nil, &CircuitOpenError{Service: req.Model}
		}

		c.breakers.RecordResult(req.Model, false)
		metrics.RecordLLMRequest(req.Model, metrics.NormalizeLLMError(err), durationMs)
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}

		c.log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", c.maxRetries).
			Msg("LLM request failed")
	}

	return nil, fmt.Errorf("llm request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// doAttempt performs a single timeout-bounded HTTP call
func (c *Client) doAttempt(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Elapsed: time.Since(start)}
		}
		return nil, &TransportError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Elapsed: time.Since(start)}
		}
		return nil, &TransportError{Message: "failed to read response: " + err.Error()}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			Message: errorMessage(respBody),
			ResetAt: parseResetHint(resp.Header, string(respBody)),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, &TransportError{Message: "invalid response body: " + err.Error()}
	}

	c.log.Debug().
		Str("model", chatResp.Model).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("LLM request completed")

	return &chatResp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}

// sleepBeforeRetry waits out the backoff, or the upstream reset hint
// when the last failure carried one and it is later
func (c *Client) sleepBeforeRetry(ctx context.Context, attempt int, lastErr error) error {
	delay := c.retryBaseDelay << (attempt - 1)
	if delay > c.retryMaxDelay {
		delay = c.retryMaxDelay
	}
	// jitter up to half the delay
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))

	var rateLimit *RateLimitError
	if errors.As(lastErr, &rateLimit) && !rateLimit.ResetAt.IsZero() {
		if until := time.Until(rateLimit.ResetAt); until > delay {
			delay = until
		}
	}

	c.log.Debug().Dur("backoff", delay).Int("attempt", attempt).Msg("Backing off before retry")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// errorMessage pulls the gateway's error message out of a response body
func errorMessage(body []byte) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return snippet(string(body))
}

var (
	resetHeaderRe = regexp.MustCompile(`X-RateLimit-Reset"?\s*[:=]\s*"?(\d+)`)
	retryAfterRe  = regexp.MustCompile(`Retry-After"?\s*[:=]\s*"?(\d+)`)
)

// parseResetHint extracts the moment the rate limit lifts. Retry-After is
// relative seconds; X-RateLimit-Reset is an epoch in seconds or
// milliseconds, told apart by magnitude. Hints may arrive as response
// headers or embedded in the error body text.
func parseResetHint(headers http.Header, body string) time.Time {
	if ra := headers.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseInt(ra, 10, 64); err == nil && secs > 0 {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	if reset := headers.Get("X-RateLimit-Reset"); reset != "" {
		if t := epochFromMagnitude(reset); !t.IsZero() {
			return t
		}
	}
	if m := resetHeaderRe.FindStringSubmatch(body); len(m) == 2 {
		if t := epochFromMagnitude(m[1]); !t.IsZero() {
			return t
		}
	}
	if m := retryAfterRe.FindStringSubmatch(body); len(m) == 2 {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil && secs > 0 {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return time.Time{}
}

// epochFromMagnitude reads an epoch value that may be seconds or
// milliseconds; values at millisecond scale are 13 digits
func epochFromMagnitude(s string) time.Time {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}

// Decide asks the model for a decision over the snapshot. It never
// returns an error: an open circuit, exhausted retries, or an
// unparseable response all come back as a HOLD carrying a diagnostic
// reasoning string.
func (c *Client) Decide(ctx context.Context, in DecideInput) *Decision {
	messages := []ChatMessage{
		{Role: "system", Content: c.systemPrompt},
		{Role: "user", Content: BuildUserPrompt(in)},
	}

	req := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.TokenBudget(),
		ResponseFormat: &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   "trading_decision",
				Strict: true,
				Schema: decisionSchema,
			},
		},
	}

	content, err := c.completeForContent(ctx, req)
	if err != nil {
		return c.holdOnError(err)
	}

	decision, err := ParseDecision(content, in.Context)
	if err == nil {
		return decision
	}

	// one relaxed re-ask before giving up on this candle
	metrics.LLMParseFailures.Inc()
	c.log.Warn().Err(err).Msg("Decision parse failed, re-asking in json_object mode")

	req.ResponseFormat = &ResponseFormat{Type: "json_object"}
	content, err = c.completeForContent(ctx, req)
	if err != nil {
		return c.holdOnError(err)
	}

	decision, err = ParseDecision(content, in.Context)
	if err != nil {
		metrics.LLMParseFailures.Inc()
		c.log.Error().Err(err).Msg("Decision unusable after relaxed retry")
		return HoldDecision(fmt.Sprintf("decision unavailable: %v", err))
	}
	return decision
}

// completeForContent runs Complete and unwraps non-empty content,
// falling back from strict schema mode to plain json_object when the
// gateway returns an empty or filtered choice.
func (c *Client) completeForContent(ctx context.Context, req ChatRequest) (string, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	content := resp.Content()
	if content != "" {
		return content, nil
	}

	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_schema" {
		c.log.Warn().Msg("Empty response in strict schema mode, retrying as json_object")
		req.ResponseFormat = &ResponseFormat{Type: "json_object"}
		resp, err = c.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		if content = resp.Content(); content != "" {
			return content, nil
		}
	}

	return "", &TransportError{Message: "empty completion content"}
}

// holdOnError maps a terminal Complete error to the HOLD contract
func (c *Client) holdOnError(err error) *Decision {
	var open *CircuitOpenError
	if errors.As(err, &open) {
		c.log.Warn().Str("service", open.Service).Msg("Circuit open, holding")
		return HoldDecision("service temporarily unavailable")
	}
	c.log.Error().Err(err).Msg("Decision call failed, holding")
	return HoldDecision(fmt.Sprintf("decision unavailable: %v", err))
}

// Embed requests an embedding for the given text. Best-effort: callers
// treat an error as "skip the embedding", never as a decision failure.
func (c *Client) Embed(ctx context.Context, model, input string) ([]float32, error) {
	if model == "" {
		return nil, fmt.Errorf("embedding model not configured")
	}

	body, err := json.Marshal(EmbeddingRequest{Model: model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Message: "failed to read embedding response: " + err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	var embResp EmbeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, &TransportError{Message: "invalid embedding response: " + err.Error()}
	}
	if len(embResp.Data) == 0 {
		return nil, &TransportError{Message: "empty embedding response"}
	}

	return embResp.Data[0].Embedding, nil
}

// Ensure Client satisfies the decision contract
var _ Decider = (*Client)(nil)
