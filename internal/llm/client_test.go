package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const validDecisionJSON = `{"action": "LONG", "reasoning": "breakout", "size_percentage": 0.5, "leverage": 2}`

func completionBody(content string) string {
	msg, _ := json.Marshal(content)
	return fmt.Sprintf(`{
		"id": "test-123",
		"model": "test-model",
		"choices": [{"message": {"role": "assistant", "content": %s}}],
		"usage": {"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150}
	}`, msg)
}

// newTestClient builds a client with fast retries, a private throttle
// and a private breaker registry so tests do not interfere
func newTestClient(serverURL string, breakers *BreakerRegistry) *Client {
	if breakers == nil {
		breakers = NewBreakerRegistry(BreakerSettings{ConsecutiveFailures: 100})
	}
	return NewClient(ClientConfig{
		BaseURL:        serverURL,
		APIKey:         "test-key",
		Model:          "test-model",
		Mode:           "backtest",
		Strategy:       "test strategy",
		Timeout:        5 * time.Second,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  10 * time.Millisecond,
		Throttle:       NewThrottle(time.Millisecond),
		Breakers:       breakers,
		Logger:         zerolog.Nop(),
	})
}

func TestClient_Complete(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantError  bool
		errCheck   func(*testing.T, error)
	}{
		{
			name:       "Successful response",
			statusCode: http.StatusOK,
			body:       completionBody(validDecisionJSON),
			wantError:  false,
		},
		{
			name:       "Rate limit classified",
			statusCode: http.StatusTooManyRequests,
			body:       `{"error": {"message": "Rate limit exceeded", "type": "rate_limit_error"}}`,
			wantError:  true,
			errCheck: func(t *testing.T, err error) {
				var rateLimit *RateLimitError
				if !errors.As(err, &rateLimit) {
					t.Errorf("Expected RateLimitError, got %v", err)
				}
			},
		},
		{
			name:       "Server error classified",
			statusCode: http.StatusInternalServerError,
			body:       `{"error": {"message": "Internal server error", "type": "server_error"}}`,
			wantError:  true,
			errCheck: func(t *testing.T, err error) {
				var transport *TransportError
				if !errors.As(err, &transport) {
					t.Fatalf("Expected TransportError, got %v", err)
				}
				if transport.StatusCode != http.StatusInternalServerError {
					t.Errorf("Expected status 500, got %d", transport.StatusCode)
				}
			},
		},
		{
			name:       "Error message extracted from body",
			statusCode: http.StatusBadRequest,
			body:       `{"error": {"message": "Invalid request format", "type": "invalid_request_error"}}`,
			wantError:  true,
			errCheck: func(t *testing.T, err error) {
				if !strings.Contains(err.Error(), "Invalid request format") {
					t.Errorf("Expected gateway message in error, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/models" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestClient(server.URL, nil)
			resp, err := client.Complete(context.Background(), ChatRequest{
				Messages: []ChatMessage{{Role: "user", Content: "Test"}},
			})

			if tt.wantError {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if tt.errCheck != nil {
					tt.errCheck(t, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if resp.Content() != validDecisionJSON {
				t.Errorf("Unexpected content: %q", resp.Content())
			}
			if resp.Usage.TotalTokens != 150 {
				t.Errorf("Expected 150 tokens, got %d", resp.Usage.TotalTokens)
			}
		})
	}
}

func TestClient_Complete_SetsRequiredHeaders(t *testing.T) {
	var mu sync.Mutex
	var gotHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		mu.Lock()
		gotHeaders = r.Header.Clone()
		mu.Unlock()
		_, _ = w.Write([]byte(completionBody("{}")))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	_, err := client.Complete(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "Test"}},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := gotHeaders.Get("Authorization"); got != "Bearer test-key" {
		t.Errorf("Expected bearer auth, got %q", got)
	}
	if got := gotHeaders.Get("HTTP-Referer"); got == "" {
		t.Error("Expected referer header")
	}
	if got := gotHeaders.Get("X-Title"); got == "" {
		t.Error("Expected title header")
	}
	if got := gotHeaders.Get("Content-Type"); got != "application/json" {
		t.Errorf("Expected JSON content type, got %q", got)
	}
}

func TestClient_Complete_RetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error": {"message": "overloaded"}}`))
			return
		}
		_, _ = w.Write([]byte(completionBody(validDecisionJSON)))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	resp, err := client.Complete(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "Test"}},
	})
	if err != nil {
		t.Fatalf("Expected success after retry, got %v", err)
	}
	if resp == nil {
		t.Fatal("Expected response")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestClient_Complete_HonorsRetryAfterHint(t *testing.T) {
	var mu sync.Mutex
	var requestTimes []time.Time

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		mu.Lock()
		requestTimes = append(requestTimes, time.Now())
		n := len(requestTimes)
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"message": "slow down"}}`))
			return
		}
		_, _ = w.Write([]byte(completionBody(validDecisionJSON)))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	_, err := client.Complete(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "Test"}},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requestTimes) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(requestTimes))
	}
	gap := requestTimes[1].Sub(requestTimes[0])
	if gap < 900*time.Millisecond {
		t.Errorf("Expected second attempt at least ~1s after the hint, got %s", gap)
	}
}

func TestClient_Complete_CircuitOpenShortCircuits(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "down"}}`))
	}))
	defer server.Close()

	breakers := NewBreakerRegistry(BreakerSettings{ConsecutiveFailures: 1, OpenTimeout: time.Minute})
	client := newTestClient(server.URL, breakers)

	_, err := client.Complete(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "Test"}},
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("Expected CircuitOpenError, got %v", err)
	}

	// the second attempt never reached the server
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("Expected 1 upstream attempt, got %d", attempts)
	}
}

func TestClient_Decide_ParsesDecision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(completionBody(validDecisionJSON)))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	d := client.Decide(context.Background(), DecideInput{
		Equity:  10000,
		Context: DecisionContext{Mode: "backtest", AllowLeverage: true, MaxLeverage: 5},
	})

	if d.Action != ActionLong {
		t.Errorf("Expected LONG, got %s", d.Action)
	}
	if d.Leverage != 2 {
		t.Errorf("Expected leverage 2, got %d", d.Leverage)
	}
}

func TestClient_Decide_RelaxesSchemaOnGarbage(t *testing.T) {
	var mu sync.Mutex
	var formats []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req ChatRequest
		_ = json.Unmarshal(body, &req)

		mu.Lock()
		format := ""
		if req.ResponseFormat != nil {
			format = req.ResponseFormat.Type
		}
		formats = append(formats, format)
		n := len(formats)
		mu.Unlock()

		if n == 1 {
			_, _ = w.Write([]byte(completionBody("the market looks great, no JSON for you")))
			return
		}
		_, _ = w.Write([]byte(completionBody(validDecisionJSON)))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	d := client.Decide(context.Background(), DecideInput{
		Equity:  10000,
		Context: DecisionContext{AllowLeverage: true, MaxLeverage: 5},
	})

	if d.Action != ActionLong {
		t.Errorf("Expected parsed decision after relaxed retry, got %s: %s", d.Action, d.Reasoning)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(formats) != 2 {
		t.Fatalf("Expected 2 completion calls, got %d", len(formats))
	}
	if formats[0] != "json_schema" {
		t.Errorf("Expected strict schema first, got %q", formats[0])
	}
	if formats[1] != "json_object" {
		t.Errorf("Expected relaxed mode second, got %q", formats[1])
	}
}

func TestClient_Decide_RetriesEmptyContentAsJSONObject(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			_, _ = w.Write([]byte(completionBody("")))
			return
		}
		_, _ = w.Write([]byte(completionBody(validDecisionJSON)))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	d := client.Decide(context.Background(), DecideInput{
		Equity:  10000,
		Context: DecisionContext{AllowLeverage: true, MaxLeverage: 5},
	})

	if d.Action != ActionLong {
		t.Errorf("Expected decision after empty-content fallback, got %s: %s", d.Action, d.Reasoning)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("Expected 2 completion calls, got %d", calls)
	}
}

func TestClient_Decide_HoldsWhenCircuitOpen(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "down"}}`))
	}))
	defer server.Close()

	breakers := NewBreakerRegistry(BreakerSettings{ConsecutiveFailures: 1, OpenTimeout: time.Minute})
	client := newTestClient(server.URL, breakers)

	d := client.Decide(context.Background(), DecideInput{Equity: 10000})

	if d.Action != ActionHold {
		t.Fatalf("Expected HOLD, got %s", d.Action)
	}
	if d.Reasoning != "service temporarily unavailable" {
		t.Errorf("Expected circuit-open reasoning, got %q", d.Reasoning)
	}
}

func TestClient_Decide_NeverReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "persistent failure"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, nil)
	d := client.Decide(context.Background(), DecideInput{Equity: 10000})

	if d == nil {
		t.Fatal("Decide must never return nil")
	}
	if d.Action != ActionHold {
		t.Errorf("Expected HOLD fallback, got %s", d.Action)
	}
	if !strings.Contains(d.Reasoning, "decision unavailable") {
		t.Errorf("Expected diagnostic reasoning, got %q", d.Reasoning)
	}
}

func TestParseResetHint(t *testing.T) {
	now := time.Now()

	t.Run("Retry-After header seconds", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", "5")
		got := parseResetHint(h, "")
		want := now.Add(5 * time.Second)
		if got.Before(want.Add(-time.Second)) || got.After(want.Add(time.Second)) {
			t.Errorf("Expected ~%s, got %s", want, got)
		}
	})

	t.Run("Reset header seconds epoch", func(t *testing.T) {
		h := http.Header{}
		epoch := now.Add(10 * time.Second).Unix()
		h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", epoch))
		got := parseResetHint(h, "")
		if got.Unix() != epoch {
			t.Errorf("Expected epoch %d, got %d", epoch, got.Unix())
		}
	})

	t.Run("Reset header milliseconds epoch", func(t *testing.T) {
		h := http.Header{}
		epochMs := now.Add(10 * time.Second).UnixMilli()
		h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", epochMs))
		got := parseResetHint(h, "")
		if got.UnixMilli() != epochMs {
			t.Errorf("Expected epoch ms %d, got %d", epochMs, got.UnixMilli())
		}
	})

	t.Run("Hint embedded in error body", func(t *testing.T) {
		epochMs := now.Add(30 * time.Second).UnixMilli()
		body := fmt.Sprintf(`{"error": {"message": "rate limited", "metadata": {"headers": {"X-RateLimit-Reset": "%d"}}}}`, epochMs)
		got := parseResetHint(http.Header{}, body)
		if got.UnixMilli() != epochMs {
			t.Errorf("Expected epoch ms %d, got %d", epochMs, got.UnixMilli())
		}
	})

	t.Run("No hint", func(t *testing.T) {
		if got := parseResetHint(http.Header{}, "plain error"); !got.IsZero() {
			t.Errorf("Expected zero time, got %s", got)
		}
	})
}
