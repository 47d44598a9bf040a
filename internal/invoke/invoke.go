// Package invoke issues completion calls against the upstream endpoint.
// It owns the retry/backoff policy, the per-attempt timeout, and the
// optional circuit breaker. Each coordinator builds its own Client and
// releases it with Close when the coordinator is done.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/agentloom/agentloom/pkg/models"
)

// maxResponseBytes caps how much of a completion response is read.
const maxResponseBytes = 10 << 20 // 10 MiB

// Caller is the completion surface coordinators depend on. The concrete
// Client talks HTTP; tests substitute fakes.
type Caller interface {
	Complete(ctx context.Context, spec models.AgentSpec, prompt string) (*models.Completion, error)
	Close()
}

// Config describes one Client.
type Config struct {
	Endpoint string
	APIKey   string

	// Timeout bounds each individual attempt (default 30s).
	Timeout time.Duration

	// MaxRetries is the total attempt budget per Complete call. Values
	// below 1 mean a single attempt with no retry.
	MaxRetries int

	// BackoffUnit is the base delay of the exponential ladder: waits of
	// unit, 2*unit, 4*unit, ... separate consecutive attempts.
	// Default 1s.
	BackoffUnit time.Duration

	// BreakerFailures opens a circuit breaker after this many
	// consecutive exhausted Complete calls. 0 disables the breaker.
	BreakerFailures int

	// HTTPClient overrides the default transport when set.
	HTTPClient *http.Client

	// Timer replaces the wall-clock backoff timer. Tests use it to
	// observe the delay ladder without sleeping.
	Timer backoff.Timer
}

// Client performs completion calls with retry and backoff.
type Client struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	retries  int
	unit     time.Duration
	http     *http.Client
	timer    backoff.Timer
	breaker  *gobreaker.CircuitBreaker[*models.Completion]
}

// NewClient builds a Client from cfg, applying defaults for unset fields.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = models.DefaultTimeoutSecs * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		timeout:  cfg.Timeout,
		retries:  cfg.MaxRetries,
		unit:     cfg.BackoffUnit,
		http:     httpClient,
		timer:    cfg.Timer,
	}

	if cfg.BreakerFailures > 0 {
		maxFailures := uint32(cfg.BreakerFailures)
		c.breaker = gobreaker.NewCircuitBreaker[*models.Completion](gobreaker.Settings{
			Name:        "completion",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")
			},
			IsSuccessful: func(err error) bool { return err == nil },
		})
	}
	return c
}

// Complete issues one completion call for spec with the fully resolved
// prompt, retrying failed attempts up to the configured budget. The last
// attempt's failure is returned when the budget is exhausted.
func (c *Client) Complete(ctx context.Context, spec models.AgentSpec, prompt string) (*models.Completion, error) {
	if c.breaker == nil {
		return c.completeWithRetry(ctx, spec, prompt)
	}
	comp, err := c.breaker.Execute(func() (*models.Completion, error) {
		return c.completeWithRetry(ctx, spec, prompt)
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return nil, fmt.Errorf("circuit open: %w", err)
	}
	return comp, err
}

// Close releases the client's idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) completeWithRetry(ctx context.Context, spec models.AgentSpec, prompt string) (*models.Completion, error) {
	attempt := 0
	operation := func() (*models.Completion, error) {
		attempt++
		return c.attempt(ctx, spec, prompt)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Str("agent", spec.Name).
			Msg("Completion call failed, retrying")
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.ladder(), uint64(c.retries-1)), ctx)
	return backoff.RetryNotifyWithTimerAndData(operation, policy, notify, c.timer)
}

// ladder is the deterministic exponential backoff: unit, 2*unit, 4*unit, ...
func (c *Client) ladder() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.unit
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return b
}

func (c *Client) attempt(ctx context.Context, spec models.AgentSpec, prompt string) (*models.Completion, error) {
	body, err := json.Marshal(c.payload(spec, prompt))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("encode request: %w", err))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, bodySnippet(raw))
	}

	var out struct {
		Content  string                 `json:"content"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("malformed completion response: %w", err)
	}

	return &models.Completion{
		Content:  out.Content,
		Metadata: out.Metadata,
		Duration: time.Since(start),
	}, nil
}

// payload builds the request body: the prompt as a user message (after a
// system message when the spec has one) plus the spec's generation
// parameters. Extra parameters merge last and may override the base keys.
func (c *Client) payload(spec models.AgentSpec, prompt string) map[string]interface{} {
	messages := make([]models.ChatMessage, 0, 2)
	if spec.SystemPrompt != "" {
		messages = append(messages, models.ChatMessage{Role: "system", Content: spec.SystemPrompt})
	}
	messages = append(messages, models.ChatMessage{Role: "user", Content: prompt})

	model := spec.Model
	if model == "" {
		model = models.DefaultModel
	}
	temperature := models.DefaultTemperature
	if spec.Temperature != nil {
		temperature = *spec.Temperature
	}
	maxTokens := spec.MaxTokens
	if maxTokens <= 0 {
		maxTokens = models.DefaultMaxTokens
	}

	payload := map[string]interface{}{
		"messages":    messages,
		"model":       model,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}
	for k, v := range spec.ExtraParams {
		payload[k] = v
	}
	return payload
}

func bodySnippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "<empty body>"
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
