// Package recalc is the HTTP client for the tax calculation backend. It
// resolves operations from the backend's OpenAPI spec by operationId and
// wraps calls in a circuit breaker with bounded retry.
package recalc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stegvis/stegvis/internal/config"
	"github.com/stegvis/stegvis/internal/openapi"
	"github.com/stegvis/stegvis/model"
)

// Variable-context keys the client reads when building a recalculation
// request. They mirror the backend's request contract.
const (
	varCurrentAccounts = "current_accounts"
	varFiscalYear      = "fiscal_year"
	varRRData          = "rr_data"
	varBRData          = "br_data"
	varManualAmounts   = "manual_amounts"

	varUnusedTaxLoss        = "unused_tax_loss"
	varInk416Adjustment     = "ink4_16_underskott_adjustment"
	varPensionTaxAdjustment = "justering_sarskild_loneskatt"
)

// Client invokes calculation operations over HTTP.
type Client struct {
	index    *openapi.Index
	client   *http.Client
	breaker  *CircuitBreaker
	retry    config.RetryConfig
	logger   *zap.Logger
	recorder Recorder
}

// Recorder receives backend invocation counters. Calls happen on the
// request path and must be cheap.
type Recorder interface {
	RecordBackendRequest(operationID, status string, duration time.Duration)
	RecordBackendRetry()
	SetBackendCircuitBreakerState(state float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordBackendRequest(string, string, time.Duration) {}
func (nopRecorder) RecordBackendRetry()                                {}
func (nopRecorder) SetBackendCircuitBreakerState(float64)              {}

// NewClient creates a backend client from configuration. The OpenAPI index
// must already be loaded.
func NewClient(index *openapi.Index, cfg config.BackendConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		index: index,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		breaker: NewCircuitBreaker(
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.SuccessThreshold,
			cfg.CircuitBreaker.Timeout,
		),
		retry:    cfg.Retry,
		logger:   logger,
		recorder: nopRecorder{},
	}
}

// SetRecorder routes invocation counters to the given recorder.
func (c *Client) SetRecorder(r Recorder) {
	if r != nil {
		c.recorder = r
	}
}

// Invoke resolves the operation by operationId, builds the request from
// the variable context, and returns the backend's calculated lines.
func (c *Client) Invoke(
	ctx context.Context,
	operationID string,
	params map[string]string,
	vars map[string]any,
) ([]model.TaxLine, error) {
	op, ok := c.index.GetOperation(operationID)
	if !ok {
		return nil, fmt.Errorf("recalc: operation %q not found in backend spec", operationID)
	}

	var bodyBytes []byte
	if op.Method == http.MethodPost || op.Method == http.MethodPut || op.Method == http.MethodPatch {
		body := buildRequestBody(vars, params)
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("recalc: marshal body: %w", err)
		}
	}

	reqURL := buildRequestURL(op, params)
	return c.executeWithRetry(ctx, operationID, op.Method, reqURL, bodyBytes)
}

// buildRequestBody assembles the backend request from the variable
// context. Special adjustment amounts are injected into manual_amounts
// the way the backend expects: the unused tax loss under its INK4.14a
// field code when positive, the other two under their own names when
// non-zero.
func buildRequestBody(vars map[string]any, params map[string]string) map[string]any {
	manual := make(map[string]any)
	if existing, ok := vars[varManualAmounts].(map[string]any); ok {
		for k, v := range existing {
			manual[k] = v
		}
	}

	if loss := numericVar(vars, varUnusedTaxLoss); loss > 0 {
		manual["INK4.14a"] = loss
	}
	if adj := numericVar(vars, varInk416Adjustment); adj != 0 {
		manual[varInk416Adjustment] = adj
	}
	if adj := numericVar(vars, varPensionTaxAdjustment); adj != 0 {
		manual[varPensionTaxAdjustment] = adj
	}

	body := map[string]any{
		"current_accounts": orEmptyMap(vars[varCurrentAccounts]),
		"rr_data":          orEmptySlice(vars[varRRData]),
		"br_data":          orEmptySlice(vars[varBRData]),
		"manual_amounts":   manual,
	}
	if year, ok := vars[varFiscalYear]; ok {
		body["fiscal_year"] = year
	}
	// Templated operation params ride along as scalar fields.
	for k, v := range params {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	return body
}

// invocationResponse is the backend's response envelope. Calculated rows
// arrive under ink2_data; some operations use rows instead.
type invocationResponse struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Ink2Data []responseLine `json:"ink2_data"`
	Rows     []responseLine `json:"rows"`
}

type responseLine struct {
	VariableName string   `json:"variable_name"`
	VariableText string   `json:"variable_text"`
	Amount       *float64 `json:"amount"`
}

func (c *Client) executeWithRetry(ctx context.Context, operationID, method, reqURL string, bodyBytes []byte) ([]model.TaxLine, error) {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.recorder.RecordBackendRetry()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}

		lines, err := c.executeOnce(ctx, operationID, method, reqURL, bodyBytes)
		if err == nil {
			return lines, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		c.logger.Debug("retrying backend call",
			zap.Int("attempt", attempt+1),
			zap.Int("max", maxAttempts),
			zap.Error(err))
	}
	return nil, lastErr
}

// recordOutcome updates the request counters and the breaker gauge.
func (c *Client) recordOutcome(operationID, status string, start time.Time) {
	c.recorder.RecordBackendRequest(operationID, status, time.Since(start))
	c.recorder.SetBackendCircuitBreakerState(breakerGaugeValue(c.breaker.State()))
}

// breakerGaugeValue maps a breaker state onto the gauge scale
// (0=closed, 1=half-open, 2=open).
func breakerGaugeValue(s BreakerState) float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// retryableError marks failures worth another attempt.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

func (c *Client) executeOnce(ctx context.Context, operationID, method, reqURL string, bodyBytes []byte) ([]model.TaxLine, error) {
	if err := c.breaker.Allow(); err != nil {
		c.recorder.SetBackendCircuitBreakerState(breakerGaugeValue(c.breaker.State()))
		return nil, fmt.Errorf("recalc: %w", err)
	}
	start := time.Now()

	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("recalc: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.recordOutcome(operationID, "error", start)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isConnectionError(err) {
			return nil, &retryableError{fmt.Errorf("recalc: backend unreachable: %w", err)}
		}
		return nil, &retryableError{fmt.Errorf("recalc: request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		c.breaker.RecordFailure()
		c.recordOutcome(operationID, "error", start)
		return nil, fmt.Errorf("recalc: read response: %w", err)
	}
	c.recordOutcome(operationID, strconv.Itoa(resp.StatusCode), start)

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
		c.recorder.SetBackendCircuitBreakerState(breakerGaugeValue(c.breaker.State()))
		return nil, &retryableError{fmt.Errorf("recalc: backend returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		// Client errors are not infrastructure failures; don't trip the
		// breaker and don't retry.
		return nil, fmt.Errorf("recalc: backend rejected request with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	c.breaker.RecordSuccess()

	var parsed invocationResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("recalc: decode response: %w", err)
	}
	if !parsed.Success && parsed.Message != "" {
		return nil, fmt.Errorf("recalc: backend reported failure: %s", parsed.Message)
	}

	raw := parsed.Ink2Data
	if len(raw) == 0 {
		raw = parsed.Rows
	}
	lines := make([]model.TaxLine, 0, len(raw))
	for _, row := range raw {
		if row.VariableName == "" || row.Amount == nil {
			continue
		}
		lines = append(lines, model.TaxLine{
			VariableName: row.VariableName,
			Label:        row.VariableText,
			Amount:       *row.Amount,
		})
	}
	return lines, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	initial := c.retry.BackoffInitial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	multiplier := c.retry.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	ceiling := c.retry.BackoffMax
	if ceiling <= 0 {
		ceiling = 2 * time.Second
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if delay > ceiling {
			return ceiling
		}
	}
	return delay
}

// buildRequestURL substitutes path parameters and appends leftover params
// as the query string for GET operations.
func buildRequestURL(op openapi.IndexedOperation, params map[string]string) string {
	path := op.PathTemplate
	used := make(map[string]bool, len(params))
	for name, value := range params {
		placeholder := "{" + name + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
			used[name] = true
		}
	}

	result := op.BaseURL + path
	if op.Method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			if !used[k] {
				query.Set(k, v)
			}
		}
		if len(query) > 0 {
			result += "?" + query.Encode()
		}
	}
	return result
}

// numericVar coerces a variable to float64, tolerating stored display
// strings with grouping spaces.
func numericVar(vars map[string]any, name string) float64 {
	switch v := vars[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\u00a0', '\u202f':
				return -1
			case ',':
				return '.'
			default:
				return r
			}
		}, strings.TrimSpace(v))
		var parsed float64
		if _, err := fmt.Sscanf(cleaned, "%g", &parsed); err == nil {
			return parsed
		}
		return 0
	default:
		return 0
	}
}

func orEmptyMap(value any) any {
	if value == nil {
		return map[string]any{}
	}
	return value
}

func orEmptySlice(value any) any {
	if value == nil {
		return []any{}
	}
	return value
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// HealthCheck reports the client as unhealthy while the circuit breaker
// is open.
func (c *Client) HealthCheck(_ context.Context) error {
	if state := c.breaker.State(); state == BreakerOpen {
		return fmt.Errorf("recalc: circuit breaker is %s", state)
	}
	return nil
}
