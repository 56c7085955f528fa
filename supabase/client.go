// Package supabase talks to a hosted Supabase project: PostgREST for table
// access (as an orm.Database) and GoTrue for authentication.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medatechnology/goutil/medaerror"
	orm "github.com/medatechnology/putralib"
	"github.com/tidwall/gjson"
)

var (
	ErrSupabaseInvalidConfig medaerror.MedaError = medaerror.MedaError{Message: "invalid Supabase configuration"}
	ErrSupabaseRequest       medaerror.MedaError = medaerror.MedaError{Message: "supabase request failed"}
)

// PostgREST and Postgres codes worth classifying.
const (
	CodeUniqueViolation = "23505"
	CodeNoRows          = "PGRST116"
	CodeUndefinedTable  = "42P01"
)

type Config struct {
	URL        string // https://<project>.supabase.co
	APIKey     string // anon or service role key
	HTTPClient *http.Client
	Retry      RetryConfig
	Logger     orm.Logger
}

// RetryConfig controls retries of transient responses.
type RetryConfig struct {
	MaxRetries           int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	Multiplier           float64
	Jitter               float64 // fraction of the backoff, 0.1 = +/-10%
	RetryableStatusCodes []int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      RetryConfig
	logger     orm.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: URL is required", ErrSupabaseInvalidConfig)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: APIKey is required", ErrSupabaseInvalidConfig)
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSupabaseInvalidConfig, err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Retry.Multiplier == 0 && cfg.Retry.InitialBackoff == 0 && len(cfg.Retry.RetryableStatusCodes) == 0 {
		maxRetries := cfg.Retry.MaxRetries
		cfg.Retry = DefaultRetryConfig()
		if maxRetries > 0 {
			cfg.Retry.MaxRetries = maxRetries
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = orm.GetDefaultLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: cfg.HTTPClient,
		retry:      cfg.Retry,
		logger:     cfg.Logger.With(orm.String("dbms", "supabase")),
	}, nil
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Error is a PostgREST or GoTrue error body.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
	Hint       string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("supabase error (status %d", e.StatusCode)
	if e.Code != "" {
		msg += ", code " + e.Code
	}
	msg += ")"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

// Unwrap maps known codes onto the orm sentinels.
func (e *Error) Unwrap() []error {
	switch e.Code {
	case CodeUniqueViolation:
		return []error{orm.ErrUniqueViolation, ErrSupabaseRequest}
	case CodeNoRows:
		return []error{orm.ErrSQLNoRows, ErrSupabaseRequest}
	}
	return []error{ErrSupabaseRequest}
}

// IsUniqueViolation reports a duplicate key rejected by Postgres.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, orm.ErrUniqueViolation)
}

// StatusCode returns the HTTP status of a supabase error, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// parseError reads the error fields PostgREST ({code,message,details,hint})
// and GoTrue ({error,error_description} or {code,msg}) use.
func parseError(resp *Response) *Error {
	e := &Error{StatusCode: resp.StatusCode}
	if !gjson.ValidBytes(resp.Body) {
		e.Message = strings.TrimSpace(string(resp.Body))
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return e
	}
	body := gjson.ParseBytes(resp.Body)
	// GoTrue puts the HTTP status in "code" and the reason in "error_code"
	// or "error".
	for _, key := range []string{"error_code", "code", "error"} {
		if v := body.Get(key); v.Exists() && v.Type == gjson.String && v.String() != "" {
			e.Code = v.String()
			break
		}
	}
	for _, key := range []string{"message", "msg", "error_description", "error"} {
		if v := body.Get(key).String(); v != "" {
			e.Message = v
			break
		}
	}
	e.Details = body.Get("details").String()
	e.Hint = body.Get("hint").String()
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    interface{}
	token   string // user access token, defaults to the API key
	headers map[string]string
}

func (c *Client) setHeaders(req *http.Request, token string) {
	if token == "" {
		token = c.apiKey
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
}

// do sends the request, retrying transient failures, and turns any status
// >= 400 into an *Error.
func (c *Client) do(ctx context.Context, r request) (*Response, error) {
	var payload []byte
	if r.body != nil {
		var err error
		if payload, err = json.Marshal(r.body); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}
	reqURL := c.baseURL + r.path
	if len(r.query) > 0 {
		reqURL += "?" + r.query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.logger.Debug("retrying supabase request",
				orm.String("method", r.method),
				orm.String("path", r.path),
				orm.Int("attempt", attempt),
				orm.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, r.method, reqURL, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		c.setHeaders(req, r.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range r.headers {
			req.Header.Set(k, v)
		}

		resp, err := c.send(req)
		if err != nil {
			lastErr = err
			if isRetryableError(err) {
				continue
			}
			return nil, err
		}
		if resp.StatusCode >= 400 {
			lastErr = parseError(resp)
			if c.isRetryableStatus(resp.StatusCode) {
				continue
			}
			return resp, lastErr
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) send(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	backoff := float64(c.retry.InitialBackoff) * math.Pow(c.retry.Multiplier, float64(attempt-1))
	if backoff > float64(c.retry.MaxBackoff) {
		backoff = float64(c.retry.MaxBackoff)
	}
	if c.retry.Jitter > 0 {
		backoff += backoff * c.retry.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}

func (c *Client) isRetryableStatus(code int) bool {
	for _, retryable := range c.retry.RetryableStatusCodes {
		if code == retryable {
			return true
		}
	}
	return false
}

// Network timeouts are retried; cancellation never is.
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
