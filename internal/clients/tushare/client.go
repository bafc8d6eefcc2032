// Package tushare provides a client for the Tushare Pro API
package tushare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/coolbix/quantgate/internal/common"
)

const (
	DefaultBaseURL   = "http://api.tushare.pro"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 2 // requests per second
)

// Client speaks the Tushare Pro POST envelope: every call is a POST of
// {api_name, token, params, fields} answered by a columnar {fields, items}
// table.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new Tushare client
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// HasToken reports whether the client was built with a non-empty token.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// APIError represents an API error. Code is the Tushare application code
// from the response body, or the negative HTTP status for transport-level
// failures.
type APIError struct {
	Code    int
	Message string
	APIName string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tushare API error: %s (code: %d, api: %s)", e.Message, e.Code, e.APIName)
}

type envelope struct {
	APIName string         `json:"api_name"`
	Token   string         `json:"token"`
	Params  map[string]any `json:"params,omitempty"`
	Fields  string         `json:"fields,omitempty"`
}

type response struct {
	RequestID string `json:"request_id"`
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	Data      *struct {
		Fields []string `json:"fields"`
		Items  [][]any  `json:"items"`
	} `json:"data"`
}

// RowSet is a decoded columnar result with by-name column access.
type RowSet struct {
	Fields []string
	Items  [][]any

	index map[string]int
}

func newRowSet(fields []string, items [][]any) *RowSet {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[f] = i
	}
	return &RowSet{Fields: fields, Items: items, index: idx}
}

// Len returns the row count.
func (r *RowSet) Len() int {
	return len(r.Items)
}

// Str returns the named column of row i as a string, "" when absent or nil.
func (r *RowSet) Str(i int, field string) string {
	v := r.cell(i, field)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Float returns the named column of row i as a float64. Absent, nil, and
// unparsable cells all read as 0.
func (r *RowSet) Float(i int, field string) float64 {
	v := r.cell(i, field)
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func (r *RowSet) cell(i int, field string) any {
	col, ok := r.index[field]
	if !ok || i >= len(r.Items) || col >= len(r.Items[i]) {
		return nil
	}
	return r.Items[i][col]
}

// Call performs one rate-limited envelope request and decodes the columnar
// payload.
func (c *Client) Call(ctx context.Context, apiName string, params map[string]any, fields string) (*RowSet, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(envelope{
		APIName: apiName,
		Token:   c.token,
		Params:  params,
		Fields:  fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug().Str("api", apiName).Msg("tushare API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{
			Code:    -resp.StatusCode,
			Message: string(b),
			APIName: apiName,
		}
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if out.Code != 0 {
		return nil, &APIError{
			Code:    out.Code,
			Message: out.Msg,
			APIName: apiName,
		}
	}

	if out.Data == nil {
		return newRowSet(nil, nil), nil
	}
	return newRowSet(out.Data.Fields, out.Data.Items), nil
}
