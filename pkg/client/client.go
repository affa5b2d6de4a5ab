// Package client provides the MS Graph HTTP client used to read one page of a
// time-windowed query at a time.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/graph-exporter/pkg/record"
	"github.com/Sternrassler/graph-exporter/pkg/window"
)

// Prometheus metrics for Graph client operations.
var (
	graphRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_requests_total",
		Help: "Total Graph page requests by status",
	}, []string{"status"})

	graphRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_request_duration_seconds",
		Help:    "Graph page request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	graphErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_errors_total",
		Help: "Total Graph request errors by class",
	}, []string{"class"})
)

// maxErrorBody bounds how much of an error response is read for the message.
const maxErrorBody = 64 << 10

// Page is one page of a window query.
type Page struct {
	Records record.Batch

	// NextCursor is the opaque continuation URL; empty on the final page.
	NextCursor string
}

// Last reports whether no further page follows.
func (p Page) Last() bool {
	return p.NextCursor == ""
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the Graph endpoint root, e.g. "https://graph.microsoft.com".
	BaseURL string

	// Version is the API version segment ("v1.0" or "beta").
	Version string

	// Resource is the collection to query, e.g. "auditLogs/signIns".
	Resource string

	// UserID optionally restricts the query to one userPrincipalName.
	UserID string

	// UserAgent is sent with every request.
	UserAgent string

	// HTTPClient performs the requests. It is expected to add credentials
	// (see golang.org/x/oauth2/clientcredentials).
	HTTPClient *http.Client
}

// DefaultConfig returns the configuration for the sign-in log collection.
func DefaultConfig(httpClient *http.Client) Config {
	return Config{
		BaseURL:    "https://graph.microsoft.com",
		Version:    "v1.0",
		Resource:   "auditLogs/signIns",
		UserAgent:  "graph-exporter/1.0",
		HTTPClient: httpClient,
	}
}

// Client queries one page of a windowed collection per call. It never
// retries; callers decide what to do with the classified error.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new Graph client.
func New(cfg Config) (*Client, error) {
	if cfg.HTTPClient == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("api version is required")
	}
	if cfg.Resource == "" {
		return nil, fmt.Errorf("resource is required")
	}

	return &Client{
		httpClient: cfg.HTTPClient,
		config:     cfg,
		logger:     log.With().Str("component", "graph-client").Logger(),
	}, nil
}

// pageResponse is the OData collection envelope.
type pageResponse struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

// errorResponse is the Graph error envelope.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// QueryPage fetches one page of records created inside w. An empty cursor
// requests the first page; otherwise the cursor is requested verbatim.
func (c *Client) QueryPage(ctx context.Context, w window.Window, cursor string, pageSize int) (Page, error) {
	target := cursor
	if target == "" {
		if pageSize <= 0 {
			return Page{}, &Error{Class: ErrorClassFatal, Message: fmt.Sprintf("invalid page size %d", pageSize)}
		}
		target = c.firstPageURL(w, pageSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, &Error{Class: ErrorClassFatal, Message: "create request", Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("client-request-id", requestID)
	req.Header.Set("return-client-request-id", "true")

	c.logger.Debug().
		Str("url", target).
		Str("request_id", requestID).
		Msg("Executing Graph request")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	graphRequestDuration.Observe(time.Since(startTime).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Page{}, fmt.Errorf("query page: %w", ctxErr)
		}
		graphErrorsTotal.WithLabelValues(string(ErrorClassTransient)).Inc()
		graphRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Warn().Err(err).Str("request_id", requestID).Msg("Graph request failed")
		return Page{}, &Error{Class: ErrorClassTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	graphRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if isThrottle(resp) {
		graphErrorsTotal.WithLabelValues(string(ErrorClassThrottled)).Inc()
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Dur("retry_after", retryAfter).
			Str("request_id", requestID).
			Msg("Graph request throttled")
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return Page{}, &RateLimitedError{StatusCode: resp.StatusCode, RetryAfter: retryAfter}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		class := classifyStatus(resp.StatusCode)
		graphErrorsTotal.WithLabelValues(string(class)).Inc()
		message := readErrorMessage(resp)
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Str("request_id", requestID).
			Str("message", message).
			Msg("Graph request error")
		return Page{}, &Error{StatusCode: resp.StatusCode, Class: class, Message: message}
	}

	// A body cut off in transit is a transport failure; only a body that
	// arrived whole and does not parse is fatal.
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Page{}, fmt.Errorf("query page: %w", ctxErr)
		}
		graphErrorsTotal.WithLabelValues(string(ErrorClassTransient)).Inc()
		c.logger.Warn().Err(err).Str("request_id", requestID).Msg("Graph response body interrupted")
		return Page{}, &Error{StatusCode: resp.StatusCode, Class: ErrorClassTransient, Message: "read response", Err: err}
	}

	var body pageResponse
	if err := json.Unmarshal(data, &body); err != nil {
		graphErrorsTotal.WithLabelValues(string(ErrorClassFatal)).Inc()
		return Page{}, &Error{StatusCode: resp.StatusCode, Class: ErrorClassFatal, Message: "decode response", Err: err}
	}
	if body.Value == nil {
		graphErrorsTotal.WithLabelValues(string(ErrorClassFatal)).Inc()
		return Page{}, &Error{StatusCode: resp.StatusCode, Class: ErrorClassFatal, Message: "response has no value collection"}
	}

	records := make(record.Batch, len(body.Value))
	for i, raw := range body.Value {
		records[i] = record.Record(raw)
	}

	c.logger.Debug().
		Int("records", len(records)).
		Bool("last_page", body.NextLink == "").
		Str("request_id", requestID).
		Msg("Graph page received")

	return Page{Records: records, NextCursor: body.NextLink}, nil
}

// readErrorMessage extracts the Graph error message, falling back to the
// status line.
func readErrorMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return resp.Status
	}

	var body errorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		if body.Error.Code != "" {
			return body.Error.Code + ": " + body.Error.Message
		}
		return body.Error.Message
	}
	return strings.TrimSpace(resp.Status)
}
