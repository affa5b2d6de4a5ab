// Package testutil provides testing utilities for the Graph exporter.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SignInsPath is the collection path served by MockGraph.
const SignInsPath = "/v1.0/auditLogs/signIns"

// MockGraphResponse defines a scripted response returned instead of a page.
type MockGraphResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

type mockRecord struct {
	created time.Time
	raw     json.RawMessage
}

// MockGraph is an in-process Graph API serving a fixed set of sign-in
// records. It honours $top, the createdDateTime window in $filter and hands
// out @odata.nextLink cursors. Scripted responses are served first, in order.
type MockGraph struct {
	server *httptest.Server

	mu       sync.RWMutex
	records  []mockRecord
	scripted []MockGraphResponse

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
	Queries           []url.Values
}

// NewMockGraph creates a new mock Graph server.
func NewMockGraph() *MockGraph {
	mock := &MockGraph{}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockGraph) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGraph) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockGraph) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastRequestHeader = nil
	m.Queries = nil
}

// AddSignIns adds one record per timestamp, with sequential ids.
func (m *MockGraph) AddSignIns(created ...time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ts := range created {
		id := len(m.records)
		raw := fmt.Sprintf(`{"id":"%d","createdDateTime":"%s","userPrincipalName":"user%d@example.com","ipAddress":"10.0.0.%d"}`,
			id, ts.UTC().Format(time.RFC3339Nano), id, id%250)
		m.records = append(m.records, mockRecord{created: ts, raw: json.RawMessage(raw)})
	}
}

// Enqueue schedules responses to be served before any page.
func (m *MockGraph) Enqueue(responses ...MockGraphResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = append(m.scripted, responses...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockGraph) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

func (m *MockGraph) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()
	query := r.URL.Query()
	m.Queries = append(m.Queries, query)

	var scripted *MockGraphResponse
	if len(m.scripted) > 0 {
		next := m.scripted[0]
		m.scripted = m.scripted[1:]
		scripted = &next
	}
	m.mu.Unlock()

	if scripted != nil {
		writeScripted(w, *scripted)
		return
	}

	if r.URL.Path != SignInsPath {
		writeError(w, http.StatusNotFound, "Request_ResourceNotFound", "unknown resource "+r.URL.Path)
		return
	}

	top, err := strconv.Atoi(query.Get("$top"))
	if err != nil || top <= 0 {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid $top")
		return
	}
	start, end, err := parseWindowFilter(query.Get("$filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	skip, _ := strconv.Atoi(query.Get("$skiptoken"))

	m.mu.RLock()
	var matched []json.RawMessage
	for _, rec := range m.records {
		if !rec.created.Before(start) && rec.created.Before(end) {
			matched = append(matched, rec.raw)
		}
	}
	m.mu.RUnlock()

	if skip > len(matched) {
		skip = len(matched)
	}
	limit := skip + top
	if limit > len(matched) {
		limit = len(matched)
	}

	body := map[string]any{
		"@odata.context": m.server.URL + "/v1.0/$metadata#auditLogs/signIns",
		"value":          append([]json.RawMessage{}, matched[skip:limit]...),
	}
	if limit < len(matched) {
		next := url.Values{}
		next.Set("$top", strconv.Itoa(top))
		next.Set("$filter", query.Get("$filter"))
		next.Set("$skiptoken", strconv.Itoa(limit))
		body["@odata.nextLink"] = m.server.URL + SignInsPath + "?" + next.Encode()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// parseWindowFilter reads "createdDateTime ge X and createdDateTime lt Y",
// ignoring any further clauses.
func parseWindowFilter(filter string) (time.Time, time.Time, error) {
	fields := strings.Fields(filter)
	if len(fields) < 7 || fields[1] != "ge" || fields[5] != "lt" {
		return time.Time{}, time.Time{}, fmt.Errorf("unsupported filter %q", filter)
	}
	start, err := time.Parse(time.RFC3339Nano, fields[2])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse start: %w", err)
	}
	end, err := time.Parse(time.RFC3339Nano, fields[6])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse end: %w", err)
	}
	return start, end, nil
}

func writeScripted(w http.ResponseWriter, resp MockGraphResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// NewThrottledResponse creates a 429 Too Many Requests response.
func NewThrottledResponse(retryAfter string) MockGraphResponse {
	headers := map[string]string{"Content-Type": "application/json; charset=utf-8"}
	if retryAfter != "" {
		headers["Retry-After"] = retryAfter
	}
	return MockGraphResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":{"code":"TooManyRequests","message":"Too many requests"}}`,
		Headers:    headers,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockGraphResponse {
	return MockGraphResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":{"code":"InternalServerError","message":"Internal server error"}}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewForbiddenResponse creates a 403 Forbidden response.
func NewForbiddenResponse() MockGraphResponse {
	return MockGraphResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"error":{"code":"Authorization_RequestDenied","message":"Insufficient privileges"}}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
