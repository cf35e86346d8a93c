// Package testutil provides testing utilities for the bulk import client.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Default paths served by MockAPI.
const (
	TokenPath  = "/oauth/token"
	ImportPath = "/import"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// TokenRequest is a captured token exchange.
type TokenRequest struct {
	Form          map[string]string
	Authorization string
}

// ImportRequest is a captured import call.
type ImportRequest struct {
	Header http.Header
	Body   []byte
}

// MockAPI is a configurable mock token + import server.
type MockAPI struct {
	server *httptest.Server

	mu             sync.RWMutex
	tokenResponses []MockResponse
	importHandler  func(w http.ResponseWriter, r *http.Request, body []byte)
	importSequence []MockResponse

	tokenRequests  []TokenRequest
	importRequests []ImportRequest
	tokenCounter   int
}

// NewMockAPI creates a mock server that issues tokens and accepts every
// import with an empty success body.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc(TokenPath, mock.handleToken)
	mux.HandleFunc(ImportPath, mock.handleImport)
	mock.server = httptest.NewServer(mux)
	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// TokenURL returns the token endpoint URL.
func (m *MockAPI) TokenURL() string {
	return m.server.URL + TokenPath
}

// ImportURL returns the import endpoint URL.
func (m *MockAPI) ImportURL() string {
	return m.server.URL + ImportPath
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetTokenResponses queues token responses. The last one repeats.
func (m *MockAPI) SetTokenResponses(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenResponses = resps
}

// SetImportSequence queues import responses. The last one repeats.
func (m *MockAPI) SetImportSequence(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importSequence = resps
	m.importHandler = nil
}

// SetImportHandler installs a custom import handler receiving the raw body.
func (m *MockAPI) SetImportHandler(h func(w http.ResponseWriter, r *http.Request, body []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importHandler = h
	m.importSequence = nil
}

// TokenRequests returns captured token exchanges.
func (m *MockAPI) TokenRequests() []TokenRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TokenRequest(nil), m.tokenRequests...)
}

// ImportRequests returns captured import calls.
func (m *MockAPI) ImportRequests() []ImportRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ImportRequest(nil), m.importRequests...)
}

// TokenCount returns the number of token exchanges served.
func (m *MockAPI) TokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokenRequests)
}

// ImportCount returns the number of import calls served.
func (m *MockAPI) ImportCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.importRequests)
}

func (m *MockAPI) handleToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	form := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	m.mu.Lock()
	idx := len(m.tokenRequests)
	m.tokenRequests = append(m.tokenRequests, TokenRequest{Form: form, Authorization: r.Header.Get("Authorization")})
	var resp MockResponse
	if n := len(m.tokenResponses); n > 0 {
		resp = m.tokenResponses[min(idx, n-1)]
	} else {
		m.tokenCounter++
		resp = NewTokenResponse(fmt.Sprintf("mock-token-%d", m.tokenCounter), 3600)
	}
	m.mu.Unlock()

	writeMock(w, resp)
}

func (m *MockAPI) handleImport(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	idx := len(m.importRequests)
	m.importRequests = append(m.importRequests, ImportRequest{Header: r.Header.Clone(), Body: body})
	handler := m.importHandler
	seq := m.importSequence
	m.mu.Unlock()

	if handler != nil {
		handler(w, r, body)
		return
	}
	if n := len(seq); n > 0 {
		writeMock(w, seq[min(idx, n-1)])
		return
	}
	writeMock(w, MockResponse{StatusCode: http.StatusOK, Body: `{"data":[]}`})
}

func writeMock(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// NewTokenResponse creates a successful password-grant response. A
// non-positive expiresIn omits the field.
func NewTokenResponse(token string, expiresIn int) MockResponse {
	body := map[string]any{"access_token": token, "token_type": "bearer"}
	if expiresIn > 0 {
		body["expires_in"] = expiresIn
	}
	raw, _ := json.Marshal(body)
	return MockResponse{StatusCode: http.StatusOK, Body: string(raw)}
}

// NewUnauthorizedResponse creates a rejected token exchange.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error":"invalid_grant","error_description":"Bad credentials"}`,
	}
}

// NewServiceUnavailableResponse creates a 503 response.
func NewServiceUnavailableResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `Service Unavailable`,
		Headers:    map[string]string{"Content-Type": "text/plain"},
	}
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusInternalServerError, Body: `{"error":"Internal server error"}`}
}

// ImportResult is one entry of a per-record import response.
type ImportResult struct {
	CustomerID string `json:"customerId,omitempty"`
	Username   string `json:"username,omitempty"`
	Result     string `json:"result"`
	Error      string `json:"error,omitempty"`
}

// NewImportResultResponse creates a 200 response listing per-record results.
func NewImportResultResponse(results ...ImportResult) MockResponse {
	raw, _ := json.Marshal(map[string]any{"data": results})
	return MockResponse{StatusCode: http.StatusOK, Body: string(raw)}
}
