package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/bulk-import-client/internal/testutil"
)

var testBasicAuth = base64.StdEncoding.EncodeToString([]byte("launchpad:s3cret"))

func newTestProvider(t *testing.T, mock *testutil.MockAPI, mutate func(*Config)) *Provider {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TokenURL = mock.TokenURL()
	cfg.Username = "importer"
	cfg.Password = "pw"
	cfg.BasicAuth = testBasicAuth
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name:   "valid c4r",
			config: Config{TokenURL: "http://x/token", Username: "u", Password: "p", BasicAuth: testBasicAuth},
		},
		{
			name:   "valid engage",
			config: Config{Mode: ModeEngage, TokenURL: "http://x/token", Username: "u", Password: "p", ClientID: "cid"},
		},
		{
			name:        "missing token url",
			config:      Config{Username: "u", Password: "p", BasicAuth: testBasicAuth},
			expectError: true,
		},
		{
			name:        "missing password",
			config:      Config{TokenURL: "http://x/token", Username: "u", BasicAuth: testBasicAuth},
			expectError: true,
		},
		{
			name:        "c4r without basic auth",
			config:      Config{TokenURL: "http://x/token", Username: "u", Password: "p"},
			expectError: true,
		},
		{
			name:        "c4r with malformed basic auth",
			config:      Config{TokenURL: "http://x/token", Username: "u", Password: "p", BasicAuth: "%%%"},
			expectError: true,
		},
		{
			name:        "engage without client id",
			config:      Config{Mode: ModeEngage, TokenURL: "http://x/token", Username: "u", Password: "p"},
			expectError: true,
		},
		{
			name:        "unknown mode",
			config:      Config{Mode: "saml", TokenURL: "http://x/token", Username: "u", Password: "p"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if tt.expectError && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestAuthHeaders_C4R(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetTokenResponses(testutil.NewTokenResponse("tok-abc", 3600))

	p := newTestProvider(t, mock, func(c *Config) { c.TenantValue = "tenant-1" })

	h, err := p.AuthHeaders(context.Background())
	if err != nil {
		t.Fatalf("AuthHeaders() error = %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer tok-abc" {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := h.Get(DefaultTenantHeader); got != "tenant-1" {
		t.Errorf("%s = %q", DefaultTenantHeader, got)
	}

	reqs := mock.TokenRequests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 token request, got %d", len(reqs))
	}
	if reqs[0].Authorization != "Basic "+testBasicAuth {
		t.Errorf("token request Authorization = %q", reqs[0].Authorization)
	}
	if reqs[0].Form["grant_type"] != "password" || reqs[0].Form["username"] != "importer" || reqs[0].Form["password"] != "pw" {
		t.Errorf("unexpected form: %v", reqs[0].Form)
	}
	if _, ok := reqs[0].Form["client_id"]; ok {
		t.Error("c4r mode must not send client_id in the form")
	}
}

func TestAuthHeaders_BasicAuthSentVerbatim(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	encoded := base64.StdEncoding.EncodeToString([]byte("launch pad:Nb+Wo/y=1&x%"))
	p := newTestProvider(t, mock, func(c *Config) { c.BasicAuth = encoded })

	if _, err := p.AuthHeaders(context.Background()); err != nil {
		t.Fatalf("AuthHeaders() error = %v", err)
	}
	reqs := mock.TokenRequests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 token request, got %d", len(reqs))
	}
	if reqs[0].Authorization != "Basic "+encoded {
		t.Errorf("token request Authorization = %q, want %q", reqs[0].Authorization, "Basic "+encoded)
	}
}

func TestAuthHeaders_Engage(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	p := newTestProvider(t, mock, func(c *Config) {
		c.Mode = ModeEngage
		c.BasicAuth = ""
		c.ClientID = "engage-client"
	})

	h, err := p.AuthHeaders(context.Background())
	if err != nil {
		t.Fatalf("AuthHeaders() error = %v", err)
	}
	if h.Get(DefaultTenantHeader) != "" {
		t.Error("tenant header must be absent when no value is configured")
	}

	req := mock.TokenRequests()[0]
	if req.Form["client_id"] != "engage-client" {
		t.Errorf("client_id = %q", req.Form["client_id"])
	}
	if req.Authorization != "" {
		t.Errorf("engage mode must not send basic auth, got %q", req.Authorization)
	}
}

func TestToken_Idempotent(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetTokenResponses(testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"access_token":"slow","expires_in":3600}`,
		Delay:      50 * time.Millisecond,
	})

	p := newTestProvider(t, mock, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.AuthHeaders(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("AuthHeaders() error = %v", err)
	}

	if got := mock.TokenCount(); got != 1 {
		t.Errorf("expected exactly 1 token exchange, got %d", got)
	}
}

func TestToken_RefreshBuffer(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	p := newTestProvider(t, mock, nil)
	now := time.Now()
	p.now = func() time.Time { return now }

	first, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	// Still more than the buffer away from expiry.
	now = now.Add(5 * time.Minute)
	second, _ := p.Token(context.Background())
	if second != first {
		t.Error("token should be reused outside the refresh buffer")
	}

	// Inside the 50 minute buffer of a 60 minute token.
	now = now.Add(6 * time.Minute)
	third, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if third == first || third.AccessToken == first.AccessToken {
		t.Error("token should be refreshed inside the refresh buffer")
	}
	if mock.TokenCount() != 2 {
		t.Errorf("expected 2 exchanges, got %d", mock.TokenCount())
	}
}

func TestToken_DefaultExpiry(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetTokenResponses(testutil.NewTokenResponse("no-expiry", 0))

	p := newTestProvider(t, mock, nil)
	st, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	left := time.Until(st.ExpiresAt)
	if left < 59*time.Minute || left > 61*time.Minute {
		t.Errorf("expected ~1h expiry, got %v", left)
	}
}

func TestToken_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		resp     testutil.MockResponse
		wantKind Kind
		sentinel error
	}{
		{"unauthorized", testutil.NewUnauthorizedResponse(), KindFailed, ErrAuthFailed},
		{"service unavailable", testutil.NewServiceUnavailableResponse(), KindServiceDown, ErrAuthServiceDown},
		{"bad gateway", testutil.MockResponse{StatusCode: http.StatusBadGateway, Body: "upstream"}, KindServiceDown, ErrAuthServiceDown},
		{"gateway timeout", testutil.MockResponse{StatusCode: http.StatusGatewayTimeout}, KindServiceDown, ErrAuthServiceDown},
		{"500 mentioning outage", testutil.MockResponse{StatusCode: http.StatusInternalServerError, Body: "Service Unavailable, try later"}, KindServiceDown, ErrAuthServiceDown},
		{"plain 500", testutil.NewServerErrorResponse(), KindFailed, ErrAuthFailed},
		{"missing access token", testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"token_type":"bearer"}`}, KindFailed, ErrAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.SetTokenResponses(tt.resp)

			p := newTestProvider(t, mock, nil)
			_, err := p.AuthHeaders(context.Background())
			if err == nil {
				t.Fatal("Expected error but got nil")
			}

			var aerr *Error
			if !errors.As(err, &aerr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if aerr.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", aerr.Kind, tt.wantKind)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(err, %v) = false", tt.sentinel)
			}
		})
	}
}

func TestToken_Unreachable(t *testing.T) {
	mock := testutil.NewMockAPI()
	url := mock.TokenURL()
	mock.Close()

	p, err := New(Config{TokenURL: url, Username: "u", Password: "p", BasicAuth: testBasicAuth})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = p.AuthHeaders(context.Background())
	if !IsServiceDown(err) {
		t.Errorf("expected service-down error, got %v", err)
	}
}

func TestForceRefreshAndInfo(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	p := newTestProvider(t, mock, nil)

	if info := p.Info(); info.HasToken || !info.NeedsRefresh {
		t.Errorf("fresh provider info = %+v", info)
	}

	first, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	second, err := p.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh() error = %v", err)
	}
	if first.AccessToken == second.AccessToken {
		t.Error("ForceRefresh should obtain a new token")
	}

	info := p.Info()
	if !info.HasToken || info.NeedsRefresh {
		t.Errorf("info after refresh = %+v", info)
	}
	if info.TokenPreview == second.AccessToken {
		t.Error("Info must not expose the full token")
	}
}

func TestProviderTest(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetTokenResponses(
		testutil.NewTokenResponse("eyJhbGciOiJSUzI1NiJ9.long-token", 3600),
		testutil.NewUnauthorizedResponse(),
	)

	p := newTestProvider(t, mock, nil)

	ok := p.Test(context.Background())
	if !ok.Success || ok.TokenPreview != "eyJhbGciOiJS..." {
		t.Errorf("first Test() = %+v", ok)
	}
	if p.Info().HasToken {
		t.Error("Test must not populate the cached token")
	}

	bad := p.Test(context.Background())
	if bad.Success || bad.ErrorKind != KindFailed {
		t.Errorf("second Test() = %+v", bad)
	}
}
