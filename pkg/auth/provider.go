// Package auth obtains and caches bearer tokens for the import API.
//
// Tokens are fetched with the OAuth2 resource-owner password grant. Two
// deployment modes are supported:
//
//   - c4r:    client credentials travel in a Basic auth header (supplied
//     pre-encoded as base64 "client:secret").
//   - engage: the client id is sent as a form field, no Basic auth.
//
// Provider is safe for concurrent use. Concurrent callers that find no valid
// token serialise on one lock, so a cold cache costs a single HTTP exchange.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/bulk-import-client/pkg/logging"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Mode selects how client credentials are presented to the token endpoint.
type Mode string

const (
	ModeC4R    Mode = "c4r"
	ModeEngage Mode = "engage"
)

// DefaultTenantHeader is the header carrying the tenant identifier.
const DefaultTenantHeader = "GK-Passport"

const previewLen = 12

// Config holds provider configuration.
type Config struct {
	Mode     Mode
	TokenURL string
	Username string
	Password string

	// BasicAuth is base64("client:secret"), used in c4r mode.
	BasicAuth string

	// ClientID is sent as a form field in engage mode.
	ClientID string

	// TenantHeader/TenantValue add an extra header to every API request
	// when TenantValue is set.
	TenantHeader string
	TenantValue  string

	// RefreshBuffer: tokens expiring within this window are refreshed.
	RefreshBuffer time.Duration

	// DefaultExpiry applies when the token response omits expires_in.
	DefaultExpiry time.Duration

	// RequestTimeout bounds a single token exchange.
	RequestTimeout time.Duration

	HTTPClient *http.Client

	// Store optionally shares tokens between processes.
	Store Store

	Logger *zerolog.Logger
}

// DefaultConfig returns a config with default timings.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeC4R,
		TenantHeader:   DefaultTenantHeader,
		RefreshBuffer:  50 * time.Minute,
		DefaultExpiry:  time.Hour,
		RequestTimeout: 30 * time.Second,
	}
}

// TokenState is an access token and its absolute expiry.
type TokenState struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	ObtainedAt  time.Time `json:"obtained_at"`
}

// Provider hands out bearer headers, refreshing tokens as needed.
type Provider struct {
	cfg      Config
	oauth    *oauth2.Config
	http     *http.Client
	storeKey string
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	state *TokenState
}

// New creates a Provider.
func New(cfg Config) (*Provider, error) {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.TenantHeader == "" {
		cfg.TenantHeader = def.TenantHeader
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = def.RefreshBuffer
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = def.DefaultExpiry
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	oc := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: cfg.TokenURL}}
	switch cfg.Mode {
	case ModeC4R:
		id, secret, err := decodeBasicAuth(cfg.BasicAuth)
		if err != nil {
			return nil, err
		}
		oc.ClientID = id
		oc.ClientSecret = secret
		oc.Endpoint.AuthStyle = oauth2.AuthStyleInHeader
	case ModeEngage:
		if cfg.ClientID == "" {
			return nil, fmt.Errorf("client id is required in %s mode", ModeEngage)
		}
		oc.ClientID = cfg.ClientID
		oc.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.Mode == ModeC4R {
		// oauth2 query-escapes id and secret; send the configured value.
		tc := *hc
		tc.Transport = &basicAuthTransport{value: strings.TrimSpace(cfg.BasicAuth), base: hc.Transport}
		hc = &tc
	}

	return &Provider{
		cfg:      cfg,
		oauth:    oc,
		http:     hc,
		storeKey: StoreKey(cfg.TokenURL, cfg.Username),
		logger:   logging.Component(cfg.Logger, "auth"),
		now:      time.Now,
	}, nil
}

func decodeBasicAuth(encoded string) (string, string, error) {
	if encoded == "" {
		return "", "", fmt.Errorf("basic auth is required in %s mode", ModeC4R)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", fmt.Errorf("decode basic auth: %w", err)
	}
	id, secret, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("basic auth must encode client:secret")
	}
	return id, secret, nil
}

// basicAuthTransport replaces the Authorization header of token requests
// with a pre-encoded Basic credential.
type basicAuthTransport struct {
	value string
	base  http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Basic "+t.value)
	return base.RoundTrip(r)
}

// AuthHeaders returns the headers every import request needs, refreshing the
// token first when it is missing or close to expiry.
func (p *Provider) AuthHeaders(ctx context.Context) (http.Header, error) {
	st, err := p.Token(ctx)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+st.AccessToken)
	h.Set("Content-Type", "application/json")
	if p.cfg.TenantValue != "" {
		h.Set(p.cfg.TenantHeader, p.cfg.TenantValue)
	}
	return h, nil
}

// Token returns a valid token state.
func (p *Provider) Token(ctx context.Context) (*TokenState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st := p.state; st != nil && !p.needsRefresh(st) {
		TokenLookups.WithLabelValues("memory").Inc()
		return st, nil
	}

	if p.cfg.Store != nil {
		st, err := p.cfg.Store.Load(ctx, p.storeKey)
		switch {
		case err == nil && !p.needsRefresh(st):
			TokenLookups.WithLabelValues("store").Inc()
			p.state = st
			p.logger.Debug().Time("expires_at", st.ExpiresAt).Msg("Token loaded from shared store")
			return st, nil
		case err != nil && !errors.Is(err, ErrTokenMiss):
			p.logger.Warn().Err(err).Msg("Shared token store unavailable")
		}
	}

	TokenLookups.WithLabelValues("exchange").Inc()
	st, err := p.exchange(ctx)
	if err != nil {
		return nil, err
	}
	p.state = st

	if p.cfg.Store != nil {
		if err := p.cfg.Store.Save(ctx, p.storeKey, st); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to share token")
		}
	}
	return st, nil
}

func (p *Provider) needsRefresh(st *TokenState) bool {
	if st == nil || st.AccessToken == "" {
		return true
	}
	return !p.now().Add(p.cfg.RefreshBuffer).Before(st.ExpiresAt)
}

func (p *Provider) exchange(ctx context.Context) (*TokenState, error) {
	start := p.now()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.http)

	tok, err := p.oauth.PasswordCredentialsToken(ctx, p.cfg.Username, p.cfg.Password)
	if err != nil {
		aerr := classifyExchangeError(err)
		Refreshes.WithLabelValues(string(aerr.Kind)).Inc()
		ev := p.logger.Error()
		if aerr.Kind == KindFailed {
			ev = p.logger.Warn()
		}
		ev.Str("error_kind", string(aerr.Kind)).Int("status_code", aerr.StatusCode).
			Str("detail", aerr.Detail).Msg("Token exchange failed")
		return nil, aerr
	}

	now := p.now()
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(p.cfg.DefaultExpiry)
	}

	Refreshes.WithLabelValues("success").Inc()
	p.logger.Info().
		Str("token", logging.Preview(tok.AccessToken, previewLen)).
		Time("expires_at", expiresAt).
		Dur("duration", now.Sub(start)).
		Msg("Token refreshed")

	return &TokenState{AccessToken: tok.AccessToken, ExpiresAt: expiresAt, ObtainedAt: now}, nil
}

// ForceRefresh discards the cached token (memory and shared store) and
// fetches a new one.
func (p *Provider) ForceRefresh(ctx context.Context) (*TokenState, error) {
	p.mu.Lock()
	p.state = nil
	p.mu.Unlock()

	if p.cfg.Store != nil {
		if err := p.cfg.Store.Delete(ctx, p.storeKey); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to drop shared token")
		}
	}
	return p.Token(ctx)
}

// TokenInfo describes the cached token without exposing it.
type TokenInfo struct {
	HasToken        bool          `json:"has_token"`
	TokenPreview    string        `json:"token_preview,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at,omitempty"`
	TimeUntilExpiry time.Duration `json:"time_until_expiry"`
	NeedsRefresh    bool          `json:"needs_refresh"`
	Mode            Mode          `json:"mode"`
}

// Info reports the current token state.
func (p *Provider) Info() TokenInfo {
	p.mu.Lock()
	st := p.state
	p.mu.Unlock()

	info := TokenInfo{Mode: p.cfg.Mode, NeedsRefresh: p.needsRefresh(st)}
	if st == nil {
		return info
	}
	info.HasToken = true
	info.TokenPreview = logging.Preview(st.AccessToken, previewLen)
	info.ExpiresAt = st.ExpiresAt
	if left := st.ExpiresAt.Sub(p.now()); left > 0 {
		info.TimeUntilExpiry = left
	}
	return info
}

// TestResult is the outcome of an authentication self-test.
type TestResult struct {
	Success      bool          `json:"success"`
	TokenPreview string        `json:"token_preview,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	ErrorKind    Kind          `json:"error_kind,omitempty"`
	Message      string        `json:"message"`
}

// Test performs a fresh token exchange without touching the cached token.
func (p *Provider) Test(ctx context.Context) TestResult {
	start := time.Now()
	st, err := p.exchange(ctx)
	res := TestResult{ResponseTime: time.Since(start)}
	if err != nil {
		var aerr *Error
		if errors.As(err, &aerr) {
			res.ErrorKind = aerr.Kind
		}
		res.Message = err.Error()
		return res
	}
	res.Success = true
	res.TokenPreview = logging.Preview(st.AccessToken, previewLen)
	res.ExpiresAt = st.ExpiresAt
	res.Message = fmt.Sprintf("authenticated as %s (%s mode)", p.cfg.Username, p.cfg.Mode)
	return res
}

// StoreKey derives the shared-store key for a token endpoint and user.
// The username is hashed so it never appears in Redis key listings.
func StoreKey(tokenURL, username string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(username))
	return fmt.Sprintf("bulkimport:token:%s:%x", strings.TrimRight(tokenURL, "/"), h.Sum64())
}
