package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultIdentityTimeout = 10 * time.Second
	tokenExchangePath      = "/auth/token"
)

var (
	errMissingIdentityBaseURL  = errors.New("auth: identity base url required")
	errMissingSessionTokenConf = errors.New("auth: session token required")
)

// HTTPIdentityProviderConfig configures the storefront token exchange client.
type HTTPIdentityProviderConfig struct {
	BaseURL      string
	SessionToken string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// HTTPIdentityProvider exchanges a storefront session for short-lived access tokens.
type HTTPIdentityProvider struct {
	client       *resty.Client
	sessionToken string
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// NewHTTPIdentityProvider constructs an identity client for the configured API.
func NewHTTPIdentityProvider(cfg HTTPIdentityProviderConfig) (*HTTPIdentityProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingIdentityBaseURL
	}
	sessionToken := strings.TrimSpace(cfg.SessionToken)
	if sessionToken == "" {
		return nil, errMissingSessionTokenConf
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultIdentityTimeout
	}
	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	client.SetBaseURL(baseURL).SetTimeout(timeout)
	return &HTTPIdentityProvider{client: client, sessionToken: sessionToken}, nil
}

// IssueToken requests a new access token; every failure is reported as ErrAuthUnavailable.
func (p *HTTPIdentityProvider) IssueToken(ctx context.Context) (Credential, error) {
	var payload tokenResponsePayload
	response, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(p.sessionToken).
		SetResult(&payload).
		Post(tokenExchangePath)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if response.IsError() {
		return Credential{}, fmt.Errorf("%w: token exchange returned status %d", ErrAuthUnavailable, response.StatusCode())
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return Credential{}, fmt.Errorf("%w: %v", ErrAuthUnavailable, errEmptyCredential)
	}
	issuedAt := time.Now()
	if payload.IssuedAt > 0 {
		issuedAt = time.Unix(payload.IssuedAt, 0)
	}
	return Credential{Token: payload.AccessToken, IssuedAt: issuedAt}, nil
}
