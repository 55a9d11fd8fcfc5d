package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCredentialTTL = 10 * time.Minute
	credentialFlightKey  = "credential"
)

var (
	// ErrAuthUnavailable indicates the identity provider could not issue a credential.
	ErrAuthUnavailable = errors.New("auth: credential unavailable")

	errMissingIdentityProvider = errors.New("auth: identity provider required")
	errEmptyCredential         = errors.New("identity provider returned an empty token")
)

// Credential is a short-lived proof of identity for REST calls and the push transport.
type Credential struct {
	Token    string
	IssuedAt time.Time
}

// Age reports how long ago the credential was issued.
func (c Credential) Age(now time.Time) time.Duration {
	return now.Sub(c.IssuedAt)
}

// IdentityProvider issues fresh credentials for the signed-in user.
type IdentityProvider interface {
	IssueToken(ctx context.Context) (Credential, error)
}

// CredentialCacheConfig configures a per-tab credential cache.
type CredentialCacheConfig struct {
	Provider IdentityProvider

	// TTL must stay below the server-side expiry of the issued token.
	TTL time.Duration

	// Initial, when it carries a token, is served until it ages out.
	Initial Credential

	Clock  func() time.Time
	Logger *zap.Logger
}

// CredentialCache memoizes one credential and coalesces concurrent refreshes.
type CredentialCache struct {
	provider IdentityProvider
	ttl      time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	mu         sync.Mutex
	cached     *Credential
	generation uint64
	flights    singleflight.Group
}

// NewCredentialCache constructs a cache around the identity provider.
func NewCredentialCache(cfg CredentialCacheConfig) (*CredentialCache, error) {
	if cfg.Provider == nil {
		return nil, errMissingIdentityProvider
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCredentialTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := &CredentialCache{
		provider: cfg.Provider,
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
	}
	if strings.TrimSpace(cfg.Initial.Token) != "" {
		initial := cfg.Initial
		initial.IssuedAt = cache.issuedAt(initial.IssuedAt)
		cache.cached = &initial
	}
	return cache, nil
}

// Get returns the cached credential while it is younger than the TTL and issues a new one otherwise.
func (c *CredentialCache) Get(ctx context.Context) (Credential, error) {
	if credential, ok := c.current(); ok {
		return credential, nil
	}
	return c.issue(ctx)
}

// Refresh discards the cached credential and issues a new one.
func (c *CredentialCache) Refresh(ctx context.Context) (Credential, error) {
	c.Invalidate()
	return c.issue(ctx)
}

// Invalidate drops the cached credential; an in-flight issue started earlier will not repopulate it.
func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.generation++
	c.mu.Unlock()
}

func (c *CredentialCache) current() (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil {
		return Credential{}, false
	}
	if c.cached.Age(c.clock()) >= c.ttl {
		return Credential{}, false
	}
	return *c.cached, true
}

func (c *CredentialCache) issue(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()

	flightCtx := context.WithoutCancel(ctx)
	resultCh := c.flights.DoChan(credentialFlightKey, func() (interface{}, error) {
		// A flight that finished between our cache miss and this call already stored a fresh credential.
		if cached, ok := c.current(); ok {
			return cached, nil
		}
		credential, err := c.provider.IssueToken(flightCtx)
		if err != nil {
			return Credential{}, err
		}
		if strings.TrimSpace(credential.Token) == "" {
			return Credential{}, errEmptyCredential
		}
		credential.IssuedAt = c.issuedAt(credential.IssuedAt)

		c.mu.Lock()
		if c.generation == generation {
			stored := credential
			c.cached = &stored
		}
		c.mu.Unlock()
		return credential, nil
	})

	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case result := <-resultCh:
		if result.Err != nil {
			c.logger.Warn("credential issue failed", zap.Error(result.Err), zap.Bool("shared", result.Shared))
			if errors.Is(result.Err, ErrAuthUnavailable) {
				return Credential{}, result.Err
			}
			return Credential{}, fmt.Errorf("%w: %v", ErrAuthUnavailable, result.Err)
		}
		credential, _ := result.Val.(Credential)
		return credential, nil
	}
}

// issuedAt keeps a provider-reported issue time when it lies within the last TTL
// and falls back to the local clock otherwise.
func (c *CredentialCache) issuedAt(reported time.Time) time.Time {
	now := c.clock()
	if reported.IsZero() || reported.After(now) || now.Sub(reported) >= c.ttl {
		return now
	}
	return reported
}
