// Package notifier assembles a tab's notification session: credential cache, leader
// election, the leader's push connection and the local notification store.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marquee/internal/auth"
	"github.com/MarcoPoloResearchLab/marquee/internal/bus"
	"github.com/MarcoPoloResearchLab/marquee/internal/election"
	"github.com/MarcoPoloResearchLab/marquee/internal/logging"
	"github.com/MarcoPoloResearchLab/marquee/internal/notifications"
	"github.com/MarcoPoloResearchLab/marquee/internal/push"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPageSize = 50

var (
	// ErrDestroyed is returned by actions on a destroyed session.
	ErrDestroyed = errors.New("notifier: session destroyed")

	errMissingUserID   = errors.New("notifier: user id required")
	errMissingBus      = errors.New("notifier: bus required")
	errMissingIdentity = errors.New("notifier: identity provider required")
	errMissingAPI      = errors.New("notifier: api base url or client required")
)

// API is the subset of the notification REST API a session needs.
type API interface {
	List(ctx context.Context, page notifications.Page, category notifications.Category) ([]notifications.Notification, error)
	MarkAllSeen(ctx context.Context) error
	MarkCategoryRead(ctx context.Context, page notifications.Page, category notifications.Category) ([]notifications.Notification, error)
}

// Config describes one tab's session.
type Config struct {
	UserID   string
	TabID    string
	Bus      bus.Bus
	Identity auth.IdentityProvider

	// Credential seeds the cache, typically with the token used to learn UserID.
	Credential auth.Credential

	// APIBaseURL is used to build the REST client and stream dialer when API or Dialer are nil.
	APIBaseURL string
	API        API
	Dialer     push.Dialer

	CredentialTTL   time.Duration
	ElectionTimeout time.Duration
	Reconnect       ReconnectPolicy
	// PollInterval re-fetches the feed while this tab is not the leader; zero disables polling.
	PollInterval time.Duration
	PageSize     int

	OnSurfaced        func(notifications.Notification)
	OnConnectionState func(push.State, error)
	OnRoleChange      func(election.Role)
	Sleep             func(ctx context.Context, delay time.Duration) error
	Clock             func() time.Time
	Logger            *zap.Logger
}

// ReconnectPolicy mirrors the push session retry knobs.
type ReconnectPolicy struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	MaxRetries int
}

// Session is the per-tab notification core with an explicit create/destroy lifecycle.
type Session struct {
	userID     string
	tabID      string
	pageSize   int
	onSurfaced func(notifications.Notification)
	logger     *zap.Logger

	store       *notifications.Store
	credentials *auth.CredentialCache
	api         API
	election    *election.Election
	push        *push.Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	destroyed bool
}

// Create wires every component, hydrates the store best-effort and joins the election.
func Create(ctx context.Context, cfg Config) (*Session, error) {
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errMissingUserID
	}
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	if cfg.API == nil && strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, errMissingAPI
	}
	if cfg.Dialer == nil && strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, errMissingAPI
	}
	tabID := strings.TrimSpace(cfg.TabID)
	if tabID == "" {
		tabID = uuid.NewString()
	}
	logger := logging.ForTab(cfg.Logger, userID, tabID)
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	onSurfaced := cfg.OnSurfaced
	if onSurfaced == nil {
		onSurfaced = func(notifications.Notification) {}
	}

	credentials, err := auth.NewCredentialCache(auth.CredentialCacheConfig{
		Provider: cfg.Identity,
		TTL:      cfg.CredentialTTL,
		Initial:  cfg.Credential,
		Clock:    cfg.Clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	api := cfg.API
	if api == nil {
		client, clientErr := notifications.NewClient(notifications.ClientConfig{
			BaseURL:     cfg.APIBaseURL,
			Credentials: credentials,
		})
		if clientErr != nil {
			return nil, clientErr
		}
		api = client
	}

	dialer := cfg.Dialer
	if dialer == nil {
		websocketDialer, dialerErr := push.NewWebsocketDialer(push.WebsocketDialerConfig{BaseURL: cfg.APIBaseURL})
		if dialerErr != nil {
			return nil, dialerErr
		}
		dialer = websocketDialer
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session := &Session{
		userID:      userID,
		tabID:       tabID,
		pageSize:    pageSize,
		onSurfaced:  onSurfaced,
		logger:      logger,
		store:       notifications.NewStore(),
		credentials: credentials,
		api:         api,
		ctx:         sessionCtx,
		cancel:      cancel,
	}

	pushSession, err := push.NewSession(push.Config{
		Credentials:   credentials,
		Dialer:        dialer,
		MinDelay:      cfg.Reconnect.MinDelay,
		MaxDelay:      cfg.Reconnect.MaxDelay,
		Multiplier:    cfg.Reconnect.Multiplier,
		MaxRetries:    cfg.Reconnect.MaxRetries,
		OnEvent:       session.handleEvent,
		OnStateChange: cfg.OnConnectionState,
		Sleep:         cfg.Sleep,
		Logger:        logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	session.push = pushSession

	electionState, err := election.New(election.Config{
		UserID:           userID,
		Bus:              cfg.Bus,
		Timeout:          cfg.ElectionTimeout,
		HoldsLiveSession: session.HoldsLiveSession,
		OnLeader:         session.startPush,
		OnRoleChange:     cfg.OnRoleChange,
		Logger:           logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	session.election = electionState

	if err := session.Refresh(ctx); err != nil {
		logger.Warn("initial notification fetch failed", zap.Error(err))
	}

	if err := electionState.Start(sessionCtx); err != nil {
		cancel()
		return nil, err
	}

	if cfg.PollInterval > 0 {
		session.wg.Add(1)
		go session.poll(cfg.PollInterval)
	}

	logger.Info("notification session created")
	return session, nil
}

// TabID identifies this tab on the bus.
func (s *Session) TabID() string {
	return s.tabID
}

// Store exposes the observable notification state.
func (s *Session) Store() *notifications.Store {
	return s.store
}

// Role reports the tab's election role.
func (s *Session) Role() election.Role {
	return s.election.Role()
}

// ConnectionState reports the push connection state; followers stay disconnected.
func (s *Session) ConnectionState() (push.State, error) {
	return s.push.State()
}

// HoldsLiveSession reports whether this tab currently has a connected push stream.
func (s *Session) HoldsLiveSession() bool {
	state, _ := s.push.State()
	return state == push.StateConnected
}

// Reconnect restarts an offline push connection when this tab leads. A tab
// that does not lead reruns the election instead, which lets it take over from
// a leader that has gone away.
func (s *Session) Reconnect() error {
	if s.isDestroyed() {
		return ErrDestroyed
	}
	if s.election.Role() != election.RoleLeader {
		return s.election.Restart(s.ctx)
	}
	if state, _ := s.push.State(); state != push.StateOffline {
		return nil
	}
	return s.push.Start(s.ctx)
}

// Refresh re-hydrates the store from the REST API.
func (s *Session) Refresh(ctx context.Context) error {
	if s.isDestroyed() {
		return ErrDestroyed
	}
	items, err := s.api.List(ctx, notifications.Page{Number: 1, Size: s.pageSize}, "")
	if err != nil {
		return err
	}
	s.store.Replace(items)
	return nil
}

// RequestMarkAllSeen clears the badge immediately and then confirms with the server.
// A failed confirmation is returned but the local state is kept.
func (s *Session) RequestMarkAllSeen(ctx context.Context) error {
	if s.isDestroyed() {
		return ErrDestroyed
	}
	s.store.MarkAllSeen()
	if err := s.api.MarkAllSeen(ctx); err != nil {
		s.logger.Warn("mark all seen not confirmed", zap.Error(err))
		return err
	}
	return nil
}

// RequestMarkCategoryRead marks a category read server-side and adopts the returned list,
// fetched with the same page size as Refresh.
func (s *Session) RequestMarkCategoryRead(ctx context.Context, category notifications.Category) error {
	if s.isDestroyed() {
		return ErrDestroyed
	}
	items, err := s.api.MarkCategoryRead(ctx, notifications.Page{Number: 1, Size: s.pageSize}, category)
	if err != nil {
		s.logger.Warn("mark category read failed", zap.String("category", category.String()), zap.Error(err))
		return err
	}
	s.store.Replace(items)
	return nil
}

// Destroy leaves the election, closes the push connection and forgets the credential.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	s.election.Stop()
	_ = s.push.Close()
	s.cancel()
	s.wg.Wait()
	s.credentials.Invalidate()
	s.logger.Info("notification session destroyed")
}

func (s *Session) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Session) startPush() {
	if s.isDestroyed() {
		return
	}
	if err := s.push.Start(s.ctx); err != nil {
		s.logger.Debug("push session not started", zap.Error(err))
	}
}

func (s *Session) handleEvent(event push.Event) {
	if event.Name != push.EventNotificationNew {
		s.logger.Debug("ignoring push event", zap.String("event", event.Name))
		return
	}
	var notification notifications.Notification
	if err := json.Unmarshal(event.Payload, &notification); err != nil {
		s.logger.Warn("malformed notification payload", zap.Error(err))
		return
	}
	if !s.store.Append(notification) {
		return
	}
	if s.store.ShouldSurface(notification) {
		s.onSurfaced(notification)
	}
}

func (s *Session) poll(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.election.Role() == election.RoleLeader && s.HoldsLiveSession() {
				continue
			}
			if err := s.Refresh(s.ctx); err != nil && !errors.Is(err, ErrDestroyed) {
				s.logger.Debug("follower refresh failed", zap.Error(err))
			}
		}
	}
}
