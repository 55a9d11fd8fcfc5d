// Package election decides which tab of a signed-in user owns the live push connection.
//
// The protocol is a timeout race over the cross-tab bus: a new tab asks whether a
// leader exists and claims leadership if nobody answers in time. Two tabs can both
// win under high bus latency; duplicate connections are tolerated downstream.
package election

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marquee/internal/bus"
	"go.uber.org/zap"
)

const defaultTimeout = 150 * time.Millisecond

var (
	errMissingUserID = errors.New("election: user id required")
	errMissingBus    = errors.New("election: bus required")
	errStopped       = errors.New("election: stopped")
)

// Role is the tab's current position in the election.
type Role int

const (
	RoleUnknown Role = iota
	RoleCandidate
	RoleLeader
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	default:
		return "unknown"
	}
}

// Kind names a coordination message.
type Kind string

const (
	KindElectionQuery Kind = "election-query"
	KindLeaderExists  Kind = "leader-exists"
	KindLeaderClaimed Kind = "leader-claimed"
)

// Message is the wire shape of election traffic.
type Message struct {
	Kind   Kind   `json:"kind"`
	UserID string `json:"userId"`
	TabID  string `json:"tabId"`
}

// Config wires an election to its bus and to the owning session.
type Config struct {
	UserID  string
	Bus     bus.Bus
	Timeout time.Duration
	// HoldsLiveSession reports whether this tab currently has a connected push session.
	HoldsLiveSession func() bool
	// OnLeader runs once per won round and must not block.
	OnLeader     func()
	OnRoleChange func(Role)
	Logger       *zap.Logger
}

// Election is the per-tab state machine.
type Election struct {
	userID       string
	tabID        string
	bus          bus.Bus
	timeout      time.Duration
	holdsLive    func() bool
	onLeader     func()
	onRoleChange func(Role)
	logger       *zap.Logger

	mu          sync.Mutex
	role        Role
	timer       *time.Timer
	round       uint64
	unsubscribe func()
	stopped     bool
}

// New constructs an election in RoleUnknown; call Start to run it.
func New(cfg Config) (*Election, error) {
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errMissingUserID
	}
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	holdsLive := cfg.HoldsLiveSession
	if holdsLive == nil {
		holdsLive = func() bool { return false }
	}
	onLeader := cfg.OnLeader
	if onLeader == nil {
		onLeader = func() {}
	}
	onRoleChange := cfg.OnRoleChange
	if onRoleChange == nil {
		onRoleChange = func(Role) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Election{
		userID:       userID,
		tabID:        cfg.Bus.ID(),
		bus:          cfg.Bus,
		timeout:      timeout,
		holdsLive:    holdsLive,
		onLeader:     onLeader,
		onRoleChange: onRoleChange,
		logger:       logger,
	}, nil
}

// Role returns the current role.
func (e *Election) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Start enters RoleUnknown, asks other tabs for a leader and arms the claim timer.
func (e *Election) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errStopped
	}
	if e.unsubscribe == nil {
		unsubscribe, err := e.bus.Subscribe(e.handle)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.unsubscribe = unsubscribe
	}
	round := e.beginRoundLocked()
	e.mu.Unlock()

	e.onRoleChange(RoleUnknown)
	e.logger.Debug("election started", zap.Uint64("round", round))
	e.publish(ctx, KindElectionQuery)
	return nil
}

// Restart reruns the protocol from RoleUnknown; a leader keeps its role.
func (e *Election) Restart(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errStopped
	}
	if e.role == RoleLeader {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.Start(ctx)
}

// Stop cancels the pending timer and detaches from the bus. Leadership is not handed off.
func (e *Election) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.cancelTimerLocked()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (e *Election) beginRoundLocked() uint64 {
	e.cancelTimerLocked()
	e.role = RoleUnknown
	e.round++
	round := e.round
	e.timer = time.AfterFunc(e.timeout, func() {
		e.expire(round)
	})
	return round
}

func (e *Election) cancelTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Election) expire(round uint64) {
	e.mu.Lock()
	if e.stopped || round != e.round || e.role != RoleUnknown {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.role = RoleCandidate
	e.mu.Unlock()
	e.onRoleChange(RoleCandidate)

	e.mu.Lock()
	if e.stopped || round != e.round || e.role != RoleCandidate {
		e.mu.Unlock()
		return
	}
	e.role = RoleLeader
	e.mu.Unlock()

	e.logger.Info("election won", zap.Uint64("round", round))
	e.onRoleChange(RoleLeader)
	e.onLeader()
	e.publish(context.Background(), KindLeaderClaimed)
}

func (e *Election) handle(raw bus.Message) {
	var message Message
	if err := json.Unmarshal(raw.Payload, &message); err != nil {
		return
	}
	if message.UserID != e.userID {
		return
	}

	switch message.Kind {
	case KindElectionQuery:
		if e.holdsLive() {
			e.publish(context.Background(), KindLeaderExists)
		}
	case KindLeaderExists, KindLeaderClaimed:
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		switch e.role {
		case RoleUnknown:
			e.cancelTimerLocked()
			e.role = RoleFollower
			e.mu.Unlock()
			e.logger.Info("following existing leader", zap.String("leader_tab_id", message.TabID), zap.String("kind", string(message.Kind)))
			e.onRoleChange(RoleFollower)
			return
		case RoleLeader:
			e.mu.Unlock()
			e.logger.Debug("another tab also leads", zap.String("leader_tab_id", message.TabID))
			return
		}
		e.mu.Unlock()
	}
}

func (e *Election) publish(ctx context.Context, kind Kind) {
	payload, err := json.Marshal(Message{Kind: kind, UserID: e.userID, TabID: e.tabID})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, payload); err != nil {
		e.logger.Warn("election publish failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}
