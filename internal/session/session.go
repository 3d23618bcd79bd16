// Package session tracks per-connection handshake and authentication state,
// generalized from the reference implementation's Session (src/session.rs):
// same state machine and subscription bookkeeping, reshaped around Go's
// sync primitives instead of atomics-plus-mutex-per-field.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a connection's position in the handshake state machine.
type State int

const (
	StateConnected State = iota
	StateReady
	StateAuthenticated
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// WireMode is the framing the connection negotiated during HELLO.
type WireMode string

const (
	WireBinaryJSON WireMode = "binary_json"
	WireJSONL      WireMode = "jsonl"
)

// SubscriptionKind distinguishes a per-instance watch from a global one,
// purely for reporting; the broadcast Hub is the source of truth for
// filter matching.
type SubscriptionKind int

const (
	SubscriptionInstance SubscriptionKind = iota
	SubscriptionAll
)

// Session is one client connection's negotiated state. All fields are
// guarded by mu except ID and RemoteAddr, which are immutable after New.
type Session struct {
	ID         string
	RemoteAddr net.Addr

	mu              sync.Mutex
	state           State
	wireMode        WireMode
	protocolVersion uint16
	features        map[string]bool
	authRequired    bool
	authenticated   bool
	requestCount    uint64
	createdAt       time.Time
	lastActivity    time.Time
	subscriptions   map[string]SubscriptionKind
}

// New creates a Connected session. If authRequired is false, the session
// starts pre-authenticated, matching the reference's !auth_required default.
func New(remoteAddr net.Addr, authRequired bool) *Session {
	now := time.Now()
	return &Session{
		ID:            uuid.NewString(),
		RemoteAddr:    remoteAddr,
		state:         StateConnected,
		wireMode:      WireBinaryJSON,
		authRequired:  authRequired,
		authenticated: !authRequired,
		createdAt:     now,
		lastActivity:  now,
		subscriptions: make(map[string]SubscriptionKind),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Close transitions the session to Closing; idempotent.
func (s *Session) Close() { s.setState(StateClosing) }

func (s *Session) WireMode() WireMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wireMode
}

func (s *Session) ProtocolVersion() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// CompleteHandshake records the negotiated HELLO parameters and advances
// Connected -> Ready (if auth is still owed) or Connected -> Authenticated.
func (s *Session) CompleteHandshake(protocolVersion uint16, wireMode WireMode, features []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = protocolVersion
	s.wireMode = wireMode
	s.features = make(map[string]bool, len(features))
	for _, f := range features {
		s.features[f] = true
	}
	if s.authRequired && !s.authenticated {
		s.state = StateReady
	} else {
		s.state = StateAuthenticated
	}
}

// SetAuthenticated records a successful AUTH and advances Ready -> Authenticated.
func (s *Session) SetAuthenticated(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = ok
	if ok && s.state == StateReady {
		s.state = StateAuthenticated
	}
}

func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) HasFeature(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features[name]
}

// RecordRequest bumps the request counter and refreshes the idle clock.
func (s *Session) RecordRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestCount++
	s.lastActivity = time.Now()
}

func (s *Session) RequestCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount
}

// IdleDuration reports how long it has been since the last request.
func (s *Session) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

func (s *Session) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.createdAt)
}

// AddSubscription records ownership of a broadcast subscription so it can
// be torn down when the session closes.
func (s *Session) AddSubscription(subscriptionID string, kind SubscriptionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[subscriptionID] = kind
}

// RemoveSubscription reports whether the subscription was present.
func (s *Session) RemoveSubscription(subscriptionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[subscriptionID]; !ok {
		return false
	}
	delete(s.subscriptions, subscriptionID)
	return true
}

// Subscriptions returns every subscription ID this session owns, for
// mass teardown on disconnect.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}
