// Package registry owns the directory of connected clients: one Session
// per connected transport, indexed both by transport id and by the
// opaque user id the Registry mints on Create. It enforces session idle
// timeouts and trust/ban bookkeeping.
//
// Concurrency: a single mutex guards both indices, matching the teacher's
// Hub pattern of one coarse lock over a registry of long-lived objects
// (session/hub.go's `rooms` map + mutex, applied here to sessions).
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strangerrelay/relaycore/internal/profile"
)

// TransportID identifies the underlying connection a client is attached
// to. UserID is the opaque, server-minted identity of a session, stable
// for its lifetime.
type (
	TransportID string
	UserID      string
	RoomID      string
)

var (
	// ErrAlreadyRegistered is returned by Create when the transport
	// already owns a session.
	ErrAlreadyRegistered = errors.New("registry: transport already registered")
	// ErrNotFound is returned by lookups and mutators when no session
	// matches the given key.
	ErrNotFound = errors.New("registry: session not found")
)

const (
	maxViolationLog = 20
	banViolations   = 5
	banTrustFloor   = 0.3
	violationPenalty = 0.1
)

// ViolationRecord is one entry in a session's bounded violation log.
type ViolationRecord struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
}

// Session is the Registry's record of one connected client.
type Session struct {
	UserID        UserID
	TransportID   TransportID
	Profile       profile.Profile
	Preferences   profile.Preferences
	ConnectedAt   time.Time
	LastActiveAt  time.Time
	CurrentRoomID RoomID
	TrustScore    float64
	ViolationCount int
	Banned        bool
	Reported      bool
	Violations    []ViolationRecord

	idleTimer *time.Timer
}

// InRoom reports whether the session is currently bound to a room.
func (s *Session) InRoom() bool {
	return s.CurrentRoomID != ""
}

// Registry is the in-memory directory of connected sessions.
type Registry struct {
	mu          sync.Mutex
	byTransport map[TransportID]*Session
	byUser      map[UserID]*Session
	idleTimeout time.Duration
	onExpire    func(UserID)
}

// New creates a Registry whose sessions expire after idleTimeout with no
// Touch call. onExpire is invoked (from a timer goroutine, not holding the
// Registry's lock) when a session's idle timer fires; callers should route
// it back onto their own serialized event loop rather than mutate the
// Registry directly from that goroutine.
func New(idleTimeout time.Duration, onExpire func(UserID)) *Registry {
	return &Registry{
		byTransport: make(map[TransportID]*Session),
		byUser:      make(map[UserID]*Session),
		idleTimeout: idleTimeout,
		onExpire:    onExpire,
	}
}

// Create allocates a new Session for transportID, normalizing rawProfile
// into a canonical profile.Profile. Fails with ErrAlreadyRegistered if the
// transport already has a session.
func (r *Registry) Create(transportID TransportID, rawProfile map[string]any) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byTransport[transportID]; exists {
		return nil, ErrAlreadyRegistered
	}

	now := time.Now()
	session := &Session{
		UserID:       UserID(uuid.New().String()),
		TransportID:  transportID,
		Profile:      profile.NormalizeProfile(rawProfile),
		ConnectedAt:  now,
		LastActiveAt: now,
		TrustScore:   1.0,
	}
	session.idleTimer = r.armIdleTimer(session)

	r.byTransport[transportID] = session
	r.byUser[session.UserID] = session
	return session, nil
}

func (r *Registry) armIdleTimer(s *Session) *time.Timer {
	userID := s.UserID
	return time.AfterFunc(r.idleTimeout, func() {
		if r.onExpire != nil {
			r.onExpire(userID)
		}
	})
}

// GetByTransport returns the session owning transportID, if any.
func (r *Registry) GetByTransport(transportID TransportID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byTransport[transportID]
	return s, ok
}

// GetByUser returns the session identified by userID, if any.
func (r *Registry) GetByUser(userID UserID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byUser[userID]
	return s, ok
}

// Touch refreshes last_active_at and rearms the idle timer.
func (r *Registry) Touch(transportID TransportID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byTransport[transportID]
	if !ok {
		return ErrNotFound
	}
	s.LastActiveAt = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = r.armIdleTimer(s)
	return nil
}

// UpdateProfile merge-normalizes partial into the session's profile.
func (r *Registry) UpdateProfile(transportID TransportID, partial map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byTransport[transportID]
	if !ok {
		return ErrNotFound
	}
	s.Profile = profile.MergeProfile(s.Profile, partial)
	return nil
}

// BindRoom records that userID is now participating in roomID.
func (r *Registry) BindRoom(userID UserID, roomID RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byUser[userID]
	if !ok {
		return ErrNotFound
	}
	s.CurrentRoomID = roomID
	return nil
}

// UnbindRoom clears a session's room reference, if present.
func (r *Registry) UnbindRoom(userID UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byUser[userID]
	if !ok {
		return ErrNotFound
	}
	s.CurrentRoomID = ""
	return nil
}

// Flag records a violation against userID, decreasing trust_score by
// violationPenalty (floored at 0) and auto-banning once violation_count
// reaches banViolations or trust_score drops to banTrustFloor or below.
// trust_score is monotonically non-increasing for the session's lifetime.
func (r *Registry) Flag(userID UserID, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byUser[userID]
	if !ok {
		return ErrNotFound
	}

	s.ViolationCount++
	s.TrustScore -= violationPenalty
	if s.TrustScore < 0 {
		s.TrustScore = 0
	}
	s.Violations = append(s.Violations, ViolationRecord{Kind: kind, At: time.Now()})
	if len(s.Violations) > maxViolationLog {
		s.Violations = s.Violations[len(s.Violations)-maxViolationLog:]
	}

	if s.ViolationCount >= banViolations || s.TrustScore <= banTrustFloor {
		s.Banned = true
	}
	return nil
}

// MarkReported sets the reported flag on userID's session, independent
// of the violation bookkeeping Flag performs.
func (r *Registry) MarkReported(userID UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byUser[userID]
	if !ok {
		return ErrNotFound
	}
	s.Reported = true
	return nil
}

// Remove deletes both indices for transportID, cancels its idle timer, and
// returns the removed session (if any) so the caller can run downstream
// cleanup (unbinding any room, cancelling any queue entry).
func (r *Registry) Remove(transportID TransportID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byTransport[transportID]
	if !ok {
		return nil, false
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	delete(r.byTransport, transportID)
	delete(r.byUser, s.UserID)
	return s, true
}

// OnlineCount returns the number of currently connected sessions.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// Snapshot returns a shallow copy of every session, for the /debug
// surface. The copies share no mutable state with the live sessions.
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.byUser))
	for _, s := range r.byUser {
		out = append(out, *s)
	}
	return out
}
