// Package chatroom implements the Chat Room Manager: it creates
// ephemeral two-person rooms, orders and caps their messages, forwards
// signaling opaquely, computes per-room analytics, and terminates rooms
// on any of the conditions in its termination matrix.
package chatroom

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strangerrelay/relaycore/internal/profile"
)

type (
	RoomID string
	UserID string
)

var (
	ErrRoomClosed      = errors.New("chatroom: room closed")
	ErrNotParticipant  = errors.New("chatroom: not a participant")
	ErrNotFound        = errors.New("chatroom: room not found")
	ErrCapacityReached = errors.New("chatroom: message cap reached")
)

const (
	maxMessages       = 1000
	analyticsWindow   = 50
	maxQualityIssues  = 20
	silentGapThreshold = 60 * time.Second
	absoluteTimeout    = time.Hour
)

// EndReason enumerates the termination matrix's reason codes.
type EndReason string

const (
	ReasonUserAction          EndReason = "user_action"
	ReasonStrangerDisconnected EndReason = "stranger_disconnected"
	ReasonInactiveTimeout     EndReason = "inactive_timeout"
	ReasonTimeout             EndReason = "timeout"
	ReasonReportedHarassment  EndReason = "reported_harassment"
	ReasonReportedInappropriate EndReason = "reported_inappropriate"
	ReasonReportedSpam        EndReason = "reported_spam"
	ReasonMessageLimitReached EndReason = "message_limit_reached"
	ReasonInternalError       EndReason = "internal_error"
	ReasonServerShutdown      EndReason = "server_shutdown"
)

// Message is one stored, ordered chat entry.
type Message struct {
	ID       string
	RoomID   RoomID
	SenderID UserID
	Sequence int
	Text     string
	SentAt   time.Time
	Type     string // "user" or "system"
}

// QualityIssue is one recorded webrtc quality complaint.
type QualityIssue struct {
	Detail string
	At     time.Time
}

// Analytics holds the per-room engagement bookkeeping described by the
// Chat Room Manager's responsibilities.
type Analytics struct {
	gapSamples      *list.List // most recent inter-message gaps, capped at analyticsWindow
	ActiveTime      time.Duration
	SilentPeriods   int
	lastMessageAt   time.Time
	WebrtcConnectedAt time.Time
	WebrtcDuration  time.Duration
	QualityIssues   *list.List // bounded list of QualityIssue
}

func newAnalytics() *Analytics {
	return &Analytics{gapSamples: list.New(), QualityIssues: list.New()}
}

func (a *Analytics) recordMessage(now time.Time) {
	if !a.lastMessageAt.IsZero() {
		gap := now.Sub(a.lastMessageAt)
		if gap < silentGapThreshold {
			a.ActiveTime += gap
		} else {
			a.SilentPeriods++
		}
		a.gapSamples.PushBack(gap)
		if a.gapSamples.Len() > analyticsWindow {
			a.gapSamples.Remove(a.gapSamples.Front())
		}
	}
	a.lastMessageAt = now
}

func (a *Analytics) recordQualityIssue(detail string, now time.Time) {
	a.QualityIssues.PushBack(QualityIssue{Detail: detail, At: now})
	if a.QualityIssues.Len() > maxQualityIssues {
		a.QualityIssues.Remove(a.QualityIssues.Front())
	}
}

// Room is one ephemeral two-person chat session.
type Room struct {
	ID             RoomID
	Participants   [2]UserID
	Type           profile.ChatType
	State          string // "active" or "ended"
	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        time.Time
	EndReason      EndReason
	EndedBy        UserID

	messages  []Message
	nextSeq   int
	analytics *Analytics

	absoluteTimer *time.Timer
}

// Other returns the counterpart of userID in the room, or "" if userID
// is not a participant.
func (r *Room) Other(userID UserID) UserID {
	switch {
	case r.Participants[0] == userID:
		return r.Participants[1]
	case r.Participants[1] == userID:
		return r.Participants[0]
	default:
		return ""
	}
}

func (r *Room) isParticipant(userID UserID) bool {
	return r.Participants[0] == userID || r.Participants[1] == userID
}

// MessageCount returns the number of messages currently stored.
func (r *Room) MessageCount() int {
	return len(r.messages)
}

// Summary is the result of ending a room.
type Summary struct {
	RoomID          RoomID
	Participants    [2]UserID
	Duration        time.Duration
	MessageCount    int
	EndReason       EndReason
	EndedBy         UserID
	EngagementScore float64
}

// Manager owns every active and recently-closed Room.
type Manager struct {
	mu           sync.Mutex
	rooms        map[RoomID]*Room
	byUser       map[UserID]RoomID
	history      *list.List // bounded ring of closed-room Summary, cap historyCap
	historyCap   int
	onUnbindUser func(UserID)
	onTimeout    func(RoomID)
}

// New creates a Manager. onUnbindUser is invoked (with the Manager's
// lock not held) once per participant whenever a room ends, so the
// caller can clear current_room_id on the Registry. onTimeout is
// invoked from a timer goroutine when a room's 1-hour absolute cap
// elapses; like the Registry's idle timer, it should post an event onto
// the caller's own serialized loop rather than call End directly from
// that goroutine.
func New(historyCap int, onUnbindUser func(UserID), onTimeout func(RoomID)) *Manager {
	return &Manager{
		rooms:        make(map[RoomID]*Room),
		byUser:       make(map[UserID]RoomID),
		history:      list.New(),
		historyCap:   historyCap,
		onUnbindUser: onUnbindUser,
		onTimeout:    onTimeout,
	}
}

// Create allocates a new active Room for userA and userB. Callers are
// responsible for verifying neither user is already in-room (that
// invariant is owned by the Registry, to avoid an import cycle between
// the two packages).
func (m *Manager) Create(userA, userB UserID, chatType profile.ChatType) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	room := &Room{
		ID:             RoomID(uuid.New().String()),
		Participants:   [2]UserID{userA, userB},
		Type:           chatType,
		State:          "active",
		CreatedAt:      now,
		LastActivityAt: now,
		analytics:      newAnalytics(),
	}
	roomID := room.ID
	room.absoluteTimer = time.AfterFunc(absoluteTimeout, func() {
		if m.onTimeout != nil {
			m.onTimeout(roomID)
		}
	})

	m.rooms[room.ID] = room
	m.byUser[userA] = room.ID
	m.byUser[userB] = room.ID
	return room
}

// GetByRoom returns the room identified by roomID, if active or ended
// but not yet evicted from memory.
func (m *Manager) GetByRoom(roomID RoomID) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// GetByUser returns the room userID currently participates in, if any.
func (m *Manager) GetByUser(userID UserID) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomID, ok := m.byUser[userID]
	if !ok {
		return nil, false
	}
	return m.rooms[roomID], true
}

// AppendResult carries the stored message and whether appending it
// triggered an auto-end of the room.
type AppendResult struct {
	Message    Message
	AutoEnded  bool
	EndSummary Summary
}

// AppendMessage appends sender's text to roomID if the room is active
// and sender is a participant, assigning a monotonic sequence number and
// updating analytics. The message that would bring the room past its
// cap is rejected with ErrCapacityReached instead of stored, and the
// room is ended with ReasonMessageLimitReached as part of the same
// call, with AutoEnded reported true.
func (m *Manager) AppendMessage(roomID RoomID, sender UserID, text string) (AppendResult, error) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return AppendResult{}, ErrNotFound
	}
	if room.State != "active" {
		m.mu.Unlock()
		return AppendResult{}, ErrRoomClosed
	}
	if !room.isParticipant(sender) {
		m.mu.Unlock()
		return AppendResult{}, ErrNotParticipant
	}
	if len(room.messages) >= maxMessages {
		m.mu.Unlock()
		summary, err := m.End(roomID, ReasonMessageLimitReached, "")
		if err != nil {
			return AppendResult{}, ErrCapacityReached
		}
		return AppendResult{AutoEnded: true, EndSummary: summary}, ErrCapacityReached
	}

	now := time.Now()
	room.nextSeq++
	msg := Message{
		ID:       uuid.New().String(),
		RoomID:   roomID,
		SenderID: sender,
		Sequence: room.nextSeq,
		Text:     text,
		SentAt:   now,
		Type:     "user",
	}
	room.messages = append(room.messages, msg)
	room.LastActivityAt = now
	room.analytics.recordMessage(now)
	m.mu.Unlock()

	return AppendResult{Message: msg}, nil
}

// RecordActivity updates last_activity_at and, for the webrtc and
// quality-issue event kinds, maintains the relevant analytics field.
func (m *Manager) RecordActivity(roomID RoomID, kind, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if room.State != "active" {
		return ErrRoomClosed
	}

	now := time.Now()
	room.LastActivityAt = now
	switch kind {
	case "webrtc_connected":
		room.analytics.WebrtcConnectedAt = now
	case "webrtc_disconnected":
		if !room.analytics.WebrtcConnectedAt.IsZero() {
			room.analytics.WebrtcDuration += now.Sub(room.analytics.WebrtcConnectedAt)
			room.analytics.WebrtcConnectedAt = time.Time{}
		}
	case "quality_issue":
		room.analytics.recordQualityIssue(detail, now)
	}
	return nil
}

// End idempotently transitions roomID to ended, stops its timers,
// computes the final engagement score, evicts it from the active
// indices into the closed-room history ring, and clears current_room_id
// on both participants via onUnbindUser.
func (m *Manager) End(roomID RoomID, reason EndReason, endedBy UserID) (Summary, error) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return Summary{}, ErrNotFound
	}
	if room.State == "ended" {
		m.mu.Unlock()
		return m.summaryLocked(room), nil
	}

	now := time.Now()
	room.State = "ended"
	room.EndedAt = now
	room.EndReason = reason
	room.EndedBy = endedBy
	if room.absoluteTimer != nil {
		room.absoluteTimer.Stop()
	}

	delete(m.byUser, room.Participants[0])
	delete(m.byUser, room.Participants[1])
	delete(m.rooms, roomID)

	summary := m.summaryLocked(room)
	m.history.PushBack(summary)
	if m.history.Len() > m.historyCap {
		m.history.Remove(m.history.Front())
	}
	m.mu.Unlock()

	if m.onUnbindUser != nil {
		m.onUnbindUser(room.Participants[0])
		m.onUnbindUser(room.Participants[1])
	}
	return summary, nil
}

func (m *Manager) summaryLocked(room *Room) Summary {
	end := room.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	duration := end.Sub(room.CreatedAt)
	return Summary{
		RoomID:          room.ID,
		Participants:    room.Participants,
		Duration:        duration,
		MessageCount:    len(room.messages),
		EndReason:       room.EndReason,
		EndedBy:         room.EndedBy,
		EngagementScore: engagementScore(room, duration),
	}
}

// engagementScore computes the post-hoc room quality metric in [0,100]:
// min(50, messages_per_minute*10) + 30*active_time/duration minus
// min(20, 5*silent_periods).
func engagementScore(room *Room, duration time.Duration) float64 {
	if duration <= 0 {
		duration = time.Second
	}
	minutes := duration.Minutes()
	if minutes <= 0 {
		minutes = 1.0 / 60.0
	}

	messagesPerMinute := float64(len(room.messages)) / minutes
	messageComponent := messagesPerMinute * 10
	if messageComponent > 50 {
		messageComponent = 50
	}

	activeRatio := room.analytics.ActiveTime.Seconds() / duration.Seconds()
	activeComponent := 30 * activeRatio

	silentPenalty := 5 * float64(room.analytics.SilentPeriods)
	if silentPenalty > 20 {
		silentPenalty = 20
	}

	score := messageComponent + activeComponent - silentPenalty
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// SweepInactive ends every active room whose last_activity_at is older
// than threshold, with reason ReasonInactiveTimeout, returning their
// summaries.
func (m *Manager) SweepInactive(threshold time.Duration) []Summary {
	m.mu.Lock()
	now := time.Now()
	var stale []RoomID
	for roomID, room := range m.rooms {
		if now.Sub(room.LastActivityAt) > threshold {
			stale = append(stale, roomID)
		}
	}
	m.mu.Unlock()

	summaries := make([]Summary, 0, len(stale))
	for _, roomID := range stale {
		if summary, err := m.End(roomID, ReasonInactiveTimeout, ""); err == nil {
			summaries = append(summaries, summary)
		}
	}
	return summaries
}

// ActiveRoomCount returns the number of currently active rooms.
func (m *Manager) ActiveRoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// ActiveRoomIDs returns the IDs of every currently active room.
func (m *Manager) ActiveRoomIDs() []RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]RoomID, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// History returns a snapshot of the closed-room history ring, oldest
// first.
func (m *Manager) History() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, m.history.Len())
	for e := m.history.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Summary))
	}
	return out
}
