// Package matching implements the Matching Engine: a priority queue of
// waiting users, a compatibility scorer, and both an on-demand match
// attempt (for find_match) and a periodic background match loop.
package matching

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/strangerrelay/relaycore/internal/profile"
)

// UserID is a plain alias of the caller's own identity type, kept
// independent of internal/registry so the two packages don't import
// each other; callers convert at the boundary.
type UserID string

// ErrQueueFull is returned by Enqueue once the queue holds maxQueueSize
// entries and userID is not already queued.
var ErrQueueFull = errors.New("matching: queue full")

const (
	minPriority = 0.1
	maxPriority = 2.0

	violationPenaltyPerCount = 0.1
	newSessionBonus          = 0.2
	newSessionWindow         = time.Hour

	waitTimePriorityWeight = 10000.0

	baseMinCompat  = 0.3
	floorMinCompat = 0.1
	relaxPerMinute = 0.02

	maxExamined  = 10
	maxQueueSize = 1000

	// DefaultMaxWait is the default queue wait cap used by SweepStale.
	DefaultMaxWait = 5 * time.Minute
)

// Priority returns the scheduling priority for a waiter with the given
// trust score, lifetime violation count, and session age, clamped to
// [minPriority, maxPriority].
func Priority(trustScore float64, violations int, sessionAge time.Duration) float64 {
	p := 1.0 + (trustScore-0.5)*0.5 - violationPenaltyPerCount*float64(violations)
	if sessionAge < newSessionWindow {
		p += newSessionBonus
	}
	if p < minPriority {
		return minPriority
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

// MinCompatibility returns the dynamic acceptance threshold for a waiter
// who has been queued for waitTime: it relaxes over time so long waits
// are more likely to resolve into a match.
func MinCompatibility(waitTime time.Duration) float64 {
	minutes := waitTime.Minutes()
	threshold := baseMinCompat - relaxPerMinute*minutes
	if threshold < floorMinCompat {
		return floorMinCompat
	}
	return threshold
}

// QueueEntry is one user waiting to be matched.
type QueueEntry struct {
	UserID       UserID
	Candidate    Candidate
	Violations   int
	SessionStart time.Time
	QueuedAt     time.Time
	Attempts     int
	LastAttempt  time.Time
}

func (e *QueueEntry) waitTime(now time.Time) time.Duration {
	return now.Sub(e.QueuedAt)
}

func (e *QueueEntry) priority(now time.Time) float64 {
	return Priority(e.Candidate.TrustScore, e.Violations, now.Sub(e.SessionStart))
}

// MatchPair is a completed pairing, emitted on the Engine's Matches
// channel for a dispatcher to act on.
type MatchPair struct {
	A, B     UserID
	Score    float64
	WaitMs   int64
	ChatType profile.ChatType
}

// Engine holds the waiting-user queue and pairs compatible waiters both
// on demand and on a periodic tick. All operations are safe for
// concurrent use, but the intended caller is a single serialized event
// loop; the internal mutex exists to let the background Run loop and
// foreground calls coexist safely.
type Engine struct {
	mu      sync.Mutex
	waiting map[UserID]*QueueEntry
	matches chan MatchPair
	tick    time.Duration
}

// New creates an Engine whose background match loop runs every tick
// when Run is called. matchBuffer sizes the Matches channel.
func New(tick time.Duration, matchBuffer int) *Engine {
	return &Engine{
		waiting: make(map[UserID]*QueueEntry),
		matches: make(chan MatchPair, matchBuffer),
		tick:    tick,
	}
}

// Matches is the channel MatchPair results from the background loop are
// published on. TryMatchNow's result is returned directly to its caller
// instead, matching the synchronous find_match contract.
func (e *Engine) Matches() <-chan MatchPair {
	return e.matches
}

// Enqueue adds userID to the waiting pool, or returns its existing entry
// unchanged if already queued (idempotent re-enqueue). Fails with
// ErrQueueFull once the pool holds maxQueueSize distinct users.
func (e *Engine) Enqueue(userID UserID, prof profile.Profile, prefs profile.Preferences, trustScore float64, violations int, sessionStart time.Time) (*QueueEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.waiting[userID]; ok {
		return existing, nil
	}
	if len(e.waiting) >= maxQueueSize {
		return nil, ErrQueueFull
	}

	entry := &QueueEntry{
		UserID:       userID,
		Candidate:    Candidate{Profile: prof, Preferences: prefs, TrustScore: trustScore},
		Violations:   violations,
		SessionStart: sessionStart,
		QueuedAt:     time.Now(),
	}
	e.waiting[userID] = entry
	return entry, nil
}

// Cancel removes userID from the waiting pool, if present.
func (e *Engine) Cancel(userID UserID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.waiting, userID)
}

// TryMatchNow synchronously scans the queue for the highest-scoring
// candidate compatible with userID, excluding userID itself, above
// userID's own dynamic threshold. On a match both entries are removed
// from the queue and the pair is returned directly (not published on
// Matches, which is reserved for the background loop).
func (e *Engine) TryMatchNow(userID UserID) (MatchPair, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	requester, ok := e.waiting[userID]
	if !ok {
		return MatchPair{}, false
	}
	now := time.Now()
	requester.Attempts++
	requester.LastAttempt = now

	threshold := MinCompatibility(requester.waitTime(now))
	best, bestScore, found := e.bestCandidateLocked(requester, threshold)
	if !found {
		return MatchPair{}, false
	}

	delete(e.waiting, requester.UserID)
	delete(e.waiting, best.UserID)
	return MatchPair{
		A: requester.UserID, B: best.UserID, Score: bestScore,
		WaitMs:   requester.waitTime(now).Milliseconds(),
		ChatType: requester.Candidate.Preferences.ChatType,
	}, true
}

func (e *Engine) bestCandidateLocked(requester *QueueEntry, threshold float64) (*QueueEntry, float64, bool) {
	var best *QueueEntry
	bestScore := -1.0
	for userID, candidate := range e.waiting {
		if userID == requester.UserID {
			continue
		}
		score := CompatibilityScore(requester.Candidate, candidate.Candidate)
		if score >= threshold && score > bestScore {
			best = candidate
			bestScore = score
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best, bestScore, true
}

// Position returns userID's 1-based rank in the queue, ordered by
// priority descending then queued_at ascending, or 0 if not waiting.
func (e *Engine) Position(userID UserID) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	ordered := make([]*QueueEntry, 0, len(e.waiting))
	for _, entry := range e.waiting {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		pi, pj := ordered[i].priority(now), ordered[j].priority(now)
		if pi != pj {
			return pi > pj
		}
		return ordered[i].QueuedAt.Before(ordered[j].QueuedAt)
	})
	for i, entry := range ordered {
		if entry.UserID == userID {
			return i + 1
		}
	}
	return 0
}

// QueueSize returns the number of users currently waiting.
func (e *Engine) QueueSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiting)
}

// runMatchLoopOnce sorts entries by wait_time + 10000*priority
// descending, examines the top maxExamined, and tries to pair each
// against the remaining queue, emitting any matches on Matches.
func (e *Engine) runMatchLoopOnce() int {
	e.mu.Lock()
	now := time.Now()
	ordered := make([]*QueueEntry, 0, len(e.waiting))
	for _, entry := range e.waiting {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return rank(ordered[i], now) > rank(ordered[j], now)
	})
	if len(ordered) > maxExamined {
		ordered = ordered[:maxExamined]
	}

	paired := make(map[UserID]bool, len(ordered))
	var pairs []MatchPair
	for _, requester := range ordered {
		if paired[requester.UserID] {
			continue
		}
		threshold := MinCompatibility(requester.waitTime(now))
		var best *QueueEntry
		bestScore := -1.0
		for userID, candidate := range e.waiting {
			if userID == requester.UserID || paired[userID] {
				continue
			}
			score := CompatibilityScore(requester.Candidate, candidate.Candidate)
			if score >= threshold && score > bestScore {
				best = candidate
				bestScore = score
			}
		}
		if best != nil {
			paired[requester.UserID] = true
			paired[best.UserID] = true
			pairs = append(pairs, MatchPair{
				A: requester.UserID, B: best.UserID, Score: bestScore,
				WaitMs:   requester.waitTime(now).Milliseconds(),
				ChatType: requester.Candidate.Preferences.ChatType,
			})
		}
	}
	for userID := range paired {
		delete(e.waiting, userID)
	}
	e.mu.Unlock()

	for _, p := range pairs {
		e.matches <- p
	}
	return len(pairs)
}

func rank(e *QueueEntry, now time.Time) float64 {
	return e.waitTime(now).Seconds() + waitTimePriorityWeight*e.priority(now)
}

// SweepStale cancels every queued entry that has waited longer than
// maxWait, returning their user ids so the caller can notify them with
// reason "stale".
func (e *Engine) SweepStale(maxWait time.Duration) []UserID {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	var stale []UserID
	for userID, entry := range e.waiting {
		if entry.waitTime(now) > maxWait {
			stale = append(stale, userID)
		}
	}
	for _, userID := range stale {
		delete(e.waiting, userID)
	}
	return stale
}

// Run drives the periodic background match loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runMatchLoopOnce()
		}
	}
}
