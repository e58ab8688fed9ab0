package registry

import (
	"testing"
	"time"
)

func TestCreateAssignsDistinctUserIDs(t *testing.T) {
	r := New(time.Hour, nil)
	a, err := r.Create("transport-a", nil)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := r.Create("transport-b", nil)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if a.UserID == b.UserID {
		t.Fatalf("expected distinct user ids, got %q twice", a.UserID)
	}
}

func TestCreateRejectsDuplicateTransport(t *testing.T) {
	r := New(time.Hour, nil)
	if _, err := r.Create("transport-a", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := r.Create("transport-a", nil); err != ErrAlreadyRegistered {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestTouchRearmsIdleTimer(t *testing.T) {
	expired := make(chan UserID, 1)
	r := New(30*time.Millisecond, func(u UserID) { expired <- u })
	s, _ := r.Create("transport-a", nil)

	time.Sleep(15 * time.Millisecond)
	if err := r.Touch("transport-a"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	time.Sleep(15 * time.Millisecond)

	select {
	case <-expired:
		t.Fatalf("session expired despite being touched")
	default:
	}
	_ = s
}

func TestIdleTimerFiresOnExpire(t *testing.T) {
	expired := make(chan UserID, 1)
	r := New(10*time.Millisecond, func(u UserID) { expired <- u })
	s, _ := r.Create("transport-a", nil)

	select {
	case u := <-expired:
		if u != s.UserID {
			t.Fatalf("expired wrong user: %q != %q", u, s.UserID)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("idle timer never fired")
	}
}

func TestFlagDecrementsTrustAndAutoBans(t *testing.T) {
	r := New(time.Hour, nil)
	s, _ := r.Create("transport-a", nil)

	for i := 0; i < 4; i++ {
		if err := r.Flag(s.UserID, "spam"); err != nil {
			t.Fatalf("flag %d: %v", i, err)
		}
	}
	got, _ := r.GetByUser(s.UserID)
	if got.Banned {
		t.Fatalf("expected not yet banned after 4 violations")
	}
	if err := r.Flag(s.UserID, "spam"); err != nil {
		t.Fatalf("flag 5: %v", err)
	}
	got, _ = r.GetByUser(s.UserID)
	if !got.Banned {
		t.Fatalf("expected banned after 5 violations")
	}
	if got.TrustScore < 0 {
		t.Fatalf("trust score should be floored at 0, got %f", got.TrustScore)
	}
}

func TestMarkReportedSetsFlagIndependentlyOfFlag(t *testing.T) {
	r := New(time.Hour, nil)
	s, _ := r.Create("transport-a", nil)

	if err := r.MarkReported(s.UserID); err != nil {
		t.Fatalf("mark reported: %v", err)
	}
	got, _ := r.GetByUser(s.UserID)
	if !got.Reported {
		t.Fatal("expected session marked reported")
	}
	if got.Banned || got.ViolationCount != 0 {
		t.Fatalf("expected MarkReported to leave violation bookkeeping untouched, got banned=%v violations=%d", got.Banned, got.ViolationCount)
	}
}

func TestMarkReportedUnknownUserReturnsNotFound(t *testing.T) {
	r := New(time.Hour, nil)
	if err := r.MarkReported("ghost"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFlagCapsViolationLogAtTwenty(t *testing.T) {
	r := New(time.Hour, nil)
	s, _ := r.Create("transport-a", nil)
	for i := 0; i < 30; i++ {
		_ = r.Flag(s.UserID, "spam")
	}
	got, _ := r.GetByUser(s.UserID)
	if len(got.Violations) != maxViolationLog {
		t.Fatalf("expected violation log capped at %d, got %d", maxViolationLog, len(got.Violations))
	}
}

func TestBindAndUnbindRoom(t *testing.T) {
	r := New(time.Hour, nil)
	s, _ := r.Create("transport-a", nil)

	if err := r.BindRoom(s.UserID, "room-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	got, _ := r.GetByUser(s.UserID)
	if !got.InRoom() || got.CurrentRoomID != "room-1" {
		t.Fatalf("expected bound to room-1, got %+v", got)
	}

	if err := r.UnbindRoom(s.UserID); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	got, _ = r.GetByUser(s.UserID)
	if got.InRoom() {
		t.Fatalf("expected unbound, got %+v", got)
	}
}

func TestRemoveDeletesBothIndices(t *testing.T) {
	r := New(time.Hour, nil)
	s, _ := r.Create("transport-a", nil)

	removed, ok := r.Remove("transport-a")
	if !ok || removed.UserID != s.UserID {
		t.Fatalf("expected to remove session %q", s.UserID)
	}
	if _, ok := r.GetByTransport("transport-a"); ok {
		t.Fatalf("expected transport index cleared")
	}
	if _, ok := r.GetByUser(s.UserID); ok {
		t.Fatalf("expected user index cleared")
	}
	if r.OnlineCount() != 0 {
		t.Fatalf("expected online count 0, got %d", r.OnlineCount())
	}
}

func TestRemoveUnknownTransportIsNoop(t *testing.T) {
	r := New(time.Hour, nil)
	if _, ok := r.Remove("nope"); ok {
		t.Fatalf("expected Remove on unknown transport to report not found")
	}
}

func TestUpdateProfileMergesPartial(t *testing.T) {
	r := New(time.Hour, nil)
	_, _ = r.Create("transport-a", map[string]any{"gender": "male", "location": "nyc"})

	if err := r.UpdateProfile("transport-a", map[string]any{"location": "sf"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	s, _ := r.GetByTransport("transport-a")
	if s.Profile.Location != "sf" {
		t.Fatalf("expected location updated to sf, got %q", s.Profile.Location)
	}
	if string(s.Profile.Gender) != "male" {
		t.Fatalf("expected gender preserved, got %q", s.Profile.Gender)
	}
}
