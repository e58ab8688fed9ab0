package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/strangerrelay/relaycore/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn is an in-memory wsConnection double: outbound frames written
// by writePump land in sent; inbound frames are fed in through inbox.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	inbox  chan []byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 32)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbox
	if !ok {
		return 0, nil, fmt.Errorf("fakeConn: closed")
	}
	return 1, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env := Envelope{Event: event, Payload: raw}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	f.inbox <- data
}

func (f *fakeConn) events(t *testing.T) []OutEnvelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OutEnvelope, 0, len(f.sent))
	for _, raw := range f.sent {
		var env OutEnvelope
		require.NoError(t, json.Unmarshal(raw, &env))
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) waitForEvent(t *testing.T, event string) OutEnvelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, env := range f.events(t) {
			if env.Event == event {
				return env
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %q, got %+v", event, f.events(t))
	return OutEnvelope{}
}

// waitForEventCount blocks until at least n frames of the given event
// type have been received.
func (f *fakeConn) waitForEventCount(t *testing.T, event string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		count := 0
		for _, env := range f.events(t) {
			if env.Event == event {
				count++
			}
		}
		if count >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events", n, event)
}

// newTestCore starts a Core's event loop for the duration of the test.
// The loop is stopped via t.Cleanup, which runs after every client
// registered through connectClient has already been torn down (Go runs
// t.Cleanup funcs in LIFO order, and newTestCore is always called
// first), so every client's disconnect handling completes while the
// loop is still draining it.
func newTestCore(t *testing.T) *Core {
	t.Helper()
	core := New(Settings{MaxMessageLength: 500, ContentFilterEnabled: false}, nil, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go core.Run(ctx)
	t.Cleanup(cancel)
	return core
}

func connectClient(t *testing.T, core *Core, transportID string) (*fakeConn, *Client) {
	t.Helper()
	conn := newFakeConn()
	client := core.NewClient(conn, transportID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); client.readPump() }()
	go func() { defer wg.Done(); client.writePump() }()

	t.Cleanup(func() {
		conn.Close()
		wg.Wait()
	})
	return conn, client
}

func registerUser(t *testing.T, conn *fakeConn, profile map[string]any) string {
	t.Helper()
	conn.push(t, inRegister, registerPayload{Profile: profile})
	env := conn.waitForEvent(t, outRegistered)
	payloadBytes, err := json.Marshal(env.Payload)
	require.NoError(t, err)
	var p registeredPayload
	require.NoError(t, json.Unmarshal(payloadBytes, &p))
	return p.UserID
}

func TestRegisterAssignsUserIDAndBroadcastsOnlineCount(t *testing.T) {
	core := newTestCore(t)

	conn, _ := connectClient(t, core, "t1")
	userID := registerUser(t, conn, map[string]any{"gender": "male", "age": "18-25"})
	assert.NotEmpty(t, userID)

	assert.Equal(t, 1, core.Stats().OnlineUsers)
}

func TestFindMatchPairsTwoCompatibleUsers(t *testing.T) {
	core := newTestCore(t)

	connA, _ := connectClient(t, core, "a")
	connB, _ := connectClient(t, core, "b")

	registerUser(t, connA, map[string]any{"gender": "male", "age": "18-25", "location": "nyc, usa"})
	registerUser(t, connB, map[string]any{"gender": "female", "age": "18-25", "location": "nyc, usa"})

	connA.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{"gender": "any", "age": "any"}})
	connB.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{"gender": "any", "age": "any"}})

	connA.waitForEvent(t, outMatchFound)
	connB.waitForEvent(t, outMatchFound)

	stats := core.Stats()
	assert.Equal(t, 1, stats.ActiveRooms)
	assert.Equal(t, 0, stats.QueueSize)
}

func TestFindMatchQueuesLoneWaiter(t *testing.T) {
	core := newTestCore(t)

	conn, _ := connectClient(t, core, "solo")
	registerUser(t, conn, map[string]any{"gender": "male"})

	conn.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	env := conn.waitForEvent(t, outQueued)
	assert.Equal(t, outQueued, env.Event)

	assert.Equal(t, 1, core.Stats().QueueSize)
}

func TestChatMessageForwardsAndAcksSender(t *testing.T) {
	core := newTestCore(t)

	connA, _ := connectClient(t, core, "a")
	connB, _ := connectClient(t, core, "b")
	registerUser(t, connA, map[string]any{})
	registerUser(t, connB, map[string]any{})

	connA.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connB.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connA.waitForEvent(t, outMatchFound)
	connB.waitForEvent(t, outMatchFound)

	connA.push(t, inChatMessage, chatMessagePayload{Text: "hello stranger"})
	connA.waitForEvent(t, outAck)
	env := connB.waitForEvent(t, outChatMessage)
	assert.Equal(t, outChatMessage, env.Event)
}

func TestEndChatNotifiesBothPeersWithGenericEndedEvent(t *testing.T) {
	core := newTestCore(t)

	connA, _ := connectClient(t, core, "a")
	connB, _ := connectClient(t, core, "b")
	registerUser(t, connA, map[string]any{})
	registerUser(t, connB, map[string]any{})

	connA.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connB.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connA.waitForEvent(t, outMatchFound)
	connB.waitForEvent(t, outMatchFound)

	connA.push(t, inEndChat, struct{}{})
	endedA := connA.waitForEvent(t, outAck)
	assert.Equal(t, outAck, endedA.Event)
	endedB := connB.waitForEvent(t, outEnded)

	payloadBytes, err := json.Marshal(endedB.Payload)
	require.NoError(t, err)
	var p endedPayload
	require.NoError(t, json.Unmarshal(payloadBytes, &p))
	assert.Equal(t, "user_action", p.Reason)

	assert.Equal(t, 0, core.Stats().ActiveRooms)
}

func TestValidationFailureRepliesOnlyToSender(t *testing.T) {
	core := newTestCore(t)

	connA, _ := connectClient(t, core, "a")
	connB, _ := connectClient(t, core, "b")
	registerUser(t, connA, map[string]any{})
	registerUser(t, connB, map[string]any{})

	connA.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connB.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connA.waitForEvent(t, outMatchFound)
	connB.waitForEvent(t, outMatchFound)

	connA.push(t, inChatMessage, chatMessagePayload{Text: "hi"}) // len 2, too_short
	connA.waitForEvent(t, outError)

	for _, env := range connB.events(t) {
		assert.NotEqual(t, outError, env.Event)
		assert.NotEqual(t, outChatMessage, env.Event)
	}
}

func TestDisconnectEndsRoomWithStrangerDisconnectedReason(t *testing.T) {
	core := newTestCore(t)

	connA, clientA := connectClient(t, core, "a")
	connB, _ := connectClient(t, core, "b")
	registerUser(t, connA, map[string]any{})
	registerUser(t, connB, map[string]any{})

	connA.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connB.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connA.waitForEvent(t, outMatchFound)
	connB.waitForEvent(t, outMatchFound)

	clientA.conn.Close()

	endedB := connB.waitForEvent(t, outEnded)
	payloadBytes, err := json.Marshal(endedB.Payload)
	require.NoError(t, err)
	var p endedPayload
	require.NoError(t, json.Unmarshal(payloadBytes, &p))
	assert.Equal(t, "stranger_disconnected", p.Reason)
}

func TestReportEndsRoomAndFlagsPeer(t *testing.T) {
	core := newTestCore(t)

	connA, _ := connectClient(t, core, "a")
	connB, _ := connectClient(t, core, "b")
	registerUser(t, connA, map[string]any{})
	registerUser(t, connB, map[string]any{})

	connA.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connB.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connA.waitForEvent(t, outMatchFound)
	connB.waitForEvent(t, outMatchFound)

	connA.push(t, inReport, reportPayload{Kind: "harassment"})
	connA.waitForEvent(t, outAck)
	endedB := connB.waitForEvent(t, outEnded)

	payloadBytes, err := json.Marshal(endedB.Payload)
	require.NoError(t, err)
	var p endedPayload
	require.NoError(t, json.Unmarshal(payloadBytes, &p))
	assert.Equal(t, "reported_harassment", p.Reason)
}

func TestShutdownEndsActiveRoomsAndRejectsNewState(t *testing.T) {
	core := newTestCore(t)

	connA, _ := connectClient(t, core, "a")
	connB, _ := connectClient(t, core, "b")
	registerUser(t, connA, map[string]any{})
	registerUser(t, connB, map[string]any{})

	connA.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connB.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connA.waitForEvent(t, outMatchFound)
	connB.waitForEvent(t, outMatchFound)

	connC, _ := connectClient(t, core, "c")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	core.Shutdown(ctx)

	endedA := connA.waitForEvent(t, outEnded)
	payloadBytes, err := json.Marshal(endedA.Payload)
	require.NoError(t, err)
	var p endedPayload
	require.NoError(t, json.Unmarshal(payloadBytes, &p))
	assert.Equal(t, "server_shutdown", p.Reason)

	connC.push(t, inRegister, registerPayload{Profile: map[string]any{}})
	rejected := connC.waitForEvent(t, outError)
	rejectedBytes, err := json.Marshal(rejected.Payload)
	require.NoError(t, err)
	var errPayload errorPayload
	require.NoError(t, json.Unmarshal(rejectedBytes, &errPayload))
	assert.Equal(t, "unavailable", errPayload.Kind)

	assert.Equal(t, 0, core.Stats().ActiveRooms)
}

func errEventKind(t *testing.T, env OutEnvelope) string {
	t.Helper()
	raw, err := json.Marshal(env.Payload)
	require.NoError(t, err)
	var p errorPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	return p.Kind
}

func TestFindMatchRejectsBannedUser(t *testing.T) {
	core := newTestCore(t)

	conn, _ := connectClient(t, core, "banned")
	userID := registerUser(t, conn, map[string]any{})

	for i := 0; i < 5; i++ {
		require.NoError(t, core.registry.Flag(registry.UserID(userID), "validation:too_short"))
	}

	conn.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	env := conn.waitForEvent(t, outError)
	assert.Equal(t, "precondition", errEventKind(t, env))
	assert.Equal(t, 0, core.Stats().QueueSize)
}

func TestChatMessageRejectsBannedUser(t *testing.T) {
	core := newTestCore(t)

	connA, _ := connectClient(t, core, "a")
	connB, _ := connectClient(t, core, "b")
	userA := registerUser(t, connA, map[string]any{})
	registerUser(t, connB, map[string]any{})

	connA.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connB.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connA.waitForEvent(t, outMatchFound)
	connB.waitForEvent(t, outMatchFound)

	for i := 0; i < 5; i++ {
		require.NoError(t, core.registry.Flag(registry.UserID(userA), "validation:too_short"))
	}

	connA.push(t, inChatMessage, chatMessagePayload{Text: "hello stranger"})
	env := connA.waitForEvent(t, outError)
	assert.Equal(t, "precondition", errEventKind(t, env))

	for _, env := range connB.events(t) {
		assert.NotEqual(t, outChatMessage, env.Event)
	}
}

func TestMatchFoundIncludesPeerProfileAndChatMessageIncludesSenderType(t *testing.T) {
	core := newTestCore(t)

	connA, _ := connectClient(t, core, "a")
	connB, _ := connectClient(t, core, "b")
	registerUser(t, connA, map[string]any{"gender": "male", "age": "18-25"})
	registerUser(t, connB, map[string]any{"gender": "female", "age": "26-35"})

	connA.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{"gender": "any", "age": "any"}})
	connB.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{"gender": "any", "age": "any"}})
	foundA := connA.waitForEvent(t, outMatchFound)
	connB.waitForEvent(t, outMatchFound)

	raw, err := json.Marshal(foundA.Payload)
	require.NoError(t, err)
	var mf matchFoundPayload
	require.NoError(t, json.Unmarshal(raw, &mf))
	assert.EqualValues(t, "female", mf.Peer.Gender)

	connA.push(t, inChatMessage, chatMessagePayload{Text: "hello stranger"})
	connA.waitForEvent(t, outAck)
	msg := connB.waitForEvent(t, outChatMessage)
	msgRaw, err := json.Marshal(msg.Payload)
	require.NoError(t, err)
	var cm chatMessageOutPayload
	require.NoError(t, json.Unmarshal(msgRaw, &cm))
	assert.Equal(t, senderTypeStranger, cm.SenderType)
}

func TestReportMarksReporterTargetAsReported(t *testing.T) {
	core := newTestCore(t)

	connA, _ := connectClient(t, core, "a")
	connB, _ := connectClient(t, core, "b")
	registerUser(t, connA, map[string]any{})
	userB := registerUser(t, connB, map[string]any{})

	connA.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connB.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connA.waitForEvent(t, outMatchFound)
	connB.waitForEvent(t, outMatchFound)

	connA.push(t, inReport, reportPayload{Kind: "harassment"})
	connA.waitForEvent(t, outAck)
	connB.waitForEvent(t, outEnded)

	session, ok := core.registry.GetByUser(registry.UserID(userB))
	require.True(t, ok)
	assert.True(t, session.Reported)
}

func TestChatMessageOverCapReturnsCapacityErrorAndEndsRoom(t *testing.T) {
	core := newTestCore(t)

	connA, _ := connectClient(t, core, "a")
	connB, _ := connectClient(t, core, "b")
	registerUser(t, connA, map[string]any{})
	registerUser(t, connB, map[string]any{})

	connA.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connB.push(t, inFindMatch, findMatchPayload{Preferences: map[string]any{}})
	connA.waitForEvent(t, outMatchFound)
	connB.waitForEvent(t, outMatchFound)

	for i := 0; i < 1000; i++ {
		sender := connA
		if i%2 == 1 {
			sender = connB
		}
		sender.push(t, inChatMessage, chatMessagePayload{Text: "hello there"})
	}
	connA.waitForEventCount(t, outAck, 500)
	connB.waitForEventCount(t, outAck, 500)

	connA.push(t, inChatMessage, chatMessagePayload{Text: "one too many"})
	env := connA.waitForEvent(t, outError)
	assert.Equal(t, "capacity", errEventKind(t, env))
	connB.waitForEvent(t, outEnded)

	assert.Equal(t, 0, core.Stats().ActiveRooms)
}
