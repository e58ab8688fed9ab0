// Package dispatcher is the Event Dispatcher: it translates transport
// frames into Registry/Matching/Chatroom operations and fans responses
// back to one or both peers, all from a single serialized event loop.
// Client.readPump/writePump run one goroutine each per connection for
// I/O only; every state mutation happens inside Core.Run.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/strangerrelay/relaycore/internal/chatroom"
	"github.com/strangerrelay/relaycore/internal/contentfilter"
	"github.com/strangerrelay/relaycore/internal/matching"
	"github.com/strangerrelay/relaycore/internal/metrics"
	"github.com/strangerrelay/relaycore/internal/profile"
	"github.com/strangerrelay/relaycore/internal/registry"
)

var (
	errPrecondition = errors.New("dispatcher: precondition failed")
	errValidation   = errors.New("dispatcher: message failed validation")
)

const (
	statsInterval        = 30 * time.Second
	roomSweepInterval     = 5 * time.Minute
	queueSweepInterval    = 1 * time.Minute
	roomInactiveThreshold = 30 * time.Minute

	inboundBufferSize = 256
	eventBufferSize   = 64
)

// Settings bundles the dispatcher's tunable knobs, sourced from
// internal/config at startup.
type Settings struct {
	MaxMessageLength     int
	ContentFilterEnabled bool
}

type inboundMsg struct {
	client *Client
	env    Envelope
}

// Core owns the Registry, Matching Engine, and Chat Room Manager and
// runs the single authoritative event loop that serializes every
// mutation against them.
type Core struct {
	registry *registry.Registry
	matching *matching.Engine
	rooms    *chatroom.Manager
	filter   *contentfilter.Filter
	settings Settings
	metrics  *metrics.Metrics
	log      *zap.Logger

	inbound         chan inboundMsg
	sessionExpired  chan registry.UserID
	roomTimedOut    chan chatroom.RoomID
	shutdown        chan chan struct{}

	draining bool
	byUser   map[registry.UserID]*Client

	totalConnections atomic.Int64
	totalWaitMs      atomic.Int64
	totalMatches     atomic.Int64
	startedAt        time.Time
}

// New wires a Core together. filter may be nil when content filtering is
// disabled; in that case Core skips the Apply step entirely.
func New(settings Settings, filter *contentfilter.Filter, m *metrics.Metrics, log *zap.Logger) *Core {
	core := &Core{
		filter:         filter,
		settings:       settings,
		metrics:        m,
		log:            log,
		inbound:        make(chan inboundMsg, inboundBufferSize),
		sessionExpired: make(chan registry.UserID, eventBufferSize),
		roomTimedOut:   make(chan chatroom.RoomID, eventBufferSize),
		shutdown:       make(chan chan struct{}),
		byUser:         make(map[registry.UserID]*Client),
		startedAt:      time.Now(),
	}

	core.registry = registry.New(30*time.Minute, func(userID registry.UserID) {
		select {
		case core.sessionExpired <- userID:
		default:
			log.Warn("session-expired channel full, dropping expiry notice", zap.String("userId", string(userID)))
		}
	})
	core.rooms = chatroom.New(10000, func(u chatroom.UserID) {
		_ = core.registry.UnbindRoom(registry.UserID(u))
	}, func(roomID chatroom.RoomID) {
		select {
		case core.roomTimedOut <- roomID:
		default:
			log.Warn("room-timeout channel full, dropping timeout notice", zap.String("roomId", string(roomID)))
		}
	})
	core.matching = matching.New(2*time.Second, eventBufferSize)
	return core
}

// NewClient wraps a raw socket connection into a Client bound to this
// Core, ready for its readPump/writePump to be started.
func (c *Core) NewClient(conn wsConnection, transportID string) *Client {
	c.totalConnections.Add(1)
	if c.metrics != nil {
		c.metrics.ActiveConnections.Inc()
	}
	return newClient(conn, transportID, c, c.log)
}

func (c *Core) postInbound(client *Client, env Envelope) {
	c.inbound <- inboundMsg{client: client, env: env}
}

func (c *Core) postDisconnect(client *Client) {
	if c.metrics != nil {
		c.metrics.ActiveConnections.Dec()
	}
	c.inbound <- inboundMsg{client: client, env: Envelope{Event: "disconnect"}}
}

// Run drives the event loop until ctx is cancelled. It also starts the
// matching engine's own background loop as a child of ctx.
func (c *Core) Run(ctx context.Context) {
	go c.matching.Run(ctx)

	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()
	roomSweepTicker := time.NewTicker(roomSweepInterval)
	defer roomSweepTicker.Stop()
	queueSweepTicker := time.NewTicker(queueSweepInterval)
	defer queueSweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbound:
			c.handle(msg.client, msg.env)
		case pair := <-c.matching.Matches():
			c.handleMatchPair(pair)
		case userID := <-c.sessionExpired:
			c.handleSessionExpired(userID)
		case roomID := <-c.roomTimedOut:
			c.endRoom(chatroom.RoomID(roomID), chatroom.ReasonTimeout, "")
		case <-statsTicker.C:
			c.broadcastStats()
		case <-roomSweepTicker.C:
			c.sweepRooms()
		case <-queueSweepTicker.C:
			c.sweepQueue()
		case done := <-c.shutdown:
			c.drain()
			close(done)
		}
	}
}

// Shutdown asks the event loop to stop accepting new registrations and
// matches and end every active room with reason server_shutdown. It
// blocks until draining completes or ctx is cancelled first.
func (c *Core) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	select {
	case c.shutdown <- done:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (c *Core) drain() {
	c.draining = true
	for _, roomID := range c.rooms.ActiveRoomIDs() {
		summary, err := c.rooms.End(roomID, chatroom.ReasonServerShutdown, "")
		if err != nil {
			continue
		}
		c.notifyRoomEnded(summary)
	}
}

func (c *Core) handle(client *Client, env Envelope) {
	start := time.Now()
	outcome := "success"
	defer func() {
		if c.metrics != nil {
			c.metrics.EventsTotal.WithLabelValues(env.Event, outcome).Inc()
			c.metrics.EventProcessingDuration.WithLabelValues(env.Event).Observe(time.Since(start).Seconds())
		}
	}()

	switch env.Event {
	case inRegister:
		c.handleRegister(client, env.Payload)
	case inUpdateProfile:
		c.handleUpdateProfile(client, env.Payload)
	case inFindMatch:
		c.handleFindMatch(client, env.Payload)
	case inChatMessage:
		if err := c.handleChatMessage(client, env.Payload); err != nil {
			outcome = "error"
		}
	case inWebrtcOffer:
		c.forwardSignal(client, outWebrtcOffer, env.Payload)
	case inWebrtcAnswer:
		c.forwardSignal(client, outWebrtcAnswer, env.Payload)
	case inIceCandidate:
		c.forwardSignal(client, outIceCandidate, env.Payload)
	case inTypingStart:
		c.forwardTyping(client, true)
	case inTypingStop:
		c.forwardTyping(client, false)
	case inEndChat:
		c.handleEndChat(client)
	case inReport:
		c.handleReport(client, env.Payload)
	case "disconnect":
		c.handleDisconnect(client)
	default:
		client.enqueue(OutEnvelope{Event: outError, Payload: errorPayload{Kind: "validation", Message: "unknown event"}})
		outcome = "error"
	}
}

func (c *Core) session(client *Client) (*registry.Session, bool) {
	return c.registry.GetByTransport(registry.TransportID(client.TransportID))
}

func (c *Core) sendError(client *Client, kind, message string) {
	client.enqueue(OutEnvelope{Event: outError, Payload: errorPayload{Kind: kind, Message: message}})
}

func (c *Core) handleRegister(client *Client, raw json.RawMessage) {
	if c.draining {
		c.sendError(client, "unavailable", "server is shutting down")
		return
	}
	var payload registerPayload
	_ = json.Unmarshal(raw, &payload)

	session, err := c.registry.Create(registry.TransportID(client.TransportID), payload.Profile)
	if err != nil {
		c.sendError(client, "precondition", "already registered")
		return
	}
	c.byUser[session.UserID] = client
	if c.metrics != nil {
		c.metrics.OnlineUsers.Set(float64(c.registry.OnlineCount()))
	}

	client.enqueue(OutEnvelope{Event: outRegistered, Payload: registeredPayload{
		UserID:      string(session.UserID),
		OnlineCount: c.registry.OnlineCount(),
	}})
	c.broadcastOnlineCount()
}

func (c *Core) handleUpdateProfile(client *Client, raw json.RawMessage) {
	var payload updateProfilePayload
	_ = json.Unmarshal(raw, &payload)
	if _, ok := c.session(client); !ok {
		c.sendError(client, "precondition", "no session")
		return
	}
	_ = c.registry.UpdateProfile(registry.TransportID(client.TransportID), payload.Profile)
}

func (c *Core) handleFindMatch(client *Client, raw json.RawMessage) {
	if c.draining {
		c.sendError(client, "unavailable", "server is shutting down")
		return
	}
	session, ok := c.session(client)
	if !ok {
		c.sendError(client, "precondition", "no session")
		return
	}
	if session.InRoom() {
		c.sendError(client, "precondition", "already in a room")
		return
	}
	if session.Banned {
		c.sendError(client, "precondition", "account banned")
		return
	}
	_ = c.registry.Touch(registry.TransportID(client.TransportID))

	var payload findMatchPayload
	_ = json.Unmarshal(raw, &payload)
	prefs := profile.NormalizePreferences(payload.Preferences)

	userID := matching.UserID(session.UserID)
	entry, err := c.matching.Enqueue(userID, session.Profile, prefs, session.TrustScore, session.ViolationCount, session.ConnectedAt)
	if err != nil {
		c.sendError(client, "capacity", "queue full")
		return
	}
	_ = entry

	if pair, matched := c.matching.TryMatchNow(userID); matched {
		c.createRoomFromPair(pair, prefs.ChatType)
		return
	}

	client.enqueue(OutEnvelope{Event: outQueued, Payload: queuedPayload{
		Position:    c.matching.Position(userID),
		OnlineCount: c.registry.OnlineCount(),
	}})
}

func (c *Core) handleMatchPair(pair matching.MatchPair) {
	c.createRoomFromPair(pair, pair.ChatType)
}

func (c *Core) createRoomFromPair(pair matching.MatchPair, chatType profile.ChatType) {
	userA := registry.UserID(pair.A)
	userB := registry.UserID(pair.B)

	// The background match loop removes both users from the queue
	// before this event reaches the single event loop, leaving a
	// window where a stray find_match from either user re-enqueues
	// them. Cancel defensively so a user is never simultaneously
	// in-queue and in-room.
	c.matching.Cancel(pair.A)
	c.matching.Cancel(pair.B)

	room := c.rooms.Create(chatroom.UserID(userA), chatroom.UserID(userB), chatType)
	_ = c.registry.BindRoom(userA, registry.RoomID(room.ID))
	_ = c.registry.BindRoom(userB, registry.RoomID(room.ID))
	if pair.WaitMs > 0 {
		c.totalWaitMs.Add(pair.WaitMs)
		c.totalMatches.Add(1)
	}
	if c.metrics != nil {
		c.metrics.MatchesTotal.Inc()
		c.metrics.ActiveRooms.Set(float64(c.rooms.ActiveRoomCount()))
	}

	sessionA, _ := c.registry.GetByUser(userA)
	sessionB, _ := c.registry.GetByUser(userB)

	if clientA, ok := c.byUser[userA]; ok {
		clientA.enqueue(OutEnvelope{Event: outMatchFound, Payload: matchFoundPayload{
			RoomID: string(room.ID), Peer: peerProfile(sessionB),
		}})
	}
	if clientB, ok := c.byUser[userB]; ok {
		clientB.enqueue(OutEnvelope{Event: outMatchFound, Payload: matchFoundPayload{
			RoomID: string(room.ID), Peer: peerProfile(sessionA),
		}})
	}
}

// peerProfile builds the peer-facing profile payload for a match_found
// frame. A nil session (peer disconnected between match and dispatch)
// yields a zero-value payload rather than a panic.
func peerProfile(s *registry.Session) peerProfilePayload {
	if s == nil {
		return peerProfilePayload{}
	}
	return peerProfilePayload{Gender: s.Profile.Gender, Age: s.Profile.Age, Location: s.Profile.Location}
}

func (c *Core) handleChatMessage(client *Client, raw json.RawMessage) error {
	session, ok := c.session(client)
	if !ok || !session.InRoom() {
		c.sendError(client, "precondition", "no active room")
		return errPrecondition
	}
	if session.Banned {
		c.sendError(client, "precondition", "account banned")
		return errPrecondition
	}
	_ = c.registry.Touch(registry.TransportID(client.TransportID))

	var payload chatMessagePayload
	_ = json.Unmarshal(raw, &payload)

	if suspicious, reason := contentfilter.Validate(payload.Text); suspicious {
		_ = c.registry.Flag(session.UserID, "validation:"+reason)
		if c.metrics != nil {
			c.metrics.ValidationFailures.WithLabelValues(reason).Inc()
		}
		c.sendError(client, "validation", "message rejected")
		return errValidation
	}

	text := payload.Text
	if c.settings.ContentFilterEnabled && c.filter != nil {
		text = c.filter.Apply(text, c.settings.MaxMessageLength)
	} else {
		text = truncateRunes(text, c.settings.MaxMessageLength)
	}

	roomID := chatroom.RoomID(session.CurrentRoomID)
	res, err := c.rooms.AppendMessage(roomID, chatroom.UserID(session.UserID), text)
	if err != nil {
		if errors.Is(err, chatroom.ErrCapacityReached) {
			c.sendError(client, "capacity", "message limit reached")
			if res.AutoEnded {
				c.notifyRoomEnded(res.EndSummary)
			}
		} else {
			c.sendError(client, "capacity", "room closed")
		}
		return err
	}

	room, _ := c.rooms.GetByRoom(roomID)
	peer := registry.UserID("")
	if room != nil {
		peer = registry.UserID(room.Other(chatroom.UserID(session.UserID)))
	} else if res.AutoEnded {
		peer = registry.UserID(res.EndSummary.Participants[0])
		if peer == session.UserID {
			peer = registry.UserID(res.EndSummary.Participants[1])
		}
	}
	if peerClient, ok := c.byUser[peer]; ok {
		peerClient.enqueue(OutEnvelope{Event: outChatMessage, Payload: chatMessageOutPayload{
			SenderID: string(session.UserID), SenderType: senderTypeStranger,
			Text: res.Message.Text, Sequence: res.Message.Sequence,
		}})
	}
	client.enqueue(OutEnvelope{Event: outAck, Payload: ackPayload{Sequence: res.Message.Sequence}})

	if res.AutoEnded {
		c.notifyRoomEnded(res.EndSummary)
	}
	return nil
}

// truncateRunes clips text to at most maxLength runes, matching the
// content filter's own rune-aware truncation so a multibyte character
// is never split across the cut.
func truncateRunes(text string, maxLength int) string {
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}
	return string(runes[:maxLength])
}

func (c *Core) forwardSignal(client *Client, outEvent string, raw json.RawMessage) {
	session, ok := c.session(client)
	if !ok || !session.InRoom() {
		c.sendError(client, "precondition", "no active room")
		return
	}
	room, ok := c.rooms.GetByRoom(chatroom.RoomID(session.CurrentRoomID))
	if !ok {
		c.sendError(client, "precondition", "no active room")
		return
	}
	peer := registry.UserID(room.Other(chatroom.UserID(session.UserID)))
	if peerClient, ok := c.byUser[peer]; ok {
		peerClient.enqueue(OutEnvelope{Event: outEvent, Payload: signalingOutPayload{
			SenderID: string(session.UserID), Blob: raw,
		}})
	}
}

func (c *Core) forwardTyping(client *Client, on bool) {
	session, ok := c.session(client)
	if !ok || !session.InRoom() {
		return
	}
	room, ok := c.rooms.GetByRoom(chatroom.RoomID(session.CurrentRoomID))
	if !ok {
		return
	}
	peer := registry.UserID(room.Other(chatroom.UserID(session.UserID)))
	if peerClient, ok := c.byUser[peer]; ok {
		peerClient.enqueue(OutEnvelope{Event: outPeerTyping, Payload: peerTypingPayload{On: on}})
	}
}

func (c *Core) handleEndChat(client *Client) {
	session, ok := c.session(client)
	if !ok || !session.InRoom() {
		c.sendError(client, "precondition", "no active room")
		return
	}
	summary, err := c.rooms.End(chatroom.RoomID(session.CurrentRoomID), chatroom.ReasonUserAction, chatroom.UserID(session.UserID))
	if err != nil {
		return
	}
	client.enqueue(OutEnvelope{Event: outAck, Payload: nil})
	c.notifyRoomEnded(summary)
}

func (c *Core) handleReport(client *Client, raw json.RawMessage) {
	session, ok := c.session(client)
	if !ok || !session.InRoom() {
		c.sendError(client, "precondition", "no active room")
		return
	}
	var payload reportPayload
	_ = json.Unmarshal(raw, &payload)

	room, ok := c.rooms.GetByRoom(chatroom.RoomID(session.CurrentRoomID))
	if !ok {
		return
	}
	peer := registry.UserID(room.Other(chatroom.UserID(session.UserID)))
	_ = c.registry.Flag(peer, "report:"+payload.Kind)
	_ = c.registry.MarkReported(peer)

	summary, err := c.rooms.End(room.ID, reportReason(payload.Kind), chatroom.UserID(session.UserID))
	if err != nil {
		return
	}
	client.enqueue(OutEnvelope{Event: outAck, Payload: nil})
	c.notifyRoomEnded(summary)
}

func reportReason(kind string) chatroom.EndReason {
	switch kind {
	case "harassment":
		return chatroom.ReasonReportedHarassment
	case "spam":
		return chatroom.ReasonReportedSpam
	default:
		return chatroom.ReasonReportedInappropriate
	}
}

func (c *Core) handleDisconnect(client *Client) {
	defer client.closeSend()

	session, ok := c.registry.Remove(registry.TransportID(client.TransportID))
	if !ok {
		return
	}
	delete(c.byUser, session.UserID)
	c.matching.Cancel(matching.UserID(session.UserID))

	if session.InRoom() {
		summary, err := c.rooms.End(chatroom.RoomID(session.CurrentRoomID), chatroom.ReasonStrangerDisconnected, chatroom.UserID(session.UserID))
		if err == nil {
			c.notifyRoomEnded(summary)
		}
	}
	if c.metrics != nil {
		c.metrics.OnlineUsers.Set(float64(c.registry.OnlineCount()))
	}
	c.broadcastOnlineCount()
}

func (c *Core) handleSessionExpired(userID registry.UserID) {
	session, ok := c.registry.GetByUser(userID)
	if !ok {
		return
	}
	if client, ok := c.byUser[userID]; ok {
		client.conn.Close()
		return
	}
	// No live connection object (already gone); finish cleanup directly.
	delete(c.byUser, userID)
	c.matching.Cancel(matching.UserID(userID))
	if session.InRoom() {
		if summary, err := c.rooms.End(chatroom.RoomID(session.CurrentRoomID), chatroom.ReasonStrangerDisconnected, ""); err == nil {
			c.notifyRoomEnded(summary)
		}
	}
	c.registry.Remove(session.TransportID)
}

func (c *Core) endRoom(roomID chatroom.RoomID, reason chatroom.EndReason, endedBy chatroom.UserID) {
	summary, err := c.rooms.End(roomID, reason, endedBy)
	if err != nil {
		return
	}
	c.notifyRoomEnded(summary)
}

func (c *Core) notifyRoomEnded(summary chatroom.Summary) {
	if c.metrics != nil {
		c.metrics.RoomsEndedTotal.WithLabelValues(string(summary.EndReason)).Inc()
		c.metrics.ActiveRooms.Set(float64(c.rooms.ActiveRoomCount()))
	}
	env := OutEnvelope{Event: outEnded, Payload: endedPayload{Reason: string(summary.EndReason)}}
	for _, participant := range summary.Participants {
		if client, ok := c.byUser[registry.UserID(participant)]; ok {
			client.enqueue(env)
		}
	}
}

func (c *Core) broadcastOnlineCount() {
	env := OutEnvelope{Event: outOnlineCount, Payload: onlineCountPayload{OnlineCount: c.registry.OnlineCount()}}
	for _, client := range c.byUser {
		client.enqueue(env)
	}
}

func (c *Core) broadcastStats() {
	if c.metrics != nil {
		c.metrics.QueueSize.Set(float64(c.matching.QueueSize()))
	}
	env := OutEnvelope{Event: outStats, Payload: statsPayload{
		OnlineUsers: c.registry.OnlineCount(),
		ActiveRooms: c.rooms.ActiveRoomCount(),
	}}
	for _, client := range c.byUser {
		client.enqueue(env)
	}
}

func (c *Core) sweepRooms() {
	summaries := c.rooms.SweepInactive(roomInactiveThreshold)
	for _, summary := range summaries {
		c.notifyRoomEnded(summary)
	}
}

func (c *Core) sweepQueue() {
	stale := c.matching.SweepStale(matching.DefaultMaxWait)
	for _, userID := range stale {
		if client, ok := c.byUser[registry.UserID(userID)]; ok {
			c.sendError(client, "precondition", "match wait exceeded")
		}
	}
}

// Stats is a point-in-time snapshot of the relay's operational counters,
// read by the admin HTTP surface. All fields are computed from
// concurrency-safe sources and may be read from any goroutine.
type Stats struct {
	OnlineUsers      int
	ActiveRooms      int
	QueueSize        int
	TotalConnections int64
	AverageWaitMs    float64
	UptimeSeconds    float64
}

// Stats returns the current operational snapshot.
func (c *Core) Stats() Stats {
	matches := c.totalMatches.Load()
	var avgWait float64
	if matches > 0 {
		avgWait = float64(c.totalWaitMs.Load()) / float64(matches)
	}
	return Stats{
		OnlineUsers:      c.registry.OnlineCount(),
		ActiveRooms:      c.rooms.ActiveRoomCount(),
		QueueSize:        c.matching.QueueSize(),
		TotalConnections: c.totalConnections.Load(),
		AverageWaitMs:    avgWait,
		UptimeSeconds:    time.Since(c.startedAt).Seconds(),
	}
}

// Sessions returns a redacted snapshot of every registered session, for
// the non-production /debug surface.
func (c *Core) Sessions() []registry.Session {
	return c.registry.Snapshot()
}

// RoomHistory returns the closed-room history ring, oldest first, for
// the non-production /debug surface.
func (c *Core) RoomHistory() []chatroom.Summary {
	return c.rooms.History()
}
