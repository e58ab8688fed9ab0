package dispatcher

import (
	"encoding/json"

	"github.com/strangerrelay/relaycore/internal/profile"
)

// Envelope is one inbound frame from a client transport: an event name
// plus an opaque, event-specific payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutEnvelope is one outbound frame delivered to a client transport.
type OutEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Outbound event names, per the inbound/outbound event table.
const (
	outRegistered   = "registered"
	outOnlineCount  = "online_count"
	outQueued       = "queued"
	outMatchFound   = "match_found"
	outChatMessage  = "chat_message"
	outAck          = "ack"
	outWebrtcOffer  = "webrtc_offer"
	outWebrtcAnswer = "webrtc_answer"
	outIceCandidate = "ice_candidate"
	outPeerTyping   = "peer_typing"
	outEnded        = "ended"
	outStats        = "stats"
	outError        = "error"
)

// senderTypeStranger is the only sender_type a client ever sees on a
// forwarded chat_message: the relay is anonymous, so a peer is always
// "stranger" and never identified further.
const senderTypeStranger = "stranger"

// Inbound event names, per the inbound event table.
const (
	inRegister      = "register"
	inUpdateProfile = "update_profile"
	inFindMatch     = "find_match"
	inChatMessage   = "chat_message"
	inWebrtcOffer   = "webrtc_offer"
	inWebrtcAnswer  = "webrtc_answer"
	inIceCandidate  = "ice_candidate"
	inTypingStart   = "typing_start"
	inTypingStop    = "typing_stop"
	inEndChat       = "end_chat"
	inReport        = "report"
)

// registerPayload is the inbound payload for "register": a raw,
// untrusted profile attribute map handed to profile.NormalizeProfile.
type registerPayload struct {
	Profile map[string]any `json:"profile"`
}

type updateProfilePayload struct {
	Profile map[string]any `json:"profile"`
}

// findMatchPayload is the inbound payload for "find_match": raw
// preference attributes handed to profile.NormalizePreferences.
type findMatchPayload struct {
	Preferences map[string]any `json:"preferences"`
}

type chatMessagePayload struct {
	Text string `json:"text"`
}

type reportPayload struct {
	Kind string `json:"kind"`
}

// errorPayload is the shape of every "error" outbound frame.
type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type registeredPayload struct {
	UserID      string `json:"user_id"`
	OnlineCount int    `json:"online_count"`
}

type onlineCountPayload struct {
	OnlineCount int `json:"online_count"`
}

type queuedPayload struct {
	Position    int `json:"position"`
	OnlineCount int `json:"online_count"`
}

// peerProfilePayload is the counterpart's own sanitized attributes,
// sent alongside match_found so each side can render who they were
// paired with without a follow-up round trip.
type peerProfilePayload struct {
	Gender   profile.Gender     `json:"gender"`
	Age      profile.AgeBracket `json:"age"`
	Location string             `json:"location,omitempty"`
}

type matchFoundPayload struct {
	RoomID string             `json:"room_id"`
	Peer   peerProfilePayload `json:"peer"`
}

type chatMessageOutPayload struct {
	SenderID   string `json:"sender_id"`
	SenderType string `json:"sender_type"`
	Text       string `json:"text"`
	Sequence   int    `json:"sequence"`
}

type ackPayload struct {
	Sequence int `json:"sequence,omitempty"`
}

type signalingOutPayload struct {
	SenderID string          `json:"sender_id"`
	Blob     json.RawMessage `json:"blob"`
}

type peerTypingPayload struct {
	On bool `json:"on"`
}

type endedPayload struct {
	Reason string `json:"reason"`
}

type statsPayload struct {
	OnlineUsers int `json:"online_users"`
	ActiveRooms int `json:"active_rooms"`
}
