package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType names a real-time event in either direction.
type EventType string

// Client to server.
const (
	EventJoinSession   EventType = "join-session"
	EventOffer         EventType = "offer"
	EventAnswer        EventType = "answer"
	EventICECandidate  EventType = "ice-candidate"
	EventChatMessage   EventType = "chat-message"
	EventEndCall       EventType = "end-call"
	EventLeaveCall     EventType = "leave-call"
	EventExpireSession EventType = "expire-session"
)

// Server to client. Signaling kinds, chat-message and end-call are shared with
// the client direction.
const (
	EventAck              EventType = "ack"
	EventConnected        EventType = "connected"
	EventClientUpdate     EventType = "client-update"
	EventClientJoined     EventType = "client-joined"
	EventNotification     EventType = "notification"
	EventSessionStatus    EventType = "session-status"
	EventCreatorSet       EventType = "creator-set"
	EventSessionFull      EventType = "session-full"
	EventSessionExpired   EventType = "session-expired"
	EventPermissionDenied EventType = "permission-denied"
	EventError            EventType = "error"
)

// IsSignal reports whether t is one of the opaque WebRTC signaling kinds.
func (t EventType) IsSignal() bool {
	return t == EventOffer || t == EventAnswer || t == EventICECandidate
}

// ErrInvalidEvent wraps every boundary validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// ClientEvent is the closed set of events a client may send. Only the types in
// this package implement it.
type ClientEvent interface {
	Type() EventType
	Validate() error
	isClientEvent()
}

// envelope is the wire shape of every client frame.
type envelope struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// JoinSession asks to join (and implicitly create) a session.
type JoinSession struct {
	SessionID   string `json:"sessionId"`
	ClientID    string `json:"clientId"`
	Nickname    string `json:"nickname"`
	SessionType string `json:"sessionType,omitempty"`
}

// Signal carries an offer, answer or ICE candidate. Payload is never inspected.
type Signal struct {
	Kind      EventType       `json:"-"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

// ChatSend posts a chat message to the session.
type ChatSend struct {
	SessionID string `json:"sessionId"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
}

// EndCall is the creator-only request to end a session.
type EndCall struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// LeaveCall detaches the connection from its session.
type LeaveCall struct {
	SessionID string `json:"sessionId"`
}

// ExpireSession is the administrative expire path. Token is an admin JWT.
type ExpireSession struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

func (JoinSession) Type() EventType   { return EventJoinSession }
func (s Signal) Type() EventType      { return s.Kind }
func (ChatSend) Type() EventType      { return EventChatMessage }
func (EndCall) Type() EventType       { return EventEndCall }
func (LeaveCall) Type() EventType     { return EventLeaveCall }
func (ExpireSession) Type() EventType { return EventExpireSession }

func (JoinSession) isClientEvent()   {}
func (Signal) isClientEvent()        {}
func (ChatSend) isClientEvent()      {}
func (EndCall) isClientEvent()       {}
func (LeaveCall) isClientEvent()     {}
func (ExpireSession) isClientEvent() {}

const (
	maxIDLen       = 128
	maxNicknameLen = 64
	maxChatLen     = 4096
)

func requireField(name, v string, max int) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidEvent, name)
	}
	if len(v) > max {
		return fmt.Errorf("%w: %s too long", ErrInvalidEvent, name)
	}
	return nil
}

func (e JoinSession) Validate() error {
	if err := requireField("sessionId", e.SessionID, maxIDLen); err != nil {
		return err
	}
	if err := requireField("clientId", e.ClientID, maxIDLen); err != nil {
		return err
	}
	if err := requireField("nickname", e.Nickname, maxNicknameLen); err != nil {
		return err
	}
	if e.SessionType != "" {
		if _, err := ParseSessionType(e.SessionType); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	return nil
}

func (e Signal) Validate() error {
	if !e.Kind.IsSignal() {
		return fmt.Errorf("%w: %q is not a signaling kind", ErrInvalidEvent, e.Kind)
	}
	if err := requireField("sessionId", e.SessionID, maxIDLen); err != nil {
		return err
	}
	if len(bytes.TrimSpace(e.Payload)) == 0 || bytes.Equal(bytes.TrimSpace(e.Payload), []byte("null")) {
		return fmt.Errorf("%w: payload is required", ErrInvalidEvent)
	}
	return nil
}

func (e ChatSend) Validate() error {
	if err := requireField("sessionId", e.SessionID, maxIDLen); err != nil {
		return err
	}
	if err := requireField("sender", e.Sender, maxNicknameLen); err != nil {
		return err
	}
	return requireField("message", e.Message, maxChatLen)
}

func (e EndCall) Validate() error {
	if err := requireField("sessionId", e.SessionID, maxIDLen); err != nil {
		return err
	}
	return requireField("userId", e.UserID, maxIDLen)
}

func (e LeaveCall) Validate() error {
	return requireField("sessionId", e.SessionID, maxIDLen)
}

func (e ExpireSession) Validate() error {
	return requireField("sessionId", e.SessionID, maxIDLen)
}

// ParseClientEvent decodes and validates a client frame. The request id is
// returned even when validation fails so the caller can address its reply.
func ParseClientEvent(data []byte) (ClientEvent, string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var ev ClientEvent
	switch env.Type {
	case EventJoinSession:
		var e JoinSession
		if err := decodeData(env.Data, &e); err != nil {
			return nil, env.RequestID, err
		}
		ev = e
	case EventOffer, EventAnswer, EventICECandidate:
		e := Signal{Kind: env.Type}
		if err := decodeData(env.Data, &e); err != nil {
			return nil, env.RequestID, err
		}
		e.Kind = env.Type
		ev = e
	case EventChatMessage:
		var e ChatSend
		if err := decodeData(env.Data, &e); err != nil {
			return nil, env.RequestID, err
		}
		ev = e
	case EventEndCall:
		var e EndCall
		if err := decodeData(env.Data, &e); err != nil {
			return nil, env.RequestID, err
		}
		ev = e
	case EventLeaveCall:
		var e LeaveCall
		if err := decodeData(env.Data, &e); err != nil {
			return nil, env.RequestID, err
		}
		ev = e
	case EventExpireSession:
		var e ExpireSession
		if err := decodeData(env.Data, &e); err != nil {
			return nil, env.RequestID, err
		}
		ev = e
	case "":
		return nil, env.RequestID, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	default:
		return nil, env.RequestID, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, env.Type)
	}

	if err := ev.Validate(); err != nil {
		return nil, env.RequestID, err
	}
	return ev, env.RequestID, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidEvent)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// ServerEvent is the wire shape of every server frame.
type ServerEvent struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	From      string    `json:"from,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Encode marshals the event for the wire.
func (e ServerEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ErrorData is the body of error and permission-denied events.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectedData is sent once after the socket is accepted.
type ConnectedData struct {
	ConnectionID string `json:"connectionId"`
	ClientID     string `json:"clientId"`
}

// EndCallData is broadcast when the creator ends a session.
type EndCallData struct {
	SessionID       string `json:"sessionId"`
	UserID          string `json:"userId"`
	CreatorNickname string `json:"creatorNickname,omitempty"`
}

// ChatData is the broadcast form of a chat message.
type ChatData struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// SessionStatusData is the body of session-status events.
type SessionStatusData struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
}

// CreatorSetData tells a joiner it holds the creator role.
type CreatorSetData struct {
	SessionID string `json:"sessionId"`
	CreatorID string `json:"creatorId"`
}

// ClientJoinedData announces a new non-creator member to the others.
type ClientJoinedData struct {
	ClientID string `json:"clientId"`
	Nickname string `json:"nickname"`
}

// SessionFullData is sent to a joiner rejected for capacity.
type SessionFullData struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}
