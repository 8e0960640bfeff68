package socket

import (
	"encoding/json"
	"regexp"
	"time"
	"unicode/utf8"

	"pulse/internal/apperr"
	"pulse/internal/storage"
)

// Frame is the wire envelope in both directions:
//
//	{"event": "<name>", "data": {...}}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client to server events.
const (
	EventSendMessage          = "sendMessage"
	EventTyping               = "typing"
	EventMarkNotificationRead = "markNotificationRead"
	EventCallUser             = "callUser"
	EventGetMessageStatus     = "getMessageStatus"
	EventPing                 = "ping"
)

// Server to client events.
const (
	EventWelcome          = "welcome"
	EventUserOnline       = "userOnline"
	EventUserOffline      = "userOffline"
	EventMessageSent      = "messageSent"
	EventMessageReceived  = "messageReceived"
	EventMessageError     = "messageError"
	EventMessageStatus    = "messageStatus"
	EventUserTyping       = "userTyping"
	EventNotificationRead = "notificationRead"
	EventNotification     = "notification"
	EventIncomingCall     = "incomingCall"
	EventCallInitiated    = "callInitiated"
	EventError            = "error"
	EventPong             = "pong"
)

// Bus event types published by the hub.
const (
	BusSessionOpened   = "session.opened"
	BusSessionRejected = "session.rejected"
	BusSessionClosed   = "session.closed"
	BusMessageSent     = "message.sent"
	BusLimited         = "limiter.limited"
)

// Meta key carrying the stored message id of a queued messageReceived.
const metaMessageID = "message_id"

const (
	maxContentBytes = 5000
	maxTempIDLen    = 128
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var messageTypes = map[string]bool{
	"text": true, "image": true, "video": true, "audio": true, "file": true, "location": true,
}

var callTypes = map[string]bool{"audio": true, "video": true}

type Welcome struct {
	UserID     string    `json:"userId"`
	ChannelID  string    `json:"channelId"`
	ServerTime time.Time `json:"serverTime"`
}

type PresenceChange struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type SendMessageRequest struct {
	RecipientID   string `json:"recipientId"`
	Type          string `json:"type"`
	Content       string `json:"content"`
	TempMessageID string `json:"tempMessageId,omitempty"`
}

type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Type        string    `json:"type"`
	Content     string    `json:"content"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

func messageFromRecord(m storage.Message) Message {
	return Message{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Type:        m.Type,
		Content:     m.Content,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
	}
}

type MessageSent struct {
	Message       Message `json:"message"`
	TempMessageID string  `json:"tempMessageId,omitempty"`
	TrackingID    string  `json:"trackingId,omitempty"`
}

type MessageReceived struct {
	Message Message `json:"message"`
}

type MessageError struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	TempMessageID string `json:"tempMessageId,omitempty"`
	RetryAfterMs  int64  `json:"retryAfterMs,omitempty"`
}

type MessageStatus struct {
	TrackingID   string `json:"trackingId,omitempty"`
	Status       string `json:"status,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	Reason       string `json:"reason,omitempty"`
	PendingCount int    `json:"pendingCount"`
}

type TypingRequest struct {
	RecipientID string `json:"recipientId"`
}

type UserTyping struct {
	UserID string `json:"userId"`
}

type MarkReadRequest struct {
	NotificationID string `json:"notificationId"`
}

type NotificationRead struct {
	NotificationID string `json:"notificationId"`
}

type CallRequest struct {
	RecipientID string `json:"recipientId"`
	CallType    string `json:"callType"`
}

type IncomingCall struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
	CallType string `json:"callType"`
}

type CallInitiated struct {
	CallID      string `json:"callId"`
	RecipientID string `json:"recipientId"`
	CallType    string `json:"callType"`
}

type StatusRequest struct {
	TrackingID string `json:"trackingId"`
}

type Notification struct {
	ID        string         `json:"id"`
	Sender    string         `json:"sender,omitempty"`
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Count     int            `json:"count"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type NotificationPush struct {
	Notification Notification `json:"notification"`
	Bundled      bool         `json:"bundled"`
}

func notificationFromRecord(n storage.Notification) Notification {
	return Notification{
		ID:        n.ID,
		Sender:    n.Sender,
		Type:      n.Type,
		Content:   n.Content,
		Data:      n.Data,
		Count:     n.Count,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

type ErrorPayload struct {
	Event        string `json:"event,omitempty"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

type Pong struct {
	ServerTime time.Time `json:"serverTime"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return apperr.Invalid("invalid_payload", "payload is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Invalid("invalid_payload", "payload is not valid JSON")
	}
	return nil
}

func validateID(field, id string) error {
	if !idPattern.MatchString(id) {
		return apperr.Invalid("invalid_"+field, field+" must be 1-64 characters of letters, digits, '_' or '-'")
	}
	return nil
}

func validateSendMessage(senderID string, req SendMessageRequest) error {
	if err := validateID("recipient", req.RecipientID); err != nil {
		return err
	}
	if req.RecipientID == senderID {
		return apperr.Invalid("self_message", "cannot send a message to yourself")
	}
	if !messageTypes[req.Type] {
		return apperr.Invalid("invalid_type", "unsupported message type")
	}
	if req.Content == "" || len(req.Content) > maxContentBytes {
		return apperr.Invalid("invalid_content", "content must be 1-5000 bytes")
	}
	if !utf8.ValidString(req.Content) {
		return apperr.Invalid("invalid_content", "content must be valid UTF-8")
	}
	if len(req.TempMessageID) > maxTempIDLen {
		return apperr.Invalid("invalid_temp_id", "tempMessageId is too long")
	}
	return nil
}

func validateCall(callerID string, req CallRequest) error {
	if err := validateID("recipient", req.RecipientID); err != nil {
		return err
	}
	if req.RecipientID == callerID {
		return apperr.Invalid("self_call", "cannot call yourself")
	}
	if !callTypes[req.CallType] {
		return apperr.Invalid("invalid_call_type", "callType must be audio or video")
	}
	return nil
}

func retryMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return ms
}
