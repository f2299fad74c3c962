package models

import "time"

// Sender identifies who authored a chat message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// MessageType is an optional tag describing what a message reports.
type MessageType string

const (
	MessageTypeNone     MessageType = ""
	MessageTypeStatus   MessageType = "status"
	MessageTypeProgress MessageType = "progress"
	MessageTypeResult   MessageType = "result"
	MessageTypeDocument MessageType = "document"
)

// Delivery tracks whether a message has been persisted by the backend.
type Delivery string

const (
	DeliveryConfirmed Delivery = "confirmed"
	DeliveryPending   Delivery = "pending"
	DeliveryFailed    Delivery = "failed"
)

// ChatMessage is one entry of a session's chat transcript.
type ChatMessage struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId,omitempty"`
	Sender      Sender         `json:"sender"`
	Text        string         `json:"text"`
	Timestamp   time.Time      `json:"timestamp"`
	MessageType MessageType    `json:"messageType,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Delivery is client-side state; messages from the backend are confirmed.
	Delivery Delivery `json:"-"`
}

// Pending reports whether the message is an unconfirmed optimistic entry.
func (m ChatMessage) Pending() bool {
	return m.Delivery == DeliveryPending
}
