package domain

import "time"

const (
	EventIncomingMessage = "incomingMessageReceived"
	MessageTypeText      = "textMessage"
)

// InboundEvent is the normalized shape of one transport webhook.
type InboundEvent struct {
	EventType           string
	TransportInstanceID string
	Timestamp           int64
	MessageID           string
	SenderChatID        string
	SenderDisplayName   string
	MessageType         string
	Text                string
	// Raw is the original payload kept for the audit log.
	Raw []byte
}

// Processable reports whether the event carries a plain text message.
func (e InboundEvent) Processable() bool {
	return e.EventType == EventIncomingMessage && e.MessageType == MessageTypeText
}

// WebhookLog is the audit record written for every received webhook.
type WebhookLog struct {
	Fingerprint string
	Payload     string
	Processed   bool
	Duplicate   bool
	ReceivedAt  time.Time
}

// SendStatus is the state of an outbound idempotency record.
type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

// SentLog is the durable outbound idempotency record.
type SentLog struct {
	IdempotencyKey    string
	ConversationID    string
	Text              string
	Status            SendStatus
	TransportResponse string
	CreatedAt         time.Time
}
