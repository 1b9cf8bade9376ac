package domain

import "time"

// Mode selects who answers a conversation.
type Mode string

const (
	ModeAI    Mode = "AI"
	ModeHuman Mode = "HUMAN"
)

// ParseMode validates an operator-supplied mode value.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeAI, ModeHuman:
		return Mode(s), true
	}
	return "", false
}

// SenderType identifies the author of a persisted turn.
type SenderType string

const (
	SenderUser SenderType = "USER"
	SenderAI   SenderType = "AI"
)

// Conversation is the system of record for one (agent, contact) pair.
type Conversation struct {
	ConversationID       string
	AgentID              string
	ContactNumber        string
	ContactName          string
	CurrentMode          Mode
	LastMessageAt        time.Time
	LastMessagePreview   string
	UnreadCount          int
	LastModeChangeAt     time.Time
	LastModeChangedBy    string
	LastModeChangeReason string
	CreatedAt            time.Time
}

// Message is a single persisted conversation turn.
type Message struct {
	MessageID          string
	ConversationID     string
	SenderType         SenderType
	Text               string
	Timestamp          time.Time
	TransportMessageID string
	Fingerprint        string
	Delivered          bool
}

// FollowupStatus is the lifecycle state of a scheduled follow-up.
type FollowupStatus string

const (
	FollowupPending   FollowupStatus = "pending"
	FollowupSent      FollowupStatus = "sent"
	FollowupCancelled FollowupStatus = "cancelled"
)

// Followup is a scheduled nudge for a conversation. The relay never creates
// them; it only cancels pending ones on human takeover.
type Followup struct {
	FollowupID     string
	ConversationID string
	Status         FollowupStatus
	ScheduledAt    time.Time
	CancelledAt    time.Time
}
