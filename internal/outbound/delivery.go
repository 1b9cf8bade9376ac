// Package outbound delivers replies to a contact through the messaging
// gateway. Every send is guarded by the conversation mode and recorded under
// an idempotency key so retries never reach the contact twice.
package outbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"lead-assistant/internal/domain"
	"lead-assistant/internal/integrations/greenapi"
	"lead-assistant/internal/metrics"
)

const (
	defaultMaxLength = 4096
	truncationMarker = "..."
	previewLength    = 200
)

var (
	// ErrMissingCredentials means the owning agent has no gateway instance
	// configured. Retrying will not help.
	ErrMissingCredentials = errors.New("outbound: agent has no transport credentials")
	// ErrTransport wraps gateway failures.
	ErrTransport = errors.New("outbound: transport failure")
)

var (
	defaultMessageID = func() string { return uuid.NewString() }
	newMessageID     = defaultMessageID
)

// Store is the persistence Delivery needs.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
	ReserveSend(ctx context.Context, entry domain.SentLog) (bool, error)
	CompleteSend(ctx context.Context, idempotencyKey string, status domain.SendStatus, response string) error
	AppendMessage(ctx context.Context, msg domain.Message) error
	MarkDelivered(ctx context.Context, msg domain.Message) error
	TouchActivity(ctx context.Context, conversationID, preview string, at time.Time, incrementUnread bool) error
}

// Transport is the gateway call.
type Transport interface {
	SendText(ctx context.Context, creds greenapi.Credentials, contactNumber, text string) (greenapi.SendResult, error)
}

// SendInput describes one outbound message. MessageID and MessageTime point
// at an already persisted AI message; when empty the send is a manual one and
// a delivered message is appended after the gateway accepts it.
type SendInput struct {
	ConversationID string
	Text           string
	Force          bool
	MessageID      string
	MessageTime    time.Time
}

type Option func(*Delivery)

// WithMaxLength caps outbound text in runes.
func WithMaxLength(n int) Option {
	return func(d *Delivery) {
		if n > len(truncationMarker) {
			d.maxLength = n
		}
	}
}

// WithIdempotencyBucket sets the time bucket used to key sends that have no
// persisted message id.
func WithIdempotencyBucket(bucket time.Duration) Option {
	return func(d *Delivery) {
		if bucket > 0 {
			d.bucket = bucket
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Delivery) {
		if l != nil {
			d.logger = l
		}
	}
}

// Delivery sends replies to contacts.
type Delivery struct {
	store     Store
	transport Transport
	maxLength int
	bucket    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewDelivery(store Store, transport Transport, opts ...Option) (*Delivery, error) {
	if store == nil {
		return nil, errors.New("outbound: store must not be nil")
	}
	if transport == nil {
		return nil, errors.New("outbound: transport must not be nil")
	}
	d := &Delivery{
		store:     store,
		transport: transport,
		maxLength: defaultMaxLength,
		bucket:    time.Second,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Send delivers in.Text unless the conversation has been handed to a human.
// It reports false when the message was discarded by the mode guard and true
// when the gateway accepted it, now or on an earlier attempt.
func (d *Delivery) Send(ctx context.Context, in SendInput) (bool, error) {
	text := strings.TrimSpace(in.Text)
	if in.ConversationID == "" || text == "" {
		return false, errors.New("outbound: conversation id and text are required")
	}

	conv, err := d.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return false, fmt.Errorf("outbound: load conversation: %w", err)
	}
	if !in.Force && conv.CurrentMode != domain.ModeAI {
		d.logger.Info("send discarded, conversation is human-handled",
			"conversation_id", conv.ConversationID, "mode", conv.CurrentMode)
		metrics.OutboundSends.WithLabelValues("discarded").Inc()
		return false, nil
	}

	agent, err := d.store.GetAgent(ctx, conv.AgentID)
	if err != nil {
		return false, fmt.Errorf("outbound: load agent: %w", err)
	}
	if !agent.HasTransportCredentials() {
		metrics.OutboundSends.WithLabelValues("no_credentials").Inc()
		return false, fmt.Errorf("%w: agent %s", ErrMissingCredentials, agent.AgentID)
	}

	now := d.now()
	idemKey := d.idempotencyKey(in, now)
	reserved, err := d.store.ReserveSend(ctx, domain.SentLog{
		IdempotencyKey: idemKey,
		ConversationID: conv.ConversationID,
		Text:           text,
		CreatedAt:      now,
	})
	if err != nil {
		return false, fmt.Errorf("outbound: reserve send: %w", err)
	}
	if !reserved {
		d.logger.Info("send already recorded, skipping", "conversation_id", conv.ConversationID, "idempotency_key", idemKey)
		metrics.OutboundSends.WithLabelValues("duplicate").Inc()
		return true, nil
	}

	text = Truncate(text, d.maxLength)
	creds := greenapi.Credentials{InstanceID: agent.TransportInstanceID, Token: agent.TransportToken}
	res, err := d.transport.SendText(ctx, creds, conv.ContactNumber, text)
	if err != nil {
		if cerr := d.store.CompleteSend(context.WithoutCancel(ctx), idemKey, domain.SendFailed, err.Error()); cerr != nil {
			d.logger.Error("failed to mark send as failed", "idempotency_key", idemKey, "err", cerr)
		}
		metrics.OutboundSends.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	metrics.OutboundSends.WithLabelValues("sent").Inc()

	// The contact has the message now; bookkeeping failures are logged only.
	ctx = context.WithoutCancel(ctx)
	if err := d.store.CompleteSend(ctx, idemKey, domain.SendSent, res.Raw); err != nil {
		d.logger.Error("failed to record sent log", "idempotency_key", idemKey, "err", err)
	}
	if err := d.recordDelivered(ctx, in, text, res.MessageID, now); err != nil {
		d.logger.Error("failed to record delivered message", "conversation_id", conv.ConversationID, "err", err)
	}
	if err := d.store.TouchActivity(ctx, conv.ConversationID, Preview(text), now, false); err != nil {
		d.logger.Error("failed to update conversation activity", "conversation_id", conv.ConversationID, "err", err)
	}
	return true, nil
}

func (d *Delivery) recordDelivered(ctx context.Context, in SendInput, text, transportID string, now time.Time) error {
	if in.MessageID != "" {
		return d.store.MarkDelivered(ctx, domain.Message{
			ConversationID: in.ConversationID,
			MessageID:      in.MessageID,
			Timestamp:      in.MessageTime,
		})
	}
	return d.store.AppendMessage(ctx, domain.Message{
		MessageID:          newMessageID(),
		ConversationID:     in.ConversationID,
		SenderType:         domain.SenderAI,
		Text:               text,
		Timestamp:          now,
		TransportMessageID: transportID,
		Delivered:          true,
	})
}

// idempotencyKey keys off the persisted message when there is one. Manual
// sends fall back to the text within a time bucket.
func (d *Delivery) idempotencyKey(in SendInput, now time.Time) string {
	var raw string
	if in.MessageID != "" {
		raw = in.ConversationID + ":" + in.MessageID
	} else {
		bucket := now.UnixNano() / int64(d.bucket)
		raw = in.ConversationID + ":" + strings.TrimSpace(in.Text) + ":" + strconv.FormatInt(bucket, 10)
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Truncate caps text at max runes, ending with "..." when cut.
func Truncate(text string, max int) string {
	if max <= len(truncationMarker) || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max-len(truncationMarker)]) + truncationMarker
}

// Preview is the conversation list snippet for text.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	return string([]rune(text)[:previewLength])
}
