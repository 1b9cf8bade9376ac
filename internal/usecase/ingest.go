package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"lead-assistant/internal/assistant"
	"lead-assistant/internal/dedup"
	"lead-assistant/internal/domain"
	"lead-assistant/internal/integrations/greenapi"
	"lead-assistant/internal/lock"
	"lead-assistant/internal/metrics"
	"lead-assistant/internal/outbound"
)

const (
	StatusDuplicate      = "duplicate"
	StatusSkipped        = "skipped"
	StatusQueuedForHuman = "queued_for_human"
	StatusAIResponded    = "ai_responded"
	StatusError          = "error"

	ReasonNotTextMessage   = "not_text_message"
	ReasonAgentNotFound    = "agent_not_found"
	ReasonLockTimeout      = "lock_timeout"
	ReasonGenerationFailed = "generation_failed"

	ResponseSent      = "sent"
	ResponseDiscarded = "discarded"
	ResponseSavedOnly = "saved_only"

	auditTimeout       = 5 * time.Second
	defaultDedupTTL    = 300 * time.Second
	defaultLockTimeout = 30 * time.Second
)

// Deduper remembers webhook fingerprints for a bounded time.
type Deduper interface {
	MarkIfNew(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, fingerprint string) error
}

// IngestStore is the persistence the ingest pipeline writes to.
type IngestStore interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	AppendMessage(ctx context.Context, msg domain.Message) error
	TouchActivity(ctx context.Context, conversationID, preview string, at time.Time, incrementUnread bool) error
	PutWebhookLog(ctx context.Context, entry domain.WebhookLog) error
}

// ReplyGenerator produces the AI answer for a turn.
type ReplyGenerator interface {
	Generate(ctx context.Context, conversationID, userText string) (assistant.Reply, error)
}

// Sender delivers a reply to the contact.
type Sender interface {
	Send(ctx context.Context, in outbound.SendInput) (bool, error)
}

type IngestConfig struct {
	LockTimeout time.Duration
	DedupTTL    time.Duration
}

// IngestResult is the outcome of one webhook event.
type IngestResult struct {
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ResponseSent   string `json:"response_sent,omitempty"`
}

// Ingestor runs the inbound pipeline: dedup, audit, persist the contact's
// turn, then answer it under the conversation lock when the conversation is
// in AI mode.
type Ingestor struct {
	dedup     Deduper
	store     IngestStore
	registry  *Registry
	locker    Locker
	generator ReplyGenerator
	sender    Sender
	cfg       IngestConfig
	logger    *slog.Logger
	now       func() time.Time

	audits sync.WaitGroup
}

func NewIngestor(d Deduper, store IngestStore, registry *Registry, locker Locker, gen ReplyGenerator, sender Sender, cfg IngestConfig, logger *slog.Logger) (*Ingestor, error) {
	if d == nil {
		return nil, errors.New("usecase: deduper must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: ingest store must not be nil")
	}
	if registry == nil {
		return nil, errors.New("usecase: registry must not be nil")
	}
	if locker == nil {
		return nil, errors.New("usecase: locker must not be nil")
	}
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if sender == nil {
		return nil, errors.New("usecase: sender must not be nil")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = defaultDedupTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		dedup:     d,
		store:     store,
		registry:  registry,
		locker:    locker,
		generator: gen,
		sender:    sender,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Process handles one inbound event. A non-empty result means the event was
// accepted; the error, if any, then describes why it ended in StatusError.
// An empty result with an error means infrastructure failed before the
// contact's turn was stored; the fingerprint is then forgotten so a
// redelivery is processed again.
func (i *Ingestor) Process(ctx context.Context, ev domain.InboundEvent) (IngestResult, error) {
	fp := dedup.Fingerprint(ev.SenderChatID, ev.Timestamp, ev.Text)
	log := i.logger.With("fingerprint", fp, "instance_id", ev.TransportInstanceID)

	isNew, err := i.dedup.MarkIfNew(ctx, fp, i.cfg.DedupTTL)
	if err != nil {
		return IngestResult{}, newError(ErrorInternal, "dedup_error", err)
	}
	i.audit(ev, fp, !isNew)
	if !isNew {
		log.Info("duplicate webhook ignored")
		return i.finish(IngestResult{Status: StatusDuplicate}), nil
	}

	if !ev.Processable() {
		log.Debug("webhook skipped", "event_type", ev.EventType, "message_type", ev.MessageType)
		return i.finish(IngestResult{Status: StatusSkipped, Reason: ReasonNotTextMessage}), nil
	}

	agent, err := i.registry.AgentForTransportInstance(ctx, ev.TransportInstanceID)
	if err != nil {
		if CodeOf(err) == ErrorNotFound {
			log.Warn("no active agent for transport instance")
			return i.finish(IngestResult{Status: StatusError, Reason: ReasonAgentNotFound}), err
		}
		return i.abandon(ctx, log, fp, err)
	}

	contact := greenapi.ContactNumber(ev.SenderChatID)
	conv, err := i.registry.ResolveOrCreate(ctx, agent.AgentID, contact, ev.SenderDisplayName)
	if err != nil {
		return i.abandon(ctx, log, fp, err)
	}
	log = log.With("conversation_id", conv.ConversationID)

	if err := i.storeInbound(ctx, conv.ConversationID, ev); err != nil {
		return i.abandon(ctx, log, fp, err)
	}

	res := IngestResult{ConversationID: conv.ConversationID}
	err = i.locker.WithLock(ctx, lock.ConversationKey(conv.ConversationID), i.cfg.LockTimeout, func(ctx context.Context) error {
		return i.respond(ctx, log, conv.ConversationID, ev.Text, &res)
	})
	if err != nil {
		err = lockError(err)
		res.Status = StatusError
		switch CodeOf(err) {
		case ErrorLockTimeout:
			res.Reason = ReasonLockTimeout
		case ErrorProviderFailure:
			res.Reason = ReasonGenerationFailed
		default:
			res.Reason = string(CodeOf(err))
		}
		log.Error("webhook turn failed", "reason", res.Reason, "err", err)
		return i.finish(res), err
	}
	return i.finish(res), nil
}

// abandon releases the dedup marker of an event whose turn was not stored.
func (i *Ingestor) abandon(ctx context.Context, log *slog.Logger, fp string, cause error) (IngestResult, error) {
	if err := i.dedup.Forget(context.WithoutCancel(ctx), fp); err != nil {
		log.Error("dedup marker not released, redelivery will be dropped", "err", err)
	}
	log.Error("inbound turn not stored", "err", cause)
	return IngestResult{}, cause
}

// storeInbound persists the contact's turn before any lock is taken so a
// later failure never loses it.
func (i *Ingestor) storeInbound(ctx context.Context, conversationID string, ev domain.InboundEvent) error {
	at := i.now().UTC()
	msg := domain.Message{
		MessageID:          newUUID(),
		ConversationID:     conversationID,
		SenderType:         domain.SenderUser,
		Text:               ev.Text,
		Timestamp:          at,
		TransportMessageID: ev.MessageID,
		Fingerprint:        messageFingerprint(conversationID, ev.MessageID, ev.Text),
		Delivered:          true,
	}
	if err := i.store.AppendMessage(ctx, msg); err != nil {
		return newError(ErrorInternal, "dynamodb_message_error", err)
	}
	if err := i.store.TouchActivity(ctx, conversationID, outbound.Preview(ev.Text), at, true); err != nil {
		return newError(ErrorInternal, "dynamodb_activity_error", err)
	}
	return nil
}

// respond is the critical section: mode check, generation, persisting the
// AI turn and handing it to the sender.
func (i *Ingestor) respond(ctx context.Context, log *slog.Logger, conversationID, text string, res *IngestResult) error {
	conv, err := i.store.GetConversation(ctx, conversationID)
	if err != nil {
		return storeError(err, "dynamodb_conversation_error")
	}
	if conv.CurrentMode == domain.ModeHuman {
		log.Info("conversation is human-handled, reply left to the agent")
		res.Status = StatusQueuedForHuman
		return nil
	}

	reply, err := i.generator.Generate(ctx, conversationID, text)
	if err != nil {
		return newError(ErrorProviderFailure, ReasonGenerationFailed, err)
	}

	aiMsg := domain.Message{
		MessageID:      newUUID(),
		ConversationID: conversationID,
		SenderType:     domain.SenderAI,
		Text:           reply.Text,
		Timestamp:      i.now().UTC(),
	}
	if err := i.store.AppendMessage(ctx, aiMsg); err != nil {
		return newError(ErrorInternal, "dynamodb_message_error", err)
	}

	res.Status = StatusAIResponded
	sent, err := i.sender.Send(ctx, outbound.SendInput{
		ConversationID: conversationID,
		Text:           reply.Text,
		MessageID:      aiMsg.MessageID,
		MessageTime:    aiMsg.Timestamp,
	})
	switch {
	case err != nil:
		log.Error("reply saved but not delivered", "message_id", aiMsg.MessageID, "err", err)
		res.ResponseSent = ResponseSavedOnly
	case !sent:
		res.ResponseSent = ResponseDiscarded
	default:
		res.ResponseSent = ResponseSent
	}
	log.Info("ai turn complete",
		"provider", reply.Provider, "fallback", reply.Fallback,
		"properties", reply.PropertyCount, "response_sent", res.ResponseSent)
	return nil
}

// audit writes the webhook log in the background. Failures are logged only.
func (i *Ingestor) audit(ev domain.InboundEvent, fp string, duplicate bool) {
	entry := domain.WebhookLog{
		Fingerprint: fp,
		Payload:     string(ev.Raw),
		Processed:   !duplicate && ev.Processable(),
		Duplicate:   duplicate,
		ReceivedAt:  i.now().UTC(),
	}
	i.audits.Add(1)
	go func() {
		defer i.audits.Done()
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		if err := i.store.PutWebhookLog(ctx, entry); err != nil {
			i.logger.Warn("webhook audit log failed", "fingerprint", fp, "err", err)
		}
	}()
}

// Wait blocks until background audit writes have finished.
func (i *Ingestor) Wait() {
	i.audits.Wait()
}

func (i *Ingestor) finish(res IngestResult) IngestResult {
	metrics.WebhookResults.WithLabelValues(res.Status).Inc()
	return res
}

func messageFingerprint(conversationID, transportMessageID, text string) string {
	sum := sha256.Sum256([]byte(conversationID + ":" + transportMessageID + ":" + text))
	return hex.EncodeToString(sum[:])
}
