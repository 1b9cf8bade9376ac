package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"lead-assistant/internal/domain"
	"lead-assistant/internal/repository"
)

const (
	defaultMessagePage = 50
	maxMessagePage     = 200

	defaultPropertyPage = 20
	maxPropertyPage     = 100
)

var (
	defaultUUID = func() string { return uuid.NewString() }
	newUUID     = defaultUUID
)

// RegistryStore is the conversation and agent persistence the registry uses.
type RegistryStore interface {
	AgentByInstance(ctx context.Context, instanceID string) (domain.Agent, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	FindConversationByContact(ctx context.Context, agentID, contact string) (domain.Conversation, error)
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	UpdateContactName(ctx context.Context, conversationID, name string) error
	GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	ListConversations(ctx context.Context, agentID string) ([]domain.Conversation, error)
	SearchProperties(ctx context.Context, agentID string, q domain.PropertyQuery) ([]domain.Property, error)
}

// Registry resolves agents and conversations.
type Registry struct {
	store  RegistryStore
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(store RegistryStore, logger *slog.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("usecase: registry store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger, now: time.Now}, nil
}

// AgentForTransportInstance returns the active agent that owns instanceID.
func (r *Registry) AgentForTransportInstance(ctx context.Context, instanceID string) (domain.Agent, error) {
	if strings.TrimSpace(instanceID) == "" {
		return domain.Agent{}, newError(ErrorInvalidInput, "empty_instance_id", nil)
	}
	agent, err := r.store.AgentByInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Agent{}, newError(ErrorNotFound, "agent_not_found", err)
		}
		return domain.Agent{}, newError(ErrorInternal, "dynamodb_agent_error", err)
	}
	return agent, nil
}

// ResolveOrCreate returns the conversation for (agentID, contact), creating
// it in AI mode on first contact. A non-empty display name that differs from
// the stored one replaces it.
func (r *Registry) ResolveOrCreate(ctx context.Context, agentID, contact, displayName string) (domain.Conversation, error) {
	if agentID == "" || contact == "" {
		return domain.Conversation{}, newError(ErrorInvalidInput, "missing_agent_or_contact", nil)
	}
	displayName = strings.TrimSpace(displayName)

	conv, err := r.store.FindConversationByContact(ctx, agentID, contact)
	switch {
	case err == nil:
		return r.refreshName(ctx, conv, displayName), nil
	case !errors.Is(err, repository.ErrNotFound):
		return domain.Conversation{}, newError(ErrorInternal, "dynamodb_lookup_error", err)
	}

	now := r.now().UTC()
	conv = domain.Conversation{
		ConversationID: newUUID(),
		AgentID:        agentID,
		ContactNumber:  contact,
		ContactName:    displayName,
		CurrentMode:    domain.ModeAI,
		LastMessageAt:  now,
		CreatedAt:      now,
	}
	err = r.store.CreateConversation(ctx, conv)
	if err == nil {
		r.logger.Info("conversation created", "conversation_id", conv.ConversationID, "agent_id", agentID)
		return conv, nil
	}
	if !errors.Is(err, repository.ErrConflict) {
		return domain.Conversation{}, newError(ErrorInternal, "dynamodb_create_error", err)
	}

	// Another request created the pair first; use its conversation.
	conv, err = r.store.FindConversationByContact(ctx, agentID, contact)
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "dynamodb_lookup_error", err)
	}
	return r.refreshName(ctx, conv, displayName), nil
}

func (r *Registry) refreshName(ctx context.Context, conv domain.Conversation, name string) domain.Conversation {
	if name == "" || name == conv.ContactName {
		return conv
	}
	if err := r.store.UpdateContactName(ctx, conv.ConversationID, name); err != nil {
		r.logger.Warn("contact name update failed", "conversation_id", conv.ConversationID, "err", err)
		return conv
	}
	conv.ContactName = name
	return conv
}

// Conversation loads one conversation.
func (r *Registry) Conversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return domain.Conversation{}, newError(ErrorInvalidInput, "empty_conversation_id", nil)
	}
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, storeError(err, "dynamodb_conversation_error")
	}
	return conv, nil
}

// Messages returns the most recent messages of a conversation in
// chronological order.
func (r *Registry) Messages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if _, err := r.Conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessagePage
	}
	if limit > maxMessagePage {
		limit = maxMessagePage
	}
	msgs, err := r.store.GetHistory(ctx, conversationID, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_history_error", err)
	}
	return msgs, nil
}

// AgentConversations is the agent's inbox, most recently active first. A
// non-empty mode keeps only conversations in that mode, so "HUMAN" lists the
// turns waiting for the agent.
func (r *Registry) AgentConversations(ctx context.Context, agentID, mode string) ([]domain.Conversation, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, newError(ErrorInvalidInput, "empty_agent_id", nil)
	}
	var want domain.Mode
	if mode != "" {
		parsed, ok := domain.ParseMode(strings.ToUpper(mode))
		if !ok {
			return nil, newError(ErrorInvalidInput, "invalid_mode", nil)
		}
		want = parsed
	}

	convs, err := r.store.ListConversations(ctx, agentID)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_list_error", err)
	}
	if want == "" {
		return convs, nil
	}
	out := convs[:0]
	for _, c := range convs {
		if c.CurrentMode == want {
			out = append(out, c)
		}
	}
	return out, nil
}

// SearchProperties runs a listing search for an operator.
func (r *Registry) SearchProperties(ctx context.Context, agentID string, q domain.PropertyQuery) ([]domain.Property, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, newError(ErrorInvalidInput, "empty_agent_id", nil)
	}
	if (q.MinPrice != nil && *q.MinPrice < 0) || (q.MaxPrice != nil && *q.MaxPrice < 0) {
		return nil, newError(ErrorInvalidInput, "negative_price", nil)
	}
	if q.MinPrice != nil && q.MaxPrice != nil && *q.MinPrice > *q.MaxPrice {
		return nil, newError(ErrorInvalidInput, "invalid_price_range", nil)
	}
	if q.Bedrooms != nil && *q.Bedrooms < 0 {
		return nil, newError(ErrorInvalidInput, "negative_bedrooms", nil)
	}
	switch {
	case q.Limit <= 0:
		q.Limit = defaultPropertyPage
	case q.Limit > maxPropertyPage:
		q.Limit = maxPropertyPage
	}

	props, err := r.store.SearchProperties(ctx, agentID, q)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_property_error", err)
	}
	return props, nil
}

func storeError(err error, reason string) *Error {
	if errors.Is(err, repository.ErrNotFound) {
		return newError(ErrorNotFound, "conversation_not_found", err)
	}
	return newError(ErrorInternal, reason, err)
}
