// Package assistant produces AI replies for lead conversations: it resolves
// the configured provider, builds the persona prompt, injects matching
// listings and falls back to a template when allowed.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lead-assistant/internal/domain"
	"lead-assistant/internal/metrics"
	"lead-assistant/internal/repository"
)

const (
	defaultHistoryLimit = 10
	defaultMaxTokens    = 1024
	propertyResultLimit = 3
)

// Store is the read-only conversation state the generator needs.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
	GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

// PropertySearcher looks up an agent's listings.
type PropertySearcher interface {
	SearchProperties(ctx context.Context, agentID string, q domain.PropertyQuery) ([]domain.Property, error)
}

// Config tunes generation. AllowFallback is set in development so provider
// failures produce a template reply instead of an error.
type Config struct {
	Provider      string
	MaxTokens     int
	Temperature   float64
	Timeout       time.Duration
	HistoryLimit  int
	AllowFallback bool
}

// Reply is a generated answer. The generator never persists it.
type Reply struct {
	Text          string
	Provider      string
	Fallback      bool
	PropertyCount int
}

// Generator builds and runs completion requests.
type Generator struct {
	store      Store
	properties PropertySearcher
	provider   Provider
	cfg        Config
	logger     *slog.Logger
}

// NewGenerator resolves cfg.Provider through router. An unknown provider is
// a configuration error reported here, before any traffic.
func NewGenerator(store Store, properties PropertySearcher, router *Router, cfg Config, logger *slog.Logger) (*Generator, error) {
	if store == nil {
		return nil, errors.New("assistant: store must not be nil")
	}
	if properties == nil {
		return nil, errors.New("assistant: property searcher must not be nil")
	}
	if router == nil {
		return nil, errors.New("assistant: router must not be nil")
	}
	provider, err := router.Resolve(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		store:      store,
		properties: properties,
		provider:   provider,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// ProviderName is the name of the resolved backend.
func (g *Generator) ProviderName() string { return g.provider.Name() }

// Generate produces a reply to userText within conversationID.
func (g *Generator) Generate(ctx context.Context, conversationID, userText string) (Reply, error) {
	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Reply{}, fmt.Errorf("assistant: load conversation: %w", err)
	}

	persona := domain.DefaultPersona()
	agent, err := g.store.GetAgent(ctx, conv.AgentID)
	switch {
	case err == nil:
		persona = agent.Persona
	case errors.Is(err, repository.ErrNotFound):
		g.logger.Warn("agent profile missing, using default persona", "agent_id", conv.AgentID)
	default:
		return Reply{}, fmt.Errorf("assistant: load agent: %w", err)
	}

	props := g.matchingProperties(ctx, conv.AgentID, userText)
	propertyContext := FormatProperties(props)

	history, err := g.store.GetHistory(ctx, conversationID, g.cfg.HistoryLimit+1)
	if err != nil {
		return Reply{}, fmt.Errorf("assistant: load history: %w", err)
	}
	turns := historyToChat(history, userText)
	if len(turns) > g.cfg.HistoryLimit {
		turns = turns[len(turns)-g.cfg.HistoryLimit:]
	}
	turns = append(turns, domain.ChatMessage{Role: domain.RoleUser, Content: userText})

	req := domain.CompletionRequest{
		System:          BuildSystemPrompt(persona, propertyContext),
		Messages:        turns,
		MaxTokens:       g.cfg.MaxTokens,
		Temperature:     g.cfg.Temperature,
		PropertyContext: propertyContext,
	}

	name := g.provider.Name()
	text, err := g.complete(ctx, req)
	if err != nil {
		if !g.cfg.AllowFallback {
			metrics.Generations.WithLabelValues(name, "error").Inc()
			return Reply{}, fmt.Errorf("assistant: %s completion: %w", name, err)
		}
		g.logger.Warn("provider failed, using template reply",
			"provider", name, "conversation_id", conversationID, "err", err)
		metrics.Generations.WithLabelValues(name, "fallback").Inc()
		return Reply{
			Text:          TemplateReply(propertyContext),
			Provider:      name,
			Fallback:      true,
			PropertyCount: len(props),
		}, nil
	}

	metrics.Generations.WithLabelValues(name, "ok").Inc()
	return Reply{Text: text, Provider: name, PropertyCount: len(props)}, nil
}

func (g *Generator) complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := g.provider.Complete(ctx, req)
	metrics.GenerationDuration.WithLabelValues(g.provider.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

// matchingProperties runs the property search when the message names
// anything searchable. Search failures degrade to no context.
func (g *Generator) matchingProperties(ctx context.Context, agentID, text string) []domain.Property {
	intent := DetectIntent(text)
	if !intent.Any() {
		return nil
	}

	props, err := g.properties.SearchProperties(ctx, agentID, domain.PropertyQuery{
		Location:     intent.Location,
		PropertyType: intent.PropertyType,
		MinPrice:     intent.MinPrice,
		MaxPrice:     intent.MaxPrice,
		Bedrooms:     intent.Bedrooms,
		Limit:        propertyResultLimit,
	})
	if err != nil {
		g.logger.Warn("property search failed", "agent_id", agentID, "err", err)
		return nil
	}
	g.logger.Debug("property intent detected", "agent_id", agentID, "matches", len(props))
	return props
}
