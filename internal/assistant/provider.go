package assistant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"lead-assistant/internal/domain"
)

// ErrUnknownProvider is returned when routing names a provider that was not
// registered.
var ErrUnknownProvider = errors.New("assistant: unknown provider")

// Provider completes one turn given persona, context and history.
type Provider interface {
	Name() string
	Complete(ctx context.Context, in domain.CompletionRequest) (string, error)
}

// Router maps routing names (primary, secondary, mock) to providers. It is
// built once at startup and read-only afterwards.
type Router struct {
	routes map[string]Provider
}

// NewRouter registers providers under their routing names. Nil providers are
// skipped so optional backends can be left unconfigured.
func NewRouter(routes map[string]Provider) *Router {
	r := &Router{routes: make(map[string]Provider, len(routes))}
	for name, p := range routes {
		if p == nil {
			continue
		}
		r.routes[strings.ToLower(strings.TrimSpace(name))] = p
	}
	return r
}

// Resolve returns the provider for name.
func (r *Router) Resolve(name string) (Provider, error) {
	p, ok := r.routes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownProvider, name, strings.Join(r.names(), ", "))
	}
	return p, nil
}

func (r *Router) names() []string {
	out := make([]string, 0, len(r.routes))
	for name := range r.routes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

const (
	templateWithProperties = "Thank you for your interest! I found a great property for you:\n\n%s\n\n" +
		"This property matches what you're looking for. Would you like to schedule a viewing? " +
		"I'm available to show it anytime this week!"
	templateClarify = "Thank you for reaching out! I'd be happy to help you find the perfect property. " +
		"Could you tell me a bit more about what you're looking for? " +
		"For example, preferred location, number of bedrooms, and your budget range?"
)

// TemplateReply is the deterministic answer used by the mock provider and
// as the development fallback. It only ever repeats propertyContext.
func TemplateReply(propertyContext string) string {
	if ctx := strings.TrimSpace(propertyContext); ctx != "" {
		return fmt.Sprintf(templateWithProperties, ctx)
	}
	return templateClarify
}

// MockProvider answers from templates without any network call.
type MockProvider struct{}

func (MockProvider) Name() string { return "mock" }

func (MockProvider) Complete(_ context.Context, in domain.CompletionRequest) (string, error) {
	return TemplateReply(in.PropertyContext), nil
}
