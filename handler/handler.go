// Package handler exposes the relay over HTTP. The same chi router serves
// the long-running server and the API Gateway Lambda adapter.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lead-assistant/internal/domain"
	"lead-assistant/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
	healthTimeout     = 3 * time.Second
)

type Ingestor interface {
	Process(ctx context.Context, ev domain.InboundEvent) (usecase.IngestResult, error)
}

type ModeSetter interface {
	SetMode(ctx context.Context, in usecase.SetModeInput) (usecase.SetModeOutput, error)
}

type Conversations interface {
	Conversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	AgentConversations(ctx context.Context, agentID, mode string) ([]domain.Conversation, error)
}

type PropertySearcher interface {
	SearchProperties(ctx context.Context, agentID string, q domain.PropertyQuery) ([]domain.Property, error)
}

type MessageSender interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
}

// Pinger is a dependency the health endpoint checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Deps struct {
	Ingestor      Ingestor
	Modes         ModeSetter
	Conversations Conversations
	Sender        MessageSender
	Properties    PropertySearcher
	// Checks are reported by GET /health under their map key.
	Checks map[string]Pinger
	Logger *slog.Logger
}

type Handler struct {
	ingestor      Ingestor
	modes         ModeSetter
	conversations Conversations
	sender        MessageSender
	properties    PropertySearcher
	checks        map[string]Pinger
	logger        *slog.Logger
	router        chi.Router
	proxy         *httpadapter.HandlerAdapter
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(d Deps) (*Handler, error) {
	if d.Ingestor == nil {
		return nil, errors.New("handler: ingestor must not be nil")
	}
	if d.Modes == nil {
		return nil, errors.New("handler: mode service must not be nil")
	}
	if d.Conversations == nil {
		return nil, errors.New("handler: conversations must not be nil")
	}
	if d.Sender == nil {
		return nil, errors.New("handler: sender must not be nil")
	}
	if d.Properties == nil {
		return nil, errors.New("handler: property searcher must not be nil")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		ingestor:      d.Ingestor,
		modes:         d.Modes,
		conversations: d.Conversations,
		sender:        d.Sender,
		properties:    d.Properties,
		checks:        d.Checks,
		logger:        logger,
	}
	h.router = h.routes()
	h.proxy = httpadapter.New(h.router)
	return h, nil
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(metricsMiddleware)
	r.Use(correlation)
	r.Use(requestLogger(h.logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.health)

	r.Post("/webhook/greenapi", h.webhook)
	r.Route("/api", func(r chi.Router) {
		r.Post("/conversations/toggle-mode", h.toggleMode)
		r.Get("/conversations/{id}", h.getConversation)
		r.Get("/conversations/{id}/messages", h.listMessages)
		r.Post("/messages/send", h.sendMessage)
		r.Get("/agents/{agentID}/conversations", h.listAgentConversations)
		r.Post("/properties/search", h.searchProperties)
	})
	return r
}

// ServeHTTP makes Handler usable by net/http servers.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := usecase.CodeOf(err)
	status := statusFor(code)

	resp := errorResponse{Error: string(code)}
	var ue *usecase.Error
	if errors.As(err, &ue) && status < http.StatusInternalServerError {
		resp.Reason = ue.Reason
	}

	log := loggerFrom(r.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", code, "err", err)
	} else {
		log.Info("request rejected", "code", code, "err", err)
	}
	h.json(w, status, resp)
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, reason string) {
	h.writeError(w, r, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: reason})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorLockTimeout:
		return http.StatusConflict
	case usecase.ErrorProviderFailure, usecase.ErrorTransportFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
