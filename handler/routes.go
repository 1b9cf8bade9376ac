package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lead-assistant/internal/domain"
	"lead-assistant/internal/integrations/greenapi"
	"lead-assistant/internal/usecase"
)

type toggleModeRequest struct {
	ConversationID string `json:"conversation_id"`
	Mode           string `json:"mode"`
	AgentID        string `json:"agent_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type toggleModeResponse struct {
	ConversationID     string `json:"conversation_id"`
	Mode               string `json:"mode"`
	PreviousMode       string `json:"previous_mode"`
	CancelledFollowups int    `json:"cancelled_followups"`
}

type sendRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Force          bool   `json:"force"`
}

type sendResponse struct {
	ConversationID string `json:"conversation_id"`
	Sent           bool   `json:"sent"`
}

type conversationResponse struct {
	ConversationID     string     `json:"conversation_id"`
	AgentID            string     `json:"agent_id"`
	ContactNumber      string     `json:"contact_number"`
	ContactName        string     `json:"contact_name,omitempty"`
	Mode               string     `json:"mode"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	UnreadCount        int        `json:"unread_count"`
	LastModeChangeAt   *time.Time `json:"last_mode_change_at,omitempty"`
	LastModeChangedBy  string     `json:"last_mode_changed_by,omitempty"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
}

type messageResponse struct {
	MessageID  string    `json:"message_id"`
	SenderType string    `json:"sender_type"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Delivered  bool      `json:"delivered"`
}

type messagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []messageResponse `json:"messages"`
}

type agentConversationsResponse struct {
	AgentID       string                 `json:"agent_id"`
	Conversations []conversationResponse `json:"conversations"`
}

type propertySearchRequest struct {
	AgentID      string   `json:"agent_id"`
	Location     *string  `json:"location,omitempty"`
	PropertyType *string  `json:"property_type,omitempty"`
	MinPrice     *float64 `json:"min_price,omitempty"`
	MaxPrice     *float64 `json:"max_price,omitempty"`
	Bedrooms     *int     `json:"bedrooms,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

type propertyResponse struct {
	PropertyID       string  `json:"property_id"`
	Title            string  `json:"title"`
	PropertyType     string  `json:"property_type"`
	Location         string  `json:"location"`
	Price            float64 `json:"price"`
	Bedrooms         int     `json:"bedrooms"`
	Bathrooms        int     `json:"bathrooms"`
	SizeSqft         int     `json:"size_sqft,omitempty"`
	KeySellingPoints string  `json:"key_selling_points,omitempty"`
	Availability     string  `json:"availability"`
}

type propertySearchResponse struct {
	Properties []propertyResponse `json:"properties"`
	Count      int                `json:"count"`
}

type check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string           `json:"status"`
	Checks    map[string]check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// webhook accepts Green API notifications. Accepted events answer 200 with
// the pipeline result even when the turn itself failed, since the inbound
// message is already stored and a redelivery would only be deduplicated.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.badRequest(w, r, "unreadable_body")
		return
	}
	ev, err := greenapi.ParseWebhook(raw)
	if err != nil {
		h.badRequest(w, r, "invalid_webhook")
		return
	}

	res, err := h.ingestor.Process(r.Context(), ev)
	if err != nil && res.Status == "" {
		h.writeError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, res)
}

func (h *Handler) toggleMode(w http.ResponseWriter, r *http.Request) {
	var req toggleModeRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.modes.SetMode(r.Context(), usecase.SetModeInput{
		ConversationID: req.ConversationID,
		Mode:           req.Mode,
		Actor:          req.AgentID,
		Reason:         req.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, toggleModeResponse{
		ConversationID:     out.ConversationID,
		Mode:               string(out.Mode),
		PreviousMode:       string(out.Previous),
		CancelledFollowups: out.CancelledFollowups,
	})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.sender.Send(r.Context(), usecase.SendInput{
		ConversationID: req.ConversationID,
		Text:           req.Text,
		Force:          req.Force,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, sendResponse{ConversationID: out.ConversationID, Sent: out.Sent})
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.conversations.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, toConversationResponse(conv))
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.badRequest(w, r, "invalid_limit")
			return
		}
		limit = n
	}

	id := chi.URLParam(r, "id")
	msgs, err := h.conversations.Messages(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := messagesResponse{ConversationID: id, Messages: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messageResponse{
			MessageID:  m.MessageID,
			SenderType: string(m.SenderType),
			Text:       m.Text,
			Timestamp:  m.Timestamp,
			Delivered:  m.Delivered,
		})
	}
	h.json(w, http.StatusOK, out)
}

// listAgentConversations is the operator inbox. ?mode=HUMAN narrows it to
// conversations waiting for the agent.
func (h *Handler) listAgentConversations(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	convs, err := h.conversations.AgentConversations(r.Context(), agentID, r.URL.Query().Get("mode"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := agentConversationsResponse{AgentID: agentID, Conversations: make([]conversationResponse, 0, len(convs))}
	for _, c := range convs {
		out.Conversations = append(out.Conversations, toConversationResponse(c))
	}
	h.json(w, http.StatusOK, out)
}

func (h *Handler) searchProperties(w http.ResponseWriter, r *http.Request) {
	var req propertySearchRequest
	if !h.decode(w, r, &req) {
		return
	}
	props, err := h.properties.SearchProperties(r.Context(), req.AgentID, domain.PropertyQuery{
		Location:     req.Location,
		PropertyType: req.PropertyType,
		MinPrice:     req.MinPrice,
		MaxPrice:     req.MaxPrice,
		Bedrooms:     req.Bedrooms,
		Limit:        req.Limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := propertySearchResponse{Properties: make([]propertyResponse, 0, len(props)), Count: len(props)}
	for _, p := range props {
		out.Properties = append(out.Properties, propertyResponse{
			PropertyID:       p.PropertyID,
			Title:            p.Title,
			PropertyType:     p.PropertyType,
			Location:         p.Location,
			Price:            p.Price,
			Bedrooms:         p.Bedrooms,
			Bathrooms:        p.Bathrooms,
			SizeSqft:         p.SizeSqft,
			KeySellingPoints: p.KeySellingPoints,
			Availability:     p.Availability,
		})
	}
	h.json(w, http.StatusOK, out)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := make(map[string]check, len(h.checks))
	healthy := true
	for name, p := range h.checks {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			loggerFrom(r.Context(), h.logger).Warn("health check failed", "check", name, "err", err)
			checks[name] = check{Status: "fail", Message: "connection failed"}
			healthy = false
			continue
		}
		checks[name] = check{Status: "pass", Latency: time.Since(start).String()}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	h.json(w, code, healthResponse{Status: status, Checks: checks, Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		h.badRequest(w, r, "invalid_json")
		return false
	}
	return true
}

func toConversationResponse(c domain.Conversation) conversationResponse {
	return conversationResponse{
		ConversationID:     c.ConversationID,
		AgentID:            c.AgentID,
		ContactNumber:      c.ContactNumber,
		ContactName:        c.ContactName,
		Mode:               string(c.CurrentMode),
		LastMessageAt:      timePtr(c.LastMessageAt),
		LastMessagePreview: c.LastMessagePreview,
		UnreadCount:        c.UnreadCount,
		LastModeChangeAt:   timePtr(c.LastModeChangeAt),
		LastModeChangedBy:  strings.TrimSpace(c.LastModeChangedBy),
		CreatedAt:          timePtr(c.CreatedAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
