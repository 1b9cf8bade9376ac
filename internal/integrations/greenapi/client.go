// Package greenapi talks to the Green API WhatsApp gateway: it decodes
// inbound webhooks and sends outbound text messages.
package greenapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.green-api.com"

// HTTPStatusError captures non-2xx gateway responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("greenapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Credentials address one gateway instance.
type Credentials struct {
	InstanceID string
	Token      string
}

// SendResult is the gateway's acknowledgement of a sent message.
type SendResult struct {
	MessageID string
	Raw       string
}

type sendRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

type sendResponse struct {
	IDMessage string `json:"idMessage"`
}

// Client sends messages through the gateway. Calls share one rate limiter
// per process.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if v := strings.TrimSpace(baseURL); v != "" {
			c.baseURL = v
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRateLimit caps sends at perSecond with a burst of the same size.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond > 0 {
			burst := int(perSecond)
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewClient creates a gateway client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChatID converts a bare phone number into a personal chat id.
func ChatID(contactNumber string) string {
	if strings.Contains(contactNumber, "@") {
		return contactNumber
	}
	return contactNumber + "@c.us"
}

func sendURL(baseURL string, creds Credentials) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return fmt.Sprintf("%s/waInstance%s/sendMessage/%s", base, creds.InstanceID, creds.Token)
}

// SendText delivers text to the contact's chat.
func (c *Client) SendText(ctx context.Context, creds Credentials, contactNumber, text string) (SendResult, error) {
	if creds.InstanceID == "" || creds.Token == "" {
		return SendResult{}, errors.New("greenapi: instance id and token are required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return SendResult{}, fmt.Errorf("greenapi: rate limit wait: %w", err)
	}

	body, err := json.Marshal(sendRequest{ChatID: ChatID(contactNumber), Message: text})
	if err != nil {
		return SendResult{}, fmt.Errorf("greenapi: marshal request: %w", err)
	}

	url := sendURL(c.baseURL, creds)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("greenapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("greenapi: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err != nil {
		return SendResult{}, fmt.Errorf("greenapi: read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return SendResult{}, &HTTPStatusError{
			StatusCode: res.StatusCode,
			// The token is part of the path; keep it out of errors and logs.
			URL:  strings.TrimSuffix(url, creds.Token) + "***",
			Body: string(raw),
		}
	}

	var payload sendResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return SendResult{}, fmt.Errorf("greenapi: decode response: %w", err)
	}
	return SendResult{MessageID: payload.IDMessage, Raw: string(raw)}, nil
}
