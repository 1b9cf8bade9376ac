package handler

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

// Handle serves an API Gateway proxy event through the same router as the
// HTTP server.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	resp, err := h.proxy.ProxyWithContext(ctx, event)
	if err != nil {
		h.logger.Warn("malformed proxy event", "err", err)
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"error":"INVALID_INPUT"}`,
		}, nil
	}

	// The adapter fills only the multi-value form.
	if resp.Headers == nil {
		resp.Headers = make(map[string]string, len(resp.MultiValueHeaders))
		for k, vs := range resp.MultiValueHeaders {
			if len(vs) > 0 {
				resp.Headers[k] = vs[0]
			}
		}
	}
	return resp, nil
}
