package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"lead-assistant/internal/lock"
	"lead-assistant/internal/outbound"
	"lead-assistant/internal/repository"
)

type SendInput struct {
	ConversationID string
	Text           string
	Force          bool
}

type SendOutput struct {
	ConversationID string
	Sent           bool
}

// SendService delivers operator-initiated messages. It shares the
// conversation lock with the inbound pipeline so a manual send never lands
// inside an AI turn.
type SendService struct {
	sender      Sender
	locker      Locker
	lockTimeout time.Duration
	logger      *slog.Logger
}

func NewSendService(sender Sender, locker Locker, lockTimeout time.Duration, logger *slog.Logger) (*SendService, error) {
	if sender == nil {
		return nil, errors.New("usecase: sender must not be nil")
	}
	if locker == nil {
		return nil, errors.New("usecase: locker must not be nil")
	}
	if lockTimeout <= 0 {
		return nil, errors.New("usecase: lock timeout must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SendService{sender: sender, locker: locker, lockTimeout: lockTimeout, logger: logger}, nil
}

func (s *SendService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "empty_conversation_id", nil)
	}
	if strings.TrimSpace(in.Text) == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "empty_text", nil)
	}

	out := SendOutput{ConversationID: convID}
	err := s.locker.WithLock(ctx, lock.ConversationKey(convID), s.lockTimeout, func(ctx context.Context) error {
		sent, err := s.sender.Send(ctx, outbound.SendInput{ConversationID: convID, Text: in.Text, Force: in.Force})
		if err != nil {
			return sendError(err)
		}
		out.Sent = sent
		return nil
	})
	if err != nil {
		return SendOutput{}, lockError(err)
	}
	return out, nil
}

func sendError(err error) *Error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return newError(ErrorNotFound, "conversation_not_found", err)
	case errors.Is(err, outbound.ErrMissingCredentials):
		return newError(ErrorConfiguration, "missing_transport_credentials", err)
	case errors.Is(err, outbound.ErrTransport):
		return newError(ErrorTransportFailure, "transport_error", err)
	default:
		return newError(ErrorInternal, "send_error", err)
	}
}
