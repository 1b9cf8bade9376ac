package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"lead-assistant/internal/domain"
	"lead-assistant/internal/lock"
	"lead-assistant/internal/metrics"
)

const (
	actorSystem   = "system"
	defaultReason = "manual_toggle"
)

// Locker serializes work on one conversation.
type Locker interface {
	WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error
}

// ModeStore persists conversation modes and their follow-ups.
type ModeStore interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	SetMode(ctx context.Context, conversationID string, mode domain.Mode, actor, reason string, at time.Time) error
	CancelPendingFollowups(ctx context.Context, conversationID string, at time.Time) (int, error)
}

type SetModeInput struct {
	ConversationID string
	Mode           string
	Actor          string
	Reason         string
}

type SetModeOutput struct {
	ConversationID     string
	Mode               domain.Mode
	Previous           domain.Mode
	CancelledFollowups int
}

// ModeService switches conversations between AI and human handling.
type ModeService struct {
	store       ModeStore
	locker      Locker
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewModeService(store ModeStore, locker Locker, lockTimeout time.Duration, logger *slog.Logger) (*ModeService, error) {
	if store == nil {
		return nil, errors.New("usecase: mode store must not be nil")
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
	return &ModeService{store: store, locker: locker, lockTimeout: lockTimeout, logger: logger, now: time.Now}, nil
}

// CheckMode reads the current mode without taking the lock.
func (s *ModeService) CheckMode(ctx context.Context, conversationID string) (domain.Mode, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", storeError(err, "dynamodb_conversation_error")
	}
	return conv.CurrentMode, nil
}

// SetMode writes the requested mode under the conversation lock. Handing a
// conversation to a human also cancels its pending follow-ups, after the
// mode write has succeeded.
func (s *ModeService) SetMode(ctx context.Context, in SetModeInput) (SetModeOutput, error) {
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return SetModeOutput{}, newError(ErrorInvalidInput, "empty_conversation_id", nil)
	}
	mode, ok := domain.ParseMode(strings.ToUpper(strings.TrimSpace(in.Mode)))
	if !ok {
		return SetModeOutput{}, newError(ErrorInvalidInput, "invalid_mode", nil)
	}
	actor := strings.TrimSpace(in.Actor)
	if actor == "" {
		actor = actorSystem
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = defaultReason
	}

	out := SetModeOutput{ConversationID: convID, Mode: mode}
	err := s.locker.WithLock(ctx, lock.ConversationKey(convID), s.lockTimeout, func(ctx context.Context) error {
		conv, err := s.store.GetConversation(ctx, convID)
		if err != nil {
			return storeError(err, "dynamodb_conversation_error")
		}
		out.Previous = conv.CurrentMode

		at := s.now().UTC()
		if err := s.store.SetMode(ctx, convID, mode, actor, reason, at); err != nil {
			return storeError(err, "dynamodb_mode_error")
		}
		if conv.CurrentMode != mode {
			metrics.ModeChanges.WithLabelValues(string(mode)).Inc()
			s.logger.Info("conversation mode changed",
				"conversation_id", convID, "from", conv.CurrentMode, "to", mode, "actor", actor, "reason", reason)
		}

		if mode != domain.ModeHuman {
			return nil
		}
		n, err := s.store.CancelPendingFollowups(ctx, convID, at)
		if err != nil {
			return newError(ErrorInternal, "dynamodb_followup_error", err)
		}
		out.CancelledFollowups = n
		if n > 0 {
			s.logger.Info("pending follow-ups cancelled", "conversation_id", convID, "count", n)
		}
		return nil
	})
	if err != nil {
		return SetModeOutput{}, lockError(err)
	}
	return out, nil
}

// lockError maps WithLock failures that did not come from fn.
func lockError(err error) error {
	var ue *Error
	if errors.As(err, &ue) {
		return err
	}
	if errors.Is(err, lock.ErrTimeout) {
		metrics.LockTimeouts.Inc()
		return newError(ErrorLockTimeout, "lock_timeout", err)
	}
	return newError(ErrorInternal, "lock_error", err)
}
