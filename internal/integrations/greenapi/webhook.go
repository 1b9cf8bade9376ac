package greenapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"lead-assistant/internal/domain"
)

type webhookPayload struct {
	TypeWebhook  string `json:"typeWebhook"`
	InstanceData struct {
		IDInstance json.Number `json:"idInstance"`
	} `json:"instanceData"`
	Timestamp  int64  `json:"timestamp"`
	IDMessage  string `json:"idMessage"`
	SenderData struct {
		ChatID     string `json:"chatId"`
		SenderName string `json:"senderName"`
	} `json:"senderData"`
	MessageData struct {
		TypeMessage     string `json:"typeMessage"`
		TextMessageData struct {
			TextMessage string `json:"textMessage"`
		} `json:"textMessageData"`
	} `json:"messageData"`
}

// ParseWebhook decodes a gateway webhook body. Events of any type decode;
// callers decide whether they are processable.
func ParseWebhook(raw []byte) (domain.InboundEvent, error) {
	if len(raw) == 0 {
		return domain.InboundEvent{}, errors.New("greenapi: empty webhook body")
	}
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.InboundEvent{}, fmt.Errorf("greenapi: decode webhook: %w", err)
	}
	if p.TypeWebhook == "" {
		return domain.InboundEvent{}, errors.New("greenapi: webhook has no typeWebhook")
	}

	return domain.InboundEvent{
		EventType:           p.TypeWebhook,
		TransportInstanceID: p.InstanceData.IDInstance.String(),
		Timestamp:           p.Timestamp,
		MessageID:           p.IDMessage,
		SenderChatID:        p.SenderData.ChatID,
		SenderDisplayName:   p.SenderData.SenderName,
		MessageType:         p.MessageData.TypeMessage,
		Text:                p.MessageData.TextMessageData.TextMessage,
		Raw:                 raw,
	}, nil
}

// ContactNumber strips the chat suffix from a sender chat id.
func ContactNumber(chatID string) string {
	for _, suffix := range []string{"@c.us", "@g.us"} {
		if strings.HasSuffix(chatID, suffix) {
			return strings.TrimSuffix(chatID, suffix)
		}
	}
	return chatID
}
