package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"lead-assistant/internal/domain"
)

// AppendMessage persists a new message. Messages are append-only, so the
// put is conditional on the key being unused.
func (c *Client) AppendMessage(ctx context.Context, msg domain.Message) error {
	if msg.ConversationID == "" || msg.MessageID == "" || msg.Timestamp.IsZero() {
		return errors.New("repository: AppendMessage: conversation id, message id and timestamp are required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// MarkDelivered flags a persisted message as handed to the transport.
func (c *Client) MarkDelivered(ctx context.Context, msg domain.Message) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(msg.ConversationID), msgSK(msg.Timestamp, msg.MessageID)),
		UpdateExpression:    aws.String("SET delivered = :true"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": attrB(true),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: MarkDelivered: %w", err)
	}
	return nil
}

// GetHistory returns up to limit of the most recent messages in
// chronological order.
func (c *Client) GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     attrS(convPK(conversationID)),
			":prefix": attrS(skPrefixMsg),
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	sender, err := strAttr(item, "senderType")
	if err != nil {
		return domain.Message{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Message{}, err
	}

	return domain.Message{
		MessageID:          id,
		ConversationID:     conversationID,
		SenderType:         domain.SenderType(sender),
		Text:               text,
		Timestamp:          optTime(item, "timestamp"),
		TransportMessageID: optStr(item, "transportMessageId"),
		Fingerprint:        optStr(item, "fingerprint"),
		Delivered:          optBool(item, "delivered"),
	}, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":                 attrS(convPK(msg.ConversationID)),
		"SK":                 attrS(msgSK(msg.Timestamp, msg.MessageID)),
		"messageId":          attrS(msg.MessageID),
		"conversationId":     attrS(msg.ConversationID),
		"senderType":         attrS(string(msg.SenderType)),
		"text":               attrS(msg.Text),
		"timestamp":          attrTime(msg.Timestamp),
		"transportMessageId": attrS(msg.TransportMessageID),
		"fingerprint":        attrS(msg.Fingerprint),
		"delivered":          attrB(msg.Delivered),
	}
}
