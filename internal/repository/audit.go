package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"lead-assistant/internal/domain"
)

const webhookLogTTL = 30 * 24 * time.Hour

var newLogID = func() string { return uuid.NewString() }

// PutWebhookLog appends an audit entry for a received webhook. Entries for
// the same fingerprint share a partition so duplicates can be inspected
// together.
func (c *Client) PutWebhookLog(ctx context.Context, entry domain.WebhookLog) error {
	received := entry.ReceivedAt
	if received.IsZero() {
		received = c.now()
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":          attrS(webhookPK(entry.Fingerprint)),
			"SK":          attrS(skPrefixWebhookLg + received.UTC().Format(sortableTime) + "#" + newLogID()),
			"fingerprint": attrS(entry.Fingerprint),
			"payload":     attrS(entry.Payload),
			"processed":   attrB(entry.Processed),
			"duplicate":   attrB(entry.Duplicate),
			"receivedAt":  attrTime(received),
			"ttl":         &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", received.Add(webhookLogTTL).Unix())},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutWebhookLog: %w", err)
	}
	return nil
}

// ReserveSend records an outbound idempotency key as pending. It reports
// false when the key is already pending or sent. A key whose previous attempt
// failed may be reserved again.
func (c *Client) ReserveSend(ctx context.Context, entry domain.SentLog) (bool, error) {
	created := entry.CreatedAt
	if created.IsZero() {
		created = c.now()
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":                attrS(sentPK(entry.IdempotencyKey)),
			"SK":                attrS(skSent),
			"idempotencyKey":    attrS(entry.IdempotencyKey),
			"conversationId":    attrS(entry.ConversationID),
			"text":              attrS(entry.Text),
			"status":            attrS(string(domain.SendPending)),
			"transportResponse": attrS(""),
			"createdAt":         attrTime(created),
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #status = :failed"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": attrS(string(domain.SendFailed)),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: ReserveSend: %w", err)
	}
	return true, nil
}

// CompleteSend stores the final status of a reserved send.
func (c *Client) CompleteSend(ctx context.Context, idempotencyKey string, status domain.SendStatus, response string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(sentPK(idempotencyKey), skSent),
		UpdateExpression: aws.String("SET #status = :status, transportResponse = :resp"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": attrS(string(status)),
			":resp":   attrS(response),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: CompleteSend: %w", err)
	}
	return nil
}

// GetSentLog loads an idempotency record.
func (c *Client) GetSentLog(ctx context.Context, idempotencyKey string) (domain.SentLog, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(sentPK(idempotencyKey), skSent),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SentLog{}, fmt.Errorf("repository: GetSentLog get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SentLog{}, ErrNotFound
	}
	status, err := strAttr(out.Item, "status")
	if err != nil {
		return domain.SentLog{}, fmt.Errorf("repository: GetSentLog decode: %w", err)
	}
	return domain.SentLog{
		IdempotencyKey:    optStr(out.Item, "idempotencyKey"),
		ConversationID:    optStr(out.Item, "conversationId"),
		Text:              optStr(out.Item, "text"),
		Status:            domain.SendStatus(status),
		TransportResponse: optStr(out.Item, "transportResponse"),
		CreatedAt:         optTime(out.Item, "createdAt"),
	}, nil
}
