package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"lead-assistant/internal/domain"
)

// ListFollowups returns every follow-up scheduled for a conversation.
func (c *Client) ListFollowups(ctx context.Context, conversationID string) ([]domain.Followup, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     attrS(convPK(conversationID)),
			":prefix": attrS(skPrefixFollowup),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListFollowups query: %w", err)
	}

	out := make([]domain.Followup, 0, len(items))
	for _, item := range items {
		fu, err := itemToFollowup(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListFollowups unmarshal: %w", err)
		}
		out = append(out, fu)
	}
	return out, nil
}

// PutFollowup writes a follow-up. The scheduler that owns follow-ups is
// external; this exists for seeding and tests.
func (c *Client) PutFollowup(ctx context.Context, fu domain.Followup) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      followupItem(fu),
	})
	if err != nil {
		return fmt.Errorf("repository: PutFollowup: %w", err)
	}
	return nil
}

// CancelPendingFollowups moves every pending follow-up of the conversation to
// cancelled and returns how many were changed. Each update is conditional on
// the item still being pending, so a follow-up sent concurrently is left alone.
func (c *Client) CancelPendingFollowups(ctx context.Context, conversationID string, at time.Time) (int, error) {
	followups, err := c.ListFollowups(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("repository: CancelPendingFollowups: %w", err)
	}

	cancelled := 0
	for _, fu := range followups {
		if fu.Status != domain.FollowupPending {
			continue
		}
		_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(c.tableName),
			Key:                 key(convPK(conversationID), skPrefixFollowup+fu.FollowupID),
			UpdateExpression:    aws.String("SET #status = :cancelled, cancelledAt = :at"),
			ConditionExpression: aws.String("#status = :pending"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cancelled": attrS(string(domain.FollowupCancelled)),
				":pending":   attrS(string(domain.FollowupPending)),
				":at":        attrTime(at),
			},
		})
		if err != nil {
			if isConditionFailed(err) {
				continue
			}
			return cancelled, fmt.Errorf("repository: CancelPendingFollowups update %s: %w", fu.FollowupID, err)
		}
		cancelled++
	}
	return cancelled, nil
}

func itemToFollowup(item map[string]types.AttributeValue) (domain.Followup, error) {
	id, err := strAttr(item, "followupId")
	if err != nil {
		return domain.Followup{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Followup{}, err
	}
	return domain.Followup{
		FollowupID:     id,
		ConversationID: optStr(item, "conversationId"),
		Status:         domain.FollowupStatus(status),
		ScheduledAt:    optTime(item, "scheduledAt"),
		CancelledAt:    optTime(item, "cancelledAt"),
	}, nil
}

func followupItem(fu domain.Followup) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             attrS(convPK(fu.ConversationID)),
		"SK":             attrS(skPrefixFollowup + fu.FollowupID),
		"followupId":     attrS(fu.FollowupID),
		"conversationId": attrS(fu.ConversationID),
		"status":         attrS(string(fu.Status)),
		"scheduledAt":    attrTime(fu.ScheduledAt),
		"cancelledAt":    attrTime(fu.CancelledAt),
	}
}
