package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"lead-assistant/internal/domain"
)

// GetConversation loads the conversation META item with a consistent read.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, ErrNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation unmarshal: %w", err)
	}
	return conv, nil
}

// FindConversationByContact resolves the conversation for an (agent, contact)
// pair through its index item.
func (c *Client) FindConversationByContact(ctx context.Context, agentID, contact string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(agentPK(agentID), contactSK(contact)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindConversationByContact get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, ErrNotFound
	}
	conversationID, err := strAttr(out.Item, "conversationId")
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindConversationByContact decode: %w", err)
	}
	return c.GetConversation(ctx, conversationID)
}

const (
	// batchGetLimit is the DynamoDB maximum number of keys per BatchGetItem.
	batchGetLimit    = 100
	batchGetAttempts = 3
)

// ListConversations returns every conversation of an agent, most recently
// active first. Conversations without activity sort last.
func (c *Client) ListConversations(ctx context.Context, agentID string) ([]domain.Conversation, error) {
	index, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     attrS(agentPK(agentID)),
			":prefix": attrS(skPrefixContact),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversations query: %w", err)
	}

	keys := make([]map[string]types.AttributeValue, 0, len(index))
	for _, item := range index {
		id, err := strAttr(item, "conversationId")
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations decode: %w", err)
		}
		keys = append(keys, key(convPK(id), skMeta))
	}

	convs := make([]domain.Conversation, 0, len(keys))
	for start := 0; start < len(keys); start += batchGetLimit {
		end := min(start+batchGetLimit, len(keys))
		items, err := c.batchGet(ctx, keys[start:end])
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations: %w", err)
		}
		for _, item := range items {
			conv, err := itemToConversation(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListConversations unmarshal: %w", err)
			}
			convs = append(convs, conv)
		}
	}

	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].LastMessageAt, convs[j].LastMessageAt
		if a.IsZero() != b.IsZero() {
			return !a.IsZero()
		}
		return a.After(b)
	})
	return convs, nil
}

// batchGet reads up to batchGetLimit keys, retrying keys DynamoDB left
// unprocessed.
func (c *Client) batchGet(ctx context.Context, keys []map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	pending := keys
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt == batchGetAttempts {
			return nil, fmt.Errorf("batch get: %d keys still unprocessed", len(pending))
		}
		out, err := c.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				c.tableName: {Keys: pending, ConsistentRead: aws.Bool(true)},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("batch get: %w", err)
		}
		items = append(items, out.Responses[c.tableName]...)
		pending = out.UnprocessedKeys[c.tableName].Keys
	}
	return items, nil
}

// CreateConversation writes the pair index item and the conversation item in
// one transaction. ErrConflict means another writer created the pair first.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.ConversationID == "" || conv.AgentID == "" || conv.ContactNumber == "" {
		return errors.New("repository: CreateConversation: conversation id, agent id and contact are required")
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item: map[string]types.AttributeValue{
						"PK":             attrS(agentPK(conv.AgentID)),
						"SK":             attrS(contactSK(conv.ContactNumber)),
						"conversationId": attrS(conv.ConversationID),
					},
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                conversationItem(conv),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		if isTransactionCanceled(err) {
			return ErrConflict
		}
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return nil
}

// UpdateContactName overwrites the stored display name.
func (c *Client) UpdateContactName(ctx context.Context, conversationID, name string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("SET contactName = :name"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":name": attrS(name),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: UpdateContactName: %w", err)
	}
	return nil
}

// SetMode records a mode transition with its audit fields.
func (c *Client) SetMode(ctx context.Context, conversationID string, mode domain.Mode, actor, reason string, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("SET #mode = :mode, lastModeChangeAt = :at, lastModeChangedBy = :by, lastModeChangeReason = :reason"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#mode": "mode",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":mode":   attrS(string(mode)),
			":at":     attrTime(at),
			":by":     attrS(actor),
			":reason": attrS(reason),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: SetMode: %w", err)
	}
	return nil
}

// TouchActivity updates the preview and last activity time. When
// incrementUnread is set the unread counter is bumped atomically.
func (c *Client) TouchActivity(ctx context.Context, conversationID, preview string, at time.Time, incrementUnread bool) error {
	expr := "SET lastMessageAt = :at, lastMessagePreview = :preview"
	values := map[string]types.AttributeValue{
		":at":      attrTime(at),
		":preview": attrS(preview),
	}
	if incrementUnread {
		expr += " ADD unreadCount :one"
		values[":one"] = attrN(1)
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key(convPK(conversationID), skMeta),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: TouchActivity: %w", err)
	}
	return nil
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	agentID, err := strAttr(item, "agentId")
	if err != nil {
		return domain.Conversation{}, err
	}
	mode, err := strAttr(item, "mode")
	if err != nil {
		return domain.Conversation{}, err
	}
	parsed, ok := domain.ParseMode(mode)
	if !ok {
		return domain.Conversation{}, fmt.Errorf("repository: invalid mode %q", mode)
	}

	return domain.Conversation{
		ConversationID:       id,
		AgentID:              agentID,
		ContactNumber:        optStr(item, "contactNumber"),
		ContactName:          optStr(item, "contactName"),
		CurrentMode:          parsed,
		LastMessageAt:        optTime(item, "lastMessageAt"),
		LastMessagePreview:   optStr(item, "lastMessagePreview"),
		UnreadCount:          optInt(item, "unreadCount"),
		LastModeChangeAt:     optTime(item, "lastModeChangeAt"),
		LastModeChangedBy:    optStr(item, "lastModeChangedBy"),
		LastModeChangeReason: optStr(item, "lastModeChangeReason"),
		CreatedAt:            optTime(item, "createdAt"),
	}, nil
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":                   attrS(convPK(conv.ConversationID)),
		"SK":                   attrS(skMeta),
		"conversationId":       attrS(conv.ConversationID),
		"agentId":              attrS(conv.AgentID),
		"contactNumber":        attrS(conv.ContactNumber),
		"contactName":          attrS(conv.ContactName),
		"mode":                 attrS(string(conv.CurrentMode)),
		"lastMessageAt":        attrTime(conv.LastMessageAt),
		"lastMessagePreview":   attrS(conv.LastMessagePreview),
		"unreadCount":          attrN(conv.UnreadCount),
		"lastModeChangeAt":     attrTime(conv.LastModeChangeAt),
		"lastModeChangedBy":    attrS(conv.LastModeChangedBy),
		"lastModeChangeReason": attrS(conv.LastModeChangeReason),
		"createdAt":            attrTime(conv.CreatedAt),
	}
}
