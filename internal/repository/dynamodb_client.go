package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Single-table layout:
//
//	AGENT#<id>       PROFILE             agent record and persona
//	AGENT#<id>       PROPERTY#<pid>      listing
//	AGENT#<id>       CONTACT#<number>    (agent, contact) -> conversation id
//	INSTANCE#<id>    AGENT               transport instance -> agent id
//	CONV#<id>        META                conversation state and mode
//	CONV#<id>        MSG#<ts>#<mid>      message
//	CONV#<id>        FOLLOWUP#<fid>      scheduled follow-up
//	WEBHOOK#<fp>     LOG#<ts>#<uuid>     webhook audit entry
//	SENT#<key>       SENT                outbound idempotency record
const (
	skProfile         = "PROFILE"
	skMeta            = "META"
	skAgent           = "AGENT"
	skSent            = "SENT"
	skPrefixMsg       = "MSG#"
	skPrefixFollowup  = "FOLLOWUP#"
	skPrefixProperty  = "PROPERTY#"
	skPrefixContact   = "CONTACT#"
	skPrefixWebhookLg = "LOG#"

	// sortableTime keeps a fixed width so sort keys order chronologically.
	sortableTime = "2006-01-02T15:04:05.000000000Z07:00"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is returned when a conditional create lost a race.
	ErrConflict = errors.New("repository: conflict")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
}

// Client wraps a DynamoDB table holding agents, conversations and their logs.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// Ping performs a cheap consistent read to verify table access.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       key("HEALTH", "HEALTH"),
	})
	if err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

func agentPK(agentID string) string       { return "AGENT#" + agentID }
func instancePK(instanceID string) string { return "INSTANCE#" + instanceID }
func convPK(conversationID string) string { return "CONV#" + conversationID }
func webhookPK(fingerprint string) string { return "WEBHOOK#" + fingerprint }
func sentPK(idempotencyKey string) string { return "SENT#" + idempotencyKey }

func contactSK(contact string) string { return skPrefixContact + contact }

// msgSK orders messages by timestamp; the id suffix keeps equal timestamps unique.
func msgSK(ts time.Time, messageID string) string {
	return skPrefixMsg + ts.UTC().Format(sortableTime) + "#" + messageID
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func isTransactionCanceled(err error) bool {
	var tce *types.TransactionCanceledException
	return errors.As(err, &tce)
}

func attrS(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func attrN(v int) types.AttributeValue { return &types.AttributeValueMemberN{Value: strconv.Itoa(v)} }

func attrF(v float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'f', -1, 64)}
}

func attrB(v bool) types.AttributeValue { return &types.AttributeValueMemberBOOL{Value: v} }

func attrTime(t time.Time) types.AttributeValue {
	if t.IsZero() {
		return attrS("")
	}
	return attrS(t.UTC().Format(time.RFC3339Nano))
}

func strAttr(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", name)
	}
	sv, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", name)
	}
	return sv.Value, nil
}

// optStr returns "" for a missing attribute.
func optStr(item map[string]types.AttributeValue, name string) string {
	v, _ := strAttr(item, name)
	return v
}

func intAttr(item map[string]types.AttributeValue, name string) (int, error) {
	v, ok := item[name]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", name)
	}
	nv, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", name)
	}
	parsed, err := strconv.Atoi(nv.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", name, err)
	}
	return parsed, nil
}

func optInt(item map[string]types.AttributeValue, name string) int {
	v, _ := intAttr(item, name)
	return v
}

func optFloat(item map[string]types.AttributeValue, name string) float64 {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	parsed, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func optBool(item map[string]types.AttributeValue, name string) bool {
	v, ok := item[name].(*types.AttributeValueMemberBOOL)
	return ok && v.Value
}

func optTime(item map[string]types.AttributeValue, name string) time.Time {
	raw := optStr(item, name)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// queryAll pages through a query and returns every item.
func (c *Client) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}
