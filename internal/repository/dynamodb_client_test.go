package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"lead-assistant/internal/domain"
)

type fakeDynamo struct {
	// items answers GetItem by "PK|SK"; getOut is used when items is nil.
	items      map[string]map[string]types.AttributeValue
	getOut     *dynamodb.GetItemOutput
	getErr     error
	putErr     error
	updateErrs []error
	queryPages []*dynamodb.QueryOutput
	queryErr   error
	txErr      error
	batchErr   error
	// deferKeys makes the first n BatchGetItem calls leave their first key
	// unprocessed.
	deferKeys int

	getInputs    []*dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	updateInputs []*dynamodb.UpdateItemInput
	queryInputs  []*dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
	batchInputs  []*dynamodb.BatchGetItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.getInputs = append(f.getInputs, in)
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.items != nil {
		pk := in.Key["PK"].(*types.AttributeValueMemberS).Value
		sk := in.Key["SK"].(*types.AttributeValueMemberS).Value
		return &dynamodb.GetItemOutput{Item: f.items[pk+"|"+sk]}, nil
	}
	return f.getOut, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	idx := len(f.updateInputs)
	f.updateInputs = append(f.updateInputs, in)
	if idx < len(f.updateErrs) {
		return &dynamodb.UpdateItemOutput{}, f.updateErrs[idx]
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	// Copy so pagination state is visible per call.
	cp := *in
	idx := len(f.queryInputs)
	f.queryInputs = append(f.queryInputs, &cp)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if idx < len(f.queryPages) {
		return f.queryPages[idx], nil
	}
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.batchInputs = append(f.batchInputs, in)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := &dynamodb.BatchGetItemOutput{
		Responses:       map[string][]map[string]types.AttributeValue{},
		UnprocessedKeys: map[string]types.KeysAndAttributes{},
	}
	for table, ka := range in.RequestItems {
		keys := ka.Keys
		if f.deferKeys > 0 && len(keys) > 0 {
			f.deferKeys--
			out.UnprocessedKeys[table] = types.KeysAndAttributes{Keys: keys[:1]}
			keys = keys[1:]
		}
		for _, k := range keys {
			pk := k["PK"].(*types.AttributeValueMemberS).Value
			sk := k["SK"].(*types.AttributeValueMemberS).Value
			if item, ok := f.items[pk+"|"+sk]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return c
}

func strOf(t *testing.T, v types.AttributeValue) string {
	t.Helper()
	sv, ok := v.(*types.AttributeValueMemberS)
	require.True(t, ok, "expected string attribute, got %T", v)
	return sv.Value
}

func conversationFixture(mode domain.Mode) domain.Conversation {
	return domain.Conversation{
		ConversationID: "conv-1",
		AgentID:        "agent-1",
		ContactNumber:  "6591234567",
		ContactName:    "Lee",
		CurrentMode:    mode,
		CreatedAt:      time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "table")
	require.Error(t, err)

	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

func TestMsgSK_SortsChronologically(t *testing.T) {
	early := msgSK(time.Date(2024, 1, 1, 0, 0, 0, 100, time.UTC), "b")
	late := msgSK(time.Date(2024, 1, 1, 0, 0, 0, 20000, time.UTC), "a")
	require.Less(t, early, late)
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func TestGetConversation_HappyPath(t *testing.T) {
	conv := conversationFixture(domain.ModeHuman)
	conv.UnreadCount = 3
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: conversationItem(conv)}}
	c := mustNewClient(t, db)

	got, err := c.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, domain.ModeHuman, got.CurrentMode)
	require.Equal(t, 3, got.UnreadCount)
	require.Equal(t, conv.CreatedAt, got.CreatedAt)
	require.True(t, aws.ToBool(db.getInputs[0].ConsistentRead))
}

func TestGetConversation_Missing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.GetConversation(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetConversation_InvalidMode(t *testing.T) {
	item := conversationItem(conversationFixture(domain.ModeAI))
	item["mode"] = attrS("ROBOT")
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	_, err := c.GetConversation(context.Background(), "conv-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid mode")
}

func TestFindConversationByContact_FollowsIndex(t *testing.T) {
	conv := conversationFixture(domain.ModeAI)
	db := &fakeDynamo{items: map[string]map[string]types.AttributeValue{
		"AGENT#agent-1|CONTACT#6591234567": {"conversationId": attrS("conv-1")},
		"CONV#conv-1|META":                 conversationItem(conv),
	}}
	c := mustNewClient(t, db)

	got, err := c.FindConversationByContact(context.Background(), "agent-1", "6591234567")
	require.NoError(t, err)
	require.Equal(t, "conv-1", got.ConversationID)
	require.Len(t, db.getInputs, 2)
}

func TestFindConversationByContact_NotFound(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{items: map[string]map[string]types.AttributeValue{}})
	_, err := c.FindConversationByContact(context.Background(), "agent-1", "659")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateConversation_WritesIndexAndMeta(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.CreateConversation(context.Background(), conversationFixture(domain.ModeAI)))
	require.NotNil(t, db.lastTxInput)
	require.Len(t, db.lastTxInput.TransactItems, 2)

	index := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "AGENT#agent-1", strOf(t, index.Item["PK"]))
	require.Equal(t, "CONTACT#6591234567", strOf(t, index.Item["SK"]))
	require.Contains(t, aws.ToString(index.ConditionExpression), "attribute_not_exists")

	meta := db.lastTxInput.TransactItems[1].Put
	require.Equal(t, "CONV#conv-1", strOf(t, meta.Item["PK"]))
	require.Equal(t, "AI", strOf(t, meta.Item["mode"]))
}

func TestCreateConversation_LostRace(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{Message: aws.String("ConditionalCheckFailed")}}
	c := mustNewClient(t, db)
	err := c.CreateConversation(context.Background(), conversationFixture(domain.ModeAI))
	require.ErrorIs(t, err, ErrConflict)
}

func TestCreateConversation_RequiresIDs(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.CreateConversation(context.Background(), domain.Conversation{AgentID: "a"})
	require.Error(t, err)
}

func TestSetMode_WritesAuditFields(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, c.SetMode(context.Background(), "conv-1", domain.ModeHuman, "agent-1", "manual_toggle", at))
	require.Len(t, db.updateInputs, 1)
	in := db.updateInputs[0]
	require.Equal(t, "mode", in.ExpressionAttributeNames["#mode"])
	require.Equal(t, "HUMAN", strOf(t, in.ExpressionAttributeValues[":mode"]))
	require.Equal(t, "agent-1", strOf(t, in.ExpressionAttributeValues[":by"]))
	require.Equal(t, "attribute_exists(PK)", aws.ToString(in.ConditionExpression))
}

func TestSetMode_UnknownConversation(t *testing.T) {
	db := &fakeDynamo{updateErrs: []error{&types.ConditionalCheckFailedException{}}}
	c := mustNewClient(t, db)
	err := c.SetMode(context.Background(), "nope", domain.ModeAI, "x", "", time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTouchActivity_IncrementsUnread(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.TouchActivity(context.Background(), "conv-1", "hi", time.Now(), true))
	require.Contains(t, aws.ToString(db.updateInputs[0].UpdateExpression), "ADD unreadCount :one")

	require.NoError(t, c.TouchActivity(context.Background(), "conv-1", "hi", time.Now(), false))
	require.NotContains(t, aws.ToString(db.updateInputs[1].UpdateExpression), "unreadCount")
}

func TestListConversations_OrdersByActivity(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2024, 3, 1, h, 0, 0, 0, time.UTC) }
	mk := func(id string, mode domain.Mode, last time.Time) domain.Conversation {
		c := conversationFixture(mode)
		c.ConversationID = id
		c.ContactNumber = "65" + id
		c.LastMessageAt = last
		return c
	}
	older := mk("c1", domain.ModeAI, at(8))
	quiet := mk("c2", domain.ModeAI, time.Time{})
	newest := mk("c3", domain.ModeHuman, at(10))

	index := func(c domain.Conversation) map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			"PK": attrS("AGENT#agent-1"), "SK": attrS("CONTACT#" + c.ContactNumber), "conversationId": attrS(c.ConversationID),
		}
	}
	db := &fakeDynamo{
		queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{index(older), index(quiet), index(newest)}}},
		items: map[string]map[string]types.AttributeValue{
			"CONV#c1|META": conversationItem(older),
			"CONV#c2|META": conversationItem(quiet),
			"CONV#c3|META": conversationItem(newest),
		},
		deferKeys: 1,
	}
	c := mustNewClient(t, db)

	got, err := c.ListConversations(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "c3", got[0].ConversationID)
	require.Equal(t, domain.ModeHuman, got[0].CurrentMode)
	require.Equal(t, "c1", got[1].ConversationID)
	require.Equal(t, "c2", got[2].ConversationID)

	require.Equal(t, "CONTACT#", strOf(t, db.queryInputs[0].ExpressionAttributeValues[":prefix"]))
	// The deferred key is requested again on its own.
	require.Len(t, db.batchInputs, 2)
	require.Len(t, db.batchInputs[1].RequestItems["test-table"].Keys, 1)
}

func TestListConversations_Empty(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	got, err := c.ListConversations(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Empty(t, got)
	require.Empty(t, db.batchInputs)
}

func TestListConversations_Errors(t *testing.T) {
	index := []map[string]types.AttributeValue{{"conversationId": attrS("c1")}}

	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("throttled")})
	_, err := c.ListConversations(context.Background(), "agent-1")
	require.ErrorContains(t, err, "ListConversations query")

	c = mustNewClient(t, &fakeDynamo{
		queryPages: []*dynamodb.QueryOutput{{Items: index}},
		batchErr:   errors.New("throttled"),
	})
	_, err = c.ListConversations(context.Background(), "agent-1")
	require.ErrorContains(t, err, "throttled")

	c = mustNewClient(t, &fakeDynamo{
		queryPages: []*dynamodb.QueryOutput{{Items: index}},
		deferKeys:  batchGetAttempts,
	})
	_, err = c.ListConversations(context.Background(), "agent-1")
	require.ErrorContains(t, err, "unprocessed")
}

func TestUpdateContactName_Error(t *testing.T) {
	db := &fakeDynamo{updateErrs: []error{errors.New("throttled")}}
	c := mustNewClient(t, db)
	err := c.UpdateContactName(context.Background(), "conv-1", "New")
	require.Error(t, err)
	require.Contains(t, err.Error(), "UpdateContactName")
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func TestAppendMessage_ConditionalPut(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	msg := domain.Message{
		MessageID:      "m1",
		ConversationID: "conv-1",
		SenderType:     domain.SenderUser,
		Text:           "Hello",
		Timestamp:      time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	require.NoError(t, c.AppendMessage(context.Background(), msg))
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", aws.ToString(db.lastPutInput.ConditionExpression))
	require.Equal(t, "MSG#2024-03-01T09:00:00.000000000Z#m1", strOf(t, db.lastPutInput.Item["SK"]))
}

func TestAppendMessage_Validation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.AppendMessage(context.Background(), domain.Message{ConversationID: "conv-1"})
	require.Error(t, err)
}

func TestAppendMessage_Duplicate(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{}}
	c := mustNewClient(t, db)
	err := c.AppendMessage(context.Background(), domain.Message{MessageID: "m", ConversationID: "c", Timestamp: time.Now()})
	require.ErrorIs(t, err, ErrConflict)
}

func TestMarkDelivered_TargetsMessageKey(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, c.MarkDelivered(context.Background(), domain.Message{MessageID: "m1", ConversationID: "conv-1", Timestamp: ts}))
	require.Equal(t, msgSK(ts, "m1"), strOf(t, db.updateInputs[0].Key["SK"]))
}

func TestGetHistory_ReturnsChronological(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	newest := messageItem(domain.Message{MessageID: "m2", ConversationID: "c", SenderType: domain.SenderAI, Text: "second", Timestamp: t0.Add(time.Second)})
	oldest := messageItem(domain.Message{MessageID: "m1", ConversationID: "c", SenderType: domain.SenderUser, Text: "first", Timestamp: t0})
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{newest, oldest}}}}
	c := mustNewClient(t, db)

	msgs, err := c.GetHistory(context.Background(), "c", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Text)
	require.Equal(t, "second", msgs[1].Text)
	require.False(t, aws.ToBool(db.queryInputs[0].ScanIndexForward))
	require.Equal(t, int32(10), aws.ToInt32(db.queryInputs[0].Limit))
}

func TestGetHistory_QueryError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")})
	_, err := c.GetHistory(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetHistory")
}

func TestGetHistory_MalformedItem(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK":        attrS("CONV#abc"),
		"SK":        attrS("MSG#ts"),
		"messageId": attrS("m"),
	}
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}}
	c := mustNewClient(t, db)
	_, err := c.GetHistory(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal")
}

// ---------------------------------------------------------------------------
// Follow-ups
// ---------------------------------------------------------------------------

func TestCancelPendingFollowups_OnlyPending(t *testing.T) {
	items := []map[string]types.AttributeValue{
		followupItem(domain.Followup{FollowupID: "f1", ConversationID: "conv-1", Status: domain.FollowupPending}),
		followupItem(domain.Followup{FollowupID: "f2", ConversationID: "conv-1", Status: domain.FollowupSent}),
		followupItem(domain.Followup{FollowupID: "f3", ConversationID: "conv-1", Status: domain.FollowupPending}),
	}
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: items}}}
	c := mustNewClient(t, db)

	n, err := c.CancelPendingFollowups(context.Background(), "conv-1", time.Now())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, db.updateInputs, 2)
	require.Equal(t, "FOLLOWUP#f1", strOf(t, db.updateInputs[0].Key["SK"]))
	require.Equal(t, "FOLLOWUP#f3", strOf(t, db.updateInputs[1].Key["SK"]))
	require.Equal(t, "cancelled", strOf(t, db.updateInputs[0].ExpressionAttributeValues[":cancelled"]))
}

func TestCancelPendingFollowups_SkipsRaces(t *testing.T) {
	items := []map[string]types.AttributeValue{
		followupItem(domain.Followup{FollowupID: "f1", ConversationID: "conv-1", Status: domain.FollowupPending}),
		followupItem(domain.Followup{FollowupID: "f2", ConversationID: "conv-1", Status: domain.FollowupPending}),
	}
	db := &fakeDynamo{
		queryPages: []*dynamodb.QueryOutput{{Items: items}},
		updateErrs: []error{&types.ConditionalCheckFailedException{}},
	}
	c := mustNewClient(t, db)

	n, err := c.CancelPendingFollowups(context.Background(), "conv-1", time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPutFollowup_ReadBackByList(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	fu := domain.Followup{FollowupID: "f9", ConversationID: "conv-1", Status: domain.FollowupPending}
	require.NoError(t, c.PutFollowup(context.Background(), fu))
	require.Equal(t, "CONV#conv-1", strOf(t, db.lastPutInput.Item["PK"]))
	require.Equal(t, "FOLLOWUP#f9", strOf(t, db.lastPutInput.Item["SK"]))

	db.queryPages = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{db.lastPutInput.Item}}}
	got, err := c.ListFollowups(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "f9", got[0].FollowupID)
	require.Equal(t, domain.FollowupPending, got[0].Status)

	db.putErr = errors.New("throttled")
	require.ErrorContains(t, c.PutFollowup(context.Background(), fu), "PutFollowup")
}

func TestListFollowups_Paginates(t *testing.T) {
	page1 := &dynamodb.QueryOutput{
		Items:            []map[string]types.AttributeValue{followupItem(domain.Followup{FollowupID: "f1", ConversationID: "c", Status: domain.FollowupPending})},
		LastEvaluatedKey: key("CONV#c", "FOLLOWUP#f1"),
	}
	page2 := &dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{followupItem(domain.Followup{FollowupID: "f2", ConversationID: "c", Status: domain.FollowupPending})},
	}
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{page1, page2}}
	c := mustNewClient(t, db)

	got, err := c.ListFollowups(context.Background(), "c")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, db.queryInputs, 2)
	require.NotEmpty(t, db.queryInputs[1].ExclusiveStartKey)
}

// ---------------------------------------------------------------------------
// Agents and properties
// ---------------------------------------------------------------------------

func TestAgentByInstance(t *testing.T) {
	active := domain.Agent{AgentID: "agent-1", Active: true, TransportInstanceID: "1101", TransportToken: "tok",
		Persona: domain.Persona{AssistantName: "Mia", SpeakingStyle: domain.StylePremium}}
	inactive := domain.Agent{AgentID: "agent-2", Active: false}

	tests := []struct {
		name     string
		instance string
		wantErr  error
	}{
		{name: "active agent", instance: "1101"},
		{name: "inactive agent", instance: "2202", wantErr: ErrNotFound},
		{name: "unknown instance", instance: "9999", wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDynamo{items: map[string]map[string]types.AttributeValue{
				"INSTANCE#1101|AGENT":   {"agentId": attrS("agent-1")},
				"INSTANCE#2202|AGENT":   {"agentId": attrS("agent-2")},
				"AGENT#agent-1|PROFILE": agentItem(active),
				"AGENT#agent-2|PROFILE": agentItem(inactive),
			}}
			c := mustNewClient(t, db)
			got, err := c.AgentByInstance(context.Background(), tt.instance)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "Mia", got.Persona.AssistantName)
			require.True(t, got.HasTransportCredentials())
		})
	}
}

func TestGetAgent_DefaultPersona(t *testing.T) {
	item := map[string]types.AttributeValue{"agentId": attrS("agent-1"), "active": attrB(true)}
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	got, err := c.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, domain.DefaultPersona(), got.Persona)
	require.False(t, got.HasTransportCredentials())
}

func TestPutAgent_WritesInstanceMapping(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.PutAgent(context.Background(), domain.Agent{AgentID: "a", TransportInstanceID: "1101"}))
	require.Len(t, db.lastTxInput.TransactItems, 2)
	require.Equal(t, "INSTANCE#1101", strOf(t, db.lastTxInput.TransactItems[1].Put.Item["PK"]))
}

func TestSearchProperties_FiltersAndOrders(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id, loc string, beds int, avail string, archived bool, age int) map[string]types.AttributeValue {
		return propertyItem(domain.Property{
			PropertyID: id, AgentID: "agent-1", Title: "Unit " + id, PropertyType: "Condo",
			Location: loc, Price: 1500000, Bedrooms: beds, Bathrooms: 2,
			Availability: avail, Archived: archived, CreatedAt: base.Add(time.Duration(age) * time.Hour),
		})
	}
	items := []map[string]types.AttributeValue{
		mk("p1", "Marina Bay", 3, "available", false, 1),
		mk("p2", "Marina Bay", 3, "sold", false, 2),
		mk("p3", "Marina Bay", 3, "available", true, 3),
		mk("p4", "Orchard", 3, "available", false, 4),
		mk("p5", "Marina Bay", 2, "available", false, 5),
		mk("p6", "Marina Bay East", 3, "available", false, 6),
	}
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: items}}}
	c := mustNewClient(t, db)

	loc := "marina bay"
	beds := 3
	got, err := c.SearchProperties(context.Background(), "agent-1", domain.PropertyQuery{Location: &loc, Bedrooms: &beds, Limit: 3})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "p6", got[0].PropertyID)
	require.Equal(t, "p1", got[1].PropertyID)
	require.Equal(t, "AGENT#agent-1", strOf(t, db.queryInputs[0].ExpressionAttributeValues[":pk"]))
}

func TestPutProperty_FoundBySearch(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	p := domain.Property{
		PropertyID: "p7", AgentID: "agent-1", Title: "Orchard Residences", PropertyType: "condo",
		Location: "Orchard", Price: 3200000, Bedrooms: 2, Bathrooms: 2, Availability: "available",
		CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.PutProperty(context.Background(), p))
	require.Equal(t, "AGENT#agent-1", strOf(t, db.lastPutInput.Item["PK"]))
	require.Equal(t, "PROPERTY#p7", strOf(t, db.lastPutInput.Item["SK"]))

	db.queryPages = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{db.lastPutInput.Item}}}
	beds := 2
	got, err := c.SearchProperties(context.Background(), "agent-1", domain.PropertyQuery{Bedrooms: &beds})
	require.NoError(t, err)
	require.Equal(t, []domain.Property{p}, got)

	db.putErr = errors.New("throttled")
	require.ErrorContains(t, c.PutProperty(context.Background(), p), "PutProperty")
}

func TestSearchProperties_Limit(t *testing.T) {
	var items []map[string]types.AttributeValue
	for i := 0; i < 5; i++ {
		items = append(items, propertyItem(domain.Property{
			PropertyID: fmt.Sprintf("p%d", i), AgentID: "a", Title: "t", Availability: "available",
			CreatedAt: time.Unix(int64(i), 0),
		}))
	}
	c := mustNewClient(t, &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: items}}})
	got, err := c.SearchProperties(context.Background(), "a", domain.PropertyQuery{Limit: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "p4", got[0].PropertyID)
}

// ---------------------------------------------------------------------------
// Audit and sent log
// ---------------------------------------------------------------------------

func TestPutWebhookLog(t *testing.T) {
	old := newLogID
	newLogID = func() string { return "log-1" }
	t.Cleanup(func() { newLogID = old })

	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.PutWebhookLog(context.Background(), domain.WebhookLog{Fingerprint: "fp", Payload: "{}", Duplicate: true}))
	require.Equal(t, "WEBHOOK#fp", strOf(t, db.lastPutInput.Item["PK"]))
	require.Equal(t, "LOG#2024-03-01T09:00:00.000000000Z#log-1", strOf(t, db.lastPutInput.Item["SK"]))
	require.True(t, db.lastPutInput.Item["duplicate"].(*types.AttributeValueMemberBOOL).Value)
}

func TestReserveSend(t *testing.T) {
	tests := []struct {
		name    string
		putErr  error
		want    bool
		wantErr bool
	}{
		{name: "fresh key", want: true},
		{name: "already reserved", putErr: &types.ConditionalCheckFailedException{}, want: false},
		{name: "storage failure", putErr: errors.New("boom"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDynamo{putErr: tt.putErr}
			c := mustNewClient(t, db)
			got, err := c.ReserveSend(context.Background(), domain.SentLog{IdempotencyKey: "k", ConversationID: "c", Text: "hi"})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, "pending", strOf(t, db.lastPutInput.Item["status"]))
			require.Contains(t, aws.ToString(db.lastPutInput.ConditionExpression), "#status = :failed")
		})
	}
}

func TestCompleteSend(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.CompleteSend(context.Background(), "k", domain.SendSent, `{"idMessage":"x"}`))
	in := db.updateInputs[0]
	require.Equal(t, "SENT#k", strOf(t, in.Key["PK"]))
	require.Equal(t, "sent", strOf(t, in.ExpressionAttributeValues[":status"]))
}

func TestGetSentLog_Missing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.GetSentLog(context.Background(), "k")
	require.ErrorIs(t, err, ErrNotFound)
}
