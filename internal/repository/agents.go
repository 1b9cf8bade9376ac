package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"lead-assistant/internal/domain"
)

const availableStatus = "available"

// GetAgent loads an agent profile by id.
func (c *Client) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(agentPK(agentID), skProfile),
	})
	if err != nil {
		return domain.Agent{}, fmt.Errorf("repository: GetAgent get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Agent{}, ErrNotFound
	}
	agent, err := itemToAgent(out.Item)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("repository: GetAgent unmarshal: %w", err)
	}
	return agent, nil
}

// AgentByInstance resolves the agent that owns a transport instance.
// Unknown instances and inactive agents both report ErrNotFound.
func (c *Client) AgentByInstance(ctx context.Context, instanceID string) (domain.Agent, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(instancePK(instanceID), skAgent),
	})
	if err != nil {
		return domain.Agent{}, fmt.Errorf("repository: AgentByInstance get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Agent{}, ErrNotFound
	}
	agentID, err := strAttr(out.Item, "agentId")
	if err != nil {
		return domain.Agent{}, fmt.Errorf("repository: AgentByInstance decode: %w", err)
	}

	agent, err := c.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	if !agent.Active {
		return domain.Agent{}, ErrNotFound
	}
	return agent, nil
}

// PutAgent writes an agent profile and its instance mapping together.
// Agent management lives outside the relay; this is used for seeding.
func (c *Client) PutAgent(ctx context.Context, agent domain.Agent) error {
	items := []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String(c.tableName), Item: agentItem(agent)}},
	}
	if agent.TransportInstanceID != "" {
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(c.tableName),
			Item: map[string]types.AttributeValue{
				"PK":      attrS(instancePK(agent.TransportInstanceID)),
				"SK":      attrS(skAgent),
				"agentId": attrS(agent.AgentID),
			},
		}})
	}
	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("repository: PutAgent: %w", err)
	}
	return nil
}

// SearchProperties returns the agent's available, non-archived listings that
// match q, newest first, capped at q.Limit when positive.
func (c *Client) SearchProperties(ctx context.Context, agentID string, q domain.PropertyQuery) ([]domain.Property, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     attrS(agentPK(agentID)),
			":prefix": attrS(skPrefixProperty),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: SearchProperties query: %w", err)
	}

	matches := make([]domain.Property, 0, len(items))
	for _, item := range items {
		p, err := itemToProperty(item)
		if err != nil {
			return nil, fmt.Errorf("repository: SearchProperties unmarshal: %w", err)
		}
		if matchesQuery(p, q) {
			matches = append(matches, p)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// PutProperty writes a listing. Used for seeding and tests.
func (c *Client) PutProperty(ctx context.Context, p domain.Property) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      propertyItem(p),
	})
	if err != nil {
		return fmt.Errorf("repository: PutProperty: %w", err)
	}
	return nil
}

func matchesQuery(p domain.Property, q domain.PropertyQuery) bool {
	if p.Archived || !strings.EqualFold(p.Availability, availableStatus) {
		return false
	}
	if q.Location != nil && !strings.Contains(strings.ToLower(p.Location), strings.ToLower(*q.Location)) {
		return false
	}
	if q.PropertyType != nil && !strings.EqualFold(p.PropertyType, *q.PropertyType) {
		return false
	}
	if q.MinPrice != nil && p.Price < *q.MinPrice {
		return false
	}
	if q.MaxPrice != nil && p.Price > *q.MaxPrice {
		return false
	}
	if q.Bedrooms != nil && p.Bedrooms != *q.Bedrooms {
		return false
	}
	return true
}

func itemToAgent(item map[string]types.AttributeValue) (domain.Agent, error) {
	id, err := strAttr(item, "agentId")
	if err != nil {
		return domain.Agent{}, err
	}

	persona := domain.DefaultPersona()
	if v := optStr(item, "assistantName"); v != "" {
		persona.AssistantName = v
	}
	if v := optStr(item, "speakingStyle"); v != "" {
		persona.SpeakingStyle = domain.SpeakingStyle(v)
	}
	persona.CustomInstruction = optStr(item, "customInstruction")

	return domain.Agent{
		AgentID:             id,
		FullName:            optStr(item, "fullName"),
		Active:              optBool(item, "active"),
		TransportInstanceID: optStr(item, "instanceId"),
		TransportToken:      optStr(item, "transportToken"),
		Persona:             persona,
	}, nil
}

func agentItem(a domain.Agent) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":                attrS(agentPK(a.AgentID)),
		"SK":                attrS(skProfile),
		"agentId":           attrS(a.AgentID),
		"fullName":          attrS(a.FullName),
		"active":            attrB(a.Active),
		"instanceId":        attrS(a.TransportInstanceID),
		"transportToken":    attrS(a.TransportToken),
		"assistantName":     attrS(a.Persona.AssistantName),
		"speakingStyle":     attrS(string(a.Persona.SpeakingStyle)),
		"customInstruction": attrS(a.Persona.CustomInstruction),
	}
}

func itemToProperty(item map[string]types.AttributeValue) (domain.Property, error) {
	id, err := strAttr(item, "propertyId")
	if err != nil {
		return domain.Property{}, err
	}
	title, err := strAttr(item, "title")
	if err != nil {
		return domain.Property{}, err
	}
	return domain.Property{
		PropertyID:       id,
		AgentID:          optStr(item, "agentId"),
		Title:            title,
		PropertyType:     optStr(item, "propertyType"),
		Location:         optStr(item, "location"),
		Price:            optFloat(item, "price"),
		Bedrooms:         optInt(item, "bedrooms"),
		Bathrooms:        optInt(item, "bathrooms"),
		SizeSqft:         optInt(item, "sizeSqft"),
		KeySellingPoints: optStr(item, "keySellingPoints"),
		Availability:     optStr(item, "availability"),
		Archived:         optBool(item, "archived"),
		CreatedAt:        optTime(item, "createdAt"),
	}, nil
}

func propertyItem(p domain.Property) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":               attrS(agentPK(p.AgentID)),
		"SK":               attrS(skPrefixProperty + p.PropertyID),
		"propertyId":       attrS(p.PropertyID),
		"agentId":          attrS(p.AgentID),
		"title":            attrS(p.Title),
		"propertyType":     attrS(p.PropertyType),
		"location":         attrS(p.Location),
		"price":            attrF(p.Price),
		"bedrooms":         attrN(p.Bedrooms),
		"bathrooms":        attrN(p.Bathrooms),
		"sizeSqft":         attrN(p.SizeSqft),
		"keySellingPoints": attrS(p.KeySellingPoints),
		"availability":     attrS(p.Availability),
		"archived":         attrB(p.Archived),
		"createdAt":        attrTime(p.CreatedAt),
	}
}
