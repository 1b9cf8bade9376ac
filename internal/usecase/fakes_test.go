package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"lead-assistant/internal/assistant"
	"lead-assistant/internal/dedup"
	"lead-assistant/internal/domain"
	"lead-assistant/internal/integrations/greenapi"
	"lead-assistant/internal/lock"
	"lead-assistant/internal/outbound"
	"lead-assistant/internal/repository"
)

// memStore is an in-memory stand-in for the DynamoDB repository.
type memStore struct {
	mu sync.Mutex

	agentsByInstance map[string]domain.Agent
	convs            map[string]domain.Conversation
	contacts         map[string]string
	messages         map[string][]domain.Message
	followups        map[string][]domain.Followup
	webhookLogs      []domain.WebhookLog
	sent             map[string]domain.SentLog

	// loseCreateRace makes CreateConversation behave as if another writer
	// created the pair first with this conversation.
	loseCreateRace *domain.Conversation
	nameUpdates    int
	// failAppends makes the next n AppendMessage calls fail.
	failAppends int

	properties    []domain.Property
	propertyQuery domain.PropertyQuery
	listErr       error
}

func newMemStore() *memStore {
	s := &memStore{
		agentsByInstance: map[string]domain.Agent{},
		convs:            map[string]domain.Conversation{},
		contacts:         map[string]string{},
		messages:         map[string][]domain.Message{},
		followups:        map[string][]domain.Followup{},
		sent:             map[string]domain.SentLog{},
	}
	s.agentsByInstance["1101"] = domain.Agent{
		AgentID: "agent-1", FullName: "Jane Tan", Active: true,
		TransportInstanceID: "1101", TransportToken: "tok",
		Persona: domain.DefaultPersona(),
	}
	return s
}

func (s *memStore) seedConversation(id string, mode domain.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[id] = domain.Conversation{
		ConversationID: id, AgentID: "agent-1", ContactNumber: "6591234567",
		ContactName: "Lee", CurrentMode: mode,
	}
	s.contacts["agent-1|6591234567"] = id
}

func (s *memStore) conv(id string) domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id]
}

func (s *memStore) msgs(id string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages[id]...)
}

func (s *memStore) logs() []domain.WebhookLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WebhookLog(nil), s.webhookLogs...)
}

func (s *memStore) setMode(id string, mode domain.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[id]
	c.CurrentMode = mode
	s.convs[id] = c
}

func (s *memStore) AgentByInstance(_ context.Context, instanceID string) (domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentsByInstance[instanceID]
	if !ok || !a.Active {
		return domain.Agent{}, repository.ErrNotFound
	}
	return a, nil
}

func (s *memStore) GetAgent(_ context.Context, agentID string) (domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agentsByInstance {
		if a.AgentID == agentID {
			return a, nil
		}
	}
	return domain.Agent{}, repository.ErrNotFound
}

func (s *memStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return domain.Conversation{}, repository.ErrNotFound
	}
	return c, nil
}

func (s *memStore) FindConversationByContact(_ context.Context, agentID, contact string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.contacts[agentID+"|"+contact]
	if !ok {
		return domain.Conversation{}, repository.ErrNotFound
	}
	return s.convs[id], nil
}

func (s *memStore) CreateConversation(_ context.Context, c domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := c.AgentID + "|" + c.ContactNumber
	if winner := s.loseCreateRace; winner != nil {
		s.convs[winner.ConversationID] = *winner
		s.contacts[k] = winner.ConversationID
		s.loseCreateRace = nil
		return repository.ErrConflict
	}
	if _, ok := s.contacts[k]; ok {
		return repository.ErrConflict
	}
	s.convs[c.ConversationID] = c
	s.contacts[k] = c.ConversationID
	return nil
}

func (s *memStore) UpdateContactName(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.ContactName = name
	s.convs[id] = c
	s.nameUpdates++
	return nil
}

func (s *memStore) SetMode(_ context.Context, id string, mode domain.Mode, actor, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.CurrentMode = mode
	c.LastModeChangedBy = actor
	c.LastModeChangeReason = reason
	c.LastModeChangeAt = at
	s.convs[id] = c
	return nil
}

func (s *memStore) CancelPendingFollowups(_ context.Context, id string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i, fu := range s.followups[id] {
		if fu.Status == domain.FollowupPending {
			s.followups[id][i].Status = domain.FollowupCancelled
			s.followups[id][i].CancelledAt = at
			n++
		}
	}
	return n, nil
}

func (s *memStore) TouchActivity(_ context.Context, id, preview string, at time.Time, inc bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.LastMessagePreview = preview
	c.LastMessageAt = at
	if inc {
		c.UnreadCount++
	}
	s.convs[id] = c
	return nil
}

func (s *memStore) AppendMessage(_ context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppends > 0 {
		s.failAppends--
		return errors.New("dynamodb: throttled")
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *memStore) MarkDelivered(_ context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.messages[m.ConversationID] {
		if existing.MessageID == m.MessageID {
			s.messages[m.ConversationID][i].Delivered = true
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *memStore) GetHistory(_ context.Context, id string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[id]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]domain.Message(nil), all...), nil
}

func (s *memStore) ListConversations(_ context.Context, agentID string) ([]domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Conversation
	for _, c := range s.convs {
		if c.AgentID == agentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (s *memStore) SearchProperties(_ context.Context, agentID string, q domain.PropertyQuery) ([]domain.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propertyQuery = q
	var out []domain.Property
	for _, p := range s.properties {
		if p.AgentID == agentID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) PutWebhookLog(_ context.Context, e domain.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookLogs = append(s.webhookLogs, e)
	return nil
}

func (s *memStore) ReserveSend(_ context.Context, e domain.SentLog) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.sent[e.IdempotencyKey]; ok && prev.Status != domain.SendFailed {
		return false, nil
	}
	e.Status = domain.SendPending
	s.sent[e.IdempotencyKey] = e
	return true, nil
}

func (s *memStore) CompleteSend(_ context.Context, k string, status domain.SendStatus, resp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.sent[k]
	e.Status = status
	e.TransportResponse = resp
	s.sent[k] = e
	return nil
}

// ---------------------------------------------------------------------------

type fakeGenerator struct {
	reply    assistant.Reply
	err      error
	calls    atomic.Int32
	onCall   func()
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (g *fakeGenerator) Generate(_ context.Context, _ string, _ string) (assistant.Reply, error) {
	g.calls.Add(1)
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		seen := g.maxSeen.Load()
		if n <= seen || g.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.onCall != nil {
		g.onCall()
	}
	if g.err != nil {
		return assistant.Reply{}, g.err
	}
	return g.reply, nil
}

type fakeTransport struct {
	mu    sync.Mutex
	err   error
	texts []string
}

func (f *fakeTransport) SendText(_ context.Context, _ greenapi.Credentials, _ string, text string) (greenapi.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return greenapi.SendResult{}, f.err
	}
	f.texts = append(f.texts, text)
	return greenapi.SendResult{MessageID: "wa-1", Raw: `{"idMessage":"wa-1"}`}, nil
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type harness struct {
	store     *memStore
	gen       *fakeGenerator
	transport *fakeTransport
	mr        *miniredis.Miniredis
	locker    *lock.Manager
	delivery  *outbound.Delivery
	registry  *Registry
	ingestor  *Ingestor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dd, err := dedup.NewRedisStore(client)
	require.NoError(t, err)
	locker, err := lock.NewManager(client, lock.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	h := &harness{
		store:     newMemStore(),
		gen:       &fakeGenerator{reply: assistant.Reply{Text: "Hi Lee! How can I help?", Provider: "mock"}},
		transport: &fakeTransport{},
		mr:        mr,
		locker:    locker,
	}
	h.delivery, err = outbound.NewDelivery(h.store, h.transport)
	require.NoError(t, err)
	h.registry, err = NewRegistry(h.store, nil)
	require.NoError(t, err)
	h.ingestor, err = NewIngestor(dd, h.store, h.registry, locker, h.gen, h.delivery,
		IngestConfig{LockTimeout: 200 * time.Millisecond, DedupTTL: 5 * time.Minute}, nil)
	require.NoError(t, err)
	t.Cleanup(h.ingestor.Wait)
	return h
}

var eventSeq atomic.Int64

func textEvent(text string) domain.InboundEvent {
	return domain.InboundEvent{
		EventType:           domain.EventIncomingMessage,
		TransportInstanceID: "1101",
		Timestamp:           1700000000 + eventSeq.Add(1),
		MessageID:           "BAE5-" + text,
		SenderChatID:        "6591234567@c.us",
		SenderDisplayName:   "Lee",
		MessageType:         domain.MessageTypeText,
		Text:                text,
		Raw:                 []byte(`{"typeWebhook":"incomingMessageReceived"}`),
	}
}
