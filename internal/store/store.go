// Package store provides storage backends for souqbot.
//
// It defines the Store interface over merchants, conversations and messages,
// with SQLite and PostgreSQL implementations plus an in-memory store used in
// tests. Merchant rows are written by the merchant dashboard; the pipeline
// treats them as read-mostly and only seeds them through UpsertMerchant.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/souqlabs/souqbot/internal/models"
)

// Store defines the persistence operations the pipeline needs.
type Store interface {
	// GetMerchant returns the merchant with the given id, or
	// models.ErrMerchantNotFound.
	GetMerchant(ctx context.Context, id int64) (*models.Merchant, error)
	// ListConnectedMerchants returns every merchant whose provider session
	// is connected and whose credentials are complete.
	ListConnectedMerchants(ctx context.Context) ([]models.Merchant, error)
	// UpsertMerchant inserts or replaces a merchant row.
	UpsertMerchant(ctx context.Context, m *models.Merchant) error
	// GetOrCreateConversation returns the conversation for (merchant,
	// customer phone), creating it on first contact. A non-empty name
	// fills in a previously unknown customer name.
	GetOrCreateConversation(ctx context.Context, merchantID int64, phone, name string) (*models.Conversation, error)
	// AppendMessage appends a message to a conversation's log and bumps
	// the conversation's last-activity time.
	AppendMessage(ctx context.Context, msg *models.Message) error
	// RecentMessages returns up to limit most recent messages of a
	// conversation in chronological order.
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error)
	// Close releases the backend's resources.
	Close() error
}

// InMemoryStore is a map-backed Store used in tests and as a fallback when
// no DSN is configured. Safe for concurrent use.
type InMemoryStore struct {
	mu            sync.Mutex
	merchants     map[int64]models.Merchant
	conversations map[int64]models.Conversation
	messages      map[int64][]models.Message
	nextConvID    int64
	nextMsgID     int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		merchants:     make(map[int64]models.Merchant),
		conversations: make(map[int64]models.Conversation),
		messages:      make(map[int64][]models.Message),
		nextConvID:    1,
		nextMsgID:     1,
	}
}

func (s *InMemoryStore) GetMerchant(ctx context.Context, id int64) (*models.Merchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.merchants[id]
	if !ok {
		return nil, models.ErrMerchantNotFound
	}
	return &m, nil
}

func (s *InMemoryStore) ListConnectedMerchants(ctx context.Context) ([]models.Merchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Merchant
	for _, m := range s.merchants {
		if m.Connected() {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) UpsertMerchant(ctx context.Context, m *models.Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merchants[m.ID] = *m
	return nil
}

func (s *InMemoryStore) GetOrCreateConversation(ctx context.Context, merchantID int64, phone, name string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conversations {
		if c.MerchantID == merchantID && c.CustomerPhone == phone {
			if c.CustomerName == "" && name != "" {
				c.CustomerName = name
				s.conversations[id] = c
			}
			return &c, nil
		}
	}
	now := time.Now().UTC()
	c := models.Conversation{
		ID:            s.nextConvID,
		MerchantID:    merchantID,
		CustomerPhone: phone,
		CustomerName:  name,
		Status:        models.ConversationStatusActive,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	s.nextConvID++
	s.conversations[c.ID] = c
	return &c, nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return models.ErrConversationNotFound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.ID = s.nextMsgID
	s.nextMsgID++
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	c.LastMessageAt = msg.CreatedAt
	s.conversations[msg.ConversationID] = c
	return nil
}

func (s *InMemoryStore) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
