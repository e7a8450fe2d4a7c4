package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/souqlabs/souqbot/internal/models"
)

// Compile-time interface checks for all backends.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func connectedMerchant(id int64) *models.Merchant {
	return &models.Merchant{
		ID:               id,
		BusinessName:     "عسل الجنوب",
		Phone:            "966500000001",
		Status:           models.MerchantStatusConnected,
		AutoReplyEnabled: true,
		Credentials: models.Credentials{
			Provider:   models.ProviderGreenAPI,
			InstanceID: "1101000001",
			APIToken:   "tok",
		},
	}
}

// runStoreTests exercises the Store contract against any backend.
func runStoreTests(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.GetMerchant(ctx, 999); !errors.Is(err, models.ErrMerchantNotFound) {
		t.Errorf("GetMerchant on empty store: err = %v, want ErrMerchantNotFound", err)
	}

	m := connectedMerchant(1)
	if err := s.UpsertMerchant(ctx, m); err != nil {
		t.Fatalf("UpsertMerchant: %v", err)
	}
	// Second merchant without valid credentials must not be listed.
	broken := connectedMerchant(2)
	broken.Credentials.APIToken = ""
	if err := s.UpsertMerchant(ctx, broken); err != nil {
		t.Fatalf("UpsertMerchant broken: %v", err)
	}
	disconnected := connectedMerchant(3)
	disconnected.Status = models.MerchantStatusDisconnected
	if err := s.UpsertMerchant(ctx, disconnected); err != nil {
		t.Fatalf("UpsertMerchant disconnected: %v", err)
	}

	got, err := s.GetMerchant(ctx, 1)
	if err != nil {
		t.Fatalf("GetMerchant: %v", err)
	}
	if got.BusinessName != m.BusinessName {
		t.Errorf("BusinessName = %q, want %q", got.BusinessName, m.BusinessName)
	}
	if got.Credentials.InstanceID != "1101000001" {
		t.Errorf("credentials did not round-trip: %+v", got.Credentials)
	}

	list, err := s.ListConnectedMerchants(ctx)
	if err != nil {
		t.Fatalf("ListConnectedMerchants: %v", err)
	}
	if len(list) != 1 || list[0].ID != 1 {
		t.Errorf("ListConnectedMerchants = %+v, want only merchant 1", list)
	}

	// Conversation creation is idempotent per (merchant, phone).
	c1, err := s.GetOrCreateConversation(ctx, 1, "966501234567", "")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	c2, err := s.GetOrCreateConversation(ctx, 1, "966501234567", "Abdullah")
	if err != nil {
		t.Fatalf("GetOrCreateConversation second call: %v", err)
	}
	if c1.ID != c2.ID {
		t.Errorf("same customer produced two conversations: %d vs %d", c1.ID, c2.ID)
	}
	if c2.CustomerName != "Abdullah" {
		t.Errorf("customer name not filled in: %q", c2.CustomerName)
	}
	c3, err := s.GetOrCreateConversation(ctx, 1, "966509999999", "Sara")
	if err != nil {
		t.Fatalf("GetOrCreateConversation new customer: %v", err)
	}
	if c3.ID == c1.ID {
		t.Error("different customers shared a conversation")
	}

	// Append messages and read back the tail in order.
	contents := []string{"أبغى عسل", "أهلاً! كيف أقدر أساعدك؟", "كم سعر عسل السدر؟"}
	for i, content := range contents {
		dir := models.DirectionIncoming
		if i%2 == 1 {
			dir = models.DirectionOutgoing
		}
		msg := &models.Message{
			ConversationID: c1.ID,
			Direction:      dir,
			Type:           models.MessageTypeText,
			Content:        content,
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		if msg.ID == 0 {
			t.Errorf("AppendMessage %d did not assign an id", i)
		}
	}

	msgs, err := s.RecentMessages(ctx, c1.ID, 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("RecentMessages returned %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != contents[1] || msgs[1].Content != contents[2] {
		t.Errorf("RecentMessages out of order: %q, %q", msgs[0].Content, msgs[1].Content)
	}

	all, err := s.RecentMessages(ctx, c1.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessages all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("RecentMessages returned %d messages, want 3", len(all))
	}

	other, err := s.RecentMessages(ctx, c3.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessages other conversation: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("messages leaked across conversations: %+v", other)
	}
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()
	runStoreTests(t, s)
}

func TestInMemoryStoreAppendUnknownConversation(t *testing.T) {
	s := NewInMemoryStore()
	err := s.AppendMessage(context.Background(), &models.Message{ConversationID: 42})
	if !errors.Is(err, models.ErrConversationNotFound) {
		t.Errorf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "souqbot_test.db")
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	runStoreTests(t, s)
}

func TestSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error when DSN is not set")
	}
}

func TestPostgresStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresStore(); err == nil {
		t.Error("expected error when DSN is not set")
	}
}
