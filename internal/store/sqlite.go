// Package store provides storage backends for souqbot.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/souqlabs/souqbot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetMerchant(ctx context.Context, id int64) (*models.Merchant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, business_name, phone, status, auto_reply_enabled, credentials FROM merchants WHERE id = ?`, id)
	m, err := scanMerchantRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrMerchantNotFound
		}
		slog.Error("SQLiteStore GetMerchant failed", "error", err, "merchant_id", id)
		return nil, fmt.Errorf("failed to query merchant %d: %w", id, err)
	}
	return m, nil
}

func (s *SQLiteStore) ListConnectedMerchants(ctx context.Context) ([]models.Merchant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, business_name, phone, status, auto_reply_enabled, credentials FROM merchants WHERE status = ? ORDER BY id`,
		models.MerchantStatusConnected)
	if err != nil {
		slog.Error("SQLiteStore ListConnectedMerchants query failed", "error", err)
		return nil, fmt.Errorf("failed to query merchants: %w", err)
	}
	defer rows.Close()

	var merchants []models.Merchant
	for rows.Next() {
		m, err := scanMerchant(rows)
		if err != nil {
			slog.Error("SQLiteStore ListConnectedMerchants scan failed", "error", err)
			return nil, err
		}
		if m.Credentials.Valid() {
			merchants = append(merchants, *m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate merchant rows: %w", err)
	}
	slog.Debug("SQLiteStore ListConnectedMerchants succeeded", "count", len(merchants))
	return merchants, nil
}

func (s *SQLiteStore) UpsertMerchant(ctx context.Context, m *models.Merchant) error {
	creds, err := json.Marshal(m.Credentials)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merchants (id, business_name, phone, status, auto_reply_enabled, credentials, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			business_name = excluded.business_name,
			phone = excluded.phone,
			status = excluded.status,
			auto_reply_enabled = excluded.auto_reply_enabled,
			credentials = excluded.credentials,
			updated_at = CURRENT_TIMESTAMP`,
		m.ID, m.BusinessName, m.Phone, m.Status, m.AutoReplyEnabled, string(creds))
	if err != nil {
		slog.Error("SQLiteStore UpsertMerchant failed", "error", err, "merchant_id", m.ID)
		return fmt.Errorf("failed to upsert merchant %d: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, merchantID int64, phone, name string) (*models.Conversation, error) {
	// Insert-if-absent, then read back. The unique constraint on
	// (merchant_id, customer_phone) makes concurrent first contacts safe.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (merchant_id, customer_phone, customer_name)
		VALUES (?, ?, ?)
		ON CONFLICT(merchant_id, customer_phone) DO UPDATE SET
			customer_name = CASE WHEN conversations.customer_name = '' THEN excluded.customer_name ELSE conversations.customer_name END`,
		merchantID, phone, name)
	if err != nil {
		slog.Error("SQLiteStore GetOrCreateConversation upsert failed", "error", err, "merchant_id", merchantID)
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, merchant_id, customer_phone, customer_name, status, last_message_at, created_at
		FROM conversations WHERE merchant_id = ? AND customer_phone = ?`, merchantID, phone)
	var c models.Conversation
	if err := row.Scan(&c.ID, &c.MerchantID, &c.CustomerPhone, &c.CustomerName, &c.Status, &c.LastMessageAt, &c.CreatedAt); err != nil {
		slog.Error("SQLiteStore GetOrCreateConversation scan failed", "error", err, "merchant_id", merchantID)
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, direction, type, content, media_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Direction, msg.Type, msg.Content, msg.MediaURL, msg.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AppendMessage insert failed", "error", err, "conversation_id", msg.ConversationID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		msg.ID = id
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID); err != nil {
		return fmt.Errorf("failed to bump conversation activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	slog.Debug("SQLiteStore AppendMessage succeeded", "conversation_id", msg.ConversationID, "direction", msg.Direction, "type", msg.Type)
	return nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, direction, type, content, media_url, created_at
		FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		slog.Error("SQLiteStore RecentMessages query failed", "error", err, "conversation_id", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
