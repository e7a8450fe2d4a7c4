// Package store provides storage backends for souqbot.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/souqlabs/souqbot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL, shared with the merchant
// dashboard in production deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetMerchant(ctx context.Context, id int64) (*models.Merchant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, business_name, phone, status, auto_reply_enabled, credentials FROM merchants WHERE id = $1`, id)
	m, err := scanMerchantRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrMerchantNotFound
		}
		slog.Error("PostgresStore GetMerchant failed", "error", err, "merchant_id", id)
		return nil, fmt.Errorf("failed to query merchant %d: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListConnectedMerchants(ctx context.Context) ([]models.Merchant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, business_name, phone, status, auto_reply_enabled, credentials FROM merchants WHERE status = $1 ORDER BY id`,
		models.MerchantStatusConnected)
	if err != nil {
		slog.Error("PostgresStore ListConnectedMerchants query failed", "error", err)
		return nil, fmt.Errorf("failed to query merchants: %w", err)
	}
	defer rows.Close()

	var merchants []models.Merchant
	for rows.Next() {
		m, err := scanMerchant(rows)
		if err != nil {
			slog.Error("PostgresStore ListConnectedMerchants scan failed", "error", err)
			return nil, err
		}
		if m.Credentials.Valid() {
			merchants = append(merchants, *m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate merchant rows: %w", err)
	}
	slog.Debug("PostgresStore ListConnectedMerchants succeeded", "count", len(merchants))
	return merchants, nil
}

func (s *PostgresStore) UpsertMerchant(ctx context.Context, m *models.Merchant) error {
	creds, err := json.Marshal(m.Credentials)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merchants (id, business_name, phone, status, auto_reply_enabled, credentials, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			business_name = EXCLUDED.business_name,
			phone = EXCLUDED.phone,
			status = EXCLUDED.status,
			auto_reply_enabled = EXCLUDED.auto_reply_enabled,
			credentials = EXCLUDED.credentials,
			updated_at = NOW()`,
		m.ID, m.BusinessName, m.Phone, m.Status, m.AutoReplyEnabled, string(creds))
	if err != nil {
		slog.Error("PostgresStore UpsertMerchant failed", "error", err, "merchant_id", m.ID)
		return fmt.Errorf("failed to upsert merchant %d: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, merchantID int64, phone, name string) (*models.Conversation, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (merchant_id, customer_phone, customer_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (merchant_id, customer_phone) DO UPDATE SET
			customer_name = CASE WHEN conversations.customer_name = '' THEN EXCLUDED.customer_name ELSE conversations.customer_name END`,
		merchantID, phone, name)
	if err != nil {
		slog.Error("PostgresStore GetOrCreateConversation upsert failed", "error", err, "merchant_id", merchantID)
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, merchant_id, customer_phone, customer_name, status, last_message_at, created_at
		FROM conversations WHERE merchant_id = $1 AND customer_phone = $2`, merchantID, phone)
	var c models.Conversation
	if err := row.Scan(&c.ID, &c.MerchantID, &c.CustomerPhone, &c.CustomerName, &c.Status, &c.LastMessageAt, &c.CreatedAt); err != nil {
		slog.Error("PostgresStore GetOrCreateConversation scan failed", "error", err, "merchant_id", merchantID)
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, direction, type, content, media_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		msg.ConversationID, msg.Direction, msg.Type, msg.Content, msg.MediaURL, msg.CreatedAt)
	if err := row.Scan(&msg.ID); err != nil {
		slog.Error("PostgresStore AppendMessage insert failed", "error", err, "conversation_id", msg.ConversationID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = $1 WHERE id = $2`, msg.CreatedAt, msg.ConversationID); err != nil {
		return fmt.Errorf("failed to bump conversation activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	slog.Debug("PostgresStore AppendMessage succeeded", "conversation_id", msg.ConversationID, "direction", msg.Direction, "type", msg.Type)
	return nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, direction, type, content, media_url, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2`, conversationID, limit)
	if err != nil {
		slog.Error("PostgresStore RecentMessages query failed", "error", err, "conversation_id", conversationID)
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
