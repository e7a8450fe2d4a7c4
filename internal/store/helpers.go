package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/souqlabs/souqbot/internal/models"
)

// scanMerchant scans a Merchant from sql.Rows.
func scanMerchant(rows *sql.Rows) (*models.Merchant, error) {
	var m models.Merchant
	var creds string
	if err := rows.Scan(&m.ID, &m.BusinessName, &m.Phone, &m.Status, &m.AutoReplyEnabled, &creds); err != nil {
		return nil, fmt.Errorf("scan merchant failed: %w", err)
	}
	if err := json.Unmarshal([]byte(creds), &m.Credentials); err != nil {
		return nil, fmt.Errorf("decode merchant %d credentials: %w", m.ID, err)
	}
	return &m, nil
}

// scanMerchantRow scans a Merchant from a single sql.Row.
func scanMerchantRow(row *sql.Row) (*models.Merchant, error) {
	var m models.Merchant
	var creds string
	if err := row.Scan(&m.ID, &m.BusinessName, &m.Phone, &m.Status, &m.AutoReplyEnabled, &creds); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(creds), &m.Credentials); err != nil {
		return nil, fmt.Errorf("decode merchant %d credentials: %w", m.ID, err)
	}
	return &m, nil
}

// collectMessages drains a message result set.
func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Type, &m.Content, &m.MediaURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

// reverseMessages flips a newest-first result into chronological order.
func reverseMessages(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
