// Package messaging routes outbound WhatsApp messages to the provider a
// merchant is connected through.
//
// Credentials travel with every call because each merchant owns its own
// provider account; there is no process-wide sender identity.
package messaging

import (
	"context"
	"sync"

	"github.com/souqlabs/souqbot/internal/models"
)

// Sender delivers a text message to a customer on behalf of a merchant.
type Sender interface {
	SendText(ctx context.Context, creds models.Credentials, to, body string) error
}

// MockSender records sent messages for tests.
type MockSender struct {
	mu       sync.Mutex
	Messages []SentMessage
	Err      error
}

// SentMessage is one recorded outbound message.
type SentMessage struct {
	Creds models.Credentials
	To    string
	Body  string
}

// NewMockSender creates an empty mock sender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) SendText(ctx context.Context, creds models.Credentials, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, SentMessage{Creds: creds, To: to, Body: body})
	return nil
}

// Sent returns a copy of all recorded messages.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}
