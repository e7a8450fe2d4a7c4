package messaging

import (
	"context"
	"fmt"

	"github.com/souqlabs/souqbot/internal/greenapi"
	"github.com/souqlabs/souqbot/internal/models"
)

// GreenAPISender is a Sender backed by the Green API pull-queue provider.
type GreenAPISender struct {
	client *greenapi.Client
}

// NewGreenAPISender wraps a Green API client as a Sender.
func NewGreenAPISender(client *greenapi.Client) *GreenAPISender {
	return &GreenAPISender{client: client}
}

func (s *GreenAPISender) SendText(ctx context.Context, creds models.Credentials, to, body string) error {
	if _, err := s.client.SendMessage(ctx, creds, to, body); err != nil {
		return fmt.Errorf("green api send to %s: %w", to, err)
	}
	return nil
}
