package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/souqlabs/souqbot/internal/models"
)

// Dispatcher resolves a merchant's provider and delivers outbound messages
// through the matching Sender.
type Dispatcher struct {
	senders map[models.Provider]Sender
}

// NewDispatcher creates a dispatcher over a provider-to-sender map.
func NewDispatcher(senders map[models.Provider]Sender) *Dispatcher {
	return &Dispatcher{senders: senders}
}

// Send delivers body to a customer phone on behalf of the merchant. It fails
// with models.ErrMissingCredentials or models.ErrNotConnected before ever
// touching the network.
func (d *Dispatcher) Send(ctx context.Context, merchant *models.Merchant, to, body string) error {
	if !merchant.Credentials.Valid() {
		return fmt.Errorf("merchant %d: %w", merchant.ID, models.ErrMissingCredentials)
	}
	if merchant.Status != models.MerchantStatusConnected {
		return fmt.Errorf("merchant %d: %w", merchant.ID, models.ErrNotConnected)
	}
	sender, ok := d.senders[merchant.Credentials.Provider]
	if !ok {
		return fmt.Errorf("merchant %d: no sender for provider %q", merchant.ID, merchant.Credentials.Provider)
	}
	if err := sender.SendText(ctx, merchant.Credentials, to, body); err != nil {
		return err
	}
	slog.Debug("Dispatcher message delivered", "merchant_id", merchant.ID, "provider", merchant.Credentials.Provider, "to", to)
	return nil
}
