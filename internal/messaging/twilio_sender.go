package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/souqlabs/souqbot/internal/models"
)

// TwilioSender is a Sender backed by the Twilio WhatsApp API. Unlike the
// Green API provider there is no inbound queue here; Twilio-connected
// merchants are send-only from the pipeline's point of view.
type TwilioSender struct{}

// NewTwilioSender creates a Twilio-backed sender. REST clients are built per
// call because every merchant has its own account SID and auth token.
func NewTwilioSender() *TwilioSender {
	return &TwilioSender{}
}

func (s *TwilioSender) SendText(ctx context.Context, creds models.Credentials, to, body string) error {
	if creds.AccountSID == "" || creds.AuthToken == "" || creds.FromNumber == "" {
		return models.ErrMissingCredentials
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: creds.AccountSID,
		Password: creds.AuthToken,
	})

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom("whatsapp:" + creds.FromNumber)
	params.SetBody(body)

	if _, err := client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendText failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Twilio message sent", "to", to)
	return nil
}
