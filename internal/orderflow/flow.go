// Package orderflow implements the conversational order state machine.
package orderflow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/souqlabs/souqbot/internal/commerce"
	"github.com/souqlabs/souqbot/internal/models"
)

// DefaultPendingTTL is how long a draft stays confirmable.
const DefaultPendingTTL = 30 * time.Minute

// pendingDraft is the ephemeral awaiting-confirmation state of one
// conversation. Only the original intent text is kept: products and prices
// are always re-resolved against the live catalog at confirmation time.
type pendingDraft struct {
	IntentText string
	ExpiresAt  time.Time
}

// Outcome is the flow's verdict on one inbound message. When Handled is
// false the message falls through to ordinary reply generation.
type Outcome struct {
	Handled bool
	Reply   string
}

// FlowOpts holds configuration options for the order flow.
type FlowOpts struct {
	Connector  commerce.Connector
	PendingTTL time.Duration
}

// FlowOption defines a configuration option for the order flow.
type FlowOption func(*FlowOpts)

// WithConnector sets the commerce connector.
func WithConnector(c commerce.Connector) FlowOption {
	return func(o *FlowOpts) { o.Connector = c }
}

// WithPendingTTL overrides how long drafts stay confirmable.
func WithPendingTTL(ttl time.Duration) FlowOption {
	return func(o *FlowOpts) { o.PendingTTL = ttl }
}

// Flow drives the draft / confirm / reject / commit order state machine.
// Pending drafts live in memory keyed by conversation id; after a restart
// they are reconstructed from chat history by scanning for the confirmation
// marker. Safe for concurrent use across tenant workers.
//
// Drafting is two-stage: draft stages an entry, and NoteOutgoing arms it
// once the worker reports the marker summary as delivered. A draft whose
// summary never reached the customer is never confirmable.
type Flow struct {
	mu        sync.Mutex
	pending   map[int64]pendingDraft
	drafted   map[int64]pendingDraft
	connector commerce.Connector
	ttl       time.Duration
	now       func() time.Time
}

// NewFlow creates an order flow over a commerce connector.
func NewFlow(opts ...FlowOption) *Flow {
	var cfg FlowOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	ttl := cfg.PendingTTL
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &Flow{
		pending:   make(map[int64]pendingDraft),
		drafted:   make(map[int64]pendingDraft),
		connector: cfg.Connector,
		ttl:       ttl,
		now:       time.Now,
	}
}

// HandleInbound runs one customer message through the state machine.
//
// New-order detection runs before confirmation/rejection detection, so a
// message matching both starts a new draft. Every failure path degrades:
// either to ordinary reply generation (Handled=false) or to an apologetic
// retry reply; the conversational path is never blocked.
func (f *Flow) HandleInbound(ctx context.Context, merchant *models.Merchant, conv *models.Conversation, text string, history []models.Message) Outcome {
	if HasPurchaseIntent(text) {
		return f.draft(ctx, merchant, conv, text)
	}

	affirmative := IsAffirmative(text)
	negative := IsNegative(text)
	if !affirmative && !negative {
		return Outcome{}
	}
	intent, ok := f.awaitingIntent(conv.ID, history)
	if !ok {
		return Outcome{}
	}
	f.clearPending(conv.ID)
	if negative {
		slog.Info("OrderFlow draft rejected", "merchant_id", merchant.ID, "conversation_id", conv.ID)
		return Outcome{Handled: true, Reply: cancelReply}
	}
	return f.commit(ctx, merchant, conv, intent)
}

// draft parses a purchase request against the live catalog. Zero resolved
// products silently abandons the draft and falls through to ordinary chat.
func (f *Flow) draft(ctx context.Context, merchant *models.Merchant, conv *models.Conversation, text string) Outcome {
	catalog, err := f.connector.ListProducts(ctx, merchant.ID)
	if err != nil {
		slog.Error("OrderFlow catalog fetch failed at draft", "merchant_id", merchant.ID, "error", err)
		return Outcome{}
	}
	items := ParseDraft(text, catalog)
	if len(items) == 0 {
		slog.Debug("OrderFlow purchase intent resolved no products", "merchant_id", merchant.ID, "conversation_id", conv.ID)
		return Outcome{}
	}

	// Staged only: NoteOutgoing promotes this to pending when the worker
	// confirms the marker summary was actually sent.
	f.mu.Lock()
	f.drafted[conv.ID] = pendingDraft{IntentText: text, ExpiresAt: f.now().Add(f.ttl)}
	f.mu.Unlock()

	slog.Info("OrderFlow draft created", "merchant_id", merchant.ID, "conversation_id", conv.ID, "items", len(items))
	return Outcome{Handled: true, Reply: draftSummary(items)}
}

// commit re-resolves the intent against the current catalog and creates a
// real order. Prices from draft time are never trusted here.
func (f *Flow) commit(ctx context.Context, merchant *models.Merchant, conv *models.Conversation, intent string) Outcome {
	catalog, err := f.connector.ListProducts(ctx, merchant.ID)
	if err != nil {
		slog.Error("OrderFlow catalog fetch failed at commit", "merchant_id", merchant.ID, "error", err)
		return Outcome{Handled: true, Reply: retryReply}
	}
	items := ParseDraft(intent, catalog)
	if len(items) == 0 {
		slog.Warn("OrderFlow draft no longer resolves at commit", "merchant_id", merchant.ID, "conversation_id", conv.ID)
		return Outcome{Handled: true, Reply: retryReply}
	}

	result, err := f.connector.CreateOrder(ctx, commerce.OrderRequest{
		MerchantID:     merchant.ID,
		CustomerName:   conv.CustomerName,
		CustomerPhone:  conv.CustomerPhone,
		Items:          items,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		slog.Error("OrderFlow order creation failed", "merchant_id", merchant.ID, "conversation_id", conv.ID, "error", err)
		return Outcome{Handled: true, Reply: retryReply}
	}
	slog.Info("OrderFlow order committed", "merchant_id", merchant.ID, "conversation_id", conv.ID, "order_code", result.OrderCode, "total", result.Total)
	return Outcome{Handled: true, Reply: orderSuccess(result)}
}

// awaitingIntent returns the purchase-intent text a yes/no decision refers
// to. The in-memory pending entry is authoritative; after a restart the
// state is recovered by checking that the last outgoing message carries the
// confirmation marker and walking back to the most recent purchase-intent
// incoming message.
func (f *Flow) awaitingIntent(convID int64, history []models.Message) (string, bool) {
	f.mu.Lock()
	entry, ok := f.pending[convID]
	f.mu.Unlock()
	if ok && f.now().Before(entry.ExpiresAt) {
		return entry.IntentText, true
	}

	lastOut := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Direction == models.DirectionOutgoing {
			lastOut = i
			break
		}
	}
	if lastOut < 0 || !strings.Contains(history[lastOut].Content, ConfirmMarker) {
		return "", false
	}
	for i := lastOut - 1; i >= 0; i-- {
		if history[i].Direction == models.DirectionIncoming && HasPurchaseIntent(history[i].Content) {
			return history[i].Content, true
		}
	}
	return "", false
}

// NoteOutgoing records an outgoing message the worker delivered. A summary
// carrying the marker arms the conversation's staged draft; any other reply
// means the last outgoing message no longer carries the marker, so the
// draft stops being confirmable. A failed send never reaches here, leaving
// the staged draft unarmed.
func (f *Flow) NoteOutgoing(convID int64, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(body, ConfirmMarker) {
		if entry, ok := f.drafted[convID]; ok {
			delete(f.drafted, convID)
			f.pending[convID] = entry
		}
		return
	}
	delete(f.drafted, convID)
	delete(f.pending, convID)
}

// ClearExpired drops expired drafts, staged and armed, and returns how many
// were removed.
func (f *Flow) ClearExpired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	removed := 0
	for _, entries := range []map[int64]pendingDraft{f.pending, f.drafted} {
		for id, entry := range entries {
			if now.After(entry.ExpiresAt) {
				delete(entries, id)
				removed++
			}
		}
	}
	if removed > 0 {
		slog.Debug("OrderFlow expired drafts cleared", "removed", removed, "remaining", len(f.pending)+len(f.drafted))
	}
	return removed
}

func (f *Flow) clearPending(convID int64) {
	f.mu.Lock()
	delete(f.pending, convID)
	delete(f.drafted, convID)
	f.mu.Unlock()
}
