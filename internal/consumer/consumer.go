// Package consumer runs the per-tenant inbound message pipeline.
//
// A Consumer supervises one worker per connected merchant. Each worker owns
// its own polling ticker and dedup window and processes ticks inline in its
// goroutine, so a tenant's events are handled strictly one at a time; two
// messages from the same customer can never race each other. Tenants run
// fully independently: a failure in one worker never touches another.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/souqlabs/souqbot/internal/commerce"
	"github.com/souqlabs/souqbot/internal/dedup"
	"github.com/souqlabs/souqbot/internal/genai"
	"github.com/souqlabs/souqbot/internal/models"
	"github.com/souqlabs/souqbot/internal/orderflow"
	"github.com/souqlabs/souqbot/internal/store"
)

// DefaultPollInterval matches the provider's recommended pull cadence.
const DefaultPollInterval = 2 * time.Second

// Provider is the inbound side of the messaging provider: pull one event,
// acknowledge it, and fetch media it references.
type Provider interface {
	ReceiveNotification(ctx context.Context, creds models.Credentials) (*models.Notification, error)
	DeleteNotification(ctx context.Context, creds models.Credentials, receiptID int64) error
	DownloadFile(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

// Transcriber converts a voice note to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Generator produces a conversational reply.
type Generator interface {
	GenerateReply(ctx context.Context, req genai.ReplyRequest) (string, error)
}

// Dispatcher delivers an outbound reply through the merchant's provider.
type Dispatcher interface {
	Send(ctx context.Context, merchant *models.Merchant, to, body string) error
}

// Catalog is the read-only product lookup used for reply context.
// commerce.Connector satisfies it.
type Catalog interface {
	ListProducts(ctx context.Context, merchantID int64) ([]commerce.Product, error)
}

// Opts holds configuration options for the consumer.
type Opts struct {
	Store        store.Store
	Provider     Provider
	Transcriber  Transcriber
	Generator    Generator
	Dispatcher   Dispatcher
	Catalog      Catalog
	Flow         *orderflow.Flow
	PollInterval time.Duration
	DedupTTL     time.Duration
}

// Option defines a configuration option for the consumer.
type Option func(*Opts)

// WithStore sets the persistence backend.
func WithStore(s store.Store) Option {
	return func(o *Opts) { o.Store = s }
}

// WithProvider sets the inbound provider client.
func WithProvider(p Provider) Option {
	return func(o *Opts) { o.Provider = p }
}

// WithTranscriber sets the voice transcriber.
func WithTranscriber(t Transcriber) Option {
	return func(o *Opts) { o.Transcriber = t }
}

// WithGenerator sets the reply generator.
func WithGenerator(g Generator) Option {
	return func(o *Opts) { o.Generator = g }
}

// WithDispatcher sets the outbound dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(o *Opts) { o.Dispatcher = d }
}

// WithCatalog sets the product lookup used for reply context.
func WithCatalog(c Catalog) Option {
	return func(o *Opts) { o.Catalog = c }
}

// WithFlow sets the order state machine.
func WithFlow(f *orderflow.Flow) Option {
	return func(o *Opts) { o.Flow = f }
}

// WithPollInterval overrides the polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithDedupTTL overrides the per-entry dedup lifetime.
func WithDedupTTL(d time.Duration) Option {
	return func(o *Opts) { o.DedupTTL = d }
}

// Consumer supervises tenant workers.
type Consumer struct {
	mu      sync.Mutex
	workers map[int64]*worker
	cfg     Opts
}

// NewConsumer creates a consumer supervisor. Store, provider, generator,
// dispatcher and flow are required.
func NewConsumer(opts ...Option) (*Consumer, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Store == nil || cfg.Provider == nil || cfg.Generator == nil || cfg.Dispatcher == nil || cfg.Catalog == nil || cfg.Flow == nil {
		return nil, fmt.Errorf("consumer requires store, provider, generator, dispatcher, catalog and flow")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Consumer{workers: make(map[int64]*worker), cfg: cfg}, nil
}

// Start begins polling for one merchant. Idempotent: starting an already
// running merchant is a no-op. Fails with models.ErrMissingCredentials or
// models.ErrNotConnected when the merchant cannot be polled.
func (c *Consumer) Start(ctx context.Context, merchantID int64) error {
	merchant, err := c.cfg.Store.GetMerchant(ctx, merchantID)
	if err != nil {
		return fmt.Errorf("start merchant %d: %w", merchantID, err)
	}
	if !merchant.Credentials.Valid() {
		return fmt.Errorf("merchant %d: %w", merchantID, models.ErrMissingCredentials)
	}
	if merchant.Status != models.MerchantStatusConnected {
		return fmt.Errorf("merchant %d: %w", merchantID, models.ErrNotConnected)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.workers[merchantID]; running {
		slog.Debug("Consumer worker already running", "merchant_id", merchantID)
		return nil
	}
	w := newWorker(merchantID, c.cfg, dedup.NewWindow(c.cfg.DedupTTL))
	c.workers[merchantID] = w
	w.start()
	slog.Info("Consumer worker started", "merchant_id", merchantID, "worker_id", w.workerID)
	return nil
}

// Stop cancels a merchant's polling loop. Idempotent; an in-flight tick is
// allowed to finish.
func (c *Consumer) Stop(merchantID int64) {
	c.mu.Lock()
	w, ok := c.workers[merchantID]
	if ok {
		delete(c.workers, merchantID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	w.stop()
	slog.Info("Consumer worker stopped", "merchant_id", merchantID, "worker_id", w.workerID)
}

// StartAll starts a worker for every connected merchant. Used at process
// boot; in-memory state (dedup, pending drafts) does not survive restarts.
func (c *Consumer) StartAll(ctx context.Context) error {
	merchants, err := c.cfg.Store.ListConnectedMerchants(ctx)
	if err != nil {
		return fmt.Errorf("list connected merchants: %w", err)
	}
	started := 0
	for _, m := range merchants {
		if err := c.Start(ctx, m.ID); err != nil {
			slog.Error("Consumer failed to start worker", "merchant_id", m.ID, "error", err)
			continue
		}
		started++
	}
	slog.Info("Consumer startup complete", "started", started, "total", len(merchants))
	return nil
}

// StopAll cancels every worker.
func (c *Consumer) StopAll() {
	c.mu.Lock()
	workers := c.workers
	c.workers = make(map[int64]*worker)
	c.mu.Unlock()
	for id, w := range workers {
		w.stop()
		slog.Info("Consumer worker stopped", "merchant_id", id, "worker_id", w.workerID)
	}
}

// Running reports whether a merchant's worker is active.
func (c *Consumer) Running(merchantID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.workers[merchantID]
	return ok
}

// SweepDedup drops expired dedup entries in every worker and returns the
// total removed. Called periodically by the maintenance scheduler.
func (c *Consumer) SweepDedup() int {
	c.mu.Lock()
	windows := make([]*dedup.Window, 0, len(c.workers))
	for _, w := range c.workers {
		windows = append(windows, w.window)
	}
	c.mu.Unlock()
	total := 0
	for _, win := range windows {
		total += win.Sweep()
	}
	return total
}
