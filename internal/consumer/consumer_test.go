package consumer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/souqlabs/souqbot/internal/commerce"
	"github.com/souqlabs/souqbot/internal/genai"
	"github.com/souqlabs/souqbot/internal/models"
	"github.com/souqlabs/souqbot/internal/orderflow"
	"github.com/souqlabs/souqbot/internal/store"
)

const testPollInterval = 5 * time.Millisecond

// fakeProvider serves queued notifications per instance id and records acks.
type fakeProvider struct {
	mu      sync.Mutex
	queues  map[string][]*models.Notification
	deleted []int64
	media   map[string][]byte
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		queues: make(map[string][]*models.Notification),
		media:  make(map[string][]byte),
	}
}

func (p *fakeProvider) enqueue(instanceID string, n *models.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[instanceID] = append(p.queues[instanceID], n)
}

func (p *fakeProvider) ReceiveNotification(ctx context.Context, creds models.Credentials) (*models.Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queues[creds.InstanceID]
	if len(q) == 0 {
		return nil, nil
	}
	n := q[0]
	p.queues[creds.InstanceID] = q[1:]
	return n, nil
}

func (p *fakeProvider) DeleteNotification(ctx context.Context, creds models.Credentials, receiptID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, receiptID)
	return nil
}

func (p *fakeProvider) DownloadFile(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.media[url]
	if !ok {
		return nil, errors.New("media not found")
	}
	return data, nil
}

func (p *fakeProvider) ackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deleted)
}

// fakeGenerator returns a canned reply and can panic on demand.
type fakeGenerator struct {
	mu       sync.Mutex
	requests []genai.ReplyRequest
	panicOn  string
}

func (g *fakeGenerator) GenerateReply(ctx context.Context, req genai.ReplyRequest) (string, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	panicOn := g.panicOn
	g.mu.Unlock()
	if panicOn != "" && strings.Contains(req.Message, panicOn) {
		panic("generator exploded")
	}
	return "generated reply", nil
}

func (g *fakeGenerator) requestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *fakeGenerator) recorded() []genai.ReplyRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]genai.ReplyRequest, len(g.requests))
	copy(out, g.requests)
	return out
}

// fakeDispatcher records delivered sends and can fail the next N attempts.
type fakeDispatcher struct {
	mu       sync.Mutex
	sends    []string
	failures int
}

func (d *fakeDispatcher) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *fakeDispatcher) Send(ctx context.Context, merchant *models.Merchant, to, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return errors.New("provider unavailable")
	}
	d.sends = append(d.sends, body)
	return nil
}

func (d *fakeDispatcher) sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sends))
	copy(out, d.sends)
	return out
}

// fakeTranscriber returns a fixed transcript or an error.
type fakeTranscriber struct {
	text string
	err  error
}

func (t *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return t.text, nil
}

type testRig struct {
	consumer   *Consumer
	store      *store.InMemoryStore
	provider   *fakeProvider
	generator  *fakeGenerator
	dispatcher *fakeDispatcher
	connector  *commerce.MockConnector
}

func newTestRig(t *testing.T, extra ...Option) *testRig {
	t.Helper()
	rig := &testRig{
		store:      store.NewInMemoryStore(),
		provider:   newFakeProvider(),
		generator:  &fakeGenerator{},
		dispatcher: &fakeDispatcher{},
		connector:  commerce.NewMockConnector(),
	}
	opts := []Option{
		WithStore(rig.store),
		WithProvider(rig.provider),
		WithGenerator(rig.generator),
		WithDispatcher(rig.dispatcher),
		WithCatalog(rig.connector),
		WithFlow(orderflow.NewFlow(orderflow.WithConnector(rig.connector))),
		WithPollInterval(testPollInterval),
	}
	opts = append(opts, extra...)
	c, err := NewConsumer(opts...)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	rig.consumer = c
	t.Cleanup(c.StopAll)
	return rig
}

func (r *testRig) seedMerchant(t *testing.T, id int64, instanceID string) {
	t.Helper()
	err := r.store.UpsertMerchant(context.Background(), &models.Merchant{
		ID:               id,
		BusinessName:     "متجر الاختبار",
		Status:           models.MerchantStatusConnected,
		AutoReplyEnabled: true,
		Credentials: models.Credentials{
			Provider:   models.ProviderGreenAPI,
			InstanceID: instanceID,
			APIToken:   "tok",
		},
	})
	if err != nil {
		t.Fatalf("seed merchant: %v", err)
	}
}

func textNotification(receiptID int64, messageID, text string) *models.Notification {
	return &models.Notification{
		ReceiptID:   receiptID,
		TypeWebhook: models.WebhookIncomingMessage,
		IDMessage:   messageID,
		SenderData: &models.SenderData{
			ChatID:     "966501234567@c.us",
			SenderName: "Abdullah",
		},
		MessageData: &models.MessageData{
			TypeMessage:     models.TypeTextMessage,
			TextMessageData: &models.TextMessageData{TextMessage: text},
		},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(testPollInterval)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func (r *testRig) conversationMessages(t *testing.T, merchantID int64) []models.Message {
	t.Helper()
	conv, err := r.store.GetOrCreateConversation(context.Background(), merchantID, "966501234567", "")
	if err != nil {
		t.Fatalf("conversation lookup: %v", err)
	}
	msgs, err := r.store.RecentMessages(context.Background(), conv.ID, 50)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	return msgs
}

func TestWorkerProcessesTextMessage(t *testing.T) {
	rig := newTestRig(t)
	rig.seedMerchant(t, 1, "inst-1")
	rig.provider.enqueue("inst-1", textNotification(1, "MSG-1", "مرحبا"))

	if err := rig.consumer.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return len(rig.dispatcher.sent()) == 1 }, "reply to be sent")
	waitFor(t, func() bool { return rig.provider.ackCount() == 1 }, "event to be acked")

	msgs := rig.conversationMessages(t, 1)
	if len(msgs) != 2 {
		t.Fatalf("conversation has %d messages, want 2", len(msgs))
	}
	if msgs[0].Direction != models.DirectionIncoming || msgs[0].Content != "مرحبا" {
		t.Errorf("unexpected inbound message: %+v", msgs[0])
	}
	if msgs[1].Direction != models.DirectionOutgoing || msgs[1].Content != "generated reply" {
		t.Errorf("unexpected outbound message: %+v", msgs[1])
	}
}

func TestDuplicateEventProducesOneReply(t *testing.T) {
	rig := newTestRig(t)
	rig.seedMerchant(t, 1, "inst-1")
	rig.provider.enqueue("inst-1", textNotification(1, "MSG-1", "مرحبا"))
	rig.provider.enqueue("inst-1", textNotification(2, "MSG-1", "مرحبا"))

	if err := rig.consumer.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Both deliveries must be acked, but only one reply generated.
	waitFor(t, func() bool { return rig.provider.ackCount() == 2 }, "both events acked")
	if got := len(rig.dispatcher.sent()); got != 1 {
		t.Errorf("sent %d replies, want 1", got)
	}
	msgs := rig.conversationMessages(t, 1)
	if len(msgs) != 2 {
		t.Errorf("conversation has %d messages, want 2", len(msgs))
	}
}

func TestStartIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	rig.seedMerchant(t, 1, "inst-1")
	ctx := context.Background()

	if err := rig.consumer.Start(ctx, 1); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := rig.consumer.Start(ctx, 1); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !rig.consumer.Running(1) {
		t.Error("worker not running after Start")
	}
	rig.consumer.Stop(1)
	rig.consumer.Stop(1) // idempotent
	if rig.consumer.Running(1) {
		t.Error("worker still running after Stop")
	}
}

func TestStartRejectsMissingCredentials(t *testing.T) {
	rig := newTestRig(t)
	err := rig.store.UpsertMerchant(context.Background(), &models.Merchant{
		ID:     1,
		Status: models.MerchantStatusConnected,
		Credentials: models.Credentials{
			Provider: models.ProviderGreenAPI,
		},
	})
	if err != nil {
		t.Fatalf("seed merchant: %v", err)
	}
	if err := rig.consumer.Start(context.Background(), 1); !errors.Is(err, models.ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestStartRejectsDisconnected(t *testing.T) {
	rig := newTestRig(t)
	err := rig.store.UpsertMerchant(context.Background(), &models.Merchant{
		ID:     1,
		Status: models.MerchantStatusDisconnected,
		Credentials: models.Credentials{
			Provider:   models.ProviderGreenAPI,
			InstanceID: "inst-1",
			APIToken:   "tok",
		},
	})
	if err != nil {
		t.Fatalf("seed merchant: %v", err)
	}
	if err := rig.consumer.Start(context.Background(), 1); !errors.Is(err, models.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestStartAllStartsConnectedMerchants(t *testing.T) {
	rig := newTestRig(t)
	rig.seedMerchant(t, 1, "inst-1")
	rig.seedMerchant(t, 2, "inst-2")

	if err := rig.consumer.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !rig.consumer.Running(1) || !rig.consumer.Running(2) {
		t.Error("not all connected merchants are running")
	}
}

func TestFaultIsolationBetweenTenants(t *testing.T) {
	rig := newTestRig(t)
	rig.generator.panicOn = "explode"
	rig.seedMerchant(t, 1, "inst-1")
	rig.seedMerchant(t, 2, "inst-2")
	rig.provider.enqueue("inst-1", textNotification(1, "MSG-A", "please explode"))
	rig.provider.enqueue("inst-2", textNotification(2, "MSG-B", "مرحبا"))

	ctx := context.Background()
	if err := rig.consumer.Start(ctx, 1); err != nil {
		t.Fatalf("Start tenant 1: %v", err)
	}
	if err := rig.consumer.Start(ctx, 2); err != nil {
		t.Fatalf("Start tenant 2: %v", err)
	}

	// Tenant 2 must get its reply despite tenant 1's panic, and both
	// events must be acked.
	waitFor(t, func() bool { return len(rig.dispatcher.sent()) == 1 }, "tenant 2 reply")
	waitFor(t, func() bool { return rig.provider.ackCount() == 2 }, "both events acked")

	// Tenant 1's loop survived the panic: feed it a good message.
	rig.provider.enqueue("inst-1", textNotification(3, "MSG-C", "مرحبا"))
	waitFor(t, func() bool { return len(rig.dispatcher.sent()) == 2 }, "tenant 1 recovery reply")
}

func TestAutoReplyDisabledStoresOnly(t *testing.T) {
	rig := newTestRig(t)
	err := rig.store.UpsertMerchant(context.Background(), &models.Merchant{
		ID:               1,
		BusinessName:     "متجر صامت",
		Status:           models.MerchantStatusConnected,
		AutoReplyEnabled: false,
		Credentials: models.Credentials{
			Provider:   models.ProviderGreenAPI,
			InstanceID: "inst-1",
			APIToken:   "tok",
		},
	})
	if err != nil {
		t.Fatalf("seed merchant: %v", err)
	}
	rig.provider.enqueue("inst-1", textNotification(1, "MSG-1", "مرحبا"))

	if err := rig.consumer.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return rig.provider.ackCount() == 1 }, "event acked")

	msgs := rig.conversationMessages(t, 1)
	if len(msgs) != 1 || msgs[0].Direction != models.DirectionIncoming {
		t.Errorf("expected only the stored inbound message, got %+v", msgs)
	}
	if len(rig.dispatcher.sent()) != 0 {
		t.Errorf("sent %d replies with auto-reply disabled, want 0", len(rig.dispatcher.sent()))
	}
}

func voiceNotification(receiptID int64, messageID, url string) *models.Notification {
	return &models.Notification{
		ReceiptID:   receiptID,
		TypeWebhook: models.WebhookIncomingMessage,
		IDMessage:   messageID,
		SenderData: &models.SenderData{
			ChatID:     "966501234567@c.us",
			SenderName: "Abdullah",
		},
		MessageData: &models.MessageData{
			TypeMessage:     models.TypeVoiceMessage,
			FileMessageData: &models.FileMessageData{DownloadURL: url},
		},
	}
}

func TestVoiceMessageTranscribed(t *testing.T) {
	rig := newTestRig(t, WithTranscriber(&fakeTranscriber{text: "أبغى عسل"}))
	rig.seedMerchant(t, 1, "inst-1")
	rig.provider.media["https://media.example/v.ogg"] = []byte("ogg")
	rig.provider.enqueue("inst-1", voiceNotification(1, "MSG-V", "https://media.example/v.ogg"))

	if err := rig.consumer.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return len(rig.dispatcher.sent()) == 1 }, "reply to voice note")

	msgs := rig.conversationMessages(t, 1)
	if msgs[0].Type != models.MessageTypeVoice {
		t.Errorf("inbound type = %q, want voice", msgs[0].Type)
	}
	if msgs[0].Content != "أبغى عسل" {
		t.Errorf("inbound content = %q, want transcript", msgs[0].Content)
	}
	if rig.generator.requestCount() != 1 {
		t.Fatalf("generator called %d times, want 1", rig.generator.requestCount())
	}
}

func TestVoiceTranscriptionFailureSendsApology(t *testing.T) {
	rig := newTestRig(t, WithTranscriber(&fakeTranscriber{err: models.ErrTranscriptionFailed}))
	rig.seedMerchant(t, 1, "inst-1")
	rig.provider.media["https://media.example/v.ogg"] = []byte("ogg")
	rig.provider.enqueue("inst-1", voiceNotification(1, "MSG-V", "https://media.example/v.ogg"))

	if err := rig.consumer.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return len(rig.dispatcher.sent()) == 1 }, "apology to be sent")

	if got := rig.dispatcher.sent()[0]; got != transcriptionApology {
		t.Errorf("sent %q, want transcription apology", got)
	}
	if rig.generator.requestCount() != 0 {
		t.Errorf("generator called %d times, want 0", rig.generator.requestCount())
	}
	waitFor(t, func() bool { return rig.provider.ackCount() == 1 }, "event acked")
}

func TestPurchaseIntentShortCircuitsGenerator(t *testing.T) {
	rig := newTestRig(t)
	rig.seedMerchant(t, 1, "inst-1")
	rig.connector.SetCatalog(1, []commerce.Product{
		{ID: "p1", Name: "Smart Watch X", Price: 15000, Stock: 3},
	})
	rig.provider.enqueue("inst-1", textNotification(1, "MSG-1", "I want a smart watch"))

	if err := rig.consumer.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return len(rig.dispatcher.sent()) == 1 }, "draft summary sent")

	if got := rig.dispatcher.sent()[0]; !strings.Contains(got, orderflow.ConfirmMarker) {
		t.Errorf("reply missing confirmation marker: %q", got)
	}
	if rig.generator.requestCount() != 0 {
		t.Errorf("generator called %d times for a handled order message, want 0", rig.generator.requestCount())
	}
}

func TestFailedDraftSendNotConfirmable(t *testing.T) {
	rig := newTestRig(t)
	rig.seedMerchant(t, 1, "inst-1")
	rig.connector.SetCatalog(1, []commerce.Product{
		{ID: "p1", Name: "Smart Watch X", Price: 15000, Stock: 3},
	})
	// The draft summary send fails, so the customer never sees the
	// confirmation prompt. The following yes must fall through to an
	// ordinary reply and never commit an order.
	rig.dispatcher.failNext(1)
	rig.provider.enqueue("inst-1", textNotification(1, "MSG-1", "I want a smart watch"))
	rig.provider.enqueue("inst-1", textNotification(2, "MSG-2", "yes"))

	if err := rig.consumer.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return len(rig.dispatcher.sent()) == 1 }, "reply to the yes")

	if got := rig.dispatcher.sent()[0]; got != "generated reply" {
		t.Errorf("sent %q, want an ordinary generated reply", got)
	}
	if got := len(rig.connector.Orders()); got != 0 {
		t.Errorf("createOrder called %d times after an undelivered draft, want 0", got)
	}
}

func TestPromptHistoryExcludesCurrentMessage(t *testing.T) {
	rig := newTestRig(t)
	rig.seedMerchant(t, 1, "inst-1")
	ctx := context.Background()

	conv, err := rig.store.GetOrCreateConversation(ctx, 1, "966501234567", "Abdullah")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	seed := []models.Message{
		{ConversationID: conv.ID, Direction: models.DirectionIncoming, Type: models.MessageTypeText, Content: "مرحبا"},
		{ConversationID: conv.ID, Direction: models.DirectionOutgoing, Type: models.MessageTypeText, Content: "أهلاً وسهلاً!"},
	}
	for i := range seed {
		if err := rig.store.AppendMessage(ctx, &seed[i]); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
	rig.provider.enqueue("inst-1", textNotification(1, "MSG-1", "كم يستغرق التوصيل؟"))

	if err := rig.consumer.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return len(rig.dispatcher.sent()) == 1 }, "reply to be sent")

	reqs := rig.generator.recorded()
	if len(reqs) != 1 {
		t.Fatalf("generator called %d times, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Message != "كم يستغرق التوصيل؟" {
		t.Errorf("request message = %q", req.Message)
	}
	if len(req.History) != 2 {
		t.Fatalf("history has %d turns, want the 2 seeded ones: %+v", len(req.History), req.History)
	}
	for _, turn := range req.History {
		if turn.Content == req.Message {
			t.Error("current message duplicated into the prompt history")
		}
	}
}

func TestStateChangeEventIsAckedAndIgnored(t *testing.T) {
	rig := newTestRig(t)
	rig.seedMerchant(t, 1, "inst-1")
	rig.provider.enqueue("inst-1", &models.Notification{
		ReceiptID:     1,
		TypeWebhook:   models.WebhookStateChange,
		StateInstance: "notAuthorized",
	})

	if err := rig.consumer.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return rig.provider.ackCount() == 1 }, "state event acked")
	if len(rig.dispatcher.sent()) != 0 {
		t.Errorf("sent %d replies for a state event, want 0", len(rig.dispatcher.sent()))
	}
}

func TestGroupChatIgnored(t *testing.T) {
	rig := newTestRig(t)
	rig.seedMerchant(t, 1, "inst-1")
	n := textNotification(1, "MSG-G", "hello group")
	n.SenderData.ChatID = "12036301234567890@g.us"
	rig.provider.enqueue("inst-1", n)

	if err := rig.consumer.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return rig.provider.ackCount() == 1 }, "group event acked")
	if len(rig.dispatcher.sent()) != 0 {
		t.Errorf("sent %d replies to a group chat, want 0", len(rig.dispatcher.sent()))
	}
}

func TestNewConsumerRequiresDependencies(t *testing.T) {
	if _, err := NewConsumer(); err == nil {
		t.Error("expected error when dependencies are missing")
	}
}
