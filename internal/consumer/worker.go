// Package consumer runs the per-tenant inbound message pipeline.
//
// This file implements the tick loop of one tenant worker.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/souqlabs/souqbot/internal/classify"
	"github.com/souqlabs/souqbot/internal/dedup"
	"github.com/souqlabs/souqbot/internal/genai"
	"github.com/souqlabs/souqbot/internal/models"
	"github.com/souqlabs/souqbot/internal/util"
)

// Constants for tick processing.
const (
	// tickTimeout bounds one full tick including all downstream calls.
	tickTimeout = 90 * time.Second
	// historyWindow is how many recent messages feed the reply context.
	historyWindow = genai.HistoryLimit
)

// transcriptionApology is sent when a voice note cannot be transcribed.
const transcriptionApology = "عذراً، ما قدرت أسمع رسالتك الصوتية. ممكن تكتبها نصياً؟ 🙏"

// worker is the polling loop of one merchant. All ticks run inline in the
// worker goroutine, so processing within a tenant is strictly sequential.
type worker struct {
	id       int64
	workerID string
	cfg      Opts
	window   *dedup.Window
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newWorker(merchantID int64, cfg Opts, window *dedup.Window) *worker {
	return &worker{
		id:       merchantID,
		workerID: util.GenerateWorkerID(),
		cfg:      cfg,
		window:   window,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (w *worker) start() {
	go w.run()
}

// stop cancels future ticks and waits for an in-flight tick to finish.
func (w *worker) stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *worker) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	// Immediate first poll, then the fixed cadence.
	w.tick()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick pulls and processes at most one provider event. A panic anywhere in
// event handling is contained here so one poison event cannot kill the
// tenant's loop, let alone another tenant's.
func (w *worker) tick() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Worker tick panicked", "merchant_id", w.id, "worker_id", w.workerID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	merchant, err := w.cfg.Store.GetMerchant(ctx, w.id)
	if err != nil {
		slog.Error("Worker merchant lookup failed", "merchant_id", w.id, "error", err)
		return
	}
	if !merchant.Connected() {
		slog.Debug("Worker merchant no longer connected", "merchant_id", w.id)
		return
	}

	n, err := w.cfg.Provider.ReceiveNotification(ctx, merchant.Credentials)
	if err != nil {
		slog.Warn("Worker receive failed", "merchant_id", w.id, "error", err)
		return
	}
	if n == nil {
		return
	}

	// Ack unconditionally: a downstream failure must never wedge the
	// provider queue. The cost is a possible silent drop if the process
	// dies mid-handling.
	defer func() {
		if err := w.cfg.Provider.DeleteNotification(ctx, merchant.Credentials, n.ReceiptID); err != nil {
			slog.Warn("Worker ack failed", "merchant_id", w.id, "receipt_id", n.ReceiptID, "error", err)
		}
	}()

	w.handleNotification(ctx, merchant, n)
}

func (w *worker) handleNotification(ctx context.Context, merchant *models.Merchant, n *models.Notification) {
	switch n.TypeWebhook {
	case models.WebhookStateChange:
		slog.Info("Worker instance state changed", "merchant_id", w.id, "state", n.StateInstance)
		return
	case models.WebhookIncomingMessage:
	default:
		slog.Debug("Worker ignoring webhook type", "merchant_id", w.id, "type", n.TypeWebhook)
		return
	}

	if w.window.Seen(n.IDMessage) {
		slog.Debug("Worker duplicate event skipped", "merchant_id", w.id, "message_id", n.IDMessage)
		return
	}
	w.window.Mark(n.IDMessage)

	in, err := classify.Inbound(n)
	if err != nil {
		if errors.Is(err, models.ErrGroupChat) || errors.Is(err, models.ErrNoSender) {
			slog.Debug("Worker event dropped", "merchant_id", w.id, "reason", err)
		} else {
			slog.Error("Worker classification failed", "merchant_id", w.id, "error", err)
		}
		return
	}

	conv, err := w.cfg.Store.GetOrCreateConversation(ctx, merchant.ID, in.SenderPhone, in.SenderName)
	if err != nil {
		slog.Error("Worker conversation lookup failed", "merchant_id", w.id, "error", err)
		return
	}

	if in.Modality == models.ModalityVoice {
		text, err := w.transcribeVoice(ctx, in)
		if err != nil {
			slog.Warn("Worker transcription failed", "merchant_id", w.id, "conversation_id", conv.ID, "error", err)
			w.appendMessage(ctx, conv.ID, models.DirectionIncoming, models.MessageTypeVoice, classify.VoicePlaceholder, in.MediaURL)
			w.reply(ctx, merchant, conv, transcriptionApology)
			return
		}
		in.Text = text
	}

	// History is read before the inbound append so the current message
	// enters the prompt exactly once, as the request message.
	var history []models.Message
	if merchant.AutoReplyEnabled {
		history, err = w.cfg.Store.RecentMessages(ctx, conv.ID, historyWindow)
		if err != nil {
			slog.Error("Worker history read failed", "merchant_id", w.id, "conversation_id", conv.ID, "error", err)
			history = nil
		}
	}

	w.appendMessage(ctx, conv.ID, models.DirectionIncoming, in.Modality.MessageType(), in.Text, in.MediaURL)

	if !merchant.AutoReplyEnabled {
		slog.Debug("Worker auto-reply disabled, message stored only", "merchant_id", w.id, "conversation_id", conv.ID)
		return
	}

	outcome := w.cfg.Flow.HandleInbound(ctx, merchant, conv, in.Text, history)
	if outcome.Handled {
		w.reply(ctx, merchant, conv, outcome.Reply)
		return
	}

	body, err := w.generateReply(ctx, merchant, conv, in.Text, history)
	if err != nil {
		slog.Error("Worker reply generation failed", "merchant_id", w.id, "conversation_id", conv.ID, "error", err)
		return
	}
	w.reply(ctx, merchant, conv, body)
}

// transcribeVoice downloads and transcribes a voice note.
func (w *worker) transcribeVoice(ctx context.Context, in *models.Inbound) (string, error) {
	if w.cfg.Transcriber == nil {
		return "", models.ErrTranscriptionFailed
	}
	audio, err := w.cfg.Provider.DownloadFile(ctx, in.MediaURL, genai.MaxAudioBytes)
	if err != nil {
		return "", err
	}
	return w.cfg.Transcriber.Transcribe(ctx, audio, "voice.ogg")
}

// generateReply assembles conversation context and asks the generator.
func (w *worker) generateReply(ctx context.Context, merchant *models.Merchant, conv *models.Conversation, text string, history []models.Message) (string, error) {
	products, err := w.cfg.Catalog.ListProducts(ctx, merchant.ID)
	if err != nil {
		slog.Warn("Worker catalog fetch failed for reply context", "merchant_id", w.id, "error", err)
		products = nil
	}
	turns := make([]genai.Turn, 0, len(history))
	for _, msg := range history {
		role := genai.RoleCustomer
		if msg.Direction == models.DirectionOutgoing {
			role = genai.RoleAssistant
		}
		turns = append(turns, genai.Turn{Role: role, Content: msg.Content})
	}
	return w.cfg.Generator.GenerateReply(ctx, genai.ReplyRequest{
		BusinessName: merchant.BusinessName,
		CustomerName: conv.CustomerName,
		History:      turns,
		Products:     products,
		Message:      text,
	})
}

// reply sends body to the customer and, on success, records it as the
// conversation's newest outgoing message.
func (w *worker) reply(ctx context.Context, merchant *models.Merchant, conv *models.Conversation, body string) {
	if err := w.cfg.Dispatcher.Send(ctx, merchant, conv.CustomerPhone, body); err != nil {
		slog.Error("Worker send failed", "merchant_id", w.id, "conversation_id", conv.ID, "error", err)
		return
	}
	w.appendMessage(ctx, conv.ID, models.DirectionOutgoing, models.MessageTypeText, body, "")
	w.cfg.Flow.NoteOutgoing(conv.ID, body)
}

func (w *worker) appendMessage(ctx context.Context, convID int64, dir models.Direction, typ models.MessageType, content, mediaURL string) {
	msg := &models.Message{
		ConversationID: convID,
		Direction:      dir,
		Type:           typ,
		Content:        content,
		MediaURL:       mediaURL,
	}
	if err := w.cfg.Store.AppendMessage(ctx, msg); err != nil {
		slog.Error("Worker message append failed", "merchant_id", w.id, "conversation_id", convID, "error", err)
	}
}
