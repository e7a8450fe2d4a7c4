// Package genai provides GenAI-enhanced operations using OpenAI API.
//
// It generates Arabic sales-assistant replies from conversation context and
// transcribes voice notes with Whisper.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/souqlabs/souqbot/internal/commerce"
)

// Constants for reply generation.
const (
	// DefaultChatModel is the model used for reply generation.
	DefaultChatModel = openai.ChatModelGPT4oMini
	// HistoryLimit is how many prior turns are sent as context.
	HistoryLimit = 10
	// catalogLimit caps how many products are listed in the context prompt.
	catalogLimit = 10
)

// systemPrompt sets the assistant persona: a friendly Saudi sales assistant
// that only talks about products it actually knows.
const systemPrompt = `أنت مساعد مبيعات ذكي وودود عبر الواتساب.

## شخصيتك:
- تتحدث باللهجة السعودية بطريقة طبيعية وودودة
- محترف ومهذب، لكن ليس رسمياً بشكل مبالغ فيه
- صبور وتفهم احتياجات العميل قبل الاقتراح

## قواعد مهمة:
- لا تخترع معلومات عن المنتجات، استخدم فقط المعلومات المتوفرة
- لا تعطي أسعاراً غير صحيحة
- لا تتحدث عن منتجات غير موجودة في المتجر
- إذا لم تجد منتجاً مناسباً، اعتذر بلطف
- إذا كتب العميل بالإنجليزية يمكنك الرد بالإنجليزية`

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleCustomer  Role = "customer"
	RoleAssistant Role = "assistant"
)

// Turn is one prior exchange in the conversation history.
type Turn struct {
	Role    Role
	Content string
}

// ReplyRequest carries everything the generator needs to answer a customer.
type ReplyRequest struct {
	BusinessName string
	CustomerName string
	History      []Turn
	Products     []commerce.Product
	Message      string
}

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// GeneratorOpts holds configuration options for the reply generator.
type GeneratorOpts struct {
	APIKey string
	Model  string
	Chat   chatService
}

// GeneratorOption defines a configuration option for the reply generator.
type GeneratorOption func(*GeneratorOpts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) GeneratorOption {
	return func(o *GeneratorOpts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) GeneratorOption {
	return func(o *GeneratorOpts) { o.Model = model }
}

// WithChatService injects a chat completion service (used by tests).
func WithChatService(svc chatService) GeneratorOption {
	return func(o *GeneratorOpts) { o.Chat = svc }
}

// Generator produces conversational replies for customers.
type Generator struct {
	chat  chatService
	model string
}

// NewGenerator creates a reply generator. Either an API key or an injected
// chat service is required.
func NewGenerator(opts ...GeneratorOption) (*Generator, error) {
	var cfg GeneratorOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultChatModel
	}
	if cfg.Chat != nil {
		return &Generator{chat: cfg.Chat, model: model}, nil
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Generator{chat: &client.Chat.Completions, model: model}, nil
}

// GenerateReply answers the customer's message given merchant and
// conversation context.
func (g *Generator) GenerateReply(ctx context.Context, req ReplyRequest) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt + contextPrompt(req)),
	}
	history := req.History
	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}
	for _, turn := range history {
		if turn.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(turn.Content))
		} else {
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Message))

	resp, err := g.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    g.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generate reply: no choices returned")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("Generator reply produced", "business", req.BusinessName, "chars", len(reply))
	return reply, nil
}

// contextPrompt appends store, customer and catalog context to the persona.
func contextPrompt(req ReplyRequest) string {
	var b strings.Builder
	if req.BusinessName != "" {
		fmt.Fprintf(&b, "\n\n## معلومات المتجر:\nأنت تعمل لدى متجر \"%s\".", req.BusinessName)
	}
	if req.CustomerName != "" {
		fmt.Fprintf(&b, "\n\n## معلومات العميل:\nاسم العميل: %s", req.CustomerName)
	}
	products := req.Products
	if len(products) > catalogLimit {
		products = products[:catalogLimit]
	}
	if len(products) > 0 {
		b.WriteString("\n\n## المنتجات المتاحة:\n")
		for i, p := range products {
			fmt.Fprintf(&b, "%d. %s - %s ريال\n", i+1, p.Name, commerce.FormatPrice(p.Price))
		}
	}
	return b.String()
}
