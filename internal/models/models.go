// Package models defines the core data structures for souqbot.
//
// It includes merchant, conversation and message types, the provider
// notification payload, and the error taxonomy shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Provider identifies which messaging provider a merchant's credentials target.
type Provider string

const (
	// ProviderGreenAPI is the default pull-queue WhatsApp provider.
	ProviderGreenAPI Provider = "greenapi"
	// ProviderTwilio routes outbound sends through the Twilio WhatsApp API.
	ProviderTwilio Provider = "twilio"
)

// MerchantStatus represents a merchant's provider connection state.
type MerchantStatus string

const (
	// MerchantStatusConnected means the merchant's WhatsApp instance is paired and usable.
	MerchantStatusConnected MerchantStatus = "connected"
	// MerchantStatusDisconnected means the merchant has no usable provider session.
	MerchantStatusDisconnected MerchantStatus = "disconnected"
)

// Direction marks whether a message came from the customer or was sent by the bot.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MessageType is the persisted content modality of a message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeVoice MessageType = "voice"
	MessageTypeImage MessageType = "image"
	MessageTypeOther MessageType = "other"
)

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusArchived ConversationStatus = "archived"
)

// Error variables for the pipeline's failure taxonomy.
var (
	// ErrMissingCredentials indicates a merchant has no provider credentials stored.
	ErrMissingCredentials = errors.New("merchant has no provider credentials")
	// ErrNotConnected indicates a merchant exists but its instance is not connected.
	ErrNotConnected = errors.New("merchant is not connected")
	// ErrMerchantNotFound indicates the merchant id resolved to no row.
	ErrMerchantNotFound = errors.New("merchant not found")
	// ErrNoSender indicates an inbound event carried no extractable sender identity.
	ErrNoSender = errors.New("notification has no sender identity")
	// ErrGroupChat indicates the event originated in a group chat, which the bot ignores.
	ErrGroupChat = errors.New("group chat messages are ignored")
	// ErrTranscriptionFailed indicates a voice message could not be converted to text.
	ErrTranscriptionFailed = errors.New("voice transcription failed")
	// ErrOrderCreationFailed indicates the commerce platform rejected an order commit.
	ErrOrderCreationFailed = errors.New("order creation failed")
	// ErrConversationNotFound indicates a conversation id resolved to no row.
	ErrConversationNotFound = errors.New("conversation not found")
)

// Credentials holds a merchant's provider credentials. Only the fields for
// the selected Provider are populated.
type Credentials struct {
	Provider   Provider `json:"provider"`
	InstanceID string   `json:"instance_id,omitempty"`
	APIToken   string   `json:"api_token,omitempty"`
	APIBaseURL string   `json:"api_base_url,omitempty"`
	AccountSID string   `json:"account_sid,omitempty"`
	AuthToken  string   `json:"auth_token,omitempty"`
	FromNumber string   `json:"from_number,omitempty"`
}

// Valid reports whether the credentials carry enough fields to reach the provider.
func (c Credentials) Valid() bool {
	switch c.Provider {
	case ProviderGreenAPI:
		return c.InstanceID != "" && c.APIToken != ""
	case ProviderTwilio:
		return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
	default:
		return false
	}
}

// Merchant is a tenant of the pipeline. Merchant rows are owned by the
// dashboard; the pipeline only reads them.
type Merchant struct {
	ID               int64          `json:"id"`
	BusinessName     string         `json:"business_name"`
	Phone            string         `json:"phone,omitempty"`
	Status           MerchantStatus `json:"status"`
	AutoReplyEnabled bool           `json:"auto_reply_enabled"`
	Credentials      Credentials    `json:"credentials"`
}

// Connected reports whether the merchant can be polled and replied through.
func (m *Merchant) Connected() bool {
	return m.Status == MerchantStatusConnected && m.Credentials.Valid()
}

// Conversation is a customer thread, unique per (merchant, customer phone).
// Created lazily on first inbound event and never deleted by the pipeline.
type Conversation struct {
	ID            int64              `json:"id"`
	MerchantID    int64              `json:"merchant_id"`
	CustomerPhone string             `json:"customer_phone"`
	CustomerName  string             `json:"customer_name,omitempty"`
	Status        ConversationStatus `json:"status"`
	LastMessageAt time.Time          `json:"last_message_at"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Message is one entry in a conversation's append-only log. Immutable once
// created; ordering is processing order, not provider send order.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	Direction      Direction   `json:"direction"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	MediaURL       string      `json:"media_url,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Notification webhook type discriminators used by the provider.
const (
	// WebhookIncomingMessage marks a delivered customer message.
	WebhookIncomingMessage = "incomingMessageReceived"
	// WebhookStateChange marks an instance connection-state change.
	WebhookStateChange = "stateInstanceChanged"
)

// Provider message type discriminators inside MessageData.TypeMessage.
const (
	TypeTextMessage         = "textMessage"
	TypeExtendedTextMessage = "extendedTextMessage"
	TypeAudioMessage        = "audioMessage"
	TypeVoiceMessage        = "voiceMessage"
	TypeImageMessage        = "imageMessage"
)

// TextMessageData is the plain-text content block.
type TextMessageData struct {
	TextMessage string `json:"textMessage"`
}

// ExtendedTextMessageData is the content block for texts with previews or quotes.
type ExtendedTextMessageData struct {
	Text string `json:"text"`
}

// FileMessageData is the content block shared by audio, voice and image messages.
type FileMessageData struct {
	DownloadURL string `json:"downloadUrl,omitempty"`
	Caption     string `json:"caption,omitempty"`
	FileName    string `json:"fileName,omitempty"`
}

// MessageData is the type-discriminated content of an inbound message event.
type MessageData struct {
	TypeMessage             string                   `json:"typeMessage"`
	TextMessageData         *TextMessageData         `json:"textMessageData,omitempty"`
	ExtendedTextMessageData *ExtendedTextMessageData `json:"extendedTextMessageData,omitempty"`
	FileMessageData         *FileMessageData         `json:"fileMessageData,omitempty"`
	AudioMessageData        *FileMessageData         `json:"audioMessageData,omitempty"`
	ImageMessageData        *FileMessageData         `json:"imageMessageData,omitempty"`
}

// SenderData identifies the customer behind an inbound message event.
type SenderData struct {
	ChatID     string `json:"chatId"`
	ChatName   string `json:"chatName,omitempty"`
	Sender     string `json:"sender,omitempty"`
	SenderName string `json:"senderName,omitempty"`
}

// InstanceData identifies the provider instance an event belongs to.
type InstanceData struct {
	IDInstance int64  `json:"idInstance"`
	Wid        string `json:"wid,omitempty"`
}

// Notification is one queued event received from the provider. ReceiptID is
// the queue handle used to acknowledge (delete) the event after processing.
type Notification struct {
	ReceiptID     int64        `json:"receiptId"`
	TypeWebhook   string       `json:"typeWebhook"`
	IDMessage     string       `json:"idMessage,omitempty"`
	Timestamp     int64        `json:"timestamp,omitempty"`
	StateInstance string       `json:"stateInstance,omitempty"`
	InstanceData  InstanceData `json:"instanceData,omitempty"`
	SenderData    *SenderData  `json:"senderData,omitempty"`
	MessageData   *MessageData `json:"messageData,omitempty"`
}

// Modality is the normalized content modality of a classified inbound event.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityVoice Modality = "voice"
	ModalityImage Modality = "image"
	ModalityOther Modality = "other"
)

// MessageType maps a modality to the persisted message type.
func (m Modality) MessageType() MessageType {
	switch m {
	case ModalityText:
		return MessageTypeText
	case ModalityVoice:
		return MessageTypeVoice
	case ModalityImage:
		return MessageTypeImage
	default:
		return MessageTypeOther
	}
}

// Inbound is a normalized inbound message produced by the classifier.
// Text is empty for voice messages until transcription fills it in.
type Inbound struct {
	Modality    Modality `json:"modality"`
	SenderPhone string   `json:"sender_phone"`
	SenderName  string   `json:"sender_name,omitempty"`
	Text        string   `json:"text,omitempty"`
	MediaURL    string   `json:"media_url,omitempty"`
}

// PhoneFromChatID strips the provider chat suffix from a chat identifier,
// e.g. "966501234567@c.us" -> "966501234567". Returns "" for empty input.
func PhoneFromChatID(chatID string) string {
	if i := strings.IndexByte(chatID, '@'); i >= 0 {
		return chatID[:i]
	}
	return chatID
}

// IsGroupChatID reports whether a chat identifier belongs to a group chat.
func IsGroupChatID(chatID string) bool {
	return strings.HasSuffix(chatID, "@g.us")
}
