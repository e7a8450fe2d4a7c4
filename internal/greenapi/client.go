// Package greenapi provides an HTTP client for the Green API WhatsApp
// provider.
//
// The provider exposes a per-instance REST surface at
// {base}/waInstance{instanceId}/{method}/{token}. Inbound messages are pulled
// from a notification queue (receiveNotification) and must be acknowledged
// with deleteNotification; outbound texts go through sendMessage. Credentials
// are passed per call because every merchant owns its own instance.
package greenapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/souqlabs/souqbot/internal/models"
)

// Constants for client configuration.
const (
	// DefaultBaseURL is the production Green API endpoint.
	DefaultBaseURL = "https://api.green-api.com"
	// DefaultReceiveTimeout bounds the long-poll receiveNotification call.
	DefaultReceiveTimeout = 45 * time.Second
	// DefaultRequestTimeout bounds all other calls.
	DefaultRequestTimeout = 20 * time.Second
	// StateAuthorized is the instance state of a paired WhatsApp session.
	StateAuthorized = "authorized"
)

// ErrMediaTooLarge indicates a media download exceeded the caller's size cap.
var ErrMediaTooLarge = errors.New("media file exceeds size limit")

// Opts holds configuration options for the Green API client.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Option defines a configuration option for the Green API client.
type Option func(*Opts)

// WithBaseURL overrides the provider endpoint (used by tests).
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client talks to the Green API over HTTP. Safe for concurrent use by
// multiple tenant workers.
type Client struct {
	baseURL    string
	httpClient *http.Client
	receive    *http.Client
}

// NewClient creates a Green API client.
func NewClient(opts ...Option) *Client {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	// receiveNotification long-polls, so it gets its own relaxed timeout.
	receive := &http.Client{
		Timeout:   DefaultReceiveTimeout,
		Transport: httpClient.Transport,
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, receive: receive}
}

func (c *Client) instanceURL(creds models.Credentials, method string) string {
	base := c.baseURL
	if creds.APIBaseURL != "" {
		base = strings.TrimRight(creds.APIBaseURL, "/")
	}
	return fmt.Sprintf("%s/waInstance%s/%s/%s", base, creds.InstanceID, method, creds.APIToken)
}

// receiveEnvelope is the queue wrapper around a notification body.
type receiveEnvelope struct {
	ReceiptID int64           `json:"receiptId"`
	Body      json.RawMessage `json:"body"`
}

// ReceiveNotification pulls at most one queued event. Returns (nil, nil)
// when the queue is empty; long-poll timeouts are treated as empty, not as
// errors, matching the provider's behavior.
func (c *Client) ReceiveNotification(ctx context.Context, creds models.Credentials) (*models.Notification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.instanceURL(creds, "receiveNotification"), nil)
	if err != nil {
		return nil, fmt.Errorf("build receive request: %w", err)
	}
	resp, err := c.receive.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("receive notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("receive notification: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("receive notification: read body: %w", err)
	}
	// An empty queue answers with literal "null".
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return nil, nil
	}

	var env receiveEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("receive notification: decode envelope: %w", err)
	}
	if len(env.Body) == 0 {
		return nil, nil
	}
	var n models.Notification
	if err := json.Unmarshal(env.Body, &n); err != nil {
		return nil, fmt.Errorf("receive notification: decode body: %w", err)
	}
	n.ReceiptID = env.ReceiptID
	slog.Debug("GreenAPI notification received", "receipt_id", n.ReceiptID, "type", n.TypeWebhook)
	return &n, nil
}

// DeleteNotification acknowledges (removes) a queued event by receipt id.
func (c *Client) DeleteNotification(ctx context.Context, creds models.Credentials, receiptID int64) error {
	url := fmt.Sprintf("%s/%d", c.instanceURL(creds, "deleteNotification"), receiptID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete notification %d: %w", receiptID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete notification %d: unexpected status %d", receiptID, resp.StatusCode)
	}
	slog.Debug("GreenAPI notification deleted", "receipt_id", receiptID)
	return nil
}

type sendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

type sendMessageResponse struct {
	IDMessage string `json:"idMessage"`
}

// SendMessage sends a text message to a phone number and returns the
// provider message id.
func (c *Client) SendMessage(ctx context.Context, creds models.Credentials, phone, text string) (string, error) {
	payload := sendMessageRequest{
		ChatID:  formatChatID(phone),
		Message: text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.instanceURL(creds, "sendMessage"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("send message: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("send message: decode response: %w", err)
	}
	if out.IDMessage == "" {
		return "", fmt.Errorf("send message: provider returned no message id")
	}
	slog.Debug("GreenAPI message sent", "to", phone, "message_id", out.IDMessage)
	return out.IDMessage, nil
}

type stateInstanceResponse struct {
	StateInstance string `json:"stateInstance"`
}

// GetStateInstance returns the instance connection state (e.g. "authorized").
func (c *Client) GetStateInstance(ctx context.Context, creds models.Credentials) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.instanceURL(creds, "getStateInstance"), nil)
	if err != nil {
		return "", fmt.Errorf("build state request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get state instance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get state instance: unexpected status %d", resp.StatusCode)
	}
	var out stateInstanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("get state instance: decode response: %w", err)
	}
	return out.StateInstance, nil
}

type qrResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// GetQRCode returns the pairing QR payload for an unauthorized instance.
func (c *Client) GetQRCode(ctx context.Context, creds models.Credentials) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.instanceURL(creds, "qr"), nil)
	if err != nil {
		return "", fmt.Errorf("build qr request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get qr code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get qr code: unexpected status %d", resp.StatusCode)
	}
	var out qrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("get qr code: decode response: %w", err)
	}
	if out.Type != "qrCode" {
		return "", fmt.Errorf("get qr code: unexpected payload type %q: %s", out.Type, out.Message)
	}
	return out.Message, nil
}

// DownloadFile fetches a media file (voice notes, images) by its download
// URL, refusing anything larger than maxBytes.
func (c *Client) DownloadFile(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download file: read body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrMediaTooLarge
	}
	return data, nil
}

// formatChatID normalizes a phone number into the provider chat id format,
// e.g. "+966 50 123 4567" -> "966501234567@c.us".
func formatChatID(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String() + "@c.us"
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
