// Package genai provides GenAI-enhanced operations using OpenAI API.
//
// This file implements Whisper voice transcription.
package genai

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/souqlabs/souqbot/internal/models"
)

// Constants for voice transcription.
const (
	// MaxAudioBytes is the Whisper upload limit.
	MaxAudioBytes = 25 << 20
	// TranscriptionLanguage hints Whisper toward Arabic voice notes.
	TranscriptionLanguage = "ar"
)

// transcriptionService defines the minimal interface for audio transcription.
type transcriptionService interface {
	New(ctx context.Context, params openai.AudioTranscriptionNewParams, opts ...option.RequestOption) (*openai.Transcription, error)
}

// TranscriberOpts holds configuration options for the transcriber.
type TranscriberOpts struct {
	APIKey   string
	Language string
	Service  transcriptionService
}

// TranscriberOption defines a configuration option for the transcriber.
type TranscriberOption func(*TranscriberOpts)

// WithTranscriberAPIKey sets the OpenAI API key.
func WithTranscriberAPIKey(key string) TranscriberOption {
	return func(o *TranscriberOpts) { o.APIKey = key }
}

// WithTranscriberLanguage overrides the language hint.
func WithTranscriberLanguage(lang string) TranscriberOption {
	return func(o *TranscriberOpts) { o.Language = lang }
}

// WithTranscriptionService injects a transcription service (used by tests).
func WithTranscriptionService(svc transcriptionService) TranscriberOption {
	return func(o *TranscriberOpts) { o.Service = svc }
}

// Transcriber converts voice notes to text with Whisper.
type Transcriber struct {
	svc      transcriptionService
	language string
}

// NewTranscriber creates a transcriber. Either an API key or an injected
// service is required.
func NewTranscriber(opts ...TranscriberOption) (*Transcriber, error) {
	var cfg TranscriberOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	language := cfg.Language
	if language == "" {
		language = TranscriptionLanguage
	}
	if cfg.Service != nil {
		return &Transcriber{svc: cfg.Service, language: language}, nil
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Transcriber{svc: &client.Audio.Transcriptions, language: language}, nil
}

// Transcribe converts an audio file to text. Returns
// models.ErrTranscriptionFailed (wrapped) on any failure so callers can send
// the customer a retry apology instead of dropping the message.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: empty audio", models.ErrTranscriptionFailed)
	}
	if len(audio) > MaxAudioBytes {
		return "", fmt.Errorf("%w: audio is %d bytes, limit %d", models.ErrTranscriptionFailed, len(audio), MaxAudioBytes)
	}
	if filename == "" {
		filename = "voice.ogg"
	}

	resp, err := t.svc.New(ctx, openai.AudioTranscriptionNewParams{
		Model:    openai.AudioModelWhisper1,
		File:     openai.File(bytes.NewReader(audio), filename, "audio/ogg"),
		Language: openai.String(t.language),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrTranscriptionFailed, err)
	}
	text := resp.Text
	if text == "" {
		return "", fmt.Errorf("%w: empty transcript", models.ErrTranscriptionFailed)
	}
	slog.Debug("Transcriber voice note transcribed", "bytes", len(audio), "chars", len(text))
	return text, nil
}
