// Package speech converts between worker audio and text.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultMaxChars      = 1000
	DefaultMaxAudioBytes = 25 << 20
)

var (
	ErrEmptyText  = errors.New("text is required")
	ErrEmptyAudio = errors.New("audio is required")
)

// TextTooLongError reports synthesis input above the character limit.
type TextTooLongError struct {
	Length int
	Max    int
}

func (e TextTooLongError) Error() string {
	return fmt.Sprintf("text too long: %d characters, max %d", e.Length, e.Max)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename, language string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// ValidateText checks synthesis input against max characters.
func ValidateText(text string, max int) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if max <= 0 {
		max = DefaultMaxChars
	}
	if n := utf8.RuneCountInString(text); n > max {
		return TextTooLongError{Length: n, Max: max}
	}
	return nil
}

// OpenAIClient implements both directions on the OpenAI audio endpoints.
type OpenAIClient struct {
	Client   *openai.Client
	STTModel string
	TTSModel string
	Voice    string
	MaxChars int
}

type Options struct {
	APIKey   string
	BaseURL  string
	STTModel string
	TTSModel string
	Voice    string
	MaxChars int
}

func NewOpenAI(opts Options) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	c := &OpenAIClient{
		Client:   openai.NewClientWithConfig(cfg),
		STTModel: opts.STTModel,
		TTSModel: opts.TTSModel,
		Voice:    opts.Voice,
		MaxChars: opts.MaxChars,
	}
	if c.STTModel == "" {
		c.STTModel = openai.Whisper1
	}
	if c.TTSModel == "" {
		c.TTSModel = string(openai.TTSModel1)
	}
	if c.Voice == "" {
		c.Voice = string(openai.VoiceAlloy)
	}
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxChars
	}
	return c
}

func (c *OpenAIClient) Transcribe(ctx context.Context, audio io.Reader, filename, language string) (string, error) {
	if audio == nil {
		return "", ErrEmptyAudio
	}
	if filename == "" {
		filename = "recording.webm"
	}
	resp, err := c.Client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.STTModel,
		Reader:   audio,
		FilePath: filename,
		Language: language,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (c *OpenAIClient) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if err := ValidateText(text, c.MaxChars); err != nil {
		return nil, err
	}
	resp, err := c.Client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.TTSModel),
		Input:          text,
		Voice:          openai.SpeechVoice(c.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	return resp, nil
}
