// Package inference wraps the hosted language models used to read worker
// utterances and rank catalogue products. Callers never see raw model output:
// everything goes through Ask/Decode and comes back as a typed Outcome.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Prompt is one completion request.
type Prompt struct {
	Name      string
	System    string
	User      string
	JSON      bool
	MaxTokens int
}

// Gateway completes prompts with free text.
type Gateway interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, p Prompt) (string, error)

func (f GatewayFunc) Complete(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// ErrUnavailable is returned by the disabled gateway.
var ErrUnavailable = errors.New("inference gateway unavailable")

// Options selects and configures a provider.
type Options struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Logger   logrus.FieldLogger
}

// New builds the gateway for the configured provider. Provider "none" yields a
// gateway that always fails, so every caller takes its deterministic fallback.
func New(ctx context.Context, opts Options) (Gateway, error) {
	var (
		gw  Gateway
		err error
	)
	switch strings.ToLower(opts.Provider) {
	case "openai":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("openai api key is required")
		}
		gw = NewOpenAI(opts.APIKey, opts.BaseURL, opts.Model)
	case "gemini":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("gemini api key is required")
		}
		gw, err = NewGemini(ctx, opts.APIKey, opts.Model)
		if err != nil {
			return nil, err
		}
	case "none", "":
		gw = Disabled()
	default:
		return nil, fmt.Errorf("unsupported provider: %s", opts.Provider)
	}
	return Instrument(gw, opts.Timeout, opts.Logger), nil
}

// Disabled returns a gateway that always reports ErrUnavailable.
func Disabled() Gateway {
	return GatewayFunc(func(context.Context, Prompt) (string, error) {
		return "", ErrUnavailable
	})
}

// Instrument bounds every call by timeout and logs failures.
func Instrument(gw Gateway, timeout time.Duration, log logrus.FieldLogger) Gateway {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "inference")
	return GatewayFunc(func(ctx context.Context, p Prompt) (string, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		out, err := gw.Complete(ctx, p)
		entry := log.WithField("prompt", p.Name).WithField("elapsed", time.Since(start).String())
		if err != nil {
			entry.WithError(err).Warn("completion failed")
			return "", err
		}
		entry.Debug("completion ok")
		return out, nil
	})
}
