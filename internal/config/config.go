package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models siteorder.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Inference struct {
		Provider       string `yaml:"provider"`
		Model          string `yaml:"model"`
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"inference"`
	Speech struct {
		STTModel      string `yaml:"stt_model"`
		TTSModel      string `yaml:"tts_model"`
		Voice         string `yaml:"voice"`
		Language      string `yaml:"language"`
		MaxTTSChars   int    `yaml:"max_tts_chars"`
		MaxAudioBytes int64  `yaml:"max_audio_bytes"`
	} `yaml:"speech"`
	Matcher MatcherConfig `yaml:"matcher"`
	Queue   struct {
		MaxRetries           int    `yaml:"max_retries"`
		DrainIntervalSeconds int    `yaml:"drain_interval_seconds"`
		SubmitTimeoutSeconds int    `yaml:"submit_timeout_seconds"`
		ServerURL            string `yaml:"server_url"`
	} `yaml:"queue"`
	Orders struct {
		AutoApprovalThresholdCents int64  `yaml:"auto_approval_threshold_cents"`
		Currency                   string `yaml:"currency"`
	} `yaml:"orders"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// MatcherConfig tunes product ranking.
type MatcherConfig struct {
	MaxResults             int     `yaml:"max_results"`
	CatalogueCap           int     `yaml:"catalogue_cap"`
	MinGatewayScore        float64 `yaml:"min_gateway_score"`
	TieWindow              float64 `yaml:"tie_window"`
	UnrankedRank           int     `yaml:"unranked_rank"`
	MaxSupplierSuggestions int     `yaml:"max_supplier_suggestions"`
}

// WebhookConfig describes an outbound order notification target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var providers = map[string]bool{"openai": true, "gemini": true, "none": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with so config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if !providers[strings.ToLower(c.Inference.Provider)] {
		return fmt.Errorf("config.inference.provider must be one of openai, gemini, none")
	}
	if c.Inference.Provider != "none" && c.Inference.Model == "" {
		return fmt.Errorf("config.inference.model is required for provider %s", c.Inference.Provider)
	}
	m := c.Matcher
	if m.MaxResults <= 0 {
		return fmt.Errorf("config.matcher.max_results must be positive")
	}
	if m.CatalogueCap <= 0 {
		return fmt.Errorf("config.matcher.catalogue_cap must be positive")
	}
	if m.MinGatewayScore < 0 || m.MinGatewayScore > 1 {
		return fmt.Errorf("config.matcher.min_gateway_score must be within [0,1]")
	}
	if m.TieWindow < 0 || m.TieWindow > 1 {
		return fmt.Errorf("config.matcher.tie_window must be within [0,1]")
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("config.queue.max_retries must be positive")
	}
	if c.Queue.DrainIntervalSeconds <= 0 {
		return fmt.Errorf("config.queue.drain_interval_seconds must be positive")
	}
	if c.Orders.AutoApprovalThresholdCents < 0 {
		return fmt.Errorf("config.orders.auto_approval_threshold_cents must not be negative")
	}
	if c.Speech.MaxTTSChars <= 0 {
		return fmt.Errorf("config.speech.max_tts_chars must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// DrainInterval is the periodic retry cadence of the offline queue.
func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.Queue.DrainIntervalSeconds) * time.Second
}

func (c *Config) SubmitTimeout() time.Duration {
	if c.Queue.SubmitTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Queue.SubmitTimeoutSeconds) * time.Second
}

func (c *Config) InferenceTimeout() time.Duration {
	if c.Inference.TimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.Inference.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "siteorder.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

inference:
  provider: openai
  model: gpt-4o-mini
  timeout_seconds: 20

speech:
  stt_model: whisper-1
  tts_model: tts-1
  voice: alloy
  language: en
  max_tts_chars: 1000
  max_audio_bytes: 26214400

matcher:
  max_results: 8
  catalogue_cap: 100
  min_gateway_score: 0.5
  tie_window: 0.1
  unranked_rank: 999
  max_supplier_suggestions: 3

queue:
  max_retries: 5
  drain_interval_seconds: 30
  submit_timeout_seconds: 10
  # order endpoint, e.g. http://127.0.0.1:8080; empty places orders in the local database
  server_url: ""

orders:
  auto_approval_threshold_cents: 20000
  currency: CHF
`
