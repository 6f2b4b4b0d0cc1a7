package config

import (
	"time"
)

// Config is the top-level Guardian Supervisor configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Stream  StreamConfig  `yaml:"stream"`
	Scorer  ScorerConfig  `yaml:"scorer"`
	Policy  PolicyConfig  `yaml:"policy"`
	Alerts  AlertsConfig  `yaml:"alerts"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
	FailMode string `yaml:"fail_mode"` // "closed" = deny on pipeline error, "open" = allow
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// StreamConfig names the intent/decision streams and the consumer group the
// worker reads under.
type StreamConfig struct {
	BrokerURL              string `yaml:"broker_url"`
	IntentStream           string `yaml:"intent_stream"`
	DecisionStream         string `yaml:"decision_stream"`
	ApprovalDecisionStream string `yaml:"approval_decision_stream"`
	ConsumerGroup          string `yaml:"consumer_group"`
	ConsumerName           string `yaml:"consumer_name"`
}

// ScorerConfig configures the optional LLM risk-scoring call. A disabled or
// zero-value ScorerConfig runs the pipeline with the scorer.Disabled no-op.
type ScorerConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// PolicyConfig controls where rule documents load from and the registry
// values symbolic allowlist references resolve against.
type PolicyConfig struct {
	Dir                      string   `yaml:"dir"`
	ExternalDomainsAllowlist []string `yaml:"external_domains_allowlist"`
}

type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     6777,
			LogLevel: "info",
			CORS:     false,
			FailMode: "closed",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./guardian.db",
		},
		Stream: StreamConfig{
			BrokerURL:              "redis://localhost:6379/0",
			IntentStream:           "guardian:intents",
			DecisionStream:         "guardian:decisions",
			ApprovalDecisionStream: "guardian:approval-decisions",
			ConsumerGroup:          "guardian-workers",
			ConsumerName:           "worker-1",
		},
		Scorer: ScorerConfig{
			Enabled: false,
			Model:   "gpt-4o-mini",
			Timeout: 10 * time.Second,
		},
		Policy: PolicyConfig{
			Dir: "./policies",
		},
	}
}
