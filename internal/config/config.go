package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for apibridge. It is built once
// at startup and shared read-only by every component.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	LLM          LLMConfig          `yaml:"llm"`
	Tools        ToolsConfig        `yaml:"tools"`
	Auth         AuthConfig         `yaml:"auth"`
	Session      SessionConfig      `yaml:"session"`
	Conversation ConversationConfig `yaml:"conversation"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	// BaseURL is the root of the API the compiled tools call into.
	BaseURL string `yaml:"base_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LLMConfig struct {
	ModelID       string        `yaml:"model_id"`
	Region        string        `yaml:"region"`
	Temperature   float64       `yaml:"temperature"`
	TopP          float64       `yaml:"top_p"`
	MaxTokens     int           `yaml:"max_tokens"`
	StopSequences []string      `yaml:"stop_sequences"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	// RequestsPerSecond and Burst configure the per-session rate gate.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// AccessKeyID / SecretAccessKey are optional explicit AWS credentials;
	// the default chain is used when empty.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

type ToolsConfig struct {
	// File points at the descriptor table produced by the OpenAPI compiler.
	File                string        `yaml:"file"`
	AllowedPaths        []string      `yaml:"allowed_paths"`
	ExcludedPaths       []string      `yaml:"excluded_paths"`
	MaxToolCalls        int           `yaml:"max_tool_calls"`
	MaxToolCallsPerTurn int           `yaml:"max_tool_calls_per_turn"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxRetries          int           `yaml:"max_retries"`
}

type AuthConfig struct {
	EnableToolAuth     bool          `yaml:"enable_tool_auth"`
	RequireToolAuth    bool          `yaml:"require_tool_auth"`
	SupportedAuthTypes []string      `yaml:"supported_auth_types"`
	TokenCacheTTL      time.Duration `yaml:"auth_token_cache_ttl"`
}

type SessionConfig struct {
	Timeout     time.Duration `yaml:"session_timeout"`
	TurnTimeout time.Duration `yaml:"turn_timeout"`
	MaxSessions int           `yaml:"max_sessions"`
	// BusyPolicy controls chat frames arriving while a turn is in flight:
	// "reject" answers with a busy error, "queue" serializes them.
	BusyPolicy string `yaml:"busy_policy"`
}

type ConversationConfig struct {
	MaxMessages  int    `yaml:"max_conversation_messages"`
	Strategy     string `yaml:"conversation_strategy"`
	SystemPrompt string `yaml:"system_prompt"`

	EnableMessageChunking bool `yaml:"enable_message_chunking"`
	MaxMessageSize        int  `yaml:"max_message_size"`
	ChunkSize             int  `yaml:"chunk_size"`
	ChunkOverlap          int  `yaml:"chunk_overlap"`

	ToolResultNewResponseThreshold int `yaml:"tool_result_new_response_threshold"`
	ToolResultNewResponseTarget    int `yaml:"tool_result_new_response_target"`
	ToolResultHistoryThreshold     int `yaml:"tool_result_history_threshold"`
	ToolResultHistoryTarget        int `yaml:"tool_result_history_target"`
}

// Load reads and parses the configuration file, expanding environment
// variables before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no file read.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://localhost:8000"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.LLM.ModelID == "" {
		cfg.LLM.ModelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.LLM.Region == "" {
		cfg.LLM.Region = "us-east-1"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.TopP == 0 {
		cfg.LLM.TopP = 0.9
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.RetryDelay == 0 {
		cfg.LLM.RetryDelay = time.Second
	}
	if cfg.LLM.RequestsPerSecond == 0 {
		cfg.LLM.RequestsPerSecond = 2.0
	}
	if cfg.LLM.Burst == 0 {
		cfg.LLM.Burst = 4
	}
	if cfg.Tools.MaxToolCalls == 0 {
		cfg.Tools.MaxToolCalls = 10
	}
	if cfg.Tools.MaxToolCallsPerTurn == 0 {
		cfg.Tools.MaxToolCallsPerTurn = 5
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}
	if cfg.Tools.MaxRetries == 0 {
		cfg.Tools.MaxRetries = 2
	}
	if len(cfg.Auth.SupportedAuthTypes) == 0 {
		cfg.Auth.SupportedAuthTypes = []string{
			"bearer_token", "basic_auth", "api_key", "oauth2_client_credentials", "custom",
		}
	}
	if cfg.Auth.TokenCacheTTL == 0 {
		cfg.Auth.TokenCacheTTL = time.Hour
	}
	if cfg.Session.Timeout == 0 {
		cfg.Session.Timeout = time.Hour
	}
	if cfg.Session.TurnTimeout == 0 {
		cfg.Session.TurnTimeout = 2 * time.Minute
	}
	if cfg.Session.MaxSessions == 0 {
		cfg.Session.MaxSessions = 1000
	}
	if cfg.Session.BusyPolicy == "" {
		cfg.Session.BusyPolicy = "reject"
	}
	if cfg.Conversation.MaxMessages == 0 {
		cfg.Conversation.MaxMessages = 100
	}
	if cfg.Conversation.Strategy == "" {
		cfg.Conversation.Strategy = "sliding_window"
	}
	if cfg.Conversation.SystemPrompt == "" {
		cfg.Conversation.SystemPrompt = "You are a helpful assistant with access to API tools. Use them when needed to answer the user's question."
	}
	if cfg.Conversation.MaxMessageSize == 0 {
		cfg.Conversation.MaxMessageSize = 100000
	}
	if cfg.Conversation.ChunkSize == 0 {
		cfg.Conversation.ChunkSize = 50000
	}
	if cfg.Conversation.ChunkOverlap == 0 {
		cfg.Conversation.ChunkOverlap = 200
	}
	if cfg.Conversation.ToolResultNewResponseThreshold == 0 {
		cfg.Conversation.ToolResultNewResponseThreshold = 500000
	}
	if cfg.Conversation.ToolResultNewResponseTarget == 0 {
		cfg.Conversation.ToolResultNewResponseTarget = 425000
	}
	if cfg.Conversation.ToolResultHistoryThreshold == 0 {
		cfg.Conversation.ToolResultHistoryThreshold = 50000
	}
	if cfg.Conversation.ToolResultHistoryTarget == 0 {
		cfg.Conversation.ToolResultHistoryTarget = 42500
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Session.BusyPolicy {
	case "reject", "queue":
	default:
		return fmt.Errorf("invalid busy_policy %q (want reject or queue)", c.Session.BusyPolicy)
	}
	switch c.Conversation.Strategy {
	case "truncate", "sliding_window", "smart_prune":
	default:
		return fmt.Errorf("invalid conversation_strategy %q", c.Conversation.Strategy)
	}
	if c.Conversation.ToolResultHistoryTarget >= c.Conversation.ToolResultHistoryThreshold {
		return fmt.Errorf("tool_result_history_target must be below its threshold")
	}
	if c.Conversation.ToolResultNewResponseTarget >= c.Conversation.ToolResultNewResponseThreshold {
		return fmt.Errorf("tool_result_new_response_target must be below its threshold")
	}
	return nil
}
