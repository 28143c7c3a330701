package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix is the prefix for environment overrides (PAGERELAY_AI_ENGINE_URL, ...).
const EnvPrefix = "PAGERELAY"

// Config is the root configuration document. It is loaded once per webhook
// delivery and never mutated afterwards.
type Config struct {
	AIEngine AIEngineConfig `mapstructure:"ai_engine" json:"ai_engine" yaml:"ai_engine"`
	Platform PlatformConfig `mapstructure:"platform" json:"platform" yaml:"platform"`
	Settings SettingsConfig `mapstructure:"settings" json:"settings" yaml:"settings"`
	Prompts  PromptsConfig  `mapstructure:"prompts" json:"prompts" yaml:"prompts"`
	Server   ServerConfig   `mapstructure:"server" json:"server" yaml:"server"`
	Log      LogConfig      `mapstructure:"log" json:"log" yaml:"log"`
}

type AIEngineConfig struct {
	URL         string `mapstructure:"url" json:"url" yaml:"url" validate:"required,url"`
	BearerToken string `mapstructure:"bearer_token" json:"bearer_token" yaml:"bearer_token"`
	BotID       string `mapstructure:"bot_id" json:"bot_id" yaml:"bot_id" validate:"required"`
	Timeout     int    `mapstructure:"timeout" json:"timeout" yaml:"timeout" validate:"min=1,max=300"` // seconds per attempt
	MaxRetries  int    `mapstructure:"max_retries" json:"max_retries" yaml:"max_retries" validate:"min=1,max=10"`
	BotEnabled  bool   `mapstructure:"bot_enabled" json:"bot_enabled" yaml:"bot_enabled"`
}

type PlatformConfig struct {
	VerifyToken     string `mapstructure:"verify_token" json:"verify_token" yaml:"verify_token" validate:"required"`
	PageAccessToken string `mapstructure:"page_access_token" json:"page_access_token" yaml:"page_access_token" validate:"required"`
	AppSecret       string `mapstructure:"app_secret" json:"app_secret" yaml:"app_secret" validate:"required"`
	APIVersion      string `mapstructure:"api_version" json:"api_version" yaml:"api_version" validate:"required,startswith=v"`
	GraphBase       string `mapstructure:"graph_base" json:"graph_base" yaml:"graph_base" validate:"required,url"`
}

type SettingsConfig struct {
	MessageCharLimit  int    `mapstructure:"message_char_limit" json:"message_char_limit" yaml:"message_char_limit" validate:"min=1,max=2000"`
	RateLimitMessages int    `mapstructure:"rate_limit_messages" json:"rate_limit_messages" yaml:"rate_limit_messages" validate:"min=1"`
	RateLimitWindow   int    `mapstructure:"rate_limit_window" json:"rate_limit_window" yaml:"rate_limit_window" validate:"min=1"` // seconds
	RateLimitStore    string `mapstructure:"rate_limit_store" json:"rate_limit_store" yaml:"rate_limit_store" validate:"oneof=memory sqlite"`
	RateLimitDB       string `mapstructure:"rate_limit_db" json:"rate_limit_db" yaml:"rate_limit_db" validate:"required_if=RateLimitStore sqlite"`
	EnableLogging     bool   `mapstructure:"enable_logging" json:"enable_logging" yaml:"enable_logging"`
	LogFilePrefix     string `mapstructure:"log_file_prefix" json:"log_file_prefix" yaml:"log_file_prefix" validate:"required_if=EnableLogging true"`

	ShowTyping                 bool   `mapstructure:"show_typing" json:"show_typing" yaml:"show_typing"`
	ShowProcessingMessage      bool   `mapstructure:"show_processing_message" json:"show_processing_message" yaml:"show_processing_message"`
	ProcessingMessage          string `mapstructure:"processing_message" json:"processing_message" yaml:"processing_message" validate:"required_if=ShowProcessingMessage true"`
	ProcessingMessageMinLength int    `mapstructure:"processing_message_min_length" json:"processing_message_min_length" yaml:"processing_message_min_length" validate:"min=0"`
}

type PromptsConfig struct {
	KnowledgeBaseInstruction string `mapstructure:"knowledge_base_instruction" json:"knowledge_base_instruction" yaml:"knowledge_base_instruction"`
	WelcomeMessage           string `mapstructure:"welcome_message" json:"welcome_message" yaml:"welcome_message" validate:"required"`
	ErrorMessage             string `mapstructure:"error_message" json:"error_message" yaml:"error_message" validate:"required"`
	TextOnlyMessage          string `mapstructure:"text_only_message" json:"text_only_message" yaml:"text_only_message" validate:"required"`
	TruncatedMessage         string `mapstructure:"truncated_message" json:"truncated_message" yaml:"truncated_message"`
	RateLimitMessage         string `mapstructure:"rate_limit_message" json:"rate_limit_message" yaml:"rate_limit_message" validate:"required"`
	BotDisabledMessage       string `mapstructure:"bot_disabled_message" json:"bot_disabled_message" yaml:"bot_disabled_message" validate:"required"`
}

type ServerConfig struct {
	Host                    string `mapstructure:"host" json:"host" yaml:"host"`
	Port                    int    `mapstructure:"port" json:"port" yaml:"port" validate:"min=1,max=65535"`
	WebhookPath             string `mapstructure:"webhook_path" json:"webhook_path" yaml:"webhook_path" validate:"required,startswith=/"`
	MetricsPath             string `mapstructure:"metrics_path" json:"metrics_path" yaml:"metrics_path" validate:"omitempty,startswith=/"`
	MaxConcurrentDeliveries int    `mapstructure:"max_concurrent_deliveries" json:"max_concurrent_deliveries" yaml:"max_concurrent_deliveries" validate:"min=1,max=1024"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" json:"format" yaml:"format" validate:"oneof=text json"`
	Dir    string `mapstructure:"dir" json:"dir" yaml:"dir"`
}

// AITimeout is the per-attempt deadline for the inference endpoint.
func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AIEngine.Timeout) * time.Second
}

// RateWindow is the fixed rate-limit window.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Settings.RateLimitWindow) * time.Second
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DefaultConfigPath returns ./config.json, the location the webhook reads by default.
func DefaultConfigPath() string {
	return "config.json"
}

// Load reads, expands and validates the config file at path.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Read loads the config file at path over the defaults without validating it.
// The config CLI uses it so incomplete files can still be edited.
func Read(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	v := viper.New()
	v.SetConfigType(formatOf(path))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, val := range ListPaths(Defaults()) {
		v.SetDefault(key, val)
	}

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config file %s: %w", path, err)
	}

	cfg.Settings.RateLimitDB = ExpandPath(cfg.Settings.RateLimitDB)
	cfg.Log.Dir = ExpandPath(cfg.Log.Dir)

	return cfg, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg to path as YAML or indented JSON, chosen by extension.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if formatOf(path) == "yaml" {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Secrets live in this file.
	return os.WriteFile(path, data, 0o600)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w:\n  - %s", ErrInvalid, strings.Join(msgs, "\n  - "))
}

// describe renders a field error using the document's dotted key names.
func describe(fe validator.FieldError) string {
	path := fieldPath(fe.Namespace())
	switch fe.Tag() {
	case "required", "required_if":
		return path + " is required"
	case "min":
		return fmt.Sprintf("%s must be >= %s", path, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be <= %s", path, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", path, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return path + " must be an absolute URL"
	case "startswith":
		return fmt.Sprintf("%s must start with %q", path, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", path, fe.Tag())
	}
}

// fieldPath turns "Config.AIEngine.MaxRetries" into "ai_engine.max_retries".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 0 && parts[0] == "Config" {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper {
			prevLower := i > 0 && runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			prevUpper := i > 0 && runes[i-1] >= 'A' && runes[i-1] <= 'Z'
			if i > 0 && (prevLower || (prevUpper && nextLower)) {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
