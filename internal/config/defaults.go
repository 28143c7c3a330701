package config

import (
	"crypto/rand"
	"encoding/hex"
)

func Defaults() *Config {
	return &Config{
		AIEngine: AIEngineConfig{
			URL:        "https://yourdomain.com/wp-json/mwai/v1/simpleChatbotQuery",
			BotID:      "default",
			Timeout:    25,
			MaxRetries: 3,
			BotEnabled: true,
		},
		Platform: PlatformConfig{
			APIVersion: "v18.0",
			GraphBase:  "https://graph.facebook.com",
		},
		Settings: SettingsConfig{
			MessageCharLimit:  1900,
			RateLimitMessages: 20,
			RateLimitWindow:   60,
			RateLimitStore:    "memory",
			RateLimitDB:       "./data/ratelimit.db",
			EnableLogging:     true,
			LogFilePrefix:     "fb_ai",

			ShowTyping:            true,
			ShowProcessingMessage: true,
			ProcessingMessage:     "⌛ Just a moment...",
		},
		Prompts: PromptsConfig{
			KnowledgeBaseInstruction: "\n\nIMPORTANT: Please respond ONLY using information from your knowledge base.",
			WelcomeMessage:           "Welcome! I'm your AI assistant. How can I help you today?",
			ErrorMessage:             "I'm having trouble right now. Please try again later.",
			TextOnlyMessage:          "I can only handle text messages right now.",
			TruncatedMessage:         "... (message truncated)",
			RateLimitMessage:         "Please slow down! Too many messages.",
			BotDisabledMessage:       "Our AI assistant is temporarily unavailable for maintenance. Please contact us directly or try again later.",
		},
		Server: ServerConfig{
			Host:                    "0.0.0.0",
			Port:                    8080,
			WebhookPath:             "/webhook",
			MetricsPath:             "/metrics",
			MaxConcurrentDeliveries: 16,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Dir:    "./logs",
		},
	}
}

// NewVerifyToken returns a random token suitable for hub.verify_token.
func NewVerifyToken() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "verify_token_" + hex.EncodeToString(buf), nil
}
