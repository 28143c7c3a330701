// Package provider talks to the inference endpoint that produces chat
// replies.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"pagerelay/internal/config"
	"pagerelay/internal/domain"
	"pagerelay/internal/metrics"
)

// ErrRetriesExhausted is returned by Respond when every attempt failed.
var ErrRetriesExhausted = errors.New("ai engine: retries exhausted")

// ProbePrompt is sent by Probe to check connectivity.
const ProbePrompt = "Test connection"

const maxResponseBytes = 1 << 20

// AIEngine calls the custom inference endpoint:
// POST {prompt, botId, chatId} with a bearer token, reply in {"data": "..."}.
type AIEngine struct {
	client *http.Client
	logger *slog.Logger
	sleep  Sleeper
}

type AIEngineConfig struct {
	Client *http.Client
	Logger *slog.Logger
	// Sleep replaces the backoff wait; tests use it to skip real delays.
	Sleep Sleeper
}

func NewAIEngine(cfg AIEngineConfig) *AIEngine {
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &AIEngine{
		client: cfg.Client,
		logger: cfg.Logger.With("component", "ai-engine"),
		sleep:  cfg.Sleep,
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// errNoReply marks a 2xx response without a usable "data" string.
var errNoReply = errors.New("response has no reply text")

// Respond asks the endpoint for a reply to text on behalf of senderID.
// The knowledge-base instruction is appended to the prompt and the chat id
// is derived from the sender, so the endpoint keeps one memory per user.
// Replies over the character limit are truncated and suffixed.
func (e *AIEngine) Respond(ctx context.Context, cfg *config.Config, senderID, text string) (domain.AIReply, error) {
	body, err := json.Marshal(domain.AIRequest{
		Prompt: text + cfg.Prompts.KnowledgeBaseInstruction,
		BotID:  cfg.AIEngine.BotID,
		ChatID: domain.ConversationKey(senderID),
	})
	if err != nil {
		return domain.AIReply{}, fmt.Errorf("encode request: %w", err)
	}

	var reply string
	err = withRetry(ctx, cfg.AIEngine.MaxRetries, e.sleep, e.logger, func(ctx context.Context, attempt int) error {
		start := time.Now()
		r, err := e.attempt(ctx, cfg, body)
		elapsed := time.Since(start)

		metrics.AIAttempts.Inc()
		metrics.AILatency.Observe(elapsed.Seconds())
		if err != nil {
			metrics.AIFailedAttempts.Inc()
			e.logger.Warn("ai attempt failed",
				"sender", senderID, "attempt", attempt, "of", cfg.AIEngine.MaxRetries,
				"elapsed", elapsed, "err", err)
			return err
		}
		e.logger.Info("ai attempt succeeded",
			"sender", senderID, "attempt", attempt, "elapsed", elapsed, "chars", utf8.RuneCountInString(r))
		reply = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRetriesExhausted) {
			metrics.AIExhausted.Inc()
		}
		return domain.AIReply{}, err
	}

	out := Truncate(reply, cfg.Settings.MessageCharLimit, cfg.Prompts.TruncatedMessage)
	if out.Truncated {
		e.logger.Debug("reply truncated", "sender", senderID, "limit", cfg.Settings.MessageCharLimit)
	}
	return out, nil
}

// Probe sends a single test prompt without retries and returns the reply.
func (e *AIEngine) Probe(ctx context.Context, cfg *config.Config) (string, time.Duration, error) {
	body, err := json.Marshal(domain.AIRequest{
		Prompt: ProbePrompt,
		BotID:  cfg.AIEngine.BotID,
		ChatID: domain.ConversationKey("probe"),
	})
	if err != nil {
		return "", 0, err
	}
	start := time.Now()
	reply, err := e.attempt(ctx, cfg, body)
	return reply, time.Since(start), err
}

func (e *AIEngine) attempt(ctx context.Context, cfg *config.Config, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.AITimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.AIEngine.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cfg.AIEngine.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AIEngine.BearerToken)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &statusError{code: resp.StatusCode, body: snippet(raw)}
	}

	var parsed struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	var text string
	if len(parsed.Data) == 0 || json.Unmarshal(parsed.Data, &text) != nil || text == "" {
		return "", errNoReply
	}
	return text, nil
}

// Truncate cuts text to limit characters and appends a space and suffix.
// Text within the limit is returned unchanged.
func Truncate(text string, limit int, suffix string) domain.AIReply {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return domain.AIReply{Text: text}
	}
	cut := string([]rune(text)[:limit])
	if suffix == "" {
		return domain.AIReply{Text: cut, Truncated: true}
	}
	return domain.AIReply{Text: cut + " " + suffix, Truncated: true}
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
