package webhook

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"pagerelay/internal/config"
	"pagerelay/internal/domain"
	"pagerelay/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.AIEngine.URL = "http://ai.invalid/query"
	cfg.AIEngine.BearerToken = "bearer"
	cfg.Platform.VerifyToken = "abc123"
	cfg.Platform.PageAccessToken = "page-token"
	cfg.Platform.AppSecret = "app-secret"
	cfg.Settings.RateLimitMessages = 20
	cfg.Settings.RateLimitWindow = 60
	cfg.Settings.ShowTyping = false
	cfg.Settings.ShowProcessingMessage = false
	return cfg
}

type fakeAI struct {
	mu    sync.Mutex
	calls []string
	reply string
	err   error
}

func (f *fakeAI) Respond(ctx context.Context, cfg *config.Config, senderID, text string) (domain.AIReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	if f.err != nil {
		return domain.AIReply{}, f.err
	}
	return provider.Truncate(f.reply, cfg.Settings.MessageCharLimit, cfg.Prompts.TruncatedMessage), nil
}

func (f *fakeAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sent struct {
	to     string
	text   string
	action domain.SenderAction
}

type fakePlatform struct {
	mu      sync.Mutex
	sends   []sent
	sendErr error
}

func (f *fakePlatform) SendText(ctx context.Context, cfg *config.Config, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sent{to: to, text: text})
	return f.sendErr
}

func (f *fakePlatform) SendAction(ctx context.Context, cfg *config.Config, to string, action domain.SenderAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sent{to: to, action: action})
	return f.sendErr
}

func (f *fakePlatform) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sends {
		if s.action == "" {
			out = append(out, s.text)
		}
	}
	return out
}

func (f *fakePlatform) actions() []domain.SenderAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SenderAction
	for _, s := range f.sends {
		if s.action != "" {
			out = append(out, s.action)
		}
	}
	return out
}

func (f *fakePlatform) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}
