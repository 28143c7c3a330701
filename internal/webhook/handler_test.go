package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pagerelay/internal/config"
	"pagerelay/internal/domain"
	"pagerelay/internal/metrics"
	"pagerelay/internal/provider"
	"pagerelay/internal/ratelimit"
	"pagerelay/internal/router"
	"pagerelay/internal/security"
)

type harness struct {
	cfg      *config.Config
	ai       *fakeAI
	platform *fakePlatform
	handler  *Handler
	server   *httptest.Server
}

func newHarness(t *testing.T, cfg *config.Config, ai *fakeAI) *harness {
	t.Helper()
	platform := &fakePlatform{}
	dispatcher := NewDispatcher(DispatcherConfig{
		AI:       ai,
		Platform: platform,
		Limiter:  ratelimit.NewLimiter(ratelimit.NewMemoryStore(), testLogger()),
		Logger:   testLogger(),
	})
	h := NewHandler(HandlerConfig{
		Configs:       config.NewStaticProvider(cfg),
		Router:        router.New(testLogger()),
		Dispatcher:    dispatcher,
		Logger:        testLogger(),
		MaxConcurrent: 4,
	})
	srv := httptest.NewServer(NewRouter(h, RouterConfig{
		WebhookPath: "/webhook",
		MetricsPath: "/metrics",
		Logger:      testLogger(),
	}))
	t.Cleanup(srv.Close)
	return &harness{cfg: cfg, ai: ai, platform: platform, handler: h, server: srv}
}

// post sends a signed delivery and waits for background processing.
func (hs *harness) post(t *testing.T, body string) *http.Response {
	t.Helper()
	return hs.postWithSignature(t, body, security.Sign([]byte(body), hs.cfg.Platform.AppSecret))
}

func (hs *harness) postWithSignature(t *testing.T, body, sig string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, hs.server.URL+"/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(security.SignatureHeader, sig)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.handler.Drain(ctx); err != nil {
		t.Fatalf("background processing did not finish: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func messageBody(sender string, texts ...string) string {
	items := make([]string, len(texts))
	for i, text := range texts {
		items[i] = fmt.Sprintf(`{"sender":{"id":%q},"recipient":{"id":"PAGE"},"message":{"mid":"m%d","text":%q}}`, sender, i, text)
	}
	return `{"object":"page","entry":[{"id":"PAGE","messaging":[` + strings.Join(items, ",") + `]}]}`
}

func TestVerify_Handshake(t *testing.T) {
	hs := newHarness(t, testConfig(), &fakeAI{})

	resp, err := http.Get(hs.server.URL + "/webhook?hub.mode=subscribe&hub.verify_token=abc123&hub.challenge=999")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "999" {
		t.Fatalf("body = %q, want 999", body)
	}
}

func TestVerify_Rejects(t *testing.T) {
	hs := newHarness(t, testConfig(), &fakeAI{})

	for _, query := range []string{
		"hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=999",
		"hub.mode=unsubscribe&hub.verify_token=abc123&hub.challenge=999",
		"hub.verify_token=abc123&hub.challenge=999",
		"",
	} {
		resp, err := http.Get(hs.server.URL + "/webhook?" + query)
		if err != nil {
			t.Fatal(err)
		}
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%q: status = %d, want 403", query, resp.StatusCode)
		}
		if strings.Contains(body, "999") {
			t.Errorf("%q: challenge echoed on rejection", query)
		}
	}
}

func TestReceive_BadSignature(t *testing.T) {
	hs := newHarness(t, testConfig(), &fakeAI{reply: "x"})
	body := messageBody("u1", "hello")

	for name, sig := range map[string]string{
		"missing":     "",
		"wrong":       security.Sign([]byte(body), "other-secret"),
		"tampered":    security.Sign([]byte(body), "app-secret") + "x",
		"no prefix":   strings.TrimPrefix(security.Sign([]byte(body), "app-secret"), "sha256="),
		"garbage hex": "sha256=zzzz",
	} {
		resp := hs.postWithSignature(t, body, sig)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, resp.StatusCode)
		}
		resp.Body.Close()
	}
	if hs.ai.callCount() != 0 || hs.platform.total() != 0 {
		t.Fatalf("unauthenticated deliveries caused %d AI calls, %d sends", hs.ai.callCount(), hs.platform.total())
	}
}

func TestReceive_OversizeBodyIs413(t *testing.T) {
	hs := newHarness(t, testConfig(), &fakeAI{reply: "x"})
	body := `{"object":"page","entry":[],"pad":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	authBefore := metrics.AuthFailures.Value()

	resp := hs.post(t, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	if got := metrics.AuthFailures.Value(); got != authBefore {
		t.Errorf("oversize body counted as auth failure (%d -> %d)", authBefore, got)
	}
	if hs.ai.callCount() != 0 || hs.platform.total() != 0 {
		t.Errorf("oversize body caused %d AI calls, %d sends", hs.ai.callCount(), hs.platform.total())
	}
}

func TestReceive_AcksAndReplies(t *testing.T) {
	hs := newHarness(t, testConfig(), &fakeAI{reply: "Hi from AI"})

	resp := hs.post(t, messageBody("u1", "hello"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "OK" {
		t.Fatalf("body = %q, want OK", body)
	}
	if texts := hs.platform.texts(); len(texts) != 1 || texts[0] != "Hi from AI" {
		t.Fatalf("texts = %q", texts)
	}
}

func TestReceive_AckDoesNotWaitForAI(t *testing.T) {
	release := make(chan struct{})
	ai := &blockingAI{release: release}
	platform := &fakePlatform{}
	cfg := testConfig()
	h := NewHandler(HandlerConfig{
		Configs: config.NewStaticProvider(cfg),
		Router:  router.New(testLogger()),
		Dispatcher: NewDispatcher(DispatcherConfig{
			AI:       ai,
			Platform: platform,
			Limiter:  ratelimit.NewLimiter(ratelimit.NewMemoryStore(), testLogger()),
			Logger:   testLogger(),
		}),
		Logger: testLogger(),
	})

	body := messageBody("u1", "hello")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(security.SignatureHeader, security.Sign([]byte(body), cfg.Platform.AppSecret))
	rec := httptest.NewRecorder()

	h.Receive(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("ack = %d %q", rec.Code, rec.Body.String())
	}
	if len(platform.texts()) != 0 {
		t.Fatal("reply sent before the AI answered")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if texts := platform.texts(); len(texts) != 1 || texts[0] != "late answer" {
		t.Fatalf("texts = %q", texts)
	}
}

func TestReceive_EchoIsSilent(t *testing.T) {
	hs := newHarness(t, testConfig(), &fakeAI{reply: "x"})
	body := `{"object":"page","entry":[{"messaging":[{"sender":{"id":"PAGE"},"recipient":{"id":"u1"},"message":{"mid":"m1","text":"bot said","is_echo":true}}]}]}`

	resp := hs.post(t, body)
	resp.Body.Close()
	if hs.ai.callCount() != 0 || hs.platform.total() != 0 {
		t.Fatalf("echo caused %d AI calls and %d sends", hs.ai.callCount(), hs.platform.total())
	}
}

func TestReceive_AIFailureSendsErrorTemplateOnce(t *testing.T) {
	cfg := testConfig()
	hs := newHarness(t, cfg, &fakeAI{err: provider.ErrRetriesExhausted})

	resp := hs.post(t, messageBody("u1", "hello"))
	resp.Body.Close()
	if texts := hs.platform.texts(); len(texts) != 1 || texts[0] != cfg.Prompts.ErrorMessage {
		t.Fatalf("texts = %q, want one error_message", texts)
	}
}

func TestReceive_ThrottlesThirdMessage(t *testing.T) {
	cfg := testConfig()
	cfg.Settings.RateLimitMessages = 2
	cfg.Settings.RateLimitWindow = 60
	hs := newHarness(t, cfg, &fakeAI{reply: "answer"})

	for _, text := range []string{"one", "two", "three"} {
		resp := hs.post(t, messageBody("U1", text))
		resp.Body.Close()
	}

	if n := hs.ai.callCount(); n != 2 {
		t.Fatalf("AI calls = %d, want 2", n)
	}
	texts := hs.platform.texts()
	if len(texts) != 3 || texts[2] != cfg.Prompts.RateLimitMessage {
		t.Fatalf("texts = %q, want throttle notice last", texts)
	}
}

func TestReceive_MalformedBodyAfterAck(t *testing.T) {
	hs := newHarness(t, testConfig(), &fakeAI{reply: "x"})

	resp := hs.post(t, `{"entry": [ not json`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (ack precedes parsing)", resp.StatusCode)
	}
	resp.Body.Close()
	if hs.ai.callCount() != 0 || hs.platform.total() != 0 {
		t.Fatal("malformed delivery produced calls")
	}
}

func TestReceive_EventsInOrder(t *testing.T) {
	hs := newHarness(t, testConfig(), &fakeAI{reply: "r"})

	resp := hs.post(t, messageBody("u1", "first", "second", "third"))
	resp.Body.Close()

	want := []string{"first", "second", "third"}
	if len(hs.ai.calls) != len(want) {
		t.Fatalf("AI calls = %q", hs.ai.calls)
	}
	for i := range want {
		if !strings.HasPrefix(hs.ai.calls[i], want[i]) {
			t.Errorf("call %d = %q, want prefix %q", i, hs.ai.calls[i], want[i])
		}
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	hs := newHarness(t, testConfig(), &fakeAI{})

	resp, err := http.Get(hs.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(hs.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, resp); !strings.Contains(body, "pagerelay_uptime_seconds") {
		t.Errorf("/metrics missing uptime: %q", body)
	}
}

type blockingAI struct {
	release chan struct{}
}

func (b *blockingAI) Respond(ctx context.Context, cfg *config.Config, senderID, text string) (domain.AIReply, error) {
	<-b.release
	return domain.AIReply{Text: "late answer"}, nil
}
