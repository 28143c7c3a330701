package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pagerelay/internal/config"
	"pagerelay/internal/domain"
)

func testMessenger() *Messenger {
	return NewMessenger(MessengerConfig{
		Client: http.DefaultClient,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func messengerConfig(base string) *config.Config {
	cfg := config.Defaults()
	cfg.Platform.GraphBase = base
	cfg.Platform.APIVersion = "v18.0"
	cfg.Platform.PageAccessToken = "tok&en"
	return cfg
}

func TestSendURL(t *testing.T) {
	got := SendURL(messengerConfig("https://graph.facebook.com/"))
	want := "https://graph.facebook.com/v18.0/me/messages?access_token=tok%26en"
	if got != want {
		t.Fatalf("SendURL = %q, want %q", got, want)
	}
}

func TestSendText(t *testing.T) {
	var gotPath, gotToken string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("access_token")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"recipient_id": "u1", "message_id": "mid.1"}`))
	}))
	defer srv.Close()

	if err := testMessenger().SendText(context.Background(), messengerConfig(srv.URL), "u1", "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if gotPath != "/v18.0/me/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotToken != "tok&en" {
		t.Errorf("access_token = %q", gotToken)
	}
	if got["recipient"].(map[string]any)["id"] != "u1" {
		t.Errorf("recipient = %v", got["recipient"])
	}
	if got["message"].(map[string]any)["text"] != "hello" {
		t.Errorf("message = %v", got["message"])
	}
	if _, ok := got["sender_action"]; ok {
		t.Error("text send carried sender_action")
	}
}

func TestSendAction(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"recipient_id": "u1"}`))
	}))
	defer srv.Close()

	for _, action := range []domain.SenderAction{domain.ActionTypingOn, domain.ActionTypingOff, domain.ActionMarkSeen} {
		if err := testMessenger().SendAction(context.Background(), messengerConfig(srv.URL), "u1", action); err != nil {
			t.Fatalf("SendAction(%s): %v", action, err)
		}
		if got["sender_action"] != string(action) {
			t.Errorf("sender_action = %v, want %s", got["sender_action"], action)
		}
		if _, ok := got["message"]; ok {
			t.Errorf("%s carried a message body", action)
		}
	}
}

func TestSendAction_Unknown(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	err := testMessenger().SendAction(context.Background(), messengerConfig(srv.URL), "u1", "dance")
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	if hits.Load() != 0 {
		t.Error("unknown action reached the API")
	}
}

func TestSend_GraphErrorObject(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "Invalid OAuth access token.", "type": "OAuthException", "code": 190, "fbtrace_id": "abc"}}`))
	}))
	defer srv.Close()

	err := testMessenger().SendText(context.Background(), messengerConfig(srv.URL), "u1", "hello")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != 190 || apiErr.Status != http.StatusBadRequest || apiErr.Type != "OAuthException" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !errors.Is(err, ErrDelivery) {
		t.Error("APIError should match ErrDelivery")
	}
	if hits.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", hits.Load())
	}
}

func TestSend_ErrorObjectWith200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"message": "(#100) No matching user found", "code": 100}}`))
	}))
	defer srv.Close()

	err := testMessenger().SendText(context.Background(), messengerConfig(srv.URL), "u1", "hello")
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
}

func TestSend_Non2xxWithoutErrorObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := testMessenger().SendText(context.Background(), messengerConfig(srv.URL), "u1", "hello")
	if !errors.Is(err, ErrDelivery) || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v, want ErrDelivery mentioning 502", err)
	}
}

func TestSend_NetworkErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	cfg := messengerConfig(base)
	cfg.Platform.PageAccessToken = "super-secret-page-token"
	err := testMessenger().SendText(context.Background(), cfg, "u1", "hello")
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	if strings.Contains(err.Error(), "super-secret-page-token") {
		t.Errorf("error leaks the page token: %v", err)
	}
}

func TestSend_ActionTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := testMessenger().SendAction(ctx, messengerConfig(srv.URL), "u1", domain.ActionTypingOn)
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("send did not honour the caller deadline")
	}
}
