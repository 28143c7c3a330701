// Package channel sends outbound messages and sender actions to the
// Messenger Send API.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pagerelay/internal/config"
	"pagerelay/internal/domain"
	"pagerelay/internal/metrics"
)

const (
	textTimeout   = 10 * time.Second
	actionTimeout = 5 * time.Second
)

// ErrDelivery is wrapped by every failed send.
var ErrDelivery = errors.New("messenger delivery failed")

// APIError is the error object returned by the Graph API.
type APIError struct {
	Status    int    `json:"-"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	FBTraceID string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph API %d: %s (type=%s code=%d)", e.Status, e.Message, e.Type, e.Code)
}

func (e *APIError) Unwrap() error { return ErrDelivery }

// Messenger is a client for the Send API. Sends are never retried; the
// caller logs failures and moves on.
type Messenger struct {
	client *http.Client
	logger *slog.Logger
}

type MessengerConfig struct {
	Client *http.Client
	Logger *slog.Logger
}

func NewMessenger(cfg MessengerConfig) *Messenger {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &Messenger{client: cfg.Client, logger: cfg.Logger.With("component", "messenger")}
}

type sendRequest struct {
	Recipient    recipient    `json:"recipient"`
	Message      *textMessage `json:"message,omitempty"`
	SenderAction string       `json:"sender_action,omitempty"`
}

type recipient struct {
	ID string `json:"id"`
}

type textMessage struct {
	Text string `json:"text"`
}

// SendText delivers a text message to recipientID.
func (m *Messenger) SendText(ctx context.Context, cfg *config.Config, recipientID, text string) error {
	return m.Send(ctx, cfg, domain.OutboundMessage{RecipientID: recipientID, Text: text})
}

// SendAction shows a sender action (typing indicator, seen mark) to recipientID.
func (m *Messenger) SendAction(ctx context.Context, cfg *config.Config, recipientID string, action domain.SenderAction) error {
	return m.Send(ctx, cfg, domain.OutboundMessage{RecipientID: recipientID, Action: action})
}

// Send posts one outbound message. Actions use a shorter deadline than text.
func (m *Messenger) Send(ctx context.Context, cfg *config.Config, msg domain.OutboundMessage) error {
	req := sendRequest{Recipient: recipient{ID: msg.RecipientID}}
	timeout := textTimeout
	if msg.Action != "" {
		if !msg.Action.Valid() {
			return fmt.Errorf("%w: unknown sender action %q", ErrDelivery, msg.Action)
		}
		req.SenderAction = string(msg.Action)
		timeout = actionTimeout
	} else {
		req.Message = &textMessage{Text: msg.Text}
	}

	err := m.post(ctx, cfg, req, timeout)
	if err != nil {
		metrics.DeliveryFailures.Inc()
		return err
	}
	return nil
}

// SendURL builds the Send API endpoint for cfg.
func SendURL(cfg *config.Config) string {
	base := strings.TrimRight(cfg.Platform.GraphBase, "/")
	return fmt.Sprintf("%s/%s/me/messages?access_token=%s",
		base, cfg.Platform.APIVersion, url.QueryEscape(cfg.Platform.PageAccessToken))
}

func (m *Messenger) post(ctx context.Context, cfg *config.Config, payload sendRequest, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, SendURL(cfg), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		// The URL carries the page token; keep it out of the error text.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("%w: send: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		Error *APIError `json:"error"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
		envelope.Error.Status = resp.StatusCode
		return envelope.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: graph API %d: %s", ErrDelivery, resp.StatusCode, string(raw))
	}

	m.logger.Debug("sent", "recipient", payload.Recipient.ID, "action", payload.SenderAction, "status", resp.StatusCode)
	return nil
}
