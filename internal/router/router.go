// Package router turns raw Messenger webhook bodies into normalized
// inbound events.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pagerelay/internal/domain"
)

// ErrMalformedPayload is returned when a webhook body is not valid JSON
// of the expected shape.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Wire types for the subset of the Messenger payload the relay reads.

// Entries and items stay raw until walked so one ill-typed item cannot
// discard its siblings.
type payload struct {
	Object string            `json:"object"`
	Entry  []json.RawMessage `json:"entry"`
}

type entry struct {
	Messaging []json.RawMessage `json:"messaging"`
}

// Item is one element of entry[].messaging[].
type Item struct {
	Sender    *party    `json:"sender,omitempty"`
	Recipient *party    `json:"recipient,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
	Message   *message  `json:"message,omitempty"`
	Postback  *postback `json:"postback,omitempty"`
}

type party struct {
	ID string `json:"id"`
}

type message struct {
	MID         string       `json:"mid,omitempty"`
	Text        string       `json:"text,omitempty"`
	IsEcho      bool         `json:"is_echo,omitempty"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type postback struct {
	Title   string `json:"title,omitempty"`
	Payload string `json:"payload"`
}

// Classify maps a messaging item onto the closed event set. It returns the
// empty Kind for items the relay ignores (receipts, reads, empty messages).
// A message takes precedence over a postback on the same item.
func Classify(it Item) domain.Kind {
	if m := it.Message; m != nil {
		switch {
		case m.IsEcho:
			return domain.KindEcho
		case m.Text != "":
			return domain.KindText
		case len(m.Attachments) > 0:
			return domain.KindAttachment
		}
	}
	if pb := it.Postback; pb != nil && pb.Payload != "" {
		if pb.Payload == domain.PayloadGetStarted {
			return domain.KindPostbackStart
		}
		// Other postbacks behave exactly like typed text.
		return domain.KindText
	}
	return ""
}

// Router parses webhook bodies.
type Router struct {
	logger *slog.Logger
	now    func() time.Time
}

func New(logger *slog.Logger) *Router {
	return &Router{logger: logger.With("component", "router"), now: time.Now}
}

// Parse walks entry[].messaging[] in order and returns one event per
// actionable item. Items without a sender id or with an unexpected shape
// are dropped and logged. Only a body that is not a JSON object of the
// webhook shape fails as a whole.
func (r *Router) Parse(raw []byte) ([]domain.InboundEvent, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Object != "" && p.Object != "page" {
		r.logger.Warn("ignoring webhook for non-page object", "object", p.Object)
		return nil, nil
	}

	var events []domain.InboundEvent
	for ei, rawEntry := range p.Entry {
		var e entry
		if err := json.Unmarshal(rawEntry, &e); err != nil {
			r.logger.Warn("dropping malformed entry", "entry", ei, "err", err)
			continue
		}
		for mi, rawItem := range e.Messaging {
			var it Item
			if err := json.Unmarshal(rawItem, &it); err != nil {
				r.logger.Warn("dropping malformed messaging item", "entry", ei, "item", mi, "err", err)
				continue
			}
			ev, ok := r.normalize(it)
			if !ok {
				continue
			}
			if ev.SenderID == "" {
				r.logger.Warn("dropping event without sender id", "entry", ei, "item", mi, "kind", ev.Kind)
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func (r *Router) normalize(it Item) (domain.InboundEvent, bool) {
	kind := Classify(it)
	if kind == "" {
		r.logger.Debug("ignoring messaging item", "has_message", it.Message != nil, "has_postback", it.Postback != nil)
		return domain.InboundEvent{}, false
	}

	ev := domain.InboundEvent{Kind: kind, ReceivedAt: r.now()}
	if it.Sender != nil {
		ev.SenderID = it.Sender.ID
	}
	if it.Timestamp > 0 {
		ev.ReceivedAt = time.UnixMilli(it.Timestamp)
	}

	if m := it.Message; m != nil && (m.IsEcho || m.Text != "" || len(m.Attachments) > 0) {
		ev.MessageID = it.Message.MID
		ev.Text = it.Message.Text
		return ev, true
	}

	ev.Payload = it.Postback.Payload
	if kind == domain.KindText {
		ev.Text = it.Postback.Payload
	}
	return ev, true
}
