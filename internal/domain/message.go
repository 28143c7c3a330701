package domain

import "time"

// Kind is the closed set of event variants the router produces.
type Kind string

const (
	KindText          Kind = "text"
	KindAttachment    Kind = "attachment"
	KindPostbackStart Kind = "postback_start"
	KindEcho          Kind = "echo"
)

// PayloadGetStarted is the postback payload sent by the platform's "Get Started" button.
const PayloadGetStarted = "GET_STARTED"

// InboundEvent is one normalized messaging item from a webhook delivery.
type InboundEvent struct {
	SenderID   string
	Kind       Kind
	Text       string // user text, or the postback payload for synthetic text events
	Payload    string // original postback payload, empty for plain messages
	MessageID  string
	ReceivedAt time.Time
}

// FromPostback reports whether a text event was synthesized from a postback.
func (e InboundEvent) FromPostback() bool {
	return e.Payload != ""
}

// SenderAction is a non-text signal shown to the recipient.
type SenderAction string

const (
	ActionTypingOn  SenderAction = "typing_on"
	ActionTypingOff SenderAction = "typing_off"
	ActionMarkSeen  SenderAction = "mark_seen"
)

// Valid reports whether a is one of the actions the platform accepts.
func (a SenderAction) Valid() bool {
	switch a {
	case ActionTypingOn, ActionTypingOff, ActionMarkSeen:
		return true
	}
	return false
}

// OutboundMessage is either a text message or a sender action for one recipient.
type OutboundMessage struct {
	RecipientID string
	Text        string
	Action      SenderAction
}
