package domain

// AIRequest is the body sent to the inference endpoint.
type AIRequest struct {
	Prompt string `json:"prompt"`
	BotID  string `json:"botId"`
	ChatID string `json:"chatId"`
}

// AIReply is a shaped reply ready for delivery.
type AIReply struct {
	Text      string
	Truncated bool
}

// ConversationKey returns the stable per-sender key the endpoint uses for memory.
func ConversationKey(senderID string) string {
	return "fb_" + senderID
}
