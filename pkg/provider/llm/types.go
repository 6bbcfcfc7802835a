package llm

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`
}

// UserMessage is a shorthand for a single-message user conversation.
func UserMessage(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}
