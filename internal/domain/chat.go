package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// assistant and the LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest is one chat completion call. System carries the persona
// instruction; Messages holds history followed by the new user turn.
// PropertyContext repeats the listing text already embedded in System for
// providers that answer from templates.
type CompletionRequest struct {
	System          string
	Messages        []ChatMessage
	MaxTokens       int
	Temperature     float64
	PropertyContext string
}
