// Package model defines the generation collaborator: a provider-neutral chat
// interface, structured generation validated against JSON Schema, and token
// cost tracking.
package model

import "context"

// ChatModel is a text-generation provider.
//
// Adapters live in subpackages (anthropic, openai, google). Implementations
// must be safe for concurrent use; parallel stages share one instance.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, opts Options) (ChatOut, error)
}

// Message is one turn of a prompt.
type Message struct {
	Role    string
	Content string
}

// Standard roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Options tunes a single Chat call.
type Options struct {
	// Purpose names what the call is for ("intent", "plan", "response").
	// Adapters ignore it; cost tracking and test doubles key on it.
	Purpose string

	// JSON asks the provider for a JSON object response where supported.
	JSON bool

	// MaxTokens caps the response length. 0 uses the adapter default.
	MaxTokens int
}

// ChatOut is a provider response.
type ChatOut struct {
	Text  string
	Model string
	Usage Usage
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// SplitSystem separates system messages from the conversation, joining
// multiple system messages with a blank line. Providers that take the
// system prompt as a separate parameter use it.
func SplitSystem(messages []Message) (system string, rest []Message) {
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
