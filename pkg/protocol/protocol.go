// Package protocol holds the shared types that cross subsystem boundaries:
// query languages, chat messages, the error taxonomy, and context keys.
package protocol

import "context"

type contextKey string

const (
	// RequestIDKey carries the request id through the orchestration pipeline.
	RequestIDKey contextKey = "sibyl.request_id"

	// ConversationIDKey carries the conversation id for per-turn scoping.
	ConversationIDKey contextKey = "sibyl.conversation_id"
)

// WithRequestID attaches a request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// RequestIDFrom returns the request id, empty if unset.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// WithConversationID attaches a conversation id to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, id)
}

// ConversationIDFrom returns the conversation id, empty if unset.
func ConversationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ConversationIDKey).(string)
	return id
}

// QueryLanguage identifies the query dialect a provider speaks.
type QueryLanguage string

const (
	QueryLanguageSQL     QueryLanguage = "sql"
	QueryLanguageMongoDB QueryLanguage = "mongodb"
	QueryLanguageSPL     QueryLanguage = "spl"
)

// Valid reports whether the language is one the system knows how to generate.
func (l QueryLanguage) Valid() bool {
	switch l {
	case QueryLanguageSQL, QueryLanguageMongoDB, QueryLanguageSPL:
		return true
	}
	return false
}

// MessageRole is the author of a chat message sent to an LLM.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single chat message. The LLM providers translate this into
// their vendor wire formats.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
