package logger

import (
	"context"
)

// WithRequestID adds a short request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithDomain adds the request domain to the context.
func WithDomain(ctx context.Context, domain string) context.Context {
	return context.WithValue(ctx, ContextKeyDomain, domain)
}

// WithConversationID adds a conversation ID to the context.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ContextKeyConversationID, conversationID)
}
