// Package cloudcode provides Cloud Code API client implementation.
// This file corresponds to src/cloudcode/session-manager.js in the Node.js version.
package cloudcode

import (
	"github.com/poemonsense/antigravity-proxy-go/internal/session"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// DeriveSessionID derives a stable session ID from the first user message,
// reusing the same fingerprint the account-binding table (internal/session)
// keys off of. Sent as Google's "sessionId" field so a conversation keeps
// hitting the same upstream prompt cache across turns.
func DeriveSessionID(request *anthropic.MessagesRequest) string {
	texts := make([]string, 0, len(request.Messages))
	for _, msg := range request.Messages {
		if msg.Role == "user" {
			texts = append(texts, extractTextContent(msg))
		}
	}
	return session.DeriveID(texts)
}

// extractTextContent extracts text content from a message
func extractTextContent(msg anthropic.Message) string {
	var result string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if result != "" {
				result += "\n"
			}
			result += block.Text
		}
	}
	return result
}
