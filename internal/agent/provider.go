// Package agent holds the LLM gateway, the provider adapters and the four
// role agents (archivist, writer, editor, extractor). Providers own their
// rate limits and retries; agents own prompts and deterministic fallbacks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MockProviderID marks the deterministic no-LLM provider.
const MockProviderID = "mock"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting returned by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is one completed chat call.
type ChatResult struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
}

// ChatRequest parameterizes one chat call. Retry defaults to true through
// the gateway.
type ChatRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Retry       bool
}

// Capabilities describe what a provider can do; agents branch on these, not
// on provider identity strings.
type Capabilities struct {
	CanStream       bool
	CanGenerateYAML bool
}

// Provider is one LLM backend.
type Provider interface {
	ID() string
	Capabilities() Capabilities
	Chat(ctx context.Context, req ChatRequest) (ChatResult, error)
	// StreamChat emits ordered chunks through onChunk and returns the full
	// result. onChunk returning an error aborts the stream.
	StreamChat(ctx context.Context, req ChatRequest, onChunk func(string) error) (ChatResult, error)
}

// permanentStatus classifies HTTP statuses that retrying cannot fix.
func permanentStatus(status int) bool {
	switch status {
	case 400, 401, 403, 404, 422:
		return true
	}
	return false
}

// retryableStatus classifies transient HTTP statuses.
func retryableStatus(status int) bool {
	return status == 408 || status == 429 || status >= 500
}

// apiError is a provider HTTP failure carrying the status for retry
// classification.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.status, e.body)
}

// IsRetryable classifies an error as transient. Auth, permission and
// invalid-request errors fail fast; timeouts, connection failures, 5xx and
// 429 retry.
func IsRetryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return retryableStatus(ae.status) && !permanentStatus(ae.status)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "EOF")
}
