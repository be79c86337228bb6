package agent

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// MockProvider is the deterministic no-LLM provider. It is a first-class
// variant: agents branch on its capabilities, not on its id, and every
// response is a pure function of the request.
type MockProvider struct{}

// NewMockProvider creates the deterministic provider.
func NewMockProvider() *MockProvider { return &MockProvider{} }

func (m *MockProvider) ID() string { return MockProviderID }

func (m *MockProvider) Capabilities() Capabilities {
	return Capabilities{CanStream: true, CanGenerateYAML: false}
}

// Chat returns a short deterministic response derived from the last user
// message.
func (m *MockProvider) Chat(_ context.Context, req ChatRequest) (ChatResult, error) {
	prompt := lastUserMessage(req.Messages)
	content := mockResponse(prompt)
	return ChatResult{
		Content:      content,
		Model:        MockProviderID,
		FinishReason: "stop",
		Usage: Usage{
			PromptTokens:     len(prompt) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(prompt) + len(content)) / 4,
		},
	}, nil
}

// StreamChat emits the deterministic response in fixed-size chunks.
func (m *MockProvider) StreamChat(ctx context.Context, req ChatRequest, onChunk func(string) error) (ChatResult, error) {
	result, err := m.Chat(ctx, req)
	if err != nil {
		return ChatResult{}, err
	}
	runes := []rune(result.Content)
	const chunkSize = 24
	for i := 0; i < len(runes); i += chunkSize {
		if err := ctx.Err(); err != nil {
			return ChatResult{}, err
		}
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if onChunk != nil {
			if err := onChunk(string(runes[i:end])); err != nil {
				return ChatResult{}, fmt.Errorf("stream consumer: %w", err)
			}
		}
	}
	return result, nil
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

// mockResponse derives a stable placeholder paragraph from the prompt.
func mockResponse(prompt string) string {
	h := fnv.New32a()
	h.Write([]byte(prompt))
	seed := h.Sum32()

	head := strings.TrimSpace(prompt)
	if runes := []rune(head); len(runes) > 40 {
		head = string(runes[:40])
	}
	return fmt.Sprintf("（离线草稿 %08x）%s", seed, head)
}
