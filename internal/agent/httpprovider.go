package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"
)

const (
	defaultChatTimeout   = 120 * time.Second
	defaultMaxAttempts   = 5
	maxBackoff           = 60 * time.Second
	defaultMaxChatTokens = 4096
)

// backoffBase holds the per-attempt base delays in seconds; jitter adds up
// to 10%.
var backoffBase = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

// HTTPProvider talks to an OpenAI-compatible chat completions endpoint.
type HTTPProvider struct {
	id         string
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	attempts   uint
	httpClient *http.Client
	limiter    *rate.Limiter
	caps       Capabilities
	logger     *slog.Logger
}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithRateLimit sets the provider's request budget.
func WithRateLimit(requestsPerMinute, burst int) HTTPOption {
	return func(p *HTTPProvider) {
		p.limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst)
	}
}

// WithTimeout overrides the HTTP timeout.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(p *HTTPProvider) {
		transport := p.httpClient.Transport
		p.httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}
}

// WithMaxAttempts overrides the retry attempt cap for retryable chat calls.
func WithMaxAttempts(n int) HTTPOption {
	return func(p *HTTPProvider) {
		if n > 0 {
			p.attempts = uint(n)
		}
	}
}

// WithMaxTokens overrides the completion token cap.
func WithMaxTokens(n int) HTTPOption {
	return func(p *HTTPProvider) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

// WithProviderLogger overrides the logger.
func WithProviderLogger(logger *slog.Logger) HTTPOption {
	return func(p *HTTPProvider) { p.logger = logger }
}

// NewHTTPProvider creates a provider for one profile.
func NewHTTPProvider(id, apiKey, baseURL, model string, opts ...HTTPOption) *HTTPProvider {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	p := &HTTPProvider{
		id:         id,
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		maxTokens:  defaultMaxChatTokens,
		attempts:   defaultMaxAttempts,
		httpClient: &http.Client{Timeout: defaultChatTimeout, Transport: transport},
		limiter:    rate.NewLimiter(rate.Limit(1), 2),
		caps:       Capabilities{CanStream: true, CanGenerateYAML: true},
		logger:     slog.Default().With("component", "llm_provider", "provider", id),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger.Debug("provider initialized",
		"base_url", p.baseURL,
		"model", p.model,
		"rate_limit", fmt.Sprintf("%v req/s", p.limiter.Limit()))
	return p
}

func (p *HTTPProvider) ID() string                 { return p.id }
func (p *HTTPProvider) Capabilities() Capabilities { return p.caps }

// Chat runs one completion with rate limiting and classified retries.
func (p *HTTPProvider) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	requestID := fmt.Sprintf("chat_%d", time.Now().UnixNano())
	start := time.Now()

	if err := p.limiter.Wait(ctx); err != nil {
		return ChatResult{}, fmt.Errorf("rate limit wait: %w", err)
	}

	attempts := p.attempts
	if !req.Retry {
		attempts = 1
	}

	var result ChatResult
	err := retry.Do(
		func() error {
			attemptStart := time.Now()
			res, err := p.doChat(ctx, req, false, nil)
			if err != nil {
				p.logger.Warn("chat attempt failed",
					"request_id", requestID,
					"duration_ms", time.Since(attemptStart).Milliseconds(),
					"error", err)
				return err
			}
			result = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.DelayType(backoffDelay),
	)
	if err != nil {
		return ChatResult{}, fmt.Errorf("chat request: %w", err)
	}
	p.logger.Info("chat completed",
		"request_id", requestID,
		"model", result.Model,
		"total_tokens", result.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// StreamChat streams chunks through onChunk. Streaming is not retried; a
// failure mid-stream surfaces to the caller.
func (p *HTTPProvider) StreamChat(ctx context.Context, req ChatRequest, onChunk func(string) error) (ChatResult, error) {
	requestID := fmt.Sprintf("stream_%d", time.Now().UnixNano())
	start := time.Now()

	if err := p.limiter.Wait(ctx); err != nil {
		return ChatResult{}, fmt.Errorf("rate limit wait: %w", err)
	}
	result, err := p.doChat(ctx, req, true, onChunk)
	if err != nil {
		return ChatResult{}, fmt.Errorf("stream request: %w", err)
	}
	p.logger.Info("stream completed",
		"request_id", requestID,
		"response_length", len(result.Content),
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// backoffDelay indexes the base table by attempt and adds 0-10% jitter,
// capped at 60s.
func backoffDelay(n uint, _ error, _ *retry.Config) time.Duration {
	base := backoffBase[len(backoffBase)-1]
	if int(n) < len(backoffBase) {
		base = backoffBase[n]
	}
	jitter := time.Duration(rand.Int63n(int64(base)/10 + 1))
	d := base + jitter
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (p *HTTPProvider) doChat(ctx context.Context, req ChatRequest, stream bool, onChunk func(string) error) (ChatResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	body := map[string]any{
		"model":      p.model,
		"messages":   req.Messages,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return ChatResult{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return ChatResult{}, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return ChatResult{}, &apiError{status: resp.StatusCode, body: string(respBody)}
	}

	if stream {
		return p.readStream(resp.Body, onChunk)
	}
	return p.readResponse(resp.Body)
}

func (p *HTTPProvider) readResponse(r io.Reader) (ChatResult, error) {
	var response struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	respBody, err := io.ReadAll(r)
	if err != nil {
		return ChatResult{}, fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return ChatResult{}, fmt.Errorf("parsing response: %w", err)
	}
	if len(response.Choices) == 0 {
		return ChatResult{}, fmt.Errorf("no choices in response")
	}
	return ChatResult{
		Content:      response.Choices[0].Message.Content,
		Usage:        response.Usage,
		Model:        response.Model,
		FinishReason: response.Choices[0].FinishReason,
	}, nil
}

// readStream parses SSE "data:" lines from a streaming completion.
func (p *HTTPProvider) readStream(r io.Reader, onChunk func(string) error) (ChatResult, error) {
	var full strings.Builder
	result := ChatResult{Model: p.model, FinishReason: "stop"}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *Usage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			result.Usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			result.FinishReason = fr
		}
		text := chunk.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		full.WriteString(text)
		if onChunk != nil {
			if err := onChunk(text); err != nil {
				return ChatResult{}, fmt.Errorf("stream consumer: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ChatResult{}, fmt.Errorf("reading stream: %w", err)
	}
	result.Content = full.String()
	return result, nil
}
