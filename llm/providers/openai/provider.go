// Package openai implements llm.Provider against any OpenAI-compatible
// chat-completions endpoint (api.openai.com, local gateways, proxies).
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaychat/relay/llm"
	"github.com/relaychat/relay/types"
)

// Config holds the connection settings for one endpoint.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Provider is an OpenAI-compatible streaming chat client.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates the provider. The HTTP client timeout is left unset for
// streaming responses; per-attempt deadlines come from the caller's
// context (llm.Source owns the wall clock).
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With(zap.String("component", "openai_provider")),
	}
}

func (p *Provider) Name() string { return "openai" }

// Wire types for the chat-completions endpoint.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type wireStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type wireErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	body := wireRequest{
		Model:       chooseModel(req, p.cfg.Model),
		Messages:    toWireMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewInvalidRequestError(fmt.Sprintf("encode request: %v", err)).WithCause(err)
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewInvalidRequestError(err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err // raw transport error, classified at the Source boundary
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapHTTPError(resp.StatusCode, readErrMsg(resp.Body))
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					p.send(ctx, ch, llm.StreamChunk{Err: llm.Classify(err)})
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var event wireStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				p.send(ctx, ch, llm.StreamChunk{
					Err: types.NewUnknownError(fmt.Errorf("decode stream event: %w", err)),
				})
				return
			}
			if len(event.Choices) == 0 {
				continue
			}

			choice := event.Choices[0]
			if choice.Delta.Content != "" {
				if !p.send(ctx, ch, llm.StreamChunk{Delta: choice.Delta.Content}) {
					return
				}
			}
			if choice.FinishReason != "" {
				p.send(ctx, ch, llm.StreamChunk{FinishReason: choice.FinishReason})
				return
			}
		}
	}()

	return ch, nil
}

func (p *Provider) send(ctx context.Context, ch chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func toWireMessages(msgs []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage{Role: string(m.Role), Content: m.Text})
	}
	return out
}

func chooseModel(req *llm.ChatRequest, configModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	return configModel
}

func readErrMsg(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var parsed wireErrorResp
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// mapHTTPError converts an upstream HTTP status into the closed error
// taxonomy before the response body is lost.
func mapHTTPError(status int, msg string) *types.AIError {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewAuthenticationError(msg).WithHTTPStatus(status)
	case http.StatusBadRequest:
		return types.NewInvalidRequestError(msg)
	case http.StatusTooManyRequests:
		return types.NewRateLimitError(parseRetryAfterSeconds(msg)).WithHTTPStatus(status)
	case http.StatusInternalServerError, http.StatusServiceUnavailable,
		http.StatusBadGateway, http.StatusGatewayTimeout:
		return types.NewServiceUnavailableError(msg).WithHTTPStatus(status)
	default:
		return types.NewUnknownError(fmt.Errorf("HTTP %d: %s", status, msg)).WithHTTPStatus(status)
	}
}

func parseRetryAfterSeconds(msg string) int {
	// Reuse the classifier's message parsing by formatting a 429 shape.
	classified := llm.Classify(fmt.Errorf("429 Too Many Requests: %s", msg))
	if classified.Kind == types.KindRateLimit {
		return classified.RetryAfter
	}
	return 60
}
