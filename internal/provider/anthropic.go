package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zivhm/yacb/internal/logging"
	"github.com/zivhm/yacb/internal/types"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// AnthropicClient implements Client for the Anthropic /messages API,
// which uses a top-level system field and a different response shape
// than the OpenAI-compatible providers.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicClient creates a client for the Anthropic API.
func NewAnthropicClient(apiKey, baseURL string, timeout time.Duration) *AnthropicClient {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	// Temperature is a pointer so 0 can be sent explicitly.
	Temperature *float64 `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat performs one completion against the /messages endpoint.
func (c *AnthropicClient) Chat(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, &CallError{
			Class: FailureNonRetryable,
			Model: req.Model,
			Err:   errors.New("Anthropic API key not configured"),
		}
	}

	_, modelID := SplitModel(req.Model)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096 // the /messages API requires max_tokens
	}

	body := anthropicRequest{
		Model:     modelID,
		System:    req.System,
		Messages:  req.Messages,
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &CallError{
			Class: FailureNonRetryable,
			Model: req.Model,
			Err:   fmt.Errorf("marshal request: %w", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, &CallError{
			Class: FailureNonRetryable,
			Model: req.Model,
			Err:   fmt.Errorf("build request: %w", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(req.Model, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CallError{
			Class: FailureTransient,
			Model: req.Model,
			Err:   fmt.Errorf("read response: %w", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, anthropicStatusError(req.Model, resp.StatusCode, raw)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &CallError{
			Class: FailureNonRetryable,
			Model: req.Model,
			Err:   fmt.Errorf("parse response: %w", err),
		}
	}
	if parsed.Error != nil {
		return nil, &CallError{
			Class:      Classify(resp.StatusCode, parsed.Error.Message),
			Model:      req.Model,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("API error: %s", parsed.Error.Message),
		}
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, &CallError{
			Class: FailureTransient,
			Model: req.Model,
			Err:   errors.New("no text content in response"),
		}
	}

	logging.ProviderDebug("anthropic call completed: model=%s tokens=%d elapsed=%s",
		modelID, parsed.Usage.InputTokens+parsed.Usage.OutputTokens, time.Since(start).Round(time.Millisecond))

	return &Response{
		Content: text,
		Model:   req.Model,
		Usage: types.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

func anthropicStatusError(model string, statusCode int, raw []byte) *CallError {
	message := string(raw)
	var envelope struct {
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		message = envelope.Error.Message
	}
	if len(message) > 500 {
		message = message[:500]
	}
	return &CallError{
		Class:      Classify(statusCode, message),
		Model:      model,
		StatusCode: statusCode,
		Err:        fmt.Errorf("API error (status %d): %s", statusCode, message),
	}
}
