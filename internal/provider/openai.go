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

// OpenAIClient implements Client for the OpenAI-compatible
// /chat/completions wire format. OpenRouter, OpenAI, DeepSeek, and
// Gemini's compatibility endpoint all share it.
type OpenAIClient struct {
	spec       Spec
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient creates a client for an OpenAI-compatible provider.
// baseURL falls back to the spec's default when empty.
func NewOpenAIClient(spec Spec, apiKey, baseURL string, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = spec.DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		spec:    spec,
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

// Chat performs one completion against the /chat/completions endpoint.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, &CallError{
			Class: FailureNonRetryable,
			Model: req.Model,
			Err:   fmt.Errorf("%s API key not configured", c.spec.DisplayName),
		}
	}

	_, modelID := SplitModel(req.Model)
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	body := openAIRequest{
		Model:       modelID,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &CallError{
			Class: FailureNonRetryable,
			Model: req.Model,
			Err:   fmt.Errorf("marshal request: %w", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &CallError{
			Class: FailureNonRetryable,
			Model: req.Model,
			Err:   fmt.Errorf("build request: %w", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

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
		return nil, statusError(req.Model, resp.StatusCode, raw)
	}

	var parsed openAIResponse
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
	if len(parsed.Choices) == 0 {
		return nil, &CallError{
			Class: FailureTransient,
			Model: req.Model,
			Err:   errors.New("no choices in response"),
		}
	}

	logging.ProviderDebug("%s call completed: model=%s tokens=%d elapsed=%s",
		c.spec.Name, modelID, parsed.Usage.TotalTokens, time.Since(start).Round(time.Millisecond))

	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Model:   req.Model,
		Usage: types.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// transportError classifies a failed HTTP round trip. Context
// cancellation stays non-retryable so shutdown does not trigger the
// fallback path; everything else at this layer is a network fault.
func transportError(model string, err error) *CallError {
	class := FailureTransient
	if errors.Is(err, context.Canceled) {
		class = FailureNonRetryable
	}
	return &CallError{
		Class: class,
		Model: model,
		Err:   fmt.Errorf("request failed: %w", err),
	}
}

// statusError classifies a non-200 response, pulling the provider's
// error message out of the body when it parses.
func statusError(model string, statusCode int, raw []byte) *CallError {
	message := string(raw)
	var envelope struct {
		Error *apiError `json:"error"`
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
