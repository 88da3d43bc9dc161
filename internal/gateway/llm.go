package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/log"
	"github.com/forgeline/foreman/internal/msglog"
)

// ModelConfig configures the hosted model client
type ModelConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int

	// Hints maps request hints to model names, so sessions ask for
	// "fast" or "codegen" instead of hardcoding a model.
	Hints map[string]string
}

// ModelClient talks to an Anthropic-compatible messages endpoint
type ModelClient struct {
	cfg     ModelConfig
	client  *http.Client
	invoker *Invoker
	logger  *log.Logger
}

type modelMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type modelRequest struct {
	Model     string         `json:"model"`
	Messages  []modelMessage `json:"messages"`
	System    string         `json:"system,omitempty"`
	MaxTokens int            `json:"max_tokens"`
}

type modelResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewModelClient(cfg ModelConfig, invoker *Invoker, logger *log.Logger) (*ModelClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "model api key is not set").
			WithSuggestion("Set FOREMAN_MODEL_API_KEY or model.api_key in the config file")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &ModelClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: 120 * time.Second},
		invoker: invoker,
		logger:  logger,
	}, nil
}

func (c *ModelClient) resolveModel(hint string) string {
	if hint != "" {
		if m, ok := c.cfg.Hints[hint]; ok {
			return m
		}
	}
	return c.cfg.Model
}

// Complete implements LanguageModel
func (c *ModelClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var out *CompletionResponse
	err := c.invoker.Do(ctx, CapabilityModel, func(ctx context.Context) error {
		resp, err := c.complete(ctx, req)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

func (c *ModelClient) complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	mr := modelRequest{
		Model:     c.resolveModel(req.Hint),
		System:    req.System,
		MaxTokens: maxTokens,
	}
	for _, m := range req.Messages {
		role := string(m.Role)
		// The messages endpoint only accepts user and assistant
		// turns; everything else folds into a user turn.
		if role != "assistant" {
			role = "user"
		}
		mr.Messages = append(mr.Messages, modelMessage{Role: role, Content: m.Content})
	}
	if len(mr.Messages) == 0 {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "completion request has no messages")
	}

	body, err := json.Marshal(mr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed modelResponse
	if httpResp.StatusCode != http.StatusOK {
		if err := json.Unmarshal(respBody, &parsed); err == nil && parsed.Error != nil {
			return nil, fmt.Errorf("model error %d: %s", httpResp.StatusCode, parsed.Error.Message)
		}
		return nil, fmt.Errorf("http error %d: %s", httpResp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &CompletionResponse{
		Content:      content,
		Model:        parsed.Model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		StopReason:   parsed.StopReason,
		Latency:      time.Since(start),
	}, nil
}

// Summarize implements LanguageModel and msglog.Summarizer
func (c *ModelClient) Summarize(ctx context.Context, transcript string) (string, error) {
	resp, err := c.Complete(ctx, CompletionRequest{
		System: "Summarize the conversation below in a few sentences. Keep decisions, open questions, and file paths.",
		Messages: []msglog.Message{
			{Role: msglog.RoleUser, Content: transcript},
		},
		Hint: "fast",
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
