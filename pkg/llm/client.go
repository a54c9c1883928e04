// Package llm is the outbound edge of the system: the OpenAI-compatible
// provider client and the broker that routes every generation call
// through budget admission, rate limiting, and cross-provider fallback.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/CTG813819/lvl-up-sub003/pkg/config"
)

// Completion is a provider response with its measured token usage.
type Completion struct {
	Text      string
	TokensIn  int64
	TokensOut int64
}

// Provider generates text for a prompt. Implementations must respect ctx
// cancellation and return token usage as reported by the vendor.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string, maxOutputTokens int64) (*Completion, error)
}

// Client speaks the OpenAI-compatible chat completions API.
type Client struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a provider client. The timeout bounds each request.
func NewClient(cfg config.ProviderConfig, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "llm_client", "provider", cfg.Slot, "model", cfg.Model),
	}
}

// Name returns the provider slot this client fills.
func (c *Client) Name() string { return string(c.cfg.Slot) }

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int64         `json:"max_tokens"`
	Stream    bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate posts one non-streaming chat completion.
func (c *Client) Generate(ctx context.Context, prompt string, maxOutputTokens int64) (*Completion, error) {
	body, err := json.Marshal(chatRequest{
		Model:     c.cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrProviderError, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: status %d, unparseable body", ErrProviderError, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		msg := "unknown error"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrProviderError, resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: response carried no choices", ErrProviderError)
	}

	out := &Completion{
		Text:      parsed.Choices[0].Message.Content,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
	}
	// Vendors occasionally omit usage; fall back to local counting so
	// the ledger never records zero for a real call.
	if out.TokensIn == 0 {
		out.TokensIn = int64(CountTokens(prompt))
	}
	if out.TokensOut == 0 && out.Text != "" {
		out.TokensOut = int64(CountTokens(out.Text))
	}

	c.logger.Debug("completion finished",
		"duration_ms", time.Since(start).Milliseconds(),
		"tokens_in", out.TokensIn, "tokens_out", out.TokensOut)
	return out, nil
}
