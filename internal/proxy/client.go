package proxy

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

	"github.com/HanTheDev/tutor-chat-gateway/internal/logging"
	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
)

const (
	DefaultTimeout = 30 * time.Second
	// maxResponseBytes bounds how much of an upstream body is read.
	maxResponseBytes = 4 << 20
)

type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client sends a chat completion through an ordered fallback chain.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

func NewClient(opts Options) *Client {
	c := &Client{http: opts.HTTPClient, logger: opts.Logger}
	if c.http == nil {
		c.http = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}

type completionRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Send tries the candidates in order and returns the first successful
// completion. Attempts are sequential. Every failure moves on to the next
// candidate; after an auth failure the remaining candidates on the same
// endpoint are skipped. Cancelling ctx stops the chain.
func (c *Client) Send(ctx context.Context, ordered []models.ResolvedModel, messages []models.ChatMessage, systemPrompt string) (string, error) {
	if len(ordered) == 0 {
		return "", ErrNotConfigured
	}

	payload := make([]models.ChatMessage, 0, len(messages)+1)
	payload = append(payload, models.ChatMessage{Role: models.RoleSystem, Content: systemPrompt})
	payload = append(payload, messages...)

	agg := &AggregatedError{}
	rejected := make(map[string]bool)
	for i, m := range ordered {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if rejected[m.EndpointID] {
			continue
		}

		start := time.Now()
		content, uerr := c.attempt(ctx, m, payload)
		if uerr == nil {
			c.logger.Info("upstream completion",
				slog.String("endpoint", m.EndpointID),
				slog.String("model", m.ModelName),
				slog.Int("attempt", i+1),
				slog.Int64("elapsed_ms", time.Since(start).Milliseconds()))
			return content, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		c.logger.Warn("upstream attempt failed",
			slog.String("endpoint", m.EndpointID),
			slog.String("model", m.ModelName),
			slog.String("kind", string(uerr.Kind)),
			slog.Int("status", uerr.Status),
			slog.String("error", uerr.Error()))
		agg.Attempts = append(agg.Attempts, uerr)
		if uerr.Kind == KindAuth {
			rejected[m.EndpointID] = true
		}
	}
	return "", agg
}

func (c *Client) attempt(ctx context.Context, m models.ResolvedModel, messages []models.ChatMessage) (string, *UpstreamError) {
	fail := func(kind Kind, status int, err error) *UpstreamError {
		return &UpstreamError{Kind: kind, Status: status, Endpoint: m.EndpointID, Model: m.ModelName, Err: err}
	}

	timeout := DefaultTimeout
	if m.TimeoutSeconds > 0 {
		timeout = time.Duration(m.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(completionRequest{
		Model:       m.ModelName,
		Messages:    messages,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
	})
	if err != nil {
		return "", fail(KindBadResponse, 0, fmt.Errorf("encode request: %w", err))
	}

	url := strings.TrimRight(m.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fail(KindNetwork, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.Credential)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fail(KindTimeout, 0, err)
		}
		return "", fail(KindNetwork, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fail(KindTimeout, resp.StatusCode, err)
		}
		return "", fail(KindNetwork, resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fail(kindForStatus(resp.StatusCode), resp.StatusCode, fmt.Errorf("%s", snippet(raw)))
	}

	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fail(KindBadResponse, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fail(KindBadResponse, resp.StatusCode, errors.New("response has no content"))
	}
	return out.Choices[0].Message.Content, nil
}

func snippet(b []byte) string {
	const n = 200
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = s[:n] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
