// Package inference talks to the model inference service. It opens a
// streaming generate call, translates the SSE body into typed events, and
// exposes a best-effort cancel. The client holds no state of its own.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GenerateMessage is one turn of the model-facing message list.
type GenerateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is the payload for a streaming generate call.
type GenerateRequest struct {
	GenerationID string            `json:"generationId"`
	Model        string            `json:"model"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	Temperature  float64           `json:"temperature"`
	MaxTokens    int               `json:"maxTokens"`
	Messages     []GenerateMessage `json:"messages"`
}

type cancelRequest struct {
	GenerationID string `json:"generationId"`
}

// Client is an HTTP client for the inference service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

// NewClient creates an inference client for the given base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		// No overall timeout: generate streams stay open for the life of
		// the generation. Connection setup is still bounded.
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// StreamGenerate opens the streaming generate call and invokes onEvent for
// every event in arrival order. It blocks until the remote stream ends or
// errors.
func (c *Client) StreamGenerate(ctx context.Context, req GenerateRequest, onEvent func(Event)) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("open inference stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("inference stream request failed with status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(line[len("data:"):])
		if payload == "" {
			continue
		}
		ev, err := ParseEvent([]byte(payload))
		if err != nil {
			c.logger.Warn("skipping malformed inference event", zap.Error(err))
			continue
		}
		onEvent(ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read inference stream: %w", err)
	}
	return nil
}

// Cancel asks the inference service to stop a running generation. Best
// effort: all failures are swallowed, the target may already be gone.
func (c *Client) Cancel(ctx context.Context, generationID uuid.UUID) {
	body, err := json.Marshal(cancelRequest{GenerationID: generationID.String()})
	if err != nil {
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/cancel", bytes.NewReader(body))
	if err != nil {
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Debug("inference cancel failed", zap.String("generation_id", generationID.String()), zap.Error(err))
		return
	}
	resp.Body.Close()
}
