// Package grok serves the "grok" logical provider. The xAI API speaks the
// OpenAI chat-completions wire format.
package grok

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tunedeck/chat-gateway/internal/domain"
)

const defaultBaseURL = "https://api.x.ai/v1"

type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  httpClient,
	}
}

func (c *Client) Name() string {
	return "grok"
}

func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	resp, err := c.post(ctx, wireRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("grok: empty choices")
	}

	choice := wire.Choices[0]
	completion := &domain.Completion{
		Text: choice.Message.Content,
		Usage: domain.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		completion.ToolsUsed = append(completion.ToolsUsed, tc.Function.Name)
	}

	return completion, nil
}

func (c *Client) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, <-chan domain.StreamEnd) {
	deltas := make(chan domain.StreamDelta)
	end := make(chan domain.StreamEnd, 1)

	go func() {
		defer close(deltas)
		defer close(end)

		resp, err := c.post(ctx, wireRequest(req, true))
		if err != nil {
			end <- domain.StreamEnd{Err: err}
			return
		}
		defer resp.Body.Close()

		var usage domain.Usage
		var tools []string

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if chunk.Usage != nil {
				usage.InputTokens = chunk.Usage.PromptTokens
				usage.OutputTokens = chunk.Usage.CompletionTokens
			}

			if len(chunk.Choices) == 0 {
				continue
			}

			delta := chunk.Choices[0].Delta
			for _, tc := range delta.ToolCalls {
				if tc.Function.Name != "" {
					tools = append(tools, tc.Function.Name)
				}
			}

			if delta.Content == "" {
				continue
			}

			select {
			case deltas <- domain.StreamDelta{Text: delta.Content}:
			case <-ctx.Done():
				end <- domain.StreamEnd{Err: ctx.Err()}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			end <- domain.StreamEnd{Err: fmt.Errorf("scan stream: %w", err)}
			return
		}

		end <- domain.StreamEnd{Usage: usage, ToolsUsed: tools}
	}()

	return deltas, end
}

func (c *Client) post(ctx context.Context, wire chatRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("grok error: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	return resp, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage wireUsage `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}

type toolCall struct {
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func wireRequest(req domain.CompletionRequest, stream bool) chatRequest {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	return chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}
