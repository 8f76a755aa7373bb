// Package gemini serves the "gemini" logical provider via the Google
// generative language REST API.
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

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
	return "gemini"
}

func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, req.Model, c.apiKey)

	resp, err := c.post(ctx, url, wireRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(wire.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: empty candidates")
	}

	completion := &domain.Completion{
		Usage: domain.Usage{
			InputTokens:  wire.UsageMetadata.PromptTokenCount,
			OutputTokens: wire.UsageMetadata.CandidatesTokenCount,
		},
	}
	for _, part := range wire.Candidates[0].Content.Parts {
		completion.Text += part.Text
		if part.FunctionCall != nil {
			completion.ToolsUsed = append(completion.ToolsUsed, part.FunctionCall.Name)
		}
	}

	return completion, nil
}

func (c *Client) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, <-chan domain.StreamEnd) {
	deltas := make(chan domain.StreamDelta)
	end := make(chan domain.StreamEnd, 1)

	go func() {
		defer close(deltas)
		defer close(end)

		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, req.Model, c.apiKey)

		resp, err := c.post(ctx, url, wireRequest(req))
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

			var chunk generateResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
				continue
			}

			if chunk.UsageMetadata.PromptTokenCount > 0 {
				usage.InputTokens = chunk.UsageMetadata.PromptTokenCount
			}
			if chunk.UsageMetadata.CandidatesTokenCount > 0 {
				usage.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
			}

			if len(chunk.Candidates) == 0 {
				continue
			}

			for _, part := range chunk.Candidates[0].Content.Parts {
				if part.FunctionCall != nil {
					tools = append(tools, part.FunctionCall.Name)
				}
				if part.Text == "" {
					continue
				}
				select {
				case deltas <- domain.StreamDelta{Text: part.Text}:
				case <-ctx.Done():
					end <- domain.StreamEnd{Err: ctx.Err()}
					return
				}
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

func (c *Client) post(ctx context.Context, url string, wire generateRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("gemini error: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	return resp, nil
}

type generateRequest struct {
	SystemInstruction *content         `json:"system_instruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text         string        `json:"text,omitempty"`
	FunctionCall *functionCall `json:"functionCall,omitempty"`
}

type functionCall struct {
	Name string `json:"name"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func wireRequest(req domain.CompletionRequest) generateRequest {
	contents := make([]content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, content{
			Role:  role,
			Parts: []part{{Text: m.Content}},
		})
	}

	wire := generateRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
		},
	}
	if req.System != "" {
		wire.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}

	return wire
}
