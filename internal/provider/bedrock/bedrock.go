// Package bedrock serves Claude models through AWS Bedrock. It is wired as
// the "claude" logical provider when no direct Anthropic credential is
// configured but AWS is.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/tunedeck/chat-gateway/internal/domain"
)

type Client struct {
	client *bedrockruntime.Client
}

func New(ctx context.Context, region string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Client{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func NewWithConfig(cfg aws.Config) *Client {
	return &Client{client: bedrockruntime.NewFromConfig(cfg)}
}

func (c *Client) Name() string {
	return "claude"
}

func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	body, err := json.Marshal(wireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(mapModelID(req.Model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	}

	output, err := c.client.InvokeModel(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", err)
	}

	var wire invokeResponse
	if err := json.Unmarshal(output.Body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	completion := &domain.Completion{
		Usage: domain.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		},
	}
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			completion.Text += block.Text
		case "tool_use":
			completion.ToolsUsed = append(completion.ToolsUsed, block.Name)
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

		body, err := json.Marshal(wireRequest(req))
		if err != nil {
			end <- domain.StreamEnd{Err: fmt.Errorf("marshal request: %w", err)}
			return
		}

		input := &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(mapModelID(req.Model)),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		}

		output, err := c.client.InvokeModelWithResponseStream(ctx, input)
		if err != nil {
			end <- domain.StreamEnd{Err: fmt.Errorf("invoke model stream: %w", err)}
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		var usage domain.Usage
		var tools []string

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var ev streamEvent
			if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					usage.InputTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_start":
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					tools = append(tools, ev.ContentBlock.Name)
				}
			case "content_block_delta":
				if ev.Delta == nil || ev.Delta.Text == "" {
					continue
				}
				select {
				case deltas <- domain.StreamDelta{Text: ev.Delta.Text}:
				case <-ctx.Done():
					end <- domain.StreamEnd{Err: ctx.Err()}
					return
				}
			case "message_delta":
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
			case "message_stop":
				end <- domain.StreamEnd{Usage: usage, ToolsUsed: tools}
				return
			}
		}

		if err := stream.Err(); err != nil {
			end <- domain.StreamEnd{Err: fmt.Errorf("stream error: %w", err)}
			return
		}

		end <- domain.StreamEnd{Usage: usage, ToolsUsed: tools}
	}()

	return deltas, end
}

type invokeRequest struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	Messages         []wireMessage `json:"messages"`
	System           string        `json:"system,omitempty"`
	Temperature      float64       `json:"temperature,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeResponse struct {
	Content []contentBlock `json:"content"`
	Usage   wireUsage      `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage wireUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *wireUsage `json:"usage,omitempty"`
}

func mapModelID(model string) string {
	modelMap := map[string]string{
		"claude-3-5-sonnet-20241022": "anthropic.claude-3-5-sonnet-20241022-v2:0",
		"claude-3-5-haiku-20241022":  "anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if mapped, ok := modelMap[model]; ok {
		return mapped
	}
	return model
}

func wireRequest(req domain.CompletionRequest) invokeRequest {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	return invokeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           req.System,
		Temperature:      req.Temperature,
	}
}
