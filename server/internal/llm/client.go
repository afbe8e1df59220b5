package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"mission-talk/server/internal/config"
)

// ErrEmptyResponse 表示模型没有返回可用内容。
var ErrEmptyResponse = errors.New("empty response from model")

// Client LLM 客户端接口
type Client interface {
	// Complete 完成文本生成任务
	Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error)
	// Stream 以流式方式生成文本，每个增量片段回调一次 onChunk，返回完整文本。
	Stream(ctx context.Context, messages []Message, onChunk func(string) error) (string, error)
}

// Message 消息结构
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// JSONSchema JSON Schema 定义（用于结构化输出）
type JSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

// OpenAIClient 基于 go-openai 的客户端，兼容任意 OpenAI 协议网关。
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAIClient 创建 OpenAI 客户端
func NewOpenAIClient(cfg config.OpenAIConfig) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
	}
}

func (c *OpenAIClient) request(messages []Message) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
}

// Complete 完成文本生成（OpenAI）
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	req := c.request(messages)

	// 如果提供了 schema，使用 JSON schema 结构化输出
	if schema != nil {
		raw, err := json.Marshal(schema.Schema)
		if err != nil {
			return "", fmt.Errorf("marshal schema: %w", err)
		}
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schema.Name,
				Schema: json.RawMessage(raw),
				Strict: schema.Strict,
			},
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream 流式生成（OpenAI）
func (c *OpenAIClient) Stream(ctx context.Context, messages []Message, onChunk func(string) error) (string, error) {
	req := c.request(messages)
	req.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("read stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		chunk := resp.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return full.String(), fmt.Errorf("chunk handler: %w", err)
			}
		}
	}

	if full.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return full.String(), nil
}
