package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mission-talk/server/internal/model"
)

const maxErrorBody = 4096

// ErrInvalidCharacter 对应服务端 400 invalid character。
var ErrInvalidCharacter = errors.New("invalid character")

// StatusError 表示代理返回了非 2xx 状态。
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("proxy status %d: %s", e.Status, e.Message)
}

// Client 通过 HTTP 调用 mission-talk 的三个服务代理，供终端模式使用。
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

// WithToken 为每个请求附带 Bearer 令牌。
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 3 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reply 调用非流式对话接口。
func (c *Client) Reply(ctx context.Context, req model.DialogueRequest) (model.Turn, error) {
	var turn model.Turn
	if err := c.postJSON(ctx, "/api/chat?stream=false", req, &turn); err != nil {
		return model.Turn{}, err
	}
	if turn.Role == "" {
		turn.Role = model.RoleAssistant
	}
	return turn, nil
}

// Generate 调用图片生成接口。
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	var out struct {
		ImageURL string `json:"imageUrl"`
	}
	if err := c.postJSON(ctx, "/api/generate-image", map[string]string{"prompt": prompt}, &out); err != nil {
		return "", err
	}
	if out.ImageURL == "" {
		return "", errors.New("no image URL in response")
	}
	return out.ImageURL, nil
}

// Synthesize 调用语音合成接口并返回音频流。
func (c *Client) Synthesize(ctx context.Context, text, character string) (io.ReadCloser, error) {
	resp, err := c.post(ctx, "/api/text-to-speech", map[string]string{"text": text, "character": character})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	resp, err := c.post(ctx, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// post 发送 JSON 请求；非 2xx 时读取错误信息并关闭响应体。
func (c *Client) post(ctx context.Context, path string, in any) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	if resp.StatusCode == http.StatusBadRequest && strings.EqualFold(msg, ErrInvalidCharacter.Error()) {
		return nil, ErrInvalidCharacter
	}
	return nil, &StatusError{Status: resp.StatusCode, Message: msg}
}
