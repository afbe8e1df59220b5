package imagegen

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

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"mission-talk/server/internal/config"
	"mission-talk/server/internal/metrics"
)

var (
	// ErrEmptyPrompt 表示没有可用的画面描述。
	ErrEmptyPrompt = errors.New("image prompt is empty")
	// ErrNoOutput 表示生成成功但没有返回图片地址。
	ErrNoOutput = errors.New("no image URL in output")
	// ErrPredictionFailed 表示上游任务以 failed/canceled 结束。
	ErrPredictionFailed = errors.New("prediction failed")
)

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCanceled  = "canceled"

	maxErrorBody = 4096
)

// Generator 根据画面描述返回一张图片的 URL。
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Client 是 Replicate 预测接口的图片生成代理。
// 同一描述的并发请求合并为一次上游调用，成功结果会缓存一段时间。
type Client struct {
	cfg        config.ReplicateConfig
	httpClient *http.Client
	group      singleflight.Group
	cache      *cache.Cache
	logger     *zap.Logger
}

// NewClient 创建图片生成代理
func NewClient(cfg config.ReplicateConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      cache.New(ttl, time.Hour),
		logger:     logger.Named("ImageGen"),
	}
}

type predictionInput struct {
	Prompt           string `json:"prompt"`
	GoFast           bool   `json:"go_fast"`
	AspectRatio      string `json:"aspect_ratio"`
	OutputFormat     string `json:"output_format"`
	OutputQuality    int    `json:"output_quality"`
	SafetyTolerance  int    `json:"safety_tolerance"`
	PromptUpsampling bool   `json:"prompt_upsampling"`
}

type createRequest struct {
	Version string          `json:"version"`
	Input   predictionInput `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// Generate 创建预测任务并轮询直到结束，返回图片 URL。
// 上游任务不随单个调用方取消，只受 cfg.Timeout 约束；调用方的 ctx 结束时只是不再等待。
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if url, ok := c.cache.Get(prompt); ok {
		metrics.ImageCacheHit()
		return url.(string), nil
	}

	jobCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(prompt, func() (interface{}, error) {
		start := time.Now()
		url, err := c.generate(jobCtx, prompt)
		metrics.ObserveUpstream("image", start, err)
		if err != nil {
			return "", err
		}
		c.cache.SetDefault(prompt, url)
		c.logger.Info("image generated", zap.Duration("latency", time.Since(start)))
		return url, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.logger.Warn("image generation failed", zap.Bool("shared", res.Shared), zap.Error(res.Err))
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	p, err := c.create(ctx, prompt)
	if err != nil {
		return "", err
	}

	// 每个任务各自按 PollInterval 轮询，互不抢占额度。
	poll := rate.NewLimiter(rate.Every(c.cfg.PollInterval), 1)
	for {
		switch p.Status {
		case statusSucceeded:
			return firstOutput(p.Output)
		case statusFailed, statusCanceled:
			return "", fmt.Errorf("%w: %s %v", ErrPredictionFailed, p.Status, p.Error)
		}
		if err := poll.Wait(ctx); err != nil {
			return "", fmt.Errorf("wait for prediction %s: %w", p.ID, err)
		}
		p, err = c.get(ctx, p)
		if err != nil {
			return "", err
		}
	}
}

func (c *Client) create(ctx context.Context, prompt string) (*prediction, error) {
	body, err := json.Marshal(createRequest{
		Version: c.cfg.ModelVersion,
		Input: predictionInput{
			Prompt:           prompt,
			GoFast:           true,
			AspectRatio:      "16:9",
			OutputFormat:     "jpg",
			OutputQuality:    80,
			SafetyTolerance:  2,
			PromptUpsampling: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal prediction: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/predictions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, p *prediction) (*prediction, error) {
	url := p.URLs.Get
	if url == "" {
		url = strings.TrimRight(c.cfg.BaseURL, "/") + "/predictions/" + p.ID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*prediction, error) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("replicate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("replicate status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p prediction
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode prediction: %w", err)
	}
	return &p, nil
}

// firstOutput 兼容 output 为字符串或字符串数组两种形态。
func firstOutput(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", ErrNoOutput
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return "", ErrNoOutput
		}
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return "", fmt.Errorf("decode output: %w", err)
	}
	if len(many) == 0 || many[0] == "" {
		return "", ErrNoOutput
	}
	return many[0], nil
}
