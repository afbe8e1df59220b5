package speech

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

	"go.uber.org/zap"

	"mission-talk/server/internal/config"
	"mission-talk/server/internal/domain"
	"mission-talk/server/internal/metrics"
)

var (
	// ErrInvalidCharacter 表示请求的角色不在固定角色表中。
	ErrInvalidCharacter = errors.New("invalid character")
	// ErrEmptyText 表示没有可合成的文本。
	ErrEmptyText = errors.New("text is empty")
)

const maxErrorBody = 4096

// Synthesizer 把一段台词按角色音色合成为音频流。
type Synthesizer interface {
	Synthesize(ctx context.Context, text, character string) (io.ReadCloser, error)
}

// Client 是 ElevenLabs 流式语音合成代理。
type Client struct {
	cfg        config.ElevenLabsConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient 创建语音合成代理
func NewClient(cfg config.ElevenLabsConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		// 音频按流返回，不设整体超时，由调用方 ctx 控制。
		httpClient: &http.Client{},
		logger:     logger.Named("Speech"),
	}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type synthesizeRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize 返回 audio/mpeg 字节流，调用方负责关闭。
func (c *Client) Synthesize(ctx context.Context, text, character string) (io.ReadCloser, error) {
	ch, err := domain.LookupCharacter(character)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCharacter, character)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	body, err := json.Marshal(synthesizeRequest{
		Text:    text,
		ModelID: c.cfg.ModelID,
		VoiceSettings: voiceSettings{
			Stability:       c.cfg.Stability,
			SimilarityBoost: c.cfg.SimilarityBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream", strings.TrimRight(c.cfg.BaseURL, "/"), ch.VoiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveUpstream("speech", start, err)
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("elevenlabs status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		metrics.ObserveUpstream("speech", start, err)
		c.logger.Warn("speech synthesis failed", zap.String("character", ch.Name), zap.Error(err))
		return nil, err
	}

	metrics.ObserveUpstream("speech", start, nil)
	c.logger.Debug("speech stream opened",
		zap.String("character", ch.Name),
		zap.Int("chars", len(text)),
		zap.Duration("latency", time.Since(start)),
	)
	return resp.Body, nil
}
