package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mission-talk/server/internal/actor"
	"mission-talk/server/internal/llm"
	"mission-talk/server/internal/metrics"
	"mission-talk/server/internal/model"
	"mission-talk/server/internal/reply"
)

// ErrMissingSystemMessage 表示请求没有携带角色设定指令。
var ErrMissingSystemMessage = errors.New("system message required")

// UpstreamError 包装模型调用失败。调用方需要用户重新提交，不做自动重试。
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return "dialogue upstream: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Service 是对话服务代理：转发历史与系统指令，返回一条助手轮次。
type Service struct {
	llm    llm.Client
	logger *zap.Logger
	// structured 为 true 时请求模型按 JSON Schema 输出（仅非流式）。
	structured bool
}

// Option 配置 Service。
type Option func(*Service)

// WithStructuredOutput 开启结构化输出。
func WithStructuredOutput() Option {
	return func(s *Service) { s.structured = true }
}

// NewService 创建对话服务代理
func NewService(client llm.Client, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{llm: client, logger: logger.Named("Dialogue")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// buildMessages 组装发给模型的消息：增强后的系统指令 + 有序历史。
// 返回新切片，不修改 req.Messages。
func buildMessages(req model.DialogueRequest) ([]llm.Message, error) {
	if strings.TrimSpace(req.SystemMessage) == "" {
		return nil, ErrMissingSystemMessage
	}
	system := req.SystemMessage + "\n" + actor.OutputContract(reply.Clamp(req.CurrentProgress))

	msgs := make([]llm.Message, 0, len(req.Messages)+1)
	msgs = append(msgs, llm.Message{Role: model.RoleSystem, Content: system})
	for _, t := range req.Messages {
		if t.Role != model.RoleUser && t.Role != model.RoleAssistant {
			continue
		}
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	return msgs, nil
}

// Reply 一次性返回助手轮次。
func (s *Service) Reply(ctx context.Context, req model.DialogueRequest) (model.Turn, error) {
	msgs, err := buildMessages(req)
	if err != nil {
		return model.Turn{}, err
	}

	var schema *llm.JSONSchema
	if s.structured {
		schema = &llm.JSONSchema{Name: "structured_reply", Schema: actor.ReplySchema(), Strict: true}
	}

	start := time.Now()
	content, err := s.llm.Complete(ctx, msgs, schema)
	metrics.ObserveUpstream("dialogue", start, err)
	if err != nil {
		s.logger.Warn("dialogue request failed", zap.Int("history", len(req.Messages)), zap.Error(err))
		return model.Turn{}, &UpstreamError{Err: err}
	}

	s.logger.Debug("dialogue reply received",
		zap.Int("history", len(req.Messages)),
		zap.Int("chars", len(content)),
		zap.Duration("latency", time.Since(start)),
	)
	return model.Turn{Role: model.RoleAssistant, Content: content}, nil
}

// Stream 以流式方式返回助手轮次，onChunk 接收增量文本。
func (s *Service) Stream(ctx context.Context, req model.DialogueRequest, onChunk func(string) error) (model.Turn, error) {
	msgs, err := buildMessages(req)
	if err != nil {
		return model.Turn{}, err
	}

	start := time.Now()
	content, err := s.llm.Stream(ctx, msgs, onChunk)
	metrics.ObserveUpstream("dialogue_stream", start, err)
	if err != nil {
		s.logger.Warn("dialogue stream failed", zap.Int("history", len(req.Messages)), zap.Error(err))
		return model.Turn{}, &UpstreamError{Err: fmt.Errorf("stream: %w", err)}
	}
	return model.Turn{Role: model.RoleAssistant, Content: content}, nil
}
