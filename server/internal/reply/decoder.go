package reply

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"mission-talk/server/internal/model"
)

// speakerDelimiter 分隔说话人与台词。
const speakerDelimiter = ": "

// ParseError 表示助手内容无法解码为结构化回复，Raw 保留原文以便直接展示。
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("decode structured reply: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errMissingUtterance = errors.New("missing userResponse")

type wireReply struct {
	UserResponse *string         `json:"userResponse"`
	ImagePrompt  string          `json:"imagePrompt"`
	Progress     json.RawMessage `json:"progress"`
}

// Decode 将助手轮次内容解码为 StructuredReply。
// 模型有时会在 JSON 外包一层 markdown 代码块或说明文字，这里取最外层的 {...}。
func Decode(content string) (model.StructuredReply, error) {
	body, ok := extractObject(content)
	if !ok {
		return model.StructuredReply{}, &ParseError{Raw: content, Err: errors.New("no JSON object found")}
	}

	var w wireReply
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	if err := dec.Decode(&w); err != nil {
		return model.StructuredReply{}, &ParseError{Raw: content, Err: err}
	}
	if w.UserResponse == nil || strings.TrimSpace(*w.UserResponse) == "" {
		return model.StructuredReply{}, &ParseError{Raw: content, Err: errMissingUtterance}
	}

	progress, hasProgress, err := parseProgress(w.Progress)
	if err != nil {
		return model.StructuredReply{}, &ParseError{Raw: content, Err: err}
	}

	utterance := strings.TrimSpace(*w.UserResponse)
	speaker, speech := SplitUtterance(utterance)
	return model.StructuredReply{
		Utterance:        utterance,
		ImageInstruction: strings.TrimSpace(w.ImagePrompt),
		ProgressDelta:    Clamp(progress),
		HasProgress:      hasProgress,
		Speaker:          speaker,
		Speech:           speech,
	}, nil
}

// SplitUtterance 按第一个 ": " 切分出说话人和台词；没有分隔符时说话人为空。
// 以冒号结尾的 "Name:" 视为只有说话人，台词为空。
func SplitUtterance(utterance string) (speaker, speech string) {
	idx := strings.Index(utterance, speakerDelimiter)
	if idx < 0 {
		trimmed := strings.TrimSpace(utterance)
		if strings.HasSuffix(trimmed, ":") && !strings.Contains(trimmed[:len(trimmed)-1], ":") {
			return strings.TrimSpace(trimmed[:len(trimmed)-1]), ""
		}
		return "", utterance
	}
	return strings.TrimSpace(utterance[:idx]), strings.TrimSpace(utterance[idx+len(speakerDelimiter):])
}

// Clamp 把进度夹紧到 [0,100]。
func Clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func extractObject(content string) (string, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return content[start : end+1], true
}

// parseProgress 兼容数字、浮点与数字字符串；缺失时返回 ok=false。
func parseProgress(raw json.RawMessage) (int, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return roundProgress(f), true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false, fmt.Errorf("invalid progress: %s", string(raw))
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid progress %q: %w", s, err)
	}
	return roundProgress(f), true, nil
}

func roundProgress(f float64) int {
	if math.IsNaN(f) {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	if f < math.MinInt32 {
		return math.MinInt32
	}
	return int(math.Round(f))
}
