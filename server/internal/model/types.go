package model

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Mission 定义了一个可游玩的任务（只读目录配置）。
type Mission struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	// Companion 是陪同角色名，必须是固定角色表中的一个。
	Companion string `json:"companion"`
	// Image 是任务默认背景图。
	Image string `json:"image"`
}

// Character 是固定角色表中的一项：立绘、音色与语气说明。
type Character struct {
	Name     string `json:"name"`
	Portrait string `json:"portrait"`
	VoiceID  string `json:"voice_id"`
	Tone     string `json:"tone"`
}

// Turn 表示对话中的一个轮次。追加后不可修改。
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StructuredReply 是助手轮次解码后的三字段结构。
type StructuredReply struct {
	// Utterance 形如 "<CharacterName>: <speech>"。
	Utterance        string `json:"userResponse"`
	ImageInstruction string `json:"imagePrompt"`
	// ProgressDelta 是模型给出的进度值，已夹紧到 [0,100]。
	ProgressDelta int `json:"progress"`
	// HasProgress 为 false 表示模型没有给出进度，沿用当前值。
	HasProgress bool `json:"-"`

	// Speaker/Speech 由 Utterance 按第一个 ": " 切分得到。
	Speaker string `json:"-"`
	Speech  string `json:"-"`
}

// DialogueRequest 是发给对话服务的请求体。
type DialogueRequest struct {
	Messages        []Turn `json:"messages"`
	SystemMessage   string `json:"systemMessage"`
	CurrentProgress int    `json:"currentProgress"`
}

type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseAwaitingReply Phase = "awaiting_reply"
	PhaseDecoding      Phase = "decoding"
	PhaseFetching      Phase = "fetching"
	PhaseRevealing     Phase = "revealing"
	PhaseStopped       Phase = "stopped"
)

type ProgressTrend string

const (
	TrendIncrease  ProgressTrend = "increase"
	TrendDecrease  ProgressTrend = "decrease"
	TrendUnchanged ProgressTrend = "unchanged"
)

// PlaybackState 是渲染层唯一读取的展示状态，只能由 reducer 迁移。
type PlaybackState struct {
	Phase  Phase  `json:"phase"`
	TurnID string `json:"turn_id,omitempty"`

	// RevealedText 是当前已经展示出来的文本（逐字揭示）。
	RevealedText string `json:"revealed_text"`
	// FullText 是本轮要揭示的完整文本。
	FullText    string `json:"full_text,omitempty"`
	Speaker     string `json:"speaker,omitempty"`
	IsRevealing bool   `json:"is_revealing"`
	IsTyping    bool   `json:"is_typing"`

	// Draft 是用户提交后的本地回显，收到回复后清除。
	Draft string `json:"draft,omitempty"`
	// Notice 承载校验失败或上游失败的提示。
	Notice string `json:"notice,omitempty"`

	BackgroundURL string `json:"background_url,omitempty"`
	AudioURL      string `json:"audio_url,omitempty"`

	Progress      int           `json:"progress"`
	ProgressTrend ProgressTrend `json:"progress_trend"`
	// TrendSeq 用于丢弃过期的趋势衰减定时器。
	TrendSeq int64 `json:"-"`

	Stopped   bool `json:"stopped"`
	Completed bool `json:"completed"`
}

// Display 返回当前应该显示在对话框里的文本。
func (s PlaybackState) Display() string {
	switch {
	case s.Draft != "":
		return s.Draft
	case s.RevealedText != "":
		return s.RevealedText
	default:
		return "Begin your adventure..."
	}
}

// MissionResult 记录一次任务完成时的统计，按 (user, mission) upsert。
type MissionResult struct {
	UserID         string    `json:"user_id" db:"user_id"`
	MissionID      string    `json:"mission_id" db:"mission_id"`
	Percentage     int       `json:"percentage" db:"percentage"`
	DecisionCount  int       `json:"decision_count" db:"decision_count"`
	ElapsedSeconds int64     `json:"elapsed_seconds" db:"elapsed_seconds"`
	Achievements   []string  `json:"achievements" db:"achievements"`
	CompletedAt    time.Time `json:"completed_at" db:"completed_at"`
}

// SessionState 是服务端会话快照，便于恢复与排查。
type SessionState struct {
	SessionID string    `json:"session_id"`
	MissionID string    `json:"mission_id"`
	UserID    string    `json:"user_id,omitempty"`
	Turns     []Turn    `json:"turns"`
	Progress  int       `json:"progress"`
	Stopped   bool      `json:"stopped"`
	Completed bool      `json:"completed"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event 表示时间线中的一个事件。
type Event struct {
	// Seq 由后端分配的单调序号，用于回放与幂等。
	Seq int64 `json:"seq,omitempty"`
	// SessionID 由编排器补齐。
	SessionID string `json:"session_id,omitempty"`
	// EventID 用于去重。
	EventID string `json:"event_id,omitempty"`
	// TurnID 关联一次用户/助手轮次。
	TurnID string `json:"turn_id,omitempty"`

	// Type 表示事件类型（user_message/assistant_text/image_ready/...）。
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ServerTS time.Time `json:"server_ts,omitempty"`
}
