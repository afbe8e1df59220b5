package orchestrator

// EventType 是驱动展示状态机的事件类型。
type EventType string

const (
	// EventSubmitted 用户提交了一条输入。进入事件循环时是请求，归约时是事实。
	EventSubmitted EventType = "submitted"
	// EventRejected 输入未通过校验，Text 为提示文案。
	EventRejected EventType = "rejected"
	// EventStopped 用户输入了停止指令。
	EventStopped EventType = "stopped"

	EventReplyReceived EventType = "reply_received"
	EventReplyFailed   EventType = "reply_failed"
	EventDecoded       EventType = "decoded"
	EventDecodeFailed  EventType = "decode_failed"

	EventImageReady EventType = "image_ready"
	// EventRevealStarted 音频开始播放（或语音关闭），可以开始逐字揭示。
	EventRevealStarted EventType = "reveal_started"
	// EventSpeechFailed 语音失败，整段文本立即展示。
	EventSpeechFailed EventType = "speech_failed"
	EventRevealTick   EventType = "reveal_tick"

	EventTrendDecayed EventType = "trend_decayed"
	EventCompleted    EventType = "completed"
)

// Event 是一次状态迁移的输入。字段按类型取用，未用到的保持零值。
type Event struct {
	Type   EventType
	TurnID string

	// Text 按类型分别是：用户输入、提示文案、助手原文或完整揭示文本。
	Text    string
	Speaker string
	// URL 是背景图或音频地址。
	URL string
	// Progress 是本轮解析后的绝对进度（已夹紧）。
	Progress int
	// Seq 用于匹配趋势衰减。
	Seq int64
}
