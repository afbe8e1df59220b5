package orchestrator

import (
	"unicode/utf8"

	"mission-talk/server/internal/model"
	"mission-talk/server/internal/reply"
)

const (
	noticeUpstream = "Something went wrong. Please try again."
	noticeStopped  = "Mission stopped."

	draftPrefix = "Me: "
)

// Reduce 只做状态归约，不触发外部调用。
// 约定：带 TurnID 的事件必须属于当前轮次且处于预期阶段，否则原样返回（丢弃过期事件）。
func Reduce(state model.PlaybackState, evt Event) model.PlaybackState {
	if state.Stopped && evt.Type != EventTrendDecayed {
		return state
	}

	switch evt.Type {
	case EventSubmitted:
		if state.Phase != model.PhaseIdle {
			return state
		}
		state.Phase = model.PhaseAwaitingReply
		state.TurnID = evt.TurnID
		state.Draft = draftPrefix + evt.Text
		state.Notice = ""
		state.IsTyping = true
		state.IsRevealing = false

	case EventRejected:
		state.Notice = evt.Text

	case EventStopped:
		state.Phase = model.PhaseStopped
		state.Stopped = true
		state.TurnID = ""
		state.Draft = ""
		state.IsTyping = false
		state.IsRevealing = false
		state.Notice = noticeStopped

	case EventReplyReceived:
		if !current(state, evt, model.PhaseAwaitingReply) {
			return state
		}
		state.Phase = model.PhaseDecoding
		state.Draft = ""
		state.IsTyping = false

	case EventReplyFailed:
		if !current(state, evt, model.PhaseAwaitingReply) {
			return state
		}
		state.Phase = model.PhaseIdle
		state.Draft = ""
		state.IsTyping = false
		state.Notice = evt.Text
		if state.Notice == "" {
			state.Notice = noticeUpstream
		}

	case EventDecodeFailed:
		if !current(state, evt, model.PhaseDecoding) {
			return state
		}
		// 无法解析时直接展示原文，不取图也不合成语音。
		state.Phase = model.PhaseIdle
		state.Speaker = ""
		state.FullText = evt.Text
		state.RevealedText = evt.Text
		state.IsRevealing = false
		state.IsTyping = false

	case EventDecoded:
		if !current(state, evt, model.PhaseDecoding) {
			return state
		}
		state.Phase = model.PhaseFetching
		state.Speaker = evt.Speaker
		state.FullText = evt.Text
		state.AudioURL = ""
		state = applyProgress(state, evt.Progress)

	case EventImageReady:
		if evt.TurnID != state.TurnID || evt.URL == "" {
			return state
		}
		state.BackgroundURL = evt.URL

	case EventRevealStarted:
		if !current(state, evt, model.PhaseFetching) {
			return state
		}
		state.Phase = model.PhaseRevealing
		state.AudioURL = evt.URL
		state.RevealedText = ""
		state.IsRevealing = true

	case EventSpeechFailed:
		if !current(state, evt, model.PhaseFetching) {
			return state
		}
		state.Phase = model.PhaseIdle
		state.RevealedText = state.FullText
		state.IsRevealing = false

	case EventRevealTick:
		if !current(state, evt, model.PhaseRevealing) {
			return state
		}
		state.RevealedText = nextReveal(state.RevealedText, state.FullText)
		if state.RevealedText == state.FullText {
			state.Phase = model.PhaseIdle
			state.IsRevealing = false
		}

	case EventTrendDecayed:
		if evt.Seq == state.TrendSeq {
			state.ProgressTrend = model.TrendUnchanged
		}

	case EventCompleted:
		if state.Progress >= 100 {
			state.Completed = true
		}
	}

	return state
}

func current(state model.PlaybackState, evt Event, phase model.Phase) bool {
	return evt.TurnID != "" && evt.TurnID == state.TurnID && state.Phase == phase
}

// applyProgress 更新进度并按前后比较设置趋势，TrendSeq 递增以淘汰旧的衰减定时器。
func applyProgress(state model.PlaybackState, next int) model.PlaybackState {
	next = reply.Clamp(next)
	switch {
	case next > state.Progress:
		state.ProgressTrend = model.TrendIncrease
	case next < state.Progress:
		state.ProgressTrend = model.TrendDecrease
	default:
		state.ProgressTrend = model.TrendUnchanged
	}
	state.Progress = next
	state.TrendSeq++
	return state
}

// nextReveal 在已揭示文本后追加一个字符（按 rune 计）。
func nextReveal(revealed, full string) string {
	n := utf8.RuneCountInString(revealed)
	runes := []rune(full)
	if n >= len(runes) {
		return full
	}
	return string(runes[:n+1])
}

// resolveProgress 计算本轮之后的进度。
// model 模式以模型返回值为准（缺失时保持不变）；fixed_step 模式每轮固定增加 step。
func resolveProgress(mode string, step, current int, r model.StructuredReply) int {
	if mode == ProgressFixedStep {
		return reply.Clamp(current + step)
	}
	if !r.HasProgress {
		return current
	}
	return reply.Clamp(r.ProgressDelta)
}
