package orchestrator

import (
	"context"
	"io"
	"sync"
)

// AudioPlayer 播放一段音频。同一时刻只应有一个音源。
type AudioPlayer interface {
	// Play 开始播放并在播放开始后返回，可返回一个可访问的音频地址（可为空）。
	// 实现负责在播放结束或 Stop 时关闭 src。
	Play(ctx context.Context, turnID string, src io.ReadCloser) (string, error)
	// Stop 停止当前音源；没有音源时无操作。
	Stop()
}

// audioHandle 是会话唯一的音频句柄：开始新音源前先停掉旧的，过期轮次的音频直接丢弃。
type audioHandle struct {
	player AudioPlayer

	mu     sync.Mutex
	active string

	// playMu 保证 Play 串行，旧轮次的 Play 结束前新轮次不会开始播放。
	playMu sync.Mutex
}

func newAudioHandle(player AudioPlayer) *audioHandle {
	return &audioHandle{player: player}
}

// begin 把句柄切换到新轮次，并停止正在播放的音频。
func (h *audioHandle) begin(turnID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = turnID
	h.player.Stop()
}

// start 为 turnID 播放音频；轮次已过期时关闭 src 并返回 errStaleAudio。
func (h *audioHandle) start(ctx context.Context, turnID string, src io.ReadCloser) (string, error) {
	h.playMu.Lock()
	defer h.playMu.Unlock()

	if !h.isActive(turnID) {
		src.Close()
		return "", errStaleAudio
	}

	url, err := h.player.Play(ctx, turnID, src)
	if err != nil {
		return "", err
	}

	// Play 期间可能已经切换到新轮次或停止。
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != turnID {
		h.player.Stop()
		return "", errStaleAudio
	}
	return url, nil
}

func (h *audioHandle) isActive(turnID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active == turnID
}

func (h *audioHandle) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = ""
	h.player.Stop()
}
