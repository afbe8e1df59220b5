package playback

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
)

// maxClipBytes 限制单段语音的大小。
const maxClipBytes = 20 << 20

// Clip 是一段已缓冲的语音。
type Clip struct {
	TurnID string
	Data   []byte
}

// BufferPlayer 是服务端会话的播放器：把音频流缓冲到内存，由浏览器通过 URL 拉取播放。
// 同一时刻只保留一段音频，Stop 会清空它。
type BufferPlayer struct {
	baseURL string

	mu      sync.RWMutex
	current *Clip
}

// NewBufferPlayer 创建播放器，baseURL 形如 /api/sessions/<id>/audio。
func NewBufferPlayer(baseURL string) *BufferPlayer {
	return &BufferPlayer{baseURL: baseURL}
}

func (p *BufferPlayer) Play(ctx context.Context, turnID string, src io.ReadCloser) (string, error) {
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(&ctxReader{ctx: ctx, r: src}, maxClipBytes+1))
	if err != nil {
		return "", fmt.Errorf("buffer audio: %w", err)
	}
	if len(data) > maxClipBytes {
		return "", fmt.Errorf("audio clip exceeds %d bytes", maxClipBytes)
	}

	p.mu.Lock()
	p.current = &Clip{TurnID: turnID, Data: data}
	p.mu.Unlock()

	return p.baseURL + "?turn=" + url.QueryEscape(turnID), nil
}

func (p *BufferPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
}

// Current 返回当前语音；turnID 非空时必须匹配。
func (p *BufferPlayer) Current(turnID string) (Clip, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil || (turnID != "" && p.current.TurnID != turnID) {
		return Clip{}, false
	}
	return *p.current, true
}

// ctxReader 在 ctx 结束后停止读取。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
