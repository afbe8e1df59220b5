package playback

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackingReader struct {
	io.Reader
	closed bool
}

func (r *trackingReader) Close() error {
	r.closed = true
	return nil
}

func TestBufferPlayer_PlayStoresClip(t *testing.T) {
	p := NewBufferPlayer("/api/sessions/s1/audio")
	src := &trackingReader{Reader: strings.NewReader("ID3-audio")}

	url, err := p.Play(context.Background(), "turn-1", src)
	require.NoError(t, err)
	assert.Equal(t, "/api/sessions/s1/audio?turn=turn-1", url)
	assert.True(t, src.closed)

	clip, ok := p.Current("turn-1")
	require.True(t, ok)
	assert.Equal(t, []byte("ID3-audio"), clip.Data)

	_, ok = p.Current("turn-0")
	assert.False(t, ok)
	_, ok = p.Current("")
	assert.True(t, ok)
}

func TestBufferPlayer_StopClears(t *testing.T) {
	p := NewBufferPlayer("/audio")
	_, err := p.Play(context.Background(), "t", io.NopCloser(strings.NewReader("x")))
	require.NoError(t, err)

	p.Stop()
	_, ok := p.Current("")
	assert.False(t, ok)
}

func TestBufferPlayer_CanceledContext(t *testing.T) {
	p := NewBufferPlayer("/audio")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &trackingReader{Reader: strings.NewReader("data")}
	_, err := p.Play(ctx, "t", src)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, src.closed)
}
