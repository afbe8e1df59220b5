package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// DefaultCommand 是终端模式下的默认播放命令，从标准输入读取 mp3。
var DefaultCommand = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-"}

// CommandPlayer 把音频流通过管道交给外部播放器进程。
type CommandPlayer struct {
	argv   []string
	logger *zap.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

func NewCommandPlayer(argv []string, logger *zap.Logger) (*CommandPlayer, error) {
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("audio player %q not found: %w", argv[0], err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandPlayer{argv: argv, logger: logger.Named("Player")}, nil
}

// Play 启动播放器进程并在进程启动后返回，音频在后台写入。
func (p *CommandPlayer) Play(_ context.Context, turnID string, src io.ReadCloser) (string, error) {
	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		src.Close()
		return "", fmt.Errorf("player stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		src.Close()
		return "", fmt.Errorf("start player: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	go func() {
		defer src.Close()
		if _, err := io.Copy(stdin, src); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			p.logger.Debug("audio copy interrupted", zap.String("turn_id", turnID), zap.Error(err))
		}
		stdin.Close()
	}()
	go func() {
		_ = cmd.Wait()
		p.mu.Lock()
		if p.cmd == cmd {
			p.cmd = nil
		}
		p.mu.Unlock()
	}()
	return "", nil
}

// Stop 结束当前播放器进程。
func (p *CommandPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.cmd = nil
}
