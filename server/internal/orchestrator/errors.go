package orchestrator

import "errors"

var (
	// ErrBusy 表示当前轮次尚未结束，新的提交被忽略。
	ErrBusy = errors.New("turn in progress")
	// ErrStopped 表示任务已停止，不再接受输入。
	ErrStopped = errors.New("mission stopped")
	// ErrClosed 表示会话已关闭。
	ErrClosed = errors.New("session closed")

	errStaleAudio = errors.New("audio belongs to a stale turn")
)

// ValidationError 表示用户输入未通过本地校验，没有发出任何请求。
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + e.Reason
}
