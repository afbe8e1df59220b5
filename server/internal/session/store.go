package session

import (
	"context"
	"errors"

	"mission-talk/server/internal/model"
)

var ErrNotFound = errors.New("session not found")

// Store 保存会话快照。实现需保证返回值与内部数据互不影响。
type Store interface {
	Get(ctx context.Context, id string) (*model.SessionState, error)
	Save(ctx context.Context, s *model.SessionState) error
	Delete(ctx context.Context, id string) error
}
