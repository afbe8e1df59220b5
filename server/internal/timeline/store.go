package timeline

import (
	"context"

	"mission-talk/server/internal/model"
)

type Store interface {
	// Append 以 append-first 的契约写入 timeline，返回本次写入的 seq。
	// 约定：同一 session 的 seq 单调递增；相同 EventID 的请求应幂等返回同一 seq。
	Append(ctx context.Context, sessionID string, evt *model.Event) (int64, error)
	// List 返回该 session 中 seq 大于 after 的事件，after 为 0 时返回全量。
	List(ctx context.Context, sessionID string, after int64) ([]model.Event, error)
}
