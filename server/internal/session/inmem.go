package session

import (
	"context"
	"sync"

	"mission-talk/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Session 存储实现。
// 重启即丢数据；多实例部署使用 RedisStore。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]*model.SessionState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]*model.SessionState)}
}

// Get 根据 SessionID 获取 SessionState 的副本。
func (s *InMemoryStore) Get(_ context.Context, id string) (*model.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(state), nil
}

// Save 保存或更新 SessionState。
func (s *InMemoryStore) Save(_ context.Context, state *model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[state.SessionID] = clone(state)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}

func clone(state *model.SessionState) *model.SessionState {
	c := *state
	c.Turns = append([]model.Turn(nil), state.Turns...)
	return &c
}
