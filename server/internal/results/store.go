package results

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"mission-talk/server/internal/model"
)

var (
	ErrNotFound = errors.New("result not found")
	// ErrInvalidResult 表示结果缺少主键或百分比越界。
	ErrInvalidResult = errors.New("invalid mission result")
)

// Store 持久化任务结果，同一 (user, mission) 只保留最新一条。
type Store interface {
	Save(ctx context.Context, r model.MissionResult) error
	Get(ctx context.Context, userID, missionID string) (model.MissionResult, error)
	// ListByUser 按完成时间倒序返回该用户的全部结果。
	ListByUser(ctx context.Context, userID string) ([]model.MissionResult, error)
}

// Validate 检查结果能否入库。
func Validate(r model.MissionResult) error {
	if strings.TrimSpace(r.UserID) == "" || strings.TrimSpace(r.MissionID) == "" {
		return fmt.Errorf("%w: user_id and mission_id are required", ErrInvalidResult)
	}
	if r.Percentage < 0 || r.Percentage > 100 {
		return fmt.Errorf("%w: percentage %d out of range", ErrInvalidResult, r.Percentage)
	}
	if r.DecisionCount < 0 || r.ElapsedSeconds < 0 {
		return fmt.Errorf("%w: negative counters", ErrInvalidResult)
	}
	return nil
}

type key struct{ user, mission string }

// InMemoryStore 是一个基于内存的结果存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[key]model.MissionResult
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[key]model.MissionResult)}
}

func (s *InMemoryStore) Save(_ context.Context, r model.MissionResult) error {
	if err := Validate(r); err != nil {
		return err
	}
	r.Achievements = append([]string{}, r.Achievements...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key{r.UserID, r.MissionID}] = r
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, userID, missionID string) (model.MissionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[key{userID, missionID}]
	if !ok {
		return model.MissionResult{}, ErrNotFound
	}
	r.Achievements = append([]string{}, r.Achievements...)
	return r, nil
}

func (s *InMemoryStore) ListByUser(_ context.Context, userID string) ([]model.MissionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.MissionResult{}
	for k, r := range s.data {
		if k.user != userID {
			continue
		}
		r.Achievements = append([]string{}, r.Achievements...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].MissionID < out[j].MissionID
		}
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	return out, nil
}
