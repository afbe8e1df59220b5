package timeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mission-talk/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
type InMemoryStore struct {
	mu       sync.RWMutex
	events   map[string][]model.Event
	seq      map[string]int64
	eventIDs map[string]map[string]int64
	now      func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:   make(map[string][]model.Event),
		seq:      make(map[string]int64),
		eventIDs: make(map[string]map[string]int64),
		now:      time.Now,
	}
}

// Append 追加事件到 timeline，并为该 session 分配单调递增 seq。
// 缺少 EventID 时生成一个；相同 EventID 会直接返回已分配的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, evt *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	} else if seq, ok := s.eventIDs[sessionID][evt.EventID]; ok {
		return seq, nil
	}

	s.seq[sessionID]++
	seq := s.seq[sessionID]

	eventCopy := *evt
	eventCopy.Seq = seq
	eventCopy.SessionID = sessionID
	if eventCopy.ServerTS.IsZero() {
		eventCopy.ServerTS = s.now()
	}
	s.events[sessionID] = append(s.events[sessionID], eventCopy)

	if s.eventIDs[sessionID] == nil {
		s.eventIDs[sessionID] = make(map[string]int64)
	}
	s.eventIDs[sessionID][evt.EventID] = seq

	return seq, nil
}

// List 返回 seq 大于 after 的事件（按 seq 顺序），返回切片副本。
func (s *InMemoryStore) List(_ context.Context, sessionID string, after int64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[sessionID]
	start := sort.Search(len(events), func(i int) bool { return events[i].Seq > after })
	out := make([]model.Event, len(events)-start)
	copy(out, events[start:])
	return out, nil
}
