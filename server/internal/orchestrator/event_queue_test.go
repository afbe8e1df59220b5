package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEventQueue_SerialProcessing(t *testing.T) {
	var processed []string
	var mu sync.Mutex

	handler := func(ctx context.Context, evt Event) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, evt.TurnID)
		time.Sleep(5 * time.Millisecond) // 模拟处理时间
		return nil
	}

	q := newEventQueue(context.Background(), "test-session", handler, zap.NewNop())
	defer q.close()

	turns := []string{"t1", "t2", "t3", "t4", "t5"}
	for _, id := range turns {
		if !q.post(context.Background(), Event{Type: EventRevealTick, TurnID: id}) {
			t.Fatalf("Failed to post event %s", id)
		}
	}
	// 同步投递排在前面的事件之后，返回时前面的事件都已处理完。
	if err := q.postSync(context.Background(), Event{Type: EventRevealTick, TurnID: "last"}); err != nil {
		t.Fatalf("postSync: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := append(turns, "last")
	if len(processed) != len(want) {
		t.Fatalf("Expected %d processed events, got %d", len(want), len(processed))
	}
	for i := range want {
		if processed[i] != want[i] {
			t.Errorf("Event order mismatch at index %d: expected %s, got %s", i, want[i], processed[i])
		}
	}
}

func TestEventQueue_ConcurrentPost(t *testing.T) {
	var count int64
	handler := func(ctx context.Context, evt Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	}

	q := newEventQueue(context.Background(), "test-session", handler, zap.NewNop())
	defer q.close()

	const goroutines, perGoroutine = 10, 20
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				q.post(context.Background(), Event{Type: EventRevealTick})
			}
		}()
	}
	wg.Wait()

	if err := q.postSync(context.Background(), Event{Type: EventRevealTick}); err != nil {
		t.Fatalf("postSync: %v", err)
	}
	if got := atomic.LoadInt64(&count); got != goroutines*perGoroutine+1 {
		t.Errorf("Expected %d processed events, got %d", goroutines*perGoroutine+1, got)
	}
}

func TestEventQueue_PostSyncReturnsHandlerError(t *testing.T) {
	boom := errors.New("boom")
	handler := func(ctx context.Context, evt Event) error {
		if evt.Type == EventSubmitted {
			return boom
		}
		return nil
	}

	q := newEventQueue(context.Background(), "test-session", handler, zap.NewNop())
	defer q.close()

	if err := q.postSync(context.Background(), Event{Type: EventSubmitted}); !errors.Is(err, boom) {
		t.Errorf("Expected handler error, got %v", err)
	}
	if err := q.postSync(context.Background(), Event{Type: EventRevealTick}); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func TestEventQueue_BackPressure(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	handler := func(ctx context.Context, evt Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	q := newEventQueue(context.Background(), "test-session", handler, zap.NewNop())
	defer q.close()

	// 第一个事件占住处理循环，随后填满缓冲区。
	if !q.post(context.Background(), Event{Type: EventRevealTick}) {
		t.Fatal("first post failed")
	}
	<-started
	for i := 0; i < defaultQueueCapacity; i++ {
		if !q.post(context.Background(), Event{Type: EventRevealTick}) {
			t.Fatalf("post %d failed before queue was full", i)
		}
	}

	// 队列已满时 post 阻塞，直到调用方的 ctx 结束。
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if q.post(ctx, Event{Type: EventRevealTick}) {
		t.Fatal("Expected post to fail on a full queue")
	}
	close(release)
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue(context.Background(), "test-session", func(context.Context, Event) error { return nil }, zap.NewNop())
	q.close()

	if q.post(context.Background(), Event{Type: EventRevealTick}) {
		t.Error("Expected post after close to fail")
	}
	if err := q.postSync(context.Background(), Event{Type: EventSubmitted}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
