package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// eventHandler 在事件循环中处理单个事件，只有它可以修改会话状态。
type eventHandler func(ctx context.Context, evt Event) error

// eventQueue 为单个会话提供串行事件处理。
// 网络调用都在独立 goroutine 中完成，结果以事件的形式回投到这里，
// 因此状态只在一个 goroutine 中被修改，无需加锁。
type eventQueue struct {
	sessionID string
	handler   eventHandler
	eventChan chan *queuedEvent
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.Logger

	mu              sync.Mutex
	totalEvents     int64
	processedEvents int64
}

type queuedEvent struct {
	evt       Event
	timestamp time.Time
	resultCh  chan error
}

const (
	defaultQueueCapacity = 100
	slowEventThreshold   = time.Second
)

func newEventQueue(ctx context.Context, sessionID string, handler eventHandler, logger *zap.Logger) *eventQueue {
	ctx, cancel := context.WithCancel(ctx)
	q := &eventQueue{
		sessionID: sessionID,
		handler:   handler,
		eventChan: make(chan *queuedEvent, defaultQueueCapacity),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
	q.wg.Add(1)
	go q.processLoop()
	return q
}

// post 投递事件（异步）。队列满时阻塞，直到 ctx 或队列关闭；返回是否投递成功。
func (q *eventQueue) post(ctx context.Context, evt Event) bool {
	if q.ctx.Err() != nil {
		return false
	}
	select {
	case q.eventChan <- &queuedEvent{evt: evt, timestamp: time.Now()}:
		q.mu.Lock()
		q.totalEvents++
		q.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	case <-q.ctx.Done():
		return false
	}
}

// postSync 投递事件并等待处理结果。
func (q *eventQueue) postSync(ctx context.Context, evt Event) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	event := &queuedEvent{evt: evt, timestamp: time.Now(), resultCh: make(chan error, 1)}

	select {
	case q.eventChan <- event:
		q.mu.Lock()
		q.totalEvents++
		q.mu.Unlock()
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrClosed
	}

	select {
	case err := <-event.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrClosed
	}
}

func (q *eventQueue) processLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case event := <-q.eventChan:
			q.process(event)
		}
	}
}

func (q *eventQueue) process(event *queuedEvent) {
	start := time.Now()
	err := q.handler(q.ctx, event.evt)
	elapsed := time.Since(start)

	if err != nil {
		q.logger.Debug("event rejected",
			zap.String("type", string(event.evt.Type)),
			zap.String("turn_id", event.evt.TurnID),
			zap.Error(err),
		)
	}
	if elapsed > slowEventThreshold {
		q.logger.Warn("slow event processing",
			zap.String("type", string(event.evt.Type)),
			zap.Duration("queue_latency", start.Sub(event.timestamp)),
			zap.Duration("processing_time", elapsed),
		)
	}

	q.mu.Lock()
	q.processedEvents++
	q.mu.Unlock()

	if event.resultCh != nil {
		event.resultCh <- err
	}
}

// close 停止事件循环并等待其退出。通道不关闭，迟到的 post 会因 ctx 结束而返回。
func (q *eventQueue) close() {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.logger.Debug("event queue closed",
		zap.String("session_id", q.sessionID),
		zap.Int64("total", q.totalEvents),
		zap.Int64("processed", q.processedEvents),
		zap.Int("pending", len(q.eventChan)),
	)
}
