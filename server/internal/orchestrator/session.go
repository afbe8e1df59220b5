package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mission-talk/server/internal/domain"
	"mission-talk/server/internal/metrics"
	"mission-talk/server/internal/model"
	"mission-talk/server/internal/reply"
	"mission-talk/server/internal/session"
	"mission-talk/server/internal/timeline"
)

const (
	ProgressModel     = "model"
	ProgressFixedStep = "fixed_step"

	stopCommand      = "stop"
	persistTimeout   = 2 * time.Second
	defaultMaxLength = 500
)

// DialogueService 返回一条助手轮次。
type DialogueService interface {
	Reply(ctx context.Context, req model.DialogueRequest) (model.Turn, error)
}

// ImageService 根据画面描述返回图片 URL。
type ImageService interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// SpeechService 返回角色语音的音频流。
type SpeechService interface {
	Synthesize(ctx context.Context, text, character string) (io.ReadCloser, error)
}

// ResultSaver 持久化任务结果。
type ResultSaver interface {
	Save(ctx context.Context, result model.MissionResult) error
}

// Navigator 在停止后的延迟到期时离开任务页。
type Navigator interface {
	Leave(sessionID string)
}

// NavigatorFunc 适配普通函数。
type NavigatorFunc func(sessionID string)

func (f NavigatorFunc) Leave(sessionID string) { f(sessionID) }

// Deps 是会话的外部协作者。Dialogue 必填，其余可为空。
type Deps struct {
	Dialogue  DialogueService
	Image     ImageService
	Speech    SpeechService
	Player    AudioPlayer
	Results   ResultSaver
	Navigator Navigator
	Sessions  session.Store
	Timeline  timeline.Store
	Logger    *zap.Logger
}

// Options 是单个会话的配置。
type Options struct {
	SessionID     string
	Mission       model.Mission
	UserID        string
	SystemMessage string
	VoiceEnabled  bool

	RevealInterval   time.Duration
	TrendDecay       time.Duration
	StopDelay        time.Duration
	MaxMessageLength int
	ProgressMode     string
	ProgressStep     int

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.SessionID == "" {
		o.SessionID = uuid.NewString()
	}
	if o.RevealInterval <= 0 {
		o.RevealInterval = 25 * time.Millisecond
	}
	if o.TrendDecay <= 0 {
		o.TrendDecay = time.Second
	}
	if o.StopDelay <= 0 {
		o.StopDelay = 2 * time.Second
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = defaultMaxLength
	}
	if o.ProgressMode == "" {
		o.ProgressMode = ProgressModel
	}
	if o.ProgressStep <= 0 {
		o.ProgressStep = 10
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Session 是一次任务对话：驱动对话轮次，并按顺序编排解码、取图、语音与逐字揭示。
//
// 并发模型：
// - 所有状态迁移在单个事件循环中完成（见 eventQueue），网络调用的结果以事件回投。
// - 渲染层只读取 Snapshot/Subscribe 发布的 PlaybackState。
type Session struct {
	opts   Options
	deps   Deps
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  *eventQueue
	audio  *audioHandle

	// 以下字段只在事件循环中访问。
	state        model.PlaybackState
	turns        []model.Turn
	decisions    int
	setbacks     int
	resultSaved  bool
	revealCancel context.CancelFunc
	startedAt    time.Time

	mu       sync.RWMutex
	snapshot model.PlaybackState
	history  []model.Turn
	subs     map[int]chan model.PlaybackState
	nextSub  int
	closed   bool

	closeOnce sync.Once
}

// NewSession 创建会话并启动事件循环。
func NewSession(opts Options, deps Deps) (*Session, error) {
	if deps.Dialogue == nil {
		return nil, errors.New("dialogue service is required")
	}
	if strings.TrimSpace(opts.SystemMessage) == "" {
		return nil, errors.New("system message is required")
	}
	opts.setDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	player := deps.Player
	if player == nil {
		player = nopPlayer{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:      opts,
		deps:      deps,
		logger:    deps.Logger.Named("Session").With(zap.String("session_id", opts.SessionID)),
		ctx:       ctx,
		cancel:    cancel,
		audio:     newAudioHandle(player),
		startedAt: opts.Now(),
		state: model.PlaybackState{
			Phase:         model.PhaseIdle,
			BackgroundURL: opts.Mission.Image,
			ProgressTrend: model.TrendUnchanged,
		},
		subs: make(map[int]chan model.PlaybackState),
	}
	s.snapshot = s.state
	s.queue = newEventQueue(ctx, opts.SessionID, s.handle, s.logger)

	metrics.SessionOpened()
	s.logger.Info("session started",
		zap.String("mission_id", opts.Mission.ID),
		zap.Bool("voice", opts.VoiceEnabled),
	)
	return s, nil
}

func (s *Session) ID() string { return s.opts.SessionID }

func (s *Session) Mission() model.Mission { return s.opts.Mission }

// Submit 提交一条用户输入。
// 返回 *ValidationError（空或超长）、ErrBusy（上一轮未结束）、ErrStopped（已停止）。
// 输入 stop（忽略大小写与首尾空白）总是被接受，即使当前轮次仍在进行。
func (s *Session) Submit(ctx context.Context, text string) (model.PlaybackState, error) {
	if err := s.queue.postSync(ctx, Event{Type: EventSubmitted, Text: text}); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

// Snapshot 返回最近一次发布的展示状态。
func (s *Session) Snapshot() model.PlaybackState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Turns 返回对话历史的副本。
func (s *Session) Turns() []model.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Subscribe 返回状态快照通道，订阅时先收到当前状态。
// 消费慢时中间状态会被丢弃，只保留最新一份。
func (s *Session) Subscribe() (<-chan model.PlaybackState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan model.PlaybackState, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- s.snapshot
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Close 停止事件循环与音频，并关闭所有订阅。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.queue.close()
		s.cancel()
		s.audio.stop()

		s.mu.Lock()
		s.closed = true
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()

		metrics.SessionClosed()
		s.logger.Info("session closed")
	})
}

// handle 是事件循环的入口。
func (s *Session) handle(ctx context.Context, evt Event) error {
	switch evt.Type {
	case EventSubmitted:
		return s.onSubmit(ctx, evt.Text)
	case EventReplyReceived:
		s.onReply(ctx, evt)
	case EventRevealStarted:
		s.apply(evt)
		if s.state.Phase == model.PhaseRevealing && s.state.TurnID == evt.TurnID {
			s.startReveal(evt.TurnID)
		}
	case EventSpeechFailed:
		before := s.state.Phase
		s.apply(evt)
		if before == model.PhaseFetching && s.state.Phase == model.PhaseIdle {
			s.finishTurn(ctx, "speech_failed")
		}
	case EventRevealTick:
		before := s.state.Phase
		s.apply(evt)
		if before == model.PhaseRevealing && s.state.Phase == model.PhaseIdle {
			s.stopReveal()
			s.finishTurn(ctx, "revealed")
		}
	case EventReplyFailed:
		before := s.state.Phase
		s.apply(evt)
		if before != s.state.Phase {
			metrics.TurnFinished("upstream_error")
			s.persist(ctx)
		}
	default:
		s.apply(evt)
	}
	return nil
}

func (s *Session) onSubmit(ctx context.Context, raw string) error {
	if s.state.Stopped {
		return ErrStopped
	}
	text := strings.TrimSpace(raw)
	if strings.EqualFold(text, stopCommand) {
		s.stop(ctx)
		return nil
	}
	if s.state.Phase != model.PhaseIdle {
		return ErrBusy
	}
	if text == "" {
		verr := &ValidationError{Reason: "message is empty"}
		s.apply(Event{Type: EventRejected, Text: "Please enter a message."})
		return verr
	}
	if n := utf8.RuneCountInString(text); n > s.opts.MaxMessageLength {
		verr := &ValidationError{Reason: fmt.Sprintf("message is %d characters, limit is %d", n, s.opts.MaxMessageLength)}
		s.apply(Event{Type: EventRejected, Text: fmt.Sprintf("Message is too long (max %d characters).", s.opts.MaxMessageLength)})
		return verr
	}

	turnID := uuid.NewString()
	s.stopReveal()
	s.apply(Event{Type: EventSubmitted, TurnID: turnID, Text: text})

	s.turns = append(s.turns, model.Turn{Role: model.RoleUser, Content: text})
	s.decisions++
	s.publishHistory()
	s.appendTimeline(ctx, turnID, "user_message", text)
	s.persist(ctx)

	req := model.DialogueRequest{
		Messages:        append([]model.Turn(nil), s.turns...),
		SystemMessage:   s.opts.SystemMessage,
		CurrentProgress: s.state.Progress,
	}
	go func() {
		turn, err := s.deps.Dialogue.Reply(s.ctx, req)
		if err != nil {
			s.logger.Warn("dialogue failed", zap.String("turn_id", turnID), zap.Error(err))
			s.queue.post(s.ctx, Event{Type: EventReplyFailed, TurnID: turnID, Text: noticeUpstream})
			return
		}
		s.queue.post(s.ctx, Event{Type: EventReplyReceived, TurnID: turnID, Text: turn.Content})
	}()
	return nil
}

// onReply 追加助手轮次并解码，随后并发启动取图与语音。
func (s *Session) onReply(ctx context.Context, evt Event) {
	before := s.state.Phase
	s.apply(evt)
	if before == s.state.Phase {
		// 过期回复（已停止或已换轮次）直接丢弃。
		return
	}
	turnID := evt.TurnID

	s.turns = append(s.turns, model.Turn{Role: model.RoleAssistant, Content: evt.Text})
	s.publishHistory()
	s.appendTimeline(ctx, turnID, "assistant_text", evt.Text)

	decoded, err := reply.Decode(evt.Text)
	if err != nil {
		s.logger.Warn("reply not structured, showing raw content", zap.String("turn_id", turnID), zap.Error(err))
		s.apply(Event{Type: EventDecodeFailed, TurnID: turnID, Text: evt.Text})
		s.finishTurn(ctx, "raw")
		return
	}

	prev := s.state.Progress
	next := resolveProgress(s.opts.ProgressMode, s.opts.ProgressStep, prev, decoded)
	if next < prev {
		s.setbacks++
	}

	character := s.speakerFor(decoded)
	speech := decoded.Speech
	text := character + ": " + speech
	if speech == "" {
		// 只有说话人没有台词时原样展示，也没有可朗读的内容。
		text = decoded.Utterance
	}
	s.apply(Event{
		Type:     EventDecoded,
		TurnID:   turnID,
		Speaker:  character,
		Text:     text,
		Progress: next,
	})
	s.scheduleTrendDecay(s.state.TrendSeq)

	if decoded.ImageInstruction != "" && s.deps.Image != nil {
		go s.fetchImage(turnID, decoded.ImageInstruction)
	}

	if speech != "" && s.opts.VoiceEnabled && s.deps.Speech != nil && s.deps.Player != nil {
		s.audio.begin(turnID)
		go s.fetchSpeech(turnID, speech, character)
		return
	}
	// 语音关闭：不等待音频，直接按节奏揭示。
	s.apply(Event{Type: EventRevealStarted, TurnID: turnID})
	s.startReveal(turnID)
}

// speakerFor 优先使用回复里识别出的角色，未知时回退到陪同角色。
func (s *Session) speakerFor(r model.StructuredReply) string {
	if r.Speaker != "" {
		if c, err := domain.LookupCharacter(r.Speaker); err == nil {
			return c.Name
		}
	}
	return s.opts.Mission.Companion
}

// fetchImage 是尽力而为的副作用：失败只记日志，背景保持不变。
func (s *Session) fetchImage(turnID, prompt string) {
	url, err := s.deps.Image.Generate(s.ctx, prompt)
	if err != nil {
		s.logger.Warn("image generation failed", zap.String("turn_id", turnID), zap.Error(err))
		return
	}
	s.queue.post(s.ctx, Event{Type: EventImageReady, TurnID: turnID, URL: url})
}

func (s *Session) fetchSpeech(turnID, text, character string) {
	audio, err := s.deps.Speech.Synthesize(s.ctx, text, character)
	if err != nil {
		s.logger.Warn("speech synthesis failed", zap.String("turn_id", turnID), zap.String("character", character), zap.Error(err))
		s.queue.post(s.ctx, Event{Type: EventSpeechFailed, TurnID: turnID})
		return
	}
	url, err := s.audio.start(s.ctx, turnID, audio)
	if errors.Is(err, errStaleAudio) {
		return
	}
	if err != nil {
		s.logger.Warn("audio playback failed", zap.String("turn_id", turnID), zap.Error(err))
		s.queue.post(s.ctx, Event{Type: EventSpeechFailed, TurnID: turnID})
		return
	}
	s.queue.post(s.ctx, Event{Type: EventRevealStarted, TurnID: turnID, URL: url})
}

// startReveal 启动逐字揭示定时器，节奏固定，与音频时长无关。
func (s *Session) startReveal(turnID string) {
	s.stopReveal()
	ctx, cancel := context.WithCancel(s.ctx)
	s.revealCancel = cancel
	interval := s.opts.RevealInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.queue.post(ctx, Event{Type: EventRevealTick, TurnID: turnID}) {
					return
				}
			}
		}
	}()
}

func (s *Session) stopReveal() {
	if s.revealCancel != nil {
		s.revealCancel()
		s.revealCancel = nil
	}
}

func (s *Session) scheduleTrendDecay(seq int64) {
	time.AfterFunc(s.opts.TrendDecay, func() {
		s.queue.post(s.ctx, Event{Type: EventTrendDecayed, Seq: seq})
	})
}

// finishTurn 在一轮展示结束后记录结果；进度到 100 时标记完成、保存一次成绩，并在延迟后离开。
func (s *Session) finishTurn(ctx context.Context, outcome string) {
	metrics.TurnFinished(outcome)
	if s.state.Progress >= 100 && !s.state.Completed {
		s.apply(Event{Type: EventCompleted})
		s.logger.Info("mission completed", zap.Int("decisions", s.decisions))
		s.saveResult(ctx)
		s.persist(ctx)
		s.scheduleLeave()
		return
	}
	s.persist(ctx)
}

// stop 停止交互：丢弃进行中的轮次，保存成绩，并在延迟后离开。
func (s *Session) stop(ctx context.Context) {
	s.stopReveal()
	s.audio.stop()
	s.apply(Event{Type: EventStopped})
	metrics.TurnFinished("stopped")
	s.appendTimeline(ctx, "", "stop", "")
	s.saveResult(ctx)
	s.persist(ctx)

	s.scheduleLeave()
	s.logger.Info("mission stopped", zap.Int("progress", s.state.Progress))
}

// scheduleLeave 在 StopDelay 后通知 Navigator 离开任务页。
func (s *Session) scheduleLeave() {
	if s.deps.Navigator == nil {
		return
	}
	id := s.opts.SessionID
	time.AfterFunc(s.opts.StopDelay, func() { s.deps.Navigator.Leave(id) })
}

func (s *Session) saveResult(ctx context.Context) {
	if s.resultSaved || s.deps.Results == nil {
		return
	}
	if s.opts.UserID == "" {
		s.logger.Debug("anonymous session, result not saved")
		return
	}
	s.resultSaved = true

	now := s.opts.Now()
	elapsed := now.Sub(s.startedAt)
	result := model.MissionResult{
		UserID:         s.opts.UserID,
		MissionID:      s.opts.Mission.ID,
		Percentage:     s.state.Progress,
		DecisionCount:  s.decisions,
		ElapsedSeconds: int64(elapsed / time.Second),
		Achievements: domain.DeriveAchievements(domain.ResultStats{
			Percentage:    s.state.Progress,
			DecisionCount: s.decisions,
			Elapsed:       elapsed,
			Setbacks:      s.setbacks,
		}),
		CompletedAt: now,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.deps.Results.Save(ctx, result); err != nil {
		s.logger.Error("save mission result failed", zap.Error(err))
	}
}

// apply 归约事件并在状态变化时发布快照。
func (s *Session) apply(evt Event) {
	next := Reduce(s.state, evt)
	if next == s.state {
		return
	}
	s.state = next
	s.publish(next)
}

func (s *Session) publish(state model.PlaybackState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = state
	for _, ch := range s.subs {
		// 只保留最新一份：先取走旧的再放入新的。
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- state:
		default:
		}
	}
}

func (s *Session) publishHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]model.Turn(nil), s.turns...)
}

func (s *Session) appendTimeline(ctx context.Context, turnID, typ, text string) {
	if s.deps.Timeline == nil {
		return
	}
	evt := &model.Event{
		EventID:  uuid.NewString(),
		TurnID:   turnID,
		Type:     typ,
		Text:     text,
		ServerTS: s.opts.Now(),
	}
	if _, err := s.deps.Timeline.Append(ctx, s.opts.SessionID, evt); err != nil {
		s.logger.Warn("append timeline failed", zap.String("type", typ), zap.Error(err))
	}
}

// persist 保存会话快照，失败不影响交互。
func (s *Session) persist(ctx context.Context) {
	if s.deps.Sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	state := &model.SessionState{
		SessionID: s.opts.SessionID,
		MissionID: s.opts.Mission.ID,
		UserID:    s.opts.UserID,
		Turns:     append([]model.Turn(nil), s.turns...),
		Progress:  s.state.Progress,
		Stopped:   s.state.Stopped,
		Completed: s.state.Completed,
		StartedAt: s.startedAt,
		UpdatedAt: s.opts.Now(),
	}
	if err := s.deps.Sessions.Save(ctx, state); err != nil {
		s.logger.Warn("persist session failed", zap.Error(err))
	}
}

type nopPlayer struct{}

func (nopPlayer) Play(_ context.Context, _ string, src io.ReadCloser) (string, error) {
	src.Close()
	return "", nil
}

func (nopPlayer) Stop() {}
