package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mission-talk/server/internal/auth"
	"mission-talk/server/internal/config"
	"mission-talk/server/internal/imagegen"
	"mission-talk/server/internal/model"
	"mission-talk/server/internal/orchestrator"
	"mission-talk/server/internal/playback"
	"mission-talk/server/internal/results"
	"mission-talk/server/internal/session"
	"mission-talk/server/internal/speech"
	"mission-talk/server/internal/timeline"
)

// DialogueProxy 是对话服务代理，支持一次性与流式两种返回。
type DialogueProxy interface {
	Reply(ctx context.Context, req model.DialogueRequest) (model.Turn, error)
	Stream(ctx context.Context, req model.DialogueRequest, onChunk func(string) error) (model.Turn, error)
}

// Deps 是 Server 的协作者。
type Deps struct {
	Dialogue DialogueProxy
	Image    imagegen.Generator
	Speech   speech.Synthesizer
	Sessions session.Store
	Timeline timeline.Store
	Results  results.Store
	Verifier *auth.Verifier
	Missions []model.Mission
	Logger   *zap.Logger
}

type Server struct {
	config *config.Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	// live 管理所有活跃的任务会话 (sessionID -> liveSession)
	live   map[string]*liveSession
	liveMu sync.RWMutex

	upgrader websocket.Upgrader
}

// liveSession 是一个运行中的会话及其音频缓冲。
type liveSession struct {
	session *orchestrator.Session
	player  *playback.BufferPlayer
	userID  string
	// lastActive 是最近一次访问的 UnixNano，用于空闲回收。
	lastActive atomic.Int64
}

func (ls *liveSession) touch(now time.Time) {
	ls.lastActive.Store(now.UnixNano())
}

func (ls *liveSession) idleSince() time.Time {
	return time.Unix(0, ls.lastActive.Load())
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewInMemoryStore()
	}
	if deps.Timeline == nil {
		deps.Timeline = timeline.NewInMemoryStore()
	}
	if deps.Results == nil {
		deps.Results = results.NewInMemoryStore()
	}
	s := &Server{
		config: cfg,
		deps:   deps,
		logger: deps.Logger.Named("API"),
		now:    time.Now,
		live:   make(map[string]*liveSession),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(requestLogger(s.logger), gin.Recovery(), corsMiddleware(s.config.Server.AllowedOrigins))

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api")
	api.POST("/chat", s.handleChat)
	api.POST("/generate-image", s.handleGenerateImage)
	api.POST("/text-to-speech", s.handleTextToSpeech)

	api.GET("/missions", s.handleMissions)
	api.GET("/missions/:id", s.handleMission)
	api.GET("/characters", s.handleCharacters)

	sessionAuth := auth.Middleware(s.deps.Verifier, s.config.Auth.Required, s.logger)
	sessions := api.Group("/sessions", sessionAuth)
	sessions.POST("", s.handleCreateSession)
	sessions.POST("/:id/messages", s.handleSessionMessage)
	sessions.GET("/:id/state", s.handleSessionState)
	sessions.GET("/:id/timeline", s.handleSessionTimeline)
	sessions.DELETE("/:id", s.handleDeleteSession)

	// 浏览器的 WebSocket 与 <audio> 无法设置请求头，令牌改由查询参数携带。
	media := api.Group("/sessions", auth.Middleware(s.deps.Verifier, s.config.Auth.Required, s.logger,
		auth.WithQueryToken(auth.QueryTokenParam)))
	media.GET("/:id/stream", s.handleSessionStream)
	media.GET("/:id/audio", s.handleSessionAudio)

	resultsGroup := api.Group("/results", auth.Middleware(s.deps.Verifier, true, s.logger))
	resultsGroup.POST("", s.handleSaveResult)
	resultsGroup.GET("", s.handleListResults)

	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	s.liveMu.RLock()
	n := len(s.live)
	s.liveMu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "live_sessions": n})
}

// Leave 在停止延迟到期后关闭会话，实现 orchestrator.Navigator。
func (s *Server) Leave(sessionID string) {
	s.liveMu.Lock()
	ls, ok := s.live[sessionID]
	delete(s.live, sessionID)
	s.liveMu.Unlock()

	if ok {
		ls.session.Close()
		s.logger.Info("session left", zap.String("session_id", sessionID))
	}
}

// RunReaper 定期回收空闲超过 server.session_idle_ttl 的会话，直到 ctx 结束。
func (s *Server) RunReaper(ctx context.Context) {
	ttl := s.config.Server.SessionIdleTTL
	if ttl <= 0 {
		return
	}
	interval := min(max(ttl/4, time.Second), time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.reapIdle(); n > 0 {
				s.logger.Info("idle sessions reaped", zap.Int("count", n))
			}
		}
	}
}

// reapIdle 关闭空闲超时的会话，返回回收数量。快照仍保留在存储中。
func (s *Server) reapIdle() int {
	ttl := s.config.Server.SessionIdleTTL
	if ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-ttl)

	s.liveMu.RLock()
	var idle []string
	for id, ls := range s.live {
		if ls.idleSince().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	s.liveMu.RUnlock()

	for _, id := range idle {
		s.Leave(id)
	}
	return len(idle)
}

// Shutdown 关闭所有活跃会话。
func (s *Server) Shutdown() {
	s.liveMu.Lock()
	live := s.live
	s.live = make(map[string]*liveSession)
	s.liveMu.Unlock()

	for _, ls := range live {
		ls.session.Close()
	}
}

func (s *Server) lookup(c *gin.Context) (*liveSession, bool) {
	s.liveMu.RLock()
	ls, ok := s.live[c.Param("id")]
	s.liveMu.RUnlock()
	if !ok {
		return nil, false
	}
	// 绑定了用户的会话只对本人可见。
	if ls.userID != "" && ls.userID != auth.UserID(c) {
		return nil, false
	}
	ls.touch(s.now())
	return ls, true
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.Server.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	return false
}
