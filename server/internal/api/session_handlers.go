package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mission-talk/server/internal/auth"
	"mission-talk/server/internal/domain"
	"mission-talk/server/internal/model"
	"mission-talk/server/internal/orchestrator"
	"mission-talk/server/internal/playback"
	"mission-talk/server/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
)

type createSessionRequest struct {
	MissionID string `json:"mission_id"`
	// VoiceEnabled 为空时使用服务端默认配置。
	VoiceEnabled *bool `json:"voice_enabled"`
}

type sessionView struct {
	SessionID string              `json:"session_id"`
	Mission   model.Mission       `json:"mission"`
	Portrait  string              `json:"portrait"`
	State     model.PlaybackState `json:"state"`
	Display   string              `json:"display"`
	Turns     []model.Turn        `json:"turns,omitempty"`
}

func viewOf(sess *orchestrator.Session, withTurns bool) sessionView {
	st := sess.Snapshot()
	v := sessionView{
		SessionID: sess.ID(),
		Mission:   sess.Mission(),
		Portrait:  domain.PortraitFor(sess.Mission().Companion),
		State:     st,
		Display:   st.Display(),
	}
	if withTurns {
		v.Turns = sess.Turns()
	}
	return v
}

// handleCreateSession 为指定任务创建一个运行中的会话。
func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.MissionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mission_id required"})
		return
	}
	mission, ok := domain.FindMission(s.deps.Missions, req.MissionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
		return
	}

	voice := s.config.Presenter.VoiceEnabled
	if req.VoiceEnabled != nil {
		voice = *req.VoiceEnabled
	}

	id := uuid.NewString()
	player := playback.NewBufferPlayer(fmt.Sprintf("/api/sessions/%s/audio", id))
	userID := auth.UserID(c)
	p := s.config.Presenter

	sess, err := orchestrator.NewSession(orchestrator.Options{
		SessionID:        id,
		Mission:          mission,
		UserID:           userID,
		SystemMessage:    systemMessageFor(mission, s.logger),
		VoiceEnabled:     voice,
		RevealInterval:   p.RevealInterval,
		TrendDecay:       p.TrendDecay,
		StopDelay:        p.StopDelay,
		MaxMessageLength: p.MaxMessageLength,
		ProgressMode:     p.ProgressMode,
		ProgressStep:     p.ProgressStep,
		Now:              s.now,
	}, orchestrator.Deps{
		Dialogue:  s.deps.Dialogue,
		Image:     s.deps.Image,
		Speech:    s.deps.Speech,
		Player:    player,
		Results:   s.deps.Results,
		Navigator: s,
		Sessions:  s.deps.Sessions,
		Timeline:  s.deps.Timeline,
		Logger:    s.deps.Logger,
	})
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create session failed"})
		return
	}

	ls := &liveSession{session: sess, player: player, userID: userID}
	ls.touch(s.now())
	s.liveMu.Lock()
	s.live[id] = ls
	s.liveMu.Unlock()

	c.JSON(http.StatusCreated, viewOf(sess, false))
}

type messageRequest struct {
	Text string `json:"text"`
}

// handleSessionMessage 提交一条用户输入，立即返回当前状态，后续变化通过 stream 推送。
func (s *Server) handleSessionMessage(c *gin.Context) {
	ls, ok := s.lookup(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	state, err := ls.session.Submit(c.Request.Context(), req.Text)
	var verr *orchestrator.ValidationError
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"state": state, "display": state.Display()})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason, "state": state})
	case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, orchestrator.ErrStopped):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": state})
	case errors.Is(err, orchestrator.ErrClosed):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit failed"})
	}
}

// handleSessionState 返回会话状态；会话已结束时回退到快照存储。
func (s *Server) handleSessionState(c *gin.Context) {
	if ls, ok := s.lookup(c); ok {
		c.JSON(http.StatusOK, viewOf(ls.session, true))
		return
	}

	stored, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, session.ErrNotFound) || (err == nil && stored.UserID != "" && stored.UserID != auth.UserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load session failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": stored.SessionID, "live": false, "snapshot": stored})
}

// handleDeleteSession 放弃会话：关闭运行中的会话并删除快照。
func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	_, live := s.lookup(c)
	if !live {
		stored, err := s.deps.Sessions.Get(c.Request.Context(), id)
		if err != nil || (stored.UserID != "" && stored.UserID != auth.UserID(c)) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
	}
	if live {
		s.Leave(id)
	}
	if err := s.deps.Sessions.Delete(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete session failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSessionAudio 返回当前轮次的语音。
func (s *Server) handleSessionAudio(c *gin.Context) {
	ls, ok := s.lookup(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	clip, ok := ls.player.Current(c.Query("turn"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no audio"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "audio/mpeg", clip.Data)
}

// handleSessionTimeline 返回会话的事件时间线，?after=<seq> 只返回之后的事件。
func (s *Server) handleSessionTimeline(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.lookup(c); !ok {
		stored, err := s.deps.Sessions.Get(c.Request.Context(), id)
		if err != nil || (stored.UserID != "" && stored.UserID != auth.UserID(c)) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
	}

	var after int64
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after"})
			return
		}
		after = n
	}
	events, err := s.deps.Timeline.List(c.Request.Context(), id, after)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load timeline failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleSessionStream 通过 WebSocket 推送状态快照。
// 客户端也可以在同一连接上发送 {"text": "..."} 提交输入。
func (s *Server) handleSessionStream(c *gin.Context) {
	ls, ok := s.lookup(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sessionID := ls.session.ID()
	logger := s.logger.With(zap.String("session_id", sessionID))
	updates, unsubscribe := ls.session.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go s.readStream(conn, ls, logger, done)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case state, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := conn.WriteJSON(gin.H{"type": "state", "state": state, "display": state.Display()}); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type streamMessage struct {
	Text string `json:"text"`
}

// readStream 读取客户端消息直到连接关闭。写操作只在 handleSessionStream 的循环中进行。
func (s *Server) readStream(conn *websocket.Conn, ls *liveSession, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		ls.touch(s.now())
		// 结果（包括校验提示）会体现在下一份状态快照里。
		if _, err := ls.session.Submit(context.Background(), msg.Text); err != nil {
			logger.Debug("stream submit rejected", zap.Error(err))
		}
	}
}
