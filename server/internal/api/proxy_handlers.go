package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mission-talk/server/internal/actor"
	"mission-talk/server/internal/dialogue"
	"mission-talk/server/internal/domain"
	"mission-talk/server/internal/model"
	"mission-talk/server/internal/speech"
)

type chatRequest struct {
	model.DialogueRequest
	// MissionID 用于在缺少 systemMessage 时生成角色设定。
	MissionID string `json:"missionId"`
}

// handleChat 转发对话请求。默认以 SSE 流式返回，?stream=false 时返回完整助手轮次。
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.SystemMessage) == "" && req.MissionID != "" {
		mission, ok := domain.FindMission(s.deps.Missions, req.MissionID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
			return
		}
		req.SystemMessage = systemMessageFor(mission, s.logger)
	}

	if c.Query("stream") == "false" {
		turn, err := s.deps.Dialogue.Reply(c.Request.Context(), req.DialogueRequest)
		if err != nil {
			s.dialogueError(c, err)
			return
		}
		c.JSON(http.StatusOK, turn)
		return
	}

	started := false
	_, err := s.deps.Dialogue.Stream(c.Request.Context(), req.DialogueRequest, func(chunk string) error {
		if !started {
			started = true
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Status(http.StatusOK)
		}
		if err := writeSSEData(c, chunk); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		if !started {
			s.dialogueError(c, err)
			return
		}
		// 头已发出，只能在流中告知错误。
		s.logger.Warn("chat stream interrupted", zap.Error(err))
		fmt.Fprint(c.Writer, "event: error\ndata: stream interrupted\n\n")
		c.Writer.Flush()
		return
	}
	if !started {
		c.Header("Content-Type", "text/event-stream")
		c.Status(http.StatusOK)
	}
	fmt.Fprint(c.Writer, "event: done\ndata: [DONE]\n\n")
	c.Writer.Flush()
}

// writeSSEData 按 SSE 规范把多行文本拆成多个 data 行。
func writeSSEData(c *gin.Context, chunk string) error {
	var sb strings.Builder
	for _, line := range strings.Split(chunk, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	_, err := c.Writer.WriteString(sb.String())
	return err
}

func (s *Server) dialogueError(c *gin.Context, err error) {
	if errors.Is(err, dialogue.ErrMissingSystemMessage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "systemMessage or missionId required"})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get a reply"})
}

type imageRequest struct {
	Prompt string `json:"prompt"`
}

// handleGenerateImage 生成一张背景图。
func (s *Server) handleGenerateImage(c *gin.Context) {
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt required"})
		return
	}

	url, err := s.deps.Image.Generate(c.Request.Context(), req.Prompt)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to generate image",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"imageUrl": url})
}

type speechRequest struct {
	Text      string `json:"text"`
	Character string `json:"character"`
}

// handleTextToSpeech 以 audio/mpeg 流式返回角色语音。
func (s *Server) handleTextToSpeech(c *gin.Context) {
	var req speechRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	audio, err := s.deps.Speech.Synthesize(c.Request.Context(), req.Text, req.Character)
	switch {
	case errors.Is(err, speech.ErrInvalidCharacter):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid character"})
		return
	case errors.Is(err, speech.ErrEmptyText):
		c.JSON(http.StatusBadRequest, gin.H{"error": "text required"})
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate speech"})
		return
	}
	defer audio.Close()

	c.Header("Cache-Control", "no-cache")
	c.DataFromReader(http.StatusOK, -1, "audio/mpeg", audio, nil)
}

// systemMessageFor 根据任务生成角色设定，陪同角色未知时使用兜底版本。
func systemMessageFor(mission model.Mission, logger *zap.Logger) string {
	prompt, err := actor.BuildPrompt(actor.ActorRequest{Mission: mission})
	if err != nil {
		logger.Warn("build prompt failed, using fallback", zap.String("mission_id", mission.ID), zap.Error(err))
		prompt = actor.BuildFallbackPrompt(mission)
	}
	return prompt.Instructions
}
