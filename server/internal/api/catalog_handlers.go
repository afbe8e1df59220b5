package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mission-talk/server/internal/auth"
	"mission-talk/server/internal/domain"
	"mission-talk/server/internal/model"
	"mission-talk/server/internal/results"
)

// handleMissions 返回任务目录。
func (s *Server) handleMissions(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Missions)
}

// handleMission 返回单个任务及其陪同角色。
func (s *Server) handleMission(c *gin.Context) {
	mission, ok := domain.FindMission(s.deps.Missions, c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
		return
	}
	companion, err := domain.LookupCharacter(mission.Companion)
	if err != nil {
		companion = model.Character{Name: mission.Companion, Portrait: domain.PortraitFor(mission.Companion)}
	}
	c.JSON(http.StatusOK, gin.H{"mission": mission, "companion": companion})
}

// handleCharacters 返回固定角色表。
func (s *Server) handleCharacters(c *gin.Context) {
	c.JSON(http.StatusOK, domain.Characters())
}

type saveResultRequest struct {
	MissionID      string `json:"mission_id"`
	Percentage     int    `json:"percentage"`
	DecisionCount  int    `json:"decision_count"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
	Setbacks       int    `json:"setbacks"`
}

// handleSaveResult 保存当前用户的任务结果，成就由服务端计算。
func (s *Server) handleSaveResult(c *gin.Context) {
	var req saveResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if _, ok := domain.FindMission(s.deps.Missions, req.MissionID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
		return
	}

	elapsed := time.Duration(req.ElapsedSeconds) * time.Second
	result := model.MissionResult{
		UserID:         auth.UserID(c),
		MissionID:      req.MissionID,
		Percentage:     req.Percentage,
		DecisionCount:  req.DecisionCount,
		ElapsedSeconds: req.ElapsedSeconds,
		Achievements: domain.DeriveAchievements(domain.ResultStats{
			Percentage:    req.Percentage,
			DecisionCount: req.DecisionCount,
			Elapsed:       elapsed,
			Setbacks:      req.Setbacks,
		}),
		CompletedAt: s.now().UTC(),
	}

	if err := s.deps.Results.Save(c.Request.Context(), result); err != nil {
		if errors.Is(err, results.ErrInvalidResult) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save result failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleListResults 返回当前用户的全部任务结果。
func (s *Server) handleListResults(c *gin.Context) {
	list, err := s.deps.Results.ListByUser(c.Request.Context(), auth.UserID(c))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list results failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": list})
}
