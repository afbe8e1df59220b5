package domain

import "time"

const (
	AchievementQuickThinker = "Quick Thinker"
	AchievementDiplomat     = "Diplomat"
	AchievementExplorer     = "Explorer"
	AchievementStrategist   = "Strategist"
)

// ResultStats 是计算成就所需的最小统计。
type ResultStats struct {
	Percentage    int
	DecisionCount int
	Elapsed       time.Duration
	// Setbacks 是进度下降的次数。
	Setbacks int
}

// DeriveAchievements 根据本局统计计算成就标签，顺序固定。
func DeriveAchievements(s ResultStats) []string {
	out := []string{}
	completed := s.Percentage >= 100
	if completed && s.Elapsed > 0 && s.Elapsed <= 5*time.Minute {
		out = append(out, AchievementQuickThinker)
	}
	if completed && s.Setbacks == 0 {
		out = append(out, AchievementDiplomat)
	}
	if s.DecisionCount >= 15 {
		out = append(out, AchievementExplorer)
	}
	if completed && s.DecisionCount > 0 && s.DecisionCount <= 8 {
		out = append(out, AchievementStrategist)
	}
	return out
}
