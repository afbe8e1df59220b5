package domain

import (
	"encoding/json"
	"fmt"
	"os"

	"mission-talk/server/internal/model"
)

// DefaultMissions 是未提供目录文件时使用的内置任务。
var DefaultMissions = []model.Mission{
	{
		ID:          "670a8cdc-8961-438b-b67f-1b259767d8c5",
		Title:       "The Lost City",
		Description: "Uncover the secrets of an ancient civilization",
		Companion:   "Professor Blue",
		Image:       "/mission-images/mission-1.jpg",
	},
	{
		ID:          "b2fa59e6-d406-4c51-8b99-00e72c2a3a10",
		Title:       "Space Odyssey",
		Description: "Navigate through an asteroid field in your spaceship",
		Companion:   "Captain Nova",
		Image:       "/mission-images/mission-2.jpg",
	},
	{
		ID:          "82761887-a4c7-4bd7-921a-4f0a3c18a558",
		Title:       "Enchanted Forest",
		Description: "Break the curse hurting magical creatures",
		Companion:   "Fairy Lumi",
		Image:       "/mission-images/mission-3.jpg",
	},
	{
		ID:          "e5b455a2-9f57-448f-a0f9-7dd873fb0dfd",
		Title:       "Cyber Heist",
		Description: "Infiltrate a high-security digital vault",
		Companion:   "Sergeant Nexus",
		Image:       "/mission-images/mission-4.jpg",
	},
}

// LoadMissions 从指定路径加载任务目录；路径为空时返回内置目录。
func LoadMissions(path string) ([]model.Mission, error) {
	if path == "" {
		out := make([]model.Mission, len(DefaultMissions))
		copy(out, DefaultMissions)
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read missions: %w", err)
	}

	var missions []model.Mission
	if err := json.Unmarshal(data, &missions); err != nil {
		return nil, fmt.Errorf("parse missions: %w", err)
	}

	for _, m := range missions {
		if m.ID == "" {
			return nil, fmt.Errorf("mission %q: id required", m.Title)
		}
		if _, err := LookupCharacter(m.Companion); err != nil {
			return nil, fmt.Errorf("mission %s: companion %q: %w", m.ID, m.Companion, err)
		}
	}
	return missions, nil
}

// FindMission 在目录中查找任务。
func FindMission(missions []model.Mission, id string) (model.Mission, bool) {
	for _, m := range missions {
		if m.ID == id {
			return m, true
		}
	}
	return model.Mission{}, false
}
