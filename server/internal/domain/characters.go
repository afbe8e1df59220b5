package domain

import (
	"errors"
	"sort"

	"mission-talk/server/internal/model"
)

// ErrUnknownCharacter 表示角色不在固定角色表中。
var ErrUnknownCharacter = errors.New("unknown character")

// DefaultCompanion 是立绘查找失败时的兜底角色。
const DefaultCompanion = "Professor Blue"

var characters = map[string]model.Character{
	"Professor Blue": {
		Name:     "Professor Blue",
		Portrait: "/companions/professor-blue.png",
		VoiceID:  "1SM7GgM6IMuvQlz2BwM3",
		Tone:     "Speak like an enthusiastic, knowledgeable archaeologist",
	},
	"Captain Nova": {
		Name:     "Captain Nova",
		Portrait: "/companions/captain-nova.png",
		VoiceID:  "DATmubGSst6fXALPucOB",
		Tone:     "Use space terminology and be confident",
	},
	"Fairy Lumi": {
		Name:     "Fairy Lumi",
		Portrait: "/companions/fairy-lumi.png",
		VoiceID:  "XfNU2rGpBa01ckF309OY",
		Tone:     "Be gentle and mystical in your responses",
	},
	"Sergeant Nexus": {
		Name:     "Sergeant Nexus",
		Portrait: "/companions/sergeant-nexus.png",
		VoiceID:  "sjwRAsCdMJodJszgJ6Ks",
		Tone:     "Be direct and use cybersecurity terms",
	},
}

// LookupCharacter 按名字查找固定角色。
func LookupCharacter(name string) (model.Character, error) {
	c, ok := characters[name]
	if !ok {
		return model.Character{}, ErrUnknownCharacter
	}
	return c, nil
}

// Characters 返回按名字排序的全部角色，保证输出顺序稳定。
func Characters() []model.Character {
	out := make([]model.Character, 0, len(characters))
	for _, c := range characters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PortraitFor 返回角色立绘，未知角色回退到 Professor Blue。
func PortraitFor(name string) string {
	if c, ok := characters[name]; ok {
		return c.Portrait
	}
	return characters[DefaultCompanion].Portrait
}
