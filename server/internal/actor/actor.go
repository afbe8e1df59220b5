package actor

import (
	"fmt"
	"strings"

	"mission-talk/server/internal/domain"
	"mission-talk/server/internal/model"
)

// maxInstructionLength 限制系统指令长度，避免挤占模型上下文。
const maxInstructionLength = 4000

// ActorRequest 演员引擎的输入请求
type ActorRequest struct {
	Mission model.Mission
	// MaxSentences 为 0 时使用默认的 3 句。
	MaxSentences int
}

// ActorPrompt 演员引擎的输出
type ActorPrompt struct {
	Instructions string
	DebugInfo    map[string]interface{}
}

// BuildPrompt 根据任务与陪同角色构建角色设定指令
func BuildPrompt(req ActorRequest) (ActorPrompt, error) {
	companion, err := domain.LookupCharacter(req.Mission.Companion)
	if err != nil {
		return ActorPrompt{}, fmt.Errorf("companion %q: %w", req.Mission.Companion, err)
	}
	maxSentences := req.MaxSentences
	if maxSentences <= 0 {
		maxSentences = 3
	}

	var sb strings.Builder

	sb.WriteString("[Role Definition]\n")
	sb.WriteString(fmt.Sprintf("You are %s, a character in an interactive story.\n", companion.Name))
	sb.WriteString(fmt.Sprintf("Current mission: %s - %s.\n", req.Mission.Title, req.Mission.Description))
	sb.WriteString("Don't be very wordy, you must be concise, use normal words, and act like a real person.\n\n")

	sb.WriteString("[Character Guidelines]\n")
	for _, c := range domain.Characters() {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", c.Name, c.Tone))
	}
	sb.WriteString("\n")

	sb.WriteString("[Constraints]\n")
	sb.WriteString(fmt.Sprintf("- Keep responses concise (1-%d sentences) and stay in character.\n", maxSentences))
	sb.WriteString("- Guide the user through the mission while maintaining the story's atmosphere.\n")

	prompt := ActorPrompt{
		Instructions: sb.String(),
		DebugInfo: map[string]interface{}{
			"mission_id": req.Mission.ID,
			"companion":  companion.Name,
		},
	}
	if err := Validate(prompt); err != nil {
		return ActorPrompt{}, err
	}
	return prompt, nil
}

// Validate 校验生成的 Prompt
func Validate(prompt ActorPrompt) error {
	if len(prompt.Instructions) == 0 {
		return fmt.Errorf("empty instructions")
	}
	requiredSections := []string{
		"[Role Definition]",
		"[Character Guidelines]",
		"[Constraints]",
	}
	for _, section := range requiredSections {
		if !strings.Contains(prompt.Instructions, section) {
			return fmt.Errorf("missing required section: %s", section)
		}
	}
	if len(prompt.Instructions) > maxInstructionLength {
		return fmt.Errorf("instructions too long: %d > %d", len(prompt.Instructions), maxInstructionLength)
	}
	return nil
}

// BuildFallbackPrompt 构建兜底 Prompt（陪同角色未知时使用）
func BuildFallbackPrompt(mission model.Mission) ActorPrompt {
	instructions := fmt.Sprintf(`[Role Definition]
You are a friendly guide in an interactive story.
Current mission: %s - %s.

[Character Guidelines]
- Stay warm and encouraging.

[Constraints]
- Keep responses concise (1-3 sentences).
- End with a clear prompt for the user to respond.
`, mission.Title, mission.Description)

	return ActorPrompt{
		Instructions: instructions,
		DebugInfo: map[string]interface{}{
			"fallback": true,
			"reason":   "unknown companion",
		},
	}
}

// OutputContract 返回追加在系统指令之后的输出格式约定与进度规则。
// 进度规则只是给模型的建议，本地不强制执行。
func OutputContract(currentProgress int) string {
	return fmt.Sprintf(`
IMPORTANT: Return your responses as a JSON object with these fields:
{
  "userResponse": "Your actual dialogue message starting with your name (e.g., 'Professor Blue: Hello!')",
  "imagePrompt": "Detailed scene description for image generation",
  "progress": number (0-100, current: %d)
}

Progress Guidelines:
- Increase progress when user makes good choices or advances the story
- Decrease for poor choices or setbacks
- Keep same if just asking questions or no significant action
- Consider current progress (%d) when deciding changes

The user will only see the "userResponse" part. Make it natural and conversational.`, currentProgress, currentProgress)
}

// ReplySchema 是结构化回复的 JSON Schema，供支持结构化输出的模型使用。
func ReplySchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"userResponse": map[string]any{"type": "string"},
			"imagePrompt":  map[string]any{"type": "string"},
			"progress":     map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
		},
		"required":             []string{"userResponse", "imagePrompt", "progress"},
		"additionalProperties": false,
	}
}
