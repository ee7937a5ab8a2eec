package llm

import (
	"embed"
	"fmt"
	"strings"
)

// ============================================================================
// PROMPT TEMPLATES
// ============================================================================

//go:embed prompts/*.txt
var promptFS embed.FS

// commentMarker separates the template's variable documentation from the
// prompt body.
const commentMarker = "<commentblockmarker>###</commentblockmarker>"

// Template keys.
const (
	KeyGenerateInitialMemory  = "generate_initial_memory"
	KeyGenerateWeeklySchedule = "generate_weekly_schedule"
	KeyGenerateSchedule       = "generate_schedule"
	KeyWakeUpHour             = "wake_up_hour"
	KeyPronunciatio           = "pronunciatio"
	KeyActionThought          = "generate_action_thought"
	KeyDoubleChat             = "double_chat"
	KeyInnerMonologue         = "inner_monologue"
	KeyEarthquakeStepAction   = "earthquake_step_action"
	KeyRecoveryAction         = "get_recovery_action"
	KeySummarizeDisaster      = "summarize_disaster"
)

// RenderTemplate loads the template for key and substitutes the positional
// !<INPUT k>! placeholders.
func RenderTemplate(key string, args []string) (string, error) {
	data, err := promptFS.ReadFile("prompts/" + key + ".txt")
	if err != nil {
		return "", fmt.Errorf("unknown prompt template %q: %w", key, err)
	}
	prompt := string(data)
	for idx, val := range args {
		prompt = strings.ReplaceAll(prompt, fmt.Sprintf("!<INPUT %d>!", idx), val)
	}
	if i := strings.Index(prompt, commentMarker); i != -1 {
		prompt = prompt[i+len(commentMarker):]
	}
	return strings.TrimSpace(prompt), nil
}
