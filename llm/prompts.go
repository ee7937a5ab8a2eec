package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

var wakeTimePattern = regexp.MustCompile(`\b([0-1][0-9]|2[0-3])[:\-]([0-5][0-9])\b`)

// ============================================================================
// TYPED PROMPT WRAPPERS
// ============================================================================

// HourlyTask is one generated activity with a duration in minutes.
type HourlyTask struct {
	Label   string
	Minutes int
}

// DialogueLine is one utterance in a generated conversation.
type DialogueLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// ChatAgent carries the persona context of one chat participant.
type ChatAgent struct {
	Name    string
	MBTI    string
	Persona string
	Memory  string
	Action  string
}

// ChatContext is the full context for a two-agent conversation.
type ChatContext struct {
	Location  string
	NowTime   string
	History   []string
	EqContext string
	Agent1    ChatAgent
	Agent2    ChatAgent
}

// MonologueContext is the context for a single agent's inner monologue.
type MonologueContext struct {
	Name      string
	MBTI      string
	Persona   string
	Location  string
	Action    string
	NowTime   string
	Memory    string
	EqContext string
}

const normalContext = "目前一切正常。"

// GenerateInitialMemory produces an agent's background story. The boolean is
// false when generation fell back to the default.
func GenerateInitialMemory(ctx context.Context, s Service, name, mbti, persona, home string) (string, bool) {
	fallback := "記憶生成失敗，請檢查LLM連線。"
	result := asString(s.Call(ctx, KeyGenerateInitialMemory, []string{name, mbti, persona, home},
		"僅返回描述代理人背景故事的純文字字串。", fallback), fallback)
	return result, result != fallback
}

// GenerateWeeklySchedule produces weekday goals for the coming week.
func GenerateWeeklySchedule(ctx context.Context, s Service, persona string) (map[string]string, bool) {
	weekdays := []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}
	fallback := make(map[string]interface{}, len(weekdays))
	for _, day := range weekdays {
		fallback[day] = "自由活動"
	}

	result := s.Call(ctx, KeyGenerateWeeklySchedule, []string{persona},
		"返回一個包含七天（Monday-Sunday）鍵的 JSON 物件。", fallback)

	schedule := make(map[string]string, len(weekdays))
	obj, ok := result.(map[string]interface{})
	if !ok {
		obj = fallback
	}
	for _, day := range weekdays {
		schedule[day] = asString(obj[day], "自由活動")
	}
	generated := ok && len(obj) == 7 && !sameValues(obj, fallback)
	return schedule, generated
}

// GenerateHourlySchedule produces today's activity list as duration tasks.
func GenerateHourlySchedule(ctx context.Context, s Service, persona, date, goal string) []HourlyTask {
	fallback := []interface{}{[]interface{}{"自由活動", float64(1440)}}
	result := s.Call(ctx, KeyGenerateSchedule, []string{persona, date, goal},
		"返回一個列表，其中每個子列表包含[活動名稱, 持續分鐘數]。", fallback)

	items, ok := result.([]interface{})
	if !ok {
		items = fallback
	}
	tasks := make([]HourlyTask, 0, len(items))
	for _, item := range items {
		pair, ok := item.([]interface{})
		if !ok || len(pair) < 2 {
			continue
		}
		label := asString(pair[0], "")
		minutes := asInt(pair[1], 0)
		if label == "" || minutes <= 0 {
			continue
		}
		tasks = append(tasks, HourlyTask{Label: label, Minutes: minutes})
	}
	if len(tasks) == 0 {
		tasks = append(tasks, HourlyTask{Label: "自由活動", Minutes: 1440})
	}
	return tasks
}

// WakeUpHour asks for today's wake time and normalizes it to "HH-MM". A
// random plausible morning time is the fallback.
func WakeUpHour(ctx context.Context, s Service, persona, date string, tasks []HourlyTask) string {
	taskJSON, err := json.Marshal(tasks)
	if err != nil {
		taskJSON = []byte("[]")
	}
	minutes := []string{"00", "15", "30"}
	fallback := fmt.Sprintf("%02d-%s", 6+rand.Intn(3), minutes[rand.Intn(len(minutes))])

	raw := asString(s.Call(ctx, KeyWakeUpHour, []string{persona, date, string(taskJSON)},
		"返回 \"HH:MM\" 或 \"HH-MM\" 格式的時間字串。", fallback), fallback)
	if m := wakeTimePattern.FindStringSubmatch(raw); m != nil {
		return m[1] + "-" + m[2]
	}
	return fallback
}

// Pronunciatio asks for an emoji representing an action the classifier could
// not match.
func Pronunciatio(ctx context.Context, s Service, action string) string {
	return asString(s.Call(ctx, KeyPronunciatio, []string{action},
		"只返回一個最適合的 emoji 圖標字串。", "❓"), "❓")
}

// ActionThought produces a short inner thought for a new action.
func ActionThought(ctx context.Context, s Service, persona, place, action string) string {
	return asString(s.Call(ctx, KeyActionThought, []string{persona, place, action},
		"返回一句約20字的簡短內心想法字串。", ""), "")
}

// EarthquakeStepAction asks for the agent's next move mid-quake.
func EarthquakeStepAction(ctx context.Context, s Service, persona string, health int, mental, place string, intensity float64, disasterLog []string) (string, string) {
	fallback := map[string]interface{}{"action": "保持警惕", "thought": "(恐懼中...)"}
	result := s.Call(ctx, KeyEarthquakeStepAction, []string{
		persona, fmt.Sprintf("%d", health), mental, place,
		fmt.Sprintf("%.2f", intensity), strings.Join(disasterLog, "\n"),
	}, "輸出包含 \"action\" 和 \"thought\" 鍵的 JSON 物件。", fallback)

	obj, ok := result.(map[string]interface{})
	if !ok {
		obj = fallback
	}
	return asString(obj["action"], "保持警惕"), asString(obj["thought"], "(恐懼中...)")
}

// DoubleAgentsChat generates a conversation between two co-located agents.
func DoubleAgentsChat(ctx context.Context, s Service, chat ChatContext) (string, []DialogueLine) {
	fallback := map[string]interface{}{"thought": "解析錯誤。", "dialogue": []interface{}{}}
	eqCtx := chat.EqContext
	if eqCtx == "" {
		eqCtx = normalContext
	}
	historyJSON, err := json.Marshal(chat.History)
	if err != nil {
		historyJSON = []byte("[]")
	}

	result := s.Call(ctx, KeyDoubleChat, []string{
		chat.Location,
		chat.Agent1.Name, chat.Agent1.MBTI, chat.Agent1.Persona, tail(chat.Agent1.Memory, 500),
		chat.Agent2.Name, chat.Agent2.MBTI, chat.Agent2.Persona, tail(chat.Agent2.Memory, 500),
		chat.NowTime, chat.Agent1.Action, chat.Agent2.Action,
		eqCtx, string(historyJSON),
	}, "輸出一個包含 \"thought\" 和 \"dialogue\" 鍵的 JSON 物件。", fallback)

	obj, ok := result.(map[string]interface{})
	if !ok {
		obj = fallback
	}
	return asString(obj["thought"], "解析錯誤。"), parseDialogue(obj["dialogue"])
}

// InnerMonologue generates a private reflection for one agent.
func InnerMonologue(ctx context.Context, s Service, m MonologueContext) (string, string) {
	fallback := map[string]interface{}{"thought": "解析錯誤。", "monologue": "（正在思考...）"}
	eqCtx := m.EqContext
	if eqCtx == "" {
		eqCtx = normalContext
	}

	result := s.Call(ctx, KeyInnerMonologue, []string{
		m.Name, m.MBTI, m.Persona, m.Location, m.Action, m.NowTime, tail(m.Memory, 500), eqCtx,
	}, "輸出一個包含 \"thought\" 和 \"monologue\" 鍵的 JSON 物件。", fallback)

	obj, ok := result.(map[string]interface{})
	if !ok {
		obj = fallback
	}
	return asString(obj["thought"], "解析錯誤。"), asString(obj["monologue"], "（正在思考...）")
}

// SummarizeDisaster condenses the disaster experience log into a memory.
func SummarizeDisaster(ctx context.Context, s Service, name, mbti string, health int, experienceLog []string) string {
	logStr := strings.Join(experienceLog, "\n")
	if logStr == "" {
		logStr = "(沒有具體事件記錄)"
	}
	return asString(s.Call(ctx, KeySummarizeDisaster,
		[]string{name, mbti, fmt.Sprintf("%d", health), logStr},
		"返回簡短的災後記憶總結字串。", "經歷了一場地震，現在安全。"), "經歷了一場地震，現在安全。")
}

// RecoveryAction suggests what to do right after the quake.
func RecoveryAction(ctx context.Context, s Service, persona, mental, place string) string {
	return asString(s.Call(ctx, KeyRecoveryAction, []string{persona, mental, place},
		"返回建議的恢復行動短語字串。", "原地休息"), "原地休息")
}

// ============================================================================
// COERCION HELPERS
// ============================================================================

func asString(v interface{}, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func asInt(v interface{}, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		var parsed int
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

func parseDialogue(v interface{}) []DialogueLine {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	lines := make([]DialogueLine, 0, len(items))
	for _, item := range items {
		switch line := item.(type) {
		case []interface{}:
			if len(line) >= 2 {
				lines = append(lines, DialogueLine{Speaker: asString(line[0], ""), Text: asString(line[1], "")})
			}
		case map[string]interface{}:
			speaker := asString(line["speaker"], asString(line["name"], ""))
			text := asString(line["text"], asString(line["content"], ""))
			if speaker != "" || text != "" {
				lines = append(lines, DialogueLine{Speaker: speaker, Text: text})
			}
		}
	}
	return lines
}

func sameValues(a map[string]interface{}, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
