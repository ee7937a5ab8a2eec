// Package activity normalizes free-text action descriptions into a closed
// label set with a fixed emoji per label. Everything an LLM returns passes
// through here before it reaches the client, so the wire vocabulary stays
// small and stable.
package activity

import (
	"sort"
	"strings"
)

// ============================================================================
// CANONICAL LABELS
// ============================================================================

// Canonical everyday labels.
const (
	LabelSleep        = "睡覺"
	LabelRest         = "休息"
	LabelEat          = "吃飯"
	LabelChat         = "聊天"
	LabelWork         = "工作"
	LabelStudy        = "學習"
	LabelWakeUp       = "醒來"
	LabelUnconscious  = "意識不明"
	LabelInitializing = "初始化中"
	LabelMoving       = "移動中"
)

// Disaster reaction labels.
const (
	LabelTakeCover      = "尋找遮蔽物"
	LabelHideUnderDesk  = "躲到桌下"
	LabelFindExit       = "尋找安全出口"
	LabelDirectEvac     = "指揮疏散"
	LabelCalmOthers     = "安撫他人"
	LabelSeekMedical    = "尋找醫療救助"
	LabelHelpInjured    = "協助受傷的人"
	LabelAssessArea     = "評估周圍環境"
	LabelEvacToSubway   = "撤離到地鐵"
	LabelShelterSubway  = "在地鐵避難"
)

// FallbackLabel and FallbackEmoji are returned when nothing matches.
const (
	FallbackLabel = LabelUnconscious
	FallbackEmoji = "😵"
)

var labelEmojis = map[string]string{
	LabelSleep:        "😴",
	LabelRest:         "🛋️",
	LabelEat:          "🍕",
	LabelChat:         "💬",
	LabelWork:         "💼",
	LabelStudy:        "📚",
	LabelWakeUp:       "☀️",
	LabelUnconscious:  "😵",
	LabelInitializing: "⏳",
	LabelMoving:       "🚶",

	LabelTakeCover:     "🛡️",
	LabelHideUnderDesk: "🙈",
	LabelFindExit:      "🚪",
	LabelDirectEvac:    "📢",
	LabelCalmOthers:    "🤝",
	LabelSeekMedical:   "🏥",
	LabelHelpInjured:   "⛑️",
	LabelAssessArea:    "🔍",
	LabelEvacToSubway:  "🏃",
	LabelShelterSubway: "🚇",
}

var disasterLabels = map[string]bool{
	LabelTakeCover:     true,
	LabelHideUnderDesk: true,
	LabelFindExit:      true,
	LabelDirectEvac:    true,
	LabelCalmOthers:    true,
	LabelSeekMedical:   true,
	LabelHelpInjured:   true,
	LabelAssessArea:    true,
	LabelEvacToSubway:  true,
	LabelShelterSubway: true,
}

// ============================================================================
// KEYWORD TABLE
// ============================================================================

// keywordRule maps a keyword to its canonical label. ASCII keywords are
// lowercase; CJK keywords match by substring.
type keywordRule struct {
	keyword string
	label   string
}

var keywordRules = buildKeywordRules()

func buildKeywordRules() []keywordRule {
	table := map[string][]string{
		LabelSleep:  {"睡覺", "睡觉", "睡眠", "就寢", "入睡", "午睡", "打盹", "sleep"},
		LabelRest:   {"休息", "放鬆", "放松", "小憩", "咖啡", "下午茶", "rest", "relax"},
		LabelEat:    {"吃飯", "吃饭", "用餐", "早餐", "午餐", "晚餐", "便當", "外食", "聚餐", "eat", "lunch", "dinner", "breakfast"},
		LabelChat:   {"聊天", "交談", "對話", "交流", "聚會", "討論", "chat", "talk"},
		LabelWork:   {"工作", "上班", "辦公", "會議", "專案", "下班", "work", "meeting"},
		LabelStudy:  {"學習", "上課", "讀書", "課程", "圖書館", "閱讀", "教學", "study", "class"},
		LabelWakeUp: {"醒來", "起床", "早起", "晨間", "wake"},
		LabelUnconscious:  {"意識不明", "昏迷", "unconscious"},
		LabelInitializing: {"初始化", "等待初始化", "init"},
		LabelMoving:       {"移動", "前往", "出發", "路上", "move"},

		LabelTakeCover:     {"尋找遮蔽物", "遮蔽", "掩護", "保持警惕"},
		LabelHideUnderDesk: {"躲到桌下", "桌下", "躲避"},
		LabelFindExit:      {"尋找安全出口", "安全出口", "逃生"},
		LabelDirectEvac:    {"指揮疏散", "疏散"},
		LabelCalmOthers:    {"安撫他人", "安撫"},
		LabelSeekMedical:   {"尋找醫療救助", "醫療", "急救", "救助", "治療"},
		LabelHelpInjured:   {"協助受傷的人", "協助", "幫助受傷"},
		LabelAssessArea:    {"評估周圍環境", "評估", "重新評估"},
		LabelEvacToSubway:  {"撤離到地鐵", "撤離"},
		LabelShelterSubway: {"在地鐵避難", "避難"},
	}

	rules := make([]keywordRule, 0, 64)
	for label, keywords := range table {
		for _, kw := range keywords {
			rules = append(rules, keywordRule{keyword: kw, label: label})
		}
	}
	// Longer keywords win; equal lengths resolve by keyword order for
	// deterministic classification.
	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].keyword) != len(rules[j].keyword) {
			return len(rules[i].keyword) > len(rules[j].keyword)
		}
		return rules[i].keyword < rules[j].keyword
	})
	return rules
}

// ============================================================================
// CLASSIFICATION
// ============================================================================

// Classify maps a free-text action to its canonical label and emoji.
func Classify(raw string) (string, string) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return FallbackLabel, FallbackEmoji
	}

	// A known emoji in the text decides immediately.
	for label, emoji := range labelEmojis {
		if strings.Contains(candidate, emoji) {
			return label, emoji
		}
	}

	if emoji, ok := labelEmojis[candidate]; ok {
		return candidate, emoji
	}

	lowered := strings.ToLower(candidate)
	for _, rule := range keywordRules {
		if strings.Contains(lowered, rule.keyword) {
			return rule.label, labelEmojis[rule.label]
		}
	}

	return FallbackLabel, FallbackEmoji
}

// Normalize returns only the canonical label for a free-text action.
func Normalize(raw string) string {
	label, _ := Classify(raw)
	return label
}

// Emoji returns the fixed emoji for a canonical label, or the fallback emoji
// for anything outside the label set.
func Emoji(label string) string {
	if emoji, ok := labelEmojis[label]; ok {
		return emoji
	}
	return FallbackEmoji
}

// IsCanonical reports whether label belongs to the closed label set.
func IsCanonical(label string) bool {
	_, ok := labelEmojis[label]
	return ok
}

// IsDisasterLabel reports whether label is one of the disaster reactions.
func IsDisasterLabel(label string) bool {
	return disasterLabels[label]
}

// Labels returns the full closed label set in sorted order.
func Labels() []string {
	out := make([]string, 0, len(labelEmojis))
	for label := range labelEmojis {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}
