package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// ============================================================================
// MBTI PROFILES
// ============================================================================

// mbtiCooperation is the fixed base cooperation inclination per type.
var mbtiCooperation = map[string]float64{
	"ISTJ": 0.2, "ISFJ": 0.5, "INFJ": 0.6, "INTJ": 0.3,
	"ISTP": 0.4, "ISFP": 0.5, "INFP": 0.7, "INTP": 0.4,
	"ESTP": 0.6, "ESFP": 0.7, "ENFP": 0.8, "ENTP": 0.7,
	"ESTJ": 0.8, "ESFJ": 0.9, "ENFJ": 0.9, "ENTJ": 0.8,
}

// mbtiDescriptions is the fallback personality text used when no persona
// file overrides it.
var mbtiDescriptions = map[string]string{
	"ISTJ": "負責任、嚴謹保守，講求秩序，不傾向主動合作。",
	"ISFJ": "和善、盡責，重視他人感受，內向使其合作意願中等。",
	"INFJ": "理想主義且有洞察力，默默關懷他人，合作意願中等偏高。",
	"INTJ": "獨立戰略思考，講求邏輯，如有助計畫則願合作。",
	"ISTP": "務實冷靜，喜歡獨立解決問題，合作意願偏低。",
	"ISFP": "溫和敏感，樂於照顧親近的人，一對一合作尚可。",
	"INFP": "富同理心且忠於價值觀，若符合信念則樂於助人。",
	"INTP": "客觀好奇，獨立分析問題，只有在合理時才會合作。",
	"ESTP": "外向實際，適應力強，危機中會立即行動也可能協助他人。",
	"ESFP": "活潑友善，喜歡帶動團隊，遇事積極協助他人。",
	"ENFP": "熱情創意且善社交，傾向群體行動與合作。",
	"ENTP": "機敏健談，喜歡尋找新奇解決方案，願意與人合作解決問題。",
	"ESTJ": "務實果斷，擅長組織管理，他們會主導並要求合作。",
	"ESFJ": "熱心合群，重視團隊和諧，樂於為群體付出合作。",
	"ENFJ": "有同情心又善於領導，天然會帶領並協助他人。",
	"ENTJ": "自信領導，邏輯效率並重，會有效組織協調團體行動。",
}

// MBTITypes lists all sixteen personality tokens.
func MBTITypes() []string {
	out := make([]string, 0, len(mbtiCooperation))
	for mbti := range mbtiCooperation {
		out = append(out, mbti)
	}
	return out
}

// IsKnownMBTI reports whether token is one of the sixteen types.
func IsKnownMBTI(token string) bool {
	_, ok := mbtiCooperation[strings.ToUpper(token)]
	return ok
}

// Profile is a loaded persona: description plus the base cooperation value.
type Profile struct {
	Name        string
	MBTI        string
	Description string
	Cooperation float64
}

// DefaultProfile builds a profile purely from the MBTI tables.
func DefaultProfile(mbti string) Profile {
	upper := strings.ToUpper(mbti)
	desc, ok := mbtiDescriptions[upper]
	if !ok {
		desc = "未知個性"
	}
	coop, ok := mbtiCooperation[upper]
	if !ok {
		coop = 0.5
	}
	return Profile{Name: upper, MBTI: upper, Description: desc, Cooperation: coop}
}

// ParseProfile reads the key-value persona format: lines of "key: value"
// matched case-insensitively for name, mbti and personality.
func ParseProfile(content string) Profile {
	var profile Profile
	for _, line := range strings.Split(content, "\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		switch {
		case strings.Contains(key, "name"):
			profile.Name = value
		case strings.Contains(key, "mbti"):
			profile.MBTI = value
		case strings.Contains(key, "personality"):
			profile.Description = value
		}
	}
	return profile
}

// LoadProfile loads <baseDir>/<MBTI>/1.txt, falling back to the built-in
// tables when the file is missing or incomplete.
func LoadProfile(baseDir, mbti string) Profile {
	fallback := DefaultProfile(mbti)
	if baseDir == "" {
		return fallback
	}
	content, err := os.ReadFile(filepath.Join(baseDir, strings.ToUpper(mbti), "1.txt"))
	if err != nil {
		return fallback
	}
	parsed := ParseProfile(string(content))
	if parsed.Name != "" {
		fallback.Name = parsed.Name
	}
	if parsed.Description != "" {
		fallback.Description = parsed.Description
	}
	return fallback
}
