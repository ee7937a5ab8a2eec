package llm

import (
	"strings"

	"github.com/siongui/gojianfan"
)

// ============================================================================
// OUTPUT SANITATION
// ============================================================================

// Repetition clamp bounds. A substring of at most maxUnitRunes runes repeating
// more than maxRepeats times consecutively is truncated to maxRepeats copies.
const (
	maxUnitRunes = 12
	maxRepeats   = 6
)

// ClampRepetition collapses pathological repetition loops produced by
// streaming models.
func ClampRepetition(s string) string {
	runes := []rune(s)
	for unit := 1; unit <= maxUnitRunes; unit++ {
		runes = clampUnit(runes, unit)
	}
	return string(runes)
}

func clampUnit(runes []rune, unit int) []rune {
	if len(runes) < unit*(maxRepeats+1) {
		return runes
	}
	out := make([]rune, 0, len(runes))
	i := 0
	for i < len(runes) {
		if i+unit > len(runes) {
			out = append(out, runes[i:]...)
			break
		}
		// Count consecutive repeats of runes[i:i+unit].
		repeats := 1
		for i+unit*(repeats+1) <= len(runes) && equalRunes(runes[i:i+unit], runes[i+unit*repeats:i+unit*(repeats+1)]) {
			repeats++
		}
		if repeats > maxRepeats {
			for k := 0; k < maxRepeats; k++ {
				out = append(out, runes[i:i+unit]...)
			}
			i += unit * repeats
			continue
		}
		out = append(out, runes[i])
		i++
	}
	return out
}

func equalRunes(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ToTraditional converts simplified Chinese text to traditional.
func ToTraditional(s string) string {
	return gojianfan.S2T(s)
}

// SanitizeString applies the full sanitation pipeline to one string.
func SanitizeString(s string) string {
	return ClampRepetition(ToTraditional(strings.TrimSpace(s)))
}

// SanitizeValue applies sanitation recursively to every string leaf of a
// decoded JSON value.
func SanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return SanitizeString(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = SanitizeValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[SanitizeString(k)] = SanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
