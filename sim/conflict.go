package sim

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/aitown/townsim/agent"
)

// ============================================================================
// MBTI CONFLICTS
// ============================================================================

// ConflictEvent is one textual friction event between co-located agents.
type ConflictEvent struct {
	Text         string
	Participants []string
}

const conflictChance = 0.3

// conflictTracker gates conflict kinds per location behind randomized
// cooldowns so the same quarrel does not repeat every tick.
type conflictTracker struct {
	cooldownUntil map[string]time.Time
}

func newConflictTracker() *conflictTracker {
	return &conflictTracker{cooldownUntil: make(map[string]time.Time)}
}

func (t *conflictTracker) onCooldown(kind, location string, now time.Time) bool {
	return now.Before(t.cooldownUntil[kind+"|"+location])
}

func (t *conflictTracker) arm(kind, location string, now time.Time) {
	cooldown := time.Duration(5+rand.Intn(4)) * time.Minute
	t.cooldownUntil[kind+"|"+location] = now.Add(cooldown)
}

// MBTI group predicates.
func isSentinel(mbti string) bool {
	return len(mbti) == 4 && mbti[1] == 'S' && mbti[3] == 'J'
}

func isExplorer(mbti string) bool {
	return len(mbti) == 4 && mbti[1] == 'S' && mbti[3] == 'P'
}

func isDiplomat(mbti string) bool {
	return len(mbti) == 4 && mbti[1] == 'N' && mbti[2] == 'F'
}

func isRationalThinker(mbti string) bool {
	if len(mbti) != 4 {
		return false
	}
	if mbti[1] == 'N' && mbti[2] == 'T' {
		return true
	}
	return mbti[1] == 'S' && mbti[2] == 'T' && mbti[3] == 'P'
}

func isLeader(mbti string) bool {
	return mbti == "ENTJ" || mbti == "ESTJ"
}

func isContrarian(mbti string) bool {
	return isExplorer(mbti) || mbti == "ENFP"
}

func isIntrovert(mbti string) bool {
	return strings.HasPrefix(mbti, "I")
}

var talkativeKeywords = []string{"聊天", "討論", "指揮", "安撫"}

func isTalkative(mbti, action string) bool {
	if !strings.HasPrefix(mbti, "E") {
		return false
	}
	for _, kw := range talkativeKeywords {
		if strings.Contains(action, kw) {
			return true
		}
	}
	return false
}

// Generate produces this tick's conflict events for all co-located groups of
// conscious agents.
func (t *conflictTracker) Generate(now time.Time, agents []*agent.Agent) []ConflictEvent {
	type member struct {
		name, mbti, action string
	}
	groups := make(map[string][]member)
	for _, a := range agents {
		snap := a.Snapshot()
		if snap.Health == 0 {
			continue
		}
		groups[snap.CurrPlace] = append(groups[snap.CurrPlace], member{snap.Name, snap.MBTI, snap.CurrAction})
	}

	locations := make([]string, 0, len(groups))
	for loc, members := range groups {
		if len(members) >= 2 {
			locations = append(locations, loc)
		}
	}
	sort.Strings(locations)

	var events []ConflictEvent
	emit := func(kind, location string, a, b member, text string) {
		if t.onCooldown(kind, location, now) || rand.Float64() >= conflictChance {
			return
		}
		t.arm(kind, location, now)
		events = append(events, ConflictEvent{Text: text, Participants: []string{a.name, b.name}})
	}

	first := func(members []member, pred func(member) bool) (member, bool) {
		for _, m := range members {
			if pred(m) {
				return m, true
			}
		}
		return member{}, false
	}

	for _, loc := range locations {
		members := groups[loc]

		if a, ok := first(members, func(m member) bool { return isSentinel(m.mbti) }); ok {
			if b, ok := first(members, func(m member) bool { return isExplorer(m.mbti) }); ok {
				emit("route", loc, a, b, fmt.Sprintf(
					"%s(%s) 堅持照熟悉的路線走，%s(%s) 卻想抄捷徑，兩人為撤離路線爭執不下",
					a.name, a.mbti, b.name, b.mbti))
			}
		}

		if a, ok := first(members, func(m member) bool { return isDiplomat(m.mbti) }); ok {
			if b, ok := first(members, func(m member) bool { return isRationalThinker(m.mbti) }); ok {
				emit("rescue", loc, a, b, fmt.Sprintf(
					"%s(%s) 想先去救人，%s(%s) 認為應該先確保自身安全，兩人為救援優先順序起了爭執",
					a.name, a.mbti, b.name, b.mbti))
			}
		}

		if a, ok := first(members, func(m member) bool { return isLeader(m.mbti) }); ok {
			if b, ok := first(members, func(m member) bool { return isContrarian(m.mbti) && m.name != a.name }); ok {
				emit("leadership", loc, a, b, fmt.Sprintf(
					"%s(%s) 試圖指揮現場，%s(%s) 完全不買帳，場面一度混亂",
					a.name, a.mbti, b.name, b.mbti))
			}
		}

		if a, ok := first(members, func(m member) bool { return isIntrovert(m.mbti) }); ok {
			if b, ok := first(members, func(m member) bool { return isTalkative(m.mbti, m.action) }); ok {
				emit("communication", loc, a, b, fmt.Sprintf(
					"%s(%s) 被 %s(%s) 不停的喊話弄得心煩意亂",
					a.name, a.mbti, b.name, b.mbti))
			}
		}
	}
	return events
}
