// Package disaster records per-agent events during a quake run and computes
// the final evaluation scores.
package disaster

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// EVENT MODEL
// ============================================================================

// Event kinds.
const (
	KindInit        = "初始化"
	KindReaction    = "反應"
	KindLoss        = "損失"
	KindCooperation = "合作"
	KindQuarrel     = "爭吵"
)

// Event is one recorded occurrence for an agent.
type Event struct {
	Timestamp time.Time
	Kind      string
	Details   map[string]interface{}
}

// Scores is the per-agent evaluation result.
type Scores struct {
	LossScore     float64 `json:"loss_score"`
	ResponseScore float64 `json:"response_score"`
	CoopScore     float64 `json:"coop_score"`
	TotalScore    float64 `json:"total_score"`
	CoopCount     int     `json:"合作次數"`
	Notes         string  `json:"notes"`
}

// Report bundles the scores with the rendered table.
type Report struct {
	Scores map[string]Scores `json:"scores"`
	Text   string            `json:"text"`
}

// FinalState is an agent's HP at the end of the run, used to judge whether
// cooperation events were effective.
type FinalState struct {
	HP int
}

// ============================================================================
// LOGGER
// ============================================================================

// Logger is an append-only event recorder, safe for concurrent use.
type Logger struct {
	mu            sync.Mutex
	events        map[string][]Event
	disasterStart time.Time
	started       bool
}

// NewLogger creates an empty recorder.
func NewLogger() *Logger {
	return &Logger{events: make(map[string][]Event)}
}

// SetDisasterStart marks the simulated start of the disaster. Events other
// than initialization are dropped until this is set.
func (l *Logger) SetDisasterStart(start time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disasterStart = start
	l.started = true
	slog.Info("disaster recording started", "start", start)
}

// Record appends one event for an agent.
func (l *Logger) Record(agentID, kind string, at time.Time, details map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started && kind != KindInit {
		return
	}
	l.events[agentID] = append(l.events[agentID], Event{Timestamp: at, Kind: kind, Details: details})
	if msg, ok := details["message"].(string); ok && msg != "" {
		slog.Debug("disaster event", "agent", agentID, "kind", kind, "message", msg)
	}
}

// Events returns a copy of the recorded events for an agent.
func (l *Logger) Events(agentID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events[agentID]...)
}

// ============================================================================
// SCORING
// ============================================================================

type rawStats struct {
	loss         float64
	reactionSecs float64
	coopEvents   []map[string]interface{}
	quarrels     int
}

// ComputeScores evaluates every recorded agent against its final state.
func (l *Logger) ComputeScores(finalStates map[string]FinalState) map[string]Scores {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := make(map[string]*rawStats)
	for agentID, events := range l.events {
		agg := &rawStats{reactionSecs: math.Inf(1)}
		stats[agentID] = agg
		for _, event := range events {
			switch event.Kind {
			case KindLoss:
				agg.loss += toFloat(event.Details["value"])
			case KindReaction:
				if l.started {
					secs := event.Timestamp.Sub(l.disasterStart).Seconds()
					if secs < agg.reactionSecs {
						agg.reactionSecs = secs
					}
				}
			case KindCooperation:
				agg.coopEvents = append(agg.coopEvents, event.Details)
			case KindQuarrel:
				agg.quarrels++
			}
		}
	}

	results := make(map[string]Scores, len(stats))
	for agentID, agg := range stats {
		lossScore := math.Max(0, 10-agg.loss/10)

		responseScore := 0.0
		if !math.IsInf(agg.reactionSecs, 1) {
			responseScore = math.Max(0, 10-math.Max(0, agg.reactionSecs-5)/55*10)
		}

		effective := 0
		for _, coop := range agg.coopEvents {
			helped, _ := coop["受助者"].(string)
			originalHP, hasHP := coop["原始HP"]
			if helped == "" || !hasHP {
				continue
			}
			if final, ok := finalStates[helped]; ok && float64(final.HP) > toFloat(originalHP) {
				effective++
			}
		}
		coopScore := math.Min(10, float64(effective)*2.5)
		penalty := float64(agg.quarrels) * 2.0
		total := math.Max(0, lossScore+responseScore+coopScore-penalty)

		results[agentID] = Scores{
			LossScore:     round2(lossScore),
			ResponseScore: round2(responseScore),
			CoopScore:     round2(coopScore),
			TotalScore:    round2(total),
			CoopCount:     len(agg.coopEvents),
			Notes: fmt.Sprintf("記錄合作 %d 次, 有效合作 %d 次, 爭吵 %d 次",
				len(agg.coopEvents), effective, agg.quarrels),
		}
	}
	return results
}

// GenerateReport renders the evaluation table plus per-agent notes.
func (l *Logger) GenerateReport(finalStates map[string]FinalState) Report {
	scores := l.ComputeScores(finalStates)

	agentIDs := make([]string, 0, len(scores))
	for id := range scores {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)

	headers := []string{"代理人", "總分", "損失", "反應", "合作", "合作次數"}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len([]rune(h))
	}

	rows := make([][]string, 0, len(agentIDs))
	for _, id := range agentIDs {
		s := scores[id]
		row := []string{
			id,
			fmt.Sprintf("%.2f", s.TotalScore),
			fmt.Sprintf("%.2f", s.LossScore),
			fmt.Sprintf("%.2f", s.ResponseScore),
			fmt.Sprintf("%.2f", s.CoopScore),
			fmt.Sprintf("%d", s.CoopCount),
		}
		rows = append(rows, row)
		for i, cell := range row {
			if n := len([]rune(cell)); n > widths[i] {
				widths[i] = n
			}
		}
	}

	lines := []string{"--- 災難模擬評分報表 ---", ""}
	if len(rows) > 0 {
		lines = append(lines, joinPadded(headers, widths))
		total := 0
		for _, w := range widths {
			total += w
		}
		lines = append(lines, strings.Repeat("-", total+2*(len(headers)-1)), "")
		for i, row := range rows {
			lines = append(lines, joinPadded(row, widths))
			if notes := scores[agentIDs[i]].Notes; notes != "" {
				lines = append(lines, "  • "+notes)
			}
			lines = append(lines, "")
		}
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return Report{Scores: scores, Text: strings.Join(lines, "\n")}
}

func joinPadded(cells []string, widths []int) string {
	padded := make([]string, len(cells))
	for i, cell := range cells {
		pad := widths[i] - len([]rune(cell))
		if pad < 0 {
			pad = 0
		}
		padded[i] = cell + strings.Repeat(" ", pad)
	}
	return strings.Join(padded, "  ")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case float32:
		return float64(n)
	}
	return 0
}
