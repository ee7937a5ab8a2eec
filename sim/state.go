// Package sim contains the tick engine: the simulated clock, the phase state
// machine, per-agent updates, social interaction and frame assembly.
package sim

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// PHASES
// ============================================================================

// Phase is the top-level simulation phase.
type Phase string

const (
	PhaseNormal     Phase = "Normal"
	PhaseEarthquake Phase = "Earthquake"
	PhaseRecovery   Phase = "Recovery"
	PhaseDiscussion Phase = "PostQuakeDiscussion"
)

// Fixed phase durations.
const (
	RecoveryDuration   = 60 * time.Minute
	DiscussionDuration = 6 * time.Hour
	RecoveryStepMin    = 10
)

// ============================================================================
// PARAMETERS
// ============================================================================

// QuakeEvent is one scheduled earthquake.
type QuakeEvent struct {
	At        time.Time
	Duration  time.Duration
	Intensity float64
}

// Params are the run parameters carried by start_simulation.
type Params struct {
	Duration int
	Step     int
	EqStep   int

	Start time.Time

	MBTI             []string
	Locations        []string
	InitialPositions map[string]string

	EqEnabled bool
	Quakes    []QuakeEvent

	MaxChatGroups int
	UsePreset     bool
	StepSync      bool
}

type rawParams struct {
	Duration           int               `json:"duration"`
	Step               int               `json:"step"`
	EqStep             int               `json:"eq_step"`
	Year               int               `json:"year"`
	Month              int               `json:"month"`
	Day                int               `json:"day"`
	Hour               int               `json:"hour"`
	Minute             int               `json:"minute"`
	MBTI               []string          `json:"mbti"`
	Locations          []string          `json:"locations"`
	InitialPositions   map[string]string `json:"initial_positions"`
	EqEnabled          bool              `json:"eq_enabled"`
	EqJSON             string            `json:"eq_json"`
	UseDefaultCalendar bool              `json:"use_default_calendar"`
	MaxChatGroups      int               `json:"max_chat_groups"`
	UsePreset          bool              `json:"use_preset"`
	StepSync           bool              `json:"step_sync"`
}

type rawQuake struct {
	Time      string  `json:"time"`
	Duration  int     `json:"duration"`
	Intensity float64 `json:"intensity"`
}

// ParseParams decodes and validates the start_simulation parameter payload.
func ParseParams(payload json.RawMessage) (Params, error) {
	var raw rawParams
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Params{}, fmt.Errorf("failed to parse simulation params: %w", err)
	}
	if len(raw.MBTI) == 0 {
		return Params{}, fmt.Errorf("simulation params: empty mbti roster")
	}

	p := Params{
		Duration:         raw.Duration,
		Step:             raw.Step,
		EqStep:           raw.EqStep,
		MBTI:             raw.MBTI,
		Locations:        raw.Locations,
		InitialPositions: raw.InitialPositions,
		EqEnabled:        raw.EqEnabled,
		MaxChatGroups:    raw.MaxChatGroups,
		UsePreset:        raw.UsePreset,
		StepSync:         raw.StepSync,
	}
	if p.Duration <= 0 {
		p.Duration = 1440
	}
	if p.Step <= 0 {
		p.Step = 10
	}
	if p.EqStep <= 0 {
		p.EqStep = 1
	}
	if p.MaxChatGroups < 1 {
		p.MaxChatGroups = 1
	}

	year, month, day := raw.Year, raw.Month, raw.Day
	if year == 0 {
		year, month, day = 2024, 11, 18
	}
	p.Start = time.Date(year, time.Month(month), day, raw.Hour, raw.Minute, 0, 0, time.UTC)
	if raw.UseDefaultCalendar {
		p.Start = DefaultCalendarDate(p.Start.Weekday(), raw.Hour, raw.Minute)
	}

	if raw.EqJSON != "" {
		quakes, err := ParseQuakeList(raw.EqJSON)
		if err != nil {
			return Params{}, err
		}
		p.Quakes = quakes
	}
	return p, nil
}

// ParseQuakeList parses the embedded earthquake schedule JSON string and
// sorts the events by trigger time.
func ParseQuakeList(eqJSON string) ([]QuakeEvent, error) {
	var raw []rawQuake
	if err := json.Unmarshal([]byte(eqJSON), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse eq_json: %w", err)
	}
	events := make([]QuakeEvent, 0, len(raw))
	for _, q := range raw {
		at, err := ParseSimTime(q.Time)
		if err != nil {
			return nil, fmt.Errorf("bad earthquake time %q: %w", q.Time, err)
		}
		duration := q.Duration
		if duration <= 0 {
			duration = 10
		}
		events = append(events, QuakeEvent{
			At:        at,
			Duration:  time.Duration(duration) * time.Minute,
			Intensity: q.Intensity,
		})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	return events, nil
}

// ============================================================================
// CLOCK HELPERS
// ============================================================================

const simTimeLayout = "2006-01-02-15-04"

// FormatSimTime renders a simulated instant as "YYYY-MM-DD-HH-MM".
func FormatSimTime(t time.Time) string {
	return t.Format(simTimeLayout)
}

// ParseSimTime parses "YYYY-MM-DD-HH-MM".
func ParseSimTime(s string) (time.Time, error) {
	return time.Parse(simTimeLayout, s)
}

// HM renders the clock part as "HH-MM".
func HM(t time.Time) string {
	return t.Format("15-04")
}

var weekdayNames = map[time.Weekday]string{
	time.Monday:    "星期一",
	time.Tuesday:   "星期二",
	time.Wednesday: "星期三",
	time.Thursday:  "星期四",
	time.Friday:    "星期五",
	time.Saturday:  "星期六",
	time.Sunday:    "星期日",
}

// WeekdayZH returns the Chinese weekday name.
func WeekdayZH(t time.Time) string {
	return weekdayNames[t.Weekday()]
}

// DefaultCalendarDate maps a weekday into the fixed 2024-11-18 reference
// week, preserving the requested clock time.
func DefaultCalendarDate(weekday time.Weekday, hour, minute int) time.Time {
	// 2024-11-18 is a Monday.
	offset := (int(weekday) - int(time.Monday) + 7) % 7
	return time.Date(2024, 11, 18+offset, hour, minute, 0, 0, time.UTC)
}
