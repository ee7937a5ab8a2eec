// Package schedule loads and evaluates agent daily schedules. Times are
// symbolic "HH-MM" strings on a 24 hour clock.
package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ============================================================================
// TIME HELPERS
// ============================================================================

var hmPattern = regexp.MustCompile(`^([0-9]{1,2})[:\-]([0-9]{1,2})$`)

// NormalizeHM converts "HH:MM" or "HH-MM" into zero-padded "HH-MM".
func NormalizeHM(raw string) (string, error) {
	m := hmPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", fmt.Errorf("invalid time %q", raw)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return "", fmt.Errorf("time %q out of range", raw)
	}
	return fmt.Sprintf("%02d-%02d", hour, minute), nil
}

// MinutesOf converts a normalized "HH-MM" string to minutes since midnight.
func MinutesOf(hm string) (int, error) {
	normalized, err := NormalizeHM(hm)
	if err != nil {
		return 0, err
	}
	hour, _ := strconv.Atoi(normalized[:2])
	minute, _ := strconv.Atoi(normalized[3:])
	return hour*60 + minute, nil
}

// AddMinutes shifts an "HH-MM" time forward, wrapping past midnight.
func AddMinutes(hm string, minutes int) (string, error) {
	total, err := MinutesOf(hm)
	if err != nil {
		return "", err
	}
	total = ((total+minutes)%1440 + 1440) % 1440
	return fmt.Sprintf("%02d-%02d", total/60, total%60), nil
}

// ============================================================================
// SCHEDULE MODEL
// ============================================================================

// Entry is one scheduled activity starting at Start.
type Entry struct {
	Action string `json:"action"`
	Target string `json:"target"`
	Start  string `json:"time"`
}

// AgentSchedule is an agent's plan for one day plus the weekly goals.
type AgentSchedule struct {
	Weekly map[string]string
	Daily  []Entry
	Wake   string
	Sleep  string
}

type presetEntry struct {
	Time   string `json:"time"`
	Action string `json:"action"`
	Target string `json:"target"`
}

type presetAgent struct {
	WeeklySchedule map[string]string `json:"weeklySchedule"`
	DailySchedule  []presetEntry     `json:"dailySchedule"`
}

// ============================================================================
// STORE
// ============================================================================

// Store holds preset schedules keyed by agent name.
type Store struct {
	agents map[string]AgentSchedule
}

// LoadStore reads a preset schedule document from disk.
func LoadStore(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule file: %w", err)
	}
	return ParseStore(data)
}

// ParseStore builds a Store from raw preset JSON, normalizing times, filling
// default targets and sorting entries by start time.
func ParseStore(data []byte) (*Store, error) {
	var raw map[string]presetAgent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse schedule file: %w", err)
	}

	store := &Store{agents: make(map[string]AgentSchedule, len(raw))}
	for name, preset := range raw {
		entries := make([]Entry, 0, len(preset.DailySchedule))
		for _, item := range preset.DailySchedule {
			start, err := NormalizeHM(item.Time)
			if err != nil {
				continue
			}
			target := item.Target
			if target == "" {
				target = item.Action
			}
			entries = append(entries, Entry{Action: item.Action, Target: target, Start: start})
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })

		sched := AgentSchedule{Weekly: preset.WeeklySchedule, Daily: entries}
		if len(entries) > 0 {
			sched.Wake = entries[0].Start
			if sleep, err := AddMinutes(entries[len(entries)-1].Start, 60); err == nil {
				sched.Sleep = sleep
			}
		}
		store.agents[strings.ToUpper(name)] = sched
	}
	return store, nil
}

// Get returns the preset schedule for an agent.
func (s *Store) Get(name string) (AgentSchedule, bool) {
	sched, ok := s.agents[strings.ToUpper(name)]
	return sched, ok
}

// Names returns all agent names known to the store, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.agents))
	for name := range s.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// SCHEDULE CONSTRUCTION
// ============================================================================

// Task is one generated activity with a duration in minutes.
type Task struct {
	Label   string
	Minutes int
}

// Rollout converts a duration list into start-time entries beginning at the
// wake time. The first entry is always waking up at home. Tasks with
// non-positive durations are skipped.
func Rollout(wake string, tasks []Task) []Entry {
	normalizedWake, err := NormalizeHM(wake)
	if err != nil {
		normalizedWake = "07-00"
	}
	entries := []Entry{{Action: "醒來", Target: "醒來", Start: normalizedWake}}

	cursor := normalizedWake
	for _, task := range tasks {
		if task.Minutes <= 0 || task.Label == "" {
			continue
		}
		entries = append(entries, Entry{Action: task.Label, Target: task.Label, Start: cursor})
		next, err := AddMinutes(cursor, task.Minutes)
		if err != nil {
			break
		}
		cursor = next
	}
	return entries
}

// WakeTimePattern extracts an "HH:MM" or "HH-MM" time from loose text.
var WakeTimePattern = regexp.MustCompile(`\b([0-1][0-9]|2[0-3])[:\-]([0-5][0-9])\b`)

// ExtractWakeTime pulls a wake time out of free text, returning fallback when
// nothing parses.
func ExtractWakeTime(raw, fallback string) string {
	if m := WakeTimePattern.FindStringSubmatch(raw); m != nil {
		return m[1] + "-" + m[2]
	}
	return fallback
}

// CurrentItem returns the latest entry whose start time is at or before hm.
func CurrentItem(entries []Entry, hm string) (Entry, bool) {
	now, err := NormalizeHM(hm)
	if err != nil || len(entries) == 0 {
		return Entry{}, false
	}
	var current Entry
	found := false
	for _, entry := range entries {
		if entry.Start <= now {
			current = entry
			found = true
		}
	}
	return current, found
}
