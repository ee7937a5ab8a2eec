// Package agent implements the town inhabitants: persona, memory, schedule,
// location, health and the action state machine, plus the disaster-time
// behaviors.
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aitown/townsim/activity"
	"github.com/aitown/townsim/llm"
	"github.com/aitown/townsim/schedule"
	"github.com/aitown/townsim/world"
)

// ============================================================================
// MENTAL STATES
// ============================================================================

const (
	StateCalm        = "calm"
	StateAlert       = "alert"
	StatePanicked    = "panicked"
	StateFrozen      = "frozen"
	StateFocused     = "focused"
	StateHelping     = "helping"
	StateInjured     = "injured"
	StateUnconscious = "unconscious"
)

// Schedule generation modes.
const (
	ModePreset = "preset"
	ModeLLM    = "llm"
)

const actionAwaitInit = "等待初始化"

// ============================================================================
// AGENT
// ============================================================================

// SyncEvent is a pending teleport notification for the client, drained when
// the engine emits its next frame.
type SyncEvent struct {
	Type          string `json:"type"`
	Agent         string `json:"agent"`
	FromPortal    string `json:"fromPortal"`
	ToPortal      string `json:"toPortal"`
	FinalLocation string `json:"finalLocation"`
	TargetPlace   string `json:"targetPlace"`
}

// Services aggregates the external collaborators an agent depends on.
type Services struct {
	LLM       llm.Service
	Schedules *schedule.Store
	Tuning    Tuning
}

// Agent is one town inhabitant. Mutating operations are serialized by an
// internal mutex; Snapshot provides a consistent read for frame building.
type Agent struct {
	mu sync.Mutex

	Name               string
	MBTI               string
	Home               string
	PersonaSummary     string
	PersonalityDesc    string
	AvailableLocations []string

	// CooperationInclination already includes the disaster bonus, capped
	// at 1.
	CooperationInclination float64

	CurrPlace     string
	TargetPlace   string
	PreviousPlace string

	CurrAction     string
	LastAction     string
	Pronunciatio   string
	CurrentThought string

	Health      int
	IsInjured   bool
	MentalState string

	WeeklySchedule map[string]string
	DailySchedule  []schedule.Entry
	WakeTime       string
	SleepTime      string

	Memory      string
	DisasterLog []string

	InterruptedAction string

	thinkingDepth     int32
	syncEvents        []SyncEvent
	pronunciatioCache map[string]string

	quakeTookCover   bool
	quakeEvacStarted bool
	quakeSupportDone bool

	services Services
}

// New creates an agent named after its MBTI type, at home and uninitialized.
func New(profile Profile, home string, available []string, services Services) *Agent {
	coop := profile.Cooperation + DisasterBonus(profile.MBTI)
	if coop > 1 {
		coop = 1
	}
	return &Agent{
		Name:                   profile.Name,
		MBTI:                   profile.MBTI,
		Home:                   home,
		PersonalityDesc:        profile.Description,
		PersonaSummary:         fmt.Sprintf("MBTI: %s. 個性: %s", profile.MBTI, profile.Description),
		AvailableLocations:     append([]string(nil), available...),
		CooperationInclination: coop,
		CurrPlace:              home,
		TargetPlace:            home,
		PreviousPlace:          home,
		CurrAction:             actionAwaitInit,
		LastAction:             actionAwaitInit,
		Pronunciatio:           "⏳",
		Health:                 100,
		MentalState:            StateCalm,
		WakeTime:               "07-00",
		SleepTime:              "23-00",
		Memory:                 "尚未生成",
		WeeklySchedule:         map[string]string{},
		pronunciatioCache:      map[string]string{},
		services:               services,
	}
}

// ============================================================================
// THINKING STATE
// ============================================================================

// EnterThinking increments the thinking depth. Balanced by ExitThinking.
func (a *Agent) EnterThinking() {
	atomic.AddInt32(&a.thinkingDepth, 1)
}

// ExitThinking decrements the thinking depth, never below zero.
func (a *Agent) ExitThinking() {
	for {
		depth := atomic.LoadInt32(&a.thinkingDepth)
		if depth == 0 {
			return
		}
		if atomic.CompareAndSwapInt32(&a.thinkingDepth, depth, depth-1) {
			return
		}
	}
}

// IsThinking reports whether any reasoning call is in flight.
func (a *Agent) IsThinking() bool {
	return atomic.LoadInt32(&a.thinkingDepth) > 0
}

// ============================================================================
// INITIALIZATION & SCHEDULES
// ============================================================================

// Initialize seeds memory and schedules. In preset mode everything comes from
// the schedule store; in llm mode the memory, weekly goals and today's plan
// are generated. A failed llm initialization aborts the run.
func (a *Agent) Initialize(ctx context.Context, date time.Time, mode string) error {
	if mode == ModePreset {
		a.mu.Lock()
		a.Memory = a.PersonaSummary
		a.mu.Unlock()
		return a.UpdateDailySchedule(ctx, date, mode)
	}

	a.EnterThinking()
	memory, ok := llm.GenerateInitialMemory(ctx, a.services.LLM, a.Name, a.MBTI, a.PersonaSummary, a.Home)
	a.ExitThinking()
	if !ok {
		return fmt.Errorf("agent %s: initial memory generation failed", a.Name)
	}

	a.EnterThinking()
	weekly, ok := llm.GenerateWeeklySchedule(ctx, a.services.LLM, a.PersonaSummary)
	a.ExitThinking()
	if !ok {
		return fmt.Errorf("agent %s: weekly schedule generation failed", a.Name)
	}

	a.mu.Lock()
	a.Memory = memory
	a.WeeklySchedule = weekly
	a.mu.Unlock()

	return a.UpdateDailySchedule(ctx, date, mode)
}

// UpdateDailySchedule refreshes today's plan, either from the preset store or
// by LLM generation against today's weekly goal.
func (a *Agent) UpdateDailySchedule(ctx context.Context, date time.Time, mode string) error {
	if mode == ModePreset {
		if a.services.Schedules == nil {
			return fmt.Errorf("agent %s: no schedule store configured", a.Name)
		}
		preset, ok := a.services.Schedules.Get(a.Name)
		if !ok {
			return fmt.Errorf("agent %s: not present in schedule file", a.Name)
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		a.DailySchedule = preset.Daily
		if len(preset.Weekly) > 0 {
			a.WeeklySchedule = preset.Weekly
		}
		if preset.Wake != "" {
			a.WakeTime = preset.Wake
		}
		if preset.Sleep != "" {
			a.SleepTime = preset.Sleep
		}
		return nil
	}

	goal := a.WeeklySchedule[date.Weekday().String()]
	if goal == "" {
		goal = "自由活動"
	}
	dateStr := date.Format("2006-01-02")

	a.EnterThinking()
	defer a.ExitThinking()

	rawTasks := llm.GenerateHourlySchedule(ctx, a.services.LLM, a.PersonaSummary, dateStr, goal)
	wake := llm.WakeUpHour(ctx, a.services.LLM, a.PersonaSummary, dateStr, rawTasks)

	tasks := make([]schedule.Task, 0, len(rawTasks))
	total := 0
	for _, task := range rawTasks {
		// Raw LLM labels go through the classifier before they are
		// stored. Unrecognized labels keep their free text rather than
		// degrading to the unconscious fallback.
		label := task.Label
		if normalized := activity.Normalize(label); normalized != activity.FallbackLabel {
			label = normalized
		}
		tasks = append(tasks, schedule.Task{Label: label, Minutes: task.Minutes})
		total += task.Minutes
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.WakeTime = wake
	a.DailySchedule = schedule.Rollout(wake, tasks)
	if sleep, err := schedule.AddMinutes(wake, total); err == nil && total > 0 {
		a.SleepTime = sleep
	} else if sleep, err := schedule.AddMinutes(wake, 16*60); err == nil {
		a.SleepTime = sleep
	}
	return nil
}

// IsAsleep reports whether hm lies outside the waking interval, respecting
// schedules that wrap past midnight.
func (a *Agent) IsAsleep(hm string) bool {
	now, err := schedule.MinutesOf(hm)
	if err != nil {
		return false
	}
	wake, err := schedule.MinutesOf(a.WakeTime)
	if err != nil {
		return false
	}
	sleep, err := schedule.MinutesOf(a.SleepTime)
	if err != nil {
		return false
	}
	if wake == sleep {
		return false
	}
	if wake < sleep {
		return !(now >= wake && now < sleep)
	}
	return !(now < sleep || now >= wake)
}

// ============================================================================
// ACTIONS
// ============================================================================

// lightweightActions bypass the LLM and use canned thoughts.
var lightweightActions = map[string]string{
	"睡覺":            "好好睡一覺。",
	"醒來":            "新的一天開始了。",
	actionAwaitInit: "",
	"意識不明":          "",
}

// SetNewAction transitions to a new action and destination. Lightweight
// actions skip the LLM; everything else generates a thought and emoji under
// the thinking flag.
func (a *Agent) SetNewAction(ctx context.Context, action, destination string) {
	a.mu.Lock()

	resolved := destination
	if _, lightweight := lightweightActions[action]; lightweight {
		if resolved == "" || !a.knowsLocation(resolved) {
			resolved = a.Home
		}
	}
	if resolved == "" {
		resolved = a.CurrPlace
	}

	if action == a.CurrAction && resolved == a.TargetPlace {
		a.mu.Unlock()
		return
	}

	a.interruptActionLocked()
	a.CurrAction = action
	a.PreviousPlace = a.CurrPlace
	a.TargetPlace = resolved
	a.CurrPlace = world.ResolvePath(a.CurrPlace, resolved)

	if thought, lightweight := lightweightActions[action]; lightweight {
		a.CurrentThought = thought
		a.Pronunciatio = activity.Emoji(activity.Normalize(action))
		a.mu.Unlock()
		return
	}
	persona, place := a.PersonaSummary, a.CurrPlace
	a.mu.Unlock()

	a.EnterThinking()
	thought := llm.ActionThought(ctx, a.services.LLM, persona, place, action)
	emoji := a.pronunciatio(ctx, action)
	a.ExitThinking()

	a.mu.Lock()
	a.CurrentThought = thought
	a.Pronunciatio = emoji
	a.mu.Unlock()
}

// pronunciatio resolves the emoji for an action, memoized per label. The
// classifier covers the closed vocabulary; unknown phrasings fall through to
// the LLM once.
func (a *Agent) pronunciatio(ctx context.Context, action string) string {
	a.mu.Lock()
	if cached, ok := a.pronunciatioCache[action]; ok {
		a.mu.Unlock()
		return cached
	}
	a.mu.Unlock()

	label, emoji := activity.Classify(action)
	if label == activity.FallbackLabel && action != activity.FallbackLabel {
		emoji = llm.Pronunciatio(ctx, a.services.LLM, action)
	}

	a.mu.Lock()
	a.pronunciatioCache[action] = emoji
	a.mu.Unlock()
	return emoji
}

// interruptActionLocked stores the previous action unless it was sleep or
// unconsciousness. Caller holds the mutex.
func (a *Agent) interruptActionLocked() {
	if a.CurrAction != "睡覺" && a.CurrAction != activity.LabelUnconscious {
		a.InterruptedAction = a.CurrAction
	} else {
		a.InterruptedAction = ""
	}
}

// InterruptAction stores the previous non-sleep action.
func (a *Agent) InterruptAction() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interruptActionLocked()
}

func (a *Agent) knowsLocation(name string) bool {
	for _, loc := range a.AvailableLocations {
		if loc == name {
			return true
		}
	}
	return world.IsPortal(name)
}

// ============================================================================
// TELEPORT
// ============================================================================

// Teleport traverses a portal and settles into a canonical location. Unknown
// portals leave the agent in place with a confused thought.
func (a *Agent) Teleport(targetPortal string) (world.TeleportResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	result, ok := world.Teleport(targetPortal, a.Home, a.AvailableLocations)
	if !ok {
		a.CurrentThought = "咦？這扇門好像打不開。"
		return world.TeleportResult{}, false
	}

	a.PreviousPlace = a.CurrPlace
	a.CurrPlace = result.FinalLocation
	a.CurrentThought = fmt.Sprintf("好了，現在去%s。", a.TargetPlace)
	a.syncEvents = append(a.syncEvents, SyncEvent{
		Type:          "teleport",
		Agent:         a.Name,
		FromPortal:    result.FromPortal,
		ToPortal:      result.ToPortal,
		FinalLocation: result.FinalLocation,
		TargetPlace:   a.TargetPlace,
	})
	return result, true
}

// DrainSyncEvents returns and clears the pending teleport notifications.
func (a *Agent) DrainSyncEvents() []SyncEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	events := a.syncEvents
	a.syncEvents = nil
	return events
}

// ============================================================================
// MEMORY & SNAPSHOT
// ============================================================================

// ExperienceLog returns a copy of the disaster experience log.
func (a *Agent) ExperienceLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.DisasterLog...)
}

// AppendMemory appends free text to the agent's memory.
func (a *Agent) AppendMemory(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Memory += text
}

// SetThought replaces the current inner thought.
func (a *Agent) SetThought(thought string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CurrentThought = thought
}

// State is a consistent read-only view of an agent for frame building.
type State struct {
	Name           string
	MBTI           string
	CurrAction     string
	Pronunciatio   string
	CurrentThought string
	CurrPlace      string
	TargetPlace    string
	PreviousPlace  string
	Health         int
	IsInjured      bool
	MentalState    string
	WakeTime       string
	SleepTime      string
	Memory         string
	WeeklySchedule map[string]string
	DailySchedule  []schedule.Entry
	IsThinking     bool
}

// Snapshot captures the agent state under the lock.
func (a *Agent) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	weekly := make(map[string]string, len(a.WeeklySchedule))
	for k, v := range a.WeeklySchedule {
		weekly[k] = v
	}
	return State{
		Name:           a.Name,
		MBTI:           a.MBTI,
		CurrAction:     a.CurrAction,
		Pronunciatio:   a.Pronunciatio,
		CurrentThought: a.CurrentThought,
		CurrPlace:      a.CurrPlace,
		TargetPlace:    a.TargetPlace,
		PreviousPlace:  a.PreviousPlace,
		Health:         a.Health,
		IsInjured:      a.IsInjured,
		MentalState:    a.MentalState,
		WakeTime:       a.WakeTime,
		SleepTime:      a.SleepTime,
		Memory:         a.Memory,
		WeeklySchedule: weekly,
		DailySchedule:  append([]schedule.Entry(nil), a.DailySchedule...),
		IsThinking:     a.IsThinking(),
	}
}

// SetActionDirect assigns an action without any reasoning call, used by
// group activities like chats where the label is already decided.
func (a *Agent) SetActionDirect(label string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CurrAction = label
	a.Pronunciatio = activity.Emoji(activity.Normalize(label))
}

// ActionState returns the last action, current action and target place.
func (a *Agent) ActionState() (last, curr, target string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.LastAction, a.CurrAction, a.TargetPlace
}

// SyncLastAction copies the current action into the last-action bookkeeping
// at the end of a tick.
func (a *Agent) SyncLastAction() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.LastAction = a.CurrAction
}

// SetLastAction overrides the last-action bookkeeping, used by phase
// transitions to force a re-evaluation on the next tick.
func (a *Agent) SetLastAction(action string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.LastAction = action
}

// SettlePreviousPlace marks a delivered movement: subsequent frames emit an
// in-place interaction until the next transition.
func (a *Agent) SettlePreviousPlace() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.PreviousPlace = a.CurrPlace
}

// Place returns the current symbolic location.
func (a *Agent) Place() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.CurrPlace
}

// Alive reports whether the agent is conscious.
func (a *Agent) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Health > 0
}
