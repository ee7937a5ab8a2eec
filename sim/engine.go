package sim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aitown/townsim/activity"
	"github.com/aitown/townsim/agent"
	"github.com/aitown/townsim/disaster"
	"github.com/aitown/townsim/llm"
	"github.com/aitown/townsim/schedule"
	"github.com/aitown/townsim/world"
)

// ============================================================================
// SERVICES & FRAMES
// ============================================================================

// Services aggregates the external collaborators of a simulation run.
type Services struct {
	LLM       llm.Service
	Schedules *schedule.Store
	Tuning    agent.Tuning
	AgentDir  string
}

// Frame is one outbound message for the client. Update and evaluation frames
// carry Data; status, error and end frames carry Message.
type Frame struct {
	Type    string      `json:"type"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// AgentStatePayload is the per-agent section of an update frame.
type AgentStatePayload struct {
	Name           string            `json:"name"`
	CurrentState   string            `json:"currentState"`
	Location       string            `json:"location"`
	HP             int               `json:"hp"`
	Schedule       string            `json:"schedule"`
	Memory         string            `json:"memory"`
	WeeklySchedule map[string]string `json:"weeklySchedule"`
	DailySchedule  []schedule.Entry  `json:"dailySchedule"`
}

// UpdateData is the payload of an update frame.
type UpdateData struct {
	MainLog        string                       `json:"mainLog"`
	HistoryLog     []string                     `json:"historyLog"`
	AgentStates    map[string]AgentStatePayload `json:"agentStates"`
	BuildingStates map[string]world.Building    `json:"buildingStates"`
	LLMLog         string                       `json:"llmLog"`
	Status         string                       `json:"status"`
	AgentActions   []Instruction                `json:"agentActions"`
	StepID         int                          `json:"stepId"`
}

const historyLogLimit = 200

// ============================================================================
// ENGINE
// ============================================================================

// Engine owns the agents, buildings and clock of one simulation run and
// produces the outbound frame stream.
type Engine struct {
	params   Params
	services Services
	mode     string

	agents    []*agent.Agent
	byName    map[string]*agent.Agent
	buildings map[string]*world.Building
	logger    *disaster.Logger

	frames   chan Frame
	stepAcks chan int

	now     time.Time
	endTime time.Time

	phase          Phase
	eventIdx       int
	quakeIntensity float64
	quakeEnd       time.Time
	recoveryEnd    time.Time
	discussionEnd  time.Time
	conflicts      *conflictTracker

	chatBuffer map[string][]string

	// logMu guards mainLog and chatBuffer, both written from per-tick
	// fan-out goroutines.
	logMu         sync.Mutex
	mainLog       []string
	historyLog    []string
	stepID        int
	skipReasoning bool
	lastRefresh   string

	pacing time.Duration
}

// NewEngine builds agents and buildings from the run parameters.
func NewEngine(params Params, services Services) *Engine {
	available := params.Locations
	if len(available) == 0 {
		available = world.Locations()
	}

	var buildingIDs []string
	for _, loc := range available {
		if world.IsCanonicalLocation(loc) && loc != world.Exterior {
			buildingIDs = append(buildingIDs, loc)
		}
	}

	e := &Engine{
		params:     params,
		services:   services,
		mode:       agent.ModeLLM,
		byName:     make(map[string]*agent.Agent, len(params.MBTI)),
		buildings:  world.NewBuildings(buildingIDs),
		logger:     disaster.NewLogger(),
		frames:     make(chan Frame, 16),
		stepAcks:   make(chan int, 16),
		now:        params.Start,
		endTime:    params.Start.Add(time.Duration(params.Duration) * time.Minute),
		phase:      PhaseNormal,
		conflicts:  newConflictTracker(),
		chatBuffer: make(map[string][]string),
		// The starting day never re-triggers its own 03:00 refresh.
		lastRefresh: params.Start.Format("2006-01-02"),
		pacing:      100 * time.Millisecond,
	}
	if params.UsePreset {
		e.mode = agent.ModePreset
	}

	agentServices := agent.Services{
		LLM:       services.LLM,
		Schedules: services.Schedules,
		Tuning:    services.Tuning,
	}
	for _, mbti := range params.MBTI {
		profile := agent.LoadProfile(services.AgentDir, mbti)
		profile.Name = strings.ToUpper(mbti)
		home := params.InitialPositions[profile.Name]
		if home == "" {
			home = world.ApartmentF1
		}
		a := agent.New(profile, home, available, agentServices)
		e.agents = append(e.agents, a)
		e.byName[a.Name] = a
		e.logger.Record(a.Name, disaster.KindInit, params.Start,
			map[string]interface{}{"message": "代理人建立", "home": home})
	}
	return e
}

// Frames is the outbound frame stream, closed when Run returns.
func (e *Engine) Frames() <-chan Frame { return e.frames }

// Agents returns the simulation roster. The slice is fixed after
// construction; per-agent reads go through Snapshot.
func (e *Engine) Agents() []*agent.Agent {
	return append([]*agent.Agent(nil), e.agents...)
}

// StepSync reports whether the run waits for step acknowledgments.
func (e *Engine) StepSync() bool { return e.params.StepSync }

// AckStep releases the step-sync gate for the given frame id.
func (e *Engine) AckStep(id int) {
	select {
	case e.stepAcks <- id:
	default:
		slog.Warn("step ack queue full, dropping", "step_id", id)
	}
}

// TeleportAgent performs a client-commanded portal traversal.
func (e *Engine) TeleportAgent(name, portal string) error {
	a, ok := e.byName[name]
	if !ok {
		return fmt.Errorf("unknown agent %q", name)
	}
	if _, ok := a.Teleport(portal); !ok {
		return fmt.Errorf("agent %s: unknown portal %q", name, portal)
	}
	return nil
}

// ============================================================================
// MAIN LOOP
// ============================================================================

// Run drives the simulation until the clock ends or ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.frames)

	if !e.emit(ctx, Frame{Type: "status", Message: "正在初始化代理人..."}) {
		return ctx.Err()
	}
	if err := e.initializeAgents(ctx); err != nil {
		e.emit(ctx, Frame{Type: "error", Message: err.Error()})
		return err
	}
	if !e.emit(ctx, Frame{Type: "status", Message: fmt.Sprintf("模擬開始，共 %d 位代理人", len(e.agents))}) {
		return ctx.Err()
	}

	for e.now.Before(e.endTime) {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.mainLog = e.mainLog[:0]
		hm := HM(e.now)

		e.tickPhase(ctx)

		active := e.activeAgents(hm)
		e.skipReasoning = len(active) == 0 && e.phase == PhaseNormal

		if (e.phase == PhaseNormal || e.phase == PhaseDiscussion) && len(active) > 0 {
			e.maybeRefreshSchedules(ctx, hm)
			e.updateAgents(ctx, active, hm)
			e.runSocial(ctx, active)
		} else if e.phase == PhaseNormal || e.phase == PhaseDiscussion {
			e.updateAgents(ctx, nil, hm)
		}

		frame := Frame{Type: "update", Data: e.buildUpdateData()}
		if !e.emit(ctx, frame) {
			return ctx.Err()
		}
		if e.params.StepSync {
			if err := e.waitForAck(ctx, e.stepID); err != nil {
				return err
			}
		}
		e.stepID++

		e.now = e.now.Add(time.Duration(e.stepMinutes()) * time.Minute)

		if e.pacing > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.pacing):
			}
		}
	}

	report := e.logger.GenerateReport(e.finalStates())
	e.emit(ctx, Frame{Type: "evaluation", Data: report})
	e.emit(ctx, Frame{Type: "end", Message: "模擬結束"})
	return nil
}

func (e *Engine) initializeAgents(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range e.agents {
		a := a
		g.Go(func() error {
			return a.Initialize(ctx, e.now, e.mode)
		})
	}
	return g.Wait()
}

// stepMinutes returns the clock advance for the current phase.
func (e *Engine) stepMinutes() int {
	switch e.phase {
	case PhaseEarthquake:
		return e.params.EqStep
	case PhaseRecovery:
		return RecoveryStepMin
	default:
		return e.params.Step
	}
}

func (e *Engine) activeAgents(hm string) []*agent.Agent {
	var active []*agent.Agent
	for _, a := range e.agents {
		if a.Alive() && !a.IsAsleep(hm) {
			active = append(active, a)
		}
	}
	return active
}

// ============================================================================
// PER-AGENT UPDATES
// ============================================================================

// maybeRefreshSchedules regenerates daily plans once per simulated day, on
// the first tick at or after 03:00. Step sizes need not divide the clock, so
// an exact 03:00 tick is not guaranteed.
func (e *Engine) maybeRefreshSchedules(ctx context.Context, hm string) {
	day := e.now.Format("2006-01-02")
	if hm < "03-00" || e.lastRefresh == day {
		return
	}
	e.lastRefresh = day

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range e.agents {
		a := a
		if !a.Alive() {
			continue
		}
		g.Go(func() error {
			if err := a.UpdateDailySchedule(ctx, e.now, e.mode); err != nil {
				slog.Warn("daily schedule refresh failed", "agent", a.Name, "error", err)
			}
			return nil
		})
	}
	g.Wait()
	e.log("03:00 已更新所有代理人的今日行程")
}

// updateAgents runs the per-tick action update on every agent concurrently.
func (e *Engine) updateAgents(ctx context.Context, active []*agent.Agent, hm string) {
	isActive := make(map[string]bool, len(active))
	for _, a := range active {
		isActive[a.Name] = true
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range e.agents {
		a := a
		g.Go(func() error {
			e.updateOneAgent(ctx, a, isActive[a.Name], hm)
			return nil
		})
	}
	g.Wait()
}

var wakeTriggers = map[string]bool{
	activity.LabelSleep:       true,
	activity.LabelUnconscious: true,
	"等待初始化":                   true,
}

func (e *Engine) updateOneAgent(ctx context.Context, a *agent.Agent, isActive bool, hm string) {
	if isActive {
		last, curr, target := a.ActionState()
		entry, hasEntry := schedule.CurrentItem(a.Snapshot().DailySchedule, hm)
		if wakeTriggers[last] {
			// A scheduled sleep block keeps the agent asleep across the
			// pre-sleep-time window instead of bouncing it awake.
			if hasEntry && activity.Normalize(entry.Action) == activity.LabelSleep {
				a.SetNewAction(ctx, entry.Action, entry.Target)
			} else {
				a.SetNewAction(ctx, activity.LabelWakeUp, a.Home)
			}
		} else if hasEntry && (entry.Action != curr || entry.Target != target) {
			a.SetNewAction(ctx, entry.Action, entry.Target)
		}
	} else if !a.Alive() {
		a.SetNewAction(ctx, activity.LabelUnconscious, a.Place())
	} else {
		a.SetNewAction(ctx, activity.LabelSleep, a.Home)
	}
	a.SyncLastAction()
}

// ============================================================================
// FRAME ASSEMBLY
// ============================================================================

func (e *Engine) buildUpdateData() UpdateData {
	states := make(map[string]AgentStatePayload, len(e.agents))
	for _, a := range e.agents {
		snap := a.Snapshot()
		current := ""
		if entry, ok := schedule.CurrentItem(snap.DailySchedule, HM(e.now)); ok {
			current = fmt.Sprintf("%s %s", entry.Start, entry.Action)
		}
		states[snap.Name] = AgentStatePayload{
			Name:           snap.Name,
			CurrentState:   activity.Normalize(snap.CurrAction),
			Location:       snap.CurrPlace,
			HP:             snap.Health,
			Schedule:       current,
			Memory:         snap.Memory,
			WeeklySchedule: snap.WeeklySchedule,
			DailySchedule:  snap.DailySchedule,
		}
	}

	e.historyLog = append(e.historyLog, e.mainLog...)
	if len(e.historyLog) > historyLogLimit {
		e.historyLog = e.historyLog[len(e.historyLog)-historyLogLimit:]
	}

	// Frames are marshaled on the server goroutine, so they carry value
	// copies of the buildings rather than the live mutable state.
	buildings := make(map[string]world.Building, len(e.buildings))
	for id, b := range e.buildings {
		buildings[id] = *b
	}

	return UpdateData{
		MainLog:        fmt.Sprintf("[%s %s] %s", FormatSimTime(e.now), WeekdayZH(e.now), strings.Join(e.mainLog, "\n")),
		HistoryLog:     append([]string(nil), e.historyLog...),
		AgentStates:    states,
		BuildingStates: buildings,
		LLMLog:         e.services.LLM.Log().Text(),
		Status:         string(e.phase),
		AgentActions:   e.buildInstructions(),
		StepID:         e.stepID,
	}
}

func (e *Engine) finalStates() map[string]disaster.FinalState {
	final := make(map[string]disaster.FinalState, len(e.agents))
	for _, a := range e.agents {
		final[a.Name] = disaster.FinalState{HP: a.Snapshot().Health}
	}
	return final
}

// log appends a line to the current tick's main log.
func (e *Engine) log(line string) {
	if line == "" {
		return
	}
	e.logMu.Lock()
	defer e.logMu.Unlock()
	e.mainLog = append(e.mainLog, line)
}

func (e *Engine) emit(ctx context.Context, f Frame) bool {
	select {
	case e.frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// waitForAck blocks until the client acknowledges the given step id. Stale
// ids are discarded; a newer id releases with a warning.
func (e *Engine) waitForAck(ctx context.Context, want int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case got := <-e.stepAcks:
			switch {
			case got == want:
				return nil
			case got < want:
				slog.Debug("stale step ack", "got", got, "want", want)
			default:
				slog.Warn("step ack gap", "got", got, "want", want)
				return nil
			}
		}
	}
}
