package sim

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitown/townsim/activity"
	"github.com/aitown/townsim/agent"
	"github.com/aitown/townsim/disaster"
	"github.com/aitown/townsim/llm"
	"github.com/aitown/townsim/schedule"
	"github.com/aitown/townsim/world"
)

// stubLLM answers every reasoning call with the caller's fallback.
type stubLLM struct {
	mu  sync.Mutex
	log *llm.RingLog
}

func newStubLLM() *stubLLM { return &stubLLM{log: llm.NewRingLog()} }

func (s *stubLLM) Call(_ context.Context, _ string, _ []string, _ string, fallback interface{}) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fallback
}

func (s *stubLLM) Log() *llm.RingLog { return s.log }

func presetStore(t *testing.T, doc string) *schedule.Store {
	t.Helper()
	store, err := schedule.ParseStore([]byte(doc))
	require.NoError(t, err)
	return store
}

func testServices(t *testing.T, store *schedule.Store) Services {
	t.Helper()
	return Services{
		LLM:       newStubLLM(),
		Schedules: store,
		Tuning:    agent.DefaultTuning(),
	}
}

// runEngine drives the engine to completion and returns all emitted frames.
func runEngine(t *testing.T, e *Engine) []Frame {
	t.Helper()
	e.pacing = 0
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	var frames []Frame
	for f := range e.Frames() {
		frames = append(frames, f)
	}
	require.NoError(t, <-errCh)
	return frames
}

func updateFrames(frames []Frame) []UpdateData {
	var updates []UpdateData
	for _, f := range frames {
		if f.Type == "update" {
			updates = append(updates, f.Data.(UpdateData))
		}
	}
	return updates
}

// ============================================================================
// PARAMS & CLOCK
// ============================================================================

func TestParseParams(t *testing.T) {
	payload := []byte(`{
		"duration": 1440, "step": 30, "eq_step": 2,
		"year": 2024, "month": 11, "day": 18, "hour": 3, "minute": 0,
		"mbti": ["ESFJ", "ISTP"],
		"locations": ["Apartment_F1", "School", "Exterior"],
		"initial_positions": {"ESFJ": "School"},
		"eq_enabled": true,
		"eq_json": "[{\"time\": \"2024-11-18-03-30\", \"duration\": 10, \"intensity\": 0.75}]",
		"max_chat_groups": 0,
		"use_preset": true
	}`)
	p, err := ParseParams(payload)
	require.NoError(t, err)
	assert.Equal(t, 30, p.Step)
	assert.Equal(t, 1, p.MaxChatGroups)
	assert.True(t, p.UsePreset)
	assert.Equal(t, time.Date(2024, 11, 18, 3, 0, 0, 0, time.UTC), p.Start)
	require.Len(t, p.Quakes, 1)
	assert.Equal(t, time.Date(2024, 11, 18, 3, 30, 0, 0, time.UTC), p.Quakes[0].At)
	assert.Equal(t, 10*time.Minute, p.Quakes[0].Duration)
	assert.Equal(t, 0.75, p.Quakes[0].Intensity)
}

func TestParseParamsRejectsEmptyRoster(t *testing.T) {
	_, err := ParseParams([]byte(`{"duration": 10}`))
	assert.Error(t, err)
}

func TestClockHelpers(t *testing.T) {
	at := time.Date(2024, 11, 18, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-11-18-03-30", FormatSimTime(at))
	parsed, err := ParseSimTime("2024-11-18-03-30")
	require.NoError(t, err)
	assert.Equal(t, at, parsed)
	assert.Equal(t, "03-30", HM(at))
	assert.Equal(t, "星期一", WeekdayZH(at))
	assert.Equal(t, "星期日", WeekdayZH(at.AddDate(0, 0, 6)))
}

func TestDefaultCalendarDate(t *testing.T) {
	assert.Equal(t, time.Date(2024, 11, 18, 3, 0, 0, 0, time.UTC),
		DefaultCalendarDate(time.Monday, 3, 0))
	assert.Equal(t, time.Date(2024, 11, 24, 9, 30, 0, 0, time.UTC),
		DefaultCalendarDate(time.Sunday, 9, 30))
}

// ============================================================================
// PHASE MACHINE
// ============================================================================

const twoAgentSchedule = `{
	"ESFJ": {"dailySchedule": [
		{"time": "07:00", "action": "起床", "target": "Apartment_F1"},
		{"time": "08:00", "action": "工作", "target": "School"},
		{"time": "20:00", "action": "睡覺", "target": "Apartment_F1"}
	]},
	"ISTP": {"dailySchedule": [
		{"time": "07:00", "action": "起床", "target": "Apartment_F1"},
		{"time": "08:00", "action": "工作", "target": "School"},
		{"time": "20:00", "action": "睡覺", "target": "Apartment_F1"}
	]}
}`

func quakeParams() Params {
	return Params{
		Duration: 600,
		Step:     30,
		EqStep:   2,
		Start:    time.Date(2024, 11, 18, 3, 0, 0, 0, time.UTC),
		MBTI:     []string{"ESFJ", "ISTP"},
		Locations: []string{
			world.ApartmentF1, world.School, world.Subway, world.Exterior,
		},
		EqEnabled: true,
		Quakes: []QuakeEvent{{
			At:        time.Date(2024, 11, 18, 3, 30, 0, 0, time.UTC),
			Duration:  10 * time.Minute,
			Intensity: 0.75,
		}},
		MaxChatGroups: 1,
		UsePreset:     true,
	}
}

func TestPhaseTransitionTimings(t *testing.T) {
	e := NewEngine(quakeParams(), testServices(t, presetStore(t, twoAgentSchedule)))
	ctx := context.Background()

	e.tickPhase(ctx)
	assert.Equal(t, PhaseNormal, e.phase)

	e.now = time.Date(2024, 11, 18, 3, 30, 0, 0, time.UTC)
	e.tickPhase(ctx)
	assert.Equal(t, PhaseEarthquake, e.phase)
	assert.Equal(t, time.Date(2024, 11, 18, 3, 40, 0, 0, time.UTC), e.quakeEnd)
	for _, a := range e.agents {
		assert.NotEmpty(t, a.ExperienceLog())
		events := e.logger.Events(a.Name)
		kinds := make(map[string]bool)
		for _, ev := range events {
			kinds[ev.Kind] = true
		}
		assert.True(t, kinds[disaster.KindReaction])
		assert.True(t, kinds[disaster.KindLoss])
	}

	// Recovery entry is exactly at quake end and lasts 60 minutes.
	e.now = e.quakeEnd
	e.tickPhase(ctx)
	assert.Equal(t, PhaseRecovery, e.phase)
	assert.Equal(t, e.now.Add(RecoveryDuration), e.recoveryEnd)
	for _, a := range e.agents {
		assert.Contains(t, a.Snapshot().Memory, "[災難記憶]")
	}

	// Discussion entry is exactly at recovery end and lasts 6 hours.
	e.now = e.recoveryEnd
	e.tickPhase(ctx)
	assert.Equal(t, PhaseDiscussion, e.phase)
	assert.Equal(t, e.now.Add(DiscussionDuration), e.discussionEnd)
	for _, a := range e.agents {
		last, _, _ := a.ActionState()
		assert.Equal(t, "重新評估中", last)
	}

	e.now = e.discussionEnd
	e.tickPhase(ctx)
	assert.Equal(t, PhaseNormal, e.phase)
}

// ============================================================================
// END-TO-END RUNS
// ============================================================================

func TestRunHealthyPresetDay(t *testing.T) {
	store := presetStore(t, `{
		"ISTJ": {"dailySchedule": [
			{"time": "07:00", "action": "起床", "target": "Apartment_F1"},
			{"time": "08:00", "action": "學習", "target": "School"},
			{"time": "20:00", "action": "睡覺", "target": "Apartment_F1"}
		]}
	}`)
	params := Params{
		Duration:         1440,
		Step:             30,
		Start:            time.Date(2024, 11, 18, 3, 0, 0, 0, time.UTC),
		MBTI:             []string{"ISTJ"},
		Locations:        []string{world.ApartmentF1, world.School, world.Exterior},
		InitialPositions: map[string]string{"ISTJ": world.ApartmentF1},
		MaxChatGroups:    1,
		UsePreset:        true,
	}
	e := NewEngine(params, testServices(t, store))
	frames := runEngine(t, e)

	updates := updateFrames(frames)
	require.Len(t, updates, 48)

	stateAt := func(i int) AgentStatePayload { return updates[i].AgentStates["ISTJ"] }

	// Health and label invariants hold on every frame.
	for i := range updates {
		s := stateAt(i)
		assert.GreaterOrEqual(t, s.HP, 0)
		assert.LessOrEqual(t, s.HP, 100)
		assert.True(t, activity.IsCanonical(s.CurrentState), "state %q", s.CurrentState)
	}

	// Asleep until 07:00 (ticks 0..7 cover 03:00-06:30).
	for i := 0; i < 8; i++ {
		assert.Equal(t, activity.LabelSleep, stateAt(i).CurrentState)
		assert.Equal(t, world.ApartmentF1, stateAt(i).Location)
	}
	// 07:00 wake-up transition.
	assert.Equal(t, activity.LabelWakeUp, stateAt(8).CurrentState)
	// 08:00 study at school with a move instruction.
	study := updates[10]
	assert.Equal(t, activity.LabelStudy, study.AgentStates["ISTJ"].CurrentState)
	assert.Equal(t, world.School, study.AgentStates["ISTJ"].Location)
	foundMove := false
	for _, instr := range study.AgentActions {
		if instr.Command == "move" && instr.Destination == world.School {
			foundMove = true
		}
	}
	assert.True(t, foundMove)
	// From 20:00 onward back asleep at home.
	for i := 34; i < len(updates); i++ {
		assert.Equal(t, activity.LabelSleep, stateAt(i).CurrentState)
		assert.Equal(t, world.ApartmentF1, stateAt(i).Location)
	}

	// Step ids are sequential and the run closes with evaluation then end.
	for i, u := range updates {
		assert.Equal(t, i, u.StepID)
	}
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, "evaluation", frames[len(frames)-2].Type)
	assert.Equal(t, "end", frames[len(frames)-1].Type)
}

func TestRunScheduledEarthquake(t *testing.T) {
	e := NewEngine(quakeParams(), testServices(t, presetStore(t, twoAgentSchedule)))
	frames := runEngine(t, e)
	updates := updateFrames(frames)
	require.NotEmpty(t, updates)

	firstIndex := func(status string, from int) int {
		for i := from; i < len(updates); i++ {
			if updates[i].Status == status {
				return i
			}
		}
		return -1
	}

	quakeIdx := firstIndex(string(PhaseEarthquake), 0)
	require.GreaterOrEqual(t, quakeIdx, 0)
	recoveryIdx := firstIndex(string(PhaseRecovery), quakeIdx)
	require.Greater(t, recoveryIdx, quakeIdx)
	discussionIdx := firstIndex(string(PhaseDiscussion), recoveryIdx)
	require.Greater(t, discussionIdx, recoveryIdx)
	normalAgainIdx := firstIndex(string(PhaseNormal), discussionIdx)
	require.Greater(t, normalAgainIdx, discussionIdx)

	// During the earthquake every conscious agent shows a disaster label.
	for i := quakeIdx; i < recoveryIdx; i++ {
		for name, s := range updates[i].AgentStates {
			if s.HP == 0 {
				continue
			}
			assert.True(t, activity.IsDisasterLabel(s.CurrentState),
				"agent %s state %q at frame %d", name, s.CurrentState, i)
		}
	}

	// Frames emitted before the quake keep their pre-quake building
	// snapshot even after later ticks damage the live buildings.
	for i := 0; i < quakeIdx; i++ {
		assert.Equal(t, 100.0, updates[i].BuildingStates[world.School].Integrity,
			"pre-quake frame %d", i)
	}
	assert.Less(t, updates[recoveryIdx].BuildingStates[world.School].Integrity, 100.0)

	// The evaluation frame scores both agents.
	var report disaster.Report
	for _, f := range frames {
		if f.Type == "evaluation" {
			report = f.Data.(disaster.Report)
		}
	}
	assert.Contains(t, report.Scores, "ESFJ")
	assert.Contains(t, report.Scores, "ISTP")
}

// Update frames hold value copies of building state, not the live pointers.
func TestUpdateFrameSnapshotsBuildings(t *testing.T) {
	e := NewEngine(quakeParams(), testServices(t, presetStore(t, twoAgentSchedule)))
	before := e.buildUpdateData()
	require.Contains(t, before.BuildingStates, world.School)
	require.Equal(t, 100.0, before.BuildingStates[world.School].Integrity)

	e.buildings[world.School].ApplyDamage(0.9)

	assert.Equal(t, 100.0, before.BuildingStates[world.School].Integrity)
	after := e.buildUpdateData()
	assert.Less(t, after.BuildingStates[world.School].Integrity, 100.0)
}

// The daily refresh fires on the first tick at or after 03:00 even when the
// step size never lands exactly on the hour.
func TestScheduleRefreshOnOffsetTick(t *testing.T) {
	params := quakeParams()
	params.EqEnabled = false
	params.Start = time.Date(2024, 11, 18, 3, 10, 0, 0, time.UTC)
	e := NewEngine(params, testServices(t, presetStore(t, twoAgentSchedule)))
	ctx := context.Background()

	e.now = time.Date(2024, 11, 19, 2, 55, 0, 0, time.UTC)
	e.maybeRefreshSchedules(ctx, HM(e.now))
	assert.Equal(t, "2024-11-18", e.lastRefresh)

	e.now = time.Date(2024, 11, 19, 3, 25, 0, 0, time.UTC)
	e.maybeRefreshSchedules(ctx, HM(e.now))
	assert.Equal(t, "2024-11-19", e.lastRefresh)
	require.NotEmpty(t, e.mainLog)
	assert.Contains(t, e.mainLog[len(e.mainLog)-1], "已更新所有代理人的今日行程")

	// Later ticks the same day stay quiet.
	e.mainLog = e.mainLog[:0]
	e.now = time.Date(2024, 11, 19, 4, 10, 0, 0, time.UTC)
	e.maybeRefreshSchedules(ctx, HM(e.now))
	assert.Empty(t, e.mainLog)
}

func TestStepSyncBackpressure(t *testing.T) {
	store := presetStore(t, `{"ISTJ": {"dailySchedule": [{"time": "07:00", "action": "起床"}]}}`)
	params := Params{
		Duration:  90,
		Step:      30,
		Start:     time.Date(2024, 11, 18, 3, 0, 0, 0, time.UTC),
		MBTI:      []string{"ISTJ"},
		UsePreset: true,
		StepSync:  true,
	}
	e := NewEngine(params, testServices(t, store))
	e.pacing = 0

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	waitUpdate := func() UpdateData {
		for {
			select {
			case f, ok := <-e.Frames():
				require.True(t, ok, "frame stream closed early")
				if f.Type == "update" {
					return f.Data.(UpdateData)
				}
			case <-ctx.Done():
				t.Fatal("timed out waiting for update frame")
			}
		}
	}

	first := waitUpdate()
	assert.Equal(t, 0, first.StepID)

	// No further update until the ack arrives.
	select {
	case f := <-e.Frames():
		t.Fatalf("unexpected frame before ack: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}

	// A stale ack does not release the gate either.
	e.AckStep(-1)
	select {
	case f := <-e.Frames():
		t.Fatalf("unexpected frame after stale ack: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}

	e.AckStep(0)
	second := waitUpdate()
	assert.Equal(t, 1, second.StepID)

	e.AckStep(1)
	e.AckStep(2)
	for range e.Frames() {
	}
	require.NoError(t, <-errCh)
}

// ============================================================================
// INSTRUCTIONS & TELEPORT
// ============================================================================

func TestTeleportCommandProducesInstruction(t *testing.T) {
	store := presetStore(t, `{"ISTJ": {"dailySchedule": [{"time": "07:00", "action": "起床"}]}}`)
	params := Params{
		Duration:  60,
		Step:      30,
		Start:     time.Date(2024, 11, 18, 3, 0, 0, 0, time.UTC),
		MBTI:      []string{"ISTJ"},
		UsePreset: true,
	}
	e := NewEngine(params, testServices(t, store))

	require.Error(t, e.TeleportAgent("NOBODY", "公寓大門_室內"))
	require.Error(t, e.TeleportAgent("ISTJ", "不存在的門"))
	require.NoError(t, e.TeleportAgent("ISTJ", "公寓大門_室內"))

	instructions := e.buildInstructions()
	var teleport *Instruction
	for i := range instructions {
		if instructions[i].Command == "teleport" {
			teleport = &instructions[i]
		}
	}
	require.NotNil(t, teleport)
	assert.Equal(t, "ISTJ", teleport.Agent)
	assert.Equal(t, "公寓大門_室內", teleport.FromPortal)
	assert.Equal(t, "公寓大門_室外", teleport.ToPortal)
	assert.Equal(t, world.Exterior, teleport.FinalLocation)

	// The drained queue is empty on the next build.
	for _, instr := range e.buildInstructions() {
		assert.NotEqual(t, "teleport", instr.Command)
	}
}

func TestBuildInstructionsMoveVsInteract(t *testing.T) {
	store := presetStore(t, `{"ISTJ": {"dailySchedule": [{"time": "07:00", "action": "起床"}]}}`)
	params := Params{
		Duration:  60,
		Step:      30,
		Start:     time.Date(2024, 11, 18, 3, 0, 0, 0, time.UTC),
		MBTI:      []string{"ISTJ"},
		Locations: []string{world.ApartmentF1, world.School, world.Exterior},
		UsePreset: true,
	}
	e := NewEngine(params, testServices(t, store))
	a := e.agents[0]

	// Fresh agent: previous == target, so it interacts in place.
	instructions := e.buildInstructions()
	require.Len(t, instructions, 1)
	assert.Equal(t, "interact", instructions[0].Command)

	a.SetNewAction(context.Background(), "學習", world.School)
	instructions = e.buildInstructions()
	require.Len(t, instructions, 1)
	assert.Equal(t, "move", instructions[0].Command)
	assert.Equal(t, world.ApartmentF1, instructions[0].Origin)
	assert.Equal(t, world.School, instructions[0].Destination)
	assert.Equal(t, "學習", instructions[0].Action)
}

// ============================================================================
// CONFLICTS
// ============================================================================

func TestConflictPredicates(t *testing.T) {
	assert.True(t, isSentinel("ISTJ"))
	assert.True(t, isSentinel("ESFJ"))
	assert.False(t, isSentinel("INTJ"))
	assert.True(t, isExplorer("ISTP"))
	assert.True(t, isExplorer("ESFP"))
	assert.True(t, isDiplomat("ENFP"))
	assert.True(t, isRationalThinker("INTP"))
	assert.True(t, isRationalThinker("ISTP"))
	assert.False(t, isRationalThinker("ISFP"))
	assert.True(t, isLeader("ENTJ"))
	assert.True(t, isContrarian("ENFP"))
	assert.True(t, isTalkative("ENFJ", "安撫他人"))
	assert.False(t, isTalkative("INFJ", "安撫他人"))
	assert.False(t, isTalkative("ENFJ", "尋找遮蔽物"))
}

func TestConflictGeneratorEmitsRouteArguments(t *testing.T) {
	services := agent.Services{LLM: newStubLLM(), Tuning: agent.DefaultTuning()}
	sentinel := agent.New(agent.DefaultProfile("ISTJ"), world.School, []string{world.School}, services)
	explorer := agent.New(agent.DefaultProfile("ISTP"), world.School, []string{world.School}, services)
	sentinel.CurrPlace, explorer.CurrPlace = world.School, world.School

	tracker := newConflictTracker()
	now := time.Date(2024, 11, 18, 3, 30, 0, 0, time.UTC)
	var collected []ConflictEvent
	for i := 0; i < 200 && len(collected) == 0; i++ {
		collected = append(collected, tracker.Generate(now, []*agent.Agent{sentinel, explorer})...)
		now = now.Add(10 * time.Minute)
	}
	require.NotEmpty(t, collected)
	assert.ElementsMatch(t, []string{"ISTJ", "ISTP"}, collected[0].Participants)
	assert.Contains(t, collected[0].Text, "ISTJ")
	assert.Contains(t, collected[0].Text, "ISTP")
}

func TestConflictCooldownBlocksRepeat(t *testing.T) {
	tracker := newConflictTracker()
	now := time.Date(2024, 11, 18, 3, 30, 0, 0, time.UTC)
	tracker.arm("route", world.School, now)
	assert.True(t, tracker.onCooldown("route", world.School, now))
	assert.True(t, tracker.onCooldown("route", world.School, now.Add(4*time.Minute)))
	assert.False(t, tracker.onCooldown("route", world.School, now.Add(8*time.Minute)))
	assert.False(t, tracker.onCooldown("rescue", world.School, now))
}

// Serialization shape of the update payload stays client-compatible.
func TestUpdateDataJSONShape(t *testing.T) {
	data := UpdateData{
		AgentStates: map[string]AgentStatePayload{
			"ISTJ": {Name: "ISTJ", CurrentState: "睡覺", Location: "Apartment_F1", HP: 100},
		},
		BuildingStates: map[string]world.Building{
			"School": {ID: "School", Integrity: 87.5},
		},
		AgentActions: []Instruction{{Agent: "ISTJ", Command: "interact", Action: "睡覺"}},
		StepID:       3,
	}
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	for _, key := range []string{
		`"mainLog"`, `"agentStates"`, `"currentState"`, `"buildingStates"`,
		`"integrity"`, `"stepId"`, `"agentActions"`, `"command"`,
	} {
		assert.Contains(t, string(raw), key)
	}
}
