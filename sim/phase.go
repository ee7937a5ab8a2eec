package sim

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/aitown/townsim/disaster"
	"github.com/aitown/townsim/llm"
	"github.com/aitown/townsim/world"
)

// ============================================================================
// PHASE STATE MACHINE
// ============================================================================

// tickPhase advances the Normal → Earthquake → Recovery →
// PostQuakeDiscussion → Normal machine by one tick.
func (e *Engine) tickPhase(ctx context.Context) {
	switch e.phase {
	case PhaseNormal:
		if e.quakeDue() {
			e.enterEarthquake()
		}
	case PhaseEarthquake:
		if !e.now.Before(e.quakeEnd) {
			e.enterRecovery(ctx)
			return
		}
		e.runEarthquakeTick(ctx)
	case PhaseRecovery:
		if !e.now.Before(e.recoveryEnd) {
			e.enterDiscussion()
			return
		}
		e.runRecoveryTick(ctx)
	case PhaseDiscussion:
		if !e.now.Before(e.discussionEnd) {
			e.phase = PhaseNormal
			e.log("討論結束，生活恢復正常")
		}
	}
}

func (e *Engine) quakeDue() bool {
	if !e.params.EqEnabled || e.eventIdx >= len(e.params.Quakes) {
		return false
	}
	return !e.now.Before(e.params.Quakes[e.eventIdx].At)
}

// ============================================================================
// TRANSITIONS
// ============================================================================

func (e *Engine) enterEarthquake() {
	event := e.params.Quakes[e.eventIdx]
	e.eventIdx++
	e.phase = PhaseEarthquake
	e.quakeIntensity = event.Intensity
	e.quakeEnd = e.now.Add(event.Duration)
	e.logger.SetDisasterStart(e.now)

	e.log(fmt.Sprintf("地震發生！強度 %.2f，預計持續 %d 分鐘", event.Intensity, int(event.Duration.Minutes())))

	for _, b := range e.sortedBuildings() {
		damage := b.ApplyDamage(event.Intensity)
		e.log(fmt.Sprintf("%s 受損 %.1f，完整度 %.1f (%s)", b.ID, damage, b.Integrity, b.StatusText()))
	}

	for _, a := range e.agents {
		a.InterruptAction()
		a.ResetForQuake()
		reaction, damage := a.ReactToEarthquake(event.Intensity, e.buildings, e.agents)
		e.logger.Record(a.Name, disaster.KindReaction, e.now,
			map[string]interface{}{"action": reaction, "message": "第一反應: " + reaction})
		e.logger.Record(a.Name, disaster.KindLoss, e.now,
			map[string]interface{}{"value": float64(damage), "message": fmt.Sprintf("初始傷害 %d", damage)})
		e.log(fmt.Sprintf("%s 的反應: %s (受傷 %d)", a.Name, reaction, damage))
	}
}

func (e *Engine) runEarthquakeTick(ctx context.Context) {
	lines := make([]string, len(e.agents))
	g, ctx := errgroup.WithContext(ctx)
	for i, a := range e.agents {
		i, a := i, a
		if !a.Alive() {
			continue
		}
		g.Go(func() error {
			lines[i] = a.PerformEarthquakeStep(ctx, e.agents, e.buildings, e.quakeIntensity, e.logger, e.now)
			return nil
		})
	}
	g.Wait()
	for _, line := range lines {
		e.log(line)
	}

	for _, event := range e.conflicts.Generate(e.now, e.agents) {
		e.log(event.Text)
		for _, name := range event.Participants {
			e.logger.Record(name, disaster.KindQuarrel, e.now,
				map[string]interface{}{"message": event.Text})
		}
	}
}

func (e *Engine) enterRecovery(ctx context.Context) {
	e.phase = PhaseRecovery
	e.recoveryEnd = e.now.Add(RecoveryDuration)
	e.log("地震結束，進入恢復階段")

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range e.agents {
		a := a
		g.Go(func() error {
			snap := a.Snapshot()
			a.EnterThinking()
			summary := llm.SummarizeDisaster(gctx, e.services.LLM, snap.Name, snap.MBTI, snap.Health, a.ExperienceLog())
			a.ExitThinking()
			a.AppendMemory("\n[災難記憶] " + summary)
			return nil
		})
	}
	g.Wait()

	e.log("--- 災後損害報告 ---")
	for _, b := range e.sortedBuildings() {
		e.log(fmt.Sprintf("%s: %s (完整度 %.1f)", b.ID, b.StatusText(), b.Integrity))
	}
	for _, a := range e.agents {
		snap := a.Snapshot()
		e.log(fmt.Sprintf("%s: HP %d, 狀態 %s", snap.Name, snap.Health, snap.MentalState))
	}
}

func (e *Engine) runRecoveryTick(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range e.agents {
		a := a
		if !a.Alive() {
			continue
		}
		g.Go(func() error {
			a.PerformRecoveryStep(ctx, e.agents, e.logger, e.now)
			return nil
		})
	}
	g.Wait()
	e.log("恢復階段進行中")
}

func (e *Engine) enterDiscussion() {
	e.phase = PhaseDiscussion
	e.discussionEnd = e.now.Add(DiscussionDuration)
	for _, a := range e.agents {
		if a.Alive() {
			a.SetLastAction("重新評估中")
		}
	}
	e.log("恢復階段結束，進入災後討論")
}

// disasterContext describes the current phase for chat and monologue prompts.
func (e *Engine) disasterContext() string {
	switch e.phase {
	case PhaseEarthquake:
		return fmt.Sprintf("地震正在發生！強度 %.2f，請注意安全。", e.quakeIntensity)
	case PhaseRecovery:
		return "地震剛結束，大家正在恢復與互相照應。"
	case PhaseDiscussion:
		return "地震後的討論時間，大家在分享剛才的經歷。"
	default:
		return ""
	}
}

func (e *Engine) sortedBuildings() []*world.Building {
	out := make([]*world.Building, 0, len(e.buildings))
	for _, b := range e.buildings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
