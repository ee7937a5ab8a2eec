package agent

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/aitown/townsim/activity"
	"github.com/aitown/townsim/disaster"
	"github.com/aitown/townsim/llm"
	"github.com/aitown/townsim/world"
)

// ============================================================================
// EARTHQUAKE REACTION
// ============================================================================

// ResetForQuake clears the per-disaster state at quake onset.
func (a *Agent) ResetForQuake() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.DisasterLog = nil
	a.quakeTookCover = false
	a.quakeEvacStarted = false
	a.quakeSupportDone = false
}

// ReactToEarthquake applies the immediate quake impact: damage roll, injury
// marking and the MBTI reaction. The agent always ends the call taking cover;
// the chosen reaction is returned for event logging.
func (a *Agent) ReactToEarthquake(intensity float64, buildings map[string]*world.Building, peers []*Agent) (string, int) {
	t := a.services.Tuning
	building := a.currentBuilding(buildings)
	integrity := 100.0
	if building != nil {
		integrity = building.Integrity
	}

	damage := 0
	switch {
	case building != nil && integrity < t.UnsafeIntegrity:
		damage = randRange(int(intensity*25), int(intensity*55))
	case building != nil && rand.Float64() < intensity*0.5:
		damage = randRange(1, int(intensity*30))
	case building == nil && rand.Float64() < intensity*0.25:
		damage = randRange(1, int(intensity*15))
	}

	injuredNearby := a.anyInjuredPeer(peers)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.Health -= damage
	if a.Health < 0 {
		a.Health = 0
	}
	a.DisasterLog = append(a.DisasterLog, fmt.Sprintf("遭受 %d 點傷害 (HP: %d)", damage, a.Health))

	if a.Health == 0 {
		a.IsInjured = true
		a.MentalState = StateUnconscious
		a.CurrAction = activity.LabelUnconscious
		a.Pronunciatio = activity.Emoji(activity.LabelUnconscious)
		return activity.LabelUnconscious, damage
	}
	if a.Health < t.InjuryThreshold {
		a.IsInjured = true
	}

	reaction, mental := a.quakeReaction(intensity, t)

	if !a.IsInjured && injuredNearby {
		p := HelpProbability(a.CooperationInclination)
		if reaction == activity.LabelHideUnderDesk && integrity < t.UnsafeIntegrity {
			p *= t.ProtectiveDiscount
		}
		if rand.Float64() < p {
			reaction, mental = activity.LabelHelpInjured, StateHelping
		}
	}

	a.MentalState = mental
	a.DisasterLog = append(a.DisasterLog, "第一反應: "+reaction)

	// Cover comes first regardless of the chosen reaction.
	a.CurrAction = activity.LabelTakeCover
	a.Pronunciatio = activity.Emoji(activity.LabelTakeCover)
	return reaction, damage
}

// quakeReaction picks the MBTI-driven reaction. Caller holds the mutex.
func (a *Agent) quakeReaction(intensity float64, t Tuning) (string, string) {
	if a.IsInjured {
		return activity.LabelSeekMedical, StateInjured
	}
	extrovert := strings.HasPrefix(a.MBTI, "E")
	introvert := strings.HasPrefix(a.MBTI, "I")
	feeling := strings.Contains(a.MBTI, "F")
	judging := strings.HasSuffix(a.MBTI, "J")

	if intensity >= t.HeavyQuakeIntensity {
		switch {
		case extrovert && strings.HasSuffix(a.MBTI, "TJ"):
			return activity.LabelDirectEvac, StateFocused
		case extrovert && feeling:
			return activity.LabelCalmOthers, StatePanicked
		case introvert && feeling:
			return activity.LabelHideUnderDesk, StateFrozen
		default:
			return activity.LabelFindExit, StateAlert
		}
	}
	if judging {
		return activity.LabelAssessArea, StateCalm
	}
	return activity.LabelTakeCover, StateAlert
}

// ============================================================================
// EARTHQUAKE STEP
// ============================================================================

// PerformEarthquakeStep advances one quake tick for a conscious agent:
// ongoing damage, cover, evacuation toward the subway, then free reasoning,
// and finally a help attempt.
func (a *Agent) PerformEarthquakeStep(ctx context.Context, peers []*Agent, buildings map[string]*world.Building, intensity float64, logger *disaster.Logger, now time.Time) string {
	t := a.services.Tuning

	if building := a.currentBuilding(buildings); building != nil {
		chance := intensity * (100 - building.Integrity) / 100 * t.OngoingDamageScale
		if rand.Float64() < chance {
			damage := randRange(1, 5)
			a.mu.Lock()
			a.Health -= damage
			if a.Health < 0 {
				a.Health = 0
			}
			if a.Health < t.InjuryThreshold {
				a.IsInjured = true
			}
			hp := a.Health
			a.DisasterLog = append(a.DisasterLog, fmt.Sprintf("被掉落物擊中，受到 %d 點傷害 (HP: %d)", damage, hp))
			a.mu.Unlock()
			logger.Record(a.Name, disaster.KindLoss, now, map[string]interface{}{
				"value": float64(damage), "message": fmt.Sprintf("持續損傷 %d", damage),
			})
			if hp == 0 {
				a.mu.Lock()
				a.MentalState = StateUnconscious
				a.CurrAction = activity.LabelUnconscious
				a.Pronunciatio = activity.Emoji(activity.LabelUnconscious)
				a.mu.Unlock()
				return fmt.Sprintf("%s 失去了意識", a.Name)
			}
		}
	}

	a.mu.Lock()
	switch {
	case !a.quakeTookCover:
		a.quakeTookCover = true
		a.CurrAction = activity.LabelTakeCover
		a.Pronunciatio = activity.Emoji(activity.LabelTakeCover)
		a.DisasterLog = append(a.DisasterLog, "就地尋找掩護")
		a.mu.Unlock()
		return fmt.Sprintf("%s 就地尋找掩護", a.Name)

	case !a.quakeEvacStarted:
		a.quakeEvacStarted = true
		a.TargetPlace = world.Subway
		a.PreviousPlace = a.CurrPlace
		a.CurrPlace = world.ResolvePath(a.CurrPlace, world.Subway)
		a.CurrAction = activity.LabelEvacToSubway
		a.Pronunciatio = activity.Emoji(activity.LabelEvacToSubway)
		a.DisasterLog = append(a.DisasterLog, "開始撤離，前往地鐵站")
		a.mu.Unlock()
		a.stepTowardSubway()
		a.markSubwayArrival()
		return fmt.Sprintf("%s 開始撤離到地鐵", a.Name)

	case world.CanonicalLocation(a.CurrPlace) != world.Subway && a.CurrPlace != world.Subway:
		a.mu.Unlock()
		a.stepTowardSubway()
		a.markSubwayArrival()
		a.mu.Lock()
		place := a.CurrPlace
		a.mu.Unlock()
		return fmt.Sprintf("%s 正在撤離 (位置: %s)", a.Name, place)

	default:
		persona, health, mental, place := a.PersonaSummary, a.Health, a.MentalState, a.CurrPlace
		logCopy := append([]string(nil), a.DisasterLog...)
		a.mu.Unlock()

		a.EnterThinking()
		action, thought := llm.EarthquakeStepAction(ctx, a.services.LLM, persona, health, mental, place, intensity, logCopy)
		a.ExitThinking()

		label, emoji := activity.Classify(action)
		a.mu.Lock()
		a.CurrAction = label
		a.Pronunciatio = emoji
		a.CurrentThought = thought
		a.DisasterLog = append(a.DisasterLog, "地震中行動: "+action)
		a.mu.Unlock()

		if record := a.PerceiveAndHelp(peers); record != nil {
			logger.Record(a.Name, disaster.KindCooperation, now, record)
		}
		return fmt.Sprintf("%s: %s", a.Name, action)
	}
}

// markSubwayArrival switches to the sheltering action once the agent stands
// in the subway.
func (a *Agent) markSubwayArrival() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.CurrPlace != world.Subway || a.CurrAction == activity.LabelShelterSubway {
		return
	}
	a.CurrAction = activity.LabelShelterSubway
	a.Pronunciatio = activity.Emoji(activity.LabelShelterSubway)
	a.DisasterLog = append(a.DisasterLog, "抵達地鐵站避難")
}

// stepTowardSubway advances one symbolic step of the evacuation, teleporting
// through subway portals when standing on one.
func (a *Agent) stepTowardSubway() {
	a.mu.Lock()
	current := a.CurrPlace
	a.mu.Unlock()

	next := world.ResolvePath(current, world.Subway)
	if next == current && world.IsPortal(current) {
		a.Teleport(current)
		return
	}
	a.mu.Lock()
	if strings.HasPrefix(next, "地鐵") && strings.HasSuffix(next, "_室內") {
		a.CurrPlace = world.Subway
	} else {
		a.CurrPlace = next
	}
	a.mu.Unlock()
	if world.IsPortal(next) && strings.HasSuffix(next, "_室外") && strings.HasPrefix(next, "地鐵") {
		a.Teleport(next)
		a.mu.Lock()
		a.CurrPlace = world.Subway
		a.mu.Unlock()
	}
}

// ============================================================================
// RECOVERY STEP
// ============================================================================

// PerformRecoveryStep advances one recovery tick: the injured rest, helpers
// help, everyone else asks for a recovery action. Uninjured agents slowly
// heal and drift back to calm.
func (a *Agent) PerformRecoveryStep(ctx context.Context, peers []*Agent, logger *disaster.Logger, now time.Time) {
	t := a.services.Tuning

	a.mu.Lock()
	injured := a.IsInjured
	a.mu.Unlock()

	if injured {
		a.mu.Lock()
		a.CurrAction = activity.LabelSeekMedical
		a.Pronunciatio = activity.Emoji(activity.LabelSeekMedical)
		a.CurrentThought = "先找醫療資源或好好休息。"
		a.MentalState = StateInjured
		a.mu.Unlock()
	} else if record := a.PerceiveAndHelp(peers); record != nil {
		logger.Record(a.Name, disaster.KindCooperation, now, record)
		a.mu.Lock()
		a.CurrAction = activity.LabelHelpInjured
		a.Pronunciatio = activity.Emoji(activity.LabelHelpInjured)
		a.MentalState = StateHelping
		a.mu.Unlock()
	} else {
		a.mu.Lock()
		persona, mental, place := a.PersonaSummary, a.MentalState, a.CurrPlace
		a.mu.Unlock()

		a.EnterThinking()
		suggestion := llm.RecoveryAction(ctx, a.services.LLM, persona, mental, place)
		a.ExitThinking()

		label, emoji := activity.Classify(suggestion)
		a.mu.Lock()
		a.CurrAction = label
		a.Pronunciatio = emoji
		a.CurrentThought = suggestion
		a.mu.Unlock()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Health > 0 && a.Health < 100 && rand.Float64() < 0.5 {
		a.Health += randRange(1, 5)
		if a.Health > 100 {
			a.Health = 100
		}
		if a.Health >= t.InjuryThreshold {
			a.IsInjured = false
		}
	}
	if !a.IsInjured && a.MentalState != StateCalm && a.MentalState != StateHelping {
		a.MentalState = StateCalm
	}
}

// ============================================================================
// COOPERATION
// ============================================================================

// PerceiveAndHelp looks for a peer worth healing and treats the worst-off
// one. When nobody needs treatment, a once-per-disaster stabilizing support
// goes to a random alive peer. Returns the cooperation record, or nil.
func (a *Agent) PerceiveAndHelp(peers []*Agent) map[string]interface{} {
	t := a.services.Tuning

	var candidates []*Agent
	for _, peer := range peers {
		if peer.Name == a.Name {
			continue
		}
		peer.mu.Lock()
		eligible := peer.Health > 0 && (peer.IsInjured || peer.Health < t.HelpWorthyHP)
		peer.mu.Unlock()
		if eligible {
			candidates = append(candidates, peer)
		}
	}

	if len(candidates) > 0 {
		target := candidates[0]
		lowest := target.healthNow()
		for _, peer := range candidates[1:] {
			if hp := peer.healthNow(); hp < lowest {
				target, lowest = peer, hp
			}
		}
		heal := randRange(t.HealMin, t.HealMax)
		originalHP, newHP := target.receiveHealing(heal, t.InjuryThreshold)
		applied := newHP - originalHP
		a.mu.Lock()
		a.DisasterLog = append(a.DisasterLog, fmt.Sprintf("協助 %s (+%d HP -> %d)", target.Name, applied, newHP))
		a.mu.Unlock()
		return map[string]interface{}{
			"message": fmt.Sprintf("協助 %s (+%d HP -> %d)", target.Name, applied, newHP),
			"受助者":     target.Name,
			"原始HP":    float64(originalHP),
			"治療量":     float64(applied),
			"新HP":     float64(newHP),
		}
	}

	a.mu.Lock()
	supportDone := a.quakeSupportDone
	a.mu.Unlock()
	if supportDone {
		return nil
	}

	var alive []*Agent
	for _, peer := range peers {
		if peer.Name != a.Name && peer.Alive() {
			alive = append(alive, peer)
		}
	}
	if len(alive) == 0 {
		return nil
	}
	target := alive[rand.Intn(len(alive))]
	support := randRange(t.SupportMin, t.SupportMax)
	originalHP, newHP := target.receiveHealing(support, t.InjuryThreshold)

	a.mu.Lock()
	a.quakeSupportDone = true
	a.DisasterLog = append(a.DisasterLog, fmt.Sprintf("穩定 %s 的狀態 (+%d HP)", target.Name, newHP-originalHP))
	a.mu.Unlock()
	return map[string]interface{}{
		"message": fmt.Sprintf("穩定狀態支援 %s (+%d HP -> %d)", target.Name, newHP-originalHP, newHP),
		"受助者":     target.Name,
		"原始HP":    float64(originalHP),
		"治療量":     float64(newHP - originalHP),
		"新HP":     float64(newHP),
	}
}

// receiveHealing raises health by up to amount, capped at 100, and refreshes
// the injured flag against the threshold. Returns HP before and after.
func (a *Agent) receiveHealing(amount, injuryThreshold int) (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	original := a.Health
	a.Health += amount
	if a.Health > 100 {
		a.Health = 100
	}
	a.IsInjured = a.Health < injuryThreshold
	return original, a.Health
}

func (a *Agent) healthNow() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Health
}

func (a *Agent) anyInjuredPeer(peers []*Agent) bool {
	for _, peer := range peers {
		if peer.Name == a.Name {
			continue
		}
		peer.mu.Lock()
		injured := peer.Health > 0 && peer.IsInjured
		peer.mu.Unlock()
		if injured {
			return true
		}
	}
	return false
}

// currentBuilding resolves the building the agent currently occupies, nil
// when outdoors.
func (a *Agent) currentBuilding(buildings map[string]*world.Building) *world.Building {
	a.mu.Lock()
	place := a.CurrPlace
	a.mu.Unlock()
	if world.IsOutdoor(place) {
		return nil
	}
	if b, ok := buildings[place]; ok {
		return b
	}
	if canonical := world.CanonicalLocation(place); canonical != "" {
		return buildings[canonical]
	}
	return nil
}

// randRange returns a uniform integer in [lo, hi].
func randRange(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rand.Intn(hi-lo+1)
}
