package server

import (
	"context"
	"math/rand"
	"time"

	"github.com/aitown/townsim/agent"
	"github.com/aitown/townsim/sim"
	"github.com/aitown/townsim/world"
)

// ============================================================================
// MOTION LOOP - cosmetic micro-motion for thinking agents
// ============================================================================

// MicroMotion is one agent's cosmetic movement order.
type MicroMotion struct {
	Agent           string  `json:"agent"`
	Mode            string  `json:"mode"`
	Radius          float64 `json:"radius,omitempty"`
	Period          float64 `json:"period,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
	TempTarget      string  `json:"tempTarget,omitempty"`
	ArriveTolerance float64 `json:"arriveTolerance,omitempty"`
}

// MotionData is the payload of a motion frame.
type MotionData struct {
	MicroMotions []MicroMotion `json:"microMotions"`
}

// motionLoop emits motion frames for thinking agents at a fixed cadence until
// the run context ends. Ticks with no thinking agents emit nothing.
func (s *session) motionLoop(ctx context.Context, engine *sim.Engine) error {
	ticker := time.NewTicker(s.motionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, ok := buildMotionFrame(engine.Agents(), s.explicitThinking())
		if !ok {
			continue
		}
		if err := s.sendFrame(frame); err != nil {
			return err
		}
	}
}

// buildMotionFrame collects micro-motions for every agent flagged thinking,
// either internally or via the client's explicit set. Returns false when no
// agent is thinking.
func buildMotionFrame(agents []*agent.Agent, explicit map[string]bool) (sim.Frame, bool) {
	var motions []MicroMotion
	for _, a := range agents {
		if !a.IsThinking() && !explicit[a.Name] {
			continue
		}
		motions = append(motions, randomMotion(a))
	}
	if len(motions) == 0 {
		return sim.Frame{}, false
	}
	return sim.Frame{Type: "motion", Data: MotionData{MicroMotions: motions}}, true
}

// randomMotion picks one of the three cosmetic modes uniformly.
func randomMotion(a *agent.Agent) MicroMotion {
	m := MicroMotion{Agent: a.Name}
	switch rand.Intn(3) {
	case 0:
		m.Mode = "wander"
		m.Radius = 0.8 + rand.Float64()*0.7
		m.Period = 1.2 + rand.Float64()
		m.Speed = 0.5 + rand.Float64()*0.5
	case 1:
		m.Mode = "lookaround"
		m.Period = 1.5 + rand.Float64()
	default:
		m.Mode = "slow_walk_to_temp"
		m.Speed = 0.4 + rand.Float64()*0.3
		m.ArriveTolerance = 0.3
		objects := world.EnvironmentObjects[world.ResolveAlias(a.Place())]
		if len(objects) == 0 {
			// Nothing to walk to outdoors, fall back to a wander.
			m.Mode = "wander"
			m.Radius = 0.8 + rand.Float64()*0.7
			m.Period = 1.2 + rand.Float64()
			break
		}
		m.TempTarget = objects[rand.Intn(len(objects))]
	}
	return m
}
