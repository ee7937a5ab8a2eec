package sim

// ============================================================================
// CLIENT INSTRUCTIONS
// ============================================================================

// Instruction is one agentActions item: a teleport, a movement order or an
// in-place interaction.
type Instruction struct {
	Agent   string `json:"agent"`
	Command string `json:"command"`

	// teleport fields
	FromPortal    string `json:"fromPortal,omitempty"`
	ToPortal      string `json:"toPortal,omitempty"`
	FinalLocation string `json:"finalLocation,omitempty"`
	TargetPlace   string `json:"targetPlace,omitempty"`

	// move fields
	Origin      string `json:"origin,omitempty"`
	Destination string `json:"destination,omitempty"`
	NextStep    string `json:"next_step,omitempty"`

	// shared
	Action       string `json:"action,omitempty"`
	Pronunciatio string `json:"pronunciatio,omitempty"`
}

// buildInstructions drains teleport events and derives a move or interact
// instruction for every agent.
func (e *Engine) buildInstructions() []Instruction {
	var out []Instruction
	for _, a := range e.agents {
		for _, event := range a.DrainSyncEvents() {
			out = append(out, Instruction{
				Agent:         event.Agent,
				Command:       "teleport",
				FromPortal:    event.FromPortal,
				ToPortal:      event.ToPortal,
				FinalLocation: event.FinalLocation,
				TargetPlace:   event.TargetPlace,
			})
		}

		snap := a.Snapshot()
		destination := snap.TargetPlace
		if destination == "" {
			destination = snap.CurrPlace
		}
		if snap.PreviousPlace != destination {
			out = append(out, Instruction{
				Agent:        snap.Name,
				Command:      "move",
				Origin:       snap.PreviousPlace,
				Destination:  destination,
				NextStep:     snap.CurrPlace,
				Action:       snap.CurrAction,
				Pronunciatio: snap.Pronunciatio,
			})
			a.SettlePreviousPlace()
		} else {
			out = append(out, Instruction{
				Agent:        snap.Name,
				Command:      "interact",
				Action:       snap.CurrAction,
				Pronunciatio: snap.Pronunciatio,
			})
		}
	}
	return out
}
