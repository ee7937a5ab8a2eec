package agent

// ============================================================================
// TUNED CONSTANTS
// ============================================================================

// Tuning collects the behavioral constants of the disaster model so tests
// can override them instead of depending on hard-coded values.
type Tuning struct {
	// Health below this after damage marks the agent injured.
	InjuryThreshold int

	// Building integrity below this counts as unsafe and deals severe damage.
	UnsafeIntegrity float64

	// Quake intensity at or above this uses the heavy-quake reaction table.
	HeavyQuakeIntensity float64

	// Direct healing range per help action.
	HealMin int
	HealMax int

	// Stabilizing-support range for the once-per-disaster morale boost.
	SupportMin int
	SupportMax int

	// Peers below this HP are considered worth helping even when not
	// formally injured.
	HelpWorthyHP int

	// Factor applied to the help probability when the agent would abandon
	// a protective action inside an unsafe building.
	ProtectiveDiscount float64

	// Scale of the ongoing minor-damage chance during quake steps.
	OngoingDamageScale float64
}

// DefaultTuning returns the production constants.
func DefaultTuning() Tuning {
	return Tuning{
		InjuryThreshold:     60,
		UnsafeIntegrity:     50,
		HeavyQuakeIntensity: 0.65,
		HealMin:             6,
		HealMax:             20,
		SupportMin:          4,
		SupportMax:          10,
		HelpWorthyHP:        90,
		ProtectiveDiscount:  0.5,
		OngoingDamageScale:  0.3,
	}
}

// HelpProbability maps a cooperation inclination to the chance of switching
// to a helping action during a quake.
func HelpProbability(cooperation float64) float64 {
	switch {
	case cooperation >= 0.9:
		return 0.97
	case cooperation >= 0.75:
		return 0.85
	case cooperation >= 0.6:
		return 0.70
	case cooperation >= 0.45:
		return 0.55
	default:
		return 0.35
	}
}

// DisasterBonus derives the disaster-time cooperation bonus from MBTI traits.
// Diplomats, extroverts, judging types and introverted intuitives together
// add up to 0.45.
func DisasterBonus(mbti string) float64 {
	bonus := 0.0
	if len(mbti) != 4 {
		return bonus
	}
	if mbti[1] == 'N' && mbti[2] == 'F' {
		bonus += 0.15
	}
	if mbti[0] == 'E' {
		bonus += 0.10
	}
	if mbti[3] == 'J' {
		bonus += 0.10
	}
	if mbti[0] == 'I' && mbti[1] == 'N' {
		bonus += 0.10
	}
	return bonus
}
