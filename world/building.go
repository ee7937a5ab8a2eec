package world

import "math/rand"

// ============================================================================
// BUILDINGS
// ============================================================================

// Building is a damageable structure keyed by its canonical location.
type Building struct {
	ID        string  `json:"id"`
	Integrity float64 `json:"integrity"`
}

// NewBuildings creates fully intact buildings for the given locations.
func NewBuildings(ids []string) map[string]*Building {
	buildings := make(map[string]*Building, len(ids))
	for _, id := range ids {
		buildings[id] = &Building{ID: id, Integrity: 100.0}
	}
	return buildings
}

// ApplyDamage degrades integrity for one quake impulse and returns the damage
// dealt. Weakened buildings take extra damage through the vulnerability term.
func (b *Building) ApplyDamage(intensity float64) float64 {
	vulnerability := (100 - b.Integrity) / 100.0
	damage := intensity*20 + intensity*30*vulnerability + (rand.Float64()*10 - 5)
	if damage < 0 {
		damage = 0
	}
	b.Integrity -= damage
	if b.Integrity < 0 {
		b.Integrity = 0
	}
	if b.Integrity > 100 {
		b.Integrity = 100
	}
	return damage
}

// StatusText bands integrity into the damage-report vocabulary.
func (b *Building) StatusText() string {
	switch {
	case b.Integrity > 80:
		return "完好"
	case b.Integrity > 50:
		return "輕微受損"
	case b.Integrity > 0:
		return "嚴重受損"
	default:
		return "完全摧毀"
	}
}
