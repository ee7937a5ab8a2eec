package world

// ============================================================================
// TELEPORT
// ============================================================================

// TeleportResult describes a completed portal traversal.
type TeleportResult struct {
	FromPortal    string `json:"fromPortal"`
	ToPortal      string `json:"toPortal"`
	FinalLocation string `json:"finalLocation"`
}

// Teleport traverses fromPortal and settles the traveler into a canonical
// location. The candidate chain prefers the exit portal's own canonical
// location, then the portal name itself, the traveler's home, Exterior, and
// finally the first available location.
func Teleport(fromPortal, home string, available []string) (TeleportResult, bool) {
	toPortal, ok := PortalExit(fromPortal)
	if !ok {
		return TeleportResult{}, false
	}

	availableSet := make(map[string]bool, len(available))
	for _, loc := range available {
		availableSet[loc] = true
	}

	candidates := []string{CanonicalLocation(toPortal), toPortal, home, Exterior}
	final := ""
	for _, candidate := range candidates {
		if candidate != "" && availableSet[candidate] {
			final = candidate
			break
		}
	}
	if final == "" && len(available) > 0 {
		final = available[0]
	}

	return TeleportResult{
		FromPortal:    fromPortal,
		ToPortal:      toPortal,
		FinalLocation: final,
	}, true
}
