package world

import (
	"math"
	"math/rand"
	"sort"
	"strings"
)

// ============================================================================
// PORTAL GRAPH
// ============================================================================

// portalTargets maps each portal to its destination portals. A portal with
// multiple targets picks one uniformly at random on traversal.
var portalTargets = map[string][]string{
	"健身房_室內":   {"健身房_室外"},
	"健身房_室外":   {"健身房_室內"},
	"公寓一樓_室內":  {"公寓二樓_室內"},
	"公寓二樓_室內":  {"公寓頂樓_室內", "公寓一樓_室內"},
	"公寓側門_室內":  {"公寓側門_室外"},
	"公寓側門_室外":  {"公寓側門_室內"},
	"公寓大門_室內":  {"公寓大門_室外"},
	"公寓大門_室外":  {"公寓大門_室內"},
	"公寓頂樓_室內":  {"公寓頂樓_室外", "公寓二樓_室內"},
	"公寓頂樓_室外":  {"公寓頂樓_室內"},
	"地鐵上入口_室外": {"地鐵左樓梯_室內"},
	"地鐵下入口_室外": {"地鐵右樓梯_室內"},
	"地鐵右入口_室外": {"地鐵右樓梯_室內"},
	"地鐵右樓梯_室內": {"地鐵右入口_室外", "地鐵下入口_室外"},
	"地鐵左入口_室外": {"地鐵左樓梯_室內"},
	"地鐵左樓梯_室內": {"地鐵左入口_室外", "地鐵上入口_室外"},
	"學校門口_室內":  {"學校門口_室外"},
	"學校門口_室外":  {"學校門口_室內"},
	"超市側門_室內":  {"超市側門_室外"},
	"超市側門_室外":  {"超市側門_室內"},
	"超市右門_室內":  {"超市右門_室外"},
	"超市左門_室內":  {"超市左門_室外"},
	"超市左門_室外":  {"超市左門_室內"},
	"餐廳_室內":    {"餐廳_室外"},
	"餐廳_室外":    {"餐廳_室內"},
}

var portalPositions = map[string]Point{
	"健身房_室內":   {-66.92, 17.73},
	"健身房_室外":   {97.5, 15.17},
	"公寓一樓_室內":  {-67.92, -13.82},
	"公寓二樓_室內":  {-117.08, -46.82},
	"公寓側門_室內":  {-57.92, -44.995003},
	"公寓側門_室外":  {6.06, -10.34},
	"公寓大門_室內":  {-77.008, -44.995003},
	"公寓大門_室外":  {-3.4, -9.01},
	"公寓頂樓_室內":  {-117.08, -13.62},
	"公寓頂樓_室外":  {-2.4, 4.42},
	"地鐵上入口_室外": {42.46, -30.38},
	"地鐵下入口_室外": {42.46, -36.45},
	"地鐵右入口_室外": {45.46, -33.47},
	"地鐵右樓梯_室內": {78.03999, -32.58},
	"地鐵左入口_室外": {39.4, -33.5},
	"地鐵左樓梯_室內": {55.970005, -48.980003},
	"學校門口_室內":  {-26.504, -63.017},
	"學校門口_室外":  {106.4, -33.0},
	"超市側門_室內":  {8.98, 55.15},
	"超市側門_室外":  {12.1, 19.830002},
	"超市右門_室內":  {5.98, 38.07},
	"超市右門_室外":  {5.98, 15.88},
	"超市左門_室內":  {-3.91, 38.07},
	"超市左門_室外":  {1.87, 15.88},
	"餐廳_室內":    {-73.00139, 0.972929},
	"餐廳_室外":    {96.95, -5.1},
}

// buildingPrefixes maps the Chinese portal-name prefix of a building's
// interior portals to the canonical location of that interior.
var buildingPrefixes = map[string]string{
	"健身房":  Gym,
	"公寓一樓": ApartmentF1,
	"公寓二樓": ApartmentF2,
	"公寓頂樓": ApartmentF2,
	"公寓側門": ApartmentF1,
	"公寓大門": ApartmentF1,
	"學校":   School,
	"超市":   Super,
	"餐廳":   Rest,
	"地鐵":   Subway,
}

// entryPortals maps each canonical location to the exterior portal a
// pedestrian uses to enter it.
var entryPortals = map[string]string{
	ApartmentF1: "公寓大門_室外",
	ApartmentF2: "公寓大門_室外",
	School:      "學校門口_室外",
	Rest:        "餐廳_室外",
	Gym:         "健身房_室外",
	Super:       "超市左門_室外",
	Subway:      "地鐵左入口_室外",
}

// canonicalPrefixes maps canonical locations back to the portal-name prefix
// used when looking for a building's exit.
var canonicalPrefixes = map[string]string{
	ApartmentF1: "公寓",
	ApartmentF2: "公寓",
	School:      "學校",
	Rest:        "餐廳",
	Gym:         "健身房",
	Super:       "超市",
	Subway:      "地鐵",
}

// ============================================================================
// PORTAL QUERIES
// ============================================================================

// IsPortal reports whether name is a known portal.
func IsPortal(name string) bool {
	_, ok := portalTargets[name]
	return ok
}

// PortalExit returns the destination of a portal traversal. One-to-many
// portals pick a destination uniformly at random.
func PortalExit(portal string) (string, bool) {
	targets, ok := portalTargets[portal]
	if !ok || len(targets) == 0 {
		return "", false
	}
	if len(targets) == 1 {
		return targets[0], true
	}
	return targets[rand.Intn(len(targets))], true
}

// IsOutdoor reports whether a location or portal lies outside a building.
func IsOutdoor(name string) bool {
	resolved := ResolveAlias(name)
	if resolved == Exterior {
		return true
	}
	if strings.HasSuffix(name, "_室外") {
		return true
	}
	for _, keyword := range []string{"Park", "街道", "海邊", "綠道", "城鎮", "斑馬線"} {
		if strings.Contains(name, keyword) {
			return true
		}
	}
	return false
}

// CanonicalLocation maps a portal or alias to the canonical location the
// client should display. Exterior portals map to Exterior; subway interiors
// to Subway; other interiors to their building.
func CanonicalLocation(name string) string {
	if resolved := ResolveAlias(name); IsCanonicalLocation(resolved) {
		return resolved
	}
	if strings.HasSuffix(name, "_室外") {
		return Exterior
	}
	for prefix, canonical := range buildingPrefixes {
		if strings.HasPrefix(name, prefix) {
			return canonical
		}
	}
	return ""
}

// EntryPortal returns the exterior portal used to enter a canonical location.
func EntryPortal(destination string) (string, bool) {
	portal, ok := entryPortals[ResolveAlias(destination)]
	return portal, ok
}

// mainExit finds the interior portal leading out of a building. Prefers the
// building's front door, then the first interior portal sharing the prefix.
func mainExit(location string) (string, bool) {
	prefix, ok := canonicalPrefixes[ResolveAlias(location)]
	if !ok {
		return "", false
	}
	if candidate := prefix + "大門_室內"; IsPortal(candidate) {
		return candidate, true
	}
	var candidates []string
	for portal := range portalTargets {
		if strings.HasPrefix(portal, prefix) && strings.HasSuffix(portal, "_室內") {
			candidates = append(candidates, portal)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[0], true
}

// nearestSubwayEntrance picks the exterior subway entrance closest to from.
func nearestSubwayEntrance(from string) string {
	origin, haveOrigin := Anchor(from)
	best, bestDist := "地鐵左入口_室外", math.MaxFloat64
	for portal := range portalTargets {
		if !strings.HasPrefix(portal, "地鐵") || !strings.HasSuffix(portal, "_室外") {
			continue
		}
		if !haveOrigin {
			continue
		}
		pos := portalPositions[portal]
		dist := math.Hypot(pos.X-origin.X, pos.Y-origin.Y)
		if dist < bestDist || (dist == bestDist && portal < best) {
			best, bestDist = portal, dist
		}
	}
	return best
}

// ============================================================================
// PATH RESOLUTION
// ============================================================================

// ResolvePath returns the next symbolic step from current toward destination.
// Same-side moves go direct; crossing the indoor/outdoor boundary routes
// through the appropriate portal.
func ResolvePath(current, destination string) string {
	if destination == "" || destination == current {
		return current
	}

	if IsSubwayAlias(destination) {
		if ResolveAlias(current) == Subway || strings.HasPrefix(current, "地鐵") {
			return Subway
		}
		return nearestSubwayEntrance(current)
	}

	currentOutdoors := IsOutdoor(current)
	destinationOutdoors := IsOutdoor(destination)

	if currentOutdoors == destinationOutdoors {
		return destination
	}

	if currentOutdoors {
		if portal, ok := EntryPortal(destination); ok {
			return portal
		}
		return destination + "_門口_室外"
	}

	// Indoors heading outside: a portal is already a valid exit point.
	if IsPortal(current) {
		return current
	}
	if exit, ok := mainExit(current); ok {
		return exit
	}
	return destination
}
