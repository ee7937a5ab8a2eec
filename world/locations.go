// Package world models the town map: canonical locations, the portal graph
// with indoor/outdoor transitions, and buildings with an earthquake damage
// model. The map data is compile-time constant and identical across runs.
package world

import "sort"

// ============================================================================
// CANONICAL LOCATIONS
// ============================================================================

// Canonical location labels understood by the client.
const (
	ApartmentF1 = "Apartment_F1"
	ApartmentF2 = "Apartment_F2"
	School      = "School"
	Rest        = "Rest"
	Gym         = "Gym"
	Super       = "Super"
	Subway      = "Subway"
	Exterior    = "Exterior"
)

// Point is a 2D map coordinate matching the client's scene space.
type Point struct {
	X float64
	Y float64
}

type locationMeta struct {
	anchor  Point
	aliases []string
}

var locationMarkers = map[string]locationMeta{
	ApartmentF1: {anchor: Point{-83.5, -50.6}, aliases: []string{"Apartment", "公寓", "公寓一樓", "公寓F1"}},
	ApartmentF2: {anchor: Point{-184.7, -57.0}, aliases: []string{"公寓二樓", "Apartment_Floor2", "公寓F2"}},
	School:      {anchor: Point{-1.0, -109.7}, aliases: []string{"學校", "教室", "校園", "校园"}},
	Rest:        {anchor: Point{-98.0, 10.5}, aliases: []string{"餐廳", "餐厅", "咖啡店", "Cafe", "Restaurant"}},
	Gym:         {anchor: Point{-86.8, 42.9}, aliases: []string{"健身房", "Gymnasium"}},
	Super:       {anchor: Point{52.2, 92.9}, aliases: []string{"超市", "商場", "商场", "便利店"}},
	Subway:      {anchor: Point{166.7, -97.1}, aliases: []string{"地鐵", "地铁", "Metro"}},
	Exterior:    {anchor: Point{174.8, 1.9}, aliases: []string{"室外", "戶外", "户外", "公園", "Park"}},
}

// subwayAliases are map-wide names that always mean "go to the subway".
var subwayAliases = map[string]bool{
	Subway: true,
	"地鐵":   true,
	"地铁":   true,
	"Metro": true,
}

// EnvironmentObjects lists interactable anchors inside each canonical
// location, used for idle micro-motion targets.
var EnvironmentObjects = map[string][]string{
	ApartmentF1: {"床", "沙發", "書桌"},
	ApartmentF2: {"床", "書架", "陽台椅"},
	School:      {"黑板", "課桌椅", "講台"},
	Rest:        {"咖啡機", "甜點櫃", "沙發椅"},
	Gym:         {"啞鈴", "跑步機", "瑜珈墊"},
	Super:       {"貨架", "收銀台", "購物籃"},
	Subway:      {"售票機", "候車椅", "路線圖"},
	Exterior:    {"長椅", "路燈", "噴泉"},
}

var aliasToCanonical = buildAliasTable()

func buildAliasTable() map[string]string {
	table := make(map[string]string)
	for name, meta := range locationMarkers {
		table[name] = name
		for _, alias := range meta.aliases {
			table[alias] = name
		}
	}
	return table
}

// Locations returns the canonical location set in sorted order.
func Locations() []string {
	out := make([]string, 0, len(locationMarkers))
	for name := range locationMarkers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsCanonicalLocation reports whether name is one of the canonical labels.
func IsCanonicalLocation(name string) bool {
	_, ok := locationMarkers[name]
	return ok
}

// ResolveAlias maps a location alias to its canonical label. Unknown names
// pass through unchanged.
func ResolveAlias(name string) string {
	if canonical, ok := aliasToCanonical[name]; ok {
		return canonical
	}
	return name
}

// IsSubwayAlias reports whether name is a map-wide alias for the subway.
func IsSubwayAlias(name string) bool {
	return subwayAliases[name]
}

// Anchor returns the scene coordinate of a canonical location or portal.
func Anchor(name string) (Point, bool) {
	if meta, ok := locationMarkers[ResolveAlias(name)]; ok {
		return meta.anchor, true
	}
	if p, ok := portalPositions[name]; ok {
		return p, true
	}
	return Point{}, false
}
