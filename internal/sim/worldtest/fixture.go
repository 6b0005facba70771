// Package worldtest builds small deterministic worlds for tests outside the
// world package.
package worldtest

import (
	"testing"

	"faxhistoria.ai/internal/sim/catalogs"
	"faxhistoria.ai/internal/sim/world"
)

const catalogYAML = `
countries:
  - name: Aurelia
    gdp: 1000
    population: 100
    stability: 60
    military: {strength: 80, nuclear_capable: true, defense_budget: 40}
    territories: [Aurelia_North, Aurelia_South]
  - name: Borduria
    gdp: 400
    population: 50
    stability: 50
    military: {strength: 30, nuclear_capable: false, defense_budget: 10}
    territories: [Borduria_West, Borduria_East]
  - name: Carpathia
    gdp: 300
    population: 30
    stability: 40
    military: {strength: 50, nuclear_capable: false, defense_budget: 12}
    territories: [Carpathia_Highlands]
  - name: Dravonia
    gdp: 200
    population: 20
    stability: 95
    military: {strength: 20, nuclear_capable: false, defense_budget: 5}
    territories: [Dravonia_Coast]
`

// Catalog returns a four-country catalog: Aurelia (strength 80), Borduria
// (30), Carpathia (50) and Dravonia (20).
func Catalog(t testing.TB) *catalogs.Catalog {
	t.Helper()
	c, err := catalogs.Parse([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("worldtest catalog: %v", err)
	}
	return c
}

// NewState returns a turn-0 state with Aurelia as the player, starting in 2024.
func NewState(t testing.TB) *world.State {
	t.Helper()
	s, err := world.NewState(Catalog(t), "Aurelia", 2024)
	if err != nil {
		t.Fatalf("worldtest state: %v", err)
	}
	return s
}

// AtWar puts a and b into an active war, mutating s in place.
func AtWar(s *world.State, id, a, b string) {
	s.ActiveWars = append(s.ActiveWars, world.War{ID: id, Aggressors: []string{a}, Defenders: []string{b}, StartYear: s.CurrentYear})
	s.Countries[a].SetRelation(b, world.StatusAtWar)
	s.Countries[b].SetRelation(a, world.StatusAtWar)
}
