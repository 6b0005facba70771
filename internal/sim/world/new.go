package world

import (
	"fmt"
	"math"
	"strings"

	"faxhistoria.ai/internal/sim/catalogs"
)

// NewState builds the turn-0 state for a game: every catalog country starts
// NEUTRAL toward every other, and each territory takes an even share of its
// owner's population and GDP.
func NewState(cat *catalogs.Catalog, playerCountry string, startYear int) (*State, error) {
	if cat == nil {
		return nil, fmt.Errorf("nil catalog")
	}
	if !cat.Has(playerCountry) {
		return nil, fmt.Errorf("unknown country %q", playerCountry)
	}
	s := &State{
		Countries:       make(map[string]*Country, len(cat.Countries)),
		Territories:     map[string]*Territory{},
		PlayerCountry:   playerCountry,
		CurrentYear:     startYear,
		ActiveWars:      []War{},
		ActiveAlliances: []Alliance{},
		TradeDeals:      []TradeDeal{},
		RecentEvents:    []RecentEvent{},
		WorldNarrative: fmt.Sprintf("The year is %d. The world stands at a crossroads of geopolitical tension and opportunity. "+
			"As the leader of %s, your decisions will shape the course of history.", startYear, playerCountry),
	}
	for _, d := range cat.Countries {
		c := &Country{
			Name:        d.Name,
			DisplayName: d.DisplayName,
			GDP:         d.GDP,
			Population:  d.Population,
			Stability:   d.Stability,
			Military: Military{
				Strength:       d.Military.Strength,
				NuclearCapable: d.Military.NuclearCapable,
				DefenseBudget:  d.Military.DefenseBudget,
			},
			Territories: cloneStrings(d.Territories),
			Relations:   make([]Relation, 0, len(cat.Countries)-1),
			Government:  d.Government,
			Leader:      d.Leader,
			Color:       d.Color,
		}
		if c.DisplayName == "" {
			c.DisplayName = d.Name
		}
		for _, other := range cat.Countries {
			if other.Name != d.Name {
				c.Relations = append(c.Relations, Relation{Country: other.Name, Status: StatusNeutral})
			}
		}
		s.Countries[d.Name] = c

		n := float64(len(d.Territories))
		for _, id := range d.Territories {
			s.Territories[id] = &Territory{
				ID:              id,
				Name:            strings.ReplaceAll(id, "_", " "),
				Owner:           d.Name,
				Population:      round1(d.Population / n),
				GDPContribution: round1(d.GDP / n),
			}
		}
	}
	return s, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
