// Package reducer applies a batch of events to a world state. Apply is pure:
// it works on a clone and never touches its inputs.
package reducer

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"faxhistoria.ai/internal/sim/events"
	"faxhistoria.ai/internal/sim/world"
)

type handler func(s *world.State, e events.Event, idx int)

var handlers = map[events.Kind]handler{
	events.KindAlliance:          applyAlliance,
	events.KindAnnexation:        applyAnnexation,
	events.KindTradeDeal:         applyTradeDeal,
	events.KindWar:               applyWar,
	events.KindPeace:             applyPeace,
	events.KindNarrative:         nil,
	events.KindEconomicShift:     nil,
	events.KindNarrativeFallback: nil,
}

// Apply returns the state that results from applying evs in order. Each
// event's economic effects follow its handler, and the recent-events ring is
// trimmed to the last world.RecentEventsCap entries.
func Apply(s *world.State, evs []events.Event) *world.State {
	next := s.Clone()
	for idx, e := range evs {
		if e == nil {
			continue
		}
		if h := handlers[e.Kind()]; h != nil {
			h(next, e, idx)
		}
		applyEconomicEffects(next, e.Common().EconomicEffects)

		b := e.Common()
		re := world.RecentEvent{
			TurnNumber:  next.TurnNumber,
			Year:        next.CurrentYear,
			Description: b.Description,
			EventType:   string(e.Kind()),
			ImageURL:    b.ImageURL,
		}
		if b.ImageSeed != nil {
			v := *b.ImageSeed
			re.ImageSeed = &v
		}
		next.RecentEvents = append(next.RecentEvents, re)
	}
	if n := len(next.RecentEvents); n > world.RecentEventsCap {
		next.RecentEvents = append([]world.RecentEvent(nil), next.RecentEvents[n-world.RecentEventsCap:]...)
	}
	return next
}

// Advance produces the state of the next turn: Apply, then one year and one
// turn forward with the model's world narrative.
func Advance(s *world.State, evs []events.Event, narrative string) *world.State {
	next := Apply(s, evs)
	next.CurrentYear = s.CurrentYear + 1
	next.TurnNumber = s.TurnNumber + 1
	next.WorldNarrative = narrative
	return next
}

// AggregateID derives a stable id: prefix + "_" + the first 8 hex chars of
// sha256 over the "|"-joined parts.
func AggregateID(prefix string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return prefix + "_" + hex.EncodeToString(sum[:])[:8]
}

func idParts(year, idx int, groups ...[]string) []string {
	parts := []string{strconv.Itoa(year), strconv.Itoa(idx)}
	for _, g := range groups {
		parts = append(parts, sorted(g)...)
	}
	return parts
}

func applyAlliance(s *world.State, e events.Event, idx int) {
	a := e.(*events.Alliance)
	parts := append(idParts(s.CurrentYear, idx, a.InvolvedCountries), a.AllianceName)
	s.ActiveAlliances = append(s.ActiveAlliances, world.Alliance{
		ID:         AggregateID("alliance", parts...),
		Members:    cloneStrings(a.InvolvedCountries),
		Name:       a.AllianceName,
		FormedYear: s.CurrentYear,
	})
	for _, c := range a.InvolvedCountries {
		for _, other := range a.InvolvedCountries {
			if c != other {
				setRelation(s, c, other, world.StatusAllied)
			}
		}
	}
}

func applyAnnexation(s *world.State, e events.Event, _ int) {
	a := e.(*events.Annexation)
	annexer, ok := s.Countries[a.AnnexingCountry]
	if !ok {
		return
	}
	for _, tid := range a.TargetTerritories {
		t, ok := s.Territories[tid]
		if !ok {
			continue
		}
		prev := t.Owner
		t.Owner = a.AnnexingCountry
		if owner, ok := s.Countries[prev]; ok && prev != a.AnnexingCountry {
			owner.Territories = without(owner.Territories, tid)
		}
		if !containsString(annexer.Territories, tid) {
			annexer.Territories = append(annexer.Territories, tid)
		}
	}
}

func applyTradeDeal(s *world.State, e events.Event, idx int) {
	d := e.(*events.TradeDeal)
	parts := append(idParts(s.CurrentYear, idx, d.InvolvedCountries), d.DealDescription)
	s.TradeDeals = append(s.TradeDeals, world.TradeDeal{
		ID:          AggregateID("trade", parts...),
		Parties:     cloneStrings(d.InvolvedCountries),
		Description: d.DealDescription,
		StartYear:   s.CurrentYear,
	})
	for _, c := range d.InvolvedCountries {
		for _, other := range d.InvolvedCountries {
			if c != other {
				improveRelation(s, c, other)
			}
		}
	}
}

func applyWar(s *world.State, e events.Event, idx int) {
	w := e.(*events.War)
	s.ActiveWars = append(s.ActiveWars, world.War{
		ID:         AggregateID("war", idParts(s.CurrentYear, idx, w.AggressorCountries, w.DefenderCountries)...),
		Aggressors: cloneStrings(w.AggressorCountries),
		Defenders:  cloneStrings(w.DefenderCountries),
		StartYear:  s.CurrentYear,
	})
	for _, a := range w.AggressorCountries {
		for _, d := range w.DefenderCountries {
			setRelation(s, a, d, world.StatusAtWar)
			setRelation(s, d, a, world.StatusAtWar)
		}
	}
}

// A war ends when at least two of the peace signatories fight in it.
func applyPeace(s *world.State, e events.Event, _ int) {
	p := e.(*events.Peace)
	kept := s.ActiveWars[:0]
	for _, w := range s.ActiveWars {
		overlap := 0
		for _, c := range p.InvolvedCountries {
			if w.Involves(c) {
				overlap++
			}
		}
		if overlap < 2 {
			kept = append(kept, w)
		}
	}
	s.ActiveWars = kept

	inv := p.InvolvedCountries
	for i := 0; i < len(inv); i++ {
		for j := i + 1; j < len(inv); j++ {
			setRelation(s, inv[i], inv[j], world.StatusNeutral)
			setRelation(s, inv[j], inv[i], world.StatusNeutral)
		}
	}
}

func applyEconomicEffects(s *world.State, effects []events.EconomicEffect) {
	for _, eff := range effects {
		c, ok := s.Countries[eff.CountryName]
		if !ok {
			continue
		}
		c.GDP = max(0, c.GDP+eff.GDPChange)
		c.Population = max(0, c.Population+eff.PopulationChange)
		c.Stability = min(100, max(0, c.Stability+eff.StabilityChange))
	}
}

func setRelation(s *world.State, country, peer string, st world.Status) {
	c, ok := s.Countries[country]
	if !ok {
		return
	}
	c.SetRelation(peer, st)
}

var ladder = []world.Status{world.StatusHostile, world.StatusNeutral, world.StatusFriendly, world.StatusAllied}

// improveRelation moves one rung up the ladder. AT_WAR is off the ladder and
// unchanged; a missing relation starts at FRIENDLY.
func improveRelation(s *world.State, country, peer string) {
	c, ok := s.Countries[country]
	if !ok {
		return
	}
	cur, ok := c.Relation(peer)
	if !ok {
		c.SetRelation(peer, world.StatusFriendly)
		return
	}
	for i, st := range ladder {
		if st == cur && i < len(ladder)-1 {
			c.SetRelation(peer, ladder[i+1])
			return
		}
	}
}

func sorted(in []string) []string {
	out := cloneStrings(in)
	sort.Strings(out)
	return out
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func without(in []string, v string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func containsString(in []string, v string) bool {
	for _, s := range in {
		if s == v {
			return true
		}
	}
	return false
}
