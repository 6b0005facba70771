// Package arbiter checks model-proposed events against the current world.
// An event that breaks a rule is not dropped: it is replaced by a narrative
// fallback so the turn still tells a coherent story.
package arbiter

import (
	"fmt"
	"strings"

	"faxhistoria.ai/internal/sim/events"
	"faxhistoria.ai/internal/sim/world"
)

type Degraded struct {
	Original events.Event
	Reason   string
	Fallback *events.NarrativeFallback
}

type Result struct {
	Approved []events.Event
	Degraded []Degraded
}

// All returns the batch the reducer applies: approved events in proposal
// order, then every fallback.
func (r Result) All() []events.Event {
	out := make([]events.Event, 0, len(r.Approved)+len(r.Degraded))
	out = append(out, r.Approved...)
	for _, d := range r.Degraded {
		out = append(out, d.Fallback)
	}
	return out
}

type rule func(e events.Event, s *world.State) []string

var rules = map[events.Kind]rule{
	events.KindAnnexation: checkAnnexation,
	events.KindWar:        checkWar,
	events.KindAlliance:   checkAlliance,
	events.KindPeace:      checkPeace,
}

// Arbitrate approves or degrades each event. Approved events are copies with
// their economic effects clamped so no country leaves the valid range; the
// caller's events are left untouched.
func Arbitrate(evs []events.Event, s *world.State) Result {
	var res Result
	for _, e := range evs {
		if e == nil {
			continue
		}
		issues := check(e, s)
		if len(issues) == 0 {
			ok := events.Clone(e)
			clampEffects(ok.Common().EconomicEffects, s)
			res.Approved = append(res.Approved, ok)
			continue
		}
		reason := strings.Join(issues, "; ")
		res.Degraded = append(res.Degraded, Degraded{
			Original: e,
			Reason:   reason,
			Fallback: events.Fallback(e, reason),
		})
	}
	return res
}

// Allowed reports whether Arbitrate would approve e against s.
func Allowed(e events.Event, s *world.State) bool {
	return e != nil && len(check(e, s)) == 0
}

func check(e events.Event, s *world.State) []string {
	if !events.Known(e.Kind()) {
		return []string{fmt.Sprintf("Unknown event type: %s", e.Kind())}
	}
	var issues []string
	b := e.Common()
	for _, c := range b.InvolvedCountries {
		if _, ok := s.Countries[c]; !ok {
			issues = append(issues, fmt.Sprintf("Country does not exist: %s", c))
		}
	}
	if r := rules[e.Kind()]; r != nil {
		issues = append(issues, r(e, s)...)
	}
	for _, eff := range b.EconomicEffects {
		if _, ok := s.Countries[eff.CountryName]; !ok {
			issues = append(issues, fmt.Sprintf("Economic effect references non-existent country: %s", eff.CountryName))
		}
	}
	return issues
}

// IsAtWar reports whether a and b are on opposite sides of an active war.
func IsAtWar(a, b string, s *world.State) bool {
	for _, w := range s.ActiveWars {
		if (has(w.Aggressors, a) && has(w.Defenders, b)) || (has(w.Aggressors, b) && has(w.Defenders, a)) {
			return true
		}
	}
	return false
}

func checkAnnexation(e events.Event, s *world.State) []string {
	a := e.(*events.Annexation)
	annexer, ok := s.Countries[a.AnnexingCountry]
	if !ok {
		return []string{fmt.Sprintf("Annexing country does not exist: %s", a.AnnexingCountry)}
	}
	var issues []string
	for _, tid := range a.TargetTerritories {
		t, ok := s.Territories[tid]
		if !ok {
			issues = append(issues, fmt.Sprintf("Territory does not exist: %s", tid))
			continue
		}
		if t.Owner == a.AnnexingCountry {
			issues = append(issues, fmt.Sprintf("%s already owns territory %s", a.AnnexingCountry, tid))
			continue
		}
		owner, ok := s.Countries[t.Owner]
		if !ok {
			continue
		}
		atWar := IsAtWar(a.AnnexingCountry, t.Owner, s)
		advantage := annexer.Military.Strength >= owner.Military.Strength*2
		if !atWar && !advantage {
			issues = append(issues, fmt.Sprintf("%s cannot annex from %s: no war and insufficient military advantage (%v vs %v)",
				a.AnnexingCountry, t.Owner, annexer.Military.Strength, owner.Military.Strength))
		}
	}
	return issues
}

func checkWar(e events.Event, s *world.State) []string {
	w := e.(*events.War)
	var issues []string
	for _, c := range w.AggressorCountries {
		if _, ok := s.Countries[c]; !ok {
			issues = append(issues, fmt.Sprintf("Aggressor country does not exist: %s", c))
		}
	}
	for _, c := range w.DefenderCountries {
		if _, ok := s.Countries[c]; !ok {
			issues = append(issues, fmt.Sprintf("Defender country does not exist: %s", c))
		}
	}
	for _, a := range w.AggressorCountries {
		for _, d := range w.DefenderCountries {
			if IsAtWar(a, d, s) {
				issues = append(issues, fmt.Sprintf("%s and %s are already at war", a, d))
			}
		}
	}
	return issues
}

func checkAlliance(e events.Event, s *world.State) []string {
	inv := e.Common().InvolvedCountries
	var issues []string
	for i := 0; i < len(inv); i++ {
		for j := i + 1; j < len(inv); j++ {
			if IsAtWar(inv[i], inv[j], s) {
				issues = append(issues, fmt.Sprintf("Cannot form alliance: %s and %s are at war", inv[i], inv[j]))
			}
		}
	}
	return issues
}

func checkPeace(e events.Event, s *world.State) []string {
	inv := e.Common().InvolvedCountries
	if len(inv) < 2 {
		return nil
	}
	for i := 0; i < len(inv); i++ {
		for j := i + 1; j < len(inv); j++ {
			if IsAtWar(inv[i], inv[j], s) {
				return nil
			}
		}
	}
	return []string{"Peace event but no active war between involved countries"}
}

// clampEffects rewrites deltas so gdp/population stay >= 0 and stability
// stays in [0,100] once applied.
func clampEffects(effects []events.EconomicEffect, s *world.State) {
	for i := range effects {
		eff := &effects[i]
		c, ok := s.Countries[eff.CountryName]
		if !ok {
			continue
		}
		if c.GDP+eff.GDPChange < 0 {
			eff.GDPChange = -c.GDP
		}
		if c.Population+eff.PopulationChange < 0 {
			eff.PopulationChange = -c.Population
		}
		eff.StabilityChange = min(100, max(0, c.Stability+eff.StabilityChange)) - c.Stability
	}
}

func has(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
