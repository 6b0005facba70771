package arbiter

import (
	"strings"
	"testing"

	"faxhistoria.ai/internal/sim/events"
	"faxhistoria.ai/internal/sim/reducer"
	"faxhistoria.ai/internal/sim/worldtest"
)

func base(desc string, countries ...string) events.Base {
	return events.Base{Description: desc, Date: "2024-06-15", InvolvedCountries: countries, EconomicEffects: []events.EconomicEffect{}}
}

func TestArbitrate_Narrative(t *testing.T) {
	s := worldtest.NewState(t)
	res := Arbitrate([]events.Event{&events.Narrative{Base: base("A peaceful year.")}}, s)
	if len(res.Approved) != 1 || len(res.Degraded) != 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestArbitrate_UnknownCountry(t *testing.T) {
	s := worldtest.NewState(t)
	res := Arbitrate([]events.Event{&events.EconomicShift{Base: base("Boom in Atlantis.", "Atlantis")}}, s)
	if len(res.Approved) != 0 || len(res.Degraded) != 1 {
		t.Fatalf("res=%+v", res)
	}
	d := res.Degraded[0]
	if !strings.Contains(d.Reason, "Country does not exist: Atlantis") {
		t.Fatalf("reason=%q", d.Reason)
	}
	if d.Fallback.Kind() != events.KindNarrativeFallback || d.Fallback.OriginalType != events.KindEconomicShift {
		t.Fatalf("fallback=%+v", d.Fallback)
	}
	if d.Fallback.Description != "[Degraded] Boom in Atlantis." {
		t.Fatalf("fallback description=%q", d.Fallback.Description)
	}
}

func TestArbitrate_EffectCountryMustExist(t *testing.T) {
	s := worldtest.NewState(t)
	e := &events.EconomicShift{Base: base("Boom", "Aurelia")}
	e.EconomicEffects = []events.EconomicEffect{{CountryName: "Ghostland", GDPChange: 5}}
	res := Arbitrate([]events.Event{e}, s)
	if len(res.Degraded) != 1 || !strings.Contains(res.Degraded[0].Reason, "non-existent country: Ghostland") {
		t.Fatalf("res=%+v", res)
	}
	if len(res.Degraded[0].Fallback.EconomicEffects) != 0 {
		t.Fatalf("fallback must drop effects")
	}
}

func TestArbitrate_Annexation(t *testing.T) {
	annex := func(annexer string, targets ...string) events.Event {
		return &events.Annexation{Base: base("annex", annexer), AnnexingCountry: annexer, TargetTerritories: targets}
	}

	s := worldtest.NewState(t)
	// Carpathia (50) vs Borduria (30): no war, no 2x advantage.
	res := Arbitrate([]events.Event{annex("Carpathia", "Borduria_West")}, s)
	if len(res.Degraded) != 1 || !strings.Contains(res.Degraded[0].Reason, "insufficient military advantage") {
		t.Fatalf("expected degrade, got %+v", res)
	}

	// Aurelia (80) vs Borduria (30): 2x advantage.
	res = Arbitrate([]events.Event{annex("Aurelia", "Borduria_West")}, s)
	if len(res.Approved) != 1 {
		t.Fatalf("expected approval with advantage, got %+v", res.Degraded)
	}

	// At war removes the advantage requirement.
	worldtest.AtWar(s, "war_1", "Borduria", "Carpathia")
	res = Arbitrate([]events.Event{annex("Carpathia", "Borduria_West")}, s)
	if len(res.Approved) != 1 {
		t.Fatalf("expected approval at war, got %+v", res.Degraded)
	}

	res = Arbitrate([]events.Event{annex("Aurelia", "Aurelia_North"), annex("Aurelia", "Atlantis_Bay"), annex("Nobody", "Aurelia_North")}, s)
	if len(res.Degraded) != 3 {
		t.Fatalf("expected 3 degrades, got %+v", res)
	}
	for i, want := range []string{"already owns", "Territory does not exist", "Annexing country does not exist"} {
		if !strings.Contains(res.Degraded[i].Reason, want) {
			t.Fatalf("degraded[%d] reason %q missing %q", i, res.Degraded[i].Reason, want)
		}
	}
}

func TestArbitrate_WarAlliancePeace(t *testing.T) {
	s := worldtest.NewState(t)
	worldtest.AtWar(s, "war_1", "Aurelia", "Borduria")

	war := &events.War{Base: base("again", "Borduria", "Aurelia"), AggressorCountries: []string{"Borduria"}, DefenderCountries: []string{"Aurelia"}}
	alliance := &events.Alliance{Base: base("pact", "Aurelia", "Borduria", "Carpathia"), AllianceName: "Odd Couple"}
	peaceOK := &events.Peace{Base: base("truce", "Aurelia", "Borduria")}
	peaceBad := &events.Peace{Base: base("truce", "Carpathia", "Dravonia")}
	newWar := &events.War{Base: base("new", "Carpathia", "Dravonia"), AggressorCountries: []string{"Carpathia"}, DefenderCountries: []string{"Dravonia", "Ruritania"}}

	res := Arbitrate([]events.Event{war, alliance, peaceOK, peaceBad, newWar}, s)
	if len(res.Approved) != 1 || res.Approved[0].Kind() != events.KindPeace {
		t.Fatalf("approved=%+v", res.Approved)
	}
	reasons := []string{"already at war", "Cannot form alliance: Aurelia and Borduria are at war", "no active war", "Defender country does not exist: Ruritania"}
	if len(res.Degraded) != len(reasons) {
		t.Fatalf("degraded=%+v", res.Degraded)
	}
	for i, want := range reasons {
		if !strings.Contains(res.Degraded[i].Reason, want) {
			t.Fatalf("degraded[%d] %q missing %q", i, res.Degraded[i].Reason, want)
		}
	}
	all := res.All()
	if len(all) != 5 || all[0].Kind() != events.KindPeace || all[1].Kind() != events.KindNarrativeFallback {
		t.Fatalf("All order wrong: %v", all)
	}
}

func TestArbitrate_ClampsCopyOnly(t *testing.T) {
	s := worldtest.NewState(t)
	e := &events.EconomicShift{Base: base("shock", "Dravonia")}
	e.EconomicEffects = []events.EconomicEffect{{CountryName: "Dravonia", GDPChange: -900, PopulationChange: -50, StabilityChange: 30}}

	res := Arbitrate([]events.Event{e}, s)
	got := res.Approved[0].Common().EconomicEffects[0]
	if got.GDPChange != -200 || got.PopulationChange != -20 || got.StabilityChange != 5 {
		t.Fatalf("clamped=%+v", got)
	}
	if e.EconomicEffects[0].GDPChange != -900 {
		t.Fatalf("caller's event mutated")
	}

	next := reducer.Apply(s, res.All())
	if err := next.Validate(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestIsAtWar_Symmetric(t *testing.T) {
	s := worldtest.NewState(t)
	worldtest.AtWar(s, "w", "Aurelia", "Carpathia")
	if !IsAtWar("Aurelia", "Carpathia", s) || !IsAtWar("Carpathia", "Aurelia", s) {
		t.Fatalf("expected symmetric war")
	}
	if IsAtWar("Aurelia", "Borduria", s) {
		t.Fatalf("unexpected war")
	}
}

func TestAllowed_MatchesArbitrate(t *testing.T) {
	s := worldtest.NewState(t)
	evs := []events.Event{
		&events.Narrative{Base: base("A peaceful year.")},
		&events.EconomicShift{Base: base("Boom in Atlantis.", "Atlantis")},
		nil,
	}
	res := Arbitrate(evs, s)
	approved := 0
	for _, e := range evs {
		if Allowed(e, s) {
			approved++
		}
	}
	if approved != len(res.Approved) || approved != 1 {
		t.Fatalf("allowed=%d approved=%d", approved, len(res.Approved))
	}
}
