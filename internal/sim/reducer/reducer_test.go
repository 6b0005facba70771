package reducer

import (
	"fmt"
	"testing"

	"faxhistoria.ai/internal/sim/events"
	"faxhistoria.ai/internal/sim/world"
	"faxhistoria.ai/internal/sim/worldtest"
)

func base(desc string, countries ...string) events.Base {
	return events.Base{Description: desc, Date: "2024-05-01", InvolvedCountries: countries, EconomicEffects: []events.EconomicEffect{}}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	s := worldtest.NewState(t)
	before := s.Digest()
	evs := []events.Event{
		&events.War{Base: base("clash", "Aurelia", "Borduria"), AggressorCountries: []string{"Aurelia"}, DefenderCountries: []string{"Borduria"}},
		&events.Annexation{Base: base("grab", "Aurelia"), AnnexingCountry: "Aurelia", TargetTerritories: []string{"Borduria_West"}},
	}
	next := Apply(s, evs)
	if s.Digest() != before {
		t.Fatalf("input state mutated")
	}
	if next.Territories["Borduria_West"].Owner != "Aurelia" {
		t.Fatalf("annexation not applied")
	}
	if got := next.Countries["Borduria"].Territories; len(got) != 1 || got[0] != "Borduria_East" {
		t.Fatalf("borduria territories: %v", got)
	}
	if got := next.Countries["Aurelia"].Territories; len(got) != 3 {
		t.Fatalf("aurelia territories: %v", got)
	}
}

func TestApply_Deterministic(t *testing.T) {
	s := worldtest.NewState(t)
	mk := func() []events.Event {
		return []events.Event{
			&events.Alliance{Base: base("pact", "Borduria", "Carpathia"), AllianceName: "Eastern Pact"},
			&events.Alliance{Base: base("pact", "Borduria", "Carpathia"), AllianceName: "Eastern Pact"},
			&events.TradeDeal{Base: base("deal", "Aurelia", "Dravonia"), DealDescription: "fish"},
		}
	}
	a := Apply(s, mk())
	b := Apply(s, mk())
	if a.Digest() != b.Digest() {
		t.Fatalf("digests differ")
	}
	if len(a.ActiveAlliances) != 2 {
		t.Fatalf("alliances: %+v", a.ActiveAlliances)
	}
	if a.ActiveAlliances[0].ID == a.ActiveAlliances[1].ID {
		t.Fatalf("identical events at different positions share id %s", a.ActiveAlliances[0].ID)
	}
	if a.ActiveAlliances[0].ID != b.ActiveAlliances[0].ID {
		t.Fatalf("ids not reproducible")
	}
}

func TestAggregateID_SortsParticipants(t *testing.T) {
	s := worldtest.NewState(t)
	x := Apply(s, []events.Event{&events.Alliance{Base: base("p", "Borduria", "Aurelia"), AllianceName: "N"}})
	y := Apply(s, []events.Event{&events.Alliance{Base: base("p", "Aurelia", "Borduria"), AllianceName: "N"}})
	if x.ActiveAlliances[0].ID != y.ActiveAlliances[0].ID {
		t.Fatalf("participant order changed id")
	}
	want := AggregateID("alliance", "2024", "0", "Aurelia", "Borduria", "N")
	if x.ActiveAlliances[0].ID != want {
		t.Fatalf("id=%s want %s", x.ActiveAlliances[0].ID, want)
	}
	if len(want) != len("alliance_")+8 {
		t.Fatalf("id shape: %s", want)
	}
	// Member order is preserved as proposed.
	if x.ActiveAlliances[0].Members[0] != "Borduria" {
		t.Fatalf("members reordered: %v", x.ActiveAlliances[0].Members)
	}
}

func TestApply_WarAndPeace(t *testing.T) {
	s := worldtest.NewState(t)
	s = Apply(s, []events.Event{
		&events.War{Base: base("clash", "Aurelia", "Borduria"), AggressorCountries: []string{"Aurelia"}, DefenderCountries: []string{"Borduria"}},
		&events.War{Base: base("other", "Carpathia", "Dravonia"), AggressorCountries: []string{"Carpathia"}, DefenderCountries: []string{"Dravonia"}},
	})
	if st, _ := s.Countries["Borduria"].Relation("Aurelia"); st != world.StatusAtWar {
		t.Fatalf("status=%s", st)
	}
	if len(s.ActiveWars) != 2 {
		t.Fatalf("wars=%d", len(s.ActiveWars))
	}

	s = Apply(s, []events.Event{&events.Peace{Base: base("truce", "Aurelia", "Borduria")}})
	if len(s.ActiveWars) != 1 || s.ActiveWars[0].Aggressors[0] != "Carpathia" {
		t.Fatalf("wars after peace: %+v", s.ActiveWars)
	}
	for _, pair := range [][2]string{{"Aurelia", "Borduria"}, {"Borduria", "Aurelia"}} {
		if st, _ := s.Countries[pair[0]].Relation(pair[1]); st != world.StatusNeutral {
			t.Fatalf("%s->%s = %s", pair[0], pair[1], st)
		}
	}
}

func TestApply_TradeLadder(t *testing.T) {
	s := worldtest.NewState(t)
	s.Countries["Aurelia"].SetRelation("Borduria", world.StatusHostile)
	s.Countries["Borduria"].Relations = nil

	steps := []world.Status{world.StatusNeutral, world.StatusFriendly, world.StatusAllied, world.StatusAllied}
	for i, want := range steps {
		s = Apply(s, []events.Event{&events.TradeDeal{Base: base("deal", "Aurelia", "Borduria"), DealDescription: fmt.Sprint(i)}})
		if st, _ := s.Countries["Aurelia"].Relation("Borduria"); st != want {
			t.Fatalf("step %d: %s want %s", i, st, want)
		}
	}
	if st, _ := s.Countries["Borduria"].Relation("Aurelia"); st != world.StatusAllied {
		t.Fatalf("missing relation should start FRIENDLY and climb, got %s", st)
	}

	worldtest.AtWar(s, "war_x", "Carpathia", "Dravonia")
	s = Apply(s, []events.Event{&events.TradeDeal{Base: base("deal", "Carpathia", "Dravonia"), DealDescription: "arms"}})
	if st, _ := s.Countries["Carpathia"].Relation("Dravonia"); st != world.StatusAtWar {
		t.Fatalf("AT_WAR should not move on the ladder, got %s", st)
	}
}

func TestApply_EconomicEffectsClamp(t *testing.T) {
	s := worldtest.NewState(t)
	e := &events.EconomicShift{Base: base("crash", "Dravonia")}
	e.EconomicEffects = []events.EconomicEffect{
		{CountryName: "Dravonia", GDPChange: -10000, PopulationChange: -500, StabilityChange: 50},
		{CountryName: "Nowhere", GDPChange: 5},
	}
	next := Apply(s, []events.Event{e})
	d := next.Countries["Dravonia"]
	if d.GDP != 0 || d.Population != 0 || d.Stability != 100 {
		t.Fatalf("clamp: gdp=%v pop=%v stab=%v", d.GDP, d.Population, d.Stability)
	}
	if err := next.Validate(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestApply_RecentEventsTrimmed(t *testing.T) {
	s := worldtest.NewState(t)
	s.TurnNumber = 3
	seed := int64(42)
	var evs []events.Event
	for i := 0; i < 25; i++ {
		n := &events.Narrative{Base: base(fmt.Sprintf("event %d", i))}
		if i == 24 {
			n.ImageSeed = &seed
			n.ImageURL = "https://img.example/24.png"
		}
		evs = append(evs, n)
	}
	next := Apply(s, evs)
	if len(next.RecentEvents) != world.RecentEventsCap {
		t.Fatalf("recent=%d", len(next.RecentEvents))
	}
	first, last := next.RecentEvents[0], next.RecentEvents[world.RecentEventsCap-1]
	if first.Description != "event 7" || last.Description != "event 24" {
		t.Fatalf("window: %q..%q", first.Description, last.Description)
	}
	if last.TurnNumber != 3 || last.Year != 2024 || last.EventType != "NARRATIVE" {
		t.Fatalf("recent fields: %+v", last)
	}
	if last.ImageSeed == nil || *last.ImageSeed != 42 || last.ImageURL == "" {
		t.Fatalf("image fields: %+v", last)
	}
}

func TestAdvance_MovesTurnAndYear(t *testing.T) {
	s := worldtest.NewState(t)
	next := Advance(s, []events.Event{&events.Narrative{Base: base("quiet year")}}, "a calm world")
	if next.TurnNumber != 1 || next.CurrentYear != 2025 || next.WorldNarrative != "a calm world" {
		t.Fatalf("advance: turn=%d year=%d narrative=%q", next.TurnNumber, next.CurrentYear, next.WorldNarrative)
	}
	if s.TurnNumber != 0 || s.CurrentYear != 2024 {
		t.Fatalf("input advanced")
	}
	if re := next.RecentEvents[0]; re.TurnNumber != 0 || re.Year != 2024 {
		t.Fatalf("recent event stamped with %d/%d", re.TurnNumber, re.Year)
	}
}
