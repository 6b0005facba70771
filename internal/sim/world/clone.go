package world

// Clone returns a structural deep copy. Nothing reachable from the result
// aliases memory of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{
		PlayerCountry:  s.PlayerCountry,
		CurrentYear:    s.CurrentYear,
		TurnNumber:     s.TurnNumber,
		WorldNarrative: s.WorldNarrative,
	}
	out.Countries = make(map[string]*Country, len(s.Countries))
	for name, c := range s.Countries {
		if c == nil {
			continue
		}
		cc := *c
		cc.Territories = cloneStrings(c.Territories)
		cc.Relations = append([]Relation(nil), c.Relations...)
		out.Countries[name] = &cc
	}
	out.Territories = make(map[string]*Territory, len(s.Territories))
	for id, t := range s.Territories {
		if t == nil {
			continue
		}
		tt := *t
		out.Territories[id] = &tt
	}

	out.ActiveWars = make([]War, len(s.ActiveWars))
	for i, w := range s.ActiveWars {
		w.Aggressors = cloneStrings(w.Aggressors)
		w.Defenders = cloneStrings(w.Defenders)
		out.ActiveWars[i] = w
	}
	out.ActiveAlliances = make([]Alliance, len(s.ActiveAlliances))
	for i, a := range s.ActiveAlliances {
		a.Members = cloneStrings(a.Members)
		out.ActiveAlliances[i] = a
	}
	out.TradeDeals = make([]TradeDeal, len(s.TradeDeals))
	for i, d := range s.TradeDeals {
		d.Parties = cloneStrings(d.Parties)
		out.TradeDeals[i] = d
	}
	out.RecentEvents = make([]RecentEvent, len(s.RecentEvents))
	for i, e := range s.RecentEvents {
		if e.ImageSeed != nil {
			v := *e.ImageSeed
			e.ImageSeed = &v
		}
		out.RecentEvents[i] = e
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
