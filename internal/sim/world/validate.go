package world

import (
	"errors"
	"fmt"
)

// Validate checks the structural invariants of a state. Errors from every
// violated invariant are joined.
func (s *State) Validate() error {
	if s == nil {
		return errors.New("nil state")
	}
	var errs []error
	if _, ok := s.Countries[s.PlayerCountry]; !ok {
		errs = append(errs, fmt.Errorf("player country %q not in country map", s.PlayerCountry))
	}
	for name, c := range s.Countries {
		if c == nil {
			errs = append(errs, fmt.Errorf("country %q: nil", name))
			continue
		}
		if c.GDP < 0 {
			errs = append(errs, fmt.Errorf("country %q: gdp %v < 0", name, c.GDP))
		}
		if c.Population < 0 {
			errs = append(errs, fmt.Errorf("country %q: population %v < 0", name, c.Population))
		}
		if c.Stability < 0 || c.Stability > 100 {
			errs = append(errs, fmt.Errorf("country %q: stability %v outside [0,100]", name, c.Stability))
		}
		for _, r := range c.Relations {
			if _, ok := s.Countries[r.Country]; !ok {
				errs = append(errs, fmt.Errorf("country %q: relation peer %q does not exist", name, r.Country))
			}
			if !r.Status.Valid() {
				errs = append(errs, fmt.Errorf("country %q: bad relation status %q", name, r.Status))
			}
		}
	}
	for id, t := range s.Territories {
		if t == nil {
			errs = append(errs, fmt.Errorf("territory %q: nil", id))
			continue
		}
		if _, ok := s.Countries[t.Owner]; !ok {
			errs = append(errs, fmt.Errorf("territory %q: owner %q does not exist", id, t.Owner))
		}
	}
	if len(s.RecentEvents) > RecentEventsCap {
		errs = append(errs, fmt.Errorf("recent events: %d > %d", len(s.RecentEvents), RecentEventsCap))
	}
	return errors.Join(errs...)
}
