package events

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxDescription = 500
	MaxImagePrompt = 1000
)

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Validate enforces the per-variant required fields. It says nothing about
// whether the event is legal in a given world; that is arbitration.
func Validate(e Event) error {
	if e == nil {
		return errors.New("nil event")
	}
	if issues := e.check(); len(issues) > 0 {
		return fmt.Errorf("%s: %s", e.Kind(), strings.Join(issues, "; "))
	}
	return nil
}

// ValidateAll reports the first invalid event with its index.
func ValidateAll(list []Event) error {
	for i, e := range list {
		if err := Validate(e); err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}
	}
	return nil
}

// fill replaces absent lists with empty ones after decoding.
func (b *Base) fill() {
	if b.InvolvedCountries == nil {
		b.InvolvedCountries = []string{}
	}
	if b.EconomicEffects == nil {
		b.EconomicEffects = []EconomicEffect{}
	}
}

func (e *Annexation) fill() {
	e.Base.fill()
	if e.TargetTerritories == nil {
		e.TargetTerritories = []string{}
	}
}

func (e *War) fill() {
	e.Base.fill()
	if e.AggressorCountries == nil {
		e.AggressorCountries = []string{}
	}
	if e.DefenderCountries == nil {
		e.DefenderCountries = []string{}
	}
}

func (b *Base) checkBase(minInvolved int) []string {
	var issues []string
	if strings.TrimSpace(b.Description) == "" {
		issues = append(issues, "description is required")
	}
	if utf8.RuneCountInString(b.Description) > MaxDescription {
		issues = append(issues, fmt.Sprintf("description longer than %d characters", MaxDescription))
	}
	if !datePattern.MatchString(b.Date) {
		issues = append(issues, fmt.Sprintf("date %q is not YYYY-MM-DD", b.Date))
	}
	if len(b.InvolvedCountries) < minInvolved {
		issues = append(issues, fmt.Sprintf("needs at least %d involved countries", minInvolved))
	}
	if utf8.RuneCountInString(b.ImagePrompt) > MaxImagePrompt {
		issues = append(issues, "imagePrompt too long")
	}
	for i, eff := range b.EconomicEffects {
		if strings.TrimSpace(eff.CountryName) == "" {
			issues = append(issues, fmt.Sprintf("economicEffects[%d]: countryName is required", i))
		}
	}
	return issues
}

func (b *Base) check() []string { return b.checkBase(0) }

func (e *Alliance) check() []string {
	issues := e.checkBase(2)
	if strings.TrimSpace(e.AllianceName) == "" {
		issues = append(issues, "allianceName is required")
	}
	return issues
}

func (e *Annexation) check() []string {
	issues := e.checkBase(1)
	if strings.TrimSpace(e.AnnexingCountry) == "" {
		issues = append(issues, "annexingCountry is required")
	}
	if len(e.TargetTerritories) == 0 {
		issues = append(issues, "targetTerritories must not be empty")
	}
	return issues
}

func (e *TradeDeal) check() []string {
	issues := e.checkBase(2)
	if strings.TrimSpace(e.DealDescription) == "" {
		issues = append(issues, "dealDescription is required")
	}
	return issues
}

func (e *War) check() []string {
	issues := e.checkBase(2)
	if len(e.AggressorCountries) == 0 {
		issues = append(issues, "aggressorCountries must not be empty")
	}
	if len(e.DefenderCountries) == 0 {
		issues = append(issues, "defenderCountries must not be empty")
	}
	return issues
}

func (e *Peace) check() []string { return e.checkBase(2) }

func (e *EconomicShift) check() []string { return e.checkBase(1) }

func (e *NarrativeFallback) check() []string {
	issues := e.checkBase(0)
	if strings.TrimSpace(e.DegradeReason) == "" {
		issues = append(issues, "degradeReason is required")
	}
	return issues
}
