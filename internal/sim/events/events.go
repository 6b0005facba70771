// Package events defines the closed set of world events a turn can carry.
//
// Event is sealed: only the variants in this package implement it. Decoding
// goes through a table keyed by the "type" tag.
package events

import "encoding/json"

type Kind string

const (
	KindAlliance          Kind = "ALLIANCE"
	KindAnnexation        Kind = "ANNEXATION"
	KindTradeDeal         Kind = "TRADE_DEAL"
	KindWar               Kind = "WAR"
	KindPeace             Kind = "PEACE"
	KindNarrative         Kind = "NARRATIVE"
	KindEconomicShift     Kind = "ECONOMIC_SHIFT"
	KindNarrativeFallback Kind = "NARRATIVE_FALLBACK"
)

// Kinds lists every variant in prompt order.
var Kinds = []Kind{
	KindAlliance, KindAnnexation, KindTradeDeal, KindWar,
	KindPeace, KindNarrative, KindEconomicShift, KindNarrativeFallback,
}

type Event interface {
	Kind() Kind
	Common() *Base
	clone() Event
	fill()
	check() []string
	isEvent()
}

type EconomicEffect struct {
	CountryName      string  `json:"countryName"`
	GDPChange        float64 `json:"gdpChange"`
	PopulationChange float64 `json:"populationChange"`
	StabilityChange  float64 `json:"stabilityChange"`
}

// Base holds the fields every variant carries.
type Base struct {
	Description       string           `json:"description"`
	Date              string           `json:"date"`
	InvolvedCountries []string         `json:"involvedCountries"`
	EconomicEffects   []EconomicEffect `json:"economicEffects"`
	ImagePrompt       string           `json:"imagePrompt,omitempty"`
	ImageSeed         *int64           `json:"imageSeed,omitempty"`
	ImageURL          string           `json:"imageUrl,omitempty"`
}

func (b *Base) Common() *Base { return b }

func (b Base) cloneBase() Base {
	out := b
	out.InvolvedCountries = cloneStrings(b.InvolvedCountries)
	out.EconomicEffects = append([]EconomicEffect{}, b.EconomicEffects...)
	if b.ImageSeed != nil {
		v := *b.ImageSeed
		out.ImageSeed = &v
	}
	return out
}

type Alliance struct {
	Base
	AllianceName string `json:"allianceName"`
}

type Annexation struct {
	Base
	AnnexingCountry   string   `json:"annexingCountry"`
	TargetTerritories []string `json:"targetTerritories"`
}

type TradeDeal struct {
	Base
	DealDescription string `json:"dealDescription"`
}

type War struct {
	Base
	AggressorCountries []string `json:"aggressorCountries"`
	DefenderCountries  []string `json:"defenderCountries"`
}

type Peace struct {
	Base
	WarID string `json:"warId,omitempty"`
}

type Narrative struct {
	Base
}

type EconomicShift struct {
	Base
}

type NarrativeFallback struct {
	Base
	OriginalType  Kind   `json:"originalType,omitempty"`
	DegradeReason string `json:"degradeReason"`
}

func (*Alliance) Kind() Kind          { return KindAlliance }
func (*Annexation) Kind() Kind        { return KindAnnexation }
func (*TradeDeal) Kind() Kind         { return KindTradeDeal }
func (*War) Kind() Kind               { return KindWar }
func (*Peace) Kind() Kind             { return KindPeace }
func (*Narrative) Kind() Kind         { return KindNarrative }
func (*EconomicShift) Kind() Kind     { return KindEconomicShift }
func (*NarrativeFallback) Kind() Kind { return KindNarrativeFallback }

func (*Alliance) isEvent()          {}
func (*Annexation) isEvent()        {}
func (*TradeDeal) isEvent()         {}
func (*War) isEvent()               {}
func (*Peace) isEvent()             {}
func (*Narrative) isEvent()         {}
func (*EconomicShift) isEvent()     {}
func (*NarrativeFallback) isEvent() {}

func (e *Alliance) clone() Event {
	out := *e
	out.Base = e.cloneBase()
	return &out
}

func (e *Annexation) clone() Event {
	out := *e
	out.Base = e.cloneBase()
	out.TargetTerritories = cloneStrings(e.TargetTerritories)
	return &out
}

func (e *TradeDeal) clone() Event {
	out := *e
	out.Base = e.cloneBase()
	return &out
}

func (e *War) clone() Event {
	out := *e
	out.Base = e.cloneBase()
	out.AggressorCountries = cloneStrings(e.AggressorCountries)
	out.DefenderCountries = cloneStrings(e.DefenderCountries)
	return &out
}

func (e *Peace) clone() Event {
	out := *e
	out.Base = e.cloneBase()
	return &out
}

func (e *Narrative) clone() Event {
	out := *e
	out.Base = e.cloneBase()
	return &out
}

func (e *EconomicShift) clone() Event {
	out := *e
	out.Base = e.cloneBase()
	return &out
}

func (e *NarrativeFallback) clone() Event {
	out := *e
	out.Base = e.cloneBase()
	return &out
}

// Clone deep-copies an event.
func Clone(e Event) Event {
	if e == nil {
		return nil
	}
	return e.clone()
}

// CloneAll deep-copies a batch.
func CloneAll(in []Event) []Event {
	out := make([]Event, len(in))
	for i, e := range in {
		out[i] = Clone(e)
	}
	return out
}

// Fallback converts e into the narrative event that replaces it when it
// fails arbitration. Economic effects are dropped; any illustration is kept.
func Fallback(e Event, reason string) *NarrativeFallback {
	b := e.Common()
	img := b.cloneBase()
	involved := make([]string, 0, len(b.InvolvedCountries))
	for _, c := range b.InvolvedCountries {
		if c != "" {
			involved = append(involved, c)
		}
	}
	return &NarrativeFallback{
		Base: Base{
			Description:       "[Degraded] " + b.Description,
			Date:              b.Date,
			InvolvedCountries: involved,
			EconomicEffects:   []EconomicEffect{},
			ImagePrompt:       img.ImagePrompt,
			ImageSeed:         img.ImageSeed,
			ImageURL:          img.ImageURL,
		},
		OriginalType:  e.Kind(),
		DegradeReason: reason,
	}
}

// Marshalling: each variant writes its own tag ahead of its fields.

func (e *Alliance) MarshalJSON() ([]byte, error) {
	type plain Alliance
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*plain
	}{KindAlliance, (*plain)(e)})
}

func (e *Annexation) MarshalJSON() ([]byte, error) {
	type plain Annexation
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*plain
	}{KindAnnexation, (*plain)(e)})
}

func (e *TradeDeal) MarshalJSON() ([]byte, error) {
	type plain TradeDeal
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*plain
	}{KindTradeDeal, (*plain)(e)})
}

func (e *War) MarshalJSON() ([]byte, error) {
	type plain War
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*plain
	}{KindWar, (*plain)(e)})
}

func (e *Peace) MarshalJSON() ([]byte, error) {
	type plain Peace
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*plain
	}{KindPeace, (*plain)(e)})
}

func (e *Narrative) MarshalJSON() ([]byte, error) {
	type plain Narrative
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*plain
	}{KindNarrative, (*plain)(e)})
}

func (e *EconomicShift) MarshalJSON() ([]byte, error) {
	type plain EconomicShift
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*plain
	}{KindEconomicShift, (*plain)(e)})
}

func (e *NarrativeFallback) MarshalJSON() ([]byte, error) {
	type plain NarrativeFallback
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*plain
	}{KindNarrativeFallback, (*plain)(e)})
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
