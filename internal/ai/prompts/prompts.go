// Package prompts renders the model prompts for one simulated turn.
package prompts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"faxhistoria.ai/internal/sim/events"
	"faxhistoria.ai/internal/sim/world"
)

//go:embed prompts/system.txt
var systemPrompt string

//go:embed prompts/turn.txt
var turnPrompt string

// Budget trades prompt detail for size on large worlds.
type Budget string

const (
	BudgetFull    Budget = "full"
	BudgetReduced Budget = "reduced"
	BudgetMinimal Budget = "minimal"
)

const eventsPerTurn = 6

func (b Budget) topN() int {
	switch b {
	case BudgetReduced:
		return 15
	case BudgetMinimal:
		return 10
	}
	return 30
}

func (b Budget) recentTurns() int {
	switch b {
	case BudgetReduced:
		return 2
	case BudgetMinimal:
		return 1
	}
	return 3
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"num": func(v float64) string {
		return strconv.FormatFloat(v, 'f', -1, 64)
	},
}

var (
	systemTmpl = template.Must(template.New("system").Funcs(funcs).Parse(systemPrompt))
	turnTmpl   = template.Must(template.New("turn").Funcs(funcs).Parse(turnPrompt))
)

var kindRules = map[events.Kind]string{
	events.KindAlliance:      "needs allianceName; at least 2 involvedCountries",
	events.KindAnnexation:    "needs annexingCountry and targetTerritories (territory IDs, at least 1); at least 1 involvedCountries",
	events.KindTradeDeal:     "needs dealDescription; at least 2 involvedCountries",
	events.KindWar:           "needs aggressorCountries and defenderCountries (each at least 1); at least 2 involvedCountries",
	events.KindPeace:         "optional warId of the war being ended; at least 2 involvedCountries",
	events.KindNarrative:     "flavour, culture, discoveries; involvedCountries may be empty",
	events.KindEconomicShift: "at least 1 involvedCountries and at least one economic effect",
}

// EstimateTokens is the four-characters-per-token heuristic used whenever
// the model does not report usage.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// BudgetFor picks a budget from the estimated size of the serialized state.
func BudgetFor(s *world.State) Budget {
	raw, err := json.Marshal(s)
	if err != nil {
		return BudgetMinimal
	}
	tokens := len(raw) / 4
	switch {
	case tokens > 100000:
		return BudgetMinimal
	case tokens > 80000:
		return BudgetReduced
	}
	return BudgetFull
}

func System() (string, error) {
	type kind struct{ Name, Rule string }
	var data struct{ Kinds []kind }
	for _, k := range events.Kinds {
		if rule, ok := kindRules[k]; ok {
			data.Kinds = append(data.Kinds, kind{string(k), rule})
		}
	}
	var buf bytes.Buffer
	if err := systemTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("system prompt: %w", err)
	}
	return buf.String(), nil
}

type turnData struct {
	Year, NextYear, Turn int
	Player               string
	Relations            []world.Relation
	TopN                 int
	Countries            []*world.Country
	Wars                 []world.War
	Alliances            []world.Alliance
	Territories          []*world.Territory
	Recent               []world.RecentEvent
	Narrative            string
	Action               string
}

// User renders the per-turn prompt. The top countries by GDP are listed, and
// the player's country is always included.
func User(s *world.State, action string, b Budget) (string, error) {
	d := turnData{
		Year:      s.CurrentYear,
		NextYear:  s.CurrentYear + 1,
		Turn:      s.TurnNumber,
		Player:    s.PlayerCountry,
		TopN:      b.topN(),
		Wars:      s.ActiveWars,
		Alliances: s.ActiveAlliances,
		Narrative: s.WorldNarrative,
		Action:    fence(action),
	}

	countries := make([]*world.Country, 0, len(s.Countries))
	for _, c := range s.Countries {
		countries = append(countries, c)
	}
	sort.Slice(countries, func(i, j int) bool {
		if countries[i].GDP != countries[j].GDP {
			return countries[i].GDP > countries[j].GDP
		}
		return countries[i].Name < countries[j].Name
	})
	if len(countries) > d.TopN {
		countries = countries[:d.TopN]
	}
	player, ok := s.Countries[s.PlayerCountry]
	if ok {
		d.Relations = player.Relations
		found := false
		for _, c := range countries {
			if c.Name == s.PlayerCountry {
				found = true
				break
			}
		}
		if !found {
			countries = append(countries, player)
		}
	}
	d.Countries = countries

	ids := make([]string, 0, len(s.Territories))
	for id := range s.Territories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d.Territories = append(d.Territories, s.Territories[id])
	}

	recent := s.RecentEvents
	if n := b.recentTurns() * eventsPerTurn; len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	d.Recent = recent

	var buf bytes.Buffer
	if err := turnTmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("turn prompt: %w", err)
	}
	return buf.String(), nil
}

// WithRetry appends the previous failure so the model can correct itself.
func WithRetry(user string, attempt int, prevErr string) string {
	return fmt.Sprintf("%s\n\n[RETRY ATTEMPT %d] Previous error: %s. Please fix the JSON output.", user, attempt, prevErr)
}

// fence keeps the player's text from closing the action block early.
func fence(action string) string {
	r := strings.NewReplacer("[PLAYER_ACTION_START]", "[player action start]", "[PLAYER_ACTION_END]", "[player action end]")
	return r.Replace(strings.TrimSpace(action))
}
