package turn

import (
	"faxhistoria.ai/internal/persistence/store"
	"faxhistoria.ai/internal/protocol"
	"faxhistoria.ai/internal/sim/events"
)

// Summaries renders events the way turn results and history show them.
func Summaries(evs []events.Event) []protocol.EventSummary {
	out := make([]protocol.EventSummary, 0, len(evs))
	for _, e := range evs {
		b := e.Common()
		countries := append([]string{}, b.InvolvedCountries...)
		s := protocol.EventSummary{
			Type:              string(e.Kind()),
			Description:       b.Description,
			InvolvedCountries: countries,
			ImageURL:          b.ImageURL,
		}
		if b.ImageSeed != nil {
			v := *b.ImageSeed
			s.ImageSeed = &v
		}
		out = append(out, s)
	}
	return out
}

// buildResult is the response of a committed turn; StateVersion is the new
// turn number.
func buildResult(t *store.Turn) protocol.TurnResult {
	return protocol.TurnResult{
		TurnID:         t.ID,
		TurnNumber:     t.TurnNumber,
		Year:           t.Year,
		Events:         Summaries(t.Events),
		WorldNarrative: t.WorldNarrative,
		YearSummary:    t.YearSummary,
		StateVersion:   t.TurnNumber,
	}
}
