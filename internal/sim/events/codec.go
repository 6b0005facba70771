package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownType = errors.New("unknown event type")

var decoders = map[Kind]func() Event{
	KindAlliance:          func() Event { return &Alliance{} },
	KindAnnexation:        func() Event { return &Annexation{} },
	KindTradeDeal:         func() Event { return &TradeDeal{} },
	KindWar:               func() Event { return &War{} },
	KindPeace:             func() Event { return &Peace{} },
	KindNarrative:         func() Event { return &Narrative{} },
	KindEconomicShift:     func() Event { return &EconomicShift{} },
	KindNarrativeFallback: func() Event { return &NarrativeFallback{} },
}

func Known(k Kind) bool {
	_, ok := decoders[k]
	return ok
}

// Decode reads one tagged event. Missing list fields decode as empty lists.
func Decode(raw []byte) (Event, error) {
	var tag struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, err
	}
	mk, ok := decoders[tag.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag.Type)
	}
	e := mk()
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("%s: %w", tag.Type, err)
	}
	e.fill()
	return e, nil
}

// List is an ordered batch that (de)serializes as a JSON array of tagged
// events.
type List []Event

func (l List) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Event(l))
}

func (l *List) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*l = List{}
		return nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return err
	}
	out := make(List, 0, len(raws))
	for i, raw := range raws {
		e, err := Decode(raw)
		if err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}
		out = append(out, e)
	}
	*l = out
	return nil
}
