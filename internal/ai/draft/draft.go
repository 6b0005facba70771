// Package draft pulls partially streamed events out of a model response
// before the response is valid JSON.
//
// The extractor is fed the accumulated text after each chunk. It locates the
// top-level "events" array, walks its objects tracking string literals and
// nesting depth, and reads type, description and involvedCountries from
// objects that have not closed yet. Closed objects are decoded for real and
// reported once as final.
package draft

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"faxhistoria.ai/internal/sim/events"
)

const (
	minDescriptionGrowth = 4
	minInterval          = 90 * time.Millisecond
)

type Draft struct {
	Index             int
	Type              string
	Description       string
	InvolvedCountries []string
	Final             bool
	// Event is set on final drafts that decoded into a known event.
	Event events.Event
}

type Extractor struct {
	// Now is the clock used for throttling. Defaults to time.Now.
	Now func() time.Time

	arrayStart int // offset just past '[' once found, else -1
	resume     int // offset after the last closed object
	closed     int // number of closed objects before resume
	done       bool

	last map[int]emitted
}

type emitted struct {
	typ       string
	desc      string
	countries string
	at        time.Time
	final     bool
}

func New() *Extractor {
	return &Extractor{Now: time.Now, arrayStart: -1, last: map[int]emitted{}}
}

// Feed scans the full text received so far and returns drafts that are new
// or changed enough to be worth reporting.
func (x *Extractor) Feed(text string) []Draft {
	if x.done {
		return nil
	}
	if x.arrayStart < 0 {
		start, ok := findEventsArray(text)
		if !ok {
			return nil
		}
		x.arrayStart = start
		x.resume = start
	}

	var out []Draft
	i := x.resume
	idx := x.closed
	for i < len(text) {
		c := text[i]
		switch {
		case c == ']':
			x.done = true
			return out
		case c == '{':
			end, complete := skipValue(text, i)
			obj := text[i:end]
			if complete {
				d := finalDraft(idx, obj)
				if x.accept(d) {
					out = append(out, d)
				}
				idx++
				x.closed = idx
				x.resume = end
				i = end
				continue
			}
			d := partialDraft(idx, obj)
			if x.accept(d) {
				out = append(out, d)
			}
			return out
		default:
			i++
		}
	}
	return out
}

func (x *Extractor) accept(d Draft) bool {
	now := x.Now()
	cur := emitted{typ: d.Type, desc: d.Description, countries: strings.Join(d.InvolvedCountries, "\x00"), at: now, final: d.Final}
	prev, seen := x.last[d.Index]
	switch {
	case prev.final:
		return false
	case d.Final:
	case !seen:
		if d.Type == "" && d.Description == "" {
			return false
		}
	case cur.typ != prev.typ || cur.countries != prev.countries:
	case utf8.RuneCountInString(cur.desc)-utf8.RuneCountInString(prev.desc) >= minDescriptionGrowth:
	case cur.desc != prev.desc && now.Sub(prev.at) >= minInterval:
	default:
		return false
	}
	x.last[d.Index] = cur
	return true
}

func finalDraft(idx int, obj string) Draft {
	d := Draft{Index: idx, Final: true, InvolvedCountries: []string{}}
	var loose struct {
		Type              string   `json:"type"`
		Description       string   `json:"description"`
		InvolvedCountries []string `json:"involvedCountries"`
	}
	if err := json.Unmarshal([]byte(obj), &loose); err != nil {
		p := partialDraft(idx, obj)
		p.Final = true
		return p
	}
	d.Type = loose.Type
	d.Description = loose.Description
	if loose.InvolvedCountries != nil {
		d.InvolvedCountries = loose.InvolvedCountries
	}
	if e, err := events.Decode([]byte(obj)); err == nil {
		d.Event = e
	}
	return d
}

func partialDraft(idx int, obj string) Draft {
	d := Draft{Index: idx, InvolvedCountries: []string{}}
	scanFields(obj, func(key string, val fieldValue) {
		switch key {
		case "type":
			d.Type = val.str
		case "description":
			d.Description = val.str
		case "involvedCountries":
			d.InvolvedCountries = val.list
		}
	})
	return d
}
