package turn

import (
	"sync/atomic"
)

// Metrics counts submissions since process start.
type Metrics struct {
	Submitted int64 `json:"submitted"`
	Committed int64 `json:"committed"`
	Replayed  int64 `json:"replayed"`
	InFlight  int64 `json:"in_flight"`
	// Rejected is keyed by error kind.
	Rejected map[string]int64 `json:"rejected"`
	// Degraded counts events the arbiter replaced with a fallback.
	Degraded    int64 `json:"degraded"`
	TokensSpent int64 `json:"tokens_spent"`
}

type counters struct {
	submitted atomic.Int64
	committed atomic.Int64
	replayed  atomic.Int64
	inFlight  atomic.Int64
	degraded  atomic.Int64
	tokens    atomic.Int64
	rejected  [KindInternal + 1]atomic.Int64
}

func (c *counters) reject(k Kind) {
	if k >= KindValidation && k <= KindInternal {
		c.rejected[k].Add(1)
	}
}

// Metrics returns a point-in-time copy of the counters.
func (c *Coordinator) Metrics() Metrics {
	m := Metrics{
		Submitted:   c.stats.submitted.Load(),
		Committed:   c.stats.committed.Load(),
		Replayed:    c.stats.replayed.Load(),
		InFlight:    c.stats.inFlight.Load(),
		Degraded:    c.stats.degraded.Load(),
		TokensSpent: c.stats.tokens.Load(),
		Rejected:    make(map[string]int64, len(c.stats.rejected)),
	}
	for k := KindValidation; k <= KindInternal; k++ {
		m.Rejected[k.String()] = c.stats.rejected[k].Load()
	}
	return m
}
