// Package progress turns the coordinator's stage transitions into the
// per-request frame stream a live client renders.
//
// Percentages never decrease and stages never move backwards. Once a terminal
// frame has been sent the Emitter ignores everything else.
package progress

import (
	"fmt"
	"sync"

	"faxhistoria.ai/internal/ai/draft"
	"faxhistoria.ai/internal/protocol"
	"faxhistoria.ai/internal/sim/events"
)

// Percentages for each checkpoint. The model phase moves between
// aiStart and AICeiling driven by attempts, drafts and the heartbeat;
// illustrations then fill the gap up to illustratedEnd.
const (
	validatingStart = 5
	validatingDone  = 10
	aiStart         = 15
	AICeiling       = 65
	illustratedEnd  = 71
	applyingStart   = 72
	applyingEnd     = 80
	applyingDone    = 85
	persisting      = 92
	completed       = 100
)

type Emitter struct {
	mu    sync.Mutex
	sink  Sink
	stage protocol.Stage
	pct   int
	done  bool

	attempt       int
	totalAttempts int
}

func NewEmitter(sink Sink) *Emitter {
	if sink == nil {
		sink = Discard
	}
	return &Emitter{sink: sink}
}

// Snapshot returns the last stage and percentage sent.
func (e *Emitter) Snapshot() (protocol.Stage, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stage, e.pct
}

func (e *Emitter) Validating() {
	e.send(protocol.StageValidating, validatingStart, "Validating turn request", nil)
}

// Validated marks the end of the locked admission phase.
func (e *Emitter) Validated() {
	e.send(protocol.StageValidating, validatingDone, "Turn request accepted", nil)
}

// Attempt announces a model attempt; attempts after the first are AI_RETRY.
func (e *Emitter) Attempt(attempt, total int) {
	e.mu.Lock()
	e.attempt, e.totalAttempts = attempt, total
	e.mu.Unlock()
	if attempt <= 1 {
		e.send(protocol.StageProcessingAI, aiStart, "Simulating world events", nil)
		return
	}
	e.send(protocol.StageAIRetry, aiStart, fmt.Sprintf("Retrying simulation (attempt %d of %d)", attempt, total), nil)
}

// Draft forwards a partially streamed event.
func (e *Emitter) Draft(attempt int, d draft.Draft) {
	countries := d.InvolvedCountries
	if countries == nil {
		countries = []string{}
	}
	live := &protocol.LiveDraftEvent{
		Index:             d.Index,
		Attempt:           attempt,
		Type:              d.Type,
		Description:       d.Description,
		InvolvedCountries: countries,
		Final:             d.Final,
	}
	e.mu.Lock()
	stage, pct := e.aiStageLocked(), e.pct
	if d.Final && pct < AICeiling {
		pct++
	}
	e.mu.Unlock()
	e.send(stage, pct, "Drafting world events", func(f *protocol.ProgressFrame) { f.LiveDraftEvent = live })
}

// Tick nudges the model phase one point toward ceiling. It reports false
// once the Emitter has left the model phase.
func (e *Emitter) Tick(ceiling int) bool {
	e.mu.Lock()
	ai := protocol.StageProcessingAI.Rank()
	if e.done || e.stage.Rank() > ai {
		e.mu.Unlock()
		return false
	}
	if e.stage.Rank() < ai {
		e.mu.Unlock()
		return true
	}
	if ceiling > AICeiling {
		ceiling = AICeiling
	}
	if e.pct >= ceiling {
		e.mu.Unlock()
		return true
	}
	stage, pct := e.stage, e.pct+1
	e.mu.Unlock()
	e.send(stage, pct, "Still simulating world events", nil)
	return true
}

// Illustrated reports the seq-th (1-based) of total finished illustrations.
func (e *Emitter) Illustrated(seq, total int) {
	pct := AICeiling
	if total > 0 {
		pct += (illustratedEnd - AICeiling) * seq / total
	}
	e.mu.Lock()
	stage := e.aiStageLocked()
	e.mu.Unlock()
	e.send(stage, pct, fmt.Sprintf("Illustrated event %d of %d", seq, total), nil)
}

func (e *Emitter) Applying(total int) {
	e.send(protocol.StageApplyingEvents, applyingStart, fmt.Sprintf("Applying %d events", total), nil)
}

// LiveEvent announces the seq-th (1-based) finalized event before it is
// applied.
func (e *Emitter) LiveEvent(seq, total int, ev events.Event) {
	b := ev.Common()
	countries := b.InvolvedCountries
	if countries == nil {
		countries = []string{}
	}
	live := &protocol.LiveEvent{
		Sequence:          seq,
		Total:             total,
		Type:              string(ev.Kind()),
		Description:       b.Description,
		InvolvedCountries: countries,
		ImageURL:          b.ImageURL,
	}
	pct := applyingStart
	if total > 0 {
		pct += (applyingEnd - applyingStart) * seq / total
	}
	e.send(protocol.StageApplyingEvents, pct, fmt.Sprintf("Event %d of %d", seq, total), func(f *protocol.ProgressFrame) { f.LiveEvent = live })
}

// Applied marks the reducer as finished.
func (e *Emitter) Applied() {
	e.send(protocol.StageApplyingEvents, applyingDone, "World state updated", nil)
}

func (e *Emitter) Persisting() {
	e.send(protocol.StagePersisting, persisting, "Saving turn", nil)
}

func (e *Emitter) Complete(res protocol.TurnResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	e.stage, e.pct = protocol.StageCompleted, completed
	e.sink.Send(Frame{Event: protocol.FrameComplete, Complete: &protocol.CompleteFrame{
		Stage:    protocol.StageCompleted,
		Progress: completed,
		Message:  "Turn complete",
		Result:   res,
	}})
}

// Fail ends the stream with an error frame at the current percentage.
func (e *Emitter) Fail(message, code string, status int, currentTurn *int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	e.stage = protocol.StageFailed
	e.sink.Send(Frame{Event: protocol.FrameError, Error: &protocol.ErrorFrame{
		Stage:             protocol.StageFailed,
		Progress:          e.pct,
		Message:           message,
		Code:              code,
		StatusCode:        status,
		CurrentTurnNumber: currentTurn,
	}})
}

func (e *Emitter) aiStageLocked() protocol.Stage {
	if e.attempt > 1 {
		return protocol.StageAIRetry
	}
	return protocol.StageProcessingAI
}

// send applies the monotonic rules and forwards the frame.
func (e *Emitter) send(stage protocol.Stage, pct int, msg string, decorate func(*protocol.ProgressFrame)) {
	e.mu.Lock()
	if e.done || stage.Rank() < e.stage.Rank() {
		e.mu.Unlock()
		return
	}
	if pct < e.pct {
		pct = e.pct
	}
	if pct > completed-1 {
		pct = completed - 1
	}
	e.stage, e.pct = stage, pct
	f := &protocol.ProgressFrame{
		Stage:    stage,
		Progress: pct,
		Message:  msg,
	}
	if stage.Rank() == protocol.StageProcessingAI.Rank() {
		f.Attempt, f.TotalAttempts = e.attempt, e.totalAttempts
	}
	if decorate != nil {
		decorate(f)
	}
	// Sending under the lock keeps frames in the order their percentages
	// were assigned; sinks never block.
	e.sink.Send(Frame{Event: protocol.FrameProgress, Progress: f})
	e.mu.Unlock()
}
