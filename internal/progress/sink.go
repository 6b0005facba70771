package progress

import (
	"context"
	"sync"
	"sync/atomic"

	"faxhistoria.ai/internal/protocol"
)

// Frame is one message of a turn's progress stream. Exactly one of the
// payload pointers is set, matching Event.
type Frame struct {
	Event    string
	Progress *protocol.ProgressFrame
	Complete *protocol.CompleteFrame
	Error    *protocol.ErrorFrame
}

// Terminal reports whether f ends the stream.
func (f Frame) Terminal() bool {
	return f.Event == protocol.FrameComplete || f.Event == protocol.FrameError
}

// Payload returns the JSON body for f.
func (f Frame) Payload() any {
	switch f.Event {
	case protocol.FrameComplete:
		return f.Complete
	case protocol.FrameError:
		return f.Error
	default:
		return f.Progress
	}
}

// Sink receives frames from an Emitter. Send is called synchronously on the
// turn's goroutine and must not block.
type Sink interface {
	Send(Frame)
}

type SinkFunc func(Frame)

func (f SinkFunc) Send(fr Frame) { f(fr) }

// Discard drops every frame.
var Discard Sink = SinkFunc(func(Frame) {})

// Stream is a bounded, non-blocking Sink for a transport that forwards frames
// on its own goroutine. When the buffer is full progress frames are dropped;
// the terminal frame evicts the oldest buffered frames so it always fits.
type Stream struct {
	ch       chan Frame
	closed   atomic.Bool
	dropped  atomic.Int64
	termOnce sync.Once
}

const DefaultStreamBuffer = 64

func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &Stream{ch: make(chan Frame, buffer)}
}

func (s *Stream) Send(f Frame) {
	if s.closed.Load() {
		return
	}
	if !f.Terminal() {
		select {
		case s.ch <- f:
		default:
			s.dropped.Add(1)
		}
		return
	}
	s.termOnce.Do(func() {
		s.closed.Store(true)
		for {
			select {
			case s.ch <- f:
				return
			default:
			}
			select {
			case <-s.ch:
				s.dropped.Add(1)
			default:
			}
		}
	})
}

// Next returns the next frame. ok is false when ctx ends first.
func (s *Stream) Next(ctx context.Context) (Frame, bool) {
	select {
	case f := <-s.ch:
		return f, true
	case <-ctx.Done():
		return Frame{}, false
	}
}

// Dropped counts frames discarded because the reader fell behind.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }
