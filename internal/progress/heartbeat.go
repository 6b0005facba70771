package progress

import (
	"sync"
	"time"
)

const DefaultHeartbeatInterval = 2 * time.Second

// Heartbeat nudges an Emitter while the model call is outstanding. It exits
// on its own once the Emitter leaves the model phase; Stop always waits for
// the goroutine to finish so no frame is sent after it returns.
type Heartbeat struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func StartHeartbeat(e *Emitter, every time.Duration, ceiling int) *Heartbeat {
	if every <= 0 {
		every = DefaultHeartbeatInterval
	}
	h := &Heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(h.done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-t.C:
				if !e.Tick(ceiling) {
					return
				}
			}
		}
	}()
	return h
}

func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	<-h.done
}
