package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

// Watchdog verifies that an event loop is still draining its channels. The
// loop receives from Poll's channel like any other event source; a tick
// that is not picked up within the timeout is logged as a stall.
type Watchdog struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	lastMark string
	mutex    deadlock.RWMutex
}

func New(name string, interval time.Duration, timeout time.Duration) *Watchdog {
	return &Watchdog{
		name:     name,
		interval: interval,
		timeout:  timeout,
	}
}

// Mark records which branch of the loop ran last, to point at the culprit
// when a stall is reported.
func (w *Watchdog) Mark(name string) {
	w.mutex.Lock()
	w.lastMark = name
	w.mutex.Unlock()
}

func (w *Watchdog) Poll(ctx context.Context) <-chan time.Time {
	out := make(chan time.Time)

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case t := <-ticker.C:
				deadline := time.NewTimer(w.timeout)
				picked := make(chan struct{})
				go func() {
					defer deadline.Stop()
					select {
					case <-ctx.Done():
					case <-picked:
					case <-deadline.C:
						w.mutex.RLock()
						mark := w.lastMark
						w.mutex.RUnlock()

						stall := log.Error().Str("loop", w.name)
						if mark != "" {
							stall = stall.Str("mark", mark)
						}
						stall.Msg("event loop no longer healthy")
					}
				}()

				select {
				case out <- t:
				case <-ctx.Done():
					close(picked)
					return
				}
				close(picked)
				w.Mark("")
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
