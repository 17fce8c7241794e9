package service

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

// addressLimiter caps join attempts per remote address over a sliding
// window. A cap of zero or less disables limiting entirely.
type addressLimiter struct {
	window   time.Duration
	cap      int
	attempts map[string][]time.Time
	mutex    deadlock.Mutex
}

func newAddressLimiter(window time.Duration, cap int) *addressLimiter {
	return &addressLimiter{
		window:   window,
		cap:      cap,
		attempts: make(map[string][]time.Time),
	}
}

// Allow records an attempt for host and reports whether it fits inside the
// window.
func (l *addressLimiter) Allow(host string) bool {
	if l.cap <= 0 {
		return true
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	cutoff := time.Now().Add(-l.window)
	recent := make([]time.Time, 0, len(l.attempts[host]))
	for _, at := range l.attempts[host] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}

	if len(recent) >= l.cap {
		l.attempts[host] = recent
		return false
	}

	l.attempts[host] = append(recent, time.Now())
	return true
}

// Prune forgets hosts whose attempts have all aged out of the window.
func (l *addressLimiter) Prune() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	cutoff := time.Now().Add(-l.window)
	for host, attempts := range l.attempts {
		kept := make([]time.Time, 0, len(attempts))
		for _, at := range attempts {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		if len(kept) == 0 {
			delete(l.attempts, host)
			continue
		}
		l.attempts[host] = kept
	}
}
