package atc

import (
	"sync"
	"time"
)

// eventLimiter enforces a minimum interval between events sharing a key. Rejections are counted per key so that a
// device flooding events can be reported.
type eventLimiter struct {
	interval time.Duration

	m        *sync.Mutex
	last     map[string]time.Time
	rejected map[string]uint
}

func newEventLimiter(interval time.Duration) *eventLimiter {
	return &eventLimiter{
		interval: interval,
		m:        &sync.Mutex{},
		last:     map[string]time.Time{},
		rejected: map[string]uint{},
	}
}

// allow reports whether an event for key may be sent at now, and if not how many have been rejected since the last
// one was recorded. Only recorded events start a new interval.
func (l *eventLimiter) allow(key string, now time.Time) (bool, uint) {
	if l.interval <= 0 {
		return true, 0
	}

	l.m.Lock()
	defer l.m.Unlock()

	if last, found := l.last[key]; found && now.Sub(last) < l.interval {
		l.rejected[key]++
		return false, l.rejected[key]
	}

	return true, 0
}

// record marks an event for key as sent at now.
func (l *eventLimiter) record(key string, now time.Time) {
	if l.interval <= 0 {
		return
	}

	l.m.Lock()
	defer l.m.Unlock()

	l.last[key] = now
	delete(l.rejected, key)
}

func eventLimiterKey(action string, instance string) string {
	if instance == "" {
		return action
	}

	return action + "/" + instance
}
