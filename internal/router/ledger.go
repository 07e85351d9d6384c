package router

import (
	"sync"
	"time"
)

// Usage is a running total for one ledger key within the current period.
type Usage struct {
	Tokens      int64     `json:"tokens"`
	Cost        float64   `json:"cost"`
	Calls       int64     `json:"calls"`
	PeriodStart time.Time `json:"period_start"`
}

// Ledger holds usage totals keyed by route or model. Totals only grow until
// Reset; all methods are safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*Usage
	now     func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{entries: map[string]*Usage{}, now: time.Now}
}

func routeKey(name string) string { return "route:" + name }
func modelKey(id string) string   { return "model:" + id }

// Add records one call. Negative amounts are clamped to zero.
func (l *Ledger) Add(key string, tokens int64, cost float64) {
	if tokens < 0 {
		tokens = 0
	}
	if cost < 0 {
		cost = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.entry(key)
	u.Tokens += tokens
	u.Cost += cost
	u.Calls++
}

func (l *Ledger) Get(key string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u, ok := l.entries[key]; ok {
		return *u
	}
	return Usage{}
}

func (l *Ledger) Snapshot() map[string]Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Usage, len(l.entries))
	for k, u := range l.entries {
		out[k] = *u
	}
	return out
}

// Reset starts a new period for key.
func (l *Ledger) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = &Usage{PeriodStart: l.now()}
}

func (l *Ledger) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k := range l.entries {
		l.entries[k] = &Usage{PeriodStart: now}
	}
}

// ResetExpired resets every entry whose period (as reported by period) has
// elapsed and returns the keys that were reset.
func (l *Ledger) ResetExpired(period func(key string) time.Duration) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var reset []string
	for k, u := range l.entries {
		p := period(k)
		if p <= 0 || now.Sub(u.PeriodStart) < p {
			continue
		}
		l.entries[k] = &Usage{PeriodStart: now}
		reset = append(reset, k)
	}
	return reset
}

func (l *Ledger) entry(key string) *Usage {
	u, ok := l.entries[key]
	if !ok {
		u = &Usage{PeriodStart: l.now()}
		l.entries[key] = u
	}
	return u
}
