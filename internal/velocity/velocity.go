// Package velocity provides per-account transaction velocity tracking.
package velocity

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Standard windows checked by the amount validator.
const (
	Hour = time.Hour
	Day  = 24 * time.Hour
	Week = 7 * 24 * time.Hour
)

// Stats is the activity of one account inside a window.
type Stats struct {
	Count int             `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
}

type entry struct {
	at     time.Time
	amount decimal.Decimal
}

type accountLog struct {
	mu      sync.Mutex
	entries []entry // sorted by at
}

// Tracker keeps rolling per-account counters. Updates to one account are
// serialised by that account's lock; different accounts never contend.
type Tracker struct {
	mu        sync.RWMutex
	accounts  map[string]*accountLog
	retention time.Duration
}

// NewTracker creates a tracker that keeps entries for retention (default one week).
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = Week
	}
	return &Tracker{
		accounts:  make(map[string]*accountLog),
		retention: retention,
	}
}

func (t *Tracker) log(account string) *accountLog {
	t.mu.RLock()
	l, ok := t.accounts[account]
	t.mu.RUnlock()
	if ok {
		return l
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok = t.accounts[account]; !ok {
		l = &accountLog{}
		t.accounts[account] = l
	}
	return l
}

// Record adds one transaction to its account counters and prunes entries that
// fell out of the retention window.
func (t *Tracker) Record(account string, at time.Time, amount decimal.Decimal) {
	if account == "" {
		return
	}
	l := t.log(account)

	l.mu.Lock()
	defer l.mu.Unlock()

	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].at.After(at) })
	l.entries = append(l.entries, entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = entry{at: at, amount: amount}

	latest := l.entries[len(l.entries)-1].at
	cutoff := latest.Add(-t.retention)
	drop := sort.Search(len(l.entries), func(i int) bool { return !l.entries[i].at.Before(cutoff) })
	if drop > 0 {
		l.entries = append(l.entries[:0], l.entries[drop:]...)
	}
}

// Window returns the account activity in (asOf-window, asOf].
func (t *Tracker) Window(account string, asOf time.Time, window time.Duration) Stats {
	t.mu.RLock()
	l, ok := t.accounts[account]
	t.mu.RUnlock()
	if !ok {
		return Stats{Sum: decimal.Zero}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from := asOf.Add(-window)
	stats := Stats{Sum: decimal.Zero}
	for _, e := range l.entries {
		if e.at.After(from) && !e.at.After(asOf) {
			stats.Count++
			stats.Sum = stats.Sum.Add(e.amount)
		}
	}
	return stats
}

// Accounts returns the number of accounts currently tracked.
func (t *Tracker) Accounts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.accounts)
}

// FromHistory computes the same window over an explicit history, for callers
// that supply their own historical context.
func FromHistory(history []*domain.BankTransaction, account string, asOf time.Time, window time.Duration) Stats {
	from := asOf.Add(-window)
	stats := Stats{Sum: decimal.Zero}
	for _, tx := range history {
		if tx == nil || tx.AccountNumber != account {
			continue
		}
		if tx.Date.After(from) && !tx.Date.After(asOf) {
			stats.Count++
			stats.Sum = stats.Sum.Add(tx.Amount)
		}
	}
	return stats
}
