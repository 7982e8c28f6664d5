package pattern

import (
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AccountStats is a snapshot of one account's frequency tables.
type AccountStats struct {
	Total      int                     `json:"total"`
	Categories map[domain.Category]int `json:"categories"`
	Merchants  map[string]int          `json:"merchants"`
}

type accountTable struct {
	mu         sync.Mutex
	total      int
	categories map[domain.Category]int
	merchants  map[string]int
}

// Tables holds merchant and category frequencies per account. Each account
// has its own lock.
type Tables struct {
	mu       sync.RWMutex
	accounts map[string]*accountTable
}

// NewTables creates empty tables.
func NewTables() *Tables {
	return &Tables{accounts: make(map[string]*accountTable)}
}

func (t *Tables) table(account string) *accountTable {
	t.mu.RLock()
	at, ok := t.accounts[account]
	t.mu.RUnlock()
	if ok {
		return at
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if at, ok = t.accounts[account]; ok {
		return at
	}
	at = &accountTable{
		categories: make(map[domain.Category]int),
		merchants:  make(map[string]int),
	}
	t.accounts[account] = at
	return at
}

// Record counts one categorised transaction.
func (t *Tables) Record(account string, category domain.Category, merchant string) {
	at := t.table(account)
	at.mu.Lock()
	defer at.mu.Unlock()

	at.total++
	at.categories[category]++
	if merchant != "" {
		at.merchants[merchant]++
	}
}

// Stats returns a copy of account's tables.
func (t *Tables) Stats(account string) AccountStats {
	t.mu.RLock()
	at, ok := t.accounts[account]
	t.mu.RUnlock()

	s := AccountStats{
		Categories: make(map[domain.Category]int),
		Merchants:  make(map[string]int),
	}
	if !ok {
		return s
	}

	at.mu.Lock()
	defer at.mu.Unlock()
	s.Total = at.total
	for k, v := range at.categories {
		s.Categories[k] = v
	}
	for k, v := range at.merchants {
		s.Merchants[k] = v
	}
	return s
}

// Accounts returns the number of accounts seen.
func (t *Tables) Accounts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.accounts)
}
