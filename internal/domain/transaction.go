package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LocalCurrency is the currency every upstream connector normalises to.
const LocalCurrency = "NGN"

// BankTransaction represents a normalised bank transaction supplied by a connector.
// Every pipeline stage treats it as read-only.
type BankTransaction struct {
	// Core identifiers
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Provider  string `json:"provider"`

	// Financial details
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	AccountNumber string          `json:"accountNumber"`

	// Temporal
	Date time.Time `json:"date"`

	Description string `json:"description"`

	// Optional customer identity
	CustomerName  string `json:"customerName,omitempty"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	CustomerPhone string `json:"customerPhone,omitempty"`
}

// HasCustomerIdentity reports whether the connector supplied any customer identity.
func (t *BankTransaction) HasCustomerIdentity() bool {
	return t.CustomerName != "" || t.CustomerEmail != ""
}

// HistoricalContext holds earlier transactions used by context-dependent checks.
// A nil *HistoricalContext means no context was supplied; an empty one means the
// transaction is the first known for its account.
type HistoricalContext struct {
	Transactions []*BankTransaction `json:"transactions"`
}

// NewHistoricalContext wraps txs in a context.
func NewHistoricalContext(txs []*BankTransaction) *HistoricalContext {
	if txs == nil {
		txs = []*BankTransaction{}
	}
	return &HistoricalContext{Transactions: txs}
}

// ForAccount returns the transactions in the context that belong to account,
// preserving their order.
func (h *HistoricalContext) ForAccount(account string) []*BankTransaction {
	if h == nil {
		return nil
	}
	out := make([]*BankTransaction, 0, len(h.Transactions))
	for _, tx := range h.Transactions {
		if tx != nil && tx.AccountNumber == account {
			out = append(out, tx)
		}
	}
	return out
}

// Len returns the number of transactions in the context.
func (h *HistoricalContext) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Transactions)
}
