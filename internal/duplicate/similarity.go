package duplicate

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Field names usable in hash and field-match subsets.
const (
	FieldAmount        = "amount"
	FieldAccountNumber = "account_number"
	FieldDescription   = "description"
	FieldDate          = "date"
	FieldReference     = "reference"
	FieldCurrency      = "currency"
)

// DefaultHashFields is the canonical subset hashed for exact duplicates.
var DefaultHashFields = []string{FieldAmount, FieldAccountNumber, FieldDescription, FieldDate, FieldReference}

// record is the comparable view of a transaction or a stored fingerprint.
type record struct {
	id          string
	amount      string
	account     string
	description string
	date        time.Time
	reference   string
	currency    string
}

func fromTx(tx *domain.BankTransaction) record {
	return record{
		id:          tx.ID,
		amount:      tx.Amount.String(),
		account:     strings.TrimSpace(tx.AccountNumber),
		description: tx.Description,
		date:        tx.Date,
		reference:   tx.Reference,
		currency:    tx.Currency,
	}
}

func fromFingerprint(fp *domain.Fingerprint) record {
	return record{
		id:          fp.TransactionID,
		amount:      fp.Amount.String(),
		account:     strings.TrimSpace(fp.AccountNumber),
		description: fp.Description,
		date:        fp.Date,
		reference:   fp.Reference,
		currency:    fp.Currency,
	}
}

func canonical(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// canonicalField renders one field the way it is hashed.
func canonicalField(r record, field string) string {
	switch field {
	case FieldAmount:
		return r.amount
	case FieldAccountNumber:
		return canonical(r.account)
	case FieldDescription:
		return canonical(r.description)
	case FieldDate:
		if r.date.IsZero() {
			return ""
		}
		return r.date.UTC().Format(time.RFC3339)
	case FieldReference:
		return canonical(r.reference)
	case FieldCurrency:
		return canonical(r.currency)
	default:
		return ""
	}
}

// Hash returns the hex SHA-256 of the canonicalised fields of tx.
// The transaction id is never part of the hash.
func Hash(tx *domain.BankTransaction, fields []string) string {
	if len(fields) == 0 {
		fields = DefaultHashFields
	}
	r := fromTx(tx)

	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{'='})
		h.Write([]byte(canonicalField(r, f)))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Jaccard is the character-set similarity of two strings, ignoring case and
// whitespace. Two empty strings carry no evidence and score 0.
func Jaccard(a, b string) float64 {
	sa, sb := charSet(a), charSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}

	inter := 0
	for r := range sa {
		if sb[r] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

func charSet(s string) map[rune]bool {
	set := make(map[rune]bool, len(s))
	for _, r := range strings.ToLower(s) {
		if !unicode.IsSpace(r) {
			set[r] = true
		}
	}
	return set
}

// proximity is the stepped date-proximity score.
func proximity(a, b time.Time) float64 {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Minute:
		return 1.0
	case d < time.Hour:
		return 0.8
	case d < 24*time.Hour:
		return 0.6
	case d < 7*24*time.Hour:
		return 0.3
	default:
		return 0
	}
}

// fieldMatches compares one field; string fields match on similarity.
func fieldMatches(a, b record, field string, similarity float64) bool {
	switch field {
	case FieldAmount:
		return a.amount == b.amount
	case FieldAccountNumber:
		return a.account != "" && a.account == b.account
	case FieldDate:
		ay, am, ad := a.date.UTC().Date()
		by, bm, bd := b.date.UTC().Date()
		return !a.date.IsZero() && ay == by && am == bm && ad == bd
	case FieldCurrency:
		return strings.EqualFold(strings.TrimSpace(a.currency), strings.TrimSpace(b.currency))
	case FieldDescription:
		return Jaccard(a.description, b.description) >= similarity
	case FieldReference:
		return Jaccard(a.reference, b.reference) >= similarity
	default:
		return false
	}
}

// sameTuple reports an exact match on every hashed field.
func sameTuple(a, b record) bool {
	for _, f := range DefaultHashFields {
		if canonicalField(a, f) != canonicalField(b, f) {
			return false
		}
	}
	return true
}
