// Package ledger defines the transaction model shared by the coordinator,
// the chain and the storage nodes, together with the error taxonomy.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the ISO code a transaction is denominated in.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	return c == CurrencyUSD || c == CurrencyEUR
}

// Account is one of the four top-level bookkeeping accounts.
type Account string

const (
	AccountAssets      Account = "assets"
	AccountIncome      Account = "income"
	AccountLiabilities Account = "liabilities"
	AccountExpenses    Account = "expenses"
)

// Valid reports whether a is a known account.
func (a Account) Valid() bool {
	switch a {
	case AccountAssets, AccountIncome, AccountLiabilities, AccountExpenses:
		return true
	}
	return false
}

// AmountPlaces is the number of fractional digits an amount may carry.
const AmountPlaces = 2

// Transaction is one double-entry ledger record. Amount is the only
// confidential field; Hash and PreviousHash are derived by the chain.
type Transaction struct {
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	ID            string          `json:"id"`
	Partner       string          `json:"partner"`
	Description   string          `json:"description,omitempty"`
	Currency      Currency        `json:"currency"`
	DebitAccount  Account         `json:"debitAccount"`
	CreditAccount Account         `json:"creditAccount"`
	Hash          string          `json:"hash,omitempty"`
	PreviousHash  string          `json:"previousHash"`
	Draft         bool            `json:"draft"`
}

// Validate checks the plaintext fields and the amount's shape. It does not
// look at Hash or PreviousHash, which are always recomputed.
func (t Transaction) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: id is required", ErrValidation)
	case strings.ContainsAny(t.ID, "/?#"):
		return fmt.Errorf("%w: id %q contains a reserved character", ErrValidation, t.ID)
	case t.Date.IsZero():
		return fmt.Errorf("%w: date is required", ErrValidation)
	case strings.TrimSpace(t.Partner) == "":
		return fmt.Errorf("%w: partner is required", ErrValidation)
	case !t.Currency.Valid():
		return fmt.Errorf("%w: unsupported currency %q", ErrValidation, t.Currency)
	case !t.DebitAccount.Valid():
		return fmt.Errorf("%w: unknown debit account %q", ErrValidation, t.DebitAccount)
	case !t.CreditAccount.Valid():
		return fmt.Errorf("%w: unknown credit account %q", ErrValidation, t.CreditAccount)
	case t.DebitAccount == t.CreditAccount:
		return fmt.Errorf("%w: debit and credit account are both %q", ErrValidation, t.DebitAccount)
	case !t.Amount.IsPositive():
		return fmt.Errorf("%w: %w: amount must be positive", ErrValidation, ErrShareSplit)
	case !t.Amount.Equal(t.Amount.Truncate(AmountPlaces)):
		return fmt.Errorf("%w: %w: amount has more than %d decimal places", ErrValidation, ErrShareSplit, AmountPlaces)
	}
	return nil
}

// Normalize returns t with its date in UTC so the canonical form does not
// depend on the caller's location.
func (t Transaction) Normalize() Transaction {
	t.Date = t.Date.UTC()
	return t
}

// ShareRecord is what a single node stores for a transaction: every
// plaintext field verbatim, with the amount replaced by that node's share.
type ShareRecord struct {
	Date          time.Time `json:"date"`
	ID            string    `json:"id"`
	Partner       string    `json:"partner"`
	Description   string    `json:"description,omitempty"`
	Currency      Currency  `json:"currency"`
	DebitAccount  Account   `json:"debitAccount"`
	CreditAccount Account   `json:"creditAccount"`
	Hash          string    `json:"hash"`
	PreviousHash  string    `json:"previousHash"`
	// Epoch identifies the split that produced Share. Shares from
	// different splits of the same record never combine.
	Epoch string `json:"epoch"`
	Share uint64 `json:"share"`
	Draft bool   `json:"draft"`
}

// NewShareRecord builds the record stored on one node.
func NewShareRecord(t Transaction, share uint64, epoch string) ShareRecord {
	return ShareRecord{
		ID:            t.ID,
		Date:          t.Date.UTC(),
		Partner:       t.Partner,
		Description:   t.Description,
		Currency:      t.Currency,
		DebitAccount:  t.DebitAccount,
		CreditAccount: t.CreditAccount,
		Draft:         t.Draft,
		Hash:          t.Hash,
		PreviousHash:  t.PreviousHash,
		Share:         share,
		Epoch:         epoch,
	}
}

// Transaction rebuilds the transaction with the given reconstructed amount.
func (r ShareRecord) Transaction(amount decimal.Decimal) Transaction {
	return Transaction{
		ID:            r.ID,
		Date:          r.Date.UTC(),
		Partner:       r.Partner,
		Description:   r.Description,
		Currency:      r.Currency,
		Amount:        amount,
		DebitAccount:  r.DebitAccount,
		CreditAccount: r.CreditAccount,
		Draft:         r.Draft,
		Hash:          r.Hash,
		PreviousHash:  r.PreviousHash,
	}
}
