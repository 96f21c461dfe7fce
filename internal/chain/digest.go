package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dreamware/veil/internal/ledger"
	"github.com/dreamware/veil/internal/share"
)

// canonical is the hashed form of a transaction. Field order is part of the
// hash format and must not change.
type canonical struct {
	ID            string `json:"id"`
	Date          string `json:"date"`
	Partner       string `json:"partner"`
	Description   string `json:"description"`
	Currency      string `json:"currency"`
	Amount        uint64 `json:"amount"`
	DebitAccount  string `json:"debitAccount"`
	CreditAccount string `json:"creditAccount"`
	Draft         bool   `json:"draft"`
	PreviousHash  string `json:"previousHash"`
}

// Digest returns the lowercase hex SHA-256 of tx's canonical form, which
// covers every field except Hash. The amount enters as integer minor units.
func Digest(tx ledger.Transaction) (string, error) {
	units, err := share.ToMinorUnits(tx.Amount)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", tx.ID, err)
	}
	body, err := json.Marshal(canonical{
		ID:            tx.ID,
		Date:          tx.Date.UTC().Format(time.RFC3339Nano),
		Partner:       tx.Partner,
		Description:   tx.Description,
		Currency:      string(tx.Currency),
		Amount:        units,
		DebitAccount:  string(tx.DebitAccount),
		CreditAccount: string(tx.CreditAccount),
		Draft:         tx.Draft,
		PreviousHash:  tx.PreviousHash,
	})
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", tx.ID, err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Compare orders transactions by date, breaking ties by id. Ids are unique,
// so the order is total and can be reproduced from stored data alone.
func Compare(a, b ledger.Transaction) int {
	if c := a.Date.Compare(b.Date); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
