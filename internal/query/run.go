package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/exp/slices"

	"github.com/dreamware/veil/internal/ledger"
)

// Run evaluates the pipeline over one node's records. The records only hold
// shares, so the result is that node's partial aggregate.
func (d Definition) Run(records []ledger.ShareRecord, b Bindings) (Partial, error) {
	if err := d.Validate(); err != nil {
		return Partial{}, err
	}
	if err := b.Check(d.Variables); err != nil {
		return Partial{}, err
	}

	matched := records
	total := new(big.Int)
	var count int64
	var fingerprint string
	share := new(big.Int)

	for _, st := range d.Stages {
		switch {
		case st.Match != nil:
			want := b[st.Match.Variable]
			kept := make([]ledger.ShareRecord, 0, len(matched))
			for _, r := range matched {
				if fieldValue(r, st.Match.Field) == want {
					kept = append(kept, r)
				}
			}
			matched = kept
		case st.Group != nil:
			for _, r := range matched {
				total.Add(total, share.SetUint64(r.Share))
			}
			if st.Group.Count {
				count = int64(len(matched))
			}
			fingerprint = Fingerprint(matched)
		case st.Project != nil:
			total.Mod(total, new(big.Int).SetUint64(st.Project.Modulus))
		}
	}

	if !total.IsUint64() {
		return Partial{}, fmt.Errorf("%w: unreduced sum overflows; add a project stage", ErrInvalidDefinition)
	}
	return Partial{SumShare: total.Uint64(), Count: count, Fingerprint: fingerprint}, nil
}

// Fingerprint is the hex SHA-256 of the sorted (id, epoch) pairs of records.
// Amounts and shares are not part of it.
func Fingerprint(records []ledger.ShareRecord) string {
	pairs := make([]string, 0, len(records))
	for _, r := range records {
		pairs = append(pairs, fmt.Sprintf("%q %q\n", r.ID, r.Epoch))
	}
	slices.Sort(pairs)

	h := sha256.New()
	for _, p := range pairs {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func fieldValue(r ledger.ShareRecord, field string) any {
	switch field {
	case "draft":
		return r.Draft
	case "currency":
		return string(r.Currency)
	case "debitAccount":
		return string(r.DebitAccount)
	case "creditAccount":
		return string(r.CreditAccount)
	case "partner":
		return r.Partner
	}
	return nil
}
