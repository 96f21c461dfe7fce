package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/veil/internal/ledger"
	"github.com/dreamware/veil/internal/share"
)

func record(id string, s uint64, draft bool, cur ledger.Currency, debit, credit ledger.Account) ledger.ShareRecord {
	return ledger.ShareRecord{
		ID:            id,
		Partner:       "Partner " + id,
		Currency:      cur,
		DebitAccount:  debit,
		CreditAccount: credit,
		Draft:         draft,
		Share:         s,
	}
}

func TestValidate(t *testing.T) {
	group := Stage{Group: &GroupStage{Sum: SumField, Count: true}}
	project := Stage{Project: &ProjectStage{Modulus: share.DefaultModulus}}
	match := Stage{Match: &MatchStage{Field: "draft", Variable: "draft"}}
	vars := map[string]VarType{"draft": VarBool}

	tests := []struct {
		name    string
		def     Definition
		wantErr bool
	}{
		{"group only", Definition{ID: "q", Stages: []Stage{group}}, false},
		{"match group project", Definition{ID: "q", Variables: vars, Stages: []Stage{match, group, project}}, false},
		{"missing id", Definition{Stages: []Stage{group}}, true},
		{"no group", Definition{ID: "q", Variables: vars, Stages: []Stage{match}}, true},
		{"two groups", Definition{ID: "q", Stages: []Stage{group, group}}, true},
		{"match after group", Definition{ID: "q", Variables: vars, Stages: []Stage{group, match}}, true},
		{"project before group", Definition{ID: "q", Stages: []Stage{project, group}}, true},
		{"zero modulus", Definition{ID: "q", Stages: []Stage{group, {Project: &ProjectStage{}}}}, true},
		{"empty stage", Definition{ID: "q", Stages: []Stage{{}, group}}, true},
		{"two variants", Definition{ID: "q", Stages: []Stage{{Group: group.Group, Project: project.Project}}}, true},
		{"sum other field", Definition{ID: "q", Stages: []Stage{{Group: &GroupStage{Sum: "partner"}}}}, true},
		{"match amount", Definition{ID: "q", Variables: map[string]VarType{"a": VarString},
			Stages: []Stage{{Match: &MatchStage{Field: "amount", Variable: "a"}}, group}}, true},
		{"undeclared variable", Definition{ID: "q", Stages: []Stage{match, group}}, true},
		{"type mismatch", Definition{ID: "q", Variables: map[string]VarType{"draft": VarString},
			Stages: []Stage{match, group}}, true},
		{"unknown type", Definition{ID: "q", Variables: map[string]VarType{"x": "number"}, Stages: []Stage{group}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDefinition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBindingsCheck(t *testing.T) {
	vars := map[string]VarType{"draft": VarBool, "currency": VarString}

	assert.NoError(t, Bindings{"draft": false, "currency": "USD"}.Check(vars))
	assert.ErrorIs(t, Bindings{"draft": false}.Check(vars), ErrInvalidDefinition)
	assert.ErrorIs(t, Bindings{"draft": "false", "currency": "USD"}.Check(vars), ErrInvalidDefinition)
	assert.ErrorIs(t, Bindings{"draft": false, "currency": 1}.Check(vars), ErrInvalidDefinition)
	assert.ErrorIs(t, Bindings{"draft": false, "currency": "USD", "extra": true}.Check(vars), ErrInvalidDefinition)
}

func TestRunFiltersAndSums(t *testing.T) {
	records := []ledger.ShareRecord{
		record("a", 100, false, ledger.CurrencyUSD, ledger.AccountExpenses, ledger.AccountAssets),
		record("b", 200, true, ledger.CurrencyUSD, ledger.AccountExpenses, ledger.AccountAssets),
		record("c", 300, false, ledger.CurrencyEUR, ledger.AccountAssets, ledger.AccountIncome),
		record("d", 400, false, ledger.CurrencyUSD, ledger.AccountAssets, ledger.AccountIncome),
	}

	tests := []struct {
		name   string
		filter Filter
		want   Partial
	}{
		{"everything", Filter{}, Partial{SumShare: 1000, Count: 4}},
		{"non draft", NonDraft(), Partial{SumShare: 800, Count: 3}},
		{"usd", Filter{Currency: ledger.CurrencyUSD}, Partial{SumShare: 700, Count: 3}},
		{"income usd", Filter{Currency: ledger.CurrencyUSD, CreditAccount: ledger.AccountIncome}, Partial{SumShare: 400, Count: 1}},
		{"expenses", Filter{DebitAccount: ledger.AccountExpenses}, Partial{SumShare: 300, Count: 2}},
		{"no match", Filter{Currency: ledger.CurrencyEUR, DebitAccount: ledger.AccountExpenses}, Partial{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, vars := SumDefinition("q1", tt.filter, share.DefaultModulus)
			require.NoError(t, def.Validate())
			got, err := def.Run(records, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want.SumShare, got.SumShare)
			assert.Equal(t, tt.want.Count, got.Count)
		})
	}
}

func TestRunReducesModulo(t *testing.T) {
	const m = share.DefaultModulus
	records := []ledger.ShareRecord{
		record("a", m-1, false, ledger.CurrencyUSD, ledger.AccountExpenses, ledger.AccountAssets),
		record("b", m-1, false, ledger.CurrencyUSD, ledger.AccountExpenses, ledger.AccountAssets),
	}
	def, vars := SumDefinition("q", Filter{}, m)
	got, err := def.Run(records, vars)
	require.NoError(t, err)
	assert.Equal(t, uint64(m-2), got.SumShare)
	assert.Equal(t, int64(2), got.Count)
}

func TestRunWithoutProjectOverflows(t *testing.T) {
	records := []ledger.ShareRecord{
		record("a", 1<<63, false, ledger.CurrencyUSD, ledger.AccountExpenses, ledger.AccountAssets),
		record("b", 1<<63, false, ledger.CurrencyUSD, ledger.AccountExpenses, ledger.AccountAssets),
	}
	def := Definition{ID: "q", Stages: []Stage{{Group: &GroupStage{Sum: SumField}}}}
	_, err := def.Run(records, Bindings{})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

// TestPartialsReconstruct runs the same query on every node's shares and
// checks the recombined total.
func TestPartialsReconstruct(t *testing.T) {
	codec := share.NewCodec(share.DefaultModulus)
	const nodes = 3
	amounts := []uint64{250, 1500, 2000, 350}

	perNode := make([][]ledger.ShareRecord, nodes)
	for i, amount := range amounts {
		shares, err := codec.Split(amount, nodes)
		require.NoError(t, err)
		for n := range shares {
			perNode[n] = append(perNode[n], record(string(rune('a'+i)), shares[n], false,
				ledger.CurrencyUSD, ledger.AccountExpenses, ledger.AccountAssets))
		}
	}

	def, vars := SumDefinition("q", NonDraft(), codec.Modulus())
	partials := make([]uint64, nodes)
	for n := range perNode {
		p, err := def.Run(perNode[n], vars)
		require.NoError(t, err)
		assert.Equal(t, int64(4), p.Count)
		partials[n] = p.SumShare
	}
	total, err := codec.Reconstruct(partials, nodes)
	require.NoError(t, err)
	assert.Equal(t, uint64(4100), total)
}

func TestFingerprint(t *testing.T) {
	a := record("a", 1, false, ledger.CurrencyUSD, ledger.AccountExpenses, ledger.AccountAssets)
	a.Epoch = "e1"
	b := record("b", 2, false, ledger.CurrencyUSD, ledger.AccountExpenses, ledger.AccountAssets)
	b.Epoch = "e2"

	base := Fingerprint([]ledger.ShareRecord{a, b})
	assert.Len(t, base, 64)
	assert.Equal(t, base, Fingerprint([]ledger.ShareRecord{b, a}), "order independent")

	otherShare := a
	otherShare.Share = 999
	assert.Equal(t, base, Fingerprint([]ledger.ShareRecord{otherShare, b}), "shares are not digested")

	resplit := a
	resplit.Epoch = "e3"
	assert.NotEqual(t, base, Fingerprint([]ledger.ShareRecord{resplit, b}))
	assert.NotEqual(t, base, Fingerprint([]ledger.ShareRecord{a}))
	assert.NotEqual(t, Fingerprint(nil), Fingerprint([]ledger.ShareRecord{a}))
}

func TestRunFingerprintsMatchedRecords(t *testing.T) {
	kept := record("a", 100, false, ledger.CurrencyUSD, ledger.AccountExpenses, ledger.AccountAssets)
	kept.Epoch = "e1"
	draft := record("b", 200, true, ledger.CurrencyUSD, ledger.AccountExpenses, ledger.AccountAssets)
	draft.Epoch = "e2"

	def, vars := SumDefinition("q", NonDraft(), share.DefaultModulus)
	got, err := def.Run([]ledger.ShareRecord{kept, draft}, vars)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint([]ledger.ShareRecord{kept}), got.Fingerprint)
}
