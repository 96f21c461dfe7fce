package query

import "github.com/dreamware/veil/internal/ledger"

// Filter selects the transactions an aggregate covers. Unset fields do not
// constrain the result.
type Filter struct {
	Draft         *bool           `json:"draft,omitempty"`
	Currency      ledger.Currency `json:"currency,omitempty"`
	DebitAccount  ledger.Account  `json:"debitAccount,omitempty"`
	CreditAccount ledger.Account  `json:"creditAccount,omitempty"`
}

// NonDraft is the filter used for reporting: drafts are excluded.
func NonDraft() Filter {
	f := false
	return Filter{Draft: &f}
}

// SumDefinition builds the sum/count pipeline for filter and the bindings
// to execute it with. Every set filter field becomes one typed variable and
// one Match stage.
func SumDefinition(id string, f Filter, modulus uint64) (Definition, Bindings) {
	def := Definition{
		ID:        id,
		Name:      "sum query",
		Variables: make(map[string]VarType),
	}
	vars := make(Bindings)

	match := func(field string, typ VarType, value any) {
		def.Variables[field] = typ
		def.Stages = append(def.Stages, Stage{Match: &MatchStage{Field: field, Variable: field}})
		vars[field] = value
	}
	if f.Draft != nil {
		match("draft", VarBool, *f.Draft)
	}
	if f.Currency != "" {
		match("currency", VarString, string(f.Currency))
	}
	if f.DebitAccount != "" {
		match("debitAccount", VarString, string(f.DebitAccount))
	}
	if f.CreditAccount != "" {
		match("creditAccount", VarString, string(f.CreditAccount))
	}

	def.Stages = append(def.Stages,
		Stage{Group: &GroupStage{Sum: SumField, Count: true}},
		Stage{Project: &ProjectStage{Modulus: modulus}},
	)
	return def, vars
}
