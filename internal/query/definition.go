// Package query defines the distributed aggregation pipeline that the
// coordinator deploys to every node and that each node runs over its own
// share records.
//
// A pipeline is a closed set of typed stages: any number of Match stages,
// then exactly one Group stage, then an optional Project stage. Match compares
// a plaintext record field with a bound variable, Group sums the amount
// shares and counts records, Project reduces the share sum modulo M before it
// leaves the node.
package query

import (
	"errors"
	"fmt"
)

// ErrInvalidDefinition is returned for malformed pipelines and bindings.
var ErrInvalidDefinition = errors.New("invalid query definition")

// VarType is the declared type of a pipeline variable.
type VarType string

const (
	VarBool   VarType = "boolean"
	VarString VarType = "string"
)

// Fields that Match stages may filter on, with their types. Amount is
// absent: it only exists as a share.
var matchFields = map[string]VarType{
	"draft":         VarBool,
	"currency":      VarString,
	"debitAccount":  VarString,
	"creditAccount": VarString,
	"partner":       VarString,
}

// SumField is the only field Group may sum.
const SumField = "amount"

// MatchStage keeps records whose Field equals the value bound to Variable.
type MatchStage struct {
	Field    string `json:"field"`
	Variable string `json:"variable"`
}

// GroupStage folds all matched records into one sum and one count.
type GroupStage struct {
	Sum   string `json:"sum"`
	Count bool   `json:"count"`
}

// ProjectStage reduces the group sum modulo Modulus.
type ProjectStage struct {
	Modulus uint64 `json:"modulus"`
}

// Stage is exactly one of Match, Group or Project.
type Stage struct {
	Match   *MatchStage   `json:"match,omitempty"`
	Group   *GroupStage   `json:"group,omitempty"`
	Project *ProjectStage `json:"project,omitempty"`
}

func (s Stage) kind() (string, error) {
	set := 0
	kind := ""
	if s.Match != nil {
		set++
		kind = "match"
	}
	if s.Group != nil {
		set++
		kind = "group"
	}
	if s.Project != nil {
		set++
		kind = "project"
	}
	if set != 1 {
		return "", fmt.Errorf("%w: stage must set exactly one variant, got %d", ErrInvalidDefinition, set)
	}
	return kind, nil
}

// Definition is one deployable pipeline. A fresh ID is used for every run.
type Definition struct {
	Variables map[string]VarType `json:"variables"`
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Stages    []Stage            `json:"stages"`
}

// Validate checks stage order, field names and variable declarations.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	for name, typ := range d.Variables {
		if typ != VarBool && typ != VarString {
			return fmt.Errorf("%w: variable %q has unknown type %q", ErrInvalidDefinition, name, typ)
		}
	}

	grouped, projected := false, false
	for i, st := range d.Stages {
		kind, err := st.kind()
		if err != nil {
			return fmt.Errorf("stage %d: %w", i, err)
		}
		switch kind {
		case "match":
			if grouped {
				return fmt.Errorf("%w: stage %d: match after group", ErrInvalidDefinition, i)
			}
			want, ok := matchFields[st.Match.Field]
			if !ok {
				return fmt.Errorf("%w: stage %d: cannot match on %q", ErrInvalidDefinition, i, st.Match.Field)
			}
			got, ok := d.Variables[st.Match.Variable]
			if !ok {
				return fmt.Errorf("%w: stage %d: undeclared variable %q", ErrInvalidDefinition, i, st.Match.Variable)
			}
			if got != want {
				return fmt.Errorf("%w: stage %d: %q is %s, field %q is %s", ErrInvalidDefinition, i, st.Match.Variable, got, st.Match.Field, want)
			}
		case "group":
			if grouped {
				return fmt.Errorf("%w: stage %d: second group", ErrInvalidDefinition, i)
			}
			if st.Group.Sum != SumField {
				return fmt.Errorf("%w: stage %d: cannot sum %q", ErrInvalidDefinition, i, st.Group.Sum)
			}
			grouped = true
		case "project":
			if !grouped || projected {
				return fmt.Errorf("%w: stage %d: project must follow a single group", ErrInvalidDefinition, i)
			}
			if st.Project.Modulus == 0 {
				return fmt.Errorf("%w: stage %d: zero modulus", ErrInvalidDefinition, i)
			}
			projected = true
		}
	}
	if !grouped {
		return fmt.Errorf("%w: pipeline has no group stage", ErrInvalidDefinition)
	}
	return nil
}

// Bindings maps variable names to runtime values (bool or string).
type Bindings map[string]any

// Check verifies that b binds every declared variable with the right type
// and nothing else.
func (b Bindings) Check(vars map[string]VarType) error {
	for name, typ := range vars {
		v, ok := b[name]
		if !ok {
			return fmt.Errorf("%w: variable %q is not bound", ErrInvalidDefinition, name)
		}
		switch typ {
		case VarBool:
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("%w: variable %q must be boolean", ErrInvalidDefinition, name)
			}
		case VarString:
			if _, ok := v.(string); !ok {
				return fmt.Errorf("%w: variable %q must be string", ErrInvalidDefinition, name)
			}
		}
	}
	for name := range b {
		if _, ok := vars[name]; !ok {
			return fmt.Errorf("%w: unknown variable %q", ErrInvalidDefinition, name)
		}
	}
	return nil
}

// Partial is one node's contribution to an aggregate: its share of the sum
// (reduced mod M when the pipeline projects) and the plaintext count.
// Fingerprint digests the (id, epoch) pairs that were summed; partials only
// combine when every node summed the same splits.
type Partial struct {
	Fingerprint string `json:"fingerprint"`
	SumShare    uint64 `json:"sum_share"`
	Count       int64  `json:"count"`
}
