// Package expr evaluates the "=<cel-expr>" form of a field/sorter source:
// a CEL expression over the record being indexed, used for computed fields
// that cannot be expressed as a plain JSON-pointer path (e.g. concatenating
// two fields, deriving a bucket from a number).
package expr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ComputedPrefix marks a field/sorter Source as a CEL expression rather than
// a JSON-pointer path.
const ComputedPrefix = "="

// IsComputed reports whether source is a CEL expression source.
func IsComputed(source string) bool {
	return strings.HasPrefix(source, ComputedPrefix)
}

// Evaluator compiles and runs CEL expressions against a record, caching
// compiled programs by expression text since the same handful of
// expressions run once per indexed record.
type Evaluator struct {
	env      *cel.Env
	prgCache sync.Map // map[string]cel.Program
}

// New builds an Evaluator whose CEL environment exposes the record being
// indexed as the "record" variable and its id as "id".
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.DynType),
		cel.Variable("id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: building CEL env: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Eval runs the expression (without its leading "=") against record/id and
// returns the raw result, which the caller (indexengine) then treats the
// same way as any other extracted field value.
func (e *Evaluator) Eval(source string, id string, record map[string]interface{}) (interface{}, error) {
	expression := strings.TrimPrefix(source, ComputedPrefix)

	var prg cel.Program
	if cached, ok := e.prgCache.Load(expression); ok {
		prg = cached.(cel.Program)
	} else {
		ast, issues := e.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("expr: compiling %q: %w", expression, issues.Err())
		}
		compiled, err := e.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("expr: programming %q: %w", expression, err)
		}
		e.prgCache.Store(expression, compiled)
		prg = compiled
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"record": record,
		"id":     id,
	})
	if err != nil {
		return nil, fmt.Errorf("expr: evaluating %q: %w", expression, err)
	}
	return out.Value(), nil
}
