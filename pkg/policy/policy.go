// Package policy evaluates CEL acceptance rules over verification reports.
//
// A rule sees the report as the variable "report", with the field names of
// its JSON form:
//
//	report.verdict == "VALID" ||
//	  (report.verdict == "PARTIAL" && report.fully_anchored)
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/ecosign/ecocert/pkg/verifier"
)

// Policy is a compiled acceptance rule. Safe for concurrent use.
type Policy struct {
	expr string
	prg  cel.Program
}

var env = mustEnv()

func mustEnv() *cel.Env {
	e, err := cel.NewEnv(cel.Variable("report", cel.DynType))
	if err != nil {
		panic(fmt.Sprintf("policy: CEL environment: %v", err))
	}
	return e
}

// Compile parses and checks expr. The expression must yield a bool.
func Compile(expr string) (*Policy, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile policy: %w", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("policy must evaluate to bool, got %s", t)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

func (p *Policy) String() string { return p.expr }

// Accept evaluates the policy against r.
func (p *Policy) Accept(r *verifier.Report) (bool, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return false, err
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return false, err
	}
	out, _, err := p.prg.Eval(map[string]any{"report": input})
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("policy returned %T, not bool", out.Value())
	}
	return ok, nil
}
