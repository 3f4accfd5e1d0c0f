package inject

import (
	"go/ast"
	"strings"
)

// Injection holds the hooks to run before and after a function body, in declaration order, along with the
// directives selecting where they are spliced.
//
// Hook statements are built once and rebound in place by each materialization, an Injection must not be
// materialized or spliced from multiple goroutines at the same time.
type Injection struct {
	builder      *FragmentBuilder
	before       []*HookStatement
	after        []*HookStatement
	replacements []*ReplaceDirective
	err          error
}

// NewInjection creates an empty Injection that registers its hooks through builder.
func NewInjection(builder *FragmentBuilder) *Injection {
	return &Injection{builder: builder}
}

// Builder returns the FragmentBuilder hooks are declared with.
func (inj *Injection) Builder() *FragmentBuilder {
	return inj.builder
}

// DeclareBefore registers a hook to run before the body and returns its statement.
func (inj *Injection) DeclareBefore(hook Hook) (*HookStatement, error) {
	stmt, err := inj.builder.Register(hook)
	if err != nil {
		return nil, err
	}
	inj.before = append(inj.before, stmt)
	return stmt, nil
}

// DeclareAfter registers a hook to run after the body and returns its statement.
func (inj *Injection) DeclareAfter(hook Hook) (*HookStatement, error) {
	stmt, err := inj.builder.Register(hook)
	if err != nil {
		return nil, err
	}
	inj.after = append(inj.after, stmt)
	return stmt, nil
}

// Before is the chainable form of DeclareBefore. The first failure is retained and reported by Err, and
// declarations after a failure are ignored.
func (inj *Injection) Before(hook Hook) *Injection {
	if inj.err == nil {
		_, inj.err = inj.DeclareBefore(hook)
	}
	return inj
}

// After is the chainable form of DeclareAfter.
func (inj *Injection) After(hook Hook) *Injection {
	if inj.err == nil {
		_, inj.err = inj.DeclareAfter(hook)
	}
	return inj
}

// Err returns the first error from a chained declaration.
func (inj *Injection) Err() error {
	return inj.err
}

// Len returns the number of before and after hooks.
func (inj *Injection) Len() (before, after int) {
	return len(inj.before), len(inj.after)
}

// MaterializeBefore binds args to the before hooks and returns their statements in declaration order.
// The returned statements are the shared hook nodes, a later call rebinds them.
func (inj *Injection) MaterializeBefore(args []ast.Expr) []ast.Stmt {
	return materialize(inj.before, args)
}

// MaterializeAfter binds args to the after hooks and returns their statements in declaration order.
func (inj *Injection) MaterializeAfter(args []ast.Expr) []ast.Stmt {
	return materialize(inj.after, args)
}

func materialize(statements []*HookStatement, args []ast.Expr) []ast.Stmt {
	Rebind(statements, args)
	result := make([]ast.Stmt, len(statements))
	for i, s := range statements {
		result[i] = s.Stmt
	}
	return result
}

// Replace declares that the declaration selected by kind and from carries this injection, and is renamed to
// `to`. An empty `to` keeps the original name.
func (inj *Injection) Replace(kind SelectorKind, from, to string) *Injection {
	if to == "" {
		to = from
	}
	if kind == SelectorMethod { // methods are renamed by the method name, the receiver type can't change
		if i := strings.LastIndex(to, "."); i >= 0 {
			to = to[i+1:]
		}
	}
	inj.replacements = append(inj.replacements, &ReplaceDirective{
		Kind:      kind,
		From:      from,
		To:        to,
		Injection: inj,
	})
	return inj
}

// ReplaceFunction is shorthand for Replace(SelectorFunction, from, to).
func (inj *Injection) ReplaceFunction(from, to string) *Injection {
	return inj.Replace(SelectorFunction, from, to)
}

// ReplaceMethod is shorthand for Replace(SelectorMethod, from, to), with from given as "Type.Method".
func (inj *Injection) ReplaceMethod(from, to string) *Injection {
	return inj.Replace(SelectorMethod, from, to)
}

// Directives returns the declared directives in declaration order.
func (inj *Injection) Directives() []*ReplaceDirective {
	return inj.replacements
}
