package inject

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
)

const (
	// ClientAccessor is the registry accessor provided by the hook client written into target packages.
	ClientAccessor = "injectHookLookup"
	// InProcessAccessor is the registry accessor for generated code compiled into the injecting process.
	InProcessAccessor = "inject.Lookup"
)

var (
	// ErrSyntax indicates synthesized hook source was rejected by the parser.
	ErrSyntax = errors.New("hook call syntax error")
	// ErrAccessorRegistry indicates the accessor resolves handles against a registry other than the builder's.
	ErrAccessorRegistry = errors.New("accessor does not resolve against builder registry")
)

// HookStatement is a statement of the form `accessor(handle)(args...)`. The statement is built once per
// declaration and its argument list is rebound on every use.
type HookStatement struct {
	Handle Handle
	Stmt   *ast.ExprStmt
}

// Call returns the outer call expression, whose Args hold the forwarded arguments.
func (s *HookStatement) Call() *ast.CallExpr {
	return s.Stmt.X.(*ast.CallExpr)
}

// Target returns the inner `accessor(handle)` call.
func (s *HookStatement) Target() *ast.CallExpr {
	return s.Call().Fun.(*ast.CallExpr)
}

// Args returns the currently bound arguments.
func (s *HookStatement) Args() []ast.Expr {
	return s.Call().Args
}

// FragmentBuilder turns registered hooks into statements ready for splicing.
type FragmentBuilder struct {
	registry Registry
	accessor string
}

// NewFragmentBuilder creates a FragmentBuilder that registers hooks into registry and references them through
// the accessor expression. An empty accessor selects ClientAccessor. InProcessAccessor can only be paired with
// DefaultRegistry.
func NewFragmentBuilder(registry Registry, accessor string) *FragmentBuilder {
	if accessor == "" {
		accessor = ClientAccessor
	}
	return &FragmentBuilder{registry: registry, accessor: accessor}
}

// Registry returns the registry hooks are stored in.
func (b *FragmentBuilder) Registry() Registry {
	return b.registry
}

// Accessor returns the accessor expression text.
func (b *FragmentBuilder) Accessor() string {
	return b.accessor
}

// Register stores the hook and builds the statement that invokes it.
func (b *FragmentBuilder) Register(hook Hook) (*HookStatement, error) {
	if err := b.checkAccessor(); err != nil {
		return nil, err
	}
	h, err := b.registry.Register(hook)
	if err != nil {
		return nil, err
	}
	return b.BuildHookCall(h)
}

// BuildHookCall parses `accessor(h)()` into a statement. The argument list of the result is empty.
func (b *FragmentBuilder) BuildHookCall(h Handle) (*HookStatement, error) {
	if err := b.checkAccessor(); err != nil {
		return nil, err
	}
	src := b.accessor + "(" + strconv.FormatUint(uint64(h), 10) + ")()"
	expr, err := parser.ParseExpr(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrSyntax, src, err)
	}
	// the accessor text could parse into some other expression (for example "a)(b"), only accept the exact shape
	call, ok := expr.(*ast.CallExpr)
	if !ok || len(call.Args) != 0 || call.Ellipsis.IsValid() {
		return nil, fmt.Errorf("%w: %q is not a hook call", ErrSyntax, src)
	}
	target, ok := call.Fun.(*ast.CallExpr)
	if !ok || len(target.Args) != 1 {
		return nil, fmt.Errorf("%w: %q is not a hook call", ErrSyntax, src)
	} else if lit, ok := target.Args[0].(*ast.BasicLit); !ok || lit.Value != strconv.FormatUint(uint64(h), 10) {
		return nil, fmt.Errorf("%w: %q does not reference handle %d", ErrSyntax, src, h)
	}
	clearPositions(call)
	return &HookStatement{
		Handle: h,
		Stmt:   &ast.ExprStmt{X: call},
	}, nil
}

// checkAccessor rejects InProcessAccessor unless hooks go into DefaultRegistry, Lookup only resolves there.
func (b *FragmentBuilder) checkAccessor() error {
	if b.accessor == InProcessAccessor && b.registry != DefaultRegistry() {
		return fmt.Errorf("%w: %s requires DefaultRegistry", ErrAccessorRegistry, InProcessAccessor)
	}
	return nil
}

// clearPositions drops the positions assigned by the parser, they refer to the synthesized text and would
// otherwise be interpreted against the file the statement is spliced into.
func clearPositions(n ast.Node) {
	ast.Inspect(n, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.Ident:
			x.NamePos = token.NoPos
		case *ast.BasicLit:
			x.ValuePos = token.NoPos
		case *ast.CallExpr:
			x.Lparen, x.Rparen, x.Ellipsis = token.NoPos, token.NoPos, token.NoPos
		case *ast.ParenExpr:
			x.Lparen, x.Rparen = token.NoPos, token.NoPos
		case *ast.StarExpr:
			x.Star = token.NoPos
		case *ast.IndexExpr:
			x.Lbrack, x.Rbrack = token.NoPos, token.NoPos
		}
		return true
	})
}
