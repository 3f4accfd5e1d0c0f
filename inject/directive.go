package inject

import (
	"errors"
	"fmt"
	"go/ast"
	"strings"
)

// SelectorKind is the kind of declaration a ReplaceDirective targets.
type SelectorKind int

const (
	// SelectorFunction targets a package level function, selected by its name.
	SelectorFunction SelectorKind = iota + 1
	// SelectorMethod targets a method, selected as "Type.Method". Pointer and value receivers both match.
	SelectorMethod
)

// ErrUnknownSelectorKind indicates a selector kind name that is not function or method.
var ErrUnknownSelectorKind = errors.New("unknown selector kind")

func (k SelectorKind) String() string {
	switch k {
	case SelectorFunction:
		return "function"
	case SelectorMethod:
		return "method"
	default:
		return fmt.Sprintf("SelectorKind(%d)", int(k))
	}
}

// ParseSelectorKind converts a kind name ("function", "func", "method") to a SelectorKind.
func ParseSelectorKind(s string) (SelectorKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "function", "func":
		return SelectorFunction, nil
	case "method":
		return SelectorMethod, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSelectorKind, s)
	}
}

// ReplaceDirective declares that the declaration From of the given Kind should carry the hooks of Injection,
// and be renamed to To when the two differ. Directives are read, never modified, by the Splicer.
type ReplaceDirective struct {
	Kind SelectorKind
	// From selects the declaration: "Name" for functions, "Type.Method" for methods.
	From string
	// To is the declared identifier after splicing, for methods only the method name.
	To        string
	Injection *Injection
}

func (d *ReplaceDirective) String() string {
	return d.Kind.String() + " " + d.From + "->" + d.To
}

// Matches reports if the declaration is the one selected by the directive.
func (d *ReplaceDirective) Matches(decl *ast.FuncDecl) bool {
	switch d.Kind {
	case SelectorFunction:
		return decl.Recv == nil && decl.Name.Name == d.From
	case SelectorMethod:
		if decl.Recv == nil || len(decl.Recv.List) == 0 {
			return false
		}
		typeName, method, ok := strings.Cut(d.From, ".")
		if !ok || method != decl.Name.Name {
			return false
		}
		return receiverTypeName(decl.Recv.List[0].Type) == strings.TrimPrefix(typeName, "*")
	}
	return false
}

// renamed returns a directive selecting the declaration after it was renamed to To, or nil if the directive does
// not rename.
func (d *ReplaceDirective) renamed() *ReplaceDirective {
	if d.To == "" {
		return nil
	}
	from := d.To
	if d.Kind == SelectorMethod {
		typeName, method, ok := strings.Cut(d.From, ".")
		if !ok || method == d.To {
			return nil
		}
		from = typeName + "." + d.To
	} else if d.From == d.To {
		return nil
	}
	return &ReplaceDirective{Kind: d.Kind, From: from, To: d.To}
}

// receiverTypeName returns the base type name of a receiver, dropping pointers and type parameters.
func receiverTypeName(expr ast.Expr) string {
	for {
		switch e := expr.(type) {
		case *ast.StarExpr:
			expr = e.X
		case *ast.ParenExpr:
			expr = e.X
		case *ast.IndexExpr:
			expr = e.X
		case *ast.IndexListExpr:
			expr = e.X
		case *ast.Ident:
			return e.Name
		default:
			return ""
		}
	}
}
