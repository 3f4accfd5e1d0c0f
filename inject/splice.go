package inject

import (
	"cmp"
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"path"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/tools/go/ast/astutil"
)

const (
	// ImportPath is the import path generated code uses to reach Lookup.
	ImportPath = "github.com/PatchLens/go-method-injector/inject"

	spliceMarker             = "inject:hooks"
	syntheticArgNamePrefix   = "injectSyntheticArg"
	syntheticBlankIdentifier = "_"
)

var (
	// ErrNoFunctionBody indicates a function has no body (e.g., assembly-only or external).
	ErrNoFunctionBody = errors.New("function has no body (likely assembly or external implementation)")
	// ErrTargetNotFound indicates no declaration matched a directive.
	ErrTargetNotFound = errors.New("splice target not found")
	// ErrAccessorShadowed indicates a name in scope at the splice site hides the registry accessor.
	ErrAccessorShadowed = errors.New("hook accessor shadowed")
)

// IsNormalInjectError returns true if the error should be skipped rather than failing.
func IsNormalInjectError(err error) bool {
	return errors.Is(err, ErrNoFunctionBody)
}

// spliceSite records a declaration that received hooks, so the hooks can be re-spliced over the original body
// rather than on top of a previous splice.
type spliceSite struct {
	original   []ast.Stmt
	injections []*Injection
}

// Splicer locates the declarations selected by directives and splices the hooks of their injections around the
// original body. Before hooks run first, after hooks run from a single deferred function so they execute on
// every return path without changing what the function returns.
type Splicer struct {
	sites   map[*ast.FuncDecl]*spliceSite
	targets map[*ReplaceDirective]*ast.FuncDecl
}

// NewSplicer creates a Splicer with no recorded sites.
func NewSplicer() *Splicer {
	return &Splicer{
		sites:   make(map[*ast.FuncDecl]*spliceSite),
		targets: make(map[*ReplaceDirective]*ast.FuncDecl),
	}
}

// Apply splices each directive into file and returns the number of declarations that changed. A declaration
// already marked as spliced by an earlier run (and not by this Splicer) is left as is.
func (s *Splicer) Apply(fset *token.FileSet, file *ast.File, directives ...*ReplaceDirective) (int, error) {
	changed := make(map[*ast.FuncDecl]bool)
	var inProcess bool
	for _, d := range directives {
		if d.Injection == nil {
			return len(changed), fmt.Errorf("directive %s has no injection", d)
		} else if err := d.Injection.Err(); err != nil {
			return len(changed), fmt.Errorf("directive %s: %w", d, err)
		}

		decl := s.locate(file, d)
		if decl == nil {
			return len(changed), fmt.Errorf("%w: %s", ErrTargetNotFound, d)
		} else if decl.Body == nil {
			return len(changed), fmt.Errorf("%w: %s", ErrNoFunctionBody, d)
		}

		site, ok := s.sites[decl]
		if !ok {
			if isSpliced(decl, d.Injection.Builder().Accessor()) {
				continue // spliced by a previous run, the source already carries the hooks
			}
			accessor := d.Injection.Builder().Accessor()
			if name := shadowingName(decl, accessor); name != "" {
				return len(changed), fmt.Errorf("%w: %s declares %q", ErrAccessorShadowed, d, name)
			} else if accessor == InProcessAccessor && importNameTaken(file, accessorRoot(accessor)) {
				return len(changed), fmt.Errorf("%w: %s: file imports another package as %q",
					ErrAccessorShadowed, d, accessorRoot(accessor))
			}
			site = &spliceSite{original: decl.Body.List}
			s.sites[decl] = site
		}
		s.targets[d] = decl
		if !slices.Contains(site.injections, d.Injection) {
			site.injections = append(site.injections, d.Injection)
		}

		decl.Body.List = buildSplicedBody(decl, site)
		if decl.Name.Name != d.To {
			decl.Name.Name = d.To
		}
		markSpliced(file, decl)
		changed[decl] = true

		if d.Injection.Builder().Accessor() == InProcessAccessor {
			inProcess = true
		}
	}
	if inProcess {
		astutil.AddImport(fset, file, ImportPath)
	}
	return len(changed), nil
}

// locate finds the declaration for the directive, preferring the node found by a previous Apply so renamed
// declarations can still be re-spliced. When nothing matches From, a declaration already renamed to To by an
// earlier run is accepted if it carries the hooks.
func (s *Splicer) locate(file *ast.File, d *ReplaceDirective) *ast.FuncDecl {
	renamed := d.renamed()
	var previous, matched, renamedMatch *ast.FuncDecl
	astutil.Apply(file, func(c *astutil.Cursor) bool {
		switch n := c.Node().(type) {
		case *ast.File:
			return true
		case *ast.FuncDecl:
			if n == s.targets[d] {
				previous = n
			} else if matched == nil && d.Matches(n) {
				matched = n
			} else if renamedMatch == nil && renamed != nil && renamed.Matches(n) &&
				isSpliced(n, d.Injection.Builder().Accessor()) {
				renamedMatch = n
			}
		}
		return false // declarations are only found at the top level
	}, nil)
	if previous != nil {
		return previous
	} else if matched != nil {
		return matched
	}
	return renamedMatch
}

// accessorRoot returns the identifier the accessor expression starts with, the package name of a qualified
// accessor.
func accessorRoot(accessor string) string {
	root, _, _ := strings.Cut(accessor, ".")
	return strings.TrimSpace(root)
}

// shadowingName returns the receiver, parameter or result name of decl that hides the accessor within the
// body, or "" if there is none.
func shadowingName(decl *ast.FuncDecl, accessor string) string {
	root := accessorRoot(accessor)
	for _, fields := range []*ast.FieldList{decl.Recv, decl.Type.Params, decl.Type.Results} {
		if fields == nil {
			continue
		}
		for _, field := range fields.List {
			for _, name := range field.Names {
				if name.Name == root {
					return name.Name
				}
			}
		}
	}
	return ""
}

// importNameTaken reports if the file imports a package other than ImportPath under name.
func importNameTaken(file *ast.File, name string) bool {
	for _, spec := range file.Imports {
		importPath, err := strconv.Unquote(spec.Path.Value)
		if err != nil || importPath == ImportPath {
			continue
		}
		local := path.Base(importPath)
		if spec.Name != nil {
			local = spec.Name.Name
		}
		if local == name {
			return true
		}
	}
	return false
}

// buildSplicedBody assembles before hooks, the deferred after hooks, then the original statements.
func buildSplicedBody(decl *ast.FuncDecl, site *spliceSite) []ast.Stmt {
	args := forwardedArgs(decl)
	var before, after []ast.Stmt
	for _, inj := range site.injections {
		before = append(before, spliceCopies(inj.MaterializeBefore(args))...)
		after = append(after, spliceCopies(inj.MaterializeAfter(args))...)
	}

	body := make([]ast.Stmt, 0, len(before)+1+len(site.original))
	body = append(body, before...)
	if len(after) > 0 {
		body = append(body, &ast.DeferStmt{
			Call: &ast.CallExpr{
				Fun: &ast.FuncLit{
					Type: &ast.FuncType{Params: &ast.FieldList{}},
					Body: &ast.BlockStmt{List: after},
				},
			},
		})
	}
	return append(body, site.original...)
}

// spliceCopies copies the call and argument list of each materialized statement. The shared hook statements
// are rebound for the next site, each site keeps the arguments it was bound with.
func spliceCopies(stmts []ast.Stmt) []ast.Stmt {
	result := make([]ast.Stmt, len(stmts))
	for i, st := range stmts {
		call := st.(*ast.ExprStmt).X.(*ast.CallExpr)
		result[i] = &ast.ExprStmt{X: &ast.CallExpr{
			Fun:  call.Fun,
			Args: slices.Clone(call.Args),
		}}
	}
	return result
}

// forwardedArgs returns the parameters of decl as fresh identifiers. Unnamed and blank parameters are given
// synthetic names so they can be forwarded, variadic parameters are forwarded as their slice value.
func forwardedArgs(decl *ast.FuncDecl) []ast.Expr {
	if decl.Type.Params == nil {
		return nil
	}
	var args []ast.Expr
	for _, field := range decl.Type.Params.List {
		if len(field.Names) == 0 {
			field.Names = []*ast.Ident{ast.NewIdent(syntheticBlankIdentifier)}
		}
		for i, name := range field.Names {
			if name.Name == syntheticBlankIdentifier {
				field.Names[i] = ast.NewIdent(syntheticArgNamePrefix + strconv.Itoa(len(args)))
			}
			args = append(args, ast.NewIdent(field.Names[i].Name))
		}
	}
	return args
}

func hasSpliceMarker(decl *ast.FuncDecl) bool {
	if decl.Doc == nil {
		return false
	}
	for _, c := range decl.Doc.List {
		if strings.Contains(c.Text, spliceMarker) {
			return true
		}
	}
	return false
}

// isSpliced reports if the declaration carries hooks from an earlier run. The marker comment may not survive
// formatting when the declaration directly follows other code, so the body is also checked for hook calls.
func isSpliced(decl *ast.FuncDecl, accessor string) bool {
	if hasSpliceMarker(decl) {
		return true
	} else if decl.Body == nil || len(decl.Body.List) == 0 {
		return false
	}
	switch st := decl.Body.List[0].(type) {
	case *ast.ExprStmt:
		return isHookCall(st, accessor)
	case *ast.DeferStmt:
		lit, ok := st.Call.Fun.(*ast.FuncLit)
		return ok && len(st.Call.Args) == 0 && len(lit.Body.List) > 0 && isHookCall(lit.Body.List[0], accessor)
	}
	return false
}

func isHookCall(stmt ast.Stmt, accessor string) bool {
	es, ok := stmt.(*ast.ExprStmt)
	if !ok {
		return false
	}
	call, ok := es.X.(*ast.CallExpr)
	if !ok {
		return false
	}
	target, ok := call.Fun.(*ast.CallExpr)
	if !ok || len(target.Args) != 1 {
		return false
	} else if lit, ok := target.Args[0].(*ast.BasicLit); !ok || lit.Kind != token.INT {
		return false
	}
	return types.ExprString(target.Fun) == accessor
}

// markSpliced adds the splice marker as the first line of the declaration doc. A new doc group must also be
// registered in the file comments, the printer only emits comments listed there.
func markSpliced(file *ast.File, decl *ast.FuncDecl) {
	if hasSpliceMarker(decl) {
		return
	}
	comment := &ast.Comment{Text: "//" + spliceMarker}
	if decl.Doc != nil {
		if decl.Doc.Pos().IsValid() {
			comment.Slash = decl.Doc.Pos() - 1
		}
		decl.Doc.List = slices.Insert(decl.Doc.List, 0, comment)
		return
	}
	if decl.Pos().IsValid() {
		comment.Slash = decl.Pos() - 1
	}
	decl.Doc = &ast.CommentGroup{List: []*ast.Comment{comment}}
	i, _ := slices.BinarySearchFunc(file.Comments, decl.Doc.Pos(), func(g *ast.CommentGroup, p token.Pos) int {
		return cmp.Compare(g.Pos(), p)
	})
	file.Comments = slices.Insert(file.Comments, i, decl.Doc)
}
