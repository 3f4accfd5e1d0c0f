package inject

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const spliceSource = `package p

import "strings"

// foo returns a or the length of b.
func foo(a int, b string) int {
	if a > 0 {
		return a
	}
	return len(strings.TrimSpace(b))
}

func bar(c int) {
	_ = c
}

type T struct{ n int }

func (t *T) Add(delta int) int {
	t.n += delta
	return t.n
}

func noParams() {}

func unnamed(int, string) {}

func blank(_ int, s bool) {}

func variadic(prefix string, xs ...int) {}

func external(x int)
`

func parseSpliceSource(t *testing.T, src string) (*token.FileSet, *ast.File) {
	t.Helper()

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "p.go", src, parser.ParseComments)
	require.NoError(t, err)
	return fset, file
}

func formatFile(t *testing.T, fset *token.FileSet, file *ast.File) string {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, format.Node(&buf, fset, file))
	return buf.String()
}

func findDecl(file *ast.File, name string) *ast.FuncDecl {
	for _, d := range file.Decls {
		if fd, ok := d.(*ast.FuncDecl); ok && fd.Name.Name == name {
			return fd
		}
	}
	return nil
}

// hookCalls returns the rendered hook calls found within the node, in source order.
func hookCalls(t *testing.T, n ast.Node, accessor string) []string {
	t.Helper()

	var result []string
	ast.Inspect(n, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		} else if target, ok := call.Fun.(*ast.CallExpr); ok {
			if renderNode(t, target.Fun) == accessor {
				result = append(result, renderNode(t, call))
				return false
			}
		}
		return true
	})
	return result
}

func newTestInjection(accessor string) *Injection {
	return NewInjection(NewFragmentBuilder(NewRegistry(), accessor)).Before(noopHook).After(noopHook)
}

func TestSplicerApply(t *testing.T) {
	t.Parallel()

	t.Run("function_same_name", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		decl := findDecl(file, "foo")
		original := append([]ast.Stmt(nil), decl.Body.List...)

		inj := newTestInjection("").ReplaceFunction("foo", "foo")
		require.NoError(t, inj.Err())
		changed, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)
		assert.Equal(t, 1, changed)

		require.Len(t, decl.Body.List, len(original)+2)
		assert.Equal(t, "injectHookLookup(1)(a, b)", renderNode(t, decl.Body.List[0]))
		deferStmt, ok := decl.Body.List[1].(*ast.DeferStmt)
		require.True(t, ok)
		assert.Equal(t, []string{"injectHookLookup(2)(a, b)"}, hookCalls(t, deferStmt, ClientAccessor))
		for i, st := range original {
			assert.Same(t, st, decl.Body.List[i+2])
		}
		assert.Equal(t, "foo", decl.Name.Name)

		out := formatFile(t, fset, file)
		// gofmt moves directive style comments to the end of the doc
		assert.Contains(t, out, "// foo returns a or the length of b.\n")
		assert.Contains(t, out, "//inject:hooks\nfunc foo(a int, b string) int {")
		assert.Contains(t, out, "return len(strings.TrimSpace(b))")
		_, err = parser.ParseFile(token.NewFileSet(), "out.go", out, 0)
		require.NoError(t, err)
	})

	t.Run("after_hooks_deferred_on_every_return", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("foo", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)

		decl := findDecl(file, "foo")
		// the only statements ahead of the original body are the before hook and the defer registration
		var firstReturn int
		for i, st := range decl.Body.List {
			if _, ok := st.(*ast.DeferStmt); ok {
				assert.Less(t, i, 2)
			}
			if _, ok := st.(*ast.IfStmt); ok && firstReturn == 0 {
				firstReturn = i
			}
		}
		assert.Equal(t, 2, firstReturn)
	})

	t.Run("rename", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("bar", "barHooked")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)

		assert.Nil(t, findDecl(file, "bar"))
		assert.Contains(t, formatFile(t, fset, file), "//inject:hooks\nfunc barHooked(c int) {")
		decl := findDecl(file, "barHooked")
		require.NotNil(t, decl)
		assert.Equal(t, []string{"injectHookLookup(1)(c)", "injectHookLookup(2)(c)"}, hookCalls(t, decl, ClientAccessor))
	})

	t.Run("method", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceMethod("T.Add", "")
		changed, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)
		assert.Equal(t, 1, changed)

		decl := findDecl(file, "Add")
		require.NotNil(t, decl)
		assert.Equal(t, []string{"injectHookLookup(1)(delta)", "injectHookLookup(2)(delta)"}, hookCalls(t, decl, ClientAccessor))
	})

	t.Run("no_params", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("noParams", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)

		decl := findDecl(file, "noParams")
		assert.Equal(t, []string{"injectHookLookup(1)()", "injectHookLookup(2)()"}, hookCalls(t, decl, ClientAccessor))
	})

	t.Run("synthetic_args", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("unnamed", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)

		decl := findDecl(file, "unnamed")
		assert.Equal(t, "func(injectSyntheticArg0 int, injectSyntheticArg1 string)", renderNode(t, decl.Type))
		assert.Equal(t, []string{
			"injectHookLookup(1)(injectSyntheticArg0, injectSyntheticArg1)",
			"injectHookLookup(2)(injectSyntheticArg0, injectSyntheticArg1)",
		}, hookCalls(t, decl, ClientAccessor))
		_, err = parser.ParseFile(token.NewFileSet(), "out.go", formatFile(t, fset, file), 0)
		require.NoError(t, err)
	})

	t.Run("synthetic_blank_args", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("blank", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)

		decl := findDecl(file, "blank")
		assert.Equal(t, "func(injectSyntheticArg0 int, s bool)", renderNode(t, decl.Type))
		assert.Equal(t, []string{
			"injectHookLookup(1)(injectSyntheticArg0, s)",
			"injectHookLookup(2)(injectSyntheticArg0, s)",
		}, hookCalls(t, decl, ClientAccessor))
	})

	t.Run("variadic", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("variadic", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)

		decl := findDecl(file, "variadic")
		assert.Equal(t, []string{"injectHookLookup(1)(prefix, xs)", "injectHookLookup(2)(prefix, xs)"}, hookCalls(t, decl, ClientAccessor))
	})

	t.Run("before_only", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := NewInjection(NewFragmentBuilder(NewRegistry(), "")).Before(noopHook).ReplaceFunction("bar", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)

		decl := findDecl(file, "bar")
		require.Len(t, decl.Body.List, 2)
		for _, st := range decl.Body.List {
			_, isDefer := st.(*ast.DeferStmt)
			assert.False(t, isDefer)
		}
	})

	t.Run("shared_injection_keeps_site_args", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("foo", "").ReplaceFunction("bar", "")
		changed, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)
		assert.Equal(t, 2, changed)

		assert.Equal(t, []string{"injectHookLookup(1)(a, b)", "injectHookLookup(2)(a, b)"}, hookCalls(t, findDecl(file, "foo"), ClientAccessor))
		assert.Equal(t, []string{"injectHookLookup(1)(c)", "injectHookLookup(2)(c)"}, hookCalls(t, findDecl(file, "bar"), ClientAccessor))
	})

	t.Run("multiple_injections_one_site", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		b := NewFragmentBuilder(NewRegistry(), "")
		inj1 := NewInjection(b).Before(noopHook).After(noopHook).ReplaceFunction("bar", "")
		inj2 := NewInjection(b).Before(noopHook).After(noopHook).ReplaceFunction("bar", "")
		s := NewSplicer()
		_, err := s.Apply(fset, file, inj1.Directives()...)
		require.NoError(t, err)
		_, err = s.Apply(fset, file, inj2.Directives()...)
		require.NoError(t, err)

		decl := findDecl(file, "bar")
		assert.Equal(t, []string{
			"injectHookLookup(1)(c)", "injectHookLookup(3)(c)",
			"injectHookLookup(2)(c)", "injectHookLookup(4)(c)",
		}, hookCalls(t, decl, ClientAccessor))
		assert.Len(t, decl.Body.List, 4)
	})

	t.Run("in_process_import", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := NewInjection(NewFragmentBuilder(DefaultRegistry(), InProcessAccessor))
		before, err := inj.DeclareBefore(noopHook)
		require.NoError(t, err)
		after, err := inj.DeclareAfter(noopHook)
		require.NoError(t, err)
		_, err = NewSplicer().Apply(fset, file, inj.ReplaceFunction("bar", "").Directives()...)
		require.NoError(t, err)

		assert.Equal(t, []string{
			fmt.Sprintf("inject.Lookup(%d)(c)", before.Handle),
			fmt.Sprintf("inject.Lookup(%d)(c)", after.Handle),
		}, hookCalls(t, findDecl(file, "bar"), InProcessAccessor))
		var imports []string
		for _, spec := range file.Imports {
			imports = append(imports, spec.Path.Value)
		}
		assert.Contains(t, imports, `"`+ImportPath+`"`)
		assert.Contains(t, imports, `"strings"`)
	})

	t.Run("client_no_import", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("bar", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)
		assert.Len(t, file.Imports, 1)
	})
}

func TestSplicerApplyErrors(t *testing.T) {
	t.Parallel()

	t.Run("target_not_found", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("missing", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.ErrorIs(t, err, ErrTargetNotFound)
		assert.False(t, IsNormalInjectError(err))
	})

	t.Run("method_as_function", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("Add", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.ErrorIs(t, err, ErrTargetNotFound)
	})

	t.Run("no_body", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("external", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.ErrorIs(t, err, ErrNoFunctionBody)
		assert.True(t, IsNormalInjectError(err))
	})

	t.Run("injection_error", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("a)(b").ReplaceFunction("bar", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.ErrorIs(t, err, ErrSyntax)
		assert.Len(t, findDecl(file, "bar").Body.List, 1)
	})

	t.Run("parameter_shadows_package", func(t *testing.T) {
		fset, file := parseSpliceSource(t, "package p\n\nfunc use(inject string) {}\n")
		inj := NewInjection(NewFragmentBuilder(DefaultRegistry(), InProcessAccessor)).
			Before(noopHook).ReplaceFunction("use", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.ErrorIs(t, err, ErrAccessorShadowed)
		assert.Empty(t, findDecl(file, "use").Body.List)
		assert.Empty(t, file.Imports)
	})

	t.Run("result_shadows_client", func(t *testing.T) {
		fset, file := parseSpliceSource(t, "package p\n\nfunc use() (injectHookLookup int) { return }\n")
		inj := newTestInjection("").ReplaceFunction("use", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.ErrorIs(t, err, ErrAccessorShadowed)
	})

	t.Run("import_name_taken", func(t *testing.T) {
		fset, file := parseSpliceSource(t, "package p\n\nimport inject \"example.com/other\"\n\nvar _ = inject.X\n\nfunc use(a int) {}\n")
		inj := NewInjection(NewFragmentBuilder(DefaultRegistry(), InProcessAccessor)).
			Before(noopHook).ReplaceFunction("use", "")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.ErrorIs(t, err, ErrAccessorShadowed)
	})

	t.Run("missing_injection", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		_, err := NewSplicer().Apply(fset, file, &ReplaceDirective{Kind: SelectorFunction, From: "bar", To: "bar"})
		require.Error(t, err)
	})
}

func TestSplicerIdempotent(t *testing.T) {
	t.Parallel()

	t.Run("same_splicer", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("foo", "")
		s := NewSplicer()
		_, err := s.Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)
		first := formatFile(t, fset, file)

		_, err = s.Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)
		assert.Equal(t, first, formatFile(t, fset, file))
		assert.Len(t, hookCalls(t, findDecl(file, "foo"), ClientAccessor), 2)
		assert.Equal(t, 1, strings.Count(first, "//inject:hooks"))
	})

	t.Run("same_splicer_after_rename", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("bar", "barHooked")
		s := NewSplicer()
		_, err := s.Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)
		changed, err := s.Apply(fset, file, inj.Directives()...)
		require.NoError(t, err)
		assert.Equal(t, 1, changed)
		assert.Len(t, hookCalls(t, findDecl(file, "barHooked"), ClientAccessor), 2)
	})

	t.Run("reparsed_source", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		_, err := NewSplicer().Apply(fset, file, newTestInjection("").ReplaceFunction("foo", "").Directives()...)
		require.NoError(t, err)
		spliced := formatFile(t, fset, file)

		fset, file = parseSpliceSource(t, spliced)
		changed, err := NewSplicer().Apply(fset, file, newTestInjection("").ReplaceFunction("foo", "").Directives()...)
		require.NoError(t, err)
		assert.Zero(t, changed)
		assert.Equal(t, spliced, formatFile(t, fset, file))
	})

	t.Run("reparsed_renamed", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		directives := func() []*ReplaceDirective {
			return newTestInjection("").ReplaceFunction("bar", "barHooked").ReplaceMethod("T.Add", "AddHooked").Directives()
		}
		changed, err := NewSplicer().Apply(fset, file, directives()...)
		require.NoError(t, err)
		require.Equal(t, 2, changed)
		spliced := formatFile(t, fset, file)

		fset, file = parseSpliceSource(t, spliced)
		changed, err = NewSplicer().Apply(fset, file, directives()...)
		require.NoError(t, err)
		assert.Zero(t, changed)
		assert.Equal(t, spliced, formatFile(t, fset, file))
	})

	t.Run("renamed_target_not_spliced", func(t *testing.T) {
		fset, file := parseSpliceSource(t, spliceSource)
		inj := newTestInjection("").ReplaceFunction("missing", "bar")
		_, err := NewSplicer().Apply(fset, file, inj.Directives()...)
		require.ErrorIs(t, err, ErrTargetNotFound)
		assert.Empty(t, hookCalls(t, findDecl(file, "bar"), ClientAccessor))
	})
}
