package inject

import "go/ast"

// Rebind sets the argument list of every statement to args. Each list is cleared before appending so that a
// shorter args never leaves entries from a previous binding behind. args itself is not modified, and the
// same expression values are shared by every statement.
//
// Rebind mutates shared statement nodes without synchronization, callers must serialize it with any
// concurrent materialization or splice of the same statements.
func Rebind(statements []*HookStatement, args []ast.Expr) {
	for _, s := range statements {
		call := s.Call()
		call.Args = call.Args[:0]
	}
	for _, s := range statements {
		call := s.Call()
		call.Args = append(call.Args, args...)
	}
}
