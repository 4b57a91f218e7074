// Package validate implements the static validator for submitted tool
// source. It parses the source into a Starlark syntax tree, rejects any
// construct outside a closed allow-list, and classifies the tool's
// capability from the collaborator functions it references. Validation is
// pure and deterministic and never executes the submitted code.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/syntax"

	"github.com/haven-ai/toolforge/internal/tool"
)

// Error is a structured validation failure, safe to surface to the tool's
// author. Node names the offending syntax node kind ("parse" and "resolve"
// for errors raised before or after the tree walk).
type Error struct {
	Reason string
	Node   string
	Line   int32
	Col    int32
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%d:%d: %s", e.Line, e.Col, e.Reason)
	}
	return e.Reason
}

// Verdict is the successful outcome of validation.
type Verdict struct {
	// Entry is the name of the tool's single top-level function.
	Entry string
	// Params is the number of parameters after the capability context.
	Params int
	// Capability is read-write iff the source references a mutating
	// collaborator function.
	Capability tool.Capability
}

// FileOptions returns the Starlark dialect options shared by the validator
// and the sandbox worker. While loops and recursion are enabled: the
// governor, not the grammar, is what bounds non-terminating code.
func FileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:       false,
		While:     true,
		Recursion: true,
	}
}

// Validator checks tool source against a Ruleset.
type Validator struct {
	rules *Ruleset
}

// New creates a Validator. A nil ruleset uses DefaultRuleset.
func New(rules *Ruleset) *Validator {
	if rules == nil {
		rules = DefaultRuleset()
	}
	return &Validator{rules: rules}
}

// Validate parses and walks source. It returns a Verdict on success or a
// *Error naming the first disallowed construct. Identical source always
// yields an identical outcome.
func (v *Validator) Validate(source string) (*Verdict, error) {
	f, err := FileOptions().Parse("tool.star", source, 0)
	if err != nil {
		return nil, parseError(err)
	}

	entry, params, err := v.checkTopLevel(f)
	if err != nil {
		return nil, err
	}

	capability := tool.CapabilityReadOnly
	var walkErr *Error
	syntax.Walk(f, func(n syntax.Node) bool {
		if walkErr != nil || n == nil {
			return false
		}
		promoted, err := v.checkNode(n)
		if err != nil {
			walkErr = err
			return false
		}
		if promoted {
			capability = tool.CapabilityReadWrite
		}
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}

	// Resolve free identifiers against the restricted universe. Anything
	// else (os, open, eval, ...) is reported as undefined.
	isAllowed := func(name string) bool { return v.rules.Builtins[name] }
	if err := resolve.File(f, func(string) bool { return false }, isAllowed); err != nil {
		return nil, resolveError(err)
	}

	return &Verdict{Entry: entry, Params: params, Capability: capability}, nil
}

// checkTopLevel enforces the tool shape: exactly one top-level function
// definition whose first parameter is the capability context.
func (v *Validator) checkTopLevel(f *syntax.File) (entry string, params int, err error) {
	var def *syntax.DefStmt
	for _, stmt := range f.Stmts {
		d, ok := stmt.(*syntax.DefStmt)
		if !ok {
			return "", 0, nodeError(stmt, "only a single function definition is allowed at the top level")
		}
		if def != nil {
			return "", 0, nodeError(d, "tool source must define exactly one function")
		}
		def = d
	}
	if def == nil {
		return "", 0, &Error{Reason: "tool source must define a function", Node: "file"}
	}

	if len(def.Params) == 0 {
		return "", 0, nodeError(def, "the tool function must take the capability context as its first parameter")
	}
	for i, p := range def.Params {
		ident, ok := p.(*syntax.Ident)
		if !ok {
			return "", 0, nodeError(p, "parameter defaults, *args and **kwargs are not allowed")
		}
		if i == 0 && ident.Name != "ctx" {
			return "", 0, nodeError(p, "the first parameter must be named ctx")
		}
	}
	return def.Name.Name, len(def.Params) - 1, nil
}

// checkNode rejects any node kind outside the closed allow-list and
// inspects attribute accesses. It reports whether the node references a
// mutating collaborator function.
func (v *Validator) checkNode(n syntax.Node) (mutating bool, err *Error) {
	switch n := n.(type) {
	case *syntax.File,
		*syntax.DefStmt, *syntax.ReturnStmt, *syntax.ExprStmt,
		*syntax.IfStmt, *syntax.ForStmt, *syntax.WhileStmt, *syntax.BranchStmt,
		*syntax.Ident, *syntax.Literal,
		*syntax.ListExpr, *syntax.DictExpr, *syntax.DictEntry, *syntax.TupleExpr,
		*syntax.ParenExpr, *syntax.UnaryExpr, *syntax.BinaryExpr, *syntax.CondExpr,
		*syntax.CallExpr, *syntax.IndexExpr, *syntax.SliceExpr,
		*syntax.Comprehension, *syntax.ForClause, *syntax.IfClause,
		*syntax.LambdaExpr:
		return false, nil

	case *syntax.AssignStmt:
		// Rebinding the capability context would defeat the reference
		// checks below.
		var reject *Error
		syntax.Walk(n.LHS, func(lhs syntax.Node) bool {
			if ident, ok := lhs.(*syntax.Ident); ok && ident.Name == "ctx" {
				reject = nodeError(ident, "the capability context cannot be reassigned")
				return false
			}
			return true
		})
		return false, reject

	case *syntax.LoadStmt:
		return false, nodeError(n, "load statements (dynamic import) are not allowed")

	case *syntax.DotExpr:
		return v.checkDot(n)

	default:
		return false, nodeError(n, fmt.Sprintf("construct %s is not allowed", nodeKind(n)))
	}
}

// checkDot validates attribute access. Accesses on the capability context
// must name a known collaborator function; everything else must be an
// allow-listed value method. Reflective underscore names are rejected
// outright.
func (v *Validator) checkDot(n *syntax.DotExpr) (mutating bool, err *Error) {
	name := n.Name.Name
	if strings.HasPrefix(name, "_") {
		return false, nodeError(n, fmt.Sprintf("attribute %q exposes interpreter internals", name))
	}

	if ident, ok := n.X.(*syntax.Ident); ok && ident.Name == "ctx" {
		m, known := v.rules.Capabilities[name]
		if !known {
			return false, nodeError(n, fmt.Sprintf("ctx.%s is not a known collaborator function", name))
		}
		return m, nil
	}

	if !v.rules.Methods[name] {
		return false, nodeError(n, fmt.Sprintf("method %q is not allowed", name))
	}
	return false, nil
}

func nodeError(n syntax.Node, reason string) *Error {
	start, _ := n.Span()
	return &Error{
		Reason: reason,
		Node:   nodeKind(n),
		Line:   start.Line,
		Col:    start.Col,
	}
}

// nodeKind returns a stable lowercase name for a syntax node type,
// e.g. *syntax.LoadStmt -> "load_stmt".
func nodeKind(n syntax.Node) string {
	s := fmt.Sprintf("%T", n)
	s = strings.TrimPrefix(s, "*syntax.")
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseError(err error) *Error {
	var serr syntax.Error
	if errors.As(err, &serr) {
		return &Error{
			Reason: serr.Msg,
			Node:   "parse",
			Line:   serr.Pos.Line,
			Col:    serr.Pos.Col,
		}
	}
	return &Error{Reason: err.Error(), Node: "parse"}
}

func resolveError(err error) *Error {
	var list resolve.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		first := list[0]
		return &Error{
			Reason: first.Msg,
			Node:   "resolve",
			Line:   first.Pos.Line,
			Col:    first.Pos.Col,
		}
	}
	return &Error{Reason: err.Error(), Node: "resolve"}
}
