package dialect

import (
	"fmt"
	"strings"
)

// TextCompiler is the built-in Compiler: it binds named parameters of the
// form :name in SQL text, rewrites them to the target's placeholders, and
// detects bulk parameter shapes. Structured clauses (Compilable) render
// themselves and the compiler only does the binding.
type TextCompiler struct {
	target Target
}

// NewTextCompiler builds a compiler for the given target dialect.
func NewTextCompiler(t Target) *TextCompiler {
	return &TextCompiler{target: t}
}

// Compile implements Compiler.
func (c *TextCompiler) Compile(clause any, args []any) (*Statement, error) {
	named, positional, err := distillArgs(args)
	if err != nil {
		return nil, err
	}

	var sql string
	var order []string
	switch q := clause.(type) {
	case string:
		sql, order, err = rewriteNamed(q, c.target)
		if err != nil {
			return nil, err
		}
	case Compilable:
		sql, order, err = q.CompileSQL(c.target)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported clause type %T: want string or dialect.Compilable", clause)
	}

	stmt := &Statement{SQL: sql}
	if named != nil {
		for _, set := range named {
			binds, err := bindNamed(order, set)
			if err != nil {
				return nil, err
			}
			stmt.Binds = append(stmt.Binds, binds)
		}
		return stmt, nil
	}

	if len(order) > 0 {
		if len(positional) == 1 && len(positional[0]) == len(order) {
			// positional values in declaration order
			stmt.Binds = positional
			return stmt, nil
		}
		return nil, fmt.Errorf("statement has %d named parameters, give dialect.Params or matching positional values", len(order))
	}
	stmt.Binds = positional
	return stmt, nil
}

// distillArgs normalizes caller arguments into either named parameter sets
// or positional bind sets. A single []Params or [][]any argument with more
// than one element selects bulk mode.
func distillArgs(args []any) (named []Params, positional [][]any, err error) {
	if len(args) == 0 {
		return nil, [][]any{nil}, nil
	}
	if len(args) == 1 {
		switch v := args[0].(type) {
		case Params:
			return []Params{v}, nil, nil
		case map[string]any:
			return []Params{v}, nil, nil
		case []Params:
			if len(v) == 0 {
				return nil, nil, fmt.Errorf("empty parameter set list")
			}
			return v, nil, nil
		case [][]any:
			if len(v) == 0 {
				return nil, nil, fmt.Errorf("empty parameter set list")
			}
			return nil, v, nil
		}
	}
	for _, a := range args {
		if _, ok := a.(Params); ok {
			return nil, nil, fmt.Errorf("cannot mix dialect.Params with positional arguments")
		}
	}
	return nil, [][]any{args}, nil
}

func bindNamed(order []string, set Params) ([]any, error) {
	binds := make([]any, len(order))
	for i, name := range order {
		v, ok := set[name]
		if !ok {
			return nil, fmt.Errorf("missing value for parameter %q", name)
		}
		binds[i] = v
	}
	return binds, nil
}

// rewriteNamed scans SQL text for :name parameters outside string literals,
// replacing each with the target placeholder and recording names in bind
// order. Postgres ::type casts are left alone.
func rewriteNamed(sql string, t Target) (string, []string, error) {
	var b strings.Builder
	var order []string
	inString := false
	i := 0
	for i < len(sql) {
		ch := sql[i]
		if inString {
			b.WriteByte(ch)
			if ch == '\'' {
				inString = false
			}
			i++
			continue
		}
		switch {
		case ch == '\'':
			inString = true
			b.WriteByte(ch)
			i++
		case ch == ':' && i+1 < len(sql) && sql[i+1] == ':':
			b.WriteString("::")
			i += 2
		case ch == ':' && i+1 < len(sql) && isNameStart(sql[i+1]):
			j := i + 1
			for j < len(sql) && isNameChar(sql[j]) {
				j++
			}
			order = append(order, sql[i+1:j])
			b.WriteString(t.Placeholder(len(order)))
			i = j
		default:
			b.WriteByte(ch)
			i++
		}
	}
	return b.String(), order, nil
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
