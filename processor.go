package blpp

import (
	"slices"
	"strconv"
	"strings"
)

// Process expands every macro invocation in the token stream against the
// given macro table, strips directive lines, and applies the #@
// concatenation operator. The returned slice is the processed stream; the
// input slice must not be reused afterwards.
//
// Processing runs in three passes. The first validates the macro table:
// every body reference must resolve and the reference graph must be
// acyclic. The second walks the stream, splicing macro bodies over their
// invocations (seeking back after each splice so nested invocations
// expand) and removing directive tokens. The third applies #@: adjacent
// string literals with matching quotes merge into one token; any other
// operand pair just loses the whitespace between them.
func Process(tokens []*Token, macros map[string]*Macro) ([]*Token, error) {
	if err := validateMacros(macros); err != nil {
		return nil, err
	}

	s := newTokenStream(tokens)
	for !s.end() {
		t := s.read()
		switch t.Type {
		case TokenMacro:
			if err := expandMacro(s, t, macros); err != nil {
				return nil, err
			}
		case TokenDirective:
			if err := stripDirective(s, t, macros); err != nil {
				return nil, err
			}
		}
	}

	concatenate(s)
	return s.tokens, nil
}

// sortedMacroNames returns the table's names ordered by definition line,
// then name, so validation reports the same error on every run.
func sortedMacroNames(macros map[string]*Macro) []string {
	names := make([]string, 0, len(macros))
	for name := range macros {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		if d := macros[a].Line - macros[b].Line; d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	return names
}

// validateMacros resolves every body reference against the merged table
// and rejects reference cycles before any expansion happens. Cross-file
// and forward references resolve here, which is why the parser only
// records names.
func validateMacros(macros map[string]*Macro) error {
	names := sortedMacroNames(macros)

	for _, name := range names {
		m := macros[name]
		for _, t := range m.Body {
			switch t.Type {
			case TokenMacro:
				target := t.MacroName()
				if target == m.Name {
					return newError(ErrSyntax, t.Line, "macro %q cannot invoke itself", m.Name)
				}
				if _, ok := macros[target]; !ok {
					return newError(ErrUndefinedMacro, t.Line, "undefined macro %q", target)
				}
			case TokenMacroParameter:
				if m.ArgumentIndex(t.ParameterName()) < 0 {
					return newError(ErrUndefinedMacroParameter, t.Line,
						"macro %q has no parameter %q", m.Name, t.ParameterName())
				}
			}
		}
	}

	visited := make(map[string]bool)
	for _, name := range names {
		if err := findRecursion(macros, name, visited, []string{name}); err != nil {
			return err
		}
	}
	return nil
}

// findRecursion walks the reference graph depth-first. A name already on
// the current path is a cycle; a name merely finished by an earlier walk
// is not, so acyclic diamonds expand. path always ends with name.
func findRecursion(macros map[string]*Macro, name string, visited map[string]bool, path []string) error {
	if visited[name] {
		return nil
	}
	visited[name] = true

	m := macros[name]
	refs := make([]string, 0, len(m.Macros))
	for ref := range m.Macros {
		refs = append(refs, ref)
	}
	slices.Sort(refs)

	for _, ref := range refs {
		if slices.Contains(path, ref) {
			return newError(ErrInfiniteRecursion, macros[path[0]].Line,
				"infinite macro recursion detected: %s", renderCycle(path))
		}
		if err := findRecursion(macros, ref, visited, append(path, ref)); err != nil {
			return err
		}
	}
	return nil
}

func renderCycle(path []string) string {
	var b strings.Builder
	for i, name := range path {
		if i > 0 {
			b.WriteString(" -> ")
		}
		b.WriteByte('\'')
		b.WriteString(name)
		b.WriteByte('\'')
	}
	return b.String()
}

// expandMacro replaces an invocation (and its argument list) with the
// macro's materialized body, then seeks back to the splice point so the
// inserted tokens are examined in turn. The reference graph is already
// proven acyclic, so the rewind terminates.
func expandMacro(s *tokenStream, t *Token, macros map[string]*Macro) error {
	start := s.pos - 1
	m, ok := macros[t.MacroName()]
	if !ok {
		return newError(ErrUndefinedMacro, t.Line, "undefined macro %q", t.MacroName())
	}

	args, err := collectArguments(s, m, t.Line)
	if err != nil {
		return err
	}
	body, err := materializeBody(m, args, t.Line)
	if err != nil {
		return err
	}

	s.remove(start, s.pos-start)
	s.insert(start, body)
	s.seek(start)
	return nil
}

// collectArguments consumes a parenthesized argument list following an
// invocation. Arguments are token groups split on commas at nesting depth
// one; commas inside nested parentheses never split. Tokens are copied
// with their line rebound to the invocation line.
func collectArguments(s *tokenStream, m *Macro, line int) ([][]*Token, error) {
	if len(m.Arguments) == 0 {
		return nil, nil
	}

	if nxt := s.peek(0); nxt == nil || nxt.Type != TokenParenLeft {
		if m.FixedArgumentCount() > 0 {
			return nil, newError(ErrSyntax, line, "not enough arguments for macro %q", m.Name)
		}
		return nil, nil
	}
	s.read() // opening paren

	var args [][]*Token
	depth := 1
	argIndex := 0
	for depth > 0 {
		t := s.peek(0)
		if t == nil {
			return nil, newError(ErrUnexpectedEndOfCode, line, "unterminated argument list for macro %q", m.Name)
		}
		switch t.Type {
		case TokenParenLeft:
			depth++
		case TokenParenRight:
			depth--
		}
		if depth == 0 {
			break
		}
		s.read()
		if depth == 1 && t.Type == TokenComma {
			argIndex++
			continue
		}
		for len(args) <= argIndex {
			args = append(args, nil)
		}
		args[argIndex] = append(args[argIndex], t.Clone(line))
	}
	s.read() // closing paren

	if len(args) < m.FixedArgumentCount() {
		return nil, newError(ErrSyntax, line, "not enough arguments for macro %q", m.Name)
	}
	if len(args) > m.FixedArgumentCount() && !m.IsVariadic {
		return nil, newError(ErrSyntax, line, "too many arguments for macro %q", m.Name)
	}
	return args, nil
}

// materializeBody instantiates a macro body for one invocation: parameter
// references substitute their argument tokens, builtin keywords expand,
// and everything is rebound to the invocation line.
func materializeBody(m *Macro, args [][]*Token, line int) ([]*Token, error) {
	var out []*Token
	for _, t := range m.Body {
		switch t.Type {
		case TokenMacroParameter:
			idx := m.ArgumentIndex(t.ParameterName())
			if idx < 0 || idx >= len(args) {
				continue
			}
			for _, at := range args[idx] {
				out = append(out, at.Clone(line))
			}

		case TokenMacroKeyword:
			expanded, err := expandKeyword(m, t, args, line)
			if err != nil {
				return nil, err
			}
			out = append(out, expanded...)

		case TokenDirective, TokenDirectiveCurlyLeft, TokenDirectiveCurlyRight, TokenMacroVarArgs:
			return nil, newError(ErrUnexpectedToken, t.Line, "%q cannot appear in a macro body", t.Value)

		default:
			out = append(out, t.Clone(line))
		}
	}
	return out, nil
}

// expandKeyword materializes one builtin keyword.
//
// #!vargc expands to fixedArgumentCount - len(args): zero or negative,
// with one negative step per extra variadic argument. The sign convention
// is deliberate and long-standing; consumers negate it.
func expandKeyword(m *Macro, t *Token, args [][]*Token, line int) ([]*Token, error) {
	switch t.Value {
	case "#!line":
		return []*Token{{
			Type:             TokenNumber,
			Value:            strconv.Itoa(line),
			Line:             line,
			WhitespaceBefore: t.WhitespaceBefore,
		}}, nil

	case "#!vargc":
		return []*Token{{
			Type:             TokenNumber,
			Value:            strconv.Itoa(m.FixedArgumentCount() - len(args)),
			Line:             line,
			WhitespaceBefore: t.WhitespaceBefore,
		}}, nil

	case "#!vargs", "#!vargsp":
		return expandVarArgs(m, t, args, line), nil
	}
	return nil, newError(ErrSyntax, t.Line, "unknown macro keyword %q", t.Value)
}

// expandVarArgs splices the extra variadic arguments back into the body,
// comma-separated. #!vargsp additionally prepends a comma so the list can
// extend an existing argument list in place.
func expandVarArgs(m *Macro, t *Token, args [][]*Token, line int) []*Token {
	fixed := m.FixedArgumentCount()
	if len(args) <= fixed {
		return nil
	}
	prepend := t.Value == "#!vargsp"

	var out []*Token
	if prepend {
		out = append(out, &Token{
			Type:             TokenComma,
			Value:            ",",
			Line:             line,
			WhitespaceBefore: t.WhitespaceBefore,
		})
	}
	for i := fixed; i < len(args); i++ {
		if i > fixed {
			out = append(out, &Token{Type: TokenComma, Value: ",", Line: line})
		}
		for j, at := range args[i] {
			c := at.Clone(line)
			if i == fixed && j == 0 {
				// The first spliced token takes over the keyword's spot.
				if prepend {
					c.WhitespaceBefore = " "
				} else {
					c.WhitespaceBefore = t.WhitespaceBefore
				}
			}
			out = append(out, c)
		}
	}
	return out
}

// stripDirective removes a directive and everything that lexically belongs
// to it, then seeks back to the removal point.
func stripDirective(s *tokenStream, d *Token, macros map[string]*Macro) error {
	start := s.pos - 1

	switch d.Value {
	case "##blcs":
		// Nothing follows the marker.

	case "##use":
		s.read() // file path string

	case "##define":
		name := s.read()
		if name == nil {
			return newError(ErrUnexpectedEndOfCode, d.Line, "expected macro name after ##define")
		}
		m, ok := macros[name.Value]
		if !ok {
			return newError(ErrUndefinedMacro, name.Line, "undefined macro %q", name.Value)
		}
		if len(m.Arguments) > 0 {
			for {
				t := s.read()
				if t == nil {
					return newError(ErrUnexpectedEndOfCode, d.Line, "unterminated parameter list of macro %q", m.Name)
				}
				if t.Type == TokenParenRight {
					break
				}
			}
		}
		if nxt := s.peek(0); nxt != nil && nxt.Type == TokenDirectiveCurlyLeft {
			for {
				t := s.read()
				if t == nil {
					return newError(ErrUnexpectedEndOfCode, d.Line, "unterminated body of macro %q", m.Name)
				}
				if t.Type == TokenDirectiveCurlyRight {
					break
				}
			}
		} else {
			for nxt := s.peek(0); nxt != nil && nxt.Line == d.Line; nxt = s.peek(0) {
				s.read()
			}
		}

	default:
		return newError(ErrSyntax, d.Line, "unknown directive %q", d.Value)
	}

	s.remove(start, s.pos-start)
	s.seek(start)
	return nil
}

// concatenate applies the #@ operator over the expanded stream. Two string
// operands with the same quote character merge into a single literal; any
// other pair is simply pulled flush together by clearing the right
// operand's leading whitespace.
func concatenate(s *tokenStream) {
	s.seek(0)
	for !s.end() {
		t := s.read()
		if t.Type != TokenMacroConcat {
			continue
		}

		left := s.peek(-2)
		right := s.peek(0)
		if left != nil && right != nil &&
			left.Type == TokenString && right.Type == TokenString &&
			left.Value[0] == right.Value[0] {
			quote := string(left.Value[0])
			left.Value = quote + stripQuotes(left.Value) + stripQuotes(right.Value) + quote
			s.remove(s.pos-1, 2)
			s.seek(s.pos - 1)
			continue
		}

		if right != nil {
			right.WhitespaceBefore = ""
		}
		s.remove(s.pos-1, 1)
		s.seek(s.pos - 1)
	}
}
