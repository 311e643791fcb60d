package blpp

import "slices"

// macroKeywords are the builtin keywords accepted inside a macro body.
// All but #!line require the enclosing macro to be variadic.
var macroKeywords = map[string]bool{
	"#!line":   false,
	"#!vargc":  true,
	"#!vargs":  true,
	"#!vargsp": true,
}

// parser walks a token stream linearly, collecting macro definitions and
// ##use imports. It never backtracks past single lookahead.
type parser struct {
	tokens []*Token
	pos    int

	data         *DirectiveData
	sawBLCS      bool
	sawDirective bool
}

// ParseDirectives collects the macro definitions and file imports of a
// token stream and validates their structure. Non-directive tokens pass
// through untouched; they are the directive processor's concern.
//
// On error, the data collected so far is returned alongside the error so
// tools can still inspect a partial parse.
func ParseDirectives(tokens []*Token) (*DirectiveData, error) {
	p := &parser{
		tokens: tokens,
		data:   &DirectiveData{Macros: make(map[string]*Macro)},
	}
	if err := p.run(); err != nil {
		return p.data, err
	}
	return p.data, nil
}

func (p *parser) peek() *Token {
	if p.pos >= len(p.tokens) {
		return nil
	}
	return p.tokens[p.pos]
}

func (p *parser) next() *Token {
	t := p.peek()
	if t != nil {
		p.pos++
	}
	return t
}

func (p *parser) run() error {
	for {
		t := p.next()
		if t == nil {
			break
		}
		switch t.Type {
		case TokenDirective:
			first := !p.sawDirective
			p.sawDirective = true
			switch t.Value {
			case "##blcs":
				if err := p.parseBLCS(t, first); err != nil {
					return err
				}
			case "##define":
				if err := p.parseDefine(t); err != nil {
					return err
				}
			case "##use":
				if err := p.parseUse(t); err != nil {
					return err
				}
			default:
				return newError(ErrSyntax, t.Line, "unknown directive %q", t.Value)
			}

		case TokenMacro:
			// Invocations are resolved by the processor.

		default:
			if t.IsPreprocessor() {
				return newError(ErrUnexpectedToken, t.Line,
					"%q can only be used in a macro definition", t.Value)
			}
		}
	}
	if !p.sawBLCS {
		return newError(ErrSyntax, 1, "missing ##blcs directive")
	}
	return nil
}

// parseBLCS validates the file marker: it must be the first directive, must
// appear exactly once, and must be the last token on its line.
func (p *parser) parseBLCS(d *Token, first bool) error {
	if p.sawBLCS {
		return newError(ErrSyntax, d.Line, "duplicate ##blcs directive")
	}
	if !first {
		return newError(ErrSyntax, d.Line, "##blcs must be the first directive in the file")
	}
	if nxt := p.peek(); nxt != nil && nxt.Line == d.Line {
		return newError(ErrSyntax, d.Line, "##blcs must be alone on its line")
	}
	p.sawBLCS = true
	return nil
}

// parseUse consumes the quoted file path of a ##use directive. The path
// must share the directive's line, and nothing else may follow on it.
func (p *parser) parseUse(d *Token) error {
	t := p.next()
	if t == nil {
		return newError(ErrUnexpectedEndOfCode, d.Line, "expected file path after ##use")
	}
	if t.Type != TokenString {
		return newError(ErrUnexpectedToken, t.Line, "expected file path string after ##use, got %s", t.Type)
	}
	if t.Line != d.Line {
		return newError(ErrUnexpectedEndOfLine, d.Line, "##use file path must be on the same line")
	}
	if nxt := p.peek(); nxt != nil && nxt.Line == d.Line {
		return newError(ErrUnexpectedToken, nxt.Line, "unexpected %s after ##use file path", nxt.Type)
	}

	file := stripQuotes(t.Value)
	if !slices.Contains(p.data.Files, file) {
		p.data.Files = append(p.data.Files, file)
	}
	return nil
}

// parseDefine collects one macro definition: name, optional parameter
// list, and a single-line or #{ ... #} bracketed body.
func (p *parser) parseDefine(d *Token) error {
	name := p.next()
	if name == nil {
		return newError(ErrUnexpectedEndOfCode, d.Line, "expected macro name after ##define")
	}
	if name.Type != TokenIdentifier {
		return newError(ErrUnexpectedToken, name.Line, "expected macro name after ##define, got %s", name.Type)
	}
	if name.Line != d.Line {
		return newError(ErrUnexpectedEndOfLine, d.Line, "macro name must be on the same line as ##define")
	}
	if _, ok := p.data.Macros[name.Value]; ok {
		return newError(ErrMultipleDefinitions, d.Line, "macro %q is already defined", name.Value)
	}

	m := &Macro{
		Name:   name.Value,
		Line:   d.Line,
		Macros: make(map[string]bool),
	}

	if nxt := p.peek(); nxt != nil && nxt.Type == TokenParenLeft && nxt.Line == d.Line {
		if err := p.parseDefineArgs(m); err != nil {
			return err
		}
	}

	brackets := false
	if nxt := p.peek(); nxt != nil && nxt.Type == TokenDirectiveCurlyLeft {
		if nxt.Line != d.Line && nxt.Line != d.Line+1 {
			return newError(ErrSyntax, nxt.Line,
				"macro body bracket must be on the same line as the definition or the line below")
		}
		p.next()
		brackets = true
	}

	if err := p.parseDefineBody(m, d, brackets); err != nil {
		return err
	}
	if !brackets && len(m.Body) == 0 {
		return newError(ErrUnexpectedEndOfLine, d.Line, "macro %q has an empty body", m.Name)
	}
	if len(m.Body) > 0 {
		if m.Body[0].Type == TokenMacroConcat {
			return newError(ErrSyntax, m.Body[0].Line, "'#@' is missing a left operand")
		}
		if last := m.Body[len(m.Body)-1]; last.Type == TokenMacroConcat {
			return newError(ErrSyntax, last.Line, "'#@' is missing a right operand")
		}
		m.Body[0].WhitespaceBefore = ""
	}

	p.data.Macros[m.Name] = m
	return nil
}

// parseDefineArgs consumes a parameter list. Each parameter is an
// identifier or the "..." sentinel, followed by a comma or the closing
// paren; every token must stay on the line of the one before it.
func (p *parser) parseDefineArgs(m *Macro) error {
	prev := p.next() // opening paren
	for {
		arg := p.next()
		if arg == nil {
			return newError(ErrUnexpectedEndOfCode, prev.Line, "unterminated macro parameter list")
		}
		if arg.Type != TokenIdentifier && arg.Type != TokenMacroVarArgs {
			return newError(ErrUnexpectedToken, arg.Line, "expected macro parameter, got %s", arg.Type)
		}
		if arg.Line != prev.Line {
			return newError(ErrUnexpectedEndOfLine, prev.Line, "macro parameter list cannot span lines")
		}

		sep := p.next()
		if sep == nil {
			return newError(ErrUnexpectedEndOfCode, arg.Line, "unterminated macro parameter list")
		}
		if sep.Type != TokenComma && sep.Type != TokenParenRight {
			return newError(ErrUnexpectedToken, sep.Line, "expected ',' or ')' in macro parameter list, got %s", sep.Type)
		}
		if sep.Line != arg.Line {
			return newError(ErrUnexpectedEndOfLine, arg.Line, "macro parameter list cannot span lines")
		}

		m.Arguments = append(m.Arguments, arg.Value)
		if sep.Type == TokenParenRight {
			break
		}
		prev = sep
	}

	for i, a := range m.Arguments {
		if a == VarArgsSentinel && i != len(m.Arguments)-1 {
			return newError(ErrSyntax, m.Line, "variadic parameter must be last")
		}
	}
	m.IsVariadic = m.Arguments[len(m.Arguments)-1] == VarArgsSentinel
	return nil
}

// parseDefineBody collects body tokens. A bracketed body runs to the
// closing #}; a single-line body runs to the end of the declaration line.
func (p *parser) parseDefineBody(m *Macro, d *Token, brackets bool) error {
	for {
		t := p.peek()
		if brackets {
			if t == nil {
				return newError(ErrUnexpectedEndOfCode, d.Line, "unterminated body of macro %q", m.Name)
			}
			if t.Type == TokenDirectiveCurlyRight {
				p.next()
				return nil
			}
		} else if t == nil || t.Line != d.Line {
			return nil
		}
		p.next()
		if err := p.validateBodyToken(m, t); err != nil {
			return err
		}
		m.Body = append(m.Body, t)
	}
}

func (p *parser) validateBodyToken(m *Macro, t *Token) error {
	switch t.Type {
	case TokenMacro:
		if t.MacroName() == m.Name {
			return newError(ErrSyntax, t.Line, "macro %q cannot invoke itself", m.Name)
		}
		m.Macros[t.MacroName()] = true

	case TokenMacroParameter:
		if m.ArgumentIndex(t.ParameterName()) < 0 {
			return newError(ErrUndefinedMacroParameter, t.Line,
				"macro %q has no parameter %q", m.Name, t.ParameterName())
		}

	case TokenMacroKeyword:
		variadicOnly, ok := macroKeywords[t.Value]
		if !ok {
			return newError(ErrSyntax, t.Line, "unknown macro keyword %q", t.Value)
		}
		if variadicOnly && !m.IsVariadic {
			return newError(ErrSyntax, t.Line, "%q can only be used in a variadic macro", t.Value)
		}

	case TokenDirective, TokenDirectiveCurlyLeft, TokenDirectiveCurlyRight, TokenMacroVarArgs:
		return newError(ErrUnexpectedToken, t.Line, "%q cannot appear in a macro body", t.Value)
	}
	return nil
}

// stripQuotes removes the surrounding quote characters of a string lexeme.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		return s[1 : len(s)-1]
	}
	return s
}
