package blpp

import "strings"

// Banner comments framing every generated file.
const (
	topComment    = "// Generated by BLPP. DO NOT EDIT; edit the .blcs source instead."
	bottomComment = "// End of BLPP output."
)

// Emit reconstructs source text from a processed token stream. Between
// consecutive tokens it writes one newline per line-number step, then the
// token's own leading whitespace, then its value, so untouched tokens land
// on their original lines and columns.
func Emit(tokens []*Token) string {
	var b strings.Builder
	line := 1
	for _, t := range tokens {
		for n := t.Line - line; n > 0; n-- {
			b.WriteByte('\n')
		}
		b.WriteString(t.WhitespaceBefore)
		b.WriteString(t.Value)
		if t.Line > line {
			line = t.Line
		}
	}
	return b.String()
}
