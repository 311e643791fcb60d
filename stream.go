package blpp

import "slices"

// tokenStream is a growable token vector with an explicit integer cursor.
// The directive processor rewrites the stream it is iterating: expansion
// removes an invocation, splices the materialized body in its place, and
// seeks back so freshly inserted tokens are examined on the next pass of
// the loop. Recursive expansion is cursor rewinding, never Go recursion.
type tokenStream struct {
	tokens []*Token
	pos    int
}

func newTokenStream(tokens []*Token) *tokenStream {
	return &tokenStream{tokens: tokens}
}

// end reports whether the cursor is past the last token.
func (s *tokenStream) end() bool {
	return s.pos >= len(s.tokens)
}

// peek returns the token at the given offset from the cursor, or nil when
// the offset is out of range. peek(0) is the token a read would return.
func (s *tokenStream) peek(offset int) *Token {
	i := s.pos + offset
	if i < 0 || i >= len(s.tokens) {
		return nil
	}
	return s.tokens[i]
}

// read returns the token under the cursor and advances past it, or nil at
// the end of the stream.
func (s *tokenStream) read() *Token {
	if s.end() {
		return nil
	}
	t := s.tokens[s.pos]
	s.pos++
	return t
}

// remove deletes count tokens starting at start. The cursor is not
// adjusted; callers seek explicitly after splicing.
func (s *tokenStream) remove(start, count int) {
	s.tokens = slices.Delete(s.tokens, start, start+count)
}

// insert splices tokens into the stream at start.
func (s *tokenStream) insert(start int, tokens []*Token) {
	s.tokens = slices.Insert(s.tokens, start, tokens...)
}

// seek moves the cursor to the given index.
func (s *tokenStream) seek(i int) {
	s.pos = i
}
