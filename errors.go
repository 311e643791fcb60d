package blpp

import (
	"errors"
	"fmt"
)

// ErrorKind classifies preprocessor failures.
type ErrorKind int

const (
	// ErrSyntax is the structural catch-all: a missing or duplicated
	// ##blcs, a misplaced variadic parameter, a macro invoking itself,
	// a dangling '#@', an unknown directive or macro keyword.
	ErrSyntax ErrorKind = iota

	// ErrUnexpectedToken reports a token that cannot appear where it was
	// found, including preprocessor tokens outside a macro definition.
	ErrUnexpectedToken

	// ErrUnexpectedEndOfLine reports a construct cut short by a line break:
	// a newline inside a string literal, or a macro definition whose
	// single-line body is empty.
	ErrUnexpectedEndOfLine

	// ErrUnexpectedEndOfCode reports input that ended mid-construct, such
	// as an unterminated macro body or argument list.
	ErrUnexpectedEndOfCode

	// ErrUnterminatedString reports a string literal still open when the
	// input ended.
	ErrUnterminatedString

	// ErrUnterminatedComment reports a block comment still open when the
	// input ended.
	ErrUnterminatedComment

	// ErrUndefinedMacro reports an invocation of a macro that is not in
	// the merged macro table.
	ErrUndefinedMacro

	// ErrUndefinedMacroParameter reports a #%name reference to a parameter
	// the macro does not declare.
	ErrUndefinedMacroParameter

	// ErrMultipleDefinitions reports a macro name defined more than once
	// across all processed files.
	ErrMultipleDefinitions

	// ErrInfiniteRecursion reports a cycle in the macro reference graph.
	// The message carries the cycle path, e.g. 'A' -> 'B'.
	ErrInfiniteRecursion

	// ErrFileExtension reports a source path without the configured
	// extension.
	ErrFileExtension

	// ErrFileNotFound reports a missing source file.
	ErrFileNotFound
)

var errorKindNames = map[ErrorKind]string{
	ErrSyntax:                  "syntax error",
	ErrUnexpectedToken:         "unexpected token",
	ErrUnexpectedEndOfLine:     "unexpected end of line",
	ErrUnexpectedEndOfCode:     "unexpected end of code",
	ErrUnterminatedString:      "unterminated string",
	ErrUnterminatedComment:     "unterminated comment",
	ErrUndefinedMacro:          "undefined macro",
	ErrUndefinedMacroParameter: "undefined macro parameter",
	ErrMultipleDefinitions:     "multiple definitions",
	ErrInfiniteRecursion:       "infinite macro recursion",
	ErrFileExtension:           "bad file extension",
	ErrFileNotFound:            "file not found",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a preprocessor failure with a source line. Every error aborts
// the current top-level job; nothing is recovered or retried.
type Error struct {
	Kind    ErrorKind
	Line    int // 1-based; 0 when no single line applies
	Message string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%d: %s", e.Line, e.Message)
	}
	return e.Message
}

func newError(kind ErrorKind, line int, format string, args ...any) *Error {
	return &Error{Kind: kind, Line: line, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// FileError wraps an error with the origin path of the file being
// preprocessed when it occurred.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	var pe *Error
	if errors.As(e.Err, &pe) && pe.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, pe.Line, pe.Message)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
