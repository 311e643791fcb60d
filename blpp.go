// Package blpp preprocesses BLCS source into plain TorqueScript.
//
// BLCS is TorqueScript plus a small directive layer: ##define introduces
// macros, #name invokes them, and ##use imports the macros of another
// file. The preprocessor eliminates that layer. Non-directive tokens pass
// through verbatim — whitespace, column positions, and line breaks
// included — while macro invocations are replaced by their expansions and
// directive lines are stripped.
//
//	##blcs
//	##define greet(name) echo("hello, " #@ #%name);
//	#greet("world")
//
// becomes
//
//	echo("hello, world");
//
// on the invocation's line.
//
// # Directives
//
// A source file starts with ##blcs, alone on its line. Macro bodies are
// either the remainder of the ##define line or a #{ ... #} block starting
// on the definition line or the one below. Inside a body, #%name refers to
// a parameter, #@ concatenates adjacent tokens (merging string literals of
// matching quote), and the builtins #!line, #!vargc, #!vargs, and #!vargsp
// expand at the invocation site. A trailing "..." parameter makes a macro
// variadic.
//
// # Pipeline
//
// [Preprocessor.Run] drives the whole job: it reads the entry file,
// follows ##use imports breadth-first (paths resolve against the entry
// file's directory, regardless of which file imports them), merges every
// file's macros into one table — duplicate names are rejected — and then
// expands each parsed file against the merged table. The stages are also
// exported individually ([Tokenize], [ParseDirectives], [Process], [Emit])
// for tools that want only part of the pipeline.
//
// Every failure is fatal to the current job and carries the offending line
// ([Error]) and file ([FileError]). Nothing is retried; no partial output
// is produced.
package blpp

import (
	"io/fs"
	"path"
	"slices"
	"strings"
)

// DefaultExtension is the source extension Run requires unless overridden
// with WithExtension.
const DefaultExtension = ".blcs"

// OutputExtension is the extension of generated files.
const OutputExtension = ".cs"

// Preprocessor runs top-level preprocessing jobs over a filesystem. Each
// job is independent: the macro table, visited set, and token streams are
// job-local and discarded after emission.
type Preprocessor struct {
	fsys fs.FS
	ext  string
}

// Option configures a Preprocessor.
type Option func(*Preprocessor)

// WithExtension overrides the required source extension (including the
// leading dot).
func WithExtension(ext string) Option {
	return func(p *Preprocessor) { p.ext = ext }
}

// New creates a Preprocessor reading sources from fsys. Paths given to Run
// are fs.FS paths (slash-separated, relative to the filesystem root).
// Paths written in ##use directives are slash-separated and resolve
// against the entry file's directory.
func New(fsys fs.FS, opts ...Option) *Preprocessor {
	p := &Preprocessor{fsys: fsys, ext: DefaultExtension}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// File is one preprocessed source file.
type File struct {
	// Path is the input path within the preprocessor's filesystem.
	Path string

	// Tokens is the processed token stream; empty for files that contain
	// only directives.
	Tokens []*Token
}

// OutputPath returns the path the rendered file should be written to: the
// input path with its extension replaced by [OutputExtension].
func (f File) OutputPath() string {
	return strings.TrimSuffix(f.Path, path.Ext(f.Path)) + OutputExtension
}

// Render returns the file's output text: the reconstructed tokens framed
// by the generated-file banners. A file with no tokens renders to the
// empty string; callers decide whether to write such files at all.
func (f File) Render() string {
	if len(f.Tokens) == 0 {
		return ""
	}
	return topComment + "\n" + Emit(f.Tokens) + "\n\n" + bottomComment
}

type parsedFile struct {
	path   string
	tokens []*Token
}

// Run executes one top-level preprocessing job rooted at entry. It returns
// every file the job touched, in the order they were first reached, each
// with its fully expanded token stream.
//
// The work queue starts with entry. Each popped path must carry the
// configured extension and exist; it is then lexed and parsed, its ##use
// paths are enqueued — resolved against the entry file's directory, not
// the importing file's — and its macros are merged into the job table,
// rejecting duplicates. When the queue drains, every parsed file is
// expanded against the merged table.
func (p *Preprocessor) Run(entry string) ([]File, error) {
	baseDir := path.Dir(entry)

	queue := []string{path.Clean(entry)}
	visited := make(map[string]bool)
	merged := make(map[string]*Macro)
	var parsed []parsedFile

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}

		if path.Ext(name) != p.ext {
			return nil, &FileError{Path: name, Err: newError(ErrFileExtension, 0,
				"source files must have the %q extension", p.ext)}
		}
		if _, err := fs.Stat(p.fsys, name); err != nil {
			return nil, &FileError{Path: name, Err: newError(ErrFileNotFound, 0, "file not found")}
		}
		visited[name] = true

		text, err := fs.ReadFile(p.fsys, name)
		if err != nil {
			return nil, &FileError{Path: name, Err: err}
		}
		tokens, err := Tokenize(string(text))
		if err != nil {
			return nil, &FileError{Path: name, Err: err}
		}
		data, err := ParseDirectives(tokens)
		if err != nil {
			return nil, &FileError{Path: name, Err: err}
		}

		parsed = append(parsed, parsedFile{path: name, tokens: tokens})
		for _, file := range data.Files {
			queue = append(queue, path.Join(baseDir, file))
		}
		if err := mergeMacros(merged, data.Macros, name); err != nil {
			return nil, err
		}
	}

	files := make([]File, 0, len(parsed))
	for _, pf := range parsed {
		tokens, err := Process(pf.tokens, merged)
		if err != nil {
			return nil, &FileError{Path: pf.path, Err: err}
		}
		files = append(files, File{Path: pf.path, Tokens: tokens})
	}
	return files, nil
}

// mergeMacros folds one file's macros into the job table, in definition
// order, rejecting names the table already holds.
func mergeMacros(merged, macros map[string]*Macro, file string) error {
	defs := make([]*Macro, 0, len(macros))
	for _, m := range macros {
		defs = append(defs, m)
	}
	slices.SortFunc(defs, func(a, b *Macro) int { return a.Line - b.Line })

	for _, m := range defs {
		if _, ok := merged[m.Name]; ok {
			return &FileError{Path: file, Err: newError(ErrMultipleDefinitions, m.Line,
				"macro %q is already defined", m.Name)}
		}
		merged[m.Name] = m
	}
	return nil
}
