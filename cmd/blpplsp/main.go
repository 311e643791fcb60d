/*
Command blpplsp is the Language Server Protocol (LSP) server for BLCS files.

# Installation

To install the latest version of blpplsp, run:

	go install github.com/Elletra/BLPP/cmd/blpplsp@latest

# Supported Features

blpplsp supports the following LSP features:

  - Diagnostics: lexical and directive-structure errors
  - Hover: macro signatures at definition and invocation sites
  - Go to Definition: navigate from #name invocations to their ##define
  - Find References: locate all invocations of a macro
  - Semantic Tokens: highlighting for directives, macro invocations,
    parameters, builtin keywords, strings, numbers, and // line comments
    (block comments are not highlighted)

# Editor Setup

blpplsp communicates over stdin/stdout using the LSP protocol. Configure
your editor to run blpplsp as the language server for .blcs files, for
example with nvim-lspconfig:

	vim.api.nvim_create_autocmd({'BufRead', 'BufNewFile'}, {
		pattern = '*.blcs',
		callback = function()
			vim.lsp.start({
				name = 'blpplsp',
				cmd = {'blpplsp'},
			})
		end,
	})
*/
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	blpp "github.com/Elletra/BLPP"
)

func main() {
	s := newServer(os.Stdin, os.Stdout)
	code, err := s.serve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "blpplsp: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// Wire protocol
//
// LSP frames each JSON-RPC message as a MIME-style header block (at least
// Content-Length), a blank line, and the JSON body. textproto already
// speaks that framing, so the connection is a header reader plus a
// buffered writer.

type conn struct {
	in  *textproto.Reader
	out *bufio.Writer
}

func newConn(r io.Reader, w io.Writer) *conn {
	return &conn{
		in:  textproto.NewReader(bufio.NewReader(r)),
		out: bufio.NewWriter(w),
	}
}

// recv reads one framed message body.
func (c *conn) recv() ([]byte, error) {
	header, err := c.in.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	size, err := strconv.Atoi(header.Get("Content-Length"))
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("bad Content-Length %q", header.Get("Content-Length"))
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.in.R, body); err != nil {
		return nil, err
	}
	return body, nil
}

// send marshals msg and writes it as one framed message.
func (c *conn) send(msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.out, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return err
	}
	if _, err := c.out.Write(body); err != nil {
		return err
	}
	return c.out.Flush()
}

// JSON-RPC message shapes. A message with an ID is a request expecting a
// response; without one it is a notification.

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is both the wire error object and the error value handlers
// return to fail a request.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

func invalidParams(err error) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: err.Error()}
}

// Server

type server struct {
	conn *conn
	docs map[string]*document

	shutdown bool // shutdown request seen
	exited   bool // exit notification seen
}

func newServer(r io.Reader, w io.Writer) *server {
	return &server{
		conn: newConn(r, w),
		docs: make(map[string]*document),
	}
}

// handlers maps LSP methods to their implementations. Requests produce a
// result (or an *rpcError); notifications are registered here too and
// their return values are discarded. Unregistered notifications are
// ignored; unregistered requests get a method-not-found response.
var handlers = map[string]func(*server, json.RawMessage) (any, error){
	"initialize":                     (*server).initialize,
	"shutdown":                       (*server).handleShutdown,
	"exit":                           (*server).handleExit,
	"textDocument/didOpen":           (*server).didOpen,
	"textDocument/didChange":         (*server).didChange,
	"textDocument/didClose":          (*server).didClose,
	"textDocument/hover":             (*server).hover,
	"textDocument/definition":        (*server).definition,
	"textDocument/references":        (*server).references,
	"textDocument/semanticTokens/full": (*server).semanticTokensFull,
}

// serve runs the message loop until the client disconnects or sends exit.
// The returned code follows the protocol: 0 when exit follows shutdown,
// 1 when the client exits without shutting down first.
func (s *server) serve() (int, error) {
	for !s.exited {
		body, err := s.conn.recv()
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		if err != nil {
			return 1, err
		}

		var msg message
		if err := json.Unmarshal(body, &msg); err != nil {
			werr := s.conn.send(&response{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: codeParseError, Message: err.Error()},
			})
			if werr != nil {
				return 1, werr
			}
			continue
		}
		if err := s.handle(&msg); err != nil {
			return 1, err
		}
	}
	if s.shutdown {
		return 0, nil
	}
	return 1, nil
}

// handle dispatches one message and, for requests, writes the response.
func (s *server) handle(msg *message) error {
	h, ok := handlers[msg.Method]
	if !ok {
		if msg.ID == nil {
			return nil // unknown notifications are fine to drop
		}
		return s.conn.send(&response{
			JSONRPC: "2.0",
			ID:      msg.ID,
			Error:   &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unsupported method %q", msg.Method)},
		})
	}

	result, err := h(s, msg.Params)
	if msg.ID == nil {
		return nil
	}
	resp := &response{JSONRPC: "2.0", ID: msg.ID, Result: result}
	if err != nil {
		var re *rpcError
		if !errors.As(err, &re) {
			re = &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		resp.Result = nil
		resp.Error = re
	}
	return s.conn.send(resp)
}

func (s *server) notify(method string, params any) error {
	return s.conn.send(&notification{JSONRPC: "2.0", Method: method, Params: params})
}

// Capabilities

// semanticTokenTypes is the legend announced to the client; the sem*
// constants below index into it.
var semanticTokenTypes = []string{
	"comment", "keyword", "function", "string", "number", "parameter", "operator",
}

const (
	semComment = iota
	semKeyword
	semFunction
	semString
	semNumber
	semParameter
	semOperator
)

type initializeResult struct {
	Capabilities capabilities `json:"capabilities"`
	ServerInfo   serverInfo   `json:"serverInfo"`
}

type capabilities struct {
	TextDocumentSync       syncOptions           `json:"textDocumentSync"`
	HoverProvider          bool                  `json:"hoverProvider"`
	DefinitionProvider     bool                  `json:"definitionProvider"`
	ReferencesProvider     bool                  `json:"referencesProvider"`
	SemanticTokensProvider semanticTokensOptions `json:"semanticTokensProvider"`
}

type syncOptions struct {
	OpenClose bool `json:"openClose"`
	Change    int  `json:"change"`
}

type semanticTokensOptions struct {
	Legend tokenLegend `json:"legend"`
	Full   bool        `json:"full"`
}

type tokenLegend struct {
	TokenTypes     []string `json:"tokenTypes"`
	TokenModifiers []string `json:"tokenModifiers"`
}

type serverInfo struct {
	Name string `json:"name"`
}

func (s *server) initialize(json.RawMessage) (any, error) {
	return initializeResult{
		Capabilities: capabilities{
			TextDocumentSync:   syncOptions{OpenClose: true, Change: 1},
			HoverProvider:      true,
			DefinitionProvider: true,
			ReferencesProvider: true,
			SemanticTokensProvider: semanticTokensOptions{
				Legend: tokenLegend{TokenTypes: semanticTokenTypes, TokenModifiers: []string{}},
				Full:   true,
			},
		},
		ServerInfo: serverInfo{Name: "blpplsp"},
	}, nil
}

// Lifecycle

func (s *server) handleShutdown(json.RawMessage) (any, error) {
	s.shutdown = true
	return nil, nil
}

func (s *server) handleExit(json.RawMessage) (any, error) {
	s.exited = true
	return nil, nil
}

// Document sync

type textDocumentIdentifier struct {
	URI string `json:"uri"`
}

type positionParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
	Position     position               `json:"position"`
}

func (s *server) didOpen(raw json.RawMessage) (any, error) {
	var p struct {
		TextDocument struct {
			URI  string `json:"uri"`
			Text string `json:"text"`
		} `json:"textDocument"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil
	}
	doc := newDocument(p.TextDocument.URI, p.TextDocument.Text)
	s.docs[p.TextDocument.URI] = doc
	return nil, s.publishDiagnostics(doc)
}

func (s *server) didChange(raw json.RawMessage) (any, error) {
	var p struct {
		TextDocument   textDocumentIdentifier `json:"textDocument"`
		ContentChanges []struct {
			Text string `json:"text"`
		} `json:"contentChanges"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil
	}
	doc := s.docs[p.TextDocument.URI]
	if doc == nil || len(p.ContentChanges) == 0 {
		return nil, nil
	}
	doc.setText(p.ContentChanges[len(p.ContentChanges)-1].Text)
	return nil, s.publishDiagnostics(doc)
}

func (s *server) didClose(raw json.RawMessage) (any, error) {
	var p struct {
		TextDocument textDocumentIdentifier `json:"textDocument"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil
	}
	delete(s.docs, p.TextDocument.URI)
	return nil, nil
}

func (s *server) publishDiagnostics(doc *document) error {
	diags := make([]diagnostic, len(doc.errors))
	for i, e := range doc.errors {
		lineLen := 0
		if e.line >= 0 && e.line < len(doc.lines) {
			lineLen = utf16Len(doc.lines[e.line])
		}
		diags[i] = diagnostic{
			Range:    span{e.line, 0, e.line, lineLen}.toLSP(),
			Severity: 1,
			Source:   "blpplsp",
			Message:  e.msg,
		}
	}
	return s.notify("textDocument/publishDiagnostics", struct {
		URI         string       `json:"uri"`
		Diagnostics []diagnostic `json:"diagnostics"`
	}{
		URI:         doc.uri,
		Diagnostics: diags,
	})
}

// Language features

func (s *server) hover(raw json.RawMessage) (any, error) {
	var p positionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	doc := s.docs[p.TextDocument.URI]
	if doc == nil {
		return nil, nil
	}
	name, rng, ok := doc.macroAt(p.Position.Line, p.Position.Character)
	if !ok {
		return nil, nil
	}
	def, ok := doc.defs[name]
	if !ok {
		return nil, nil
	}
	return struct {
		Contents markupContent `json:"contents"`
		Range    lspRange      `json:"range,omitempty"`
	}{
		Contents: markupContent{Kind: "markdown", Value: "```\n" + def.signature() + "\n```"},
		Range:    rng.toLSP(),
	}, nil
}

func (s *server) definition(raw json.RawMessage) (any, error) {
	var p positionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	doc := s.docs[p.TextDocument.URI]
	if doc == nil {
		return nil, nil
	}
	name, _, ok := doc.macroAt(p.Position.Line, p.Position.Character)
	if !ok {
		return nil, nil
	}
	def, ok := doc.defs[name]
	if !ok {
		return nil, nil
	}
	return location{
		URI:   def.uri,
		Range: span{def.line, def.char, def.line, def.char + utf16Len(def.name)}.toLSP(),
	}, nil
}

func (s *server) references(raw json.RawMessage) (any, error) {
	var p struct {
		positionParams
		Context struct {
			IncludeDeclaration bool `json:"includeDeclaration"`
		} `json:"context"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	doc := s.docs[p.TextDocument.URI]
	if doc == nil {
		return nil, nil
	}
	name, _, ok := doc.macroAt(p.Position.Line, p.Position.Character)
	if !ok {
		return nil, nil
	}
	refs := doc.references(name, p.Context.IncludeDeclaration)
	locs := make([]location, len(refs))
	for i, ref := range refs {
		locs[i] = location{URI: doc.uri, Range: ref.toLSP()}
	}
	return locs, nil
}

func (s *server) semanticTokensFull(raw json.RawMessage) (any, error) {
	var p struct {
		TextDocument textDocumentIdentifier `json:"textDocument"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	var data []uint32
	if doc := s.docs[p.TextDocument.URI]; doc != nil {
		data = doc.semanticTokens()
	}
	if data == nil {
		data = []uint32{}
	}
	return struct {
		Data []uint32 `json:"data"`
	}{Data: data}, nil
}

// LSP position types

type position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type lspRange struct {
	Start position `json:"start"`
	End   position `json:"end"`
}

type location struct {
	URI   string   `json:"uri"`
	Range lspRange `json:"range"`
}

type markupContent struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

type diagnostic struct {
	Range    lspRange `json:"range"`
	Severity int      `json:"severity"`
	Source   string   `json:"source,omitempty"`
	Message  string   `json:"message"`
}

// Document

type document struct {
	uri    string
	source string // absolute path to the file
	root   string // directory for resolving ##use imports
	text   string
	lines  []string
	spans  []tokenSpan
	defs   map[string]definition
	errors []diagError
}

// tokenSpan is a token located in the document: a 0-indexed line plus
// UTF-16 start/end columns, the way LSP wants positions.
type tokenSpan struct {
	tok        *blpp.Token
	line       int
	start, end int
}

type definition struct {
	uri  string
	name string
	args []string
	line int // 0-indexed line of the ##define
	char int // UTF-16 column of the macro name
}

// signature renders the definition header the hover shows.
func (d definition) signature() string {
	if len(d.args) == 0 {
		return "##define " + d.name
	}
	return "##define " + d.name + "(" + strings.Join(d.args, ", ") + ")"
}

type diagError struct {
	line int
	msg  string
}

type span struct{ startLine, startChar, endLine, endChar int }

func (s span) toLSP() lspRange {
	return lspRange{
		Start: position{Line: s.startLine, Character: s.startChar},
		End:   position{Line: s.endLine, Character: s.endChar},
	}
}

func newDocument(uri, text string) *document {
	source := uri
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		if p, err := url.PathUnescape(u.Path); err == nil && p != "" {
			source = p
		}
	}
	d := &document{
		uri:    uri,
		source: source,
		root:   path.Dir(source),
		text:   text,
		defs:   make(map[string]definition),
	}
	d.parse()
	return d
}

func (d *document) setText(text string) {
	d.text = text
	d.parse()
}

func (d *document) parse() {
	d.lines = strings.Split(strings.ReplaceAll(d.text, "\r\n", "\n"), "\n")
	d.spans = d.spans[:0]
	d.errors = d.errors[:0]
	clear(d.defs)

	tokens, data := d.parseSource(d.text, true)
	d.spans = locateTokens(tokens, d.lines)

	if data != nil {
		d.collectDefs(d.uri, data)
		for _, file := range data.Files {
			d.parseImport(file)
		}
	}
}

// parseSource lexes and parses one file's text. Errors are recorded as
// diagnostics only for the open document itself.
func (d *document) parseSource(text string, report bool) ([]*blpp.Token, *blpp.DirectiveData) {
	record := func(err error) {
		if !report || err == nil {
			return
		}
		var pe *blpp.Error
		if errors.As(err, &pe) {
			d.errors = append(d.errors, diagError{line: max(pe.Line-1, 0), msg: pe.Message})
		}
	}

	tokens, err := blpp.Tokenize(text)
	record(err)
	if err != nil {
		return tokens, nil
	}
	data, err := blpp.ParseDirectives(tokens)
	record(err)
	return tokens, data
}

// parseImport reads a ##use target relative to the document's directory
// and folds its definitions in, without reporting its errors.
func (d *document) parseImport(file string) {
	full := path.Join(d.root, file)
	content, err := os.ReadFile(full)
	if err != nil {
		return // missing imports surface when the preprocessor runs
	}
	_, data := d.parseSource(string(content), false)
	if data != nil {
		d.collectDefs("file://"+full, data)
	}
}

func (d *document) collectDefs(uri string, data *blpp.DirectiveData) {
	for name, m := range data.Macros {
		if _, exists := d.defs[name]; exists {
			continue
		}
		def := definition{uri: uri, name: name, args: m.Arguments, line: m.Line - 1}
		if uri == d.uri {
			def.char = d.defineNameColumn(m)
		}
		d.defs[name] = def
	}
}

// defineNameColumn locates the macro name on its ##define line.
func (d *document) defineNameColumn(m *blpp.Macro) int {
	if m.Line-1 < 0 || m.Line-1 >= len(d.lines) {
		return 0
	}
	line := d.lines[m.Line-1]
	if i := strings.Index(line, "##define"); i >= 0 {
		rest := line[i+len("##define"):]
		if j := strings.Index(rest, m.Name); j >= 0 {
			return utf16Len(line[:i+len("##define")+j])
		}
	}
	return 0
}

// locateTokens maps the token stream onto document positions. Tokens on a
// line appear in order, so a per-line search cursor finds each value's
// column even with comments in between.
func locateTokens(tokens []*blpp.Token, lines []string) []tokenSpan {
	spans := make([]tokenSpan, 0, len(tokens))
	curLine, curByte := -1, 0
	for _, tok := range tokens {
		line := tok.Line - 1
		if line < 0 || line >= len(lines) {
			continue
		}
		if line != curLine {
			curLine, curByte = line, 0
		}
		i := strings.Index(lines[line][curByte:], tok.Value)
		if i < 0 {
			continue
		}
		start := curByte + i
		end := start + len(tok.Value)
		spans = append(spans, tokenSpan{
			tok:   tok,
			line:  line,
			start: utf16Len(lines[line][:start]),
			end:   utf16Len(lines[line][:end]),
		})
		curByte = end
	}
	return spans
}

// macroAt returns the macro name under the cursor: either a #name
// invocation or the name on a ##define line.
func (d *document) macroAt(line, char int) (string, span, bool) {
	for _, ts := range d.spans {
		if ts.line != line || char < ts.start || char >= ts.end {
			continue
		}
		if ts.tok.Type == blpp.TokenMacro {
			return ts.tok.MacroName(), span{ts.line, ts.start, ts.line, ts.end}, true
		}
		if ts.tok.Type == blpp.TokenIdentifier {
			if def, ok := d.defs[ts.tok.Value]; ok && def.uri == d.uri && def.line == ts.line {
				return ts.tok.Value, span{ts.line, ts.start, ts.line, ts.end}, true
			}
		}
	}
	return "", span{}, false
}

func (d *document) references(name string, includeDecl bool) []span {
	var refs []span
	for _, ts := range d.spans {
		switch ts.tok.Type {
		case blpp.TokenMacro:
			if ts.tok.MacroName() == name {
				refs = append(refs, span{ts.line, ts.start, ts.line, ts.end})
			}
		case blpp.TokenIdentifier:
			if includeDecl && ts.tok.Value == name {
				if def, ok := d.defs[name]; ok && def.uri == d.uri && def.line == ts.line {
					refs = append(refs, span{ts.line, ts.start, ts.line, ts.end})
				}
			}
		}
	}
	return refs
}

func (d *document) semanticTokens() []uint32 {
	var tokens []semToken

	for _, ts := range d.spans {
		typ := -1
		switch ts.tok.Type {
		case blpp.TokenDirective, blpp.TokenDirectiveCurlyLeft, blpp.TokenDirectiveCurlyRight, blpp.TokenMacroKeyword:
			typ = semKeyword
		case blpp.TokenMacro:
			typ = semFunction
		case blpp.TokenMacroParameter:
			typ = semParameter
		case blpp.TokenMacroConcat, blpp.TokenMacroVarArgs:
			typ = semOperator
		case blpp.TokenString:
			typ = semString
		case blpp.TokenNumber:
			typ = semNumber
		case blpp.TokenIdentifier:
			if def, ok := d.defs[ts.tok.Value]; ok && def.uri == d.uri && def.line == ts.line {
				typ = semFunction
			}
		}
		if typ >= 0 {
			tokens = append(tokens, semToken{ts.line, ts.start, ts.end - ts.start, typ})
		}
	}

	// Line comments; the lexer drops them, so scan the raw lines.
	for i, line := range d.lines {
		if idx := lineCommentIndex(line); idx >= 0 {
			start := utf16Len(line[:idx])
			tokens = append(tokens, semToken{i, start, utf16Len(line) - start, semComment})
		}
	}

	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].line != tokens[j].line {
			return tokens[i].line < tokens[j].line
		}
		return tokens[i].start < tokens[j].start
	})

	if len(tokens) == 0 {
		return nil
	}
	data := make([]uint32, 0, len(tokens)*5)
	prevLine, prevChar := 0, 0
	for _, t := range tokens {
		deltaLine := t.line - prevLine
		deltaChar := t.start
		if deltaLine == 0 {
			deltaChar = t.start - prevChar
		}
		data = append(data, uint32(deltaLine), uint32(deltaChar), uint32(t.length), uint32(t.typ), 0)
		prevLine, prevChar = t.line, t.start
	}
	return data
}

type semToken struct {
	line, start, length, typ int
}

// lineCommentIndex finds a // comment start outside string literals.
func lineCommentIndex(line string) int {
	var quote byte
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if quote != 0 {
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			quote = ch
		case '/':
			if i+1 < len(line) && line[i+1] == '/' {
				return i
			}
		}
	}
	return -1
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r > 0xFFFF {
			n += 2
		} else {
			n++
		}
	}
	return n
}
