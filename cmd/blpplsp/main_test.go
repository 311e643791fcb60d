package main

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
)

func frame(t *testing.T, msg any) string {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + string(body)
}

func TestConnRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	out := newConn(strings.NewReader(""), &buf)
	if err := out.send(&notification{JSONRPC: "2.0", Method: "ping"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	in := newConn(bytes.NewReader(buf.Bytes()), &bytes.Buffer{})
	body, err := in.recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	var msg message
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Method != "ping" {
		t.Errorf("method = %q, want ping", msg.Method)
	}
}

func TestServeInitializeAndShutdown(t *testing.T) {
	input := frame(t, &message{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "initialize"}) +
		frame(t, &message{JSONRPC: "2.0", ID: json.RawMessage("2"), Method: "shutdown"}) +
		frame(t, &message{JSONRPC: "2.0", Method: "exit"})

	var out bytes.Buffer
	s := newServer(strings.NewReader(input), &out)
	code, err := s.serve()
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out.String(), `"blpplsp"`) {
		t.Errorf("initialize response missing server info:\n%s", out.String())
	}
	if !strings.Contains(out.String(), `"semanticTokensProvider"`) {
		t.Errorf("initialize response missing capabilities:\n%s", out.String())
	}
}

func TestServeExitWithoutShutdown(t *testing.T) {
	input := frame(t, &message{JSONRPC: "2.0", Method: "exit"})
	s := newServer(strings.NewReader(input), &bytes.Buffer{})
	code, err := s.serve()
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestServeUnknownRequest(t *testing.T) {
	input := frame(t, &message{JSONRPC: "2.0", ID: json.RawMessage("7"), Method: "textDocument/rename"})
	var out bytes.Buffer
	s := newServer(strings.NewReader(input), &out)
	if _, err := s.serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if !strings.Contains(out.String(), `"code":-32601`) {
		t.Errorf("missing method-not-found error:\n%s", out.String())
	}
	// Unknown notifications are dropped without a response.
	input = frame(t, &message{JSONRPC: "2.0", Method: "$/cancelRequest"})
	out.Reset()
	s = newServer(strings.NewReader(input), &out)
	if _, err := s.serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected response to notification:\n%s", out.String())
	}
}

func TestDocumentParse(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantDefs   []string
		wantErrors []string
	}{
		{
			name:     "simple define",
			text:     "##blcs\n##define MAX 9\n",
			wantDefs: []string{"MAX"},
		},
		{
			name:     "multiple defines",
			text:     "##blcs\n##define A 1\n##define add(a, b) #%a + #%b\n",
			wantDefs: []string{"A", "add"},
		},
		{
			name:       "missing marker",
			text:       "##define A 1\n",
			wantDefs:   []string{"A"},
			wantErrors: []string{"missing ##blcs directive"},
		},
		{
			name:       "unknown directive",
			text:       "##blcs\n##bogus\n",
			wantErrors: []string{"unknown directive \"##bogus\""},
		},
		{
			name:       "lex error",
			text:       "##blcs\nx = \"unterminated\n",
			wantErrors: []string{"unexpected end of line in string"},
		},
		{
			name:       "undefined parameter",
			text:       "##blcs\n##define A(x) #%y\n",
			wantErrors: []string{"macro \"A\" has no parameter \"y\""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := newDocument("file:///test.blcs", tt.text)

			for _, name := range tt.wantDefs {
				if _, ok := doc.defs[name]; !ok {
					t.Errorf("missing definition %q", name)
				}
			}
			if len(doc.defs) != len(tt.wantDefs) {
				t.Errorf("got %d definitions, want %d", len(doc.defs), len(tt.wantDefs))
			}

			var gotErrors []string
			for _, e := range doc.errors {
				gotErrors = append(gotErrors, e.msg)
			}
			if len(gotErrors) != len(tt.wantErrors) {
				t.Fatalf("errors = %v, want %v", gotErrors, tt.wantErrors)
			}
			for i := range gotErrors {
				if gotErrors[i] != tt.wantErrors[i] {
					t.Errorf("error[%d] = %q, want %q", i, gotErrors[i], tt.wantErrors[i])
				}
			}
		})
	}
}

func TestDocumentMacroAt(t *testing.T) {
	text := "##blcs\n##define MAX 9\nreturn #MAX;\n"
	doc := newDocument("file:///test.blcs", text)

	// Cursor on the invocation "#MAX" at line 2 (0-indexed), columns 7-11.
	name, rng, ok := doc.macroAt(2, 8)
	if !ok {
		t.Fatal("no macro found at invocation")
	}
	if name != "MAX" {
		t.Errorf("name = %q, want MAX", name)
	}
	if rng.startLine != 2 || rng.startChar != 7 || rng.endChar != 11 {
		t.Errorf("range = %+v", rng)
	}

	// Cursor on the name in the ##define line.
	name, _, ok = doc.macroAt(1, 10)
	if !ok || name != "MAX" {
		t.Errorf("definition site: name=%q ok=%v", name, ok)
	}

	// Cursor elsewhere.
	if _, _, ok := doc.macroAt(2, 0); ok {
		t.Error("found a macro where there is none")
	}
}

func TestDocumentReferences(t *testing.T) {
	text := "##blcs\n##define MAX 9\na = #MAX;\nb = #MAX + #OTHER;\n"
	doc := newDocument("file:///test.blcs", text)

	refs := doc.references("MAX", false)
	if len(refs) != 2 {
		t.Fatalf("got %d references, want 2", len(refs))
	}
	if refs[0].startLine != 2 || refs[1].startLine != 3 {
		t.Errorf("reference lines = %d, %d", refs[0].startLine, refs[1].startLine)
	}
}

func TestDocumentDefinitionSignature(t *testing.T) {
	doc := newDocument("file:///test.blcs", "##blcs\n##define add(a, b) #%a + #%b\n")
	def, ok := doc.defs["add"]
	if !ok {
		t.Fatal("missing definition")
	}
	if got, want := def.signature(), "##define add(a, b)"; got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}
	if def.line != 1 {
		t.Errorf("definition line = %d, want 1", def.line)
	}
}

func TestDocumentSemanticTokens(t *testing.T) {
	text := "##blcs\n##define MAX 9 // limit\nreturn #MAX;\n"
	doc := newDocument("file:///test.blcs", text)

	data := doc.semanticTokens()
	if len(data) == 0 || len(data)%5 != 0 {
		t.Fatalf("semantic token data length = %d", len(data))
	}
}

func TestLineCommentIndex(t *testing.T) {
	tests := []struct {
		line string
		want int
	}{
		{"a // b", 2},
		{"// all", 0},
		{"no comment", -1},
		{`echo("http://x"); // real`, 18},
		{`echo("//not");`, -1},
	}
	for _, tt := range tests {
		if got := lineCommentIndex(tt.line); got != tt.want {
			t.Errorf("lineCommentIndex(%q) = %d, want %d", tt.line, got, tt.want)
		}
	}
}
