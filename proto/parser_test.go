package proto

import (
	"bufio"
	"fmt"
	"strings"
	"testing"

	"crawshaw.io/iox"
)

func newTestParser(input string) *Parser {
	litf := iox.NewFiler(0).BufferFile(0)
	sc := NewScanner(bufio.NewReader(strings.NewReader(input)), litf)
	return &Parser{Scanner: sc}
}

func TestParseCommandTagVerb(t *testing.T) {
	p := newTestParser("2 X-AKAPPEND 4\r\n")
	if err := p.ParseCommand(); err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if p.Command.Tag != "2" || p.Command.Verb != "X-AKAPPEND" {
		t.Fatalf("got %+v", p.Command)
	}
}

func TestParseCommandMissingVerb(t *testing.T) {
	p := newTestParser("9\r\n")
	err := p.ParseCommand()
	if err == nil {
		t.Fatalf("expected error")
	}
	te, ok := err.(TaggedError)
	if !ok || te.Tag != "9" {
		t.Fatalf("expected TaggedError with tag 9, got %#v", err)
	}
}

func TestReadAttrList(t *testing.T) {
	input := `(\RemoteId[TEST-1] \MimeType[application/octet-stream] \RemoteRevision[1] \Gid[TEST-1])` + "\r\n"
	p := newTestParser(input)
	attrs, err := p.ReadAttrList()
	if err != nil {
		t.Fatalf("ReadAttrList: %v", err)
	}
	want := map[string]string{
		"RemoteId":       "TEST-1",
		"MimeType":       "application/octet-stream",
		"RemoteRevision": "1",
		"Gid":            "TEST-1",
	}
	if len(attrs) != len(want) {
		t.Fatalf("got %d attrs, want %d: %+v", len(attrs), len(want), attrs)
	}
	for _, a := range attrs {
		if string(a.Value) != want[a.Key] {
			t.Errorf("attr %s = %q, want %q", a.Key, a.Value, want[a.Key])
		}
	}
}

func TestReadLiteral(t *testing.T) {
	data := "0123456789"
	input := fmt.Sprintf("{%d}\r\n%s)", len(data), data)
	p := newTestParser(input)
	n, ok := p.Scanner.ReadLiteral()
	if !ok {
		t.Fatalf("ReadLiteral failed: %v", p.Scanner.Error)
	}
	if n != uint32(len(data)) {
		t.Fatalf("got n=%d, want %d", n, len(data))
	}
	got := make([]byte, n)
	if _, err := p.Scanner.Literal.Read(got); err != nil {
		t.Fatalf("reading literal buffer: %v", err)
	}
	if string(got) != data {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestReadLiteralEmpty(t *testing.T) {
	p := newTestParser("{0}\r\n")
	n, ok := p.Scanner.ReadLiteral()
	if !ok {
		t.Fatalf("ReadLiteral failed: %v", p.Scanner.Error)
	}
	if n != 0 {
		t.Fatalf("got n=%d, want 0", n)
	}
}

func TestReadLiteralShortRead(t *testing.T) {
	p := newTestParser("{10}\r\n12345")
	_, ok := p.Scanner.ReadLiteral()
	if ok {
		t.Fatalf("expected short-read failure")
	}
	if p.Scanner.Error != ErrShortLiteral {
		t.Fatalf("got err %v, want ErrShortLiteral", p.Scanner.Error)
	}
}

func TestAtCommandEnd(t *testing.T) {
	p := newTestParser("\r\nrest")
	if !p.Scanner.AtCommandEnd() {
		t.Fatalf("expected AtCommandEnd true")
	}
}
