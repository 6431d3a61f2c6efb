package slcan

import "testing"

func TestLineAssemblerSplitsOnCR(t *testing.T) {
	var a LineAssembler
	lines := a.Feed([]byte("t1230\rT00000000"))
	if len(lines) != 1 || string(lines[0]) != "t1230" {
		t.Fatalf("unexpected lines: %q", lines)
	}
	lines = a.Feed([]byte("0\r"))
	if len(lines) != 1 || string(lines[0]) != "T000000000" {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestLineAssemblerDiscardsOnBEL(t *testing.T) {
	var a LineAssembler
	lines := a.Feed([]byte("t123"))
	if len(lines) != 0 {
		t.Fatalf("unexpected early emission: %q", lines)
	}
	lines = a.Feed([]byte{bel})
	if len(lines) != 0 {
		t.Fatalf("BEL should discard, not emit: %q", lines)
	}
	lines = a.Feed([]byte("t4560\r"))
	if len(lines) != 1 || string(lines[0]) != "t4560" {
		t.Fatalf("expected the next line unaffected by the earlier BEL: %q", lines)
	}
}

func TestLineAssemblerClearsOnOverlength(t *testing.T) {
	var a LineAssembler
	long := make([]byte, maxLineLength+5)
	for i := range long {
		long[i] = 'a'
	}
	a.Feed(long)
	lines := a.Feed([]byte("t1230\r"))
	if len(lines) != 1 || string(lines[0]) != "t1230" {
		t.Fatalf("expected overlength buffer cleared, next line intact: %q", lines)
	}
}
