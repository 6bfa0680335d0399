package dsl

import "testing"

func TestStripComment(t *testing.T) {
	cases := map[string]string{
		"mov a b":          "mov a b",
		"mov a b # note":   "mov a b ",
		"# only a comment": "",
		`a "b # c" d`:      `a "b `, // naive partition does not protect quoted '#'
	}
	for in, want := range cases {
		if got := stripComment(in); got != want {
			t.Errorf("stripComment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitLinesSkipsBlank(t *testing.T) {
	src := "regs\n\treg a 8\n\n# comment only\n\tadd a b\n"
	lines := splitLines(src)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %+v", len(lines), lines)
	}
	if lines[0].num != 1 || lines[0].indent {
		t.Errorf("line 0 = %+v", lines[0])
	}
	if !lines[1].indent || lines[1].num != 2 {
		t.Errorf("line 1 = %+v", lines[1])
	}
	if lines[2].num != 5 {
		t.Errorf("line 2 num = %d, want 5 (blank/comment-only lines skipped)", lines[2].num)
	}
}

func TestTokenizeBodyQuoting(t *testing.T) {
	parts, err := tokenizeBody(`ocall "do a thing" a b`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"ocall", `"do a thing"`, "a", "b"}
	if len(parts) != len(want) {
		t.Fatalf("got %v, want %v", parts, want)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Errorf("part %d = %q, want %q", i, parts[i], want[i])
		}
	}
}

func TestTokenizeBodyUnclosedQuote(t *testing.T) {
	_, err := tokenizeBody(`ocall "unterminated`)
	if err == nil {
		t.Fatal("expected an error for an unclosed quote")
	}
}

func TestTokenizeHeaderSingleSpace(t *testing.T) {
	parts := tokenizeHeader("main 0000dddd ld_r_r")
	if len(parts) != 3 {
		t.Fatalf("got %v, want 3 parts", parts)
	}
}
