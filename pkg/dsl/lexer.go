package dsl

import "strings"

// rawLine is one physical line of a DSL source file after comment
// stripping, with its original line number preserved for diagnostics.
type rawLine struct {
	num    int
	text   string
	indent bool // true if the line starts with whitespace (a body line)
}

// stripComment removes everything from the first '#' to the end of the
// line. This is a naive partition done before any quote-awareness is
// applied, so a '#' inside a quoted string is NOT protected.
func stripComment(line string) string {
	before, _, _ := strings.Cut(line, "#")
	return before
}

// splitLines turns the full source text into rawLines, skipping blank
// lines (post comment-stripping) entirely.
func splitLines(src string) []rawLine {
	var out []rawLine
	for i, text := range strings.Split(src, "\n") {
		text = stripComment(text)
		if strings.TrimSpace(text) == "" {
			continue
		}
		indent := len(text) > 0 && (text[0] == ' ' || text[0] == '\t')
		out = append(out, rawLine{num: i + 1, text: text, indent: indent})
	}
	return out
}

// tokenizeBody splits a body line on whitespace while keeping
// double-quoted substrings as single tokens, quotes retained around the
// token. Unterminated quotes produce an unclosedQuote error.
func tokenizeBody(line string) ([]string, error) {
	var parts []string
	rest := line
	for {
		before, after, sep := strings.Cut(rest, `"`)
		for _, tok := range strings.Fields(before) {
			parts = append(parts, tok)
		}
		if !sep {
			break
		}
		inside, after2, sep2 := strings.Cut(after, `"`)
		if !sep2 {
			return nil, errUnclosedQuote
		}
		parts = append(parts, `"`+inside+`"`)
		rest = after2
	}
	return parts, nil
}

// tokenizeHeader splits a top-level instruction/subroutine header line
// on single spaces. Unlike tokenizeBody this does not collapse runs of
// spaces or understand quoting.
func tokenizeHeader(line string) []string {
	return strings.Split(line, " ")
}

var errUnclosedQuote = &ParseError{Message: "unclosed quote"}
