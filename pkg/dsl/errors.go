package dsl

import "fmt"

// ParseError is a single diagnostic produced while reading a DSL source
// file. Parse errors are collected rather than raised immediately so the
// parser can report every malformed line in one pass.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// ParseErrors aggregates every ParseError found during a parse. A
// non-empty ParseErrors means no code was emitted.
type ParseErrors []*ParseError

func (e ParseErrors) Error() string {
	msg := fmt.Sprintf("%d parse error(s):", len(e))
	for _, pe := range e {
		msg += "\n  " + pe.Error()
	}
	return msg
}

// DSLError reports fatal misuse of a DSL operation that is only
// detectable while generating code for a specific instruction or
// subroutine (insufficient operands, undefined flags, nospecialize
// without a main dispatch source, and so on). Unlike ParseError these
// abort compilation immediately rather than being collected, since the
// operation table cannot produce partial output for the instruction.
type DSLError struct {
	Instruction string
	Op          string
	Message     string
}

func (e *DSLError) Error() string {
	if e.Instruction == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: in %s: %s", e.Instruction, e.Op, e.Message)
}

func newDSLError(instName, op, format string, args ...interface{}) *DSLError {
	return &DSLError{Instruction: instName, Op: op, Message: fmt.Sprintf(format, args...)}
}
