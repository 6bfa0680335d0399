package dsl

import (
	"strconv"
	"strings"
	"testing"
)

// TestScenarioS1 (spec §8 S1): a single no-op instruction in call-dispatch
// mode must populate impl_main[256] with slot 0 pointing at the
// specialized nop and every other slot pointing at unimplemented.
func TestScenarioS1(t *testing.T) {
	src := `
regs
	a 16
flags
	register f
	Z 0 zero a
info
	opcode_size 8
	body body
body:
	dispatch op
00000000 nop
`
	prog := mustBuildProgram(t, src, "call", nil)
	out, err := prog.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "impl_main[256]") {
		t.Fatalf("expected a 256-entry main table, got:\n%s", out)
	}
	if !strings.Contains(out, "&nop_,") {
		t.Errorf("expected slot 0 to reference &nop_, got:\n%s", out)
	}
	if !strings.Contains(out, "unimplemented,") {
		t.Errorf("expected unimplemented filler entries, got:\n%s", out)
	}
}

// TestScenarioS2 (spec §8 S2): a 3-bit varying field must specialize into
// exactly 8 distinct named bodies.
func TestScenarioS2(t *testing.T) {
	src := `
regs
	a 16
flags
	register f
info
	opcode_size 8
	body body
body:
	dispatch op
0010ddd nop_d
`
	prog := mustBuildProgram(t, src, "call", nil)
	out, err := prog.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for i := 0; i < 8; i++ {
		name := "nop_d_d_" + padBin(i, 3)
		if !strings.Contains(out, name) {
			t.Errorf("expected specialization %s in output", name)
		}
	}
}

// TestScenarioS3 (spec §8 S3): constant folding inside a subroutine body
// with a local destination must fold to a literal mov with no temp.
func TestScenarioS3(t *testing.T) {
	src := `
regs
flags
	register f
info
	opcode_size 8
	body body
body:
	local a 8
	a = 5 + 3
	dispatch op
00000000 nop
`
	prog := mustBuildProgram(t, src, "call", nil)
	out, err := prog.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "a = 8;") {
		t.Errorf("expected folded 'a = 8;' in output:\n%s", out)
	}
	if strings.Contains(out, "gen_tmp") {
		t.Errorf("constant folding should not need a shared temp:\n%s", out)
	}
}

// TestScenarioS6 (spec §8 S6): adc with no declared carry flag must abort
// with the documented message.
func TestScenarioS6(t *testing.T) {
	src := `
regs
	a 8
	b 8
	c 8
flags
	register f
info
	opcode_size 8
	body body
body:
	adc a b c
	dispatch op
00000000 nop
`
	srcModel, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	prog, err := BuildProgram(srcModel, "call", nil)
	if err != nil {
		t.Fatalf("BuildProgram: %v", err)
	}
	_, err = prog.Build()
	if err == nil {
		t.Fatal("expected an error for adc with no defined carry flag")
	}
	dslErr, ok := err.(*DSLError)
	if !ok {
		t.Fatalf("expected *DSLError, got %T: %v", err, err)
	}
	if !strings.Contains(dslErr.Message, "adc requires a defined carry flag") {
		t.Errorf("unexpected message: %s", dslErr.Message)
	}
}

func TestRejectsSwitchDispatch(t *testing.T) {
	src, err := Parse("regs\nflags\n\tregister f\ninfo\n\topcode_size 8\n\tbody body\nbody:\n\tdispatch op\n00000000 nop\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = BuildProgram(src, "switch", nil)
	if err == nil {
		t.Fatal("expected switch dispatch to be rejected")
	}
}

func TestOrphanInstructionIsParseError(t *testing.T) {
	_, err := Parse("\tmov a b\n")
	if err == nil {
		t.Fatal("expected a parse error for an orphan indented line")
	}
	errs, ok := err.(ParseErrors)
	if !ok || len(errs) == 0 {
		t.Fatalf("expected ParseErrors, got %T: %v", err, err)
	}
}

func mustBuildProgram(t *testing.T, src, dispatch string, defines map[string]string) *Program {
	t.Helper()
	parsed, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	prog, err := BuildProgram(parsed, dispatch, defines)
	if err != nil {
		t.Fatalf("BuildProgram: %v", err)
	}
	return prog
}

func padBin(v, bits int) string {
	s := strconv.FormatInt(int64(v), 2)
	for len(s) < bits {
		s = "0" + s
	}
	return s
}
