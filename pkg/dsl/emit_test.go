package dsl

import (
	"strings"
	"testing"
)

// TestScenarioS4 (spec §8 S4): an `if` whose comparator folds against an
// immediately preceding `cmp` with two compile-time-constant operands must
// disappear entirely — no C `if`, and the `cmp` statement itself must not
// survive in the output, since If.generate pops it once the fold succeeds.
func TestScenarioS4(t *testing.T) {
	src := `
regs
flags
	register f
info
	opcode_size 8
	body body
body:
	local a 8
	a = 7
	if a >=U 3
		a = 9
	end
	dispatch op
00000000 nop
`
	prog := mustBuildProgram(t, src, "call", nil)
	out, err := prog.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "a = 7;") {
		t.Errorf("expected the constant-folded 'a = 7;' assignment, got:\n%s", out)
	}
	if !strings.Contains(out, "a = 9;") {
		t.Errorf("expected the then-branch 'a = 9;' to be emitted unconditionally, got:\n%s", out)
	}
	if strings.Contains(out, "if (") {
		t.Errorf("a compile-time-constant comparison must not emit a runtime if:\n%s", out)
	}
	if strings.Contains(out, "cmp_tmp") {
		t.Errorf("the folded cmp's temp must not survive in the output:\n%s", out)
	}
}

// TestScenarioS5 (spec §8 S5): `a:0 -= b` against a 16-bit destination
// narrows the operation to 8 bits but must still write only the low byte,
// preserving the high byte via a mask-and-merge against a shared temp.
func TestScenarioS5(t *testing.T) {
	src := `
regs
	a 16
	b 8
flags
	register f
info
	opcode_size 8
	body body
body:
	a:0 -= b
	dispatch op
00000000 nop
`
	prog := mustBuildProgram(t, src, "call", nil)
	out, err := prog.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "gen_tmp8__") {
		t.Errorf("expected an 8-bit shared temp for the masked subtraction, got:\n%s", out)
	}
	if !strings.Contains(out, "context->a & ~255") {
		t.Errorf("expected the 16-bit destination's high byte to be preserved via a mask, got:\n%s", out)
	}
}

// TestDeadBranchElimination (spec §8 property #7): an `if` guarded by a
// named boolean configuration parameter is resolved entirely at compile
// time — the live branch's ops are emitted with no wrapping C `if`, and
// the dead branch never appears in the output at all.
func TestDeadBranchElimination(t *testing.T) {
	src := `
regs
	c 8
flags
	register f
info
	opcode_size 8
	body body
body:
	if interp
		c = 5
	else
		c = 6
	end
	dispatch op
00000000 nop
`
	prog := mustBuildProgram(t, src, "call", nil)
	out, err := prog.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "context->c = 5;") {
		t.Errorf("expected the true (interp) branch emitted unconditionally, got:\n%s", out)
	}
	if strings.Contains(out, "context->c = 6;") {
		t.Errorf("the dead else branch must not appear in the output:\n%s", out)
	}
	if strings.Contains(out, "if (") {
		t.Errorf("a named boolean guard must never emit a runtime if:\n%s", out)
	}
}

// TestDeadBranchEliminationFalse is the mirror of TestDeadBranchElimination
// for a guard that defaults to false (dynarec): the else branch is the live
// one, the then branch must never appear.
func TestDeadBranchEliminationFalse(t *testing.T) {
	src := `
regs
	c 8
flags
	register f
info
	opcode_size 8
	body body
body:
	if dynarec
		c = 5
	else
		c = 6
	end
	dispatch op
00000000 nop
`
	prog := mustBuildProgram(t, src, "call", nil)
	out, err := prog.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "context->c = 6;") {
		t.Errorf("expected the false-branch (dynarec defaults off) 'c = 6;' to be emitted, got:\n%s", out)
	}
	if strings.Contains(out, "context->c = 5;") {
		t.Errorf("the dead then-branch must not appear in the output:\n%s", out)
	}
	if strings.Contains(out, "if (") {
		t.Errorf("a named boolean guard must never emit a runtime if:\n%s", out)
	}
}

// TestLoopCounted confirms a `loop 4` with a literal count compiles to
// the counted for-loop form, not an infinite one.
func TestLoopCounted(t *testing.T) {
	src := `
regs
	a 8
flags
	register f
info
	opcode_size 8
	body body
body:
	loop 4
		a += 1
	end
	dispatch op
00000000 nop
`
	prog := mustBuildProgram(t, src, "call", nil)
	out, err := prog.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "for (uint32_t loop_counter__ = 0; loop_counter__ < 4; loop_counter__++)") {
		t.Errorf("expected a counted for-loop over the literal count 4, got:\n%s", out)
	}
	if strings.Contains(out, "for (;;)") {
		t.Errorf("a labeled loop count must not fall back to the unconditional form:\n%s", out)
	}
}

// TestLoopUnlabeledIsUnconditional confirms a bare `loop` (no count)
// still compiles to the unconditional for(;;) form.
func TestLoopUnlabeledIsUnconditional(t *testing.T) {
	src := `
regs
	a 8
flags
	register f
info
	opcode_size 8
	body body
body:
	loop
		a += 1
		break
	end
	dispatch op
00000000 nop
`
	prog := mustBuildProgram(t, src, "call", nil)
	out, err := prog.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "for (;;)") {
		t.Errorf("expected the unconditional for(;;) form for an uncounted loop, got:\n%s", out)
	}
}

// TestLoopLocalDeclared confirms a `local` declared inside a loop body
// produces a real uint{n}_t declaration at the top of the generated
// loop block, not a bogus local(name, width) call.
func TestLoopLocalDeclared(t *testing.T) {
	src := `
regs
	a 8
flags
	register f
info
	opcode_size 8
	body body
body:
	loop 2
		local tmp 8
		mov a tmp
	end
	dispatch op
00000000 nop
`
	prog := mustBuildProgram(t, src, "call", nil)
	out, err := prog.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "uint8_t tmp;") {
		t.Errorf("expected the loop-local 'tmp' to be declared as uint8_t, got:\n%s", out)
	}
	if strings.Contains(out, "local(") {
		t.Errorf("a loop-local declaration must not survive as a bogus call, got:\n%s", out)
	}
}

// TestLoopEvictsFoldedWrites confirms a register folded to a constant
// immediately before a loop is flushed to real storage and the fold is
// evicted, so a read inside the loop body that the loop itself mutates
// does not see the stale pre-loop constant substituted in.
func TestLoopEvictsFoldedWrites(t *testing.T) {
	src := `
regs
	a 8
flags
	register f
info
	opcode_size 8
	body body
body:
	a = 0
	loop 3
		a += 1
	end
	dispatch op
00000000 nop
`
	prog := mustBuildProgram(t, src, "call", nil)
	out, err := prog.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "context->a = 0;") {
		t.Errorf("expected the pre-loop constant fold to be flushed to context->a, got:\n%s", out)
	}
	if !strings.Contains(out, "1 + context->a") {
		t.Errorf("expected a real runtime read of context->a inside the loop body, not a folded constant, got:\n%s", out)
	}
	if strings.Contains(out, "1 + 0") {
		t.Errorf("the pre-loop fold of a must not leak into the loop body's read of a, got:\n%s", out)
	}
}

// TestDefineOverridesBoolean confirms a -D flag on the command line can
// flip a named guard's default, per BuildProgram's defines handling.
func TestDefineOverridesBoolean(t *testing.T) {
	src := `
regs
	c 8
flags
	register f
info
	opcode_size 8
	body body
body:
	if dynarec
		c = 5
	end
	dispatch op
00000000 nop
`
	prog := mustBuildProgram(t, src, "call", map[string]string{"dynarec": "1"})
	out, err := prog.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "context->c = 5;") {
		t.Errorf("expected -D dynarec=1 to flip the guard to live, got:\n%s", out)
	}
}
