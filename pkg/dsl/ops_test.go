package dsl

import (
	"testing"

	"github.com/alice-mkh/cpudsl/pkg/refalu"
)

// Property (spec §8 #5): every op with a pure evaluator must agree with
// hand-computed results across a spread of operands.
func TestArithmeticEvaluatorsAgreeWithReference(t *testing.T) {
	table := opTable()
	cases := []struct {
		op   string
		args []int
		want int
	}{
		{"add", []int{3, 5}, 8},
		{"add", []int{255, 1}, 256},
		{"sub", []int{3, 10}, 7},
		{"and", []int{0xF0, 0x3C}, 0x30},
		{"or", []int{0xF0, 0x0F}, 0xFF},
		{"xor", []int{0xFF, 0x0F}, 0xF0},
		{"not", []int{0}, ^0},
		{"neg", []int{5}, -5},
		{"lnot", []int{0}, 1},
		{"lnot", []int{7}, 0},
		{"mov", []int{42}, 42},
		{"mulu", []int{6, 7}, 42},
		{"abs", []int{-9}, 9},
		{"abs", []int{9}, 9},
	}
	for _, c := range cases {
		op, ok := table[c.op]
		if !ok {
			t.Fatalf("no op named %q", c.op)
		}
		if !op.CanEval() {
			t.Fatalf("%s: expected a pure evaluator", c.op)
		}
		if got := op.Evaluate(c.args); got != c.want {
			t.Errorf("%s.Evaluate(%v) = %d, want %d", c.op, c.args, got, c.want)
		}
	}
}

// addsize/decsize fold a signed step scaled by the operand-size flag,
// matching the DSL's pointer/PC-advance convention (0 => byte step).
func TestAddsizeDecsizeEvaluators(t *testing.T) {
	table := opTable()
	add := table["addsize"]
	dec := table["decsize"]
	if got := add.Evaluate([]int{0, 10}); got != 11 {
		t.Errorf("addsize(0, 10) = %d, want 11", got)
	}
	if got := add.Evaluate([]int{1, 10}); got != 12 {
		t.Errorf("addsize(1, 10) = %d, want 12", got)
	}
	if got := dec.Evaluate([]int{0, 10}); got != 9 {
		t.Errorf("decsize(0, 10) = %d, want 9", got)
	}
	if got := dec.Evaluate([]int{1, 10}); got != 8 {
		t.Errorf("decsize(1, 10) = %d, want 8", got)
	}
}

// NumParams is one past the highest outOp index, widened to the
// evaluator's arity when outOp alone would ask for fewer parameters.
// cmp writes nothing and has no evaluator at all.
func TestNumParamsWidensToEvaluatorArity(t *testing.T) {
	table := opTable()
	widened := &Op{evalFun: func(a []int) int { return a[0] }, evalArgs: 3, outOp: []int{0}}
	if got := widened.NumParams(); got != 3 {
		t.Errorf("NumParams() with outOp [0] and arity 3 = %d, want 3", got)
	}
	if got := table["add"].NumParams(); got != 3 {
		t.Errorf("add.NumParams() = %d, want 3 (a, b, dst)", got)
	}
	if got := table["mov"].NumParams(); got != 2 {
		t.Errorf("mov.NumParams() = %d, want 2 (src, dst)", got)
	}
	if table["cmp"].CanEval() {
		t.Errorf("cmp has no pure evaluator, it only ever emits a C compare")
	}
}

// Property (spec §8 #6): refalu's reference carry/borrow/overflow/
// sign/zero/parity formulas must give the hand-computed result across
// widths, including boundary operands that only carry at specific bit
// widths.
func TestFlagFormulasAgreeWithReference(t *testing.T) {
	type tc struct {
		a, b  uint64
		bits  int
		carry bool
	}
	cases := []tc{
		{0xFF, 0x01, 8, true},
		{0x7F, 0x01, 8, false},
		{0xFFFF, 0x0001, 16, true},
		{0x1234, 0x0001, 16, false},
	}
	for _, c := range cases {
		if got := refalu.AddCarry(c.a, c.b, false, c.bits); got != c.carry {
			t.Errorf("AddCarry(%#x, %#x, %d) = %v, want %v", c.a, c.b, c.bits, got, c.carry)
		}
	}

	subCases := []struct {
		a, b   uint64
		bits   int
		borrow bool
	}{
		{0x00, 0x01, 8, true},
		{0x10, 0x01, 8, false},
		{0x0000, 0x0001, 16, true},
	}
	for _, c := range subCases {
		if got := refalu.SubBorrow(c.a, c.b, false, c.bits); got != c.borrow {
			t.Errorf("SubBorrow(%#x, %#x, %d) = %v, want %v", c.a, c.b, c.bits, got, c.borrow)
		}
	}

	// Signed overflow: 0x7F + 0x01 overflows an 8-bit signed add (127+1
	// wraps to -128); 0x01 + 0x01 does not. For an add, bFlow is ^b.
	if !refalu.Overflow(0x7F, ^uint64(0x01), 0x80, 8) {
		t.Errorf("Overflow(0x7F, ^0x01, 0x80, 8) should be true")
	}
	if refalu.Overflow(0x01, ^uint64(0x01), 0x02, 8) {
		t.Errorf("Overflow(0x01, ^0x01, 0x02, 8) should be false")
	}

	if !refalu.Sign(0x80, 8) {
		t.Errorf("Sign(0x80, 8) should be true")
	}
	if refalu.Sign(0x7F, 8) {
		t.Errorf("Sign(0x7F, 8) should be false")
	}
	if !refalu.Zero(0, 8) {
		t.Errorf("Zero(0, 8) should be true")
	}
	if refalu.Zero(1, 8) {
		t.Errorf("Zero(1, 8) should be false")
	}
	if !refalu.Parity(0x03) {
		t.Errorf("Parity(0x03) should be true (two set bits)")
	}
	if refalu.Parity(0x01) {
		t.Errorf("Parity(0x01) should be false (one set bit)")
	}
}
