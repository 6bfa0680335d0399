package dsl

import (
	"strings"
	"testing"
)

func TestRegistersScalarAndArray(t *testing.T) {
	r := NewRegisters()
	lines := [][]string{
		{"a", "8"},
		{"hl", "16"},
		{"regpair", "8", "2"},
		{"named", "8", "b", "c"},
	}
	for _, l := range lines {
		if err := r.ProcessLine(l); err != nil {
			t.Fatalf("ProcessLine(%v): %v", l, err)
		}
	}
	if !r.IsReg("a") || r.Bits("a") != 8 {
		t.Errorf("a should be an 8-bit scalar reg")
	}
	if !r.IsArray("regpair") {
		t.Errorf("regpair should be an array")
	}
	if r.IsNamedArray("regpair") {
		t.Errorf("regpair is uniform, not named")
	}
	if !r.IsNamedArray("named") {
		t.Errorf("named should be a named array")
	}
	if !r.IsArrayMember("b") {
		t.Errorf("b should be a member of named")
	}
	arr, idx := r.ArrayMemberParent("c")
	if arr != "named" || idx != 1 {
		t.Errorf("ArrayMemberParent(c) = (%s, %d), want (named, 1)", arr, idx)
	}
}

func TestRegistersPointer(t *testing.T) {
	r := NewRegisters()
	if err := r.ProcessLine([]string{"mem", "ptr8", "65536"}); err != nil {
		t.Fatalf("ProcessLine: %v", err)
	}
	d := r.Decl("mem")
	if !d.IsPointer || d.PtrDepth != 1 || d.PtrCount != 65536 || d.Bits != 8 {
		t.Errorf("mem decl = %+v", d)
	}
}

func TestRegistersWriteHeaderOrdersByWidthThenDeclOrder(t *testing.T) {
	r := NewRegisters()
	for _, l := range [][]string{{"a", "8"}, {"pc", "16"}, {"de", "16"}} {
		if err := r.ProcessLine(l); err != nil {
			t.Fatal(err)
		}
	}
	var b strings.Builder
	r.WriteHeader(&b)
	out := b.String()
	pcIdx := strings.Index(out, " pc;")
	deIdx := strings.Index(out, " de;")
	aIdx := strings.Index(out, " a;")
	if pcIdx < 0 || deIdx < 0 || aIdx < 0 {
		t.Fatalf("missing field in header: %s", out)
	}
	if !(pcIdx < aIdx && deIdx < aIdx) {
		t.Errorf("16-bit fields should be written before the 8-bit field: %s", out)
	}
	if pcIdx > deIdx {
		t.Errorf("equal-width fields should keep declaration order (pc before de): %s", out)
	}
}

func TestFlagsProcessLine(t *testing.T) {
	f := NewFlags()
	if err := f.ProcessLine([]string{"register", "f"}); err != nil {
		t.Fatal(err)
	}
	if err := f.ProcessLine([]string{"z", "0", "zero", "f.6"}); err != nil {
		t.Fatal(err)
	}
	if err := f.ProcessLine([]string{"c", "0", "carry", "f.0"}); err != nil {
		t.Fatal(err)
	}
	calc, ok := f.Calc("z")
	if !ok || calc != "zero" {
		t.Errorf("Calc(z) = (%q, %v)", calc, ok)
	}
	st, ok := f.Storage("z")
	if !ok || st.Reg != "f" || !st.HasBit || st.Bit != 6 {
		t.Errorf("Storage(z) = %+v", st)
	}
	cf, ok := f.CarryFlag()
	if !ok || cf != "c" {
		t.Errorf("CarryFlag() = (%q, %v), want (c, true)", cf, ok)
	}
	order := f.FlagOrder()
	if len(order) != 2 || order[0] != "z" || order[1] != "c" {
		t.Errorf("FlagOrder() = %v", order)
	}
}

func TestFlagsMalformedLine(t *testing.T) {
	f := NewFlags()
	if err := f.ProcessLine([]string{"z", "bad"}); err == nil {
		t.Error("expected an error for a malformed flag declaration")
	}
}

func TestInfoFirst(t *testing.T) {
	i := Info{"prefix": {"m68k_"}}
	if got := i.first("prefix", ""); got != "m68k_" {
		t.Errorf("first(prefix) = %q", got)
	}
	if got := i.first("missing", "fallback"); got != "fallback" {
		t.Errorf("first(missing) = %q, want fallback", got)
	}
}
