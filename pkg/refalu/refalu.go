// Package refalu is a width-parametric reference ALU: pure-Go
// reimplementations of the flag formulas the DSL compiler emits as C,
// used by pkg/dsl's tests to check a generated expression's bit
// formula against a known-good reference instead of eyeballing the
// emitted C text.
//
// Z80 has one fixed 8-bit ALU (pkg/cpu/flags.go's Sz53Table/parity
// lookup tables); this DSL compiles instructions of any declared
// register width, so the tables there don't apply directly — the same
// formulas are generalized to take a bit width instead of being
// precomputed for exactly 256 values.
package refalu

// Sign reports the top bit of an n-bit value.
func Sign(v uint64, bits int) bool {
	return v&(1<<(bits-1)) != 0
}

// Zero reports whether the low bits bits of v are all zero.
func Zero(v uint64, bits int) bool {
	mask := uint64(1)<<bits - 1
	return v&mask == 0
}

// Parity reports even parity (true when the number of set bits among
// the low 8 bits is even), matching the DSL compiler's parity
// synthesis which always folds down to a byte before the lookup.
func Parity(v uint64) bool {
	b := byte(v)
	count := 0
	for b != 0 {
		count += int(b & 1)
		b >>= 1
	}
	return count%2 == 0
}

// AddCarry reports the carry out of an n-bit addition of a and b (plus
// an optional incoming carry-in), matching the DSL's "carry"-calc-kind
// synthesis for add/adc.
func AddCarry(a, b uint64, carryIn bool, bits int) bool {
	mask := uint64(1)<<bits - 1
	sum := (a & mask) + (b & mask)
	if carryIn {
		sum++
	}
	return sum > mask
}

// SubBorrow reports the borrow out of an n-bit subtraction a-b (minus
// an optional incoming borrow), matching the DSL's "carry"-calc-kind
// synthesis for sub/sbc.
func SubBorrow(a, b uint64, borrowIn bool, bits int) bool {
	mask := uint64(1)<<bits - 1
	a, b = a&mask, b&mask
	need := b
	if borrowIn {
		need++
	}
	return a < need
}

// HalfCarry reports the carry out of bit (bits-5) into bit (bits-4) —
// the DSL's half-carry calc kind always measures the nibble one below
// the top byte of the result width, following flags.go's
// `resultBit = prog.GetLastSize() - 4` placement.
func HalfCarry(a, b, result uint64, bits int) bool {
	return (a^b^result)&(uint64(1)<<(bits-4)) != 0
}

// Overflow reports signed two's-complement overflow of an n-bit
// addition, matching the DSL's "overflow" calc kind formula
// `(a ^ bFlow) & (a ^ dst)` evaluated at the top bit.
func Overflow(a, bFlow, result uint64, bits int) bool {
	top := uint64(1) << (bits - 1)
	return (a^bFlow)&(a^result)&top != 0
}
