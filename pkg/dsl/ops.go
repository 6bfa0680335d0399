package dsl

import (
	"fmt"
	"strconv"
	"strings"
)

// cImpl is the C-emission signature every operation table entry
// provides: given the already-resolved parameter expressions (procParams),
// the original unresolved tokens (rawParams, needed for size lookups),
// and the set of flags update_flags asked to recompute, it returns the
// emitted C statement(s).
type cImpl func(prog *Program, params, rawParams []string, flagUpdates map[string]bool) (string, error)

// Op is one entry in the operation table: an optional pure evaluator
// used for constant folding, and a C emitter. outOp names which
// parameter indices are write targets (so the caller knows whether to
// resolve them as destinations).
type Op struct {
	evalFun func(args []int) int
	evalArgs int
	impl    cImpl
	outOp   []int
}

func (o *Op) CanEval() bool  { return o.evalFun != nil }
func (o *Op) NumArgs() int   { return o.evalArgs }
func (o *Op) OutOp() []int   { return o.outOp }
func (o *Op) Evaluate(args []int) int { return o.evalFun(args) }

// NumParams is the minimum parameter count this op requires: one past
// its highest write-target index, widened to its evaluator's arity.
func (o *Op) NumParams() int {
	params := 0
	for _, idx := range o.outOp {
		if idx+1 > params {
			params = idx + 1
		}
	}
	if o.evalFun != nil && o.evalArgs > params {
		params = o.evalArgs
	}
	return params
}

func (o *Op) Generate(prog *Program, params, rawParams []string, flagUpdates map[string]bool) (string, error) {
	return o.impl(prog, params, rawParams, flagUpdates)
}

func sizeOf(params []string, idx int, destSize int) (size int, adjusted bool) {
	if len(params) <= idx {
		return destSize, false
	}
	n, _ := strconv.Atoi(params[idx])
	switch n {
	case 0:
		size = 8
	case 1:
		size = 16
	default:
		size = 32
	}
	return size, destSize > size
}

func cBinaryOperator(op string) cImpl {
	return func(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
		a, b := params[0], params[1]
		if op == "-" {
			a, b = params[1], params[0]
		}
		destSize := prog.ParamSize(raw[2])
		size, needsSizeAdjust := sizeOf(params, 3, destSize)
		if needsSizeAdjust {
			prog.sizeAdjust = size
		}
		prog.lastSize = size
		needsCarry, needsHalf, needsOflow := flagNeeds(prog, flagUpdates)
		var decl, dst string
		if needsCarry || needsOflow || needsHalf || (flagUpdates != nil && needsSizeAdjust) {
			if needsCarry && op != ">>" {
				size *= 2
			}
			_, name := prog.GetTemp(size)
			decl, dst = "", name
			prog.carryFlowDst = name
			prog.lastA, prog.lastB = a, b
			if size == 64 {
				a = fmt.Sprintf("((uint64_t)%s)", a)
				b = fmt.Sprintf("((uint64_t)%s)", b)
			}
			if op == "-" {
				prog.lastBFlow = b
			} else {
				prog.lastBFlow = fmt.Sprintf("(~%s)", b)
			}
		} else if needsSizeAdjust {
			_, name := prog.GetTemp(size)
			dst = params[2]
			mask := (1 << size) - 1
			return fmt.Sprintf("\n\t%s = (%s & %d) %s (%s & %d);\n\t%s = (%s & ~%d) | %s;", name, a, mask, op, b, mask, dst, dst, mask, name), nil
		} else {
			dst = params[2]
		}
		if needsSizeAdjust {
			mask := (1 << prog.sizeAdjust) - 1
			return fmt.Sprintf("%s\n\t%s = (%s & %d) %s (%s & %d);", decl, dst, a, mask, op, b, mask), nil
		}
		return fmt.Sprintf("%s\n\t%s = %s %s %s;", decl, dst, a, op, b), nil
	}
}

func cUnaryOperator(op string) cImpl {
	return func(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
		dst := params[1]
		destSize := prog.ParamSize(raw[1])
		size, needsSizeAdjust := sizeOf(params, 2, destSize)
		if needsSizeAdjust {
			prog.sizeAdjust = size
		}
		prog.lastSize = size
		if op == "-" {
			needsCarry, needsHalf, needsOflow := flagNeeds(prog, flagUpdates)
			if needsCarry || needsOflow || needsHalf || (flagUpdates != nil && needsSizeAdjust) {
				_, name := prog.GetTemp(size)
				dst = name
				prog.carryFlowDst = name
				prog.lastA, prog.lastB, prog.lastBFlow = "0", params[0], params[0]
				if needsSizeAdjust {
					mask := (1 << prog.sizeAdjust) - 1
					return fmt.Sprintf("\n\t%s = %s(%s & %d);", dst, op, params[0], mask), nil
				}
			}
		}
		if needsSizeAdjust {
			mask := (1 << prog.sizeAdjust) - 1
			return fmt.Sprintf("\n\t%s = (%s & ~%d) | ((%s%s) & %d);", dst, dst, mask, op, params[0], mask), nil
		}
		return fmt.Sprintf("\n\t%s = %s%s;", dst, op, params[0]), nil
	}
}

func flagNeeds(prog *Program, flagUpdates map[string]bool) (carry, half, overflow bool) {
	for flag := range flagUpdates {
		calc, _ := prog.Flags.Calc(flag)
		switch calc {
		case "carry":
			carry = true
		case "half-carry":
			half = true
		case "overflow":
			overflow = true
		}
	}
	return
}

func getCarryCheck(prog *Program) (string, error) {
	carryFlag, ok := prog.Flags.CarryFlag()
	if !ok {
		return "", &DSLError{Op: "adc", Message: "adc requires a defined carry flag"}
	}
	storage, _ := prog.Flags.Storage(carryFlag)
	reg := prog.ResolveReg(storage.Reg, nil, nil, false)
	if storage.HasBit {
		return fmt.Sprintf("(%s & 1 << %d)", reg, storage.Bit), nil
	}
	return reg, nil
}

func adjustOperand(prog *Program, raw string, param string, size int) string {
	if prog.ParamSize(raw) <= size {
		return param
	}
	mask := (1 << size) - 1
	if _, ok := isInt(param); ok {
		n, _ := strconv.Atoi(param)
		return strconv.Itoa(n & mask)
	}
	return fmt.Sprintf("(%s & %d)", param, mask)
}

func adcImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	destSize := prog.ParamSize(raw[2])
	size, needsSizeAdjust := sizeOf(params, 3, destSize)
	if needsSizeAdjust {
		prog.sizeAdjust = size
	}
	prog.lastSize = size
	needsCarry, needsHalf, needsOflow := flagNeeds(prog, flagUpdates)
	carryCheck, err := getCarryCheck(prog)
	if err != nil {
		return "", err
	}
	vals := "1 : 0"
	a := adjustOperand(prog, raw[0], params[0], size)
	b := adjustOperand(prog, raw[1], params[1], size)
	var decl, dst string
	if needsCarry || needsOflow || needsHalf || (flagUpdates != nil && needsSizeAdjust) {
		if needsCarry {
			size *= 2
		}
		_, name := prog.GetTemp(size)
		dst = name
		prog.carryFlowDst = name
		prog.lastA, prog.lastB = a, b
		prog.lastBFlow = fmt.Sprintf("(~%s)", b)
		if size == 64 {
			a = fmt.Sprintf("((uint64_t)%s)", a)
			b = fmt.Sprintf("((uint64_t)%s)", b)
			vals = "((uint64_t)1) : ((uint64_t)0)"
		}
	} else if needsSizeAdjust {
		_, name := prog.GetTemp(size)
		mask := (1 << size) - 1
		return fmt.Sprintf("\n\t%s = %s + %s + (%s ? 1 : 0);\n\t%s = (%s & ~%d) | %s;", name, a, b, carryCheck, params[2], params[2], mask, name), nil
	} else {
		dst = params[2]
	}
	return fmt.Sprintf("%s\n\t%s = %s + %s + (%s ? %s);", decl, dst, a, b, carryCheck, vals), nil
}

// sbcImpl mirrors adcImpl with operands swapped (b - a form). The
// size-adjusted branch uses the freshly allocated temp name for both
// the partial computation and the masked store-back.
func sbcImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	destSize := prog.ParamSize(raw[2])
	size, needsSizeAdjust := sizeOf(params, 3, destSize)
	if needsSizeAdjust {
		prog.sizeAdjust = size
	}
	prog.lastSize = size
	needsCarry, needsHalf, needsOflow := flagNeeds(prog, flagUpdates)
	carryCheck, err := getCarryCheck(prog)
	if err != nil {
		return "", err
	}
	vals := "1 : 0"
	b := adjustOperand(prog, raw[0], params[0], size)
	a := adjustOperand(prog, raw[1], params[1], size)
	var decl, dst string
	if needsCarry || needsOflow || needsHalf || (flagUpdates != nil && needsSizeAdjust) {
		if needsCarry {
			size *= 2
		}
		_, name := prog.GetTemp(size)
		dst = name
		prog.carryFlowDst = name
		prog.lastA, prog.lastB, prog.lastBFlow = a, b, b
		if size == 64 {
			a = fmt.Sprintf("((uint64_t)%s)", a)
			b = fmt.Sprintf("((uint64_t)%s)", b)
			vals = "((uint64_t)1) : ((uint64_t)0)"
		}
	} else if needsSizeAdjust {
		_, name := prog.GetTemp(size)
		mask := (1 << size) - 1
		return fmt.Sprintf("\n\t%s = %s - %s - (%s ? 1 : 0);\n\t%s = (%s & ~%d) | %s;", name, a, b, carryCheck, params[2], params[2], mask, name), nil
	} else {
		dst = params[2]
	}
	return fmt.Sprintf("%s\n\t%s = %s - %s - (%s ? %s);", decl, dst, a, b, carryCheck, vals), nil
}

func cmpImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	bSize := prog.ParamSize(raw[1])
	size := bSize
	needsCarry, _, _ := flagNeeds(prog, flagUpdates)
	if len(params) > 2 {
		size, _ = sizeOf(params, 2, 0)
	}
	prog.lastSize = size
	if needsCarry {
		size *= 2
	}
	tmp := fmt.Sprintf("cmp_tmp%d__", size)
	if flagUpdates != nil {
		prog.carryFlowDst = tmp
		prog.lastA, prog.lastB, prog.lastBFlow = params[1], params[0], params[0]
	}
	root := prog.RootScope()
	if root != nil {
		if _, ok := root.ResolveLocal(tmp); !ok {
			if inst, ok := root.(*Instruction); ok {
				inst.AddLocal(tmp, size)
			} else if sub, ok := root.(*SubRoutine); ok {
				sub.AddLocal(tmp, size)
			}
		}
	}
	prog.lastDst = raw[1]
	a, b := params[0], params[1]
	aSize := prog.ParamSize(raw[0])
	if prog.lastSize != aSize {
		a = fmt.Sprintf("((%s) & %d)", a, (1<<prog.lastSize)-1)
	}
	if prog.lastSize != bSize {
		b = fmt.Sprintf("((%s) & %d)", b, (1<<prog.lastSize)-1)
	}
	if size == 64 {
		a = fmt.Sprintf("((uint64_t)%s)", a)
		b = fmt.Sprintf("((uint64_t)%s)", b)
	}
	return fmt.Sprintf("\n\t%s = %s - %s;", tmp, b, a), nil
}

func asrImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	destSize := prog.ParamSize(raw[2])
	size, needsSizeAdjust := sizeOf(params, 3, destSize)
	if needsSizeAdjust {
		prog.sizeAdjust = size
	}
	prog.lastSize = size
	needsCarry, _, _ := flagNeeds(prog, flagUpdates)
	mask := 1 << (size - 1)
	var decl, dst string
	if needsCarry {
		_, name := prog.GetTemp(size)
		dst = name
		prog.carryFlowDst = name
		prog.lastA, prog.lastB = params[0], params[1]
	} else if needsSizeAdjust {
		_, name := prog.GetTemp(size)
		sizeMask := (1 << size) - 1
		body := fmt.Sprintf("\n\t%s = ((%s & %d) >> (%s & %d)) | ((%s & %d) && %s ? 0xFFFFFFFFU << (%d - (%s & %d)) : 0);",
			name, params[0], sizeMask, params[1], sizeMask, params[0], mask, params[1], size, params[1], sizeMask)
		body += fmt.Sprintf("\n\t%s = (%s & ~%d) | %s;", params[2], params[2], sizeMask, name)
		return body, nil
	} else {
		dst = params[2]
	}
	return fmt.Sprintf("%s\n\t%s = (%s >> %s) | ((%s & %d) && %s ? 0xFFFFFFFFU << (%d - %s) : 0);", decl, dst, params[0], params[1], params[0], mask, params[1], size, params[1]), nil
}

func rotBody(shiftExpr, dst, a, b, size string) string {
	return fmt.Sprintf("\n\t%s = %s << %s | %s >> (%s - %s);", dst, a, b, a, size, b)
}

func rolImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	needsCarry, _, _ := flagNeeds(prog, flagUpdates)
	destSize := prog.ParamSize(raw[2])
	size, needsSizeAdjust := sizeOf(params, 3, destSize)
	if needsSizeAdjust && needsCarry {
		prog.sizeAdjust = size
	}
	prog.lastSize = size
	rotMask := size - 1
	var mdecl, ret, b string
	if n, ok := isInt(params[1]); ok {
		b = strconv.Itoa(n & rotMask)
	} else {
		_, tmp := prog.GetTemp(prog.ParamSize(raw[1]))
		b = tmp
		ret = fmt.Sprintf("\n\t%s = %s & %d;", b, params[1], rotMask)
	}
	prog.lastB = b
	a := adjustOperand(prog, raw[0], params[0], size)
	prog.lastBUnmasked = params[1]
	var dst string
	if needsSizeAdjust {
		_, name := prog.GetTemp(size)
		dst = name
		prog.carryFlowDst = name
	} else {
		dst = params[2]
	}
	ret += fmt.Sprintf("\n\t%s = %s << %s | %s >> (%d - %s);", dst, a, b, a, size, b)
	if needsSizeAdjust && !needsCarry {
		mask := (1 << size) - 1
		ret += fmt.Sprintf("\n\t%s = (%s & ~%d) | (%s & %d);", params[2], params[2], mask, dst, mask)
	}
	return mdecl + ret, nil
}

func rorImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	needsCarry, _, _ := flagNeeds(prog, flagUpdates)
	destSize := prog.ParamSize(raw[2])
	size, needsSizeAdjust := sizeOf(params, 3, destSize)
	if needsSizeAdjust && needsCarry {
		prog.sizeAdjust = size
	}
	prog.lastSize = size
	rotMask := size - 1
	var mdecl, ret, b string
	if n, ok := isInt(params[1]); ok {
		b = strconv.Itoa(n & rotMask)
	} else {
		_, tmp := prog.GetTemp(prog.ParamSize(raw[1]))
		b = tmp
		ret = fmt.Sprintf("\n\t%s = %s & %d;", b, params[1], rotMask)
	}
	prog.lastB = b
	prog.lastBUnmasked = params[1]
	a := adjustOperand(prog, raw[0], params[0], size)
	var dst string
	if needsSizeAdjust {
		_, name := prog.GetTemp(size)
		dst = name
		prog.carryFlowDst = name
	} else {
		dst = params[2]
	}
	ret += fmt.Sprintf("\n\t%s = %s >> %s | %s << (%d - %s);", dst, a, b, a, size, b)
	if needsSizeAdjust && !needsCarry {
		mask := (1 << size) - 1
		ret += fmt.Sprintf("\n\t%s = (%s & ~%d) | (%s & %d);", params[2], params[2], mask, dst, mask)
	}
	return mdecl + ret, nil
}

func rlcImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	needsCarry, _, _ := flagNeeds(prog, flagUpdates)
	destSize := prog.ParamSize(raw[2])
	size, needsSizeAdjust := sizeOf(params, 3, destSize)
	if needsSizeAdjust && needsCarry {
		prog.sizeAdjust = size
	}
	prog.lastSize = size
	carryCheck, err := getCarryCheck(prog)
	if err != nil {
		return "", err
	}
	a := adjustOperand(prog, raw[0], params[0], size)
	var decl, dst string
	if needsCarry || needsSizeAdjust {
		_, name := prog.GetTemp(size)
		dst = name
		prog.carryFlowDst = name
		prog.lastA, prog.lastB = a, params[1]
	} else {
		dst = params[2]
	}
	if size == 32 {
		if n, ok := isInt(params[1]); !ok || n <= 1 {
			a = fmt.Sprintf("((uint64_t)%s)", a)
		}
	}
	ret := decl + fmt.Sprintf("\n\t%s = %s << %s | %s >> (%d + 1 - %s) | (%s ? 1 : 0) << (%s - 1);", dst, a, params[1], a, size, params[1], carryCheck, params[1])
	if needsSizeAdjust && !needsCarry {
		mask := (1 << size) - 1
		ret += fmt.Sprintf("\n\t%s = (%s & ~%d) | (%s & %d);", params[2], params[2], mask, dst, mask)
	}
	return ret, nil
}

func rrcImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	needsCarry, _, _ := flagNeeds(prog, flagUpdates)
	destSize := prog.ParamSize(raw[2])
	size, needsSizeAdjust := sizeOf(params, 3, destSize)
	if needsSizeAdjust && needsCarry {
		prog.sizeAdjust = size
	}
	prog.lastSize = size
	carryCheck, err := getCarryCheck(prog)
	if err != nil {
		return "", err
	}
	a := adjustOperand(prog, raw[0], params[0], size)
	var decl, dst string
	if needsCarry || needsSizeAdjust {
		_, name := prog.GetTemp(size)
		dst = name
		prog.carryFlowDst = name
		prog.lastA, prog.lastB = a, params[1]
	} else {
		dst = params[2]
	}
	if size == 32 {
		if n, ok := isInt(params[1]); !ok || n <= 1 {
			a = fmt.Sprintf("((uint64_t)%s)", a)
		}
	}
	ret := decl + fmt.Sprintf("\n\t%s = %s >> %s | %s << (%d + 1 - %s) | (%s ? 1 : 0) << (%d-%s);", dst, a, params[1], a, size, params[1], carryCheck, size, params[1])
	if needsSizeAdjust && !needsCarry {
		mask := (1 << size) - 1
		ret += fmt.Sprintf("\n\t%s = (%s & ~%d) | (%s & %d);", params[2], params[2], mask, dst, mask)
	}
	return ret, nil
}

func sextImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	width, ok := isInt(params[0])
	if !ok || (width != 16 && width != 32) {
		return "", &DSLError{Op: "sext", Message: "first param to sext must resolve to 16 or 32"}
	}
	fromSize := width / 2
	srcMask := (1 << fromSize) - 1
	dstMask := (1 << width) - 1
	src := params[1]
	if prog.ParamSize(raw[1]) > fromSize {
		if n, ok := isInt(src); ok {
			src = strconv.Itoa(n & srcMask)
		} else {
			src = fmt.Sprintf("(%s & %d)", src, srcMask)
		}
	}
	signBit := 1 << (fromSize - 1)
	extend := (0xFFFFFFFF << uint(fromSize)) & dstMask
	prog.lastSize = width
	if prog.ParamSize(raw[2]) > width {
		return fmt.Sprintf("\n\t%s = (%s & ~%d) | (%s & %d ? %s | %d : %s);", params[2], params[2], dstMask, src, signBit, src, extend, src), nil
	}
	return fmt.Sprintf("\n\t%s = %s & %d ? %s | %d : %s;", params[2], src, signBit, src, extend, src), nil
}

func muluImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	destSize := prog.ParamSize(raw[2])
	size, _ := sizeOf(params, 3, destSize)
	prog.lastSize = size
	p0Size, p1Size := halveIfFull(prog.ParamSize(raw[0]), size), halveIfFull(prog.ParamSize(raw[1]), size)
	p0Mask, p1Mask := (1<<p0Size)-1, (1<<p1Size)-1
	return fmt.Sprintf("\n\t%s = ((uint%d_t)(%s & %d)) * ((uint%d_t)(%s & %d));", params[2], size, params[0], p0Mask, size, params[1], p1Mask), nil
}

func mulsImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	destSize := prog.ParamSize(raw[2])
	size, _ := sizeOf(params, 3, destSize)
	prog.lastSize = size
	p0Size, p1Size := halveIfFull(prog.ParamSize(raw[0]), size), halveIfFull(prog.ParamSize(raw[1]), size)
	return fmt.Sprintf("\n\t%s = (int%d_t)(((int%d_t)%s) * ((int%d_t)%s));", params[2], size, p0Size, params[0], p1Size, params[1]), nil
}

func halveIfFull(paramSize, size int) int {
	if paramSize >= size {
		return size / 2
	}
	return paramSize
}

func xchgImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	size := prog.ParamSize(raw[0])
	_, name := prog.GetTemp(size)
	return fmt.Sprintf("\n\t%s = %s;\n\t%s = %s;\n\t%s = %s;", name, params[0], params[0], params[1], params[1], name), nil
}

func dispatchImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	table := "main"
	if len(params) > 1 {
		table = params[1]
	}
	switch prog.Dispatch {
	case "call":
		return fmt.Sprintf("\n\timpl_%s[%s](context, target_cycle);", table, params[0]), nil
	case "goto":
		return fmt.Sprintf("\n\tgoto *impl_%s[%s];", table, params[0]), nil
	default:
		return "", fmt.Errorf("unsupported dispatch type %q", prog.Dispatch)
	}
}

func updateSyncImpl(prog *Program, params, raw []string, flagUpdates map[string]bool) (string, error) {
	return fmt.Sprintf("\n\t%s(context, target_cycle);", prog.SyncCycle), nil
}

func opTable() map[string]*Op {
	join := func(prefix string, params []string, start int) string {
		parts := make([]string, 0, len(params)-start)
		for _, p := range params[start:] {
			parts = append(parts, p)
		}
		return strings.Join(parts, ", ")
	}
	m := map[string]*Op{
		"mov":  {impl: cUnaryOperator(""), outOp: []int{1}, evalFun: func(a []int) int { return a[0] }, evalArgs: 1},
		"not":  {impl: cUnaryOperator("~"), outOp: []int{1}, evalFun: func(a []int) int { return ^a[0] }, evalArgs: 1},
		"lnot": {impl: cUnaryOperator("!"), outOp: []int{1}, evalFun: func(a []int) int { if a[0] != 0 { return 0 }; return 1 }, evalArgs: 1},
		"neg":  {impl: cUnaryOperator("-"), outOp: []int{1}, evalFun: func(a []int) int { return -a[0] }, evalArgs: 1},
		"add":  {impl: cBinaryOperator("+"), outOp: []int{2}, evalFun: func(a []int) int { return a[0] + a[1] }, evalArgs: 2},
		"adc":  {impl: adcImpl, outOp: []int{2}},
		"sub":  {impl: cBinaryOperator("-"), outOp: []int{2}, evalFun: func(a []int) int { return a[1] - a[0] }, evalArgs: 2},
		"sbc":  {impl: sbcImpl, outOp: []int{2}},
		"lsl":  {impl: cBinaryOperator("<<"), outOp: []int{2}, evalFun: func(a []int) int { return a[0] << uint(a[1]) }, evalArgs: 2},
		"lsr":  {impl: cBinaryOperator(">>"), outOp: []int{2}, evalFun: func(a []int) int { return int(uint32(a[0]) >> uint(a[1])) }, evalArgs: 2},
		"asr":  {impl: asrImpl, outOp: []int{2}, evalFun: func(a []int) int { return a[0] >> uint(a[1]) }, evalArgs: 2},
		"rol":  {impl: rolImpl, outOp: []int{2}},
		"rlc":  {impl: rlcImpl, outOp: []int{2}},
		"ror":  {impl: rorImpl, outOp: []int{2}},
		"rrc":  {impl: rrcImpl, outOp: []int{2}},
		"mulu": {impl: muluImpl, outOp: []int{2}, evalFun: func(a []int) int { return a[0] * a[1] }, evalArgs: 2},
		"muls": {impl: mulsImpl, outOp: []int{2}},
		"and":  {impl: cBinaryOperator("&"), outOp: []int{2}, evalFun: func(a []int) int { return a[0] & a[1] }, evalArgs: 2},
		"or":   {impl: cBinaryOperator("|"), outOp: []int{2}, evalFun: func(a []int) int { return a[0] | a[1] }, evalArgs: 2},
		"xor":  {impl: cBinaryOperator("^"), outOp: []int{2}, evalFun: func(a []int) int { return a[0] ^ a[1] }, evalArgs: 2},
		"abs": {
			outOp: []int{1}, evalFun: func(a []int) int { if a[0] < 0 { return -a[0] }; return a[0] }, evalArgs: 1,
			impl: func(prog *Program, params, raw []string, fu map[string]bool) (string, error) {
				return fmt.Sprintf("\n\t%s = abs(%s);", params[1], params[0]), nil
			},
		},
		"cmp":  {impl: cmpImpl},
		"sext": {impl: sextImpl, outOp: []int{2}},
		"ocall": {impl: func(prog *Program, params, raw []string, fu map[string]bool) (string, error) {
			return fmt.Sprintf("\n\t%s%s(context%s%s);", prog.Prefix, params[0], sepIf(len(params) > 1), join("", params, 1)), nil
		}},
		"ccall": {impl: func(prog *Program, params, raw []string, fu map[string]bool) (string, error) {
			return fmt.Sprintf("\n\t%s(%s);", params[0], join("", params, 1)), nil
		}},
		"pcall": {impl: func(prog *Program, params, raw []string, fu map[string]bool) (string, error) {
			return fmt.Sprintf("\n\t((%s)%s)(%s);", params[1], params[0], join("", params, 2)), nil
		}},
		"cycles": {impl: func(prog *Program, params, raw []string, fu map[string]bool) (string, error) {
			return fmt.Sprintf("\n\tcontext->cycles += context->opts->gen.clock_divider * %s;", params[0]), nil
		}},
		"addsize": {
			outOp: []int{2}, evalArgs: 2,
			evalFun: func(a []int) int { if a[0] != 0 { return a[1] + 2*a[0] }; return a[1] + 1 },
			impl: func(prog *Program, params, raw []string, fu map[string]bool) (string, error) {
				return fmt.Sprintf("\n\t%s = %s + (%s ? %s * 2 : 1);", params[2], params[1], params[0], params[0]), nil
			},
		},
		"decsize": {
			outOp: []int{2}, evalArgs: 2,
			evalFun: func(a []int) int { if a[0] != 0 { return a[1] - 2*a[0] }; return a[1] - 1 },
			impl: func(prog *Program, params, raw []string, fu map[string]bool) (string, error) {
				return fmt.Sprintf("\n\t%s = %s - (%s ? %s * 2 : 1);", params[2], params[1], params[0], params[0]), nil
			},
		},
		"xchg":         {impl: xchgImpl, outOp: []int{0, 1}},
		"dispatch":     {impl: dispatchImpl},
		"update_flags": {impl: func(prog *Program, params, raw []string, fu map[string]bool) (string, error) { return UpdateFlags(prog, params[0]) }},
		"update_sync":  {impl: updateSyncImpl},
		"break":        {impl: func(prog *Program, params, raw []string, fu map[string]bool) (string, error) { return "\n\tbreak;", nil }},
	}
	return m
}

func sepIf(has bool) string {
	if has {
		return ", "
	}
	return ""
}
