package dsl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/alice-mkh/cpudsl/pkg/report"
)

var ops = opTable()

// processOps walks a block's operation list, generating C for each one
// in turn. When an op is immediately followed by an `update_flags`
// pseudo-op, that op's flag set is threaded through so the emitter
// knows which flags the current operation needs to compute alongside
// its result (carry/half-carry/overflow all require extra width or
// staging that only the producing operation can set up).
func processOps(prog *Program, parent Block, fieldVals map[string]int, output *[]string, oplist []*NormalOp) error {
	for i, op := range oplist {
		var flagUpdates map[string]bool
		if i+1 < len(oplist) && oplist[i+1].block == nil && oplist[i+1].Op == "update_flags" {
			var err error
			flagUpdates, _, err = ParseFlagUpdate(oplist[i+1].Params[0])
			if err != nil {
				return err
			}
		}
		if err := generateOp(prog, parent, fieldVals, output, op, flagUpdates); err != nil {
			return err
		}
	}
	return nil
}

// generateOp emits C for a single NormalOp: a nested block wrapper, the
// `meta`/`dis` pseudo-ops, a table lookup into the operation table
// (with constant folding when every input resolves to a literal), a
// subroutine call (inlined), or — as a last resort — a bare C function
// call using the op name verbatim.
func generateOp(prog *Program, parent Block, fieldVals map[string]int, output *[]string, op *NormalOp, flagUpdates map[string]bool) error {
	if op.block != nil {
		return op.block.generate(prog, parent, fieldVals, output)
	}

	opDef, hasOpDef := ops[op.Op]

	if op.Op == "xchg" {
		return generateXchg(prog, parent, fieldVals, output, op)
	}

	var procParams []string
	allParamsConst := flagUpdates == nil && !prog.conditional
	for idx, raw := range op.Params {
		isDst := hasOpDef && containsInt(opDef.outOp, idx)
		allowConst := !isDst
		if hasOpDef {
			if _, isSub := prog.Subroutines[op.Op]; isSub {
				allowConst = true
			}
		}
		param := prog.ResolveParam(raw, parent, fieldVals, allowConst, isDst)
		// The destination param (always last) is never required to be a
		// literal for folding purposes — only its *value* matters, and
		// that's recorded into regValues below, not read back here.
		if _, ok := isInt(param); !ok && idx != len(op.Params)-1 {
			allParamsConst = false
		}
		procParams = append(procParams, param)
	}

	if prog.needFlagCoalesce {
		*output = append(*output, prog.Flags.CoalesceFlags(prog))
		prog.needFlagCoalesce = false
	}

	switch {
	case op.Op == "meta":
		resolveMeta(prog, parent, fieldVals, op)
	case op.Op == "dis":
		// no-op: no disassembler backend is built.
	case hasOpDef:
		if opDef.NumParams() > len(procParams) {
			return &DSLError{Op: op.Op, Message: fmt.Sprintf("insufficient params for %s (%s)", op.Op, strings.Join(op.Params, ", "))}
		}
		if opDef.CanEval() && allParamsConst {
			if opDef.NumArgs() >= len(procParams) {
				return &DSLError{Op: op.Op, Message: fmt.Sprintf("insufficient args for %s (%s)", op.Op, strings.Join(op.Params, ", "))}
			}
			args := make([]int, opDef.NumArgs())
			for i := 0; i < opDef.NumArgs(); i++ {
				args[i], _ = strconv.Atoi(procParams[i])
			}
			result := opDef.Evaluate(args)
			dst := op.Params[opDef.NumArgs()]
			for {
				if alias, ok := prog.meta[dst]; ok {
					dst = alias
					continue
				}
				break
			}
			if local, ok := parent.ResolveLocal(dst); ok {
				dst = local
			}
			setRegValue(parent, dst, result)
			// The destination always names either a register or a
			// declared local, both real C storage, so the constant is
			// always written back — observable state (and any later
			// read that isn't itself constant-folded) has to agree.
			movRaw := []string{strconv.Itoa(result), op.Params[len(op.Params)-1]}
			movProc := []string{strconv.Itoa(result), procParams[len(procParams)-1]}
			text, err := ops["mov"].Generate(prog, movProc, movRaw, nil)
			if err != nil {
				return err
			}
			*output = append(*output, text)
		} else {
			text, err := opDef.Generate(prog, procParams, op.Params, flagUpdates)
			if err != nil {
				return err
			}
			*output = append(*output, text)
			for _, idx := range opDef.outOp {
				dst := op.Params[idx]
				for {
					if alias, ok := prog.meta[dst]; ok {
						dst = alias
						continue
					}
					break
				}
				deleteRegValue(parent, dst)
			}
			if op.Op == "ocall" || op.Op == "ccall" || op.Op == "pcall" {
				clearAllRegValues(prog, parent)
			}
		}
	default:
		if sub, ok := prog.Subroutines[op.Op]; ok {
			procParams = nil
			for _, raw := range op.Params {
				base, idx, hasDot := strings.Cut(raw, ".")
				if hasDot {
					if v, ok := fieldVals[idx]; ok {
						raw = base + "." + strconv.Itoa(v)
					}
				} else if v, ok := fieldVals[raw]; ok {
					raw = strconv.Itoa(v)
				} else if local, ok := parent.ResolveLocal(raw); ok {
					if v, ok := regValue(parent, local); ok {
						raw = v
					}
				}
				procParams = append(procParams, raw)
			}
			return sub.Inline(prog, procParams, output, parent)
		}
		*output = append(*output, fmt.Sprintf("\n\t%s(%s);", op.Op, strings.Join(procParams, ", ")))
	}
	prog.lastOp = op
	return nil
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func resolveMeta(prog *Program, parent Block, fieldVals map[string]int, op *NormalOp) {
	name, index, hasDot := strings.Cut(op.Params[1], ".")
	var param string
	if hasDot {
		if local, ok := parent.ResolveLocal(index); ok {
			index = local
		}
		if v, ok := fieldVals[index]; ok {
			index = strconv.Itoa(v)
		}
		param = name + "." + index
	} else {
		if local, ok := parent.ResolveLocal(name); ok {
			param = local
		} else {
			param = name
		}
		if v, ok := fieldVals[param]; ok {
			param = strconv.Itoa(v)
		}
	}
	prog.meta[op.Params[0]] = param
}

// regValues is kept on Instruction/SubRoutine; these helpers reach
// through the Block interface's concrete type since Go has no common
// mutable-map field on the interface itself.
func setRegValue(parent Block, name string, val int) {
	switch p := parent.(type) {
	case *Instruction:
		p.regValues[name] = strconv.Itoa(val)
	case *SubRoutine:
		p.regValues[name] = strconv.Itoa(val)
	}
}

func deleteRegValue(parent Block, name string) {
	switch p := parent.(type) {
	case *Instruction:
		delete(p.regValues, name)
	case *SubRoutine:
		delete(p.regValues, name)
	}
}

func regValue(parent Block, name string) (string, bool) {
	switch p := parent.(type) {
	case *Instruction:
		v, ok := p.regValues[name]
		return v, ok
	case *SubRoutine:
		v, ok := p.regValues[name]
		return v, ok
	}
	return "", false
}

func clearAllRegValues(prog *Program, parent Block) {
	switch p := parent.(type) {
	case *Instruction:
		for name := range p.regValues {
			if prog.IsReg(name) {
				delete(p.regValues, name)
			}
		}
	case *SubRoutine:
		for name := range p.regValues {
			if prog.IsReg(name) {
				delete(p.regValues, name)
			}
		}
	}
}

// generateXchg implements the `xchg a b` swap op, which reads and
// writes both operands simultaneously; when both sides fold to known
// constants the swap degenerates into two `mov`s and the constant
// tracking in the parent scope swaps along with it.
func generateXchg(prog *Program, parent Block, fieldVals map[string]int, output *[]string, op *NormalOp) error {
	a := prog.ResolveParam(op.Params[0], parent, fieldVals, true, false)
	b := prog.ResolveParam(op.Params[1], parent, fieldVals, true, false)
	dsta := prog.ResolveParam(op.Params[0], parent, fieldVals, false, true)
	dstb := prog.ResolveParam(op.Params[1], parent, fieldVals, false, true)
	dstaKey := strings.TrimPrefix(dsta, "context->")
	dstbKey := strings.TrimPrefix(dstb, "context->")
	_, aConst := isInt(a)
	_, bConst := isInt(b)
	mov := ops["mov"]
	switch {
	case aConst && bConst:
		setRegValue(parent, dstaKey, mustAtoi(b))
		setRegValue(parent, dstbKey, mustAtoi(a))
		if prog.IsReg(dstaKey) {
			text, err := mov.Generate(prog, []string{b, dsta}, []string{op.Params[1], op.Params[0]}, nil)
			if err != nil {
				return err
			}
			*output = append(*output, text)
		}
		if prog.IsReg(dstbKey) {
			text, err := mov.Generate(prog, []string{a, dstb}, []string{op.Params[0], op.Params[1]}, nil)
			if err != nil {
				return err
			}
			*output = append(*output, text)
		}
	case aConst:
		setRegValue(parent, dstbKey, mustAtoi(a))
		deleteRegValue(parent, dstaKey)
		text, err := mov.Generate(prog, []string{b, dsta}, []string{op.Params[1], op.Params[0]}, nil)
		if err != nil {
			return err
		}
		*output = append(*output, text)
		if prog.IsReg(dstbKey) {
			text, err = mov.Generate(prog, []string{a, dstb}, []string{op.Params[0], op.Params[1]}, nil)
			if err != nil {
				return err
			}
			*output = append(*output, text)
		}
	case bConst:
		setRegValue(parent, dstaKey, mustAtoi(b))
		deleteRegValue(parent, dstbKey)
		text, err := mov.Generate(prog, []string{a, dstb}, []string{op.Params[0], op.Params[1]}, nil)
		if err != nil {
			return err
		}
		*output = append(*output, text)
		if prog.IsReg(dstaKey) {
			text, err = mov.Generate(prog, []string{b, dsta}, []string{op.Params[1], op.Params[0]}, nil)
			if err != nil {
				return err
			}
			*output = append(*output, text)
		}
	default:
		size := prog.ParamSize(op.Params[0])
		_, name := prog.GetTemp(size)
		*output = append(*output, fmt.Sprintf("\n\t%s = %s;\n\t%s = %s;\n\t%s = %s;", name, dsta, dsta, dstb, dstb, name))
	}
	prog.lastOp = op
	return nil
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// declareLocals emits `uint{n}_t name;` declarations for a block's own
// locals, sorted for deterministic output.
func declareLocals(output *[]string, locals map[string]int) {
	names := make([]string, 0, len(locals))
	for name := range locals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		*output = append(*output, fmt.Sprintf("\n\tuint%d_t %s;", locals[name], name))
	}
}

// generate implements nestedBlock for Switch: dispatches on the field
// value, either picking the matching case statically (when the field
// is a compile-time constant, e.g. a specialized opcode bit) or
// emitting a real C switch when it is not. sw.genCase selects which
// case's locals are currently in scope for ResolveLocal/declareLocals.
func (sw *Switch) generate(prog *Program, parent Block, fieldVals map[string]int, output *[]string) error {
	prog.PushScope(sw)
	defer prog.PopScope()
	defer func() { sw.genCase = nil }()
	param := prog.ResolveParam(sw.Field, parent, fieldVals, true, false)
	if v, ok := isInt(param); ok {
		ops, found := sw.cases[v]
		if !found {
			if sw.defaultOps == nil {
				return nil
			}
			ops = sw.defaultOps
			sw.genCase = nil
		} else {
			idx := v
			sw.genCase = &idx
		}
		*output = append(*output, "\n\t{")
		declareLocals(output, sw.activeLocals())
		if err := processOps(prog, sw, fieldVals, output, ops); err != nil {
			return err
		}
		*output = append(*output, "\n\t}")
		return nil
	}
	oldCond := prog.conditional
	prog.conditional = true
	defer func() { prog.conditional = oldCond }()
	*output = append(*output, fmt.Sprintf("\n\tswitch(%s)\n\t{", param))
	keys := make([]int, 0, len(sw.cases))
	for k := range sw.cases {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		idx := k
		sw.genCase = &idx
		*output = append(*output, fmt.Sprintf("\n\tcase %dU: {", k))
		declareLocals(output, sw.activeLocals())
		if err := processOps(prog, sw, fieldVals, output, sw.cases[k]); err != nil {
			return err
		}
		*output = append(*output, "\n\tbreak;\n\t}")
	}
	if sw.defaultOps != nil {
		sw.genCase = nil
		*output = append(*output, "\n\tdefault: {")
		declareLocals(output, sw.activeLocals())
		if err := processOps(prog, sw, fieldVals, output, sw.defaultOps); err != nil {
			return err
		}
		*output = append(*output, "\n\tbreak;\n\t}")
	}
	*output = append(*output, "\n\t}")
	return nil
}

// ifCmpEval folds a comparator's result when both of a preceding cmp's
// operands resolved to compile-time constants (named boolean guards
// fold separately, in If.generate). ">=U" is an unsigned compare;
// the call site has already confirmed int-ness of both operands.
var ifCmpEval = map[string]func(a, b int) bool{
	">=U": func(a, b int) bool { return uint32(a) >= uint32(b) },
	"=":   func(a, b int) bool { return a == b },
	"!=":  func(a, b int) bool { return a != b },
}

// genBranch pushes ifb as a scope (selecting its then- or else-side
// locals for the duration), declares those locals, and walks the
// selected op list.
func (ifb *If) genBranch(prog *Program, parent Block, fieldVals map[string]int, output *[]string, useElse bool) error {
	ifb.inElse = useElse
	prog.PushScope(ifb)
	defer prog.PopScope()
	locals := ifb.locals
	body := ifb.body
	if useElse {
		locals = ifb.elseLocals
		body = ifb.elseBody
	}
	names := make([]string, 0, len(locals))
	for name := range locals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		*output = append(*output, fmt.Sprintf("\n\tuint%d_t %s;", locals[name], name))
	}
	return processOps(prog, parent, fieldVals, output, body)
}

// genConstBranch emits the resolved branch unconditionally (no C `if`
// is ever written): the then-body when res is true, the else-body (if
// any) when it is false. This is the dead-branch elimination path for
// both named boolean guards and compile-time-constant comparisons.
func (ifb *If) genConstBranch(prog *Program, parent Block, fieldVals map[string]int, output *[]string, res bool) error {
	if res {
		return ifb.genBranch(prog, parent, fieldVals, output, false)
	}
	if len(ifb.elseBody) == 0 && len(ifb.elseLocals) == 0 {
		return nil
	}
	return ifb.genBranch(prog, parent, fieldVals, output, true)
}

// generate implements nestedBlock for If. Three forms are handled:
//   - a named boolean guard (dynarec/interp/-D NAME): dead-branch
//     eliminated at compile time, never visible as a C `if`.
//   - a three-token compare folded against an immediately preceding
//     `cmp`: folded away when both operands are constant, otherwise
//     compiled against the cmp's raw operands (the emitted `cmp`
//     statement itself is elided in both cases).
//   - a plain boolean/register expression: emitted as a real C `if`,
//     or dropped/unconditional when it resolves to a constant.
func (ifb *If) generate(prog *Program, parent Block, fieldVals map[string]int, output *[]string) error {
	if v, ok := prog.booleans[ifb.Cond]; ok {
		return ifb.genConstBranch(prog, parent, fieldVals, output, v)
	}

	if eval, isCompare := ifCmpEval[ifb.Cond]; isCompare {
		if prog.lastOp != nil && prog.lastOp.Op == "cmp" {
			b0 := prog.ResolveParam(prog.lastOp.Params[0], parent, fieldVals, true, false)
			a0 := prog.ResolveParam(prog.lastOp.Params[1], parent, fieldVals, true, false)
			bi, bok := isInt(b0)
			ai, aok := isInt(a0)
			if len(*output) > 0 {
				*output = (*output)[:len(*output)-1]
			}
			if aok && bok {
				return ifb.genConstBranch(prog, parent, fieldVals, output, eval(ai, bi))
			}
			var cond string
			switch ifb.Cond {
			case ">=U":
				cond = fmt.Sprintf("%s >= %s", a0, b0)
			case "=":
				cond = fmt.Sprintf("%s == %s", a0, b0)
			case "!=":
				cond = fmt.Sprintf("%s != %s", a0, b0)
			}
			return ifb.emitRuntimeIf(prog, parent, fieldVals, output, cond)
		}
		switch ifb.Cond {
		case "=":
			lastDst := prog.ResolveParam(prog.lastDst, prog.currentScope(), nil, true, false)
			return ifb.emitRuntimeIf(prog, parent, fieldVals, output, fmt.Sprintf("!%s", lastDst))
		case "!=":
			lastDst := prog.ResolveParam(prog.lastDst, prog.currentScope(), nil, true, false)
			return ifb.emitRuntimeIf(prog, parent, fieldVals, output, lastDst)
		default:
			return &DSLError{Op: "if", Message: fmt.Sprintf("%s is not implemented outside a cmp context", ifb.Cond)}
		}
	}

	cond := prog.ResolveParam(ifb.Cond, parent, fieldVals, true, false)
	if v, ok := isInt(cond); ok {
		return ifb.genConstBranch(prog, parent, fieldVals, output, v != 0)
	}
	return ifb.emitRuntimeIf(prog, parent, fieldVals, output, cond)
}

// emitRuntimeIf wraps the then/else branches in an actual C if/else,
// used whenever the condition can't be resolved at compile time.
func (ifb *If) emitRuntimeIf(prog *Program, parent Block, fieldVals map[string]int, output *[]string, cond string) error {
	oldCond := prog.conditional
	prog.conditional = true
	defer func() { prog.conditional = oldCond }()
	*output = append(*output, fmt.Sprintf("\n\tif (%s) {", cond))
	if err := ifb.genBranch(prog, parent, fieldVals, output, false); err != nil {
		return err
	}
	if len(ifb.elseBody) > 0 || len(ifb.elseLocals) > 0 {
		*output = append(*output, "\n\t} else {")
		if err := ifb.genBranch(prog, parent, fieldVals, output, true); err != nil {
			return err
		}
	}
	*output = append(*output, "\n\t}")
	return nil
}

// collectWrites walks a block's operations, recursing into nested
// Switch/If/Loop bodies, and gathers the raw (unresolved) destination
// token of every op that writes somewhere. Loop.generate uses this to
// find every regValues fold a loop body could invalidate.
func collectWrites(oplist []*NormalOp) []string {
	var writes []string
	for _, op := range oplist {
		if op.block != nil {
			switch b := op.block.(type) {
			case *Switch:
				for _, ops := range b.cases {
					writes = append(writes, collectWrites(ops)...)
				}
				writes = append(writes, collectWrites(b.defaultOps)...)
			case *If:
				writes = append(writes, collectWrites(b.body)...)
				writes = append(writes, collectWrites(b.elseBody)...)
			case *Loop:
				writes = append(writes, collectWrites(b.body)...)
			}
			continue
		}
		if op.Op == "xchg" {
			if len(op.Params) >= 2 {
				writes = append(writes, op.Params[0], op.Params[1])
			}
			continue
		}
		opDef, ok := ops[op.Op]
		if !ok {
			continue
		}
		for _, idx := range opDef.outOp {
			if idx < len(op.Params) {
				writes = append(writes, op.Params[idx])
			}
		}
	}
	return writes
}

// evictLoopWrites flushes any regValues fold keyed by one of a loop
// body's write destinations to its backing storage, then deletes the
// fold, so a register folded to a constant before the loop is never
// substituted for a read inside a body that mutates it. Key derivation
// mirrors the fold-write path in generateOp (meta alias chase, then
// ResolveLocal), not the abbreviated one the non-fold eviction uses.
func evictLoopWrites(prog *Program, parent Block, fieldVals map[string]int, output *[]string, writes []string) error {
	seen := map[string]bool{}
	for _, raw := range writes {
		dst := raw
		for {
			if alias, ok := prog.meta[dst]; ok {
				dst = alias
				continue
			}
			break
		}
		if local, ok := parent.ResolveLocal(dst); ok {
			dst = local
		}
		if seen[dst] {
			continue
		}
		seen[dst] = true
		val, ok := regValue(parent, dst)
		if !ok {
			continue
		}
		resolved := prog.ResolveParam(raw, parent, fieldVals, false, true)
		text, err := ops["mov"].Generate(prog, []string{val, resolved}, []string{val, raw}, nil)
		if err != nil {
			return err
		}
		*output = append(*output, text)
		deleteRegValue(parent, dst)
	}
	return nil
}

// generate implements nestedBlock for Loop: a counted C `for` when
// Label names a resolvable loop count, else an unconditional `for`,
// wrapping the body and broken out of via a `break` op. Folds
// established before the loop are flushed and evicted for every
// destination the body writes, since the loop may run the write zero,
// one, or many times, and the body itself is generated with
// prog.conditional set so no new folds are made across iterations.
func (lp *Loop) generate(prog *Program, parent Block, fieldVals map[string]int, output *[]string) error {
	writes := collectWrites(lp.body)
	if err := evictLoopWrites(prog, parent, fieldVals, output, writes); err != nil {
		return err
	}

	if lp.Label != "" {
		count := prog.ResolveParam(lp.Label, parent, fieldVals, true, false)
		*output = append(*output, fmt.Sprintf("\n\tfor (uint32_t loop_counter__ = 0; loop_counter__ < %s; loop_counter__++) {", count))
	} else {
		*output = append(*output, "\n\tfor (;;) {")
	}

	oldCond := prog.conditional
	prog.conditional = true
	defer func() { prog.conditional = oldCond }()
	prog.PushScope(lp)
	defer prog.PopScope()
	declareLocals(output, lp.locals)
	if err := processOps(prog, parent, fieldVals, output, lp.body); err != nil {
		return err
	}
	*output = append(*output, "\n\t}")
	return nil
}

// Inline expands a subroutine call at the call site: pushes a fresh
// scope bound to the supplied argument expressions, declares its
// locals, and walks its body.
func (s *SubRoutine) Inline(prog *Program, params []string, output *[]string, parent Block) error {
	if len(params) != len(s.Args) {
		return &DSLError{Instruction: s.Name, Message: fmt.Sprintf("expects %d arguments, but was called with %d", len(s.Args), len(params))}
	}
	if parent != nil {
		if inst, ok := parent.(*Instruction); ok {
			s.regValues = inst.regValues
		} else if sub, ok := parent.(*SubRoutine); ok {
			s.regValues = sub.regValues
		}
	}
	prog.PushScope(s)
	defer prog.PopScope()
	argValues := map[string]string{}
	for i, arg := range s.Args {
		argValues[arg.Name] = params[i]
	}
	for name, size := range s.Locals {
		*output = append(*output, fmt.Sprintf("\n\tuint%d_t %s_%s;", size, s.Name, name))
	}
	s.argValues = argValues
	// Integer arguments resolve like field values; any other argument is
	// aliased through prog.meta for the duration of the call.
	argInts := map[string]int{}
	for name, val := range argValues {
		if n, ok := isInt(val); ok {
			argInts[name] = n
		} else if val != name {
			old, had := prog.meta[name]
			prog.meta[name] = val
			defer func(name, old string, had bool) {
				if had {
					prog.meta[name] = old
				} else {
					delete(prog.meta, name)
				}
			}(name, old, had)
		}
	}
	return processOps(prog, s, argInts, output, s.implementation)
}

// localSizeForArg returns the declared width of an argument name, looked
// up through argMap.
func (s *SubRoutine) localSizeForArg(name string) (int, bool) {
	if idx, ok := s.argMap[name]; ok {
		return s.Args[idx].Size, true
	}
	return 0, false
}

// GenerateBody specializes one concrete opcode word of this Instruction
// into a full C function (call dispatch) or label (goto dispatch),
// folding known field values as constants throughout the body.
func (inst *Instruction) GenerateBody(value int, prog *Program) (string, error) {
	var output []string
	prog.meta = map[string]string{}
	prog.temp = map[int]string{}
	prog.needFlagCoalesce = false
	prog.needFlagDisperse = false
	prog.lastOp = nil
	prog.PushScope(inst)
	inst.regValues = map[string]string{}
	for name, size := range inst.Locals {
		output = append(output, fmt.Sprintf("\n\tuint%d_t %s;", size, name))
	}
	inst.newLocals = nil
	fieldVals, _ := inst.GetFieldVals(value)
	for name := range inst.NoSpecialize {
		delete(fieldVals, name)
		inst.Locals[name] = prog.OpSize
		if len(prog.mainDispatch) != 1 {
			return "", &DSLError{Instruction: inst.Name, Message: "nospecialize requires exactly 1 field used for main table dispatch"}
		}
		f := inst.Fields[name]
		mask := (1 << f.Bits) - 1
		var opfield string
		for k := range prog.mainDispatch {
			opfield = k
		}
		if f.Shift != 0 {
			output = append(output, fmt.Sprintf("\n\tuint%d_t %s = context->%s >> %d & %d;", prog.OpSize, name, opfield, f.Shift, mask))
		} else {
			output = append(output, fmt.Sprintf("\n\tuint%d_t %s = context->%s & %d;", prog.OpSize, name, opfield, mask))
		}
	}
	if err := processOps(prog, inst, fieldVals, &output, inst.implementation); err != nil {
		return "", err
	}
	for name := range inst.NoSpecialize {
		delete(inst.Locals, name)
	}

	var begin string
	switch prog.Dispatch {
	case "call":
		begin = fmt.Sprintf("\nstatic void %s(%s *context, uint32_t target_cycle)\n{", inst.GenerateName(value), prog.ContextType)
	case "goto":
		begin = fmt.Sprintf("\n%s: {", inst.GenerateName(value))
	default:
		return "", fmt.Errorf("unsupported dispatch type %q", prog.Dispatch)
	}
	if prog.needFlagCoalesce {
		begin += prog.Flags.CoalesceFlags(prog)
	}
	if prog.needFlagDisperse {
		output = append(output, prog.Flags.DisperseFlags(prog))
	}
	for _, name := range inst.newLocals {
		begin += fmt.Sprintf("\n\tuint%d_t %s;", inst.Locals[name], name)
	}
	sizes := make([]int, 0, len(prog.temp))
	for size := range prog.temp {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)
	for _, size := range sizes {
		begin += fmt.Sprintf("\n\tuint%d_t gen_tmp%d__;", size, size)
	}
	prog.PopScope()
	if prog.Dispatch == "goto" {
		next, err := prog.nextInstruction()
		if err != nil {
			return "", err
		}
		output = append(output, next...)
	}
	return begin + strings.Join(output, "") + "\n}", nil
}

// nextInstruction emits the body-subroutine inline that a goto-dispatch
// label falls through to once it finishes, including the interrupt
// check gated on the sync-cycle boundary.
func (p *Program) nextInstruction() ([]string, error) {
	var output []string
	if p.Dispatch != "goto" {
		return output, nil
	}
	if sub, ok := p.Subroutines[p.Interrupt]; ok {
		output = append(output, "\n\tif (context->cycles >= context->sync_cycle) {")
		output = append(output, "\n\tif (context->cycles >= target_cycle) { return; }")
		p.meta = map[string]string{}
		p.temp = map[int]string{}
		if err := sub.Inline(p, nil, &output, nil); err != nil {
			return nil, err
		}
		output = append(output, "\n\t}")
	} else {
		output = append(output, "\n\tif (context->cycles >= target_cycle) { return; }")
	}
	p.meta = map[string]string{}
	p.temp = map[int]string{}
	if body, ok := p.Subroutines[p.Body]; ok {
		if err := body.Inline(p, nil, &output, nil); err != nil {
			return nil, err
		}
	}
	return output, nil
}

// processDispatch scans an already-parsed instruction/subroutine body
// for `dispatch op [table]` calls targeting the main table, recording
// which field feeds the dispatch array index so GenerateBody can
// synthesize the nospecialize opcode-field read and Build can emit the
// unimplemented-handler diagnostic.
func processDispatch(prog *Program, oplist []*NormalOp) {
	for _, op := range oplist {
		if op.block != nil {
			if sw, ok := op.block.(*Switch); ok {
				for _, ops := range sw.cases {
					processDispatch(prog, ops)
				}
				processDispatch(prog, sw.defaultOps)
			}
			if ifb, ok := op.block.(*If); ok {
				processDispatch(prog, ifb.body)
			}
			if lp, ok := op.block.(*Loop); ok {
				processDispatch(prog, lp.body)
			}
			continue
		}
		if op.Op == "dispatch" && (len(op.Params) == 1 || op.Params[1] == "main") {
			prog.mainDispatch[op.Params[0]] = true
		}
	}
}

// buildTable lays out one dispatch table: every instruction enumerates
// its concrete opcode values, each gets specialized once (memoized by
// generated name so repeated field patterns share code), and the
// resulting array of function pointers or goto labels is emitted with
// an `unimplemented` sentinel filling every unused slot.
func (p *Program) buildTable(table string, body, lateBody *[]string) error {
	opmap := make([]string, 1<<p.OpSize)
	bodymap := map[string]string{}
	if insts, ok := p.Instructions[table]; ok {
		sorted := append([]*Instruction(nil), insts...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
		for _, inst := range sorted {
			for _, val := range inst.AllValues() {
				if opmap[val] != "" {
					continue
				}
				p.meta = map[string]string{}
				p.temp = map[int]string{}
				p.needFlagCoalesce = false
				p.needFlagDisperse = false
				p.lastOp = nil
				name := inst.GenerateName(val)
				opmap[val] = name
				if _, ok := bodymap[name]; !ok {
					text, err := inst.GenerateBody(val, p)
					if err != nil {
						return err
					}
					bodymap[name] = text
				}
			}
		}
	}

	appended := map[string]bool{}
	switch p.Dispatch {
	case "call":
		*lateBody = append(*lateBody, fmt.Sprintf("\nstatic impl_fun impl_%s[%d] = {", table, len(opmap)))
		for _, op := range opmap {
			if op == "" {
				*lateBody = append(*lateBody, "\n\tunimplemented,")
				continue
			}
			*lateBody = append(*lateBody, "\n\t"+op+",")
			if !appended[op] {
				*body = append(*body, bodymap[op])
				appended[op] = true
			}
		}
		*lateBody = append(*lateBody, "\n};")
	case "goto":
		*body = append(*body, fmt.Sprintf("\n\tstatic void *impl_%s[%d] = {", table, len(opmap)))
		for _, op := range opmap {
			if op == "" {
				*body = append(*body, "\n\t\t&&unimplemented,")
				continue
			}
			*body = append(*body, "\n\t\t&&"+op+",")
			if !appended[op] {
				*lateBody = append(*lateBody, bodymap[op])
				appended[op] = true
			}
		}
		*body = append(*body, "\n\t};")
	default:
		return fmt.Errorf("unimplemented dispatch type %q", p.Dispatch)
	}

	if p.Stats != nil {
		unimpl := 0
		for _, op := range opmap {
			if op == "" {
				unimpl++
			}
		}
		p.Stats.Record(report.TableStats{
			Table:           table,
			Opcodes:         len(opmap),
			Specializations: len(bodymap),
			SharedBodies:    len(opmap) - unimpl - len(bodymap),
			Unimplemented:   unimpl,
		})
	}
	return nil
}

// Build runs the full compile: one pass recording dispatch targets,
// one pass emitting every instruction table, and a final pass wiring
// the `execute()` entry point for the chosen dispatch mode.
func (p *Program) Build() (string, error) {
	var body, pieces []string
	for _, inc := range p.Includes {
		body = append(body, fmt.Sprintf("#include \"%s\"\n", inc))
	}
	if p.Dispatch == "call" {
		body = append(body, fmt.Sprintf("\ntypedef void (*impl_fun)(%scontext *context, uint32_t target_cycle);", p.Prefix))
		for _, table := range p.ExtraTables {
			body = append(body, fmt.Sprintf("\nstatic impl_fun impl_%s[%d];", table, 1<<p.OpSize))
		}
		body = append(body, fmt.Sprintf("\nstatic impl_fun impl_main[%d];", 1<<p.OpSize))
	} else if p.Dispatch == "goto" {
		body = append(body, fmt.Sprintf("\nvoid %sexecute(%s *context, uint32_t target_cycle)\n{", p.Prefix, p.ContextType))
	}

	tableNames := make([]string, 0, len(p.Instructions))
	for t := range p.Instructions {
		tableNames = append(tableNames, t)
	}
	sort.Strings(tableNames)
	for _, t := range tableNames {
		for _, inst := range p.Instructions[t] {
			processDispatch(p, inst.implementation)
		}
	}
	subNames := make([]string, 0, len(p.Subroutines))
	for s := range p.Subroutines {
		subNames = append(subNames, s)
	}
	sort.Strings(subNames)
	for _, s := range subNames {
		processDispatch(p, p.Subroutines[s].implementation)
	}

	for _, table := range p.ExtraTables {
		if err := p.buildTable(table, &body, &pieces); err != nil {
			return "", err
		}
	}
	if err := p.buildTable("main", &body, &pieces); err != nil {
		return "", err
	}

	if p.Dispatch == "call" {
		if bodySub, ok := p.Subroutines[p.Body]; ok {
			_ = bodySub
			if err := p.emitCallExecute(&pieces); err != nil {
				return "", err
			}
		}
		body = append(body, fmt.Sprintf("\nstatic void unimplemented(%scontext *context, uint32_t target_cycle)\n{", p.Prefix))
		if len(p.mainDispatch) == 1 {
			var field string
			for k := range p.mainDispatch {
				field = k
			}
			dispatch := p.ResolveParam(field, nil, nil, true, false)
			body = append(body, fmt.Sprintf("\n\tfatal_error(\"Unimplemented instruction: %%X\\n\", %s);", dispatch))
		} else {
			body = append(body, "\n\tfatal_error(\"Unimplemented instruction\\n\");")
		}
		body = append(body, "\n}\n")
	} else if p.Dispatch == "goto" {
		body = append(body, fmt.Sprintf("\n\t%s(context, target_cycle);", p.SyncCycle))
		next, err := p.nextInstruction()
		if err != nil {
			return "", err
		}
		body = append(body, next...)
		pieces = append(pieces, "\nunimplemented:")
		if len(p.mainDispatch) == 1 {
			var field string
			for k := range p.mainDispatch {
				field = k
			}
			pieces = append(pieces, fmt.Sprintf("\n\tfatal_error(\"Unimplemented instruction: %%X\\n\", %s);", field))
		} else {
			pieces = append(pieces, "\n\tfatal_error(\"Unimplemented instruction\\n\");")
		}
		pieces = append(pieces, "\n}")
	}
	return strings.Join(body, "") + strings.Join(pieces, ""), nil
}

// emitCallExecute builds the call-dispatch execute() entry point,
// consulting the breakpoint ternary tree when a pc register is
// configured and inlining the interrupt subroutine at the sync-cycle
// boundary, both nested inside the cycle-budget loop.
func (p *Program) emitCallExecute(pieces *[]string) error {
	*pieces = append(*pieces, fmt.Sprintf("\nvoid %sexecute(%s *context, uint32_t target_cycle)\n{", p.Prefix, p.ContextType))
	*pieces = append(*pieces, fmt.Sprintf("\n\t%s(context, target_cycle);", p.SyncCycle))
	if p.PCReg != "" {
		*pieces = append(*pieces, "\n\tif (context->breakpoints) {")
		*pieces = append(*pieces, "\n\t\twhile (context->cycles < target_cycle)\n\t\t{")
		if err := p.emitInterruptCheck(pieces, "\t\t\t"); err != nil {
			return err
		}
		pcRef := "context->" + p.PCReg
		if p.PCOffset != 0 {
			*pieces = append(*pieces, fmt.Sprintf("\n\t\t\tuint32_t debug_pc = context->%s - %d;", p.PCReg, p.PCOffset))
			pcRef = "debug_pc"
		}
		*pieces = append(*pieces, "\n\t\t\tchar key_buf[6];")
		*pieces = append(*pieces, fmt.Sprintf("\n\t\t\tdebug_handler handler = tern_find_ptr(context->breakpoints, tern_int_key(%s, key_buf));", pcRef))
		*pieces = append(*pieces, "\n\t\t\tif (handler) {")
		*pieces = append(*pieces, fmt.Sprintf("\n\t\t\t\thandler(context, %s);", pcRef))
		*pieces = append(*pieces, "\n\t\t\t}")
		p.meta = map[string]string{}
		p.temp = map[int]string{}
		if body, ok := p.Subroutines[p.Body]; ok {
			if err := body.Inline(p, nil, pieces, nil); err != nil {
				return err
			}
		}
		*pieces = append(*pieces, "\n\t}")
		*pieces = append(*pieces, "\n\t} else {")
	}
	*pieces = append(*pieces, "\n\twhile (context->cycles < target_cycle)\n\t{")
	if err := p.emitInterruptCheck(pieces, "\t\t"); err != nil {
		return err
	}
	p.meta = map[string]string{}
	p.temp = map[int]string{}
	if body, ok := p.Subroutines[p.Body]; ok {
		if err := body.Inline(p, nil, pieces, nil); err != nil {
			return err
		}
	}
	*pieces = append(*pieces, "\n\t}")
	if p.PCReg != "" {
		*pieces = append(*pieces, "\n\t}")
	}
	*pieces = append(*pieces, "\n}")
	return nil
}

func (p *Program) emitInterruptCheck(pieces *[]string, indent string) error {
	sub, ok := p.Subroutines[p.Interrupt]
	if !ok {
		return nil
	}
	*pieces = append(*pieces, fmt.Sprintf("\n%sif (context->cycles >= context->sync_cycle) {", indent))
	*pieces = append(*pieces, fmt.Sprintf("\n%s\t%s(context, target_cycle);", indent, p.SyncCycle))
	*pieces = append(*pieces, fmt.Sprintf("\n%s}", indent))
	p.meta = map[string]string{}
	p.temp = map[int]string{}
	var intPieces []string
	if err := sub.Inline(p, nil, &intPieces, nil); err != nil {
		return err
	}
	sizes := make([]int, 0, len(p.temp))
	for size := range p.temp {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)
	for _, size := range sizes {
		*pieces = append(*pieces, fmt.Sprintf("\n%suint%d_t gen_tmp%d__;", indent, size, size))
	}
	*pieces = append(*pieces, intPieces...)
	return nil
}

// WriteHeader renders the generated context struct and forward
// declarations, mirroring what the compiler would normally write to a
// companion .h file alongside the emitted .c body.
func (p *Program) WriteHeader() string {
	var b strings.Builder
	macro := strings.ToUpper(strings.ReplaceAll(p.Prefix+"context_h", ".", "_"))
	fmt.Fprintf(&b, "#ifndef %s_", macro)
	fmt.Fprintf(&b, "\n#define %s_", macro)
	b.WriteString("\n#include <stdio.h>")
	b.WriteString("\n#include \"backend.h\"")
	if p.PCReg != "" {
		b.WriteString("\n#include \"tern.h\"")
	}
	fmt.Fprintf(&b, "\n\ntypedef struct %soptions %soptions;", p.Prefix, p.Prefix)
	fmt.Fprintf(&b, "\n\ntypedef struct %scontext %scontext;", p.Prefix, p.Prefix)
	for _, decl := range p.Declares {
		if strings.HasPrefix(decl, "define ") {
			decl = "#" + decl
		}
		b.WriteString("\n" + decl)
	}
	fmt.Fprintf(&b, "\n\nstruct %soptions {", p.Prefix)
	b.WriteString("\n\tcpu_options gen;")
	b.WriteString("\n\tFILE* address_log;")
	b.WriteString("\n};")
	fmt.Fprintf(&b, "\n\nstruct %scontext {", p.Prefix)
	fmt.Fprintf(&b, "\n\t%soptions *opts;", p.Prefix)
	if p.PCReg != "" {
		b.WriteString("\n\ttern_node *breakpoints;")
	}
	p.Regs.WriteHeader(&b)
	b.WriteString("\n};\n")
	fmt.Fprintf(&b, "\nvoid %sexecute(%s *context, uint32_t target_cycle);", p.Prefix, p.ContextType)
	fmt.Fprintf(&b, "\n#endif //%s_\n", macro)
	return b.String()
}
