package dsl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// assignmentOps maps a compound-assignment token to the DSL op name it
// normalizes to (spec §4.1).
var assignmentOps = map[string]string{
	"=": "mov", "+=": "add", "-=": "sub", "<<=": "lsl", ">>=": "lsr",
	"&=": "and", "|=": "or", "^=": "xor",
}

// binaryOps maps an infix operator token, used on the right of a plain
// "=" assignment, to its DSL op name.
var binaryOps = map[string]string{
	"+": "add", "-": "sub", "<<": "lsl", ">>": "lsr",
	"*": "mulu", "*S": "muls", "&": "and", "|": "or", "^": "xor",
}

// unaryOps maps a unary prefix operator token to its DSL op name.
var unaryOps = map[string]string{"~": "not", "!": "lnot", "-": "neg"}

// compareOps are the tokens recognized in "if a CMP b" shorthand, which
// desugars to an explicit cmp op followed by a plain conditional.
var compareOps = map[string]bool{">=U": true, "=": true, "!=": true}

// Block is a node in the DSL's block hierarchy: an Instruction or
// SubRoutine body, or a nested switch/if/loop inside one.
type Block interface {
	AddOp(op *NormalOp)
	ProcessLine(parts []string) (Block, error)
	ResolveLocal(name string) (string, bool)
	Implementation() []*NormalOp
}

// baseBlock implements the line-dispatch shared by every block kind:
// recognizing switch/if/loop/end and normalizing assignment shorthand
// into a NormalOp before delegating to the concrete AddOp.
type baseBlock struct {
	self Block // concrete receiver, for AddOp dispatch
}

func (b *baseBlock) ResolveLocal(name string) (string, bool) { return "", false }

// processAssignment rewrites compound-assignment shorthand lines into
// canonical NormalOp parts, per spec §4.1 / the assignmentOps table.
func processAssignment(parts []string) []string {
	if len(parts) <= 1 {
		return parts
	}
	op, isAssign := assignmentOps[parts[1]]
	if !isAssign {
		return parts
	}
	dst := parts[0]
	size := ""
	if before, after, found := strings.Cut(dst, ":"); found {
		dst, size = before, after
	}
	origOp := parts[1]
	parts = append([]string{op}, parts[2:]...)
	if origOp == "=" {
		if len(parts) > 2 {
			if binOp, ok := binaryOps[parts[2]]; ok {
				if parts[2] == "-" {
					parts[1], parts[3] = parts[3], parts[1]
				}
				parts[0] = binOp
				parts = append(parts[:2], parts[3:]...)
			}
		} else if len(parts) > 1 && len(parts[1]) > 0 {
			if unOp, ok := unaryOps[parts[1][:1]]; ok {
				rest := parts[1][1:]
				if rest != "" {
					parts[1] = rest
				} else {
					parts = append(parts[:1], parts[2:]...)
				}
				parts[0] = unOp
			}
		}
	} else {
		if origOp == "<<=" || origOp == ">>=" {
			parts = append(parts[:1], append([]string{dst}, parts[1:]...)...)
		} else {
			parts = append(parts, dst)
		}
	}
	parts = append(parts, dst)
	if size != "" {
		parts = append(parts, size)
	}
	return parts
}

// dispatchLine handles switch/if/loop/end and assignment normalization
// shared by every Block. Returns (nextBlock, handled, error); when
// handled is false the caller's concrete AddOp still needs to run on a
// freshly-built NormalOp.
func dispatchLine(self Block, parent Block, parts []string) (Block, bool, error) {
	switch parts[0] {
	case "switch":
		if len(parts) != 2 {
			return nil, true, fmt.Errorf("switch requires exactly one field name")
		}
		sw := NewSwitch(self, parts[1])
		self.AddOp(&NormalOp{block: sw})
		return sw, true, nil
	case "if":
		var cond string
		if len(parts) == 4 && compareOps[parts[2]] {
			self.AddOp(&NormalOp{Op: "cmp", Params: []string{parts[3], parts[1]}})
			cond = parts[2]
		} else if len(parts) == 2 {
			cond = parts[1]
		} else {
			return nil, true, fmt.Errorf("malformed if: %v", parts)
		}
		ifb := NewIf(self, cond)
		self.AddOp(&NormalOp{block: ifb})
		return ifb, true, nil
	case "loop":
		var label string
		if len(parts) > 1 {
			label = parts[1]
		}
		lp := NewLoop(self, label)
		self.AddOp(&NormalOp{block: lp})
		return lp, true, nil
	case "end":
		return nil, true, fmt.Errorf("end is only allowed inside a switch, if or loop block")
	}
	return nil, false, nil
}

// NormalOp is one DSL operation invocation: either a genuine op call
// (Op/Params set) or a wrapper carrying a nested block (switch/if/loop),
// distinguished by block being non-nil.
type NormalOp struct {
	Op     string
	Params []string
	block  nestedBlock // non-nil for switch/if/loop wrapper entries
}

type nestedBlock interface {
	Block
	processDispatch(prog *Program) error
	generate(prog *Program, parent Block, fieldVals map[string]int, output *[]string) error
}

func (n *NormalOp) String() string {
	if n.block != nil {
		return fmt.Sprintf("\n\t<nested %T>", n.block)
	}
	return "\n\t" + n.Op + " " + strings.Join(n.Params, " ")
}

// FieldSpec describes one bitfield of an Instruction's opcode word.
type FieldSpec struct {
	Shift int
	Bits  int
}

// Instruction represents one concrete CPU instruction pattern: a fixed
// opcode value, a set of varying bitfields, and a DSL op implementation
// that gets specialized once per concrete field combination.
type Instruction struct {
	baseBlock
	Value  int
	Fields map[string]FieldSpec
	Name   string

	implementation []*NormalOp
	Locals         map[string]int
	regValues      map[string]string
	varyingBits    int

	InvalidFieldValues map[string]map[int]bool
	InvalidCombos      []map[string]int
	newLocals          []string
	NoSpecialize       map[string]bool
}

// NewInstruction builds an Instruction, summing field widths into
// varyingBits up front since allValues/generateName consult it often.
func NewInstruction(value int, fields map[string]FieldSpec, name string) *Instruction {
	inst := &Instruction{
		Value: value, Fields: fields, Name: name,
		Locals:             map[string]int{},
		regValues:          map[string]string{},
		InvalidFieldValues: map[string]map[int]bool{},
		NoSpecialize:       map[string]bool{},
	}
	inst.baseBlock.self = inst
	for _, f := range fields {
		inst.varyingBits += f.Bits
	}
	return inst
}

func (i *Instruction) Implementation() []*NormalOp { return i.implementation }

func (i *Instruction) ResolveLocal(name string) (string, bool) {
	if _, ok := i.Locals[name]; ok {
		return name, true
	}
	return "", false
}

func (i *Instruction) AddLocal(name string, size int) {
	i.Locals[name] = size
	i.newLocals = append(i.newLocals, name)
}

func (i *Instruction) LocalSize(name string) (int, bool) {
	sz, ok := i.Locals[name]
	return sz, ok
}

// AddOp routes a parsed NormalOp into locals/invalid/nospecialize
// bookkeeping, or appends it to the implementation list.
func (i *Instruction) AddOp(op *NormalOp) {
	switch op.Op {
	case "local":
		size, _ := strconv.Atoi(op.Params[1])
		i.Locals[op.Params[0]] = size
	case "invalid":
		if len(op.Params) < 3 {
			name := op.Params[0]
			value, _ := strconv.Atoi(op.Params[1])
			if i.InvalidFieldValues[name] == nil {
				i.InvalidFieldValues[name] = map[int]bool{}
			}
			i.InvalidFieldValues[name][value] = true
		} else {
			vmap := map[string]int{}
			for k := 0; k+1 < len(op.Params); k += 2 {
				v, _ := strconv.Atoi(op.Params[k+1])
				vmap[op.Params[k]] = v
			}
			i.InvalidCombos = append(i.InvalidCombos, vmap)
		}
	case "nospecialize":
		for _, name := range op.Params {
			i.NoSpecialize[name] = true
		}
	default:
		i.implementation = append(i.implementation, op)
	}
}

func (i *Instruction) ProcessLine(parts []string) (Block, error) {
	next, handled, err := dispatchLine(i, nil, parts)
	if handled {
		return next, err
	}
	parts = processAssignment(parts)
	i.AddOp(&NormalOp{Op: parts[0], Params: parts[1:]})
	return i, nil
}

// Less orders instructions by varying-bit count first then opcode
// value, matching the field-count-ascending emission order required by
// the dispatch-table layout (fewer varying bits specialize first).
func (i *Instruction) Less(other *Instruction) bool {
	if i.varyingBits != other.varyingBits {
		return i.varyingBits < other.varyingBits
	}
	return i.Value < other.Value
}

// AllValues enumerates every concrete opcode word this Instruction
// specializes to: one per combination of its varying bitfields, minus
// combinations excluded by "invalid" declarations.
func (inst *Instruction) AllValues() []int {
	fieldNames := sortedKeys(inst.Fields)
	var values []int
	for i := 0; i < (1 << inst.varyingBits); i++ {
		iword := inst.Value
		rem := i
		ok := true
		combos := make([]map[string]int, len(inst.InvalidCombos))
		for idx, c := range inst.InvalidCombos {
			cp := make(map[string]int, len(c))
			for k, v := range c {
				cp[k] = v
			}
			combos[idx] = cp
		}
		for _, field := range fieldNames {
			f := inst.Fields[field]
			val := rem & ((1 << f.Bits) - 1)
			if inst.InvalidFieldValues[field] != nil && inst.InvalidFieldValues[field][val] {
				ok = false
				break
			}
			var next []map[string]int
			for _, combo := range combos {
				if want, has := combo[field]; has {
					if want == val {
						delete(combo, field)
						if len(combo) == 0 {
							ok = false
							break
						}
					} else {
						continue
					}
				}
				next = append(next, combo)
			}
			combos = next
			if !ok {
				break
			}
			rem >>= f.Bits
			iword |= val << f.Shift
		}
		if ok {
			values = append(values, iword)
		}
	}
	return values
}

func sortedKeys(m map[string]FieldSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetFieldVals extracts each field's value (and bit width) out of a
// concrete opcode word.
func (inst *Instruction) GetFieldVals(value int) (vals map[string]int, bits map[string]int) {
	vals = map[string]int{}
	bits = map[string]int{}
	for name, f := range inst.Fields {
		vals[name] = (value >> f.Shift) & ((1 << f.Bits) - 1)
		bits[name] = f.Bits
	}
	return vals, bits
}

// GenerateName builds the specialized function/label name for a
// concrete opcode word: the instruction name followed by
// "_<field>_<binary value zero-padded to field width>" for every field
// not excluded via nospecialize, sorted by field name.
func (inst *Instruction) GenerateName(value int) string {
	fieldVals, fieldBits := inst.GetFieldVals(value)
	for name := range inst.NoSpecialize {
		delete(fieldVals, name)
	}
	names := make([]string, 0, len(fieldVals))
	for n := range fieldVals {
		names = append(names, n)
	}
	sort.Strings(names)
	funName := inst.Name
	for _, name := range names {
		funName += fmt.Sprintf("_%s_%0*b", name, fieldBits[name], fieldVals[name])
	}
	return funName
}

// SubRoutine represents a named, call-inlined helper body shared by
// multiple instructions.
type SubRoutine struct {
	baseBlock
	Name           string
	implementation []*NormalOp
	Args           []SubArg
	argMap         map[string]int
	Locals         map[string]int
	regValues      map[string]string
	argValues      map[string]string
}

type SubArg struct {
	Name string
	Size int
}

func NewSubRoutine(name string) *SubRoutine {
	s := &SubRoutine{
		Name: name, argMap: map[string]int{}, Locals: map[string]int{},
		regValues: map[string]string{}, argValues: map[string]string{},
	}
	s.baseBlock.self = s
	return s
}

func (s *SubRoutine) Implementation() []*NormalOp { return s.implementation }

func (s *SubRoutine) ResolveLocal(name string) (string, bool) {
	if _, ok := s.Locals[name]; ok {
		return s.Name + "_" + name, true
	}
	return "", false
}

func (s *SubRoutine) AddLocal(name string, size int) { s.Locals[name] = size }

func (s *SubRoutine) LocalSize(name string) (int, bool) {
	if sz, ok := s.Locals[name]; ok {
		return sz, true
	}
	if idx, ok := s.argMap[name]; ok {
		return s.Args[idx].Size, true
	}
	return 0, false
}

func (s *SubRoutine) AddOp(op *NormalOp) {
	switch op.Op {
	case "arg":
		size, _ := strconv.Atoi(op.Params[1])
		s.argMap[op.Params[0]] = len(s.Args)
		s.Args = append(s.Args, SubArg{Name: op.Params[0], Size: size})
	case "local":
		size, _ := strconv.Atoi(op.Params[1])
		s.Locals[op.Params[0]] = size
	default:
		s.implementation = append(s.implementation, op)
	}
}

func (s *SubRoutine) ProcessLine(parts []string) (Block, error) {
	next, handled, err := dispatchLine(s, nil, parts)
	if handled {
		return next, err
	}
	parts = processAssignment(parts)
	s.AddOp(&NormalOp{Op: parts[0], Params: parts[1:]})
	return s, nil
}

// Switch is a nested block dispatching on the named field's value,
// with one child Instruction-like body per case plus a default. Each
// case (and the default) owns its own locals, declared only inside
// that case's generated block.
type Switch struct {
	baseBlock
	parent        Block
	Field         string
	cases         map[int][]*NormalOp
	defaultOps    []*NormalOp
	current       *int
	implOps       []*NormalOp
	caseLocals    map[int]map[string]int
	defaultLocals map[string]int
	genCase       *int // which case's locals ResolveLocal/LocalSize should consult during generate
}

func NewSwitch(parent Block, field string) *Switch {
	sw := &Switch{parent: parent, Field: field, cases: map[int][]*NormalOp{}, caseLocals: map[int]map[string]int{}}
	sw.baseBlock.self = sw
	return sw
}

func (sw *Switch) Implementation() []*NormalOp { return sw.implOps }

// AddOp routes a `local` declaration into whichever case (or the
// default) is currently being parsed; everything else is appended to
// that case's op list as usual.
func (sw *Switch) AddOp(op *NormalOp) {
	if op.Op == "local" {
		size, _ := strconv.Atoi(op.Params[1])
		if sw.current == nil {
			if sw.defaultLocals == nil {
				sw.defaultLocals = map[string]int{}
			}
			sw.defaultLocals[op.Params[0]] = size
		} else {
			m := sw.caseLocals[*sw.current]
			if m == nil {
				m = map[string]int{}
				sw.caseLocals[*sw.current] = m
			}
			m[op.Params[0]] = size
		}
		return
	}
	if sw.current == nil {
		sw.defaultOps = append(sw.defaultOps, op)
	} else {
		sw.cases[*sw.current] = append(sw.cases[*sw.current], op)
	}
	sw.implOps = append(sw.implOps, op)
}

func (sw *Switch) ProcessLine(parts []string) (Block, error) {
	if parts[0] == "case" {
		if len(parts) != 2 {
			return nil, fmt.Errorf("case requires exactly one value")
		}
		v, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid case value %q: %w", parts[1], err)
		}
		sw.current = &v
		return sw, nil
	}
	if parts[0] == "default" {
		sw.current = nil
		return sw, nil
	}
	if parts[0] == "end" {
		return sw.parent, nil
	}
	parts = processAssignment(parts)
	sw.AddOp(&NormalOp{Op: parts[0], Params: parts[1:]})
	return sw, nil
}

// ResolveLocal checks the locals of whichever case generate() is
// currently emitting (genCase, or the default when nil) before falling
// through to the enclosing scope.
func (sw *Switch) ResolveLocal(name string) (string, bool) {
	if _, ok := sw.activeLocals()[name]; ok {
		return name, true
	}
	return sw.parent.ResolveLocal(name)
}

func (sw *Switch) LocalSize(name string) (int, bool) {
	sz, ok := sw.activeLocals()[name]
	return sz, ok
}

func (sw *Switch) activeLocals() map[string]int {
	if sw.genCase == nil {
		return sw.defaultLocals
	}
	return sw.caseLocals[*sw.genCase]
}

func (sw *Switch) processDispatch(prog *Program) error { return nil }

// If is a nested conditional block guarding its body on a named
// (possibly constant-folded) flag/condition. Its else branch, when
// present, tracks its own locals separately from the then branch.
type If struct {
	baseBlock
	parent     Block
	Cond       string
	body       []*NormalOp
	elseBody   []*NormalOp
	locals     map[string]int
	elseLocals map[string]int
	inElse     bool
}

func NewIf(parent Block, cond string) *If {
	ifb := &If{parent: parent, Cond: cond, locals: map[string]int{}, elseLocals: map[string]int{}}
	ifb.baseBlock.self = ifb
	return ifb
}

func (ifb *If) Implementation() []*NormalOp { return ifb.body }

// AddOp routes "local" declarations and ops into whichever branch is
// currently being parsed (then, until an "else" line flips inElse).
func (ifb *If) AddOp(op *NormalOp) {
	switch op.Op {
	case "local":
		size, _ := strconv.Atoi(op.Params[1])
		if ifb.inElse {
			ifb.elseLocals[op.Params[0]] = size
		} else {
			ifb.locals[op.Params[0]] = size
		}
	case "else":
		ifb.inElse = true
	default:
		if ifb.inElse {
			ifb.elseBody = append(ifb.elseBody, op)
		} else {
			ifb.body = append(ifb.body, op)
		}
	}
}

func (ifb *If) ProcessLine(parts []string) (Block, error) {
	if parts[0] == "end" {
		return ifb.parent, nil
	}
	if parts[0] == "else" {
		ifb.AddOp(&NormalOp{Op: "else"})
		return ifb, nil
	}
	next, handled, err := dispatchLine(ifb, ifb.parent, parts)
	if handled {
		return next, err
	}
	parts = processAssignment(parts)
	ifb.AddOp(&NormalOp{Op: parts[0], Params: parts[1:]})
	return ifb, nil
}

// ResolveLocal checks whichever branch's locals are currently selected
// (the flag generate() flips before walking each branch) before
// falling through to the enclosing scope.
func (ifb *If) ResolveLocal(name string) (string, bool) {
	locals := ifb.locals
	if ifb.inElse {
		locals = ifb.elseLocals
	}
	if _, ok := locals[name]; ok {
		return name, true
	}
	return ifb.parent.ResolveLocal(name)
}

func (ifb *If) LocalSize(name string) (int, bool) {
	if sz, ok := ifb.locals[name]; ok {
		return sz, true
	}
	sz, ok := ifb.elseLocals[name]
	return sz, ok
}

func (ifb *If) processDispatch(prog *Program) error {
	for _, op := range ifb.body {
		if op.block != nil {
			if err := op.block.processDispatch(prog); err != nil {
				return err
			}
		}
	}
	for _, op := range ifb.elseBody {
		if op.block != nil {
			if err := op.block.processDispatch(prog); err != nil {
				return err
			}
		}
	}
	return nil
}

// Loop is a nested block whose body repeats under an emitted C `for`
// — counted when Label names a resolvable count, else unconditional
// (`for (;;)`) — broken out of via `break`. It owns its own locals,
// declared only inside the generated loop body.
type Loop struct {
	baseBlock
	parent Block
	Label  string
	body   []*NormalOp
	locals map[string]int
}

func NewLoop(parent Block, label string) *Loop {
	lp := &Loop{parent: parent, Label: label, locals: map[string]int{}}
	lp.baseBlock.self = lp
	return lp
}

func (lp *Loop) Implementation() []*NormalOp { return lp.body }

// AddOp routes a `local` declaration into lp.locals instead of the body.
func (lp *Loop) AddOp(op *NormalOp) {
	if op.Op == "local" {
		size, _ := strconv.Atoi(op.Params[1])
		lp.locals[op.Params[0]] = size
		return
	}
	lp.body = append(lp.body, op)
}

func (lp *Loop) ProcessLine(parts []string) (Block, error) {
	if parts[0] == "end" {
		return lp.parent, nil
	}
	next, handled, err := dispatchLine(lp, lp.parent, parts)
	if handled {
		return next, err
	}
	parts = processAssignment(parts)
	lp.AddOp(&NormalOp{Op: parts[0], Params: parts[1:]})
	return lp, nil
}

func (lp *Loop) ResolveLocal(name string) (string, bool) {
	if _, ok := lp.locals[name]; ok {
		return name, true
	}
	return lp.parent.ResolveLocal(name)
}

func (lp *Loop) LocalSize(name string) (int, bool) {
	sz, ok := lp.locals[name]
	return sz, ok
}

func (lp *Loop) processDispatch(prog *Program) error { return nil }
