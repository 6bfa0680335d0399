package dsl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alice-mkh/cpudsl/pkg/report"
)

// Program is the compiler context threaded through every emission call:
// the register/flag model, the parsed instruction/subroutine tables, and
// the mutable state that accumulates while a single table or subroutine
// body is being generated (current scope stack, pending temp names, and
// the "last operation" bookkeeping the flag engine reads).
type Program struct {
	Regs          *Registers
	Instructions  map[string][]*Instruction
	Subroutines   map[string]*SubRoutine
	Flags         *Flags
	Info          Info
	Declares      Declares

	Prefix       string
	OpSize       int
	ExtraTables  []string
	ContextType  string
	Body         string
	Interrupt    string
	SyncCycle    string
	Includes     []string
	PCReg        string
	PCOffset     int
	Dispatch     string // "call" or "goto"; "switch" is rejected before reaching Program

	meta    map[string]string
	temp    map[int]string
	scopes  []Block

	lastOp          *NormalOp
	lastDst         string
	lastSize        int
	lastA, lastB    string
	lastBFlow       string
	lastBUnmasked   string
	carryFlowDst    string
	sizeAdjust      int

	conditional bool
	mainDispatch map[string]bool

	// booleans holds compile-time named configuration flags ("dynarec"
	// defaults false, "interp" defaults true, plus any -D NAME given on
	// the command line); an `if` block guarded by one of these names is
	// dead-branch eliminated instead of emitted as a runtime check.
	booleans map[string]bool

	needFlagCoalesce bool
	needFlagDisperse bool

	Stats *report.Stats // optional; set by cmd/cpudslc when --stats is given
}

// NewProgram builds an empty compiler context from the already-parsed
// register/flag/info model; Instructions and Subroutines are filled in
// by the parser as it walks the source.
func NewProgram(regs *Registers, flags *Flags, info Info) *Program {
	p := &Program{
		Regs: regs, Flags: flags, Info: info,
		Instructions: map[string][]*Instruction{},
		Subroutines:  map[string]*SubRoutine{},
		meta:         map[string]string{},
		temp:         map[int]string{},
		mainDispatch: map[string]bool{},
		booleans:     map[string]bool{"dynarec": false, "interp": true},
	}
	p.Prefix = info.first("prefix", "")
	opsize, _ := strconv.Atoi(info.first("opcode_size", "8"))
	p.OpSize = opsize
	p.ExtraTables = info["extra_tables"]
	p.ContextType = p.Prefix + "context"
	p.Body = info.first("body", "")
	p.Interrupt = info.first("interrupt", "")
	p.SyncCycle = info.first("sync_cycle", "")
	p.Includes = info["include"]
	p.PCReg = info.first("pc_reg", "")
	offset, _ := strconv.Atoi(info.first("pc_offset", "0"))
	p.PCOffset = offset
	return p
}

// PushScope enters a new lexical scope (an Instruction or SubRoutine
// body), consulted by resolveParam/paramSize from innermost outward.
func (p *Program) PushScope(scope Block) {
	p.scopes = append(p.scopes, scope)
}

func (p *Program) PopScope() {
	p.scopes = p.scopes[:len(p.scopes)-1]
}

func (p *Program) currentScope() Block {
	if len(p.scopes) == 0 {
		return nil
	}
	return p.scopes[len(p.scopes)-1]
}

// RootScope returns the outermost Instruction/SubRoutine on the scope
// stack, used by ops that need a scratch local declared once per
// specialization rather than once per nested switch/if/loop.
func (p *Program) RootScope() Block {
	if len(p.scopes) == 0 {
		return nil
	}
	return p.scopes[0]
}

// GetTemp allocates (or reuses) a shared temporary of the given bit
// width; declarations are hoisted to the top of the enclosing
// specialization rather than emitted inline, matching the original
// compiler's single-shared-temp-per-size convention.
func (p *Program) GetTemp(size int) (decl, name string) {
	if existing, ok := p.temp[size]; ok {
		return "", existing
	}
	name = fmt.Sprintf("gen_tmp%d__", size)
	p.temp[size] = name
	return "", name
}

// isInt reports whether s parses as a plain decimal/hex/binary literal.
func isInt(s string) (int, bool) {
	if strings.HasPrefix(s, "0x") {
		n, err := strconv.ParseInt(s[2:], 16, 64)
		return int(n), err == nil
	}
	if strings.HasPrefix(s, "0b") {
		n, err := strconv.ParseInt(s[2:], 2, 64)
		return int(n), err == nil
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// ResolveParam resolves a raw DSL token to either a literal/constant
// value or a C expression string: numeric literals pass through,
// known-constant scope locals substitute their folded value, field
// values and meta aliases are followed, and registers resolve via
// ResolveReg. When isDst is true, lastDst/lastSize bookkeeping used by
// the flag engine is updated.
func (p *Program) ResolveParam(param string, parent Block, fieldVals map[string]int, allowConstant, isDst bool) string {
	for {
		if _, ok := isInt(param); ok {
			break
		}
		if parent != nil {
			if allowConstant {
				if v, ok := regValue(parent, param); ok {
					return v
				}
			}
			if local, ok := parent.ResolveLocal(param); ok {
				if isDst {
					p.lastDst = param
					p.lastSize = 0
				}
				if allowConstant {
					if v, ok := regValue(parent, local); ok {
						return v
					}
				}
				return local
			}
		}
		if v, ok := fieldVals[param]; ok {
			param = strconv.Itoa(v)
			fieldVals = nil
			continue
		}
		if v, ok := p.meta[param]; ok {
			param = v
			continue
		}
		if p.IsReg(param) {
			return p.ResolveReg(param, parent, fieldVals, isDst)
		}
		if d := p.Regs.Decl(param); d != nil && d.IsPointer {
			return "context->" + param
		}
		break
	}
	if isDst {
		p.lastDst = param
		p.lastSize = 0
	}
	return param
}

// IsReg reports whether name (optionally "array.index") names a known
// register or register-array.
func (p *Program) IsReg(name string) bool {
	base, _, hasDot := strings.Cut(name, ".")
	if hasDot {
		if alias, ok := p.meta[base]; ok {
			base = alias
		}
		return p.Regs.IsArray(base)
	}
	return p.Regs.IsReg(name)
}

// ResolveReg expands a register or "array.index" reference into its
// "context->..." C expression, tracking the flag-register read/write
// side (needFlagCoalesce/needFlagDisperse) when the packed flag
// register itself is touched.
func (p *Program) ResolveReg(name string, parent Block, fieldVals map[string]int, isDst bool) string {
	base, indexPart, hasDot := strings.Cut(name, ".")
	var regName, expr string
	if hasDot {
		if alias, ok := p.meta[base]; ok {
			base = alias
		}
		idx := indexPart
		if !p.Regs.IsArrayMember(idx) {
			idx = p.ResolveParam(indexPart, parent, fieldVals, true, false)
		}
		if _, ok := isInt(idx); !ok && p.Regs.IsArrayMember(idx) {
			arrayName, arrIdx := p.Regs.ArrayMemberParent(idx)
			idx = strconv.Itoa(arrIdx)
			if arrayName != base {
				idx = fmt.Sprintf("context->%s[%s]", arrayName, idx)
			}
		}
		if p.Regs.IsNamedArray(base) {
			n, _ := strconv.Atoi(idx)
			regName = p.Regs.ArrayMemberName(base, n)
		} else {
			regName = base + "." + idx
		}
		expr = fmt.Sprintf("context->%s[%s]", base, idx)
	} else {
		regName = name
		if p.Regs.IsArrayMember(name) {
			arr, idx := p.Regs.ArrayMemberParent(name)
			expr = fmt.Sprintf("context->%s[%d]", arr, idx)
		} else {
			expr = "context->" + name
		}
	}
	if regName == p.Flags.Register {
		if isDst {
			p.needFlagDisperse = true
		} else {
			p.needFlagCoalesce = true
		}
	}
	if isDst {
		p.lastDst = regName
	}
	return expr
}

// ParamSize returns the bit width of a resolved parameter: scope
// locals/args (innermost scope first), register-array element width,
// plain register width, or a pending shared-temp size.
func (p *Program) ParamSize(name string) int {
	if alias, ok := p.meta[name]; ok {
		return p.ParamSize(alias)
	}
	for i := len(p.scopes) - 1; i >= 0; i-- {
		if sized, ok := p.scopes[i].(interface{ LocalSize(string) (int, bool) }); ok {
			if sz, ok := sized.LocalSize(name); ok && sz != 0 {
				return sz
			}
		}
	}
	base, _, hasDot := strings.Cut(name, ".")
	if hasDot && p.Regs.IsArray(base) {
		return p.Regs.Bits(base)
	}
	if p.Regs.IsReg(name) {
		return p.Regs.Bits(name)
	}
	for size, tmp := range p.temp {
		if tmp == name {
			return size
		}
	}
	return 0
}

// GetLastSize returns the bit width of the most recent destination
// operation, falling back to its resolved size when not cached.
func (p *Program) GetLastSize() int {
	if p.lastSize != 0 {
		return p.lastSize
	}
	return p.ParamSize(p.lastDst)
}
