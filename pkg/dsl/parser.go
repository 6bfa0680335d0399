package dsl

import (
	"fmt"
	"strings"
)

// Source holds everything Parse extracts from a DSL source file before
// a Program compiler context is built around it: the register/flag
// model, every instruction table, every named subroutine, the free-form
// info block, and the declare passthrough lines.
type Source struct {
	Regs         *Registers
	Flags        *Flags
	Info         Info
	Declares     Declares
	Instructions map[string][]*Instruction
	Subroutines  map[string]*SubRoutine
}

// Parse reads a full DSL source file (split into raw lines with the
// lexer's splitLines) and builds a Source, or returns the accumulated
// ParseErrors if any line failed. Parsing never stops at the first bad
// line — every diagnostic is collected so a single run can report every
// problem in the file at once.
func Parse(text string) (*Source, error) {
	src := &Source{
		Info:         Info{},
		Declares:     Declares{},
		Instructions: map[string][]*Instruction{},
		Subroutines:  map[string]*SubRoutine{},
	}

	// section names the kind of the currently-open top-level object, since
	// Registers/Flags/info/declare each consume body lines differently
	// and only some of them are Blocks.
	type section int
	const (
		sectionNone section = iota
		sectionRegs
		sectionFlags
		sectionInfo
		sectionDeclares
		sectionBlock
	)

	var errs ParseErrors
	var cur section
	var curBlock Block

	lines := splitLines(text)
	for _, rl := range lines {
		body := rl.text
		if len(body) > 0 && (body[0] == ' ' || body[0] == '\t') {
			if cur == sectionNone {
				errs = append(errs, &ParseError{Line: rl.num, Message: "orphan instruction"})
				continue
			}
			parts, err := tokenizeBody(body)
			if err != nil {
				errs = append(errs, &ParseError{Line: rl.num, Message: err.Error()})
				continue
			}
			if len(parts) == 0 {
				continue
			}
			switch cur {
			case sectionInfo:
				src.Info[parts[0]] = parts[1:]
			case sectionDeclares:
				src.Declares = append(src.Declares, strings.Join(parts, " "))
			case sectionRegs:
				if err := src.Regs.ProcessLine(parts); err != nil {
					errs = append(errs, &ParseError{Line: rl.num, Message: err.Error()})
				}
			case sectionFlags:
				if err := src.Flags.ProcessLine(parts); err != nil {
					errs = append(errs, &ParseError{Line: rl.num, Message: err.Error()})
				}
			case sectionBlock:
				next, err := curBlock.ProcessLine(parts)
				if err != nil {
					errs = append(errs, &ParseError{Line: rl.num, Message: err.Error()})
					continue
				}
				curBlock = next
			}
			continue
		}

		// a header line: section keyword, instruction pattern, or a bare
		// subroutine name starting a new subroutine body.
		header := strings.TrimSpace(body)
		switch header {
		case "regs":
			if src.Regs == nil {
				src.Regs = NewRegisters()
			}
			cur = sectionRegs
			continue
		case "flags":
			if src.Flags == nil {
				src.Flags = NewFlags()
			}
			cur = sectionFlags
			continue
		case "info":
			cur = sectionInfo
			continue
		case "declare":
			cur = sectionDeclares
			continue
		}

		parts := tokenizeHeader(header)
		if len(parts) > 1 {
			inst, table, err := parseInstructionHeader(parts)
			if err != nil {
				errs = append(errs, &ParseError{Line: rl.num, Message: err.Error()})
				cur = sectionNone
				continue
			}
			src.Instructions[table] = append(src.Instructions[table], inst)
			curBlock = inst
			cur = sectionBlock
			continue
		}

		sub := NewSubRoutine(strings.TrimSuffix(header, ":"))
		src.Subroutines[sub.Name] = sub
		curBlock = sub
		cur = sectionBlock
	}

	if len(errs) > 0 {
		return nil, errs
	}
	if src.Regs == nil {
		src.Regs = NewRegisters()
	}
	if src.Flags == nil {
		src.Flags = NewFlags()
	}
	return src, nil
}

// parseInstructionHeader turns "[table] bitpattern name" into a
// concrete Instruction plus the dispatch table it belongs to ("main"
// when the table is omitted). Each non-'0'/'1' character in the
// bitpattern names a varying bitfield; its shift is the position of
// the rightmost (lowest) occurrence of that character and its width is
// the occurrence count.
func parseInstructionHeader(parts []string) (*Instruction, string, error) {
	var table, bitpattern, name string
	switch len(parts) {
	case 2:
		table, bitpattern, name = "main", parts[0], parts[1]
	case 3:
		table, bitpattern, name = parts[0], parts[1], parts[2]
	default:
		return nil, "", fmt.Errorf("malformed instruction header: %v", parts)
	}
	fields := map[string]FieldSpec{}
	value := 0
	curbit := len(bitpattern) - 1
	for _, ch := range bitpattern {
		value <<= 1
		switch ch {
		case '0':
		case '1':
			value |= 1
		default:
			key := string(ch)
			f := fields[key]
			f.Shift = curbit
			f.Bits++
			fields[key] = f
		}
		curbit--
	}
	return NewInstruction(value, fields, strings.TrimSpace(name)), table, nil
}

// BuildProgram assembles a Source into a ready-to-build Program,
// validating the dispatch mode up front — "switch" dispatch was never
// finished and is rejected here rather than silently compiling to
// nothing.
func BuildProgram(src *Source, dispatch string, defines map[string]string) (*Program, error) {
	if dispatch != "call" && dispatch != "goto" {
		return nil, fmt.Errorf("switch dispatch is not implemented; use call or goto")
	}
	prog := NewProgram(src.Regs, src.Flags, src.Info)
	prog.Instructions = src.Instructions
	prog.Subroutines = src.Subroutines
	prog.Declares = src.Declares
	prog.Dispatch = dispatch
	for name, val := range defines {
		if val == "" {
			prog.meta["define_"+name] = "1"
		} else {
			prog.meta["define_"+name] = val
		}
		// A -D also sets (or overrides) a same-named boolean consulted
		// by `if` guards; "0" and "false" are the only falsy spellings.
		prog.booleans[name] = val != "0" && val != "false"
	}
	return prog, nil
}
