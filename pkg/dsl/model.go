package dsl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RegDecl describes one register-file entry. Exactly one of the "kind"
// markers below applies; CType carries an opaque C type token when Bits
// is 0 and CType is non-empty (regs line: "name cTypeToken ...").
type RegDecl struct {
	Name  string
	Bits  int    // bit width for uint-backed scalars/arrays; 0 if CType is set
	CType string // opaque C type token, set instead of Bits for passthrough regs

	IsArray   bool
	ArrayLen  int      // element count for a fixed-count array
	Members   []string // member names for a named array (len == ArrayLen)
	IsPointer bool
	PtrDepth  int // number of '*' levels (ptr, ptrptr, ...)
	PtrCount  int // declared element count, 1 if scalar pointer
}

// Registers is the register file descriptor (spec §3).
type Registers struct {
	order    []string // declaration order, scalars+arrays+pointers mixed
	decls    map[string]*RegDecl
	arrayOf  map[string]string // member name -> owning array name
	arrayIdx map[string]int    // member name -> index within array
}

// NewRegisters creates a Registers set pre-populated with the two
// implicit scalars every program carries.
func NewRegisters() *Registers {
	r := &Registers{decls: map[string]*RegDecl{}, arrayOf: map[string]string{}, arrayIdx: map[string]int{}}
	r.addScalar("cycles", 32)
	r.addScalar("sync_cycle", 32)
	return r
}

func (r *Registers) addScalar(name string, bits int) {
	r.order = append(r.order, name)
	r.decls[name] = &RegDecl{Name: name, Bits: bits}
}

// ProcessLine parses one "regs" body line into a RegDecl, per §6:
//
//	name width              scalar
//	name width count        uniform array
//	name width n1 n2 ...    named array
//	name ptrT [count]       pointer
//	name cTypeToken ...     opaque C type passthrough
func (r *Registers) ProcessLine(parts []string) error {
	if len(parts) < 2 {
		return fmt.Errorf("regs line requires at least a name and a type")
	}
	name := parts[0]
	typeTok := parts[1]

	if strings.HasPrefix(typeTok, "ptr") {
		elem := typeTok
		depth := 0
		for strings.HasPrefix(elem, "ptr") {
			depth++
			elem = elem[3:]
		}
		count := 1
		if len(parts) > 2 {
			n, err := strconv.Atoi(parts[2])
			if err != nil {
				return fmt.Errorf("invalid pointer count %q: %w", parts[2], err)
			}
			count = n
		}
		decl := &RegDecl{Name: name, IsPointer: true, PtrDepth: depth, PtrCount: count}
		if bits, err := strconv.Atoi(elem); err == nil {
			decl.Bits = bits
		} else {
			decl.CType = elem
		}
		r.order = append(r.order, name)
		r.decls[name] = decl
		return nil
	}

	if bits, err := strconv.Atoi(typeTok); err == nil {
		switch {
		case len(parts) == 2:
			r.addScalar(name, bits)
		case len(parts) == 3:
			if n, err := strconv.Atoi(parts[2]); err == nil {
				r.addUniformArray(name, bits, n)
			} else {
				r.addNamedArray(name, bits, parts[2:])
			}
		default:
			r.addNamedArray(name, bits, parts[2:])
		}
		return nil
	}

	// Opaque C type passthrough, e.g. "regs\n  foo SomeStruct".
	if len(parts) > 2 {
		r.addNamedArray(name, 0, parts[2:])
		r.decls[name].CType = typeTok
		return nil
	}
	r.order = append(r.order, name)
	r.decls[name] = &RegDecl{Name: name, CType: typeTok}
	return nil
}

func (r *Registers) addUniformArray(name string, bits, count int) {
	r.order = append(r.order, name)
	r.decls[name] = &RegDecl{Name: name, Bits: bits, IsArray: true, ArrayLen: count}
}

func (r *Registers) addNamedArray(name string, bits int, members []string) {
	r.order = append(r.order, name)
	r.decls[name] = &RegDecl{Name: name, Bits: bits, IsArray: true, ArrayLen: len(members), Members: members}
	for i, m := range members {
		r.decls[m] = &RegDecl{Name: m, Bits: bits}
		r.arrayOf[m] = name
		r.arrayIdx[m] = i
	}
}

// IsReg reports whether name is a known scalar register, array member,
// or unnamed (fixed-count) array; pointers and named arrays are not.
func (r *Registers) IsReg(name string) bool {
	d, ok := r.decls[name]
	return ok && !d.IsPointer && (!d.IsArray || len(d.Members) == 0)
}

// IsArray reports whether name names an array register (uniform or named).
func (r *Registers) IsArray(name string) bool {
	d, ok := r.decls[name]
	return ok && d.IsArray
}

// IsNamedArray reports whether the array has individually-named members.
func (r *Registers) IsNamedArray(name string) bool {
	d, ok := r.decls[name]
	return ok && d.IsArray && len(d.Members) > 0
}

// IsArrayMember reports whether name is a member of a named array.
func (r *Registers) IsArrayMember(name string) bool {
	_, ok := r.arrayOf[name]
	return ok
}

// ArrayMemberParent returns the owning array name and index for a member.
func (r *Registers) ArrayMemberParent(name string) (array string, index int) {
	return r.arrayOf[name], r.arrayIdx[name]
}

// ArrayMemberName returns the declared name at index within a named
// array, or "" if the array is uniform (unnamed members).
func (r *Registers) ArrayMemberName(array string, index int) string {
	d := r.decls[array]
	if d == nil || index < 0 || index >= len(d.Members) {
		return ""
	}
	return d.Members[index]
}

// IsPointer reports whether name is a pointer register.
func (r *Registers) IsPointer(name string) bool {
	d, ok := r.decls[name]
	return ok && d.IsPointer
}

// Bits returns the declared bit width of name, or 0 if opaque/unknown.
func (r *Registers) Bits(name string) int {
	if d, ok := r.decls[name]; ok {
		return d.Bits
	}
	return 0
}

// Decl returns the raw declaration for name, or nil.
func (r *Registers) Decl(name string) *RegDecl {
	return r.decls[name]
}

// WriteHeader emits the context struct fields: pointers first (in
// declaration order, spelled with their star-depth), then scalars and
// arrays sorted by descending bit width then declaration order (spec §5
// determinism requirement iii).
func (r *Registers) WriteHeader(w *strings.Builder) {
	for _, name := range r.order {
		d := r.decls[name]
		if !d.IsPointer {
			continue
		}
		elemType := fmt.Sprintf("uint%d_t", d.Bits)
		if d.CType != "" {
			elemType = d.CType
		}
		stars := strings.Repeat("*", d.PtrDepth)
		arr := ""
		if d.PtrCount > 1 {
			arr = fmt.Sprintf("[%d]", d.PtrCount)
		}
		fmt.Fprintf(w, "\n\t%s %s%s%s;", elemType, stars, name, arr)
	}

	type field struct {
		bits  int
		count int
		name  string
		order int
		cType string
	}
	var fields []field
	for i, name := range r.order {
		d := r.decls[name]
		if d.IsPointer || r.IsArrayMember(name) {
			continue
		}
		if d.CType != "" {
			fmt.Fprintf(w, "\n\t%s %s;", d.CType, name)
			continue
		}
		count := 1
		if d.IsArray {
			count = d.ArrayLen
		}
		fields = append(fields, field{bits: d.Bits, count: count, name: name, order: i})
	}
	sort.SliceStable(fields, func(i, j int) bool {
		if fields[i].bits != fields[j].bits {
			return fields[i].bits > fields[j].bits
		}
		return fields[i].order < fields[j].order
	})
	for _, f := range fields {
		if f.count > 1 {
			fmt.Fprintf(w, "\n\tuint%d_t %s[%d];", f.bits, f.name, f.count)
		} else {
			fmt.Fprintf(w, "\n\tuint%d_t %s;", f.bits, f.name)
		}
	}
}

// FlagBit is either a single bit or an inclusive bot-top range.
type FlagBit struct {
	Bot, Top int
	IsRange  bool
}

// FlagStorage names where a flag's live value is kept: either a bare
// register/local name, or (Reg, Bit) inside a shared packed register.
type FlagStorage struct {
	Reg     string
	Bit     int
	HasBit  bool
	Literal string // full "reg.bit" or "reg" text, for map keys
}

// Flags is the flag model (spec §3): an ordered list of flags, each
// with a bit position in the packed flag register, a calc kind, and a
// storage location.
type Flags struct {
	Register string // the packed flag register's name
	order    []string
	bits     map[string]FlagBit
	calc     map[string]string // "bit-<n>", "sign", "zero", "carry", "half-carry", "overflow", "parity"
	storage  map[string]FlagStorage
	// storageToFlags groups flags sharing a storage register, each
	// entry (bit-in-storage, flagName), for coalesce/disperse emission.
	storageToFlags map[string][]storedFlag
	maxBit         int
}

type storedFlag struct {
	bit  int
	name string
}

// NewFlags creates an empty flag model.
func NewFlags() *Flags {
	return &Flags{
		bits:           map[string]FlagBit{},
		calc:           map[string]string{},
		storage:        map[string]FlagStorage{},
		storageToFlags: map[string][]storedFlag{},
		maxBit:         -1,
	}
}

// ProcessLine parses one "flags" body line: either "register packedName"
// or "flag bit[-top] calc storage[.bit]".
func (f *Flags) ProcessLine(parts []string) error {
	if parts[0] == "register" {
		if len(parts) != 2 {
			return fmt.Errorf("flags register line requires exactly one name")
		}
		f.Register = parts[1]
		return nil
	}
	if len(parts) != 4 {
		return fmt.Errorf("malformed flag declaration: %v", parts)
	}
	flag, bitSpec, calc, storageSpec := parts[0], parts[1], parts[2], parts[3]

	bot, top, isRange, err := parseBitSpec(bitSpec)
	if err != nil {
		return err
	}
	hi := bot
	if isRange {
		hi = top
	}
	if hi > f.maxBit {
		f.maxBit = hi
	}
	f.bits[flag] = FlagBit{Bot: bot, Top: top, IsRange: isRange}
	f.calc[flag] = calc

	reg, bit, hasBit := parseStorageSpec(storageSpec)
	f.storage[flag] = FlagStorage{Reg: reg, Bit: bit, HasBit: hasBit, Literal: storageSpec}
	storageBit := bit
	if !hasBit {
		storageBit = -1
	}
	f.storageToFlags[reg] = append(f.storageToFlags[reg], storedFlag{bit: storageBit, name: flag})
	f.order = append(f.order, flag)
	return nil
}

func parseBitSpec(spec string) (bot, top int, isRange bool, err error) {
	before, after, found := strings.Cut(spec, "-")
	bot, err = strconv.Atoi(before)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid flag bit %q: %w", spec, err)
	}
	if !found {
		return bot, 0, false, nil
	}
	top, err = strconv.Atoi(after)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid flag bit range %q: %w", spec, err)
	}
	return bot, top, true, nil
}

func parseStorageSpec(spec string) (reg string, bit int, hasBit bool) {
	reg, bitStr, found := strings.Cut(spec, ".")
	if !found {
		return reg, 0, false
	}
	n, err := strconv.Atoi(bitStr)
	if err != nil {
		return reg, 0, false
	}
	return reg, n, true
}

// FlagOrder returns flags in declaration order (spec §5 determinism iv).
func (f *Flags) FlagOrder() []string { return f.order }

// Calc returns the calc-kind string for flag.
func (f *Flags) Calc(flag string) (string, bool) {
	c, ok := f.calc[flag]
	return c, ok
}

// Storage returns the storage location for flag.
func (f *Flags) Storage(flag string) (FlagStorage, bool) {
	s, ok := f.storage[flag]
	return s, ok
}

// CarryFlag returns the name of the first declared flag whose calc kind
// is "carry", used by adc/sbc to read the current borrow/carry bit.
func (f *Flags) CarryFlag() (string, bool) {
	for _, flag := range f.order {
		if f.calc[flag] == "carry" {
			return flag, true
		}
	}
	return "", false
}

// Info is the key/list-of-tokens map from the "info" section.
type Info map[string][]string

func (i Info) first(key, def string) string {
	if v, ok := i[key]; ok && len(v) > 0 {
		return v[0]
	}
	return def
}

// Declares holds the opaque textual lines forwarded verbatim to the
// emitted header (the "declare" section).
type Declares []string
