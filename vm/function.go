package vm

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Function: bytecode plus its inline caches
// ---------------------------------------------------------------------------

// Function is a compiled function as seen by the inline cache subsystem.
//
// Code is never modified. Rewrite produces a second instruction stream in
// which every attribute-access instruction carries a cache index instead
// of a name index, together with the index-aligned original-operand table
// and a CacheTable with one site per rewritten instruction. Rewriting
// keeps every instruction at its original offset, so jump targets and
// debugger offsets are shared by both streams.
type Function struct {
	Name  string   // function name (for debugging)
	Names []string // attribute names, indexed by original operand
	Code  []byte   // original bytecode

	mu           sync.Mutex
	rewritten    []byte
	originalArgs []uint32
	caches       *CacheTable

	table atomic.Pointer[FunctionTable] // last table fn was registered in
}

// NewFunction creates a function that has not been rewritten yet.
func NewFunction(name string, code []byte, names []string) *Function {
	return &Function{Name: name, Code: code, Names: names}
}

// RewriteBytecode returns a copy of code in which every attribute-access
// instruction's operand is replaced by the next cache index, plus the
// original operands indexed by cache index. EXTENDED_ARG prefixes in
// front of rewritten instructions are zeroed since every cache index fits
// in one byte.
func RewriteBytecode(code []byte) ([]byte, []uint32, error) {
	if len(code)%CodeUnitSize != 0 {
		return nil, nil, fmt.Errorf("rewrite: bytecode length %d is not a multiple of %d", len(code), CodeUnitSize)
	}
	rewritten := slices.Clone(code)
	var original []uint32
	r := NewBytecodeReader(code)
	for {
		inst, ok := r.Next()
		if !ok {
			break
		}
		if !inst.Op.IsCached() {
			continue
		}
		index := len(original)
		if index > 0xFF {
			return nil, nil, fmt.Errorf("rewrite: %s at %d: %w", inst.Op, inst.Offset, ErrTooManyCacheSites)
		}
		original = append(original, inst.Arg)
		for p := inst.Start; p < inst.Offset; p += CodeUnitSize {
			rewritten[p+1] = 0
		}
		rewritten[inst.Offset+1] = byte(index)
	}
	return rewritten, original, nil
}

// Rewrite prepares the function for inline caching. It runs once; a
// second call returns ErrAlreadyRewritten and changes nothing.
func (f *Function) Rewrite(entriesPerSite int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.caches != nil {
		return fmt.Errorf("%s: %w", f.Name, ErrAlreadyRewritten)
	}
	rewritten, original, err := RewriteBytecode(f.Code)
	if err != nil {
		return fmt.Errorf("%s: %w", f.Name, err)
	}
	f.rewritten = rewritten
	f.originalArgs = original
	f.caches = NewCacheTable(len(original), entriesPerSite)
	return nil
}

// IsRewritten returns true once Rewrite has succeeded.
func (f *Function) IsRewritten() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caches != nil
}

// RewrittenCode returns the rewritten bytecode (nil before Rewrite).
func (f *Function) RewrittenCode() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rewritten
}

// Caches returns the function's cache table (nil before Rewrite).
func (f *Function) Caches() *CacheTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caches
}

// NumCacheSites returns the number of rewritten instructions.
func (f *Function) NumCacheSites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.originalArgs)
}

// OriginalOperand returns the operand that site replaced.
// Panics if site is out of range.
func (f *Function) OriginalOperand(site int) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if site < 0 || site >= len(f.originalArgs) {
		panic(fmt.Sprintf("Function.OriginalOperand: site %d out of range", site))
	}
	return f.originalArgs[site]
}

// AttributeName returns the attribute name accessed at site.
func (f *Function) AttributeName(site int) (string, error) {
	if !f.IsRewritten() {
		return "", fmt.Errorf("%s: %w", f.Name, ErrNotRewritten)
	}
	if site < 0 || site >= f.NumCacheSites() {
		return "", fmt.Errorf("%s: cache site %d out of range", f.Name, site)
	}
	arg := f.OriginalOperand(site)
	if int(arg) >= len(f.Names) {
		return "", fmt.Errorf("%s: name index %d out of range (%d names)", f.Name, arg, len(f.Names))
	}
	return f.Names[arg], nil
}

// Disassemble renders the rewritten code with each cache site annotated
// by the attribute it accesses. Before Rewrite it renders Code.
func (f *Function) Disassemble() string {
	code := f.RewrittenCode()
	if code == nil {
		return Disassemble(f.Code)
	}
	return disassemble(code, func(inst Instruction) string {
		line := DisassembleInstruction(inst)
		if !inst.Op.IsCached() {
			return line
		}
		if name, err := f.AttributeName(int(inst.Arg)); err == nil {
			return fmt.Sprintf("%s (%s)", line, name)
		}
		return line
	})
}

// ---------------------------------------------------------------------------
// FunctionBuilder: Helper for constructing functions
// ---------------------------------------------------------------------------

// FunctionBuilder helps construct Function instances.
type FunctionBuilder struct {
	name     string
	names    []string
	index    map[string]uint32
	bytecode *BytecodeBuilder
}

// NewFunctionBuilder creates a new function builder.
func NewFunctionBuilder(name string) *FunctionBuilder {
	return &FunctionBuilder{
		name:     name,
		index:    make(map[string]uint32),
		bytecode: NewBytecodeBuilder(),
	}
}

// Name interns an attribute name and returns its operand.
func (b *FunctionBuilder) Name(name string) uint32 {
	if i, ok := b.index[name]; ok {
		return i
	}
	i := uint32(len(b.names))
	b.names = append(b.names, name)
	b.index[name] = i
	return i
}

// Emit appends an instruction with a numeric operand.
func (b *FunctionBuilder) Emit(op Opcode, arg uint32) *FunctionBuilder {
	b.bytecode.Emit(op, arg)
	return b
}

// EmitAttr appends an attribute instruction naming attr.
func (b *FunctionBuilder) EmitAttr(op Opcode, attr string) *FunctionBuilder {
	b.bytecode.Emit(op, b.Name(attr))
	return b
}

// Build returns the constructed function.
func (b *FunctionBuilder) Build() *Function {
	return NewFunction(b.name, b.bytecode.Bytes(), b.names)
}
