package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
//
// Instructions are two-byte code units: the opcode followed by an 8-bit
// argument. Wider arguments are built from EXTENDED_ARG prefixes, each
// contributing the next higher byte of the argument.
type Opcode byte

// CodeUnitSize is the size in bytes of one instruction (opcode + arg).
const CodeUnitSize = 2

// Stack Operations
const (
	OpPopTop Opcode = 1 // discard top of stack
	OpNOP    Opcode = 9 // no operation
)

// Locals and Constants
const (
	OpLoadConst Opcode = 100 // push constant (arg = constant index)
	OpLoadFast  Opcode = 124 // push local (arg = local index)
	OpStoreFast Opcode = 125 // store local (arg = local index)
)

// Attribute Access
const (
	OpStoreAttr  Opcode = 95  // store attribute (arg = name index)
	OpDeleteAttr Opcode = 96  // delete attribute (arg = name index)
	OpLoadAttr   Opcode = 106 // load attribute (arg = name index)
	OpLoadMethod Opcode = 160 // load method for a call (arg = name index)
	OpCallMethod Opcode = 161 // call loaded method (arg = argc)
)

// Control Flow
const (
	OpReturnValue  Opcode = 83  // return top of stack
	OpJumpAbsolute Opcode = 113 // jump to byte offset arg
)

// Prefixes
const (
	OpExtendedArg Opcode = 144 // next byte of the following argument
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string // human-readable name
	Cached      bool   // attribute-access family: rewritten to use an inline cache
	StackEffect int    // net effect on stack (-1 = variable)
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpPopTop: {"POP_TOP", false, -1},
	OpNOP:    {"NOP", false, 0},

	OpLoadConst: {"LOAD_CONST", false, 1},
	OpLoadFast:  {"LOAD_FAST", false, 1},
	OpStoreFast: {"STORE_FAST", false, -1},

	OpStoreAttr:  {"STORE_ATTR", true, -2},  // pops receiver and value
	OpDeleteAttr: {"DELETE_ATTR", false, -1}, // pops receiver
	OpLoadAttr:   {"LOAD_ATTR", true, 0},     // pops receiver, pushes value
	OpLoadMethod: {"LOAD_METHOD", true, 1},   // pops receiver, pushes method and self
	OpCallMethod: {"CALL_METHOD", false, -1},

	OpReturnValue:  {"RETURN_VALUE", false, -1},
	OpJumpAbsolute: {"JUMP_ABSOLUTE", false, 0},

	OpExtendedArg: {"EXTENDED_ARG", false, 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// IsCached reports whether op belongs to the attribute-access family.
func (op Opcode) IsCached() bool {
	return op.Info().Cached
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// EmitRaw appends one code unit without widening.
func (b *BytecodeBuilder) EmitRaw(op Opcode, arg byte) {
	b.bytes = append(b.bytes, byte(op), arg)
}

// Emit appends an instruction, preceded by as many EXTENDED_ARG prefixes
// as arg needs.
func (b *BytecodeBuilder) Emit(op Opcode, arg uint32) {
	switch {
	case arg > 0xFFFFFF:
		b.EmitRaw(OpExtendedArg, byte(arg>>24))
		fallthrough
	case arg > 0xFFFF:
		b.EmitRaw(OpExtendedArg, byte(arg>>16))
		fallthrough
	case arg > 0xFF:
		b.EmitRaw(OpExtendedArg, byte(arg>>8))
	}
	b.EmitRaw(op, byte(arg))
}

// ---------------------------------------------------------------------------
// Bytecode reader
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction with its widened argument.
type Instruction struct {
	Start    int    // offset of the first EXTENDED_ARG prefix (or Offset)
	Offset   int    // offset of the opcode itself
	Op       Opcode // the opcode
	Arg      uint32 // argument reconstructed across prefixes
	Prefixes int    // number of EXTENDED_ARG prefixes consumed
}

// BytecodeReader decodes bytecode one instruction at a time.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc, pos: 0}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more code units to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos+CodeUnitSize <= len(r.bytes)
}

// Next decodes the next instruction, folding any EXTENDED_ARG prefixes
// into its argument. Returns false at the end of the stream; a trailing
// run of prefixes with no instruction is dropped.
func (r *BytecodeReader) Next() (Instruction, bool) {
	inst := Instruction{Start: r.pos}
	for r.HasMore() {
		op := Opcode(r.bytes[r.pos])
		arg := r.bytes[r.pos+1]
		inst.Offset = r.pos
		r.pos += CodeUnitSize
		inst.Arg = inst.Arg<<8 | uint32(arg)
		if op == OpExtendedArg {
			inst.Prefixes++
			continue
		}
		inst.Op = op
		return inst, true
	}
	return Instruction{}, false
}

// Seek sets the read position.
func (r *BytecodeReader) Seek(pos int) {
	r.pos = pos
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders a single decoded instruction.
func DisassembleInstruction(inst Instruction) string {
	switch inst.Op {
	case OpNOP, OpPopTop, OpReturnValue:
		return fmt.Sprintf("%04d  %s", inst.Offset, inst.Op.Name())
	case OpJumpAbsolute:
		return fmt.Sprintf("%04d  %s (-> %04d)", inst.Offset, inst.Op.Name(), inst.Arg)
	default:
		return fmt.Sprintf("%04d  %s %d", inst.Offset, inst.Op.Name(), inst.Arg)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte) string {
	return disassemble(bc, DisassembleInstruction)
}

func disassemble(bc []byte, render func(Instruction) string) string {
	r := NewBytecodeReader(bc)
	var lines []string
	for {
		inst, ok := r.Next()
		if !ok {
			break
		}
		lines = append(lines, render(inst))
	}
	return strings.Join(lines, "\n")
}
