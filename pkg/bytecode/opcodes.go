package bytecode

import (
	"fmt"
	"sort"
)

// Opcode identifies one stack machine operation.
// The byte value of each opcode is its position in the instruction set and is
// what the image codecs write to the wire.
type Opcode byte

const (
	// ========================================================================
	// Control (0x00-0x04)
	// ========================================================================

	OpNone      Opcode = 0x00 // No operation
	OpHalt      Opcode = 0x01 // Stop the machine
	OpJump      Opcode = 0x02 // ip := operand
	OpJumpIf    Opcode = 0x03 // Pop cond; ip := operand if cond != 0
	OpJumpIfNot Opcode = 0x04 // Pop cond; ip := operand if cond == 0

	// ========================================================================
	// Memory and constants (0x05-0x07)
	// ========================================================================

	OpSet   Opcode = 0x05 // Pop v; memory[operand] := v
	OpGet   Opcode = 0x06 // Push memory[operand]
	OpConst Opcode = 0x07 // Push constants[operand]

	// ========================================================================
	// Arithmetic (0x08-0x0E)
	// ========================================================================

	OpAdd Opcode = 0x08 // Pop two, push a + b (b is TOS)
	OpSub Opcode = 0x09 // Pop two, push a - b
	OpDiv Opcode = 0x0A // Pop two, push a / b
	OpMul Opcode = 0x0B // Pop two, push a * b
	OpMod Opcode = 0x0C // Pop two, push a mod b
	OpPow Opcode = 0x0D // Pop two, push a ** b
	OpNeg Opcode = 0x0E // Negate top of stack

	// ========================================================================
	// Comparison and logic (0x0F-0x11)
	// ========================================================================

	OpEq  Opcode = 0x0F // Pop two, push 1 if a == b else 0
	OpLt  Opcode = 0x10 // Pop two, push 1 if a < b else 0
	OpNot Opcode = 0x11 // Pop v, push 1 if v == 0 else 0

	// ========================================================================
	// Stack manipulation (0x12-0x14)
	// ========================================================================

	OpCopy Opcode = 0x12 // Duplicate top of stack
	OpDrop Opcode = 0x13 // Discard top of stack
	OpSwap Opcode = 0x14 // Swap top two stack elements
)

// OperandKind says how an instruction's operand is interpreted.
type OperandKind uint8

const (
	OperandNone     OperandKind = iota // operand is ignored
	OperandMemory                      // memory bank address
	OperandConstant                    // constant pool index
	OperandJump                        // absolute instruction index
)

// String returns a short name for the operand kind.
func (k OperandKind) String() string {
	switch k {
	case OperandNone:
		return "none"
	case OperandMemory:
		return "memory"
	case OperandConstant:
		return "constant"
	case OperandJump:
		return "jump"
	default:
		return fmt.Sprintf("OperandKind(%d)", k)
	}
}

// OpcodeInfo provides metadata about each opcode for tracing and validation.
type OpcodeInfo struct {
	Name      string      // Human-readable name
	StackPop  int         // How many values popped from stack
	StackPush int         // How many values pushed to stack
	Operand   OperandKind // Meaning of the operand
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Control
	OpNone:      {"NONE", 0, 0, OperandNone},
	OpHalt:      {"HALT", 0, 0, OperandNone},
	OpJump:      {"JUMP", 0, 0, OperandJump},
	OpJumpIf:    {"JUMP_IF", 1, 0, OperandJump},
	OpJumpIfNot: {"JUMP_IF_NOT", 1, 0, OperandJump},

	// Memory and constants
	OpSet:   {"SET", 1, 0, OperandMemory},
	OpGet:   {"GET", 0, 1, OperandMemory},
	OpConst: {"CONST", 0, 1, OperandConstant},

	// Arithmetic
	OpAdd: {"ADD", 2, 1, OperandNone},
	OpSub: {"SUB", 2, 1, OperandNone},
	OpDiv: {"DIV", 2, 1, OperandNone},
	OpMul: {"MUL", 2, 1, OperandNone},
	OpMod: {"MOD", 2, 1, OperandNone},
	OpPow: {"POW", 2, 1, OperandNone},
	OpNeg: {"NEG", 1, 1, OperandNone},

	// Comparison and logic
	OpEq:  {"EQ", 2, 1, OperandNone},
	OpLt:  {"LT", 2, 1, OperandNone},
	OpNot: {"NOT", 1, 1, OperandNone},

	// Stack manipulation
	OpCopy: {"COPY", 1, 2, OperandNone},
	OpDrop: {"DROP", 1, 0, OperandNone},
	OpSwap: {"SWAP", 2, 2, OperandNone},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// OpcodeFromByte decodes a byte into an opcode. The second result is false
// when the byte does not name any opcode; callers must reject such bytes
// rather than treat them as OpNone.
func OpcodeFromByte(b byte) (Opcode, bool) {
	op := Opcode(b)
	_, ok := opcodeInfoTable[op]
	return op, ok
}

// Byte returns the wire encoding of the opcode.
func (op Opcode) Byte() byte {
	return byte(op)
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Operand returns how this opcode interprets its operand.
func (op Opcode) Operand() OperandKind {
	return GetOpcodeInfo(op).Operand
}

// IsJump returns true if this opcode may overwrite the instruction pointer.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpJumpIfNot
}

// IsBinary returns true if this opcode pops two operands and pushes one result.
func (op Opcode) IsBinary() bool {
	info := GetOpcodeInfo(op)
	return info.StackPop == 2 && info.StackPush == 1
}

// AllOpcodes returns every defined opcode in byte order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	sort.Slice(opcodes, func(i, j int) bool { return opcodes[i] < opcodes[j] })
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
