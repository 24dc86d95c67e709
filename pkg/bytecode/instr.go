package bytecode

import (
	"fmt"

	"github.com/chazu/stackvm/pkg/machine"
)

// Instr is an immutable (opcode, operand) pair.
// The operand is a memory address, constant index or jump target depending on
// the opcode, and is ignored by opcodes that take none.
type Instr struct {
	op   Opcode
	addr uint64
}

var _ machine.Instruction[Opcode, uint64] = Instr{}

// NewInstr creates an instruction.
func NewInstr(op Opcode, addr uint64) Instr {
	return Instr{op: op, addr: addr}
}

// Op creates an instruction for an opcode that takes no operand.
func Op(op Opcode) Instr {
	return Instr{op: op}
}

// Opcode returns the instruction's opcode.
func (i Instr) Opcode() Opcode {
	return i.op
}

// Args returns the instruction's operand.
func (i Instr) Args() uint64 {
	return i.addr
}

// String formats the instruction for traces and error messages.
func (i Instr) String() string {
	if i.op.Operand() == OperandNone {
		return i.op.String()
	}
	return fmt.Sprintf("%s %d", i.op, i.addr)
}
