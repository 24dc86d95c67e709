// Package stackvm implements a stack machine over 64-bit floats: an operand
// stack, a fixed-size memory bank and a read-only constant pool.
package stackvm

import (
	"fmt"
	"math"

	"github.com/tliron/commonlog"

	"github.com/chazu/stackvm/pkg/bytecode"
	"github.com/chazu/stackvm/pkg/machine"
)

var log = commonlog.GetLogger("stackvm")

// StackVM executes a program of bytecode.Instr.
type StackVM struct {
	program []bytecode.Instr // Read-only instruction sequence
	consts  []float64        // Read-only constant pool
	memory  []float64        // Fixed-size memory bank
	stack   []float64        // Operand stack
	ip      int              // Index of the next instruction to fetch
	halted  bool
	steps   uint64 // Instructions executed

	// Trace logs every executed instruction at debug level.
	Trace bool
}

var _ machine.Machine[bytecode.Instr] = (*StackVM)(nil)

// New creates a machine with an empty stack and a zeroed memory bank of
// memorySize slots. The program and constants are copied.
func New(program []bytecode.Instr, consts []float64, memorySize int) *StackVM {
	if memorySize < 0 {
		memorySize = 0
	}
	return &StackVM{
		program: append([]bytecode.Instr(nil), program...),
		consts:  append([]float64(nil), consts...),
		memory:  make([]float64, memorySize),
		stack:   make([]float64, 0, 64),
	}
}

// FromProgram creates a machine for a decoded program.
func FromProgram(p *bytecode.Program) *StackVM {
	return New(p.Code, p.Constants, p.MemorySize)
}

// Reset returns the machine to its construction state: ip 0, empty stack,
// zeroed memory, not halted.
func (vm *StackVM) Reset() {
	vm.ip = 0
	vm.halted = false
	vm.steps = 0
	vm.stack = vm.stack[:0]
	clear(vm.memory)
}

// Halted reports whether a HALT instruction has executed.
func (vm *StackVM) Halted() bool {
	return vm.halted
}

// IP returns the index of the next instruction to fetch.
func (vm *StackVM) IP() int {
	return vm.ip
}

// Steps returns the number of instructions executed since construction or
// the last Reset.
func (vm *StackVM) Steps() uint64 {
	return vm.steps
}

// Push appends a value to the top of the stack.
func (vm *StackVM) Push(v float64) {
	vm.stack = append(vm.stack, v)
}

// Pop removes and returns the top of the stack.
func (vm *StackVM) Pop() (float64, error) {
	if len(vm.stack) == 0 {
		return 0, ErrStackUnderflow
	}
	return vm.pop(), nil
}

// Peek returns the top of the stack without removing it.
func (vm *StackVM) Peek() (float64, error) {
	if len(vm.stack) == 0 {
		return 0, ErrStackUnderflow
	}
	return vm.stack[len(vm.stack)-1], nil
}

// Stack returns a copy of the operand stack, bottom first.
func (vm *StackVM) Stack() []float64 {
	return append([]float64(nil), vm.stack...)
}

// Depth returns the number of values on the stack.
func (vm *StackVM) Depth() int {
	return len(vm.stack)
}

// Memory returns a copy of the memory bank.
func (vm *StackVM) Memory() []float64 {
	return append([]float64(nil), vm.memory...)
}

// Fetch returns the instruction at ip and advances ip by one. Running off
// the end of the program is an ErrProgramOutOfBounds fault and leaves ip
// unchanged.
func (vm *StackVM) Fetch() (bytecode.Instr, error) {
	if vm.ip < 0 || vm.ip >= len(vm.program) {
		return bytecode.Instr{}, &ExecError{IP: vm.ip, Err: ErrProgramOutOfBounds}
	}
	instr := vm.program[vm.ip]
	vm.ip++
	return instr, nil
}

// Step executes one instruction.
func (vm *StackVM) Step() error {
	return machine.Step[bytecode.Instr](vm)
}

// Run executes until HALT or the first fault. A program that loops forever
// makes Run loop forever; use RunLimit or the runner package to bound it.
func (vm *StackVM) Run() error {
	return machine.Run[bytecode.Instr](vm)
}

// RunLimit executes at most limit instructions and returns how many ran.
func (vm *StackVM) RunLimit(limit int) (int, error) {
	return machine.RunLimit[bytecode.Instr](vm, limit)
}

// Handle executes a single instruction. The stack depth and operand are
// checked before anything is modified, so a faulting instruction leaves the
// stack, memory and halted flag as they were.
func (vm *StackVM) Handle(instr bytecode.Instr) error {
	if err := vm.check(instr); err != nil {
		log.Debugf("fault at %d: %v", vm.ip-1, err)
		return err
	}

	if vm.Trace {
		log.Debugf("[%04d] %-16s sp=%d", vm.ip-1, instr, len(vm.stack))
	}

	addr := instr.Args()
	switch instr.Opcode() {
	case bytecode.OpNone:
		// Do nothing

	case bytecode.OpHalt:
		vm.halted = true

	// ============ Control Flow ============
	case bytecode.OpJump:
		vm.ip = jumpTarget(addr)

	case bytecode.OpJumpIf:
		if vm.pop() != 0 {
			vm.ip = jumpTarget(addr)
		}

	case bytecode.OpJumpIfNot:
		if vm.pop() == 0 {
			vm.ip = jumpTarget(addr)
		}

	// ============ Memory and Constants ============
	case bytecode.OpSet:
		vm.memory[addr] = vm.pop()

	case bytecode.OpGet:
		vm.push(vm.memory[addr])

	case bytecode.OpConst:
		vm.push(vm.consts[addr])

	// ============ Arithmetic ============
	case bytecode.OpAdd:
		right, left := vm.pop(), vm.pop()
		vm.push(left + right)

	case bytecode.OpSub:
		right, left := vm.pop(), vm.pop()
		vm.push(left - right)

	case bytecode.OpDiv:
		right, left := vm.pop(), vm.pop()
		vm.push(left / right)

	case bytecode.OpMul:
		right, left := vm.pop(), vm.pop()
		vm.push(left * right)

	case bytecode.OpMod:
		right, left := vm.pop(), vm.pop()
		vm.push(math.Mod(left, right))

	case bytecode.OpPow:
		right, left := vm.pop(), vm.pop()
		vm.push(math.Pow(left, right))

	case bytecode.OpNeg:
		vm.push(-vm.pop())

	// ============ Comparison and Logic ============
	case bytecode.OpEq:
		right, left := vm.pop(), vm.pop()
		vm.pushBool(left == right)

	case bytecode.OpLt:
		right, left := vm.pop(), vm.pop()
		vm.pushBool(left < right)

	case bytecode.OpNot:
		vm.pushBool(vm.pop() == 0)

	// ============ Stack Manipulation ============
	case bytecode.OpCopy:
		v := vm.pop()
		vm.push(v)
		vm.push(v)

	case bytecode.OpDrop:
		vm.pop()

	case bytecode.OpSwap:
		right, left := vm.pop(), vm.pop()
		vm.push(right)
		vm.push(left)
	}

	vm.steps++
	return nil
}

// check verifies that instr can execute in full against the current state.
func (vm *StackVM) check(instr bytecode.Instr) error {
	op := instr.Opcode()
	if !op.Valid() {
		return &ExecError{IP: vm.ip - 1, Instr: instr, Err: fmt.Errorf("%w 0x%02X", bytecode.ErrUnknownOpcode, byte(op))}
	}

	info := bytecode.GetOpcodeInfo(op)
	if len(vm.stack) < info.StackPop {
		return &ExecError{IP: vm.ip - 1, Instr: instr, Err: ErrStackUnderflow}
	}

	addr := instr.Args()
	switch info.Operand {
	case bytecode.OperandMemory:
		if addr >= uint64(len(vm.memory)) {
			return &ExecError{IP: vm.ip - 1, Instr: instr, Err: ErrMemoryOutOfBounds}
		}
	case bytecode.OperandConstant:
		if addr >= uint64(len(vm.consts)) {
			return &ExecError{IP: vm.ip - 1, Instr: instr, Err: ErrConstantOutOfBounds}
		}
	}
	return nil
}

// jumpTarget converts an operand to an instruction index. Targets past the
// end are kept out of range so the next Fetch reports them.
func jumpTarget(addr uint64) int {
	if addr > math.MaxInt {
		return math.MaxInt
	}
	return int(addr)
}

func (vm *StackVM) push(v float64) {
	vm.stack = append(vm.stack, v)
}

func (vm *StackVM) pop() float64 {
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v
}

func (vm *StackVM) pushBool(b bool) {
	if b {
		vm.push(1)
	} else {
		vm.push(0)
	}
}
