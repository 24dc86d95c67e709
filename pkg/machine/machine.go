// Package machine defines the generic fetch-decode-execute contract shared by
// concrete virtual machines. A machine only has to know how to fetch its next
// instruction and how to execute one; the control loop lives here and is
// written once.
package machine

import (
	"errors"
	"fmt"
)

// ErrStepLimit is returned by RunLimit when the budget is spent before the
// machine halts.
var ErrStepLimit = errors.New("machine: step limit reached")

// ByteCode is an opcode tag that can be encoded as a single byte.
// Decoding is left to each concrete opcode set since not every byte value
// needs to map to an opcode.
type ByteCode interface {
	Byte() byte
}

// Instruction is an opcode paired with its operand.
type Instruction[O ByteCode, A any] interface {
	Opcode() O
	Args() A
}

// Machine is the minimal surface a concrete VM implements.
type Machine[I any] interface {
	// Halted reports whether the machine should stop before another step.
	Halted() bool

	// Fetch returns the next instruction and advances the instruction
	// pointer. It must not execute the instruction.
	Fetch() (I, error)

	// Handle executes exactly one instruction.
	Handle(instr I) error
}

// Step fetches one instruction and executes it.
func Step[I any](m Machine[I]) error {
	instr, err := m.Fetch()
	if err != nil {
		return err
	}
	return m.Handle(instr)
}

// Run steps the machine until it halts or a step fails.
// There is no upper bound on the number of steps.
func Run[I any](m Machine[I]) error {
	for !m.Halted() {
		if err := Step(m); err != nil {
			return err
		}
	}
	return nil
}

// RunLimit is Run with a step budget. It returns the number of steps taken.
// A limit of zero or less means no limit.
func RunLimit[I any](m Machine[I], limit int) (int, error) {
	if limit <= 0 {
		steps := 0
		for !m.Halted() {
			if err := Step(m); err != nil {
				return steps, err
			}
			steps++
		}
		return steps, nil
	}

	for steps := 0; steps < limit; steps++ {
		if m.Halted() {
			return steps, nil
		}
		if err := Step(m); err != nil {
			return steps, err
		}
	}
	if m.Halted() {
		return limit, nil
	}
	return limit, fmt.Errorf("%w after %d steps", ErrStepLimit, limit)
}
