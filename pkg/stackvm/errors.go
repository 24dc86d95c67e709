package stackvm

import (
	"errors"
	"fmt"

	"github.com/chazu/stackvm/pkg/bytecode"
)

var (
	ErrStackUnderflow      = errors.New("stackvm: stack underflow")
	ErrMemoryOutOfBounds   = errors.New("stackvm: memory address out of bounds")
	ErrConstantOutOfBounds = errors.New("stackvm: constant index out of bounds")
	ErrProgramOutOfBounds  = errors.New("stackvm: instruction pointer out of bounds")
)

// ExecError records where a fault happened. Err is one of the package's
// sentinel errors, so callers match with errors.Is.
type ExecError struct {
	IP    int            // index of the faulting instruction
	Instr bytecode.Instr // the instruction, zero for fetch faults
	Err   error
}

func (e *ExecError) Error() string {
	if errors.Is(e.Err, ErrProgramOutOfBounds) {
		return fmt.Sprintf("%v: ip=%d", e.Err, e.IP)
	}
	return fmt.Sprintf("%v: %s at ip=%d", e.Err, e.Instr, e.IP)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
