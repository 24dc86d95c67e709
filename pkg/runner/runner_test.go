package runner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chazu/stackvm/pkg/bytecode"
	"github.com/chazu/stackvm/pkg/machine"
	"github.com/chazu/stackvm/pkg/stackvm"
)

func infiniteLoop() *stackvm.StackVM {
	return stackvm.New([]bytecode.Instr{
		bytecode.NewInstr(bytecode.OpConst, 0),
		bytecode.Op(bytecode.OpDrop),
		bytecode.NewInstr(bytecode.OpJump, 0),
	}, []float64{1}, 0)
}

func addProgram() *stackvm.StackVM {
	return stackvm.New([]bytecode.Instr{
		bytecode.NewInstr(bytecode.OpConst, 0),
		bytecode.NewInstr(bytecode.OpConst, 1),
		bytecode.Op(bytecode.OpAdd),
		bytecode.Op(bytecode.OpHalt),
	}, []float64{40, 2}, 0)
}

func TestRunToHalt(t *testing.T) {
	vm := addProgram()

	res, err := Run[bytecode.Instr](context.Background(), vm, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Halted || res.Steps != 4 {
		t.Errorf("Result = %+v, want {Steps:4 Halted:true}", res)
	}
	if v, _ := vm.Pop(); v != 42 {
		t.Errorf("result = %v, want 42", v)
	}
}

func TestRunStepLimit(t *testing.T) {
	vm := infiniteLoop()

	res, err := Run[bytecode.Instr](context.Background(), vm, Options{MaxSteps: 300})
	if !errors.Is(err, machine.ErrStepLimit) {
		t.Fatalf("Run error = %v, want ErrStepLimit", err)
	}
	if res.Steps != 300 || res.Halted {
		t.Errorf("Result = %+v", res)
	}
	if vm.Steps() != 300 {
		t.Errorf("machine Steps() = %d, want 300", vm.Steps())
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Run[bytecode.Instr](ctx, infiniteLoop(), Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if res.Steps != 0 {
		t.Errorf("Steps = %d, want 0 for an already-cancelled context", res.Steps)
	}
}

func TestRunCancelledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	vm := infiniteLoop()

	// cancel from inside the run once the machine has done some work
	m := &cancelAfter{StackVM: vm, n: 50, cancel: cancel}
	res, err := Run[bytecode.Instr](ctx, m, Options{CheckEvery: 10})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if res.Steps < 50 || res.Steps > 60 {
		t.Errorf("Steps = %d, want between 50 and 60", res.Steps)
	}
}

func TestRunPropagatesFault(t *testing.T) {
	vm := stackvm.New([]bytecode.Instr{bytecode.Op(bytecode.OpAdd)}, nil, 0)

	_, err := Run[bytecode.Instr](context.Background(), vm, Options{})
	if !errors.Is(err, stackvm.ErrStackUnderflow) {
		t.Errorf("Run error = %v, want ErrStackUnderflow", err)
	}
}

// cancelAfter cancels a context after n handled instructions.
type cancelAfter struct {
	*stackvm.StackVM
	n      int
	seen   int
	cancel context.CancelFunc
}

func (c *cancelAfter) Handle(instr bytecode.Instr) error {
	c.seen++
	if c.seen == c.n {
		c.cancel()
	}
	return c.StackVM.Handle(instr)
}

// ============ Worker ============

func TestWorkerRun(t *testing.T) {
	w := NewWorker(addProgram())
	defer w.Stop()

	res, err := w.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Halted {
		t.Error("expected halted")
	}

	v, err := w.Do(func(vm *stackvm.StackVM) (any, error) {
		return vm.Pop()
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if v.(float64) != 42 {
		t.Errorf("result = %v, want 42", v)
	}
}

func TestWorkerSerializesAccess(t *testing.T) {
	w := NewWorker(stackvm.New(nil, nil, 0))
	defer w.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.Do(func(vm *stackvm.StackVM) (any, error) {
				vm.Push(1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	depth, err := w.Do(func(vm *stackvm.StackVM) (any, error) {
		return vm.Depth(), nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if depth.(int) != 50 {
		t.Errorf("Depth = %d, want 50", depth)
	}
}

func TestWorkerRecoversPanic(t *testing.T) {
	w := NewWorker(stackvm.New(nil, nil, 0))
	defer w.Stop()

	_, err := w.Do(func(vm *stackvm.StackVM) (any, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected error from panicking function")
	}

	// the worker keeps serving after a panic
	if _, err := w.Do(func(vm *stackvm.StackVM) (any, error) { return nil, nil }); err != nil {
		t.Errorf("Do after panic failed: %v", err)
	}
}

func TestWorkerStop(t *testing.T) {
	w := NewWorker(stackvm.New(nil, nil, 0))
	w.Stop()
	w.Stop()

	_, err := w.Do(func(vm *stackvm.StackVM) (any, error) { return nil, nil })
	if !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Do after Stop = %v, want ErrWorkerStopped", err)
	}
}
