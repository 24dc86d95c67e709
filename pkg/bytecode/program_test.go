package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// sampleProgram adds 5 and 2 through two memory slots.
func sampleProgram() *Program {
	p := NewProgram(2)
	p.EmitConstant(5)
	p.Emit(OpSet, 0)
	p.EmitConstant(2)
	p.Emit(OpSet, 1)
	p.Emit(OpGet, 0)
	p.Emit(OpGet, 1)
	p.Emit(OpAdd, 0)
	p.Emit(OpHalt, 0)
	return p
}

func TestNewProgram(t *testing.T) {
	p := NewProgram(4)

	if p.Version != ImageVersion {
		t.Errorf("Version = %d, want %d", p.Version, ImageVersion)
	}
	if p.MemorySize != 4 {
		t.Errorf("MemorySize = %d, want 4", p.MemorySize)
	}
	if p.Code == nil || p.Constants == nil {
		t.Error("Code or Constants is nil")
	}
}

func TestProgramAddConstant(t *testing.T) {
	p := NewProgram(0)

	if idx := p.AddConstant(1.5); idx != 0 {
		t.Errorf("First constant index = %d, want 0", idx)
	}
	if idx := p.AddConstant(-3); idx != 1 {
		t.Errorf("Second constant index = %d, want 1", idx)
	}
	if idx := p.AddConstant(1.5); idx != 0 {
		t.Errorf("Duplicate constant index = %d, want 0", idx)
	}
	if idx := p.AddConstant(math.NaN()); idx != 2 {
		t.Errorf("NaN index = %d, want 2", idx)
	}
	if idx := p.AddConstant(math.NaN()); idx != 2 {
		t.Errorf("Duplicate NaN index = %d, want 2", idx)
	}
	if len(p.Constants) != 3 {
		t.Errorf("len(Constants) = %d, want 3", len(p.Constants))
	}
}

func TestProgramEmit(t *testing.T) {
	p := NewProgram(0)

	if off := p.Emit(OpNone, 0); off != 0 {
		t.Errorf("First emit offset = %d, want 0", off)
	}
	if off := p.EmitConstant(9); off != 1 {
		t.Errorf("Second emit offset = %d, want 1", off)
	}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2", p.Len())
	}
	if p.Code[1] != NewInstr(OpConst, 0) {
		t.Errorf("Code[1] = %s, want CONST 0", p.Code[1])
	}
}

func TestProgramJumpPatch(t *testing.T) {
	p := NewProgram(0)

	p.EmitConstant(0)               // 0
	jump := p.EmitJump(OpJumpIfNot) // 1
	p.EmitConstant(1)               // 2
	p.Emit(OpHalt, 0)               // 3
	p.PatchJump(jump)
	p.EmitConstant(2) // 4
	p.Emit(OpHalt, 0) // 5

	if got := p.Code[jump]; got != NewInstr(OpJumpIfNot, 4) {
		t.Errorf("patched jump = %s, want JUMP_IF_NOT 4", got)
	}

	loop := p.EmitJump(OpJump)
	p.PatchJumpTo(loop, 0)
	if got := p.Code[loop].Args(); got != 0 {
		t.Errorf("backward jump target = %d, want 0", got)
	}
}

func TestProgramValidate(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *Program
		wantErr error
	}{
		{"valid", sampleProgram, nil},
		{"memory out of range", func() *Program {
			p := sampleProgram()
			p.Code[1] = NewInstr(OpSet, 2)
			return p
		}, ErrInvalidOperand},
		{"constant out of range", func() *Program {
			p := sampleProgram()
			p.Code[0] = NewInstr(OpConst, 9)
			return p
		}, ErrInvalidOperand},
		{"jump out of range", func() *Program {
			p := sampleProgram()
			p.Emit(OpJump, 100)
			return p
		}, ErrInvalidOperand},
		{"unknown opcode", func() *Program {
			p := sampleProgram()
			p.Code = append(p.Code, NewInstr(Opcode(0xEE), 0))
			return p
		}, ErrUnknownOpcode},
		{"memory too large", func() *Program {
			p := sampleProgram()
			p.MemorySize = MaxMemorySize + 1
			return p
		}, ErrInvalidOperand},
		{"ignored operand", func() *Program {
			p := sampleProgram()
			p.Code[6] = NewInstr(OpAdd, math.MaxUint64)
			return p
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// ============================================================================
// Serialization Tests
// ============================================================================

func TestSerializeDeserializeEmpty(t *testing.T) {
	p := NewProgram(0)

	data, err := p.Serialize()
	if err != nil {
		t.Fatalf("Serialize error: %v", err)
	}
	if !bytes.HasPrefix(data, ImageMagic) {
		t.Error("Serialized data missing magic header")
	}
	if len(data) != 8+4+4+4 {
		t.Errorf("empty image is %d bytes, want 20", len(data))
	}

	p2, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize error: %v", err)
	}
	if p2.Version != p.Version {
		t.Errorf("Version mismatch: got %d, want %d", p2.Version, p.Version)
	}
	if p2.Len() != 0 || len(p2.Constants) != 0 {
		t.Errorf("expected empty program, got %d instrs, %d constants", p2.Len(), len(p2.Constants))
	}
}

func TestSerializeDeserializeProgram(t *testing.T) {
	p := sampleProgram()
	p.AddConstant(math.Inf(-1))
	p.Flags = ImageFlagValidated

	data, err := p.Serialize()
	if err != nil {
		t.Fatalf("Serialize error: %v", err)
	}
	if want := 8 + 4 + 4 + 3*8 + 4 + 8*instrSize; len(data) != want {
		t.Errorf("image is %d bytes, want %d", len(data), want)
	}

	p2, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize error: %v", err)
	}
	assertSameProgram(t, p2, p)
}

func TestSerializeOperandIsBigEndian(t *testing.T) {
	p := NewProgram(0)
	p.Emit(OpJump, 0x0102030405060708)

	data, err := p.Serialize()
	if err != nil {
		t.Fatalf("Serialize error: %v", err)
	}
	instr := data[len(data)-instrSize:]
	want := []byte{byte(OpJump), 1, 2, 3, 4, 5, 6, 7, 8}
	if !bytes.Equal(instr, want) {
		t.Errorf("encoded instruction = % x, want % x", instr, want)
	}
}

func TestDeserializeErrors(t *testing.T) {
	good, err := sampleProgram().Serialize()
	if err != nil {
		t.Fatalf("Serialize error: %v", err)
	}

	badMagic := append([]byte("XXXX"), good[4:]...)

	newer := append([]byte(nil), good...)
	newer[5] = byte(ImageVersion + 1)

	unknownOp := append([]byte(nil), good...)
	unknownOp[len(unknownOp)-instrSize] = 0xEE

	trailing := append(append([]byte(nil), good...), 0)

	hugeMemory := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(hugeMemory[8:], math.MaxUint32)

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"too short", good[:5], ErrTruncated},
		{"bad magic", badMagic, ErrBadMagic},
		{"newer version", newer, ErrUnsupportedVersion},
		{"truncated constants", good[:20], ErrTruncated},
		{"truncated code", good[:len(good)-1], ErrTruncated},
		{"unknown opcode", unknownOp, ErrUnknownOpcode},
		{"trailing bytes", trailing, nil},
		{"memory too large", hugeMemory, ErrInvalidOperand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func assertSameProgram(t *testing.T, got, want *Program) {
	t.Helper()
	if got.MemorySize != want.MemorySize {
		t.Errorf("MemorySize = %d, want %d", got.MemorySize, want.MemorySize)
	}
	if got.Flags != want.Flags {
		t.Errorf("Flags = %d, want %d", got.Flags, want.Flags)
	}
	if len(got.Constants) != len(want.Constants) {
		t.Fatalf("len(Constants) = %d, want %d", len(got.Constants), len(want.Constants))
	}
	for i := range want.Constants {
		if got.Constants[i] != want.Constants[i] {
			t.Errorf("Constants[%d] = %v, want %v", i, got.Constants[i], want.Constants[i])
		}
	}
	if len(got.Code) != len(want.Code) {
		t.Fatalf("len(Code) = %d, want %d", len(got.Code), len(want.Code))
	}
	for i := range want.Code {
		if got.Code[i] != want.Code[i] {
			t.Errorf("Code[%d] = %s, want %s", i, got.Code[i], want.Code[i])
		}
	}
}

func TestDeserializeMaxMemory(t *testing.T) {
	p := NewProgram(MaxMemorySize)
	p.Emit(OpHalt, 0)
	data, err := p.Serialize()
	if err != nil {
		t.Fatalf("Serialize error: %v", err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize error: %v", err)
	}
	if got.MemorySize != MaxMemorySize {
		t.Errorf("MemorySize = %d, want %d", got.MemorySize, MaxMemorySize)
	}
}
