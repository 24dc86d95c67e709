package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ImageVersion is the current image format version.
// Increment when making incompatible changes to the format.
const ImageVersion uint16 = 1

// Magic bytes for image files: "SVBC" (Stack VM ByteCode)
var ImageMagic = []byte{'S', 'V', 'B', 'C'}

// MaxMemorySize is the largest memory bank, in slots, an image may declare.
const MaxMemorySize = 1 << 24

// instrSize is the encoded size of one instruction: opcode byte + u64 operand.
const instrSize = 9

var (
	ErrBadMagic           = errors.New("bytecode: invalid image magic")
	ErrTruncated          = errors.New("bytecode: unexpected end of image")
	ErrUnsupportedVersion = errors.New("bytecode: unsupported image version")
	ErrUnknownOpcode      = errors.New("bytecode: unknown opcode")
	ErrInvalidOperand     = errors.New("bytecode: operand out of range")
)

// ImageFlags contains flags stored in the image header.
type ImageFlags uint16

const (
	// ImageFlagValidated marks an image whose operands were checked by Validate
	// before it was encoded.
	ImageFlagValidated ImageFlags = 1 << 0
)

// Program is everything a stack machine needs to start: the instruction
// sequence, the constant pool and the size of the memory bank.
type Program struct {
	Version    uint16
	Flags      ImageFlags
	Code       []Instr
	Constants  []float64
	MemorySize int
}

// NewProgram creates an empty program with the current version.
func NewProgram(memorySize int) *Program {
	return &Program{
		Version:    ImageVersion,
		Code:       make([]Instr, 0, 16),
		Constants:  make([]float64, 0, 8),
		MemorySize: memorySize,
	}
}

// AddConstant adds a constant to the pool and returns its index.
// If the constant already exists, returns the existing index.
func (p *Program) AddConstant(value float64) uint64 {
	for i, c := range p.Constants {
		if c == value || (math.IsNaN(c) && math.IsNaN(value)) {
			return uint64(i)
		}
	}
	idx := uint64(len(p.Constants))
	p.Constants = append(p.Constants, value)
	return idx
}

// Emit appends an instruction and returns its index.
func (p *Program) Emit(op Opcode, addr uint64) int {
	offset := len(p.Code)
	p.Code = append(p.Code, NewInstr(op, addr))
	return offset
}

// EmitConstant emits an OpConst instruction for the given value.
// Adds the constant to the pool if not already present.
func (p *Program) EmitConstant(value float64) int {
	return p.Emit(OpConst, p.AddConstant(value))
}

// EmitJump emits a jump with a placeholder target and returns its index
// for later patching.
func (p *Program) EmitJump(op Opcode) int {
	return p.Emit(op, math.MaxUint64)
}

// PatchJump points the jump at index to the next instruction to be emitted.
func (p *Program) PatchJump(index int) {
	p.PatchJumpTo(index, len(p.Code))
}

// PatchJumpTo points the jump at index to an absolute target.
func (p *Program) PatchJumpTo(index, target int) {
	p.Code[index] = NewInstr(p.Code[index].Opcode(), uint64(target))
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.Code)
}

// Validate checks every operand against the program's bounds: memory
// addresses against MemorySize, constant indices against the pool and jump
// targets against the code length. A valid program can still fault at run
// time through stack underflow or by running off the end.
func (p *Program) Validate() error {
	if p.MemorySize < 0 || p.MemorySize > MaxMemorySize {
		return fmt.Errorf("%w: memory size %d outside 0..%d", ErrInvalidOperand, p.MemorySize, MaxMemorySize)
	}
	for i, instr := range p.Code {
		op := instr.Opcode()
		if !op.Valid() {
			return fmt.Errorf("%w 0x%02X at instruction %d", ErrUnknownOpcode, byte(op), i)
		}
		addr := instr.Args()
		var limit uint64
		switch op.Operand() {
		case OperandMemory:
			limit = uint64(p.MemorySize)
		case OperandConstant:
			limit = uint64(len(p.Constants))
		case OperandJump:
			// a target equal to the length is representable but faults on fetch
			limit = uint64(len(p.Code))
		default:
			continue
		}
		if addr >= limit {
			return fmt.Errorf("%w: %s at instruction %d (limit %d)", ErrInvalidOperand, instr, i, limit)
		}
	}
	return nil
}

// Serialize encodes the program to bytes for storage/transport.
// Format (big-endian):
//
//	[magic:4] [version:2] [flags:2]
//	[memory_size:4]
//	[const_count:4] [constants: f64 bits:8 ...]
//	[instr_count:4] [instrs: (opcode:1 operand:8) ...]
func (p *Program) Serialize() ([]byte, error) {
	if p.MemorySize < 0 || uint64(p.MemorySize) > math.MaxUint32 {
		return nil, fmt.Errorf("bytecode: memory size %d does not fit the image header", p.MemorySize)
	}

	size := 8 + 4 + 4 + len(p.Constants)*8 + 4 + len(p.Code)*instrSize
	buf := make([]byte, 0, size)

	buf = append(buf, ImageMagic...)

	version := p.Version
	if version == 0 {
		version = ImageVersion
	}
	buf = binary.BigEndian.AppendUint16(buf, version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.Flags))

	buf = binary.BigEndian.AppendUint32(buf, uint32(p.MemorySize))

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Constants)))
	for _, c := range p.Constants {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(c))
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Code)))
	for _, instr := range p.Code {
		buf = append(buf, instr.Opcode().Byte())
		buf = binary.BigEndian.AppendUint64(buf, instr.Args())
	}

	return buf, nil
}

// Deserialize decodes a program from bytes. Unknown opcode bytes are rejected.
func Deserialize(data []byte) (*Program, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: need at least 8 bytes, got %d", ErrTruncated, len(data))
	}

	if string(data[0:4]) != string(ImageMagic) {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrBadMagic, ImageMagic, data[0:4])
	}

	p := &Program{
		Version: binary.BigEndian.Uint16(data[4:6]),
		Flags:   ImageFlags(binary.BigEndian.Uint16(data[6:8])),
	}
	pos := 8

	if p.Version == 0 || p.Version > ImageVersion {
		return nil, fmt.Errorf("%w: %d (supported up to %d)", ErrUnsupportedVersion, p.Version, ImageVersion)
	}

	if pos+4 > len(data) {
		return nil, fmt.Errorf("%w reading memory size at pos %d", ErrTruncated, pos)
	}
	p.MemorySize = int(binary.BigEndian.Uint32(data[pos:]))
	if p.MemorySize > MaxMemorySize {
		return nil, fmt.Errorf("%w: memory size %d exceeds %d", ErrInvalidOperand, p.MemorySize, MaxMemorySize)
	}
	pos += 4

	if pos+4 > len(data) {
		return nil, fmt.Errorf("%w reading constant count at pos %d", ErrTruncated, pos)
	}
	constCount := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4

	if constCount > (len(data)-pos)/8 {
		return nil, fmt.Errorf("%w reading %d constants at pos %d", ErrTruncated, constCount, pos)
	}
	p.Constants = make([]float64, constCount)
	for i := range p.Constants {
		p.Constants[i] = math.Float64frombits(binary.BigEndian.Uint64(data[pos:]))
		pos += 8
	}

	if pos+4 > len(data) {
		return nil, fmt.Errorf("%w reading instruction count at pos %d", ErrTruncated, pos)
	}
	instrCount := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4

	if instrCount > (len(data)-pos)/instrSize {
		return nil, fmt.Errorf("%w reading %d instructions at pos %d", ErrTruncated, instrCount, pos)
	}
	p.Code = make([]Instr, instrCount)
	for i := range p.Code {
		op, ok := OpcodeFromByte(data[pos])
		if !ok {
			return nil, fmt.Errorf("%w 0x%02X at instruction %d", ErrUnknownOpcode, data[pos], i)
		}
		p.Code[i] = NewInstr(op, binary.BigEndian.Uint64(data[pos+1:]))
		pos += instrSize
	}

	if pos != len(data) {
		return nil, fmt.Errorf("bytecode: %d trailing bytes after instruction section", len(data)-pos)
	}

	return p, nil
}
