package bytecode

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so equal programs encode to equal bytes.
var cborEncMode cbor.EncMode

// cborDecMode accepts arrays as long as anything the encoder can produce.
var cborDecMode cbor.DecMode

// maxCBORArray is the largest MaxArrayElements the cbor library accepts.
const maxCBORArray = math.MaxInt32

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{MaxArrayElements: maxCBORArray}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// cborImage is the CBOR wire shape of a Program.
type cborImage struct {
	Version    uint16      `cbor:"1,keyasint"`
	Flags      ImageFlags  `cbor:"2,keyasint,omitempty"`
	MemorySize uint32      `cbor:"3,keyasint"`
	Constants  []float64   `cbor:"4,keyasint,omitempty"`
	Code       []cborInstr `cbor:"5,keyasint,omitempty"`
}

// cborInstr is encoded as a two element array: [opcode, operand].
type cborInstr struct {
	_    struct{} `cbor:",toarray"`
	Op   uint8
	Addr uint64
}

// MarshalCBOR serializes a Program to CBOR bytes.
func MarshalCBOR(p *Program) ([]byte, error) {
	if p.MemorySize < 0 || uint64(p.MemorySize) > 1<<32-1 {
		return nil, fmt.Errorf("bytecode: memory size %d does not fit the image header", p.MemorySize)
	}
	img := cborImage{
		Version:    p.Version,
		Flags:      p.Flags,
		MemorySize: uint32(p.MemorySize),
		Constants:  p.Constants,
		Code:       make([]cborInstr, len(p.Code)),
	}
	if img.Version == 0 {
		img.Version = ImageVersion
	}
	for i, instr := range p.Code {
		img.Code[i] = cborInstr{Op: instr.Opcode().Byte(), Addr: instr.Args()}
	}
	return cborEncMode.Marshal(&img)
}

// UnmarshalCBOR deserializes a Program from CBOR bytes.
// Unknown opcode bytes are rejected.
func UnmarshalCBOR(data []byte) (*Program, error) {
	var img cborImage
	if err := cborDecMode.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal image: %w", err)
	}
	if img.Version == 0 || img.Version > ImageVersion {
		return nil, fmt.Errorf("%w: %d (supported up to %d)", ErrUnsupportedVersion, img.Version, ImageVersion)
	}

	if img.MemorySize > MaxMemorySize {
		return nil, fmt.Errorf("%w: memory size %d exceeds %d", ErrInvalidOperand, img.MemorySize, MaxMemorySize)
	}

	p := &Program{
		Version:    img.Version,
		Flags:      img.Flags,
		MemorySize: int(img.MemorySize),
		Constants:  img.Constants,
		Code:       make([]Instr, len(img.Code)),
	}
	if p.Constants == nil {
		p.Constants = []float64{}
	}
	for i, ci := range img.Code {
		op, ok := OpcodeFromByte(ci.Op)
		if !ok {
			return nil, fmt.Errorf("%w 0x%02X at instruction %d", ErrUnknownOpcode, ci.Op, i)
		}
		p.Code[i] = NewInstr(op, ci.Addr)
	}
	return p, nil
}

// DecodeImage decodes either image format, choosing by the leading magic.
func DecodeImage(data []byte) (*Program, error) {
	if len(data) >= len(ImageMagic) && string(data[:len(ImageMagic)]) == string(ImageMagic) {
		return Deserialize(data)
	}
	return UnmarshalCBOR(data)
}
