// Package bytecode defines the instruction set of the stack machine and the
// formats programs are stored in.
//
// An instruction is an opcode plus a single unsigned operand. The operand is a
// memory address for SET/GET, a constant pool index for CONST, and an absolute
// instruction index for the jumps; every other opcode ignores it.
//
// # Image Formats
//
// Programs can be written in two formats:
//
//   - SVBC: a fixed-width big-endian layout (see Program.Serialize). Every
//     instruction takes 9 bytes, one opcode byte and an 8-byte operand.
//
//   - CBOR: canonical CBOR with integer keys (see MarshalCBOR), used by the
//     program store and for transport.
//
// Both decoders reject opcode bytes that do not name an opcode with
// ErrUnknownOpcode instead of mapping them to NONE.
package bytecode
