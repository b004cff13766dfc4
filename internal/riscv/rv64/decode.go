package rv64

// Decoded is the pure result of decoding one instruction word: the
// (possibly compressed-expanded) instruction actually executed, its
// encoded length, and the PC it was fetched from. Dispatch
// (cpu.Execute) still extracts opcode/operand fields itself per
// handler from Raw; Decode's job is only the part that must happen
// before dispatch and must not touch CPU state: compressed expansion
// and length determination.
type Decoded struct {
	PC  uint64
	Raw uint32 // the (possibly expanded) 32-bit instruction actually executed
	Len int    // 2 for a compressed encoding, 4 otherwise
}

// Decode expands fetched (if it encodes a 16-bit compressed instruction)
// into the 32-bit form dispatch operates on. It performs no register,
// memory, or CSR access and has no side effects.
func (cpu *CPU) Decode(fetched uint32, pc uint64) (Decoded, error) {
	if fetched&0x3 != 0x3 {
		expanded, err := cpu.ExpandCompressed(uint16(fetched))
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{PC: pc, Raw: expanded, Len: 2}, nil
	}
	return Decoded{PC: pc, Raw: fetched, Len: 4}, nil
}
