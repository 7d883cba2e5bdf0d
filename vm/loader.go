package vm

import (
	"encoding/binary"
)

// magic is the four-byte "AQBC" header every bytecode image must
// start with (spec.md §4.A / §6.1).
var magic = [4]byte{0x41, 0x51, 0x42, 0x43}

const headerBytes = 16

// Image is the decoded-but-not-yet-loaded result of splitting a raw
// bytecode buffer into its three segments, per spec.md §4.A.
type Image struct {
	MemSize uint64
	Data    []byte
	Types   []byte
	Code    []byte
}

// LoadImage validates the magic and header, then splits buf into the
// data segment, the packed type-nibble segment, and the code segment
// that runs through EOF. It never allocates the heap arena itself -
// that's NewMemory's job - so a disassembler can call LoadImage
// without paying for a full VM.
func LoadImage(buf []byte) (*Image, error) {
	if len(buf) < headerBytes {
		return nil, newVMError(KindShortFile, -1, ErrShortFile)
	}
	if buf[0] != magic[0] || buf[1] != magic[1] || buf[2] != magic[2] || buf[3] != magic[3] {
		return nil, newVMError(KindBadMagic, -1, ErrBadMagic)
	}
	// bytes 4..7 reserved, ignored.
	memSize := binary.BigEndian.Uint64(buf[8:16])

	typeBytes := (memSize + 1) / 2
	need := uint64(headerBytes) + memSize + typeBytes
	if uint64(len(buf)) < need {
		return nil, newVMError(KindShortFile, -1, ErrShortFile)
	}

	data := buf[headerBytes : headerBytes+memSize]
	types := buf[headerBytes+memSize : headerBytes+memSize+typeBytes]
	code := buf[headerBytes+memSize+typeBytes:]

	return &Image{MemSize: memSize, Data: data, Types: types, Code: code}, nil
}
