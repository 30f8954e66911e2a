// Package ioctl encodes and decodes control command words.
//
// The layout follows the asm-generic convention used by Linux:
//
//	bits  0..7   number
//	bits  8..15  type
//	bits 16..29  size of the argument
//	bits 30..31  direction
package ioctl

const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14
	dirBits  = 2

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	nrMask   = 1<<nrBits - 1
	typeMask = 1<<typeBits - 1
	sizeMask = 1<<sizeBits - 1
	dirMask  = 1<<dirBits - 1
)

// Direction bits, seen from the caller.
const (
	DirNone  uint32 = 0
	DirWrite uint32 = 1
	DirRead  uint32 = 2
)

// MaxSize is the largest argument size a command word can carry.
const MaxSize = sizeMask

// IOC builds a command word. Fields wider than their slot are truncated.
func IOC(dir uint32, typ byte, nr byte, size uint32) uint32 {
	return (dir&dirMask)<<dirShift |
		uint32(typ)<<typeShift |
		uint32(nr)<<nrShift |
		(size&sizeMask)<<sizeShift
}

// IO is a command without an argument.
func IO(typ byte, nr byte) uint32 {
	return IOC(DirNone, typ, nr, 0)
}

// IOR is a command that returns size bytes to the caller.
func IOR(typ byte, nr byte, size uint32) uint32 {
	return IOC(DirRead, typ, nr, size)
}

// IOW is a command that passes size bytes from the caller.
func IOW(typ byte, nr byte, size uint32) uint32 {
	return IOC(DirWrite, typ, nr, size)
}

// IOWR is a command that passes and returns size bytes.
func IOWR(typ byte, nr byte, size uint32) uint32 {
	return IOC(DirRead|DirWrite, typ, nr, size)
}

func Dir(cmd uint32) uint32 {
	return (cmd >> dirShift) & dirMask
}

func Type(cmd uint32) byte {
	return byte((cmd >> typeShift) & typeMask)
}

func Nr(cmd uint32) byte {
	return byte((cmd >> nrShift) & nrMask)
}

// Size is the argument size declared by the command word.
func Size(cmd uint32) uint32 {
	return (cmd >> sizeShift) & sizeMask
}
