// Package avf implements the Additive-codebook Vector File format.
//
// AVF is a single-file, memory-mappable container for additively quantized
// linear layers. Each layer is stored as the lossless triple
// (codebooks, codes, scales) plus a fixed-size geometry record; the container
// describes data only and never implies runtime behaviour.
package avf

import "unsafe"

// AVF global constants must never change.
const (
	// MagicAVF is the file magic for all AVF containers.
	// It is encoded as "AVF\0".
	MagicAVF = "AVF\x00"

	// CurrentMajor: any change indicates a breaking format change.
	CurrentMajor uint16 = 1

	// CurrentMinor: versions may add new optional sections or fields.
	CurrentMinor uint16 = 0

	// FlagTensorDataAligned64 is set when every tensor payload inside the
	// TensorData section starts on a 64-byte boundary, making aligned SIMD
	// views safe for consumers.
	FlagTensorDataAligned64 uint64 = 1 << 0
)

type SectionType uint32

const (
	SectionModelInfo   SectionType = 0x0001
	SectionLayerInfo   SectionType = 0x0002
	SectionTensorIndex SectionType = 0x0003
	SectionTensorData  SectionType = 0x0004
)

type AVFHeader struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *AVFHeader) Valid() bool {
	if string(h.Magic[:]) != MagicAVF {
		return false
	}
	if h.HeaderSize < uint32(unsafe.Sizeof(AVFHeader{})) {
		return false
	}
	if h.SectionCount == 0 {
		return false
	}
	return true
}

func (h *AVFHeader) Compatible() bool {
	return h.Major == CurrentMajor
}

type AVFSection struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *AVFSection) End() uint64 {
	return s.Offset + s.Size
}
