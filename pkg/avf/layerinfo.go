package avf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// LayerInfoVersion is the on-disk version of the layer info section payload.
const LayerInfoVersion uint32 = 1

const (
	layerInfoHeaderSize = 32
	layerRecordSize     = 32
)

// LayerRecord is the fixed-size geometry record for one quantized linear
// layer. The layer's tensors are found in the tensor index under
// "<name>.codebooks", "<name>.codes" and "<name>.scales".
//
// TOTAL SIZE: 32 bytes, 8-byte aligned.
type LayerRecord struct {
	NameOff uint32 // into strings table
	NameLen uint32 // bytes

	OutFeatures uint32
	InFeatures  uint32

	GroupSize    uint16
	NumCodebooks uint16
	Bits         uint16 // bits per codebook index

	// DType is the floating-point element encoding shared by the layer's
	// codebooks and scales tensors (cast from TensorDType).
	DType uint16

	// Reserved for future flags (eg outlier sidecars).
	Reserved [8]byte
}

// Entries returns the number of reconstruction vectors per codebook.
func (r *LayerRecord) Entries() int {
	return 1 << r.Bits
}

// Groups returns the number of code groups per output row.
func (r *LayerRecord) Groups() int {
	if r.GroupSize == 0 {
		return 0
	}
	return int(r.InFeatures) / int(r.GroupSize)
}

// LayerInfo is a parsed view over a LayerInfo section payload.
type LayerInfo struct {
	raw []byte
	hdr layerInfoHeader
}

type layerInfoHeader struct {
	Version     uint32
	LayerCount  uint32
	RecordsOff  uint64
	StringsOff  uint64
	StringsSize uint64
}

// LayerInfoRecord is the input to EncodeLayerInfoSection.
type LayerInfoRecord struct {
	Name         string
	OutFeatures  int
	InFeatures   int
	GroupSize    int
	NumCodebooks int
	Bits         int
	DType        TensorDType
}

// ParseLayerInfoSection validates and returns a view over a layer info
// section payload.
func ParseLayerInfoSection(sec []byte) (*LayerInfo, error) {
	if len(sec) < layerInfoHeaderSize {
		return nil, ErrCorruptFile
	}
	h := layerInfoHeader{
		Version:     binary.LittleEndian.Uint32(sec[0:4]),
		LayerCount:  binary.LittleEndian.Uint32(sec[4:8]),
		RecordsOff:  binary.LittleEndian.Uint64(sec[8:16]),
		StringsOff:  binary.LittleEndian.Uint64(sec[16:24]),
		StringsSize: binary.LittleEndian.Uint64(sec[24:32]),
	}
	if h.Version != LayerInfoVersion {
		return nil, ErrUnsupportedMinor
	}
	if h.LayerCount == 0 {
		return nil, ErrCorruptFile
	}

	secLen := uint64(len(sec))
	recBytes := uint64(h.LayerCount) * layerRecordSize
	if h.RecordsOff > secLen || h.RecordsOff+recBytes > secLen {
		return nil, ErrCorruptFile
	}
	if h.StringsOff > secLen || h.StringsOff+h.StringsSize > secLen {
		return nil, ErrCorruptFile
	}

	li := &LayerInfo{raw: sec, hdr: h}
	for i := uint32(0); i < h.LayerCount; i++ {
		r, err := li.Record(int(i))
		if err != nil {
			return nil, err
		}
		if uint64(r.NameOff)+uint64(r.NameLen) > h.StringsSize {
			return nil, ErrCorruptFile
		}
	}
	return li, nil
}

func (li *LayerInfo) Count() int {
	return int(li.hdr.LayerCount)
}

func (li *LayerInfo) Record(i int) (LayerRecord, error) {
	if i < 0 || i >= int(li.hdr.LayerCount) {
		return LayerRecord{}, ErrCorruptFile
	}
	base := li.hdr.RecordsOff + uint64(i)*layerRecordSize
	end := base + layerRecordSize
	if end > uint64(len(li.raw)) {
		return LayerRecord{}, ErrCorruptFile
	}
	b := li.raw[base:end]
	r := LayerRecord{
		NameOff:      binary.LittleEndian.Uint32(b[0:4]),
		NameLen:      binary.LittleEndian.Uint32(b[4:8]),
		OutFeatures:  binary.LittleEndian.Uint32(b[8:12]),
		InFeatures:   binary.LittleEndian.Uint32(b[12:16]),
		GroupSize:    binary.LittleEndian.Uint16(b[16:18]),
		NumCodebooks: binary.LittleEndian.Uint16(b[18:20]),
		Bits:         binary.LittleEndian.Uint16(b[20:22]),
		DType:        binary.LittleEndian.Uint16(b[22:24]),
	}
	copy(r.Reserved[:], b[24:32])
	return r, nil
}

func (li *LayerInfo) Name(i int) (string, error) {
	r, err := li.Record(i)
	if err != nil {
		return "", err
	}
	base := li.hdr.StringsOff
	off := base + uint64(r.NameOff)
	end := off + uint64(r.NameLen)
	if end > base+li.hdr.StringsSize || end > uint64(len(li.raw)) {
		return "", ErrCorruptFile
	}
	return string(li.raw[off:end]), nil
}

// EncodeLayerInfoSection builds a layer info section payload (v1).
func EncodeLayerInfoSection(records []LayerInfoRecord) ([]byte, error) {
	if len(records) == 0 {
		return nil, errors.New("avf: layer info requires at least one record")
	}

	var stringBlob []byte
	recs := make([]LayerRecord, 0, len(records))
	for _, r := range records {
		if r.Name == "" {
			return nil, errors.New("avf: layer name must be non-empty")
		}
		if r.OutFeatures <= 0 || r.InFeatures <= 0 {
			return nil, fmt.Errorf("avf: layer %q: invalid features", r.Name)
		}
		if r.GroupSize <= 0 || r.GroupSize > 0xFFFF ||
			r.NumCodebooks <= 0 || r.NumCodebooks > 0xFFFF ||
			r.Bits <= 0 || r.Bits > 16 {
			return nil, fmt.Errorf("avf: layer %q: invalid geometry", r.Name)
		}
		if r.InFeatures%r.GroupSize != 0 {
			return nil, fmt.Errorf("avf: layer %q: in_features %d not a multiple of group size %d",
				r.Name, r.InFeatures, r.GroupSize)
		}

		nameOff := uint32(len(stringBlob))
		nameBytes := []byte(r.Name)
		stringBlob = append(stringBlob, nameBytes...)

		recs = append(recs, LayerRecord{
			NameOff:      nameOff,
			NameLen:      uint32(len(nameBytes)),
			OutFeatures:  uint32(r.OutFeatures),
			InFeatures:   uint32(r.InFeatures),
			GroupSize:    uint16(r.GroupSize),
			NumCodebooks: uint16(r.NumCodebooks),
			Bits:         uint16(r.Bits),
			DType:        uint16(r.DType),
		})
	}

	hdr := layerInfoHeader{
		Version:     LayerInfoVersion,
		LayerCount:  uint32(len(recs)),
		RecordsOff:  layerInfoHeaderSize,
		StringsSize: uint64(len(stringBlob)),
	}
	hdr.StringsOff = hdr.RecordsOff + uint64(len(recs))*layerRecordSize

	out := make([]byte, int(hdr.StringsOff+hdr.StringsSize))
	binary.LittleEndian.PutUint32(out[0:4], hdr.Version)
	binary.LittleEndian.PutUint32(out[4:8], hdr.LayerCount)
	binary.LittleEndian.PutUint64(out[8:16], hdr.RecordsOff)
	binary.LittleEndian.PutUint64(out[16:24], hdr.StringsOff)
	binary.LittleEndian.PutUint64(out[24:32], hdr.StringsSize)

	rp := int(hdr.RecordsOff)
	for _, r := range recs {
		b := out[rp : rp+layerRecordSize]
		binary.LittleEndian.PutUint32(b[0:4], r.NameOff)
		binary.LittleEndian.PutUint32(b[4:8], r.NameLen)
		binary.LittleEndian.PutUint32(b[8:12], r.OutFeatures)
		binary.LittleEndian.PutUint32(b[12:16], r.InFeatures)
		binary.LittleEndian.PutUint16(b[16:18], r.GroupSize)
		binary.LittleEndian.PutUint16(b[18:20], r.NumCodebooks)
		binary.LittleEndian.PutUint16(b[20:22], r.Bits)
		binary.LittleEndian.PutUint16(b[22:24], r.DType)
		rp += layerRecordSize
	}

	copy(out[int(hdr.StringsOff):], stringBlob)
	return out, nil
}
