// Package store maps quantized models onto AVF artifacts: one layer info
// record plus three tensors (codebooks, codes, scales) per linear layer.
// Codes are persisted unpacked as uint16 regardless of scheme, so an
// artifact round-trips losslessly between writers and readers that pack
// differently in memory.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/samcharles93/avq/internal/tensor"
	"github.com/samcharles93/avq/pkg/avf"
)

var (
	ErrMissingSection = errors.New("store: missing section")
	ErrTensorNotFound = errors.New("store: tensor not found")
	ErrLayerMismatch  = errors.New("store: tensor does not match layer record")
)

// Layer pairs a quantized matrix with its name inside the artifact.
type Layer struct {
	Name string
	Q    *tensor.Quantized
}

// Model is a fully loaded artifact: metadata plus every layer, in file
// order.
type Model struct {
	Info   avf.ModelInfo
	Layers []Layer

	byName map[string]*tensor.Quantized
}

// Layer looks a layer up by name.
func (m *Model) Layer(name string) (*tensor.Quantized, bool) {
	q, ok := m.byName[name]
	return q, ok
}

// Reindex rebuilds the name lookup. Callers that populate Layers directly,
// rather than through Load, must call it before using Layer.
func (m *Model) Reindex() {
	m.byName = make(map[string]*tensor.Quantized, len(m.Layers))
	for _, l := range m.Layers {
		m.byName[l.Name] = l.Q
	}
}

// Save writes the layers to path as a new AVF artifact. Layer order is
// preserved; tensor data is 64-byte aligned for mmap-friendly reads.
func Save(path string, info avf.ModelInfo, layers []Layer) (err error) {
	if len(layers) == 0 {
		return errors.New("store: no layers to save")
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("store: create %s: %w", path, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w, err := avf.NewWriter(out)
	if err != nil {
		return err
	}

	miPayload, err := avf.EncodeModelInfoSection(info)
	if err != nil {
		return err
	}
	if err := w.WriteSection(avf.SectionModelInfo, avf.ModelInfoVersion, miPayload); err != nil {
		return err
	}

	liRecords := make([]avf.LayerInfoRecord, len(layers))
	for i, l := range layers {
		liRecords[i] = avf.LayerInfoRecord{
			Name:         l.Name,
			OutFeatures:  l.Q.OutFeatures(),
			InFeatures:   l.Q.InFeatures(),
			GroupSize:    l.Q.GroupSize(),
			NumCodebooks: l.Q.NumCodebooks(),
			Bits:         l.Q.Bits(),
			DType:        l.Q.DType(),
		}
	}
	liPayload, err := avf.EncodeLayerInfoSection(liRecords)
	if err != nil {
		return err
	}
	if err := w.WriteSection(avf.SectionLayerInfo, avf.LayerInfoVersion, liPayload); err != nil {
		return err
	}

	sw, err := w.BeginSection(avf.SectionTensorData, 1)
	if err != nil {
		return err
	}
	var tiRecords []avf.TensorIndexRecord
	writeTensor := func(name string, dt avf.TensorDType, shape []uint64, raw []byte) error {
		if err := sw.Align(avf.TensorAlign); err != nil {
			return err
		}
		off, err := sw.CurrentAbsOffset()
		if err != nil {
			return err
		}
		if _, err := sw.Write(raw); err != nil {
			return err
		}
		tiRecords = append(tiRecords, avf.TensorIndexRecord{
			Name:     name,
			DType:    dt,
			Shape:    shape,
			DataOff:  off,
			DataSize: uint64(len(raw)),
		})
		return nil
	}

	for _, l := range layers {
		q := l.Q
		dt := q.DType()

		booksRaw, err := encodeFloats(dt, q.Codebooks())
		if err != nil {
			return fmt.Errorf("store: layer %s codebooks: %w", l.Name, err)
		}
		if err := writeTensor(l.Name+".codebooks", dt,
			[]uint64{uint64(q.NumCodebooks()), uint64(q.Entries()), uint64(q.GroupSize())},
			booksRaw); err != nil {
			return err
		}

		if err := writeTensor(l.Name+".codes", avf.DTypeU16,
			[]uint64{uint64(q.OutFeatures()), uint64(q.Groups()), uint64(q.NumCodebooks())},
			encodeU16(q.CodesU16())); err != nil {
			return err
		}

		scalesRaw, err := encodeFloats(dt, q.Scales())
		if err != nil {
			return fmt.Errorf("store: layer %s scales: %w", l.Name, err)
		}
		if err := writeTensor(l.Name+".scales", dt,
			[]uint64{uint64(q.OutFeatures())}, scalesRaw); err != nil {
			return err
		}
	}
	if err := sw.End(); err != nil {
		return err
	}
	if err := w.AddFlags(avf.FlagTensorDataAligned64); err != nil {
		return err
	}

	tiPayload, err := avf.EncodeTensorIndexSection(tiRecords)
	if err != nil {
		return err
	}
	if err := w.WriteSection(avf.SectionTensorIndex, avf.TensorIndexVersion, tiPayload); err != nil {
		return err
	}

	return w.Finalise()
}

// Load reads an AVF artifact and materializes every layer. Code indices go
// through the full range check; a corrupt or foreign file cannot produce a
// matrix that would index out of its codebooks.
func Load(path string) (*Model, error) {
	f, err := avf.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return load(f)
}

func load(f *avf.File) (*Model, error) {
	miSec := f.Section(avf.SectionModelInfo)
	if miSec == nil {
		return nil, fmt.Errorf("%w: model info", ErrMissingSection)
	}
	info, err := avf.ParseModelInfoSection(f.SectionData(miSec))
	if err != nil {
		return nil, err
	}

	liSec := f.Section(avf.SectionLayerInfo)
	if liSec == nil {
		return nil, fmt.Errorf("%w: layer info", ErrMissingSection)
	}
	li, err := avf.ParseLayerInfoSection(f.SectionData(liSec))
	if err != nil {
		return nil, err
	}

	tiSec := f.Section(avf.SectionTensorIndex)
	if tiSec == nil {
		return nil, fmt.Errorf("%w: tensor index", ErrMissingSection)
	}
	ti, err := avf.ParseTensorIndexSection(f.SectionData(tiSec))
	if err != nil {
		return nil, err
	}

	m := &Model{
		Info:   info,
		Layers: make([]Layer, 0, li.Count()),
	}
	for i := 0; i < li.Count(); i++ {
		rec, err := li.Record(i)
		if err != nil {
			return nil, err
		}
		name, err := li.Name(i)
		if err != nil {
			return nil, err
		}
		q, err := loadLayer(f, ti, name, rec)
		if err != nil {
			return nil, err
		}
		m.Layers = append(m.Layers, Layer{Name: name, Q: q})
	}
	m.Reindex()
	return m, nil
}

func loadLayer(f *avf.File, ti *avf.TensorIndex, name string, rec avf.LayerRecord) (*tensor.Quantized, error) {
	dt := avf.TensorDType(rec.DType)
	if !dt.Float() {
		return nil, fmt.Errorf("%w: layer %s has dtype %s", ErrLayerMismatch, name, dt)
	}
	entries := rec.Entries()
	groups := rec.Groups()
	nc := int(rec.NumCodebooks)
	gs := int(rec.GroupSize)

	booksRaw, err := tensorPayload(f, ti, name+".codebooks", dt,
		[]uint64{uint64(nc), uint64(entries), uint64(gs)})
	if err != nil {
		return nil, err
	}
	books, err := decodeFloats(dt, booksRaw)
	if err != nil {
		return nil, fmt.Errorf("store: layer %s codebooks: %w", name, err)
	}

	codesRaw, err := tensorPayload(f, ti, name+".codes", avf.DTypeU16,
		[]uint64{uint64(rec.OutFeatures), uint64(groups), uint64(nc)})
	if err != nil {
		return nil, err
	}
	codes := decodeU16(codesRaw)

	scalesRaw, err := tensorPayload(f, ti, name+".scales", dt,
		[]uint64{uint64(rec.OutFeatures)})
	if err != nil {
		return nil, err
	}
	scales, err := decodeFloats(dt, scalesRaw)
	if err != nil {
		return nil, fmt.Errorf("store: layer %s scales: %w", name, err)
	}

	q, err := tensor.NewQuantized(int(rec.OutFeatures), int(rec.InFeatures), gs, nc, int(rec.Bits),
		books, codes, scales)
	if err != nil {
		return nil, fmt.Errorf("store: layer %s: %w", name, err)
	}
	q.SetDType(dt)
	return q, nil
}

// tensorPayload resolves a tensor by name and checks its dtype and shape
// against what the layer record implies before handing back the raw bytes.
func tensorPayload(f *avf.File, ti *avf.TensorIndex, name string, dt avf.TensorDType, shape []uint64) ([]byte, error) {
	idx, ok := ti.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	entry, err := ti.Entry(idx)
	if err != nil {
		return nil, err
	}
	if entry.DType != dt {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrLayerMismatch, name, entry.DType, dt)
	}
	got, err := ti.Shape(idx)
	if err != nil {
		return nil, err
	}
	if len(got) != len(shape) {
		return nil, fmt.Errorf("%w: %s has rank %d, want %d", ErrLayerMismatch, name, len(got), len(shape))
	}
	n := uint64(1)
	for i := range shape {
		if got[i] != shape[i] {
			return nil, fmt.Errorf("%w: %s dim %d is %d, want %d", ErrLayerMismatch, name, i, got[i], shape[i])
		}
		n *= shape[i]
	}
	raw, err := ti.TensorData(f, idx)
	if err != nil {
		return nil, err
	}
	if uint64(len(raw)) != n*uint64(dt.ElemSize()) {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrLayerMismatch, name, len(raw), n*uint64(dt.ElemSize()))
	}
	return raw, nil
}

func encodeFloats(dt avf.TensorDType, data []float32) ([]byte, error) {
	switch dt {
	case avf.DTypeF32:
		out := make([]byte, len(data)*4)
		for i, v := range data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case avf.DTypeF16:
		out := make([]byte, len(data)*2)
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[i*2:], tensor.Float32ToFloat16(v))
		}
		return out, nil
	case avf.DTypeBF16:
		out := make([]byte, len(data)*2)
		for i, v := range data {
			u := math.Float32bits(v)
			rnd := uint32(0x7FFF + ((u >> 16) & 1))
			binary.LittleEndian.PutUint16(out[i*2:], uint16((u+rnd)>>16))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dt)
	}
}

func decodeFloats(dt avf.TensorDType, raw []byte) ([]float32, error) {
	switch dt {
	case avf.DTypeF32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case avf.DTypeF16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = tensor.Float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	case avf.DTypeBF16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dt)
	}
}

func encodeU16(vals []uint16) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func decodeU16(raw []byte) []uint16 {
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return out
}
