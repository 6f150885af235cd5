package avf

import (
	"errors"
	"io"
	"os"
	"sort"
)

const writerPadBufSize = 4096

// Writer builds an AVF file section by section.
//
// The writer reserves space for the header up-front and patches it during
// Finalise. Use BeginSection for large payloads (eg tensor data) to avoid
// buffering whole sections in memory. A Writer is not safe for concurrent
// use; artifacts are produced by a single packing goroutine.
type Writer struct {
	f        *os.File
	sections []AVFSection
	seen     map[SectionType]struct{}
	open     *SectionWriter
	closed   bool

	flags uint64

	padBuf []byte
}

// SectionWriter streams a section payload directly to the underlying file.
//
// A SectionWriter must be ended (End or Close) before any other section can
// be written. Bytes written, including padding added via Align, count towards
// the section's recorded Size.
type SectionWriter struct {
	w       *Writer
	typ     SectionType
	version uint32
	start   int64
	ended   bool
}

// NewWriter creates a new AVF writer targeting the given file.
// It truncates the file and reserves space for the header (patched in Finalise).
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("avf: nil file")
	}

	// The on-disk size must match header.FileSize exactly, even when the
	// target file is being reused.
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	w := &Writer{
		f:      f,
		seen:   make(map[SectionType]struct{}),
		padBuf: make([]byte, writerPadBufSize),
	}

	// Reserve fixed header bytes (actual bytes, not a seek hole).
	if err := w.writeZeros(avfHeaderSize); err != nil {
		return nil, err
	}
	if err := w.alignTo(avfAlign); err != nil {
		return nil, err
	}
	return w, nil
}

// AddFlags ORs format-level flags into the header written at Finalise.
func (w *Writer) AddFlags(flags uint64) error {
	if w.closed {
		return errors.New("avf: writer already finalised")
	}
	w.flags |= flags
	return nil
}

// WriteSection writes a section payload and records it in the section table.
// Sections may be written in any order. A section type may only be written once.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	if w.closed {
		return errors.New("avf: writer already finalised")
	}
	if w.open != nil {
		return errors.New("avf: section write in progress")
	}
	if _, ok := w.seen[typ]; ok {
		return errors.New("avf: duplicate section type")
	}

	if err := w.alignTo(avfAlign); err != nil {
		return err
	}
	offset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if err := writeFull(w.f, data); err != nil {
			return err
		}
	}

	w.sections = append(w.sections, AVFSection{
		Type:    uint32(typ),
		Version: version,
		Offset:  uint64(offset),
		Size:    uint64(len(data)),
	})
	w.seen[typ] = struct{}{}
	return nil
}

// BeginSection begins streaming a section payload directly to the underlying
// file. The returned SectionWriter must be ended before any other section is
// written.
func (w *Writer) BeginSection(typ SectionType, version uint32) (*SectionWriter, error) {
	if w.closed {
		return nil, errors.New("avf: writer already finalised")
	}
	if w.open != nil {
		return nil, errors.New("avf: section write in progress")
	}
	if _, ok := w.seen[typ]; ok {
		return nil, errors.New("avf: duplicate section type")
	}

	if err := w.alignTo(avfAlign); err != nil {
		return nil, err
	}
	start, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	sw := &SectionWriter{w: w, typ: typ, version: version, start: start}
	w.open = sw
	// Once bytes for a section type exist in the file the type is spent.
	w.seen[typ] = struct{}{}
	return sw, nil
}

// CurrentAbsOffset returns the current absolute file offset. Packers use it
// to record tensor data offsets while streaming the TensorData section.
func (sw *SectionWriter) CurrentAbsOffset() (uint64, error) {
	if sw.ended {
		return 0, errors.New("avf: section writer ended")
	}
	pos, err := sw.w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return uint64(pos), nil
}

// Align writes zero padding until the file position is aligned to n bytes.
func (sw *SectionWriter) Align(n int) error {
	if sw.ended {
		return errors.New("avf: section writer ended")
	}
	return sw.w.alignTo(int64(n))
}

// Write streams p into the underlying file.
func (sw *SectionWriter) Write(p []byte) (int, error) {
	if sw.ended {
		return 0, errors.New("avf: section writer ended")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := writeFull(sw.w.f, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// End finalises the section and records it in the section directory.
func (sw *SectionWriter) End() error {
	if sw.ended {
		return errors.New("avf: section writer already ended")
	}
	pos, err := sw.w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos < sw.start {
		return errors.New("avf: invalid file position")
	}

	sw.w.sections = append(sw.w.sections, AVFSection{
		Type:    uint32(sw.typ),
		Version: sw.version,
		Offset:  uint64(sw.start),
		Size:    uint64(pos - sw.start),
	})
	sw.w.open = nil
	sw.ended = true
	return nil
}

// Close is an alias for End, allowing use with defer.
func (sw *SectionWriter) Close() error { return sw.End() }

// Finalise writes the section directory and patches the header.
// After Finalise, the writer must not be used again.
func (w *Writer) Finalise() error {
	if w.closed {
		return errors.New("avf: writer already finalised")
	}
	if w.open != nil {
		return errors.New("avf: section write in progress")
	}
	w.closed = true

	// Deterministic directory ordering.
	sort.Slice(w.sections, func(i, j int) bool {
		return w.sections[i].Type < w.sections[j].Type
	})

	if err := w.alignTo(avfAlign); err != nil {
		return err
	}
	sectionDirOffset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	var secBuf [avfSectionSize]byte
	for i := range w.sections {
		if !encodeSection(secBuf[:], w.sections[i]) {
			return errors.New("avf: encode section failed")
		}
		if err := writeFull(w.f, secBuf[:]); err != nil {
			return err
		}
	}

	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if err := w.f.Truncate(fileSize); err != nil {
		return err
	}

	var header AVFHeader
	copy(header.Magic[:], MagicAVF)
	header.Major = CurrentMajor
	header.Minor = CurrentMinor
	header.HeaderSize = avfHeaderSize
	header.SectionCount = uint32(len(w.sections))
	header.SectionDirOffset = uint64(sectionDirOffset)
	header.FileSize = uint64(fileSize)
	header.Flags = w.flags

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var hdrBuf [avfHeaderSize]byte
	if !encodeHeader(hdrBuf[:], header) {
		return errors.New("avf: encode header failed")
	}
	if err := writeFull(w.f, hdrBuf[:]); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) alignTo(n int64) error {
	if n <= 1 {
		return nil
	}
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	mod := pos % n
	if mod == 0 {
		return nil
	}
	return w.writeZeros(int(n - mod))
}

func (w *Writer) writeZeros(n int) error {
	for n > 0 {
		toWrite := min(n, len(w.padBuf))
		if err := writeFull(w.f, w.padBuf[:toWrite]); err != nil {
			return err
		}
		n -= toWrite
	}
	return nil
}
