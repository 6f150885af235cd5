package avf

import "os"

const (
	// avfAlign is the alignment of section starts. Individual tensor payloads
	// inside the TensorData section use TensorAlign instead.
	avfAlign = 8

	// TensorAlign is the byte alignment of every tensor payload, chosen so
	// aligned SIMD loads over mmapped views are always safe.
	TensorAlign = 64
)

func rangesOverlap(a0, a1, b0, b1 uint64) bool {
	// half-open ranges [a0,a1) and [b0,b1)
	return a0 < b1 && b0 < a1
}

func writeFull(f *os.File, p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
