package avf

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid AVF magic")
	ErrUnsupportedMajor = errors.New("unsupported AVF major version")
	ErrUnsupportedMinor = errors.New("unsupported AVF section version")
	ErrCorruptFile      = errors.New("corrupt AVF file")
)
