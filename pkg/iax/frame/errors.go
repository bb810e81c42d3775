package frame

import (
	"errors"

	"github.com/arzzra/iax_phone/pkg/iax/ie"
)

var (
	// Ошибки разбора
	ErrShortBuffer        = errors.New("frame: buffer too short")
	ErrMetaFrame          = errors.New("frame: meta frame")
	ErrInvalidSubclass    = errors.New("frame: subclass is neither 7-bit nor a single bit")
	ErrFormatMismatch     = errors.New("frame: media format does not match frame type")
	ErrUnsupportedVersion = ie.ErrUnsupportedVersion

	// Ошибки построения
	ErrInvalidCallNumber = errors.New("frame: call number out of range")
	ErrNilBody           = errors.New("frame: full frame without body")
)
