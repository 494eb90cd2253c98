// Package validate inspects uploaded document bytes before they enter the
// integrity pipeline. It enforces the size ceiling, rejects executable
// content regardless of the declared media type, and checks well-known
// format signatures against the declared type.
package validate

import (
	"bytes"
	"fmt"

	"github.com/medvault/medvault/internal/errs"
)

// DefaultMaxBytes is the default upload ceiling (50 MiB).
const DefaultMaxBytes = 50 * 1024 * 1024

// executableSignatures lists byte prefixes of executable and container
// formats that are never acceptable as medical documents, whatever the
// declared media type says.
var executableSignatures = [][]byte{
	{0x4D, 0x5A},                   // PE / DOS MZ
	{0x7F, 0x45, 0x4C, 0x46},       // ELF
	{0xFE, 0xED, 0xFA, 0xCE},       // Mach-O 32-bit BE
	{0xFE, 0xED, 0xFA, 0xCF},       // Mach-O 64-bit BE
	{0xCE, 0xFA, 0xED, 0xFE},       // Mach-O 32-bit LE
	{0xCF, 0xFA, 0xED, 0xFE},       // Mach-O 64-bit LE
	{0xCA, 0xFE, 0xBA, 0xBE},       // Mach-O universal / Java class
	{0x23, 0x21},                   // shebang script
}

// magicPrefixes maps declared media types to the signature their content
// must begin with. Types absent from this map are accepted on the strength
// of the denylist and size checks alone.
var magicPrefixes = map[string][]byte{
	"application/pdf": []byte("%PDF-"),
	"image/png":       {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	"image/jpeg":      {0xFF, 0xD8, 0xFF},
	"image/gif":       []byte("GIF8"),
}

// dicomMagicOffset is where the "DICM" marker sits in a DICOM file, after
// the 128-byte preamble.
const dicomMagicOffset = 128

// Validator checks raw upload bytes against the configured ceiling and the
// built-in signature rules. It is a pure function over its input: no side
// effects, and failures are reported synchronously.
type Validator struct {
	MaxBytes int64
}

// New returns a Validator with the given size ceiling. A non-positive
// ceiling falls back to DefaultMaxBytes.
func New(maxBytes int64) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Validator{MaxBytes: maxBytes}
}

// Validate returns nil when data is acceptable for the declared media type,
// or an error wrapping errs.ErrValidationRejected with the reason.
func (v *Validator) Validate(data []byte, declaredType string) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty content", errs.ErrValidationRejected)
	}
	if int64(len(data)) > v.MaxBytes {
		return fmt.Errorf("%w: content is %d bytes, ceiling is %d", errs.ErrValidationRejected, len(data), v.MaxBytes)
	}

	for _, sig := range executableSignatures {
		if bytes.HasPrefix(data, sig) {
			return fmt.Errorf("%w: executable signature % X", errs.ErrValidationRejected, sig)
		}
	}

	if declaredType == "application/dicom" || declaredType == "image/dicom" {
		if len(data) < dicomMagicOffset+4 || !bytes.Equal(data[dicomMagicOffset:dicomMagicOffset+4], []byte("DICM")) {
			return fmt.Errorf("%w: declared %s but DICM marker missing", errs.ErrValidationRejected, declaredType)
		}
		return nil
	}

	if magic, ok := magicPrefixes[declaredType]; ok {
		if !bytes.HasPrefix(data, magic) {
			return fmt.Errorf("%w: content does not match declared type %s", errs.ErrValidationRejected, declaredType)
		}
	}

	return nil
}
