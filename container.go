// This file implements the Cerberus container codec (CC): recovery
// headers, recovery sections, and the platform-id field that follows
// every header. Magic numbers and length fields are validated before
// anything else looks at the payload; all multi-byte fields are
// little-endian.

package pfr

import (
	log "github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// Format is the discriminant carried in every recovery header,
// selecting which payload kind a section's bytes hold.
type Format uint16

const (
	FormatBMC  Format = 0x0000
	FormatPCH  Format = 0x0001
	FormatHROT Format = 0x0002
	FormatKCC  Format = 0x0004
	FormatDCC  Format = 0x0005
	FormatKEYM Format = 0x0006
)

// Magic numbers for headers, sections, and cancellation capsules.
// The key-manifest magics are distinct from the image magics even
// though both kinds of header also carry a format field, so a reader
// can tell a key-manifest header from an image header without first
// knowing which partition it is reading.
const (
	RecoveryHeaderMagic      uint32 = 0x8A147C29
	RecoverySectionMagic     uint32 = 0x4B172F31
	CancellationCapsuleMagic uint32 = 0xB6EAFD19

	KeyManagementHeaderMagic  uint32 = 0x4B45594D
	KeyManagementSectionMagic uint32 = 0x4B45594B
	KeyManifestSectionMagic   uint32 = 0x4B4D414E
)

const (
	recoveryHeaderSize  = 48
	recoverySectionSize = 16
)

// RecoveryHeader is the 48-byte on-flash header at the start of every
// recovery image and every key manifest slot.
type RecoveryHeader struct {
	HeaderLength uint16
	Format       Format
	MagicNumber  uint32
	VersionID    [32]byte
	ImageLength  uint32
	SignLength   uint32
}

// IsKeyManifest reports whether this header describes a key-manifest
// slot rather than a firmware image.
//
// OPEN QUESTION: shipped firmware checks
// `format != KEYM && magic != KEY_MANAGEMENT_HEADER_MAGIC` with `&&`,
// which is logically backwards for "not a key manifest" (that should
// be `||`). This method preserves the observed behavior rather than
// the presumably-intended one; flagged for the hardware owner in
// DESIGN.md.
func (h RecoveryHeader) IsKeyManifest() bool {
	return !(h.Format != FormatKEYM && h.MagicNumber != KeyManagementHeaderMagic)
}

// RecoverySection precedes each payload chunk inside a recovery
// image.
type RecoverySection struct {
	HeaderLength  uint16
	Format        Format
	MagicNumber   uint32
	StartAddr     uint32
	SectionLength uint32
}

// ParseRecoveryHeader decodes and validates a 48-byte recovery header.
// magic_number must be one of the two header magics, and
// image_length must be self-consistent with header_length and
// sign_length.
func ParseRecoveryHeader(raw []byte) (h RecoveryHeader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(raw) < recoveryHeaderSize {
		log.Panicf("recovery header needs %d bytes, got %d", recoveryHeaderSize, len(raw))
	}

	err = restruct.Unpack(raw[:recoveryHeaderSize], defaultEncoding, &h)
	log.PanicIf(err)

	if h.MagicNumber != RecoveryHeaderMagic && h.MagicNumber != KeyManagementHeaderMagic {
		return RecoveryHeader{}, newFormatError("recovery header magic mismatch: 0x%08x", h.MagicNumber)
	}

	if uint64(h.ImageLength) < uint64(h.HeaderLength)+uint64(h.SignLength)+1 {
		return RecoveryHeader{}, newFormatError(
			"recovery header inconsistent: image_length=%d header_length=%d sign_length=%d",
			h.ImageLength, h.HeaderLength, h.SignLength)
	}

	return h, nil
}

// EmitRecoveryHeader re-serializes h to its 48-byte wire form. Used by
// the parse/emit round-trip property test.
func EmitRecoveryHeader(h RecoveryHeader) (out []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	out, err = restruct.Pack(defaultEncoding, &h)
	log.PanicIf(err)

	return out, nil
}

// ParseRecoverySection decodes a 16-byte recovery section header,
// validating that the magic matches expectedMagic and that
// header_length is exactly sizeof(section).
func ParseRecoverySection(raw []byte, expectedMagic uint32) (s RecoverySection, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(raw) < recoverySectionSize {
		log.Panicf("recovery section needs %d bytes, got %d", recoverySectionSize, len(raw))
	}

	err = restruct.Unpack(raw[:recoverySectionSize], defaultEncoding, &s)
	log.PanicIf(err)

	if s.MagicNumber != expectedMagic {
		return RecoverySection{}, newFormatError("recovery section magic mismatch: got 0x%08x want 0x%08x", s.MagicNumber, expectedMagic)
	}

	if int(s.HeaderLength) != recoverySectionSize {
		return RecoverySection{}, newFormatError("recovery section header_length=%d, want %d", s.HeaderLength, recoverySectionSize)
	}

	return s, nil
}

// EmitRecoverySection is the Pack counterpart to ParseRecoverySection.
func EmitRecoverySection(s RecoverySection) (out []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	out, err = restruct.Pack(defaultEncoding, &s)
	log.PanicIf(err)

	return out, nil
}

// ReadRecoveryHeader reads and parses the recovery header at offset on
// dev.
func ReadRecoveryHeader(fl Flash, dev FlashDeviceID, offset uint32) (RecoveryHeader, error) {
	raw, err := fl.Read(dev, offset, recoveryHeaderSize)
	if err != nil {
		return RecoveryHeader{}, newIoError("read-recovery-header", err)
	}
	return ParseRecoveryHeader(raw)
}

// ReadPlatformID reads the `u8 length` + ASCII platform-id field that
// immediately follows a recovery header, returning the
// decoded id and the number of bytes it and its length prefix occupy.
func ReadPlatformID(fl Flash, dev FlashDeviceID, offset uint32) (platformID string, consumed uint32, err error) {
	lenByte, err := fl.Read(dev, offset, 1)
	if err != nil {
		return "", 0, newIoError("read-platform-id-length", err)
	}

	length := uint32(lenByte[0])

	raw, err := fl.Read(dev, offset+1, length)
	if err != nil {
		return "", 0, newIoError("read-platform-id", err)
	}

	return string(raw), 1 + length, nil
}

// CancellationCapsule is the payload of a standalone key-cancellation
// capsule: the capsule's own magic, the protected-content class
// whose bitmap to touch, and the key id to revoke. The carrying image
// is a normal signed container (format KCC); this is just its content.
type CancellationCapsule struct {
	MagicNumber uint32
	PcTypeRaw   uint8
	KeyID       uint8
}

// PcType returns the capsule's protected-content class.
func (c CancellationCapsule) PcType() ProtectedContentType {
	return ProtectedContentType(c.PcTypeRaw)
}

// ParseCancellationCapsule decodes and validates a cancellation-capsule
// payload: the magic must be CancellationCapsuleMagic and the class and
// key id must be in range.
func ParseCancellationCapsule(raw []byte) (c CancellationCapsule, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = restruct.Unpack(raw, defaultEncoding, &c)
	log.PanicIf(err)

	if c.MagicNumber != CancellationCapsuleMagic {
		return CancellationCapsule{}, newFormatError("cancellation capsule magic mismatch: 0x%08x", c.MagicNumber)
	}
	if _, err := pcTypeIndex(c.PcType()); err != nil {
		return CancellationCapsule{}, err
	}
	if c.KeyID > MaxKeyID {
		return CancellationCapsule{}, &InvalidKeyIDError{KeyID: c.KeyID}
	}

	return c, nil
}

// EmitCancellationCapsule is the Pack counterpart to
// ParseCancellationCapsule.
func EmitCancellationCapsule(c CancellationCapsule) (out []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	out, err = restruct.Pack(defaultEncoding, &c)
	log.PanicIf(err)

	return out, nil
}

// SectionVisitor is called once per recovery section found by
// IterateSections. Returning an error aborts iteration.
type SectionVisitor func(section RecoverySection, payloadOffset uint32) error

// IterateSections walks recovery sections in [start, end) on dev,
// yielding each to cb, until offset == end. Every section must
// begin with expectedMagic, declare header_length == 16, and fit
// entirely within [start, end); any violation is a FormatError.
func IterateSections(fl Flash, dev FlashDeviceID, start, end uint32, expectedMagic uint32, cb SectionVisitor) error {
	offset := start
	for offset < end {
		raw, err := fl.Read(dev, offset, recoverySectionSize)
		if err != nil {
			return newIoError("read-section-header", err)
		}

		section, err := ParseRecoverySection(raw, expectedMagic)
		if err != nil {
			return err
		}

		payloadOffset := offset + recoverySectionSize
		sectionEnd := uint64(payloadOffset) + uint64(section.SectionLength)
		if sectionEnd > uint64(end) {
			return newFormatError(
				"section [0x%x,0x%x) escapes iteration bound 0x%x", payloadOffset, sectionEnd, end)
		}

		if err := cb(section, payloadOffset); err != nil {
			return err
		}

		offset = uint32(sectionEnd)
	}

	if offset != end {
		return newFormatError("section iteration ended at 0x%x, expected 0x%x", offset, end)
	}

	return nil
}
