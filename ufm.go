package pfr

import (
	log "github.com/dsoprea/go-logging"
)

// UFMPage identifies one of the two persistent OTP-like pages the core
// owns.
type UFMPage int

const (
	// ProvisionUFM holds root-key hash, region offsets, cancellation
	// bitmaps, and SVN counters. Written once at manufacture, then
	// only ever descends (bits clear).
	ProvisionUFM UFMPage = iota

	// UpdateStatusUFM is the rolling journal PSM writes to so that a
	// power loss resumes at the last committed step.
	UpdateStatusUFM
)

func (p UFMPage) String() string {
	switch p {
	case ProvisionUFM:
		return "PROVISION_UFM"
	case UpdateStatusUFM:
		return "UPDATE_STATUS_UFM"
	default:
		return "UNKNOWN_UFM_PAGE"
	}
}

// UFMPageSize is the addressing granularity for UFM offsets.
const UFMPageSize = 16

// ProvisionUFMSize and UpdateStatusUFMSize are the two pages' total
// capacities; the update-status journal is sized to hold one resumable
// step record plus padding to the same page granularity.
const (
	ProvisionUFMSize    = 512
	UpdateStatusUFMSize = 64
)

// UFMStore implements the two one-time-programmable pages. Writes may
// only clear bits (1->0); attempting to set a 0 bit to 1 fails with
// ErrUfmOtpViolation, and that failure is never recoverable: callers
// must escalate to LOCKDOWN.
//
// This models the underlying OTP substrate directly in memory rather
// than on a real fuse array.
type UFMStore struct {
	pages map[UFMPage][]byte
}

// NewUFMStore returns a UFM store with all pages erased to all-ones,
// matching OTP's unprogrammed state.
func NewUFMStore() *UFMStore {
	pages := map[UFMPage][]byte{
		ProvisionUFM:    make([]byte, ProvisionUFMSize),
		UpdateStatusUFM: make([]byte, UpdateStatusUFMSize),
	}
	for _, buf := range pages {
		for i := range buf {
			buf[i] = 0xFF
		}
	}
	return &UFMStore{pages: pages}
}

func (u *UFMStore) pageBuffer(page UFMPage) ([]byte, error) {
	buf, ok := u.pages[page]
	if !ok {
		return nil, newIoError("ufm-page-lookup", log.Errorf("unknown ufm page: %s", page))
	}
	return buf, nil
}

// Read returns length bytes from page starting at offset. Pages are
// addressed independently of one another at UFMPageSize granularity;
// byte offsets within a page may be arbitrary (callers such as the
// cancellation bitmap address individual 32-bit words).
func (u *UFMStore) Read(page UFMPage, offset, length uint32) (out []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buf, err := u.pageBuffer(page)
	log.PanicIf(err)

	if uint64(offset)+uint64(length) > uint64(len(buf)) {
		log.Panicf("ufm read [0x%x,+0x%x) exceeds %s size 0x%x", offset, length, page, len(buf))
	}

	out = make([]byte, length)
	copy(out, buf[offset:offset+length])
	return out, nil
}

// Write commits data to page at offset. Every bit of every byte being
// written must already be part of a 1->0 or 1->1 transition: setting
// any bit from 0 to 1 fails the whole write with ErrUfmOtpViolation
// and leaves the page unmodified: an implementation may batch-buffer a
// whole page, but must validate before committing any of it, so the
// commit is all-or-nothing from the caller's perspective.
func (u *UFMStore) Write(page UFMPage, offset uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if errRaw == ErrUfmOtpViolation {
				err = ErrUfmOtpViolation
				return
			}
			err = log.Wrap(errRaw.(error))
		}
	}()

	buf, err := u.pageBuffer(page)
	log.PanicIf(err)

	if uint64(offset)+uint64(len(data)) > uint64(len(buf)) {
		log.Panicf("ufm write [0x%x,+0x%x) exceeds %s size 0x%x", offset, len(data), page, len(buf))
	}

	for i, b := range data {
		current := buf[offset+uint32(i)]
		// A 0 bit can never become a 1: (^current & b) is the set of
		// bits that are 0 in current but 1 in b -- if any such bit
		// exists, this write would set a 0 bit to 1.
		if (^current & b) != 0 {
			panic(ErrUfmOtpViolation)
		}
	}

	for i, b := range data {
		buf[offset+uint32(i)] &= b
	}

	return nil
}

// WriteWord is a convenience for the common 32-bit cancellation-bitmap
// and region-offset word accesses in keymanifest.go/provisioning.go.
func (u *UFMStore) WriteWord(page UFMPage, offset uint32, value uint32) error {
	return u.Write(page, offset, encodeUint32(value))
}

// ReadWord is the read-side counterpart to WriteWord.
func (u *UFMStore) ReadWord(page UFMPage, offset uint32) (uint32, error) {
	raw, err := u.Read(page, offset, 4)
	if err != nil {
		return 0, err
	}
	return decodeUint32(raw), nil
}

// ErasePage resets an entire page to all-ones. This is the one
// operation on UFM that is not bit-clear-only: it models the
// firmware-triggered page-erase command the real OTP controller
// exposes separately from its byte-level program command, used by the
// platform state machine to reset the UpdateStatusUFM journal at the
// start of each boot attempt and before each journal commit. It must
// never be called on
// ProvisionUFM outside of manufacture-time provisioning.
func (u *UFMStore) ErasePage(page UFMPage) error {
	buf, err := u.pageBuffer(page)
	if err != nil {
		return err
	}
	for i := range buf {
		buf[i] = 0xFF
	}
	return nil
}
