// The provisioning layout is the fixed byte map inside ProvisionUFM:
// root-key hash, the six active/recovery/staging region offsets, one
// key-cancellation bitmap and one SVN counter per protected-content
// class. The typed accessors below are the only readers and writers of
// that byte range, so callers never hand-compute offsets.

package pfr

const (
	rootKeyHashOffset = 0
	rootKeyHashLength = 32 // sha256 digest of the root key's public modulus

	regionTableOffset = rootKeyHashOffset + rootKeyHashLength // 32
	regionTableWords  = 6                                     // {bmc,pch} x {active,recovery,staging}
	regionTableLength = regionTableWords * 4

	cancellationBitmapOffset   = regionTableOffset + regionTableLength // 56
	cancellationBitmapWords    = 4                                     // covers key ids 0..127
	perClassBitmapLength       = cancellationBitmapWords * 4
	numProtectedContentClasses = 5
	cancellationBitmapLength   = numProtectedContentClasses * perClassBitmapLength // 80

	svnCounterOffset = cancellationBitmapOffset + cancellationBitmapLength // 136
	svnFieldLength   = SvnMax / 8                                          // 8: one unary bit per SVN step
	svnCounterLength = numProtectedContentClasses * svnFieldLength         // 40
)

// SvnMax is the highest security version number the anti-rollback
// ratchet can represent. Each class's SVN field carries
// one OTP bit per step, cleared as the floor advances.
const SvnMax = 64

// MaxKeyID is the highest key id the cancellation bitmap can address:
// 128 slots, 4 bitmap words of 32 bits each.
const MaxKeyID = 127

// ProtectedContentType is one of the five content classes the
// cancellation policy and SVN anti-rollback floor are tracked
// independently for.
type ProtectedContentType int

const (
	CpldCapsule ProtectedContentType = iota
	PchPfm
	PchCapsule
	BmcPfm
	BmcCapsule
)

func (pc ProtectedContentType) String() string {
	switch pc {
	case CpldCapsule:
		return "CPLD_CAPSULE"
	case PchPfm:
		return "PCH_PFM"
	case PchCapsule:
		return "PCH_CAPSULE"
	case BmcPfm:
		return "BMC_PFM"
	case BmcCapsule:
		return "BMC_CAPSULE"
	default:
		return "UNKNOWN_PC_TYPE"
	}
}

func pcTypeIndex(pc ProtectedContentType) (int, error) {
	if pc < CpldCapsule || pc > BmcCapsule {
		return 0, newFormatError("unknown protected-content type %d", pc)
	}
	return int(pc), nil
}

// RegionKind distinguishes the three roles a device's flash is carved
// into.
type RegionKind int

const (
	ActiveRegionKind RegionKind = iota
	RecoveryRegionKind
	StagingRegionKind
)

func (k RegionKind) String() string {
	switch k {
	case ActiveRegionKind:
		return "ACTIVE"
	case RecoveryRegionKind:
		return "RECOVERY"
	case StagingRegionKind:
		return "STAGING"
	default:
		return "UNKNOWN_REGION_KIND"
	}
}

func regionTableIndex(dev FlashDeviceID, kind RegionKind) (int, error) {
	var devIndex int
	switch dev {
	case BMC:
		devIndex = 0
	case PCH:
		devIndex = 1
	default:
		return 0, newFormatError("device %s has no provisioned region table", dev)
	}
	return devIndex*3 + int(kind), nil
}

// ProvisioningStore is the typed view over ProvisionUFM.
type ProvisioningStore struct {
	ufm *UFMStore
}

// NewProvisioningStore wraps ufm with the provisioning layout.
func NewProvisioningStore(ufm *UFMStore) *ProvisioningStore {
	return &ProvisioningStore{ufm: ufm}
}

// RootKeyHash returns the manufacture-time digest of the root key's
// public modulus, against which every image's embedded root key is
// checked.
func (p *ProvisioningStore) RootKeyHash() ([]byte, error) {
	return p.ufm.Read(ProvisionUFM, rootKeyHashOffset, rootKeyHashLength)
}

// ProvisionRootKeyHash commits the root key hash. Because ProvisionUFM
// only ever clears bits, this may only be called once per device
// lifetime in practice; callers that call it twice with a stronger
// (more bits set) hash will see ErrUfmOtpViolation.
func (p *ProvisioningStore) ProvisionRootKeyHash(hash []byte) error {
	if len(hash) != rootKeyHashLength {
		return newFormatError("root key hash must be %d bytes, got %d", rootKeyHashLength, len(hash))
	}
	return p.ufm.Write(ProvisionUFM, rootKeyHashOffset, hash)
}

// RegionOffset returns the provisioned start offset of dev's kind
// region.
func (p *ProvisioningStore) RegionOffset(dev FlashDeviceID, kind RegionKind) (uint32, error) {
	idx, err := regionTableIndex(dev, kind)
	if err != nil {
		return 0, err
	}
	return p.ufm.ReadWord(ProvisionUFM, regionTableOffset+uint32(idx)*4)
}

// ProvisionRegionOffset commits dev's kind region offset.
func (p *ProvisioningStore) ProvisionRegionOffset(dev FlashDeviceID, kind RegionKind, offset uint32) error {
	idx, err := regionTableIndex(dev, kind)
	if err != nil {
		return err
	}
	return p.ufm.WriteWord(ProvisionUFM, regionTableOffset+uint32(idx)*4, offset)
}

// SvnCounter returns the current anti-rollback SVN floor for pc.
//
// The floor is stored in unary: an erased field (all ones) means SVN 0,
// and each step of the ratchet clears one more bit. That keeps every
// raise a pure 1->0 transition, which is the only kind of write the
// OTP substrate admits; a binary-coded counter could not advance from
// 7 (0b0111) to 8 (0b1000) without re-setting cleared bits.
func (p *ProvisioningStore) SvnCounter(pc ProtectedContentType) (uint32, error) {
	idx, err := pcTypeIndex(pc)
	if err != nil {
		return 0, err
	}
	field, err := p.ufm.Read(ProvisionUFM, svnCounterOffset+uint32(idx)*svnFieldLength, svnFieldLength)
	if err != nil {
		return 0, err
	}

	var svn uint32
	for _, b := range field {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) == 0 {
				svn++
			}
		}
	}
	return svn, nil
}

// RaiseSvnCounter commits a new SVN floor for pc by clearing the first
// svn bits of its unary field. Raising to a value at or below the
// current floor is a no-op write; svn may not exceed SvnMax.
func (p *ProvisioningStore) RaiseSvnCounter(pc ProtectedContentType, svn uint32) error {
	if svn > SvnMax {
		return newFormatError("svn %d exceeds maximum %d", svn, SvnMax)
	}
	idx, err := pcTypeIndex(pc)
	if err != nil {
		return err
	}

	fieldOffset := svnCounterOffset + uint32(idx)*svnFieldLength
	field, err := p.ufm.Read(ProvisionUFM, fieldOffset, svnFieldLength)
	if err != nil {
		return err
	}
	for step := uint32(0); step < svn; step++ {
		field[step/8] &^= 1 << uint(step%8)
	}

	return p.ufm.Write(ProvisionUFM, fieldOffset, field)
}

func cancellationBitmapBaseOffset(pc ProtectedContentType) (uint32, error) {
	idx, err := pcTypeIndex(pc)
	if err != nil {
		return 0, err
	}
	return cancellationBitmapOffset + uint32(idx)*perClassBitmapLength, nil
}

func cancellationBitmapWordOffset(base uint32, keyID uint8) uint32 {
	return base + uint32(keyID/32)*4
}

func cancellationBitmapBit(keyID uint8) uint {
	return 31 - uint(keyID%32)
}
