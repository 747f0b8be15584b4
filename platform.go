// Platform is the composition root: it owns the flash, the UFM pages,
// the verified key-manifest chain, the state machine, and the mailbox,
// and sequences the T-1 boot flow, runtime recovery, and staged
// updates across them.

package pfr

import (
	"errors"

	log "github.com/dsoprea/go-logging"
)

var platformLog = log.NewLogger("pfr.platform")

// Platform binds the seven components to one simulated or real
// hardware set. All methods are intended to be called from a single
// cooperative task; the per-device locks only guard against a
// second writer getting at a device mid-recovery.
type Platform struct {
	Flash    Flash
	UFM      *UFMStore
	Prov     *ProvisioningStore
	Bitmap   *CancellationBitmap
	Verifier SignatureVerifier
	PSM      *PSM
	Mailbox  MailboxTransport

	locks     *deviceLocks
	manifests []KeyManifest
}

// NewPlatform wires a platform together from its external seams. The
// key-manifest chain is not loaded until BootFlow runs.
func NewPlatform(fl Flash, ufm *UFMStore, gpio GPIOController, mailbox MailboxTransport, verifier SignatureVerifier) *Platform {
	return &Platform{
		Flash:    fl,
		UFM:      ufm,
		Prov:     NewProvisioningStore(ufm),
		Bitmap:   NewCancellationBitmap(ufm),
		Verifier: verifier,
		PSM:      NewPSM(ufm, gpio),
		Mailbox:  mailbox,
		locks:    newDeviceLocks(),
	}
}

// KeyManifests returns the chain loaded by the last BootFlow.
func (p *Platform) KeyManifests() []KeyManifest {
	return p.manifests
}

func pcTypeForActive(dev FlashDeviceID) ProtectedContentType {
	if dev == PCH {
		return PchPfm
	}
	return BmcPfm
}

func pcTypeForCapsule(dev FlashDeviceID) ProtectedContentType {
	if dev == PCH {
		return PchCapsule
	}
	return BmcCapsule
}

// checkedRegion builds a bounds-checked Region against dev's reported
// geometry, so a bad provisioned offset or a lying image length
// surfaces here instead of as an out-of-range flash access mid-copy.
func (p *Platform) checkedRegion(dev FlashDeviceID, offset, length uint32) (Region, error) {
	size, err := p.Flash.DeviceSize(dev)
	if err != nil {
		return Region{}, err
	}
	sector, err := p.Flash.SectorSize(dev)
	if err != nil {
		return Region{}, err
	}
	block, err := p.Flash.BlockSize(dev)
	if err != nil {
		return Region{}, err
	}
	return NewRegion(dev, offset, length, FlashGeometry{TotalSize: size, SectorSize: sector, BlockSize: block})
}

func (p *Platform) verifyRegion(dev FlashDeviceID, kind RegionKind, pc ProtectedContentType) (ImageDescriptor, error) {
	offset, err := p.Prov.RegionOffset(dev, kind)
	if err != nil {
		return ImageDescriptor{}, err
	}
	return VerifyImage(VerifyImageParams{
		Flash:        p.Flash,
		Device:       dev,
		ImageOffset:  offset,
		PcType:       pc,
		Prov:         p.Prov,
		Bitmap:       p.Bitmap,
		Verifier:     p.Verifier,
		KeyManifests: p.manifests,
	})
}

// asAuthFailure coerces any verify-path error into the *AuthFailure
// the journal records, so the mailbox last_error field always has a
// kind to report. Io/format errors during verification surface as a
// signature-stage failure of the named stage.
func asAuthFailure(err error, stage string) *AuthFailure {
	var af *AuthFailure
	if errors.As(err, &af) {
		return &AuthFailure{Kind: af.Kind, Stage: stage}
	}
	return &AuthFailure{Kind: SignatureInvalid, Stage: stage}
}

// BootFlow drives INIT through T-1 verification to release: hold both
// platforms, load and verify the key-manifest chain, verify each
// domain's active image (recovering from the domain's recovery region
// on failure), and release. A domain whose recovery source itself
// fails authentication, or an empty key partition, ends in LOCKDOWN
// with ErrLockdownRequested.
func (p *Platform) BootFlow() error {
	if err := p.PSM.BeginBootAttempt(); err != nil {
		return err
	}

	manifests, err := VerifyAllKeyManifests(p.Flash, RotInternalKey, p.Prov, p.Verifier)
	if err != nil {
		platformLog.Errorf(nil, err, "no trustworthy key manifest chain")
		if lockErr := p.PSM.RequestLockdown(RotInternalKey, "T1"); lockErr != nil {
			return lockErr
		}
		p.publishStatus()
		return ErrLockdownRequested
	}
	p.manifests = manifests

	if err := p.PSM.BeginVerification(); err != nil {
		return err
	}

	for _, dev := range []FlashDeviceID{BMC, PCH} {
		if err := p.verifyDomainWithRecovery(dev); err != nil {
			p.publishStatus()
			return err
		}
	}

	if err := p.PSM.VerificationSucceeded(); err != nil {
		return err
	}
	p.publishStatus()
	return nil
}

func (p *Platform) verifyDomainWithRecovery(dev FlashDeviceID) error {
	_, err := p.verifyRegion(dev, ActiveRegionKind, pcTypeForActive(dev))
	if err == nil {
		return nil
	}

	platformLog.Errorf(nil, err, "T-1 verification of %s active image failed", dev)
	if err := p.PSM.VerificationFailed(dev, asAuthFailure(err, "T1")); err != nil {
		return err
	}
	return p.recoverDomain(dev)
}

// recoverDomain runs the FIRMWARE_RECOVERY/RECOVERY_IN_PROGRESS arc
// for one domain: authenticate the recovery source, rebuild active
// from it, re-verify, and rejoin T-1. A recovery source that fails
// authentication means there is nothing trustworthy to boot, so the
// platform locks down.
func (p *Platform) recoverDomain(dev FlashDeviceID) error {
	if err := p.PSM.BeginRecovery(dev); err != nil {
		return err
	}

	if err := p.locks.TryLockDevice(dev); err != nil {
		return err
	}
	defer p.locks.UnlockDevice(dev)

	// Signature verification of the source must complete before any
	// erase or copy against the active region.
	recDesc, err := p.verifyRegion(dev, RecoveryRegionKind, pcTypeForActive(dev))
	if err != nil {
		platformLog.Errorf(nil, err, "recovery source for %s failed authentication", dev)
		if lockErr := p.PSM.RecoveryFailed(dev, asAuthFailure(err, "RECOVERY")); lockErr != nil {
			return lockErr
		}
		return ErrLockdownRequested
	}

	activeOffset, err := p.Prov.RegionOffset(dev, ActiveRegionKind)
	if err != nil {
		return err
	}
	recoveryOffset, err := p.Prov.RegionOffset(dev, RecoveryRegionKind)
	if err != nil {
		return err
	}

	length := recDesc.Header.ImageLength
	active, err := p.checkedRegion(dev, activeOffset, length)
	if err != nil {
		return err
	}
	recovery, err := p.checkedRegion(dev, recoveryOffset, length)
	if err != nil {
		return err
	}

	if err := RecoverActiveRegion(p.Flash, dev, active, recovery, recDesc.PFM); err != nil {
		if lockErr := p.PSM.RecoveryFailed(dev, asAuthFailure(err, "RECOVERY")); lockErr != nil {
			return lockErr
		}
		return ErrLockdownRequested
	}

	if _, err := p.verifyRegion(dev, ActiveRegionKind, pcTypeForActive(dev)); err != nil {
		platformLog.Errorf(nil, err, "re-verification of %s after recovery failed", dev)
		if lockErr := p.PSM.RecoveryFailed(dev, asAuthFailure(err, "RECOVERY")); lockErr != nil {
			return lockErr
		}
		return ErrLockdownRequested
	}

	return p.PSM.BeginVerification()
}

// ApplyStagedUpdate authenticates the capsule staged for dev and, if
// it is not already byte-identical to active, promotes it, re-verifies
// the result, raises the SVN floor, and swaps the active/recovery
// selector in one journal commit. A capsule that fails authentication
// is rejected with active untouched.
func (p *Platform) ApplyStagedUpdate(dev FlashDeviceID) error {
	desc, err := p.verifyRegion(dev, StagingRegionKind, pcTypeForCapsule(dev))
	if err != nil {
		platformLog.Errorf(nil, err, "staged capsule for %s rejected", dev)
		p.publishStatus()
		return err
	}

	if err := p.PSM.UpdateStaged(dev); err != nil {
		return err
	}

	activeOffset, err := p.Prov.RegionOffset(dev, ActiveRegionKind)
	if err != nil {
		return err
	}
	stagingOffset, err := p.Prov.RegionOffset(dev, StagingRegionKind)
	if err != nil {
		return err
	}

	length := desc.Header.ImageLength
	active, err := p.checkedRegion(dev, activeOffset, length)
	if err != nil {
		return err
	}
	staging, err := p.checkedRegion(dev, stagingOffset, length)
	if err != nil {
		return err
	}

	match, err := StagedImageMatchesActive(p.Flash, dev, active, staging)
	if err != nil {
		return err
	}

	if !match {
		if err := p.locks.TryLockDevice(dev); err != nil {
			return err
		}
		err = StageToActive(p.Flash, dev, active, staging)
		p.locks.UnlockDevice(dev)
		if err != nil {
			return err
		}

		if _, err := p.verifyRegion(dev, ActiveRegionKind, pcTypeForActive(dev)); err != nil {
			platformLog.Errorf(nil, err, "re-verification of %s after promote failed", dev)
			return err
		}
	}

	// The floor only moves once the new image is in place.
	if err := CheckAndRaiseSvn(p.Prov, pcTypeForCapsule(dev), desc.PFM.Svn); err != nil {
		return err
	}

	if err := p.PSM.UpdateApplied(dev); err != nil {
		return err
	}
	p.publishStatus()
	return nil
}

// ApplyCancellationCapsule authenticates the standalone cancellation
// capsule staged for dev and clears the bitmap bit it names. The
// capsule's own signing key is checked against dev's capsule-class
// cancellation bitmap, like any other capsule staged on dev.
func (p *Platform) ApplyCancellationCapsule(dev FlashDeviceID) error {
	desc, err := p.verifyRegion(dev, StagingRegionKind, pcTypeForCapsule(dev))
	if err != nil {
		platformLog.Errorf(nil, err, "cancellation capsule on %s rejected", dev)
		return err
	}

	raw, err := p.Flash.Read(dev, desc.ContentStart, desc.ContentLength)
	if err != nil {
		return newIoError("read-cancellation-capsule", err)
	}

	capsule, err := ParseCancellationCapsule(raw)
	if err != nil {
		return err
	}

	if err := ApplyCancellationCapsule(p.Bitmap, capsule); err != nil {
		// A cancellation bitmap that can no longer be written is a
		// permanently damaged policy store.
		if errors.Is(err, ErrUfmOtpViolation) {
			if lockErr := p.PSM.RequestLockdown(dev, "CANCEL"); lockErr != nil {
				return lockErr
			}
			return ErrLockdownRequested
		}
		return err
	}

	platformLog.Infof(nil, "cancelled key id %d for class %s", capsule.KeyID, capsule.PcType())
	return nil
}

// RelayPchCapsule moves the PCH capsule riding after the BMC capsule
// in BMC staging into PCH staging, re-verifying the copied capsule
// when the platform is mid-recovery. Region lengths are the
// provisioned staging sizes, which live in board provisioning rather
// than UFM and so are passed by the caller.
func (p *Platform) RelayPchCapsule(bmcStagingLength, pchStagingLength, bmcCapsuleSize uint32) error {
	bmcStagingOffset, err := p.Prov.RegionOffset(BMC, StagingRegionKind)
	if err != nil {
		return err
	}
	pchStagingOffset, err := p.Prov.RegionOffset(PCH, StagingRegionKind)
	if err != nil {
		return err
	}

	bmcStaging, err := p.checkedRegion(BMC, bmcStagingOffset, bmcStagingLength)
	if err != nil {
		return err
	}
	pchStaging, err := p.checkedRegion(PCH, pchStagingOffset, pchStagingLength)
	if err != nil {
		return err
	}

	if err := RelayPchCapsuleFromBmcStaging(p.Flash, bmcStaging, pchStaging, bmcCapsuleSize); err != nil {
		return err
	}

	if p.PSM.State() == StateFirmwareRecovery {
		if _, err := p.verifyRegion(PCH, StagingRegionKind, PchCapsule); err != nil {
			return err
		}
	}
	return nil
}

// RuntimeRecover services a host-requested recovery of dev while the
// platform is running, then re-verifies and re-releases.
func (p *Platform) RuntimeRecover(dev FlashDeviceID) error {
	if err := p.recoverDomain(dev); err != nil {
		p.publishStatus()
		return err
	}
	if err := p.PSM.VerificationSucceeded(); err != nil {
		return err
	}
	p.publishStatus()
	return nil
}

// Decommission moves the platform to its terminal DECOMMISSION state
// and publishes the flag for the host to observe.
func (p *Platform) Decommission() error {
	if err := p.PSM.RequestDecommission(); err != nil {
		return err
	}
	p.publishStatus()
	return nil
}

// Tick polls the mailbox for one host command, dispatches it, and
// republishes status. It returns the command it serviced so callers
// can log or loop on it.
func (p *Platform) Tick() (MailboxCommand, error) {
	cmd, err := p.Mailbox.PollCommand()
	if err != nil {
		return CommandNone, err
	}

	switch cmd {
	case CommandNone:
	case CommandRecoverBMC:
		err = p.RuntimeRecover(BMC)
	case CommandRecoverPCH:
		err = p.RuntimeRecover(PCH)
	case CommandStageUpdate:
		err = p.ApplyStagedUpdate(BMC)
	case CommandDecommission:
		err = p.Decommission()
	default:
		err = newFormatError("unknown mailbox command %d", cmd)
	}

	p.publishStatus()
	return cmd, err
}

// Per-domain status codes published in CpldStatus. Zero means the
// domain has not completed verification yet.
const (
	domainStatusVerified uint8 = 1
	domainStatusFailed   uint8 = 2
)

func (p *Platform) publishStatus() {
	if p.Mailbox == nil {
		return
	}

	state := p.PSM.State()
	sel := p.PSM.Selectors()

	status := CpldStatus{
		CpldStatus: uint8(state),
		// The core never self-updates, so its own selector is fixed at
		// region 0 active, region 1 recovery.
		CPLDUpdateRegion: UpdateRegionStatus{ActiveRegion: 0, RecoveryRegion: 1},
		BMCUpdateRegion:  UpdateRegionStatus{ActiveRegion: sel.BmcActive, RecoveryRegion: sel.BmcRecovery},
		PCHUpdateRegion:  UpdateRegionStatus{ActiveRegion: sel.PchActive, RecoveryRegion: sel.PchRecovery},
	}

	switch state {
	case StateRuntime, StateRelease, StateUpdateStaged:
		status.BmcStatus = domainStatusVerified
		status.PchStatus = domainStatusVerified
	case StateLockdown:
		status.BmcStatus = domainStatusFailed
		status.PchStatus = domainStatusFailed
	case StateDecommission:
		status.DecommissionFlag = 1
	}

	if err := p.Mailbox.PublishStatus(status); err != nil {
		platformLog.Errorf(nil, err, "mailbox status publish failed")
	}
}
