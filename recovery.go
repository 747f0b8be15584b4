// The recovery/update engine (RU) rebuilds a failed active region
// from its recovery region, respecting the PFM's RW-region table, and
// promotes a verified staging image into active. Phase A (RW prep)
// must complete before phase B (bulk copy) starts so a power loss
// mid-recovery never leaves a DO_NOTHING region partially
// overwritten.

package pfr

import "sort"

// copyRange is a half-open [Start, End) byte range relative to a
// region's own base offset.
type copyRange struct {
	Start, End uint32
}

// planRecoveryCopy partitions [0, regionLength) into the ranges that
// must be copied from recovery into active (everything not claimed by
// an RW region, plus RESTORE regions) and the ranges that must be
// erased in place without copying (ERASE regions). DO_NOTHING regions
// are left out of both lists entirely, so active's existing bytes
// there are never touched.
func planRecoveryCopy(regionLength uint32, rw *RWRegionTable) (copyRanges, eraseRanges []copyRange) {
	type tagged struct {
		r      RWRegion
		action RWAction
	}
	var entries []tagged
	rw.ForEach(func(r RWRegion) {
		entries = append(entries, tagged{r: r, action: r.Action})
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].r.StartAddr < entries[j].r.StartAddr })

	cursor := uint32(0)
	for _, e := range entries {
		if e.r.StartAddr > cursor {
			copyRanges = append(copyRanges, copyRange{cursor, e.r.StartAddr})
		}
		switch e.action {
		case RWActionErase:
			eraseRanges = append(eraseRanges, copyRange{e.r.StartAddr, e.r.EndAddr})
		case RWActionRestore:
			copyRanges = append(copyRanges, copyRange{e.r.StartAddr, e.r.EndAddr})
		case RWActionDoNothing:
			// neither copied nor erased
		}
		cursor = e.r.EndAddr
	}
	if cursor < regionLength {
		copyRanges = append(copyRanges, copyRange{cursor, regionLength})
	}

	return copyRanges, eraseRanges
}

// RecoverActiveRegion rebuilds active from recovery on dev, honoring
// pfm's RW region table. active and recovery must be equal-length
// regions on the same device. Any failure midway leaves active
// partially rebuilt; callers are expected to only call this from a
// PSM state that will retry or escalate to LOCKDOWN on a second
// failure.
func RecoverActiveRegion(fl Flash, dev FlashDeviceID, active, recovery Region, pfm PlatformFirmwareManifest) error {
	if active.Length != recovery.Length {
		return newFormatError("active region length %d != recovery region length %d", active.Length, recovery.Length)
	}

	copyRanges, eraseRanges := planRecoveryCopy(active.Length, &pfm.RWRegions)

	// Phase A: erase the regions that must not receive recovery content.
	for _, r := range eraseRanges {
		if err := fl.EraseRegion(dev, active.Offset+r.Start, r.End-r.Start, false); err != nil {
			return newIoError("recovery-erase-rw-region", err)
		}
	}

	// Phase B: bulk-copy everything else from recovery to active.
	for _, r := range copyRanges {
		if err := fl.CopyBetween(dev, recovery.Offset+r.Start, dev, active.Offset+r.Start, r.End-r.Start); err != nil {
			return newIoError("recovery-copy", err)
		}
	}

	return nil
}

// RelayPchCapsuleFromBmcStaging copies the PCH capsule that rides
// along after the BMC capsule in BMC staging into PCH's own staging
// region, ahead of a normal StageToActive promotion on PCH. The PCH
// capsule has no direct delivery path of its own: both capsules land
// in BMC staging back to back, and the PCH side only ever sees its
// tail. The copy itself is not verified here; Platform.RelayPchCapsule
// re-verifies it when the state machine is in FIRMWARE_RECOVERY.
func RelayPchCapsuleFromBmcStaging(fl Flash, bmcStaging, pchStaging Region, bmcCapsuleSize uint32) error {
	if bmcCapsuleSize > bmcStaging.Length {
		return newFormatError("bmc capsule size %d exceeds bmc staging region length %d", bmcCapsuleSize, bmcStaging.Length)
	}
	pchCapsuleOffset := bmcStaging.Offset + bmcCapsuleSize
	pchCapsuleLength := bmcStaging.Length - bmcCapsuleSize
	if pchCapsuleLength > pchStaging.Length {
		pchCapsuleLength = pchStaging.Length
	}

	if err := fl.EraseRegion(pchStaging.Device, pchStaging.Offset, pchStaging.Length, false); err != nil {
		return newIoError("relay-erase-pch-staging", err)
	}
	if err := fl.CopyBetween(bmcStaging.Device, pchCapsuleOffset, pchStaging.Device, pchStaging.Offset, pchCapsuleLength); err != nil {
		return newIoError("relay-copy-pch-capsule", err)
	}
	return nil
}

// StageToActive promotes a verified staging image into active, in
// full, with no RW-region exceptions: staging is a deliberate update,
// not a recovery, so everything the caller staged is what the caller
// wants running.
func StageToActive(fl Flash, dev FlashDeviceID, active, staging Region) error {
	if active.Length != staging.Length {
		return newFormatError("active region length %d != staging region length %d", active.Length, staging.Length)
	}
	if err := fl.CopyBetween(dev, staging.Offset, dev, active.Offset, active.Length); err != nil {
		return newIoError("stage-to-active-copy", err)
	}
	return nil
}

// StagedImageMatchesActive reports whether the bytes staged for dev
// are already identical to what's running in active, letting the
// update engine skip a redundant promote/verify cycle when a staged
// image turns out to be a no-op re-stage.
func StagedImageMatchesActive(fl Flash, dev FlashDeviceID, active, staging Region) (bool, error) {
	if active.Length != staging.Length {
		return false, nil
	}

	const chunkSize = 4096
	for offset := uint32(0); offset < active.Length; offset += chunkSize {
		length := chunkSize
		if remaining := active.Length - offset; remaining < chunkSize {
			length = int(remaining)
		}

		activeChunk, err := fl.Read(dev, active.Offset+offset, uint32(length))
		if err != nil {
			return false, newIoError("staged-match-read-active", err)
		}
		stagingChunk, err := fl.Read(dev, staging.Offset+offset, uint32(length))
		if err != nil {
			return false, newIoError("staged-match-read-staging", err)
		}

		if !bytesEqual(activeChunk, stagingChunk) {
			return false, nil
		}
	}

	return true, nil
}
