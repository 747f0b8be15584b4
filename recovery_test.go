package pfr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fillPattern(buf []byte, b byte) {
	for i := range buf {
		buf[i] = b
	}
}

func TestRecoverActiveRegionCopiesDefaultAndRestoreRanges(t *testing.T) {
	geom := map[FlashDeviceID]FlashGeometry{
		BMC: {TotalSize: 0x10000, SectorSize: 0x100, BlockSize: 0x1000},
	}
	fl := NewMemoryFlash(geom)

	active := Region{Device: BMC, Offset: 0x0000, Length: 0x1000}
	recovery := Region{Device: BMC, Offset: 0x1000, Length: 0x1000}

	fillPattern(fl.Raw(BMC)[recovery.Offset:recovery.End()], 0xAB)
	fillPattern(fl.Raw(BMC)[active.Offset:active.End()], 0x00)

	var pfm PlatformFirmwareManifest
	require.NoError(t, pfm.RWRegions.Append(RWRegion{StartAddr: 0x100, EndAddr: 0x200, Action: RWActionDoNothing}))
	require.NoError(t, pfm.RWRegions.Append(RWRegion{StartAddr: 0x200, EndAddr: 0x300, Action: RWActionErase}))
	require.NoError(t, pfm.RWRegions.Append(RWRegion{StartAddr: 0x300, EndAddr: 0x400, Action: RWActionRestore}))

	require.NoError(t, RecoverActiveRegion(fl, BMC, active, recovery, pfm))

	activeBytes := fl.Raw(BMC)[active.Offset:active.End()]

	// DO_NOTHING range kept its pre-recovery content untouched.
	for _, b := range activeBytes[0x100:0x200] {
		require.Equal(t, byte(0x00), b)
	}
	// ERASE range was erased, not copied from recovery.
	for _, b := range activeBytes[0x200:0x300] {
		require.Equal(t, byte(0xFF), b)
	}
	// RESTORE range and the default bulk range both came from recovery.
	for _, b := range activeBytes[0x300:0x400] {
		require.Equal(t, byte(0xAB), b)
	}
	for _, b := range activeBytes[0x400:0x500] {
		require.Equal(t, byte(0xAB), b)
	}
	for _, b := range activeBytes[0x000:0x100] {
		require.Equal(t, byte(0xAB), b)
	}
}

func TestStageToActiveCopiesWholeRegion(t *testing.T) {
	geom := map[FlashDeviceID]FlashGeometry{
		BMC: {TotalSize: 0x8000, SectorSize: 0x100, BlockSize: 0x1000},
	}
	fl := NewMemoryFlash(geom)

	active := Region{Device: BMC, Offset: 0x0000, Length: 0x1000}
	staging := Region{Device: BMC, Offset: 0x2000, Length: 0x1000}
	fillPattern(fl.Raw(BMC)[staging.Offset:staging.End()], 0x5A)

	require.NoError(t, StageToActive(fl, BMC, active, staging))
	for _, b := range fl.Raw(BMC)[active.Offset:active.End()] {
		require.Equal(t, byte(0x5A), b)
	}
}

func TestRelayPchCapsuleFromBmcStagingCopiesTail(t *testing.T) {
	geom := map[FlashDeviceID]FlashGeometry{
		BMC: {TotalSize: 0x10000, SectorSize: 0x100, BlockSize: 0x1000},
		PCH: {TotalSize: 0x10000, SectorSize: 0x100, BlockSize: 0x1000},
	}
	fl := NewMemoryFlash(geom)

	bmcStaging := Region{Device: BMC, Offset: 0x1000, Length: 0x2000}
	pchStaging := Region{Device: PCH, Offset: 0x3000, Length: 0x1000}

	bmcCapsuleSize := uint32(0x1000)
	fillPattern(fl.Raw(BMC)[bmcStaging.Offset:bmcStaging.Offset+bmcCapsuleSize], 0x11)
	fillPattern(fl.Raw(BMC)[bmcStaging.Offset+bmcCapsuleSize:bmcStaging.End()], 0x22)
	fillPattern(fl.Raw(PCH)[pchStaging.Offset:pchStaging.End()], 0x99)

	require.NoError(t, RelayPchCapsuleFromBmcStaging(fl, bmcStaging, pchStaging, bmcCapsuleSize))

	for _, b := range fl.Raw(PCH)[pchStaging.Offset:pchStaging.End()] {
		require.Equal(t, byte(0x22), b)
	}
}

func TestRelayPchCapsuleFromBmcStagingRejectsOversizeCapsule(t *testing.T) {
	geom := map[FlashDeviceID]FlashGeometry{
		BMC: {TotalSize: 0x10000, SectorSize: 0x100, BlockSize: 0x1000},
		PCH: {TotalSize: 0x10000, SectorSize: 0x100, BlockSize: 0x1000},
	}
	fl := NewMemoryFlash(geom)

	bmcStaging := Region{Device: BMC, Offset: 0x1000, Length: 0x1000}
	pchStaging := Region{Device: PCH, Offset: 0x3000, Length: 0x1000}

	err := RelayPchCapsuleFromBmcStaging(fl, bmcStaging, pchStaging, 0x2000)
	require.Error(t, err)
}

func TestStagedImageMatchesActive(t *testing.T) {
	geom := map[FlashDeviceID]FlashGeometry{
		BMC: {TotalSize: 0x8000, SectorSize: 0x100, BlockSize: 0x1000},
	}
	fl := NewMemoryFlash(geom)

	active := Region{Device: BMC, Offset: 0x0000, Length: 0x1000}
	staging := Region{Device: BMC, Offset: 0x2000, Length: 0x1000}

	fillPattern(fl.Raw(BMC)[active.Offset:active.End()], 0x11)
	fillPattern(fl.Raw(BMC)[staging.Offset:staging.End()], 0x11)

	match, err := StagedImageMatchesActive(fl, BMC, active, staging)
	require.NoError(t, err)
	require.True(t, match)

	fl.Raw(BMC)[staging.Offset+500] = 0x12
	match, err = StagedImageMatchesActive(fl, BMC, active, staging)
	require.NoError(t, err)
	require.False(t, match)
}

func TestRecoverActiveRegionIsIdempotent(t *testing.T) {
	geom := map[FlashDeviceID]FlashGeometry{
		BMC: {TotalSize: 0x10000, SectorSize: 0x100, BlockSize: 0x1000},
	}
	fl := NewMemoryFlash(geom)

	active := Region{Device: BMC, Offset: 0x0000, Length: 0x1000}
	recovery := Region{Device: BMC, Offset: 0x1000, Length: 0x1000}

	fillPattern(fl.Raw(BMC)[recovery.Offset:recovery.End()], 0xC3)
	fillPattern(fl.Raw(BMC)[active.Offset:active.End()], 0x00)

	var pfm PlatformFirmwareManifest
	require.NoError(t, pfm.RWRegions.Append(RWRegion{StartAddr: 0x200, EndAddr: 0x300, Action: RWActionErase}))

	require.NoError(t, RecoverActiveRegion(fl, BMC, active, recovery, pfm))
	first := make([]byte, active.Length)
	copy(first, fl.Raw(BMC)[active.Offset:active.End()])

	require.NoError(t, RecoverActiveRegion(fl, BMC, active, recovery, pfm))
	require.Equal(t, first, fl.Raw(BMC)[active.Offset:active.End()])
}
