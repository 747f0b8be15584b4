package pfr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeRWRegionElement(r RWRegion) []byte {
	body := make([]byte, 9)
	copy(body[0:4], encodeUint32(r.StartAddr))
	copy(body[4:8], encodeUint32(r.EndAddr))
	body[8] = byte(r.Action)
	return append([]byte{pfmElementRWRegion, byte(len(body))}, body...)
}

func encodeVersionElement(version string) []byte {
	body := []byte(version)
	return append([]byte{pfmElementFirmwareVersion, byte(len(body))}, body...)
}

func TestParsePlatformFirmwareManifestBasic(t *testing.T) {
	var raw []byte
	raw = append(raw, encodeVersionElement("2.3.4")...)
	raw = append(raw, encodeRWRegionElement(RWRegion{StartAddr: 0x1000, EndAddr: 0x2000, Action: RWActionErase})...)
	raw = append(raw, encodeRWRegionElement(RWRegion{StartAddr: 0x3000, EndAddr: 0x3100, Action: RWActionDoNothing})...)

	pfm, err := ParsePlatformFirmwareManifest(raw)
	require.NoError(t, err)
	require.Equal(t, "2.3.4", pfm.VersionID)
	require.Equal(t, 2, pfm.RWRegions.Len())
	require.Equal(t, RWActionErase, pfm.RWRegions.At(0).Action)
	require.Equal(t, RWActionDoNothing, pfm.RWRegions.At(1).Action)
}

func TestRWRegionTableOverflowsPastInlineCapacity(t *testing.T) {
	var raw []byte
	raw = append(raw, encodeVersionElement("1.0.0")...)
	for i := 0; i < inlineRWRegions+5; i++ {
		raw = append(raw, encodeRWRegionElement(RWRegion{StartAddr: uint32(i * 0x100), EndAddr: uint32(i*0x100 + 0x10)})...)
	}

	pfm, err := ParsePlatformFirmwareManifest(raw)
	require.NoError(t, err)
	require.Equal(t, inlineRWRegions+5, pfm.RWRegions.Len())

	var visited int
	pfm.RWRegions.ForEach(func(RWRegion) { visited++ })
	require.Equal(t, inlineRWRegions+5, visited)

	last := pfm.RWRegions.At(inlineRWRegions + 4)
	require.Equal(t, uint32((inlineRWRegions+4)*0x100), last.StartAddr)
}

func TestParsePlatformFirmwareManifestRejectsInvertedRegion(t *testing.T) {
	raw := encodeRWRegionElement(RWRegion{StartAddr: 0x2000, EndAddr: 0x1000})
	_, err := ParsePlatformFirmwareManifest(raw)
	require.Error(t, err)
}

func TestParsePlatformFirmwareManifestRejectsTruncatedElement(t *testing.T) {
	raw := []byte{pfmElementRWRegion, 9, 0, 0}
	_, err := ParsePlatformFirmwareManifest(raw)
	require.Error(t, err)
}

func TestRWRegionTableRejectsOverBudgetManifest(t *testing.T) {
	var raw []byte
	raw = append(raw, encodeVersionElement("1.0.0")...)
	for i := 0; i <= maxRWRegions; i++ {
		raw = append(raw, encodeRWRegionElement(RWRegion{StartAddr: uint32(i * 0x10), EndAddr: uint32(i*0x10 + 0x8)})...)
	}

	_, err := ParsePlatformFirmwareManifest(raw)
	require.ErrorIs(t, err, ErrOutOfMemory)
}
