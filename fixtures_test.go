package pfr

// There is no known-good flash image to check in as a test asset, so
// these helpers build one synthetically: real RSA test keys, a signed
// key-manifest slot, and signed recovery images laid out on an
// in-memory flash, parameterized so each test can start from a
// known-good baseline and corrupt exactly one thing.

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/require"
)

type testKeyPair struct {
	priv    *rsa.PrivateKey
	modulus []byte
}

func newTestKeyPair(t *testing.T) testKeyPair {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return testKeyPair{priv: priv, modulus: priv.PublicKey.N.Bytes()}
}

func signDigest(t *testing.T, priv *rsa.PrivateKey, alg HashAlgorithm, payload []byte) []byte {
	digest, err := Digest(alg, payload)
	require.NoError(t, err)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, CryptoHash(alg), digest)
	require.NoError(t, err)
	return sig
}

// buildKeyManifestImage lays out a full key-manifest slot on fl at
// slotBase: header, hash_type, key_list (one CSK hash at cskKeyID, the
// rest zeroed), the root key appended at image_length, and the
// manifest's own trailing signature over everything before it.
func buildKeyManifestImage(t *testing.T, fl *MemoryFlash, dev FlashDeviceID, slotBase uint32, root testKeyPair, cskKeyID uint8, cskModulus []byte) {
	digestLen := digestLength(HashSHA256)
	keyListLen := keyListCapacity * digestLen
	signLength := uint32(len(root.modulus))

	bodyLength := uint32(recoveryHeaderSize) + 1 + uint32(keyListLen)
	imageLength := bodyLength + signLength

	header := RecoveryHeader{
		HeaderLength: recoveryHeaderSize,
		Format:       FormatKEYM,
		MagicNumber:  KeyManagementHeaderMagic,
		ImageLength:  imageLength,
		SignLength:   signLength,
	}
	raw, err := EmitRecoveryHeader(header)
	require.NoError(t, err)
	copy(fl.Raw(dev)[slotBase:], raw)

	fl.Raw(dev)[slotBase+recoveryHeaderSize] = byte(HashSHA256)

	keyListOffset := slotBase + recoveryHeaderSize + 1
	cskHash, err := Digest(HashSHA256, cskModulus)
	require.NoError(t, err)
	copy(fl.Raw(dev)[keyListOffset+uint32(cskKeyID)*uint32(digestLen):], cskHash)

	rootKeyOffset := slotBase + imageLength
	copy(fl.Raw(dev)[rootKeyOffset:], root.modulus)

	signedContent := fl.Raw(dev)[slotBase : slotBase+bodyLength]
	sig := signDigest(t, root.priv, HashSHA256, signedContent)
	copy(fl.Raw(dev)[slotBase+bodyLength:], sig)
}

func provisionedRootKeyHash(t *testing.T, prov *ProvisioningStore, root testKeyPair) {
	hash, err := Digest(HashSHA256, root.modulus)
	require.NoError(t, err)
	require.NoError(t, prov.ProvisionRootKeyHash(hash))
}

func newManifestFlash(size uint32) *MemoryFlash {
	return NewMemoryFlash(map[FlashDeviceID]FlashGeometry{
		RotInternalKey: {TotalSize: size, SectorSize: 0x1000, BlockSize: 0x1000},
	})
}

// buildSignedImage writes header + platform-id + embedded {key_id, CSK
// modulus} + body, then signs everything from the header's first byte
// up to that point with cskPriv and appends the signature, matching
// auth.go's image layout. format selects the header's payload kind;
// images of format BMC/PCH are expected to carry a PFM as body.
func buildSignedImage(t *testing.T, fl *MemoryFlash, dev FlashDeviceID, offset uint32, format Format, platformID string, keyID uint8, csk testKeyPair, body []byte) uint32 {
	t.Helper()

	headerOffset := offset
	platformIDField := append([]byte{byte(len(platformID))}, []byte(platformID)...)
	signLength := uint32(len(csk.modulus))

	cskKeyIDOffset := headerOffset + recoveryHeaderSize + uint32(len(platformIDField))
	contentStart := cskKeyIDOffset + 1 + signLength
	contentLength := uint32(len(body))
	contentEnd := contentStart + contentLength

	h := RecoveryHeader{
		HeaderLength: recoveryHeaderSize,
		Format:       format,
		MagicNumber:  RecoveryHeaderMagic,
		ImageLength:  (contentEnd - headerOffset) + signLength,
		SignLength:   signLength,
	}
	copy(h.VersionID[:], "1.2.3")

	raw, err := EmitRecoveryHeader(h)
	require.NoError(t, err)

	buf := fl.Raw(dev)
	copy(buf[headerOffset:], raw)
	copy(buf[headerOffset+recoveryHeaderSize:], platformIDField)
	buf[cskKeyIDOffset] = keyID
	copy(buf[cskKeyIDOffset+1:], csk.modulus)
	copy(buf[contentStart:], body)

	digest, err := Digest(HashSHA256, buf[headerOffset:contentEnd])
	require.NoError(t, err)
	sig, err := rsa.SignPKCS1v15(rand.Reader, csk.priv, CryptoHash(HashSHA256), digest)
	require.NoError(t, err)
	require.LessOrEqual(t, uint32(len(sig)), signLength)

	sigPadded := make([]byte, signLength)
	copy(sigPadded, sig)
	copy(buf[contentEnd:], sigPadded)

	return contentEnd + signLength
}

func pfmBody(version string, svn uint16, regions ...RWRegion) []byte {
	body := []byte{pfmElementFirmwareVersion, byte(len(version))}
	body = append(body, []byte(version)...)
	for _, r := range regions {
		element := make([]byte, 9)
		copy(element[0:4], encodeUint32(r.StartAddr))
		copy(element[4:8], encodeUint32(r.EndAddr))
		element[8] = byte(r.Action)
		body = append(body, pfmElementRWRegion, 9)
		body = append(body, element...)
	}
	body = append(body, pfmElementSvn, 2, byte(svn>>8), byte(svn))
	return body
}

// buildPfmBearingImage is buildSignedImage with a minimal PFM as the
// body, so VerifyImage's anti-rollback check actually runs.
func buildPfmBearingImage(t *testing.T, fl *MemoryFlash, dev FlashDeviceID, offset uint32, platformID string, keyID uint8, csk testKeyPair, svn uint16) uint32 {
	t.Helper()

	format := FormatBMC
	if dev == PCH {
		format = FormatPCH
	}
	return buildSignedImage(t, fl, dev, offset, format, platformID, keyID, csk, pfmBody("1.0.0", svn))
}
