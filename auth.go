// The authentication engine (AE) runs the full verification pipeline
// over a recovery image: parse header, extract the embedded CSK,
// reject it if cancelled, authenticate it against the provisioned key
// manifest chain, verify the content signature under the CSK, and
// enforce the SVN floor. Any failure returns an *AuthFailure naming
// the stage and kind, and leaves flash untouched.

package pfr

// VerifyImageParams bundles everything VerifyImage needs beyond the
// flash region itself. KeyManifests is the set of provisioned manifest
// slots already verified by VerifyAllKeyManifests; PcType selects
// which cancellation bitmap and SVN floor this image's content class
// uses.
type VerifyImageParams struct {
	Flash        Flash
	Device       FlashDeviceID
	ImageOffset  uint32
	PcType       ProtectedContentType
	Prov         *ProvisioningStore
	Bitmap       *CancellationBitmap
	Verifier     SignatureVerifier
	KeyManifests []KeyManifest
}

// ImageDescriptor is what a successful VerifyImage returns: the parsed
// header, the decoded platform id, and the bounds of the image body
// (the payload past the embedded CSK and, for PFM-bearing images, the
// bytes the PFM was parsed from). The signature itself covers the
// whole image from the header's first byte, not just this body span.
type ImageDescriptor struct {
	Header        RecoveryHeader
	PlatformID    string
	ContentStart  uint32
	ContentLength uint32

	// PFM is only populated for PFM-bearing (BMC/PCH format) images.
	PFM PlatformFirmwareManifest
}

// VerifyImage runs the full verification pipeline:
//
//  1. read and validate the recovery header and platform-id.
//  2. read the embedded key id and CSK modulus that follow platform-id.
//  3. reject if that key id is cancelled for PcType.
//  4. authenticate the CSK by locating its hash in a provisioned key
//     manifest's key_list (FindKeyManifestID).
//  5. verify the content signature under the CSK.
//  6. enforce the SVN floor for PcType.
//
// On any failure it returns an *AuthFailure (or Io/FormatError).
// VerifyImage never writes UFM: the SVN floor is only raised on a
// successful promote, by the recovery/update flow.
func VerifyImage(p VerifyImageParams) (ImageDescriptor, error) {
	header, err := ReadRecoveryHeader(p.Flash, p.Device, p.ImageOffset)
	if err != nil {
		return ImageDescriptor{}, err
	}

	platformID, platformIDLen, err := ReadPlatformID(p.Flash, p.Device, p.ImageOffset+recoveryHeaderSize)
	if err != nil {
		return ImageDescriptor{}, err
	}

	cskKeyIDOffset := p.ImageOffset + recoveryHeaderSize + platformIDLen
	keyIDRaw, err := p.Flash.Read(p.Device, cskKeyIDOffset, 1)
	if err != nil {
		return ImageDescriptor{}, newIoError("read-embedded-csk-key-id", err)
	}
	keyID := keyIDRaw[0]

	cskModulus, err := p.Flash.Read(p.Device, cskKeyIDOffset+1, header.SignLength)
	if err != nil {
		return ImageDescriptor{}, newIoError("read-embedded-csk-modulus", err)
	}

	cancelled, err := p.Bitmap.IsCancelled(p.PcType, keyID)
	if err != nil {
		return ImageDescriptor{}, err
	}
	if cancelled {
		return ImageDescriptor{}, newAuthFailure("csk", KeyCancelled)
	}

	idx, err := FindKeyManifestID(p.KeyManifests, keyID, cskModulus)
	if err != nil {
		return ImageDescriptor{}, err
	}
	if idx < 0 {
		return ImageDescriptor{}, newAuthFailure("csk", CskUnknown)
	}

	if err := VerifyRootKey(p.KeyManifests[idx], p.Prov); err != nil {
		return ImageDescriptor{}, err
	}

	// The signature covers everything preceding it in the image, from
	// the header's first byte: header, platform-id, embedded key id and
	// CSK modulus, and the body. Nothing the pipeline branches on is
	// left unauthenticated.
	contentStart := cskKeyIDOffset + 1 + header.SignLength
	signedEnd := p.ImageOffset + header.ImageLength - header.SignLength
	if signedEnd < contentStart {
		return ImageDescriptor{}, newFormatError(
			"image content region [0x%x,0x%x) is inverted", contentStart, signedEnd)
	}
	signedLength := signedEnd - p.ImageOffset
	contentLength := signedEnd - contentStart

	signedSpan, err := p.Flash.Read(p.Device, p.ImageOffset, signedLength)
	if err != nil {
		return ImageDescriptor{}, newIoError("read-image-signed-span", err)
	}

	signature, err := p.Flash.Read(p.Device, signedEnd, header.SignLength)
	if err != nil {
		return ImageDescriptor{}, newIoError("read-image-signature", err)
	}

	// Content signatures are SHA-256 + RSA under the current profile,
	// independent of the key_list hash_type.
	cskPub := PublicKeyFromModulus(cskModulus)
	digest, err := Digest(HashSHA256, signedSpan)
	if err != nil {
		return ImageDescriptor{}, err
	}

	if err := p.Verifier.Verify(cskPub, HashSHA256, digest, signature); err != nil {
		return ImageDescriptor{}, newAuthFailure("content", SignatureInvalid)
	}

	desc := ImageDescriptor{
		Header:        header,
		PlatformID:    platformID,
		ContentStart:  contentStart,
		ContentLength: contentLength,
	}

	// Only active-region images (BMC/PCH format) carry a PFM and are
	// subject to the anti-rollback floor; standalone capsules such as
	// key-cancellation or decommission carry no PFM and skip this step.
	// The format discriminant this branches on sits inside the signed
	// span, so it cannot be flipped to dodge the floor.
	if header.Format == FormatBMC || header.Format == FormatPCH {
		pfm, err := ParsePlatformFirmwareManifest(signedSpan[contentStart-p.ImageOffset:])
		if err != nil {
			return ImageDescriptor{}, err
		}
		if err := CheckSvn(p.Prov, p.PcType, pfm.Svn); err != nil {
			return ImageDescriptor{}, err
		}
		desc.PFM = pfm
	}

	return desc, nil
}
