// Key manifests (KM) are the hash-list chain that lets a provisioned
// root key endorse many content signing keys (CSKs) without the root
// key ever signing an image directly, and own the key-cancellation
// bitmap and SVN floor that let a compromised or superseded CSK be
// revoked per protected-content class.

package pfr

// keyListCapacity is the number of key_id slots a manifest's key_list
// carries, one hash entry per possible CSK key id.
const keyListCapacity = MaxKeyID + 1

// KeyManifestSize is the stride between manifest slots in the
// ROT_INTERNAL key partition: slot i sits at i*KeyManifestSize. Sized
// so a SHA-384 key_list plus a 3072-bit root key and signature still
// fit with room to spare.
const KeyManifestSize = 0x2000

// MaxKeyManifestID is the highest manifest slot id the key partition
// carries.
const MaxKeyManifestID = 15

// KeyManifest is a parsed, not-yet-verified manifest slot: its header,
// the hash algorithm key_list entries are under, the key_list itself
// (one CSK public-key hash per key id), the root public key appended
// past the declared image, and the manifest's own trailing signature.
type KeyManifest struct {
	Header         RecoveryHeader
	HashType       HashAlgorithm
	KeyList        [][]byte
	RootKeyModulus []byte
	Signature      []byte
}

// ParseKeyManifest reads and validates the manifest slot at slotBase on
// dev:
//
//  1. read and validate the recovery header; it must describe a key
//     manifest (IsKeyManifest).
//  2. read hash_type and the key_list immediately after the header.
//  3. read the root public key, appended at slotBase+image_length,
//     whose length is header.SignLength (root_key.mod_length ==
//     image_header.sign_length).
//  4. read the manifest's own trailing signature, the last sign_length
//     bytes inside image_length.
//  5. verify that trailing signature over [slotBase,
//     slotBase+image_length-sign_length) under the root key.
func ParseKeyManifest(fl Flash, dev FlashDeviceID, slotBase uint32, verifier SignatureVerifier) (KeyManifest, error) {
	header, err := ReadRecoveryHeader(fl, dev, slotBase)
	if err != nil {
		return KeyManifest{}, err
	}
	if !header.IsKeyManifest() {
		return KeyManifest{}, newFormatError("slot at 0x%x on %s is not a key manifest", slotBase, dev)
	}

	hashTypeRaw, err := fl.Read(dev, slotBase+recoveryHeaderSize, 1)
	if err != nil {
		return KeyManifest{}, newIoError("read-key-manifest-hash-type", err)
	}
	hashType := HashAlgorithm(hashTypeRaw[0])
	digestLen := digestLength(hashType)

	keyListOffset := slotBase + recoveryHeaderSize + 1
	keyList := make([][]byte, keyListCapacity)
	for id := 0; id < keyListCapacity; id++ {
		hash, err := fl.Read(dev, keyListOffset+uint32(id*digestLen), uint32(digestLen))
		if err != nil {
			return KeyManifest{}, newIoError("read-key-list-entry", err)
		}
		keyList[id] = hash
	}

	if header.SignLength == 0 {
		return KeyManifest{}, newFormatError("key manifest at 0x%x has zero sign_length", slotBase)
	}

	rootKeyOffset := slotBase + header.ImageLength
	rootKeyModulus, err := fl.Read(dev, rootKeyOffset, header.SignLength)
	if err != nil {
		return KeyManifest{}, newIoError("read-key-manifest-root-key", err)
	}

	signedLength := header.ImageLength - header.SignLength
	signature, err := fl.Read(dev, slotBase+signedLength, header.SignLength)
	if err != nil {
		return KeyManifest{}, newIoError("read-key-manifest-signature", err)
	}

	signedContent, err := fl.Read(dev, slotBase, signedLength)
	if err != nil {
		return KeyManifest{}, newIoError("read-key-manifest-body", err)
	}

	// The outer manifest signature is pinned to SHA-256 regardless of
	// the hash_type the key_list entries use.
	rootPub := PublicKeyFromModulus(rootKeyModulus)
	digest, err := Digest(HashSHA256, signedContent)
	if err != nil {
		return KeyManifest{}, err
	}
	if err := verifier.Verify(rootPub, HashSHA256, digest, signature); err != nil {
		return KeyManifest{}, newAuthFailure("key-manifest", SignatureInvalid)
	}

	return KeyManifest{
		Header:         header,
		HashType:       hashType,
		KeyList:        keyList,
		RootKeyModulus: rootKeyModulus,
		Signature:      signature,
	}, nil
}

// VerifyRootKey checks m's appended root public key digest against the
// provisioned root-key hash.
func VerifyRootKey(m KeyManifest, prov *ProvisioningStore) error {
	want, err := prov.RootKeyHash()
	if err != nil {
		return err
	}

	got, err := Digest(HashSHA256, m.RootKeyModulus)
	if err != nil {
		return err
	}

	if !bytesEqual(got, want) {
		return newAuthFailure("root-key", RootKeyMismatch)
	}

	return nil
}

// VerifyCSK checks that pub is the CSK the manifest endorses under
// keyID: its digest under the manifest's own hash_type must equal the
// key_list[keyID] entry.
func VerifyCSK(m KeyManifest, keyID uint8, pub []byte) error {
	if keyID > MaxKeyID {
		return &InvalidKeyIDError{KeyID: keyID}
	}

	want, err := Digest(m.HashType, pub)
	if err != nil {
		return err
	}

	if !bytesEqual(m.KeyList[keyID], want) {
		return newAuthFailure("csk", CskUnknown)
	}
	return nil
}

// FindKeyManifestID scans candidates for a manifest whose key_list[keyID]
// entry matches the digest of pub under that manifest's own hash_type,
// returning the index of the first match and -1 if none match.
func FindKeyManifestID(candidates []KeyManifest, keyID uint8, pub []byte) (int, error) {
	for i, m := range candidates {
		if int(keyID) >= len(m.KeyList) {
			continue
		}
		if VerifyCSK(m, keyID, pub) == nil {
			return i, nil
		}
	}
	return -1, nil
}

// CancellationBitmap is the typed view over the provisioning page's
// per-protected-content-class key-revocation bitmaps. A cleared bit
// means the corresponding key id is cancelled for that class; since UFM
// writes only clear bits, cancellation is permanent for the device's
// lifetime. Cancellation for one class never affects any
// other class's bitmap.
type CancellationBitmap struct {
	ufm *UFMStore
}

// NewCancellationBitmap wraps ufm with the cancellation-bitmap layout.
func NewCancellationBitmap(ufm *UFMStore) *CancellationBitmap {
	return &CancellationBitmap{ufm: ufm}
}

// IsCancelled reports whether keyID has been revoked for pc. keyID must
// be <= MaxKeyID.
func (c *CancellationBitmap) IsCancelled(pc ProtectedContentType, keyID uint8) (bool, error) {
	if keyID > MaxKeyID {
		return false, &InvalidKeyIDError{KeyID: keyID}
	}
	base, err := cancellationBitmapBaseOffset(pc)
	if err != nil {
		return false, err
	}
	word, err := c.ufm.ReadWord(ProvisionUFM, cancellationBitmapWordOffset(base, keyID))
	if err != nil {
		return false, err
	}
	bit := cancellationBitmapBit(keyID)
	return (word>>bit)&1 == 0, nil
}

// Cancel revokes keyID for pc by clearing its bit. Calling Cancel twice
// on the same (pc, keyID) pair is a no-op: the second write clears a
// bit that's already clear, which UFMStore permits. Cancelling a key id
// under one class never cancels the same id under any other class.
func (c *CancellationBitmap) Cancel(pc ProtectedContentType, keyID uint8) error {
	if keyID > MaxKeyID {
		return &InvalidKeyIDError{KeyID: keyID}
	}
	base, err := cancellationBitmapBaseOffset(pc)
	if err != nil {
		return err
	}
	wordOffset := cancellationBitmapWordOffset(base, keyID)
	current, err := c.ufm.ReadWord(ProvisionUFM, wordOffset)
	if err != nil {
		return err
	}
	bit := cancellationBitmapBit(keyID)
	cleared := current &^ (1 << bit)
	return c.ufm.WriteWord(ProvisionUFM, wordOffset, cleared)
}

// VerifyAllKeyManifests walks every manifest slot in the ROT_INTERNAL
// key partition (slot i at i*KeyManifestSize, i in [0,
// MaxKeyManifestID]), returning the manifests that verify. Slots whose
// header fails to read or does not describe a key manifest are skipped
// as empty; a slot that *does* look like a manifest but fails parsing,
// its own signature, or the provisioned root-key-hash check aborts the
// whole walk. At least one valid manifest must exist; an empty
// partition is unrecoverable and callers escalate to LOCKDOWN.
//
// The empty-slot test is RecoveryHeader.IsKeyManifest, which preserves
// the shipped firmware's &&-joined format/magic predicate; see the
// OPEN QUESTION note on that method and DESIGN.md.
func VerifyAllKeyManifests(fl Flash, dev FlashDeviceID, prov *ProvisioningStore, verifier SignatureVerifier) ([]KeyManifest, error) {
	var manifests []KeyManifest

	for slot := uint32(0); slot <= MaxKeyManifestID; slot++ {
		slotBase := slot * KeyManifestSize

		header, err := ReadRecoveryHeader(fl, dev, slotBase)
		if err != nil || !header.IsKeyManifest() {
			continue
		}

		m, err := ParseKeyManifest(fl, dev, slotBase, verifier)
		if err != nil {
			return nil, err
		}
		if err := VerifyRootKey(m, prov); err != nil {
			return nil, err
		}

		manifests = append(manifests, m)
	}

	if len(manifests) == 0 {
		return nil, newFormatError("key partition on %s has no valid key manifest", dev)
	}

	return manifests, nil
}

// ApplyCancellationCapsule clears the bitmap bit a verified standalone
// cancellation capsule selects. The capsule payload must already have
// been authenticated by the caller; this only performs the UFM
// mutation.
func ApplyCancellationCapsule(bitmap *CancellationBitmap, capsule CancellationCapsule) error {
	return bitmap.Cancel(capsule.PcType(), capsule.KeyID)
}

// CheckSvn enforces anti-rollback at verify time: svn must be at least
// pc's currently provisioned floor and no more than SvnMax. It never
// writes UFM; the floor is only raised on a successful promote.
func CheckSvn(prov *ProvisioningStore, pc ProtectedContentType, svn uint16) error {
	if uint32(svn) > SvnMax {
		return newFormatError("svn %d exceeds maximum %d", svn, SvnMax)
	}

	floor, err := prov.SvnCounter(pc)
	if err != nil {
		return err
	}

	if uint32(svn) < floor {
		return newAuthFailure("svn", SvnTooLow)
	}

	return nil
}

// CheckAndRaiseSvn re-checks the floor and then ratchets it up to svn
// if strictly newer, so that no future image below it will ever verify
// again. Called on promote, after the staged image has already passed
// the full verify pipeline.
func CheckAndRaiseSvn(prov *ProvisioningStore, pc ProtectedContentType, svn uint16) error {
	if err := CheckSvn(prov, pc, svn); err != nil {
		return err
	}

	floor, err := prov.SvnCounter(pc)
	if err != nil {
		return err
	}

	if uint32(svn) > floor {
		return prov.RaiseSvnCounter(pc, uint32(svn))
	}

	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
