// pfrctl drives an in-memory PFR core: each subcommand builds a
// simulated target and dumps what the library sees. There's no real
// SPI/OTP hardware behind it, so every run starts from a fresh
// simulated platform.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"

	log "github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	flags "github.com/jessevdk/go-flags"

	"github.com/cerberuspfr/rotcore"
)

type provisionCommand struct {
	BmcSize uint32 `long:"bmc-size" description:"Total size in bytes of the simulated BMC flash device" default:"16777216"`
	PchSize uint32 `long:"pch-size" description:"Total size in bytes of the simulated PCH flash device" default:"33554432"`
}

func (c *provisionCommand) Execute(args []string) error {
	ufm := pfr.NewUFMStore()
	prov := pfr.NewProvisioningStore(ufm)

	rootPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	log.PanicIf(err)
	rootModulus := rootPriv.PublicKey.N.Bytes()

	rootHash, err := pfr.Digest(pfr.HashSHA256, rootModulus)
	log.PanicIf(err)
	log.PanicIf(prov.ProvisionRootKeyHash(rootHash))

	third := c.BmcSize / 3
	log.PanicIf(prov.ProvisionRegionOffset(pfr.BMC, pfr.ActiveRegionKind, 0))
	log.PanicIf(prov.ProvisionRegionOffset(pfr.BMC, pfr.RecoveryRegionKind, third))
	log.PanicIf(prov.ProvisionRegionOffset(pfr.BMC, pfr.StagingRegionKind, 2*third))

	fmt.Printf("provisioned root key hash: %x\n", rootHash)
	fmt.Printf("BMC flash: %s total (active/recovery/staging thirds of %s each)\n",
		humanize.Bytes(uint64(c.BmcSize)), humanize.Bytes(uint64(third)))
	fmt.Printf("PCH flash: %s total\n", humanize.Bytes(uint64(c.PchSize)))

	return nil
}

type statusCommand struct{}

func (c *statusCommand) Execute(args []string) error {
	ufm := pfr.NewUFMStore()
	gpio := &pfr.NoopGPIOController{}
	psm := pfr.NewPSM(ufm, gpio)

	fmt.Printf("state: %s\n", psm.State())

	log.PanicIf(psm.BeginBootAttempt())
	fmt.Printf("state: %s (bmc_ext_rst=%v pch_rst=%v)\n", psm.State(), gpio.BMCExtRstAsserted, gpio.PCHRstAsserted)

	return nil
}

type bootCommand struct {
	CorruptActive bool `long:"corrupt-active" description:"Flip a byte in the BMC active image before booting to exercise the recovery path"`
}

// simulatedPlatform builds a complete self-signed platform: one key
// manifest endorsing a freshly generated CSK, and signed PFM-bearing
// images in every active and recovery region.
func simulatedPlatform() (*pfr.Platform, *pfr.MemoryFlash, *pfr.NoopGPIOController, error) {
	const (
		activeOffset   = 0x0000
		recoveryOffset = 0x8000
		stagingOffset  = 0x10000
	)

	fl := pfr.NewMemoryFlash(map[pfr.FlashDeviceID]pfr.FlashGeometry{
		pfr.BMC:            {TotalSize: 0x20000, SectorSize: 0x1000, BlockSize: 0x1000},
		pfr.PCH:            {TotalSize: 0x20000, SectorSize: 0x1000, BlockSize: 0x1000},
		pfr.RotInternalKey: {TotalSize: pfr.KeyManifestSize * (pfr.MaxKeyManifestID + 1), SectorSize: 0x1000, BlockSize: 0x1000},
	})

	rootPriv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, nil, nil, err
	}
	cskPriv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := writeKeyManifest(fl, rootPriv, cskPriv.PublicKey.N.Bytes()); err != nil {
		return nil, nil, nil, err
	}

	ufm := pfr.NewUFMStore()
	gpio := &pfr.NoopGPIOController{}
	mailbox := pfr.NewMemoryMailbox()
	plat := pfr.NewPlatform(fl, ufm, gpio, mailbox, pfr.RSAVerifier{})

	rootHash, err := pfr.Digest(pfr.HashSHA256, rootPriv.PublicKey.N.Bytes())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := plat.Prov.ProvisionRootKeyHash(rootHash); err != nil {
		return nil, nil, nil, err
	}

	for _, dev := range []pfr.FlashDeviceID{pfr.BMC, pfr.PCH} {
		if err := plat.Prov.ProvisionRegionOffset(dev, pfr.ActiveRegionKind, activeOffset); err != nil {
			return nil, nil, nil, err
		}
		if err := plat.Prov.ProvisionRegionOffset(dev, pfr.RecoveryRegionKind, recoveryOffset); err != nil {
			return nil, nil, nil, err
		}
		if err := plat.Prov.ProvisionRegionOffset(dev, pfr.StagingRegionKind, stagingOffset); err != nil {
			return nil, nil, nil, err
		}
		for _, offset := range []uint32{activeOffset, recoveryOffset} {
			if err := writeSignedImage(fl, dev, offset, cskPriv); err != nil {
				return nil, nil, nil, err
			}
		}
	}

	return plat, fl, gpio, nil
}

// writeKeyManifest lays out manifest slot 0 on the key partition,
// endorsing cskModulus under key id 3.
func writeKeyManifest(fl *pfr.MemoryFlash, root *rsa.PrivateKey, cskModulus []byte) error {
	const cskKeyID = 3

	rootModulus := root.PublicKey.N.Bytes()
	digestLen := uint32(32)
	keyListLen := uint32(pfr.MaxKeyID+1) * digestLen
	signLength := uint32(len(rootModulus))

	bodyLength := uint32(48) + 1 + keyListLen
	imageLength := bodyLength + signLength

	header := pfr.RecoveryHeader{
		HeaderLength: 48,
		Format:       pfr.FormatKEYM,
		MagicNumber:  pfr.KeyManagementHeaderMagic,
		ImageLength:  imageLength,
		SignLength:   signLength,
	}
	raw, err := pfr.EmitRecoveryHeader(header)
	if err != nil {
		return err
	}

	buf := fl.Raw(pfr.RotInternalKey)
	copy(buf, raw)
	buf[48] = byte(pfr.HashSHA256)

	cskHash, err := pfr.Digest(pfr.HashSHA256, cskModulus)
	if err != nil {
		return err
	}
	copy(buf[49+cskKeyID*digestLen:], cskHash)
	copy(buf[imageLength:], rootModulus)

	digest, err := pfr.Digest(pfr.HashSHA256, buf[:bodyLength])
	if err != nil {
		return err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, root, pfr.CryptoHash(pfr.HashSHA256), digest)
	if err != nil {
		return err
	}
	copy(buf[bodyLength:], sig)
	return nil
}

// writeSignedImage lays out a minimal PFM-bearing image at offset:
// header, platform id, embedded key id 3 + CSK modulus, a PFM body
// with SVN 1, and the trailing content signature.
func writeSignedImage(fl *pfr.MemoryFlash, dev pfr.FlashDeviceID, offset uint32, csk *rsa.PrivateKey) error {
	const platformID = "sim"

	format := pfr.FormatBMC
	if dev == pfr.PCH {
		format = pfr.FormatPCH
	}

	cskModulus := csk.PublicKey.N.Bytes()
	signLength := uint32(len(cskModulus))

	body := []byte{0 /* firmware-version element */, 5}
	body = append(body, []byte("1.0.0")...)
	body = append(body, 2 /* svn element */, 2, 0, 1)

	pidField := append([]byte{byte(len(platformID))}, []byte(platformID)...)
	cskKeyIDOffset := offset + 48 + uint32(len(pidField))
	contentStart := cskKeyIDOffset + 1 + signLength
	contentEnd := contentStart + uint32(len(body))

	header := pfr.RecoveryHeader{
		HeaderLength: 48,
		Format:       format,
		MagicNumber:  pfr.RecoveryHeaderMagic,
		ImageLength:  (contentEnd - offset) + signLength,
		SignLength:   signLength,
	}
	raw, err := pfr.EmitRecoveryHeader(header)
	if err != nil {
		return err
	}

	buf := fl.Raw(dev)
	copy(buf[offset:], raw)
	copy(buf[offset+48:], pidField)
	buf[cskKeyIDOffset] = 3
	copy(buf[cskKeyIDOffset+1:], cskModulus)
	copy(buf[contentStart:], body)

	digest, err := pfr.Digest(pfr.HashSHA256, buf[offset:contentEnd])
	if err != nil {
		return err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, csk, pfr.CryptoHash(pfr.HashSHA256), digest)
	if err != nil {
		return err
	}
	copy(buf[contentEnd:], sig)
	return nil
}

func (c *bootCommand) Execute(args []string) error {
	plat, fl, gpio, err := simulatedPlatform()
	log.PanicIf(err)

	if c.CorruptActive {
		// Flip a byte past the header so the parse succeeds but the
		// content signature check fails.
		fl.Raw(pfr.BMC)[0x100] ^= 0xFF
		fmt.Printf("corrupted BMC active image at 0x100\n")
	}

	err = plat.BootFlow()
	fmt.Printf("boot flow result: %v\n", err)
	fmt.Printf("state: %s\n", plat.PSM.State())
	fmt.Printf("bmc_ext_rst=%v pch_rst=%v mux=%s\n", gpio.BMCExtRstAsserted, gpio.PCHRstAsserted, gpio.Mux)
	fmt.Printf("key manifests loaded: %d\n", len(plat.KeyManifests()))

	lastErr, err := plat.PSM.LastError()
	log.PanicIf(err)
	if lastErr != "" {
		fmt.Printf("last error: %s\n", lastErr)
	}

	size, err := fl.DeviceSize(pfr.BMC)
	log.PanicIf(err)
	fmt.Printf("BMC device: %s\n", humanize.Bytes(uint64(size)))

	return nil
}

type rootParameters struct {
	Provision provisionCommand `command:"provision" description:"Provision a fresh simulated root-key hash and region layout"`
	Status    statusCommand    `command:"status" description:"Walk a fresh platform state machine through boot-hold and print its state"`
	Boot      bootCommand      `command:"boot" description:"Build a self-signed simulated platform and run the full T-1 boot flow"`
}

var rootArguments = new(rootParameters)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
