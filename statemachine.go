// The platform state machine (PSM) sequences boot hold, pre-release
// verification, recovery, runtime, update staging, and the two
// terminal states decommission and lockdown. Every
// transition is journaled to UpdateStatusUFM as its last step, after
// any GPIO lines it drives have moved, so a power loss resumes at the
// last committed step instead of silently re-running or skipping a
// step.

package pfr

// PSMState is one node of the boot/recovery/update state machine.
type PSMState uint32

const (
	StateInit PSMState = iota
	StateBootHold
	StateTMinus1Verify
	StateRelease
	StateFirmwareRecovery
	StateRuntime
	StateUpdateStaged
	StateRecoveryInProgress
	StateDecommission
	StateLockdown
)

func (s PSMState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateBootHold:
		return "BOOT_HOLD"
	case StateTMinus1Verify:
		return "T_MINUS_1_VERIFY"
	case StateRelease:
		return "RELEASE"
	case StateFirmwareRecovery:
		return "FIRMWARE_RECOVERY"
	case StateRuntime:
		return "RUNTIME"
	case StateUpdateStaged:
		return "UPDATE_STAGED"
	case StateRecoveryInProgress:
		return "RECOVERY_IN_PROGRESS"
	case StateDecommission:
		return "DECOMMISSION"
	case StateLockdown:
		return "LOCKDOWN"
	default:
		return "UNKNOWN_STATE"
	}
}

const (
	journalStateOffset     = 0
	journalDomainOffset    = 4
	journalHasErrOffset    = 8
	journalKindOffset      = 12
	journalStageOffset     = 16
	journalStageLength     = 16
	journalSelectorsOffset = 32
)

// RegionSelectors records which half of each domain's flash currently
// plays the active role and which the recovery role. The pair for a
// domain is swapped atomically (one journal commit) when an update
// promotes staging into active.
type RegionSelectors struct {
	BmcActive   uint8
	BmcRecovery uint8
	PchActive   uint8
	PchRecovery uint8
}

func (s RegionSelectors) packed() uint32 {
	return uint32(s.BmcActive) | uint32(s.BmcRecovery)<<8 | uint32(s.PchActive)<<16 | uint32(s.PchRecovery)<<24
}

func selectorsFromPacked(v uint32) RegionSelectors {
	return RegionSelectors{
		BmcActive:   uint8(v),
		BmcRecovery: uint8(v >> 8),
		PchActive:   uint8(v >> 16),
		PchRecovery: uint8(v >> 24),
	}
}

func (s *RegionSelectors) swap(dev FlashDeviceID) {
	switch dev {
	case BMC:
		s.BmcActive, s.BmcRecovery = s.BmcRecovery, s.BmcActive
	case PCH:
		s.PchActive, s.PchRecovery = s.PchRecovery, s.PchActive
	}
}

// JournalRecord is the decoded contents of the UpdateStatusUFM
// resumability record.
type JournalRecord struct {
	State     PSMState
	Domain    FlashDeviceID
	HasError  bool
	Kind      AuthFailureKind
	Stage     string
	Selectors RegionSelectors
}

// PSM drives the platform through the boot/recovery/update lifecycle.
// GPIO and mailbox are narrow seams (see gpio.go, mailbox.go); every
// other decision is made here.
type PSM struct {
	ufm       *UFMStore
	gpio      GPIOController
	state     PSMState
	selectors RegionSelectors

	// firstBoot gates the BMC SRST line, which is only cycled on the
	// very first boot-hold after power-on.
	firstBoot bool
}

// NewPSM returns a state machine parked at INIT, with region 0 active
// and region 1 recovery for both domains.
func NewPSM(ufm *UFMStore, gpio GPIOController) *PSM {
	return &PSM{
		ufm:       ufm,
		gpio:      gpio,
		state:     StateInit,
		selectors: RegionSelectors{BmcRecovery: 1, PchRecovery: 1},
		firstBoot: true,
	}
}

// State returns the current node.
func (m *PSM) State() PSMState {
	return m.state
}

// Selectors returns the current active/recovery role assignment.
func (m *PSM) Selectors() RegionSelectors {
	return m.selectors
}

// BeginBootAttempt resets the journal and moves to BOOT_HOLD, holding
// both platforms in reset while the root of trust verifies them.
func (m *PSM) BeginBootAttempt() error {
	if err := m.ufm.ErasePage(UpdateStatusUFM); err != nil {
		return err
	}
	if err := m.gpio.BMCExtRst(true); err != nil {
		return err
	}
	if err := m.gpio.BMCSRst(true, m.firstBoot); err != nil {
		return err
	}
	if err := m.gpio.PCHRst(true); err != nil {
		return err
	}
	if err := m.gpio.SPIMux(BMC, MuxOwnerRootOfTrust); err != nil {
		return err
	}
	if err := m.gpio.SPIMux(PCH, MuxOwnerRootOfTrust); err != nil {
		return err
	}
	return m.commit(StateBootHold, JournalRecord{State: StateBootHold})
}

// BeginVerification moves to T_MINUS_1_VERIFY: the point at which AE
// runs VerifyImage against each domain's active region before release.
func (m *PSM) BeginVerification() error {
	if m.state != StateBootHold && m.state != StateRecoveryInProgress {
		return newFormatError("BeginVerification called from %s", m.state)
	}
	return m.commit(StateTMinus1Verify, JournalRecord{State: StateTMinus1Verify})
}

// VerificationSucceeded deasserts both platform resets, handing control
// to firmware, and moves through RELEASE to RUNTIME.
func (m *PSM) VerificationSucceeded() error {
	if m.state != StateTMinus1Verify {
		return newFormatError("VerificationSucceeded called from %s", m.state)
	}
	if err := m.gpio.SPIMux(BMC, MuxOwnerHost); err != nil {
		return err
	}
	if err := m.gpio.SPIMux(PCH, MuxOwnerHost); err != nil {
		return err
	}
	if err := m.gpio.BMCExtRst(false); err != nil {
		return err
	}
	if err := m.gpio.BMCSRst(false, m.firstBoot); err != nil {
		return err
	}
	if err := m.gpio.PCHRst(false); err != nil {
		return err
	}
	m.firstBoot = false
	if err := m.commit(StateRelease, JournalRecord{State: StateRelease}); err != nil {
		return err
	}
	return m.commit(StateRuntime, JournalRecord{State: StateRuntime})
}

// VerificationFailed moves to FIRMWARE_RECOVERY and journals the
// cause, keeping both platforms held in reset.
func (m *PSM) VerificationFailed(dev FlashDeviceID, authErr *AuthFailure) error {
	if m.state != StateTMinus1Verify {
		return newFormatError("VerificationFailed called from %s", m.state)
	}
	return m.commit(StateFirmwareRecovery, JournalRecord{
		State: StateFirmwareRecovery, Domain: dev, HasError: true, Kind: authErr.Kind, Stage: authErr.Stage,
	})
}

// BeginRecovery moves to RECOVERY_IN_PROGRESS, the window during which
// RecoverActiveRegion is rebuilding active from recovery. It is
// reachable both from FIRMWARE_RECOVERY (a failed T-1 verify) and from
// RUNTIME (a host-requested recovery over the mailbox).
func (m *PSM) BeginRecovery(dev FlashDeviceID) error {
	if m.state != StateFirmwareRecovery && m.state != StateRuntime {
		return newFormatError("BeginRecovery called from %s", m.state)
	}
	return m.commit(StateRecoveryInProgress, JournalRecord{State: StateRecoveryInProgress, Domain: dev})
}

// RecoveryFailed escalates to LOCKDOWN: a region that fails to
// reconstruct from its own recovery copy cannot be trusted to retry.
func (m *PSM) RecoveryFailed(dev FlashDeviceID, authErr *AuthFailure) error {
	if m.state != StateRecoveryInProgress {
		return newFormatError("RecoveryFailed called from %s", m.state)
	}
	kind := SignatureInvalid
	stage := "recovery"
	if authErr != nil {
		kind = authErr.Kind
		stage = authErr.Stage
	}
	return m.commit(StateLockdown, JournalRecord{State: StateLockdown, Domain: dev, HasError: true, Kind: kind, Stage: stage})
}

// UpdateStaged moves from RUNTIME to UPDATE_STAGED when a staged image
// has passed authentication and is ready to be promoted to active.
func (m *PSM) UpdateStaged(dev FlashDeviceID) error {
	if m.state != StateRuntime {
		return newFormatError("UpdateStaged called from %s", m.state)
	}
	return m.commit(StateUpdateStaged, JournalRecord{State: StateUpdateStaged, Domain: dev})
}

// UpdateApplied returns to RUNTIME once StageToActive has completed,
// swapping dev's active/recovery selector in the same journal commit
// so the role change and the state change land atomically.
func (m *PSM) UpdateApplied(dev FlashDeviceID) error {
	if m.state != StateUpdateStaged {
		return newFormatError("UpdateApplied called from %s", m.state)
	}
	m.selectors.swap(dev)
	if err := m.commit(StateRuntime, JournalRecord{State: StateRuntime, Domain: dev}); err != nil {
		m.selectors.swap(dev)
		return err
	}
	return nil
}

// RequestDecommission moves to the terminal DECOMMISSION state, from
// which the only way out is a manufacture-time reprovision.
func (m *PSM) RequestDecommission() error {
	return m.commit(StateDecommission, JournalRecord{State: StateDecommission})
}

// RequestLockdown moves to the terminal LOCKDOWN state and holds both
// platforms in reset indefinitely.
func (m *PSM) RequestLockdown(dev FlashDeviceID, stage string) error {
	if err := m.gpio.BMCExtRst(true); err != nil {
		return err
	}
	if err := m.gpio.PCHRst(true); err != nil {
		return err
	}
	return m.commit(StateLockdown, JournalRecord{State: StateLockdown, Domain: dev, HasError: true, Stage: stage})
}

// LastError formats the most recently journaled failure as
// "<Stage>/<Domain>/<Kind>", or "" if the journal carries no error.
func (m *PSM) LastError() (string, error) {
	rec, err := m.readJournal()
	if err != nil {
		return "", err
	}
	if !rec.HasError {
		return "", nil
	}
	return rec.Stage + "/" + rec.Domain.String() + "/" + rec.Kind.String(), nil
}

func (m *PSM) commit(next PSMState, rec JournalRecord) error {
	rec.State = next
	rec.Selectors = m.selectors
	if err := m.writeJournal(rec); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *PSM) writeJournal(rec JournalRecord) error {
	if err := m.ufm.ErasePage(UpdateStatusUFM); err != nil {
		return err
	}
	if err := m.ufm.WriteWord(UpdateStatusUFM, journalStateOffset, uint32(rec.State)); err != nil {
		return err
	}
	if err := m.ufm.WriteWord(UpdateStatusUFM, journalDomainOffset, uint32(rec.Domain)); err != nil {
		return err
	}
	hasErr := uint32(0)
	if rec.HasError {
		hasErr = 1
	}
	if err := m.ufm.WriteWord(UpdateStatusUFM, journalHasErrOffset, hasErr); err != nil {
		return err
	}
	if err := m.ufm.WriteWord(UpdateStatusUFM, journalKindOffset, uint32(rec.Kind)); err != nil {
		return err
	}
	stage := make([]byte, journalStageLength)
	copy(stage, rec.Stage)
	if err := m.ufm.Write(UpdateStatusUFM, journalStageOffset, stage); err != nil {
		return err
	}
	return m.ufm.WriteWord(UpdateStatusUFM, journalSelectorsOffset, rec.Selectors.packed())
}

func (m *PSM) readJournal() (JournalRecord, error) {
	state, err := m.ufm.ReadWord(UpdateStatusUFM, journalStateOffset)
	if err != nil {
		return JournalRecord{}, err
	}
	domain, err := m.ufm.ReadWord(UpdateStatusUFM, journalDomainOffset)
	if err != nil {
		return JournalRecord{}, err
	}
	hasErr, err := m.ufm.ReadWord(UpdateStatusUFM, journalHasErrOffset)
	if err != nil {
		return JournalRecord{}, err
	}
	kind, err := m.ufm.ReadWord(UpdateStatusUFM, journalKindOffset)
	if err != nil {
		return JournalRecord{}, err
	}
	stageRaw, err := m.ufm.Read(UpdateStatusUFM, journalStageOffset, journalStageLength)
	if err != nil {
		return JournalRecord{}, err
	}
	selectors, err := m.ufm.ReadWord(UpdateStatusUFM, journalSelectorsOffset)
	if err != nil {
		return JournalRecord{}, err
	}

	return JournalRecord{
		State:     PSMState(state),
		Domain:    FlashDeviceID(domain),
		HasError:  hasErr != 0,
		Kind:      AuthFailureKind(kind),
		Stage:     asciiFromBytes(stageRaw),
		Selectors: selectorsFromPacked(selectors),
	}, nil
}

// ResumeFromJournal reconstructs in-memory state from the UFM journal
// after a power loss, without re-running GPIO transitions.
func (m *PSM) ResumeFromJournal() (PSMState, error) {
	rec, err := m.readJournal()
	if err != nil {
		return StateInit, err
	}
	m.state = rec.State
	m.selectors = rec.Selectors
	return rec.State, nil
}
