package pfr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPSMHappyBootPath(t *testing.T) {
	gpio := &NoopGPIOController{}
	psm := NewPSM(NewUFMStore(), gpio)

	require.NoError(t, psm.BeginBootAttempt())
	require.Equal(t, StateBootHold, psm.State())
	require.True(t, gpio.BMCExtRstAsserted)
	require.True(t, gpio.PCHRstAsserted)
	require.Equal(t, MuxOwnerRootOfTrust, gpio.Mux)

	require.NoError(t, psm.BeginVerification())
	require.Equal(t, StateTMinus1Verify, psm.State())

	require.NoError(t, psm.VerificationSucceeded())
	require.Equal(t, StateRuntime, psm.State())
	require.False(t, gpio.BMCExtRstAsserted)
	require.False(t, gpio.PCHRstAsserted)
	require.Equal(t, MuxOwnerHost, gpio.Mux)

	lastErr, err := psm.LastError()
	require.NoError(t, err)
	require.Equal(t, "", lastErr)
}

func TestPSMRecoveryPath(t *testing.T) {
	gpio := &NoopGPIOController{}
	psm := NewPSM(NewUFMStore(), gpio)

	require.NoError(t, psm.BeginBootAttempt())
	require.NoError(t, psm.BeginVerification())

	authErr := newAuthFailure("root-key", RootKeyMismatch)
	require.NoError(t, psm.VerificationFailed(BMC, authErr))
	require.Equal(t, StateFirmwareRecovery, psm.State())

	lastErr, err := psm.LastError()
	require.NoError(t, err)
	require.Equal(t, "root-key/BMC/RootKeyMismatch", lastErr)

	require.NoError(t, psm.BeginRecovery(BMC))
	require.Equal(t, StateRecoveryInProgress, psm.State())

	require.NoError(t, psm.BeginVerification())
	require.Equal(t, StateTMinus1Verify, psm.State())
	require.NoError(t, psm.VerificationSucceeded())
	require.Equal(t, StateRuntime, psm.State())
}

func TestPSMRecoveryFailureEscalatesToLockdown(t *testing.T) {
	gpio := &NoopGPIOController{}
	psm := NewPSM(NewUFMStore(), gpio)

	require.NoError(t, psm.BeginBootAttempt())
	require.NoError(t, psm.BeginVerification())
	require.NoError(t, psm.VerificationFailed(PCH, newAuthFailure("content", SignatureInvalid)))
	require.NoError(t, psm.BeginRecovery(PCH))

	require.NoError(t, psm.RecoveryFailed(PCH, newAuthFailure("content", SignatureInvalid)))
	require.Equal(t, StateLockdown, psm.State())
}

func TestPSMUpdateStagedRoundTrip(t *testing.T) {
	gpio := &NoopGPIOController{}
	psm := NewPSM(NewUFMStore(), gpio)

	require.NoError(t, psm.BeginBootAttempt())
	require.NoError(t, psm.BeginVerification())
	require.NoError(t, psm.VerificationSucceeded())
	require.Equal(t, StateRuntime, psm.State())

	require.NoError(t, psm.UpdateStaged(BMC))
	require.Equal(t, StateUpdateStaged, psm.State())

	require.NoError(t, psm.UpdateApplied(BMC))
	require.Equal(t, StateRuntime, psm.State())

	// The promote swapped BMC's active/recovery roles; PCH's are
	// untouched.
	sel := psm.Selectors()
	require.Equal(t, uint8(1), sel.BmcActive)
	require.Equal(t, uint8(0), sel.BmcRecovery)
	require.Equal(t, uint8(0), sel.PchActive)
	require.Equal(t, uint8(1), sel.PchRecovery)
}

func TestPSMSelectorSwapSurvivesPowerLoss(t *testing.T) {
	gpio := &NoopGPIOController{}
	ufm := NewUFMStore()
	psm := NewPSM(ufm, gpio)

	require.NoError(t, psm.BeginBootAttempt())
	require.NoError(t, psm.BeginVerification())
	require.NoError(t, psm.VerificationSucceeded())
	require.NoError(t, psm.UpdateStaged(PCH))
	require.NoError(t, psm.UpdateApplied(PCH))

	resumed := NewPSM(ufm, gpio)
	state, err := resumed.ResumeFromJournal()
	require.NoError(t, err)
	require.Equal(t, StateRuntime, state)

	sel := resumed.Selectors()
	require.Equal(t, uint8(1), sel.PchActive)
	require.Equal(t, uint8(0), sel.PchRecovery)
	require.Equal(t, uint8(0), sel.BmcActive)
}

func TestPSMResumeFromJournalAfterPowerLoss(t *testing.T) {
	gpio := &NoopGPIOController{}
	ufm := NewUFMStore()
	psm := NewPSM(ufm, gpio)

	require.NoError(t, psm.BeginBootAttempt())
	require.NoError(t, psm.BeginVerification())
	require.NoError(t, psm.VerificationFailed(BMC, newAuthFailure("root-key", RootKeyMismatch)))

	resumed := NewPSM(ufm, gpio)
	state, err := resumed.ResumeFromJournal()
	require.NoError(t, err)
	require.Equal(t, StateFirmwareRecovery, state)

	lastErr, err := resumed.LastError()
	require.NoError(t, err)
	require.Equal(t, "root-key/BMC/RootKeyMismatch", lastErr)
}

func TestPSMInvalidTransitionRejected(t *testing.T) {
	gpio := &NoopGPIOController{}
	psm := NewPSM(NewUFMStore(), gpio)

	err := psm.VerificationSucceeded()
	require.Error(t, err)
}
