// The mailbox is the SMBus-visible status/command surface the BMC and
// PCH use to observe and drive the root of trust: CpldStatus is what
// a host reads back, MailboxCommand is what it can request. restruct
// packs the status record the same little-endian way container.go
// packs recovery headers.

package pfr

import (
	"sync"

	log "github.com/dsoprea/go-logging"

	"github.com/go-restruct/restruct"
)

// UpdateRegionStatus reports which region a domain most recently
// booted from.
type UpdateRegionStatus struct {
	ActiveRegion   uint8
	RecoveryRegion uint8
}

// CpldStatus is the fixed-layout record the root of trust publishes
// to the mailbox for the BMC and PCH to poll. It carries one region
// selector per domain, the root of trust's own (CPLD) included.
type CpldStatus struct {
	CpldStatus       uint8
	BmcStatus        uint8
	PchStatus        uint8
	CPLDUpdateRegion UpdateRegionStatus
	BMCUpdateRegion  UpdateRegionStatus
	PCHUpdateRegion  UpdateRegionStatus
	DecommissionFlag uint8
	CpldRecovery     uint8
	BmcToPchStatus   uint8
	AttestationFlag  uint8
	Reserved         [3]uint8
}

// EmitCpldStatus serializes a CpldStatus record to its wire form.
func EmitCpldStatus(s CpldStatus) (out []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()
	out, err = restruct.Pack(defaultEncoding, &s)
	log.PanicIf(err)
	return out, nil
}

// ParseCpldStatus decodes a CpldStatus record from its wire form.
func ParseCpldStatus(raw []byte) (s CpldStatus, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()
	err = restruct.Unpack(raw, defaultEncoding, &s)
	log.PanicIf(err)
	return s, nil
}

// MailboxCommand is a request a host can post to the root of trust
// over the mailbox.
type MailboxCommand uint8

const (
	CommandNone MailboxCommand = iota
	CommandRecoverBMC
	CommandRecoverPCH
	CommandStageUpdate
	CommandDecommission
)

func (c MailboxCommand) String() string {
	switch c {
	case CommandNone:
		return "NONE"
	case CommandRecoverBMC:
		return "RECOVER_BMC"
	case CommandRecoverPCH:
		return "RECOVER_PCH"
	case CommandStageUpdate:
		return "STAGE_UPDATE"
	case CommandDecommission:
		return "DECOMMISSION"
	default:
		return "UNKNOWN_COMMAND"
	}
}

// MailboxTransport is the SMBus-backed status/command channel. A real
// implementation serves CpldStatus reads from an SMBus slave callback
// and drains host-posted commands from the same register file.
type MailboxTransport interface {
	PublishStatus(status CpldStatus) error
	PollCommand() (MailboxCommand, error)
}

// MemoryMailbox is an in-process MailboxTransport for the CLI
// simulator and tests: PublishStatus keeps only the latest status, and
// PollCommand drains a FIFO of commands a test can feed with Post.
type MemoryMailbox struct {
	mu       sync.Mutex
	status   CpldStatus
	commands []MailboxCommand
}

// NewMemoryMailbox returns an empty mailbox with no pending commands.
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{}
}

func (m *MemoryMailbox) PublishStatus(status CpldStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	return nil
}

// Status returns the most recently published status, for test
// assertions.
func (m *MemoryMailbox) Status() CpldStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MemoryMailbox) PollCommand() (MailboxCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.commands) == 0 {
		return CommandNone, nil
	}
	cmd := m.commands[0]
	m.commands = m.commands[1:]
	return cmd, nil
}

// Post enqueues cmd for a future PollCommand to return, simulating a
// host writing a command register.
func (m *MemoryMailbox) Post(cmd MailboxCommand) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
}
