// Package pfr implements the core of a Cerberus-profile platform
// firmware resiliency (PFR) root-of-trust: signed-image authentication,
// manifest-driven active/recovery/staging flash layout, key
// cancellation, SVN anti-rollback, and the boot/recovery/update state
// machine. GPIO/SPI drivers, the SMBus mailbox wire protocol, and the
// RSA/SHA primitives are narrow external seams (see gpio.go, mailbox.go,
// crypto.go); everything else is implemented and tested here.
package pfr
