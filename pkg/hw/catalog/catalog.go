// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package catalog enumerates the register offsets, event selectors, and
// PCI device identities of Skylake-class Xeon Scalable integrated memory
// controllers. Nothing here reads or writes hardware; it is a closed set
// of named constants consumed by pkg/hw/pmon and pkg/telemetry/commands.
package catalog

// Register is a symbolic PCI-configuration-space register, carrying the
// byte offset it lives at. Offsets are relative to the start of a
// device's 4 KiB config space (so always < 0x1000).
type Register uint16

const (
	VendorID       Register = 0x000
	MemTrmlTempRep Register = 0x060

	PmonCntr0 Register = 0x0A0
	PmonCntr1 Register = 0x0A8
	PmonCntr2 Register = 0x0B0
	PmonCntr3 Register = 0x0B8
	PmonCntr4 Register = 0x0C0

	PmonCntrCfg0 Register = 0x0D8
	PmonCntrCfg1 Register = 0x0DC
	PmonCntrCfg2 Register = 0x0E0
	PmonCntrCfg3 Register = 0x0E4
	PmonCntrCfg4 Register = 0x0E8

	CorrErrCnt0 Register = 0x104
	CorrErrCnt1 Register = 0x108
	CorrErrCnt2 Register = 0x10C
	CorrErrCnt3 Register = 0x110

	CorrErrThrshld0 Register = 0x11C
	CorrErrThrshld1 Register = 0x120
	CorrErrThrshld2 Register = 0x124
	CorrErrThrshld3 Register = 0x128

	CorrErrorStatus Register = 0x134

	ScrubAddressLo  Register = 0x90C
	ScrubAddressHi  Register = 0x910
	ScrubCtl        Register = 0x914
	SMISpareCtl     Register = 0x924
	ScrubAddress2Lo Register = 0x950
	ScrubAddress2Hi Register = 0x954
	ScrubMask       Register = 0x96C

	UboxLnidOffset Register = 0x0C0
	UboxGidOffset  Register = 0x0D4
)

// ConfigSpaceSize is the upper bound of addressable PCI configuration
// space for a single function: offset + width must never exceed it.
const ConfigSpaceSize = 0x1000

// CorrErrCnt and CorrErrThrshld are the fixed-size register groups read
// together by the correctable-error command entry.
var (
	CorrErrCnt      = [4]Register{CorrErrCnt0, CorrErrCnt1, CorrErrCnt2, CorrErrCnt3}
	CorrErrThrshld  = [4]Register{CorrErrThrshld0, CorrErrThrshld1, CorrErrThrshld2, CorrErrThrshld3}
	PmonCntr        = [5]Register{PmonCntr0, PmonCntr1, PmonCntr2, PmonCntr3, PmonCntr4}
	PmonCntrCfg     = [5]Register{PmonCntrCfg0, PmonCntrCfg1, PmonCntrCfg2, PmonCntrCfg3, PmonCntrCfg4}
)

// EventSelector pairs a counter's umask with its event-select code, as
// programmed into a PmonCntrCfgN control register.
type EventSelector struct {
	Umask uint8
	EvSel uint8
}

var (
	CASCountRd = EventSelector{Umask: 0b00000011, EvSel: 0x04}
	CASCountWr = EventSelector{Umask: 0b00001100, EvSel: 0x04}

	ECCCorrectableErrors = EventSelector{Umask: 0, EvSel: 0x09}
)

// RdCasRank and WrCasRank are the per-rank read/write CAS event
// selectors, indexed 0..7.
var (
	RdCasRank [8]EventSelector
	WrCasRank [8]EventSelector
)

func init() {
	for rank := uint8(0); rank < 8; rank++ {
		RdCasRank[rank] = EventSelector{Umask: 0x10, EvSel: 0xB0 + rank}
		WrCasRank[rank] = EventSelector{Umask: 0x10, EvSel: 0xB8 + rank}
	}
}

// IMC channel device IDs, per §4.C1. The "1LMS" variant is the memory
// controller's scheduler function; "1LMDP" is its data-path function,
// used for correctable-error and thermal telemetry.
const (
	IMC0C0_1LMS DeviceID = 0x2042
	IMC0C1_1LMS DeviceID = 0x2046
	IMC0C2_1LMS DeviceID = 0x204A
	IMC1C0_1LMS DeviceID = 0x2042
	IMC1C1_1LMS DeviceID = 0x2046
	IMC1C2_1LMS DeviceID = 0x204A

	IMC0C0_1LMDP DeviceID = 0x2043
	IMC0C1_1LMDP DeviceID = 0x2047
	IMC0C2_1LMDP DeviceID = 0x204B
	IMC1C0_1LMDP DeviceID = 0x2043
	IMC1C1_1LMDP DeviceID = 0x2047
	IMC1C2_1LMDP DeviceID = 0x204B

	UboxDeviceID DeviceID = 0x2014
)

const IntelVendorID = 0x8086

// DeviceID is a 16-bit PCI device identifier.
type DeviceID uint16

// IMCChannels1LMS is the full set of six memory-controller scheduler
// functions scanned by read_bw.
var IMCChannels1LMS = []DeviceID{
	IMC0C0_1LMS, IMC0C1_1LMS, IMC0C2_1LMS,
	IMC1C0_1LMS, IMC1C1_1LMS, IMC1C2_1LMS,
}

// SkylakeXeonScalable is the CPU family/model pair this collector
// targets. Nothing checks or logs the host against it at runtime.
const (
	SkylakeXeonScalableFamily = 0x06
	SkylakeXeonScalableModel  = 0x55
)
