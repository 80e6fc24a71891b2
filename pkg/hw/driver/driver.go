// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package driver defines the transport-independent contract that the
// kernel, VSI, and emulated backends implement: register-level access
// to IMC PCI configuration space and MSRs, plus device discovery and
// CPU identification.
package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/antimetal/imcmon/pkg/errors"
	"github.com/antimetal/imcmon/pkg/hw/catalog"
)

// AccessWidth is the byte width of a register access. COUNTER is a
// synthetic width: 4 bytes at the base offset (low half) plus 2 bytes
// at offset+4 (high half), composed into a single 48-bit value. All
// three backends must use this composition uniformly.
type AccessWidth int

const (
	Byte    AccessWidth = 1
	Word    AccessWidth = 2
	Dword   AccessWidth = 4
	Counter AccessWidth = 6
)

// PCIAddress identifies a PCI function by segment/bus/device/function.
type PCIAddress struct {
	Seg  uint16
	Bus  uint8
	Dev  uint8
	Func uint8
}

// String renders the canonical "SSSS:BB:DD.F" form used for sysfs
// paths, dump-file tokens, and log fields.
func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Seg, a.Bus, a.Dev, a.Func)
}

// ParsePCIAddress parses a "SSSS:BB:DD.F" path into its 4-tuple. Hex
// components are accepted with or without leading zeros, so
// ParsePCIAddress(a.String()) round-trips for every valid address.
func ParsePCIAddress(s string) (PCIAddress, bool) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '.' })
	if len(parts) != 4 {
		return PCIAddress{}, false
	}
	seg, err1 := strconv.ParseUint(parts[0], 16, 16)
	bus, err2 := strconv.ParseUint(parts[1], 16, 8)
	dev, err3 := strconv.ParseUint(parts[2], 16, 8)
	fn, err4 := strconv.ParseUint(parts[3], 16, 8)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return PCIAddress{}, false
	}
	return PCIAddress{Seg: uint16(seg), Bus: uint8(bus), Dev: uint8(dev), Func: uint8(fn)}, true
}

// CheckBounds rejects an access whose offset plus width would run past
// the end of the 4 KiB config space. Backends call it before touching
// their transport so the OutOfRange kind is uniform across them.
func CheckBounds(op string, node PCIAddress, addr catalog.Register, width AccessWidth) error {
	if int(addr)+int(width) > catalog.ConfigSpaceSize {
		return errors.NewOutOfRange(op, node.String(), uint16(addr), nil)
	}
	return nil
}

// DeviceDescriptor is a discovered PCI function, as returned by Scan.
type DeviceDescriptor struct {
	Addr      PCIAddress
	VendorID  catalog.DeviceID
	DeviceID  catalog.DeviceID
	// RawHeader is a snapshot of the first 64 bytes of config space
	// captured at scan time. Supplements the distilled data model
	// (§5 of SPEC_FULL.md); populated best-effort by the kernel and
	// emulated backends, all zero if the backend could not read it
	// during Scan. The VSI backend always leaves it zero.
	RawHeader [64]byte
}

// CPUInfo identifies the processor the telemetry is being collected
// from. VendorID follows catalog's PCI vendor ID space, not the CPUID
// vendor string, so Intel systems report catalog.IntelVendorID.
type CPUInfo struct {
	VendorID catalog.DeviceID
	Family   uint8
	Model    uint8
}

// Driver is the register-access contract every backend (kernel, VSI,
// emulated) implements. All methods are safe for concurrent use by
// multiple command-entry procedures.
type Driver interface {
	// Get reads width bytes at addr from the device identified by
	// node, returning the composed value as described by AccessWidth.
	Get(ctx context.Context, node PCIAddress, addr catalog.Register, width AccessWidth) (uint64, error)

	// Set writes value to addr on node. Only DWORD writes are
	// required by any command-entry procedure; backends may reject
	// other widths.
	Set(ctx context.Context, node PCIAddress, addr catalog.Register, width AccessWidth, value uint64) error

	// ReadMSR reads an 8-byte model-specific register on the given
	// logical CPU.
	ReadMSR(ctx context.Context, cpu int, addr uint32) (uint64, error)

	// WriteMSR writes an 8-byte model-specific register on the given
	// logical CPU.
	WriteMSR(ctx context.Context, cpu int, addr uint32, value uint64) error

	// Scan enumerates PCI functions, optionally filtered by vendor
	// and/or device ID (empty slices mean "no filter").
	Scan(ctx context.Context, vendorIDs, deviceIDs []catalog.DeviceID) ([]DeviceDescriptor, error)

	// CPUInfo returns the host's processor identity.
	CPUInfo(ctx context.Context) (CPUInfo, error)
}
