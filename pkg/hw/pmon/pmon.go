// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pmon is the register-access facade command-entry procedures
// use: given a driver.Driver, it exposes per-unit, per-register handles
// with typed Get/Set/SetEvent operations instead of threading raw
// (node, register, width) tuples through every call site.
package pmon

import (
	"context"

	"github.com/antimetal/imcmon/pkg/hw/catalog"
	"github.com/antimetal/imcmon/pkg/hw/driver"
)

// Accessor binds a driver.Driver to produce Unit handles. It carries
// no state of its own beyond the driver, so it is safe to share.
type Accessor struct {
	Driver driver.Driver
}

// New constructs an Accessor over d.
func New(d driver.Driver) Accessor {
	return Accessor{Driver: d}
}

// Unit returns a handle scoped to one PCI function.
func (a Accessor) Unit(node driver.PCIAddress) Unit {
	return Unit{driver: a.Driver, node: node}
}

func (a Accessor) ReadMSR(ctx context.Context, cpu int, addr uint32) (uint64, error) {
	return a.Driver.ReadMSR(ctx, cpu, addr)
}

func (a Accessor) WriteMSR(ctx context.Context, cpu int, addr uint32, value uint64) error {
	return a.Driver.WriteMSR(ctx, cpu, addr, value)
}

func (a Accessor) Scan(ctx context.Context, vendorIDs, deviceIDs []catalog.DeviceID) ([]driver.DeviceDescriptor, error) {
	return a.Driver.Scan(ctx, vendorIDs, deviceIDs)
}

func (a Accessor) CPUInfo(ctx context.Context) (driver.CPUInfo, error) {
	return a.Driver.CPUInfo(ctx)
}

// Unit is a single PCI function, scoped to produce Register handles.
type Unit struct {
	driver driver.Driver
	node   driver.PCIAddress
}

// Node returns the PCI address this unit is bound to.
func (u Unit) Node() driver.PCIAddress { return u.node }

// Reg returns a handle for one register on this unit.
func (u Unit) Reg(register catalog.Register) Register {
	return Register{driver: u.driver, node: u.node, register: register}
}

// Register is a single addressable register on a single PCI function.
type Register struct {
	driver   driver.Driver
	node     driver.PCIAddress
	register catalog.Register
}

// Get reads the register at the given width.
func (r Register) Get(ctx context.Context, width driver.AccessWidth) (uint64, error) {
	return r.driver.Get(ctx, r.node, r.register, width)
}

// Set writes value to the register using DWORD width, the only width
// any command-entry procedure writes.
func (r Register) Set(ctx context.Context, value uint64) error {
	return r.driver.Set(ctx, r.node, r.register, driver.Dword, value)
}

// controlWord packs a PMON counter control register per Table 1-6
// (Baseline *_PMON_CTLx Register – Field Definitions):
//
//	[31:24] thresh   always 0
//	[23]    invert   always 0
//	[22]    en       1 if enabled
//	[21]    rsv      0
//	[20]    ov_en    0
//	[19]    rsv      0
//	[18]    edge_det 0
//	[17]    rst      1 if reset
//	[16]    rsv      0
//	[15:8]  umask
//	[7:0]   ev_sel
func controlWord(sel catalog.EventSelector, enable, reset bool) uint32 {
	var word uint32
	if enable {
		word |= 1 << 22
	}
	if reset {
		word |= 1 << 17
	}
	word |= uint32(sel.Umask) << 8
	word |= uint32(sel.EvSel)
	return word
}

// SetEvent programs this register as a PMON control register for sel,
// setting the enable bit from enable and the counter-reset bit from
// reset.
func (r Register) SetEvent(ctx context.Context, sel catalog.EventSelector, enable, reset bool) error {
	return r.Set(ctx, uint64(controlWord(sel, enable, reset)))
}
