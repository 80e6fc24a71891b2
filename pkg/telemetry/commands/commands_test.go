// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package commands_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/imcmon/pkg/errors"
	"github.com/antimetal/imcmon/pkg/hw/catalog"
	"github.com/antimetal/imcmon/pkg/hw/driver"
	"github.com/antimetal/imcmon/pkg/hw/hwmon"
	"github.com/antimetal/imcmon/pkg/hw/pmon"
	"github.com/antimetal/imcmon/pkg/telemetry"
	"github.com/antimetal/imcmon/pkg/telemetry/commands"
)

// fakeDriver answers Get with a fixed value per register (ignoring
// node) and Scan with a canned device list, regardless of filters.
type fakeDriver struct {
	regs      map[catalog.Register]uint64
	devices   []driver.DeviceDescriptor
	getErr    map[catalog.Register]bool
	scanCalls int
}

func (f *fakeDriver) Get(ctx context.Context, node driver.PCIAddress, addr catalog.Register, width driver.AccessWidth) (uint64, error) {
	if f.getErr[addr] {
		return 0, errors.New("register read failed")
	}
	return f.regs[addr], nil
}
func (f *fakeDriver) Set(ctx context.Context, node driver.PCIAddress, addr catalog.Register, width driver.AccessWidth, value uint64) error {
	return nil
}
func (f *fakeDriver) ReadMSR(ctx context.Context, cpu int, addr uint32) (uint64, error) { return 0, nil }
func (f *fakeDriver) WriteMSR(ctx context.Context, cpu int, addr uint32, value uint64) error {
	return nil
}
func (f *fakeDriver) Scan(ctx context.Context, vendorIDs, deviceIDs []catalog.DeviceID) ([]driver.DeviceDescriptor, error) {
	f.scanCalls++
	return f.devices, nil
}
func (f *fakeDriver) CPUInfo(ctx context.Context) (driver.CPUInfo, error) { return driver.CPUInfo{}, nil }

// fakeSink records every batch of records it is given.
type fakeSink struct {
	batches [][]telemetry.MetricRecord
}

func (s *fakeSink) Write(records []telemetry.MetricRecord) error {
	s.batches = append(s.batches, records)
	return nil
}

func TestReadScrubAddress(t *testing.T) {
	fd := &fakeDriver{regs: map[catalog.Register]uint64{
		catalog.ScrubAddressLo: 0x1000,
		catalog.ScrubAddressHi: 0x2,
	}}
	sink := &fakeSink{}
	p := commands.Procedures{Accessor: pmon.New(fd), Log: testr.New(t)}

	require.NoError(t, p.ReadScrubAddress(context.Background(), []string{"0000:3a:0a.0"}, sink))
	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0], 1)
	vals, ok := sink.batches[0][0].Value.(telemetry.ScrubAddressValues)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), vals.ScrubAddressLo)
	assert.Equal(t, uint64(0x2), vals.ScrubAddressHi)
}

func TestReadScrubAddressMissingArgIsBadArguments(t *testing.T) {
	p := commands.Procedures{Accessor: pmon.New(&fakeDriver{}), Log: testr.New(t)}
	err := p.ReadScrubAddress(context.Background(), nil, &fakeSink{})
	assert.True(t, errors.Of(err, errors.KindBadArguments))
}

func TestReadScrubAddressCancelledContext(t *testing.T) {
	p := commands.Procedures{Accessor: pmon.New(&fakeDriver{}), Log: testr.New(t)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.ReadScrubAddress(ctx, []string{"0000:3a:0a.0"}, &fakeSink{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadCorrErrCnt(t *testing.T) {
	node := driver.PCIAddress{Bus: 0x3a, Dev: 0x0a, Func: 0}
	fd := &fakeDriver{
		regs: map[catalog.Register]uint64{
			catalog.CorrErrCnt0: 1, catalog.CorrErrCnt1: 2, catalog.CorrErrCnt2: 3, catalog.CorrErrCnt3: 4,
			catalog.CorrErrThrshld0: 10, catalog.CorrErrThrshld1: 20, catalog.CorrErrThrshld2: 30, catalog.CorrErrThrshld3: 40,
			catalog.CorrErrorStatus: 1,
		},
		devices: []driver.DeviceDescriptor{{Addr: node, DeviceID: 0x6fb2}},
	}
	sink := &fakeSink{}
	p := commands.Procedures{Accessor: pmon.New(fd), Log: testr.New(t)}

	require.NoError(t, p.ReadCorrErrCnt(context.Background(), []string{"0x6fb2"}, sink))
	require.Len(t, sink.batches[0], 1)
	vals := sink.batches[0][0].Value.(telemetry.CorrErrCntValues)
	assert.Equal(t, [4]uint64{1, 2, 3, 4}, vals.CorrErrCnt)
	assert.Equal(t, [4]uint64{10, 20, 30, 40}, vals.CorrErrThrshld)
	assert.Equal(t, uint64(1), vals.CorrErrorStatus)
}

func TestReadCorrErrCntBadDeviceID(t *testing.T) {
	p := commands.Procedures{Accessor: pmon.New(&fakeDriver{}), Log: testr.New(t)}
	err := p.ReadCorrErrCnt(context.Background(), []string{"not-hex"}, &fakeSink{})
	assert.True(t, errors.Of(err, errors.KindBadArguments))
}

func TestReadDimmTempExtractsFourChannels(t *testing.T) {
	node := driver.PCIAddress{Bus: 0x3a}
	// channel0=0x1e (30C), channel1=0x1f, channel2=0x20, channel3=0x21
	packed := uint64(0x1e) | uint64(0x1f)<<8 | uint64(0x20)<<16 | uint64(0x21)<<24
	fd := &fakeDriver{
		regs:    map[catalog.Register]uint64{catalog.MemTrmlTempRep: packed},
		devices: []driver.DeviceDescriptor{{Addr: node, DeviceID: 0x6fb2}},
	}
	sink := &fakeSink{}
	p := commands.Procedures{Accessor: pmon.New(fd), Log: testr.New(t)}

	require.NoError(t, p.ReadDimmTemp(context.Background(), []string{"0x6fb2"}, sink))
	vals := sink.batches[0][0].Value.(telemetry.DimmTempValues)
	assert.Equal(t, [4]int64{0x1e, 0x1f, 0x20, 0x21}, vals.Channel)
}

func TestReadBWEmitsOneSamplePerChannel(t *testing.T) {
	fd := &fakeDriver{
		regs: map[catalog.Register]uint64{
			catalog.PmonCntr0: 1_000_000,
			catalog.PmonCntr1: 500_000,
		},
		devices: []driver.DeviceDescriptor{
			{Addr: driver.PCIAddress{Bus: 0x3a, Dev: 0x0a}, DeviceID: catalog.IMC0C0_1LMS},
			{Addr: driver.PCIAddress{Bus: 0x3a, Dev: 0x0b}, DeviceID: catalog.IMC0C1_1LMS},
		},
	}
	sink := &fakeSink{}
	p := commands.Procedures{Accessor: pmon.New(fd), Log: testr.New(t)}

	require.NoError(t, p.ReadBW(context.Background(), []string{"0"}, sink))
	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0], 2)
	vals := sink.batches[0][0].Value.(telemetry.BandwidthValues)
	assert.Equal(t, 64_000_000.0, vals.MemBWRd)
	assert.Equal(t, 32_000_000.0, vals.MemBWWr)
	assert.Equal(t, 96_000_000.0, vals.MemBWTotal)
}

func TestReadBWCachesChannelScan(t *testing.T) {
	fd := &fakeDriver{
		devices: []driver.DeviceDescriptor{
			{Addr: driver.PCIAddress{Bus: 0x3a, Dev: 0x0a}, DeviceID: catalog.IMC0C0_1LMS},
		},
	}
	sink := &fakeSink{}
	p := commands.NewProcedures(pmon.New(fd), nil, testr.New(t))

	require.NoError(t, p.ReadBW(context.Background(), []string{"0"}, sink))
	require.NoError(t, p.ReadBW(context.Background(), []string{"0"}, sink))
	assert.Equal(t, 1, fd.scanCalls, "PCI topology is static, so the channel scan runs once per process")
}

func TestReadHwmonTemp(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "hwmon0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, f := range []struct {
		name string
		v    string
	}{
		{"temp1_input", "42000"}, {"temp1_max", "85000"}, {"temp1_crit", "95000"}, {"temp1_label", "DIMM A1"},
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f.name), []byte(f.v), 0o644))
	}

	reader := hwmon.New(testr.New(t), hwmon.WithRootOverride(root))
	sink := &fakeSink{}
	p := commands.Procedures{Accessor: pmon.New(&fakeDriver{}), Hwmon: reader, Log: testr.New(t)}

	require.NoError(t, p.ReadHwmonTemp(context.Background(), nil, sink))
	require.Len(t, sink.batches[0], 1)
	vals := sink.batches[0][0].Value.(telemetry.HwmonTempValues)
	assert.Equal(t, "DIMM A1", vals.Label)
	assert.Equal(t, 42.0, vals.Input)
}

func TestReadPciCfgLimitedRegisters(t *testing.T) {
	node := driver.PCIAddress{Bus: 0x3a}
	fd := &fakeDriver{
		regs:    map[catalog.Register]uint64{catalog.VendorID: catalog.IntelVendorID},
		devices: []driver.DeviceDescriptor{{Addr: node, DeviceID: 0x2042}},
	}
	sink := &fakeSink{}
	p := commands.Procedures{Accessor: pmon.New(fd), Log: testr.New(t)}

	require.NoError(t, p.ReadPciCfg(context.Background(), []string{"false", "false"}, sink))
	require.Len(t, sink.batches[0], 1)
	vals := sink.batches[0][0].Value.(telemetry.PciCfgValues)
	assert.Equal(t, fmt.Sprintf("%v", catalog.IntelVendorID), fmt.Sprintf("%v", vals.Regs["pmon_0x000"]))
}

func TestRegistryWiringInvokesCorrectProcedure(t *testing.T) {
	reg := commands.NewRegistry()
	p := commands.Procedures{Accessor: pmon.New(&fakeDriver{}), Log: testr.New(t)}
	p.Register(reg)

	sink := &fakeSink{}
	// read_scrubaddress is wired with no args, so it should fail with
	// the procedure's own BadArguments error rather than UnknownCommand
	// -- proof the name resolved to the right Func.
	err := reg.Invoke(context.Background(), "read_scrubaddress", nil, sink)
	assert.True(t, errors.Of(err, errors.KindBadArguments))
}

func TestRegistryUnknownCommand(t *testing.T) {
	reg := commands.NewRegistry()
	err := reg.Invoke(context.Background(), "read_bogus", nil, &fakeSink{})
	assert.True(t, errors.Of(err, errors.KindUnknownCommand))
}

func TestRegistryCapabilities(t *testing.T) {
	reg := commands.NewRegistry()
	p := commands.Procedures{Accessor: pmon.New(&fakeDriver{}), Log: testr.New(t)}
	p.Register(reg)

	caps, ok := reg.Capabilities("read_hwmon_temp")
	require.True(t, ok)
	assert.False(t, caps.RequiresRoot, "hwmon only reads world-readable sysfs files")

	caps, ok = reg.Capabilities("read_scrubaddress")
	require.True(t, ok)
	assert.True(t, caps.RequiresRoot, "scrub address lives in PCI config space")

	_, ok = reg.Capabilities("read_bogus")
	assert.False(t, ok)
}
