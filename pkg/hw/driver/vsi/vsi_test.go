// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vsi_test

import (
	"context"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/imcmon/pkg/errors"
	"github.com/antimetal/imcmon/pkg/hw/catalog"
	"github.com/antimetal/imcmon/pkg/hw/driver"
	"github.com/antimetal/imcmon/pkg/hw/driver/vsi"
)

// fakeChannel is an in-memory stand-in for a hypervisor VSI transport.
type fakeChannel struct {
	nodes   map[string]int64
	dirs    map[string][]string
	listErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{nodes: make(map[string]int64), dirs: make(map[string][]string)}
}

func (f *fakeChannel) Get(ctx context.Context, path string) (int64, error) {
	v, ok := f.nodes[path]
	if !ok {
		return 0, errors.New("no such node: " + path)
	}
	return v, nil
}

func (f *fakeChannel) Set(ctx context.Context, path string, value int64) error {
	f.nodes[path] = value
	return nil
}

func (f *fakeChannel) List(ctx context.Context, path string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.dirs[path], nil
}

func TestVSIGetCounterComposesHalves(t *testing.T) {
	ch := newFakeChannel()
	node := driver.PCIAddress{Seg: 0, Bus: 0x3a, Dev: 0x0a, Func: 0}
	ch.nodes["/hardware/pci/seg/0x0/bus/0x3a/slot/0xa/func/0x0/pciConfigReg/size/4/addr/0xa0"] = 0x00001234
	ch.nodes["/hardware/pci/seg/0x0/bus/0x3a/slot/0xa/func/0x0/pciConfigReg/size/2/addr/0xa4"] = 0x5678

	d := vsi.New(testr.New(t), ch)
	v, err := d.Get(context.Background(), node, catalog.PmonCntr0, driver.Counter)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x5678_00001234), v)
}

func TestVSISetThenGet(t *testing.T) {
	ch := newFakeChannel()
	node := driver.PCIAddress{Seg: 0, Bus: 0x3a, Dev: 0x0a, Func: 0}
	d := vsi.New(testr.New(t), ch)
	ctx := context.Background()

	require.NoError(t, d.Set(ctx, node, catalog.MemTrmlTempRep, driver.Dword, 0xABCD1234))
	v, err := d.Get(ctx, node, catalog.MemTrmlTempRep, driver.Dword)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xABCD1234), v)
}

func TestVSIGetMissingNodeIsTransportError(t *testing.T) {
	ch := newFakeChannel()
	d := vsi.New(testr.New(t), ch)

	_, err := d.Get(context.Background(), driver.PCIAddress{}, catalog.VendorID, driver.Word)
	assert.True(t, errors.Of(err, errors.KindTransport))
}

func TestVSIScanFiltersByDeviceID(t *testing.T) {
	ch := newFakeChannel()
	ch.dirs["/hardware/pci/devices/"] = []string{"dev0"}
	ch.nodes["/hardware/pci/devices/dev0/info/seg"] = 0
	ch.nodes["/hardware/pci/devices/dev0/info/bus"] = 0x3a
	ch.nodes["/hardware/pci/devices/dev0/info/dev"] = 0x0a
	ch.nodes["/hardware/pci/devices/dev0/info/func"] = 0
	ch.nodes["/hardware/pci/seg/0000/bus/3a/slot/0a/func/0/pciConfigHeader/vendorID"] = int64(catalog.IntelVendorID)
	ch.nodes["/hardware/pci/seg/0000/bus/3a/slot/0a/func/0/pciConfigHeader/deviceID"] = 0x2042

	d := vsi.New(testr.New(t), ch)
	devs, err := d.Scan(context.Background(), nil, []catalog.DeviceID{0x2042})
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, uint8(0x3a), devs[0].Addr.Bus)

	none, err := d.Scan(context.Background(), nil, []catalog.DeviceID{0xffff})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestVSIScanMissingDevicesPathReturnsEmpty(t *testing.T) {
	// The enumeration root not resolving means nothing is exposed
	// through this VSI tree: an empty scan, not an error.
	ch := newFakeChannel()
	ch.listErr = errors.New("no such node: /hardware/pci/devices/")

	d := vsi.New(testr.New(t), ch)
	devs, err := d.Scan(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func TestVSICPUInfo(t *testing.T) {
	ch := newFakeChannel()
	ch.nodes["/hardware/cpu/cpuList/0/family"] = 6
	ch.nodes["/hardware/cpu/cpuList/0/model"] = 85

	d := vsi.New(testr.New(t), ch)
	info, err := d.CPUInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(6), info.Family)
	assert.Equal(t, uint8(85), info.Model)
}

