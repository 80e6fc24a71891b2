// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/imcmon/pkg/hw/catalog"
	"github.com/antimetal/imcmon/pkg/hw/driver"
	"github.com/antimetal/imcmon/pkg/hw/pmon"
	"github.com/antimetal/imcmon/pkg/hw/topology"
)

// fakeUboxDriver models two Ubox devices, one per socket, each
// reporting a distinct local node ID and a gid mapping register whose
// bit fields place socket 0 at bit 0 and socket 1 at bit 1.
type fakeUboxDriver struct {
	devices []driver.DeviceDescriptor
	nodeIDs map[string]uint64
}

func (f *fakeUboxDriver) Get(ctx context.Context, node driver.PCIAddress, addr catalog.Register, width driver.AccessWidth) (uint64, error) {
	key := fmt.Sprintf("%s/%d", node.String(), addr)
	switch addr {
	case catalog.UboxLnidOffset:
		return f.nodeIDs[key], nil
	case catalog.UboxGidOffset:
		// bit 0 -> socket 0, bit 1 -> socket 1
		return uint64(0<<0 | 1<<3), nil
	}
	return 0, nil
}

func (f *fakeUboxDriver) Set(ctx context.Context, node driver.PCIAddress, addr catalog.Register, width driver.AccessWidth, value uint64) error {
	return nil
}
func (f *fakeUboxDriver) ReadMSR(ctx context.Context, cpu int, addr uint32) (uint64, error) {
	return 0, nil
}
func (f *fakeUboxDriver) WriteMSR(ctx context.Context, cpu int, addr uint32, value uint64) error {
	return nil
}
func (f *fakeUboxDriver) Scan(ctx context.Context, vendorIDs, deviceIDs []catalog.DeviceID) ([]driver.DeviceDescriptor, error) {
	return f.devices, nil
}
func (f *fakeUboxDriver) CPUInfo(ctx context.Context) (driver.CPUInfo, error) {
	return driver.CPUInfo{}, nil
}

func TestScanAndSocketIDResolution(t *testing.T) {
	socket0 := driver.PCIAddress{Bus: 0x00, Dev: 0x05, Func: 0}
	socket1 := driver.PCIAddress{Bus: 0x80, Dev: 0x05, Func: 0}

	fd := &fakeUboxDriver{
		devices: []driver.DeviceDescriptor{
			{Addr: socket0, VendorID: catalog.IntelVendorID, DeviceID: catalog.UboxDeviceID},
			{Addr: socket1, VendorID: catalog.IntelVendorID, DeviceID: catalog.UboxDeviceID},
		},
		nodeIDs: map[string]uint64{
			fmt.Sprintf("%s/%d", socket0.String(), catalog.UboxLnidOffset): 0,
			fmt.Sprintf("%s/%d", socket1.String(), catalog.UboxLnidOffset): 1,
		},
	}

	r, err := topology.Scan(context.Background(), pmon.New(fd))
	require.NoError(t, err)

	id, err := r.SocketID(0x00)
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	id, err = r.SocketID(0x80)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	// Any bus at or above the last known range resolves to that
	// socket: the upper bound is open-ended, not sentinel-terminated.
	id, err = r.SocketID(0xff)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestSocketIDWithNoKnownSocketsIsOutOfRange(t *testing.T) {
	r, err := topology.Scan(context.Background(), pmon.New(&fakeUboxDriver{}))
	require.NoError(t, err)

	_, err = r.SocketID(0x10)
	assert.Error(t, err)
}
