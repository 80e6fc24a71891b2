// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package driver_test

import (
	"strings"
	"testing"

	"github.com/antimetal/imcmon/pkg/hw/catalog"
	"github.com/antimetal/imcmon/pkg/hw/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCIAddressString(t *testing.T) {
	addr := driver.PCIAddress{Seg: 0, Bus: 0x3a, Dev: 0x0a, Func: 0}
	assert.Equal(t, "0000:3a:0a.0", addr.String())
}

func TestParsePCIAddressRoundTrips(t *testing.T) {
	addrs := []driver.PCIAddress{
		{},
		{Seg: 0, Bus: 0x3a, Dev: 0x0a, Func: 0},
		{Seg: 0x10, Bus: 0xff, Dev: 0x1f, Func: 7},
	}
	for _, addr := range addrs {
		parsed, ok := driver.ParsePCIAddress(addr.String())
		require.True(t, ok, addr.String())
		assert.Equal(t, addr, parsed)
		assert.Equal(t, addr.String(), parsed.String())
	}
}

func TestParsePCIAddressAcceptsUnpaddedHex(t *testing.T) {
	parsed, ok := driver.ParsePCIAddress("0:3a:a.0")
	require.True(t, ok)
	assert.Equal(t, driver.PCIAddress{Bus: 0x3a, Dev: 0x0a}, parsed)
}

func TestParsePCIAddressRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "0000:3a:0a", "zz:zz:zz.z", "0000:3a:0a.0.1"} {
		_, ok := driver.ParsePCIAddress(s)
		assert.False(t, ok, s)
	}
}

func TestCheckBounds(t *testing.T) {
	node := driver.PCIAddress{Bus: 0x3a}

	assert.NoError(t, driver.CheckBounds("get", node, 0, driver.Byte))
	assert.NoError(t, driver.CheckBounds("get", node, catalog.ConfigSpaceSize-4, driver.Dword))
	assert.NoError(t, driver.CheckBounds("get", node, catalog.ConfigSpaceSize-6, driver.Counter))

	assert.Error(t, driver.CheckBounds("get", node, catalog.ConfigSpaceSize-2, driver.Dword))
	assert.Error(t, driver.CheckBounds("get", node, catalog.ConfigSpaceSize-4, driver.Counter))
}

func TestParseCPUInfoIntel(t *testing.T) {
	r := strings.NewReader(
		"processor\t: 0\n" +
			"vendor_id\t: GenuineIntel\n" +
			"cpu family\t: 6\n" +
			"model\t\t: 85\n" +
			"model name\t: Intel(R) Xeon(R) Gold 6142\n")

	info, err := driver.ParseCPUInfo(r)
	require.NoError(t, err)
	assert.Equal(t, catalog.DeviceID(catalog.IntelVendorID), info.VendorID)
	assert.Equal(t, uint8(6), info.Family)
	assert.Equal(t, uint8(85), info.Model)
}

func TestParseCPUInfoUnknownVendor(t *testing.T) {
	r := strings.NewReader("processor\t: 0\nvendor_id\t: SomeOtherVendor\n")
	info, err := driver.ParseCPUInfo(r)
	require.NoError(t, err)
	assert.NotEqual(t, catalog.DeviceID(catalog.IntelVendorID), info.VendorID)
}

func TestParseCPUInfoStopsAfterTwentyOneLines(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("vendor_id\t: GenuineIntel\n")
	for i := 0; i < 30; i++ {
		sb.WriteString("flags\t\t: fpu vme de\n")
	}
	sb.WriteString("model\t\t: 99\n")

	info, err := driver.ParseCPUInfo(strings.NewReader(sb.String()))
	require.NoError(t, err)
	assert.Equal(t, catalog.DeviceID(catalog.IntelVendorID), info.VendorID)
	assert.NotEqual(t, uint8(99), info.Model)
}
