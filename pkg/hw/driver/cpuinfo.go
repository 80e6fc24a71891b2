// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package driver

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/antimetal/imcmon/pkg/hw/catalog"
)

const (
	procCPUInfoIntelVendorName = "GenuineIntel"
	procCPUInfoAMDVendorName   = "AuthenticAMD"
	pciAMDVendorID             = 0x1002
	pciUnknownVendorID         = 0x0BAD
)

// ParseCPUInfo parses the first 21 lines of a /proc/cpuinfo-formatted
// stream (the kernel and emulated backends share this exact format);
// later lines are ignored. Shared so both backends
// parse identically rather than duplicating the scan loop.
func ParseCPUInfo(r io.Reader) (CPUInfo, error) {
	info := CPUInfo{VendorID: pciUnknownVendorID}

	scanner := bufio.NewScanner(r)
	lines := 0
	for scanner.Scan() && lines <= 20 {
		lines++
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "vendor_id":
			switch value {
			case procCPUInfoIntelVendorName:
				info.VendorID = catalog.IntelVendorID
			case procCPUInfoAMDVendorName:
				info.VendorID = pciAMDVendorID
			default:
				info.VendorID = pciUnknownVendorID
			}
		case "model":
			if n, err := strconv.Atoi(value); err == nil {
				info.Model = uint8(n)
			}
		case "cpu family":
			if n, err := strconv.Atoi(value); err == nil {
				info.Family = uint8(n)
			}
		}
	}
	return info, scanner.Err()
}
