// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package topology resolves a PCI bus number to the socket it belongs
// to, by reading each Ubox device's node-ID mapping registers. This is
// not named as a component in the distilled spec; it is how the
// original tooling derived a socket index. No command entry uses it:
// node names are reported as PCI addresses, and cmd/imcmon only
// resolves the topology at startup to log the socket count.
package topology

import (
	"context"
	"sort"

	"github.com/antimetal/imcmon/pkg/errors"
	"github.com/antimetal/imcmon/pkg/hw/catalog"
	"github.com/antimetal/imcmon/pkg/hw/driver"
	"github.com/antimetal/imcmon/pkg/hw/pmon"
)

const socketsMask = 0x7

// socketRange is one [busStart, socketID) boundary. Ranges are kept
// sorted by BusStart; the last range's upper bound is implicitly "no
// limit" rather than a sentinel bus value, so a lookup can never index
// one past the end of the slice.
type socketRange struct {
	BusStart uint8
	SocketID int
}

// Resolver maps PCI bus numbers to socket indices. Build one with Scan
// and reuse it: the mapping is fixed for the life of the process.
type Resolver struct {
	ranges []socketRange
}

// Scan discovers every Ubox device and its socket's node ID, building
// a Resolver. Grounded on Dev2SocketID.scan_socketids: reads
// ubox_lnid_offset (masked to the local node ID) and ubox_gid_offset
// (the node-ID mapping register), then finds which 3-bit field of the
// mapping register matches the local node ID.
func Scan(ctx context.Context, acc pmon.Accessor) (*Resolver, error) {
	devices, err := acc.Scan(ctx, []catalog.DeviceID{catalog.IntelVendorID}, []catalog.DeviceID{catalog.UboxDeviceID})
	if err != nil {
		return nil, err
	}

	var ranges []socketRange
	for _, dev := range devices {
		unit := acc.Unit(dev.Addr)

		nodeIDRaw, err := unit.Reg(catalog.UboxLnidOffset).Get(ctx, driver.Dword)
		if err != nil {
			return nil, err
		}
		nodeID := uint32(nodeIDRaw) & socketsMask

		mapping, err := unit.Reg(catalog.UboxGidOffset).Get(ctx, driver.Dword)
		if err != nil {
			return nil, err
		}

		for bit := 0; bit < 8; bit++ {
			if nodeID == (uint32(mapping)>>(3*bit))&socketsMask {
				ranges = append(ranges, socketRange{BusStart: dev.Addr.Bus, SocketID: bit})
				break
			}
		}
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].BusStart < ranges[j].BusStart })
	return &Resolver{ranges: ranges}, nil
}

// Sockets reports how many socket ranges the scan discovered.
func (r *Resolver) Sockets() int { return len(r.ranges) }

// SocketID returns the socket a given bus number belongs to. Grounded
// on Dev2SocketID.get, with the off-by-one construction spec.md §9
// names (an appended LAST_BUSID sentinel indexed one past the real
// entries) replaced by a bound-checked scan: the last range's upper
// bound is open-ended instead of terminated by a sentinel value.
func (r *Resolver) SocketID(bus uint8) (int, error) {
	for i, rg := range r.ranges {
		lowerOK := rg.BusStart <= bus
		upperOK := i == len(r.ranges)-1 || bus < r.ranges[i+1].BusStart
		if lowerOK && upperOK {
			return rg.SocketID, nil
		}
	}
	return 0, errors.NewOutOfRange("socket_id", "", uint16(bus), errors.New("bus not covered by any known socket"))
}
