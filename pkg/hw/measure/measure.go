// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package measure holds the small numeric primitives command-entry
// procedures build on: bitfield extraction, timed event sampling, and
// CAS-count-to-bandwidth arithmetic.
package measure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/antimetal/imcmon/pkg/hw/catalog"
	"github.com/antimetal/imcmon/pkg/hw/driver"
	"github.com/antimetal/imcmon/pkg/hw/pmon"
)

// GetBitfield extracts bits [startBit:endBit] (inclusive) from data.
func GetBitfield(data uint64, startBit, endBit int) uint64 {
	value := data >> startBit
	mask := uint64(1)<<(endBit-startBit+1) - 1
	return value & mask
}

// Measure programs unitCtrl with event, waits dur, then reads the
// COUNTER value of unitCtr. Grounded on pmon_utils.measure.
func Measure(ctx context.Context, acc pmon.Accessor, node driver.PCIAddress, unitCtrl, unitCtr catalog.Register, event catalog.EventSelector, dur time.Duration) (uint64, error) {
	unit := acc.Unit(node)
	if err := unit.Reg(unitCtrl).SetEvent(ctx, event, true, true); err != nil {
		return 0, err
	}

	select {
	case <-time.After(dur):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	return unit.Reg(unitCtr).Get(ctx, driver.Counter)
}

// CountBW converts CAS read/write counts into byte rates. The DRAM CAS
// line size is 64 bytes, so each CAS access moves 64 bytes.
func CountBW(casCountRd, casCountWr uint64) (rd, wr, total uint64) {
	rd = casCountRd * 64
	wr = casCountWr * 64
	total = rd + wr
	return rd, wr, total
}

// HumanBytes formats a byte-rate using binary (1024-based) multiples,
// matching the unit strings spec.md names ("B/s", "KB/s", "MB/s",
// "GB/s", "TB/s"). go-humanize.IBytes covers the threshold table and
// rounding; this wrapper only adapts its IEC suffix convention
// ("B"/"KiB"/"MiB"...) to the original tool's literal "B/s"-style
// suffixes.
func HumanBytes(bytesPerSec uint64) string {
	s := humanize.IBytes(bytesPerSec)
	// humanize.IBytes renders e.g. "1.5 MiB"; rewrite the binary-unit
	// suffix ("B", "KiB", "MiB", "GiB", "TiB") to the original's
	// "B/s", "KB/s", "MB/s", "GB/s", "TB/s" convention.
	for _, pair := range [][2]string{
		{"TiB", "TB/s"}, {"GiB", "GB/s"}, {"MiB", "MB/s"}, {"KiB", "KB/s"}, {"B", "B/s"},
	} {
		if strings.HasSuffix(s, pair[0]) {
			return strings.TrimSuffix(s, pair[0]) + pair[1]
		}
	}
	return fmt.Sprintf("%d B/s", bytesPerSec)
}
