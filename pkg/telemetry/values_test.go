// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/antimetal/imcmon/pkg/telemetry"
)

func TestBandwidthValuesFieldOrder(t *testing.T) {
	v := telemetry.BandwidthValues{NodeName: "n0", MemBWRd: 1, MemBWWr: 2, MemBWTotal: 3, PeriodSecs: 4}
	fields := v.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"node_name", "mem_bw_rd", "mem_bw_wr", "mem_bw_total"}, names)
	assert.Equal(t, "n0", v.DedupKey())
}

func TestHwmonTempValuesFieldOrder(t *testing.T) {
	v := telemetry.HwmonTempValues{Label: "DIMM A1", SocketSensor: 1025, Input: 42, Crit: 95, Max: 85, Socket: 1, Sensor: 1}
	fields := v.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"label", "socket_sensor", "input", "crit", "max"}, names)
}

func TestCorrErrCntValuesFieldOrder(t *testing.T) {
	v := telemetry.CorrErrCntValues{
		NodeName:        "n0",
		CorrErrCnt:      [4]uint64{1, 2, 3, 4},
		CorrErrThrshld:  [4]uint64{5, 6, 7, 8},
		CorrErrorStatus: 9,
	}
	fields := v.Fields()
	assert.Equal(t, "4", fields[4].Value)
	assert.Equal(t, "correrrcnt_3", fields[4].Name)
	assert.Equal(t, "9", fields[9].Value)
}

func TestPciCfgValuesSortsRegisterNames(t *testing.T) {
	v := telemetry.PciCfgValues{
		Path: "0000:3a:0a.0",
		Regs: map[string]uint64{"pmon_0x0a0": 1, "pmon_0x000": 2},
	}
	fields := v.Fields()
	var regsField string
	for _, f := range fields {
		if f.Name == "regs" {
			regsField = f.Value
		}
	}
	assert.Equal(t, "pmon_0x000=0x2,pmon_0x0a0=0x1", regsField)
	assert.Equal(t, "0000:3a:0a.0", v.DedupKey())
}
