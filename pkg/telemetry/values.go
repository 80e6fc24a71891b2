// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"fmt"
	"sort"
	"strconv"
)

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
func formatInt(v int64) string     { return strconv.FormatInt(v, 10) }

// BandwidthValues is read_bw's metric kind: per-channel read/write
// byte rates over the sampling period.
type BandwidthValues struct {
	NodeName   string
	MemBWRd    float64
	MemBWWr    float64
	MemBWTotal float64
	PeriodSecs float64
}

func (v BandwidthValues) DedupKey() string { return v.NodeName }

// Fields emits exactly the column set downstream consumers parse;
// PeriodSecs stays internal.
func (v BandwidthValues) Fields() []Field {
	return []Field{
		{"node_name", v.NodeName},
		{"mem_bw_rd", formatFloat(v.MemBWRd)},
		{"mem_bw_wr", formatFloat(v.MemBWWr)},
		{"mem_bw_total", formatFloat(v.MemBWTotal)},
	}
}

// ScrubAddressValues is read_scrubaddress's metric kind.
type ScrubAddressValues struct {
	NodeName       string
	ScrubAddressLo uint64
	ScrubAddressHi uint64
}

func (v ScrubAddressValues) DedupKey() string { return v.NodeName }
func (v ScrubAddressValues) Fields() []Field {
	return []Field{
		{"node_name", v.NodeName},
		{"scrubaddresslo", formatInt(int64(v.ScrubAddressLo))},
		{"scrubaddresshi", formatInt(int64(v.ScrubAddressHi))},
	}
}

// PmonCounterValues is read_pmoncntr's metric kind.
type PmonCounterValues struct {
	NodeName   string
	EventName  string
	Counter    uint64
	PeriodSecs float64
}

func (v PmonCounterValues) DedupKey() string { return v.NodeName }
func (v PmonCounterValues) Fields() []Field {
	return []Field{
		{"node_name", v.NodeName},
		{"event_name", v.EventName},
		{"counter", formatInt(int64(v.Counter))},
		{"period", formatFloat(v.PeriodSecs)},
	}
}

// CorrErrCntValues is read_correrrcnt's metric kind.
type CorrErrCntValues struct {
	NodeName        string
	CorrErrCnt      [4]uint64
	CorrErrThrshld  [4]uint64
	CorrErrorStatus uint64
}

func (v CorrErrCntValues) DedupKey() string { return v.NodeName }
func (v CorrErrCntValues) Fields() []Field {
	return []Field{
		{"node_name", v.NodeName},
		{"correrrcnt_0", formatInt(int64(v.CorrErrCnt[0]))},
		{"correrrcnt_1", formatInt(int64(v.CorrErrCnt[1]))},
		{"correrrcnt_2", formatInt(int64(v.CorrErrCnt[2]))},
		{"correrrcnt_3", formatInt(int64(v.CorrErrCnt[3]))},
		{"correrrthrshld_0", formatInt(int64(v.CorrErrThrshld[0]))},
		{"correrrthrshld_1", formatInt(int64(v.CorrErrThrshld[1]))},
		{"correrrthrshld_2", formatInt(int64(v.CorrErrThrshld[2]))},
		{"correrrthrshld_3", formatInt(int64(v.CorrErrThrshld[3]))},
		{"correrrorstatus", formatInt(int64(v.CorrErrorStatus))},
	}
}

// DimmTempValues is read_dimm_temp's metric kind: the four per-channel
// maximum DIMM temperatures extracted from MEMTRMLTEMPREP.
type DimmTempValues struct {
	NodeName string
	Channel  [4]int64
}

func (v DimmTempValues) DedupKey() string { return v.NodeName }
func (v DimmTempValues) Fields() []Field {
	return []Field{
		{"node_name", v.NodeName},
		{"channel0_max_temp", formatInt(v.Channel[0])},
		{"channel1_max_temp", formatInt(v.Channel[1])},
		{"channel2_max_temp", formatInt(v.Channel[2])},
		{"channel3_max_temp", formatInt(v.Channel[3])},
	}
}

// HwmonTempValues is read_hwmon_temp's metric kind, one per sensor.
type HwmonTempValues struct {
	Label        string
	SocketSensor int
	Input        float64
	Crit         float64
	Max          float64
	Socket       int
	Sensor       int
}

func (v HwmonTempValues) DedupKey() string { return strconv.Itoa(v.SocketSensor) }

// Fields emits the fixed column set; Socket and Sensor are carried on
// the struct but not emitted.
func (v HwmonTempValues) Fields() []Field {
	return []Field{
		{"label", v.Label},
		{"socket_sensor", strconv.Itoa(v.SocketSensor)},
		{"input", formatFloat(v.Input)},
		{"crit", formatFloat(v.Crit)},
		{"max", formatFloat(v.Max)},
	}
}

// PciCfgValues is read_pcicfg's metric kind: one record per scanned
// device, carrying its full matched-register dump. The original's
// PMONPCICFGValues bundles every device into a single values object;
// the Go sink instead emits one record per device (same DedupKey
// semantics: a repeated identical dump for the same device is
// suppressed, which a single giant record could not express as
// cleanly).
type PciCfgValues struct {
	Path                string
	Seg, Bus, Dev, Func uint8
	Regs                map[string]uint64
}

func (v PciCfgValues) DedupKey() string { return v.Path }
func (v PciCfgValues) Fields() []Field {
	names := make([]string, 0, len(v.Regs))
	for name := range v.Regs {
		names = append(names, name)
	}
	sort.Strings(names)

	regDump := ""
	for i, name := range names {
		if i > 0 {
			regDump += ","
		}
		regDump += fmt.Sprintf("%s=0x%x", name, v.Regs[name])
	}

	return []Field{
		{"path", v.Path},
		{"seg", formatInt(int64(v.Seg))},
		{"bus", formatInt(int64(v.Bus))},
		{"dev", formatInt(int64(v.Dev))},
		{"func", formatInt(int64(v.Func))},
		{"regs", regDump},
	}
}
