// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package telemetry holds the metric record model and the DataSink
// contract every command-entry procedure writes through.
package telemetry

import "time"

// Tool name constants, one per command-entry procedure's metric kind.
const (
	ToolMemoryBW     = "pmon.read_bw"
	ToolScrubAddress = "pmon.read_scrubaddress"
	ToolPmonCounter  = "pmon.read_pmonctr"
	ToolCorrErrCnt   = "pmon.read_correrrcnt"
	ToolDimmTemp     = "pmon.read_dimm_temp"
	ToolPciCfg       = "offline_addinfo.read_pcicfg"
	ToolHwmonTemp    = "hwmon.read_temp"
)

// MetricMeta carries the fields common to every record, independent of
// which command produced it.
type MetricMeta struct {
	Tool              string
	CreationTimestamp time.Time
	ToolTimestamp     time.Time
	Hostname          string
}

// MetricValue is implemented by each metric kind's value struct. It
// names the field used as this metric kind's dedup key and reports
// itself as an ordered list of (field name, value) pairs for the CSV
// sink, in the exact column order spec.md §4.C9 specifies.
type MetricValue interface {
	// DedupKey returns the value of this metric's primary identifier
	// field (e.g. node_name, socket_sensor), used together with the
	// tool name to detect unchanged samples.
	DedupKey() string
	// Fields returns (name, value) pairs in emission order.
	Fields() []Field
}

// Field is one ordered (name, value) pair in a CSV row.
type Field struct {
	Name  string
	Value string
}

// MetricRecord pairs metadata with a typed value, ready for a DataSink.
type MetricRecord struct {
	Meta  MetricMeta
	Value MetricValue
}

// DataSink receives completed metric records. Grounded on
// libs/data_processors.AbsDataProcessor.write_metric.
type DataSink interface {
	Write(records []MetricRecord) error
}
