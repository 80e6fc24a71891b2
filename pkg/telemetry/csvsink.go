// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// CSVSink writes metric records as semicolon-delimited, every-field-
// quoted lines with no header row: creation_timestamp, tool, hostname,
// then the metric's own fields in order. It suppresses a record when
// its metric field values are identical to those of the last record
// emitted for the same (tool, dedup key); creation_timestamp and
// hostname are not compared. Grounded on
// bin/mem_inspector.py's MetricsReader.Out.csv_output and Filter.
type CSVSink struct {
	w io.Writer

	mu   sync.Mutex
	seen map[string]string
}

// NewCSVSink constructs a sink writing to w.
func NewCSVSink(w io.Writer) *CSVSink {
	return &CSVSink{w: w, seen: make(map[string]string)}
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	b.WriteString(s)
	b.WriteByte('"')
	return b.String()
}

func (s *CSVSink) Write(records []MetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		fields := rec.Value.Fields()

		var line strings.Builder
		line.WriteString(quote(rec.Meta.CreationTimestamp.Format("2006-01-02T15:04:05.000")))
		line.WriteByte(';')
		line.WriteString(quote(rec.Meta.Tool))
		line.WriteByte(';')
		line.WriteString(quote(rec.Meta.Hostname))
		line.WriteByte(';')

		// The dedup comparison covers only the metric's own fields, not
		// creation_timestamp (which differs on every call by
		// construction), tool (already folded into uniqueKey below), or
		// hostname (neither compared nor part of uniqueKey). Matches
		// the original's Filter.process,
		// which compares the order_list-derived dict, not the printed
		// line.
		var fieldBody strings.Builder
		for _, f := range fields {
			line.WriteString(quote(f.Value))
			line.WriteByte(';')
			fieldBody.WriteString(quote(f.Value))
			fieldBody.WriteByte(';')
		}

		uniqueKey := rec.Meta.Tool + "_#_" + rec.Value.DedupKey()
		body := fieldBody.String()
		if prev, ok := s.seen[uniqueKey]; ok && prev == body {
			continue
		}
		s.seen[uniqueKey] = body

		if _, err := fmt.Fprintln(s.w, line.String()); err != nil {
			return err
		}
	}
	return nil
}
