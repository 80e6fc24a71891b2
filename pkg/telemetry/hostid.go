// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"os"
	"strings"
	"sync"
)

const dmiProductSerialPath = "/sys/devices/virtual/dmi/id/product_serial"

var (
	hostIDOnce  sync.Once
	hostIDValue string
)

// UniqueHostID returns a stable host identifier: the DMI product
// serial when readable, falling back to the OS hostname. Computed once
// per process, grounded on pmon_native_helpers.get_unique_host_id
// (there @lru_cache'd).
func UniqueHostID() string {
	hostIDOnce.Do(func() {
		if b, err := os.ReadFile(dmiProductSerialPath); err == nil {
			hostIDValue = strings.TrimRight(string(b), "\n")
			return
		}
		name, err := os.Hostname()
		if err != nil {
			hostIDValue = "unknown"
			return
		}
		hostIDValue = name
	})
	return hostIDValue
}
