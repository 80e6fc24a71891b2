// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package commands is the Native Call Map: a process-wide registry of
// named procedures invoked by the scheduler, plus the command-entry
// procedures themselves (read_scrubaddress, read_pmoncntr, read_bw,
// read_correrrcnt, read_dimm_temp, read_hwmon_temp, read_pcicfg).
// Grounded on libs/native.NativeCallMap.
package commands

import (
	"context"
	"sync"

	"github.com/antimetal/imcmon/pkg/errors"
	"github.com/antimetal/imcmon/pkg/telemetry"
)

// Func is a command-entry procedure: given its own argv (excluding the
// command name) it writes zero or more metric records to sink.
type Func func(ctx context.Context, argv []string, sink telemetry.DataSink) error

// Capabilities describes what a command-entry procedure needs from its
// environment, mirroring the teacher's CollectorCapabilities
// (pkg/performance.CollectorCapabilities). Surfaced so an operator can
// tell, before running as an unprivileged user, which entries in the
// manifest will fail outright.
type Capabilities struct {
	// RequiresRoot is true for procedures that read or write PCI
	// configuration space or MSRs under the kernel backend, which the
	// running kernel restricts to CAP_SYS_RAWIO.
	RequiresRoot bool
}

// Registry is the Native Call Map. Construct with NewRegistry; the zero
// value has nil maps and will panic on Register.
type Registry struct {
	mu   sync.RWMutex
	fns  map[string]Func
	caps map[string]Capabilities
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Func), caps: make(map[string]Capabilities)}
}

// Register adds name to the map. Re-registering a name replaces the
// previous function, matching the original's unconditional dict
// assignment.
func (r *Registry) Register(name string, fn Func) {
	r.RegisterWithCapabilities(name, fn, Capabilities{})
}

// RegisterWithCapabilities is Register plus the capability metadata
// Capabilities(name) later reports.
func (r *Registry) RegisterWithCapabilities(name string, fn Func, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
	r.caps[name] = caps
}

// Capabilities reports what name requires, and whether name is
// registered at all.
func (r *Registry) Capabilities(name string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.caps[name]
	return caps, ok
}

// Invoke looks up name and calls it with argv. Returns an
// UnknownCommand error if name was never registered, rather than
// silently returning as the original logs-and-returns.
func (r *Registry) Invoke(ctx context.Context, name string, argv []string, sink telemetry.DataSink) error {
	r.mu.RLock()
	fn, ok := r.fns[name]
	r.mu.RUnlock()
	if !ok {
		return errors.NewUnknownCommand(name)
	}
	return fn(ctx, argv, sink)
}
