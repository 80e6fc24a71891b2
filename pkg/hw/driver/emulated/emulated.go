// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package emulated implements driver.Driver by replaying a captured
// register dump instead of touching real hardware, for development and
// testing off-box.
package emulated

import (
	"bufio"
	"context"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/antimetal/imcmon/pkg/errors"
	"github.com/antimetal/imcmon/pkg/hw/catalog"
	"github.com/antimetal/imcmon/pkg/hw/driver"
)

// Driver replays register values from a dump file captured from a
// real host. The dump format: a 12-character "SSSS:BB:DD.F" token
// starts a new device record; each following line's space-separated
// hex bytes are appended to that record until the next token or EOF.
type Driver struct {
	log logr.Logger

	dumpPath string

	mu   sync.Mutex
	data map[string][]byte
}

// New constructs an emulated Driver that will lazily parse dumpPath on
// first access, matching the original's load-on-first-use behavior.
func New(log logr.Logger, dumpPath string) *Driver {
	return &Driver{
		log:      log.WithName("emulated-driver"),
		dumpPath: dumpPath,
	}
}

var _ driver.Driver = (*Driver)(nil)

// Load parses the dump file immediately instead of on first register
// access, so a malformed dump fails process startup rather than the
// first scheduled sample.
func (d *Driver) Load() error {
	return d.ensureLoaded()
}

func (d *Driver) ensureLoaded() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.data != nil {
		return nil
	}
	data, err := readDump(d.dumpPath)
	if err != nil {
		return err
	}
	d.data = data
	d.log.V(1).Info("loaded dump", "path", d.dumpPath, "records", len(data))
	return nil
}

// readDump parses the dump file format described on Driver.
func readDump(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewNotPresent("readdump", path, err)
	}
	defer f.Close()

	data := make(map[string][]byte)
	var (
		devName string
		payload []byte
	)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields[0]) == 12 {
			if devName != "" {
				data[devName] = payload
			}
			devName = fields[0]
			payload = nil
			continue
		}
		for _, word := range fields[1:] {
			b, err := strconv.ParseUint(word, 16, 8)
			if err != nil {
				return nil, errors.NewMalformedDump("readdump", err)
			}
			payload = append(payload, byte(b))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewMalformedDump("readdump", err)
	}
	if devName != "" {
		data[devName] = payload
	}
	return data, nil
}

func (d *Driver) Get(ctx context.Context, node driver.PCIAddress, addr catalog.Register, width driver.AccessWidth) (uint64, error) {
	if err := driver.CheckBounds("get", node, addr, width); err != nil {
		return 0, err
	}
	if err := d.ensureLoaded(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.data[node.String()]
	if !ok {
		return 0, errors.NewNotPresent("get", node.String(), nil)
	}

	offset := int(addr)
	if width == driver.Counter {
		if offset+6 > len(rec) {
			return 0, errors.NewOutOfRange("get", node.String(), uint16(addr), nil)
		}
		low := leUint(rec[offset : offset+4])
		high := leUint(rec[offset+4 : offset+6])
		return (high << 32) | low, nil
	}

	end := offset + int(width)
	if end > len(rec) {
		return 0, errors.NewOutOfRange("get", node.String(), uint16(addr), nil)
	}
	return leUint(rec[offset:end]), nil
}

func (d *Driver) Set(ctx context.Context, node driver.PCIAddress, addr catalog.Register, width driver.AccessWidth, value uint64) error {
	if err := driver.CheckBounds("set", node, addr, width); err != nil {
		return err
	}
	if err := d.ensureLoaded(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.data[node.String()]
	if !ok {
		return errors.NewNotPresent("set", node.String(), nil)
	}
	offset := int(addr)
	end := offset + int(driver.Dword)
	if end > len(rec) {
		return errors.NewOutOfRange("set", node.String(), uint16(addr), nil)
	}
	putLE(rec[offset:end], value)
	return nil
}

// ReadMSR is unsupported by the emulated backend: dumps do not capture
// MSR state. Returns a NotPresent error, matching the original driver
// returning None unconditionally.
func (d *Driver) ReadMSR(ctx context.Context, cpu int, addr uint32) (uint64, error) {
	return 0, errors.NewNotPresent("read_msr", "", nil)
}

func (d *Driver) WriteMSR(ctx context.Context, cpu int, addr uint32, value uint64) error {
	return errors.NewNotPresent("write_msr", "", nil)
}

func (d *Driver) Scan(ctx context.Context, vendorIDs, deviceIDs []catalog.DeviceID) ([]driver.DeviceDescriptor, error) {
	if err := d.ensureLoaded(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	// Sorted path order, matching the kernel backend's sorted
	// directory listing. Plain slice, built directly from the parsed
	// dump records: no sentinel bus value is introduced, so there is
	// nothing here that can be indexed one past the end (see
	// pkg/hw/topology, which resolves the same construction the same
	// way).
	names := make([]string, 0, len(d.data))
	for name := range d.data {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []driver.DeviceDescriptor
	for _, name := range names {
		rec := d.data[name]
		addr, ok := driver.ParsePCIAddress(name)
		if !ok {
			continue
		}
		if len(rec) < 4 {
			continue
		}
		vid := uint16(rec[0]) | uint16(rec[1])<<8
		did := uint16(rec[2]) | uint16(rec[3])<<8

		if len(vendorIDs) > 0 && !containsID(vendorIDs, catalog.DeviceID(vid)) {
			continue
		}
		if len(deviceIDs) > 0 && !containsID(deviceIDs, catalog.DeviceID(did)) {
			continue
		}

		desc := driver.DeviceDescriptor{
			Addr:     addr,
			VendorID: catalog.DeviceID(vid),
			DeviceID: catalog.DeviceID(did),
		}
		copy(desc.RawHeader[:], rec)
		out = append(out, desc)
	}
	return out, nil
}

func (d *Driver) CPUInfo(ctx context.Context) (driver.CPUInfo, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return driver.CPUInfo{}, errors.NewNotPresent("cpu_info", "/proc/cpuinfo", err)
	}
	defer f.Close()
	return driver.ParseCPUInfo(f)
}

func leUint(b []byte) uint64 {
	var v uint64
	for i, by := range b {
		v |= uint64(by) << (8 * i)
	}
	return v
}

func putLE(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
}

func containsID(ids []catalog.DeviceID, id catalog.DeviceID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
