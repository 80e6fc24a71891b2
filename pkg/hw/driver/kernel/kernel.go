// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernel implements driver.Driver against the running Linux
// kernel's sysfs PCI config-space files and /dev/cpu/N/msr nodes.
package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/antimetal/imcmon/pkg/errors"
	"github.com/antimetal/imcmon/pkg/hw/catalog"
	"github.com/antimetal/imcmon/pkg/hw/driver"
)

const (
	defaultPCIDevicesDir = "/sys/bus/pci/devices"
	defaultMSRPathFmt    = "/dev/cpu/%d/msr"
	defaultCPUInfoPath   = "/proc/cpuinfo"
)

// Driver reads and writes PCI configuration space and MSRs through
// sysfs. The zero value is not usable; construct with New.
type Driver struct {
	log logr.Logger

	pciDevicesDir string
	msrPathFmt    string
	cpuInfoPath   string
}

// Option configures a Driver.
type Option func(*Driver)

// WithRootOverride points the driver at an alternate root, for tests
// that stage a fake sysfs tree. Mirrors the teacher's HOST_SYS-style
// override knobs in pkg/performance/manager.go.
func WithRootOverride(root string) Option {
	return func(d *Driver) {
		d.pciDevicesDir = filepath.Join(root, "sys/bus/pci/devices")
		d.msrPathFmt = filepath.Join(root, "dev/cpu/%d/msr")
		d.cpuInfoPath = filepath.Join(root, "proc/cpuinfo")
	}
}

// New constructs a kernel-backed Driver.
func New(log logr.Logger, opts ...Option) *Driver {
	d := &Driver{
		log:           log.WithName("kernel-driver"),
		pciDevicesDir: defaultPCIDevicesDir,
		msrPathFmt:    defaultMSRPathFmt,
		cpuInfoPath:   defaultCPUInfoPath,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ driver.Driver = (*Driver)(nil)

func (d *Driver) configPath(node driver.PCIAddress) string {
	return filepath.Join(d.pciDevicesDir, node.String(), "config")
}

// withRetry wraps a single sysfs operation with the bounded transport
// retry described in SPEC_FULL.md §3: only Transport-kind failures are
// retried (a racy scan/hot-unplug window), never NotPresent.
func withRetry(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && errors.Of(err, errors.KindTransport) {
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewConstantBackOff(20*time.Millisecond)))
	return err
}

func (d *Driver) Get(ctx context.Context, node driver.PCIAddress, addr catalog.Register, width driver.AccessWidth) (uint64, error) {
	if err := driver.CheckBounds("get", node, addr, width); err != nil {
		return 0, err
	}
	path := d.configPath(node)
	var result uint64
	err := withRetry(ctx, func() error {
		fd, err := unix.Open(path, unix.O_RDONLY, 0)
		if err != nil {
			if os.IsNotExist(err) {
				return errors.NewNotPresent("get", node.String(), err)
			}
			return errors.NewTransport("get", node.String(), uint16(addr), err)
		}
		defer unix.Close(fd)

		if width == driver.Counter {
			low := make([]byte, 4)
			if _, err := unix.Pread(fd, low, int64(addr)); err != nil {
				return errors.NewTransport("get", node.String(), uint16(addr), err)
			}
			high := make([]byte, 2)
			if _, err := unix.Pread(fd, high, int64(addr)+4); err != nil {
				return errors.NewTransport("get", node.String(), uint16(addr), err)
			}
			lowVal := leUint(low)
			highVal := leUint(high)
			result = (highVal << 32) | lowVal
			return nil
		}

		buf := make([]byte, int(width))
		if _, err := unix.Pread(fd, buf, int64(addr)); err != nil {
			return errors.NewTransport("get", node.String(), uint16(addr), err)
		}
		result = leUint(buf)
		return nil
	})
	return result, err
}

func (d *Driver) Set(ctx context.Context, node driver.PCIAddress, addr catalog.Register, width driver.AccessWidth, value uint64) error {
	if err := driver.CheckBounds("set", node, addr, width); err != nil {
		return err
	}
	path := d.configPath(node)
	return withRetry(ctx, func() error {
		fd, err := unix.Open(path, unix.O_WRONLY, 0)
		if err != nil {
			if os.IsNotExist(err) {
				return errors.NewNotPresent("set", node.String(), err)
			}
			return errors.NewTransport("set", node.String(), uint16(addr), err)
		}
		defer unix.Close(fd)

		buf := make([]byte, int(width))
		putLE(buf, value)
		if _, err := unix.Pwrite(fd, buf, int64(addr)); err != nil {
			return errors.NewTransport("set", node.String(), uint16(addr), err)
		}
		return nil
	})
}

func (d *Driver) ReadMSR(ctx context.Context, cpu int, addr uint32) (uint64, error) {
	path := fmt.Sprintf(d.msrPathFmt, cpu)
	var result uint64
	err := withRetry(ctx, func() error {
		fd, err := unix.Open(path, unix.O_RDONLY, 0)
		if err != nil {
			if os.IsNotExist(err) {
				return errors.NewNotPresent("read_msr", fmt.Sprintf("cpu%d", cpu), err)
			}
			return errors.NewTransport("read_msr", fmt.Sprintf("cpu%d", cpu), uint16(addr), err)
		}
		defer unix.Close(fd)

		buf := make([]byte, 8)
		if _, err := unix.Pread(fd, buf, int64(addr)); err != nil {
			return errors.NewTransport("read_msr", fmt.Sprintf("cpu%d", cpu), uint16(addr), err)
		}
		result = leUint(buf)
		return nil
	})
	return result, err
}

func (d *Driver) WriteMSR(ctx context.Context, cpu int, addr uint32, value uint64) error {
	path := fmt.Sprintf(d.msrPathFmt, cpu)
	return withRetry(ctx, func() error {
		fd, err := unix.Open(path, unix.O_WRONLY, 0)
		if err != nil {
			if os.IsNotExist(err) {
				return errors.NewNotPresent("write_msr", fmt.Sprintf("cpu%d", cpu), err)
			}
			return errors.NewTransport("write_msr", fmt.Sprintf("cpu%d", cpu), uint16(addr), err)
		}
		defer unix.Close(fd)

		buf := make([]byte, 8)
		putLE(buf, value)
		if _, err := unix.Pwrite(fd, buf, int64(addr)); err != nil {
			return errors.NewTransport("write_msr", fmt.Sprintf("cpu%d", cpu), uint16(addr), err)
		}
		return nil
	})
}

func (d *Driver) Scan(ctx context.Context, vendorIDs, deviceIDs []catalog.DeviceID) ([]driver.DeviceDescriptor, error) {
	entries, err := os.ReadDir(d.pciDevicesDir)
	if err != nil {
		// An absent devices directory yields an empty scan, not an
		// error: callers treat scan results as "what is visible now".
		if os.IsNotExist(err) {
			d.log.Info("pci devices directory not present, returning empty scan", "dir", d.pciDevicesDir)
			return nil, nil
		}
		return nil, errors.NewTransport("scan", d.pciDevicesDir, 0, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []driver.DeviceDescriptor
	for _, name := range names {
		addr, ok := driver.ParsePCIAddress(name)
		if !ok {
			continue
		}

		did, err := readHexFile(filepath.Join(d.pciDevicesDir, name, "device"))
		if err != nil {
			d.log.V(1).Info("skipping device without readable id", "device", name, "error", err)
			continue
		}
		vid, err := readHexFile(filepath.Join(d.pciDevicesDir, name, "vendor"))
		if err != nil {
			d.log.V(1).Info("skipping device without readable vendor", "device", name, "error", err)
			continue
		}

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
		if raw, err := readHeaderBytes(d.configPath(addr)); err == nil {
			desc.RawHeader = raw
		}
		out = append(out, desc)
	}
	return out, nil
}

func (d *Driver) CPUInfo(ctx context.Context) (driver.CPUInfo, error) {
	f, err := os.Open(d.cpuInfoPath)
	if err != nil {
		return driver.CPUInfo{}, errors.NewNotPresent("cpu_info", d.cpuInfoPath, err)
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

func readHexFile(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 16)
}

func readHeaderBytes(path string) ([64]byte, error) {
	var out [64]byte
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()
	_, err = f.Read(out[:])
	return out, err
}

func containsID(ids []catalog.DeviceID, id catalog.DeviceID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
