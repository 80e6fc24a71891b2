// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vsi implements driver.Driver against a hypervisor's VSI
// (Virtualization Service Interface) node tree: register values are
// addressed by path string rather than by file descriptor, and all
// access is funneled through a single Channel rather than per-device
// sysfs files.
package vsi

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/antimetal/imcmon/pkg/errors"
	"github.com/antimetal/imcmon/pkg/hw/catalog"
	"github.com/antimetal/imcmon/pkg/hw/driver"
)

// Channel is the transport a VSI Driver speaks over: a single node
// tree exposing get/set by path and a directory listing. The
// hypervisor-side implementation is out of scope for this repo (no
// Go VSI client exists in the ecosystem); Channel is the seam a real
// deployment plugs a vendor transport into.
type Channel interface {
	Get(ctx context.Context, path string) (int64, error)
	Set(ctx context.Context, path string, value int64) error
	List(ctx context.Context, path string) ([]string, error)
}

const (
	pciPathFmt    = "/hardware/pci/seg/0x%x/bus/0x%x/slot/0x%x/func/0x%x/pciConfigReg/size/%d/addr/0x%x"
	msrPathFmt    = "/hardware/msr/pcpu/%d/addr/0x%x"
	pciDevicesDir = "/hardware/pci/devices/"
	pciFuncFmt    = "/hardware/pci/seg/%s/bus/%s/slot/%s/func/%s/"
	pciHeaderNode = "pciConfigHeader"
	cpuInfoNode   = "/hardware/cpu/cpuList/0"
)

// Driver serializes all register access through a single Channel under
// a mutex: the VSI node tree is not a set of independent file
// descriptors the way sysfs is, so concurrent command-entry
// procedures must not interleave get/set pairs.
type Driver struct {
	log logr.Logger
	ch  Channel

	mu sync.Mutex
}

// New constructs a VSI-backed Driver over ch.
func New(log logr.Logger, ch Channel) *Driver {
	return &Driver{log: log.WithName("vsi-driver"), ch: ch}
}

var _ driver.Driver = (*Driver)(nil)

func (d *Driver) Get(ctx context.Context, node driver.PCIAddress, addr catalog.Register, width driver.AccessWidth) (uint64, error) {
	if err := driver.CheckBounds("get", node, addr, width); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if width == driver.Counter {
		lowPath := fmt.Sprintf(pciPathFmt, node.Seg, node.Bus, node.Dev, node.Func, 4, addr)
		low, err := d.ch.Get(ctx, lowPath)
		if err != nil {
			return 0, errors.NewTransport("get", node.String(), uint16(addr), err)
		}
		highPath := fmt.Sprintf(pciPathFmt, node.Seg, node.Bus, node.Dev, node.Func, 2, uint16(addr)+4)
		high, err := d.ch.Get(ctx, highPath)
		if err != nil {
			return 0, errors.NewTransport("get", node.String(), uint16(addr), err)
		}
		return (uint64(high) << 32) | uint64(low), nil
	}

	path := fmt.Sprintf(pciPathFmt, node.Seg, node.Bus, node.Dev, node.Func, int(width), addr)
	value, err := d.ch.Get(ctx, path)
	if err != nil {
		return 0, errors.NewTransport("get", node.String(), uint16(addr), err)
	}
	return uint64(value), nil
}

func (d *Driver) Set(ctx context.Context, node driver.PCIAddress, addr catalog.Register, width driver.AccessWidth, value uint64) error {
	if err := driver.CheckBounds("set", node, addr, width); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	path := fmt.Sprintf(pciPathFmt, node.Seg, node.Bus, node.Dev, node.Func, 4, addr)
	if err := d.ch.Set(ctx, path, int64(value)); err != nil {
		return errors.NewTransport("set", node.String(), uint16(addr), err)
	}
	return nil
}

func (d *Driver) ReadMSR(ctx context.Context, cpu int, addr uint32) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	value, err := d.ch.Get(ctx, fmt.Sprintf(msrPathFmt, cpu, addr))
	if err != nil {
		return 0, errors.NewTransport("read_msr", fmt.Sprintf("cpu%d", cpu), uint16(addr), err)
	}
	return uint64(value), nil
}

func (d *Driver) WriteMSR(ctx context.Context, cpu int, addr uint32, value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ch.Set(ctx, fmt.Sprintf(msrPathFmt, cpu, addr), int64(value)); err != nil {
		return errors.NewTransport("write_msr", fmt.Sprintf("cpu%d", cpu), uint16(addr), err)
	}
	return nil
}

// deviceAddr reads the {seg,bus,dev,func} fields the VSI PCI device
// info node exposes; there is no stable schema library for this, so
// the fields are addressed positionally via dedicated Get calls rather
// than a generic decoder.
func (d *Driver) deviceAddr(ctx context.Context, devNode string) (driver.PCIAddress, error) {
	seg, err := d.ch.Get(ctx, devNode+"/info/seg")
	if err != nil {
		return driver.PCIAddress{}, err
	}
	bus, err := d.ch.Get(ctx, devNode+"/info/bus")
	if err != nil {
		return driver.PCIAddress{}, err
	}
	dev, err := d.ch.Get(ctx, devNode+"/info/dev")
	if err != nil {
		return driver.PCIAddress{}, err
	}
	fn, err := d.ch.Get(ctx, devNode+"/info/func")
	if err != nil {
		return driver.PCIAddress{}, err
	}
	return driver.PCIAddress{Seg: uint16(seg), Bus: uint8(bus), Dev: uint8(dev), Func: uint8(fn)}, nil
}

func (d *Driver) Scan(ctx context.Context, vendorIDs, deviceIDs []catalog.DeviceID) ([]driver.DeviceDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	devs, err := d.ch.List(ctx, pciDevicesDir)
	if err != nil {
		// The enumeration root not resolving means no devices are
		// exposed through this VSI tree: an empty scan, not a failure.
		d.log.Info("vsi pci devices path not present, returning empty scan", "path", pciDevicesDir, "error", err)
		return nil, nil
	}

	var out []driver.DeviceDescriptor
	for _, devNode := range devs {
		addr, err := d.deviceAddr(ctx, pciDevicesDir+devNode)
		if err != nil {
			d.log.V(1).Info("skipping device without readable info", "device", devNode, "error", err)
			continue
		}

		header := fmt.Sprintf(pciFuncFmt, seg4(addr.Seg), hex2(addr.Bus), hex2(addr.Dev), hex1(addr.Func)) + pciHeaderNode
		vendorID, err := d.ch.Get(ctx, header+"/vendorID")
		if err != nil {
			continue
		}
		deviceID, err := d.ch.Get(ctx, header+"/deviceID")
		if err != nil {
			continue
		}

		if len(vendorIDs) > 0 && !containsID(vendorIDs, catalog.DeviceID(vendorID)) {
			continue
		}
		if len(deviceIDs) > 0 && !containsID(deviceIDs, catalog.DeviceID(deviceID)) {
			continue
		}

		out = append(out, driver.DeviceDescriptor{
			Addr:     addr,
			VendorID: catalog.DeviceID(vendorID),
			DeviceID: catalog.DeviceID(deviceID),
		})
	}
	return out, nil
}

func (d *Driver) CPUInfo(ctx context.Context) (driver.CPUInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// The VSI cpuList node exposes a vendor name string node, not a
	// single composite value; real clients decode it through the
	// vendor's VSI schema. Only family and model are read; the vendor
	// is always reported as Intel.
	family, err := d.ch.Get(ctx, cpuInfoNode+"/family")
	if err != nil {
		return driver.CPUInfo{}, errors.NewTransport("cpu_info", cpuInfoNode, 0, err)
	}
	model, err := d.ch.Get(ctx, cpuInfoNode+"/model")
	if err != nil {
		return driver.CPUInfo{}, errors.NewTransport("cpu_info", cpuInfoNode, 0, err)
	}
	return driver.CPUInfo{
		VendorID: catalog.IntelVendorID,
		Family:   uint8(family),
		Model:    uint8(model),
	}, nil
}

func containsID(ids []catalog.DeviceID, id catalog.DeviceID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func seg4(v uint16) string { return fmt.Sprintf("%04x", v) }
func hex2(v uint8) string  { return fmt.Sprintf("%02x", v) }
func hex1(v uint8) string  { return fmt.Sprintf("%x", v) }
