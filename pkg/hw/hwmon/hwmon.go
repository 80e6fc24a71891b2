// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package hwmon reads DIMM/package temperatures through the kernel's
// unified hwmon sysfs interface
// (https://www.kernel.org/doc/Documentation/hwmon/sysfs-interface).
package hwmon

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/antimetal/imcmon/pkg/errors"
)

const (
	defaultHwmonDir = "/sys/class/hwmon"
	maxSensor       = 63
)

// TempDevice is one hwmon temperature sensor reading, scaled from the
// kernel's milli-degree-Celsius integers to degrees Celsius.
type TempDevice struct {
	Socket int
	Sensor int
	Input  float64
	Max    float64
	Crit   float64
	Label  string
}

// Reader reads hwmon temperature sensors from sysfs.
type Reader struct {
	log logr.Logger
	dir string
}

// Option configures a Reader.
type Option func(*Reader)

// WithRootOverride points the reader at an alternate hwmon root, for
// tests that stage a fake sysfs tree.
func WithRootOverride(dir string) Option {
	return func(r *Reader) { r.dir = dir }
}

// New constructs a Reader rooted at /sys/class/hwmon.
func New(log logr.Logger, opts ...Option) *Reader {
	r := &Reader{log: log.WithName("hwmon-reader"), dir: defaultHwmonDir}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetTemperatures enumerates every hwmonN device and every sensor 1..63
// under it that has a readable "input" file, matching HWMON.get_temperatures.
func (r *Reader) GetTemperatures() ([]TempDevice, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		// A host without hwmon support has no sensors to report;
		// that is an empty result, not a failure.
		if os.IsNotExist(err) {
			r.log.Info("hwmon directory not present, returning no sensors", "dir", r.dir)
			return nil, nil
		}
		return nil, errors.NewTransport("read_hwmon_temp", r.dir, 0, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []TempDevice
	for _, name := range names {
		socket, ok := parseSocket(name)
		if !ok {
			continue
		}

		for sensor := 1; sensor <= maxSensor; sensor++ {
			inputPath := r.sensorPath(socket, sensor, "input")
			if _, err := os.Stat(inputPath); err != nil {
				continue
			}

			input, err := readMilliDegrees(inputPath)
			if err != nil {
				r.log.V(1).Info("skipping sensor with unreadable input", "socket", socket, "sensor", sensor, "error", err)
				continue
			}
			maxT, err := readMilliDegrees(r.sensorPath(socket, sensor, "max"))
			if err != nil {
				continue
			}
			crit, err := readMilliDegrees(r.sensorPath(socket, sensor, "crit"))
			if err != nil {
				continue
			}
			label, err := readLabel(r.sensorPath(socket, sensor, "label"))
			if err != nil {
				continue
			}

			out = append(out, TempDevice{
				Socket: socket,
				Sensor: sensor,
				Input:  input,
				Max:    maxT,
				Crit:   crit,
				Label:  label,
			})
		}
	}
	return out, nil
}

func (r *Reader) sensorPath(socket, sensor int, field string) string {
	return fmt.Sprintf("%s/hwmon%d/temp%d_%s", r.dir, socket, sensor, field)
}

func parseSocket(dirName string) (int, bool) {
	const prefix = "hwmon"
	if !strings.HasPrefix(dirName, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(dirName, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

func readMilliDegrees(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, err
	}
	return float64(n) / 1000, nil
}

func readLabel(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
