// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scheduler

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// manifestEntry is the on-disk form of a Command, matching spec.md
// §3's Command{name, argv, period_seconds} data model: period is a
// plain non-negative number of seconds, not a Go duration string, so
// manifest files stay agnostic of the implementation language.
type manifestEntry struct {
	Name          string   `yaml:"name" json:"name"`
	Argv          []string `yaml:"argv" json:"argv"`
	PeriodSeconds float64  `yaml:"period_seconds" json:"period_seconds"`
}

// LoadManifest reads a YAML (or JSON, which is a YAML subset) file of
// Command entries. A period_seconds of 0 means "run back-to-back
// without waiting", matching Command.Period's documented zero-value
// behavior.
func LoadManifest(path string) ([]Command, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var entries []manifestEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	cmds := make([]Command, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("manifest %s: entry missing name", path)
		}
		if e.PeriodSeconds < 0 {
			return nil, fmt.Errorf("manifest %s: command %q has negative period_seconds", path, e.Name)
		}
		cmds = append(cmds, Command{
			Name:   e.Name,
			Argv:   e.Argv,
			Period: time.Duration(e.PeriodSeconds * float64(time.Second)),
		})
	}
	return cmds, nil
}
