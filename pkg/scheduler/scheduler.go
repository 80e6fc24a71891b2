// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package scheduler runs a fixed set of named commands forever, each
// on its own period, respawning a command as soon as its previous
// invocation completes. Grounded on
// bin/mem_inspector.py's MetricsReader.run/exec_task, which tracks one
// asyncio task per command and waits on asyncio.FIRST_COMPLETED to
// respawn; this is that loop expressed with goroutines and a
// completion channel instead of an event loop.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Command is one scheduled invocation: Name identifies both the
// registry entry to call and the command's slot in the manifest; Argv
// is passed verbatim; Period is the delay before each (re-)invocation,
// matching the original's Command.delay.
type Command struct {
	Name   string
	Argv   []string
	Period time.Duration
}

// RunFunc is the shape Scheduler actually needs: invoke one command by
// name, writing to a sink the caller already closed over. Declared
// instead of depending on pkg/telemetry/commands so pkg/scheduler has
// no import on the command layer it schedules.
type RunFunc func(ctx context.Context, cmd Command) error

// Status is a command's last-observed run state, mirroring the
// teacher's CollectorStatus (pkg/performance.CollectorStatus) reduced
// to the two outcomes a respawn loop can actually distinguish.
type Status string

const (
	// StatusActive means the command's most recent completed
	// invocation returned no error (or has not run yet).
	StatusActive Status = "active"
	// StatusFailed means the command's most recent completed
	// invocation returned an error; it is still rescheduled.
	StatusFailed Status = "failed"
)

// Scheduler runs a fixed manifest of Commands, enforcing at most one
// in-flight invocation per command name and respawning each command
// immediately after it completes.
type Scheduler struct {
	log logr.Logger
	run RunFunc

	mu     sync.RWMutex
	status map[string]Status
}

// New constructs a Scheduler that invokes commands through run.
func New(log logr.Logger, run RunFunc) *Scheduler {
	return &Scheduler{log: log.WithName("scheduler"), run: run, status: make(map[string]Status)}
}

// Status reports the last-observed run state of the command named
// name, and whether it has completed at least one invocation.
func (s *Scheduler) Status(name string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.status[name]
	return st, ok
}

type completion struct {
	cmd Command
	err error
}

// Run executes every command in cmds, respawning each as soon as it
// completes, until ctx is canceled. One goroutine is live per command
// at any moment: exactly the "at most one in-flight invocation per
// name" invariant the original enforces by tracking one asyncio.Task
// per command name.
func (s *Scheduler) Run(ctx context.Context, cmds []Command) {
	done := make(chan completion, len(cmds))

	spawn := func(cmd Command) {
		go func() {
			if cmd.Period > 0 {
				select {
				case <-time.After(cmd.Period):
				case <-ctx.Done():
					done <- completion{cmd: cmd, err: ctx.Err()}
					return
				}
			}
			err := s.run(ctx, cmd)
			done <- completion{cmd: cmd, err: err}
		}()
	}

	for _, cmd := range cmds {
		spawn(cmd)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-done:
			s.mu.Lock()
			if c.err != nil {
				s.status[c.cmd.Name] = StatusFailed
			} else {
				s.status[c.cmd.Name] = StatusActive
			}
			s.mu.Unlock()

			if c.err != nil {
				s.log.Error(c.err, "command invocation failed", "command", c.cmd.Name)
			}
			if ctx.Err() != nil {
				return
			}
			spawn(c.cmd)
		}
	}
}
