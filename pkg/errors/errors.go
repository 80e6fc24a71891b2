// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}

// Kind classifies the failure modes a hardware-access or command-entry
// procedure can raise. See HwError for the concrete carrier type.
type Kind string

const (
	KindNotPresent     Kind = "not_present"
	KindTransport      Kind = "transport"
	KindMalformedDump  Kind = "malformed_dump"
	KindBadArguments   Kind = "bad_arguments"
	KindUnknownCommand Kind = "unknown_command"
	KindOutOfRange     Kind = "out_of_range"
)

// HwError is the concrete error type raised by driver and command-entry
// code. It carries enough context (node, offset, operation) for the
// scheduler's failure-policy logging without requiring callers to know
// which backend produced it.
type HwError struct {
	Kind   Kind
	Node   string
	Offset uint16
	Op     string
	Err    error
}

func (e *HwError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Node != "" {
		msg += fmt.Sprintf(" node=%s", e.Node)
	}
	if e.Offset != 0 {
		msg += fmt.Sprintf(" offset=0x%x", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HwError) Unwrap() error {
	return e.Err
}

func NewNotPresent(op, node string, err error) *HwError {
	return &HwError{Kind: KindNotPresent, Op: op, Node: node, Err: err}
}

func NewTransport(op, node string, offset uint16, err error) *HwError {
	return &HwError{Kind: KindTransport, Op: op, Node: node, Offset: offset, Err: err}
}

func NewMalformedDump(op string, err error) *HwError {
	return &HwError{Kind: KindMalformedDump, Op: op, Err: err}
}

func NewBadArguments(op string, err error) *HwError {
	return &HwError{Kind: KindBadArguments, Op: op, Err: err}
}

func NewUnknownCommand(name string) *HwError {
	return &HwError{Kind: KindUnknownCommand, Op: name, Err: New("unknown command")}
}

func NewOutOfRange(op, node string, offset uint16, err error) *HwError {
	return &HwError{Kind: KindOutOfRange, Op: op, Node: node, Offset: offset, Err: err}
}

// Of reports whether err (or something it wraps) is an *HwError of the
// given kind.
func Of(err error, kind Kind) bool {
	var hwErr *HwError
	if !As(err, &hwErr) {
		return false
	}
	return hwErr.Kind == kind
}
