// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package diag

import (
	"errors"
	"fmt"
	"strings"
)

// Error carries the failed operation, a stable code and optional context.
// Every fallible operation in the controller returns one of these, directly
// or wrapped.
type Error struct {
	Op      string // operation that failed, e.g. "rpc.connect"
	Code    Code   // stable category
	Station string // station name, empty when not device-scoped
	Msg     string // human-readable detail
	Inner   error  // wrapped cause
}

// Error implements the error interface.
func (sf *Error) Error() string {
	var parts []string
	if sf.Op != "" {
		parts = append(parts, "op="+sf.Op)
	}
	if sf.Station != "" {
		parts = append(parts, "station="+sf.Station)
	}
	msg := sf.Msg
	if msg == "" {
		msg = string(sf.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("pnio: %s (%s)", msg, strings.Join(parts, " "))
	}
	return "pnio: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (sf *Error) Unwrap() error { return sf.Inner }

// Is matches on Code so callers can compare against a bare template.
func (sf *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return sf.Code == te.Code
}

// New creates an error with op, code and message.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Newf creates an error with a formatted message.
func Newf(op string, code Code, format string, v ...interface{}) *Error {
	return &Error{Op: op, Code: code, Msg: fmt.Sprintf(format, v...)}
}

// StationError creates an error scoped to a station.
func StationError(op, station string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Station: station, Msg: msg}
}

// Wrap wraps inner keeping its code when it already is a *Error.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var de *Error
	if errors.As(inner, &de) {
		return &Error{Op: op, Code: de.Code, Station: de.Station, Msg: de.Msg, Inner: inner}
	}
	return &Error{Op: op, Code: ProtocolError, Msg: inner.Error(), Inner: inner}
}

// CodeOf extracts the stable code, CodeNone when err carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeNone
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
