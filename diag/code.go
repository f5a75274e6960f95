// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package diag

// Code is a stable diagnostic identifier. Codes are part of the external
// contract: collaborators match on the string value, never on the message.
type Code string

// diagnostic codes
const (
	CodeNone Code = ""

	// wire and frame layer
	FrameInvalid   Code = "PN_FRAME_INVALID"
	FrameTooShort  Code = "PN_FRAME_TOO_SHORT"
	BufferTooSmall Code = "PN_BUFFER_TOO_SMALL"

	// protocol layer
	ProtocolError  Code = "PN_PROTOCOL_ERROR"
	ConnectTimeout Code = "PN_CONNECT_TIMEOUT"
	ControlTimeout Code = "PN_CONTROL_TIMEOUT"
	ReadTimeout    Code = "PN_READ_TIMEOUT"
	WriteTimeout   Code = "PN_WRITE_TIMEOUT"
	ReleaseTimeout Code = "PN_RELEASE_TIMEOUT"
	ConnectReject  Code = "PN_CONNECT_REJECT"
	DiffWarning    Code = "DIFF_WARNING"
	DCPSetRejected Code = "DCP_SET_REJECTED"
	NameCollision  Code = "DCP_NAME_COLLISION"

	// cyclic path
	WatchdogExpired     Code = "WATCHDOG_EXPIRED"
	SchedulerOverloaded Code = "SCHEDULER_OVERLOADED"

	// supervisory layer
	StaleCommandRejected Code = "STALE_COMMAND_REJECTED"
	AuthorityConflict    Code = "AUTHORITY_CONFLICT"
	FailoverPromoted     Code = "FAILOVER_PROMOTED"
	HeartbeatLost        Code = "RTU_HEARTBEAT_LOST"

	// platform and resources
	CapabilityMissing Code = "CAPABILITY_MISSING"
	ResourceExhausted Code = "RESOURCE_EXHAUSTED"
	InvalidParameter  Code = "INVALID_PARAMETER"
	IllegalTransition Code = "ILLEGAL_TRANSITION"

	// alarms and historian
	AlarmFlood           Code = "ALARM_FLOOD"
	HistorianPersistFail Code = "HISTORIAN_PERSIST_FAIL"
	ShutdownForced       Code = "SHUTDOWN_FORCED"
)

// Severity ranks a diagnostic event for collaborators.
type Severity uint8

// severities, ascending
const (
	Info Severity = iota
	Warning
	Major
	Critical
)

var severityNames = []string{"INFO", "WARNING", "MAJOR", "CRITICAL"}

func (sf Severity) String() string {
	if int(sf) < len(severityNames) {
		return severityNames[sf]
	}
	return "UNKNOWN"
}
