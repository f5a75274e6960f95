// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package ar

// State is the application relationship lifecycle state.
type State uint8

// AR states
const (
	Primed             State = iota // configured, no connect issued yet
	ConnectReqSent                  // connect request on the wire
	ConnectRspReceived              // device accepted the connect
	PrmEndSent                      // parametrization end signalled
	AppReadyReceived                // device reported application ready
	Run                             // cyclic data flowing
	RelSent                         // release request on the wire
	Closed                          // released, buffers freed
	Fault                           // watchdog or protocol failure
)

var stateNames = []string{
	"PRIMED",
	"CONNECT_REQ_SENT",
	"CONNECT_RSP_RECEIVED",
	"PRM_END_SENT",
	"APP_READY_RECEIVED",
	"RUN",
	"REL_SENT",
	"CLOSED",
	"FAULT",
}

func (sf State) String() string {
	if int(sf) < len(stateNames) {
		return stateNames[sf]
	}
	return "UNKNOWN"
}

// legalNext is the transition table; anything absent is illegal and refused.
var legalNext = map[State][]State{
	Primed:             {ConnectReqSent, Closed},
	ConnectReqSent:     {ConnectRspReceived, Fault},
	ConnectRspReceived: {PrmEndSent, Fault},
	PrmEndSent:         {AppReadyReceived, Fault},
	AppReadyReceived:   {Run, Fault},
	Run:                {RelSent, Fault},
	RelSent:            {Closed, Fault},
	Fault:              {Primed, Closed},
	Closed:             {},
}

// CanEnter reports whether moving from sf to next is legal.
func (sf State) CanEnter(next State) bool {
	for _, s := range legalNext[sf] {
		if s == next {
			return true
		}
	}
	return false
}

// Live reports whether the AR still owns cyclic resources.
func (sf State) Live() bool {
	switch sf {
	case Closed, Fault:
		return false
	default:
		return true
	}
}
