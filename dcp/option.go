// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package dcp

import "fmt"

// ServiceID is the DCP service identifier.
// See IEC 61158-6-10, DCP coding of the field ServiceID.
type ServiceID uint8

// DCP services
const (
	_           ServiceID = iota // 0: reserve
	_                            // 1: reserve
	_                            // 2: reserve
	SrvGet                       // 3: read one option from a known station
	SrvSet                       // 4: write one option to a known station
	SrvIdentify                  // 5: locate stations, multicast
	SrvHello                     // 6: unsolicited station announcement
)

var serviceNames = []string{"reserved0", "reserved1", "reserved2", "Get", "Set", "Identify", "Hello"}

func (sf ServiceID) String() string {
	if int(sf) < len(serviceNames) {
		return "SRV<" + serviceNames[sf] + ">"
	}
	return fmt.Sprintf("SRV<%d>", uint8(sf))
}

// ServiceType is the DCP request/response discriminator.
type ServiceType uint8

// DCP service types
const (
	SrvTypeRequest    ServiceType = 0
	SrvTypeSuccess    ServiceType = 1
	SrvTypeNotSupport ServiceType = 5
)

// Option is a DCP option, paired with a Suboption on every block.
// See IEC 61158-6-10, DCP options.
type Option uint8

// DCP options
const (
	OptIP               Option = 1
	OptDeviceProperties Option = 2
	OptDHCP             Option = 3
	OptControl          Option = 5
	OptDeviceInitiative Option = 6
	OptAll              Option = 255
)

// Suboption is a DCP suboption; meaning depends on the option.
type Suboption uint8

// Option IP suboptions
const (
	SubIPMAC       Suboption = 1
	SubIPParameter Suboption = 2
	SubIPFullSuite Suboption = 3
)

// Option DeviceProperties suboptions
const (
	SubDevVendor      Suboption = 1
	SubDevNameOfStation Suboption = 2
	SubDevID          Suboption = 3
	SubDevRole        Suboption = 4
	SubDevOptions     Suboption = 5
	SubDevAlias       Suboption = 6
)

// Option Control suboptions
const (
	SubCtlStart          Suboption = 1
	SubCtlStop           Suboption = 2
	SubCtlSignal         Suboption = 3
	SubCtlResponse       Suboption = 4
	SubCtlFactoryReset   Suboption = 5
	SubCtlResetToFactory Suboption = 6
)

// BlockError is the result qualifier in a Set/Control response block.
// See IEC 61158-6-10, DCP coding of the field BlockError.
type BlockError uint8

// DCP block errors
const (
	BlockOK             BlockError = iota // no error
	BlockErrOption                        // option not supported
	BlockErrSuboption                     // suboption not supported or no data set available
	BlockErrSubNotSet                     // suboption not set
	BlockErrResource                      // resource error
	BlockErrSetNotAllow                   // set not possible by local reasons
	BlockErrBusy                          // set not possible, operation in progress
)

var blockErrNames = []string{
	"OK",
	"OptionUnsupported",
	"SuboptionUnsupported",
	"SuboptionNotSet",
	"ResourceError",
	"SetNotPossible",
	"Busy",
}

func (sf BlockError) String() string {
	if int(sf) < len(blockErrNames) {
		return "BERR<" + blockErrNames[sf] + ">"
	}
	return fmt.Sprintf("BERR<%d>", uint8(sf))
}

// SetQualifier controls persistence of a Set request.
type SetQualifier uint16

// set qualifiers
const (
	QualifierTemporary SetQualifier = 0 // lost on power cycle
	QualifierPermanent SetQualifier = 1 // stored in the device
)
