// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnrpc

import (
	"fmt"
	"time"
)

// NDRMode controls whether request payloads carry the NDR argument prefix.
type NDRMode uint8

// NDR modes
const (
	NDRWrapped NDRMode = iota // 20-byte argument header ahead of the blocks
	NDRBare                   // blocks start immediately
)

func (sf NDRMode) String() string {
	if sf == NDRWrapped {
		return "ndr"
	}
	return "bare"
}

// OpnumVariant covers stacks that expect the PrmEnd control on a different
// operation number.
type OpnumVariant uint8

// opnum variants
const (
	OpnumStandard       OpnumVariant = iota // control via opnum 4
	OpnumControlAsWrite                     // control tunneled through opnum 3
)

// SlotScope controls the expected submodule block contents.
type SlotScope uint8

// slot scopes
const (
	SlotScopeWithDAP SlotScope = iota // slot-0 access point included
	SlotScopeData                     // data slots only
)

// TimingProfile scales the service timeouts for slow stacks.
type TimingProfile uint8

// timing profiles
const (
	TimingDefault TimingProfile = iota
	TimingRelaxed               // doubled timeouts
)

// Strategy is one combination of wire-level choices for a connect attempt.
// Devices differ; the connector walks the strategy list until one answers.
type Strategy struct {
	NDR        NDRMode
	UUIDFormat UUIDFormat
	Opnum      OpnumVariant
	SlotScope  SlotScope
	Timing     TimingProfile
}

func (sf Strategy) String() string {
	return fmt.Sprintf("strategy<%s,%s,op%d,scope%d,t%d>",
		sf.NDR, sf.UUIDFormat, sf.Opnum, sf.SlotScope, sf.Timing)
}

// Apply scale a timeout by the strategy's timing profile.
func (sf Strategy) Apply(d time.Duration) time.Duration {
	if sf.Timing == TimingRelaxed {
		return 2 * d
	}
	return d
}

// DefaultStrategies the ordered list attempted during connect. The common
// field combination leads; exotic stacks follow.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{NDRWrapped, UUIDFieldSwapped, OpnumStandard, SlotScopeWithDAP, TimingDefault},
		{NDRWrapped, UUIDAsStored, OpnumStandard, SlotScopeWithDAP, TimingDefault},
		{NDRBare, UUIDFieldSwapped, OpnumStandard, SlotScopeData, TimingDefault},
		{NDRBare, UUIDAsStored, OpnumControlAsWrite, SlotScopeData, TimingRelaxed},
	}
}
