// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnet

import "github.com/rob-gra/go-pnio/diag"

var shortTrailerError = diag.Error{
	Op:   "pnet.trailer",
	Code: diag.FrameTooShort,
	Msg:  "RT frame shorter than trailer",
}

// IOxS is a per-slot provider (IOPS) or consumer (IOCS) status byte.
// See IEC 61158-6-10, IO data status.
// bit7: data state, 1 = good
// bit6-5: instance, 00 = detected by subslot
// bit4-0: reserve
type IOxS byte

// IOxS values
const (
	// IOxSBad flags the slot data as unusable.
	IOxSBad IOxS = 0x00
	// IOxSGood flags the slot data as valid.
	IOxSGood IOxS = 0x80
)

// Good reports the data-state bit.
func (sf IOxS) Good() bool { return sf&0x80 != 0 }

func (sf IOxS) String() string {
	if sf.Good() {
		return "IOxS<good>"
	}
	return "IOxS<bad>"
}

// Quality classifies a published process value for consumers of the shared
// state and the historian.
type Quality uint16

// quality values
const (
	QualityBad Quality = iota
	QualityUncertain
	QualityGood
)

var qualityNames = []string{"bad", "uncertain", "good"}

func (sf Quality) String() string {
	if int(sf) < len(qualityNames) {
		return "Q<" + qualityNames[sf] + ">"
	}
	return "Q<invalid>"
}

// QualityOf derive a sample quality from frame status and the slot IOPS.
func QualityOf(ds DataStatus, iops IOxS) Quality {
	switch {
	case ds.Valid() && iops.Good():
		return QualityGood
	case iops.Good():
		return QualityUncertain
	default:
		return QualityBad
	}
}
