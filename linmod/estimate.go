// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"math"
	"strconv"
)

// Estimate is a value that may not be estimable from the data
// available to a row (aliased column, no residual dof). Callers must
// check Estimable or use Float, which maps not-estimable to NaN.
type Estimate struct {
	value float64
	ok    bool
}

func Estimated(v float64) Estimate { return Estimate{value: v, ok: true} }

var NotEstimable = Estimate{}

// estimateOf maps NaN to NotEstimable.
func estimateOf(v float64) Estimate {
	if math.IsNaN(v) {
		return NotEstimable
	}
	return Estimated(v)
}

func (e Estimate) Estimable() bool { return e.ok }

func (e Estimate) Value() (float64, bool) { return e.value, e.ok }

func (e Estimate) Float() float64 {
	if !e.ok {
		return math.NaN()
	}
	return e.value
}

// Map applies fn to an estimable value. A NaN result is not
// estimable.
func (e Estimate) Map(fn func(float64) float64) Estimate {
	if !e.ok {
		return NotEstimable
	}
	v := fn(e.value)
	if math.IsNaN(v) {
		return NotEstimable
	}
	return Estimated(v)
}

func (e Estimate) String() string {
	if !e.ok {
		return "NA"
	}
	return strconv.FormatFloat(e.value, 'g', -1, 64)
}
