// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"math"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// fPvalue returns P(F > f) for an F(df1, df2) variable. df2 may be
// +Inf.
func fPvalue(f, df1, df2 float64) float64 {
	if math.IsNaN(f) || !(df1 > 0) || !(df2 > 0) {
		return math.NaN()
	}
	if f <= 0 {
		return 1
	}
	if math.IsInf(f, 1) {
		return 0
	}
	if math.IsInf(df2, 1) {
		return distuv.ChiSquared{K: df1}.Survival(f * df1)
	}
	// upper tail as a regularized incomplete beta, avoiding 1-CDF
	return mathext.RegIncBeta(df2/2, df1/2, df2/(df2+df1*f))
}

// tPvalue returns the two-sided p-value of a t statistic with df
// degrees of freedom. df may be +Inf.
func tPvalue(t, df float64) float64 {
	if math.IsNaN(t) || !(df > 0) {
		return math.NaN()
	}
	if math.IsInf(t, 0) {
		return 0
	}
	if math.IsInf(df, 1) {
		return 2 * distuv.UnitNormal.Survival(math.Abs(t))
	}
	return mathext.RegIncBeta(df/2, 0.5, df/(df+t*t))
}
