// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"fmt"
	"math"
	"sort"
)

// Curve is a piecewise-linear function through sorted control
// points. Outside [X[0], X[len-1]] it is constant at the nearest
// endpoint's value.
type Curve struct {
	X []float64
	Y []float64
}

// NewCurve sorts the points by x and keeps the first occurrence of
// each x value. Points with non-finite coordinates are dropped.
func NewCurve(x, y []float64) (*Curve, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("%w: %d x values, %d y values", ErrInvalidInput, len(x), len(y))
	}
	idx := make([]int, 0, len(x))
	for i := range x {
		if isFinite(x[i]) && isFinite(y[i]) {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: no finite curve points", ErrInvalidInput)
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	c := &Curve{}
	for _, i := range idx {
		if n := len(c.X); n > 0 && c.X[n-1] == x[i] {
			continue
		}
		c.X = append(c.X, x[i])
		c.Y = append(c.Y, y[i])
	}
	return c, nil
}

// At interpolates linearly between the two control points that
// bracket x.
func (c *Curve) At(x float64) float64 {
	n := len(c.X)
	switch {
	case math.IsNaN(x):
		return math.NaN()
	case x <= c.X[0]:
		return c.Y[0]
	case x >= c.X[n-1]:
		return c.Y[n-1]
	}
	hi := sort.SearchFloat64s(c.X, x)
	if c.X[hi] == x {
		return c.Y[hi]
	}
	lo := hi - 1
	t := (x - c.X[lo]) / (c.X[hi] - c.X[lo])
	return c.Y[lo] + t*(c.Y[hi]-c.Y[lo])
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
