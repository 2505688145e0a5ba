// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"errors"
	"math"

	"gopkg.in/check.v1"
)

type curveSuite struct{}

var _ = check.Suite(&curveSuite{})

func (s *curveSuite) TestInterpolate(c *check.C) {
	curve, err := NewCurve([]float64{3, 1, 2, 1, math.NaN()}, []float64{30, 10, 20, 99, 5})
	c.Assert(err, check.IsNil)
	c.Check(curve.X, check.DeepEquals, []float64{1, 2, 3})
	c.Check(curve.Y, check.DeepEquals, []float64{10, 20, 30})
	for _, trial := range []struct{ x, y float64 }{
		{-100, 10},
		{1, 10},
		{1.5, 15},
		{2, 20},
		{2.25, 22.5},
		{3, 30},
		{1e9, 30},
		{math.Inf(1), 30},
	} {
		checkClose(c, curve.At(trial.x), trial.y, 1e-12, "x=", trial.x)
	}
	c.Check(math.IsNaN(curve.At(math.NaN())), check.Equals, true)
}

func (s *curveSuite) TestSinglePoint(c *check.C) {
	curve, err := NewCurve([]float64{4}, []float64{0.7})
	c.Assert(err, check.IsNil)
	c.Check(curve.At(-1), check.Equals, 0.7)
	c.Check(curve.At(4), check.Equals, 0.7)
	c.Check(curve.At(9), check.Equals, 0.7)
}

func (s *curveSuite) TestInvalid(c *check.C) {
	_, err := NewCurve([]float64{1, 2}, []float64{1})
	c.Check(errors.Is(err, ErrInvalidInput), check.Equals, true)
	_, err = NewCurve([]float64{math.NaN()}, []float64{1})
	c.Check(errors.Is(err, ErrInvalidInput), check.Equals, true)
}
