// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"errors"
	"fmt"
	"math"

	"gopkg.in/check.v1"
)

type collectionSuite struct{}

var _ = check.Suite(&collectionSuite{})

func (s *collectionSuite) TestAdjustBH(c *check.C) {
	adj := AdjustBH([]float64{0.01, 0.04, 0.03, math.NaN(), 0.5})
	checkClose(c, adj[0], 0.04, 1e-12)
	checkClose(c, adj[1], 0.16/3, 1e-12)
	checkClose(c, adj[2], 0.16/3, 1e-12)
	c.Check(math.IsNaN(adj[3]), check.Equals, true)
	checkClose(c, adj[4], 0.5, 1e-12)
	c.Check(AdjustBH(nil), check.HasLen, 0)
}

func (s *collectionSuite) TestTopTable(c *check.C) {
	d := twoGroupDesign(c, 4, 4)
	y := simulate(100, 8, 51)
	var features []string
	for i := 0; i < 100; i++ {
		features = append(features, fmt.Sprintf("gene%03d", i))
		if i < 8 {
			for j := 4; j < 8; j++ {
				y.Set(i, j, y.At(i, j)+6)
			}
		}
	}
	// nothing left in group B
	for j := 4; j < 8; j++ {
		y.Set(99, j, math.NaN())
	}
	fc, err := FitLinearModel(d, &Response{Values: y, Features: features}, nil, FitOptions{})
	c.Assert(err, check.IsNil)
	fc.EBayes()
	top, err := fc.TopTable("groupB")
	c.Assert(err, check.IsNil)
	c.Assert(top, check.HasLen, 100)
	for i, row := range top[:8] {
		c.Check(row.Row < 8, check.Equals, true, check.Commentf("rank %d is %s", i, row.Feature))
		c.Check(row.LogFC > 3, check.Equals, true)
		c.Check(row.AdjP < 0.01, check.Equals, true)
	}
	for i := 1; i < 99; i++ {
		c.Check(top[i].P >= top[i-1].P, check.Equals, true)
		c.Check(top[i].AdjP >= top[i].P, check.Equals, true)
		c.Check(top[i].Feature, check.Equals, features[top[i].Row])
	}
	last := top[99]
	c.Check(last.Feature, check.Equals, "gene099")
	c.Check(math.IsNaN(last.P), check.Equals, true)
	c.Check(math.IsNaN(last.AdjP), check.Equals, true)
	c.Check(math.IsNaN(last.LogFC), check.Equals, true)

	_, err = fc.TopTable("nonexistent")
	c.Check(errors.Is(err, ErrInvalidConfig), check.Equals, true)
}

func (s *collectionSuite) TestMatrices(c *check.C) {
	d := twoGroupDesign(c, 2, 3)
	y := simulate(7, 5, 52)
	y.Set(2, 1, math.NaN())
	fc, err := FitLinearModel(d, &Response{Values: y}, nil, FitOptions{})
	c.Assert(err, check.IsNil)
	coef := fc.Coefficients()
	r, cols := coef.Dims()
	c.Check(r, check.Equals, 2)
	c.Check(cols, check.Equals, 7)
	c.Check(coef.At(1, 3), check.Equals, fc.Fit(3).Coefficients()[1].Float())
	res := fc.Residuals()
	r, cols = res.Dims()
	c.Check(r, check.Equals, 7)
	c.Check(cols, check.Equals, 5)
	c.Check(math.IsNaN(res.At(2, 1)), check.Equals, true)
	c.Check(fc.FeatureName(4), check.Equals, "4")
}
