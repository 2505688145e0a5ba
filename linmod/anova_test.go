// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"math"

	"gopkg.in/check.v1"
)

type anovaSuite struct{}

var _ = check.Suite(&anovaSuite{})

// interactionDesign has a two-level group, a numeric covariate and a
// two-level factor crossed with group. Dropping s4 and s9 makes cov
// collinear with group.
func interactionDesign(c *check.C) *DesignMatrix {
	d, err := NewDesignMatrix(&CovariateTable{
		Observations: []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9"},
		Covariates: []Covariate{
			{Name: "group", Kind: Categorical, Levels: []string{"A", "A", "A", "A", "B", "B", "B", "B", "B"}},
			{Name: "cov", Kind: Numeric, Values: []float64{1, 1, 1, 5, 2, 2, 2, 2, 7}},
			{Name: "f3", Kind: Categorical, Levels: []string{"x", "y", "x", "y", "x", "y", "x", "y", "x"}},
		},
	}, DesignOptions{Intercept: true})
	c.Assert(err, check.IsNil)
	d, err = d.AddInteraction("group", "f3")
	c.Assert(err, check.IsNil)
	return d
}

func (s *anovaSuite) TestInteractionWithAliasedCovariate(c *check.C) {
	d := interactionDesign(c)
	ninteraction := 0
	for _, col := range d.Columns() {
		if col.Kind == Interaction {
			ninteraction++
			c.Check(col.Name, check.Equals, "groupB:f3y")
			c.Check(col.Term, check.Equals, "group:f3")
		}
	}
	c.Check(ninteraction, check.Equals, 1)

	y := simulate(4, 9, 11)
	y.Set(1, 3, math.NaN())
	y.Set(1, 8, math.NaN())
	fc, err := FitLinearModel(d, &Response{Values: y}, nil, FitOptions{})
	c.Assert(err, check.IsNil)

	full := fc.Fit(0)
	c.Check(full.Rank(), check.Equals, 5)
	c.Check(full.DF(), check.Equals, 4)

	f := fc.Fit(1)
	c.Check(f.Rank(), check.Equals, 4)
	c.Check(f.DF(), check.Equals, 3)
	cov := f.Coefficients()[d.ColumnIndex("cov")]
	c.Check(cov.Estimable(), check.Equals, false)
	c.Check(cov.String(), check.Equals, "NA")
	entry, ok := f.Anova().Entry("cov")
	c.Check(ok, check.Equals, true)
	c.Check(entry.DF, check.Equals, 0.0)
	c.Check(math.IsNaN(entry.P), check.Equals, true)

	for i := 0; i < fc.Len(); i++ {
		ia, ok := fc.Anova(i).Interaction()
		c.Check(ok, check.Equals, true)
		c.Check(ia.Term, check.Equals, "group:f3")
		c.Check(ia.DF, check.Equals, 1.0)
		c.Check(isFinite(ia.P), check.Equals, true, check.Commentf("row %d", i))
		c.Check(len(fc.Anova(i).MainEffects()), check.Equals, 3)
	}

	fc.EBayes()
	for i := 0; i < fc.Len(); i++ {
		ia, ok := fc.Anova(i).Interaction()
		c.Check(ok, check.Equals, true)
		c.Check(isFinite(ia.P), check.Equals, true, check.Commentf("moderated row %d", i))
	}
}

func (s *anovaSuite) TestSequentialSumsOfSquares(c *check.C) {
	d := interactionDesign(c)
	y := simulate(3, 9, 12)
	y.Set(2, 3, math.NaN())
	y.Set(2, 8, math.NaN())
	fc, err := FitLinearModel(d, &Response{Values: y}, nil, FitOptions{})
	c.Assert(err, check.IsNil)
	for i := 0; i < fc.Len(); i++ {
		f := fc.Fit(i)
		var sum, n float64
		for j := 0; j < 9; j++ {
			if v := y.At(i, j); isFinite(v) {
				sum += v
				n++
			}
		}
		mean := sum / n
		var sst float64
		for j := 0; j < 9; j++ {
			if v := y.At(i, j); isFinite(v) {
				sst += (v - mean) * (v - mean)
			}
		}
		tbl := f.Anova()
		total := tbl.Residual.SumSq
		var df float64
		for _, e := range tbl.Entries {
			if e.DF > 0 {
				total += e.SumSq
				df += e.DF
			}
		}
		checkClose(c, total, sst, 1e-9, "row ", i)
		c.Check(df+tbl.Residual.DF, check.Equals, n-1)
		checkClose(c, tbl.Residual.MeanSq, f.Sigma()*f.Sigma(), 1e-12)
		if i < 2 {
			checkClose(c, f.Summary().RSquared, 1-f.RSS()/sst, 1e-9)
		}
	}
}

func (s *anovaSuite) TestSingleTermMatchesOverallF(c *check.C) {
	d, err := NewDesignMatrix(&CovariateTable{
		Covariates: []Covariate{
			{Name: "treatment", Kind: Categorical, Levels: []string{"a", "b", "c", "a", "b", "c", "a", "b", "c"}},
		},
	}, DesignOptions{Intercept: true})
	c.Assert(err, check.IsNil)
	y := simulate(5, 9, 13)
	fc, err := FitLinearModel(d, &Response{Values: y}, nil, FitOptions{})
	c.Assert(err, check.IsNil)
	for i := 0; i < fc.Len(); i++ {
		sum := fc.Summary(i)
		e, ok := sum.Anova.Entry("treatment")
		c.Assert(ok, check.Equals, true)
		c.Check(e.DF, check.Equals, 2.0)
		checkClose(c, e.F, sum.F, 1e-9)
		checkClose(c, e.P, sum.P, 1e-12)
		c.Check(e.IsInteraction(), check.Equals, false)
		_, ok = sum.Anova.Interaction()
		c.Check(ok, check.Equals, false)
	}
}
