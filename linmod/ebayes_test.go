// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/check.v1"
)

type ebayesSuite struct{}

var _ = check.Suite(&ebayesSuite{})

func (s *ebayesSuite) TestPolygamma(c *check.C) {
	checkClose(c, trigamma(1), math.Pi*math.Pi/6, 1e-9)
	checkClose(c, trigamma(0.5), math.Pi*math.Pi/2, 1e-9)
	checkClose(c, trigamma(10), 0.10516633568168575, 1e-9)
	checkClose(c, tetragamma(1), -2.4041138063191885, 1e-9)
	c.Check(math.IsNaN(trigamma(0)), check.Equals, true)
	c.Check(math.IsNaN(tetragamma(-1)), check.Equals, true)
}

func (s *ebayesSuite) TestTrigammaInverse(c *check.C) {
	for _, x := range []float64{0.01, 0.3, 1, 2.5, 5, 50, 1000} {
		got := trigammaInverse(trigamma(x))
		checkClose(c, got/x, 1, 1e-6, "x=", x)
	}
	c.Check(math.IsInf(trigammaInverse(0), 1), check.Equals, true)
	c.Check(math.IsNaN(trigammaInverse(-1)), check.Equals, true)
}

func (s *ebayesSuite) TestFitFDistSimulated(c *check.C) {
	const (
		n  = 2000
		d  = 4.0
		d0 = 6.0
		s0 = 0.5
	)
	src := rand.NewSource(21)
	prior := distuv.ChiSquared{K: d0, Src: src}
	sample := distuv.ChiSquared{K: d, Src: src}
	vars := make([]float64, n)
	dofs := make([]float64, n)
	for i := range vars {
		sigma2 := d0 * s0 / prior.Rand()
		vars[i] = sigma2 * sample.Rand() / d
		dofs[i] = d
	}
	p := FitFDist(vars, dofs)
	c.Logf("prior %+v", p)
	c.Check(p.DF > 3 && p.DF < 12, check.Equals, true, check.Commentf("df %g", p.DF))
	c.Check(p.Variance > 0.35 && p.Variance < 0.7, check.Equals, true, check.Commentf("variance %g", p.Variance))

	post := SqueezeVar(vars, dofs, p)
	for i, v := range post {
		lo, hi := math.Min(vars[i], p.Variance), math.Max(vars[i], p.Variance)
		c.Check(v >= lo-1e-12 && v <= hi+1e-12, check.Equals, true, check.Commentf("row %d: %g not in [%g, %g]", i, v, lo, hi))
	}
}

func (s *ebayesSuite) TestFitFDistDegenerate(c *check.C) {
	p := FitFDist([]float64{0.3, 0.3, 0.3, 0.3}, []float64{5, 5, 5, 5})
	c.Check(math.IsInf(p.DF, 1), check.Equals, true)
	checkClose(c, p.Variance, 0.3, 1e-12)
	for _, v := range SqueezeVar([]float64{0.3, 0.1}, []float64{5, 5}, p) {
		checkClose(c, v, 0.3, 1e-12)
	}

	p = FitFDist([]float64{0.3, math.NaN(), 0, 2}, []float64{5, 5, 5, 0})
	c.Check(math.IsInf(p.DF, 1), check.Equals, true)
	checkClose(c, p.Variance, 0.3, 1e-12)

	p = FitFDist([]float64{math.NaN(), 0}, []float64{0, 3})
	c.Check(math.IsNaN(p.DF), check.Equals, true)
	c.Check(math.IsNaN(p.Variance), check.Equals, true)
	c.Check(SqueezeVar([]float64{0.2, 0.4}, []float64{3, 3}, p), check.DeepEquals, []float64{0.2, 0.4})
}

func (s *ebayesSuite) TestSqueezeVar(c *check.C) {
	p := Prior{DF: 4, Variance: 1}
	post := SqueezeVar([]float64{3, 1, math.NaN()}, []float64{4, 2, 0}, p)
	checkClose(c, post[0], 2, 1e-12)
	checkClose(c, post[1], 1, 1e-12)
	checkClose(c, post[2], 1, 1e-12)
}

func (s *ebayesSuite) TestModeratedSummary(c *check.C) {
	d := twoGroupDesign(c, 3, 3)
	y := simulate(300, 6, 22)
	// one row with no residual dof
	for j := 2; j < 5; j++ {
		y.Set(0, j, math.NaN())
	}
	y.Set(0, 0, math.NaN())
	fc, err := FitLinearModel(d, &Response{Values: y}, nil, FitOptions{})
	c.Assert(err, check.IsNil)
	_, ok := fc.Prior()
	c.Check(ok, check.Equals, false)
	raw := fc.Summary(5)
	c.Check(raw.Moderated, check.Equals, false)
	c.Check(raw.DF, check.Equals, 4.0)

	prior := fc.EBayes()
	got, ok := fc.Prior()
	c.Check(ok, check.Equals, true)
	c.Check(got, check.Equals, prior)
	c.Check(fc.Fit(0).DF(), check.Equals, 0)

	pooled := 0.0
	for i := 0; i < fc.Len(); i++ {
		pooled += float64(fc.Fit(i).DF())
	}
	for i := 0; i < fc.Len(); i++ {
		f := fc.Fit(i)
		sum := fc.Summary(i)
		c.Check(sum.Moderated, check.Equals, true)
		s2, df := fc.PosteriorVariance(i)
		c.Check(sum.Sigma2, check.Equals, s2)
		c.Check(sum.DF, check.Equals, df)
		checkClose(c, df, math.Min(float64(f.DF())+prior.DF, pooled), 1e-9)
		if i == 0 {
			checkClose(c, s2, prior.Variance, 1e-12)
			continue
		}
		cs := sum.Coefficients[1]
		se := f.StdUnscaled()[1].Float() * math.Sqrt(s2)
		checkClose(c, cs.StdErr.Float(), se, 1e-12)
		checkClose(c, cs.T.Float(), f.Coefficients()[1].Float()/se, 1e-9)
		checkClose(c, cs.P.Float(), tPvalue(cs.T.Float(), df), 1e-12)
		// the raw fit is left alone
		c.Check(f.Summary().Moderated, check.Equals, false)
	}
	// row 0 keeps s2 and s6, so both coefficients are estimable
	c.Check(fc.Summary(0).Coefficients[1].T.Estimable(), check.Equals, true)
}

func (s *ebayesSuite) TestPValueTails(c *check.C) {
	checkClose(c, tPvalue(1.96, math.Inf(1)), 0.04999579029644087, 1e-10)
	checkClose(c, tPvalue(2, 10), 0.073388, 1e-6)
	checkClose(c, fPvalue(3.84, 1, math.Inf(1)), tPvalue(math.Sqrt(3.84), math.Inf(1)), 1e-9)
	c.Check(fPvalue(0, 2, 5), check.Equals, 1.0)
	c.Check(math.IsNaN(fPvalue(1, 0, 5)), check.Equals, true)
	c.Check(math.IsNaN(tPvalue(1, 0)), check.Equals, true)
}
