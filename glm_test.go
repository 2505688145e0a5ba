// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package voomfit

import (
	"math"

	"github.com/arvados/voomfit/linmod"
	"gopkg.in/check.v1"
)

type glmSuite struct{}

var _ = check.Suite(&glmSuite{})

func (s *glmSuite) TestWriteGLM(c *check.C) {
	design, err := linmod.NewDesignMatrix(&linmod.CovariateTable{
		Observations: []string{"a", "b", "c", "d"},
		Covariates:   []linmod.Covariate{{Name: "group", Kind: linmod.Categorical, Levels: []string{"x", "x", "y", "y"}}},
	}, linmod.DesignOptions{Intercept: true})
	c.Assert(err, check.IsNil)
	results := []linmod.CountGLMResult{
		{
			Coefficients: []linmod.Estimate{linmod.Estimated(2), linmod.Estimated(0.5)},
			LogLike:      -10.25,
			LR:           6,
			DF:           1,
			P:            0.01,
			NObs:         4,
		},
		{
			Coefficients: []linmod.Estimate{linmod.Estimated(1), linmod.NotEstimable},
			LogLike:      -3,
			LR:           0,
			DF:           0,
			P:            math.NaN(),
			NObs:         2,
		},
		{
			Coefficients: []linmod.Estimate{linmod.Estimated(1), linmod.Estimated(0)},
			LogLike:      -4,
			LR:           1,
			DF:           1,
			P:            0.04,
			NObs:         4,
		},
	}
	tmpdir := c.MkDir()
	err = writeGLM(tmpdir+"/glm.tsv", design, []string{"f1", "f2", "f3"}, results, true)
	c.Assert(err, check.IsNil)
	c.Check(readLines(c, tmpdir+"/glm.tsv"), check.DeepEquals, []string{
		"feature\tnobs\tloglike\t(Intercept)\tgroupy\tLR\tdf\tP.Value\tadj.P.Val",
		"f1\t4\t-10.25\t2\t0.5\t6\t1\t0.01\t0.02",
		"f2\t2\t-3\t1\tNA\t0\tNA\tNA\tNA",
		"f3\t4\t-4\t1\t0\t1\t1\t0.04\t0.04",
	})

	err = writeGLM(tmpdir+"/nolrt.tsv", design, []string{"f1", "f2", "f3"}, results, false)
	c.Assert(err, check.IsNil)
	lines := readLines(c, tmpdir+"/nolrt.tsv")
	c.Check(lines[0], check.Equals, "feature\tnobs\tloglike\t(Intercept)\tgroupy")
	c.Check(lines[1], check.Equals, "f1\t4\t-10.25\t2\t0.5")
}
