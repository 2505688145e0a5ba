// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"errors"

	"gopkg.in/check.v1"
)

type designSuite struct{}

var _ = check.Suite(&designSuite{})

var designTable = &CovariateTable{
	Observations: []string{"s1", "s2", "s3", "s4", "s5", "s6"},
	Covariates: []Covariate{
		{Name: "tissue", Kind: Categorical, Levels: []string{"liver", "brain", "liver", "heart", "brain", "heart"}},
		{Name: "rin", Kind: Numeric, Values: []float64{7.1, 8.2, 6.9, 9.0, 7.7, 8.8}},
		{Name: "sex", Kind: Categorical, Levels: []string{"M", "F", "F", "M", "M", "F"}},
	},
}

func columnNames(d *DesignMatrix) []string {
	var names []string
	for _, c := range d.Columns() {
		names = append(names, c.Name)
	}
	return names
}

func (s *designSuite) TestIndicatorColumns(c *check.C) {
	d, err := NewDesignMatrix(designTable, DesignOptions{Intercept: true})
	c.Assert(err, check.IsNil)
	c.Check(columnNames(d), check.DeepEquals, []string{"(Intercept)", "tissueheart", "tissueliver", "rin", "sexM"})
	c.Check(d.Terms(), check.DeepEquals, []string{"tissue", "rin", "sex"})
	x := d.Matrix()
	c.Check(x.RawRowView(0), check.DeepEquals, []float64{1, 0, 1, 7.1, 1})
	c.Check(x.RawRowView(1), check.DeepEquals, []float64{1, 0, 0, 8.2, 0})
	c.Check(x.RawRowView(3), check.DeepEquals, []float64{1, 1, 0, 9.0, 1})
	cols := d.Columns()
	c.Check(cols[1].Kind, check.Equals, Indicator)
	c.Check(cols[1].Baseline, check.Equals, "brain")
	c.Check(cols[3].Kind, check.Equals, Continuous)
	levels, baseline, err := d.Levels("tissue")
	c.Check(err, check.IsNil)
	c.Check(baseline, check.Equals, "brain")
	c.Check(levels, check.DeepEquals, []string{"brain", "heart", "liver"})
}

func (s *designSuite) TestBaselineOverride(c *check.C) {
	d, err := NewDesignMatrix(designTable, DesignOptions{
		Intercept: true,
		Baselines: map[string]string{"tissue": "liver"},
	})
	c.Assert(err, check.IsNil)
	c.Check(columnNames(d), check.DeepEquals, []string{"(Intercept)", "tissuebrain", "tissueheart", "rin", "sexM"})

	d, err = NewDesignMatrix(designTable, DesignOptions{LevelOrder: Appearance})
	c.Assert(err, check.IsNil)
	c.Check(columnNames(d), check.DeepEquals, []string{"tissuebrain", "tissueheart", "rin", "sexF"})
	c.Check(d.HasIntercept(), check.Equals, false)
}

func (s *designSuite) TestConfigErrors(c *check.C) {
	_, err := NewDesignMatrix(designTable, DesignOptions{Baselines: map[string]string{"tissue": "kidney"}})
	c.Check(errors.Is(err, ErrInvalidConfig), check.Equals, true)
	_, err = NewDesignMatrix(designTable, DesignOptions{Baselines: map[string]string{"batch": "b1"}})
	c.Check(errors.Is(err, ErrInvalidConfig), check.Equals, true)
	_, err = NewDesignMatrix(&CovariateTable{
		Covariates: []Covariate{
			{Name: "a", Kind: Categorical, Levels: []string{"x", "y"}},
			{Name: "b", Kind: Numeric, Values: []float64{1, 2, 3}},
		},
	}, DesignOptions{Intercept: true})
	c.Check(errors.Is(err, ErrInvalidInput), check.Equals, true)

	d, err := NewDesignMatrix(designTable, DesignOptions{Intercept: true})
	c.Assert(err, check.IsNil)
	_, err = d.AddInteraction("tissue", "batch")
	c.Check(errors.Is(err, ErrInvalidConfig), check.Equals, true)
	_, err = d.AddInteraction("sex", "sex")
	c.Check(errors.Is(err, ErrInvalidConfig), check.Equals, true)
	d2, err := d.AddInteraction("tissue", "sex")
	c.Assert(err, check.IsNil)
	_, err = d2.AddInteraction("sex", "tissue")
	c.Check(errors.Is(err, ErrInvalidConfig), check.Equals, true)

	single, err := NewDesignMatrix(&CovariateTable{
		Covariates: []Covariate{
			{Name: "a", Kind: Categorical, Levels: []string{"x", "y", "x"}},
			{Name: "b", Kind: Categorical, Levels: []string{"z", "z", "z"}},
		},
	}, DesignOptions{Intercept: true})
	c.Assert(err, check.IsNil)
	_, err = single.AddInteraction("a", "b")
	c.Check(errors.Is(err, ErrInvalidConfig), check.Equals, true)
}

func (s *designSuite) TestInteraction(c *check.C) {
	d, err := NewDesignMatrix(designTable, DesignOptions{Intercept: true})
	c.Assert(err, check.IsNil)
	d, err = d.AddInteraction("tissue", "rin")
	c.Assert(err, check.IsNil)
	d, err = d.AddInteraction("tissue", "sex")
	c.Assert(err, check.IsNil)
	c.Check(columnNames(d), check.DeepEquals, []string{
		"(Intercept)", "tissueheart", "tissueliver", "rin", "sexM",
		"tissueheart:rin", "tissueliver:rin",
		"tissueheart:sexM", "tissueliver:sexM",
	})
	c.Check(d.Terms(), check.DeepEquals, []string{"tissue", "rin", "sex", "tissue:rin", "tissue:sex"})
	x := d.Matrix()
	c.Check(x.RawRowView(0)[5:], check.DeepEquals, []float64{0, 7.1, 0, 1})
	c.Check(x.RawRowView(3)[5:], check.DeepEquals, []float64{9.0, 0, 1, 0})
	for _, col := range d.Columns()[5:] {
		c.Check(col.Kind, check.Equals, Interaction)
	}
}

func (s *designSuite) TestAlign(c *check.C) {
	d, err := NewDesignMatrix(designTable, DesignOptions{Intercept: true})
	c.Assert(err, check.IsNil)
	same, err := d.Align([]string{"s1", "s2", "s3", "s4", "s5", "s6"})
	c.Check(err, check.IsNil)
	c.Check(same, check.Equals, d)

	r, err := d.Align([]string{"s6", "s5", "s4", "s3", "s2", "s1"})
	c.Assert(err, check.IsNil)
	c.Check(r.Observations()[0], check.Equals, "s6")
	c.Check(r.Matrix().RawRowView(0), check.DeepEquals, d.Matrix().RawRowView(5))

	_, err = d.Align([]string{"s1", "s2", "s3", "s4", "s5", "s7"})
	c.Check(errors.Is(err, ErrInvalidInput), check.Equals, true)
	_, err = d.Align([]string{"s1", "s1", "s3", "s4", "s5", "s6"})
	c.Check(errors.Is(err, ErrInvalidInput), check.Equals, true)
	_, err = d.Align([]string{"s1"})
	c.Check(errors.Is(err, ErrInvalidInput), check.Equals, true)
}
