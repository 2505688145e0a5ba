// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package voomfit

import (
	"errors"
	"io/ioutil"
	"strings"

	"github.com/arvados/voomfit/linmod"
	"gopkg.in/check.v1"
)

type designConfigSuite struct{}

var _ = check.Suite(&designConfigSuite{})

func (s *designConfigSuite) TestDefaults(c *check.C) {
	cfg, err := LoadDesignConfig("")
	c.Assert(err, check.IsNil)
	opts := cfg.Options()
	c.Check(opts.Intercept, check.Equals, true)
	c.Check(opts.LevelOrder, check.Equals, linmod.Sorted)
	c.Check(opts.Baselines, check.HasLen, 0)
	vo := cfg.VoomOptions()
	c.Check(vo.Span, check.Equals, 0.0)
	c.Check(vo.Iterations, check.Equals, 0)
}

func (s *designConfigSuite) TestDecode(c *check.C) {
	cfg := &DesignConfig{}
	err := cfg.decode(strings.NewReader(`
intercept = false
level_order = "appearance"
sample_column = "id"
interactions = [["treatment", "sex"]]

[[covariate]]
name = "treatment"
baseline = "control"

[[covariate]]
name = "sex"

[voom]
span = 0.3
iterations = 4
`), "test.toml")
	c.Assert(err, check.IsNil)
	c.Check(cfg.SampleColumn, check.Equals, "id")
	c.Check(cfg.Covariates, check.HasLen, 2)
	c.Check(cfg.Interactions, check.DeepEquals, [][]string{{"treatment", "sex"}})
	opts := cfg.Options()
	c.Check(opts.Intercept, check.Equals, false)
	c.Check(opts.LevelOrder, check.Equals, linmod.Appearance)
	c.Check(opts.Baselines, check.DeepEquals, map[string]string{"treatment": "control"})
	vo := cfg.VoomOptions()
	c.Check(vo.Span, check.Equals, 0.3)
	c.Check(vo.Iterations, check.Equals, 4)
}

func (s *designConfigSuite) TestInvalid(c *check.C) {
	for _, trial := range []string{
		`unknown_key = 1`,
		`level_order = "random"`,
		`interactions = [["a", "b", "c"]]`,
		"[[covariate]]\nkind = \"numeric\"",
		"[[covariate]]\nname = \"age\"\nkind = \"integer\"",
		"[[covariate]]\nname = \"age\"\nkind = \"numeric\"\nbaseline = \"30\"",
		"[[covariate]]\nname = \"a\"\n[[covariate]]\nname = \"a\"",
		"[voom]\nspan = 1.5",
		"[voom]\nbandwidth = 0.5",
		`intercept = "yes"`,
	} {
		cfg := &DesignConfig{}
		err := cfg.decode(strings.NewReader(trial), "test.toml")
		c.Check(errors.Is(err, linmod.ErrInvalidConfig), check.Equals, true, check.Commentf("%q: %v", trial, err))
	}
}

func (s *designConfigSuite) TestBuildWithInteraction(c *check.C) {
	tmpdir := c.MkDir()
	err := ioutil.WriteFile(tmpdir+"/design.toml", []byte(`
interactions = [["group", "sex"]]
[[covariate]]
name = "group"
[[covariate]]
name = "sex"
baseline = "M"
`), 0644)
	c.Assert(err, check.IsNil)
	cfg, err := LoadDesignConfig(tmpdir + "/design.toml")
	c.Assert(err, check.IsNil)
	table, err := parseCovariates([]byte("id,group,sex\na,A,F\nb,A,M\nc,B,F\nd,B,M\ne,A,F\nf,B,M\n"), ",", "samples.csv", cfg)
	c.Assert(err, check.IsNil)
	design, err := cfg.Build(table)
	c.Assert(err, check.IsNil)
	var names []string
	for _, col := range design.Columns() {
		names = append(names, col.Name)
	}
	c.Check(names, check.DeepEquals, []string{"(Intercept)", "groupB", "sexF", "groupB:sexF"})
	c.Check(design.Terms(), check.DeepEquals, []string{"group", "sex", "group:sex"})

	cfg.Interactions = [][]string{{"group", "missing"}}
	_, err = cfg.Build(table)
	c.Check(errors.Is(err, linmod.ErrInvalidConfig), check.Equals, true, check.Commentf("%v", err))
}

func (s *designConfigSuite) TestString(c *check.C) {
	cfg := &DesignConfig{Covariates: []CovariateConfig{{Name: "group", Baseline: "ctl"}}}
	out := cfg.String()
	c.Check(out, check.Matches, `(?ms).*\[\[covariate\]\].*name = "group".*baseline = "ctl".*`)
	again := &DesignConfig{}
	c.Check(again.decode(strings.NewReader(out), "encoded"), check.IsNil)
	c.Check(again.Covariates, check.DeepEquals, cfg.Covariates)
}
