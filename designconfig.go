// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package voomfit

import (
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/arvados/voomfit/linmod"
)

// DesignConfig describes how to build a design matrix from a sample
// covariate table. Example:
//
//	intercept = true
//	level_order = "sorted"
//	interactions = [["treatment", "sex"]]
//
//	[[covariate]]
//	name = "treatment"
//	baseline = "control"
//
//	[[covariate]]
//	name = "age"
//	kind = "numeric"
//
//	[voom]
//	span = 0.5
type DesignConfig struct {
	Intercept    *bool             `toml:"intercept"`
	LevelOrder   string            `toml:"level_order"`
	SampleColumn string            `toml:"sample_column"`
	Covariates   []CovariateConfig `toml:"covariate"`
	Interactions [][]string        `toml:"interactions"`
	Voom         VoomConfig        `toml:"voom"`
}

// CovariateConfig selects one column of the sample table. Kind is
// "categorical", "numeric", or empty to infer from the values.
type CovariateConfig struct {
	Name     string `toml:"name"`
	Kind     string `toml:"kind"`
	Baseline string `toml:"baseline"`
}

type VoomConfig struct {
	Span       float64 `toml:"span"`
	Iterations int     `toml:"iterations"`
}

// LoadDesignConfig reads a TOML design file. An empty filename
// returns the default configuration: intercept, every covariate
// column in file order, sorted levels.
func LoadDesignConfig(fnm string) (*DesignConfig, error) {
	cfg := &DesignConfig{}
	if fnm == "" {
		return cfg, cfg.check()
	}
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return cfg, cfg.decode(f, fnm)
}

func (cfg *DesignConfig) decode(r io.Reader, fnm string) error {
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", linmod.ErrInvalidConfig, fnm, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: %s: unknown keys %v", linmod.ErrInvalidConfig, fnm, undecoded)
	}
	return cfg.check()
}

func (cfg *DesignConfig) check() error {
	switch cfg.LevelOrder {
	case "", "sorted", "appearance":
	default:
		return fmt.Errorf("%w: level_order %q (must be \"sorted\" or \"appearance\")", linmod.ErrInvalidConfig, cfg.LevelOrder)
	}
	seen := map[string]bool{}
	for _, cc := range cfg.Covariates {
		if cc.Name == "" {
			return fmt.Errorf("%w: covariate with no name", linmod.ErrInvalidConfig)
		}
		if seen[cc.Name] {
			return fmt.Errorf("%w: covariate %q listed twice", linmod.ErrInvalidConfig, cc.Name)
		}
		seen[cc.Name] = true
		switch cc.Kind {
		case "", "categorical", "numeric":
		default:
			return fmt.Errorf("%w: covariate %q: kind %q (must be \"categorical\" or \"numeric\")", linmod.ErrInvalidConfig, cc.Name, cc.Kind)
		}
		if cc.Kind == "numeric" && cc.Baseline != "" {
			return fmt.Errorf("%w: numeric covariate %q cannot have a baseline", linmod.ErrInvalidConfig, cc.Name)
		}
	}
	for _, pair := range cfg.Interactions {
		if len(pair) != 2 {
			return fmt.Errorf("%w: interaction %v must name exactly 2 covariates", linmod.ErrInvalidConfig, pair)
		}
	}
	if cfg.Voom.Span < 0 || cfg.Voom.Span > 1 {
		return fmt.Errorf("%w: voom span %g out of range (0,1]", linmod.ErrInvalidConfig, cfg.Voom.Span)
	}
	return nil
}

func (cfg *DesignConfig) intercept() bool {
	return cfg.Intercept == nil || *cfg.Intercept
}

func (cfg *DesignConfig) covariate(name string) (CovariateConfig, bool) {
	for _, cc := range cfg.Covariates {
		if cc.Name == name {
			return cc, true
		}
	}
	return CovariateConfig{}, false
}

// Options returns the linmod design options for cfg.
func (cfg *DesignConfig) Options() linmod.DesignOptions {
	opts := linmod.DesignOptions{
		Intercept: cfg.intercept(),
		Baselines: map[string]string{},
	}
	if cfg.LevelOrder == "appearance" {
		opts.LevelOrder = linmod.Appearance
	}
	for _, cc := range cfg.Covariates {
		if cc.Baseline != "" {
			opts.Baselines[cc.Name] = cc.Baseline
		}
	}
	return opts
}

// Build constructs the design matrix for table, including the
// configured interactions.
func (cfg *DesignConfig) Build(table *linmod.CovariateTable) (*linmod.DesignMatrix, error) {
	design, err := linmod.NewDesignMatrix(table, cfg.Options())
	if err != nil {
		return nil, err
	}
	for _, pair := range cfg.Interactions {
		design, err = design.AddInteraction(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
	}
	return design, nil
}

// VoomOptions returns the trend options for linmod.Voom.
func (cfg *DesignConfig) VoomOptions() linmod.VoomOptions {
	return linmod.VoomOptions{
		Span:       cfg.Voom.Span,
		Iterations: cfg.Voom.Iterations,
	}
}

func (cfg *DesignConfig) String() string {
	var buf strings.Builder
	toml.NewEncoder(&buf).Encode(cfg)
	return buf.String()
}
