// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package voomfit

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/arvados/voomfit/linmod"
	log "github.com/sirupsen/logrus"
)

// loadCovariates reads a sample table (CSV, or TSV if the name ends
// in .tsv) with a header row. The sample ID column is the one named
// by cfg.SampleColumn, or the first column. Only the covariates
// listed in cfg are used, in cfg order; if cfg lists none, every
// other column is used in file order.
func loadCovariates(fnm string, cfg *DesignConfig) (*linmod.CovariateTable, error) {
	f, err := zopen(fnm, nil)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	sep := ","
	if strings.HasSuffix(trimCompressionSuffix(fnm), ".tsv") {
		sep = "\t"
	}
	return parseCovariates(buf, sep, fnm, cfg)
}

func parseCovariates(buf []byte, sep, fnm string, cfg *DesignConfig) (*linmod.CovariateTable, error) {
	var header []string
	var rows [][]string
	lineNum := 0
	for _, line := range bytes.Split(buf, []byte{'\n'}) {
		lineNum++
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		split := strings.Split(string(line), sep)
		if header == nil {
			header = split
			continue
		}
		if len(split) != len(header) {
			return nil, fmt.Errorf("%w: %s line %d: %d fields, header has %d", linmod.ErrInvalidInput, fnm, lineNum, len(split), len(header))
		}
		rows = append(rows, split)
	}
	if header == nil {
		return nil, fmt.Errorf("%w: %s: no header row", linmod.ErrInvalidInput, fnm)
	}

	idcol := 0
	if cfg.SampleColumn != "" {
		idcol = indexOf(header, cfg.SampleColumn)
		if idcol < 0 {
			return nil, fmt.Errorf("%w: %s: no sample column %q", linmod.ErrInvalidConfig, fnm, cfg.SampleColumn)
		}
	}
	var use []int
	if len(cfg.Covariates) == 0 {
		for i := range header {
			if i != idcol {
				use = append(use, i)
			}
		}
	} else {
		for _, cc := range cfg.Covariates {
			i := indexOf(header, cc.Name)
			if i < 0 {
				return nil, fmt.Errorf("%w: %s: no column %q", linmod.ErrInvalidConfig, fnm, cc.Name)
			}
			use = append(use, i)
		}
	}

	table := &linmod.CovariateTable{}
	for _, row := range rows {
		table.Observations = append(table.Observations, row[idcol])
	}
	for _, i := range use {
		name := header[i]
		cc, _ := cfg.covariate(name)
		cov, err := parseCovariate(name, cc.Kind, rows, i, table.Observations)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		table.Covariates = append(table.Covariates, cov)
	}
	log.Infof("read %d samples, %d covariates from %s", len(rows), len(table.Covariates), fnm)
	return table, nil
}

// parseCovariate reads column i. With no kind given, a column whose
// values all parse as numbers is numeric.
func parseCovariate(name, kind string, rows [][]string, i int, ids []string) (linmod.Covariate, error) {
	cov := linmod.Covariate{Name: name, Kind: linmod.Categorical}
	values := make([]float64, len(rows))
	numeric := kind != "categorical"
	for r, row := range rows {
		if row[i] == "" || row[i] == "NA" {
			return cov, fmt.Errorf("%w: covariate %q has a missing value for sample %q", linmod.ErrInvalidInput, name, ids[r])
		}
		if !numeric {
			continue
		}
		v, err := strconv.ParseFloat(row[i], 64)
		if err != nil {
			if kind == "numeric" {
				return cov, fmt.Errorf("%w: numeric covariate %q: %s", linmod.ErrInvalidInput, name, err)
			}
			numeric = false
			continue
		}
		values[r] = v
	}
	if numeric {
		cov.Kind = linmod.Numeric
		cov.Values = values
		return cov, nil
	}
	for _, row := range rows {
		cov.Levels = append(cov.Levels, row[i])
	}
	return cov, nil
}

func indexOf(list []string, s string) int {
	for i, x := range list {
		if x == s {
			return i
		}
	}
	return -1
}
