// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package voomfit

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/arvados/voomfit/linmod"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type voomCmd struct {
	container containerFlags
}

func (cmd *voomCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return runCommand(cmd.run, prog, args, stdin, stdout, stderr)
}

func (cmd *voomCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.container.Flags(flags, 64000000000)
	designFilename := flags.String("design", "", "design configuration `file` (TOML)")
	samplesFilename := flags.String("samples", "", "sample covariate `file` (CSV or TSV)")
	inputFilename := flags.String("i", "-", "count or log-expression matrix `file` (TSV or .npy, optionally .gz or .zst)")
	counts := flags.Bool("counts", true, "input is raw counts (convert to log2 counts per million)")
	libSizesFilename := flags.String("lib-sizes", "", "library sizes `file` (sample<TAB>size); default column sums")
	normFactorsFilename := flags.String("norm-factors", "", "normalization factors `file` (sample<TAB>factor)")
	fit := flags.Bool("fit", true, "fit the weighted linear model after computing weights")
	outputDir := flags.String("output-dir", "./out", "output `directory`")
	var fo fitOutputOptions
	fo.Flags(flags)
	err := parseFlags(flags, args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if *samplesFilename == "" {
		return fmt.Errorf("%w: -samples is required", linmod.ErrInvalidConfig)
	}
	if !*counts && (*libSizesFilename != "" || *normFactorsFilename != "") {
		return fmt.Errorf("%w: -lib-sizes and -norm-factors only apply to count input", linmod.ErrInvalidConfig)
	}
	cmd.container.startPprof()

	if !cmd.container.local {
		return cmd.container.runRemote("voomfit voom", stdout, func() []string {
			return append([]string{"voom", "-local=true",
				"-pprof=:6060",
				"-design=" + *designFilename,
				"-samples=" + *samplesFilename,
				"-i=" + *inputFilename,
				fmt.Sprintf("-counts=%v", *counts),
				"-lib-sizes=" + *libSizesFilename,
				"-norm-factors=" + *normFactorsFilename,
				fmt.Sprintf("-fit=%v", *fit),
				"-output-dir=/mnt/output",
			}, fo.Args()...)
		}, designFilename, samplesFilename, inputFilename, libSizesFilename, normFactorsFilename)
	}

	cfg, err := LoadDesignConfig(*designFilename)
	if err != nil {
		return err
	}
	design, err := loadDesign(*samplesFilename, cfg)
	if err != nil {
		return err
	}
	resp, err := readMatrix(*inputFilename, stdin)
	if err != nil {
		return err
	}
	opts := cfg.VoomOptions()
	opts.Counts = *counts
	opts.Fit = linmod.FitOptions{Threads: fo.threads, Tolerance: fo.tolerance}
	ids := resp.Observations
	if ids == nil {
		ids = design.Observations()
	}
	if *libSizesFilename != "" {
		opts.LibSizes, err = readSampleValues(*libSizesFilename, ids)
		if err != nil {
			return err
		}
	}
	if *normFactorsFilename != "" {
		opts.NormFactors, err = readSampleValues(*normFactorsFilename, ids)
		if err != nil {
			return err
		}
	}
	log.Info("estimating mean-variance trend")
	res, err := linmod.Voom(design, resp, opts)
	if err != nil {
		return err
	}
	err = writeVoom(*outputDir, res, featureNames(resp), ids)
	if err != nil {
		return err
	}
	if !*fit {
		return nil
	}
	return fo.fitAndWrite(design, res.LogExpr, res.Weights, *outputDir)
}

// writeVoom writes the log-expression matrix, the weights and the
// per-row trend points to dir.
func writeVoom(dir string, res *linmod.VoomResult, features, ids []string) error {
	err := mkdirAll(dir)
	if err != nil {
		return err
	}
	err = writeMatrixTSV(dir+"/logexpr.tsv", "feature", features, ids, res.LogExpr.Values)
	if err != nil {
		return err
	}
	w := weightMatrix(res.Weights, len(ids))
	err = writeNumpy(dir+"/weights.npy", w)
	if err != nil {
		return err
	}
	err = writeMatrixTSV(dir+"/weights.tsv", "feature", features, ids, w)
	if err != nil {
		return err
	}
	return writeFile(dir+"/trend.tsv", func(w *bufio.Writer) error {
		fmt.Fprint(w, "feature\tmean\tsqrt.sd\ttrend\n")
		for i, x := range res.TrendX {
			trend := math.NaN()
			if !math.IsNaN(x) {
				trend = res.Trend.At(x)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", features[i], formatValue(x), formatValue(res.TrendY[i]), formatValue(trend))
		}
		return nil
	})
}

// weightMatrix fills nil rows with NaN.
func weightMatrix(weights linmod.Weights, cols int) *mat.Dense {
	m := mat.NewDense(len(weights), cols, nil)
	for i, row := range weights {
		for j := 0; j < cols; j++ {
			if row == nil {
				m.Set(i, j, math.NaN())
			} else {
				m.Set(i, j, row[j])
			}
		}
	}
	return m
}

// readSampleValues reads a two-column TSV of sample ID and value and
// returns the values in ids order.
func readSampleValues(fnm string, ids []string) ([]float64, error) {
	f, err := zopen(fnm, nil)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return parseSampleValues(buf, fnm, ids)
}

func parseSampleValues(buf []byte, fnm string, ids []string) ([]float64, error) {
	values := map[string]float64{}
	for lineNum, line := range bytes.Split(buf, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		fields := strings.Split(string(line), "\t")
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: %s line %d: %d fields, expected 2", linmod.ErrInvalidInput, fnm, lineNum+1, len(fields))
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			if len(values) == 0 && lineNum == 0 {
				// header
				continue
			}
			return nil, fmt.Errorf("%w: %s line %d: %s", linmod.ErrInvalidInput, fnm, lineNum+1, err)
		}
		values[fields[0]] = v
	}
	out := make([]float64, len(ids))
	for i, id := range ids {
		v, ok := values[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s: no value for sample %q", linmod.ErrInvalidInput, fnm, id)
		}
		out[i] = v
	}
	return out, nil
}
