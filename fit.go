// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package voomfit

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"runtime"
	"strings"

	"github.com/arvados/voomfit/linmod"
	log "github.com/sirupsen/logrus"
)

type fitCmd struct {
	container containerFlags
}

func (cmd *fitCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return runCommand(cmd.run, prog, args, stdin, stdout, stderr)
}

func (cmd *fitCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.container.Flags(flags, 64000000000)
	designFilename := flags.String("design", "", "design configuration `file` (TOML)")
	samplesFilename := flags.String("samples", "", "sample covariate `file` (CSV or TSV)")
	inputFilename := flags.String("i", "-", "response matrix `file` (TSV or .npy, optionally .gz or .zst)")
	weightsFilename := flags.String("weights", "", "precision weight matrix `file`, same shape as response")
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
	cmd.container.startPprof()

	if !cmd.container.local {
		return cmd.container.runRemote("voomfit fit", stdout, func() []string {
			return append([]string{"fit", "-local=true",
				"-pprof=:6060",
				"-design=" + *designFilename,
				"-samples=" + *samplesFilename,
				"-i=" + *inputFilename,
				"-weights=" + *weightsFilename,
				"-output-dir=/mnt/output",
			}, fo.Args()...)
		}, designFilename, samplesFilename, inputFilename, weightsFilename)
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
	var weights linmod.Weights
	if *weightsFilename != "" {
		wresp, err := readMatrix(*weightsFilename, nil)
		if err != nil {
			return err
		}
		weights, err = alignWeights(resp, wresp)
		if err != nil {
			return err
		}
	}
	return fo.fitAndWrite(design, resp, weights, *outputDir)
}

func loadDesign(samplesFilename string, cfg *DesignConfig) (*linmod.DesignMatrix, error) {
	table, err := loadCovariates(samplesFilename, cfg)
	if err != nil {
		return nil, err
	}
	design, err := cfg.Build(table)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, c := range design.Columns() {
		names = append(names, c.Name)
	}
	log.Infof("design columns: %s", strings.Join(names, ", "))
	return design, nil
}

// alignWeights returns the rows of w as Weights for resp. If both
// matrices have sample names, w's columns are reordered to match.
func alignWeights(resp, w *linmod.Response) (linmod.Weights, error) {
	rr, rc := resp.Values.Dims()
	wr, wc := w.Values.Dims()
	if rr != wr || rc != wc {
		return nil, fmt.Errorf("%w: weights are %d×%d, response is %d×%d", linmod.ErrInvalidInput, wr, wc, rr, rc)
	}
	if resp.Observations == nil || w.Observations == nil {
		return linmod.DenseWeights(w.Values), nil
	}
	col := make(map[string]int, wc)
	for j, id := range w.Observations {
		col[id] = j
	}
	out := make(linmod.Weights, rr)
	for i := range out {
		out[i] = make([]float64, rc)
		for j, id := range resp.Observations {
			wj, ok := col[id]
			if !ok {
				return nil, fmt.Errorf("%w: no weights for sample %q", linmod.ErrInvalidInput, id)
			}
			out[i][j] = w.Values.At(i, wj)
		}
	}
	return out, nil
}

// fitOutputOptions control the fit stage shared by the fit and voom
// commands.
type fitOutputOptions struct {
	ebayes    bool
	coefs     string
	threads   int
	tolerance float64
}

func (fo *fitOutputOptions) Flags(flags *flag.FlagSet) {
	flags.BoolVar(&fo.ebayes, "ebayes", true, "moderate variances with an empirical Bayes prior")
	flags.StringVar(&fo.coefs, "coef", "", "comma-separated design `columns` to write top tables for (default all but intercept)")
	flags.IntVar(&fo.threads, "threads", runtime.NumCPU(), "number of concurrent fitting threads")
	flags.Float64Var(&fo.tolerance, "tolerance", linmod.DefaultTolerance, "relative tolerance for detecting aliased design columns")
}

func (fo *fitOutputOptions) Args() []string {
	return []string{
		fmt.Sprintf("-ebayes=%v", fo.ebayes),
		"-coef=" + fo.coefs,
		fmt.Sprintf("-threads=%d", fo.threads),
		fmt.Sprintf("-tolerance=%g", fo.tolerance),
	}
}

// fitAndWrite fits resp against design and writes coefficients,
// residuals, ANOVA and top tables, and the prior to outputDir.
func (fo *fitOutputOptions) fitAndWrite(design *linmod.DesignMatrix, resp *linmod.Response, weights linmod.Weights, outputDir string) error {
	err := mkdirAll(outputDir)
	if err != nil {
		return err
	}
	log.Info("fitting")
	fc, err := linmod.FitLinearModel(design, resp, weights, linmod.FitOptions{
		Threads:   fo.threads,
		Tolerance: fo.tolerance,
	})
	if err != nil {
		return err
	}
	if fo.ebayes {
		err = writePrior(outputDir+"/prior.json", fc.EBayes())
		if err != nil {
			return err
		}
	}
	design = fc.Design
	features := featureNames(resp)
	var colNames []string
	for _, c := range design.Columns() {
		colNames = append(colNames, c.Name)
	}

	err = writeMatrixTSV(outputDir+"/design.tsv", "sample", design.Observations(), colNames, design.Matrix())
	if err != nil {
		return err
	}
	coef := fc.Coefficients().T()
	err = writeNumpy(outputDir+"/coefficients.npy", coef)
	if err != nil {
		return err
	}
	err = writeMatrixTSV(outputDir+"/coefficients.tsv", "feature", features, colNames, coef)
	if err != nil {
		return err
	}
	err = writeNumpy(outputDir+"/residuals.npy", fc.Residuals())
	if err != nil {
		return err
	}
	err = writeAnova(outputDir+"/anova.tsv", fc, features)
	if err != nil {
		return err
	}

	var coefs []string
	if fo.coefs != "" {
		coefs = strings.Split(fo.coefs, ",")
	} else {
		for _, c := range design.Columns() {
			if c.Kind != linmod.Intercept {
				coefs = append(coefs, c.Name)
			}
		}
	}
	for _, name := range coefs {
		top, err := fc.TopTable(name)
		if err != nil {
			return err
		}
		err = writeTopTable(outputDir+"/top-"+fileSafe(name)+".tsv", top)
		if err != nil {
			return err
		}
	}
	log.Info("done")
	return nil
}

type priorJSON struct {
	DF         *float64 `json:"df"`
	DFInfinite bool     `json:"df_infinite"`
	Variance   *float64 `json:"variance"`
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func writePrior(fnm string, prior linmod.Prior) error {
	return writeJSON(fnm, priorJSON{
		DF:         finiteOrNil(prior.DF),
		DFInfinite: math.IsInf(prior.DF, 1),
		Variance:   finiteOrNil(prior.Variance),
	})
}

func writeTopTable(fnm string, top []linmod.TopTableRow) error {
	return writeFile(fnm, func(w *bufio.Writer) error {
		fmt.Fprint(w, "feature\tlogFC\tAveExpr\tt\tP.Value\tadj.P.Val\n")
		for _, row := range top {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", row.Feature,
				formatValue(row.LogFC), formatValue(row.AveExpr), formatValue(row.T),
				formatValue(row.P), formatValue(row.AdjP))
		}
		return nil
	})
}

// writeAnova writes one row per feature with F and p for each term,
// then the residual dof and variance the tests used.
func writeAnova(fnm string, fc *linmod.FitCollection, features []string) error {
	terms := fc.Design.Terms()
	return writeFile(fnm, func(w *bufio.Writer) error {
		w.WriteString("feature")
		for _, term := range terms {
			fmt.Fprintf(w, "\t%s.df\t%s.F\t%s.P", term, term, term)
		}
		w.WriteString("\tresidual.df\tsigma2\n")
		for i := 0; i < fc.Len(); i++ {
			sum := fc.Summary(i)
			w.WriteString(features[i])
			for _, term := range terms {
				e, _ := sum.Anova.Entry(term)
				fmt.Fprintf(w, "\t%s\t%s\t%s", formatValue(e.DF), formatValue(e.F), formatValue(e.P))
			}
			fmt.Fprintf(w, "\t%s\t%s\n", formatValue(sum.DF), formatValue(sum.Sigma2))
		}
		return nil
	})
}

func fileSafe(name string) string {
	return strings.NewReplacer(":", "_x_", "/", "_", " ", "_").Replace(name)
}
