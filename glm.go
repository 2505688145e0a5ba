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

	"github.com/arvados/voomfit/linmod"
	log "github.com/sirupsen/logrus"
)

// glmCmd fits a Poisson GLM to each row of a count matrix and
// optionally tests one design term by likelihood ratio.
type glmCmd struct {
	container containerFlags
}

func (cmd *glmCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return runCommand(cmd.run, prog, args, stdin, stdout, stderr)
}

func (cmd *glmCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.container.Flags(flags, 64000000000)
	designFilename := flags.String("design", "", "design configuration `file` (TOML)")
	samplesFilename := flags.String("samples", "", "sample covariate `file` (CSV or TSV)")
	inputFilename := flags.String("i", "-", "count matrix `file` (TSV or .npy, optionally .gz or .zst)")
	term := flags.String("term", "", "design `term` to test by likelihood ratio (covariate name, or a:b for an interaction)")
	threads := flags.Int("threads", 16, "number of concurrent fitting threads")
	outputDir := flags.String("output-dir", "./out", "output `directory`")
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
		return cmd.container.runRemote("voomfit glm", stdout, func() []string {
			return []string{"glm", "-local=true",
				"-pprof=:6060",
				"-design=" + *designFilename,
				"-samples=" + *samplesFilename,
				"-i=" + *inputFilename,
				"-term=" + *term,
				fmt.Sprintf("-threads=%d", *threads),
				"-output-dir=/mnt/output",
			}
		}, designFilename, samplesFilename, inputFilename)
	}

	cfg, err := LoadDesignConfig(*designFilename)
	if err != nil {
		return err
	}
	design, err := loadDesign(*samplesFilename, cfg)
	if err != nil {
		return err
	}
	counts, err := readMatrix(*inputFilename, stdin)
	if err != nil {
		return err
	}
	log.Info("fitting count GLMs")
	results, err := linmod.FitCountGLM(design, counts, linmod.CountGLMOptions{
		Term:    *term,
		Threads: *threads,
	})
	if err != nil {
		return err
	}
	err = mkdirAll(*outputDir)
	if err != nil {
		return err
	}
	err = writeGLM(*outputDir+"/glm.tsv", design, featureNames(counts), results, *term != "")
	if err != nil {
		return err
	}
	log.Info("done")
	return nil
}

func writeGLM(fnm string, design *linmod.DesignMatrix, features []string, results []linmod.CountGLMResult, lrt bool) error {
	var adj []float64
	if lrt {
		p := make([]float64, len(results))
		for i, res := range results {
			p[i] = res.P
		}
		adj = linmod.AdjustBH(p)
	}
	columns := design.Columns()
	return writeFile(fnm, func(w *bufio.Writer) error {
		w.WriteString("feature\tnobs\tloglike")
		for _, c := range columns {
			w.WriteString("\t" + c.Name)
		}
		if lrt {
			w.WriteString("\tLR\tdf\tP.Value\tadj.P.Val")
		}
		w.WriteByte('\n')
		for i, res := range results {
			fmt.Fprintf(w, "%s\t%d\t%s", features[i], res.NObs, formatValue(res.LogLike))
			for _, est := range res.Coefficients {
				w.WriteString("\t" + formatValue(est.Float()))
			}
			if lrt {
				df := math.NaN()
				if res.DF > 0 {
					df = float64(res.DF)
				}
				fmt.Fprintf(w, "\t%s\t%s\t%s\t%s", formatValue(res.LR), formatValue(df), formatValue(res.P), formatValue(adj[i]))
			}
			w.WriteByte('\n')
		}
		return nil
	})
}
