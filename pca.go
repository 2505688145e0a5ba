// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package voomfit

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"

	"github.com/arvados/voomfit/linmod"
	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// pcaCmd projects samples onto the principal components of an
// expression matrix, for checking batch structure before choosing a
// design.
type pcaCmd struct {
	container containerFlags
}

func (cmd *pcaCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return runCommand(cmd.run, prog, args, stdin, stdout, stderr)
}

func (cmd *pcaCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.container.Flags(flags, 300000000000)
	inputFilename := flags.String("i", "-", "feature × sample matrix `file` (TSV or .npy, optionally .gz or .zst)")
	components := flags.Int("components", 4, "number of components")
	log2 := flags.Bool("log2", false, "transform values to log2(x+1) first")
	outputDir := flags.String("output-dir", "./out", "output `directory`")
	err := parseFlags(flags, args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if *components < 1 {
		return fmt.Errorf("%w: -components must be positive", linmod.ErrInvalidConfig)
	}
	cmd.container.startPprof()

	if !cmd.container.local {
		return cmd.container.runRemote("voomfit pca", stdout, func() []string {
			return []string{"pca", "-local=true",
				"-pprof=:6060",
				"-i=" + *inputFilename,
				fmt.Sprintf("-components=%d", *components),
				fmt.Sprintf("-log2=%v", *log2),
				"-output-dir=/mnt/output",
			}
		}, inputFilename)
	}

	resp, err := readMatrix(*inputFilename, stdin)
	if err != nil {
		return err
	}
	mtx, kept := pcaInput(resp.Values, *log2)
	log.Infof("using %d of %d features with no missing values", len(kept), resp.Values.RawMatrix().Rows)
	if len(kept) == 0 {
		return errors.New("no features without missing values")
	}
	_, nobs := mtx.Dims()
	if *components > len(kept) || *components > nobs {
		return fmt.Errorf("%w: %d components requested from a %d×%d matrix", linmod.ErrInvalidInput, *components, len(kept), nobs)
	}

	log.Print("fitting")
	transformer := nlp.NewPCA(*components)
	transformer.Fit(mtx)
	log.Print("transforming")
	var out mat.Matrix
	out, err = transformer.Transform(mtx)
	if err != nil {
		return err
	}
	out = out.T()

	ids := resp.Observations
	if ids == nil {
		ids = make([]string, nobs)
		for j := range ids {
			ids[j] = fmt.Sprintf("%d", j)
		}
	}
	pcs := make([]string, *components)
	for k := range pcs {
		pcs[k] = fmt.Sprintf("PC%d", k+1)
	}
	err = mkdirAll(*outputDir)
	if err != nil {
		return err
	}
	err = writeNumpy(*outputDir+"/pca.npy", out)
	if err != nil {
		return err
	}
	err = writeMatrixTSV(*outputDir+"/pca.tsv", "sample", ids, pcs, out)
	if err != nil {
		return err
	}
	log.Print("done")
	return nil
}

// pcaInput returns the rows of m that have no missing values,
// optionally log2(x+1) transformed, each centered on its mean, and
// the indices of the rows kept.
func pcaInput(m *mat.Dense, log2 bool) (*mat.Dense, []int) {
	rows, cols := m.Dims()
	var kept []int
	var data []float64
	row := make([]float64, cols)
nextRow:
	for i := 0; i < rows; i++ {
		mat.Row(row, i, m)
		sum := 0.0
		for j, v := range row {
			if log2 {
				v = math.Log2(v + 1)
				row[j] = v
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue nextRow
			}
			sum += v
		}
		mean := sum / float64(cols)
		for _, v := range row {
			data = append(data, v-mean)
		}
		kept = append(kept, i)
	}
	if len(kept) == 0 {
		return nil, nil
	}
	return mat.NewDense(len(kept), cols, data), kept
}
