// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"fmt"
	"io"
	stdlog "log"
	"math"
	"runtime"
	"sort"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

type CountGLMOptions struct {
	// Term whose columns are dropped for the likelihood-ratio
	// test. Empty means no test.
	Term    string
	Threads int
}

// CountGLMResult is the Poisson GLM fit of one count row.
type CountGLMResult struct {
	Coefficients []Estimate
	LogLike      float64
	// Likelihood-ratio statistic, its dof and p-value for Term.
	LR   float64
	DF   int
	P    float64
	NObs int
}

func newCountGLMConfig() *glm.Config {
	return &glm.Config{
		Family:         glm.NewFamily(glm.PoissonFamily),
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		Log:            stdlog.New(io.Discard, "", 0),
	}
}

// FitCountGLM fits a log-link Poisson GLM of every count row against
// design, dropping the row's missing observations and the columns
// aliased on the rest. A row whose fit fails (singular IRLS step) gets
// NaN results.
func FitCountGLM(design *DesignMatrix, counts *Response, opts CountGLMOptions) ([]CountGLMResult, error) {
	if counts == nil || counts.Values == nil || counts.Values.IsEmpty() {
		return nil, fmt.Errorf("%w: empty count matrix", ErrInvalidInput)
	}
	nrows, nobs := counts.Values.Dims()
	if counts.Observations != nil {
		var err error
		design, err = design.Align(counts.Observations)
		if err != nil {
			return nil, err
		}
	} else if n, _ := design.Dims(); n != nobs {
		return nil, fmt.Errorf("%w: design has %d observations, count matrix has %d columns", ErrInvalidInput, n, nobs)
	}
	var termCols []int
	if opts.Term != "" {
		for j, c := range design.columns {
			if c.Term == opts.Term {
				termCols = append(termCols, j)
			}
		}
		if len(termCols) == 0 {
			return nil, fmt.Errorf("%w: no design term %q", ErrInvalidConfig, opts.Term)
		}
	}
	threads := opts.Threads
	if threads < 1 {
		threads = runtime.GOMAXPROCS(0)
	}
	out := make([]CountGLMResult, nrows)
	th := throttle{Max: threads}
	for i := 0; i < nrows; i++ {
		i := i
		th.Go(func() error {
			y := mat.Row(nil, i, counts.Values)
			out[i] = fitCountRow(design, y, termCols)
			return nil
		})
	}
	th.Wait()
	return out, nil
}

func fitCountRow(design *DesignMatrix, y []float64, termCols []int) (res CountGLMResult) {
	_, p := design.Dims()
	res = CountGLMResult{
		Coefficients: make([]Estimate, p),
		LogLike:      math.NaN(),
		LR:           math.NaN(),
		P:            math.NaN(),
	}
	var present []int
	for j, v := range y {
		if isFinite(v) {
			present = append(present, j)
		}
	}
	res.NObs = len(present)
	if len(present) == 0 {
		return
	}
	xr := mat.NewDense(len(present), p, nil)
	for i, obs := range present {
		xr.SetRow(i, design.x.RawRowView(obs))
	}
	q := decompose(xr, DefaultTolerance)
	if len(present) <= q.rank {
		return
	}
	keep := append([]int(nil), q.pivot[:q.rank]...)
	sort.Ints(keep)

	outcome := make([]statmodel.Dtype, len(present))
	for i, obs := range present {
		outcome[i] = statmodel.Dtype(y[obs])
	}
	data := [][]statmodel.Dtype{outcome}
	names := []string{"y"}
	inTerm := map[int]bool{}
	for _, j := range termCols {
		inTerm[j] = true
	}
	var reduced []string
	for _, j := range keep {
		name := fmt.Sprintf("x%d", j)
		series := make([]statmodel.Dtype, len(present))
		for i := range series {
			series[i] = statmodel.Dtype(xr.At(i, j))
		}
		data = append(data, series)
		names = append(names, name)
		if !inTerm[j] {
			reduced = append(reduced, name)
		}
	}
	dataset := statmodel.NewDataset(data, names)

	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular"
			res.LR, res.P = math.NaN(), math.NaN()
		}
	}()
	model, err := glm.NewGLM(dataset, "y", names[1:], newCountGLMConfig())
	if err != nil {
		return
	}
	full := model.Fit()
	res.LogLike = full.LogLike()
	for k, v := range full.Params() {
		res.Coefficients[keep[k]] = Estimated(v)
	}
	res.DF = len(keep) - len(reduced)
	if len(termCols) == 0 || res.DF == 0 || len(reduced) == 0 {
		return
	}
	model, err = glm.NewGLM(dataset, "y", reduced, newCountGLMConfig())
	if err != nil {
		return
	}
	res.LR = 2 * (res.LogLike - model.Fit().LogLike())
	if res.LR < 0 {
		res.LR = 0
	}
	res.P = distuv.ChiSquared{K: float64(res.DF)}.Survival(res.LR)
	return
}
