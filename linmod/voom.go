// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

type VoomOptions struct {
	// Counts means the response holds raw counts, which are
	// converted to log2 counts per million before fitting.
	Counts bool
	// LibSizes per observation; default is the column sums.
	LibSizes []float64
	// NormFactors multiply the library sizes.
	NormFactors []float64
	// Span of the lowess trend (default 0.5).
	Span float64
	// Robustness iterations of the lowess trend (default 3).
	Iterations int
	Fit        FitOptions
}

// VoomResult is the log-expression matrix, the fitted mean-variance
// trend and the precision weights derived from it.
type VoomResult struct {
	LogExpr  *Response
	LibSizes []float64
	Weights  Weights
	Trend    *Curve
	// TrendX, TrendY are each row's mean log expression and
	// sqrt(residual sd); NaN for rows left out of the trend.
	TrendX []float64
	TrendY []float64
}

const log2Million = 19.931568569324174 // log2(1e6)

// Voom estimates the trend of sqrt(residual sd) against mean log
// expression and returns weights 1/s⁴ where s is the trend evaluated
// at each observation's fitted log count. Rows with no present
// observations get a nil weight row.
func Voom(design *DesignMatrix, resp *Response, opts VoomOptions) (*VoomResult, error) {
	if resp == nil || resp.Values == nil || resp.Values.IsEmpty() {
		return nil, fmt.Errorf("%w: empty response matrix", ErrInvalidInput)
	}
	if opts.Span <= 0 {
		opts.Span = 0.5
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 3
	}
	nrows, nobs := resp.Values.Dims()
	res := &VoomResult{
		LogExpr: resp,
		TrendX:  make([]float64, nrows),
		TrendY:  make([]float64, nrows),
	}
	var shift float64
	if opts.Counts {
		lib, err := libSizes(resp.Values, opts.LibSizes, opts.NormFactors)
		if err != nil {
			return nil, err
		}
		res.LibSizes = lib
		res.LogExpr = logCPM(resp, lib)
		loglib := make([]float64, nobs)
		for j, l := range lib {
			loglib[j] = math.Log2(l + 1)
		}
		shift = stat.Mean(loglib, nil) - log2Million
	}

	fc, err := FitLinearModel(design, res.LogExpr, nil, opts.Fit)
	if err != nil {
		return nil, err
	}

	var xs, ys []float64
	for i := 0; i < nrows; i++ {
		f := fc.Fit(i)
		res.TrendX[i], res.TrendY[i] = math.NaN(), math.NaN()
		if f.df == 0 || !isFinite(f.sigma) {
			continue
		}
		if opts.Counts && rowSum(resp.Values, i) == 0 {
			continue
		}
		res.TrendX[i] = f.amean + shift
		res.TrendY[i] = math.Sqrt(f.sigma)
		xs = append(xs, res.TrendX[i])
		ys = append(ys, res.TrendY[i])
	}
	if len(xs) == 0 {
		return nil, fmt.Errorf("%w: no rows with residual degrees of freedom for the mean-variance trend", ErrInvalidInput)
	}
	ntrend := len(xs)
	xs, ys = uniqueSorted(xs, ys)
	smooth := Lowess(xs, ys, opts.Span, opts.Iterations, -1)
	res.Trend, err = NewCurve(xs, smooth)
	if err != nil {
		return nil, err
	}
	log.Infof("voom: trend fit on %d of %d rows (%d distinct means)", ntrend, nrows, len(xs))

	res.Weights = make(Weights, nrows)
	for i := 0; i < nrows; i++ {
		f := fc.Fit(i)
		if f.nobs == 0 {
			continue
		}
		w := make([]float64, nobs)
		for j, fv := range f.fitted {
			if res.LibSizes != nil {
				// fitted log2 count
				fv += math.Log2(res.LibSizes[j]+1) - log2Million
			}
			sd := res.Trend.At(fv)
			w[j] = 1 / (sd * sd * sd * sd)
			if !(w[j] > 0) || math.IsInf(w[j], 0) {
				w[j] = math.NaN()
			}
		}
		res.Weights[i] = w
	}
	return res, nil
}

// uniqueSorted sorts the points by x and drops later points that
// repeat an x value.
func uniqueSorted(x, y []float64) ([]float64, []float64) {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	var ux, uy []float64
	for _, i := range idx {
		if n := len(ux); n > 0 && ux[n-1] == x[i] {
			continue
		}
		ux = append(ux, x[i])
		uy = append(uy, y[i])
	}
	return ux, uy
}

func libSizes(counts *mat.Dense, lib, norm []float64) ([]float64, error) {
	nrows, nobs := counts.Dims()
	out := make([]float64, nobs)
	if lib != nil {
		if len(lib) != nobs {
			return nil, fmt.Errorf("%w: %d library sizes for %d observations", ErrInvalidInput, len(lib), nobs)
		}
		copy(out, lib)
	} else {
		col := make([]float64, nrows)
		for j := range out {
			mat.Col(col, j, counts)
			for _, v := range col {
				if isFinite(v) {
					out[j] += v
				}
			}
		}
	}
	if norm != nil {
		if len(norm) != nobs {
			return nil, fmt.Errorf("%w: %d normalization factors for %d observations", ErrInvalidInput, len(norm), nobs)
		}
		floats.Mul(out, norm)
	}
	for j, l := range out {
		if !(l > 0) || math.IsInf(l, 0) {
			return nil, fmt.Errorf("%w: library size %g for observation %d", ErrInvalidInput, l, j)
		}
	}
	return out, nil
}

// logCPM returns log2((count+0.5)/(lib+1)·1e6). Missing counts stay
// missing.
func logCPM(resp *Response, lib []float64) *Response {
	nrows, nobs := resp.Values.Dims()
	out := mat.NewDense(nrows, nobs, nil)
	for i := 0; i < nrows; i++ {
		for j := 0; j < nobs; j++ {
			v := resp.Values.At(i, j)
			if !isFinite(v) {
				out.Set(i, j, math.NaN())
				continue
			}
			out.Set(i, j, math.Log2(v+0.5)-math.Log2(lib[j]+1)+log2Million)
		}
	}
	return &Response{
		Features:     resp.Features,
		Observations: resp.Observations,
		Values:       out,
	}
}

func rowSum(m *mat.Dense, i int) float64 {
	var sum float64
	for _, v := range m.RawRowView(i) {
		if isFinite(v) {
			sum += v
		}
	}
	return sum
}
