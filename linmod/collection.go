// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// FitCollection holds the per-row fits produced by one
// FitLinearModel call, plus the empirical Bayes overlay once EBayes
// has run.
type FitCollection struct {
	Design   *DesignMatrix
	Features []string

	fits []*Fit

	mtx       sync.Mutex
	prior     *Prior
	moderated []moderation
	summaries []*Summary
}

func (fc *FitCollection) Len() int { return len(fc.fits) }

func (fc *FitCollection) Fit(i int) *Fit { return fc.fits[i] }

// FeatureName returns the name of row i, or its index if the
// response had no feature names.
func (fc *FitCollection) FeatureName(i int) string {
	if fc.Features != nil {
		return fc.Features[i]
	}
	return fmt.Sprintf("%d", i)
}

// Summary returns the summary of row i, moderated if EBayes has run.
func (fc *FitCollection) Summary(i int) *Summary {
	fc.mtx.Lock()
	if fc.moderated == nil {
		fc.mtx.Unlock()
		return fc.fits[i].Summary()
	}
	defer fc.mtx.Unlock()
	if fc.summaries[i] == nil {
		m := fc.moderated[i]
		fc.summaries[i] = summarize(fc.fits[i], m.s2, m.df, true)
	}
	return fc.summaries[i]
}

func (fc *FitCollection) Anova(i int) *AnovaTable {
	return fc.Summary(i).Anova
}

// Coefficients returns a design-column × feature matrix, NaN where a
// coefficient is not estimable.
func (fc *FitCollection) Coefficients() *mat.Dense {
	_, p := fc.Design.Dims()
	out := mat.NewDense(p, len(fc.fits), nil)
	for i, f := range fc.fits {
		for j, c := range f.coef {
			out.Set(j, i, c.Float())
		}
	}
	return out
}

// Residuals returns a feature × observation matrix, NaN where an
// observation is missing.
func (fc *FitCollection) Residuals() *mat.Dense {
	n, _ := fc.Design.Dims()
	out := mat.NewDense(len(fc.fits), n, nil)
	for i, f := range fc.fits {
		out.SetRow(i, f.residuals)
	}
	return out
}

type TopTableRow struct {
	Feature string
	Row     int
	LogFC   float64
	AveExpr float64
	T       float64
	P       float64
	AdjP    float64
}

// TopTable ranks all rows by the p-value of the named coefficient
// (moderated if EBayes has run) and adds Benjamini-Hochberg adjusted
// p-values. Rows where the coefficient is not estimable sort last
// with NaN statistics.
func (fc *FitCollection) TopTable(coef string) ([]TopTableRow, error) {
	j := fc.Design.ColumnIndex(coef)
	if j < 0 {
		return nil, fmt.Errorf("%w: no coefficient %q", ErrInvalidConfig, coef)
	}
	rows := make([]TopTableRow, len(fc.fits))
	for i, f := range fc.fits {
		cs := fc.Summary(i).Coefficients[j]
		rows[i] = TopTableRow{
			Feature: fc.FeatureName(i),
			Row:     i,
			LogFC:   cs.Estimate.Float(),
			AveExpr: f.amean,
			T:       cs.T.Float(),
			P:       cs.P.Float(),
		}
	}
	p := make([]float64, len(rows))
	for i, r := range rows {
		p[i] = r.P
	}
	adj := AdjustBH(p)
	for i := range rows {
		rows[i].AdjP = adj[i]
	}
	sort.SliceStable(rows, func(a, b int) bool {
		pa, pb := rows[a].P, rows[b].P
		if math.IsNaN(pb) {
			return !math.IsNaN(pa)
		}
		return pa < pb
	})
	return rows, nil
}

// AdjustBH returns Benjamini-Hochberg adjusted p-values. NaN inputs
// are ignored and stay NaN.
func AdjustBH(p []float64) []float64 {
	adj := make([]float64, len(p))
	var idx []int
	for i, v := range p {
		adj[i] = math.NaN()
		if !math.IsNaN(v) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })
	m := float64(len(idx))
	min := 1.0
	for k := len(idx) - 1; k >= 0; k-- {
		v := p[idx[k]] * m / float64(k+1)
		if v < min {
			min = v
		}
		adj[idx[k]] = min
	}
	return adj
}
