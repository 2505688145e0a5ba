// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"math"
)

type CoefficientStat struct {
	Name     string
	Estimate Estimate
	StdErr   Estimate
	T        Estimate
	P        Estimate
}

// Summary holds the derived statistics of one row's fit. When the
// fit collection has been moderated, Sigma2 and DF are the posterior
// variance and degrees of freedom and every test uses them.
type Summary struct {
	Coefficients []CoefficientStat
	Sigma2       float64
	DF           float64
	Moderated    bool

	// Overall F test of all estimable non-intercept columns.
	F   float64
	DF1 float64
	P   float64

	RSquared float64
	Anova    *AnovaTable
}

func (s *Summary) Coefficient(name string) (CoefficientStat, bool) {
	for _, c := range s.Coefficients {
		if c.Name == name {
			return c, true
		}
	}
	return CoefficientStat{}, false
}

// Summary returns the unmoderated summary of f. It is computed once
// and cached.
func (f *Fit) Summary() *Summary {
	f.summaryOnce.Do(func() {
		f.summary = summarize(f, f.sigma*f.sigma, float64(f.df), false)
	})
	return f.summary
}

// Anova returns the unmoderated sequential ANOVA table of f.
func (f *Fit) Anova() *AnovaTable {
	return f.Summary().Anova
}

func summarize(f *Fit, s2, df float64, moderated bool) *Summary {
	s := &Summary{
		Sigma2:    s2,
		DF:        df,
		Moderated: moderated,
		F:         math.NaN(),
		DF1:       0,
		P:         math.NaN(),
		RSquared:  math.NaN(),
	}
	sigma := math.Sqrt(s2)
	usable := df > 0 && !math.IsNaN(s2)
	for j, c := range f.design.columns {
		cs := CoefficientStat{
			Name:     c.Name,
			Estimate: f.coef[j],
		}
		if usable && f.coef[j].Estimable() {
			cs.StdErr = f.stdUnscaled[j].Map(func(u float64) float64 { return u * sigma })
			if se, ok := cs.StdErr.Value(); ok {
				t := f.coef[j].Float() / se
				cs.T = estimateOf(t)
				cs.P = estimateOf(tPvalue(t, df))
			}
		}
		s.Coefficients = append(s.Coefficients, cs)
	}

	var ssModel float64
	for j, c := range f.design.columns {
		if c.Kind == Intercept || !f.coef[j].Estimable() {
			continue
		}
		s.DF1++
		ssModel += f.effects[j] * f.effects[j]
	}
	if s.DF1 > 0 && usable {
		s.F = ssModel / s.DF1 / s2
		s.P = fPvalue(s.F, s.DF1, df)
	}
	if f.design.HasIntercept() && f.coef[0].Estimable() && f.rss+ssModel > 0 {
		s.RSquared = ssModel / (ssModel + f.rss)
	}
	s.Anova = anova(f, s2, df)
	return s
}
