// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat"
)

// Prior is the scaled inverse-χ² prior on row variances. DF may be
// +Inf, in which case every posterior variance equals Variance.
type Prior struct {
	DF       float64
	Variance float64
}

// FitFDist estimates the prior by matching the first two moments of
// log(variance) to those of a scaled F(dof, DF) distribution. Rows
// with non-finite or non-positive variance or dof are left out. If
// the excess variance of the log variances is not positive, DF is
// +Inf and Variance is the mean variance. With no usable rows both
// fields are NaN.
func FitFDist(variances, dofs []float64) Prior {
	var e, tri, used []float64
	for i, v := range variances {
		d := dofs[i]
		if !(v > 0) || math.IsInf(v, 0) || !(d > 0) || math.IsInf(d, 0) {
			continue
		}
		e = append(e, math.Log(v)-mathext.Digamma(d/2)+math.Log(d/2))
		tri = append(tri, trigamma(d/2))
		used = append(used, v)
	}
	if len(e) == 0 {
		return Prior{DF: math.NaN(), Variance: math.NaN()}
	}
	if len(e) < 2 {
		return Prior{DF: math.Inf(1), Variance: used[0]}
	}
	emean := stat.Mean(e, nil)
	evar := stat.Variance(e, nil) - stat.Mean(tri, nil)
	if evar > 0 {
		df0 := 2 * trigammaInverse(evar)
		if df0 > 0 && !math.IsInf(df0, 0) {
			return Prior{
				DF:       df0,
				Variance: math.Exp(emean + mathext.Digamma(df0/2) - math.Log(df0/2)),
			}
		}
	}
	// pooled variance is the scale MLE when DF is infinite
	return Prior{DF: math.Inf(1), Variance: stat.Mean(used, nil)}
}

// SqueezeVar returns posterior variances
// (dof·variance + prior.DF·prior.Variance) / (dof + prior.DF). Rows
// with no residual dof get the prior variance. A NaN prior leaves the
// variances unchanged.
func SqueezeVar(variances, dofs []float64, prior Prior) []float64 {
	post := make([]float64, len(variances))
	for i, v := range variances {
		d := dofs[i]
		switch {
		case math.IsNaN(prior.Variance) || math.IsNaN(prior.DF):
			post[i] = v
		case math.IsInf(prior.DF, 1):
			post[i] = prior.Variance
		case !(d > 0) || math.IsNaN(v):
			post[i] = prior.Variance
		default:
			post[i] = (d*v + prior.DF*prior.Variance) / (d + prior.DF)
		}
	}
	return post
}

type moderation struct {
	s2 float64
	df float64
}

// EBayes fits a prior to the residual variances of all rows and
// replaces each row's variance and dof with the posterior values in
// every later Summary, Anova and TopTable call. The per-row fits are
// not modified. Calling it again recomputes the prior.
func (fc *FitCollection) EBayes() Prior {
	n := len(fc.fits)
	vars := make([]float64, n)
	dofs := make([]float64, n)
	var dfPooled float64
	for i, f := range fc.fits {
		vars[i] = f.sigma * f.sigma
		dofs[i] = float64(f.df)
		dfPooled += dofs[i]
	}
	prior := FitFDist(vars, dofs)
	post := SqueezeVar(vars, dofs, prior)
	mod := make([]moderation, n)
	for i := range mod {
		mod[i].s2 = post[i]
		if math.IsNaN(prior.DF) {
			mod[i].df = dofs[i]
		} else {
			mod[i].df = math.Min(dofs[i]+prior.DF, dfPooled)
		}
	}
	log.Infof("empirical Bayes prior: df %g, variance %g (%d rows, pooled df %g)", prior.DF, prior.Variance, n, dfPooled)

	fc.mtx.Lock()
	defer fc.mtx.Unlock()
	fc.prior = &prior
	fc.moderated = mod
	fc.summaries = make([]*Summary, n)
	return prior
}

// Prior returns the prior from the last EBayes call.
func (fc *FitCollection) Prior() (Prior, bool) {
	fc.mtx.Lock()
	defer fc.mtx.Unlock()
	if fc.prior == nil {
		return Prior{}, false
	}
	return *fc.prior, true
}

// PosteriorVariance returns the moderated variance and dof of row i,
// or the raw values if EBayes has not run.
func (fc *FitCollection) PosteriorVariance(i int) (s2, df float64) {
	fc.mtx.Lock()
	defer fc.mtx.Unlock()
	if fc.moderated == nil {
		f := fc.fits[i]
		return f.sigma * f.sigma, float64(f.df)
	}
	return fc.moderated[i].s2, fc.moderated[i].df
}
