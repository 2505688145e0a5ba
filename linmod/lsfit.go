// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Response is a feature × observation matrix. NaN and ±Inf cells are
// missing. Features and Observations are optional; when
// Observations is given, design rows are matched to it by name.
type Response struct {
	Features     []string
	Observations []string
	Values       *mat.Dense
}

// Weights holds one precision-weight row per response row. A nil row
// means weight 1 for every present observation. A weight that is
// zero, negative or NaN marks the observation as missing.
type Weights [][]float64

// DenseWeights converts a weight matrix to Weights.
func DenseWeights(w mat.Matrix) Weights {
	r, c := w.Dims()
	out := make(Weights, r)
	for i := range out {
		out[i] = make([]float64, c)
		mat.Row(out[i], i, w)
	}
	return out
}

type FitOptions struct {
	// Threads limits concurrent group decompositions (default
	// GOMAXPROCS).
	Threads int
	// Tolerance for aliasing (default DefaultTolerance).
	Tolerance float64
}

// Fit is the least-squares fit of one response row.
type Fit struct {
	design      *DesignMatrix
	coef        []Estimate
	stdUnscaled []Estimate
	effects     []float64 // sequential effect per design column, NaN if aliased
	fitted      []float64
	residuals   []float64
	nobs        int
	rank        int
	df          int
	rss         float64
	sigma       float64
	amean       float64
	group       *fitGroup

	summaryOnce sync.Once
	summary     *Summary
}

func (f *Fit) Coefficients() []Estimate { return append([]Estimate(nil), f.coef...) }

// StdUnscaled returns sqrt(diag((XᵗWX)⁻¹)) per design column.
func (f *Fit) StdUnscaled() []Estimate { return append([]Estimate(nil), f.stdUnscaled...) }

// Fitted returns fitted values per observation, NaN where the
// observation is missing.
func (f *Fit) Fitted() []float64 { return append([]float64(nil), f.fitted...) }

// Residuals returns residuals per observation, NaN where the
// observation is missing.
func (f *Fit) Residuals() []float64 { return append([]float64(nil), f.residuals...) }

// DF is the residual degrees of freedom: present observations minus
// estimable columns.
func (f *Fit) DF() int { return f.df }

func (f *Fit) Rank() int { return f.rank }

func (f *Fit) Observations() int { return f.nobs }

// Sigma is the residual standard deviation, NaN when DF is zero.
func (f *Fit) Sigma() float64 { return f.sigma }

// RSS is the (weighted) residual sum of squares.
func (f *Fit) RSS() float64 { return f.rss }

// Amean is the unweighted mean of the row's present values.
func (f *Fit) Amean() float64 { return f.amean }

func (f *Fit) Design() *DesignMatrix { return f.design }

// CovUnscaled returns (XᵗWX)⁻¹ over the design columns, NaN in rows
// and columns of aliased coefficients.
func (f *Fit) CovUnscaled() *mat.SymDense {
	p := len(f.coef)
	out := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			out.SetSym(i, j, math.NaN())
		}
	}
	if f.group == nil || f.group.qr == nil {
		return out
	}
	cov := f.group.qr.covUnscaled()
	if cov == nil {
		return out
	}
	piv := f.group.qr.pivot
	for i := 0; i < f.rank; i++ {
		for j := i; j < f.rank; j++ {
			out.SetSym(piv[i], piv[j], cov.At(i, j))
		}
	}
	return out
}

// fitGroup is a set of rows with the same present observations and
// the same weights, sharing one decomposition.
type fitGroup struct {
	pattern []byte
	present []int
	weights []float64 // over present observations; nil if unweighted
	rows    []int
	qr      *pivotedQR
	std     []Estimate
}

func (g *fitGroup) matches(pattern []byte, weights []float64) bool {
	if string(pattern) != string(g.pattern) {
		return false
	}
	if (weights == nil) != (g.weights == nil) || len(weights) != len(g.weights) {
		return false
	}
	for i, w := range weights {
		if math.Float64bits(w) != math.Float64bits(g.weights[i]) {
			return false
		}
	}
	return true
}

func present(y, w float64, weighted bool) bool {
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return false
	}
	return !weighted || w > 0 && !math.IsInf(w, 0)
}

// groupRows partitions response rows by missing-value pattern and
// weight vector.
func groupRows(y *mat.Dense, weights Weights) []*fitGroup {
	nrows, nobs := y.Dims()
	index := map[uint64][]*fitGroup{}
	var groups []*fitGroup
	h := xxhash.New()
	var buf [8]byte
	for i := 0; i < nrows; i++ {
		var wrow []float64
		if weights != nil {
			wrow = weights[i]
		}
		pattern := make([]byte, (nobs+7)/8)
		var pres []int
		var pw []float64
		for j := 0; j < nobs; j++ {
			w := 1.0
			if wrow != nil {
				w = wrow[j]
			}
			if !present(y.At(i, j), w, wrow != nil) {
				continue
			}
			pattern[j/8] |= 1 << (j % 8)
			pres = append(pres, j)
			if wrow != nil {
				pw = append(pw, w)
			}
		}
		h.Reset()
		h.Write(pattern)
		if wrow != nil {
			h.Write([]byte{'w'})
			for _, w := range pw {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(w))
				h.Write(buf[:])
			}
		}
		key := h.Sum64()
		var g *fitGroup
		for _, cand := range index[key] {
			if cand.matches(pattern, pw) {
				g = cand
				break
			}
		}
		if g == nil {
			g = &fitGroup{pattern: pattern, present: pres, weights: pw}
			index[key] = append(index[key], g)
			groups = append(groups, g)
		}
		g.rows = append(g.rows, i)
	}
	return groups
}

// decompose factors the design restricted to the group's present
// observations, scaled by sqrt(weight).
func (g *fitGroup) decompose(x *mat.Dense, tol float64) {
	if len(g.present) == 0 {
		return
	}
	_, p := x.Dims()
	xr := mat.NewDense(len(g.present), p, nil)
	for i, obs := range g.present {
		row := xr.RawRowView(i)
		copy(row, x.RawRowView(obs))
		if g.weights != nil {
			sw := math.Sqrt(g.weights[i])
			for j := range row {
				row[j] *= sw
			}
		}
	}
	g.qr = decompose(xr, tol)
	g.std = g.qr.stdUnscaled()
}

func (g *fitGroup) fitRow(d *DesignMatrix, y []float64) *Fit {
	nobs, p := d.x.Dims()
	f := &Fit{
		design:      d,
		group:       g,
		coef:        make([]Estimate, p),
		stdUnscaled: make([]Estimate, p),
		effects:     make([]float64, p),
		fitted:      make([]float64, nobs),
		residuals:   make([]float64, nobs),
		nobs:        len(g.present),
		sigma:       math.NaN(),
		rss:         math.NaN(),
		amean:       math.NaN(),
	}
	for j := range f.effects {
		f.effects[j] = math.NaN()
	}
	for j := range f.fitted {
		f.fitted[j] = math.NaN()
		f.residuals[j] = math.NaN()
	}
	if len(g.present) == 0 {
		return f
	}
	copy(f.stdUnscaled, g.std)

	n := len(g.present)
	qy := make([]float64, n)
	var sum float64
	for i, obs := range g.present {
		qy[i] = y[obs]
		sum += y[obs]
		if g.weights != nil {
			qy[i] *= math.Sqrt(g.weights[i])
		}
	}
	f.amean = sum / float64(n)

	q := g.qr
	f.rank = q.rank
	f.df = n - q.rank
	q.qty(qy)
	coef := q.solve(qy)
	for j := 0; j < q.rank; j++ {
		f.coef[q.pivot[j]] = Estimated(coef[j])
		f.effects[q.pivot[j]] = qy[j]
	}
	var rss float64
	for _, e := range qy[q.rank:] {
		rss += e * e
	}
	f.rss = rss
	if f.df > 0 {
		f.sigma = math.Sqrt(rss / float64(f.df))
	}

	fit := make([]float64, n)
	copy(fit, qy[:q.rank])
	q.qy(fit)
	for i, obs := range g.present {
		v := fit[i]
		if g.weights != nil {
			v /= math.Sqrt(g.weights[i])
		}
		f.fitted[obs] = v
		f.residuals[obs] = y[obs] - v
	}
	return f
}

// FitLinearModel fits every row of resp against design by (weighted)
// least squares. Rows sharing a missing-value pattern and weight
// vector share one decomposition, and groups are fit concurrently.
func FitLinearModel(design *DesignMatrix, resp *Response, weights Weights, opts FitOptions) (*FitCollection, error) {
	if design == nil {
		return nil, fmt.Errorf("%w: nil design", ErrInvalidInput)
	}
	if resp == nil || resp.Values == nil || resp.Values.IsEmpty() {
		return nil, fmt.Errorf("%w: empty response matrix", ErrInvalidInput)
	}
	nrows, nobs := resp.Values.Dims()
	if resp.Features != nil && len(resp.Features) != nrows {
		return nil, fmt.Errorf("%w: %d feature names for %d rows", ErrInvalidInput, len(resp.Features), nrows)
	}
	if resp.Observations != nil {
		var err error
		design, err = design.Align(resp.Observations)
		if err != nil {
			return nil, err
		}
	} else if n, _ := design.Dims(); n != nobs {
		return nil, fmt.Errorf("%w: design has %d observations, response has %d columns", ErrInvalidInput, n, nobs)
	}
	if weights != nil {
		if len(weights) != nrows {
			return nil, fmt.Errorf("%w: %d weight rows for %d response rows", ErrInvalidInput, len(weights), nrows)
		}
		for i, w := range weights {
			if w != nil && len(w) != nobs {
				return nil, fmt.Errorf("%w: weight row %d has %d values, expected %d", ErrInvalidInput, i, len(w), nobs)
			}
		}
	}
	tol := opts.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	threads := opts.Threads
	if threads < 1 {
		threads = runtime.GOMAXPROCS(0)
	}

	groups := groupRows(resp.Values, weights)
	log.Debugf("fitting %d rows in %d missing-value/weight groups", nrows, len(groups))
	fits := make([]*Fit, nrows)
	th := throttle{Max: threads}
	for _, g := range groups {
		g := g
		th.Go(func() error {
			g.decompose(design.x, tol)
			y := make([]float64, nobs)
			for _, row := range g.rows {
				mat.Row(y, row, resp.Values)
				fits[row] = g.fitRow(design, y)
			}
			return nil
		})
	}
	th.Wait()

	deficient := 0
	for _, f := range fits {
		if f.rank < len(f.coef) || f.df == 0 {
			deficient++
		}
	}
	if deficient > 0 {
		log.Infof("%d of %d rows have non-estimable coefficients or no residual degrees of freedom", deficient, nrows)
	}
	return &FitCollection{
		Design:   design,
		Features: resp.Features,
		fits:     fits,
	}, nil
}
