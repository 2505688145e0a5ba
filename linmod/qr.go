// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultTolerance is the relative column norm below which a column
// is treated as aliased.
const DefaultTolerance = 1e-7

// pivotedQR is a Householder QR decomposition with limited column
// pivoting: a column whose remaining norm falls below tol times its
// original norm is moved to the end and treated as aliased. The
// estimable columns keep their relative order, so the leading
// effects give sequential sums of squares in design column order.
type pivotedQR struct {
	n, p  int
	a     *mat.Dense // R above the diagonal, Householder vector tails below
	v0    []float64  // leading element of each Householder vector
	beta  []float64
	pivot []int // pivot[j] is the design column decomposed at position j
	rank  int

	rinv *mat.TriDense // inverse of the leading rank×rank block of R
}

func decompose(x mat.Matrix, tol float64) *pivotedQR {
	n, p := x.Dims()
	q := &pivotedQR{
		n:     n,
		p:     p,
		a:     mat.DenseCopyOf(x),
		v0:    make([]float64, p),
		beta:  make([]float64, p),
		pivot: make([]int, p),
	}
	orig := make([]float64, p)
	for j := range q.pivot {
		q.pivot[j] = j
		orig[j] = q.colNorm(j, 0)
		if orig[j] == 0 {
			orig[j] = 1
		}
	}
	k := p
	l := 0
	for l < k && l < n {
		if q.colNorm(l, l) < tol*orig[l] {
			q.moveToEnd(l, orig)
			k--
			continue
		}
		q.reflect(l)
		l++
	}
	q.rank = l
	q.invertR()
	return q
}

func (q *pivotedQR) colNorm(j, from int) float64 {
	raw := q.a.RawMatrix()
	var scale, ssq float64 = 0, 1
	for i := from; i < q.n; i++ {
		v := raw.Data[i*raw.Stride+j]
		if v == 0 {
			continue
		}
		av := math.Abs(v)
		if scale < av {
			ssq = 1 + ssq*(scale/av)*(scale/av)
			scale = av
		} else {
			ssq += (av / scale) * (av / scale)
		}
	}
	return scale * math.Sqrt(ssq)
}

// moveToEnd rotates column l to the last position.
func (q *pivotedQR) moveToEnd(l int, orig []float64) {
	raw := q.a.RawMatrix()
	for i := 0; i < q.n; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+q.p]
		v := row[l]
		copy(row[l:], row[l+1:])
		row[q.p-1] = v
	}
	piv, o := q.pivot[l], orig[l]
	copy(q.pivot[l:], q.pivot[l+1:])
	copy(orig[l:], orig[l+1:])
	q.pivot[q.p-1], orig[q.p-1] = piv, o
}

// reflect applies the Householder reflection that zeroes column l
// below the diagonal to every column from l onward.
func (q *pivotedQR) reflect(l int) {
	raw := q.a.RawMatrix()
	d, s := raw.Data, raw.Stride
	nrm := q.colNorm(l, l)
	alpha := -nrm
	if d[l*s+l] < 0 {
		alpha = nrm
	}
	v0 := d[l*s+l] - alpha
	vtv := v0 * v0
	for i := l + 1; i < q.n; i++ {
		vtv += d[i*s+l] * d[i*s+l]
	}
	beta := 0.0
	if vtv > 0 {
		beta = 2 / vtv
	}
	for c := l + 1; c < q.p; c++ {
		dot := v0 * d[l*s+c]
		for i := l + 1; i < q.n; i++ {
			dot += d[i*s+l] * d[i*s+c]
		}
		t := beta * dot
		d[l*s+c] -= t * v0
		for i := l + 1; i < q.n; i++ {
			d[i*s+c] -= t * d[i*s+l]
		}
	}
	d[l*s+l] = alpha
	q.v0[l] = v0
	q.beta[l] = beta
}

func (q *pivotedQR) applyReflection(j int, y []float64) {
	raw := q.a.RawMatrix()
	d, s := raw.Data, raw.Stride
	dot := q.v0[j] * y[j]
	for i := j + 1; i < q.n; i++ {
		dot += d[i*s+j] * y[i]
	}
	t := q.beta[j] * dot
	y[j] -= t * q.v0[j]
	for i := j + 1; i < q.n; i++ {
		y[i] -= t * d[i*s+j]
	}
}

// qty overwrites y with Qᵗy.
func (q *pivotedQR) qty(y []float64) {
	for j := 0; j < q.rank; j++ {
		q.applyReflection(j, y)
	}
}

// qy overwrites y with Qy.
func (q *pivotedQR) qy(y []float64) {
	for j := q.rank - 1; j >= 0; j-- {
		q.applyReflection(j, y)
	}
}

// solve returns the coefficients, in pivoted order, that fit the
// leading rank effects.
func (q *pivotedQR) solve(effects []float64) []float64 {
	coef := make([]float64, q.rank)
	raw := q.a.RawMatrix()
	d, s := raw.Data, raw.Stride
	for j := q.rank - 1; j >= 0; j-- {
		v := effects[j]
		for k := j + 1; k < q.rank; k++ {
			v -= d[j*s+k] * coef[k]
		}
		coef[j] = v / d[j*s+j]
	}
	return coef
}

func (q *pivotedQR) invertR() {
	if q.rank == 0 {
		return
	}
	r := mat.NewTriDense(q.rank, mat.Upper, nil)
	for i := 0; i < q.rank; i++ {
		for j := i; j < q.rank; j++ {
			r.SetTri(i, j, q.a.At(i, j))
		}
	}
	q.rinv = mat.NewTriDense(q.rank, mat.Upper, nil)
	if err := q.rinv.InverseTri(r); err != nil {
		// Only reachable for a diagonal that is tiny but above
		// tolerance; the inverse is still usable.
		if _, ok := err.(mat.Condition); !ok {
			q.rinv = nil
		}
	}
}

// stdUnscaled returns sqrt(diag((XᵗX)⁻¹)) for each design column,
// not estimable for aliased columns.
func (q *pivotedQR) stdUnscaled() []Estimate {
	out := make([]Estimate, q.p)
	for j := 0; j < q.rank; j++ {
		if q.rinv == nil {
			break
		}
		var ss float64
		for k := j; k < q.rank; k++ {
			v := q.rinv.At(j, k)
			ss += v * v
		}
		out[q.pivot[j]] = Estimated(math.Sqrt(ss))
	}
	return out
}

// covUnscaled returns (XᵗX)⁻¹ restricted to the estimable columns, in
// pivoted order.
func (q *pivotedQR) covUnscaled() *mat.SymDense {
	if q.rank == 0 || q.rinv == nil {
		return nil
	}
	cov := mat.NewSymDense(q.rank, nil)
	cov.SymOuterK(1, q.rinv)
	return cov
}
