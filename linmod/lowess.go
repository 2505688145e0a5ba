// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"math"
	"sort"
)

// Lowess smooths y against x (x sorted ascending) with Cleveland's
// locally weighted linear regression: span f, iter robustness
// iterations, and points within delta of the last fitted x
// interpolated instead of fitted. A negative delta means 1% of the x
// range.
func Lowess(x, y []float64, f float64, iter int, delta float64) []float64 {
	n := len(x)
	ys := make([]float64, n)
	if n < 2 {
		copy(ys, y)
		return ys
	}
	if delta < 0 {
		delta = 0.01 * (x[n-1] - x[0])
	}
	ns := int(f*float64(n) + 1e-7)
	if ns > n {
		ns = n
	} else if ns < 2 {
		ns = 2
	}
	res := make([]float64, n)
	rw := make([]float64, n)
	w := make([]float64, n)
	robust := false
	for it := 0; it <= iter; it++ {
		nleft, nright := 0, ns-1
		last := -1
		i := 0
		for {
			for nright < n-1 {
				d1 := x[i] - x[nleft]
				d2 := x[nright+1] - x[i]
				if d1 <= d2 {
					break
				}
				nleft++
				nright++
			}
			v, ok := lowest(x, y, x[i], nleft, nright, w, robust, rw)
			if ok {
				ys[i] = v
			} else {
				ys[i] = y[i]
			}
			if last < i-1 {
				denom := x[i] - x[last]
				for j := last + 1; j < i; j++ {
					alpha := (x[j] - x[last]) / denom
					ys[j] = alpha*ys[i] + (1-alpha)*ys[last]
				}
			}
			last = i
			cut := x[last] + delta
			for i = last + 1; i < n; i++ {
				if x[i] > cut {
					break
				}
				if x[i] == x[last] {
					ys[i] = ys[last]
					last = i
				}
			}
			if i-1 > last+1 {
				i = i - 1
			} else {
				i = last + 1
			}
			if last >= n-1 {
				break
			}
		}
		for j := range res {
			res[j] = y[j] - ys[j]
		}
		if it == iter {
			break
		}
		var sc float64
		for j := range res {
			rw[j] = math.Abs(res[j])
			sc += rw[j]
		}
		sc /= float64(n)
		sorted := append([]float64(nil), rw...)
		sort.Float64s(sorted)
		m1 := n / 2
		var cmad float64
		if n%2 == 0 {
			cmad = 3 * (sorted[m1] + sorted[n-m1-1])
		} else {
			cmad = 6 * sorted[m1]
		}
		if cmad < 1e-7*sc {
			break
		}
		c9, c1 := 0.999*cmad, 0.001*cmad
		for j, r := range rw {
			switch {
			case r <= c1:
				rw[j] = 1
			case r <= c9:
				u := r / cmad
				rw[j] = (1 - u*u) * (1 - u*u)
			default:
				rw[j] = 0
			}
		}
		robust = true
	}
	return ys
}

// lowest fits the local weighted line at xs using points
// nleft..nright (extended over ties) and returns its value at xs.
func lowest(x, y []float64, xs float64, nleft, nright int, w []float64, robust bool, rw []float64) (float64, bool) {
	n := len(x)
	rng := x[n-1] - x[0]
	h := math.Max(xs-x[nleft], x[nright]-xs)
	h9, h1 := 0.999*h, 0.001*h
	var a float64
	j := nleft
	for ; j < n; j++ {
		w[j] = 0
		r := math.Abs(x[j] - xs)
		if r <= h9 {
			if r <= h1 {
				w[j] = 1
			} else {
				u := r / h
				u = 1 - u*u*u
				w[j] = u * u * u
			}
			if robust {
				w[j] *= rw[j]
			}
			a += w[j]
		} else if x[j] > xs {
			break
		}
	}
	nrt := j - 1
	if a <= 0 {
		return 0, false
	}
	for j := nleft; j <= nrt; j++ {
		w[j] /= a
	}
	if h > 0 {
		a = 0
		for j := nleft; j <= nrt; j++ {
			a += w[j] * x[j]
		}
		b := xs - a
		var c float64
		for j := nleft; j <= nrt; j++ {
			c += w[j] * (x[j] - a) * (x[j] - a)
		}
		if math.Sqrt(c) > 0.001*rng {
			b /= c
			for j := nleft; j <= nrt; j++ {
				w[j] *= b*(x[j]-a) + 1
			}
		}
	}
	var ys float64
	for j := nleft; j <= nrt; j++ {
		ys += w[j] * y[j]
	}
	return ys, true
}
