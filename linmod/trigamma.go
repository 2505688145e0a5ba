// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"math"
)

// trigamma returns ψ'(x) for x > 0.
func trigamma(x float64) float64 {
	if !(x > 0) {
		return math.NaN()
	}
	var acc float64
	for x < 6 {
		acc += 1 / (x * x)
		x++
	}
	x2 := 1 / (x * x)
	// asymptotic series in 1/x with Bernoulli coefficients
	return acc + 1/x + x2/2 + x2/x*(1.0/6-x2*(1.0/30-x2*(1.0/42-x2*(1.0/30))))
}

// tetragamma returns ψ''(x) for x > 0.
func tetragamma(x float64) float64 {
	if !(x > 0) {
		return math.NaN()
	}
	var acc float64
	for x < 6 {
		acc -= 2 / (x * x * x)
		x++
	}
	x2 := 1 / (x * x)
	return acc - x2 - x2/x - x2*x2/2 + x2*x2*x2*(1.0/6-x2*(1.0/6-x2*(3.0/10-x2*(5.0/6))))
}

// trigammaInverse solves trigamma(x) = y by Newton iteration on
// 1/trigamma, which is nearly linear.
func trigammaInverse(y float64) float64 {
	switch {
	case math.IsNaN(y) || y < 0:
		return math.NaN()
	case y == 0:
		return math.Inf(1)
	case y > 1e7:
		return 1 / math.Sqrt(y)
	case y < 1e-6:
		return 1 / y
	}
	x := 0.5 + 1/y
	for iter := 0; iter < 50; iter++ {
		tri := trigamma(x)
		dif := tri * (1 - tri/y) / tetragamma(x)
		x += dif
		if -dif/x < 1e-8 {
			break
		}
	}
	return x
}
