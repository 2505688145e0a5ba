// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package linmod fits one linear model against many response rows
// (genes, probes) at once, with per-row missing values, precision
// weights, sequential ANOVA, voom-style mean-variance weighting and
// empirical Bayes variance moderation.
package linmod

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrInvalidConfig = errors.New("invalid design configuration")
	ErrInvalidInput  = errors.New("invalid input")
)

type ColumnKind int

const (
	Intercept ColumnKind = iota
	Continuous
	Indicator
	Interaction
)

func (k ColumnKind) String() string {
	switch k {
	case Intercept:
		return "intercept"
	case Continuous:
		return "continuous"
	case Indicator:
		return "indicator"
	case Interaction:
		return "interaction"
	}
	return fmt.Sprintf("ColumnKind(%d)", int(k))
}

// Column describes one column of a design matrix. Term is the name
// of the ANOVA term the column belongs to: the covariate name for
// main effects, "a:b" for interactions, "" for the intercept.
type Column struct {
	Name     string
	Kind     ColumnKind
	Term     string
	Factor   string // categorical covariate, for Indicator columns
	Level    string
	Baseline string
	Parents  [2]int // for Interaction columns, indices of the multiplied columns
}

type CovariateKind int

const (
	Categorical CovariateKind = iota
	Numeric
)

// Covariate holds one covariate's raw values, one per observation.
// Categorical covariates use Levels, numeric ones use Values.
type Covariate struct {
	Name   string
	Kind   CovariateKind
	Levels []string
	Values []float64
}

// CovariateTable is the observation × covariate input to
// NewDesignMatrix.
type CovariateTable struct {
	Observations []string
	Covariates   []Covariate
}

type LevelOrder int

const (
	Sorted LevelOrder = iota
	Appearance
)

type DesignOptions struct {
	Intercept bool
	// Baselines maps a categorical covariate name to its reference
	// level. Covariates not listed use the first level in
	// LevelOrder.
	Baselines  map[string]string
	LevelOrder LevelOrder
}

type factorInfo struct {
	kind     CovariateKind
	levels   []string
	baseline string
	columns  []int
}

// DesignMatrix is an immutable numeric design with column metadata.
// Rows are observations.
type DesignMatrix struct {
	x            *mat.Dense
	columns      []Column
	observations []string
	factors      map[string]*factorInfo
	order        []string // covariate names in the order they were added
	interactions [][2]string
}

// NewDesignMatrix expands a covariate table into a design matrix.
// Categorical covariates with k observed levels become k-1 indicator
// columns; numeric covariates become one column each.
func NewDesignMatrix(table *CovariateTable, opts DesignOptions) (*DesignMatrix, error) {
	if table == nil || len(table.Covariates) == 0 && !opts.Intercept {
		return nil, fmt.Errorf("%w: no covariates and no intercept", ErrInvalidConfig)
	}
	n := len(table.Observations)
	for _, cv := range table.Covariates {
		var got int
		if cv.Kind == Categorical {
			got = len(cv.Levels)
		} else {
			got = len(cv.Values)
		}
		if n == 0 {
			n = got
		}
		if got != n {
			return nil, fmt.Errorf("%w: covariate %q has %d values, expected %d", ErrInvalidInput, cv.Name, got, n)
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: no observations", ErrInvalidInput)
	}
	for name := range opts.Baselines {
		found := false
		for _, cv := range table.Covariates {
			if cv.Name == name && cv.Kind == Categorical {
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: baseline given for nonexistent factor %q", ErrInvalidConfig, name)
		}
	}

	d := &DesignMatrix{
		factors:      map[string]*factorInfo{},
		observations: append([]string(nil), table.Observations...),
	}
	var cols [][]float64
	if opts.Intercept {
		d.columns = append(d.columns, Column{Name: "(Intercept)", Kind: Intercept})
		ones := make([]float64, n)
		for i := range ones {
			ones[i] = 1
		}
		cols = append(cols, ones)
	}
	for _, cv := range table.Covariates {
		if cv.Name == "" || strings.Contains(cv.Name, ":") {
			return nil, fmt.Errorf("%w: bad covariate name %q", ErrInvalidConfig, cv.Name)
		}
		if _, dup := d.factors[cv.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate covariate %q", ErrInvalidConfig, cv.Name)
		}
		fi := &factorInfo{kind: cv.Kind}
		d.factors[cv.Name] = fi
		d.order = append(d.order, cv.Name)
		if cv.Kind == Numeric {
			fi.columns = []int{len(d.columns)}
			d.columns = append(d.columns, Column{Name: cv.Name, Kind: Continuous, Term: cv.Name})
			cols = append(cols, append([]float64(nil), cv.Values...))
			continue
		}
		fi.levels = levels(cv.Levels, opts.LevelOrder)
		fi.baseline = fi.levels[0]
		if b, ok := opts.Baselines[cv.Name]; ok {
			idx := indexOf(fi.levels, b)
			if idx < 0 {
				return nil, fmt.Errorf("%w: factor %q has no level %q", ErrInvalidConfig, cv.Name, b)
			}
			fi.baseline = b
		}
		for _, lvl := range fi.levels {
			if lvl == fi.baseline {
				continue
			}
			col := make([]float64, n)
			for i, v := range cv.Levels {
				if v == lvl {
					col[i] = 1
				}
			}
			fi.columns = append(fi.columns, len(d.columns))
			d.columns = append(d.columns, Column{
				Name:     cv.Name + lvl,
				Kind:     Indicator,
				Term:     cv.Name,
				Factor:   cv.Name,
				Level:    lvl,
				Baseline: fi.baseline,
			})
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: design has no columns", ErrInvalidConfig)
	}
	d.x = columnsToDense(n, cols)
	return d, nil
}

// AddInteraction returns a new design with product columns for every
// pair of main-effect columns of the two named covariates appended
// after all existing columns.
func (d *DesignMatrix) AddInteraction(a, b string) (*DesignMatrix, error) {
	if a == b {
		return nil, fmt.Errorf("%w: cannot interact %q with itself", ErrInvalidConfig, a)
	}
	fa, fb := d.factors[a], d.factors[b]
	for _, f := range []struct {
		name string
		fi   *factorInfo
	}{{a, fa}, {b, fb}} {
		if f.fi == nil {
			return nil, fmt.Errorf("%w: no such covariate %q", ErrInvalidConfig, f.name)
		}
		if len(f.fi.columns) == 0 {
			return nil, fmt.Errorf("%w: covariate %q has no main-effect columns", ErrInvalidConfig, f.name)
		}
	}
	for _, pair := range d.interactions {
		if pair == [2]string{a, b} || pair == [2]string{b, a} {
			return nil, fmt.Errorf("%w: interaction %s:%s already present", ErrInvalidConfig, a, b)
		}
	}
	n, p := d.x.Dims()
	term := a + ":" + b
	nd := &DesignMatrix{
		columns:      append([]Column(nil), d.columns...),
		observations: d.observations,
		factors:      d.factors,
		order:        d.order,
		interactions: append(append([][2]string(nil), d.interactions...), [2]string{a, b}),
	}
	var cols [][]float64
	for j := 0; j < p; j++ {
		cols = append(cols, mat.Col(nil, j, d.x))
	}
	for _, ca := range fa.columns {
		for _, cb := range fb.columns {
			col := make([]float64, n)
			for i := range col {
				col[i] = cols[ca][i] * cols[cb][i]
			}
			nd.columns = append(nd.columns, Column{
				Name:    d.columns[ca].Name + ":" + d.columns[cb].Name,
				Kind:    Interaction,
				Term:    term,
				Parents: [2]int{ca, cb},
			})
			cols = append(cols, col)
		}
	}
	nd.x = columnsToDense(n, cols)
	return nd, nil
}

// Align returns a design whose rows are reordered to match ids. Every
// id must name exactly one observation of d.
func (d *DesignMatrix) Align(ids []string) (*DesignMatrix, error) {
	n, p := d.x.Dims()
	if len(ids) != n {
		return nil, fmt.Errorf("%w: design has %d observations, response has %d", ErrInvalidInput, n, len(ids))
	}
	if len(d.observations) == 0 {
		return d, nil
	}
	pos := make(map[string]int, n)
	for i, id := range d.observations {
		pos[id] = i
	}
	same := true
	perm := make([]int, n)
	for i, id := range ids {
		j, ok := pos[id]
		if !ok {
			return nil, fmt.Errorf("%w: observation %q not in design", ErrInvalidInput, id)
		}
		delete(pos, id)
		perm[i] = j
		same = same && i == j
	}
	if same {
		return d, nil
	}
	x := mat.NewDense(n, p, nil)
	for i, j := range perm {
		x.SetRow(i, d.x.RawRowView(j))
	}
	nd := *d
	nd.x = x
	nd.observations = append([]string(nil), ids...)
	return &nd, nil
}

// Matrix returns a copy of the numeric design (observations × columns).
func (d *DesignMatrix) Matrix() *mat.Dense {
	return mat.DenseCopyOf(d.x)
}

func (d *DesignMatrix) Dims() (observations, columns int) {
	return d.x.Dims()
}

func (d *DesignMatrix) Columns() []Column {
	return append([]Column(nil), d.columns...)
}

func (d *DesignMatrix) Observations() []string {
	return append([]string(nil), d.observations...)
}

// ColumnIndex returns the index of the named column, or -1.
func (d *DesignMatrix) ColumnIndex(name string) int {
	for i, c := range d.columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (d *DesignMatrix) HasIntercept() bool {
	return len(d.columns) > 0 && d.columns[0].Kind == Intercept
}

// Terms returns the ANOVA terms in the order their columns appear:
// main effects first, then interactions.
func (d *DesignMatrix) Terms() []string {
	var terms []string
	seen := map[string]bool{}
	for _, c := range d.columns {
		if c.Term == "" || seen[c.Term] {
			continue
		}
		seen[c.Term] = true
		terms = append(terms, c.Term)
	}
	return terms
}

// Levels returns the levels of a categorical covariate, baseline
// first.
func (d *DesignMatrix) Levels(factor string) (levels []string, baseline string, err error) {
	fi := d.factors[factor]
	if fi == nil || fi.kind != Categorical {
		return nil, "", fmt.Errorf("%w: no such factor %q", ErrInvalidConfig, factor)
	}
	levels = []string{fi.baseline}
	for _, l := range fi.levels {
		if l != fi.baseline {
			levels = append(levels, l)
		}
	}
	return levels, fi.baseline, nil
}

func levels(values []string, order LevelOrder) []string {
	var lvls []string
	seen := map[string]bool{}
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			lvls = append(lvls, v)
		}
	}
	if order == Sorted {
		sort.Strings(lvls)
	}
	return lvls
}

func indexOf(list []string, s string) int {
	for i, x := range list {
		if x == s {
			return i
		}
	}
	return -1
}

func columnsToDense(n int, cols [][]float64) *mat.Dense {
	x := mat.NewDense(n, len(cols), nil)
	for j, col := range cols {
		x.SetCol(j, col)
	}
	return x
}
