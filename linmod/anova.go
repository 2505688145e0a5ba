// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package linmod

import (
	"math"
	"strings"
)

// AnovaEntry is one row of a sequential ANOVA table.
type AnovaEntry struct {
	Term   string
	DF     float64
	SumSq  float64
	MeanSq float64
	F      float64
	P      float64
}

func (e AnovaEntry) IsInteraction() bool {
	return strings.Contains(e.Term, ":")
}

// AnovaTable is a sequential (type I) sum-of-squares decomposition.
// Terms are tested in the order their columns appear in the design,
// each against the model containing all earlier columns, so the
// per-term results depend on column order. Interactions come last.
type AnovaTable struct {
	Entries  []AnovaEntry
	Residual AnovaEntry
}

// Entry returns the entry for the named term.
func (t *AnovaTable) Entry(term string) (AnovaEntry, bool) {
	for _, e := range t.Entries {
		if e.Term == term {
			return e, true
		}
	}
	return AnovaEntry{}, false
}

// Interaction returns the first interaction entry, if any.
func (t *AnovaTable) Interaction() (AnovaEntry, bool) {
	for _, e := range t.Entries {
		if e.IsInteraction() {
			return e, true
		}
	}
	return AnovaEntry{}, false
}

func (t *AnovaTable) MainEffects() []AnovaEntry {
	var out []AnovaEntry
	for _, e := range t.Entries {
		if !e.IsInteraction() {
			out = append(out, e)
		}
	}
	return out
}

// anova builds the table for f using residual variance s2 on df
// degrees of freedom. A term whose columns are all aliased for this
// row gets DF 0 and NaN statistics.
func anova(f *Fit, s2, df float64) *AnovaTable {
	t := &AnovaTable{
		Residual: AnovaEntry{
			Term:   "Residuals",
			DF:     df,
			SumSq:  f.rss,
			MeanSq: s2,
			F:      math.NaN(),
			P:      math.NaN(),
		},
	}
	cols := f.design.columns
	for _, term := range f.design.Terms() {
		e := AnovaEntry{Term: term}
		for j, c := range cols {
			if c.Term != term || !f.coef[j].Estimable() {
				continue
			}
			e.DF++
			e.SumSq += f.effects[j] * f.effects[j]
		}
		if e.DF == 0 {
			e.SumSq, e.MeanSq, e.F, e.P = math.NaN(), math.NaN(), math.NaN(), math.NaN()
		} else {
			e.MeanSq = e.SumSq / e.DF
			e.F = e.MeanSq / s2
			e.P = fPvalue(e.F, e.DF, df)
			if math.IsNaN(e.P) {
				e.F = math.NaN()
			}
		}
		t.Entries = append(t.Entries, e)
	}
	return t
}
