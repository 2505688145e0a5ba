// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package voomfit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/arvados/voomfit/linmod"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// readMatrix reads a feature × sample matrix. A .npy file holds
// float64 values in sample-table order with no names. Anything else
// is read as TSV: a header row of sample IDs (after one leading
// cell), then one row per feature starting with the feature name.
// "NA", "NaN" and empty cells are missing.
func readMatrix(fnm string, stdin io.Reader) (*linmod.Response, error) {
	f, err := zopen(fnm, stdin)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if strings.HasSuffix(trimCompressionSuffix(fnm), ".npy") {
		return readNumpy(f, fnm)
	}
	return readTSV(f, fnm)
}

func readNumpy(r io.Reader, fnm string) (*linmod.Response, error) {
	npy, err := gonpy.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	if len(npy.Shape) != 2 {
		return nil, fmt.Errorf("%w: %s: shape %v is not 2-dimensional", linmod.ErrInvalidInput, fnm, npy.Shape)
	}
	data, err := npy.GetFloat64()
	if err != nil {
		return nil, err
	}
	rows, cols := npy.Shape[0], npy.Shape[1]
	log.Infof("read %d×%d matrix from %s", rows, cols, fnm)
	if npy.ColumnMajor {
		m := mat.NewDense(cols, rows, data)
		return &linmod.Response{Values: mat.DenseCopyOf(m.T())}, nil
	}
	return &linmod.Response{Values: mat.NewDense(rows, cols, data)}, nil
}

func readTSV(r io.Reader, fnm string) (*linmod.Response, error) {
	resp := &linmod.Response{}
	var data []float64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<30)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSuffix(scanner.Bytes(), []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		fields := strings.Split(string(line), "\t")
		if resp.Observations == nil {
			resp.Observations = fields[1:]
			continue
		}
		if len(fields) != len(resp.Observations)+1 {
			return nil, fmt.Errorf("%w: %s line %d: %d fields, expected %d", linmod.ErrInvalidInput, fnm, lineNum, len(fields), len(resp.Observations)+1)
		}
		resp.Features = append(resp.Features, fields[0])
		for _, s := range fields[1:] {
			v, err := parseValue(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line %d: %s", linmod.ErrInvalidInput, fnm, lineNum, err)
			}
			data = append(data, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(resp.Features) == 0 || len(resp.Observations) == 0 {
		return nil, fmt.Errorf("%w: %s: empty matrix", linmod.ErrInvalidInput, fnm)
	}
	resp.Values = mat.NewDense(len(resp.Features), len(resp.Observations), data)
	log.Infof("read %d features × %d samples from %s", len(resp.Features), len(resp.Observations), fnm)
	return resp, nil
}

func parseValue(s string) (float64, error) {
	switch s {
	case "", "NA", "NaN", "nan":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// writeNumpy writes m as a row-major float64 .npy file.
func writeNumpy(fnm string, m mat.Matrix) error {
	rows, cols := m.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = m.At(i, j)
		}
	}
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	log.Infof("writing %s: %d rows, %d cols", fnm, rows, cols)
	err = npw.WriteFloat64(out)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

// writeMatrixTSV writes m with a header row of colNames (after
// corner) and rowNames in the first column.
func writeMatrixTSV(fnm, corner string, rowNames, colNames []string, m mat.Matrix) error {
	return writeFile(fnm, func(w *bufio.Writer) error {
		return writeMatrix(w, corner, rowNames, colNames, m)
	})
}

func writeMatrix(w *bufio.Writer, corner string, rowNames, colNames []string, m mat.Matrix) error {
	fmt.Fprintf(w, "%s\t%s\n", corner, strings.Join(colNames, "\t"))
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		w.WriteString(rowNames[i])
		for j := 0; j < cols; j++ {
			w.WriteByte('\t')
			w.WriteString(formatValue(m.At(i, j)))
		}
		w.WriteByte('\n')
	}
	return nil
}

func writeJSON(fnm string, v interface{}) error {
	return writeFile(fnm, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// writeFile creates fnm and calls fill with a buffered writer.
func writeFile(fnm string, fill func(*bufio.Writer) error) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	log.Infof("writing %s", fnm)
	err = fill(bufw)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

// featureNames returns resp.Features, or row indices if it has none.
func featureNames(resp *linmod.Response) []string {
	if resp.Features != nil {
		return resp.Features
	}
	rows, _ := resp.Values.Dims()
	names := make([]string, rows)
	for i := range names {
		names[i] = strconv.Itoa(i)
	}
	return names
}

func mkdirAll(dir string) error {
	return os.MkdirAll(dir, 0777)
}
