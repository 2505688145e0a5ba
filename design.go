// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package voomfit

import (
	"bufio"
	"flag"
	"fmt"
	"io"

	"github.com/arvados/voomfit/linmod"
)

// designCmd prints the design matrix built from a sample table, so a
// configuration can be checked before fitting.
type designCmd struct{}

func (cmd *designCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return runCommand(cmd.run, prog, args, stdin, stdout, stderr)
}

func (cmd *designCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	designFilename := flags.String("design", "", "design configuration `file` (TOML)")
	samplesFilename := flags.String("samples", "", "sample covariate `file` (CSV or TSV)")
	showConfig := flags.Bool("show-config", false, "print the effective configuration (TOML) instead of the matrix")
	err := parseFlags(flags, args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	cfg, err := LoadDesignConfig(*designFilename)
	if err != nil {
		return err
	}
	if *showConfig {
		_, err = io.WriteString(stdout, cfg.String())
		return err
	}
	if *samplesFilename == "" {
		return fmt.Errorf("%w: -samples is required", linmod.ErrInvalidConfig)
	}
	design, err := loadDesign(*samplesFilename, cfg)
	if err != nil {
		return err
	}
	var names []string
	for _, c := range design.Columns() {
		names = append(names, c.Name)
	}
	bufw := bufio.NewWriter(stdout)
	err = writeMatrix(bufw, "sample", design.Observations(), names, design.Matrix())
	if err != nil {
		return err
	}
	return bufw.Flush()
}
