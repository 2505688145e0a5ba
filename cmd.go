// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package voomfit

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/exec"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"design":             &designCmd{},
		"fit":                &fitCmd{},
		"voom":               &voomCmd{},
		"glm":                &glmCmd{},
		"pca":                &pcaCmd{},
		"build-docker-image": &buildDockerImage{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// errUsage marks errors that should exit 2 instead of 1.
var errUsage = errors.New("usage error")

// runCommand maps the error returned by run to an exit code.
func runCommand(run func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error, prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := run(prog, args, stdin, stdout, stderr)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
}

// parseFlags parses args and rejects leftover arguments. It returns
// flag.ErrHelp unchanged so callers can exit 0.
func parseFlags(flags *flag.FlagSet, args []string) error {
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return err
	} else if err != nil {
		return fmt.Errorf("%w: %s", errUsage, err)
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	return nil
}

// containerFlags are the options every subcommand takes for running
// itself in an Arvados container.
type containerFlags struct {
	local       bool
	projectUUID string
	priority    int
	vcpus       int
	ram         int64
	preemptible bool
	pprof       string
}

func (cf *containerFlags) Flags(flags *flag.FlagSet, defaultRAM int64) {
	flags.StringVar(&cf.pprof, "pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.BoolVar(&cf.local, "local", false, "run on local host (default: run in an arvados container)")
	flags.StringVar(&cf.projectUUID, "project", "", "project `UUID` for output data")
	flags.IntVar(&cf.priority, "priority", 500, "container request priority")
	flags.IntVar(&cf.vcpus, "arvados-vcpus", 8, "number of VCPUs to request for arvados container")
	flags.Int64Var(&cf.ram, "arvados-ram", defaultRAM, "amount of memory to request for arvados container (`bytes`)")
	flags.BoolVar(&cf.preemptible, "preemptible", true, "request preemptible instance")
}

func (cf *containerFlags) startPprof() {
	if cf.pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(cf.pprof, nil))
		}()
	}
}

func (cf *containerFlags) runner(name string) *containerRunner {
	return &containerRunner{
		Name:        name,
		Client:      arvados.NewClientFromEnv(),
		ProjectUUID: cf.projectUUID,
		RAM:         cf.ram,
		VCPUs:       cf.vcpus,
		Priority:    cf.priority,
		KeepCache:   2,
		APIAccess:   true,
		Preemptible: cf.preemptible,
	}
}

// runRemote runs args in a container after translating the given
// input paths, and prints the output collection UUID.
func (cf *containerFlags) runRemote(name string, stdout io.Writer, args func() []string, inputs ...*string) error {
	runner := cf.runner(name)
	err := runner.TranslatePaths(inputs...)
	if err != nil {
		return err
	}
	runner.Args = args()
	output, err := runner.Run(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, output)
	return nil
}

type buildDockerImage struct{}

func (cmd *buildDockerImage) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return runCommand(cmd.run, prog, args, stdin, stdout, stderr)
}

func (cmd *buildDockerImage) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	tag := flags.String("tag", runtimeImage, "image `tag`")
	err := parseFlags(flags, args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	tmpdir, err := os.MkdirTemp("", "")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpdir)
	err = os.WriteFile(tmpdir+"/Dockerfile", []byte(`FROM debian:bookworm
RUN DEBIAN_FRONTEND=noninteractive \
  apt-get update && \
  apt-get dist-upgrade -y && \
  apt-get install -y --no-install-recommends ca-certificates && \
  apt-get clean
`), 0644)
	if err != nil {
		return err
	}
	docker := exec.Command("docker", "build", "--tag="+*tag, tmpdir)
	docker.Stdout = stdout
	docker.Stderr = stderr
	err = docker.Run()
	if err != nil {
		return err
	}
	fmt.Fprintf(stderr, "built and tagged new docker image, %s\n", *tag)
	return nil
}
