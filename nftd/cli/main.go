// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for nftd.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/nftcore/nftcore/nftd/cmd"
	"github.com/nftcore/nftcore/nftd/config"
	"gvisor.dev/gvisor/pkg/log"
)

var (
	configPath = flag.String("config", "", "path of the TOML configuration file.")
	debug      = flag.Bool("debug", false, "enable debug logging. Overrides the configuration file.")
)

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	if *debug {
		conf.Debug = true
	}

	log.SetTarget(newEmitter(conf.LogFormat, os.Stderr))
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	log.Debugf("Configuration: %+v", *conf)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// forEachCmd invokes the passed callback for each command supported by nftd.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Eval), "")
	cb(new(cmd.Dump), "")
	cb(new(cmd.Serve), "")

	const debugGroup = "debug"
	cb(new(cmd.Bench), debugGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{&log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{&log.Writer{Next: logFile}}
	case "json-k8s":
		return log.K8sJSONEmitter{&log.Writer{Next: logFile}}
	}
	// Validated by config.Load.
	panic(fmt.Sprintf("invalid log format %q", format))
}
