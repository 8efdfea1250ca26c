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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/nftcore/nftcore/nftd/config"
	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
)

// Eval implements subcommands.Command for the "eval" command.
type Eval struct {
	packet packetSpec
}

// Name implements subcommands.Command.Name.
func (*Eval) Name() string {
	return "eval"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Eval) Synopsis() string {
	return "evaluate a synthetic packet against the ruleset"
}

// Usage implements subcommands.Command.Usage.
func (*Eval) Usage() string {
	return `eval [flags] - builds a packet from the flags and prints the verdict of the hook it traverses
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Eval) SetFlags(f *flag.FlagSet) {
	e.packet.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (e *Eval) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	nf, err := loadEngine(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	if err := evaluate(os.Stdout, nf, conf, &e.packet); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// evaluate builds the packet and writes its verdict to w.
func evaluate(w io.Writer, nf *nftables.NFTables, conf *config.Config, p *packetSpec) error {
	def, err := conf.Family()
	if err != nil {
		return err
	}
	family, hook, pkt, err := p.build(def)
	if err != nil {
		return fmt.Errorf("building packet: %w", err)
	}
	v, err := nf.EvaluateHook(family, hook, pkt)
	if err != nil {
		return fmt.Errorf("evaluating %s %s: %w", family, hook, err)
	}
	_, err = fmt.Fprintf(w, "%s %s: %s\n", family, hook, v)
	return err
}
