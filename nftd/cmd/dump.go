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
	"github.com/nftcore/nftcore/pkg/nftmetrics"
	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print the loaded ruleset"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [-metrics] - prints the ruleset, or its metrics in Prometheus text format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.metrics, "metrics", false, "print the ruleset metrics in Prometheus text format instead of the ruleset.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	nf, err := loadEngine(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	if d.metrics {
		err = writeMetrics(os.Stdout, nf)
	} else {
		err = writeRuleset(os.Stdout, nf)
	}
	if err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// writeRuleset writes the listing of the ruleset to w.
func writeRuleset(w io.Writer, nf *nftables.NFTables) error {
	snap, err := nf.Snapshot()
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, snap.String())
	return err
}

// writeMetrics writes the metrics of the ruleset to w in Prometheus text
// format.
func writeMetrics(w io.Writer, nf *nftables.NFTables) error {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(nftmetrics.NewCollector(nf)); err != nil {
		return err
	}
	mfs, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
