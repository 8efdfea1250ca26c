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
	"time"

	"github.com/google/subcommands"
	"github.com/nftcore/nftcore/nftd/config"
	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/log"
)

// Bench implements subcommands.Command for the "bench" command.
type Bench struct {
	packet  packetSpec
	packets uint
	workers int
}

// Name implements subcommands.Command.Name.
func (*Bench) Name() string {
	return "bench"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Bench) Synopsis() string {
	return "measure the evaluation rate of the ruleset"
}

// Usage implements subcommands.Command.Usage.
func (*Bench) Usage() string {
	return `bench [flags] - evaluates the same packet from concurrent workers and prints the rate and verdicts
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Bench) SetFlags(f *flag.FlagSet) {
	b.packet.setFlags(f)
	f.UintVar(&b.packets, "packets", 1000000, "number of packets to evaluate.")
	f.IntVar(&b.workers, "workers", 0, "number of concurrent workers. Defaults to the configured bench_workers.")
}

// Execute implements subcommands.Command.Execute.
func (b *Bench) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	workers := b.workers
	if workers == 0 {
		workers = conf.BenchWorkers
	}
	if workers < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	nf, err := loadEngine(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	res, err := runBench(ctx, nf, conf, &b.packet, b.packets, workers)
	if err != nil {
		return Errorf("%v", err)
	}
	res.write(os.Stdout)
	return subcommands.ExitSuccess
}

// benchResult is the outcome of a benchmark run.
type benchResult struct {
	packets  uint64
	elapsed  time.Duration
	verdicts map[string]uint64
}

func (r *benchResult) write(w io.Writer) {
	rate := float64(r.packets) / r.elapsed.Seconds()
	fmt.Fprintf(w, "%d packets in %v (%.0f packets/s)\n", r.packets, r.elapsed, rate)
	for _, name := range []string{"accept", "drop", "queue", "stolen"} {
		if n := r.verdicts[name]; n != 0 {
			fmt.Fprintf(w, "  %s: %d\n", name, n)
		}
	}
}

// runBench evaluates n packets spread over the given number of workers.
func runBench(ctx context.Context, nf *nftables.NFTables, conf *config.Config, p *packetSpec, n uint, workers int) (*benchResult, error) {
	def, err := conf.Family()
	if err != nil {
		return nil, err
	}
	// Workers evaluate their own copy of the packet.
	var (
		family nftables.AddressFamily
		hook   nftables.Hook
		pkts   = make([]*nftables.PacketInfo, workers)
	)
	for i := range pkts {
		if family, hook, pkts[i], err = p.build(def); err != nil {
			return nil, fmt.Errorf("building packet: %w", err)
		}
	}

	counts := make([]map[int32]uint64, workers)
	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := range workers {
		quota := n / uint(workers)
		if uint(i) < n%uint(workers) {
			quota++
		}
		pkt := pkts[i]
		counts[i] = make(map[int32]uint64)
		g.Go(func() error {
			for j := uint(0); j < quota; j++ {
				if j%1024 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				v, err := nf.EvaluateHook(family, hook, pkt)
				if err != nil {
					return err
				}
				counts[i][v.Kind()]++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res := &benchResult{
		packets:  uint64(n),
		elapsed:  time.Since(start),
		verdicts: make(map[string]uint64),
	}
	for _, c := range counts {
		for kind, cnt := range c {
			res.verdicts[nftables.VerdictCodeString(kind)] += cnt
		}
	}
	log.Debugf("Bench of %d packets over %d workers took %v", n, workers, res.elapsed)
	return res, nil
}
