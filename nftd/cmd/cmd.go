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

// Package cmd holds implementations of the nftd commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/nftcore/nftcore/nftd/config"
	"github.com/nftcore/nftcore/pkg/ruleset"
	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
	"gvisor.dev/gvisor/pkg/log"
)

// loadEngine returns an engine holding the ruleset named by the
// configuration.
func loadEngine(conf *config.Config) (*nftables.NFTables, error) {
	nf := nftables.NewNFTables()
	if conf.Ruleset == "" {
		log.Infof("No ruleset configured, starting with an empty engine")
		return nf, nil
	}
	rs, err := ruleset.LoadFile(conf.Ruleset)
	if err != nil {
		return nil, err
	}
	if err := rs.Apply(nf); err != nil {
		return nil, fmt.Errorf("applying ruleset %q: %w", conf.Ruleset, err)
	}
	return nf, nil
}

// Errorf logs the error and prints it to stderr, returning the failure exit
// status.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}
