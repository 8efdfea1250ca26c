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

// Package config holds the configuration of nftd.
package config

import (
	"fmt"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
)

// EnvPrefix is the prefix of the environment variables overriding the
// configuration file, e.g. NFTD_METRICS_ADDR.
const EnvPrefix = "nftd"

// Config holds the configuration of nftd. Values come from the defaults, then
// the configuration file, then the environment.
type Config struct {
	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// LogFormat is the format of the logs: "text", "json" or "json-k8s".
	LogFormat string `toml:"log_format" split_words:"true"`

	// Ruleset is the path of the YAML ruleset loaded at startup. Empty means
	// an empty engine.
	Ruleset string `toml:"ruleset"`

	// MetricsAddr is the listen address of the serve command.
	MetricsAddr string `toml:"metrics_addr" split_words:"true"`

	// BenchWorkers is the number of goroutines evaluating packets in the bench
	// command.
	BenchWorkers int `toml:"bench_workers" split_words:"true"`

	// DefaultFamily is the address family used when a command does not name
	// one.
	DefaultFamily string `toml:"default_family" split_words:"true"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LogFormat:     "text",
		MetricsAddr:   "localhost:9630",
		BenchWorkers:  runtime.GOMAXPROCS(0),
		DefaultFamily: "ip",
	}
}

// Load returns the default configuration overridden by the TOML file at path,
// if path is not empty, and then by the environment.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	if c.BenchWorkers < 1 {
		return fmt.Errorf("bench_workers must be positive, got %d", c.BenchWorkers)
	}
	if _, err := c.Family(); err != nil {
		return err
	}
	return nil
}

// Family returns the default address family.
func (c *Config) Family() (nftables.AddressFamily, error) {
	f, err := nftables.ParseAddressFamily(c.DefaultFamily)
	if err != nil {
		return 0, fmt.Errorf("default_family: %w", err)
	}
	return f, nil
}
