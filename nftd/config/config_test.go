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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nftd.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	got, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
debug = true
log_format = "json"
ruleset = "/etc/nftd/ruleset.yaml"
metrics_addr = ":9000"
bench_workers = 2
default_family = "ip6"
`)
	t.Setenv("NFTD_METRICS_ADDR", ":9100")
	t.Setenv("NFTD_BENCH_WORKERS", "8")

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) failed: %v", path, err)
	}
	want := &Config{
		Debug:         true,
		LogFormat:     "json",
		Ruleset:       "/etc/nftd/ruleset.yaml",
		MetricsAddr:   ":9100",
		BenchWorkers:  8,
		DefaultFamily: "ip6",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if f, err := got.Family(); err != nil || f != nftables.IP6 {
		t.Errorf("got Family() = (%v, %v), want (%v, nil)", f, err, nftables.IP6)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{name: "syntax", contents: "debug = \n"},
		{name: "log format", contents: `log_format = "xml"`},
		{name: "workers", contents: "bench_workers = 0"},
		{name: "family", contents: `default_family = "decnet"`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.contents)
			if c, err := Load(path); err == nil {
				t.Errorf("got Load(%q) = %+v, want error", path, c)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("Load() of a missing file succeeded, want error")
	}
}
