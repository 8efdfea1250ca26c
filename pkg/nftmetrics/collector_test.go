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

package nftmetrics

import (
	"strings"
	"testing"

	"github.com/nftcore/nftcore/pkg/ruleset"
	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func tcpPacket(t *testing.T, dport uint16) *nftables.PacketInfo {
	t.Helper()
	b := make([]byte, header.IPv4MinimumSize+header.TCPMinimumSize)
	b[0] = 0x45
	b[9] = uint8(header.TCPProtocolNumber)
	header.IPv4(b).SetTotalLength(uint16(len(b)))
	header.TCP(b[header.IPv4MinimumSize:]).SetDestinationPort(dport)
	pkt, err := nftables.NewIPv4PacketInfo(b)
	if err != nil {
		t.Fatalf("NewIPv4PacketInfo() failed: %v", err)
	}
	return pkt
}

// newFilter loads the ruleset test fixture and evaluates one accepted and one
// dropped packet.
func newFilter(t *testing.T) *nftables.NFTables {
	t.Helper()
	rs, err := ruleset.LoadFile("../ruleset/testdata/filter.yaml")
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	nf := nftables.NewNFTables()
	if err := rs.Apply(nf); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	for _, dport := range []uint16{22, 8080} {
		if _, err := nf.EvaluateHook(nftables.IP, nftables.Input, tcpPacket(t, dport)); err != nil {
			t.Fatalf("EvaluateHook() failed: %v", err)
		}
	}
	return nf
}

func TestCollect(t *testing.T) {
	c := NewCollector(newFilter(t))

	want := `
# HELP nftables_chain_rule_count Total rule count in chain.
# TYPE nftables_chain_rule_count gauge
nftables_chain_rule_count{chain="input",family="ip",table="filter"} 2
nftables_chain_rule_count{chain="tcp",family="ip",table="filter"} 1
# HELP nftables_chain_level Jump depth of the chain from the base chains.
# TYPE nftables_chain_level gauge
nftables_chain_level{chain="input",family="ip",table="filter"} 0
nftables_chain_level{chain="tcp",family="ip",table="filter"} 1
# HELP nftables_hook_verdicts_total Final verdicts issued for packets evaluated at the hook.
# TYPE nftables_hook_verdicts_total counter
nftables_hook_verdicts_total{family="ip",hook="input",verdict="accept"} 1
nftables_hook_verdicts_total{family="ip",hook="input",verdict="drop"} 1
nftables_hook_verdicts_total{family="ip",hook="input",verdict="queue"} 0
nftables_hook_verdicts_total{family="ip",hook="input",verdict="stolen"} 0
# HELP nftables_hook_jump_stack_overflows_total Packets dropped at the hook because the jump stack overflowed.
# TYPE nftables_hook_jump_stack_overflows_total counter
nftables_hook_jump_stack_overflows_total{family="ip",hook="input"} 0
# HELP nftables_table_metadata Metadata about each table. Value is always 1.
# TYPE nftables_table_metadata gauge
nftables_table_metadata{dormant="false",family="ip",table="filter"} 1
# HELP nftables_collection_failures Collection failures while reading the ruleset.
# TYPE nftables_collection_failures counter
nftables_collection_failures 0
`
	names := []string{
		"nftables_chain_rule_count",
		"nftables_chain_level",
		"nftables_hook_verdicts_total",
		"nftables_hook_jump_stack_overflows_total",
		"nftables_table_metadata",
		"nftables_collection_failures",
	}
	if err := testutil.CollectAndCompare(c, strings.NewReader(want), names...); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

// findMetrics returns the metrics of the family with the given name.
func findMetrics(mfs []*dto.MetricFamily, name string) []*dto.Metric {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()
		}
	}
	return nil
}

// labels returns the label pairs of m as a map.
func labels(m *dto.Metric) map[string]string {
	l := make(map[string]string)
	for _, lp := range m.GetLabel() {
		l[lp.GetName()] = lp.GetValue()
	}
	return l
}

func TestGather(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(newFilter(t))); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}

	sets := make(map[string]map[string]string)
	for _, m := range findMetrics(mfs, "nftables_set_metadata") {
		l := labels(m)
		sets[l["set"]] = l
	}
	for name, want := range map[string]struct{ backend, datatype string }{
		"allowed":  {"bitmap", "none"},
		"dispatch": {"hash", "verdict"},
	} {
		l, ok := sets[name]
		if !ok {
			t.Errorf("no metadata for set %s", name)
			continue
		}
		if l["backend"] != want.backend || l["datatype"] != want.datatype {
			t.Errorf("set %s: got backend %s datatype %s, want %s %s", name, l["backend"], l["datatype"], want.backend, want.datatype)
		}
	}

	for _, m := range findMetrics(mfs, "nftables_set_size") {
		if labels(m)["set"] == "allowed" {
			if got := m.GetGauge().GetValue(); got != 2 {
				t.Errorf("got size %v of set allowed, want 2", got)
			}
		}
	}

	rules := findMetrics(mfs, "nftables_rule_packet_count")
	if len(rules) != 1 {
		t.Fatalf("got %d rules with counters, want 1", len(rules))
	}
	if l := labels(rules[0]); l["chain"] != "input" {
		t.Errorf("got counter rule in chain %s, want input", l["chain"])
	}
	if got := rules[0].GetCounter().GetValue(); got != 0 {
		t.Errorf("got %v packets on the blocked source rule, want 0", got)
	}
}
