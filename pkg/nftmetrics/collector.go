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

// Package nftmetrics exports the state of an nftables engine as Prometheus
// metrics.
package nftmetrics

import (
	"strconv"

	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
	"github.com/prometheus/client_golang/prometheus"
	"gvisor.dev/gvisor/pkg/log"
)

// Collector is a prometheus.Collector reading a snapshot of the engine on
// every collection.
type Collector struct {
	nf *nftables.NFTables

	collectionFailures prometheus.Counter

	// Metadata

	tableDesc *prometheus.Desc
	chainDesc *prometheus.Desc
	setDesc   *prometheus.Desc

	// Statistics

	chainRuleCountDesc    *prometheus.Desc
	chainUseDesc          *prometheus.Desc
	chainLevelDesc        *prometheus.Desc
	rulePacketCounterDesc *prometheus.Desc
	ruleByteCounterDesc   *prometheus.Desc
	setSizeDesc           *prometheus.Desc
	setMemoryDesc         *prometheus.Desc
	setBindingsDesc       *prometheus.Desc
	hookVerdictsDesc      *prometheus.Desc
	hookOverflowsDesc     *prometheus.Desc
}

// NewCollector returns a collector for nf.
func NewCollector(nf *nftables.NFTables) *Collector {
	return &Collector{
		nf: nf,
		collectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nftables",
			Name:      "collection_failures",
			Help:      "Collection failures while reading the ruleset.",
		}),

		tableDesc: prometheus.NewDesc("nftables_table_metadata", "Metadata about each table. Value is always 1.", []string{"family", "table" /* values: */, "dormant"}, nil),
		chainDesc: prometheus.NewDesc("nftables_chain_metadata", "Metadata about each chain. Value is always 1.", []string{"family", "table", "chain" /* values: */, "hook", "policy", "priority"}, nil),
		setDesc:   prometheus.NewDesc("nftables_set_metadata", "Metadata about each set. Value is always 1.", []string{"family", "table", "set" /* values: */, "flags", "backend", "datatype"}, nil),

		chainRuleCountDesc:    prometheus.NewDesc("nftables_chain_rule_count", "Total rule count in chain.", []string{"family", "table", "chain"}, nil),
		chainUseDesc:          prometheus.NewDesc("nftables_chain_use", "Number of jumps and verdict map elements targeting the chain.", []string{"family", "table", "chain"}, nil),
		chainLevelDesc:        prometheus.NewDesc("nftables_chain_level", "Jump depth of the chain from the base chains.", []string{"family", "table", "chain"}, nil),
		rulePacketCounterDesc: prometheus.NewDesc("nftables_rule_packet_count", "Number of packets reaching the counters of the rule.", []string{"family", "table", "chain", "handle"}, nil),
		ruleByteCounterDesc:   prometheus.NewDesc("nftables_rule_byte_count", "Number of bytes reaching the counters of the rule.", []string{"family", "table", "chain", "handle"}, nil),
		setSizeDesc:           prometheus.NewDesc("nftables_set_size", "Number of elements in the set.", []string{"family", "table", "set"}, nil),
		setMemoryDesc:         prometheus.NewDesc("nftables_set_memory_bytes", "Estimated memory used by the set storage.", []string{"family", "table", "set"}, nil),
		setBindingsDesc:       prometheus.NewDesc("nftables_set_bindings", "Number of expressions referencing the set.", []string{"family", "table", "set"}, nil),
		hookVerdictsDesc:      prometheus.NewDesc("nftables_hook_verdicts_total", "Final verdicts issued for packets evaluated at the hook.", []string{"family", "hook", "verdict"}, nil),
		hookOverflowsDesc:     prometheus.NewDesc("nftables_hook_jump_stack_overflows_total", "Packets dropped at the hook because the jump stack overflowed.", []string{"family", "hook"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collectionFailures.Describe(ch)
	ch <- c.tableDesc
	ch <- c.chainDesc
	ch <- c.setDesc
	ch <- c.chainRuleCountDesc
	ch <- c.chainUseDesc
	ch <- c.chainLevelDesc
	ch <- c.rulePacketCounterDesc
	ch <- c.ruleByteCounterDesc
	ch <- c.setSizeDesc
	ch <- c.setMemoryDesc
	ch <- c.setBindingsDesc
	ch <- c.hookVerdictsDesc
	ch <- c.hookOverflowsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	defer c.collectionFailures.Collect(ch)
	snap, err := c.nf.Snapshot()
	if err != nil {
		log.Warningf("Failed to snapshot the ruleset: %v", err)
		c.collectionFailures.Inc()
		return
	}
	for i := range snap.Tables {
		c.collectTable(ch, &snap.Tables[i])
	}
	for _, hs := range snap.Hooks {
		fam, hook := hs.Family.String(), hs.Hook.String()
		for _, v := range []struct {
			verdict string
			n       uint64
		}{
			{"accept", hs.Accepted},
			{"drop", hs.Dropped},
			{"queue", hs.Queued},
			{"stolen", hs.Stolen},
		} {
			ch <- prometheus.MustNewConstMetric(c.hookVerdictsDesc, prometheus.CounterValue, float64(v.n), fam, hook, v.verdict)
		}
		ch <- prometheus.MustNewConstMetric(c.hookOverflowsDesc, prometheus.CounterValue, float64(hs.Overflows), fam, hook)
	}
}

// collectTable exports metrics about a single table.
func (c *Collector) collectTable(ch chan<- prometheus.Metric, t *nftables.TableSnapshot) {
	fam := t.Family.String()
	ch <- prometheus.MustNewConstMetric(c.tableDesc, prometheus.GaugeValue, 1, fam, t.Name, strconv.FormatBool(t.Flags&nftables.TableFlagDormant != 0))

	for i := range t.Chains {
		c.collectChain(ch, fam, t.Name, &t.Chains[i])
	}
	for _, s := range t.Sets {
		datatype := "none"
		if s.Flags&nftables.SetFlagMap != 0 {
			datatype = s.DataType.String()
		}
		ch <- prometheus.MustNewConstMetric(c.setDesc, prometheus.GaugeValue, 1, fam, t.Name, s.Name, s.Flags.String(), s.Backend, datatype)
		ch <- prometheus.MustNewConstMetric(c.setSizeDesc, prometheus.GaugeValue, float64(s.Elems), fam, t.Name, s.Name)
		ch <- prometheus.MustNewConstMetric(c.setMemoryDesc, prometheus.GaugeValue, float64(s.Memory), fam, t.Name, s.Name)
		ch <- prometheus.MustNewConstMetric(c.setBindingsDesc, prometheus.GaugeValue, float64(s.Use), fam, t.Name, s.Name)
	}
}

// collectChain exports metrics about a single chain and its rules.
func (c *Collector) collectChain(ch chan<- prometheus.Metric, fam, table string, cs *nftables.ChainSnapshot) {
	hook, policy, priority := "", "", ""
	if cs.Base != nil {
		hook = cs.Base.Hook.String()
		policy = cs.Base.Policy().String()
		priority = strconv.Itoa(cs.Base.Priority.GetValue())
	}
	ch <- prometheus.MustNewConstMetric(c.chainDesc, prometheus.GaugeValue, 1, fam, table, cs.Name, hook, policy, priority)
	ch <- prometheus.MustNewConstMetric(c.chainRuleCountDesc, prometheus.GaugeValue, float64(len(cs.Rules)), fam, table, cs.Name)
	ch <- prometheus.MustNewConstMetric(c.chainUseDesc, prometheus.GaugeValue, float64(cs.Use), fam, table, cs.Name)
	ch <- prometheus.MustNewConstMetric(c.chainLevelDesc, prometheus.GaugeValue, float64(cs.Level), fam, table, cs.Name)

	for _, r := range cs.Rules {
		if len(r.Counters) == 0 {
			continue
		}
		var packets, bytes uint64
		for _, ctr := range r.Counters {
			packets += ctr.Packets
			bytes += ctr.Bytes
		}
		handle := strconv.FormatUint(r.Handle, 10)
		ch <- prometheus.MustNewConstMetric(c.rulePacketCounterDesc, prometheus.CounterValue, float64(packets), fam, table, cs.Name, handle)
		ch <- prometheus.MustNewConstMetric(c.ruleByteCounterDesc, prometheus.CounterValue, float64(bytes), fam, table, cs.Name, handle)
	}
}
