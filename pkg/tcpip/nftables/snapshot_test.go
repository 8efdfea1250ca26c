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

package nftables

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestSnapshot(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, true)
	addChain(t, nf, "sub")
	addSet(t, nf, SetDesc{Name: "ports", KeyLen: 2})
	addElems(t, nf, "ports", SetElemSpec{Key: port(22)}, SetElemSpec{Key: port(80)})
	addRule(t, nf, "input",
		ExprSpec{Name: "counter"},
		verdictSpec(VerdictJump, "sub"),
	)
	addRule(t, nf, "sub",
		ExprSpec{Name: "payload", Params: PayloadParams{Base: TransportHeader, Offset: 2, Len: 2, Dreg: Reg1}},
		ExprSpec{Name: "lookup", Params: LookupParams{Set: "ports", Sreg: Reg1}},
		verdictSpec(VerdictAccept, ""),
	)
	pkt := tcpPacket(t, 22)
	if got := evaluateInput(t, nf, pkt); got.Code != VerdictAccept {
		t.Fatalf("got verdict %s, want accept", got)
	}

	snap, err := nf.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if len(snap.Tables) != 1 {
		t.Fatalf("got %d tables, want 1", len(snap.Tables))
	}
	tab := snap.Tables[0]
	if tab.Family != IP || tab.Name != testTable {
		t.Errorf("got table %s %s, want %s %s", tab.Family, tab.Name, IP, testTable)
	}

	type chainSummary struct {
		Name   string
		IsBase bool
		Use    uint32
		Level  uint32
		Rules  []RuleSnapshot
	}
	var got []chainSummary
	for _, c := range tab.Chains {
		got = append(got, chainSummary{Name: c.Name, IsBase: c.Base != nil, Use: c.Use, Level: c.Level, Rules: c.Rules})
	}
	want := []chainSummary{
		{
			Name:   "input",
			IsBase: true,
			Rules: []RuleSnapshot{{
				Exprs:    []string{"counter pkts 1 bytes 40", "immediate reg 0 jump -> sub"},
				Counters: []CounterSnapshot{{Packets: 1, Bytes: uint64(len(pkt.Payload))}},
			}},
		},
		{
			Name:  "sub",
			Use:   1,
			Level: 1,
			Rules: []RuleSnapshot{{
				Exprs: []string{"payload load 2b @ transport header + 2 => reg 1", "lookup reg 1 set ports", "immediate reg 0 accept"},
			}},
		},
	}
	ignoreHandles := cmpopts.IgnoreFields(RuleSnapshot{}, "Handle")
	sortChains := cmpopts.SortSlices(func(a, b chainSummary) bool { return a.Name < b.Name })
	if diff := cmp.Diff(want, got, ignoreHandles, sortChains); diff != "" {
		t.Errorf("chains mismatch (-want +got):\n%s", diff)
	}

	if len(tab.Sets) != 1 {
		t.Fatalf("got %d sets, want 1", len(tab.Sets))
	}
	if s := tab.Sets[0]; s.Name != "ports" || s.Backend != "bitmap" || s.Elems != 2 || s.Use != 1 {
		t.Errorf("got set %+v, want ports stored in a bitmap with 2 elements and 1 binding", s)
	}
	if len(snap.Hooks) != 1 || snap.Hooks[0].Accepted != 1 {
		t.Errorf("got hook stats %+v, want one accepted packet at one hook", snap.Hooks)
	}

	listing := snap.String()
	for _, want := range []string{
		"table ip filter {",
		"\tset ports {",
		"\t\ttype filter hook input priority 0; policy drop;\n",
		"\t\t[ lookup reg 1 set ports ]\n",
	} {
		if !strings.Contains(listing, want) {
			t.Errorf("listing does not contain %q:\n%s", want, listing)
		}
	}
}
