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
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testTable = "filter"

// tcpPacket returns an IPv4 TCP packet to the given port.
func tcpPacket(t *testing.T, dport uint16) *PacketInfo {
	t.Helper()
	b := make([]byte, header.IPv4MinimumSize+header.TCPMinimumSize)
	b[0] = 0x45 // Version 4, header length 20.
	b[9] = uint8(header.TCPProtocolNumber)
	ip := header.IPv4(b)
	ip.SetTotalLength(uint16(len(b)))
	ip.SetTTL(64)
	tcp := header.TCP(b[header.IPv4MinimumSize:])
	tcp.SetSourcePort(40000)
	tcp.SetDestinationPort(dport)
	pkt, err := NewIPv4PacketInfo(b)
	if err != nil {
		t.Fatalf("NewIPv4PacketInfo() failed: %v", err)
	}
	return pkt
}

// verdictSpec returns the spec of an immediate verdict.
func verdictSpec(code int32, chain string) ExprSpec {
	return ExprSpec{Name: "immediate", Params: ImmediateParams{Dreg: RegVerdict, Verdict: &VerdictSpec{Code: code, Chain: chain}}}
}

// tcpDportSpecs returns the specs of a rule matching TCP packets to port and
// issuing the given verdict.
func tcpDportSpecs(port uint16, code int32, chain string) []ExprSpec {
	return []ExprSpec{
		{Name: "meta", Params: MetaParams{Key: MetaL4proto, Dreg: Reg1}},
		{Name: "cmp", Params: CmpParams{Sreg: Reg1, Op: CmpEq, Data: []byte{uint8(header.TCPProtocolNumber)}}},
		{Name: "payload", Params: PayloadParams{Base: TransportHeader, Offset: 2, Len: 2, Dreg: Reg1}},
		{Name: "cmp", Params: CmpParams{Sreg: Reg1, Op: CmpEq, Data: binary.BigEndian.AppendUint16(nil, port)}},
		verdictSpec(code, chain),
	}
}

// newTestNFTables returns an NFTables object with an empty ip table.
func newTestNFTables(t *testing.T) *NFTables {
	t.Helper()
	nf := NewNFTables()
	if _, err := nf.CreateTable(IP, testTable, 0, ""); err != nil {
		t.Fatalf("CreateTable() failed: %v", err)
	}
	return nf
}

// addBaseChain adds a filter base chain on the input hook of the ip table.
func addBaseChain(t *testing.T, nf *NFTables, name string, priority int, policyDrop bool) *Chain {
	t.Helper()
	info := NewBaseChainInfo(BaseChainTypeFilter, Input, NewIntPriority(priority), "", policyDrop)
	c, err := nf.CreateChain(IP, testTable, name, info, 0, "")
	if err != nil {
		t.Fatalf("CreateChain(%s) failed: %v", name, err)
	}
	return c
}

// addChain adds a regular chain to the ip table.
func addChain(t *testing.T, nf *NFTables, name string) *Chain {
	t.Helper()
	c, err := nf.CreateChain(IP, testTable, name, nil, 0, "")
	if err != nil {
		t.Fatalf("CreateChain(%s) failed: %v", name, err)
	}
	return c
}

// addRule appends a rule to a chain of the ip table.
func addRule(t *testing.T, nf *NFTables, chain string, specs ...ExprSpec) *Rule {
	t.Helper()
	r, err := nf.AddRule(IP, testTable, chain, specs, nil)
	if err != nil {
		t.Fatalf("AddRule(%s) failed: %v", chain, err)
	}
	return r
}

// evaluateInput evaluates a packet on the ip input hook.
func evaluateInput(t *testing.T, nf *NFTables, pkt *PacketInfo) Verdict {
	t.Helper()
	v, err := nf.EvaluateHook(IP, Input, pkt)
	if err != nil {
		t.Fatalf("EvaluateHook() failed: %v", err)
	}
	return v
}

// TestUnsupportedAddressFamily tests that an empty NFTables object returns an
// error when evaluating a packet for an unsupported address family.
func TestUnsupportedAddressFamily(t *testing.T) {
	nf := NewNFTables()
	pkt := tcpPacket(t, 80)
	for _, unsupportedFamily := range []AddressFamily{NumAFs, AddressFamily(-1), Inet} {
		// Note: the Prerouting hook is arbitrary (any hook would work).
		if v, err := nf.EvaluateHook(unsupportedFamily, Prerouting, pkt); err == nil {
			t.Errorf("got EvaluateHook(address family %d, %s, packet) = (%s, nil), want error", int(unsupportedFamily), Prerouting, v)
		}
	}
}

// TestAcceptAllForSupportedHooks tests that an empty NFTables object accepts
// all packets for supported hooks and errors for unsupported hooks for all
// address families when evaluating packets at the hook-level.
func TestAcceptAllForSupportedHooks(t *testing.T) {
	pkt := tcpPacket(t, 80)
	for _, family := range []AddressFamily{IP, IP6, Arp, Bridge, Netdev} {
		t.Run(family.String()+" address family", func(t *testing.T) {
			nf := NewNFTables()
			for hook := range NumHooks {
				v, err := nf.EvaluateHook(family, hook, pkt)
				if validateHook(hook, family) == nil {
					if v.Code != VerdictAccept || err != nil {
						t.Errorf("got EvaluateHook(%s, %s, packet) = (%s, %v), want (accept, nil)", family, hook, v, err)
					}
				} else if err == nil {
					t.Errorf("got EvaluateHook(%s, %s, packet) = (%s, nil), want error for unsupported hook", family, hook, v)
				}
			}
		})
	}
}

// TestDropTCPPort tests a base chain dropping TCP packets to port 80.
func TestDropTCPPort(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, false)
	addRule(t, nf, "input", tcpDportSpecs(80, VerdictDrop, "")...)

	for _, tc := range []struct {
		port uint16
		want int32
	}{
		{80, VerdictDrop},
		{22, VerdictAccept},
		{8080, VerdictAccept},
	} {
		if got := evaluateInput(t, nf, tcpPacket(t, tc.port)); got.Code != tc.want {
			t.Errorf("got verdict %s for port %d, want %s", got, tc.port, VerdictCodeString(tc.want))
		}
	}
}

// TestPolicyDrop tests that falling off a base chain issues its policy.
func TestPolicyDrop(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, true)
	addRule(t, nf, "input", tcpDportSpecs(22, VerdictAccept, "")...)

	if got := evaluateInput(t, nf, tcpPacket(t, 22)); got.Code != VerdictAccept {
		t.Errorf("got verdict %s for port 22, want accept", got)
	}
	if got := evaluateInput(t, nf, tcpPacket(t, 80)); got.Code != VerdictDrop {
		t.Errorf("got verdict %s for port 80, want drop", got)
	}
}

// TestBaseChainInfoIsCopied tests that changing the base chain info after
// creating the chain, or the info returned by the chain, has no effect on the
// published chain.
func TestBaseChainInfoIsCopied(t *testing.T) {
	nf := newTestNFTables(t)
	info := NewBaseChainInfo(BaseChainTypeFilter, Input, NewIntPriority(0), "", false)
	c, err := nf.CreateChain(IP, testTable, "input", info, 0, "")
	if err != nil {
		t.Fatalf("CreateChain() failed: %v", err)
	}
	info.PolicyDrop = true
	info.Hook = Output
	got := c.GetBaseChainInfo()
	got.PolicyDrop = true
	got.Hook = Output

	if v := evaluateInput(t, nf, tcpPacket(t, 80)); v.Code != VerdictAccept {
		t.Errorf("got verdict %s, want accept from the policy given at creation", v)
	}
	if info := c.GetBaseChainInfo(); info.Hook != Input || info.PolicyDrop {
		t.Errorf("got hook %s policy drop %t, want input false", info.Hook, info.PolicyDrop)
	}
	if err := nf.DeleteChain(IP, testTable, "input"); err != nil {
		t.Fatalf("DeleteChain() failed: %v", err)
	}
	if v := evaluateInput(t, nf, tcpPacket(t, 80)); v.Code != VerdictAccept {
		t.Errorf("got verdict %s after deleting the only base chain, want accept", v)
	}
}

// TestTerminalVerdictStopsEvaluation tests that no expression runs after a
// terminal verdict.
func TestTerminalVerdictStopsEvaluation(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, false)
	addRule(t, nf, "input", verdictSpec(VerdictDrop, ""), ExprSpec{Name: "counter"})
	r := addRule(t, nf, "input", ExprSpec{Name: "counter"})

	if got := evaluateInput(t, nf, tcpPacket(t, 80)); got.Code != VerdictDrop {
		t.Fatalf("got verdict %s, want drop", got)
	}
	snap, err := nf.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	for _, rs := range snap.Tables[0].Chains[0].Rules {
		for _, c := range rs.Counters {
			if c.Packets != 0 {
				t.Errorf("got %d packets counted by rule %d, want 0", c.Packets, rs.Handle)
			}
		}
	}
	if r.GetHandle() == 0 {
		t.Errorf("got rule handle 0, want a non-zero handle")
	}
}

// TestBaseChainPriorities tests that base chains are evaluated in priority
// order and that accept moves on to the next base chain.
func TestBaseChainPriorities(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "late", 10, false)
	addBaseChain(t, nf, "early", -10, false)
	addRule(t, nf, "early", verdictSpec(VerdictAccept, ""))
	addRule(t, nf, "late", tcpDportSpecs(80, VerdictDrop, "")...)

	if got := evaluateInput(t, nf, tcpPacket(t, 80)); got.Code != VerdictDrop {
		t.Errorf("got verdict %s, want drop from the later base chain", got)
	}

	// A drop in the earlier chain stops evaluation.
	if err := nf.FlushChain(IP, testTable, "late"); err != nil {
		t.Fatalf("FlushChain() failed: %v", err)
	}
	addRule(t, nf, "late", verdictSpec(VerdictAccept, ""))
	if _, err := nf.InsertRule(IP, testTable, "early", 0, []ExprSpec{verdictSpec(VerdictDrop, "")}, nil); err != nil {
		t.Fatalf("InsertRule() failed: %v", err)
	}
	if got := evaluateInput(t, nf, tcpPacket(t, 22)); got.Code != VerdictDrop {
		t.Errorf("got verdict %s, want drop from the earlier base chain", got)
	}
}

// TestInetChainsSeeIPPackets tests that inet base chains are evaluated for
// ip packets together with ip base chains.
func TestInetChainsSeeIPPackets(t *testing.T) {
	nf := NewNFTables()
	if _, err := nf.CreateTable(Inet, testTable, 0, ""); err != nil {
		t.Fatalf("CreateTable() failed: %v", err)
	}
	info := NewBaseChainInfo(BaseChainTypeFilter, Input, NewIntPriority(0), "", false)
	if _, err := nf.CreateChain(Inet, testTable, "input", info, 0, ""); err != nil {
		t.Fatalf("CreateChain() failed: %v", err)
	}
	if _, err := nf.AddRule(Inet, testTable, "input", tcpDportSpecs(80, VerdictDrop, ""), nil); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if got := evaluateInput(t, nf, tcpPacket(t, 80)); got.Code != VerdictDrop {
		t.Errorf("got verdict %s, want drop", got)
	}
	if err := nf.DeleteTable(Inet, testTable); err != nil {
		t.Fatalf("DeleteTable() failed: %v", err)
	}
	if got := evaluateInput(t, nf, tcpPacket(t, 80)); got.Code != VerdictAccept {
		t.Errorf("got verdict %s after deleting the table, want accept", got)
	}
}

// TestDormantTable tests that dormant tables are not evaluated.
func TestDormantTable(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, true)
	if err := nf.SetTableDormant(IP, testTable, true); err != nil {
		t.Fatalf("SetTableDormant() failed: %v", err)
	}
	if got := evaluateInput(t, nf, tcpPacket(t, 80)); got.Code != VerdictAccept {
		t.Errorf("got verdict %s for dormant table, want accept", got)
	}
	if err := nf.SetTableDormant(IP, testTable, false); err != nil {
		t.Fatalf("SetTableDormant() failed: %v", err)
	}
	if got := evaluateInput(t, nf, tcpPacket(t, 80)); got.Code != VerdictDrop {
		t.Errorf("got verdict %s for active table, want drop", got)
	}
}

// TestJumpAndGoto tests that jump returns to the calling chain while goto
// does not.
func TestJumpAndGoto(t *testing.T) {
	for _, tc := range []struct {
		name string
		code int32
		// want is the verdict for a packet the called chain does not match.
		want int32
	}{
		{"jump", VerdictJump, VerdictDrop},
		{"goto", VerdictGoto, VerdictAccept},
	} {
		t.Run(tc.name, func(t *testing.T) {
			nf := newTestNFTables(t)
			addBaseChain(t, nf, "input", 0, false)
			sub := addChain(t, nf, "sub")
			addRule(t, nf, "sub", tcpDportSpecs(22, VerdictAccept, "")...)
			addRule(t, nf, "input", verdictSpec(tc.code, "sub"))
			addRule(t, nf, "input", verdictSpec(VerdictDrop, ""))

			if got := evaluateInput(t, nf, tcpPacket(t, 22)); got.Code != VerdictAccept {
				t.Errorf("got verdict %s for port 22, want accept", got)
			}
			if got := evaluateInput(t, nf, tcpPacket(t, 80)); got.Code != tc.want {
				t.Errorf("got verdict %s for port 80, want %s", got, VerdictCodeString(tc.want))
			}
			if sub.GetUse() != 1 || sub.GetLevel() != 1 {
				t.Errorf("got sub use %d level %d, want use 1 level 1", sub.GetUse(), sub.GetLevel())
			}
		})
	}
}

// TestReturn tests that return resumes the calling chain after the jump.
func TestReturn(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, false)
	addChain(t, nf, "sub")
	addRule(t, nf, "sub", tcpDportSpecs(80, VerdictReturn, "")...)
	addRule(t, nf, "sub", verdictSpec(VerdictAccept, ""))
	addRule(t, nf, "input", verdictSpec(VerdictJump, "sub"))
	addRule(t, nf, "input", verdictSpec(VerdictDrop, ""))

	if got := evaluateInput(t, nf, tcpPacket(t, 80)); got.Code != VerdictDrop {
		t.Errorf("got verdict %s for returned packet, want drop", got)
	}
	if got := evaluateInput(t, nf, tcpPacket(t, 22)); got.Code != VerdictAccept {
		t.Errorf("got verdict %s, want accept", got)
	}
}

// injectJump publishes a rule jumping from c to target without validating the
// jump graph.
func injectJump(c *Chain, target ChainID) {
	op := &immediate{dreg: RegVerdict, data: NewVerdictData(Verdict{Code: VerdictJump, Chain: target})}
	c.publishRules([]*Rule{{
		chain: c,
		exprs: []exprSlot{{typ: immediateType, size: uint32(immediateType.Size), expr: op}},
		dlen:  uint32(immediateType.Size),
	}})
}

// TestJumpStackOverflow tests that a packet exceeding the jump stack at
// runtime is dropped.
func TestJumpStackOverflow(t *testing.T) {
	for _, tc := range []struct {
		jumps         int
		want          int32
		wantOverflows uint64
	}{
		{nestedJumpLimit, VerdictAccept, 0},
		{nestedJumpLimit + 1, VerdictDrop, 1},
	} {
		nf := newTestNFTables(t)
		prev := addBaseChain(t, nf, "input", 0, true)
		for i := range tc.jumps {
			c := addChain(t, nf, "c"+string(rune('a'+i)))
			injectJump(prev, c.GetID())
			prev = c
		}
		addRule(t, nf, prev.GetName(), verdictSpec(VerdictAccept, ""))

		if got := evaluateInput(t, nf, tcpPacket(t, 80)); got.Code != tc.want {
			t.Errorf("got verdict %s after %d jumps, want %s", got, tc.jumps, VerdictCodeString(tc.want))
		}
		if got := nf.stats[IP][Input].overflow.Load(); got != tc.wantOverflows {
			t.Errorf("got %d overflows after %d jumps, want %d", got, tc.jumps, tc.wantOverflows)
		}
	}
}

// TestMissingJumpTargetDrops tests that a jump to a chain that no longer
// exists drops the packet.
func TestMissingJumpTargetDrops(t *testing.T) {
	nf := newTestNFTables(t)
	c := addBaseChain(t, nf, "input", 0, false)
	injectJump(c, 1<<40)
	if got := evaluateInput(t, nf, tcpPacket(t, 80)); got.Code != VerdictDrop {
		t.Errorf("got verdict %s, want drop", got)
	}
}

// TestDeleteReferencedChain tests that a chain referenced by a jump cannot be
// deleted until the referencing rule is removed.
func TestDeleteReferencedChain(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, false)
	sub := addChain(t, nf, "sub")
	r := addRule(t, nf, "input", verdictSpec(VerdictJump, "sub"))
	if sub.GetUse() != 1 {
		t.Fatalf("got sub use %d, want 1", sub.GetUse())
	}

	err := nf.DeleteChain(IP, testTable, "sub")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("got DeleteChain() = %v, want %v", err, ErrBusy)
	}
	if _, err := nf.GetChain(IP, testTable, "sub"); err != nil {
		t.Fatalf("GetChain() after failed delete = %v, want chain", err)
	}

	if err := nf.DeleteRule(IP, testTable, "input", r.GetHandle()); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if sub.GetUse() != 0 {
		t.Errorf("got sub use %d after deleting the rule, want 0", sub.GetUse())
	}
	if err := nf.DeleteChain(IP, testTable, "sub"); err != nil {
		t.Fatalf("DeleteChain() failed: %v", err)
	}
	if _, err := nf.GetChain(IP, testTable, "sub"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got GetChain() = %v after delete, want %v", err, ErrNotFound)
	}
}

// TestJumpLoops tests that jumps creating a cycle are rejected and leave the
// graph unchanged.
func TestJumpLoops(t *testing.T) {
	nf := newTestNFTables(t)
	a := addChain(t, nf, "a")
	b := addChain(t, nf, "b")
	addRule(t, nf, "a", verdictSpec(VerdictJump, "b"))

	for _, tc := range []struct {
		chain  string
		target string
	}{
		{"b", "a"},
		{"a", "a"},
	} {
		_, err := nf.AddRule(IP, testTable, tc.chain, []ExprSpec{verdictSpec(VerdictGoto, tc.target)}, nil)
		if !errors.Is(err, ErrLoop) {
			t.Errorf("got AddRule(%s -> %s) = %v, want %v", tc.chain, tc.target, err, ErrLoop)
		}
	}
	if a.GetUse() != 0 || b.GetUse() != 1 {
		t.Errorf("got use a=%d b=%d, want a=0 b=1", a.GetUse(), b.GetUse())
	}
	if a.GetLevel() != 0 || b.GetLevel() != 1 {
		t.Errorf("got level a=%d b=%d, want a=0 b=1", a.GetLevel(), b.GetLevel())
	}
	if n := len(b.Rules()); n != 0 {
		t.Errorf("got %d rules in b, want 0", n)
	}
}

// TestJumpDepthLimit tests that link-time levels bound the jump depth.
func TestJumpDepthLimit(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, false)
	prev := "input"
	var last *Chain
	for i := range nestedJumpLimit {
		name := "c" + string(rune('a'+i))
		last = addChain(t, nf, name)
		addRule(t, nf, prev, verdictSpec(VerdictJump, name))
		prev = name
	}
	if last.GetLevel() != nestedJumpLimit {
		t.Fatalf("got level %d, want %d", last.GetLevel(), nestedJumpLimit)
	}
	addChain(t, nf, "deep")
	if _, err := nf.AddRule(IP, testTable, prev, []ExprSpec{verdictSpec(VerdictJump, "deep")}, nil); !errors.Is(err, ErrLoop) {
		t.Errorf("got AddRule() = %v, want %v", err, ErrLoop)
	}
}

// TestJumpToBaseChain tests that base chains cannot be jumped to.
func TestJumpToBaseChain(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, false)
	addChain(t, nf, "sub")
	if _, err := nf.AddRule(IP, testTable, "sub", []ExprSpec{verdictSpec(VerdictJump, "input")}, nil); !errors.Is(err, ErrNotSupported) {
		t.Errorf("got AddRule() = %v, want %v", err, ErrNotSupported)
	}
}

// TestInvalidRules tests that invalid expressions are rejected.
func TestInvalidRules(t *testing.T) {
	nf := newTestNFTables(t)
	addChain(t, nf, "sub")
	tooMany := make([]ExprSpec, maxRuleExprs+1)
	for i := range tooMany {
		tooMany[i] = ExprSpec{Name: "counter"}
	}
	for _, tc := range []struct {
		name  string
		specs []ExprSpec
		want  error
	}{
		{"unknown expression", []ExprSpec{{Name: "nat"}}, ErrNotFound},
		{"too many expressions", tooMany, ErrRange},
		{"wrong params", []ExprSpec{{Name: "cmp", Params: MetaParams{}}}, ErrInvalidArgument},
		{"verdict in data register", []ExprSpec{{Name: "immediate", Params: ImmediateParams{Dreg: Reg1, Verdict: &VerdictSpec{Code: VerdictAccept}}}}, ErrTypeMismatch},
		{"value in verdict register", []ExprSpec{{Name: "immediate", Params: ImmediateParams{Dreg: RegVerdict, Value: []byte{1}}}}, ErrTypeMismatch},
		{"register out of range", []ExprSpec{{Name: "meta", Params: MetaParams{Key: MetaLen, Dreg: MaxRegister + 1}}}, ErrRange},
		{"long value", []ExprSpec{{Name: "cmp", Params: CmpParams{Sreg: Reg1, Data: make([]byte, RegisterSize+1)}}}, ErrInvalidLength},
		{"missing jump target", []ExprSpec{verdictSpec(VerdictJump, "nowhere")}, ErrNotFound},
		{"unsupported meta key", []ExprSpec{{Name: "meta", Params: MetaParams{Key: 2, Dreg: Reg1}}}, ErrNotSupported},
		{"missing set", []ExprSpec{{Name: "lookup", Params: LookupParams{Set: "nowhere", Sreg: Reg1}}}, ErrNotFound},
	} {
		if _, err := nf.AddRule(IP, testTable, "sub", tc.specs, nil); !errors.Is(err, tc.want) {
			t.Errorf("%s: got AddRule() = %v, want %v", tc.name, err, tc.want)
		}
	}
}

// TestRulePositions tests inserting rules before and after other rules.
func TestRulePositions(t *testing.T) {
	nf := newTestNFTables(t)
	c := addChain(t, nf, "sub")
	r1 := addRule(t, nf, "sub", ExprSpec{Name: "counter"})
	r3 := addRule(t, nf, "sub", ExprSpec{Name: "counter"})
	r2, err := nf.InsertRule(IP, testTable, "sub", r3.GetHandle(), []ExprSpec{{Name: "counter"}}, nil)
	if err != nil {
		t.Fatalf("InsertRule() failed: %v", err)
	}
	r0, err := nf.InsertRule(IP, testTable, "sub", 0, []ExprSpec{{Name: "counter"}}, nil)
	if err != nil {
		t.Fatalf("InsertRule() failed: %v", err)
	}
	r4, err := nf.AddRuleAfter(IP, testTable, "sub", r3.GetHandle(), []ExprSpec{{Name: "counter"}}, nil)
	if err != nil {
		t.Fatalf("AddRuleAfter() failed: %v", err)
	}
	want := []*Rule{r0, r1, r2, r3, r4}
	got := c.Rules()
	if len(got) != len(want) {
		t.Fatalf("got %d rules, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got rule %d at position %d, want rule %d", got[i].GetHandle(), i, want[i].GetHandle())
		}
	}
	if _, err := nf.InsertRule(IP, testTable, "sub", 1<<40, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("got InsertRule(missing handle) = %v, want %v", err, ErrNotFound)
	}
}

// TestBuiltinObjects tests that builtin tables and chains cannot be deleted.
func TestBuiltinObjects(t *testing.T) {
	nf := NewNFTables()
	if _, err := nf.CreateTable(IP, "builtin", TableFlagBuiltin, ""); err != nil {
		t.Fatalf("CreateTable() failed: %v", err)
	}
	if _, err := nf.CreateChain(IP, "builtin", "sub", nil, ChainFlagBuiltin, ""); err != nil {
		t.Fatalf("CreateChain() failed: %v", err)
	}
	if err := nf.DeleteChain(IP, "builtin", "sub"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("got DeleteChain() = %v, want %v", err, ErrNotSupported)
	}
	if err := nf.DeleteTable(IP, "builtin"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("got DeleteTable() = %v, want %v", err, ErrNotSupported)
	}
	nf.Flush()
	if _, err := nf.GetTable(IP, "builtin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got GetTable() = %v after flush, want %v", err, ErrNotFound)
	}
}

// TestDuplicates tests that create fails on existing objects while add
// returns them.
func TestDuplicates(t *testing.T) {
	nf := newTestNFTables(t)
	if _, err := nf.CreateTable(IP, testTable, 0, ""); !errors.Is(err, ErrExists) {
		t.Errorf("got CreateTable() = %v, want %v", err, ErrExists)
	}
	tab, err := nf.AddTable(IP, testTable, 0, "", false)
	if err != nil || tab.GetName() != testTable {
		t.Errorf("got AddTable() = (%v, %v), want existing table", tab, err)
	}
	c := addChain(t, nf, "sub")
	if _, err := nf.CreateChain(IP, testTable, "sub", nil, 0, ""); !errors.Is(err, ErrExists) {
		t.Errorf("got CreateChain() = %v, want %v", err, ErrExists)
	}
	if got, err := nf.AddChain(IP, testTable, "sub", nil, 0, "", false); err != nil || got != c {
		t.Errorf("got AddChain() = (%v, %v), want existing chain", got, err)
	}
}

// TestRuleReleasedAfterGracePeriod tests that a deleted rule is released only
// once evaluations that could see it are done.
func TestRuleReleasedAfterGracePeriod(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, false)
	r := addRule(t, nf, "input", ExprSpec{Name: "counter"})

	epoch := nf.rcu.ReadLock()
	done := make(chan error)
	go func() {
		done <- nf.DeleteRule(IP, testTable, "input", r.GetHandle())
	}()

	select {
	case err := <-done:
		t.Fatalf("DeleteRule() returned %v while an evaluation was in progress", err)
	case <-time.After(50 * time.Millisecond):
	}
	if r.Released() {
		t.Fatalf("rule released while an evaluation was in progress")
	}
	epoch.ReadUnlock()
	if err := <-done; err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if !r.Released() {
		t.Errorf("rule not released after the grace period")
	}
}

// TestConcurrentEvaluation tests that evaluations running during updates
// always see a consistent ruleset.
func TestConcurrentEvaluation(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, false)
	addChain(t, nf, "sub")
	addRule(t, nf, "sub", tcpDportSpecs(80, VerdictDrop, "")...)

	pkt := tcpPacket(t, 80)
	stop := make(chan struct{})
	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				v, err := nf.EvaluateHook(IP, Input, pkt)
				if err != nil {
					return err
				}
				if v.Code != VerdictAccept && v.Code != VerdictDrop {
					return errors.New("unexpected verdict " + v.String())
				}
			}
		})
	}
	for range 50 {
		r, err := nf.AddRule(IP, testTable, "input", []ExprSpec{verdictSpec(VerdictJump, "sub")}, nil)
		if err != nil {
			t.Fatalf("AddRule() failed: %v", err)
		}
		if err := nf.DeleteRule(IP, testTable, "input", r.GetHandle()); err != nil {
			t.Fatalf("DeleteRule() failed: %v", err)
		}
	}
	close(stop)
	if err := g.Wait(); err != nil {
		t.Errorf("evaluation failed: %v", err)
	}
}

// TestStats tests the per-hook verdict counters.
func TestStats(t *testing.T) {
	nf := newTestNFTables(t)
	addBaseChain(t, nf, "input", 0, false)
	addRule(t, nf, "input", tcpDportSpecs(80, VerdictDrop, "")...)
	evaluateInput(t, nf, tcpPacket(t, 80))
	evaluateInput(t, nf, tcpPacket(t, 22))
	evaluateInput(t, nf, tcpPacket(t, 22))

	stats := nf.Stats()
	if len(stats) != 1 {
		t.Fatalf("got stats for %d hooks, want 1", len(stats))
	}
	want := HookStats{Family: IP, Hook: Input, Packets: 3, Accepted: 2, Dropped: 1}
	if stats[0] != want {
		t.Errorf("got stats %+v, want %+v", stats[0], want)
	}
}
