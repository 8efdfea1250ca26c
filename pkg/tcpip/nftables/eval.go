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
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
)

// hookStats counts the verdicts issued at one hook of one address family.
type hookStats struct {
	packets  atomicbitops.Uint64
	accepted atomicbitops.Uint64
	dropped  atomicbitops.Uint64
	queued   atomicbitops.Uint64
	stolen   atomicbitops.Uint64
	overflow atomicbitops.Uint64
}

// HookStats is a snapshot of the verdict counters of a hook.
type HookStats struct {
	Family   AddressFamily
	Hook     Hook
	Packets  uint64
	Accepted uint64
	Dropped  uint64
	Queued   uint64
	Stolen   uint64

	// Overflows counts packets dropped because the jump stack was full.
	Overflows uint64
}

// record counts a final verdict.
func (s *hookStats) record(v Verdict) {
	s.packets.Add(1)
	switch v.Kind() {
	case VerdictAccept:
		s.accepted.Add(1)
	case VerdictDrop:
		s.dropped.Add(1)
	case VerdictQueue:
		s.queued.Add(1)
	case VerdictStolen:
		s.stolen.Add(1)
	}
}

// Stats returns the verdict counters of every hook that has evaluated at
// least one packet.
func (nf *NFTables) Stats() []HookStats {
	var stats []HookStats
	for family := range NumAFs {
		for hook := range NumHooks {
			s := &nf.stats[family][hook]
			if s.packets.Load() == 0 {
				continue
			}
			stats = append(stats, HookStats{
				Family:    family,
				Hook:      hook,
				Packets:   s.packets.Load(),
				Accepted:  s.accepted.Load(),
				Dropped:   s.dropped.Load(),
				Queued:    s.queued.Load(),
				Stolen:    s.stolen.Load(),
				Overflows: s.overflow.Load(),
			})
		}
	}
	return stats
}

// jumpFrame is the position to resume at after returning from a chain.
type jumpFrame struct {
	chain *Chain
	rules []*Rule
	idx   int
}

// EvaluateHook evaluates a packet on the base chains of the given hook, in
// priority order, and returns the final verdict. Evaluation continues to the
// next base chain on accept and stops on any other verdict. A hook with no
// base chains accepts. The only errors are for an invalid address family or
// hook.
func (nf *NFTables) EvaluateHook(family AddressFamily, hook Hook, pkt *PacketInfo) (Verdict, error) {
	if err := validateAddressFamily(family); err != nil {
		return Verdict{}, err
	}
	if family == Inet {
		return Verdict{}, newError(CodeInvalidArgument, "packets are evaluated on the ip and ip6 families, not inet")
	}
	if err := validateHook(hook, family); err != nil {
		return Verdict{}, err
	}

	epoch := nf.rcu.ReadLock()
	defer epoch.ReadUnlock()

	v := Verdict{Code: VerdictAccept}
	stats := &nf.stats[family][hook]
	if chains := nf.hooks[family][hook].Load(); chains != nil {
		for _, c := range *chains {
			if c.table.IsDormant() {
				continue
			}
			v = nf.evaluateBaseChain(c, pkt, stats)
			if v.Kind() != VerdictAccept {
				break
			}
		}
	}
	stats.record(v)
	return v, nil
}

// evaluateBaseChain runs a packet through a base chain and the chains it jumps
// to, returning a terminal verdict.
// From net/netfilter/nf_tables_core.c:nft_do_chain.
func (nf *NFTables) evaluateBaseChain(base *Chain, pkt *PacketInfo, stats *hookStats) Verdict {
	var (
		stack [nestedJumpLimit]jumpFrame
		depth int
		regs  = newRegisters()
	)
	chain := base
	rules := chain.loadRules()
	idx := 0
	for {
		if idx >= len(rules) {
			// Falling off a chain behaves like return; falling off the base
			// chain issues its policy.
			if depth == 0 {
				return base.policy()
			}
			depth--
			chain, rules, idx = stack[depth].chain, stack[depth].rules, stack[depth].idx
			continue
		}
		r := rules[idx]
		idx++
		regs.SetVerdict(Verdict{Code: VerdictContinue})
		for c, end := r.first(), r.end(); c.off != end; c = c.next() {
			c.expr(end).Evaluate(&regs, pkt)
			if regs.Verdict().Code != VerdictContinue {
				break
			}
		}

		v := regs.Verdict()
		switch v.Code {
		case VerdictContinue, VerdictBreak:
			continue
		case VerdictJump:
			if depth == nestedJumpLimit {
				stats.overflow.Add(1)
				nf.anomalies.Warningf("nftables: jump stack overflow in chain %s of table %s, dropping packet", chain.name, chain.table.name)
				return Verdict{Code: VerdictDrop}
			}
			stack[depth] = jumpFrame{chain: chain, rules: rules, idx: idx}
			depth++
			fallthrough
		case VerdictGoto:
			target := nf.chains.lookup(v.Chain)
			if target == nil {
				nf.anomalies.Warningf("nftables: %s target %d of chain %s no longer exists, dropping packet", VerdictCodeString(v.Code), v.Chain, chain.name)
				return Verdict{Code: VerdictDrop}
			}
			chain, rules, idx = target, target.loadRules(), 0
		case VerdictReturn:
			if depth == 0 {
				return base.policy()
			}
			depth--
			chain, rules, idx = stack[depth].chain, stack[depth].rules, stack[depth].idx
		default:
			if log.IsLogging(log.Debug) {
				log.Debugf("nftables: chain %s of table %s issued %s", chain.name, chain.table.name, v)
			}
			return v
		}
	}
}
