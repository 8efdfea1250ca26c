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
	"fmt"
	"strings"
)

// Snapshot is a read-only copy of the ruleset and of the evaluation
// statistics at one point in time.
type Snapshot struct {
	Tables []TableSnapshot
	Hooks  []HookStats
}

// TableSnapshot describes a table.
type TableSnapshot struct {
	Family  AddressFamily
	Name    string
	Handle  uint64
	Flags   TableFlag
	Comment string
	Chains  []ChainSnapshot
	Sets    []SetSnapshot
}

// ChainSnapshot describes a chain and its rules.
type ChainSnapshot struct {
	Name    string
	Handle  uint64
	ID      ChainID
	Flags   ChainFlag
	Comment string

	// Base is the base chain info, nil for regular chains.
	Base *BaseChainInfo

	Use   uint32
	Level uint32
	Rules []RuleSnapshot
}

// RuleSnapshot describes a rule.
type RuleSnapshot struct {
	Handle uint64

	// Exprs holds the dump of each expression.
	Exprs []string

	// Counters holds the counts of the rule's counter expressions.
	Counters []CounterSnapshot
}

// CounterSnapshot holds the counts of a counter expression.
type CounterSnapshot struct {
	Packets uint64
	Bytes   uint64
}

// SetSnapshot describes a set.
type SetSnapshot struct {
	Name     string
	Handle   uint64
	Flags    SetFlag
	KeyLen   int
	DataType DataType
	DataLen  int
	Backend  string
	Elems    int
	Use      int
	Memory   int
}

// Snapshot returns a copy of the ruleset and evaluation statistics.
func (nf *NFTables) Snapshot() (*Snapshot, error) {
	nf.lock()
	defer nf.unlock()
	snap := &Snapshot{Hooks: nf.Stats()}
	for family := range NumAFs {
		for _, t := range nf.tablesLocked(family) {
			ts, err := t.snapshot()
			if err != nil {
				return nil, err
			}
			snap.Tables = append(snap.Tables, ts)
		}
	}
	return snap, nil
}

func (t *Table) snapshot() (TableSnapshot, error) {
	ts := TableSnapshot{
		Family:  t.GetAddressFamily(),
		Name:    t.name,
		Handle:  t.handle,
		Flags:   t.flags,
		Comment: t.comment,
	}
	for _, c := range t.Chains() {
		cs := ChainSnapshot{
			Name:    c.name,
			Handle:  c.handle,
			ID:      c.id,
			Flags:   c.flags,
			Comment: c.comment,
			Use:     c.use,
			Level:   c.level,
		}
		if c.baseChainInfo != nil {
			info := *c.baseChainInfo
			cs.Base = &info
		}
		for _, r := range c.loadRules() {
			rs := RuleSnapshot{Handle: r.handle}
			for _, e := range r.Exprs() {
				b, err := e.Dump()
				if err != nil {
					return ts, fmt.Errorf("rule %d of chain %s: %w", r.handle, c.name, err)
				}
				rs.Exprs = append(rs.Exprs, string(b))
				if ctr, ok := e.(*counter); ok {
					packets, bytes := ctr.Counts()
					rs.Counters = append(rs.Counters, CounterSnapshot{Packets: packets, Bytes: bytes})
				}
			}
			cs.Rules = append(cs.Rules, rs)
		}
		ts.Chains = append(ts.Chains, cs)
	}
	for _, s := range t.Sets() {
		ts.Sets = append(ts.Sets, SetSnapshot{
			Name:     s.name,
			Handle:   s.handle,
			Flags:    s.desc.Flags,
			KeyLen:   s.desc.KeyLen,
			DataType: s.desc.DataType,
			DataLen:  s.desc.DataLen,
			Backend:  s.ops.Name,
			Elems:    s.Len(),
			Use:      s.GetUse(),
			Memory:   s.MemoryEstimate(),
		})
	}
	return ts, nil
}

// String for Snapshot returns the ruleset in a form close to `nft list
// ruleset`, with rules shown as their expressions.
func (s *Snapshot) String() string {
	var sb strings.Builder
	for _, t := range s.Tables {
		fmt.Fprintf(&sb, "table %s %s { # handle %d\n", t.Family, t.Name, t.Handle)
		if t.Flags&TableFlagDormant != 0 {
			sb.WriteString("\tflags dormant\n")
		}
		for _, set := range t.Sets {
			fmt.Fprintf(&sb, "\tset %s { # handle %d, backend %s, %d elements, %d bindings\n", set.Name, set.Handle, set.Backend, set.Elems, set.Use)
			fmt.Fprintf(&sb, "\t\tkey %d bytes; flags %s;\n\t}\n", set.KeyLen, set.Flags)
		}
		for _, c := range t.Chains {
			fmt.Fprintf(&sb, "\tchain %s { # handle %d, use %d, level %d\n", c.Name, c.Handle, c.Use, c.Level)
			if c.Base != nil {
				fmt.Fprintf(&sb, "\t\ttype %s hook %s priority %s; policy %s;\n", c.Base.BcType, c.Base.Hook, c.Base.Priority, c.Base.Policy())
			}
			for _, r := range c.Rules {
				fmt.Fprintf(&sb, "\t\t# handle %d\n", r.Handle)
				for _, e := range r.Exprs {
					fmt.Fprintf(&sb, "\t\t[ %s ]\n", e)
				}
			}
			sb.WriteString("\t}\n")
		}
		sb.WriteString("}\n")
	}
	return sb.String()
}
