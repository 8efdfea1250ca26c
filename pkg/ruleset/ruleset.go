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

// Package ruleset loads rulesets described in YAML and applies them to an
// nftables engine.
//
// A ruleset lists tables. Each table holds sets and chains, and each chain
// holds rules written in the bracketed expression form produced by rule dumps:
//
//	tables:
//	  - family: ip
//	    name: filter
//	    sets:
//	      - name: ports
//	        key_len: 2
//	        elements:
//	          - key: "22"
//	    chains:
//	      - name: input
//	        type: filter
//	        hook: input
//	        priority: filter
//	        policy: drop
//	        rules:
//	          - |
//	            [ payload load 2b @ transport header + 2 => reg 1 ]
//	            [ lookup reg 1 set ports ]
//	            [ immediate reg 0 accept ]
package ruleset

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/log"
)

// Ruleset is the root of a ruleset file.
type Ruleset struct {
	Tables []*Table `yaml:"tables" validate:"dive"`
}

// Table describes a table and its contents.
type Table struct {
	Family  string   `yaml:"family" validate:"required,oneof=ip ip6 inet arp bridge netdev"`
	Name    string   `yaml:"name" validate:"required,nft_identifier"`
	Dormant bool     `yaml:"dormant"`
	Comment string   `yaml:"comment" validate:"max=128"`
	Sets    []*Set   `yaml:"sets" validate:"dive"`
	Chains  []*Chain `yaml:"chains" validate:"dive"`
}

// Set describes a set or a map and its initial elements.
type Set struct {
	Name     string     `yaml:"name" validate:"required,nft_identifier"`
	KeyLen   int        `yaml:"key_len" validate:"min=1,max=16"`
	Flags    []string   `yaml:"flags" validate:"dive,oneof=anonymous constant interval map"`
	Data     string     `yaml:"data" validate:"omitempty,oneof=value verdict"`
	DataLen  int        `yaml:"data_len" validate:"min=0,max=16"`
	Size     int        `yaml:"size" validate:"min=0"`
	Backend  string     `yaml:"backend" validate:"omitempty,oneof=bitmap hash rbtree"`
	Elements []*Element `yaml:"elements" validate:"dive"`
}

// Element describes a set element. Keys and values are hexadecimal with a 0x
// prefix, IP addresses, or decimal integers stored big-endian.
type Element struct {
	Key     string `yaml:"key" validate:"required"`
	Value   string `yaml:"value"`
	Verdict string `yaml:"verdict"`
	End     bool   `yaml:"end"`
}

// Chain describes a chain. Base chains set Type and Hook.
type Chain struct {
	Name     string   `yaml:"name" validate:"required,nft_identifier"`
	Type     string   `yaml:"type" validate:"omitempty,oneof=filter nat route"`
	Hook     string   `yaml:"hook" validate:"required_with=Type"`
	Priority string   `yaml:"priority"`
	Device   string   `yaml:"device"`
	Policy   string   `yaml:"policy" validate:"omitempty,oneof=accept drop"`
	Comment  string   `yaml:"comment" validate:"max=128"`
	Rules    []string `yaml:"rules"`
}

// IsBase returns whether the chain is attached to a hook.
func (c *Chain) IsBase() bool {
	return c.Type != "" || c.Hook != ""
}

// Load decodes a ruleset from r. It does not validate it.
func Load(r io.Reader) (*Ruleset, error) {
	var rs Ruleset
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding ruleset: %w", err)
	}
	return &rs, nil
}

// LoadFile decodes and validates the ruleset stored at path.
func LoadFile(path string) (*Ruleset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rs, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Apply creates the ruleset's objects in nf: tables, then sets, then chains,
// then set elements and finally rules, so that every reference resolves when
// it is added. It stops at the first error; objects created before it are
// left in place.
func (rs *Ruleset) Apply(nf *nftables.NFTables) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	rules := 0
	for _, t := range rs.Tables {
		if err := t.apply(nf); err != nil {
			return fmt.Errorf("table %s %s: %w", t.Family, t.Name, err)
		}
		for _, c := range t.Chains {
			rules += len(c.Rules)
		}
	}
	log.Infof("Applied ruleset: %d tables, %d rules", len(rs.Tables), rules)
	return nil
}

func (t *Table) apply(nf *nftables.NFTables) error {
	family, err := nftables.ParseAddressFamily(t.Family)
	if err != nil {
		return err
	}
	if _, err := nf.CreateTable(family, t.Name, 0, t.Comment); err != nil {
		return err
	}
	for _, s := range t.Sets {
		desc, err := s.desc()
		if err != nil {
			return fmt.Errorf("set %s: %w", s.Name, err)
		}
		if _, err := nf.AddSet(family, t.Name, desc, nil); err != nil {
			return fmt.Errorf("set %s: %w", s.Name, err)
		}
	}
	for _, c := range t.Chains {
		info, err := c.baseChainInfo(family)
		if err != nil {
			return fmt.Errorf("chain %s: %w", c.Name, err)
		}
		if _, err := nf.CreateChain(family, t.Name, c.Name, info, 0, c.Comment); err != nil {
			return fmt.Errorf("chain %s: %w", c.Name, err)
		}
	}
	for _, s := range t.Sets {
		elems, err := s.elems()
		if err != nil {
			return fmt.Errorf("set %s: %w", s.Name, err)
		}
		if len(elems) == 0 {
			continue
		}
		if err := nf.AddSetElems(family, t.Name, s.Name, elems); err != nil {
			return fmt.Errorf("set %s: %w", s.Name, err)
		}
	}
	for _, c := range t.Chains {
		for i, text := range c.Rules {
			specs, err := nftables.InterpretRule(text)
			if err != nil {
				return fmt.Errorf("chain %s rule %d: %w", c.Name, i, err)
			}
			if _, err := nf.AddRule(family, t.Name, c.Name, specs, nil); err != nil {
				return fmt.Errorf("chain %s rule %d: %w", c.Name, i, err)
			}
		}
	}
	if t.Dormant {
		return nf.SetTableDormant(family, t.Name, true)
	}
	return nil
}

// desc returns the set description.
func (s *Set) desc() (nftables.SetDesc, error) {
	desc := nftables.SetDesc{
		Name:    s.Name,
		KeyLen:  s.KeyLen,
		DataLen: s.DataLen,
		Size:    s.Size,
		Backend: s.Backend,
	}
	for _, name := range s.Flags {
		f, err := nftables.ParseSetFlag(name)
		if err != nil {
			return desc, err
		}
		desc.Flags |= f
	}
	if s.Data != "" {
		desc.Flags |= nftables.SetFlagMap
	}
	if s.Data == "verdict" {
		desc.DataType = nftables.DataVerdict
	}
	return desc, nil
}

// elems returns the element specs of the set.
func (s *Set) elems() ([]nftables.SetElemSpec, error) {
	specs := make([]nftables.SetElemSpec, 0, len(s.Elements))
	for _, e := range s.Elements {
		spec := nftables.SetElemSpec{IntervalEnd: e.End}
		var err error
		if spec.Key, err = parseBytes(e.Key, s.KeyLen); err != nil {
			return nil, fmt.Errorf("key %q: %w", e.Key, err)
		}
		if e.Value != "" {
			if spec.Value, err = parseBytes(e.Value, s.DataLen); err != nil {
				return nil, fmt.Errorf("value %q: %w", e.Value, err)
			}
		}
		if e.Verdict != "" {
			v, err := nftables.ParseVerdictSpec(e.Verdict)
			if err != nil {
				return nil, fmt.Errorf("verdict %q: %w", e.Verdict, err)
			}
			spec.Verdict = &v
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// baseChainInfo returns the hook attachment of a base chain, or nil for
// regular chains.
func (c *Chain) baseChainInfo(family nftables.AddressFamily) (*nftables.BaseChainInfo, error) {
	if !c.IsBase() {
		return nil, nil
	}
	bcType := nftables.BaseChainTypeFilter
	if c.Type != "" {
		var err error
		if bcType, err = nftables.ParseBaseChainType(c.Type); err != nil {
			return nil, err
		}
	}
	hook, err := nftables.ParseHook(c.Hook)
	if err != nil {
		return nil, err
	}
	var prio nftables.Priority
	if v, err := strconv.Atoi(c.Priority); err == nil {
		prio = nftables.NewIntPriority(v)
	} else if c.Priority == "" {
		prio = nftables.NewIntPriority(0)
	} else if prio, err = nftables.NewStandardPriority(c.Priority, family, hook); err != nil {
		return nil, err
	}
	return nftables.NewBaseChainInfo(bcType, hook, prio, c.Device, c.Policy == "drop"), nil
}

// parseBytes converts a key or value to exactly n bytes.
func parseBytes(s string, n int) ([]byte, error) {
	if digits, ok := strings.CutPrefix(s, "0x"); ok {
		b, err := hex.DecodeString(digits)
		if err != nil {
			return nil, err
		}
		if len(b) != n {
			return nil, fmt.Errorf("got %d bytes, want %d", len(b), n)
		}
		return b, nil
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		b := addr.AsSlice()
		if len(b) != n {
			return nil, fmt.Errorf("%s address is %d bytes, want %d", addr, len(b), n)
		}
		return b, nil
	}
	if n > 8 {
		return nil, fmt.Errorf("integers cannot fill %d bytes", n)
	}
	v, err := strconv.ParseUint(s, 10, n*8)
	if err != nil {
		return nil, err
	}
	b := binary.BigEndian.AppendUint64(nil, v)
	return b[8-n:], nil
}
