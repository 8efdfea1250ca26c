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

// Package nftconv adds rulesets described with the github.com/google/nftables
// model types to an engine, so that code written against the netlink client
// can drive the engine directly.
package nftconv

import (
	"fmt"
	"time"

	gnft "github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"
)

// Converter adds google/nftables objects to an engine.
type Converter struct {
	NF *nftables.NFTables
}

// New returns a converter adding objects to nf.
func New(nf *nftables.NFTables) *Converter {
	return &Converter{NF: nf}
}

// Family converts a table family.
func Family(f gnft.TableFamily) (nftables.AddressFamily, error) {
	return nftables.ProtocolAf(uint8(f))
}

// AddTable adds t, or returns nil if it already exists.
func (c *Converter) AddTable(t *gnft.Table) error {
	family, err := Family(t.Family)
	if err != nil {
		return err
	}
	if _, err := c.NF.AddTable(family, t.Name, 0, "", false); err != nil {
		return err
	}
	if t.Flags&unix.NFT_TABLE_F_DORMANT != 0 {
		return c.NF.SetTableDormant(family, t.Name, true)
	}
	return nil
}

// AddChain adds ch to its table. Chains with a type become base chains.
func (c *Converter) AddChain(ch *gnft.Chain) error {
	if ch.Table == nil {
		return fmt.Errorf("chain %s has no table: %w", ch.Name, nftables.ErrInvalidArgument)
	}
	family, err := Family(ch.Table.Family)
	if err != nil {
		return err
	}
	var info *nftables.BaseChainInfo
	if ch.Type != "" {
		hook, err := nftables.LinuxHook(family, uint32(ch.Hooknum))
		if err != nil {
			return err
		}
		bcType, err := nftables.ParseBaseChainType(string(ch.Type))
		if err != nil {
			return err
		}
		prio := nftables.NewIntPriority(int(ch.Priority))
		policyDrop := ch.Policy != nil && *ch.Policy == gnft.ChainPolicyDrop
		info = nftables.NewBaseChainInfo(bcType, hook, prio, "", policyDrop)
	}
	_, err = c.NF.AddChain(family, ch.Table.Name, ch.Name, info, 0, "", false)
	return err
}

// AddSet adds s with its initial elements.
func (c *Converter) AddSet(s *gnft.Set, elems []gnft.SetElement) error {
	if s.Table == nil {
		return fmt.Errorf("set %s has no table: %w", s.Name, nftables.ErrInvalidArgument)
	}
	family, err := Family(s.Table.Family)
	if err != nil {
		return err
	}
	desc := nftables.SetDesc{
		Name:   s.Name,
		KeyLen: int(s.KeyType.Bytes),
	}
	if s.Anonymous {
		desc.Flags |= nftables.SetFlagAnonymous
	}
	if s.Constant {
		desc.Flags |= nftables.SetFlagConstant
	}
	if s.Interval {
		desc.Flags |= nftables.SetFlagInterval
	}
	if s.IsMap {
		desc.Flags |= nftables.SetFlagMap
		if s.DataType.Name == gnft.TypeVerdict.Name {
			desc.DataType = nftables.DataVerdict
		} else {
			desc.DataLen = int(s.DataType.Bytes)
		}
	}
	if _, err := c.NF.AddSet(family, s.Table.Name, desc, nil); err != nil {
		return err
	}
	if len(elems) == 0 {
		return nil
	}
	return c.NF.AddSetElems(family, s.Table.Name, s.Name, SetElems(elems))
}

// SetElems converts set elements.
func SetElems(elems []gnft.SetElement) []nftables.SetElemSpec {
	specs := make([]nftables.SetElemSpec, 0, len(elems))
	for _, e := range elems {
		spec := nftables.SetElemSpec{Key: e.Key, Value: e.Val, IntervalEnd: e.IntervalEnd}
		if e.VerdictData != nil {
			spec.Verdict = &nftables.VerdictSpec{Code: int32(e.VerdictData.Kind), Chain: e.VerdictData.Chain}
		}
		specs = append(specs, spec)
	}
	return specs
}

// AddRule adds r to its chain, after the rule with handle r.Position if it
// is set, and at the end of the chain otherwise.
func (c *Converter) AddRule(r *gnft.Rule) (*nftables.Rule, error) {
	if r.Table == nil || r.Chain == nil {
		return nil, fmt.Errorf("rule has no table or chain: %w", nftables.ErrInvalidArgument)
	}
	family, err := Family(r.Table.Family)
	if err != nil {
		return nil, err
	}
	specs, err := Exprs(r.Exprs)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", r.Chain.Name, err)
	}
	if r.Position != 0 {
		return c.NF.AddRuleAfter(family, r.Table.Name, r.Chain.Name, r.Position, specs, r.UserData)
	}
	return c.NF.AddRule(family, r.Table.Name, r.Chain.Name, specs, r.UserData)
}

// Exprs converts the expressions of a rule.
func Exprs(exprs []expr.Any) ([]nftables.ExprSpec, error) {
	specs := make([]nftables.ExprSpec, 0, len(exprs))
	for i, e := range exprs {
		spec, err := Expr(e)
		if err != nil {
			return nil, fmt.Errorf("expression %d: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Expr converts one expression. Expressions the engine does not implement
// yield an error matching nftables.ErrNotSupported.
func Expr(e expr.Any) (nftables.ExprSpec, error) {
	switch e := e.(type) {
	case *expr.Verdict:
		return nftables.ExprSpec{Name: "immediate", Params: nftables.ImmediateParams{
			Dreg:    nftables.RegVerdict,
			Verdict: &nftables.VerdictSpec{Code: int32(e.Kind), Chain: e.Chain},
		}}, nil

	case *expr.Immediate:
		dreg, err := register(e.Register)
		if err != nil {
			return nftables.ExprSpec{}, err
		}
		return nftables.ExprSpec{Name: "immediate", Params: nftables.ImmediateParams{Dreg: dreg, Value: e.Data}}, nil

	case *expr.Cmp:
		sreg, err := register(e.Register)
		if err != nil {
			return nftables.ExprSpec{}, err
		}
		return nftables.ExprSpec{Name: "cmp", Params: nftables.CmpParams{Sreg: sreg, Op: nftables.CmpOp(e.Op), Data: e.Data}}, nil

	case *expr.Payload:
		if e.OperationType != expr.PayloadLoad {
			return nftables.ExprSpec{}, fmt.Errorf("payload write: %w", nftables.ErrNotSupported)
		}
		dreg, err := register(e.DestRegister)
		if err != nil {
			return nftables.ExprSpec{}, err
		}
		return nftables.ExprSpec{Name: "payload", Params: nftables.PayloadParams{
			Base:   nftables.PayloadBase(e.Base),
			Offset: int(e.Offset),
			Len:    int(e.Len),
			Dreg:   dreg,
		}}, nil

	case *expr.Meta:
		if e.SourceRegister {
			return nftables.ExprSpec{}, fmt.Errorf("meta set: %w", nftables.ErrNotSupported)
		}
		dreg, err := register(e.Register)
		if err != nil {
			return nftables.ExprSpec{}, err
		}
		return nftables.ExprSpec{Name: "meta", Params: nftables.MetaParams{Key: nftables.MetaKey(e.Key), Dreg: dreg}}, nil

	case *expr.Lookup:
		sreg, err := register(e.SourceRegister)
		if err != nil {
			return nftables.ExprSpec{}, err
		}
		params := nftables.LookupParams{Set: e.SetName, Sreg: sreg, HasDreg: e.IsDestRegSet, Invert: e.Invert}
		if e.IsDestRegSet {
			if params.Dreg, err = register(e.DestRegister); err != nil {
				return nftables.ExprSpec{}, err
			}
		}
		return nftables.ExprSpec{Name: "lookup", Params: params}, nil

	case *expr.Counter:
		return nftables.ExprSpec{Name: "counter", Params: nftables.CounterParams{Packets: e.Packets, Bytes: e.Bytes}}, nil

	case *expr.Limit:
		if e.Type != expr.LimitTypePkts {
			return nftables.ExprSpec{}, fmt.Errorf("byte limits: %w", nftables.ErrNotSupported)
		}
		return nftables.ExprSpec{Name: "limit", Params: nftables.LimitParams{
			Rate:  e.Rate,
			Unit:  time.Duration(e.Unit) * time.Second,
			Burst: e.Burst,
			Over:  e.Over,
		}}, nil

	case *expr.Bitwise:
		sreg, err := register(e.SourceRegister)
		if err != nil {
			return nftables.ExprSpec{}, err
		}
		dreg, err := register(e.DestRegister)
		if err != nil {
			return nftables.ExprSpec{}, err
		}
		return nftables.ExprSpec{Name: "bitwise", Params: nftables.BitwiseParams{Sreg: sreg, Dreg: dreg, Mask: e.Mask, Xor: e.Xor}}, nil

	case *expr.Byteorder:
		sreg, err := register(e.SourceRegister)
		if err != nil {
			return nftables.ExprSpec{}, err
		}
		dreg, err := register(e.DestRegister)
		if err != nil {
			return nftables.ExprSpec{}, err
		}
		return nftables.ExprSpec{Name: "byteorder", Params: nftables.ByteorderParams{
			Sreg: sreg,
			Dreg: dreg,
			Op:   nftables.ByteorderOp(e.Op),
			Len:  int(e.Len),
			Size: int(e.Size),
		}}, nil

	default:
		log.Debugf("nftconv: unsupported expression %T", e)
		return nftables.ExprSpec{}, fmt.Errorf("expression %T: %w", e, nftables.ErrNotSupported)
	}
}

// register converts a legacy 16 byte register number. The 4 byte registers
// (NFT_REG32_*) are not supported.
func register(r uint32) (nftables.Register, error) {
	if r > uint32(nftables.MaxRegister) {
		return 0, fmt.Errorf("register %d: %w", r, nftables.ErrNotSupported)
	}
	return nftables.Register(r), nil
}
