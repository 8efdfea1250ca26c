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
	"unsafe"
)

// LookupParams are the parameters of a lookup expression.
type LookupParams struct {
	// Set is the name of the set, in the table of the rule.
	Set string

	// Sreg holds the key.
	Sreg Register

	// Dreg receives the data mapped to the key if HasDreg is set. Looking up
	// a verdict map into RegVerdict applies the mapped verdict.
	Dreg    Register
	HasDreg bool

	// Invert makes the rule match when the key is not in the set.
	Invert bool
}

// lookup is an expression that looks up the key held by a register in a set,
// breaking the rule if the key is not found (or found, when inverted).
type lookup struct {
	set     *Set
	binding *SetBinding
	sreg    Register
	dreg    Register
	hasDreg bool
	invert  bool
}

var lookupType = &ExprType{
	Name: "lookup",
	Size: int(unsafe.Sizeof(lookup{})),
	Init: initLookup,
}

func init() {
	mustRegisterExprType(lookupType)
}

// initLookup creates a lookup expression and binds the set to the rule's
// chain.
func initLookup(ctx *Context, params any) (Expr, error) {
	p, err := exprParams[LookupParams]("lookup", params)
	if err != nil {
		return nil, err
	}
	s, err := ctx.Table.GetSet(p.Set)
	if err != nil {
		return nil, err
	}
	if p.HasDreg && p.Invert {
		return nil, newError(CodeInvalidArgument, "lookup: an inverted lookup cannot load data")
	}
	if err := validateRegister(p.Sreg, DataValue, s.desc.KeyLen); err != nil {
		return nil, err
	}
	op := &lookup{
		set:     s,
		sreg:    p.Sreg,
		dreg:    p.Dreg,
		hasDreg: p.HasDreg,
		invert:  p.Invert,
		binding: &SetBinding{
			Chain:   ctx.Chain,
			KeyLen:  s.desc.KeyLen,
			Dreg:    p.Dreg,
			HasDreg: p.HasDreg,
		},
	}
	if err := s.Bind(ctx, op.binding); err != nil {
		return nil, err
	}
	return op, nil
}

// Type implements Expr.Type.
func (op *lookup) Type() *ExprType {
	return lookupType
}

// Evaluate for lookup looks up the first KeyLen bytes of the source register.
func (op *lookup) Evaluate(regs *Registers, pkt *PacketInfo) {
	key := *regs.Load(op.sreg)
	key.kind = DataValue
	key.len = uint8(op.set.desc.KeyLen)
	clear(key.raw[key.len:])
	data, found := op.set.Lookup(&key)
	if found == op.invert {
		regs.Break()
		return
	}
	if op.hasDreg {
		regs.Store(op.dreg, data)
	}
}

// Dump implements Expr.Dump.
func (op *lookup) Dump() ([]byte, error) {
	b := fmt.Appendf(nil, "lookup reg %d set %s", op.sreg, op.set.name)
	if op.hasDreg {
		b = fmt.Appendf(b, " dreg %d", op.dreg)
	}
	if op.invert {
		b = append(b, " invert"...)
	}
	return b, nil
}

// Destroy unbinds the set.
func (op *lookup) Destroy(ctx *Context) {
	op.set.Unbind(ctx, op.binding)
}

// jumpTargets implements chainJumper.jumpTargets.
func (op *lookup) jumpTargets(fn func(*Chain)) {
	if op.hasDreg && op.dreg == RegVerdict {
		op.set.jumpTargets(fn)
	}
}
