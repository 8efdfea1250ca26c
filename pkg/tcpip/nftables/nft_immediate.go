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

// ImmediateParams are the parameters of an immediate expression. Exactly one
// of Value and Verdict is set; verdicts go to RegVerdict.
type ImmediateParams struct {
	Dreg    Register
	Value   []byte
	Verdict *VerdictSpec
}

// immediate is an expression that sets the data in a register.
type immediate struct {
	data Data     // Data to set the destination register to.
	dreg Register // Number of the destination register.

	// target is the chain a jump or goto verdict transfers control to.
	target *Chain
}

var immediateType = &ExprType{
	Name: "immediate",
	Size: int(unsafe.Sizeof(immediate{})),
	Init: initImmediate,
}

func init() {
	mustRegisterExprType(immediateType)
}

// initImmediate creates an immediate expression. A jump or goto verdict takes
// a reference on its target chain once the jump is known not to create a loop.
func initImmediate(ctx *Context, params any) (Expr, error) {
	p, err := exprParams[ImmediateParams]("immediate", params)
	if err != nil {
		return nil, err
	}
	if (p.Verdict == nil) == (p.Value == nil) {
		return nil, newError(CodeInvalidArgument, "immediate: exactly one of value and verdict must be set")
	}
	op := &immediate{dreg: p.Dreg}
	if p.Value != nil {
		if err := validateRegister(p.Dreg, DataValue, len(p.Value)); err != nil {
			return nil, err
		}
		if op.data, err = NewValueData(p.Value); err != nil {
			return nil, err
		}
		return op, nil
	}

	if err := validateRegister(p.Dreg, DataVerdict, verdictPayloadLen); err != nil {
		return nil, err
	}
	v, err := ctx.Table.resolveVerdict(*p.Verdict)
	if err != nil {
		return nil, err
	}
	switch v.Code {
	case VerdictJump, VerdictGoto:
		target, err := ctx.Table.jumpTarget(v.Chain)
		if err != nil {
			return nil, err
		}
		if _, err := ctx.Table.checkLoops(chainEdge{from: ctx.Chain, to: target}); err != nil {
			return nil, err
		}
		target.use++
		op.target = target
	}
	op.data = NewVerdictData(v)
	return op, nil
}

// Type implements Expr.Type.
func (op *immediate) Type() *ExprType {
	return immediateType
}

// Evaluate for immediate sets the data in the destination register.
func (op *immediate) Evaluate(regs *Registers, pkt *PacketInfo) {
	regs.Store(op.dreg, &op.data)
}

// Dump implements Expr.Dump.
func (op *immediate) Dump() ([]byte, error) {
	if op.target != nil {
		return fmt.Appendf(nil, "immediate reg %d %s -> %s", op.dreg, VerdictCodeString(op.data.verdict.Code), op.target.name), nil
	}
	return fmt.Appendf(nil, "immediate reg %d %s", op.dreg, &op.data), nil
}

// Destroy drops the reference on the jump target.
func (op *immediate) Destroy(ctx *Context) {
	if op.target != nil {
		op.target.use--
	}
}

// jumpTargets implements chainJumper.jumpTargets.
func (op *immediate) jumpTargets(fn func(*Chain)) {
	if op.target != nil {
		fn(op.target)
	}
}
