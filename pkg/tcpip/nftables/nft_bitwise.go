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

// BitwiseParams are the parameters of a bitwise expression computing
// dreg = (sreg & Mask) ^ Xor over Len bytes. Mask and Xor are Len bytes long.
type BitwiseParams struct {
	Sreg Register
	Dreg Register
	Mask []byte
	Xor  []byte
}

// bitwise is an expression that masks and flips the bits of a register.
type bitwise struct {
	sreg Register
	dreg Register
	mask Data
	xor  Data
}

var bitwiseType = &ExprType{
	Name: "bitwise",
	Size: int(unsafe.Sizeof(bitwise{})),
	Init: initBitwise,
}

func init() {
	mustRegisterExprType(bitwiseType)
}

// initBitwise creates a bitwise expression.
func initBitwise(ctx *Context, params any) (Expr, error) {
	p, err := exprParams[BitwiseParams]("bitwise", params)
	if err != nil {
		return nil, err
	}
	if len(p.Mask) != len(p.Xor) {
		return nil, newError(CodeInvalidLength, "bitwise: mask of %d bytes and xor of %d bytes", len(p.Mask), len(p.Xor))
	}
	for _, reg := range []Register{p.Sreg, p.Dreg} {
		if err := validateRegister(reg, DataValue, len(p.Mask)); err != nil {
			return nil, err
		}
	}
	op := &bitwise{sreg: p.Sreg, dreg: p.Dreg}
	if op.mask, err = NewValueData(p.Mask); err != nil {
		return nil, err
	}
	if op.xor, err = NewValueData(p.Xor); err != nil {
		return nil, err
	}
	return op, nil
}

// Type implements Expr.Type.
func (op *bitwise) Type() *ExprType {
	return bitwiseType
}

// Evaluate for bitwise stores the masked and flipped source register in the
// destination register.
func (op *bitwise) Evaluate(regs *Registers, pkt *PacketInfo) {
	src := regs.Load(op.sreg)
	var buf [RegisterSize]byte
	n := op.mask.Len()
	for i := range n {
		buf[i] = src.raw[i]&op.mask.raw[i] ^ op.xor.raw[i]
	}
	regs.StoreBytes(op.dreg, buf[:n])
}

// Dump implements Expr.Dump.
func (op *bitwise) Dump() ([]byte, error) {
	return fmt.Appendf(nil, "bitwise reg %d = ( reg %d & %s ) ^ %s", op.dreg, op.sreg, &op.mask, &op.xor), nil
}
