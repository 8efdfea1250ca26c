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

// PayloadParams are the parameters of a payload expression.
type PayloadParams struct {
	Base   PayloadBase
	Offset int
	Len    int
	Dreg   Register
}

// payloadLoad is an expression that loads packet bytes into a register. The
// rule breaks if the bytes are not within the packet.
type payloadLoad struct {
	base   PayloadBase
	offset int
	blen   int
	dreg   Register
}

var payloadType = &ExprType{
	Name: "payload",
	Size: int(unsafe.Sizeof(payloadLoad{})),
	Init: initPayloadLoad,
}

func init() {
	mustRegisterExprType(payloadType)
}

// initPayloadLoad creates a payload expression.
func initPayloadLoad(ctx *Context, params any) (Expr, error) {
	p, err := exprParams[PayloadParams]("payload", params)
	if err != nil {
		return nil, err
	}
	if p.Base < 0 || p.Base >= NumPayloadBases {
		return nil, newError(CodeInvalidArgument, "payload: invalid base %d", int(p.Base))
	}
	if p.Offset < 0 || p.Offset > 0xff {
		return nil, newError(CodeRange, "payload: offset %d out of range", p.Offset)
	}
	if err := validateRegister(p.Dreg, DataValue, p.Len); err != nil {
		return nil, err
	}
	return &payloadLoad{base: p.Base, offset: p.Offset, blen: p.Len, dreg: p.Dreg}, nil
}

// Type implements Expr.Type.
func (op *payloadLoad) Type() *ExprType {
	return payloadType
}

// Evaluate for payloadLoad copies the packet bytes into the destination
// register.
func (op *payloadLoad) Evaluate(regs *Registers, pkt *PacketInfo) {
	b, ok := pkt.load(op.base, op.offset, op.blen)
	if !ok {
		regs.Break()
		return
	}
	regs.StoreBytes(op.dreg, b)
}

// Dump implements Expr.Dump.
func (op *payloadLoad) Dump() ([]byte, error) {
	return fmt.Appendf(nil, "payload load %db @ %s header + %d => reg %d", op.blen, op.base, op.offset, op.dreg), nil
}
