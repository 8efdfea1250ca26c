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

// CmpOp is the comparison operator of a cmp expression.
// Note: corresponds to enum nft_cmp_ops and uses the same values.
type CmpOp int

// Comparison operators.
const (
	CmpEq CmpOp = iota
	CmpNeq
	CmpLt
	CmpLte
	CmpGt
	CmpGte
)

// cmpOpStrings maps comparison operators to the names used in rule dumps.
var cmpOpStrings = map[CmpOp]string{
	CmpEq:  "eq",
	CmpNeq: "neq",
	CmpLt:  "lt",
	CmpLte: "lte",
	CmpGt:  "gt",
	CmpGte: "gte",
}

// String for CmpOp returns the name of the operator.
func (cop CmpOp) String() string {
	if s, ok := cmpOpStrings[cop]; ok {
		return s
	}
	panic(fmt.Sprintf("invalid comparison operator: %d", int(cop)))
}

// ParseCmpOp returns the comparison operator with the given name.
func ParseCmpOp(s string) (CmpOp, error) {
	for cop, name := range cmpOpStrings {
		if name == s {
			return cop, nil
		}
	}
	return 0, newError(CodeInvalidArgument, "invalid comparison operator %q", s)
}

// CmpParams are the parameters of a cmp expression.
type CmpParams struct {
	Sreg Register
	Op   CmpOp
	Data []byte
}

// comparison is an expression that compares the data in a register with
// given data, breaking the rule if the comparison fails.
type comparison struct {
	data Data     // Data to compare the source register to.
	sreg Register // Number of the source register.
	cop  CmpOp    // Comparison operator.
}

var cmpType = &ExprType{
	Name: "cmp",
	Size: int(unsafe.Sizeof(comparison{})),
	Init: initComparison,
}

func init() {
	mustRegisterExprType(cmpType)
}

// initComparison creates a cmp expression.
func initComparison(ctx *Context, params any) (Expr, error) {
	p, err := exprParams[CmpParams]("cmp", params)
	if err != nil {
		return nil, err
	}
	if _, ok := cmpOpStrings[p.Op]; !ok {
		return nil, newError(CodeInvalidArgument, "cmp: invalid comparison operator %d", int(p.Op))
	}
	if err := validateRegister(p.Sreg, DataValue, len(p.Data)); err != nil {
		return nil, err
	}
	data, err := NewValueData(p.Data)
	if err != nil {
		return nil, err
	}
	return &comparison{data: data, sreg: p.Sreg, cop: p.Op}, nil
}

// Type implements Expr.Type.
func (op *comparison) Type() *ExprType {
	return cmpType
}

// Evaluate for comparison compares the first bytes of the source register with
// the data, as many as the data holds.
func (op *comparison) Evaluate(regs *Registers, pkt *PacketInfo) {
	c := CompareData(regs.Load(op.sreg), &op.data, op.data.Len())
	var match bool
	switch op.cop {
	case CmpEq:
		match = c == 0
	case CmpNeq:
		match = c != 0
	case CmpLt:
		match = c < 0
	case CmpLte:
		match = c <= 0
	case CmpGt:
		match = c > 0
	case CmpGte:
		match = c >= 0
	}
	if !match {
		regs.Break()
	}
}

// Dump implements Expr.Dump.
func (op *comparison) Dump() ([]byte, error) {
	return fmt.Appendf(nil, "cmp %s reg %d %s", op.cop, op.sreg, &op.data), nil
}
