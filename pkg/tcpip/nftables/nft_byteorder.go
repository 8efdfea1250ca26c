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
	"fmt"
	"unsafe"
)

// ByteorderOp is the byte order operator for a byteorder expression.
// Note: corresponds to enum nft_byteorder_ops and uses the same values.
type ByteorderOp int

// Byte order operators.
const (
	ByteorderNtoh ByteorderOp = iota
	ByteorderHton
)

// byteorderOpStrings is a map of byteorder operator to the name used in rule
// dumps.
var byteorderOpStrings = map[ByteorderOp]string{
	ByteorderNtoh: "ntoh",
	ByteorderHton: "hton",
}

// String for ByteorderOp returns the name of the byteorder operator.
func (bop ByteorderOp) String() string {
	if bopStr, ok := byteorderOpStrings[bop]; ok {
		return bopStr
	}
	panic(fmt.Sprintf("invalid byteorder operator: %d", int(bop)))
}

// ParseByteorderOp returns the byteorder operator with the given name.
func ParseByteorderOp(s string) (ByteorderOp, error) {
	for bop, name := range byteorderOpStrings {
		if name == s {
			return bop, nil
		}
	}
	return 0, newError(CodeInvalidArgument, "invalid byteorder operator %q", s)
}

// ByteorderParams are the parameters of a byteorder expression converting Len
// bytes of Sreg in Size byte words.
type ByteorderParams struct {
	Sreg Register
	Dreg Register
	Op   ByteorderOp
	Len  int
	Size int
}

// byteorder is an expression that performs byte order operations on a
// register.
// Note: byteorder operations are not supported for the verdict register.
type byteorder struct {
	sreg Register    // Number of the source register.
	dreg Register    // Number of the destination register.
	bop  ByteorderOp // Byte order operation to perform.
	blen uint8       // Number of total bytes to operate on.
	size uint8       // Granular size in bytes to operate on.
}

var byteorderType = &ExprType{
	Name: "byteorder",
	Size: int(unsafe.Sizeof(byteorder{})),
	Init: initByteorder,
}

func init() {
	mustRegisterExprType(byteorderType)
}

// initByteorder creates a byteorder expression.
func initByteorder(ctx *Context, params any) (Expr, error) {
	p, err := exprParams[ByteorderParams]("byteorder", params)
	if err != nil {
		return nil, err
	}
	if _, ok := byteorderOpStrings[p.Op]; !ok {
		return nil, newError(CodeInvalidArgument, "invalid byteorder operator: %d", int(p.Op))
	}
	for _, reg := range []Register{p.Sreg, p.Dreg} {
		if err := validateRegister(reg, DataValue, p.Len); err != nil {
			return nil, err
		}
	}
	if p.Size != 2 && p.Size != 4 && p.Size != 8 {
		return nil, newError(CodeNotSupported, "byteorder operation size %d is not supported", p.Size)
	}
	if p.Len%p.Size != 0 {
		return nil, newError(CodeInvalidLength, "byteorder operation length %d is not a multiple of size %d", p.Len, p.Size)
	}
	return &byteorder{sreg: p.Sreg, dreg: p.Dreg, bop: p.Op, blen: uint8(p.Len), size: uint8(p.Size)}, nil
}

// Type implements Expr.Type.
func (op *byteorder) Type() *ExprType {
	return byteorderType
}

// Evaluate for byteorder performs the byte order operation on the source
// register and stores the result in the destination register.
func (op *byteorder) Evaluate(regs *Registers, pkt *PacketInfo) {
	src := regs.Load(op.sreg).raw
	var dst [RegisterSize]byte
	from, to := binary.ByteOrder(binary.BigEndian), binary.ByteOrder(binary.NativeEndian)
	if op.bop == ByteorderHton {
		from, to = to, from
	}
	for i := 0; i < int(op.blen); i += int(op.size) {
		switch op.size {
		case 8:
			to.PutUint64(dst[i:], from.Uint64(src[i:i+8]))
		case 4:
			to.PutUint32(dst[i:], from.Uint32(src[i:i+4]))
		case 2:
			to.PutUint16(dst[i:], from.Uint16(src[i:i+2]))
		}
	}
	regs.StoreBytes(op.dreg, dst[:op.blen])
}

// Dump implements Expr.Dump.
func (op *byteorder) Dump() ([]byte, error) {
	return fmt.Appendf(nil, "byteorder reg %d = %s(reg %d, %d, %d)", op.dreg, op.bop, op.sreg, op.size, op.blen), nil
}
