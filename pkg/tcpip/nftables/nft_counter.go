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

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// CounterParams are the parameters of a counter expression: the initial
// counts.
type CounterParams struct {
	Packets uint64
	Bytes   uint64
}

// counter is an expression that counts the packets reaching it and their
// bytes.
type counter struct {
	packets atomicbitops.Uint64
	bytes   atomicbitops.Uint64
}

var counterType = &ExprType{
	Name: "counter",
	Size: int(unsafe.Sizeof(counter{})),
	Init: initCounter,
}

func init() {
	mustRegisterExprType(counterType)
}

// initCounter creates a counter expression. Parameters are optional.
func initCounter(ctx *Context, params any) (Expr, error) {
	op := &counter{}
	if params == nil {
		return op, nil
	}
	p, err := exprParams[CounterParams]("counter", params)
	if err != nil {
		return nil, err
	}
	op.packets.Store(p.Packets)
	op.bytes.Store(p.Bytes)
	return op, nil
}

// Type implements Expr.Type.
func (op *counter) Type() *ExprType {
	return counterType
}

// Evaluate for counter adds the packet to the counts.
func (op *counter) Evaluate(regs *Registers, pkt *PacketInfo) {
	op.packets.Add(1)
	op.bytes.Add(uint64(len(pkt.Payload) - pkt.NetworkOffset))
}

// Counts returns the packet and byte counts.
func (op *counter) Counts() (packets, bytes uint64) {
	return op.packets.Load(), op.bytes.Load()
}

// Dump implements Expr.Dump.
func (op *counter) Dump() ([]byte, error) {
	return fmt.Appendf(nil, "counter pkts %d bytes %d", op.packets.Load(), op.bytes.Load()), nil
}
