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
	"time"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// last is an expression that records the last time it was evaluated, for the
// purpose of tracking the last time the rule has matched a packet.
type last struct {
	// Must be thread-safe because data stored here is updated for each evaluation
	// and evaluations can happen in parallel for processing multiple packets.

	// timestampMS is the time of last evaluation as a millisecond unix time.
	// Milliseconds chosen as units because closest in magnitude to jiffies.
	timestampMS atomicbitops.Int64

	// set is whether the expression has been evaluated at least once.
	set atomicbitops.Bool

	clock func() time.Time
}

var lastType = &ExprType{
	Name: "last",
	Size: int(unsafe.Sizeof(last{})),
	Init: initLast,
}

func init() {
	mustRegisterExprType(lastType)
}

// initLast creates a last expression. It takes no parameters.
func initLast(ctx *Context, params any) (Expr, error) {
	if params != nil {
		return nil, newError(CodeInvalidArgument, "last: takes no parameters, got %T", params)
	}
	return &last{clock: ctx.nf.clock}, nil
}

// Type implements Expr.Type.
func (op *last) Type() *ExprType {
	return lastType
}

// Evaluate for last records the last time the expression was evaluated and
// flags if this was the first time the expression was evaluated.
func (op *last) Evaluate(regs *Registers, pkt *PacketInfo) {
	op.timestampMS.Store(op.clock().UnixMilli())
	op.set.Store(true)
}

// LastUsed returns the time of the last evaluation, and whether there was one.
func (op *last) LastUsed() (time.Time, bool) {
	if !op.set.Load() {
		return time.Time{}, false
	}
	return time.UnixMilli(op.timestampMS.Load()), true
}

// Dump implements Expr.Dump.
func (op *last) Dump() ([]byte, error) {
	if t, ok := op.LastUsed(); ok {
		return fmt.Appendf(nil, "last %dms", t.UnixMilli()), nil
	}
	return []byte("last never"), nil
}
