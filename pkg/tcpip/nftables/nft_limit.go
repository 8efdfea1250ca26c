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

	"golang.org/x/time/rate"
)

// limitUnits maps the units a limit rate can be expressed in to their names.
var limitUnits = []struct {
	unit time.Duration
	name string
}{
	{time.Second, "second"},
	{time.Minute, "minute"},
	{time.Hour, "hour"},
	{24 * time.Hour, "day"},
	{7 * 24 * time.Hour, "week"},
}

// limitUnitName returns the name of a rate unit.
func limitUnitName(unit time.Duration) (string, bool) {
	for _, u := range limitUnits {
		if u.unit == unit {
			return u.name, true
		}
	}
	return "", false
}

// ParseLimitUnit returns the rate unit with the given name.
func ParseLimitUnit(s string) (time.Duration, error) {
	for _, u := range limitUnits {
		if u.name == s {
			return u.unit, nil
		}
	}
	return 0, newError(CodeInvalidArgument, "invalid limit unit %q", s)
}

// LimitParams are the parameters of a limit expression: Rate packets per Unit
// with bursts of up to Burst additional packets. With Over set, the rule
// matches packets above the rate instead.
type LimitParams struct {
	Rate  uint64
	Unit  time.Duration
	Burst uint32
	Over  bool
}

// limit is an expression that matches packets within a token bucket rate.
type limit struct {
	params  LimitParams
	limiter *rate.Limiter
	clock   func() time.Time
}

var limitType = &ExprType{
	Name: "limit",
	Size: int(unsafe.Sizeof(limit{})),
	Init: initLimit,
}

func init() {
	mustRegisterExprType(limitType)
}

// initLimit creates a limit expression.
func initLimit(ctx *Context, params any) (Expr, error) {
	p, err := exprParams[LimitParams]("limit", params)
	if err != nil {
		return nil, err
	}
	if p.Rate == 0 {
		return nil, newError(CodeInvalidArgument, "limit: rate cannot be zero")
	}
	if _, ok := limitUnitName(p.Unit); !ok {
		return nil, newError(CodeInvalidArgument, "limit: unsupported unit %v", p.Unit)
	}
	every := rate.Limit(float64(p.Rate) / p.Unit.Seconds())
	return &limit{
		params:  *p,
		limiter: rate.NewLimiter(every, int(p.Burst)+1),
		clock:   ctx.nf.clock,
	}, nil
}

// Type implements Expr.Type.
func (op *limit) Type() *ExprType {
	return limitType
}

// Evaluate for limit takes a token from the bucket, breaking the rule if the
// packet is over the rate (or within it, when inverted).
func (op *limit) Evaluate(regs *Registers, pkt *PacketInfo) {
	if op.limiter.AllowN(op.clock(), 1) == op.params.Over {
		regs.Break()
	}
}

// Dump implements Expr.Dump.
func (op *limit) Dump() ([]byte, error) {
	unit, _ := limitUnitName(op.params.Unit)
	var flags int
	if op.params.Over {
		flags = 1
	}
	return fmt.Appendf(nil, "limit rate %d/%s burst %d type packets flags 0x%x", op.params.Rate, unit, op.params.Burst, flags), nil
}
