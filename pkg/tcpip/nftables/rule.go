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
	"strings"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"
)

// Expr is a single expression of a rule. Expressions are immutable once their
// rule is published, except for state they update atomically (counters,
// limiters), since they may be evaluated by many goroutines at once.
type Expr interface {
	// Type returns the registered type the expression was created from.
	Type() *ExprType

	// Evaluate evaluates the expression on the given packet, reading and
	// writing the register file. An expression that does not match sets the
	// verdict register to break.
	Evaluate(regs *Registers, pkt *PacketInfo)

	// Dump returns the expression in the form printed by
	// `nft --debug=netlink`, without the enclosing brackets.
	Dump() ([]byte, error)
}

// ExprDestroyer is implemented by expressions that hold references to other
// objects (chains, sets). Destroy drops them when the rule is removed; it runs
// under the administrative lock, before the grace period.
type ExprDestroyer interface {
	Destroy(ctx *Context)
}

// ExprReleaser is implemented by expressions owning resources that evaluations
// may still be using after the rule is unlinked. Release runs after the grace
// period.
type ExprReleaser interface {
	Release()
}

// ExprType describes an expression type: its name, the size of its private
// data and the constructor that validates parameters and creates instances.
type ExprType struct {
	// Name is the name of the expression, as used in rule dumps.
	Name string

	// Size is the size of the private data of each instance. Rules record it
	// per expression and use it to walk their expressions.
	Size int

	// Init creates an expression from type specific parameters.
	Init func(ctx *Context, params any) (Expr, error)
}

// exprTypes is the registry of expression types.
var exprTypes = struct {
	mu    sync.Mutex
	types map[string]*ExprType
}{types: make(map[string]*ExprType)}

// RegisterExprType adds an expression type to the registry.
func RegisterExprType(t *ExprType) error {
	if t == nil || t.Name == "" || t.Init == nil || t.Size <= 0 {
		return newError(CodeInvalidArgument, "incomplete expression type")
	}
	exprTypes.mu.Lock()
	defer exprTypes.mu.Unlock()
	if _, ok := exprTypes.types[t.Name]; ok {
		return newError(CodeExists, "expression type %s already registered", t.Name)
	}
	exprTypes.types[t.Name] = t
	return nil
}

// mustRegisterExprType registers a built-in expression type.
func mustRegisterExprType(t *ExprType) {
	if err := RegisterExprType(t); err != nil {
		panic(err)
	}
}

// LookupExprType returns the registered expression type with the given name.
func LookupExprType(name string) (*ExprType, error) {
	exprTypes.mu.Lock()
	defer exprTypes.mu.Unlock()
	t, ok := exprTypes.types[name]
	if !ok {
		return nil, newError(CodeNotFound, "unknown expression type %s", name)
	}
	return t, nil
}

// ExprSpec describes an expression to create: the name of its type and type
// specific parameters (for example CmpParams for "cmp").
type ExprSpec struct {
	Name   string
	Params any
}

// exprSlot is a created expression together with its type and size.
type exprSlot struct {
	typ  *ExprType
	size uint32
	expr Expr
}

// Rule represents a single rule in a chain as a sequence of expressions
// evaluated in order. Rules registered to a chain are never modified.
type Rule struct {
	chain  *Chain
	handle uint64
	exprs  []exprSlot
	dlen   uint32
	udata  []byte

	// released is set once the rule has been released after its grace period.
	released atomicbitops.Bool
}

// exprCursor is a position in the expression sequence of a rule.
type exprCursor struct {
	rule *Rule
	idx  int
	off  uint32
}

// first returns the position of the first expression of the rule.
func (r *Rule) first() exprCursor {
	return exprCursor{rule: r}
}

// end returns the offset one past the last expression of the rule.
func (r *Rule) end() uint32 {
	return r.dlen
}

// next returns the position of the expression following c.
func (c exprCursor) next() exprCursor {
	return exprCursor{rule: c.rule, idx: c.idx + 1, off: c.off + c.rule.exprs[c.idx].size}
}

// expr returns the expression at c, panicking if the cursor ran past the end
// of the rule without landing on it.
func (c exprCursor) expr(end uint32) Expr {
	if c.off > end || c.idx >= len(c.rule.exprs) {
		panic(fmt.Sprintf("expression traversal desynchronized at offset %d of %d in rule %d", c.off, end, c.rule.handle))
	}
	return c.rule.exprs[c.idx].expr
}

// newRule creates the expressions described by specs for a rule of ctx.Chain.
// On error, expressions created so far are destroyed.
func newRule(ctx *Context, specs []ExprSpec, udata []byte) (*Rule, error) {
	if len(specs) > maxRuleExprs {
		return nil, newError(CodeRange, "rule has %d expressions, at most %d allowed", len(specs), maxRuleExprs)
	}
	r := &Rule{
		chain: ctx.Chain,
		exprs: make([]exprSlot, 0, len(specs)),
		udata: udata,
	}
	for i, spec := range specs {
		t, err := LookupExprType(spec.Name)
		if err == nil {
			var e Expr
			if e, err = t.Init(ctx, spec.Params); err == nil {
				r.exprs = append(r.exprs, exprSlot{typ: t, size: uint32(t.Size), expr: e})
				r.dlen += uint32(t.Size)
				continue
			}
		}
		r.destroy(ctx)
		return nil, fmt.Errorf("expression %d (%s): %w", i, spec.Name, err)
	}
	return r, nil
}

// destroy drops the references held by the rule's expressions.
// Note: must be called with the administrative lock held.
func (r *Rule) destroy(ctx *Context) {
	for _, s := range r.exprs {
		if d, ok := s.expr.(ExprDestroyer); ok {
			d.Destroy(ctx)
		}
	}
}

// release releases the resources of the rule's expressions. It runs after the
// grace period that followed the rule's removal.
func (r *Rule) release() {
	for _, s := range r.exprs {
		if rel, ok := s.expr.(ExprReleaser); ok {
			rel.Release()
		}
	}
	r.released.Store(true)
}

// GetHandle returns the handle of the rule.
func (r *Rule) GetHandle() uint64 {
	return r.handle
}

// GetChain returns the chain the rule belongs to.
func (r *Rule) GetChain() *Chain {
	return r.chain
}

// GetUserData returns the user data of the rule.
func (r *Rule) GetUserData() []byte {
	return r.udata
}

// Released returns whether the rule has been released after its removal.
func (r *Rule) Released() bool {
	return r.released.Load()
}

// Exprs returns the expressions of the rule in evaluation order.
func (r *Rule) Exprs() []Expr {
	exprs := make([]Expr, 0, len(r.exprs))
	for c, end := r.first(), r.end(); c.off != end; c = c.next() {
		exprs = append(exprs, c.expr(end))
	}
	return exprs
}

// Dump returns the rule as one bracketed expression per line, the format
// accepted by InterpretRule.
func (r *Rule) Dump() (string, error) {
	var sb strings.Builder
	for _, s := range r.exprs {
		b, err := s.expr.Dump()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "[ %s ]\n", b)
	}
	return sb.String(), nil
}

// exprParams converts the parameters given to an expression constructor,
// accepting both a value and a pointer.
func exprParams[T any](name string, params any) (*T, error) {
	switch p := params.(type) {
	case T:
		return &p, nil
	case *T:
		if p != nil {
			return p, nil
		}
	}
	return nil, newError(CodeInvalidArgument, "%s: parameters of type %T, want %T", name, params, *new(T))
}
