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

	"github.com/google/uuid"
)

// Context carries what an administrative operation needs to validate a
// mutation: the destination table and chain and the identity of the request.
// It owns no long-lived resources.
type Context struct {
	nf *NFTables

	// Family is the address family of the request.
	Family AddressFamily

	// Table is the table the request operates on, or nil.
	Table *Table

	// Chain is the chain the request operates on, or nil. Expressions
	// initialized under a Context belong to a rule of this chain.
	Chain *Chain

	// RequestID identifies the request in logs.
	RequestID uuid.UUID
}

// newContext returns a Context for a new request.
// Note: must be called with nf.mu held, and the Context must not be used after
// the lock is released.
func (nf *NFTables) newContext(family AddressFamily, t *Table, c *Chain) *Context {
	return &Context{
		nf:        nf,
		Family:    family,
		Table:     t,
		Chain:     c,
		RequestID: uuid.New(),
	}
}

// withChain returns a copy of the context for another chain of the same table.
func (ctx *Context) withChain(c *Chain) *Context {
	cp := *ctx
	cp.Chain = c
	return &cp
}

// String for Context returns a short description used as a log prefix.
func (ctx *Context) String() string {
	s := fmt.Sprintf("nftables[%s] %s", ctx.RequestID, ctx.Family)
	if ctx.Table != nil {
		s += " " + ctx.Table.name
	}
	if ctx.Chain != nil {
		s += " " + ctx.Chain.name
	}
	return s
}
