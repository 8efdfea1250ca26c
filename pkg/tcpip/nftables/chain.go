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
	"maps"
	"slices"
	"sync/atomic"
)

// Chain represents a single chain as a list of rules.
// A chain can be either a base chain or a regular chain.
// Base chains (aka hook functions) contain a hook which attaches it directly to
// the netfilter pipeline to be called whenever the hook is encountered.
// Regular chains have a nil hook and must be called by base chains for
// evaluation.
type Chain struct {
	// id identifies the chain in the chain arena.
	id ChainID

	// name is the name of the chain.
	name string

	// table is a pointer to the table that the chain belongs to.
	table *Table

	// handle is the id of the chain within its table.
	handle uint64

	// flags is the set of optional flags for the chain.
	flags ChainFlag

	// baseChainInfo is the base chain info for the chain if it is a base chain.
	// Otherwise, it is nil.
	baseChainInfo *BaseChainInfo

	// rules is the published list of rules. The slice is never modified once
	// stored; updates store a new slice.
	rules atomic.Pointer[[]*Rule]

	// handleToRule is a map of rule handles to rules for the chain.
	handleToRule map[uint64]*Rule

	// use is the number of jump and goto references to this chain.
	// From net/netfilter/nf_tables_api.c: nft_data_hold
	use uint32

	// level is the length of the longest jump path ending at this chain.
	level uint32

	// userData is the user-specified metadata for the chain. This is not used
	// by the engine, but rather userspace applications like nft binary.
	userData []byte

	// comment is the optional comment for the chain.
	comment string
}

// GetName returns the name of the chain.
func (c *Chain) GetName() string {
	return c.name
}

// GetID returns the arena identifier of the chain.
func (c *Chain) GetID() ChainID {
	return c.id
}

// GetHandle returns the handle of the chain.
func (c *Chain) GetHandle() uint64 {
	return c.handle
}

// GetAddressFamily returns the address family of the chain.
func (c *Chain) GetAddressFamily() AddressFamily {
	return c.table.GetAddressFamily()
}

// GetTable returns the table that the chain belongs to.
func (c *Chain) GetTable() *Table {
	return c.table
}

// GetFlags returns the flags of the chain.
func (c *Chain) GetFlags() ChainFlag {
	return c.flags
}

// IsBaseChain returns whether the chain is a base chain.
func (c *Chain) IsBaseChain() bool {
	return c.baseChainInfo != nil
}

// GetBaseChainInfo returns a copy of the base chain info of the chain.
// Note: Returns nil if the chain is not a base chain.
func (c *Chain) GetBaseChainInfo() *BaseChainInfo {
	if c.baseChainInfo == nil {
		return nil
	}
	info := *c.baseChainInfo
	return &info
}

// GetComment returns the comment of the chain.
func (c *Chain) GetComment() string {
	return c.comment
}

// GetUse returns the number of jump and goto references to the chain.
func (c *Chain) GetUse() uint32 {
	return c.use
}

// GetLevel returns the length of the longest jump path ending at the chain.
func (c *Chain) GetLevel() uint32 {
	return c.level
}

// Rules returns the rules of the chain in evaluation order.
func (c *Chain) Rules() []*Rule {
	return c.loadRules()
}

// GetRule returns the rule with the given handle.
func (c *Chain) GetRule(handle uint64) (*Rule, error) {
	r, ok := c.handleToRule[handle]
	if !ok {
		return nil, newError(CodeNotFound, "rule with handle %d does not exist in chain %s", handle, c.name)
	}
	return r, nil
}

// loadRules returns the published rules.
func (c *Chain) loadRules() []*Rule {
	if rules := c.rules.Load(); rules != nil {
		return *rules
	}
	return nil
}

// publishRules replaces the published rules with a copy of rules.
func (c *Chain) publishRules(rules []*Rule) {
	rules = slices.Clip(rules)
	c.rules.Store(&rules)
}

// policy returns the verdict issued when evaluation falls off the chain.
func (c *Chain) policy() Verdict {
	if c.baseChainInfo == nil {
		return Verdict{Code: VerdictAccept}
	}
	return c.baseChainInfo.Policy()
}

// registerRule inserts a rule at index pos (appends if pos is negative).
// Note: must be called with the administrative lock held.
func (c *Chain) registerRule(r *Rule, pos int) error {
	handle, err := c.table.nextHandle()
	if err != nil {
		return err
	}
	r.handle = handle
	rules := slices.Clone(c.loadRules())
	if pos < 0 || pos > len(rules) {
		pos = len(rules)
	}
	rules = slices.Insert(rules, pos, r)
	c.handleToRule[handle] = r
	c.publishRules(rules)
	return nil
}

// unregisterRule removes a rule from the published rules.
// Note: must be called with the administrative lock held.
func (c *Chain) unregisterRule(r *Rule) {
	c.publishRules(slices.DeleteFunc(slices.Clone(c.loadRules()), func(other *Rule) bool {
		return other == r
	}))
	delete(c.handleToRule, r.handle)
}

// rulePosition returns the index of the rule with the given handle.
func (c *Chain) rulePosition(handle uint64) (int, error) {
	i := slices.IndexFunc(c.loadRules(), func(r *Rule) bool {
		return r.handle == handle
	})
	if i < 0 {
		return 0, newError(CodeNotFound, "rule with handle %d does not exist in chain %s", handle, c.name)
	}
	return i, nil
}

// chainJumper is implemented by expressions that can transfer control to
// other chains.
type chainJumper interface {
	// jumpTargets calls fn for every chain the expression can jump or goto.
	jumpTargets(fn func(*Chain))
}

// chainEdge is a possible jump or goto from one chain to another.
type chainEdge struct {
	from, to *Chain
}

// jumpTarget resolves the chain a jump or goto verdict refers to. The target
// must belong to the table and must not be a base chain.
func (t *Table) jumpTarget(id ChainID) (*Chain, error) {
	c := t.afFilter.nf.chains.lookup(id)
	if c == nil || c.table != t {
		return nil, newError(CodeNotFound, "jump target %d does not exist in table %s", id, t.name)
	}
	if c.IsBaseChain() {
		return nil, newError(CodeNotSupported, "cannot jump to base chain %s", c.name)
	}
	return c, nil
}

// checkLoops computes the level of every chain of the table as if the extra
// edges were present, failing if the jump graph would contain a cycle or a
// path longer than the jump stack. It never modifies the table.
// From net/netfilter/nf_tables_api.c:nf_tables_check_loops.
func (t *Table) checkLoops(extra ...chainEdge) (map[*Chain]uint32, error) {
	// Collects the incoming edges of every chain.
	preds := make(map[*Chain][]*Chain, len(t.chains))
	for _, c := range t.chains {
		for _, r := range c.loadRules() {
			for _, s := range r.exprs {
				if j, ok := s.expr.(chainJumper); ok {
					j.jumpTargets(func(to *Chain) {
						preds[to] = append(preds[to], c)
					})
				}
			}
		}
	}
	for _, e := range extra {
		preds[e.to] = append(preds[e.to], e.from)
	}

	// Computes levels depth-first over incoming edges; a chain seen again
	// while its own level is being computed lies on a cycle.
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[*Chain]int, len(t.chains))
	levels := make(map[*Chain]uint32, len(t.chains))
	var visit func(c *Chain) error
	visit = func(c *Chain) error {
		switch state[c] {
		case visiting:
			return newError(CodeLoop, "chain %s is part of a jump cycle", c.name)
		case done:
			return nil
		}
		state[c] = visiting
		var level uint32
		for _, p := range preds[c] {
			if err := visit(p); err != nil {
				return err
			}
			level = max(level, levels[p]+1)
		}
		if level > nestedJumpLimit {
			return newError(CodeLoop, "chain %s would be reached through %d nested jumps, at most %d allowed", c.name, level, nestedJumpLimit)
		}
		levels[c] = level
		state[c] = done
		return nil
	}
	for _, c := range slices.Sorted(maps.Keys(t.chains)) {
		if err := visit(t.chains[c]); err != nil {
			return nil, err
		}
	}
	return levels, nil
}

// updateLevels recomputes the levels of the table's chains after the jump
// graph changed.
// Note: must be called with the administrative lock held.
func (t *Table) updateLevels() {
	levels, err := t.checkLoops()
	if err != nil {
		panic(fmt.Sprintf("table %s: jump graph invalid after validated update: %v", t.name, err))
	}
	for c, level := range levels {
		c.level = level
	}
}

// chainArena maps chain identifiers to chains. Readers resolve jump targets
// through a published snapshot; updates replace the snapshot.
type chainArena struct {
	chains atomic.Pointer[map[ChainID]*Chain]

	// next is the last assigned identifier.
	// Note: protected by the administrative lock.
	next ChainID
}

// lookup returns the chain with the given identifier, or nil.
func (a *chainArena) lookup(id ChainID) *Chain {
	m := a.chains.Load()
	if m == nil {
		return nil
	}
	return (*m)[id]
}

// insert assigns an identifier to c and publishes it.
// Note: must be called with the administrative lock held.
func (a *chainArena) insert(c *Chain) {
	a.next++
	c.id = a.next
	m := make(map[ChainID]*Chain)
	if old := a.chains.Load(); old != nil {
		maps.Copy(m, *old)
	}
	m[c.id] = c
	a.chains.Store(&m)
}

// remove unpublishes the chain with the given identifier.
// Note: must be called with the administrative lock held.
func (a *chainArena) remove(id ChainID) {
	old := a.chains.Load()
	if old == nil {
		return
	}
	m := maps.Clone(*old)
	delete(m, id)
	a.chains.Store(&m)
}

// hookFunctionStack represents the list of base chains for a specific hook.
// The stack is ordered by priority and built as chains are added to tables.
type hookFunctionStack struct {
	hook       Hook
	baseChains []*Chain
}

// attachBaseChain adds an (assumed/previously checked) base chain to the stack,
// maintaining ascending priority ordering.
// Note: assumes stack and base chains slice are initialized and is base chain.
func (hfStack *hookFunctionStack) attachBaseChain(chain *Chain) {
	if chain.baseChainInfo == nil {
		panic(fmt.Sprintf("chain %s is not a base chain; base chain info is nil", chain.name))
	}
	pos, _ := slices.BinarySearchFunc(hfStack.baseChains, chain, compareBaseChains)
	hfStack.baseChains = slices.Insert(hfStack.baseChains, pos, chain)
}

// detachBaseChain removes a base chain from the stack, returning an error if
// the chain isn't attached.
func (hfStack *hookFunctionStack) detachBaseChain(chain *Chain) error {
	prevLen := len(hfStack.baseChains)
	hfStack.baseChains = slices.DeleteFunc(hfStack.baseChains, func(other *Chain) bool {
		return other == chain
	})
	if len(hfStack.baseChains) == prevLen {
		return newError(CodeNotFound, "base chain '%s' does not exist for hook %s", chain.name, hfStack.hook)
	}
	return nil
}

// compareBaseChains orders base chains by priority, then by creation.
func compareBaseChains(a, b *Chain) int {
	if d := a.baseChainInfo.Priority.GetValue() - b.baseChainInfo.Priority.GetValue(); d != 0 {
		return d
	}
	return int(a.id) - int(b.id)
}
