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
	"cmp"
	"maps"
	"slices"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
)

// addressFamilyFilter represents the nftables state for a specific address
// family.
type addressFamilyFilter struct {
	// family is the address family of the filter.
	family AddressFamily

	// nf is the NFTables object the filter belongs to.
	nf *NFTables

	// tables is a map of tables for each address family.
	tables map[string]*Table

	// tableHandles is a map of table handles (ids) to tables for a given address family.
	tableHandles map[uint64]*Table

	// hfStacks is a map of hook function stacks (slice of base chains for a
	// given hook ordered by priority).
	hfStacks map[Hook]*hookFunctionStack
}

// Table represents a single table as a collection of named chains and sets.
// Note: as tables are simply collections of chains, evaluations aren't done on
// the table-level and instead are done on the chain- and hook- level.
type Table struct {
	// name is the name of the table.
	name string

	// afFilter is the address family filter that the table belongs to.
	afFilter *addressFamilyFilter

	// handle is the id of the table.
	handle uint64

	// flags is the set of optional flags for the table.
	flags TableFlag

	// dormant mirrors TableFlagDormant for the evaluation path.
	dormant atomicbitops.Bool

	// chains is a map of chains for each table.
	chains map[string]*Chain

	// chainHandles is a map of chain handles (ids) to chains for a given table.
	chainHandles map[uint64]*Chain

	// sets is a map of sets for each table.
	sets map[string]*Set

	// handleCounter generates handles for the table's chains, rules and sets.
	handleCounter uint64

	// use is the number of chains in the table.
	use uint32

	// userData is the user-specified metadata for the table. This is not used
	// by the engine, but rather userspace applications like nft binary.
	userData []byte

	// comment is the optional comment for the table.
	comment string
}

// GetName returns the name of the table.
func (t *Table) GetName() string {
	return t.name
}

// GetAddressFamily returns the address family of the table.
func (t *Table) GetAddressFamily() AddressFamily {
	return t.afFilter.family
}

// GetHandle returns the handle of the table.
func (t *Table) GetHandle() uint64 {
	return t.handle
}

// GetFlags returns the flags of the table.
func (t *Table) GetFlags() TableFlag {
	return t.flags
}

// GetComment returns the comment of the table.
func (t *Table) GetComment() string {
	return t.comment
}

// GetUse returns the number of chains in the table.
func (t *Table) GetUse() uint32 {
	return t.use
}

// IsDormant returns whether the table is dormant.
func (t *Table) IsDormant() bool {
	return t.dormant.Load()
}

// setDormant sets the dormant flag for the table.
func (t *Table) setDormant(dormant bool) {
	if dormant {
		t.flags |= TableFlagDormant
	} else {
		t.flags &^= TableFlagDormant
	}
	t.dormant.Store(dormant)
}

// GetChain returns the chain with the specified name if it exists, error
// otherwise.
func (t *Table) GetChain(chainName string) (*Chain, error) {
	c, exists := t.chains[chainName]
	if !exists {
		return nil, newError(CodeNotFound, "chain '%s' does not exist for table %s", chainName, t.name)
	}
	return c, nil
}

// GetChainByHandle returns the chain with the specified handle.
func (t *Table) GetChainByHandle(handle uint64) (*Chain, error) {
	c, exists := t.chainHandles[handle]
	if !exists {
		return nil, newError(CodeNotFound, "chain with handle %d does not exist for table %s", handle, t.name)
	}
	return c, nil
}

// GetSet returns the set with the specified name.
func (t *Table) GetSet(setName string) (*Set, error) {
	s, exists := t.sets[setName]
	if !exists {
		return nil, newError(CodeNotFound, "set '%s' does not exist for table %s", setName, t.name)
	}
	return s, nil
}

// Chains returns the chains of the table ordered by handle.
func (t *Table) Chains() []*Chain {
	return slices.SortedFunc(maps.Values(t.chains), func(a, b *Chain) int {
		return cmp.Compare(a.handle, b.handle)
	})
}

// Sets returns the sets of the table ordered by handle.
func (t *Table) Sets() []*Set {
	return slices.SortedFunc(maps.Values(t.sets), func(a, b *Set) int {
		return cmp.Compare(a.handle, b.handle)
	})
}

// nextHandle returns a new handle from the table's handle generator.
func (t *Table) nextHandle() (uint64, error) {
	if t.handleCounter >= ruleHandleMask {
		return 0, newError(CodeRange, "table %s ran out of handles", t.name)
	}
	t.handleCounter++
	return t.handleCounter, nil
}

// addChain makes a new chain for the table.
// Note: must be called with the administrative lock held.
func (t *Table) addChain(ctx *Context, name string, info *BaseChainInfo, flags ChainFlag, comment string) (*Chain, error) {
	if name == "" {
		return nil, newError(CodeInvalidArgument, "chain name cannot be empty")
	}
	if info != nil {
		if err := validateBaseChainInfo(info, t.GetAddressFamily()); err != nil {
			return nil, err
		}
		flags |= ChainFlagBase
		// The chain owns its copy; the caller may reuse info.
		cp := *info
		info = &cp
	} else {
		flags &^= ChainFlagBase
	}
	handle, err := t.nextHandle()
	if err != nil {
		return nil, err
	}

	c := &Chain{
		name:          name,
		table:         t,
		handle:        handle,
		flags:         flags,
		baseChainInfo: info,
		handleToRule:  make(map[uint64]*Rule),
		comment:       comment,
	}
	c.publishRules(make([]*Rule, 0, defaultRuleCapacity))
	nf := t.afFilter.nf
	nf.chains.insert(c)
	t.chains[name] = c
	t.chainHandles[handle] = c
	t.use++

	// Attaches base chains to the pipeline.
	if info != nil {
		hfStack := t.afFilter.hfStacks[info.Hook]
		if hfStack == nil {
			hfStack = &hookFunctionStack{
				hook:       info.Hook,
				baseChains: make([]*Chain, 0, defaultBaseChainCapacity),
			}
			t.afFilter.hfStacks[info.Hook] = hfStack
		}
		hfStack.attachBaseChain(c)
		nf.publishHook(info.Hook)
	}
	t.updateLevels()
	log.Debugf("%s: added chain %s (handle %d)", ctx, name, handle)
	return c, nil
}

// flushChain removes all rules of a chain.
// Note: must be called with the administrative lock held.
func (t *Table) flushChain(ctx *Context, c *Chain) {
	rules := c.loadRules()
	c.publishRules(nil)
	clear(c.handleToRule)
	ctx = ctx.withChain(c)
	for _, r := range rules {
		r.destroy(ctx)
		t.afFilter.nf.rcu.Call(r.release)
	}
	t.updateLevels()
}

// deleteChain removes a chain with no remaining references, dropping its
// rules.
// Note: must be called with the administrative lock held.
func (t *Table) deleteChain(ctx *Context, c *Chain) error {
	if c.flags&ChainFlagBuiltin != 0 {
		return newError(CodeNotSupported, "chain %s is builtin", c.name)
	}
	if c.use > 0 {
		return newError(CodeBusy, "chain %s is referenced by %d jumps", c.name, c.use)
	}
	t.flushChain(ctx, c)

	// Detaches the chain from the pipeline if it's a base chain.
	nf := t.afFilter.nf
	if c.baseChainInfo != nil {
		hfStack := t.afFilter.hfStacks[c.baseChainInfo.Hook]
		if err := hfStack.detachBaseChain(c); err != nil {
			panic(err)
		}
		if len(hfStack.baseChains) == 0 {
			delete(t.afFilter.hfStacks, c.baseChainInfo.Hook)
		}
		nf.publishHook(c.baseChainInfo.Hook)
	}
	nf.chains.remove(c.id)
	delete(t.chains, c.name)
	delete(t.chainHandles, c.handle)
	t.use--
	t.updateLevels()
	log.Debugf("%s: deleted chain %s", ctx, c.name)
	return nil
}

// addSet creates a set in the table.
// Note: must be called with the administrative lock held.
func (t *Table) addSet(ctx *Context, desc SetDesc, udata []byte) (*Set, error) {
	if err := validateSetDesc(&desc); err != nil {
		return nil, err
	}
	if _, exists := t.sets[desc.Name]; exists {
		return nil, newError(CodeExists, "set '%s' already exists in table %s", desc.Name, t.name)
	}
	ops, err := selectSetBackend(&desc)
	if err != nil {
		return nil, err
	}
	backend, err := ops.New(&desc)
	if err != nil {
		return nil, err
	}
	handle, err := t.nextHandle()
	if err != nil {
		return nil, err
	}
	s := &Set{
		name:     desc.Name,
		table:    t,
		handle:   handle,
		desc:     desc,
		ops:      ops,
		backend:  backend,
		userData: udata,
	}
	t.sets[desc.Name] = s
	log.Debugf("%s: added set %s (backend %s)", ctx, desc.Name, ops.Name)
	return s, nil
}

// deleteSet removes an unbound set from the table.
// Note: must be called with the administrative lock held.
func (t *Table) deleteSet(ctx *Context, s *Set) error {
	if len(s.bindings) > 0 {
		return newError(CodeBusy, "set %s is bound to %d expressions", s.name, len(s.bindings))
	}
	delete(t.sets, s.name)
	s.releaseElems()
	t.updateLevels()
	t.afFilter.nf.rcu.Call(s.backend.Destroy)
	log.Debugf("%s: deleted set %s", ctx, s.name)
	return nil
}

// flush removes everything in the table: rules first, so that chains and sets
// lose their references, then sets, then chains.
// Note: must be called with the administrative lock held.
func (t *Table) flush(ctx *Context) {
	for _, c := range t.Chains() {
		t.flushChain(ctx, c)
	}
	for _, s := range t.Sets() {
		if err := t.deleteSet(ctx, s); err != nil {
			panic(err)
		}
	}
	for _, c := range t.Chains() {
		c.flags &^= ChainFlagBuiltin
		if err := t.deleteChain(ctx, c); err != nil {
			panic(err)
		}
	}
}
