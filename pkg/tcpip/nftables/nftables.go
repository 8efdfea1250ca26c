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
	"slices"
	"sync/atomic"
	"time"

	"github.com/nftcore/nftcore/pkg/rcu"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// NFTables represents the nftables state for all address families.
// Note: unlike iptables, nftables doesn't start with any initialized tables.
type NFTables struct {
	// mu serializes administrative operations. Evaluation never takes it.
	mu sync.Mutex

	// filters holds the state of each address family.
	// Note: protected by mu.
	filters [NumAFs]*addressFamilyFilter

	// hooks holds, for each address family and hook, the published base
	// chains in priority order. Inet base chains are published to the IP and
	// IP6 families.
	hooks [NumAFs][NumHooks]atomic.Pointer[[]*Chain]

	// chains resolves jump and goto targets.
	chains chainArena

	// rcu defers the release of unlinked objects.
	rcu rcu.Domain

	// tableHandleCounter generates table handles.
	// Note: protected by mu.
	tableHandleCounter uint64

	// stats counts verdicts per address family and hook.
	stats [NumAFs][NumHooks]hookStats

	// clock returns the current time for time-based expressions.
	clock func() time.Time

	// startTime is the time the NFTables object was created.
	startTime time.Time

	// anomalies logs unexpected conditions found while evaluating packets.
	anomalies log.Logger
}

// Option configures an NFTables object.
type Option func(*NFTables)

// WithClock sets the clock used by time-based expressions.
func WithClock(clock func() time.Time) Option {
	return func(nf *NFTables) {
		nf.clock = clock
	}
}

// NewNFTables creates a new NFTables object.
func NewNFTables(opts ...Option) *NFTables {
	nf := &NFTables{
		clock:     time.Now,
		anomalies: log.BasicRateLimitedLogger(time.Minute),
	}
	for _, opt := range opts {
		opt(nf)
	}
	nf.startTime = nf.clock()
	return nf
}

// lock takes the administrative lock.
func (nf *NFTables) lock() {
	nf.mu.Lock()
}

// unlock waits for a grace period if objects are waiting to be released, then
// releases the administrative lock.
func (nf *NFTables) unlock() {
	if nf.rcu.Pending() > 0 {
		nf.rcu.Barrier()
	}
	nf.mu.Unlock()
}

// publishHook republishes the base chains of the given hook for all address
// families.
// Note: must be called with mu held.
func (nf *NFTables) publishHook(hook Hook) {
	var inet []*Chain
	if f := nf.filters[Inet]; f != nil && f.hfStacks[hook] != nil {
		inet = f.hfStacks[hook].baseChains
	}
	for family := range NumAFs {
		if family == Inet {
			continue
		}
		var chains []*Chain
		if f := nf.filters[family]; f != nil && f.hfStacks[hook] != nil {
			chains = slices.Clone(f.hfStacks[hook].baseChains)
		}
		if family == IP || family == IP6 {
			chains = append(chains, inet...)
			slices.SortStableFunc(chains, compareBaseChains)
		}
		if len(chains) == 0 {
			nf.hooks[family][hook].Store(nil)
			continue
		}
		nf.hooks[family][hook].Store(&chains)
	}
}

// filter returns the state of the address family, creating it if needed.
// Note: must be called with mu held.
func (nf *NFTables) filter(family AddressFamily) *addressFamilyFilter {
	if nf.filters[family] == nil {
		nf.filters[family] = &addressFamilyFilter{
			family:       family,
			nf:           nf,
			tables:       make(map[string]*Table),
			tableHandles: make(map[uint64]*Table),
			hfStacks:     make(map[Hook]*hookFunctionStack),
		}
	}
	return nf.filters[family]
}

// getTable returns the table with the given name.
// Note: must be called with mu held.
func (nf *NFTables) getTable(family AddressFamily, tableName string) (*Table, error) {
	if err := validateAddressFamily(family); err != nil {
		return nil, err
	}
	if nf.filters[family] == nil {
		return nil, newError(CodeNotFound, "address family %s has no tables", family)
	}
	t, exists := nf.filters[family].tables[tableName]
	if !exists {
		return nil, newError(CodeNotFound, "table '%s' does not exist for address family %s", tableName, family)
	}
	return t, nil
}

// getChain returns the chain with the given name.
// Note: must be called with mu held.
func (nf *NFTables) getChain(family AddressFamily, tableName, chainName string) (*Chain, error) {
	t, err := nf.getTable(family, tableName)
	if err != nil {
		return nil, err
	}
	return t.GetChain(chainName)
}

// getSet returns the set with the given name.
// Note: must be called with mu held.
func (nf *NFTables) getSet(family AddressFamily, tableName, setName string) (*Set, error) {
	t, err := nf.getTable(family, tableName)
	if err != nil {
		return nil, err
	}
	return t.GetSet(setName)
}

//
// Top-Level NFTables Functions
//

// Flush clears the entire ruleset for all address families.
func (nf *NFTables) Flush() {
	nf.lock()
	defer nf.unlock()
	for family := range NumAFs {
		nf.flushAddressFamilyLocked(family)
	}
}

// FlushAddressFamily clears the ruleset for the given address family,
// returning an error if the address family is invalid.
func (nf *NFTables) FlushAddressFamily(family AddressFamily) error {
	if err := validateAddressFamily(family); err != nil {
		return err
	}
	nf.lock()
	defer nf.unlock()
	nf.flushAddressFamilyLocked(family)
	return nil
}

func (nf *NFTables) flushAddressFamilyLocked(family AddressFamily) {
	f := nf.filters[family]
	if f == nil {
		return
	}
	for _, t := range f.tables {
		t.flags &^= TableFlagBuiltin
		nf.deleteTableLocked(t)
	}
}

// GetTable validates the inputs and gets a table if it exists, error otherwise.
func (nf *NFTables) GetTable(family AddressFamily, tableName string) (*Table, error) {
	nf.lock()
	defer nf.unlock()
	return nf.getTable(family, tableName)
}

// Tables returns the tables of the address family ordered by handle.
func (nf *NFTables) Tables(family AddressFamily) []*Table {
	nf.lock()
	defer nf.unlock()
	return nf.tablesLocked(family)
}

func (nf *NFTables) tablesLocked(family AddressFamily) []*Table {
	f := nf.filters[family]
	if f == nil {
		return nil
	}
	tables := make([]*Table, 0, len(f.tables))
	for _, t := range f.tables {
		tables = append(tables, t)
	}
	slices.SortFunc(tables, func(a, b *Table) int {
		return cmp.Compare(a.handle, b.handle)
	})
	return tables
}

// AddTable makes a new table for the specified address family, returning an
// error if the address family is invalid. Can return an error if a table by the
// same name already exists if errorOnDuplicate is true. Can be used to get an
// existing table by the same name if errorOnDuplicate is false.
// Note: if the table already exists, the existing table is returned without any
// modifications.
func (nf *NFTables) AddTable(family AddressFamily, name string, flags TableFlag, comment string, errorOnDuplicate bool) (*Table, error) {
	if err := validateAddressFamily(family); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, newError(CodeInvalidArgument, "table name cannot be empty")
	}
	nf.lock()
	defer nf.unlock()

	f := nf.filter(family)
	if existingTable, exists := f.tables[name]; exists {
		if errorOnDuplicate {
			return nil, newError(CodeExists, "table '%s' already exists in address family %s", name, family)
		}
		return existingTable, nil
	}

	nf.tableHandleCounter++
	t := &Table{
		name:         name,
		afFilter:     f,
		handle:       nf.tableHandleCounter,
		chains:       make(map[string]*Chain),
		chainHandles: make(map[uint64]*Chain),
		sets:         make(map[string]*Set),
		comment:      comment,
	}
	t.flags = flags &^ TableFlagDormant
	t.setDormant(flags&TableFlagDormant != 0)
	f.tables[name] = t
	f.tableHandles[t.handle] = t
	log.Debugf("%s: added table (handle %d)", nf.newContext(family, t, nil), t.handle)
	return t, nil
}

// CreateTable makes a new table for the specified address family like AddTable
// but also returns an error if a table by the same name already exists.
// Note: this interface mirrors the difference between the create and add
// commands within the nft binary.
func (nf *NFTables) CreateTable(family AddressFamily, name string, flags TableFlag, comment string) (*Table, error) {
	return nf.AddTable(family, name, flags, comment, true)
}

// SetTableDormant sets or clears the dormant flag of a table.
func (nf *NFTables) SetTableDormant(family AddressFamily, tableName string, dormant bool) error {
	nf.lock()
	defer nf.unlock()
	t, err := nf.getTable(family, tableName)
	if err != nil {
		return err
	}
	t.setDormant(dormant)
	return nil
}

// DeleteTable deletes the specified table along with its chains, rules and
// sets.
func (nf *NFTables) DeleteTable(family AddressFamily, tableName string) error {
	nf.lock()
	defer nf.unlock()
	t, err := nf.getTable(family, tableName)
	if err != nil {
		return err
	}
	if t.flags&TableFlagBuiltin != 0 {
		return newError(CodeNotSupported, "table %s is builtin", tableName)
	}
	nf.deleteTableLocked(t)
	return nil
}

func (nf *NFTables) deleteTableLocked(t *Table) {
	ctx := nf.newContext(t.GetAddressFamily(), t, nil)
	t.flush(ctx)
	delete(t.afFilter.tables, t.name)
	delete(t.afFilter.tableHandles, t.handle)
	log.Debugf("%s: deleted table", ctx)
}

// GetChain validates the inputs and gets a chain if it exists, error otherwise.
func (nf *NFTables) GetChain(family AddressFamily, tableName string, chainName string) (*Chain, error) {
	nf.lock()
	defer nf.unlock()
	return nf.getChain(family, tableName, chainName)
}

// AddChain makes a new chain for the corresponding table and adds it to the
// chain map and hook function list, returning an error if the address family is
// invalid or the table doesn't exist. Can return an error if a chain by the
// same name already exists if errorOnDuplicate is true. Can be used to get an
// existing chain by the same name if errorOnDuplicate is false.
// Note: if the chain is not a base chain, info should be nil.
func (nf *NFTables) AddChain(family AddressFamily, tableName string, chainName string, info *BaseChainInfo, flags ChainFlag, comment string, errorOnDuplicate bool) (*Chain, error) {
	nf.lock()
	defer nf.unlock()
	t, err := nf.getTable(family, tableName)
	if err != nil {
		return nil, err
	}
	if existingChain, exists := t.chains[chainName]; exists {
		if errorOnDuplicate {
			return nil, newError(CodeExists, "chain '%s' already exists in table %s", chainName, tableName)
		}
		return existingChain, nil
	}
	return t.addChain(nf.newContext(family, t, nil), chainName, info, flags, comment)
}

// CreateChain makes a new chain like AddChain but also returns an error if a
// chain by the same name already exists.
func (nf *NFTables) CreateChain(family AddressFamily, tableName string, chainName string, info *BaseChainInfo, flags ChainFlag, comment string) (*Chain, error) {
	return nf.AddChain(family, tableName, chainName, info, flags, comment, true)
}

// DeleteChain deletes the specified chain and its rules. It fails with ErrBusy
// while other rules or map elements jump to the chain.
func (nf *NFTables) DeleteChain(family AddressFamily, tableName string, chainName string) error {
	nf.lock()
	defer nf.unlock()
	c, err := nf.getChain(family, tableName, chainName)
	if err != nil {
		return err
	}
	return c.table.deleteChain(nf.newContext(family, c.table, c), c)
}

// FlushChain deletes all rules of the specified chain.
func (nf *NFTables) FlushChain(family AddressFamily, tableName string, chainName string) error {
	nf.lock()
	defer nf.unlock()
	c, err := nf.getChain(family, tableName, chainName)
	if err != nil {
		return err
	}
	c.table.flushChain(nf.newContext(family, c.table, c), c)
	return nil
}

// AddRule creates a rule from the expression specs and appends it to the
// chain.
func (nf *NFTables) AddRule(family AddressFamily, tableName string, chainName string, specs []ExprSpec, udata []byte) (*Rule, error) {
	return nf.addRule(family, tableName, chainName, specs, udata, func(*Chain) (int, error) {
		return -1, nil
	})
}

// InsertRule creates a rule and inserts it before the rule with the given
// handle, or at the start of the chain if position is zero.
func (nf *NFTables) InsertRule(family AddressFamily, tableName string, chainName string, position uint64, specs []ExprSpec, udata []byte) (*Rule, error) {
	return nf.addRule(family, tableName, chainName, specs, udata, func(c *Chain) (int, error) {
		if position == 0 {
			return 0, nil
		}
		return c.rulePosition(position)
	})
}

// AddRuleAfter creates a rule and inserts it after the rule with the given
// handle.
func (nf *NFTables) AddRuleAfter(family AddressFamily, tableName string, chainName string, position uint64, specs []ExprSpec, udata []byte) (*Rule, error) {
	return nf.addRule(family, tableName, chainName, specs, udata, func(c *Chain) (int, error) {
		i, err := c.rulePosition(position)
		return i + 1, err
	})
}

func (nf *NFTables) addRule(family AddressFamily, tableName string, chainName string, specs []ExprSpec, udata []byte, pos func(*Chain) (int, error)) (*Rule, error) {
	nf.lock()
	defer nf.unlock()
	c, err := nf.getChain(family, tableName, chainName)
	if err != nil {
		return nil, err
	}
	i, err := pos(c)
	if err != nil {
		return nil, err
	}
	ctx := nf.newContext(family, c.table, c)
	r, err := newRule(ctx, specs, udata)
	if err != nil {
		return nil, err
	}
	if err := c.registerRule(r, i); err != nil {
		r.destroy(ctx)
		return nil, err
	}
	c.table.updateLevels()
	log.Debugf("%s: added rule %d with %d expressions", ctx, r.handle, len(r.exprs))
	return r, nil
}

// DeleteRule deletes the rule with the given handle. The rule stops being
// evaluated immediately; its resources are released after a grace period.
func (nf *NFTables) DeleteRule(family AddressFamily, tableName string, chainName string, handle uint64) error {
	nf.lock()
	defer nf.unlock()
	c, err := nf.getChain(family, tableName, chainName)
	if err != nil {
		return err
	}
	r, err := c.GetRule(handle)
	if err != nil {
		return err
	}
	ctx := nf.newContext(family, c.table, c)
	c.unregisterRule(r)
	r.destroy(ctx)
	c.table.updateLevels()
	nf.rcu.Call(r.release)
	log.Debugf("%s: deleted rule %d", ctx, handle)
	return nil
}

// GetSet validates the inputs and gets a set if it exists, error otherwise.
func (nf *NFTables) GetSet(family AddressFamily, tableName string, setName string) (*Set, error) {
	nf.lock()
	defer nf.unlock()
	return nf.getSet(family, tableName, setName)
}

// AddSet creates a set in the table.
func (nf *NFTables) AddSet(family AddressFamily, tableName string, desc SetDesc, udata []byte) (*Set, error) {
	nf.lock()
	defer nf.unlock()
	t, err := nf.getTable(family, tableName)
	if err != nil {
		return nil, err
	}
	return t.addSet(nf.newContext(family, t, nil), desc, udata)
}

// DeleteSet deletes the set. It fails with ErrBusy while the set is bound.
func (nf *NFTables) DeleteSet(family AddressFamily, tableName string, setName string) error {
	nf.lock()
	defer nf.unlock()
	s, err := nf.getSet(family, tableName, setName)
	if err != nil {
		return err
	}
	return s.table.deleteSet(nf.newContext(family, s.table, nil), s)
}

// VerdictSpec describes a verdict by code and, for jump and goto, by the name
// of the target chain.
type VerdictSpec struct {
	Code  int32
	Chain string
}

// resolveVerdict resolves a verdict spec against the table.
func (t *Table) resolveVerdict(spec VerdictSpec) (Verdict, error) {
	if err := validateVerdictCode(spec.Code); err != nil {
		return Verdict{}, err
	}
	v := Verdict{Code: spec.Code}
	switch spec.Code {
	case VerdictJump, VerdictGoto:
		c, err := t.GetChain(spec.Chain)
		if err != nil {
			return Verdict{}, err
		}
		v.Chain = c.id
	}
	return v, nil
}

// SetElemSpec describes a set element: its key, the data it maps to and
// whether it closes an interval.
type SetElemSpec struct {
	Key         []byte
	Value       []byte
	Verdict     *VerdictSpec
	IntervalEnd bool
}

// elem converts the spec to an element of s.
func (spec *SetElemSpec) elem(s *Set) (SetElem, error) {
	var elem SetElem
	key, err := NewValueData(spec.Key)
	if err != nil {
		return elem, err
	}
	elem.Key = key
	if spec.IntervalEnd {
		elem.Flags |= SetElemIntervalEnd
	}
	switch {
	case spec.Verdict != nil && spec.Value != nil:
		return elem, newError(CodeInvalidArgument, "element has both a value and a verdict")
	case spec.Verdict != nil:
		v, err := s.table.resolveVerdict(*spec.Verdict)
		if err != nil {
			return elem, err
		}
		elem.Data = NewVerdictData(v)
	case spec.Value != nil:
		if elem.Data, err = NewValueData(spec.Value); err != nil {
			return elem, err
		}
	}
	return elem, nil
}

// AddSetElems adds elements to a set. Elements are added in order; on error,
// elements added before the failing one remain.
func (nf *NFTables) AddSetElems(family AddressFamily, tableName string, setName string, specs []SetElemSpec) error {
	nf.lock()
	defer nf.unlock()
	s, err := nf.getSet(family, tableName, setName)
	if err != nil {
		return err
	}
	ctx := nf.newContext(family, s.table, nil)
	for i := range specs {
		elem, err := specs[i].elem(s)
		if err != nil {
			return err
		}
		if err := s.insert(ctx, &elem); err != nil {
			return err
		}
	}
	log.Debugf("%s: added %d elements to set %s", ctx, len(specs), setName)
	return nil
}

// DeleteSetElems removes elements from a set by key.
func (nf *NFTables) DeleteSetElems(family AddressFamily, tableName string, setName string, specs []SetElemSpec) error {
	nf.lock()
	defer nf.unlock()
	s, err := nf.getSet(family, tableName, setName)
	if err != nil {
		return err
	}
	ctx := nf.newContext(family, s.table, nil)
	for i := range specs {
		key, err := NewValueData(specs[i].Key)
		if err != nil {
			return err
		}
		var flags SetElemFlag
		if specs[i].IntervalEnd {
			flags |= SetElemIntervalEnd
		}
		if err := s.remove(ctx, &key, flags); err != nil {
			return err
		}
	}
	return nil
}

// GetSetElem returns the element of a set with the given key.
func (nf *NFTables) GetSetElem(family AddressFamily, tableName string, setName string, key []byte) (SetElem, error) {
	nf.lock()
	defer nf.unlock()
	s, err := nf.getSet(family, tableName, setName)
	if err != nil {
		return SetElem{}, err
	}
	k, err := NewValueData(key)
	if err != nil {
		return SetElem{}, err
	}
	elem, err := s.Get(&k, 0)
	if err != nil {
		return SetElem{}, err
	}
	return *elem, nil
}

// WalkSet visits the elements of a set under the administrative lock.
func (nf *NFTables) WalkSet(family AddressFamily, tableName string, setName string, iter *SetIter) error {
	nf.lock()
	defer nf.unlock()
	s, err := nf.getSet(family, tableName, setName)
	if err != nil {
		return err
	}
	s.Walk(nf.newContext(family, s.table, nil), iter)
	return iter.Err
}
