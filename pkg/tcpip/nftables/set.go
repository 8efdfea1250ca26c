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
	"slices"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// SetFlag is a flag of a set (enum nft_set_flags).
type SetFlag uint32

const (
	// SetFlagAnonymous marks a set owned by the rule referencing it. It is
	// destroyed when its last binding goes away.
	SetFlagAnonymous SetFlag = 1 << iota

	// SetFlagConstant marks a set whose elements cannot change once bound.
	SetFlagConstant

	// SetFlagInterval marks a set whose elements are ranges.
	SetFlagInterval

	// SetFlagMap marks a set mapping keys to data.
	SetFlagMap

	// setFeatureMask selects the flags backends have to support.
	setFeatureMask = SetFlagInterval | SetFlagMap
)

// setFlagStrings maps set flags to their nft names.
var setFlagStrings = []struct {
	flag SetFlag
	name string
}{
	{SetFlagAnonymous, "anonymous"},
	{SetFlagConstant, "constant"},
	{SetFlagInterval, "interval"},
	{SetFlagMap, "map"},
}

// String for SetFlag returns the names of the flags separated by commas.
func (f SetFlag) String() string {
	var names []string
	for _, fs := range setFlagStrings {
		if f&fs.flag != 0 {
			names = append(names, fs.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return fmt.Sprint(names)
}

// ParseSetFlag returns the set flag with the given nft name.
func ParseSetFlag(s string) (SetFlag, error) {
	for _, fs := range setFlagStrings {
		if fs.name == s {
			return fs.flag, nil
		}
	}
	return 0, newError(CodeInvalidArgument, "unknown set flag %q", s)
}

// SetDesc describes a set to create.
type SetDesc struct {
	// Name is the name of the set, unique within its table.
	Name string

	// Flags are the flags of the set.
	Flags SetFlag

	// KeyType is the nft datatype of the keys (informational).
	KeyType uint32

	// KeyLen is the length in bytes of the keys.
	KeyLen int

	// DataType is the kind of data mapped to by a map.
	DataType DataType

	// DataLen is the length of the mapped values. Zero for verdict maps and
	// membership sets.
	DataLen int

	// Size is the expected number of elements, zero if unknown.
	Size int

	// Backend optionally names the backend to use instead of selecting one by
	// features.
	Backend string
}

// isVerdictMap returns whether the set maps keys to verdicts.
func (d *SetDesc) isVerdictMap() bool {
	return d.Flags&SetFlagMap != 0 && d.DataType == DataVerdict
}

// validateSetDesc ensures the declared key and data types are usable.
func validateSetDesc(desc *SetDesc) error {
	if desc.Name == "" {
		return newError(CodeInvalidArgument, "set name cannot be empty")
	}
	if desc.KeyLen <= 0 || desc.KeyLen > RegisterSize {
		return newError(CodeInvalidLength, "set %s: key length %d not in [1, %d]", desc.Name, desc.KeyLen, RegisterSize)
	}
	if desc.Flags&SetFlagMap == 0 {
		if desc.DataLen != 0 {
			return newError(CodeInvalidArgument, "set %s: data length given for a set that is not a map", desc.Name)
		}
		return nil
	}
	switch desc.DataType {
	case DataValue:
		if desc.DataLen <= 0 || desc.DataLen > RegisterSize {
			return newError(CodeInvalidLength, "map %s: data length %d not in [1, %d]", desc.Name, desc.DataLen, RegisterSize)
		}
	case DataVerdict:
		if desc.DataLen != 0 && desc.DataLen != verdictPayloadLen {
			return newError(CodeInvalidLength, "map %s: verdict data length must be %d", desc.Name, verdictPayloadLen)
		}
		desc.DataLen = verdictPayloadLen
	default:
		return newError(CodeInvalidKind, "map %s: unknown data kind %d", desc.Name, int(desc.DataType))
	}
	return nil
}

// SetElemFlag is a flag of a set element (enum nft_set_elem_flags).
type SetElemFlag uint32

const (
	// SetElemIntervalEnd marks the element closing an interval.
	SetElemIntervalEnd SetElemFlag = 1 << iota
)

// SetElem is an element of a set: a key, the data it maps to (maps only),
// flags and an opaque backend cookie. Elements are immutable once inserted.
type SetElem struct {
	Key    Data
	Data   Data
	Flags  SetElemFlag
	Cookie any
}

// IsIntervalEnd returns whether the element closes an interval.
func (e *SetElem) IsIntervalEnd() bool {
	return e.Flags&SetElemIntervalEnd != 0
}

// SetIter walks the elements of a set. The first Skip elements are ignored,
// Count is the number of elements visited so far, and a non-nil error
// returned by Fn stops the walk and is stored in Err.
type SetIter struct {
	Skip  uint
	Count uint
	Err   error
	Fn    func(ctx *Context, set *Set, iter *SetIter, elem *SetElem) error
}

// visit applies the iterator to one element, returning false once the walk
// must stop. Backends call it for every element in their order.
func (iter *SetIter) visit(ctx *Context, set *Set, elem *SetElem) bool {
	if iter.Count < iter.Skip {
		iter.Count++
		return true
	}
	if err := iter.Fn(ctx, set, iter, elem); err != nil {
		iter.Err = err
		return false
	}
	iter.Count++
	return true
}

// SetBackend is the storage of a set. Lookup may be called concurrently with
// itself and with one administrative operation (Insert, Remove, Walk, Get).
// Elements returned by Lookup must be fully constructed.
type SetBackend interface {
	// Lookup returns the element matching key.
	Lookup(key *Data) (*SetElem, bool)

	// Get returns the element with exactly the given key and interval-end
	// flag, including its backend cookie.
	Get(key *Data, flags SetElemFlag) (*SetElem, error)

	// Insert adds elem, failing with ErrExists if an element with the same
	// key and flags is present.
	Insert(elem *SetElem) error

	// Remove removes the element returned by Get.
	Remove(elem *SetElem)

	// Walk visits all elements in backend order.
	Walk(ctx *Context, set *Set, iter *SetIter)

	// Len returns the number of elements.
	Len() int

	// Destroy releases the backend. It runs after the grace period that
	// followed the set's removal.
	Destroy()
}

// SetBackendType describes a set backend implementation.
type SetBackendType struct {
	// Name is the name of the backend.
	Name string

	// Features are the set flags the backend supports (interval, map).
	Features SetFlag

	// PrivSize returns the estimated memory used by a set with the given
	// description.
	PrivSize func(desc *SetDesc) int

	// Supports returns whether the backend can store sets with the given
	// description, or nil if all are supported.
	Supports func(desc *SetDesc) bool

	// New creates the storage for a set.
	New func(desc *SetDesc) (SetBackend, error)
}

// setBackends is the registry of set backends in selection order.
var setBackends = struct {
	mu    sync.Mutex
	types []*SetBackendType
}{}

// RegisterSetBackend adds a backend to the registry. Backends registered first
// are preferred when several support a set.
func RegisterSetBackend(t *SetBackendType) error {
	if t == nil || t.Name == "" || t.New == nil || t.PrivSize == nil {
		return newError(CodeInvalidArgument, "incomplete set backend type")
	}
	setBackends.mu.Lock()
	defer setBackends.mu.Unlock()
	for _, other := range setBackends.types {
		if other.Name == t.Name {
			return newError(CodeExists, "set backend %s already registered", t.Name)
		}
	}
	setBackends.types = append(setBackends.types, t)
	return nil
}

// mustRegisterSetBackend registers a built-in set backend.
func mustRegisterSetBackend(t *SetBackendType) {
	if err := RegisterSetBackend(t); err != nil {
		panic(err)
	}
}

// selectSetBackend returns the backend to use for desc. From
// net/netfilter/nf_tables_api.c:nft_select_set_ops.
func selectSetBackend(desc *SetDesc) (*SetBackendType, error) {
	setBackends.mu.Lock()
	defer setBackends.mu.Unlock()
	features := desc.Flags & setFeatureMask
	for _, t := range setBackends.types {
		if desc.Backend != "" && t.Name != desc.Backend {
			continue
		}
		if t.Features&features != features {
			continue
		}
		if t.Supports != nil && !t.Supports(desc) {
			continue
		}
		return t, nil
	}
	if desc.Backend != "" {
		return nil, newError(CodeNotSupported, "set backend %s cannot store set %s", desc.Backend, desc.Name)
	}
	return nil, newError(CodeNotSupported, "no set backend supports set %s with flags %s", desc.Name, desc.Flags)
}

// SetBinding records that a chain references a set through an expression, and
// how the expression uses the set.
type SetBinding struct {
	// Chain is the chain of the rule holding the referencing expression.
	Chain *Chain

	// KeyLen is the length of the keys the expression looks up.
	KeyLen int

	// Dreg is the register the expression stores mapped data in, if HasDreg.
	Dreg    Register
	HasDreg bool
}

// Set represents a named key to value container referenced by expressions.
type Set struct {
	name    string
	table   *Table
	handle  uint64
	desc    SetDesc
	ops     *SetBackendType
	backend SetBackend

	// bindings are the expressions currently referencing the set.
	// Note: protected by the administrative lock.
	bindings []*SetBinding

	// userData is the user-specified metadata for the set.
	userData []byte
}

// GetName returns the name of the set.
func (s *Set) GetName() string {
	return s.name
}

// GetTable returns the table of the set.
func (s *Set) GetTable() *Table {
	return s.table
}

// GetHandle returns the handle of the set.
func (s *Set) GetHandle() uint64 {
	return s.handle
}

// GetDesc returns the description of the set.
func (s *Set) GetDesc() SetDesc {
	return s.desc
}

// GetBackendName returns the name of the backend storing the set.
func (s *Set) GetBackendName() string {
	return s.ops.Name
}

// GetUse returns the number of bindings of the set.
func (s *Set) GetUse() int {
	return len(s.bindings)
}

// Len returns the number of elements of the set.
func (s *Set) Len() int {
	return s.backend.Len()
}

// MemoryEstimate returns the estimated memory used by the set storage.
func (s *Set) MemoryEstimate() int {
	desc := s.desc
	desc.Size = max(desc.Size, s.backend.Len())
	return s.ops.PrivSize(&desc)
}

// Lookup returns the data mapped to key, and whether key is in the set. The
// returned data must not be modified.
func (s *Set) Lookup(key *Data) (*Data, bool) {
	elem, ok := s.backend.Lookup(key)
	if !ok {
		return nil, false
	}
	return &elem.Data, true
}

// Get returns the element with the given key.
func (s *Set) Get(key *Data, flags SetElemFlag) (*SetElem, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	return s.backend.Get(key, flags)
}

// Walk visits every element of the set in backend order.
func (s *Set) Walk(ctx *Context, iter *SetIter) {
	s.backend.Walk(ctx, s, iter)
}

// validateKey ensures key matches the declared key type of the set.
func (s *Set) validateKey(key *Data) error {
	if key.kind != DataValue || key.Len() != s.desc.KeyLen {
		return newError(CodeTypeMismatch, "set %s: key of %d bytes, want %d", s.name, key.Len(), s.desc.KeyLen)
	}
	return nil
}

// validateElem ensures elem matches the declared types of the set.
func (s *Set) validateElem(elem *SetElem) error {
	if err := s.validateKey(&elem.Key); err != nil {
		return err
	}
	if elem.IsIntervalEnd() {
		if s.desc.Flags&SetFlagInterval == 0 {
			return newError(CodeInvalidArgument, "set %s: interval end in a set without intervals", s.name)
		}
		if elem.Data.len != 0 {
			return newError(CodeTypeMismatch, "set %s: interval end cannot carry data", s.name)
		}
		return nil
	}
	if s.desc.Flags&SetFlagMap == 0 {
		if elem.Data.len != 0 {
			return newError(CodeTypeMismatch, "set %s: data given for a set that is not a map", s.name)
		}
		return nil
	}
	if elem.Data.kind != s.desc.DataType || elem.Data.Len() != s.desc.DataLen {
		return newError(CodeTypeMismatch, "map %s: %s data of %d bytes, want %s data of %d bytes", s.name, elem.Data.kind, elem.Data.Len(), s.desc.DataType, s.desc.DataLen)
	}
	return nil
}

// elemTarget returns the chain targeted by a verdict map element, or nil.
func (s *Set) elemTarget(elem *SetElem) *Chain {
	if !s.desc.isVerdictMap() || elem.IsIntervalEnd() {
		return nil
	}
	switch elem.Data.verdict.Code {
	case VerdictJump, VerdictGoto:
		return s.table.afFilter.nf.chains.lookup(elem.Data.verdict.Chain)
	}
	return nil
}

// jumpTargets calls fn for every chain targeted by the elements of a verdict
// map.
func (s *Set) jumpTargets(fn func(*Chain)) {
	if !s.desc.isVerdictMap() {
		return
	}
	s.Walk(nil, &SetIter{Fn: func(_ *Context, _ *Set, _ *SetIter, elem *SetElem) error {
		if c := s.elemTarget(elem); c != nil {
			fn(c)
		}
		return nil
	}})
}

// insert adds an element after validating it against the set's types and,
// for verdict maps, against the chains the set is bound to.
// Note: must be called with the administrative lock held.
func (s *Set) insert(ctx *Context, elem *SetElem) error {
	if err := s.validateElem(elem); err != nil {
		return err
	}
	if s.desc.Flags&SetFlagConstant != 0 && len(s.bindings) > 0 {
		return newError(CodeBusy, "constant set %s is bound", s.name)
	}
	var target *Chain
	if s.desc.isVerdictMap() && !elem.IsIntervalEnd() {
		if err := validateVerdictCode(elem.Data.verdict.Code); err != nil {
			return err
		}
		switch elem.Data.verdict.Code {
		case VerdictJump, VerdictGoto:
			var err error
			if target, err = s.table.jumpTarget(elem.Data.verdict.Chain); err != nil {
				return err
			}
			edges := make([]chainEdge, 0, len(s.bindings))
			for _, b := range s.bindings {
				edges = append(edges, chainEdge{from: b.Chain, to: target})
			}
			if _, err := s.table.checkLoops(edges...); err != nil {
				return err
			}
		}
	}
	if err := s.backend.Insert(elem); err != nil {
		return err
	}
	if target != nil {
		target.use++
		s.table.updateLevels()
	}
	return nil
}

// remove removes the element with the given key and flags.
// Note: must be called with the administrative lock held.
func (s *Set) remove(ctx *Context, key *Data, flags SetElemFlag) error {
	if s.desc.Flags&SetFlagConstant != 0 && len(s.bindings) > 0 {
		return newError(CodeBusy, "constant set %s is bound", s.name)
	}
	elem, err := s.Get(key, flags)
	if err != nil {
		return err
	}
	s.backend.Remove(elem)
	if target := s.elemTarget(elem); target != nil {
		target.use--
		s.table.updateLevels()
	}
	return nil
}

// Bind validates that the set can be used as described by binding, and
// records the binding. Binding a verdict map checks that the chain can jump to
// every chain targeted by the map.
// Note: must be called with the administrative lock held.
func (s *Set) Bind(ctx *Context, binding *SetBinding) error {
	if binding.Chain == nil || binding.Chain.table != s.table {
		return newError(CodeInvalidArgument, "set %s can only be bound to chains of table %s", s.name, s.table.name)
	}
	if binding.KeyLen != s.desc.KeyLen {
		return newError(CodeTypeMismatch, "set %s: lookup of %d byte keys, set has %d byte keys", s.name, binding.KeyLen, s.desc.KeyLen)
	}
	if binding.HasDreg {
		if s.desc.Flags&SetFlagMap == 0 {
			return newError(CodeInvalidArgument, "set %s is not a map", s.name)
		}
		if err := validateRegister(binding.Dreg, s.desc.DataType, s.desc.DataLen); err != nil {
			return err
		}
	}
	if s.desc.isVerdictMap() {
		var edges []chainEdge
		s.jumpTargets(func(c *Chain) {
			edges = append(edges, chainEdge{from: binding.Chain, to: c})
		})
		if _, err := s.table.checkLoops(edges...); err != nil {
			return err
		}
	}
	s.bindings = append(s.bindings, binding)
	log.Debugf("%s: bound set %s to chain %s", ctx, s.name, binding.Chain.name)
	return nil
}

// Unbind removes a binding recorded by Bind. Anonymous sets are destroyed
// along with their last binding.
// Note: must be called with the administrative lock held.
func (s *Set) Unbind(ctx *Context, binding *SetBinding) {
	i := slices.Index(s.bindings, binding)
	if i < 0 {
		panic(fmt.Sprintf("set %s is not bound to chain %s", s.name, binding.Chain.name))
	}
	s.bindings = slices.Delete(s.bindings, i, i+1)
	log.Debugf("%s: unbound set %s from chain %s", ctx, s.name, binding.Chain.name)
	if len(s.bindings) == 0 && s.desc.Flags&SetFlagAnonymous != 0 {
		if err := s.table.deleteSet(ctx, s); err != nil {
			panic(fmt.Sprintf("failed to destroy anonymous set %s: %v", s.name, err))
		}
	}
}

// releaseElems drops the chain references held by the elements of a verdict
// map.
func (s *Set) releaseElems() {
	s.jumpTargets(func(c *Chain) {
		c.use--
	})
}

func init() {
	// Preferred first: the bitmap only stores small membership sets, and the
	// hash cannot store intervals.
	mustRegisterSetBackend(bitmapSetType)
	mustRegisterSetBackend(hashSetType)
	mustRegisterSetBackend(rbtreeSetType)
}
