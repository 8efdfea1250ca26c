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
	"sync/atomic"
	"unsafe"

	"github.com/google/btree"
)

// rbtreeDegree is the degree of the B-tree storing the elements.
const rbtreeDegree = 8

// rbtreeSetType stores ordered sets, maps and interval sets. From
// net/netfilter/nft_set_rbtree.c; the tree is a copy-on-write B-tree.
var rbtreeSetType = &SetBackendType{
	Name:     "rbtree",
	Features: SetFlagInterval | SetFlagMap,
	PrivSize: func(desc *SetDesc) int {
		return desc.Size * int(unsafe.Sizeof(SetElem{})+unsafe.Sizeof(&SetElem{}))
	},
	New: func(desc *SetDesc) (SetBackend, error) {
		s := &rbtreeSet{
			klen:     desc.KeyLen,
			interval: desc.Flags&SetFlagInterval != 0,
			master:   btree.NewG(rbtreeDegree, rbtreeLess),
		}
		s.publish()
		return s, nil
	},
}

// rbtreeLess orders elements by key, and interval ends before interval starts
// of the same key.
func rbtreeLess(a, b *SetElem) bool {
	if c := CompareData(&a.Key, &b.Key, RegisterSize); c != 0 {
		return c < 0
	}
	return a.IsIntervalEnd() && !b.IsIntervalEnd()
}

// rbtreeSet is a set backend storing elements in key order. Updates modify the
// master tree and publish a clone of it for lookups.
type rbtreeSet struct {
	klen     int
	interval bool

	// master is the tree updated by administrative operations.
	// Note: protected by the administrative lock.
	master *btree.BTreeG[*SetElem]

	// published is the tree read by lookups. It is never modified.
	published atomic.Pointer[btree.BTreeG[*SetElem]]
}

// publish makes the master tree visible to lookups.
func (s *rbtreeSet) publish() {
	s.published.Store(s.master.Clone())
}

// Lookup implements SetBackend.Lookup. In interval sets, a key matches when
// the greatest element not above it starts an interval.
func (s *rbtreeSet) Lookup(key *Data) (*SetElem, bool) {
	pivot := &SetElem{Key: *key}
	var found *SetElem
	s.published.Load().DescendLessOrEqual(pivot, func(elem *SetElem) bool {
		found = elem
		return false
	})
	if found == nil || found.IsIntervalEnd() {
		return nil, false
	}
	if !s.interval && CompareData(&found.Key, key, s.klen) != 0 {
		return nil, false
	}
	return found, true
}

// Get implements SetBackend.Get.
func (s *rbtreeSet) Get(key *Data, flags SetElemFlag) (*SetElem, error) {
	if elem, ok := s.master.Get(&SetElem{Key: *key, Flags: flags}); ok {
		return elem, nil
	}
	return nil, newError(CodeNotFound, "element %s not found", key)
}

// Insert implements SetBackend.Insert.
func (s *rbtreeSet) Insert(elem *SetElem) error {
	if s.master.Has(elem) {
		return newError(CodeExists, "element %s already exists", &elem.Key)
	}
	s.master.ReplaceOrInsert(&SetElem{Key: elem.Key, Data: elem.Data, Flags: elem.Flags, Cookie: elem.Cookie})
	s.publish()
	return nil
}

// Remove implements SetBackend.Remove.
func (s *rbtreeSet) Remove(elem *SetElem) {
	if _, ok := s.master.Delete(elem); ok {
		s.publish()
	}
}

// Walk implements SetBackend.Walk.
func (s *rbtreeSet) Walk(ctx *Context, set *Set, iter *SetIter) {
	s.master.Ascend(func(elem *SetElem) bool {
		return iter.visit(ctx, set, elem)
	})
}

// Len implements SetBackend.Len.
func (s *rbtreeSet) Len() int {
	return s.master.Len()
}

// Destroy implements SetBackend.Destroy.
func (s *rbtreeSet) Destroy() {
	s.master.Clear(false)
}
