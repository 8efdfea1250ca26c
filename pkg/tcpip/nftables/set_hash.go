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
	"slices"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

const (
	// hashMinBuckets is the initial number of buckets of a hash set.
	hashMinBuckets = 16

	// hashMaxLoad is the average bucket length that triggers a resize.
	hashMaxLoad = 2
)

// hashSetType stores sets and maps with exact-match keys in a resizable hash
// table. From net/netfilter/nft_set_hash.c.
var hashSetType = &SetBackendType{
	Name:     "hash",
	Features: SetFlagMap,
	PrivSize: func(desc *SetDesc) int {
		n := max(desc.Size, hashMinBuckets)
		return hashBuckets(n)*int(unsafe.Sizeof(atomic.Pointer[[]*SetElem]{})) + n*int(unsafe.Sizeof(SetElem{}))
	},
	New: func(desc *SetDesc) (SetBackend, error) {
		s := &hashSet{klen: desc.KeyLen}
		s.table.Store(newHashTable(hashBuckets(desc.Size)))
		return s, nil
	},
}

// hashBuckets returns the number of buckets for n elements.
func hashBuckets(n int) int {
	b := hashMinBuckets
	for b*hashMaxLoad < n {
		b *= 2
	}
	return b
}

// hashTable is a generation of the buckets of a hash set. Each bucket is an
// immutable slice replaced on update.
type hashTable struct {
	buckets []atomic.Pointer[[]*SetElem]
}

func newHashTable(n int) *hashTable {
	return &hashTable{buckets: make([]atomic.Pointer[[]*SetElem], n)}
}

// bucket returns the bucket of a key.
func (t *hashTable) bucket(key []byte) *atomic.Pointer[[]*SetElem] {
	return &t.buckets[xxhash.Sum64(key)&uint64(len(t.buckets)-1)]
}

// find returns the element with the given key in the table.
func (t *hashTable) find(key []byte) (*SetElem, bool) {
	b := t.bucket(key).Load()
	if b == nil {
		return nil, false
	}
	for _, elem := range *b {
		if string(elem.Key.Bytes()) == string(key) {
			return elem, true
		}
	}
	return nil, false
}

// add adds elem to its bucket.
func (t *hashTable) add(elem *SetElem) {
	bp := t.bucket(elem.Key.Bytes())
	var b []*SetElem
	if old := bp.Load(); old != nil {
		b = slices.Clone(*old)
	}
	b = append(b, elem)
	bp.Store(&b)
}

// hashSet is a set backend storing elements in a hash table. Readers find the
// current table through an atomic pointer; resizes publish a new table.
type hashSet struct {
	klen  int
	table atomic.Pointer[hashTable]

	// count is the number of elements.
	// Note: protected by the administrative lock.
	count int
}

// key returns the bytes of key used for hashing.
func (s *hashSet) key(key *Data) []byte {
	return key.raw[:s.klen]
}

// Lookup implements SetBackend.Lookup.
func (s *hashSet) Lookup(key *Data) (*SetElem, bool) {
	return s.table.Load().find(s.key(key))
}

// Get implements SetBackend.Get.
func (s *hashSet) Get(key *Data, flags SetElemFlag) (*SetElem, error) {
	if elem, ok := s.Lookup(key); ok && flags == 0 {
		return elem, nil
	}
	return nil, newError(CodeNotFound, "element %s not found", key)
}

// Insert implements SetBackend.Insert.
func (s *hashSet) Insert(elem *SetElem) error {
	t := s.table.Load()
	if _, ok := t.find(s.key(&elem.Key)); ok {
		return newError(CodeExists, "element %s already exists", &elem.Key)
	}
	elem = &SetElem{Key: elem.Key, Data: elem.Data, Flags: elem.Flags, Cookie: elem.Cookie}
	if s.count+1 > len(t.buckets)*hashMaxLoad {
		s.resize(len(t.buckets) * 2)
		t = s.table.Load()
	}
	t.add(elem)
	s.count++
	return nil
}

// resize publishes a table with n buckets holding all elements.
func (s *hashSet) resize(n int) {
	old := s.table.Load()
	t := newHashTable(n)
	for i := range old.buckets {
		if b := old.buckets[i].Load(); b != nil {
			for _, elem := range *b {
				t.add(elem)
			}
		}
	}
	s.table.Store(t)
}

// Remove implements SetBackend.Remove.
func (s *hashSet) Remove(elem *SetElem) {
	bp := s.table.Load().bucket(s.key(&elem.Key))
	old := bp.Load()
	if old == nil {
		return
	}
	b := slices.DeleteFunc(slices.Clone(*old), func(other *SetElem) bool {
		return other == elem
	})
	if len(b) == len(*old) {
		return
	}
	bp.Store(&b)
	s.count--
}

// Walk implements SetBackend.Walk.
func (s *hashSet) Walk(ctx *Context, set *Set, iter *SetIter) {
	t := s.table.Load()
	for i := range t.buckets {
		b := t.buckets[i].Load()
		if b == nil {
			continue
		}
		for _, elem := range *b {
			if !iter.visit(ctx, set, elem) {
				return
			}
		}
	}
}

// Len implements SetBackend.Len.
func (s *hashSet) Len() int {
	return s.count
}

// Destroy implements SetBackend.Destroy.
func (s *hashSet) Destroy() {
	s.table.Store(newHashTable(hashMinBuckets))
	s.count = 0
}
