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
	"math/bits"
	"sync/atomic"
)

// bitmapSetType stores membership sets with keys of one or two bytes as one
// bit per possible key. From net/netfilter/nft_set_bitmap.c.
var bitmapSetType = &SetBackendType{
	Name: "bitmap",
	PrivSize: func(desc *SetDesc) int {
		return bitmapWords(desc.KeyLen) * 8
	},
	Supports: func(desc *SetDesc) bool {
		return desc.KeyLen <= 2 && desc.Flags&SetFlagMap == 0
	},
	New: func(desc *SetDesc) (SetBackend, error) {
		return &bitmapSet{
			klen:  desc.KeyLen,
			words: make([]atomic.Uint64, bitmapWords(desc.KeyLen)),
		}, nil
	},
}

// bitmapWords returns the number of words needed for keys of klen bytes.
func bitmapWords(klen int) int {
	return (1 << (8 * klen)) / 64
}

// bitmapMember is the element returned by lookups. Bitmap sets hold no data.
var bitmapMember SetElem

// bitmapSet is a set backend storing one bit per possible key.
type bitmapSet struct {
	klen  int
	words []atomic.Uint64

	// count is the number of elements.
	// Note: protected by the administrative lock.
	count int
}

// index returns the word and bit of a key.
func (s *bitmapSet) index(key *Data) (int, uint64) {
	var k int
	for _, b := range key.Bytes()[:s.klen] {
		k = k<<8 | int(b)
	}
	return k / 64, 1 << (k % 64)
}

// Lookup implements SetBackend.Lookup.
func (s *bitmapSet) Lookup(key *Data) (*SetElem, bool) {
	w, bit := s.index(key)
	if s.words[w].Load()&bit == 0 {
		return nil, false
	}
	return &bitmapMember, true
}

// Get implements SetBackend.Get.
func (s *bitmapSet) Get(key *Data, flags SetElemFlag) (*SetElem, error) {
	if _, ok := s.Lookup(key); !ok || flags != 0 {
		return nil, newError(CodeNotFound, "element %s not found", key)
	}
	return &SetElem{Key: *key}, nil
}

// Insert implements SetBackend.Insert.
func (s *bitmapSet) Insert(elem *SetElem) error {
	w, bit := s.index(&elem.Key)
	if s.words[w].Load()&bit != 0 {
		return newError(CodeExists, "element %s already exists", &elem.Key)
	}
	s.words[w].Or(bit)
	s.count++
	return nil
}

// Remove implements SetBackend.Remove.
func (s *bitmapSet) Remove(elem *SetElem) {
	w, bit := s.index(&elem.Key)
	if s.words[w].And(^bit)&bit != 0 {
		s.count--
	}
}

// Walk implements SetBackend.Walk.
func (s *bitmapSet) Walk(ctx *Context, set *Set, iter *SetIter) {
	for w := range s.words {
		word := s.words[w].Load()
		for word != 0 {
			k := w*64 + bits.TrailingZeros64(word)
			word &= word - 1
			var key [2]byte
			if s.klen == 1 {
				key[0] = byte(k)
			} else {
				key[0], key[1] = byte(k>>8), byte(k)
			}
			d, _ := NewValueData(key[:s.klen])
			if !iter.visit(ctx, set, &SetElem{Key: d}) {
				return
			}
		}
	}
}

// Len implements SetBackend.Len.
func (s *bitmapSet) Len() int {
	return s.count
}

// Destroy implements SetBackend.Destroy.
func (s *bitmapSet) Destroy() {
	s.words = nil
}
