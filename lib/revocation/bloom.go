/*
Copyright 2024 Aussie Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package revocation

import (
	"hash/fnv"
	"sync/atomic"
)

// bloomFilter is a fixed-size bloom filter safe for concurrent use.
// Adds and lookups touch the bit array with atomic ops only; rebuilds
// populate a fresh filter and swap it in wholesale, so readers never see
// a partially cleared filter.
type bloomFilter struct {
	bits   []uint64
	m      uint64
	hashes int
}

func newBloomFilter(sizeBits uint64, hashes int) *bloomFilter {
	if sizeBits < 64 {
		sizeBits = 64
	}
	return &bloomFilter{
		bits:   make([]uint64, (sizeBits+63)/64),
		m:      sizeBits,
		hashes: hashes,
	}
}

// indexes derives the k bit positions with double hashing over one
// 64-bit FNV-1a pass: the low and high halves seed index i as h1 + i*h2.
func (f *bloomFilter) indexes(s string, out []uint64) {
	h := fnv.New64a()
	h.Write([]byte(s))
	sum := h.Sum64()
	h1, h2 := sum&0xffffffff, sum>>32
	// An even h2 would cycle through a subset of positions.
	h2 |= 1
	for i := range out {
		out[i] = (h1 + uint64(i)*h2) % f.m
	}
}

func (f *bloomFilter) Add(s string) {
	idx := make([]uint64, f.hashes)
	f.indexes(s, idx)
	for _, pos := range idx {
		atomic.OrUint64(&f.bits[pos/64], 1<<(pos%64))
	}
}

// MaybeContains reports whether s may be in the set; false is definite.
func (f *bloomFilter) MaybeContains(s string) bool {
	idx := make([]uint64, f.hashes)
	f.indexes(s, idx)
	for _, pos := range idx {
		if atomic.LoadUint64(&f.bits[pos/64])&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}
