package sstable

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// bloomFilter is a table-wide membership filter over user keys. The encoded
// form is the bit array followed by one byte holding the probe count.
type bloomFilter struct {
	bits []byte
	k    uint8
}

// newBloomFilter sizes a filter for n keys at false positive rate p:
// m = -n ln p / (ln 2)^2, k = m/n ln 2.
func newBloomFilter(n int, p float64) *bloomFilter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}

	m := int(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	k = max(1, min(k, 30))

	return &bloomFilter{bits: make([]byte, (m+7)/8), k: uint8(k)}
}

func decodeBloomFilter(data []byte) (*bloomFilter, bool) {
	if len(data) < 2 {
		return nil, false
	}
	k := data[len(data)-1]
	if k == 0 || k > 30 {
		return nil, false
	}
	return &bloomFilter{bits: data[:len(data)-1], k: k}, true
}

func (f *bloomFilter) encode() []byte {
	out := make([]byte, len(f.bits)+1)
	copy(out, f.bits)
	out[len(f.bits)] = f.k
	return out
}

// bloomHash splits a 64-bit FNV-1a hash into the two halves used for double hashing.
func bloomHash(key []byte) (uint32, uint32) {
	h := fnv.New64a()
	h.Write(key)
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], h.Sum64())
	h1 := binary.LittleEndian.Uint32(sum[0:])
	h2 := binary.LittleEndian.Uint32(sum[4:]) | 1
	return h1, h2
}

func (f *bloomFilter) add(key []byte) {
	f.addHash(bloomHash(key))
}

func (f *bloomFilter) addHash(h1, h2 uint32) {
	m := uint32(len(f.bits) * 8)
	for i := uint32(0); i < uint32(f.k); i++ {
		pos := (h1 + i*h2) % m
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

func (f *bloomFilter) mayContain(key []byte) bool {
	m := uint32(len(f.bits) * 8)
	h1, h2 := bloomHash(key)
	for i := uint32(0); i < uint32(f.k); i++ {
		pos := (h1 + i*h2) % m
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}
