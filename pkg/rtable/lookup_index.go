package rtable

import (
	"encoding/binary"
	"hash/fnv"
	"sync/atomic"
)

// tableLocation is one slot of the LookupIndex: the memtable currently
// holding the newest value for whatever key hashed to this slot. A slot
// holding 0 is unoccupied.
type tableLocation struct {
	memtableID atomic.Uint32
}

// LookupIndex is a fixed-size, direct-mapped, lock-free map from a key's
// hash to the id of the memtable most likely to hold its latest value.
// There is no probing: keys whose hashes land on the same slot share it.
// It never rehashes: the table size is fixed at construction, matching
// the original implementation's design. Concurrent Insert/CAS calls never
// block each other; correctness comes entirely from per-slot atomics.
type LookupIndex struct {
	slots []tableLocation
}

// NewLookupIndex builds a LookupIndex with the given fixed slot count.
// size should be chosen generously up front — there is no rehash path.
func NewLookupIndex(size int) *LookupIndex {
	if size <= 0 {
		size = 1
	}
	return &LookupIndex{slots: make([]tableLocation, size)}
}

func (l *LookupIndex) slot(key []byte) *tableLocation {
	h := fnv.New64a()
	h.Write(key)
	idx := h.Sum64() % uint64(len(l.slots))
	return &l.slots[idx]
}

// Lookup returns the memtable id currently recorded for key, or (0, false)
// if the slot is unoccupied.
func (l *LookupIndex) Lookup(key []byte) (uint32, bool) {
	s := l.slot(key)
	v := s.memtableID.Load()
	return v, v != 0
}

// Insert unconditionally records memtableID for key's slot.
func (l *LookupIndex) Insert(key []byte, memtableID uint32) {
	l.slot(key).memtableID.Store(memtableID)
}

// CAS replaces the slot's value with newID only if it currently holds
// oldID, returning whether the swap happened. This is the primitive a
// flush/compaction path uses to retire a memtable's entries without
// clobbering a newer write that landed in between.
func (l *LookupIndex) CAS(key []byte, oldID, newID uint32) bool {
	return l.slot(key).memtableID.CompareAndSwap(oldID, newID)
}

// Encode serializes every occupied slot as a flat little-endian
// (slotIndex uint32, memtableID uint32) pair stream, for checkpointing
// or debugging. Unoccupied slots are omitted.
func (l *LookupIndex) Encode() []byte {
	buf := make([]byte, 0, 8)
	var tmp [8]byte
	for i := range l.slots {
		v := l.slots[i].memtableID.Load()
		if v == 0 {
			continue
		}
		binary.LittleEndian.PutUint32(tmp[0:4], uint32(i))
		binary.LittleEndian.PutUint32(tmp[4:8], v)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// Decode restores slot values previously produced by Encode. The index
// must already be sized to at least the same slot count used at Encode
// time; indices beyond the current size are skipped.
func (l *LookupIndex) Decode(data []byte) {
	for len(data) >= 8 {
		idx := binary.LittleEndian.Uint32(data[0:4])
		v := binary.LittleEndian.Uint32(data[4:8])
		if int(idx) < len(l.slots) {
			l.slots[idx].memtableID.Store(v)
		}
		data = data[8:]
	}
}

// Size returns the fixed slot count.
func (l *LookupIndex) Size() int {
	return len(l.slots)
}
