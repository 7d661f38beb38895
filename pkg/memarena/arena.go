// Package memarena implements the size-classed buffer pool backing the
// RDMA-facing read/write paths: each dispatcher worker keeps its own
// free lists, so a worker almost never allocates on its hot path once
// warmed up. No pool is shared across workers.
package memarena

import "sync"

// Class is a fixed buffer size class. A request picks the smallest class
// that fits its payload.
type Class int

const (
	Class4K Class = iota
	Class16K
	Class64K
	Class256K
	Class1M
	numClasses
)

var classSizes = [numClasses]int{
	Class4K:   4 << 10,
	Class16K:  16 << 10,
	Class64K:  64 << 10,
	Class256K: 256 << 10,
	Class1M:   1 << 20,
}

// ClassFor returns the smallest size class that can hold n bytes, and
// false if n exceeds the largest class.
func ClassFor(n int) (Class, bool) {
	for c := Class4K; c < numClasses; c++ {
		if n <= classSizes[c] {
			return c, true
		}
	}
	return 0, false
}

// Arena is a pool of size-classed buffers. Each dispatcher worker keeps
// its own Arena as a per-worker free list; an empty class allocates a
// fresh buffer rather than drawing on another Arena.
type Arena struct {
	pools [numClasses]sync.Pool
}

// New builds a fresh Arena. Pools are lazily populated on first Get.
func New() *Arena {
	a := &Arena{}
	for c := Class4K; c < numClasses; c++ {
		size := classSizes[c]
		a.pools[c] = sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		}
	}
	return a
}

// Get returns a full-length, class-sized slice from the given class's
// pool, allocating a fresh one if the pool is empty.
func (a *Arena) Get(c Class) []byte {
	if c < 0 || c >= numClasses {
		panic("memarena: invalid class")
	}
	bufp := a.pools[c].Get().(*[]byte)
	return (*bufp)[:classSizes[c]]
}

// Put returns buf to the pool matching its capacity. Buffers of an
// unrecognized size are dropped rather than pooled, since they didn't
// come from Get.
func (a *Arena) Put(buf []byte) {
	c, ok := ClassFor(cap(buf))
	if !ok || classSizes[c] != cap(buf) {
		return
	}
	b := buf[:cap(buf)]
	a.pools[c].Put(&b)
}
