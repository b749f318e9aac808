// Package pool recycles the scratch buffers of the denoise pipeline.
//
// A released buffer keeps the fence of the submission that last used it and
// is handed out again only once that fence has signalled. Free buffers are
// kept in LRU order and evicted when an allocation would exceed the budget.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pbnjay/memory"

	"github.com/gogpu/nlmeans/gpucore"
	"github.com/gogpu/nlmeans/internal/barrier"
	"github.com/gogpu/nlmeans/internal/logging"
)

// Pool errors.
var (
	// ErrBudgetExceeded is returned when a buffer cannot fit the budget even
	// after evicting every idle buffer.
	ErrBudgetExceeded = fmt.Errorf("%w: pool budget exceeded", gpucore.ErrResourceAllocation)

	// ErrClosed is returned when operating on a closed pool.
	ErrClosed = errors.New("pool: closed")
)

// Default budgets.
const (
	// DefaultBudget is used when physical memory cannot be determined.
	DefaultBudget = 256 << 20

	// MinBudget is the smallest budget accepted.
	MinBudget = 16 << 20
)

// Kind identifies what a buffer holds.
type Kind uint8

// Buffer kinds.
const (
	KindIntegral Kind = iota
	KindState
	KindWeightSum
)

func (k Kind) String() string {
	switch k {
	case KindIntegral:
		return "integral"
	case KindState:
		return "state"
	case KindWeightSum:
		return "weight-sum"
	}
	return "unknown"
}

// Allocator creates and destroys device buffers.
type Allocator interface {
	CreateBuffer(desc *gpucore.BufferDescriptor) (gpucore.BufferID, error)
	DestroyBuffer(id gpucore.BufferID)
}

// Buffer is a pooled device buffer.
type Buffer struct {
	ID   gpucore.BufferID
	Kind Kind
	Size uint64

	// State is the last recorded use, updated by barrier.Transition.
	State barrier.State

	fence gpucore.Fence
	elem  *list.Element
}

// Stats is a snapshot of pool usage.
type Stats struct {
	BudgetBytes uint64
	UsedBytes   uint64
	Buffers     int
	Free        int
	Allocations uint64
	Reuses      uint64
	Evictions   uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("Pool[%d/%d MB, %d buffers (%d free), %d allocs, %d reuses, %d evictions]",
		s.UsedBytes>>20, s.BudgetBytes>>20, s.Buffers, s.Free, s.Allocations, s.Reuses, s.Evictions)
}

// Config configures a pool.
type Config struct {
	// Budget is the byte limit of all pooled buffers. Zero selects a quarter
	// of physical memory.
	Budget uint64
}

// DefaultBudgetBytes returns a quarter of physical memory, or DefaultBudget
// when it is unknown.
func DefaultBudgetBytes() uint64 {
	total := memory.TotalMemory()
	if total == 0 {
		return DefaultBudget
	}
	return max(total/4, MinBudget)
}

// Pool hands out scratch buffers. Safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	dev    Allocator
	budget uint64
	used   uint64

	// free holds idle buffers, most recently released at the front.
	free  *list.List
	inUse map[*Buffer]struct{}

	allocations uint64
	reuses      uint64
	evictions   uint64
	closed      bool
}

// New returns an empty pool allocating from dev.
func New(dev Allocator, cfg Config) *Pool {
	budget := cfg.Budget
	if budget == 0 {
		budget = DefaultBudgetBytes()
	}
	budget = max(budget, MinBudget)
	return &Pool{
		dev:    dev,
		budget: budget,
		free:   list.New(),
		inUse:  make(map[*Buffer]struct{}),
	}
}

// Acquire returns a buffer of the given kind holding at least size bytes.
// A free buffer is reused once its fence signalled; otherwise a new buffer
// is allocated, evicting idle buffers to stay in budget, or Acquire waits
// for a pending buffer to retire.
func (p *Pool) Acquire(ctx context.Context, kind Kind, size uint64) (*Buffer, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if b := p.reuseLocked(kind, size); b != nil {
			p.mu.Unlock()
			return b, nil
		}
		if size > p.budget {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s buffer of %d bytes exceeds budget %d", ErrBudgetExceeded, kind, size, p.budget)
		}
		p.evictLocked(size)
		if p.used+size <= p.budget {
			b, err := p.allocLocked(kind, size)
			p.mu.Unlock()
			return b, err
		}
		pending := p.pendingLocked()
		p.mu.Unlock()

		if pending == nil {
			return nil, fmt.Errorf("%w: %s buffer of %d bytes, %d bytes in use", ErrBudgetExceeded, kind, size, p.used)
		}
		if err := pending.Wait(ctx); err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// Release returns b to the pool. It becomes reusable once fence signals;
// a nil fence means it is idle now.
func (p *Pool) Release(b *Buffer, fence gpucore.Fence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[b]; !ok {
		return
	}
	delete(p.inUse, b)
	b.fence = fence
	if p.closed {
		p.destroyLocked(b)
		return
	}
	b.elem = p.free.PushFront(b)
}

// Stats returns current usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		BudgetBytes: p.budget,
		UsedBytes:   p.used,
		Buffers:     p.free.Len() + len(p.inUse),
		Free:        p.free.Len(),
		Allocations: p.allocations,
		Reuses:      p.reuses,
		Evictions:   p.evictions,
	}
}

// Close waits for pending fences and destroys every free buffer. Buffers
// still acquired are destroyed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var idle []*Buffer
	for e := p.free.Front(); e != nil; e = e.Next() {
		idle = append(idle, e.Value.(*Buffer))
	}
	p.free.Init()
	p.mu.Unlock()

	for _, b := range idle {
		if b.fence != nil {
			_ = b.fence.Wait(context.Background())
		}
	}

	p.mu.Lock()
	for _, b := range idle {
		p.destroyLocked(b)
	}
	p.mu.Unlock()
}

func (p *Pool) reuseLocked(kind Kind, size uint64) *Buffer {
	for e := p.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buffer)
		if b.Kind != kind || b.Size < size || !idle(b) {
			continue
		}
		p.free.Remove(e)
		b.elem = nil
		b.fence = nil
		// The previous submission finished; nothing is left to order against.
		b.State = barrier.State{}
		p.inUse[b] = struct{}{}
		p.reuses++
		return b
	}
	return nil
}

func (p *Pool) allocLocked(kind Kind, size uint64) (*Buffer, error) {
	id, err := p.dev.CreateBuffer(&gpucore.BufferDescriptor{
		Label: "nlmeans_" + kind.String(),
		Size:  size,
		Usage: gpucore.BufferUsageStorage | gpucore.BufferUsageCopyDst | gpucore.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, err
	}
	b := &Buffer{ID: id, Kind: kind, Size: size}
	p.inUse[b] = struct{}{}
	p.used += size
	p.allocations++
	logging.Logger().Debug("nlmeans: pool allocate", "kind", kind, "size", size, "used", p.used)
	return b, nil
}

// evictLocked destroys idle buffers from the LRU end until size fits.
func (p *Pool) evictLocked(size uint64) {
	for e := p.free.Back(); e != nil && p.used+size > p.budget; {
		prev := e.Prev()
		b := e.Value.(*Buffer)
		if idle(b) {
			p.free.Remove(e)
			p.destroyLocked(b)
			p.evictions++
		}
		e = prev
	}
}

func (p *Pool) pendingLocked() gpucore.Fence {
	for e := p.free.Back(); e != nil; e = e.Prev() {
		if b := e.Value.(*Buffer); !idle(b) {
			return b.fence
		}
	}
	return nil
}

func (p *Pool) destroyLocked(b *Buffer) {
	p.dev.DestroyBuffer(b.ID)
	p.used -= b.Size
	b.elem = nil
}

func idle(b *Buffer) bool { return b.fence == nil || b.fence.Done() }
