package channel

import (
	"sync"
	"time"

	"chatcore/internal/domain"
)

// BatchConfig sets the flush thresholds for inbound messages.
type BatchConfig struct {
	MaxBatch   int
	FlushEvery time.Duration
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MaxBatch: 10, FlushEvery: 100 * time.Millisecond}
}

// Batcher groups messages and hands them to flush when MaxBatch is reached
// or FlushEvery has passed since the first pending message. Delivery
// happens under the batcher lock so batches keep receive order.
type Batcher struct {
	config BatchConfig
	flush  func([]*domain.Message)

	mu      sync.Mutex
	pending []*domain.Message
	timer   *time.Timer
	gen     uint64
	closed  bool
}

func NewBatcher(cfg BatchConfig, flush func([]*domain.Message)) *Batcher {
	def := DefaultBatchConfig()
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = def.FlushEvery
	}
	return &Batcher{config: cfg, flush: flush}
}

// Add queues a message. After Close it delivers immediately.
func (b *Batcher) Add(msg *domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.flush([]*domain.Message{msg})
		return
	}

	b.pending = append(b.pending, msg)
	if len(b.pending) >= b.config.MaxBatch {
		b.flushLocked()
		return
	}
	if len(b.pending) == 1 {
		gen := b.gen
		b.timer = time.AfterFunc(b.config.FlushEvery, func() { b.onTimer(gen) })
	}
}

// Flush delivers whatever is pending now.
func (b *Batcher) Flush() {
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
}

// Close flushes and stops the timer.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.flushLocked()
	b.closed = true
	b.mu.Unlock()
}

func (b *Batcher) onTimer(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		return
	}
	b.flushLocked()
}

func (b *Batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = nil
	b.flush(batch)
}
