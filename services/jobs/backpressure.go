package jobs

import "sync"

// Backpressure bounds the number of queued and running jobs.
type Backpressure struct {
	mu           sync.Mutex
	MaxQueueSize int
	queueLen     int
}

// TryAccept reserves a slot, reporting false when the queue is full.
func (bp *Backpressure) TryAccept() bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if bp.queueLen >= bp.MaxQueueSize {
		return false
	}
	bp.queueLen++
	return true
}

// Release frees a slot.
func (bp *Backpressure) Release() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if bp.queueLen > 0 {
		bp.queueLen--
	}
}

// Len is the number of held slots.
func (bp *Backpressure) Len() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.queueLen
}
