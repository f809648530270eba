package rtc

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v3"
)

// CandidateBuffer holds remote candidates that arrive before the remote
// description is set. After Flush it applies candidates directly.
type CandidateBuffer struct {
	mu        sync.Mutex
	pending   deque.Deque[webrtc.ICECandidateInit]
	apply     func(webrtc.ICECandidateInit) error
	flushed   bool
	discarded bool
}

// NewCandidateBuffer returns a buffer that applies candidates with apply.
func NewCandidateBuffer(apply func(webrtc.ICECandidateInit) error) *CandidateBuffer {
	return &CandidateBuffer{apply: apply}
}

// Enqueue stores c until Flush, or applies it immediately once flushed.
// applied reports whether c reached the connection.
func (b *CandidateBuffer) Enqueue(c webrtc.ICECandidateInit) (applied bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discarded {
		return false, nil
	}
	if !b.flushed {
		b.pending.PushBack(c)
		return false, nil
	}
	if err := b.apply(c); err != nil {
		return false, err
	}
	return true, nil
}

// Flush applies buffered candidates in arrival order, exactly once, and
// switches to direct-apply mode. Later calls are no-ops. On error the
// remaining candidates are dropped; the session fails anyway.
func (b *CandidateBuffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed || b.discarded {
		return nil
	}
	b.flushed = true
	for b.pending.Len() > 0 {
		if err := b.apply(b.pending.PopFront()); err != nil {
			b.pending.Clear()
			return err
		}
	}
	return nil
}

// Discard drops anything pending and ignores future candidates.
func (b *CandidateBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discarded = true
	b.pending.Clear()
}

// Len returns the number of candidates waiting for Flush.
func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len()
}

// Flushed reports whether the buffer is in direct-apply mode.
func (b *CandidateBuffer) Flushed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushed
}
