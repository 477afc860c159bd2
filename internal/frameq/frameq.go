// Package frameq decouples a frame producer from a consumer that may stall.
// The queue keeps the producer path non-blocking and low-latency by
// dropping the oldest queued frame when full.
package frameq

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const slowWriteThreshold = 50 * time.Millisecond

// Sink consumes one frame. A non-nil error terminates the queue's worker.
type Sink func(frame []byte) error

// Queue is a bounded drop-oldest frame queue with a single worker draining
// into the sink.
type Queue struct {
	label string
	log   *zap.Logger
	sink  Sink

	queue chan []byte
	done  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	lastSlowLog atomic.Int64
	lastDropLog atomic.Int64
	dropped     atomic.Uint64
}

// New starts a queue of the given capacity draining into sink.
func New(label string, log *zap.Logger, sink Sink, capacity int) *Queue {
	if sink == nil || capacity <= 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		label: label,
		log:   log,
		sink:  sink,
		queue: make(chan []byte, capacity),
		done:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

// Enqueue offers a frame without blocking. When the queue is full the
// oldest queued frame is dropped to make room.
func (q *Queue) Enqueue(frame []byte) {
	if q == nil || len(frame) == 0 {
		return
	}

	select {
	case <-q.done:
		return
	default:
	}

	select {
	case q.queue <- frame:
		return
	default:
	}

	select {
	case <-q.queue:
		q.noteDrop()
	default:
	}

	select {
	case q.queue <- frame:
	default:
		q.noteDrop()
	}
}

// Dropped reports how many frames the queue has discarded.
func (q *Queue) Dropped() uint64 {
	if q == nil {
		return 0
	}
	return q.dropped.Load()
}

// Close stops the worker and waits for it to exit. Idempotent.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.closeOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
	})
}

func (q *Queue) noteDrop() {
	total := q.dropped.Add(1)
	if shouldLog(&q.lastDropLog, time.Second) {
		q.log.Debug("frame dropped",
			zap.String("queue", q.label),
			zap.Uint64("total", total),
			zap.Int("pending", len(q.queue)))
	}
}

func (q *Queue) loop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			return
		case frame := <-q.queue:
			if len(frame) == 0 {
				continue
			}
			start := time.Now()
			if err := q.sink(frame); err != nil {
				q.log.Debug("sink write failed",
					zap.String("queue", q.label),
					zap.Error(err))
				return
			}
			if d := time.Since(start); d > slowWriteThreshold && shouldLog(&q.lastSlowLog, time.Second) {
				q.log.Debug("slow sink write",
					zap.String("queue", q.label),
					zap.Duration("duration", d),
					zap.Int("bytes", len(frame)),
					zap.Int("pending", len(q.queue)))
			}
		}
	}
}

// shouldLog rate-limits a log site to once per period.
func shouldLog(last *atomic.Int64, period time.Duration) bool {
	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
