package dispatch

import (
	"errors"
	"sync"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
)

// Defaults for the worker pool.
const (
	DefaultWorkers    = 300
	DefaultQueueDepth = 1000
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("dispatch: worker pool closed")

// WorkerPool runs jobs on a fixed set of goroutines fed by a bounded
// queue. Submit never blocks: a full queue yields an immediate
// chatmesh.OverloadedError so admission failures surface to callers
// instead of piling up as hidden latency.
type WorkerPool struct {
	queue chan func()
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewWorkerPool starts workers goroutines draining a queue of at most
// queueDepth pending jobs. Non-positive arguments take the defaults.
func NewWorkerPool(workers, queueDepth int) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}

	p := &WorkerPool{
		queue: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.queue:
			job()
		case <-p.done:
			// Drain whatever was admitted before Close.
			for {
				select {
				case job := <-p.queue:
					job()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues a job without blocking.
//
// A full queue returns chatmesh.OverloadedError with the observed
// depth; a closed pool returns ErrPoolClosed.
func (p *WorkerPool) Submit(job func()) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}

	select {
	case p.queue <- job:
		return nil
	default:
		return chatmesh.NewOverloadedError(len(p.queue), cap(p.queue))
	}
}

// Depth returns the number of queued jobs not yet picked up.
func (p *WorkerPool) Depth() int {
	return len(p.queue)
}

// Close stops accepting jobs and waits for admitted jobs to finish.
func (p *WorkerPool) Close() {
	p.once.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}
