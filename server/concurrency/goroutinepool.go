/******************************************************************************
 *
 *  Description :
 *    Bounded pool of goroutines for running short background tasks such as
 *    writing relayed messages to the database.
 *
 *****************************************************************************/

package concurrency

import "sync"

// Task represents a work task to be run on the specified thread pool.
type Task func()

// GoRoutinePool runs tasks on at most a fixed number of goroutines. Workers are
// started lazily and exit once the pool is stopped and the queue is drained.
type GoRoutinePool struct {
	// Work queue.
	work chan Task
	// Counter to control the number of already allocated/running goroutines.
	sem chan struct{}
	// Exit knob.
	stop chan struct{}

	lock    sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewGoRoutinePool allocates a new thread pool with `numWorkers` goroutines
// and a queue of `queueLen` pending tasks.
func NewGoRoutinePool(numWorkers, queueLen int) *GoRoutinePool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueLen < 0 {
		queueLen = 0
	}
	return &GoRoutinePool{
		work: make(chan Task, queueLen),
		sem:  make(chan struct{}, numWorkers),
		stop: make(chan struct{}),
	}
}

// Schedule enqueues a closure to run on the GoRoutinePool's goroutines.
// Blocks while all workers are busy and the queue is full.
// Returns false if the pool has been stopped.
func (p *GoRoutinePool) Schedule(task Task) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if p.stopped {
		return false
	}
	// Start a new worker while below the limit, otherwise wait for a queue slot.
	select {
	case p.sem <- struct{}{}:
		p.wg.Add(1)
		go p.worker(task)
		return true
	default:
	}
	p.work <- task
	return true
}

// Stop refuses new tasks, lets the workers finish the queued ones and waits for them to exit.
func (p *GoRoutinePool) Stop() {
	p.lock.Lock()
	if p.stopped {
		p.lock.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	p.lock.Unlock()

	p.wg.Wait()
}

// Thread pool worker goroutine.
func (p *GoRoutinePool) worker(task Task) {
	defer func() {
		<-p.sem
		p.wg.Done()
	}()

	for {
		task()
		select {
		case task = <-p.work:
			continue
		default:
		}

		select {
		case task = <-p.work:
		case <-p.stop:
			// Drain whatever is still queued.
			for {
				select {
				case task = <-p.work:
					task()
				default:
					return
				}
			}
		}
	}
}
