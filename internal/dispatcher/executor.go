// Package dispatcher adapts the teacher's sharded AcceptorDispatcher
// executor pool (paxos/acceptordispatcher.go) into a single, unsharded
// async executor. The teacher shards by txnId across N executors to
// parallelize independent acceptors; this module's leader state is
// instead serialized behind one global lock (spec.md §5), so sharding
// would only add contention without adding concurrency — one executor,
// used to push disk I/O and other blocking work off the leader's actor
// goroutine, is the right-sized adaptation of the same idiom.
package dispatcher

import "sync"

// Executor runs enqueued work on its own goroutine, off the caller's
// critical section.
type Executor struct {
	work chan func()
	wg   sync.WaitGroup
	done chan struct{}
}

func NewExecutor(queueDepth int) *Executor {
	e := &Executor{
		work: make(chan func(), queueDepth),
		done: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Executor) run() {
	defer e.wg.Done()
	for {
		select {
		case fun, ok := <-e.work:
			if !ok {
				return
			}
			fun()
		case <-e.done:
			return
		}
	}
}

// Enqueue submits fun to run asynchronously. Returns false if the executor
// has been shut down.
func (e *Executor) Enqueue(fun func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.work <- fun:
		return true
	case <-e.done:
		return false
	}
}

// EnqueueFuncAsync submits fun, a piece of work that reports its own
// completion (e.g. a disk write) via the supplied callback, run on the
// executor's goroutine once fun itself returns. This is the shape used by
// the acceptor's "write to disk, then callback into the owning actor"
// pattern.
func (e *Executor) EnqueueFuncAsync(fun func() error, callback func(error)) bool {
	return e.Enqueue(func() { callback(fun()) })
}

// Shutdown stops accepting new work and waits for the in-flight item, if
// any, to finish.
func (e *Executor) Shutdown() {
	close(e.done)
	e.wg.Wait()
}
