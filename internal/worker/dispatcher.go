package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	// ErrDispatcherBusy is returned when the intake queue is full.
	ErrDispatcherBusy   = errors.New("dispatcher queue is full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Running int `json:"running"`
	Idle    int `json:"idle"`
	Queued  int `json:"queued"`
}

// Dispatcher feeds submitted jobs to a bounded worker pool. Keys with pending
// jobs are served round robin so a busy key cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job

	mu        sync.Mutex
	queues    map[string]*keyQueue
	ready     *list.List // LRU queue of keys with pending jobs
	positions map[string]*list.Element
	queued    int

	done      chan struct{}
	closeOnce sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(minWorkers, maxWorkers, idleTimeout),
		jobQueue:  make(chan Job, queueSize),
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		done:      make(chan struct{}),
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit hands a job to the dispatcher without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("job has no run func")
	}
	select {
	case <-d.done:
		return ErrDispatcherClosed
	default:
	}
	// pending work is bounded by the intake capacity
	d.mu.Lock()
	full := d.queued+len(d.jobQueue) >= cap(d.jobQueue)
	d.mu.Unlock()
	if full {
		return ErrDispatcherBusy
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// Close stops dispatching. Running jobs finish; queued ones are dropped.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.pool.close()
	})
}

func (d *Dispatcher) Stats() Stats {
	running, idle := d.pool.stats()
	d.mu.Lock()
	queued := d.queued
	d.mu.Unlock()
	return Stats{Running: running, Idle: idle, Queued: queued + len(d.jobQueue)}
}

func (d *Dispatcher) run() {
	for {
		if d.hasReady() {
			// dispatch one job of the key in the front of the LRU queue
			if d.dispatchOne() {
				continue
			}
			// every worker is busy, keep draining intake until one frees up
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.pool.freed:
			case <-d.done:
				return
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) hasReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Len() > 0
}

// Cancel drops every queued job of key. A job already running is not affected.
func (d *Dispatcher) Cancel(key string) {
	d.mu.Lock()
	var dropped []Job
	if q, ok := d.queues[key]; ok {
		dropped = q.jobs
		d.queued -= len(q.jobs)
		delete(d.queues, key)
	}
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
	d.mu.Unlock()

	for _, job := range dropped {
		if job.Dropped != nil {
			job.Dropped()
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	d.queued++
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// dispatchOne hands the next job of the first key in LRU order to a free
// worker. It reports false when no worker is free.
func (d *Dispatcher) dispatchOne() bool {
	workerChan, workerID := d.pool.tryAcquire()
	if workerChan == nil {
		return false
	}

	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		d.pool.release(workerChan)
		return true
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.queued--
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	debugLog("[dispatcher] assign job %s for %s to worker-%d", job.Name, key, workerID)
	workerChan <- job
	return true
}
