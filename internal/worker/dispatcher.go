package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"movieanalyzer/internal/metrics"
)

var (
	ErrDispatcherBusy    = errors.New("dispatcher busy, try again later")
	errDispatcherStopped = errors.New("dispatcher stopped")
)

type JobType string

const (
	Analyze JobType = "analyze"
	Ask     JobType = "ask"
	Stop    JobType = "stop"
)

type Job struct {
	Type        JobType
	AnalyzeTask *analyzeTask
	AskTask     *askTask
}

type visitorQueue struct {
	jobs     []Job
	enqueued bool
	running  bool // a job of this visitor is on a worker
}

// Dispatcher hands jobs to pooled workers, round-robin across visitors.
// A visitor never has two jobs running at once, so its chat history stays ordered.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job

	mu        sync.Mutex
	queues    map[int64]*visitorQueue
	ready     *list.List // visitor ids with pending jobs
	positions map[int64]*list.Element

	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		queues:    make(map[int64]*visitorQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		JobQueue:  make(chan Job, queueSize),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager, d.finish)

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking. A full queue yields ErrDispatcherBusy.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return errDispatcherStopped
	default:
	}
	select {
	case d.JobQueue <- job:
		metrics.QueuedJobs.Inc()
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		if d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

// Shutdown stops dispatching. Queued jobs are dropped.
func (d *Dispatcher) Shutdown() {
	d.once.Do(func() {
		close(d.quit)
		d.pool.shutdown()
	})
}

// CancelVisitor drops every queued job of the visitor.
func (d *Dispatcher) CancelVisitor(visitorID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[visitorID]
	if !ok {
		return
	}
	for _, job := range q.jobs {
		job.fail(errors.New("visitor reset"))
		metrics.QueuedJobs.Dec()
	}
	q.jobs = nil
	q.enqueued = false
	if !q.running {
		delete(d.queues, visitorID)
	}
	if elem, ok := d.positions[visitorID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, visitorID)
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	visitorID := job.visitorID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[visitorID]
	if q == nil {
		q = &visitorQueue{}
		d.queues[visitorID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[visitorID] = d.ready.PushBack(visitorID)
}

// dispatchOne sends the next job of the first idle visitor in line to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	for elem := d.ready.Front(); elem != nil; elem = elem.Next() {
		visitorID := elem.Value.(int64)
		q := d.queues[visitorID]
		if q.running {
			continue
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.running = true
		if len(q.jobs) == 0 {
			q.enqueued = false
			d.ready.Remove(elem)
			delete(d.positions, visitorID)
		} else {
			d.ready.MoveToBack(elem)
		}
		d.mu.Unlock()
		metrics.QueuedJobs.Dec()

		workerChan := d.pool.acquire()
		if workerChan == nil {
			job.fail(errDispatcherStopped)
			d.finish(visitorID)
			return false
		}
		debugLog("[dispatcher] assign %s job of visitor %d to worker-%d", job.Type, visitorID, d.pool.workerID(workerChan))
		workerChan <- job
		return true
	}
	d.mu.Unlock()
	return false
}

// finish marks the visitor idle once its job has completed.
func (d *Dispatcher) finish(visitorID int64) {
	d.mu.Lock()
	if q, ok := d.queues[visitorID]; ok {
		q.running = false
		if len(q.jobs) == 0 && !q.enqueued {
			delete(d.queues, visitorID)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (job Job) visitorID() int64 {
	switch job.Type {
	case Analyze:
		return job.AnalyzeTask.req.VisitorID
	case Ask:
		return job.AskTask.req.VisitorID
	default:
		return 0
	}
}

func (job Job) fail(err error) {
	switch job.Type {
	case Analyze:
		job.AnalyzeTask.resultCh <- workerReturn{err: err}
	case Ask:
		job.AskTask.resultCh <- workerReturn{err: err}
	}
}
