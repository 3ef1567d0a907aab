// Package httpapi wires the nDB public API to an HTTP surface for the
// ndbserver demo binary.
package httpapi

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ndblabs/ndb"
)

// JobStatus tracks the lifecycle of an asynchronously queued insert.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is a single queued insert, tracked so a caller can poll for its
// outcome after the HTTP request that submitted it has returned.
type Job struct {
	ID        string
	Status    JobStatus
	Err       string
	CreatedAt time.Time

	collection string
	docID      string
	vector     []float32
	payload    map[string]any
}

// insertTask pairs a job with the collection it targets.
type insertTask struct {
	job  *Job
	coll *ndb.Collection
}

// IngestQueue asynchronously applies inserts against nDB collections so an
// HTTP ingest handler can return before the write durably lands. Jobs are
// tracked by ID so a client can poll status via the jobs endpoint.
type IngestQueue struct {
	log zerolog.Logger

	tasks chan insertTask

	mu   sync.RWMutex
	jobs map[string]*Job

	wg sync.WaitGroup
}

// NewIngestQueue starts workers workers draining a bounded backlog of queued
// inserts. Call Close to stop accepting new work and drain in-flight jobs.
func NewIngestQueue(workers, backlog int, log zerolog.Logger) *IngestQueue {
	if workers <= 0 {
		workers = 1
	}
	if backlog <= 0 {
		backlog = 64
	}
	q := &IngestQueue{
		log:   log,
		tasks: make(chan insertTask, backlog),
		jobs:  make(map[string]*Job),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *IngestQueue) worker() {
	defer q.wg.Done()
	for t := range q.tasks {
		err := t.coll.Insert(t.job.docID, t.job.vector, t.job.payload)

		q.mu.Lock()
		if err != nil {
			t.job.Status = JobFailed
			t.job.Err = err.Error()
			q.log.Error().Err(err).Str("job", t.job.ID).Msg("queued insert failed")
		} else {
			t.job.Status = JobDone
		}
		q.mu.Unlock()
	}
}

// Enqueue registers a pending job and schedules the insert for a worker to
// pick up. It returns immediately with the job's ID.
func (q *IngestQueue) Enqueue(coll *ndb.Collection, docID string, vector []float32, payload map[string]any) *Job {
	job := &Job{
		ID:         uuid.NewString(),
		Status:     JobPending,
		CreatedAt:  time.Now(),
		collection: coll.Name(),
		docID:      docID,
		vector:     vector,
		payload:    payload,
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	q.tasks <- insertTask{job: job, coll: coll}
	return job
}

// Status returns the current state of a previously enqueued job, or false
// if no job with that ID was ever enqueued.
func (q *IngestQueue) Status(id string) (*Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	j, ok := q.jobs[id]
	return j, ok
}

// Count returns the number of jobs the queue has ever accepted, regardless
// of their current status.
func (q *IngestQueue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.jobs)
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (q *IngestQueue) Close() {
	close(q.tasks)
	q.wg.Wait()
}
