package worker

import "github.com/rs/zerolog/log"

// Job is one unit of work. Jobs sharing a Key run in submission order
// relative to each other and take turns with jobs of other keys.
type Job struct {
	Key  string
	Name string
	Run  func()

	// Dropped, when set, is called instead of Run if the job is cancelled while queued.
	Dropped func()

	stop bool
}

type worker struct {
	id   int
	pool *jobChannelPool
	jobs chan Job
}

func newWorker(id int, pool *jobChannelPool) *worker {
	return &worker{id: id, pool: pool, jobs: make(chan Job)}
}

func (w *worker) start() {
	go func() {
		for job := range w.jobs {
			if job.stop {
				debugLog("[worker-%d] stop", w.id)
				w.pool.retire(w.jobs)
				return
			}
			w.run(job)
			if !w.pool.release(w.jobs) {
				w.pool.retire(w.jobs)
				return
			}
		}
	}()
}

func (w *worker) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job", job.Name).Str("key", job.Key).Msg("worker job panicked")
		}
	}()
	debugLog("[worker-%d] run %s for %s", w.id, job.Name, job.Key)
	job.Run()
}
