package fileengine

import (
	"path/filepath"
	"sync"
)

// Job is one file-copy unit for [Pool.Run].
type Job struct {
	Input    Input
	DestPath string
}

// Result pairs a job's outcome with the record it produced.
type Result struct {
	Job    Job
	Record Record
	Err    error
}

// Pool runs many [Engine.BackupFile] calls with a bounded number of
// concurrent workers, mirroring the fixed-worker-count/channel/WaitGroup
// pattern the teacher uses to parallelize file writes.
type Pool struct {
	engine  *Engine
	workers int
}

// NewPool returns a [Pool] with at most workers concurrent file copies.
// workers <= 0 is treated as 1.
func NewPool(engine *Engine, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}

	return &Pool{engine: engine, workers: workers}
}

// Run copies every job, returning one [Result] per job in the same order
// jobs were given (not necessarily completion order).
func (p *Pool) Run(jobs []Job) []Result {
	results := make([]Result, len(jobs))

	type indexed struct {
		idx int
		job Job
	}

	work := make(chan indexed, p.workers*2)

	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for item := range work {
				rec, err := p.engine.BackupFile(item.job.Input, item.job.DestPath)
				results[item.idx] = Result{Job: item.job, Record: rec, Err: err}
			}
		}()
	}

	for i, job := range jobs {
		work <- indexed{idx: i, job: job}
	}

	close(work)
	wg.Wait()

	return results
}

// DestPathFor joins destRoot with a file's relative path, the convention
// every caller of [Pool.Run] should use to build a [Job.DestPath].
func DestPathFor(destRoot, relPath string) string {
	return filepath.Join(destRoot, relPath)
}
