package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/drivelinehq/driveline/common"
)

// Job is one named pipeline run inside a parallel batch.
type Job struct {
	Entity string
	Run    func(ctx context.Context) *Result
}

// ParallelResult aggregates a parallel batch.
type ParallelResult struct {
	Success   bool               `json:"success"`
	Results   map[string]*Result `json:"results"`
	Duration  time.Duration      `json:"duration"`
	Timestamp time.Time          `json:"timestamp"`
}

// Parallel runs a fixed set of single-entity pipelines concurrently
// under a worker cap. One pipeline's failure never touches the others.
type Parallel struct {
	MaxWorkers int

	logger *common.ContextLogger
}

// NewParallel builds a parallel runner; workers below 1 become 1.
func NewParallel(maxWorkers int) *Parallel {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Parallel{
		MaxWorkers: maxWorkers,
		logger:     common.ServiceLogger("pipeline.parallel"),
	}
}

// Run executes every job and gathers their envelopes. A panicking job
// is recorded as a failed result rather than taking the batch down.
func (p *Parallel) Run(ctx context.Context, jobs []Job) *ParallelResult {
	start := time.Now()
	out := &ParallelResult{
		Success:   true,
		Results:   make(map[string]*Result, len(jobs)),
		Timestamp: start.UTC(),
	}

	sem := make(chan struct{}, p.MaxWorkers)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result := p.runIsolated(ctx, job)

			mu.Lock()
			out.Results[job.Entity] = result
			if !result.Success {
				out.Success = false
			}
			mu.Unlock()
		}(job)
	}
	wg.Wait()

	out.Duration = time.Since(start)
	p.logger.WithFields(map[string]interface{}{
		"jobs":     len(jobs),
		"success":  out.Success,
		"duration": out.Duration.Seconds(),
	}).Info("parallel run complete")
	return out
}

func (p *Parallel) runIsolated(ctx context.Context, job Job) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(map[string]interface{}{
				"entity": job.Entity,
				"panic":  r,
			}).Error("pipeline panicked")
			result = &Result{
				Entity:    job.Entity,
				Error:     "pipeline panicked",
				Timestamp: time.Now().UTC(),
			}
		}
	}()
	return job.Run(ctx)
}
