// Package evolution runs the background jobs that keep the memory substrate
// healthy over time: importance recalibration, link decay, archival, and
// consolidation, per section 4.5. Jobs are triggered by idle detection, a
// cron expression, or a manual request; mutual exclusion is per-kind so a
// slow consolidation run never blocks the next recalibration tick.
package evolution

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// minRunInterval bounds how often runAll may fire back to back, so a burst
// of idle/cron/manual triggers arriving close together collapses into a
// single run instead of queuing up redundant ones.
const minRunInterval = 5 * time.Second

// Job is a single evolution task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler drives a fixed set of jobs against idle detection, a cron
// expression, and on-demand manual triggers.
type Scheduler struct {
	jobs  []Job
	locks map[string]*sync.Mutex

	idle   *IdleDetector
	cron   *cronTrigger
	manual chan struct{}

	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler for the given jobs. idle may be nil to
// disable idle-triggered runs; cronExpr may be empty to disable cron
// triggering.
func NewScheduler(jobs []Job, idle *IdleDetector, cronExpr string) (*Scheduler, error) {
	locks := make(map[string]*sync.Mutex, len(jobs))
	for _, j := range jobs {
		locks[j.Name()] = &sync.Mutex{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:    jobs,
		locks:   locks,
		idle:    idle,
		manual:  make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(minRunInterval), 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	if cronExpr != "" {
		trigger, err := newCronTrigger(cronExpr, s.runAll)
		if err != nil {
			cancel()
			return nil, err
		}
		s.cron = trigger
	}

	return s, nil
}

// Start begins watching for triggers. Safe to call once.
func (s *Scheduler) Start() {
	if s.cron != nil {
		s.cron.Start()
	}
	if s.idle != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchIdle()
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchManual()
	}()
}

// Stop halts all triggers and waits for in-flight job runs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.cron != nil {
		s.cron.Stop()
	}
	s.wg.Wait()
}

// Trigger requests an immediate out-of-band run of every job. Non-blocking:
// if a trigger is already pending it is coalesced into a no-op.
func (s *Scheduler) Trigger() {
	select {
	case s.manual <- struct{}{}:
	default:
	}
}

func (s *Scheduler) watchIdle() {
	for {
		select {
		case <-s.idle.Idle():
			s.runAll(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) watchManual() {
	for {
		select {
		case <-s.manual:
			s.runAll(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// runAll runs every job, each guarded by its own per-kind mutex so a
// still-running job is skipped rather than queued or run concurrently with
// itself.
func (s *Scheduler) runAll(ctx context.Context) {
	if !s.limiter.Allow() {
		log.Printf("[evolution] run suppressed: minimum interval between runs is %s", minRunInterval)
		return
	}
	for _, job := range s.jobs {
		s.runOne(ctx, job)
	}
}

func (s *Scheduler) runOne(ctx context.Context, job Job) {
	lock := s.locks[job.Name()]
	if !lock.TryLock() {
		log.Printf("[evolution] skipping %s: previous run still in progress", job.Name())
		return
	}
	defer lock.Unlock()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		log.Printf("[evolution] job %s failed after %s: %v", job.Name(), time.Since(start), err)
		return
	}
	log.Printf("[evolution] job %s completed in %s", job.Name(), time.Since(start))
}
