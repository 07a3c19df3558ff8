package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rangeops/rangehub/internal/clock"
	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/distlock"
)

// DefaultMisfireGrace is how late a one-shot may fire before it is dropped
// instead of executed.
const DefaultMisfireGrace = 300 * time.Second

// jobLockTTL bounds how long a cross-process job lock can outlive a crashed
// holder.
const jobLockTTL = 10 * time.Minute

// JobFunc is the body of a scheduled job. The context is cancelled when the
// scheduler stops; long jobs should honor it.
type JobFunc func(ctx context.Context) error

type job struct {
	id        string
	name      string
	trigger   Trigger
	fn        JobFunc
	next      time.Time
	running   bool
	oneShot   bool
	exclusive bool
	lastRun   *time.Time
}

// Scheduler runs registered jobs inside one worker process. Policies per
// job: missed firings collapse into one (next fire is computed from the
// actual fire time), at most one instance runs at a time (a due job that is
// still running is skipped), and a one-shot later than the misfire grace is
// dropped. Stop cancels the job context and waits for in-flight runs.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}

	clk          clock.Clock
	locks        *distlock.Factory
	misfireGrace time.Duration

	status      *StatusStore
	serviceName string
	hbInterval  time.Duration

	fired   int64
	skipped int64
	failed  int64
}

// New creates a scheduler with no jobs registered.
func New() *Scheduler {
	return &Scheduler{
		jobs:         make(map[string]*job),
		wake:         make(chan struct{}, 1),
		clk:          clock.System(),
		misfireGrace: DefaultMisfireGrace,
		hbInterval:   60 * time.Second,
	}
}

// SetClock replaces the wall clock (tests).
func (s *Scheduler) SetClock(clk clock.Clock) { s.clk = clk }

// SetMisfireGrace overrides the one-shot misfire grace.
func (s *Scheduler) SetMisfireGrace(d time.Duration) { s.misfireGrace = d }

// SetLockFactory enables cross-process exclusivity for jobs registered with
// RegisterExclusive. A nil factory mints no-op locks.
func (s *Scheduler) SetLockFactory(f *distlock.Factory) { s.locks = f }

// SetHeartbeat attaches a status store; while running, the scheduler
// upserts its job table under serviceName at the given interval.
func (s *Scheduler) SetHeartbeat(store *StatusStore, serviceName string, interval time.Duration) {
	s.status = store
	s.serviceName = serviceName
	if interval > 0 {
		s.hbInterval = interval
	}
}

// Register adds or replaces a job by id. Replacing a job whose previous
// registration is mid-run lets the in-flight run finish; the new
// registration owns the schedule from now on.
func (s *Scheduler) Register(jobID, name string, trg Trigger, fn JobFunc) {
	s.register(jobID, name, trg, fn, false)
}

// RegisterExclusive is Register plus a cross-process lock per firing, for
// jobs that must not run on two worker processes at once.
func (s *Scheduler) RegisterExclusive(jobID, name string, trg Trigger, fn JobFunc) {
	s.register(jobID, name, trg, fn, true)
}

// RegisterOneShot schedules fn to run once at runAt. A second registration
// with the same id replaces the pending one, so rapid re-registrations
// collapse into a single run at the latest requested time.
func (s *Scheduler) RegisterOneShot(jobID, name string, runAt time.Time, fn JobFunc) {
	s.register(jobID, name, At(runAt), fn, false)
}

func (s *Scheduler) register(jobID, name string, trg Trigger, fn JobFunc, exclusive bool) {
	now := s.clk.Now()
	j := &job{id: jobID, name: name, trigger: trg, fn: fn, exclusive: exclusive}
	if os, ok := trg.(fireAtTrigger); ok {
		j.oneShot = true
		j.next = os.fireAt()
	} else {
		j.next = trg.Next(now)
	}

	s.mu.Lock()
	if prev, ok := s.jobs[jobID]; ok && prev.running {
		// Keep the running flag so max-one-instance still holds across
		// the replacement.
		j.running = true
	}
	s.jobs[jobID] = j
	s.mu.Unlock()

	log.Printf("[Scheduler] Registered job %s (%s, %s)", jobID, name, trg)
	s.poke()
}

// Unregister removes a job. A run already in flight finishes.
func (s *Scheduler) Unregister(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
	s.poke()
}

// Start launches the scheduling loop. Returns an error if already running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	n := len(s.jobs)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()

	if s.status != nil {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}

	log.Printf("[Scheduler] Started with %d jobs", n)
	return nil
}

// Stop cancels the job context and blocks until in-flight runs return.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if s.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.status.Upsert(ctx, s.serviceName, false, s.Jobs(), s.clk.Now()); err != nil {
			log.Printf("[Scheduler] Final heartbeat failed: %v", err)
		}
	}

	log.Printf("[Scheduler] Stopped (fired=%d skipped=%d failed=%d)",
		atomic.LoadInt64(&s.fired), atomic.LoadInt64(&s.skipped), atomic.LoadInt64(&s.failed))
}

// Jobs returns a snapshot of registered jobs sorted by id.
func (s *Scheduler) Jobs() []domain.JobDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.JobDescriptor, 0, len(s.jobs))
	for _, j := range s.jobs {
		d := domain.JobDescriptor{ID: j.id, Name: j.name, Trigger: j.trigger.String()}
		if !j.next.IsZero() {
			next := j.next
			d.NextRun = &next
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Stats returns lifetime counters for observability endpoints.
func (s *Scheduler) Stats() map[string]int64 {
	return map[string]int64{
		"fired":   atomic.LoadInt64(&s.fired),
		"skipped": atomic.LoadInt64(&s.skipped),
		"failed":  atomic.LoadInt64(&s.failed),
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		next, ok := s.earliestNext()

		var timer *time.Timer
		var fire <-chan time.Time
		if ok {
			d := next.Sub(s.clk.Now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			fire = timer.C
		}

		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			s.fireDue()
		}
	}
}

func (s *Scheduler) earliestNext() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time
	for _, j := range s.jobs {
		// A running job's deferred fire time is revisited when the run
		// finishes; waking for it now would spin the loop.
		if j.next.IsZero() || j.running {
			continue
		}
		if earliest.IsZero() || j.next.Before(earliest) {
			earliest = j.next
		}
	}
	return earliest, !earliest.IsZero()
}

// fireDue launches every job whose fire time has arrived. Missed firings
// collapse: the next fire is computed from now, not from the missed slot.
func (s *Scheduler) fireDue() {
	now := s.clk.Now()

	s.mu.Lock()
	var launch []*job
	for id, j := range s.jobs {
		if j.next.IsZero() || j.next.After(now) {
			continue
		}
		if j.oneShot && now.Sub(j.next) > s.misfireGrace {
			log.Printf("[Scheduler] Dropping misfired one-shot %s (due %s)", id, j.next.Format(time.RFC3339))
			delete(s.jobs, id)
			continue
		}
		if j.running {
			// One-shots keep their fire time and run once the in-flight
			// run finishes; recurring jobs collapse into the next slot.
			if !j.oneShot {
				atomic.AddInt64(&s.skipped, 1)
				log.Printf("[Scheduler] Skipping %s: previous run still in progress", id)
				j.next = j.trigger.Next(now)
			}
			continue
		}
		j.running = true
		if j.oneShot {
			j.next = time.Time{}
		} else {
			j.next = j.trigger.Next(now)
		}
		launch = append(launch, j)
	}
	s.mu.Unlock()

	for _, j := range launch {
		s.wg.Add(1)
		go s.runJob(j)
	}
}

func (s *Scheduler) runJob(j *job) {
	defer s.wg.Done()

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if j.exclusive {
		lock := s.locks.Lock("scheduler:job:"+j.id, jobLockTTL)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Scheduler] Lock error for %s: %v", j.id, err)
		}
		if !ok {
			atomic.AddInt64(&s.skipped, 1)
			s.finishJob(j, s.clk.Now())
			return
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				log.Printf("[Scheduler] Lock release error for %s: %v", j.id, err)
			}
		}()
	}

	start := s.clk.Now()
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic: %v", r)
			}
		}()
		runErr = j.fn(ctx)
	}()
	finish := s.clk.Now()

	atomic.AddInt64(&s.fired, 1)
	if runErr != nil {
		atomic.AddInt64(&s.failed, 1)
		log.Printf("[Scheduler] Job %s failed after %s: %v", j.id, finish.Sub(start), runErr)
	}

	s.finishJob(j, finish)
}

// finishJob clears the running mark for the job id. A replacement
// registered mid-run inherits the flag, so clearing by id keeps the
// at-most-one-instance guarantee across replacements. Exhausted one-shots
// are removed, and the loop is poked so a fire time deferred behind this
// run is picked up immediately.
func (s *Scheduler) finishJob(j *job, at time.Time) {
	s.mu.Lock()
	if cur, ok := s.jobs[j.id]; ok {
		cur.running = false
		cur.lastRun = &at
		if cur.next.IsZero() {
			delete(s.jobs, j.id)
		}
	}
	s.mu.Unlock()
	s.poke()
}
