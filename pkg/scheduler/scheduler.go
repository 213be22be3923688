package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hanuri/parkpass/pkg/logging"
	"github.com/hanuri/parkpass/pkg/portal"
)

// Runner executes one job against the portal. The production runner
// checks out a browser session; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, job *Job) portal.Result
}

// Vehicle pairs a registered vehicle with its owner's contact
// reference.
type Vehicle struct {
	VehicleID  string
	ContactRef string
}

// VehicleSource enumerates registered vehicles for the batch sweep.
// Backed by the external registry database, which the engine only
// reads.
type VehicleSource interface {
	ListVehiclesWithOwnerContacts(ctx context.Context) ([]Vehicle, error)
}

// ResultSink receives every job outcome. Fire-and-forget: sink
// failures never affect job resolution.
type ResultSink interface {
	OnJobResult(vehicleID, contactRef string, res portal.Result)
}

// Request describes a job to enqueue.
type Request struct {
	VehicleID  string
	ContactRef string
	Kind       Kind
	Priority   int

	// EntryTime is required for CheckFeeOnly jobs.
	EntryTime time.Time
}

// Options configures the scheduler.
type Options struct {
	// SweepAt is the "HH:MM" local time the daily batch sweep fires.
	// Empty disables the sweep.
	SweepAt string

	// PollInterval is the idle wait when the queue is empty.
	PollInterval time.Duration
}

// Scheduler drains a priority queue of discount jobs with a single
// background worker. Enqueueing is concurrent and non-blocking; only
// the dequeue-and-execute step is serialized. Overall browser
// concurrency is bounded by the runtime's session permits, not by the
// worker count, so additional workers can be added without changing
// the queue contract.
type Scheduler struct {
	runner   Runner
	vehicles VehicleSource
	opts     Options
	log      *logging.Logger

	mu    sync.Mutex
	queue jobHeap
	seq   uint64

	sinksMu sync.RWMutex
	sinks   []ResultSink

	// wake coalesces enqueue signals for the idle worker.
	wake chan struct{}

	// lastSweep guards against the sweep double-firing within one
	// minute boundary.
	lastSweep string
}

// New creates a scheduler. Run must be called for jobs to execute.
func New(runner Runner, vehicles VehicleSource, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	log, _ := logging.NewLogger("scheduler")
	return &Scheduler{
		runner:   runner,
		vehicles: vehicles,
		opts:     opts,
		log:      log,
		wake:     make(chan struct{}, 1),
	}
}

// Subscribe registers a result sink.
func (s *Scheduler) Subscribe(sink ResultSink) {
	s.sinksMu.Lock()
	defer s.sinksMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Enqueue adds a job to the queue and returns it immediately. The
// job's Result channel yields exactly one value once the worker has
// processed it.
func (s *Scheduler) Enqueue(req Request) (*Job, error) {
	if req.VehicleID == "" {
		return nil, fmt.Errorf("vehicle id is required")
	}
	if req.Kind == CheckFeeOnly && req.EntryTime.IsZero() {
		return nil, fmt.Errorf("entry time is required for %s jobs", CheckFeeOnly)
	}

	job := &Job{
		ID:         uuid.New(),
		VehicleID:  req.VehicleID,
		ContactRef: req.ContactRef,
		Kind:       req.Kind,
		Priority:   req.Priority,
		EntryTime:  req.EntryTime,
		EnqueuedAt: time.Now(),
		result:     make(chan portal.Result, 1),
	}

	s.mu.Lock()
	job.seq = s.seq
	s.seq++
	heap.Push(&s.queue, job)
	depth := s.queue.Len()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.log.Debugf("enqueued %s job %s for %s (priority=%d, depth=%d)",
		job.Kind, job.ID, job.VehicleID, job.Priority, depth)
	return job, nil
}

// QueueDepth returns how many jobs are waiting.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Run drives the worker loop and the batch-sweep timer until ctx is
// cancelled. Jobs already dequeued run to resolution; jobs still
// queued are resolved as errors before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.workerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.sweepLoop(ctx)
	}()

	wg.Wait()
	s.drain()
}

// drain resolves every job still queued at shutdown so no caller
// blocks forever on a result that will never be produced.
func (s *Scheduler) drain() {
	for job := s.dequeue(); job != nil; job = s.dequeue() {
		res := portal.Result{
			Code:    portal.CodeError,
			Message: "scheduler stopped before job ran",
		}
		job.result <- res
		s.broadcast(job, res)
		s.log.Warnf("job %s (%s) dropped at shutdown", job.ID, job.VehicleID)
	}
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		job := s.dequeue()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-time.After(s.opts.PollInterval):
			}
			continue
		}

		res := s.safeRun(ctx, job)

		// Exactly-once resolution: the channel is buffered and written
		// only here.
		job.result <- res
		s.broadcast(job, res)

		s.log.Infof("job %s (%s, %s): %s - %s",
			job.ID, job.VehicleID, job.Kind, res.Code, res.Message)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Scheduler) dequeue() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&s.queue).(*Job)
}

// safeRun keeps the worker loop alive: a panicking runner becomes an
// error result.
func (s *Scheduler) safeRun(ctx context.Context, job *Job) (res portal.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("job %s panicked: %v", job.ID, r)
			res = portal.Result{
				Code:    portal.CodeError,
				Message: fmt.Sprintf("job panicked: %v", r),
			}
		}
	}()
	return s.runner.Run(ctx, job)
}

// broadcast delivers the result to every sink. Each sink runs behind a
// recover so a misbehaving collaborator cannot affect the worker.
func (s *Scheduler) broadcast(job *Job, res portal.Result) {
	s.sinksMu.RLock()
	sinks := make([]ResultSink, len(s.sinks))
	copy(sinks, s.sinks)
	s.sinksMu.RUnlock()

	for _, sink := range sinks {
		sink := sink
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Warnf("result sink panicked: %v", r)
				}
			}()
			sink.OnJobResult(job.VehicleID, job.ContactRef, res)
		}()
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	if s.opts.SweepAt == "" || s.vehicles == nil {
		return
	}

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.maybeSweep(ctx, now)
		}
	}
}

// maybeSweep fires the batch sweep when the wall clock matches the
// configured minute, at most once per minute boundary.
func (s *Scheduler) maybeSweep(ctx context.Context, now time.Time) {
	if now.Format("15:04") != s.opts.SweepAt {
		return
	}
	stamp := now.Format("2006-01-02 15:04")
	if stamp == s.lastSweep {
		return
	}
	s.lastSweep = stamp

	vehicles, err := s.vehicles.ListVehiclesWithOwnerContacts(ctx)
	if err != nil {
		s.log.Errorf("batch sweep: vehicle listing failed: %v", err)
		return
	}

	s.log.Infof("batch sweep: enqueueing %d vehicles", len(vehicles))
	for _, v := range vehicles {
		if _, err := s.Enqueue(Request{
			VehicleID:  v.VehicleID,
			ContactRef: v.ContactRef,
			Kind:       ApplyDiscount,
			Priority:   PriorityLow,
		}); err != nil {
			s.log.Warnf("batch sweep: failed to enqueue %s: %v", v.VehicleID, err)
		}
	}
}
