package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanuri/parkpass/pkg/portal"
)

// fakeRunner records execution order and returns a canned result.
type fakeRunner struct {
	mu      sync.Mutex
	order   []string
	result  portal.Result
	panicOn string
}

func (f *fakeRunner) Run(ctx context.Context, job *Job) portal.Result {
	f.mu.Lock()
	f.order = append(f.order, job.VehicleID)
	f.mu.Unlock()

	if f.panicOn != "" && job.VehicleID == f.panicOn {
		panic("runner exploded")
	}
	return f.result
}

func (f *fakeRunner) processed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

type fakeVehicles struct {
	vehicles []Vehicle
	err      error
	calls    int
}

func (f *fakeVehicles) ListVehiclesWithOwnerContacts(ctx context.Context) ([]Vehicle, error) {
	f.calls++
	return f.vehicles, f.err
}

func awaitResult(t *testing.T, job *Job) portal.Result {
	t.Helper()
	select {
	case res := <-job.Result():
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s never resolved", job.ID)
		return portal.Result{}
	}
}

func startScheduler(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return cancel
}

func TestPriorityOrdering(t *testing.T) {
	runner := &fakeRunner{result: portal.Result{Code: portal.CodeSuccess}}
	s := New(runner, nil, Options{PollInterval: 10 * time.Millisecond})

	// Enqueued [100, 0, 50]; must be processed [0, 50, 100].
	jobLow, err := s.Enqueue(Request{VehicleID: "low", Priority: PriorityLow})
	require.NoError(t, err)
	jobHigh, err := s.Enqueue(Request{VehicleID: "high", Priority: PriorityHigh})
	require.NoError(t, err)
	jobMed, err := s.Enqueue(Request{VehicleID: "med", Priority: PriorityMedium})
	require.NoError(t, err)

	startScheduler(t, s)

	awaitResult(t, jobLow)
	awaitResult(t, jobHigh)
	awaitResult(t, jobMed)

	assert.Equal(t, []string{"high", "med", "low"}, runner.processed())
}

func TestFIFOTiebreak(t *testing.T) {
	runner := &fakeRunner{result: portal.Result{Code: portal.CodeSuccess}}
	s := New(runner, nil, Options{PollInterval: 10 * time.Millisecond})

	var jobs []*Job
	for _, id := range []string{"first", "second", "third"} {
		job, err := s.Enqueue(Request{VehicleID: id, Priority: PriorityMedium})
		require.NoError(t, err)
		jobs = append(jobs, job)
	}

	startScheduler(t, s)
	for _, job := range jobs {
		awaitResult(t, job)
	}

	assert.Equal(t, []string{"first", "second", "third"}, runner.processed())
}

func TestEveryJobResolvedExactlyOnce(t *testing.T) {
	runner := &fakeRunner{result: portal.Result{Code: portal.CodeNoFeeDue}}
	s := New(runner, nil, Options{PollInterval: 10 * time.Millisecond})
	startScheduler(t, s)

	var jobs []*Job
	for i := 0; i < 20; i++ {
		job, err := s.Enqueue(Request{VehicleID: "car", Priority: PriorityHigh})
		require.NoError(t, err)
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		res := awaitResult(t, job)
		assert.Equal(t, portal.CodeNoFeeDue, res.Code)

		// The channel yields exactly one value.
		select {
		case extra := <-job.Result():
			t.Fatalf("job %s resolved twice: %v", job.ID, extra)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWorkerSurvivesRunnerPanic(t *testing.T) {
	runner := &fakeRunner{
		result:  portal.Result{Code: portal.CodeSuccess},
		panicOn: "bad",
	}
	s := New(runner, nil, Options{PollInterval: 10 * time.Millisecond})
	startScheduler(t, s)

	bad, err := s.Enqueue(Request{VehicleID: "bad", Priority: PriorityHigh})
	require.NoError(t, err)
	good, err := s.Enqueue(Request{VehicleID: "good", Priority: PriorityMedium})
	require.NoError(t, err)

	res := awaitResult(t, bad)
	assert.Equal(t, portal.CodeError, res.Code)
	assert.Contains(t, res.Message, "panicked")

	// The worker keeps going after the panic.
	res = awaitResult(t, good)
	assert.Equal(t, portal.CodeSuccess, res.Code)
}

type recordingSink struct {
	mu      sync.Mutex
	results []portal.Result
	done    chan struct{}
	panics  bool
}

func (r *recordingSink) OnJobResult(vehicleID, contactRef string, res portal.Result) {
	if r.panics {
		panic("sink exploded")
	}
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
}

func TestResultBroadcastToSinks(t *testing.T) {
	runner := &fakeRunner{result: portal.Result{Code: portal.CodeSuccess, Message: "fee 5000 -> 0"}}
	s := New(runner, nil, Options{PollInterval: 10 * time.Millisecond})

	sink := &recordingSink{done: make(chan struct{}, 1)}
	s.Subscribe(&recordingSink{panics: true, done: make(chan struct{}, 1)}) // must not interfere
	s.Subscribe(sink)

	startScheduler(t, s)

	job, err := s.Enqueue(Request{VehicleID: "car", ContactRef: "room-101", Priority: PriorityHigh})
	require.NoError(t, err)
	awaitResult(t, job)

	select {
	case <-sink.done:
	case <-time.After(5 * time.Second):
		t.Fatal("sink never received the result")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.results, 1)
	assert.Equal(t, "fee 5000 -> 0", sink.results[0].Message)
}

// gateRunner blocks inside the first job until released, so tests can
// cancel the scheduler with jobs still queued behind it.
type gateRunner struct {
	started chan string
	release chan struct{}
}

func (g *gateRunner) Run(ctx context.Context, job *Job) portal.Result {
	g.started <- job.VehicleID
	<-g.release
	return portal.Result{Code: portal.CodeSuccess}
}

func TestShutdownResolvesQueuedJobs(t *testing.T) {
	runner := &gateRunner{started: make(chan string, 1), release: make(chan struct{})}
	s := New(runner, nil, Options{PollInterval: 10 * time.Millisecond})

	first, err := s.Enqueue(Request{VehicleID: "first", Priority: PriorityHigh})
	require.NoError(t, err)
	second, err := s.Enqueue(Request{VehicleID: "second", Priority: PriorityMedium})
	require.NoError(t, err)
	third, err := s.Enqueue(Request{VehicleID: "third", Priority: PriorityLow})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started the first job")
	}

	// Cancel with the worker mid-job, then let it finish.
	cancel()
	close(runner.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	res := awaitResult(t, first)
	assert.Equal(t, portal.CodeSuccess, res.Code)

	// The jobs left in the queue are resolved, not abandoned.
	for _, job := range []*Job{second, third} {
		res := awaitResult(t, job)
		assert.Equal(t, portal.CodeError, res.Code)
		assert.Contains(t, res.Message, "stopped")
	}
}

func TestEnqueueValidation(t *testing.T) {
	s := New(&fakeRunner{}, nil, Options{})

	_, err := s.Enqueue(Request{Priority: PriorityHigh})
	assert.Error(t, err)

	_, err = s.Enqueue(Request{VehicleID: "car", Kind: CheckFeeOnly})
	assert.Error(t, err)

	_, err = s.Enqueue(Request{VehicleID: "car", Kind: CheckFeeOnly, EntryTime: time.Now()})
	assert.NoError(t, err)
}

func TestBatchSweep(t *testing.T) {
	source := &fakeVehicles{vehicles: []Vehicle{
		{VehicleID: "12가3456", ContactRef: "room-101"},
		{VehicleID: "34나7890", ContactRef: "room-202"},
	}}
	s := New(&fakeRunner{}, source, Options{SweepAt: "04:30"})

	at := time.Date(2026, 8, 29, 4, 30, 10, 0, time.Local)

	// Wrong minute: nothing fires.
	s.maybeSweep(context.Background(), at.Add(-time.Minute))
	assert.Zero(t, s.QueueDepth())

	// Matching minute: one job per vehicle at low priority.
	s.maybeSweep(context.Background(), at)
	assert.Equal(t, 2, s.QueueDepth())
	assert.Equal(t, 1, source.calls)

	// Same minute boundary again: guarded, no duplicates.
	s.maybeSweep(context.Background(), at.Add(20*time.Second))
	assert.Equal(t, 2, s.QueueDepth())
	assert.Equal(t, 1, source.calls)

	// Next day fires again.
	s.maybeSweep(context.Background(), at.AddDate(0, 0, 1))
	assert.Equal(t, 4, s.QueueDepth())
	assert.Equal(t, 2, source.calls)

	job := s.dequeue()
	require.NotNil(t, job)
	assert.Equal(t, PriorityLow, job.Priority)
	assert.Equal(t, ApplyDiscount, job.Kind)
	assert.Equal(t, "room-101", job.ContactRef)
}

func TestQueueStableOrderLargeMix(t *testing.T) {
	s := New(&fakeRunner{}, nil, Options{})

	for i := 0; i < 5; i++ {
		_, err := s.Enqueue(Request{VehicleID: "low", Priority: PriorityLow})
		require.NoError(t, err)
		_, err = s.Enqueue(Request{VehicleID: "high", Priority: PriorityHigh})
		require.NoError(t, err)
	}

	var got []string
	for job := s.dequeue(); job != nil; job = s.dequeue() {
		got = append(got, job.VehicleID)
	}
	assert.Equal(t, []string{
		"high", "high", "high", "high", "high",
		"low", "low", "low", "low", "low",
	}, got)
}
