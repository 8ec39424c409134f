package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"crisiswatch/internal/followup"
)

type countingJob struct {
	runs     atomic.Int32
	interval time.Duration
}

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return nil
}

func (j *countingJob) Interval() time.Duration { return j.interval }

func TestSchedulerRunsAndStops(t *testing.T) {
	s, err := NewJobScheduler()
	if err != nil {
		t.Fatal(err)
	}
	job := &countingJob{interval: 20 * time.Millisecond}
	if err := s.Register("count", job); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("count", job); err == nil {
		t.Error("duplicate registration should fail")
	}

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for job.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if job.runs.Load() < 2 {
		t.Fatalf("job ran %d times", job.runs.Load())
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	after := job.runs.Load()
	time.Sleep(60 * time.Millisecond)
	if job.runs.Load() != after {
		t.Error("job kept running after Stop")
	}
}

func TestRunNow(t *testing.T) {
	s, err := NewJobScheduler()
	if err != nil {
		t.Fatal(err)
	}
	job := &countingJob{interval: time.Hour}
	s.Register("count", job)

	if err := s.RunNow("count"); err != nil || job.runs.Load() != 1 {
		t.Errorf("RunNow: runs=%d err=%v", job.runs.Load(), err)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("unknown job should error")
	}
	if st := s.GetStatus()["count"]; !st.Registered || st.Interval != "1h0m0s" {
		t.Errorf("unexpected status: %+v", st)
	}
	s.Stop()
}

type fakeSweeper struct {
	n   int
	err error
}

func (f *fakeSweeper) Sweep(ctx context.Context) (int, error) { return f.n, f.err }

type fakeDispatcher struct{ calls int }

func (f *fakeDispatcher) DispatchDue(ctx context.Context) (followup.DispatchResult, error) {
	f.calls++
	return followup.DispatchResult{}, ctx.Err()
}

type fakeCooldowns struct{ calls int }

func (f *fakeCooldowns) Sweep() int { f.calls++; return 3 }

func TestSweepJobs(t *testing.T) {
	boom := errors.New("boom")
	if err := NewSessionSweepJob(&fakeSweeper{n: 2, err: boom}, time.Second).Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("session sweep should surface errors, got %v", err)
	}

	d := &fakeDispatcher{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewFollowupDispatchJob(d, time.Second).Run(ctx); err != nil || d.calls != 1 {
		t.Errorf("cancelled dispatch is not a failure, got %v", err)
	}

	c := &fakeCooldowns{}
	job := NewCooldownSweepJob(c, time.Minute)
	if err := job.Run(context.Background()); err != nil || c.calls != 1 || job.Interval() != time.Minute {
		t.Error("cooldown sweep did not run")
	}
}
